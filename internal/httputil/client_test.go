package httputil

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestStandardClient_Wraps(t *testing.T) {
	customClient := &http.Client{}
	client := NewStandardClient(customClient)

	if client.Client != customClient {
		t.Error("expected custom client to be wrapped")
	}
	if NewStandardClient(nil).Client != http.DefaultClient {
		t.Error("expected nil to fall back to http.DefaultClient")
	}
}

func TestStandardClient_Do(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("got method %s, want PUT", r.Method)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	req, _ := http.NewRequest(http.MethodPut, server.URL, nil)
	resp, err := NewStandardClient(nil).Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("got status %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
}

func TestMockHTTPClient_QueuedResponses(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.AddResponse(http.StatusOK, "first").AddResponse(http.StatusNotFound, "second")

	for i, want := range []struct {
		code int
		body string
	}{
		{http.StatusOK, "first"},
		{http.StatusNotFound, "second"},
		{http.StatusOK, ""}, // queue exhausted
	} {
		req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
		resp, err := mock.Do(req)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != want.code || string(body) != want.body {
			t.Errorf("request %d: got %d %q, want %d %q", i, resp.StatusCode, body, want.code, want.body)
		}
	}
	if mock.RequestCount() != 3 {
		t.Errorf("got %d requests, want 3", mock.RequestCount())
	}
}

func TestMockHTTPClient_RecordsBody(t *testing.T) {
	mock := NewMockHTTPClient()
	req, _ := http.NewRequest(http.MethodPost, "http://example.com/a.json", strings.NewReader(`{"a":1}`))
	if _, err := mock.Do(req); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if got := mock.GetBody(0); got != `{"a":1}` {
		t.Errorf("got body %q", got)
	}
	// The request body stays readable for DoFunc and assertions.
	b, _ := io.ReadAll(mock.GetRequest(0).Body)
	if string(b) != `{"a":1}` {
		t.Errorf("request body not restored: %q", b)
	}
	if mock.GetRequest(5) != nil || mock.GetBody(-1) != "" {
		t.Error("out of range lookups should return zero values")
	}
}

func TestMockHTTPClient_Errors(t *testing.T) {
	errQueued := errors.New("queued")
	mock := NewMockHTTPClient().AddErrorResponse(errQueued)
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	if _, err := mock.Do(req); !errors.Is(err, errQueued) {
		t.Errorf("got %v, want queued error", err)
	}

	errDefault := errors.New("default")
	mock.DefaultError = errDefault
	if _, err := mock.Do(req); !errors.Is(err, errDefault) {
		t.Errorf("got %v, want default error", err)
	}
}

func TestMockHTTPClient_DoFunc(t *testing.T) {
	mock := NewMockHTTPClient()
	mock.DoFunc = func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusTeapot,
			Body:       io.NopCloser(strings.NewReader("")),
		}, nil
	}
	req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
	resp, err := mock.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("got status %d", resp.StatusCode)
	}
}
