package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandlerExposesCounters(t *testing.T) {
	m := New()
	m.FramesProcessed.Add(3)
	m.QueueLength.Store(2)
	m.Online.Store(0)
	m.EventTriggered("accident")
	m.EventTriggered("accident")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)

	for _, want := range []string{
		"roadwatch_frames_processed_total 3",
		"roadwatch_queue_length 2",
		"roadwatch_online 0",
		`roadwatch_events_triggered_total{kind="accident"} 2`,
	} {
		assert.True(t, strings.Contains(text, want), "missing %q in:\n%s", want, text)
	}
}

func TestNewStartsOnline(t *testing.T) {
	assert.Equal(t, uint64(1), New().Online.Load())
}

func TestBoolToUint(t *testing.T) {
	assert.Equal(t, uint64(1), BoolToUint(true))
	assert.Equal(t, uint64(0), BoolToUint(false))
}
