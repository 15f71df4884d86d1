package sink

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.bug.st/serial"

	"github.com/banshee-data/roadwatch/internal/monitoring"
	"github.com/banshee-data/roadwatch/internal/serialmux"
)

// LineOpener opens the line device.
type LineOpener func(path string, mode *serial.Mode) (io.WriteCloser, error)

func openSerial(path string, mode *serial.Mode) (io.WriteCloser, error) {
	return serial.Open(path, mode)
}

// LineWriter writes NDJSON lines to a serial device, typically an RFCOMM
// tty bound to the driver's phone. The device is opened lazily and
// reopened after a failed write; the greeting is sent on every connect.
type LineWriter struct {
	path     string
	mode     *serial.Mode
	greeting []byte
	open     LineOpener

	mu sync.Mutex
	w  io.WriteCloser
}

// NewLineWriter validates opts and returns a writer for path.
func NewLineWriter(path string, opts serialmux.PortOptions, greeting []byte) (*LineWriter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, fmt.Errorf("line device %s: %w", path, err)
	}
	return &LineWriter{
		path:     path,
		mode:     mode,
		greeting: greeting,
		open:     openSerial,
	}, nil
}

// WriteLine writes msg, connecting first if needed. ctx bounds the whole
// call; a write still blocked when ctx ends is abandoned and the device
// reopened on the next call.
func (l *LineWriter) WriteLine(ctx context.Context, msg []byte) error {
	errc := make(chan error, 1)
	go func() { errc <- l.writeLine(msg) }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return fmt.Errorf("line device %s: %w", l.path, ctx.Err())
	}
}

func (l *LineWriter) writeLine(msg []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.connectLocked(); err != nil {
		return err
	}
	return l.writeLocked(msg)
}

func (l *LineWriter) connectLocked() error {
	if l.w != nil {
		return nil
	}
	w, err := l.open(l.path, l.mode)
	if err != nil {
		return fmt.Errorf("open line device %s: %w", l.path, err)
	}
	l.w = w
	monitoring.Logf("connected to line device %s", l.path)
	if len(l.greeting) > 0 {
		return l.writeLocked(l.greeting)
	}
	return nil
}

func (l *LineWriter) writeLocked(b []byte) error {
	if _, err := l.w.Write(b); err != nil {
		l.w.Close()
		l.w = nil
		return fmt.Errorf("write line device %s: %w", l.path, err)
	}
	return nil
}

// Connect opens the device now so the greeting goes out before any alert.
func (l *LineWriter) Connect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connectLocked()
}

// Close closes the device if open.
func (l *LineWriter) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w == nil {
		return nil
	}
	err := l.w.Close()
	l.w = nil
	return err
}
