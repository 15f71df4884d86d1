package serialmux

import (
	"io"

	"go.bug.st/serial"
)

// SerialPorter is the subset of a serial port SerialMux needs.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// NewRealSerialMux opens the device at path with opts and wraps it.
func NewRealSerialMux(path string, opts PortOptions) (*SerialMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return NewSerialMux[serial.Port](port), nil
}
