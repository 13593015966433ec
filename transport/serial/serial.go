// Package serial provides a serial transport for carrying mesh frames over
// a point-to-point line.
//
// Frames are wrapped in a small magic+length+Fletcher-16-checksum header
// (see frame.go) so a byte-oriented link can recover frame boundaries from
// an arbitrary read split. Like mqtt.Transport, a serial line has only one
// peer, so every write and callback is reported against the fixed
// LineDevice identity.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go.bug.st/serial"

	"github.com/meshlink/meshlink/core"
	"github.com/meshlink/meshlink/transport"
)

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

const (
	// DefaultBaudRate is the default baud rate for mesh serial connections.
	DefaultBaudRate = 115200

	// readBufSize is the size of the serial read buffer.
	readBufSize = 1024
)

// LineDevice is the fixed Device identity this transport reports: a
// serial line has exactly one peer, so there is nothing to address beyond
// "the other end of the cable".
var LineDevice = core.Device{ID: "serial", StreamID: "serial"}

// Config holds the configuration for a serial transport.
type Config struct {
	// Port is the serial port path (e.g., "/dev/ttyUSB0" or "COM3").
	Port string
	// BaudRate is the serial baud rate. Defaults to DefaultBaudRate.
	BaudRate int
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Transport implements transport.Transport over a serial connection.
type Transport struct {
	cfg Config
	log *slog.Logger

	mu        sync.RWMutex
	port      serial.Port
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}
	callbacks transport.Callbacks
}

// New creates a new serial transport with the given configuration.
func New(cfg Config) *Transport {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Transport{
		cfg: cfg,
		log: cfg.Logger.WithGroup("serial"),
	}
}

// SetCallbacks installs the callbacks this Transport invokes. Call before
// Start.
func (t *Transport) SetCallbacks(cb transport.Callbacks) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = cb
}

// Start opens the serial port and begins reading frames.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.Port == "" {
		return errors.New("serial port is required")
	}

	mode := &serial.Mode{
		BaudRate: t.cfg.BaudRate,
	}

	port, err := serial.Open(t.cfg.Port, mode)
	if err != nil {
		return fmt.Errorf("opening serial port: %w", err)
	}

	t.mu.Lock()
	t.port = port
	t.connected = true
	t.done = make(chan struct{})
	cb := t.callbacks
	t.mu.Unlock()

	readCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	go t.readLoop(readCtx)

	t.log.Info("connected to serial port", "port", t.cfg.Port, "baud", t.cfg.BaudRate)

	if cb.OnDeviceAvailable != nil {
		cb.OnDeviceAvailable(LineDevice)
	}

	return nil
}

// Stop closes the serial port and stops the read loop.
func (t *Transport) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}

	t.mu.Lock()
	t.connected = false
	port := t.port
	t.port = nil
	done := t.done
	t.mu.Unlock()

	var err error
	if port != nil {
		err = port.Close()
	}

	// Wait for read loop to finish
	if done != nil {
		<-done
	}

	return err
}

// IsConnected returns true if the serial port is open.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// Write frames and writes data to the serial port. Completion is
// reported synchronously via Callbacks.OnWriteCompleted/OnWriteFailed
// before Write returns, since a serial port write isn't itself
// asynchronous; device is echoed back unchanged since there's only the
// one LineDevice.
func (t *Transport) Write(device core.Device, data []byte) error {
	t.mu.RLock()
	port := t.port
	connected := t.connected
	cb := t.callbacks
	t.mu.RUnlock()

	if !connected || port == nil {
		return errors.New("not connected")
	}

	frame, err := encodeFrame(data)
	if err != nil {
		return fmt.Errorf("framing payload: %w", err)
	}

	if _, err := port.Write(frame); err != nil {
		wrapped := fmt.Errorf("writing to serial port: %w", err)
		if cb.OnWriteFailed != nil {
			cb.OnWriteFailed(device, wrapped)
		}
		return wrapped
	}

	if cb.OnWriteCompleted != nil {
		cb.OnWriteCompleted(device)
	}
	return nil
}

// Close stops the transport. device is ignored since there is only ever
// the one LineDevice.
func (t *Transport) Close(core.Device) error {
	return t.Stop()
}

// readLoop continuously reads from the serial port and assembles frames.
func (t *Transport) readLoop(ctx context.Context) {
	defer close(t.done)

	buf := make([]byte, readBufSize)
	var assemblyBuf []byte

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := t.port.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return // context cancelled, clean shutdown
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				t.handleDisconnect(err)
				return
			}
			t.log.Error("serial read error", "error", err)
			t.handleDisconnect(err)
			return
		}

		if n == 0 {
			continue
		}

		assemblyBuf = append(assemblyBuf, buf[:n]...)
		assemblyBuf = t.processFrames(assemblyBuf)
	}
}

// processFrames extracts complete frames from the buffer and dispatches
// payloads to OnPacketBytes. Returns any remaining bytes that don't form
// a complete frame.
func (t *Transport) processFrames(data []byte) []byte {
	for len(data) >= minFrameSize {
		payload, remaining, err := decodeFrame(data)
		if err != nil {
			if errors.Is(err, errIncompleteFrame) {
				return data // wait for more data
			}
			// Bad frame - try to find the next magic bytes
			if idx := findMagic(data[1:]); idx >= 0 {
				data = data[1+idx:]
				continue
			}
			// No magic found, discard everything
			return nil
		}

		data = remaining

		t.mu.RLock()
		cb := t.callbacks
		t.mu.RUnlock()

		if cb.OnPacketBytes != nil {
			cb.OnPacketBytes(LineDevice.StreamID, payload)
		}
	}

	return data
}

func (t *Transport) handleDisconnect(err error) {
	t.mu.Lock()
	t.connected = false
	cb := t.callbacks
	t.mu.Unlock()

	if err != nil {
		t.log.Error("serial disconnected", "error", err)
	}

	if cb.OnDeviceLost != nil {
		cb.OnDeviceLost(LineDevice)
	}
}
