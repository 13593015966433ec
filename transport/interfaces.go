// Package transport defines the capability the mesh network controller
// consumes from the underlying radio stack. The core never scans,
// advertises, or negotiates MTUs itself — it only calls Write/Close on a
// Transport and reacts to the Callbacks it is given, exactly as if the
// transport were any other external collaborator.
package transport

import "github.com/meshlink/meshlink/core"

// Transport is the capability consumed by the I/O controller. A Transport
// delivers framed I/O: each byte slice handed to Callbacks.OnPacketBytes
// is a single complete wire frame — the core performs no byte-stream
// reassembly of its own.
type Transport interface {
	// Write begins an asynchronous write of data to device. Completion is
	// reported later via Callbacks.OnWriteCompleted/OnWriteFailed. An error
	// returned here means the write could not even be started.
	Write(device core.Device, data []byte) error

	// Close closes the session with device, e.g. in response to a decode
	// failure that should terminate the stream with ErrProtocolViolation.
	Close(device core.Device) error
}

// Callbacks is the set of notifications a Transport delivers back into the
// core. Any field may be nil; the transport must tolerate that.
type Callbacks struct {
	OnDeviceAvailable func(device core.Device)
	OnDeviceLost      func(device core.Device)
	OnPacketBytes     func(streamID string, data []byte)
	OnWriteCompleted  func(device core.Device)
	OnWriteFailed     func(device core.Device, err error)
}
