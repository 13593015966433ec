// Package mock provides an in-memory Transport connecting controllers
// without any real radio, socket, or wire. It is used by unit tests and by
// cmd/meshdemo to exercise the protocol without hardware.
package mock

import (
	"errors"
	"sync"

	"github.com/meshlink/meshlink/core"
	"github.com/meshlink/meshlink/transport"
)

// Transport is a single mock transport.Transport, exactly as a real
// controller would hold one transport instance managing many device
// connections. Each peer connection is added with Connect.
type Transport struct {
	mu        sync.Mutex
	callbacks transport.Callbacks
	endpoints map[string]endpoint // local Device.ID -> endpoint
	closed    map[string]bool
}

// endpoint is the far side of one connection: the peer Transport and the
// Device identity that peer reports for this side's packets.
type endpoint struct {
	peer       *Transport
	peerDevice core.Device
}

// New creates an unconnected mock Transport. Wire it to others with
// Connect, then install callbacks with SetCallbacks before Announce.
func New() *Transport {
	return &Transport{
		endpoints: make(map[string]endpoint),
		closed:    make(map[string]bool),
	}
}

// SetCallbacks installs the callbacks this Transport invokes. Call before
// Announce.
func (t *Transport) SetCallbacks(cb transport.Callbacks) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = cb
}

// Connect wires a into b. deviceOfB is the Device identity a will use to
// address b; deviceOfA is the Device identity b will use to address a.
// Call Announce on each side afterwards to simulate the link coming up.
func Connect(a *Transport, deviceOfB core.Device, b *Transport, deviceOfA core.Device) {
	a.mu.Lock()
	a.endpoints[deviceOfB.ID] = endpoint{peer: b, peerDevice: deviceOfA}
	a.mu.Unlock()

	b.mu.Lock()
	b.endpoints[deviceOfA.ID] = endpoint{peer: a, peerDevice: deviceOfB}
	b.mu.Unlock()
}

// Announce fires OnDeviceAvailable for the peer addressed by device,
// simulating that link coming up.
func (t *Transport) Announce(device core.Device) {
	t.mu.Lock()
	cb := t.callbacks
	t.mu.Unlock()
	if cb.OnDeviceAvailable != nil {
		cb.OnDeviceAvailable(device)
	}
}

// Disconnect fires OnDeviceLost for the peer addressed by device and marks
// the connection closed, so further Writes to it fail.
func (t *Transport) Disconnect(device core.Device) {
	t.mu.Lock()
	t.closed[device.ID] = true
	cb := t.callbacks
	t.mu.Unlock()
	if cb.OnDeviceLost != nil {
		cb.OnDeviceLost(device)
	}
}

func (t *Transport) Write(device core.Device, data []byte) error {
	t.mu.Lock()
	ep, ok := t.endpoints[device.ID]
	closed := t.closed[device.ID]
	cb := t.callbacks
	t.mu.Unlock()
	if !ok || closed {
		return errors.New("mock: no connection to device " + device.ID)
	}

	ep.peer.deliver(ep.peerDevice.StreamID, data)
	if cb.OnWriteCompleted != nil {
		cb.OnWriteCompleted(device)
	}
	return nil
}

func (t *Transport) deliver(streamID string, data []byte) {
	t.mu.Lock()
	cb := t.callbacks
	t.mu.Unlock()
	if cb.OnPacketBytes != nil {
		cb.OnPacketBytes(streamID, data)
	}
}

func (t *Transport) Close(device core.Device) error {
	t.mu.Lock()
	t.closed[device.ID] = true
	t.mu.Unlock()
	return nil
}
