// Package io implements per-device, ordered, at-most-one-in-flight
// dispatch of outgoing packets to transport streams, plus inbound frame
// decoding.
package io

import (
	"github.com/meshlink/meshlink/core"
	"github.com/meshlink/meshlink/core/packet"
)

// DeviceSelector resolves the current best next-hop Device for an IoPacket.
// It is evaluated at dispatch time, not at enqueue time, so that a route
// discovered after Add but before the packet reaches the front of its
// device's queue is still honored. Returns ok=false when no route
// currently exists.
type DeviceSelector func() (device core.Device, ok bool)

// IoPacket is the internal envelope owned by the I/O controller's queue
// until completion. OnWritten and OnWriteFailure are invoked exactly
// once, never both, and never concurrently with each other.
type IoPacket struct {
	Packet         packet.Packet
	Select         DeviceSelector
	OnWritten      func()
	OnWriteFailure func(err error)
}

func (p *IoPacket) written() {
	if p.OnWritten != nil {
		p.OnWritten()
	}
}

func (p *IoPacket) writeFailed(err error) {
	if p.OnWriteFailure != nil {
		p.OnWriteFailure(err)
	}
}
