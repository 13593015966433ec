package io

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/meshlink/meshlink/core"
	"github.com/meshlink/meshlink/core/packet"
	"github.com/meshlink/meshlink/transport"
)

// InboundHandler receives a decoded inbound packet along with the stream it
// arrived on. It is the network controller's packet-dispatch entry point.
type InboundHandler func(streamID string, pkt packet.Packet)

// Config configures a Controller.
type Config struct {
	// Logger for I/O events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Controller serializes outbound writes per device (at most one in flight
// per device) while letting independent devices progress in parallel, and
// decodes inbound frames handed to it by the transport.
//
// Packets enqueued to the same device in program order are written in that
// order; packets to different devices are unordered.
type Controller struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	pending []*IoPacket
	inFlight map[string]*IoPacket // device ID -> packet currently being written

	transport transport.Transport
	onInbound InboundHandler
}

// New creates an I/O controller bound to t. Inbound frames are handed to
// onInbound once decoded.
func New(t transport.Transport, onInbound InboundHandler, cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:       cfg,
		log:       logger.WithGroup("io"),
		inFlight:  make(map[string]*IoPacket),
		transport: t,
		onInbound: onInbound,
	}
}

// Callbacks returns the transport.Callbacks this controller implements, for
// wiring into a Transport implementation.
func (c *Controller) Callbacks() transport.Callbacks {
	return transport.Callbacks{
		OnPacketBytes:    c.handlePacketBytes,
		OnWriteCompleted: c.handleWriteCompleted,
		OnWriteFailed:    c.handleWriteFailed,
	}
}

// Add enqueues an outbound IoPacket. If the packet's resolved device is
// currently idle, dispatch begins immediately; otherwise it waits behind
// whatever else is queued for that device.
func (c *Controller) Add(iop *IoPacket) {
	c.mu.Lock()
	c.pending = append(c.pending, iop)
	c.mu.Unlock()
	c.pump()
}

// pump scans the pending queue in program order, dispatching the
// front-most ready item for each device that is currently idle. A
// DeviceSelector that returns ok=false fails the packet with
// core.ErrNoRoute immediately rather than blocking its device's queue.
func (c *Controller) pump() {
	c.mu.Lock()

	type dispatch struct {
		iop    *IoPacket
		device core.Device
		data   []byte
	}

	var toDispatch []dispatch
	var toFail []*IoPacket
	kept := make([]*IoPacket, 0, len(c.pending))

	claimedThisPass := make(map[string]bool)

	for _, iop := range c.pending {
		device, ok := iop.Select()
		if !ok {
			toFail = append(toFail, iop)
			continue
		}
		if c.inFlight[device.ID] != nil || claimedThisPass[device.ID] {
			kept = append(kept, iop)
			continue
		}
		claimedThisPass[device.ID] = true
		toDispatch = append(toDispatch, dispatch{iop: iop, device: device, data: iop.Packet.Encode(nil)})
	}
	c.pending = kept

	for _, d := range toDispatch {
		c.inFlight[d.device.ID] = d.iop
	}
	c.mu.Unlock()

	for _, iop := range toFail {
		iop.writeFailed(core.ErrNoRoute)
	}

	for _, d := range toDispatch {
		if err := c.transport.Write(d.device, d.data); err != nil {
			c.finishWrite(d.device.ID, fmt.Errorf("%w: %v", core.ErrTransportFailure, err))
		}
	}
}

// handleWriteCompleted is called by the transport when a write finishes
// successfully.
func (c *Controller) handleWriteCompleted(device core.Device) {
	c.finishWrite(device.ID, nil)
}

// handleWriteFailed is called by the transport when a write fails. The
// failed packet is not retried by this layer; the next queued packet for
// the device proceeds.
func (c *Controller) handleWriteFailed(device core.Device, err error) {
	c.finishWrite(device.ID, fmt.Errorf("%w: %v", core.ErrTransportFailure, err))
}

func (c *Controller) finishWrite(deviceID string, err error) {
	c.mu.Lock()
	iop := c.inFlight[deviceID]
	delete(c.inFlight, deviceID)
	c.mu.Unlock()

	if iop == nil {
		return
	}
	if err != nil {
		c.log.Warn("write failed", "device", deviceID, "error", err)
		iop.writeFailed(err)
	} else {
		iop.written()
	}
	c.pump()
}

// handlePacketBytes decodes a single complete inbound frame and hands it
// to the network controller. A decode failure is reported as a nil
// packet: the I/O controller has no Device<->stream mapping of its own
// (the routing table owns that), so closing the stream with
// ErrProtocolViolation is the network controller's job.
func (c *Controller) handlePacketBytes(streamID string, data []byte) {
	pkt, err := packet.Decode(data)
	if err != nil {
		c.log.Debug("dropping malformed inbound frame", "stream", streamID, "error", err)
		if c.onInbound != nil {
			c.onInbound(streamID, nil)
		}
		return
	}
	if c.onInbound != nil {
		c.onInbound(streamID, pkt)
	}
}
