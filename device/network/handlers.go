package network

import (
	"github.com/meshlink/meshlink/core"
	"github.com/meshlink/meshlink/core/packet"
	"github.com/meshlink/meshlink/core/routing"
	"github.com/meshlink/meshlink/core/ticket"
	ioctl "github.com/meshlink/meshlink/device/io"
)

// handleDeviceAvailable sends the host's handshake to the new device, then
// dumps the routing table to it: a best-link-with-split-horizon Update for
// every destination already known, excluding the new device itself.
func (c *Controller) handleDeviceAvailable(m deviceAvailableMsg) {
	device := m.device

	hs := &packet.HandshakePacket{
		Sequence:     c.seq.Next(),
		Originator:   c.host,
		InternetHops: c.currentInternetHops(),
	}
	c.enqueueProtocolPacket(hs, device)

	for _, link := range c.table.BestLinks(&device) {
		h := propagatedHopCount(link.HopCount)
		ih := propagatedHopCount(link.InternetHopCount)
		if h >= routing.MaxHopCount || ih >= routing.MaxHopCount {
			continue
		}
		up := &packet.UpdatePacket{
			Sequence:     c.seq.Next(),
			Instance:     link.Destination,
			HopCount:     h,
			Reachable:    true,
			InternetHops: ih,
		}
		c.enqueueProtocolPacket(up, device)
	}
}

func (c *Controller) currentInternetHops() uint8 {
	if c.hasDirectInternet.Load() {
		return 0
	}
	link, ok := c.table.BestInternetLink(nil)
	if !ok || !link.HasInternetPath() {
		return routing.HopCountInfinity
	}
	return propagatedHopCount(link.InternetHopCount)
}

// emitUpdateForLink propagates a single routing-table link_update as an
// Update packet sent to every device except the link's next hop (split
// horizon). Always called from dispatch on the main context, whether the
// triggering linkUpdateMsg was posted immediately (coalescing disabled)
// or by a coalesce timer's debounce firing.
func (c *Controller) emitUpdateForLink(link routing.Link) {
	h := propagatedHopCount(link.HopCount)
	if h >= routing.MaxHopCount {
		c.log.Debug("suppressing update propagation past max hop count",
			"destination", link.Destination.String(), "hop_count", h)
		return
	}
	ih := propagatedHopCount(link.InternetHopCount)

	up := &packet.UpdatePacket{
		Sequence:     c.seq.Next(),
		Instance:     link.Destination,
		HopCount:     h,
		Reachable:    true,
		InternetHops: ih,
	}
	for _, device := range c.table.Devices() {
		if device.Equal(link.NextHop) {
			continue
		}
		c.enqueueProtocolPacket(up, device)
	}
}

func propagatedHopCount(hopCount uint8) uint8 {
	if int(hopCount)+1 >= routing.HopCountInfinity {
		return routing.HopCountInfinity
	}
	return hopCount + 1
}

// handleInboundPacket dispatches a decoded frame (or, for pkt == nil, a
// decode failure reported by the I/O controller) by kind.
func (c *Controller) handleInboundPacket(m inboundPacketMsg) {
	if m.pkt == nil {
		c.handleProtocolViolation(m.streamID)
		return
	}

	switch p := m.pkt.(type) {
	case *packet.HandshakePacket:
		c.handleHandshake(m.streamID, p)
	case *packet.UpdatePacket:
		c.handleUpdate(m.streamID, p)
	case *packet.DataPacket:
		c.handleData(m.streamID, p)
	case *packet.AckPacket:
		c.handleAck(m.streamID, p)
	case *packet.InternetPacket:
		c.handleInternetRequest(m.streamID, p)
	case *packet.InternetResponsePacket:
		c.handleInternetResponse(m.streamID, p)
	default:
		c.log.Warn("dropping packet of unhandled kind", "kind", m.pkt.Kind())
	}
}

func (c *Controller) handleProtocolViolation(streamID string) {
	device, ok := c.table.DeviceForStream(streamID)
	if !ok {
		c.log.Debug("decode failure on unknown stream", "stream", streamID)
		return
	}
	c.log.Warn("closing stream after malformed frame", "device", device.ID)
	if err := c.transport.Close(device); err != nil {
		c.log.Debug("close after protocol violation failed", "device", device.ID, "error", err)
	}
}

func (c *Controller) handleHandshake(streamID string, p *packet.HandshakePacket) {
	device, ok := c.table.DeviceForStream(streamID)
	if !ok {
		c.log.Warn("handshake from unregistered stream, dropping", "stream", streamID)
		return
	}
	c.table.RegisterOrUpdate(device, p.Originator, 1, p.InternetHops)
}

func (c *Controller) handleUpdate(streamID string, p *packet.UpdatePacket) {
	if p.Instance.Equal(c.host) {
		return
	}
	device, ok := c.table.DeviceForStream(streamID)
	if !ok {
		c.log.Warn("update from unregistered stream, dropping", "stream", streamID)
		return
	}
	hopCount := p.HopCount
	if !p.Reachable {
		hopCount = routing.HopCountInfinity
	}
	c.table.RegisterOrUpdate(device, p.Instance, hopCount, p.InternetHops)
}

func (c *Controller) handleData(streamID string, p *packet.DataPacket) {
	if p.Destination.Equal(c.host) {
		c.notifyReceived(p.Payload, p.Origin)
		ack := &packet.AckPacket{Sequence: p.Sequence, Origin: c.host, Destination: p.Origin}
		c.relay(ack, p.Origin, nil)
		return
	}
	c.relay(p, p.Destination, previousHop(c.table, streamID))
}

func (c *Controller) handleAck(streamID string, p *packet.AckPacket) {
	if p.Destination.Equal(c.host) {
		tk := ticket.New(p.Sequence, p.Origin)
		c.notifyAcknowledgement(tk)
		return
	}
	c.relay(p, p.Destination, previousHop(c.table, streamID))
}

func (c *Controller) handleInternetRequest(streamID string, p *packet.InternetPacket) {
	device, ok := c.table.DeviceForStream(streamID)
	ctx := c.ctx
	go func() {
		code, body, err := c.http.Do(ctx, p.Sequence, p.HopCount+1, c.host, p.Originator, p.TestID, p.URL, p.Body)
		c.post(proxyCallResultMsg{
			originator:    p.Originator,
			replyDevice:   device,
			replyDeviceOK: ok,
			code:          code,
			text:          body,
			err:           err,
		})
	}()
}

func (c *Controller) handleProxyCallResult(m proxyCallResultMsg) {
	if m.err != nil {
		c.log.Debug("internet proxy call failed", "error", m.err)
		return
	}
	resp := &packet.InternetResponsePacket{
		Sequence:   c.seq.Next(),
		Originator: m.originator,
		Code:       uint16(m.code),
		Body:       []byte(m.text),
	}

	if c.cfg.ReplyPath == ReplyBestLink {
		c.relay(resp, m.originator, nil)
		return
	}

	// Default: addressed back to the device that delivered the request,
	// not a best-link lookup, to work around incomplete bidirectional
	// reachability.
	if !m.replyDeviceOK {
		c.log.Warn("cannot reply to internet request: source device no longer known")
		return
	}
	c.enqueueProtocolPacket(resp, m.replyDevice)
}

// handleInternetResponse relays a response for which this host is not the
// originator. Unlike the first hop's reply-path choice, a relay always
// follows the ordinary best-link/split-horizon path.
func (c *Controller) handleInternetResponse(streamID string, p *packet.InternetResponsePacket) {
	if p.Originator.Equal(c.host) {
		c.notifyInternetResponse(int(p.Code), string(p.Body))
		return
	}
	c.relay(p, p.Originator, previousHop(c.table, streamID))
}

// relay enqueues pkt to be written to best_link(destination, splitHorizon)
// at dispatch time. No retry; failures are logged only.
func (c *Controller) relay(pkt packet.Packet, destination core.Instance, splitHorizon *core.Device) {
	c.io.Add(&ioctl.IoPacket{
		Packet: pkt,
		Select: func() (core.Device, bool) {
			link, ok := c.table.BestLink(destination, splitHorizon)
			if !ok {
				return core.Device{}, false
			}
			return link.NextHop, true
		},
		OnWriteFailure: func(err error) {
			c.log.Debug("relay failed", "destination", destination.String(), "error", err)
		},
	})
}

// enqueueProtocolPacket enqueues a Handshake or Update addressed directly
// to device. Failures are logged only, per the Handshake/Update failure
// policy.
func (c *Controller) enqueueProtocolPacket(pkt packet.Packet, device core.Device) {
	c.io.Add(&ioctl.IoPacket{
		Packet: pkt,
		Select: func() (core.Device, bool) { return device, true },
		OnWriteFailure: func(err error) {
			c.log.Debug("protocol packet write failed", "device", device.ID, "kind", pkt.Kind(), "error", err)
		},
	})
}

func previousHop(table *routing.Table, streamID string) *core.Device {
	device, ok := table.DeviceForStream(streamID)
	if !ok {
		return nil
	}
	return &device
}

// ---- Send / SendInternet entry points ----

// Send allocates a sequence number, builds a Data packet addressed to
// destination, and enqueues it for the current best link. The returned
// Ticket correlates the later OnSent/OnSendFailure and OnAcknowledgement
// notifications.
func (c *Controller) Send(payload []byte, destination core.Instance) ticket.Ticket {
	reply := make(chan ticket.Ticket, 1)
	c.post(sendRequestMsg{payload: payload, destination: destination, reply: reply})
	select {
	case tk := <-reply:
		return tk
	case <-c.ctx.Done():
		return ticket.Ticket{}
	}
}

func (c *Controller) handleSendRequest(m sendRequestMsg) {
	seq := c.seq.Next()
	tk := ticket.New(seq, m.destination)
	pkt := &packet.DataPacket{Sequence: seq, Origin: c.host, Destination: m.destination, Payload: m.payload}

	c.io.Add(&ioctl.IoPacket{
		Packet: pkt,
		Select: func() (core.Device, bool) {
			link, ok := c.table.BestLink(m.destination, nil)
			if !ok {
				return core.Device{}, false
			}
			return link.NextHop, true
		},
		OnWritten:      func() { c.notifySent(tk) },
		OnWriteFailure: func(err error) { c.notifySendFailure(tk, err) },
	})

	m.reply <- tk
}

// SendInternet allocates a sequence number and attempts a direct external
// HTTP call on the host's behalf. On failure it falls back to the mesh.
// The returned sequence correlates the later OnInternetResponse or
// OnInternetRequestFailure notification.
func (c *Controller) SendInternet(url string, body []byte, testID uint32) uint16 {
	reply := make(chan uint16, 1)
	c.post(sendInternetRequestMsg{url: url, body: body, testID: testID, reply: reply})
	select {
	case seq := <-reply:
		return seq
	case <-c.ctx.Done():
		return 0
	}
}

func (c *Controller) handleSendInternetRequest(m sendInternetRequestMsg) {
	seq := c.seq.Next()
	m.reply <- seq

	ctx := c.ctx
	go func() {
		code, text, err := c.http.Do(ctx, seq, 0, c.host, c.host, m.testID, m.url, m.body)
		c.post(directCallResultMsg{seq: seq, testID: m.testID, url: m.url, body: m.body, code: code, text: text, err: err})
	}()
}

func (c *Controller) handleDirectCallResult(m directCallResultMsg) {
	if m.err == nil {
		c.notifyInternetResponse(m.code, m.text)
		return
	}

	pkt := &packet.InternetPacket{
		Sequence:   m.seq,
		Originator: c.host,
		URL:        m.url,
		Body:       m.body,
		TestID:     m.testID,
		HopCount:   0,
	}
	c.io.Add(&ioctl.IoPacket{
		Packet: pkt,
		Select: func() (core.Device, bool) {
			link, ok := c.table.BestInternetLink(nil)
			if !ok || !link.HasInternetPath() {
				return core.Device{}, false
			}
			return link.NextHop, true
		},
		OnWriteFailure: func(error) {
			c.notifyInternetRequestFailure(m.seq)
		},
	})
}

// ---- Delegate notification helpers ----

func (c *Controller) notifyInstanceFound(inst core.Instance) {
	c.delegateMu.RLock()
	d := c.delegate
	c.delegateMu.RUnlock()
	if d != nil {
		d.OnInstanceFound(inst)
	}
}

func (c *Controller) notifyInstanceLost(inst core.Instance, kind core.ErrorKind) {
	c.delegateMu.RLock()
	d := c.delegate
	c.delegateMu.RUnlock()
	if d != nil {
		d.OnInstanceLost(inst, kind)
	}
}

func (c *Controller) notifyReceived(payload []byte, origin core.Instance) {
	c.delegateMu.RLock()
	d := c.delegate
	c.delegateMu.RUnlock()
	if d != nil {
		d.OnReceived(payload, origin)
	}
}

func (c *Controller) notifySent(tk ticket.Ticket) {
	c.delegateMu.RLock()
	d := c.delegate
	c.delegateMu.RUnlock()
	if d != nil {
		d.OnSent(tk)
	}
}

func (c *Controller) notifySendFailure(tk ticket.Ticket, err error) {
	c.delegateMu.RLock()
	d := c.delegate
	c.delegateMu.RUnlock()
	if d != nil {
		d.OnSendFailure(tk, err)
	}
}

func (c *Controller) notifyAcknowledgement(tk ticket.Ticket) {
	c.delegateMu.RLock()
	d := c.delegate
	c.delegateMu.RUnlock()
	if d != nil {
		d.OnAcknowledgement(tk)
	}
}

func (c *Controller) notifyInternetResponse(code int, body string) {
	c.delegateMu.RLock()
	d := c.internetDelegate
	c.delegateMu.RUnlock()
	if d != nil {
		d.OnInternetResponse(code, body)
	}
}

func (c *Controller) notifyInternetRequestFailure(seq uint16) {
	c.delegateMu.RLock()
	d := c.internetDelegate
	c.delegateMu.RUnlock()
	if d != nil {
		d.OnInternetRequestFailure(seq)
	}
}
