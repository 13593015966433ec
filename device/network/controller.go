// Package network implements the protocol state machine that turns raw
// packets and routing-table events into handshakes, distance-vector
// updates, relayed data, acknowledgements, and proxied Internet calls. It
// owns the sequence generator and holds the routing table and I/O
// controller it drives.
package network

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/meshlink/meshlink/core"
	"github.com/meshlink/meshlink/core/packet"
	"github.com/meshlink/meshlink/core/routing"
	"github.com/meshlink/meshlink/core/ticket"
	ioctl "github.com/meshlink/meshlink/device/io"
	"github.com/meshlink/meshlink/transport"
)

// Controller is the network controller: the single serialization point for
// routing-table mutation and packet-kind dispatch. Its public methods are
// safe to call from any goroutine; the work they describe is carried out
// on one internal goroutine (the "main context").
type Controller struct {
	cfg  Config
	log  *slog.Logger
	host core.Instance

	table     *routing.Table
	io        *ioctl.Controller
	transport transport.Transport
	seq       *packet.SequenceGenerator
	http      *httpProxyClient
	coalesce  *updateCoalescer

	delegateMu        sync.RWMutex
	delegate          Delegate
	internetDelegate  InternetRequestDelegate
	hasDirectInternet atomic.Bool

	mailbox chan any

	runMu  sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a network controller. t is the transport the I/O controller
// will drive; the network controller also holds it directly to close
// streams on protocol violations.
func New(t transport.Transport, cfg Config) *Controller {
	logger := cfg.logger()
	c := &Controller{
		cfg:       cfg,
		log:       logger.WithGroup("network"),
		host:      cfg.Host,
		table:     routing.New(routing.Config{Host: cfg.Host, Logger: logger}),
		transport: t,
		seq:       packet.NewSequenceGenerator(),
		http:      newHTTPProxyClient(cfg.HTTPTimeout),
		mailbox:   make(chan any, 64),
		ctx:       context.Background(),
	}
	c.io = ioctl.New(t, c.onInboundPacket, ioctl.Config{Logger: logger})
	c.table.SetDelegate(c)
	c.coalesce = newUpdateCoalescer(cfg.coalesceWindow(), func(link routing.Link) {
		c.post(linkUpdateMsg{link: link})
	})
	return c
}

// SetDelegate installs the application delegate. Passing nil silences
// notifications.
func (c *Controller) SetDelegate(d Delegate) {
	c.delegateMu.Lock()
	defer c.delegateMu.Unlock()
	c.delegate = d
}

// SetInternetRequestDelegate installs the Internet-proxy delegate.
func (c *Controller) SetInternetRequestDelegate(d InternetRequestDelegate) {
	c.delegateMu.Lock()
	defer c.delegateMu.Unlock()
	c.internetDelegate = d
}

// SetHasDirectInternet tells the controller whether this host currently
// has direct external connectivity, affecting the internet_hops value it
// advertises in handshakes.
func (c *Controller) SetHasDirectInternet(has bool) {
	c.hasDirectInternet.Store(has)
}

// Callbacks returns the transport.Callbacks this controller implements.
func (c *Controller) Callbacks() transport.Callbacks {
	ioCb := c.io.Callbacks()
	return transport.Callbacks{
		OnDeviceAvailable: c.onDeviceAvailable,
		OnDeviceLost:      c.onDeviceLost,
		OnPacketBytes:     ioCb.OnPacketBytes,
		OnWriteCompleted:  ioCb.OnWriteCompleted,
		OnWriteFailed:     ioCb.OnWriteFailed,
	}
}

// Start begins the controller's main-context goroutine. It returns
// immediately; call Stop to shut it down.
func (c *Controller) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	c.ctx = gctx
	c.cancel = cancel
	c.group = g

	g.Go(func() error {
		c.run(gctx)
		return nil
	})
}

// Stop cancels the main-context goroutine and waits for it to exit.
func (c *Controller) Stop() error {
	c.runMu.Lock()
	cancel := c.cancel
	g := c.group
	c.runMu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.coalesce.StopAll()
	if g != nil {
		return g.Wait()
	}
	return nil
}

func (c *Controller) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.mailbox:
			c.dispatch(msg)
		}
	}
}

func (c *Controller) post(msg any) {
	select {
	case c.mailbox <- msg:
	case <-c.ctx.Done():
	}
}

func (c *Controller) dispatch(msg any) {
	switch m := msg.(type) {
	case inboundPacketMsg:
		c.handleInboundPacket(m)
	case deviceAvailableMsg:
		c.handleDeviceAvailable(m)
	case sendRequestMsg:
		c.handleSendRequest(m)
	case sendInternetRequestMsg:
		c.handleSendInternetRequest(m)
	case directCallResultMsg:
		c.handleDirectCallResult(m)
	case proxyCallResultMsg:
		c.handleProxyCallResult(m)
	case linkUpdateMsg:
		c.emitUpdateForLink(m.link)
	default:
		c.log.Warn("dropping unrecognized mailbox message", "type", fmt.Sprintf("%T", msg))
	}
}

// ---- Transport callbacks ----

// onDeviceAvailable registers device immediately (synchronously, on
// whatever goroutine the transport calls this from) so an inbound
// handshake arriving moments later always finds a known device. The
// asynchronous handshake-and-dump work is handed to the main context.
func (c *Controller) onDeviceAvailable(device core.Device) {
	c.table.Register(device)
	c.post(deviceAvailableMsg{device: device})
}

func (c *Controller) onDeviceLost(device core.Device) {
	c.table.Unregister(device)
}

func (c *Controller) onInboundPacket(streamID string, pkt packet.Packet) {
	c.post(inboundPacketMsg{streamID: streamID, pkt: pkt})
}

// ---- routing.Delegate (called synchronously from Table, always already
// on the main context since every RegisterOrUpdate call in this package
// originates from a main-context handler) ----

func (c *Controller) OnInstanceFound(inst core.Instance) {
	c.notifyInstanceFound(inst)
}

func (c *Controller) OnInstanceLost(inst core.Instance, kind core.ErrorKind) {
	c.notifyInstanceLost(inst, kind)
}

// OnLinkUpdate hands the link change to the coalescer, which posts a
// linkUpdateMsg back onto the main context (immediately if coalescing is
// disabled, or once its debounce window for this destination elapses) so
// emitUpdateForLink always runs serialized with every other handler,
// never on the timer goroutine itself.
func (c *Controller) OnLinkUpdate(link routing.Link) {
	c.coalesce.Observe(link)
}

// ---- mailbox message types ----

// linkUpdateMsg carries a coalesced link_update back onto the main
// context for Update propagation.
type linkUpdateMsg struct {
	link routing.Link
}

type inboundPacketMsg struct {
	streamID string
	pkt      packet.Packet
}

type deviceAvailableMsg struct {
	device core.Device
}

type sendRequestMsg struct {
	payload     []byte
	destination core.Instance
	reply       chan ticket.Ticket
}

type sendInternetRequestMsg struct {
	url    string
	body   []byte
	testID uint32
	reply  chan uint16
}

// directCallResultMsg carries the outcome of the host's own direct
// external-call attempt back to the main context.
type directCallResultMsg struct {
	seq    uint16
	testID uint32
	url    string
	body   []byte
	code   int
	text   string
	err    error
}

// proxyCallResultMsg carries the outcome of an intermediate's proxied call
// made on behalf of a received InternetPacket.
type proxyCallResultMsg struct {
	originator    core.Instance
	replyDevice   core.Device
	replyDeviceOK bool
	code          int
	text          string
	err           error
}
