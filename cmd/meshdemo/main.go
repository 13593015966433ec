// Command meshdemo wires two mesh network controllers together
// over an in-memory transport (or, with -bridge, an MQTT broker) and
// exercises the handshake/update/send/relay/ack pipeline end to end
// without any real radio hardware.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meshlink/meshlink/core"
	"github.com/meshlink/meshlink/core/ticket"
	"github.com/meshlink/meshlink/device/ack"
	"github.com/meshlink/meshlink/device/contact"
	"github.com/meshlink/meshlink/device/network"
	"github.com/meshlink/meshlink/identity"
	"github.com/meshlink/meshlink/transport"
	"github.com/meshlink/meshlink/transport/mock"
	"github.com/meshlink/meshlink/transport/mqtt"
)

func main() {
	var (
		bridge = flag.String("bridge", "", "MQTT broker URL (e.g. tcp://localhost:1883); when set, two nodes are bridged through it instead of an in-memory link")
		meshID = flag.String("mesh-id", "demo", "mesh ID used for the MQTT topic when -bridge is set")
		send   = flag.String("send", "hello from meshdemo", "payload node A sends to node B once routing converges")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var trA, trB transport.Transport
	if *bridge != "" {
		trA = mqtt.New(mqtt.Config{Broker: *bridge, MeshID: *meshID, ClientID: "node-a-" + *meshID})
		trB = mqtt.New(mqtt.Config{Broker: *bridge, MeshID: *meshID, ClientID: "node-b-" + *meshID})
	} else {
		ma, mb := mock.New(), mock.New()
		deviceOfB := core.Device{ID: "node-b", StreamID: "node-b"}
		deviceOfA := core.Device{ID: "node-a", StreamID: "node-a"}
		mock.Connect(ma, deviceOfB, mb, deviceOfA)
		trA, trB = ma, mb
	}

	a, err := newNode(ctx, "node-a", logger, trA)
	if err != nil {
		logger.Error("failed to start node-a", "error", err)
		os.Exit(1)
	}
	defer a.controller.Stop()

	b, err := newNode(ctx, "node-b", logger, trB)
	if err != nil {
		logger.Error("failed to start node-b", "error", err)
		os.Exit(1)
	}
	defer b.controller.Stop()

	if ma, ok := trA.(*mock.Transport); ok {
		mb := trB.(*mock.Transport)
		ma.Announce(core.Device{ID: "node-b", StreamID: "node-b"})
		mb.Announce(core.Device{ID: "node-a", StreamID: "node-a"})
	}

	a.remember(b.identity, b.host)
	b.remember(a.identity, a.host)

	logger.Info("nodes started", "node-a", a.host, "node-b", b.host)

	// Give the handshake/table-dump exchange a moment to converge before
	// sending, matching the "after handshakes and table dumps complete"
	// precondition a real caller would wait on via OnInstanceFound.
	time.Sleep(500 * time.Millisecond)

	tk := a.controller.Send([]byte(*send), b.host)
	logger.Info("send issued", "ticket", tk, "payload", *send)

	a.acks.Track(tk, ack.PendingACK{
		OnACK: func() { logger.Info("acknowledged", "ticket", tk) },
		OnTimeout: func() {
			logger.Warn("send timed out waiting for acknowledgement", "ticket", tk)
		},
	})

	<-ctx.Done()
	logger.Info("shutting down")
}

// node bundles a running controller with the application-level directory
// and retry-tracker layers a real app would keep alongside it.
type node struct {
	name       string
	identity   *identity.Identity
	host       core.Instance
	controller *network.Controller
	contacts   *contact.ContactManager
	acks       *ack.Tracker
}

func newNode(ctx context.Context, name string, logger *slog.Logger, tr transport.Transport) (*node, error) {
	id, err := identity.Generate()
	if err != nil {
		return nil, fmt.Errorf("generating identity: %w", err)
	}
	host := id.Instance(name)

	ctrl := network.New(tr, network.Config{
		Host:   host,
		Logger: logger.With("node", name),
	})

	switch t := tr.(type) {
	case *mock.Transport:
		t.SetCallbacks(ctrl.Callbacks())
	case *mqtt.Transport:
		t.SetCallbacks(ctrl.Callbacks())
		if err := t.Start(ctx); err != nil {
			return nil, fmt.Errorf("starting MQTT transport: %w", err)
		}
	}

	contacts := contact.NewManager(id, contact.ManagerConfig{
		Logger: logger.With("node", name),
	})

	acks := ack.NewTracker(ack.TrackerConfig{
		Logger: logger.With("node", name),
	})

	ctrl.Start(ctx)
	go acks.Start(ctx)

	n := &node{
		name:       name,
		identity:   id,
		host:       host,
		controller: ctrl,
		contacts:   contacts,
		acks:       acks,
	}

	ctrl.SetDelegate(n)
	return n, nil
}

// remember adds peer to this node's contact directory, the way an
// application would after a successful handshake/pairing exchange.
func (n *node) remember(peerIdentity *identity.Identity, peerHost core.Instance) {
	c := &contact.ContactInfo{
		ID:         peerHost,
		PublicKey:  peerIdentity.PublicKey,
		Name:       peerHost.String(),
		OutPathLen: contact.PathUnknown,
		LastMod:    uint32(time.Now().Unix()),
	}
	if _, err := n.contacts.AddContact(c); err != nil {
		slog.Default().Warn("failed to remember contact", "node", n.name, "error", err)
	}
}

func (n *node) OnInstanceFound(inst core.Instance) {
	slog.Default().Info("instance found", "node", n.name, "instance", inst)
}

func (n *node) OnInstanceLost(inst core.Instance, kind core.ErrorKind) {
	slog.Default().Info("instance lost", "node", n.name, "instance", inst, "reason", kind)
}

func (n *node) OnReceived(payload []byte, origin core.Instance) {
	slog.Default().Info("received", "node", n.name, "from", origin, "payload", string(payload))
}

func (n *node) OnSent(tk ticket.Ticket) {
	slog.Default().Info("sent", "node", n.name, "ticket", tk)
}

func (n *node) OnSendFailure(tk ticket.Ticket, err error) {
	slog.Default().Warn("send failed", "node", n.name, "ticket", tk, "error", err)
	n.acks.Cancel(tk)
}

func (n *node) OnAcknowledgement(tk ticket.Ticket) {
	n.acks.Resolve(tk)
}

