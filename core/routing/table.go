package routing

import (
	"log/slog"
	"sync"

	"github.com/meshlink/meshlink/core"
)

// Config configures a RoutingTable.
type Config struct {
	// Host is this node's own Instance. It never appears as a destination;
	// register_or_update calls naming it are rejected and logged.
	Host core.Instance

	// Logger for routing events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

type destEntry struct {
	instance core.Instance
	links    map[string]Link // next-hop Device.ID -> Link
}

// Table is the mesh routing table. It stores, for each known
// destination Instance, a set of Links keyed by next-hop Device, plus an
// input-stream index populated at device registration. All mutating
// operations are safe for concurrent use; events are delivered to the
// Delegate synchronously and in emission order, outside the table's lock.
type Table struct {
	cfg  Config
	log  *slog.Logger
	host core.Instance

	mu           sync.RWMutex
	destinations map[[core.InstanceIDSize]byte]*destEntry
	devices      map[string]core.Device
	streamIndex  map[string]string // StreamID -> Device.ID

	delegateMu sync.RWMutex
	delegate   Delegate
}

// New creates a Table bound to cfg.Host.
func New(cfg Config) *Table {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		cfg:          cfg,
		log:          logger.WithGroup("routing"),
		host:         cfg.Host,
		destinations: make(map[[core.InstanceIDSize]byte]*destEntry),
		devices:      make(map[string]core.Device),
		streamIndex:  make(map[string]string),
	}
}

// SetDelegate installs the event receiver. Passing nil silences events.
func (t *Table) SetDelegate(d Delegate) {
	t.delegateMu.Lock()
	defer t.delegateMu.Unlock()
	t.delegate = d
}

func (t *Table) notifyFound(inst core.Instance) {
	t.delegateMu.RLock()
	d := t.delegate
	t.delegateMu.RUnlock()
	if d != nil {
		d.OnInstanceFound(inst)
	}
}

func (t *Table) notifyLost(inst core.Instance, kind core.ErrorKind) {
	t.delegateMu.RLock()
	d := t.delegate
	t.delegateMu.RUnlock()
	if d != nil {
		d.OnInstanceLost(inst, kind)
	}
}

func (t *Table) notifyLinkUpdate(l Link) {
	t.delegateMu.RLock()
	d := t.delegate
	t.delegateMu.RUnlock()
	if d != nil {
		d.OnLinkUpdate(l)
	}
}

// Register adds device to the table and indexes its input stream. No link
// is created yet.
func (t *Table) Register(device core.Device) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.devices[device.ID] = device
	if device.StreamID != "" {
		t.streamIndex[device.StreamID] = device.ID
	}
	t.log.Debug("device registered", "device", device.ID)
}

// Unregister removes device. Every link whose next hop was device is
// dropped; a destination whose link set becomes empty emits
// OnInstanceLost(instance, ErrUnreachable).
func (t *Table) Unregister(device core.Device) {
	t.mu.Lock()

	delete(t.devices, device.ID)
	if device.StreamID != "" {
		delete(t.streamIndex, device.StreamID)
	}

	var lost []core.Instance
	for key, entry := range t.destinations {
		if _, ok := entry.links[device.ID]; !ok {
			continue
		}
		delete(entry.links, device.ID)
		if len(entry.links) == 0 {
			delete(t.destinations, key)
			lost = append(lost, entry.instance)
		}
	}
	t.mu.Unlock()

	t.log.Debug("device unregistered", "device", device.ID, "lost_destinations", len(lost))
	for _, inst := range lost {
		t.notifyLost(inst, core.ErrUnreachable)
	}
}

// RegisterOrUpdate inserts or updates a Link for (dest, nextHop) with the
// given metrics, emitting OnInstanceFound/OnLinkUpdate/OnInstanceLost as
// the per-destination state machine dictates. A hopCount at or beyond
// HopCountInfinity withdraws the link instead of installing it.
func (t *Table) RegisterOrUpdate(nextHop core.Device, dest core.Instance, hopCount, internetHops uint8) {
	if dest.Equal(t.host) {
		t.log.Debug("rejecting register_or_update naming the host as destination")
		return
	}

	withdrawal := hopCount >= HopCountInfinity

	var (
		emitFound  bool
		emitLost   bool
		emitUpdate bool
		lostKind   = core.ErrUnreachable
		link       Link
	)

	t.mu.Lock()
	key := dest.ID()
	entry, exists := t.destinations[key]

	if withdrawal {
		if exists {
			if _, linked := entry.links[nextHop.ID]; linked {
				delete(entry.links, nextHop.ID)
				if len(entry.links) == 0 {
					delete(t.destinations, key)
					emitLost = true
				}
			}
		}
		t.mu.Unlock()

		if emitLost {
			t.log.Debug("destination withdrawn", "destination", dest.String())
			t.notifyLost(dest, lostKind)
		}
		return
	}

	link = Link{Destination: dest, NextHop: nextHop, HopCount: hopCount, InternetHopCount: internetHops}

	switch {
	case !exists:
		entry = &destEntry{instance: dest, links: map[string]Link{nextHop.ID: link}}
		t.destinations[key] = entry
		emitFound = true
		emitUpdate = true
	default:
		existing, linkExists := entry.links[nextHop.ID]
		switch {
		case !linkExists:
			entry.links[nextHop.ID] = link
			emitUpdate = true
		case existing == link:
			// identical metrics: no-op
		default:
			entry.links[nextHop.ID] = link
			emitUpdate = true
		}
	}
	t.mu.Unlock()

	if emitFound {
		t.notifyFound(dest)
	}
	if emitUpdate {
		t.notifyLinkUpdate(link)
	}
}

// BestLink returns the link with the lowest HopCount for dest, excluding
// any link whose next hop equals splitHorizon (if non-nil). Ties are
// broken by the lowest next-hop Device.ID, lexicographically, for
// determinism.
func (t *Table) BestLink(dest core.Instance, splitHorizon *core.Device) (Link, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.destinations[dest.ID()]
	if !ok {
		return Link{}, false
	}
	return bestOf(entry.links, splitHorizon)
}

// BestInternetLink returns the link with the lowest InternetHopCount among
// ALL known links (across every destination), excluding any link whose
// next hop equals splitHorizon. Callers that require a usable external
// path must additionally check the result's HasInternetPath.
func (t *Table) BestInternetLink(splitHorizon *core.Device) (Link, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var best Link
	found := false
	for _, entry := range t.destinations {
		for _, l := range entry.links {
			if splitHorizon != nil && l.NextHop.Equal(*splitHorizon) {
				continue
			}
			if !found || l.InternetHopCount < best.InternetHopCount ||
				(l.InternetHopCount == best.InternetHopCount && l.NextHop.ID < best.NextHop.ID) {
				best = l
				found = true
			}
		}
	}
	return best, found
}

// Devices returns every currently registered Device.
func (t *Table) Devices() []core.Device {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]core.Device, 0, len(t.devices))
	for _, d := range t.devices {
		out = append(out, d)
	}
	return out
}

// BestLinks returns the best link for every known destination, excluding
// any destination whose only links are ruled out by splitHorizon. Used to
// build the per-device routing table dump sent to a newly registered
// device.
func (t *Table) BestLinks(splitHorizon *core.Device) []Link {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Link, 0, len(t.destinations))
	for _, entry := range t.destinations {
		if l, ok := bestOf(entry.links, splitHorizon); ok {
			out = append(out, l)
		}
	}
	return out
}

// DeviceForStream looks up the Device registered under streamID.
func (t *Table) DeviceForStream(streamID string) (core.Device, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	deviceID, ok := t.streamIndex[streamID]
	if !ok {
		return core.Device{}, false
	}
	d, ok := t.devices[deviceID]
	return d, ok
}

// bestOf picks the lowest-HopCount link from links, excluding splitHorizon,
// breaking ties by lowest next-hop Device.ID.
func bestOf(links map[string]Link, splitHorizon *core.Device) (Link, bool) {
	var best Link
	found := false
	for _, l := range links {
		if splitHorizon != nil && l.NextHop.Equal(*splitHorizon) {
			continue
		}
		if !found || l.HopCount < best.HopCount ||
			(l.HopCount == best.HopCount && l.NextHop.ID < best.NextHop.ID) {
			best = l
			found = true
		}
	}
	return best, found
}
