package network

import (
	"sync"
	"time"

	"github.com/meshlink/meshlink/core"
	"github.com/meshlink/meshlink/core/routing"
)

// updateCoalescer buffers the latest link_update per destination for a
// fixed window, emitting a single Update at the end of it rather than one
// per change. Ordering is preserved per destination only: each destination
// gets its own independent timer, so Updates for different destinations
// may be emitted in a different order than their changes occurred,
// mirroring the teacher's scheduler
// resetting one timer per advert kind rather than serializing all of them
// behind a single deadline.
type updateCoalescer struct {
	window time.Duration
	emit   func(link routing.Link) // posts link back onto the main context; called from whatever goroutine Observe runs on, or from the timer goroutine when a debounce fires

	mu      sync.Mutex
	pending map[[core.InstanceIDSize]byte]*pendingEntry
}

type pendingEntry struct {
	link  routing.Link
	timer *time.Timer
}

func newUpdateCoalescer(window time.Duration, emit func(link routing.Link)) *updateCoalescer {
	return &updateCoalescer{
		window:  window,
		emit:    emit,
		pending: make(map[[core.InstanceIDSize]byte]*pendingEntry),
	}
}

// Observe records a link_update. If coalescing is disabled it emits
// immediately; otherwise it replaces any pending entry for the same
// destination and (re)starts that destination's debounce timer.
func (u *updateCoalescer) Observe(link routing.Link) {
	if u.window <= 0 {
		u.emit(link)
		return
	}

	key := link.Destination.ID()

	u.mu.Lock()
	entry, exists := u.pending[key]
	if exists {
		entry.link = link
		entry.timer.Reset(u.window)
	} else {
		entry = &pendingEntry{link: link}
		entry.timer = time.AfterFunc(u.window, func() { u.fire(key) })
		u.pending[key] = entry
	}
	u.mu.Unlock()
}

func (u *updateCoalescer) fire(key [core.InstanceIDSize]byte) {
	u.mu.Lock()
	entry, ok := u.pending[key]
	if ok {
		delete(u.pending, key)
	}
	u.mu.Unlock()

	if ok {
		u.emit(entry.link)
	}
}

// StopAll cancels every pending debounce timer without emitting. Called
// when the controller shuts down.
func (u *updateCoalescer) StopAll() {
	u.mu.Lock()
	defer u.mu.Unlock()
	for key, entry := range u.pending {
		entry.timer.Stop()
		delete(u.pending, key)
	}
}
