// Package ack tracks outbound sends awaiting acknowledgement at the
// application layer. It sits above the network controller's Send/Ack
// pipeline: the controller already reports the first-hop write via OnSent
// and end-to-end delivery via OnAcknowledgement, but a caller of Send still
// needs something that
// times out and retries when no OnAcknowledgement ever arrives — this is
// that something, consumed only by cmd/meshdemo. Entries are keyed
// directly by the ticket.Ticket a Send call returns, so callers never fold
// a Ticket into a synthetic correlation hash of their own.
package ack

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/meshlink/meshlink/core/ticket"
)

const (
	// DefaultACKTimeout is the default time to wait for an ACK before
	// considering a send attempt failed.
	DefaultACKTimeout = 12 * time.Second

	// DefaultMaxRetries is the default number of retry attempts after the
	// initial send (total attempts = 1 + MaxRetries).
	DefaultMaxRetries = 3

	// checkInterval is the resolution of the tracker's timeout check loop.
	checkInterval = time.Second
)

// PendingACK represents an outbound message awaiting acknowledgement.
type PendingACK struct {
	// OnACK is called when the ACK is received. May be nil.
	OnACK func()

	// OnTimeout is called when all retry attempts are exhausted. May be
	// nil.
	OnTimeout func()

	// Resend is called for each retry attempt. If it returns an error the
	// retry is counted but the error is logged. May be nil (no retries).
	Resend func() error

	sentAt  time.Time
	retries int
}

// TrackerConfig configures an ACK Tracker.
type TrackerConfig struct {
	// ACKTimeout is the maximum time to wait for an ACK per attempt.
	// Default: DefaultACKTimeout.
	ACKTimeout time.Duration

	// MaxRetries is the number of retry attempts after the initial send.
	// Zero means no retries; a negative value selects DefaultMaxRetries.
	MaxRetries int

	// Logger for tracker events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Tracker tracks pending ACKs keyed by the ticket.Ticket a Send call
// returned, handling timeouts and retries.
type Tracker struct {
	cfg     TrackerConfig
	log     *slog.Logger
	mu      sync.Mutex
	pending map[ticket.Ticket]*PendingACK
	cancel  context.CancelFunc

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// NewTracker creates an ACK tracker with the given configuration.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.ACKTimeout <= 0 {
		cfg.ACKTimeout = DefaultACKTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cfg:     cfg,
		log:     logger.WithGroup("ack"),
		pending: make(map[ticket.Ticket]*PendingACK),
		nowFn:   time.Now,
	}
}

// Track registers a pending ACK for tk. If a pending entry for the same
// ticket already exists it is replaced (the old entry's callbacks are not
// called).
func (t *Tracker) Track(tk ticket.Ticket, pending PendingACK) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pending.sentAt = t.nowFn()
	pending.retries = 0
	t.pending[tk] = &pending
}

// Resolve marks tk's ACK as received. Returns true if it was pending. If
// found, the entry's OnACK callback is called and the entry is removed.
func (t *Tracker) Resolve(tk ticket.Ticket) bool {
	t.mu.Lock()
	p, ok := t.pending[tk]
	if ok {
		delete(t.pending, tk)
	}
	t.mu.Unlock()

	if ok && p.OnACK != nil {
		p.OnACK()
	}
	return ok
}

// Cancel removes tk's pending ACK without calling any callbacks.
func (t *Tracker) Cancel(tk ticket.Ticket) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, tk)
}

// PendingCount returns the number of pending ACKs.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Start begins the timeout check loop. Blocks until the context is
// cancelled.
func (t *Tracker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.checkTimeouts()
		}
	}
}

// Stop cancels the tracker's context, stopping the timeout check loop.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

// checkTimeouts checks all pending ACKs for timeout and triggers retries
// or timeout callbacks as appropriate.
func (t *Tracker) checkTimeouts() {
	t.mu.Lock()
	now := t.nowFn()

	var timedOut []ticket.Ticket
	var retries []ticket.Ticket

	for tk, p := range t.pending {
		if now.Sub(p.sentAt) < t.cfg.ACKTimeout {
			continue
		}
		if p.retries < t.cfg.MaxRetries && p.Resend != nil {
			retries = append(retries, tk)
		} else {
			timedOut = append(timedOut, tk)
		}
	}

	retryEntries := make(map[ticket.Ticket]*PendingACK, len(retries))
	for _, tk := range retries {
		p := t.pending[tk]
		p.retries++
		p.sentAt = now
		retryEntries[tk] = p
	}

	timeoutEntries := make(map[ticket.Ticket]*PendingACK, len(timedOut))
	for _, tk := range timedOut {
		timeoutEntries[tk] = t.pending[tk]
		delete(t.pending, tk)
	}
	t.mu.Unlock()

	for tk, p := range retryEntries {
		if err := p.Resend(); err != nil {
			t.log.Warn("retry failed", "ticket", tk, "attempt", p.retries, "error", err)
		} else {
			t.log.Debug("retrying", "ticket", tk, "attempt", p.retries)
		}
	}

	for tk, p := range timeoutEntries {
		t.log.Debug("ack timed out", "ticket", tk, "retries", p.retries)
		if p.OnTimeout != nil {
			p.OnTimeout()
		}
	}
}
