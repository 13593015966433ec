package network

import (
	"log/slog"
	"time"

	"github.com/meshlink/meshlink/core"
)

// DefaultUpdateCoalesceWindow is the debounce period applied when
// Config.UpdateCoalesceWindow is left at its zero value.
const DefaultUpdateCoalesceWindow = 20 * time.Millisecond

// ReplyPath selects how an InternetResponse is routed back towards its
// originator.
type ReplyPath uint8

const (
	// ReplySamePath addresses the response back to the device the request
	// arrived on, working around incomplete bidirectional reachability.
	// This is the default.
	ReplySamePath ReplyPath = iota

	// ReplyBestLink performs a fresh best_link(originator, split_horizon)
	// lookup instead of retracing the inbound path.
	ReplyBestLink
)

// Config configures a Controller.
type Config struct {
	// Host is this node's own Instance.
	Host core.Instance

	// ReplyPath chooses the InternetResponse routing policy. Zero value is
	// ReplySamePath.
	ReplyPath ReplyPath

	// UpdateCoalesceWindow buffers contiguous link_update events for the
	// same destination before emitting a single Update, preserving
	// per-destination ordering. Zero uses DefaultUpdateCoalesceWindow;
	// set DisableUpdateCoalescing to emit every change individually.
	UpdateCoalesceWindow time.Duration

	// DisableUpdateCoalescing emits an Update for every link_update event
	// with no debounce, overriding UpdateCoalesceWindow.
	DisableUpdateCoalescing bool

	// HTTPTimeout bounds the Internet proxy call's connect+round-trip
	// time. Zero uses DefaultHTTPTimeout.
	HTTPTimeout time.Duration

	// Logger for controller events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

func (c Config) coalesceWindow() time.Duration {
	if c.DisableUpdateCoalescing {
		return 0
	}
	if c.UpdateCoalesceWindow <= 0 {
		return DefaultUpdateCoalesceWindow
	}
	return c.UpdateCoalesceWindow
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
