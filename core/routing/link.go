// Package routing implements the mesh routing table: per-destination
// multi-link storage, best-link selection with split horizon, and the
// instance_found/instance_lost/link_update event stream consumed by the
// network controller.
package routing

import "github.com/meshlink/meshlink/core"

const (
	// MaxHopCount bounds propagation: an Update whose hop count would be
	// MaxHopCount or more is suppressed rather than sent, so the largest
	// hop count advertised is MaxHopCount-1.
	MaxHopCount = 15

	// HopCountInfinity is the sentinel marking unreachability. Any
	// value >= HopCountInfinity is treated as "no route".
	HopCountInfinity = 16
)

// Link pairs a destination Instance with a next-hop Device and distance
// metrics. A Link is owned by the RoutingTable; its lifetime ends when
// its next-hop Device is unregistered or a better link supersedes it for
// the same (destination, next_hop) pair.
type Link struct {
	Destination      core.Instance
	NextHop          core.Device
	HopCount         uint8
	InternetHopCount uint8
}

// IsInfinite reports whether the link's hop count has reached or exceeded
// HopCountInfinity, i.e. whether it represents a withdrawal rather than a
// usable route.
func (l Link) IsInfinite() bool {
	return l.HopCount >= HopCountInfinity
}

// HasInternetPath reports whether this link's InternetHopCount represents
// a usable path to external connectivity. Callers expecting an external
// path must check this in addition to the link existing at all.
func (l Link) HasInternetPath() bool {
	return l.InternetHopCount < HopCountInfinity
}
