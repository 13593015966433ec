package routing

import "github.com/meshlink/meshlink/core"

// Delegate receives routing table events. Implementations must not block —
// callers invoke the delegate synchronously from within table operations.
// A nil delegate is valid; events are silently dropped.
type Delegate interface {
	// OnInstanceFound is called when a destination transitions from
	// Unknown/Lost to Reachable.
	OnInstanceFound(inst core.Instance)

	// OnInstanceLost is called when a destination's last link is removed.
	OnInstanceLost(inst core.Instance, err core.ErrorKind)

	// OnLinkUpdate is called whenever a link is inserted or its metrics
	// change. Delivered in the order the routing table produced them.
	OnLinkUpdate(link Link)
}
