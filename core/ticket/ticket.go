// Package ticket defines the opaque handle returned by Send and observed
// through delivery callbacks.
package ticket

import "github.com/meshlink/meshlink/core"

// Ticket pairs a sequence number with a destination Instance. It is
// immutable once created; the same Ticket value identifies a send across
// on_sent/on_send_failure and the later on_acknowledgement.
type Ticket struct {
	Sequence    uint16
	Destination core.Instance
}

// New creates a Ticket for the given sequence and destination.
func New(seq uint16, destination core.Instance) Ticket {
	return Ticket{Sequence: seq, Destination: destination}
}

// Equal reports whether two Tickets identify the same send (same sequence
// and destination identifier).
func (t Ticket) Equal(o Ticket) bool {
	return t.Sequence == o.Sequence && t.Destination.Equal(o.Destination)
}
