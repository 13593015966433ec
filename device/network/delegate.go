package network

import (
	"github.com/meshlink/meshlink/core"
	"github.com/meshlink/meshlink/core/ticket"
)

// Delegate receives notifications from the network controller. Methods are
// called from the controller's main-context goroutine or from transport
// callback goroutines; implementations must not block and must tolerate
// concurrent calls. A nil delegate is
// valid — notifications are silently dropped.
type Delegate interface {
	// OnInstanceFound is forwarded from the routing table.
	OnInstanceFound(inst core.Instance)

	// OnInstanceLost is forwarded from the routing table.
	OnInstanceLost(inst core.Instance, kind core.ErrorKind)

	// OnReceived delivers an application payload addressed to the host.
	OnReceived(payload []byte, origin core.Instance)

	// OnSent is called once the Data packet for tk has been written to its
	// next hop. It does not mean the destination received it.
	OnSent(tk ticket.Ticket)

	// OnSendFailure is called when tk's Data packet could not be written,
	// either for lack of a route at dispatch time or a transport failure.
	OnSendFailure(tk ticket.Ticket, err error)

	// OnAcknowledgement is called when an end-to-end Ack matching tk is
	// received. tk.Destination in this callback is the original
	// destination, reconstructed from the Ack's origin field.
	OnAcknowledgement(tk ticket.Ticket)
}

// InternetRequestDelegate receives the outcome of SendInternet calls
// originated on this host.
type InternetRequestDelegate interface {
	// OnInternetResponse delivers the result of an external HTTP call,
	// whether made directly or relayed through the mesh.
	OnInternetResponse(code int, body string)

	// OnInternetRequestFailure is called when the mesh fallback packet could
	// not be written, either for lack of an Internet-capable link at
	// dispatch time or a transport failure.
	OnInternetRequestFailure(seq uint16)
}
