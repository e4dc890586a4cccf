package quicconn

// EventKind enumerates the connection-level events the Connection
// Manager surfaces, matching spec.md §4.3's event list. quic-go has no
// native callback mechanism for these; Manager.Run derives them from
// quic.Connection's blocking calls.
type EventKind int

const (
	// EventConnected fires once the handshake completes, both for a
	// fresh connection and for a resumption reconnect (Resumed is set
	// to distinguish the two per spec.md §4.3's "on resumption
	// reconnect: only submit the cached ticket; do not re-initialise
	// the pipe").
	EventConnected EventKind = iota
	// EventShutdownInitiatedByTransport fires when this side closed the
	// connection (including an idle timeout).
	EventShutdownInitiatedByTransport
	// EventShutdownInitiatedByPeer fires when the remote closed it.
	EventShutdownInitiatedByPeer
	// EventShutdownComplete always follows one of the two shutdown
	// events above, once the connection handle itself is closed.
	EventShutdownComplete
	// EventResumptionTicketReceived fires whenever the ticket cache
	// captures a new session ticket from the server.
	EventResumptionTicketReceived
)

// Event is one connection-level occurrence, delivered over Manager.Events.
type Event struct {
	Kind    EventKind
	Resumed bool
	Err     error
}
