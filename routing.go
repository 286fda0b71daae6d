package dempsy

import "sync/atomic"

// Router resolves one message type's routing strategy: given a message, it
// names the single downstream ContainerAddress that should receive it, if
// any. Implementations are the pluggable "routing-strategy selection
// policy" §1 calls out as an external collaborator; RoutingTable only needs
// the contract.
type Router interface {
	// SelectDestinationForMessage returns the ContainerAddress for msg, and
	// false if this Router has no destination for it right now (the caller
	// skips, it is not an error).
	SelectDestinationForMessage(msg KeyedMessageWithType) (ContainerAddress, bool)
}

// RoutingSnapshot is the immutable ApplicationState described in §3: for
// every message type, the ordered Routers that may claim it, plus the live
// Sender for every known remote NodeAddress. Once built a RoutingSnapshot is
// never mutated; the reconciler builds a new one and swaps it in.
type RoutingSnapshot struct {
	outboundsByMessageType map[string][]Router
	senders                map[string]Sender // keyed by NodeAddress.Guid
	nodes                  map[string]NodeAddress
}

// newRoutingSnapshot builds an empty, ready-to-populate snapshot.
func newRoutingSnapshot() *RoutingSnapshot {
	return &RoutingSnapshot{
		outboundsByMessageType: make(map[string][]Router),
		senders:                make(map[string]Sender),
		nodes:                  make(map[string]NodeAddress),
	}
}

// RoutersFor returns the Routers registered for messageType, or nil.
func (s *RoutingSnapshot) RoutersFor(messageType string) []Router {
	return s.outboundsByMessageType[messageType]
}

// SenderFor returns the Sender for a node's guid, or nil if none is open
// (§4.4 step 5: a missing Sender during the brief window after a
// reconciliation is a drop, not an error).
func (s *RoutingSnapshot) SenderFor(guid string) Sender {
	return s.senders[guid]
}

// RoutingTable holds the single AtomicRef<RoutingSnapshot?> described in
// §4.3. It is nil until the first publish; publish installs a fully built
// snapshot with a single Store, so after that readers never observe nil.
type RoutingTable struct {
	ref atomic.Pointer[RoutingSnapshot]

	// ready latches true the first time a snapshot has ever been
	// published, distinguishing "never ready" from a table that holds a
	// snapshot.
	ready atomic.Bool
}

// NewRoutingTable constructs an empty, not-yet-ready routing table.
func NewRoutingTable() *RoutingTable { return &RoutingTable{} }

// Load returns the current snapshot, or nil if none has been published
// yet.
func (t *RoutingTable) Load() *RoutingSnapshot { return t.ref.Load() }

// Ready reports whether a snapshot has ever been published.
func (t *RoutingTable) Ready() bool { return t.ready.Load() }

// publish atomically installs snap as the current snapshot.
func (t *RoutingTable) publish(snap *RoutingSnapshot) {
	t.ref.Store(snap)
	t.ready.Store(true)
}
