// Package routing defines the capability-injection facade the core
// consumes from the secure-routing/transport layer (spec §6, §9).
//
// The original implementation wires a shared, interior-mutable routing
// handle (Rc<RefCell<Routing>>) into every component. Per the "Cyclic
// shared state" redesign note, this package instead exposes immutable
// interfaces that are passed once, at construction, to each component:
// mutation of section membership happens inside the concrete adapter
// (internal/routing's libp2p-backed implementation), never via a shared
// mutable reference fanned out across the dispatcher, metadata register,
// and chunk store.
package routing

import "github.com/vaultmesh/vaultnode/internal/xaddr"

// SectionView answers closeness and membership queries against a stable
// section membership snapshot (spec §6, downward interface). Queries are
// in-memory only; section_querying is assumed to produce a stable ordering
// given fixed membership, per §4.2.6.
type SectionView interface {
	// OurAdultsSortedByDistanceTo returns up to k Adult identifiers closest
	// (XOR) to target, excluding any identifier in exclude.
	OurAdultsSortedByDistanceTo(target xaddr.Address, k int, exclude xaddr.Set) []xaddr.Address
	// OurEldersSortedByDistanceTo is the Elder-side equivalent, used to
	// fill remaining placement slots when too few Adults are available.
	OurEldersSortedByDistanceTo(target xaddr.Address, k int, exclude xaddr.Set) []xaddr.Address
	// MatchesOurPrefix reports whether addr belongs to this node's section.
	MatchesOurPrefix(addr xaddr.Address) bool
	// Self is this node's own identifier.
	Self() xaddr.Address
}

// Destination tags where an outbound directive should be delivered.
type Destination int

const (
	ToNode Destination = iota
	ToPeerSet
	ToClient
)

// Directive is an outbound instruction produced by BlobRegister/ChunkStorage
// for the messaging layer to carry out: send-to-single-peer,
// send-to-peer-set, send-to-client, or no-op (the zero value, Directive{},
// with Kind left unset and Targets empty, is the no-op).
type Directive struct {
	Kind        Destination
	Targets     []xaddr.Address
	Payload     any
	// CorrelationID, when set, is the inbound message id this directive is
	// a reply to (spec §4.4).
	CorrelationID xaddr.Address
	HasCorrelation bool
}

// NoOp is the zero directive: nothing to send.
var NoOp = Directive{}

// IsNoOp reports whether d carries nothing to send. Directive holds a
// slice field, so it cannot be compared with ==; callers use this instead
// of dir == NoOp.
func (d Directive) IsNoOp() bool {
	return len(d.Targets) == 0 && d.Payload == nil && !d.HasCorrelation
}

// Messaging is a send-to-one / send-to-many / send-to-client capability
// over Directives (spec §6, downward interface). No component in this
// module implements or calls it: BlobRegister and ChunkStorage only return
// Directives, and internal/engine publishes them as data-topic messages.
// The aggregation hint a transport would need is expected to live on
// Directive.Payload's concrete envelope type, set by the caller converting
// the Directive to the protocol's Message shape.
type Messaging interface {
	Send(d Directive) error
}

// MembershipEvent reports a change the routing layer observed.
type MembershipEvent struct {
	Departed xaddr.Address
}
