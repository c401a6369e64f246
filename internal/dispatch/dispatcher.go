// Package dispatch implements the role-and-origin driven classifier that
// decides, for every inbound envelope, which processing pipeline (if any)
// a node should invoke locally, or whether to forward.
//
// The original implementation (dirvine/sn_node's duty_finder.rs) nests a nine-way
// if/else chain of individually named predicates. Per the redesign note in
// spec §9 ("Deep duty enum matching"), this is re-architected as a
// classifier table: an ordered slice of (predicate, classification) rules,
// evaluated in order, first match wins — the same register-then-look-up
// shape as the teacher's opcode dispatch table, just ordered instead of
// keyed, since rule order is itself part of the contract.
package dispatch

import "github.com/vaultmesh/vaultnode/internal/model"

// Classification is the outcome of evaluating an envelope against the rule
// table; Classify returns exactly one value per envelope, Unknown when no
// rule matches.
type Classification int

const (
	Unknown Classification = iota
	ForwardToNetwork
	RunAtGateway
	RunAtPayment
	AccumulateForMetadata
	RunAtMetadata
	AccumulateForAdult
	RunAtAdult
	PushToClient
	RunAtRewards
)

func (c Classification) String() string {
	switch c {
	case ForwardToNetwork:
		return "ForwardToNetwork"
	case RunAtGateway:
		return "RunAtGateway"
	case RunAtPayment:
		return "RunAtPayment"
	case AccumulateForMetadata:
		return "AccumulateForMetadata"
	case RunAtMetadata:
		return "RunAtMetadata"
	case AccumulateForAdult:
		return "AccumulateForAdult"
	case RunAtAdult:
		return "RunAtAdult"
	case PushToClient:
		return "PushToClient"
	case RunAtRewards:
		return "RunAtRewards"
	default:
		return "Unknown"
	}
}

// LocalState is the local node's role and section identity, consulted by
// the "handler for" predicate and the forwarding rule.
type LocalState struct {
	Self   model.Sender // unused today but kept for symmetry with envelopes
	SelfID [32]byte
	Role   model.Role
	// PrefixMatches reports whether an arbitrary destination address
	// belongs to this section. It is provided by the
	// section view rather than computed here (spec §6, matches_our_prefix).
	PrefixMatches func(dest [32]byte) bool
	// IsHandlerForClient reports whether SELF is the handler for a given
	// client address (spec §4.1, PushToClient rule).
	IsHandlerForClient func(client [32]byte) bool
}

// handlesDestination reports whether dst is "ours" for the ForwardToNetwork
// disjunct only. A Client destination is never forwarded to the network on
// this basis — the original's should_forward_to_network hard-codes
// Address::Client(_) => false here, independent of section prefix, since a
// client is reached by PushToClient or by the metadata/adult rules below,
// never by network-level forwarding.
func (ls LocalState) handlesDestination(dst model.Destination) bool {
	switch dst.Kind {
	case model.DestNode:
		return dst.Node == ls.SelfID
	case model.DestSection:
		if ls.PrefixMatches == nil {
			return false
		}
		return ls.PrefixMatches(dst.Prefix)
	case model.DestClient:
		return true
	default:
		return false
	}
}

type rule struct {
	classification Classification
	match          func(env model.Envelope, ls LocalState) bool
}

// table is the ordered rule list of spec §4.1. Order matters: the first
// matching rule wins.
var table = []rule{
	{
		classification: ForwardToNetwork,
		match: func(env model.Envelope, ls LocalState) bool {
			destinedForNetwork := !ls.handlesDestination(env.Destination)
			fromClient := env.Sender.Kind == model.SenderClient
			isAuthCmd := env.Payload == model.PayloadAuthCmd
			return destinedForNetwork || (fromClient && !isAuthCmd)
		},
	},
	{
		classification: RunAtGateway,
		match: func(env model.Envelope, _ LocalState) bool {
			return env.Sender.Kind == model.SenderClient && env.Payload == model.PayloadAuthCmd
		},
	},
	{
		classification: RunAtPayment,
		match: func(env model.Envelope, _ LocalState) bool {
			return isNodeDuty(env.Sender, model.DutyGateway) && env.Payload == model.PayloadDataCmd
		},
	},
	{
		classification: AccumulateForMetadata,
		match: func(env model.Envelope, _ LocalState) bool {
			return isNodeDuty(env.Sender, model.DutyPayment) && env.Payload == model.PayloadDataCmd
		},
	},
	{
		classification: RunAtMetadata,
		match: func(env model.Envelope, _ LocalState) bool {
			return isSectionDuty(env.Sender, model.DutyPayment) && env.Payload == model.PayloadDataCmd
		},
	},
	{
		classification: AccumulateForAdult,
		match: func(env model.Envelope, _ LocalState) bool {
			return isNodeDuty(env.Sender, model.DutyMetadata) && env.Payload == model.PayloadBlobDataCmd
		},
	},
	{
		classification: RunAtAdult,
		match: func(env model.Envelope, _ LocalState) bool {
			return isSectionDuty(env.Sender, model.DutyMetadata) && env.Payload == model.PayloadBlobDataCmd
		},
	},
	{
		classification: PushToClient,
		match: func(env model.Envelope, ls LocalState) bool {
			if env.Destination.Kind != model.DestClient {
				return false
			}
			if ls.IsHandlerForClient == nil {
				return false
			}
			return ls.IsHandlerForClient(env.Destination.Prefix)
		},
	},
	{
		// Reserved: specification deferred (spec §4.1, §9). The slot is
		// retained so future wiring doesn't shift rule order, but it never
		// matches — there is no handler to run yet.
		classification: RunAtRewards,
		match: func(model.Envelope, LocalState) bool { return false },
	},
}

func isNodeDuty(s model.Sender, duty model.ElderDuty) bool {
	return s.Kind == model.SenderNode && s.Duty == duty
}

func isSectionDuty(s model.Sender, duty model.ElderDuty) bool {
	return s.Kind == model.SenderSection && s.Duty == duty
}

// Classify is a pure function of (envelope, local state): no side effects,
// no I/O. It returns the first matching classification, or Unknown if none
// of the table's rules fire — the caller, not this package, is responsible
// for logging Unknown classifications (spec §4.1, Contract).
func Classify(env model.Envelope, ls LocalState) Classification {
	for _, r := range table {
		if r.match(env, ls) {
			return r.classification
		}
	}
	return Unknown
}
