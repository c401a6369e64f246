package model

import "github.com/vaultmesh/vaultnode/internal/xaddr"

// Role is a node's duty within its section. Elder/Adult/Infant per the
// glossary; ElderDuty further distinguishes which Elder function sent a
// Node-with-duty or Section-with-duty envelope.
type Role int

const (
	RoleInfant Role = iota
	RoleAdult
	RoleElder
)

// ElderDuty distinguishes the sub-role of an Elder sender, used by the
// dispatcher's rule table (spec §4.1).
type ElderDuty int

const (
	DutyNone ElderDuty = iota
	DutyGateway
	DutyPayment
	DutyMetadata
	DutyRewards
)

// SenderKind tags whether the most recent sender was a Client, a single
// Node-with-duty (pre-accumulation), or an aggregated Section-with-duty
// (post-accumulation) — the distinction the dispatcher's table keys on.
type SenderKind int

const (
	SenderClient SenderKind = iota
	SenderNode
	SenderSection
)

// Sender describes msg.most_recent_sender() from the original design.
type Sender struct {
	Kind SenderKind
	Duty ElderDuty // meaningful only when Kind is SenderNode or SenderSection
}

// DestinationKind tags where an envelope is headed.
type DestinationKind int

const (
	DestClient DestinationKind = iota
	DestNode
	DestSection
)

// Destination carries enough of the routed address to evaluate the
// dispatcher's "handler for" predicate and the forwarding rule.
type Destination struct {
	Kind DestinationKind
	Node xaddr.Address   // meaningful when Kind == DestNode
	// Prefix is the destination section's address (also used for clients
	// and sections — the prefix-match predicate is identical either way).
	Prefix xaddr.Address
}

// PayloadKind classifies payload shape coarsely, as the dispatcher's table
// needs (spec §4.1): is it a Data command (at all), and is it specifically
// a Blob Data command versus some other Data command, or an Auth command.
type PayloadKind int

const (
	PayloadOther PayloadKind = iota
	PayloadAuthCmd
	PayloadDataCmd
	PayloadBlobDataCmd
)

// BlobOp enumerates the blob-specific commands/queries the core serves.
type BlobOp int

const (
	OpWriteNew BlobOp = iota
	OpDeletePrivate
	OpReadGet
	OpDuplicateChunk
	OpGetForReplication
)

// Envelope is the inbound message the dispatcher inspects: payload kind,
// message id, and the routed path recording the most recent sender and the
// destination (spec §3, Envelope).
type Envelope struct {
	ID          xaddr.Address
	Sender      Sender
	Destination Destination
	Payload     PayloadKind
	BlobOp      BlobOp
	Origin      OwnerKey // the client/node that should receive replies
}
