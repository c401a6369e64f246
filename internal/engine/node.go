// Package engine assembles the pieces the rest of this module keeps
// deliberately separate: it decodes inbound wire messages, runs them through
// dispatch.Classify, and invokes whichever of BlobRegister's or
// ChunkStorage's operations the resulting classification calls for,
// publishing the operation's resulting Directive back out as a follow-up
// wire message. It is the node/duty_finder event loop of the original
// implementation (node/mod.rs's handle_new_message), rebuilt around the
// capability-injection facade internal/routing exposes instead of a shared
// mutable Node handle.
//
// Payment, gateway auth, and reward distribution are this module's declared
// Non-goals, so there is no code here that actually runs them; a Gateway or
// Payment Elder is modeled only far enough that Classify still routes
// around their classifications correctly (see the RunAtGateway/RunAtPayment
// branch in handle). Client commands are assumed to already have cleared
// those out-of-scope stages by the time they reach a Metadata Elder, so the
// engine's own entry points (cmd/vaultnode's `client` subcommand) submit
// requests as an already-accumulated Section/Payment-duty sender rather than
// reimplementing the stages that would normally produce one.
package engine

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/vaultmesh/vaultnode/internal/chunkstore"
	"github.com/vaultmesh/vaultnode/internal/dispatch"
	"github.com/vaultmesh/vaultnode/internal/metadata"
	"github.com/vaultmesh/vaultnode/internal/model"
	"github.com/vaultmesh/vaultnode/internal/routing"
	"github.com/vaultmesh/vaultnode/internal/vaulterr"
	"github.com/vaultmesh/vaultnode/internal/xaddr"
)

// Transport is the publish/subscribe capability Node needs from the
// concrete routing adapter. *routing.NodeHandle implements it via its
// gossipsub data-topic methods.
type Transport interface {
	PublishData(topic string, payload []byte) error
	JoinDataTopic(topic string, onMessage func(data []byte)) error
}

// Node routes inbound wire messages through the dispatcher into whichever
// local duty (BlobRegister, ChunkStorage) this role actually serves.
// Register is non-nil on an Elder, Store non-nil on an Adult; a node can in
// principle run both.
type Node struct {
	log       *logrus.Logger
	transport Transport
	topic     string
	local     dispatch.LocalState
	register  *metadata.Register
	store     *chunkstore.Store
}

// New builds a Node. Pass nil for register or store when this role doesn't
// serve that duty.
func New(log *logrus.Logger, transport Transport, local dispatch.LocalState, register *metadata.Register, store *chunkstore.Store) *Node {
	return &Node{log: log, transport: transport, local: local, register: register, store: store}
}

// Join subscribes to topic and begins processing inbound wire messages.
// Every node in the section — Elder or Adult — joins the same topic; each
// message's Destination/Sender fields (mirrored onto the dispatcher's
// model.Envelope) determine which nodes actually act on it.
func (n *Node) Join(topic string) error {
	n.topic = topic
	return n.transport.JoinDataTopic(topic, n.handleRaw)
}

// Message is this engine's on-the-wire envelope: the dispatcher's
// classification inputs (model.Envelope, mirrored field-for-field) plus
// whatever operation-specific payload the matched BlobRegister/ChunkStorage
// operation needs. The exact byte format is this module's own choice (the
// spec leaves wire transport bytes unspecified); JSON is used for the same
// reason internal/metadata's persisted records are JSON — plain, inspectable,
// and already the convention this codebase follows for serialized state.
type Message struct {
	ID         xaddr.Address         `json:"id"`
	SenderKind model.SenderKind      `json:"sender_kind"`
	SenderDuty model.ElderDuty       `json:"sender_duty"`
	DestKind   model.DestinationKind `json:"dest_kind"`
	DestNode   xaddr.Address         `json:"dest_node"`
	DestPrefix xaddr.Address         `json:"dest_prefix"`
	Payload    model.PayloadKind     `json:"payload"`
	BlobOp     model.BlobOp          `json:"blob_op"`

	Origin      []byte        `json:"origin,omitempty"`
	Address     xaddr.Address `json:"address"`
	BlobContent []byte        `json:"blob_content,omitempty"`
	BlobVariant xaddr.Variant `json:"blob_variant"`
	BlobOwner   []byte        `json:"blob_owner,omitempty"`
	NewHolder   xaddr.Address `json:"new_holder"`

	// IsReply marks a GetForReplication/DuplicateChunk message as the
	// completion leg of the replication round trip rather than the request
	// leg; both legs share the same BlobOp (spec §4.2.4).
	IsReply bool `json:"is_reply"`
}

func (n *Node) handleRaw(raw []byte) {
	var wm Message
	if err := json.Unmarshal(raw, &wm); err != nil {
		n.log.WithError(err).Warn("malformed data message, dropping")
		return
	}
	n.handle(wm)
}

// handle is the event-loop body: classify, then run whichever duty the
// classification names. Replication protocol messages (GetForReplication
// request/delivery, DuplicateChunk completion) are peer-to-peer internal
// notifications in the original design too — NodeDataQueryResponse and
// NodeCmd variants distinct from the client-facing Data commands
// duty_finder classifies — so they're handled directly rather than run
// through the dispatch table.
func (n *Node) handle(wm Message) {
	if wm.BlobOp == model.OpGetForReplication || (wm.BlobOp == model.OpDuplicateChunk && wm.IsReply) {
		n.handleReplicationMessage(wm)
		return
	}

	env := model.Envelope{
		ID:          wm.ID,
		Sender:      model.Sender{Kind: wm.SenderKind, Duty: wm.SenderDuty},
		Destination: model.Destination{Kind: wm.DestKind, Node: wm.DestNode, Prefix: wm.DestPrefix},
		Payload:     wm.Payload,
		BlobOp:      wm.BlobOp,
	}
	cls := dispatch.Classify(env, n.local)
	n.log.WithFields(logrus.Fields{"id": wm.ID.Hex(), "classification": cls.String()}).Debug("classified inbound message")

	origin, _ := model.ParseOwnerKey(wm.Origin)

	switch cls {
	case dispatch.RunAtMetadata:
		if n.register == nil {
			return
		}
		n.runBlobRegisterOp(wm, origin)
	case dispatch.RunAtAdult:
		if n.store == nil {
			return
		}
		n.runChunkStoreOp(wm, origin)
	case dispatch.ForwardToNetwork:
		// Multi-hop propagation and the real client/gateway transport are
		// this module's declared Non-goals (wire transport bytes); a single
		// section deployment has nowhere further to forward to.
		n.log.WithField("id", wm.ID.Hex()).Debug("classified ForwardToNetwork, no further hop modeled")
	case dispatch.AccumulateForMetadata, dispatch.AccumulateForAdult:
		// This engine doesn't implement multi-Elder signature accumulation;
		// a single-section deployment is already quorate, so the message is
		// simply re-sent as the section-duty sender the real accumulator
		// would have produced, letting the next hop's Classify reach
		// RunAtMetadata/RunAtAdult instead of stalling here.
		wm.SenderKind = model.SenderSection
		n.publish(wm)
	case dispatch.PushToClient:
		n.log.WithField("client_prefix", wm.DestPrefix.Hex()).Info("delivering response to client (transport out of scope)")
	case dispatch.RunAtGateway, dispatch.RunAtPayment, dispatch.RunAtRewards:
		n.log.WithField("classification", cls.String()).Debug("classification has no handler in this module's scope")
	case dispatch.Unknown:
		n.log.WithField("id", wm.ID.Hex()).Warn("envelope matched no dispatch rule")
	}
}

func (n *Node) runBlobRegisterOp(wm Message, origin model.OwnerKey) {
	var dir routing.Directive
	var err error
	switch wm.BlobOp {
	case model.OpWriteNew:
		blob := model.Blob{Content: wm.BlobContent, Variant: wm.BlobVariant, Owner: ownerOrZero(wm.BlobOwner)}
		dir, err = n.register.Write(blob, wm.ID, origin)
	case model.OpDeletePrivate:
		dir, err = n.register.DeletePrivate(wm.Address, wm.ID, origin)
	case model.OpReadGet:
		dir, err = n.register.Get(wm.Address, wm.ID, origin)
	default:
		n.log.WithField("blob_op", int(wm.BlobOp)).Debug("blob register: unsupported op")
		return
	}
	if err != nil {
		n.log.WithError(err).Warn("blob register operation failed")
		return
	}
	n.relayRegisterDirective(dir, wm)
}

// relayRegisterDirective turns a BlobRegister placement directive
// (Kind: ToPeerSet, Targets: the Adults/holders to act on) into one
// follow-up wire message per target, addressed directly to that node and
// tagged as an already-accumulated Section/Metadata sender so the target's
// own Classify resolves to RunAtAdult. A ToClient directive (an error
// reply) has no further hop to take in this module's scope; it's logged
// instead, matching the PushToClient branch above.
func (n *Node) relayRegisterDirective(dir routing.Directive, wm Message) {
	if dir.IsNoOp() {
		return
	}
	if cmdErr, ok := dir.Payload.(*vaulterr.Error); ok {
		n.log.WithFields(logrus.Fields{"id": wm.ID.Hex(), "kind": cmdErr.Kind.String()}).Info("blob register returning error to client")
		return
	}
	for _, target := range dir.Targets {
		out := Message{
			ID:         wm.ID,
			SenderKind: model.SenderSection,
			SenderDuty: model.DutyMetadata,
			DestKind:   model.DestNode,
			DestNode:   target,
			Payload:    model.PayloadBlobDataCmd,
			BlobOp:     wm.BlobOp,
			Address:    wm.Address,
			Origin:     wm.Origin,
		}
		if wm.BlobOp == model.OpWriteNew {
			out.BlobContent = wm.BlobContent
			out.BlobVariant = wm.BlobVariant
			out.BlobOwner = wm.BlobOwner
		}
		n.publish(out)
	}
}

func (n *Node) runChunkStoreOp(wm Message, origin model.OwnerKey) {
	var dir routing.Directive
	var err error
	switch wm.BlobOp {
	case model.OpWriteNew:
		blob := model.Blob{Content: wm.BlobContent, Variant: wm.BlobVariant, Owner: ownerOrZero(wm.BlobOwner)}
		dir, err = n.store.Store(blob, wm.ID, origin)
	case model.OpDeletePrivate:
		dir, err = n.store.Delete(wm.Address, wm.ID, origin)
	case model.OpReadGet:
		dir, err = n.store.Get(wm.Address, wm.ID, origin)
	default:
		n.log.WithField("blob_op", int(wm.BlobOp)).Debug("chunk store: unsupported op")
		return
	}
	if err != nil {
		n.log.WithError(err).Warn("chunk store operation failed")
		return
	}
	if dir.IsNoOp() {
		return
	}
	if cmdErr, ok := dir.Payload.(*vaulterr.Error); ok {
		n.log.WithFields(logrus.Fields{"id": wm.ID.Hex(), "kind": cmdErr.Kind.String()}).Info("chunk store returning error to client")
		return
	}
	// A successful Get's directive carries the blob itself back to the
	// client; that delivery is the same out-of-scope transport leg as
	// PushToClient above.
	n.log.WithField("id", wm.ID.Hex()).Debug("chunk store operation delivered to client (transport out of scope)")
}

// handleReplicationMessage implements the four-step round trip of spec
// §4.2.4: an Elder asks a remaining holder to send the chunk to a new
// holder (request leg), the new holder persists it and acknowledges (reply
// leg), and the Elder records the new holder in both BlobRegister indices.
// These messages bypass dispatch.Classify, so this method does its own
// addressing check instead of relying on the table's handlesDestination: a
// gossipsub data topic delivers every message to every subscriber, and
// without this check an Adult that isn't the intended recipient would
// still try (and typically harmlessly no-op) the matching store operation.
func (n *Node) handleReplicationMessage(wm Message) {
	switch {
	case wm.BlobOp == model.OpDuplicateChunk && wm.IsReply:
		if n.register == nil {
			return
		}
		if err := n.register.UpdateHolders(wm.Address, wm.NewHolder); err != nil {
			n.log.WithError(err).Warn("failed to record duplication completion")
		}

	case wm.IsReply: // OpGetForReplication reply: chunk bytes arriving at the new holder
		if n.store == nil || wm.NewHolder != n.local.SelfID {
			return
		}
		blob := model.Blob{Content: wm.BlobContent, Variant: wm.BlobVariant, Owner: ownerOrZero(wm.BlobOwner)}
		if err := n.store.StoreForReplication(blob); err != nil {
			n.log.WithError(err).Warn("failed to store replicated chunk")
			return
		}
		n.publish(Message{
			ID:        wm.ID,
			BlobOp:    model.OpDuplicateChunk,
			IsReply:   true,
			Address:   wm.Address,
			NewHolder: wm.NewHolder,
		})

	default: // OpGetForReplication request: an existing holder is asked to fetch-and-forward
		if n.store == nil || wm.DestNode != n.local.SelfID {
			return
		}
		dir, err := n.store.GetForReplication(wm.Address, wm.ID, wm.NewHolder)
		if err != nil {
			n.log.WithError(err).Warn("replication fetch failed")
			return
		}
		if dir.IsNoOp() {
			return
		}
		blob, ok := dir.Payload.(model.Blob)
		if !ok {
			return
		}
		n.publish(Message{
			ID:          wm.ID,
			BlobOp:      model.OpGetForReplication,
			IsReply:     true,
			Address:     wm.Address,
			NewHolder:   wm.NewHolder,
			BlobContent: blob.Content,
			BlobVariant: blob.Variant,
			BlobOwner:   blob.Owner.Bytes(),
		})
	}
}

// RequestReplication starts the round trip above: it asks the first
// remaining holder named in cmd to send the chunk on to cmd.NewHolder. Only
// an Elder (holding the BlobRegister) issues these.
func (n *Node) RequestReplication(cmd metadata.DuplicateCommand) {
	if len(cmd.FetchFrom) == 0 {
		n.log.WithField("address", cmd.Address.Hex()).Warn("no remaining holder to fetch replication from")
		return
	}
	n.publish(Message{
		ID:        cmd.MessageID,
		BlobOp:    model.OpGetForReplication,
		DestKind:  model.DestNode,
		DestNode:  cmd.FetchFrom[0],
		Address:   cmd.Address,
		NewHolder: cmd.NewHolder,
	})
}

func (n *Node) publish(wm Message) {
	raw, err := json.Marshal(wm)
	if err != nil {
		n.log.WithError(err).Warn("failed to encode outbound message")
		return
	}
	if err := n.transport.PublishData(n.topic, raw); err != nil {
		n.log.WithError(err).Warn("failed to publish outbound message")
	}
}

func ownerOrZero(b []byte) model.OwnerKey {
	k, _ := model.ParseOwnerKey(b)
	return k
}

// WriteRequest, GetRequest, and DeleteRequest build the Message a client
// submits for the three blob operations, addressed at the section named by
// prefix. duty_finder.rs classifies a Data command generically on its way
// through Payment before a Metadata Elder ever inspects which DataCmd
// variant it carries, and isSectionDuty(Sender, DutyPayment)+PayloadDataCmd
// is exactly the rule that resolves to RunAtMetadata — the hop where
// BlobRegister itself decides placement. This engine doesn't implement the
// Gateway auth or Payment accumulation stages a client command would really
// pass through first (both out of scope), so these constructors model a
// request that already cleared them: Sender is Section/Payment duty,
// Payload is the generic PayloadDataCmd, landing directly on RunAtMetadata.
// BlobRegister.Write's own directive re-tags the follow-up to Adults with
// PayloadBlobDataCmd (see relayRegisterDirective), matching
// should_accumulate_for_chunk_write/should_run_at_chunk_write's narrower,
// blob-specific match.
func WriteRequest(msgID xaddr.Address, prefix xaddr.Address, blob model.Blob) Message {
	return Message{
		ID:          msgID,
		SenderKind:  model.SenderSection,
		SenderDuty:  model.DutyPayment,
		DestKind:    model.DestSection,
		DestPrefix:  prefix,
		Payload:     model.PayloadDataCmd,
		BlobOp:      model.OpWriteNew,
		Address:     blob.Address(),
		BlobContent: blob.Content,
		BlobVariant: blob.Variant,
		BlobOwner:   blob.Owner.Bytes(),
	}
}

func GetRequest(msgID xaddr.Address, prefix xaddr.Address, addr xaddr.Address, origin model.OwnerKey) Message {
	return Message{
		ID:         msgID,
		SenderKind: model.SenderSection,
		SenderDuty: model.DutyPayment,
		DestKind:   model.DestSection,
		DestPrefix: prefix,
		Payload:    model.PayloadDataCmd,
		BlobOp:     model.OpReadGet,
		Address:    addr,
		Origin:     origin.Bytes(),
	}
}

func DeleteRequest(msgID xaddr.Address, prefix xaddr.Address, addr xaddr.Address, origin model.OwnerKey) Message {
	return Message{
		ID:         msgID,
		SenderKind: model.SenderSection,
		SenderDuty: model.DutyPayment,
		DestKind:   model.DestSection,
		DestPrefix: prefix,
		Payload:    model.PayloadDataCmd,
		BlobOp:     model.OpDeletePrivate,
		Address:    addr,
		Origin:     origin.Bytes(),
	}
}

// Publish encodes msg and publishes it to topic over transport directly,
// without a running Node — the shape a one-shot client CLI command needs,
// as opposed to a long-lived Elder/Adult's subscribed Node.handle loop.
func Publish(transport Transport, topic string, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return transport.PublishData(topic, raw)
}
