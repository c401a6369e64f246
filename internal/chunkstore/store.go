// Package chunkstore implements the Adult-side content-addressed chunk
// store (spec §4.3): persist chunk bytes, enforce per-chunk ownership,
// participate in replication transfers, and report space utilization.
//
// Grounded on the teacher's core/storage.go (content-addressed on-disk
// cache keyed by CID) generalized from an in-process LRU cache into a
// durable kvstore-backed index, and on the original Rust ChunkStorage
// (src/chunks/chunk_storage.rs) for exact operation semantics.
package chunkstore

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/vaultmesh/vaultnode/internal/kvstore"
	"github.com/vaultmesh/vaultnode/internal/metrics"
	"github.com/vaultmesh/vaultnode/internal/model"
	"github.com/vaultmesh/vaultnode/internal/routing"
	"github.com/vaultmesh/vaultnode/internal/vaulterr"
	"github.com/vaultmesh/vaultnode/internal/xaddr"
)

// Store is the Adult's chunk store.
type Store struct {
	log     *logrus.Logger
	db      *kvstore.DB
	metrics *metrics.Registry
	self    xaddr.Address

	quota uint64
	used  atomic.Uint64
}

// NewStore opens an Adult chunk store backed by db, with quota bytes of
// capacity. self is this Adult's own node identifier, used when asking
// another holder to replicate a chunk onto it.
func NewStore(log *logrus.Logger, db *kvstore.DB, quota uint64, self xaddr.Address, m *metrics.Registry) *Store {
	s := &Store{log: log, db: db, metrics: m, self: self, quota: quota}
	s.recomputeUsedSpace()
	return s
}

func (s *Store) recomputeUsedSpace() {
	var total uint64
	_ = s.db.ForEach(func(_, value []byte) error {
		total += uint64(len(value))
		return nil
	})
	s.used.Store(total)
	s.reportUsedSpaceRatio()
}

func (s *Store) reportUsedSpaceRatio() {
	if s.metrics != nil {
		s.metrics.UsedSpaceRatio.Set(s.UsedSpaceRatio())
	}
}

func (s *Store) recordOp(op, outcome string) {
	if s.metrics != nil {
		s.metrics.ChunkStoreOps.WithLabelValues(op, outcome).Inc()
	}
}

func cmdErrorTo(origin model.OwnerKey, msgID xaddr.Address, err *vaulterr.Error) routing.Directive {
	return routing.Directive{
		Kind:           routing.ToClient,
		Targets:        nil,
		Payload:        err,
		CorrelationID:  msgID,
		HasCorrelation: true,
	}
}

// Store persists blob, enforcing ownership on Private chunks before the
// existence check (spec §4.3.2: "Ownership check precedes existence
// check"). On failure it returns a directive carrying a CmdError back to
// origin (spec §4.3.1); on success, routing.NoOp.
func (s *Store) Store(blob model.Blob, msgID xaddr.Address, origin model.OwnerKey) (routing.Directive, error) {
	if err := s.tryStore(blob, origin); err != nil {
		s.recordOp("store", err.Kind.String())
		s.log.WithFields(logrus.Fields{"address": blob.Address().Hex(), "kind": err.Kind.String()}).Warn("chunk store rejected write")
		return cmdErrorTo(origin, msgID, err), nil
	}
	s.recordOp("store", "ok")
	return routing.NoOp, nil
}

func (s *Store) tryStore(blob model.Blob, origin model.OwnerKey) *vaulterr.Error {
	if blob.IsPrivate() {
		if blob.Owner.IsZero() {
			return vaulterr.InvalidOwners(origin.Hex())
		}
		if !blob.Owner.Equal(origin) {
			return vaulterr.InvalidOwners(origin.Hex())
		}
	}

	addr := blob.Address()
	key := addressKey(addr)
	has, err := s.db.Has(key)
	if err != nil {
		return vaulterr.Wrap(vaulterr.KindInternal, "check existing chunk", err)
	}
	if has {
		return vaulterr.DataExists
	}

	raw, err := encodeRecord(blob)
	if err != nil {
		return vaulterr.Wrap(vaulterr.KindInternal, "encode chunk record", err)
	}
	if err := s.db.Set(key, raw); err != nil {
		return vaulterr.Wrap(vaulterr.KindInternal, "persist chunk", err)
	}
	s.used.Add(uint64(len(raw)))
	s.reportUsedSpaceRatio()
	s.log.WithField("address", addr.Hex()).Debug("chunk stored")
	return nil
}

// Get returns the stored blob to the client, or NoSuchData.
func (s *Store) Get(addr xaddr.Address, msgID xaddr.Address, origin model.OwnerKey) (routing.Directive, error) {
	raw, ok, err := s.db.Get(addressKey(addr))
	if err != nil {
		s.recordOp("get", "error")
		return routing.Directive{}, vaulterr.Wrap(vaulterr.KindInternal, "read chunk", err)
	}
	if !ok {
		s.recordOp("get", vaulterr.KindNoSuchData.String())
		return cmdErrorTo(origin, msgID, vaulterr.NoSuchData), nil
	}
	blob, err := decodeRecord(raw)
	if err != nil {
		s.recordOp("get", "error")
		return routing.Directive{}, vaulterr.Wrap(vaulterr.KindInternal, "decode chunk", err)
	}
	s.recordOp("get", "ok")
	return routing.Directive{
		Kind:           routing.ToClient,
		Targets:        nil,
		Payload:        blob,
		CorrelationID:  msgID,
		HasCorrelation: true,
	}, nil
}

// Delete removes addr, enforcing that only the owning client may delete a
// Private chunk, and that a Public chunk can never be deleted through this
// path (spec §4.3.1). Deleting an absent address is a no-op, not an error.
func (s *Store) Delete(addr xaddr.Address, msgID xaddr.Address, origin model.OwnerKey) (routing.Directive, error) {
	key := addressKey(addr)
	raw, ok, err := s.db.Get(key)
	if err != nil {
		return routing.Directive{}, vaulterr.Wrap(vaulterr.KindInternal, "read chunk for delete", err)
	}
	if !ok {
		s.recordOp("delete", "noop")
		return routing.NoOp, nil
	}

	blob, err := decodeRecord(raw)
	if err != nil {
		return routing.Directive{}, vaulterr.Wrap(vaulterr.KindInternal, "decode chunk for delete", err)
	}

	if blob.IsPublic() {
		s.recordOp("delete", vaulterr.KindInvalidOperation.String())
		return cmdErrorTo(origin, msgID, vaulterr.InvalidOperation), nil
	}
	if !blob.Owner.Equal(origin) {
		s.recordOp("delete", vaulterr.KindAccessDenied.String())
		return cmdErrorTo(origin, msgID, vaulterr.AccessDenied), nil
	}

	if err := s.db.Delete(key); err != nil {
		s.recordOp("delete", vaulterr.KindFailedToDelete.String())
		s.log.WithField("address", addr.Hex()).Warn("failed to delete chunk")
		return cmdErrorTo(origin, msgID, vaulterr.Wrap(vaulterr.KindFailedToDelete, "delete chunk", err)), nil
	}
	s.used.Add(^uint64(len(raw) - 1)) // subtract len(raw)
	s.reportUsedSpaceRatio()
	s.recordOp("delete", "ok")
	return routing.NoOp, nil
}

// GetForReplication sends addr's bytes to newHolder. An absent address is
// logged and treated as a no-op, matching the original's warn-then-NoOp
// behavior rather than an error surfaced to the Elder.
func (s *Store) GetForReplication(addr xaddr.Address, msgID xaddr.Address, newHolder xaddr.Address) (routing.Directive, error) {
	raw, ok, err := s.db.Get(addressKey(addr))
	if err != nil {
		return routing.Directive{}, vaulterr.Wrap(vaulterr.KindInternal, "read chunk for replication", err)
	}
	if !ok {
		s.log.WithField("address", addr.Hex()).Warn("could not read chunk for replication: not held")
		s.recordOp("get_for_replication", "noop")
		return routing.NoOp, nil
	}
	blob, err := decodeRecord(raw)
	if err != nil {
		return routing.Directive{}, vaulterr.Wrap(vaulterr.KindInternal, "decode chunk for replication", err)
	}
	s.recordOp("get_for_replication", "ok")
	return routing.Directive{
		Kind:    routing.ToNode,
		Targets: []xaddr.Address{newHolder},
		Payload: blob,
	}, nil
}

// StoreForReplication persists blob as sent by another holder during
// duplication. Already-present chunks are a silent no-op, not an error.
func (s *Store) StoreForReplication(blob model.Blob) error {
	addr := blob.Address()
	key := addressKey(addr)
	has, err := s.db.Has(key)
	if err != nil {
		return vaulterr.Wrap(vaulterr.KindInternal, "check existing chunk", err)
	}
	if has {
		s.log.WithField("address", addr.Hex()).Debug("chunk already exists, not storing (replication)")
		s.recordOp("store_for_replication", "noop")
		return nil
	}
	raw, err := encodeRecord(blob)
	if err != nil {
		return vaulterr.Wrap(vaulterr.KindInternal, "encode chunk record", err)
	}
	if err := s.db.Set(key, raw); err != nil {
		return vaulterr.Wrap(vaulterr.KindInternal, "persist replicated chunk", err)
	}
	s.used.Add(uint64(len(raw)))
	s.reportUsedSpaceRatio()
	s.recordOp("store_for_replication", "ok")
	return nil
}

// UsedSpaceRatio returns used/quota, clamped to [0,1].
func (s *Store) UsedSpaceRatio() float64 {
	if s.quota == 0 {
		return 1
	}
	ratio := float64(s.used.Load()) / float64(s.quota)
	if ratio > 1 {
		return 1
	}
	return ratio
}
