package metadata

import (
	"github.com/sirupsen/logrus"

	"github.com/vaultmesh/vaultnode/internal/kvstore"
	"github.com/vaultmesh/vaultnode/internal/metrics"
	"github.com/vaultmesh/vaultnode/internal/model"
	"github.com/vaultmesh/vaultnode/internal/routing"
	"github.com/vaultmesh/vaultnode/internal/vaulterr"
	"github.com/vaultmesh/vaultnode/internal/xaddr"
)

// Register is the Elder's BlobRegister: chunk→holders and holder→chunks
// indices backed by separate kvstore databases, plus the full-adult set in
// a third one (spec §6 persisted-state layout).
type Register struct {
	log     *logrus.Logger
	view    routing.SectionView
	metrics *metrics.Registry

	chunkDB  *kvstore.DB // immutable_data.db
	holderDB *kvstore.DB // holder_data.db
	fullDB   *kvstore.DB // full_adults.db
}

// New constructs a BlobRegister over the three logical databases, with view
// supplying placement queries (spec §4.2.6).
func New(log *logrus.Logger, view routing.SectionView, m *metrics.Registry, chunkDB, holderDB, fullDB *kvstore.DB) *Register {
	return &Register{log: log, view: view, metrics: m, chunkDB: chunkDB, holderDB: holderDB, fullDB: fullDB}
}

func (r *Register) getChunkMetadata(addr xaddr.Address) (ChunkMetadata, bool, error) {
	raw, ok, err := r.chunkDB.Get(addrKey(addr))
	if err != nil || !ok {
		return ChunkMetadata{}, ok, err
	}
	m, err := decodeChunkMetadata(raw)
	return m, true, err
}

func (r *Register) putChunkMetadata(addr xaddr.Address, m ChunkMetadata) error {
	raw, err := encodeChunkMetadata(m)
	if err != nil {
		return err
	}
	return r.chunkDB.Set(addrKey(addr), raw)
}

func (r *Register) getHolderMetadata(node xaddr.Address) (HolderMetadata, bool, error) {
	raw, ok, err := r.holderDB.Get(addrKey(node))
	if err != nil || !ok {
		return HolderMetadata{}, ok, err
	}
	m, err := decodeHolderMetadata(raw)
	return m, true, err
}

func (r *Register) putHolderMetadata(node xaddr.Address, m HolderMetadata) error {
	raw, err := encodeHolderMetadata(m)
	if err != nil {
		return err
	}
	return r.holderDB.Set(addrKey(node), raw)
}

func (r *Register) isFullAdult(node xaddr.Address) (bool, error) {
	return r.fullDB.Has(addrKey(node))
}

func (r *Register) reportHolderCount(addr xaddr.Address, count int) {
	if r.metrics != nil {
		r.metrics.ChunkHolderCount.WithLabelValues(addr.Hex()).Set(float64(count))
	}
}

func errDirective(msgID xaddr.Address, err *vaulterr.Error) routing.Directive {
	return routing.Directive{Kind: routing.ToClient, Payload: err, CorrelationID: msgID, HasCorrelation: true}
}

// fullAdultsSet returns every node currently marked full, for exclusion
// from placement (spec §4.2.6: "the full-adult set excludes nodes").
func (r *Register) fullAdultsSet() (xaddr.Set, error) {
	out := xaddr.NewSet()
	err := r.fullDB.ForEach(func(key, _ []byte) error {
		var id xaddr.Address
		copy(id[:], key)
		out.Add(id)
		return nil
	})
	return out, err
}

// targetHolders computes the CHUNK_COPY_COUNT-bounded placement set for
// addr (spec §4.2.1 step 3 / §4.2.4 step 2): closest non-full Adults first,
// closest Elders to fill any remaining slots, unioned with existing when
// existing is non-nil.
func (r *Register) targetHolders(addr xaddr.Address, existing xaddr.Set) (xaddr.Set, error) {
	full, err := r.fullAdultsSet()
	if err != nil {
		return nil, err
	}

	adults := r.view.OurAdultsSortedByDistanceTo(addr, ChunkAdultCopyCount, full)
	targets := xaddr.NewSet(adults...)

	if targets.Len() < ChunkCopyCount {
		need := ChunkCopyCount - targets.Len()
		exclude := targets.Clone()
		exclude.Add(r.view.Self())
		elders := r.view.OurEldersSortedByDistanceTo(addr, need, exclude)
		for _, e := range elders {
			if targets.Len() >= ChunkCopyCount {
				break
			}
			targets.Add(e)
		}
	}

	if existing != nil {
		targets = xaddr.Union(existing, targets, ChunkCopyCount)
	}
	return targets, nil
}

// setChunkHolder records h as a holder of addr in both indices. Writes to
// the two databases are independent (spec §4.2.5): a failure on one side is
// logged and returned without rolling back the other, and symmetry is
// re-established lazily by later operations.
func (r *Register) setChunkHolder(addr xaddr.Address, h xaddr.Address, variant xaddr.Variant, origin model.OwnerKey) error {
	meta, ok, err := r.getChunkMetadata(addr)
	if err != nil {
		r.log.WithError(err).WithField("address", addr.Hex()).Warn("failed to load chunk metadata for set_chunk_holder")
		return err
	}
	if !ok {
		meta = newChunkMetadata()
	}
	if variant == xaddr.VariantPrivate && meta.Owner.IsZero() {
		meta.Owner = origin
	}
	meta.Holders.Add(h)
	if err := r.putChunkMetadata(addr, meta); err != nil {
		r.log.WithError(err).WithField("address", addr.Hex()).Warn("failed to persist chunk metadata in set_chunk_holder")
		return err
	}
	r.reportHolderCount(addr, meta.Holders.Len())

	hm, ok, err := r.getHolderMetadata(h)
	if err != nil {
		r.log.WithError(err).WithField("holder", h.Hex()).Warn("failed to load holder metadata for set_chunk_holder")
		return err
	}
	if !ok {
		hm = newHolderMetadata()
	}
	hm.Chunks.Add(addr)
	if err := r.putHolderMetadata(h, hm); err != nil {
		r.log.WithError(err).WithField("holder", h.Hex()).Warn("failed to persist holder metadata in set_chunk_holder")
		return err
	}
	return nil
}

// removeChunkHolder is the symmetric inverse of setChunkHolder. Entries
// that become empty on either side are deleted (spec §4.2.5).
func (r *Register) removeChunkHolder(addr xaddr.Address, h xaddr.Address) error {
	meta, ok, err := r.getChunkMetadata(addr)
	if err != nil {
		r.log.WithError(err).WithField("address", addr.Hex()).Warn("failed to load chunk metadata for remove_chunk_holder")
		return err
	}
	if ok {
		meta.Holders.Remove(h)
		if meta.Holders.Len() == 0 {
			if err := r.chunkDB.Delete(addrKey(addr)); err != nil {
				r.log.WithError(err).WithField("address", addr.Hex()).Warn("failed to delete empty chunk metadata")
				return err
			}
		} else if err := r.putChunkMetadata(addr, meta); err != nil {
			r.log.WithError(err).WithField("address", addr.Hex()).Warn("failed to persist chunk metadata in remove_chunk_holder")
			return err
		}
		r.reportHolderCount(addr, meta.Holders.Len())
	}

	hm, ok, err := r.getHolderMetadata(h)
	if err != nil {
		r.log.WithError(err).WithField("holder", h.Hex()).Warn("failed to load holder metadata for remove_chunk_holder")
		return err
	}
	if ok {
		hm.Chunks.Remove(addr)
		if hm.Chunks.Len() == 0 {
			if err := r.holderDB.Delete(addrKey(h)); err != nil {
				r.log.WithError(err).WithField("holder", h.Hex()).Warn("failed to delete empty holder metadata")
				return err
			}
		} else if err := r.putHolderMetadata(h, hm); err != nil {
			r.log.WithError(err).WithField("holder", h.Hex()).Warn("failed to persist holder metadata in remove_chunk_holder")
			return err
		}
	}
	return nil
}

// Write handles Cmd::Data::Blob(New(blob)) (spec §4.2.1).
func (r *Register) Write(blob model.Blob, msgID xaddr.Address, origin model.OwnerKey) (routing.Directive, error) {
	addr := blob.Address()
	existing, ok, err := r.getChunkMetadata(addr)
	if err != nil {
		return routing.Directive{}, err
	}

	if ok && existing.Holders.Len() >= ChunkCopyCount {
		if blob.IsPublic() {
			return routing.NoOp, nil
		}
		return errDirective(msgID, vaulterr.DataExists), nil
	}

	var existingSet xaddr.Set
	if ok {
		existingSet = existing.Holders
	}
	targets, err := r.targetHolders(addr, existingSet)
	if err != nil {
		return routing.Directive{}, err
	}

	for _, h := range targets.Slice() {
		if err := r.setChunkHolder(addr, h, blob.Variant, origin); err != nil {
			r.log.WithError(err).WithField("address", addr.Hex()).Warn("partial write while placing new holder")
		}
	}

	return routing.Directive{Kind: routing.ToPeerSet, Targets: targets.Slice(), Payload: blob}, nil
}

// DeletePrivate handles Cmd::Data::Blob(DeletePrivate(addr)) (spec §4.2.2).
func (r *Register) DeletePrivate(addr xaddr.Address, msgID xaddr.Address, origin model.OwnerKey) (routing.Directive, error) {
	meta, ok, err := r.getChunkMetadata(addr)
	if err != nil {
		return routing.Directive{}, err
	}
	if !ok {
		return errDirective(msgID, vaulterr.NoSuchData), nil
	}
	if !meta.Owner.IsZero() && !meta.Owner.Equal(origin) {
		return errDirective(msgID, vaulterr.AccessDenied), nil
	}

	holders := meta.Holders.Slice()
	for _, h := range holders {
		if err := r.removeChunkHolder(addr, h); err != nil {
			r.log.WithError(err).WithField("address", addr.Hex()).Warn("partial failure removing holder during delete")
		}
	}

	return routing.Directive{Kind: routing.ToPeerSet, Targets: holders}, nil
}

// Get handles Query::Data::Blob(Get(addr)) (spec §4.2.3).
func (r *Register) Get(addr xaddr.Address, msgID xaddr.Address, origin model.OwnerKey) (routing.Directive, error) {
	meta, ok, err := r.getChunkMetadata(addr)
	if err != nil {
		return routing.Directive{}, err
	}
	if !ok {
		return errDirective(msgID, vaulterr.NoSuchData), nil
	}
	if !meta.Owner.IsZero() && !meta.Owner.Equal(origin) {
		return errDirective(msgID, vaulterr.AccessDenied), nil
	}
	return routing.Directive{Kind: routing.ToPeerSet, Targets: meta.Holders.Slice()}, nil
}

// DuplicateCommand is the NodeCmd::Data::DuplicateChunk instruction emitted
// on holder departure (spec §4.2.4).
type DuplicateCommand struct {
	MessageID  xaddr.Address
	Address    xaddr.Address
	NewHolder  xaddr.Address
	FetchFrom  []xaddr.Address
}

// DuplicateChunks handles a routing-layer report that node left the section
// (spec §4.2.4). It snapshots the chunks node held, removes its holder
// entry, and emits one DuplicateCommand per address needing a new holder.
func (r *Register) DuplicateChunks(node xaddr.Address) ([]DuplicateCommand, error) {
	hm, ok, err := r.getHolderMetadata(node)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	addrs := hm.Chunks.Slice()

	var commands []DuplicateCommand
	for _, addr := range addrs {
		if err := r.removeChunkHolder(addr, node); err != nil {
			r.log.WithError(err).WithField("address", addr.Hex()).Warn("partial failure removing departed holder")
			continue
		}

		meta, ok, err := r.getChunkMetadata(addr)
		if err != nil {
			r.log.WithError(err).WithField("address", addr.Hex()).Warn("failed to reload chunk metadata for duplication")
			continue
		}
		remaining := xaddr.NewSet()
		if ok {
			remaining = meta.Holders
		}

		targets, err := r.targetHolders(addr, nil)
		if err != nil {
			r.log.WithError(err).WithField("address", addr.Hex()).Warn("failed to compute duplication targets")
			continue
		}
		newTargets := xaddr.Difference(targets, remaining)

		for _, nh := range newTargets.Slice() {
			msgID := xaddr.DeriveMessageID(addr, nh)
			commands = append(commands, DuplicateCommand{
				MessageID: msgID,
				Address:   addr,
				NewHolder: nh,
				FetchFrom: remaining.Slice(),
			})
			if r.metrics != nil {
				r.metrics.DuplicationsEmitted.Inc()
			}
		}
	}
	return commands, nil
}

// UpdateHolders is the post-duplication-completion handler (spec §4.2.4
// step 4): once holder reports it has fetched and stored addr, record it in
// both indices. Idempotent: re-applying for an already-recorded holder is a
// no-op (setChunkHolder's Add is idempotent on a set).
func (r *Register) UpdateHolders(addr xaddr.Address, holder xaddr.Address) error {
	if err := r.setChunkHolder(addr, holder, xaddr.VariantPublic, model.OwnerKey{}); err != nil {
		return err
	}
	r.log.WithFields(logrus.Fields{"address": addr.Hex(), "holder": holder.Hex()}).Info("holder updated after duplication")
	return nil
}
