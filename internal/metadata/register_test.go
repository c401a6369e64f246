package metadata

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/sirupsen/logrus"

	"github.com/vaultmesh/vaultnode/internal/kvstore"
	"github.com/vaultmesh/vaultnode/internal/model"
	"github.com/vaultmesh/vaultnode/internal/routing"
	"github.com/vaultmesh/vaultnode/internal/vaulterr"
	"github.com/vaultmesh/vaultnode/internal/xaddr"
)

// fixedView is a SectionView over a fixed set of Adult/Elder identifiers,
// standing in for the libp2p-backed adapter in tests.
type fixedView struct {
	self   xaddr.Address
	adults []xaddr.Address
	elders []xaddr.Address
}

func (v *fixedView) OurAdultsSortedByDistanceTo(target xaddr.Address, k int, exclude xaddr.Set) []xaddr.Address {
	return closestFrom(v.adults, target, k, exclude)
}

func (v *fixedView) OurEldersSortedByDistanceTo(target xaddr.Address, k int, exclude xaddr.Set) []xaddr.Address {
	return closestFrom(v.elders, target, k, exclude)
}

func (v *fixedView) MatchesOurPrefix(addr xaddr.Address) bool { return true }
func (v *fixedView) Self() xaddr.Address                      { return v.self }

func closestFrom(pool []xaddr.Address, target xaddr.Address, k int, exclude xaddr.Set) []xaddr.Address {
	candidates := make([]xaddr.Address, 0, len(pool))
	for _, id := range pool {
		if exclude.Has(id) {
			continue
		}
		candidates = append(candidates, id)
	}
	xaddr.SortByDistance(target, candidates)
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates
}

func addrFromByte(b byte) xaddr.Address {
	var a xaddr.Address
	a[0] = b
	return a
}

func newTestRegister(t *testing.T, view routing.SectionView) *Register {
	t.Helper()
	dir := t.TempDir()

	open := func(name string) *kvstore.DB {
		db, err := kvstore.Open(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
		t.Cleanup(func() { _ = db.Close() })
		return db
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(logrus.PanicLevel)

	return New(log, view, nil, open("immutable_data.db"), open("holder_data.db"), open("full_adults.db"))
}

func newTestOwner(t *testing.T) model.OwnerKey {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return model.NewOwnerKey(priv.PubKey())
}

// TestWritePublicSufficientAdults is scenario S1: 5 Adults A<B<C<D<E closest
// to addr; a Public write should land on the 3 closest Adults plus one
// Elder to reach CHUNK_COPY_COUNT, and forward to exactly that 4-set.
func TestWritePublicSufficientAdults(t *testing.T) {
	a, b, c, d, e := addrFromByte(1), addrFromByte(2), addrFromByte(3), addrFromByte(4), addrFromByte(5)
	elder := addrFromByte(200)
	view := &fixedView{
		self:   addrFromByte(99),
		adults: []xaddr.Address{a, b, c, d, e},
		elders: []xaddr.Address{elder},
	}
	r := newTestRegister(t, view)

	blob := model.Blob{Content: []byte("public payload"), Variant: xaddr.VariantPublic}
	dir, err := r.Write(blob, xaddr.Address{}, model.OwnerKey{})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if dir.Kind != routing.ToPeerSet || len(dir.Targets) != ChunkCopyCount {
		t.Fatalf("expected a 4-target forward, got %+v", dir)
	}

	meta, ok, err := r.getChunkMetadata(blob.Address())
	if err != nil || !ok {
		t.Fatalf("expected metadata to exist, ok=%v err=%v", ok, err)
	}
	if meta.Holders.Len() != ChunkCopyCount {
		t.Fatalf("expected %d holders, got %d", ChunkCopyCount, meta.Holders.Len())
	}
}

// TestDuplicatePublicWriteAtFullReplicationIsNoOp is scenario S3.
func TestDuplicatePublicWriteAtFullReplicationIsNoOp(t *testing.T) {
	adults := []xaddr.Address{addrFromByte(1), addrFromByte(2), addrFromByte(3), addrFromByte(4)}
	view := &fixedView{self: addrFromByte(99), adults: adults, elders: []xaddr.Address{addrFromByte(200)}}
	r := newTestRegister(t, view)

	blob := model.Blob{Content: []byte("full replica"), Variant: xaddr.VariantPublic}
	if _, err := r.Write(blob, xaddr.Address{}, model.OwnerKey{}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	before, _, err := r.getChunkMetadata(blob.Address())
	if err != nil {
		t.Fatalf("load metadata: %v", err)
	}

	dir, err := r.Write(blob, xaddr.Address{}, model.OwnerKey{})
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if !dir.IsNoOp() {
		t.Fatalf("expected no-op on duplicate public write at full replication, got %+v", dir)
	}
	after, _, err := r.getChunkMetadata(blob.Address())
	if err != nil {
		t.Fatalf("load metadata: %v", err)
	}
	if after.Holders.Len() != before.Holders.Len() {
		t.Fatalf("metadata changed on duplicate write: before=%d after=%d", before.Holders.Len(), after.Holders.Len())
	}
}

// TestDeletePrivateByNonOwnerDenied is scenario S4.
func TestDeletePrivateByNonOwnerDenied(t *testing.T) {
	adults := []xaddr.Address{addrFromByte(1), addrFromByte(2), addrFromByte(3), addrFromByte(4)}
	view := &fixedView{self: addrFromByte(99), adults: adults}
	r := newTestRegister(t, view)

	owner := newTestOwner(t)
	attacker := newTestOwner(t)
	blob := model.Blob{Content: []byte("private data"), Variant: xaddr.VariantPrivate, Owner: owner}

	if _, err := r.Write(blob, xaddr.Address{}, owner); err != nil {
		t.Fatalf("write: %v", err)
	}
	before, _, err := r.getChunkMetadata(blob.Address())
	if err != nil {
		t.Fatalf("load metadata: %v", err)
	}

	dir, err := r.DeletePrivate(blob.Address(), xaddr.Address{}, attacker)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	cmdErr, ok := dir.Payload.(*vaulterr.Error)
	if !ok || cmdErr.Kind != vaulterr.KindAccessDenied {
		t.Fatalf("expected AccessDenied, got %+v", dir.Payload)
	}

	after, _, err := r.getChunkMetadata(blob.Address())
	if err != nil {
		t.Fatalf("load metadata: %v", err)
	}
	if after.Holders.Len() != before.Holders.Len() {
		t.Fatalf("indices changed on denied delete")
	}
}

// TestHolderDepartureTriggersDuplication is scenario S5.
func TestHolderDepartureTriggersDuplication(t *testing.T) {
	a, b, c, d := addrFromByte(1), addrFromByte(2), addrFromByte(3), addrFromByte(4)
	newHolder := addrFromByte(5)
	view := &fixedView{self: addrFromByte(99), adults: []xaddr.Address{a, b, c, d, newHolder}}
	r := newTestRegister(t, view)

	addr := xaddr.Derive([]byte("departure target"), xaddr.VariantPublic)
	for _, h := range []xaddr.Address{a, b, c, d} {
		if err := r.setChunkHolder(addr, h, xaddr.VariantPublic, model.OwnerKey{}); err != nil {
			t.Fatalf("seed holder %v: %v", h, err)
		}
	}

	cmds, err := r.DuplicateChunks(b)
	if err != nil {
		t.Fatalf("duplicate chunks: %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("expected exactly one duplication command, got %d: %+v", len(cmds), cmds)
	}
	if cmds[0].Address != addr {
		t.Fatalf("expected duplication for %v, got %v", addr.Hex(), cmds[0].Address.Hex())
	}
	if cmds[0].NewHolder != newHolder {
		t.Fatalf("expected new holder %v, got %v", newHolder.Hex(), cmds[0].NewHolder.Hex())
	}
	wantMsgID := xaddr.DeriveMessageID(addr, newHolder)
	if cmds[0].MessageID != wantMsgID {
		t.Fatalf("message id mismatch: want %v got %v", wantMsgID.Hex(), cmds[0].MessageID.Hex())
	}

	hm, ok, err := r.getHolderMetadata(b)
	if err != nil {
		t.Fatalf("load holder metadata: %v", err)
	}
	if ok && hm.Chunks.Len() != 0 {
		t.Fatalf("expected departed holder's entry removed, got %+v", hm)
	}

	meta, _, err := r.getChunkMetadata(addr)
	if err != nil {
		t.Fatalf("load chunk metadata: %v", err)
	}
	if meta.Holders.Has(b) {
		t.Fatalf("departed holder still present in chunk metadata")
	}
}

// TestGetNonexistentIsNoSuchData is scenario S6.
func TestGetNonexistentIsNoSuchData(t *testing.T) {
	view := &fixedView{self: addrFromByte(99)}
	r := newTestRegister(t, view)

	addr := xaddr.Derive([]byte("never written"), xaddr.VariantPublic)
	dir, err := r.Get(addr, xaddr.Address{7}, model.OwnerKey{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	cmdErr, ok := dir.Payload.(*vaulterr.Error)
	if !ok || cmdErr.Kind != vaulterr.KindNoSuchData {
		t.Fatalf("expected NoSuchData, got %+v", dir.Payload)
	}
	if !dir.HasCorrelation || dir.CorrelationID != (xaddr.Address{7}) {
		t.Fatalf("expected correlation id to echo the inbound message id, got %+v", dir)
	}
}

// TestIndexSymmetry is invariant 1: node is a holder of addr in chunk
// metadata iff addr is in node's holder metadata.
func TestIndexSymmetry(t *testing.T) {
	view := &fixedView{self: addrFromByte(99)}
	r := newTestRegister(t, view)

	addr := xaddr.Derive([]byte("symmetric"), xaddr.VariantPublic)
	node := addrFromByte(42)

	if err := r.setChunkHolder(addr, node, xaddr.VariantPublic, model.OwnerKey{}); err != nil {
		t.Fatalf("set: %v", err)
	}
	meta, _, err := r.getChunkMetadata(addr)
	if err != nil {
		t.Fatalf("chunk metadata: %v", err)
	}
	hm, _, err := r.getHolderMetadata(node)
	if err != nil {
		t.Fatalf("holder metadata: %v", err)
	}
	if !meta.Holders.Has(node) || !hm.Chunks.Has(addr) {
		t.Fatalf("index symmetry violated after set: chunk holders=%v holder chunks=%v", meta.Holders, hm.Chunks)
	}

	if err := r.removeChunkHolder(addr, node); err != nil {
		t.Fatalf("remove: %v", err)
	}
	_, chunkOK, err := r.getChunkMetadata(addr)
	if err != nil {
		t.Fatalf("chunk metadata: %v", err)
	}
	_, holderOK, err := r.getHolderMetadata(node)
	if err != nil {
		t.Fatalf("holder metadata: %v", err)
	}
	if chunkOK || holderOK {
		t.Fatalf("expected both entries deleted once empty, chunkOK=%v holderOK=%v", chunkOK, holderOK)
	}
}

// TestOwnershipMonotonicity is invariant 5: once owner is set, later writes
// never change it.
func TestOwnershipMonotonicity(t *testing.T) {
	adults := []xaddr.Address{addrFromByte(1), addrFromByte(2), addrFromByte(3), addrFromByte(4)}
	view := &fixedView{self: addrFromByte(99), adults: adults}
	r := newTestRegister(t, view)

	owner := newTestOwner(t)
	blob := model.Blob{Content: []byte("owned"), Variant: xaddr.VariantPrivate, Owner: owner}
	if _, err := r.Write(blob, xaddr.Address{}, owner); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := r.setChunkHolder(blob.Address(), addrFromByte(9), xaddr.VariantPrivate, newTestOwner(t)); err != nil {
		t.Fatalf("set_chunk_holder: %v", err)
	}

	meta, ok, err := r.getChunkMetadata(blob.Address())
	if err != nil || !ok {
		t.Fatalf("load metadata: ok=%v err=%v", ok, err)
	}
	if !meta.Owner.Equal(owner) {
		t.Fatalf("owner changed after subsequent write")
	}
}
