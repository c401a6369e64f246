// Package metadata implements the Elder-side BlobRegister: the
// chunk→holders and holder→chunks indices, the full-adult set, and the
// placement/duplication policy that keeps them consistent (spec §4.2).
//
// Grounded on the original Rust BlobRegister
// (src/node/elder_duties/data_section/metadata/blob_register.rs) for exact
// operation semantics, and on the teacher's table/registry style for the
// index-mutation helpers.
package metadata

import (
	"encoding/json"

	"github.com/vaultmesh/vaultnode/internal/model"
	"github.com/vaultmesh/vaultnode/internal/xaddr"
)

// Replication-factor constants (spec glossary).
const (
	ChunkCopyCount      = 4
	ChunkAdultCopyCount = 3
)

// ChunkMetadata records who holds a chunk and, for Private blobs, who owns
// it.
type ChunkMetadata struct {
	Holders xaddr.Set
	Owner   model.OwnerKey
}

func newChunkMetadata() ChunkMetadata {
	return ChunkMetadata{Holders: xaddr.NewSet()}
}

// HolderMetadata records which chunk addresses a given node holds.
type HolderMetadata struct {
	Chunks xaddr.Set
}

func newHolderMetadata() HolderMetadata {
	return HolderMetadata{Chunks: xaddr.NewSet()}
}

// wireChunkMetadata/wireHolderMetadata are the JSON-serializable shapes
// persisted to immutable_data.db/holder_data.db (spec §6): sets round-trip
// as sorted slices since Go map iteration order is unspecified.
type wireChunkMetadata struct {
	Holders []xaddr.Address `json:"holders"`
	Owner   []byte          `json:"owner,omitempty"`
}

type wireHolderMetadata struct {
	Chunks []xaddr.Address `json:"chunks"`
}

func encodeChunkMetadata(m ChunkMetadata) ([]byte, error) {
	return json.Marshal(wireChunkMetadata{Holders: m.Holders.Slice(), Owner: m.Owner.Bytes()})
}

func decodeChunkMetadata(raw []byte) (ChunkMetadata, error) {
	var w wireChunkMetadata
	if err := json.Unmarshal(raw, &w); err != nil {
		return ChunkMetadata{}, err
	}
	m := ChunkMetadata{Holders: xaddr.NewSet(w.Holders...)}
	if len(w.Owner) > 0 {
		owner, err := model.ParseOwnerKey(w.Owner)
		if err == nil {
			m.Owner = owner
		}
	}
	return m, nil
}

func encodeHolderMetadata(m HolderMetadata) ([]byte, error) {
	return json.Marshal(wireHolderMetadata{Chunks: m.Chunks.Slice()})
}

func decodeHolderMetadata(raw []byte) (HolderMetadata, error) {
	var w wireHolderMetadata
	if err := json.Unmarshal(raw, &w); err != nil {
		return HolderMetadata{}, err
	}
	return HolderMetadata{Chunks: xaddr.NewSet(w.Chunks...)}, nil
}

func addrKey(addr xaddr.Address) []byte { return addr[:] }

// Inspect reads a single ChunkMetadata entry directly from an immutable_data.db
// handle, for CLI/debug tooling that wants a read without constructing a
// full Register (which also requires a SectionView).
func Inspect(chunkDB interface {
	Get(key []byte) ([]byte, bool, error)
}, addr xaddr.Address) (ChunkMetadata, bool, error) {
	raw, ok, err := chunkDB.Get(addrKey(addr))
	if err != nil || !ok {
		return ChunkMetadata{}, ok, err
	}
	m, err := decodeChunkMetadata(raw)
	return m, true, err
}
