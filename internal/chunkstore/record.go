package chunkstore

import (
	"encoding/json"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"

	"github.com/vaultmesh/vaultnode/internal/model"
	"github.com/vaultmesh/vaultnode/internal/xaddr"
)

// record is the on-disk representation of a stored chunk: the content
// itself plus enough of the Blob to answer ownership checks and serve
// replication without needing the caller to resupply them.
type record struct {
	Content []byte        `json:"content"`
	Variant xaddr.Variant `json:"variant"`
	Owner   []byte        `json:"owner,omitempty"`
}

func encodeRecord(b model.Blob) ([]byte, error) {
	return json.Marshal(record{
		Content: b.Content,
		Variant: b.Variant,
		Owner:   b.Owner.Bytes(),
	})
}

func decodeRecord(raw []byte) (model.Blob, error) {
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return model.Blob{}, err
	}
	b := model.Blob{Content: r.Content, Variant: r.Variant}
	if len(r.Owner) > 0 {
		owner, err := model.ParseOwnerKey(r.Owner)
		if err == nil {
			b.Owner = owner
		}
	}
	return b, nil
}

// addressKey renders a blob address as a multihash-wrapped CID byte string,
// giving the chunk store a CID-shaped on-disk key the way the teacher's
// core/storage.go diskLRU keys its cache entries by CID, rather than a bare
// 32-byte slice.
func addressKey(addr xaddr.Address) []byte {
	digest, err := mh.Encode(addr[:], mh.IDENTITY)
	if err != nil {
		// IDENTITY encoding of a fixed-length digest cannot fail; fall back
		// to the raw bytes defensively rather than panic on a store path.
		return addr[:]
	}
	c := cid.NewCidV1(cid.Raw, digest)
	return c.Bytes()
}
