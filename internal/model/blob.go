// Package model holds the wire-level data shapes shared by the dispatcher,
// metadata register, and chunk store: blobs, owner keys, and the envelope
// metadata the dispatcher inspects.
package model

import (
	"bytes"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/vaultmesh/vaultnode/internal/xaddr"
)

// OwnerKey is the public key of a Private blob's owner, compared by byte
// equality on every write/delete/read authorization check.
type OwnerKey struct {
	pub *secp256k1.PublicKey
}

func NewOwnerKey(pub *secp256k1.PublicKey) OwnerKey { return OwnerKey{pub: pub} }

// ParseOwnerKey decodes a compressed secp256k1 public key, as stored on
// disk by the chunk store and carried in envelope origins.
func ParseOwnerKey(b []byte) (OwnerKey, error) {
	if len(b) == 0 {
		return OwnerKey{}, nil
	}
	pub, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return OwnerKey{}, err
	}
	return NewOwnerKey(pub), nil
}

func (k OwnerKey) IsZero() bool { return k.pub == nil }

func (k OwnerKey) Bytes() []byte {
	if k.pub == nil {
		return nil
	}
	return k.pub.SerializeCompressed()
}

func (k OwnerKey) Equal(other OwnerKey) bool {
	if k.IsZero() || other.IsZero() {
		return k.IsZero() == other.IsZero()
	}
	return bytes.Equal(k.Bytes(), other.Bytes())
}

func (k OwnerKey) Hex() string { return hexEncode(k.Bytes()) }

func hexEncode(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexdigits[v>>4]
		out[i*2+1] = hexdigits[v&0x0f]
	}
	return string(out)
}

// Blob is an immutable, content-addressed chunk: Public or Private.
type Blob struct {
	Content []byte
	Variant xaddr.Variant
	// Owner is only meaningful when Variant == VariantPrivate.
	Owner OwnerKey
}

// Address derives the blob's content address deterministically from its
// bytes and variant tag (spec §3, Blob).
func (b Blob) Address() xaddr.Address {
	return xaddr.Derive(b.Content, b.Variant)
}

func (b Blob) IsPrivate() bool { return b.Variant == xaddr.VariantPrivate }
func (b Blob) IsPublic() bool  { return b.Variant == xaddr.VariantPublic }
