// Package xaddr implements the 256-bit address space nodes, clients, and
// chunks occupy, with XOR as the distance metric. Addresses are derived
// from content with golang.org/x/crypto/sha3, matching the SHA3-256 hash
// the original implementation used for both blob addressing and duplication
// message-id derivation.
package xaddr

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"

	"golang.org/x/crypto/sha3"
)

// Size is the address width in bytes (256 bits).
const Size = 32

// Address is a point in the 256-bit identifier space.
type Address [Size]byte

// Variant tags a blob as Public or Private; it is mixed into the address
// derivation so the same bytes stored as Public and Private never collide.
type Variant byte

const (
	VariantPublic  Variant = 0
	VariantPrivate Variant = 1
)

// Derive computes the content address of blob bytes tagged with variant.
func Derive(content []byte, variant Variant) Address {
	h := sha3.New256()
	h.Write([]byte{byte(variant)})
	h.Write(content)
	var out Address
	copy(out[:], h.Sum(nil))
	return out
}

// DeriveMessageID computes the deterministic duplication message id of
// spec §4.2.4: SHA3-256(address.name ∥ new_holder).
func DeriveMessageID(addr Address, newHolder NodeID) Address {
	h := sha3.New256()
	h.Write(addr[:])
	h.Write(newHolder[:])
	var out Address
	copy(out[:], h.Sum(nil))
	return out
}

// NodeID identifies a node (Adult or Elder) in the same address space.
type NodeID = Address

func (a Address) Bytes() []byte { return a[:] }

func (a Address) Hex() string { return hex.EncodeToString(a[:]) }

func (a Address) String() string { return a.Hex() }

// ParseHex decodes a hex-encoded 32-byte address, as accepted by CLI flags
// and config overrides.
func ParseHex(s string) (Address, error) {
	var out Address
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != Size {
		return out, fmt.Errorf("address must be %d bytes, got %d", Size, len(b))
	}
	copy(out[:], b)
	return out, nil
}

// Less implements the lexicographic tie-break of §4.2.6.
func (a Address) Less(b Address) bool { return bytes.Compare(a[:], b[:]) < 0 }

// Distance returns the XOR distance between two addresses.
func Distance(a, b Address) Address {
	var out Address
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// Closer reports whether candidate is strictly closer to target than
// other, breaking ties by lexicographic order of the candidates
// themselves (not expected to matter with sufficient entropy, per §4.2.6).
func Closer(target, candidate, other Address) bool {
	dc := Distance(target, candidate)
	do := Distance(target, other)
	cmp := bytes.Compare(dc[:], do[:])
	if cmp != 0 {
		return cmp < 0
	}
	return candidate.Less(other)
}

// SortByDistance orders ids by ascending XOR distance to target, breaking
// ties lexicographically.
func SortByDistance(target Address, ids []Address) {
	sort.Slice(ids, func(i, j int) bool {
		return Closer(target, ids[i], ids[j])
	})
}

// Set is a small unordered set of addresses, used for holder sets and
// chunk sets where the original keeps a BTreeSet.
type Set map[Address]struct{}

func NewSet(ids ...Address) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s Set) Add(id Address)    { s[id] = struct{}{} }
func (s Set) Remove(id Address) { delete(s, id) }
func (s Set) Has(id Address) bool {
	_, ok := s[id]
	return ok
}
func (s Set) Len() int { return len(s) }

func (s Set) Slice() []Address {
	out := make([]Address, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func (s Set) Clone() Set {
	out := make(Set, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// Union returns a new set containing every element of s and other, capped
// at maxLen total entries (entries of s are preferred over other when the
// cap is reached, matching the "union with existing holders, capped at
// CHUNK_COPY_COUNT" rule of §4.2.1).
func Union(s, other Set, maxLen int) Set {
	out := s.Clone()
	for id := range other {
		if len(out) >= maxLen {
			break
		}
		out.Add(id)
	}
	return out
}

// Difference returns the elements of s not present in other.
func Difference(s, other Set) Set {
	out := make(Set)
	for id := range s {
		if !other.Has(id) {
			out.Add(id)
		}
	}
	return out
}
