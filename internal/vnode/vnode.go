// Package vnode implements virtual-node hashing and ownership tracking: the
// partitioning scheme by which state/degree table keys are sharded across
// operator instances, and the predicate that decides when a bitmap
// reassignment invalidates cached entries.
package vnode

import (
	"encoding/binary"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cespare/xxhash/v2"
)

// Count is the total number of virtual nodes the key space is partitioned
// into. Fixed at this value for the lifetime of a deployment, mirroring
// RisingWave's fixed vnode count per fragment.
const Count = 256

// Of returns the vnode a raw key hashes to, in [0, Count).
func Of(key []byte) uint32 {
	return uint32(xxhash.Sum64(key) % Count)
}

// Prefix prepends key's owning vnode as a 4-byte big-endian prefix, the
// layout the state store partitions both state and degree tables by.
func Prefix(key []byte) []byte {
	v := Of(key)
	out := make([]byte, 4+len(key))
	binary.BigEndian.PutUint32(out[:4], v)
	copy(out[4:], key)
	return out
}

// PrefixWithDistKey prepends fullKey's owning vnode, computed by hashing
// distKey rather than fullKey, as a 4-byte big-endian prefix. This is the
// layout state/degree tables actually use: the vnode is derived from the
// join-key prefix of a row's PK (its distribution key) so that every row
// sharing a join key — and therefore every row a single take_state prefix
// scan must visit — lands in the same vnode, while the stored key is still
// the row's full PK.
func PrefixWithDistKey(distKey, fullKey []byte) []byte {
	v := Of(distKey)
	out := make([]byte, 4+len(fullKey))
	binary.BigEndian.PutUint32(out[:4], v)
	copy(out[4:], fullKey)
	return out
}

// VnodeOfPrefixed extracts the vnode id from a key produced by Prefix.
func VnodeOfPrefixed(prefixed []byte) uint32 {
	return binary.BigEndian.Uint32(prefixed[:4])
}

// Bitmap is the set of vnodes currently owned by an operator instance.
type Bitmap struct {
	bits *roaring.Bitmap
}

// NewBitmap constructs an ownership bitmap from explicit vnode ids.
func NewBitmap(vnodes ...uint32) *Bitmap {
	return &Bitmap{bits: roaring.BitmapOf(vnodes...)}
}

// Full returns a bitmap owning every vnode, the default before any
// reassignment narrows ownership.
func Full() *Bitmap {
	b := roaring.New()
	b.AddRange(0, Count)
	return &Bitmap{bits: b}
}

// Owns reports whether vnode v is within the bitmap.
func (b *Bitmap) Owns(v uint32) bool {
	if b == nil || b.bits == nil {
		return false
	}
	return b.bits.Contains(v)
}

// OwnsKey reports whether a Prefix-encoded key's vnode is owned.
func (b *Bitmap) OwnsKey(prefixed []byte) bool {
	return b.Owns(VnodeOfPrefixed(prefixed))
}

// Bits exposes the underlying roaring.Bitmap, for passing ownership sets
// to collaborators (e.g. kv.Store.UpdateVnodeBitmap) that speak in raw
// bitmaps rather than this package's Bitmap wrapper.
func (b *Bitmap) Bits() *roaring.Bitmap {
	if b == nil || b.bits == nil {
		return roaring.New()
	}
	return b.bits
}

// FromBits wraps an existing roaring.Bitmap as a Bitmap.
func FromBits(bits *roaring.Bitmap) *Bitmap {
	if bits == nil {
		bits = roaring.New()
	}
	return &Bitmap{bits: bits}
}

// Clone returns an independent copy of b.
func (b *Bitmap) Clone() *Bitmap {
	if b == nil || b.bits == nil {
		return NewBitmap()
	}
	return &Bitmap{bits: b.bits.Clone()}
}

func isSubset(a, b *roaring.Bitmap) bool {
	if a.IsEmpty() {
		return true
	}
	diff := a.Clone()
	diff.AndNot(b)
	return diff.IsEmpty()
}

// CacheMayStale implements the cache-may-stale predicate from §9: a cache
// built under `previous` must be cleared under `next` whenever
// (next ⊄ previous) ∨ (previous ⊄ next) — any owned vnode leaving, or any
// foreign vnode entering.
func CacheMayStale(previous, next *Bitmap) bool {
	prevBits, nextBits := previous.bits, next.bits
	if prevBits == nil {
		prevBits = roaring.New()
	}
	if nextBits == nil {
		nextBits = roaring.New()
	}
	return !isSubset(nextBits, prevBits) || !isSubset(prevBits, nextBits)
}
