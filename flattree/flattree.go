// Package flattree navigates a binary forest laid out in-order over the
// integers.
//
// Leaves sit on even ids (leaf i has id 2i) and every parent sits between
// its two children:
//
//	3            7
//	           /   \
//	2         3     11
//	        /   \   / \
//	1      1     5 9   13
//	      / \   / \
//	0    0   2 4   6 8  10 12
//
// The depth of an id is the number of trailing one bits, so every operation
// is a handful of shifts. Nothing is materialized; callers keep whatever
// values they need keyed by id. As with most tree arithmetic the functions
// trust their input: asking for the roots of an odd id is a programming
// error and panics.
package flattree

import "math/bits"

// MaxDepth bounds the depth of any id addressable in 64 bits.
const MaxDepth = 63

// Index returns the id of the node at depth with the given offset (the
// node's position among nodes of the same depth, counting from the left).
func Index(depth, offset uint64) uint64 {
	return (offset << (depth + 1)) | ((uint64(1) << depth) - 1)
}

// LeafIndex returns the id of the leaf holding log position index.
func LeafIndex(index uint64) uint64 {
	return index << 1
}

// LeafPosition is the inverse of LeafIndex. id must be a leaf.
func LeafPosition(id uint64) uint64 {
	return id >> 1
}

// Depth returns the height of id above the leaves.
func Depth(id uint64) uint64 {
	return uint64(bits.TrailingZeros64(^id))
}

// Offset returns the position of id among the nodes at its depth.
func Offset(id uint64) uint64 {
	return id >> (Depth(id) + 1)
}

// IsLeaf reports whether id is a leaf.
func IsLeaf(id uint64) bool {
	return id&1 == 0
}

// Parent returns the id of the node directly above id.
func Parent(id uint64) uint64 {
	d := Depth(id)
	return Index(d+1, Offset(id)>>1)
}

// Sibling returns the other child of Parent(id).
func Sibling(id uint64) uint64 {
	d := Depth(id)
	return Index(d, Offset(id)^1)
}

// LeftChild returns the left child of id. Leaves have no children and
// return false.
func LeftChild(id uint64) (uint64, bool) {
	d := Depth(id)
	if d == 0 {
		return 0, false
	}
	return Index(d-1, Offset(id)<<1), true
}

// RightChild returns the right child of id. Leaves have no children and
// return false.
func RightChild(id uint64) (uint64, bool) {
	d := Depth(id)
	if d == 0 {
		return 0, false
	}
	return Index(d-1, (Offset(id)<<1)+1), true
}

// Children returns both children of id.
func Children(id uint64) (left, right uint64, ok bool) {
	left, ok = LeftChild(id)
	if !ok {
		return 0, 0, false
	}
	right, _ = RightChild(id)
	return left, right, true
}

// Spans returns the leftmost and rightmost leaf ids under id.
func Spans(id uint64) (left, right uint64) {
	d := Depth(id)
	if d == 0 {
		return id, id
	}
	offset := Offset(id)
	width := uint64(2) << d
	return offset * width, (offset+1)*width - 2
}

// FullRoots returns the roots of the complete subtrees that together cover
// every leaf strictly to the left of the leaf id, largest subtree first.
// These are the peaks of the forest as it stood before that leaf was added.
func FullRoots(id uint64) []uint64 {
	if !IsLeaf(id) {
		panic("flattree: FullRoots requires a leaf id")
	}

	remaining := id >> 1
	if remaining == 0 {
		return nil
	}

	roots := make([]uint64, 0, bits.OnesCount64(remaining))
	var offset uint64
	for remaining > 0 {
		// largest power of two not above remaining
		factor := uint64(1) << (bits.Len64(remaining) - 1)
		roots = append(roots, offset+factor-1)
		offset += factor << 1
		remaining -= factor
	}
	return roots
}
