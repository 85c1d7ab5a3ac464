package signedlog

import (
	"bytes"
	"fmt"

	"github.com/karasz/signedlog/flattree"
)

// Append adds block at the end of the log and returns its index. Only the
// producer can append; on a replica nothing is changed and
// ErrAppendPermission is returned.
//
// The block's leaf holds H(digest || peaks...), where the peaks are the
// roots covering every earlier block. That checkpoint is what gets signed,
// so one signature authenticates the whole prefix.
func (r *Replicator) Append(block []byte) (uint64, error) {
	if !r.id.CanAppend() {
		return 0, ErrAppendPermission
	}

	r.lock()
	defer r.unlock()
	if r.closed {
		return 0, ErrClosed
	}

	index := uint64(r.head + 1)
	leaf := flattree.LeafIndex(index)
	digest := r.hasher.Sum(block)

	roots := flattree.FullRoots(leaf)
	peaks := make([][]byte, len(roots))
	for i, id := range roots {
		h, ok := r.derive(id)
		if !ok {
			return 0, fmt.Errorf("append %d: peak %d cannot be derived", index, id)
		}
		peaks[i] = h
	}

	cp := checkpoint(r.hasher, digest, peaks)
	e := &Entry{
		Index:     index,
		Block:     bytes.Clone(block),
		Digest:    digest,
		Signature: r.id.sign(cp),
	}
	if e.Block == nil {
		e.Block = []byte{}
	}
	if err := r.commit(e, []Node{{ID: leaf, Hash: cp}}); err != nil {
		return 0, err
	}
	r.stats.Appends++
	return index, nil
}
