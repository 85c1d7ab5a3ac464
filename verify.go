package signedlog

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/karasz/signedlog/flattree"
)

// AuditReport summarizes an offline check of a store.
type AuditReport struct {
	Entries int
	Signed  int
	Nodes   int
	Head    int64 // -1 for an empty store
}

// VerifyStore re-checks everything st holds against the producer's public
// key, trusting none of it:
//   - every block hashes to its digest
//   - every leaf is the checkpoint of its digest and peaks
//   - every signature covers its leaf
//   - every stored parent is the hash of its stored children
//   - every entry hangs below a signed checkpoint
//
// The store is read into memory.
func VerifyStore(st Store, id Identity, h Hasher) (AuditReport, error) {
	rep := AuditReport{Head: -1}
	if h == nil {
		h = SHA256
	}

	nodes := make(map[uint64][]byte)
	nch, stop, err := st.Nodes()
	if err != nil {
		return rep, err
	}
	var conflict error
	for n := range nch {
		cur, ok := nodes[n.ID]
		if !ok {
			nodes[n.ID] = n.Hash
			continue
		}
		if conflict == nil && !hashEqual(cur, n.Hash) {
			conflict = fmt.Errorf("%w: node %d stored twice with different values", ErrVerification, n.ID)
		}
	}
	if err := stop(); err != nil {
		return rep, fmt.Errorf("read nodes: %w", err)
	}
	if conflict != nil {
		return rep, conflict
	}
	rep.Nodes = len(nodes)

	var entries []Entry
	ech, stop, err := st.Iter(0)
	if err != nil {
		return rep, err
	}
	for e := range ech {
		entries = append(entries, e)
	}
	if err := stop(); err != nil {
		return rep, fmt.Errorf("read entries: %w", err)
	}
	slices.SortFunc(entries, func(a, b Entry) int { return cmp.Compare(a.Index, b.Index) })

	var trusted []uint64
	for _, e := range entries {
		if !hashEqual(h.Sum(e.Block), e.Digest) {
			return rep, fmt.Errorf("%w: entry %d does not match its digest", ErrVerification, e.Index)
		}
		leaf := flattree.LeafIndex(e.Index)
		leafHash, ok := nodes[leaf]
		if !ok {
			return rep, fmt.Errorf("%w: entry %d has no leaf", ErrVerification, e.Index)
		}
		roots := flattree.FullRoots(leaf)
		peaks := make([][]byte, len(roots))
		for i, root := range roots {
			v, ok := deriveNode(nodes, h, root)
			if !ok {
				return rep, fmt.Errorf("%w: entry %d is missing peak %d", ErrVerification, e.Index, root)
			}
			peaks[i] = v
		}
		if !hashEqual(checkpoint(h, e.Digest, peaks), leafHash) {
			return rep, fmt.Errorf("%w: tree checksum mismatch for entry %d", ErrVerification, e.Index)
		}
		if e.Signature != nil {
			if !id.verify(leafHash, e.Signature) {
				return rep, fmt.Errorf("%w: bad signature for entry %d", ErrVerification, e.Index)
			}
			rep.Signed++
			trusted = append(trusted, leaf)
			trusted = append(trusted, roots...)
		}
		rep.Entries++
		rep.Head = int64(e.Index)
	}

	// Trust flows from signed checkpoints down through parents that hash
	// their children.
	anchored := make(map[uint64]bool, len(nodes))
	for len(trusted) > 0 {
		n := trusted[len(trusted)-1]
		trusted = trusted[:len(trusted)-1]
		if anchored[n] {
			continue
		}
		anchored[n] = true
		left, right, ok := flattree.Children(n)
		if !ok {
			continue
		}
		lh, lok := nodes[left]
		rh, rok := nodes[right]
		if !lok || !rok {
			continue
		}
		if !hashEqual(combine(h, lh, rh), nodes[n]) {
			return rep, fmt.Errorf("%w: node %d does not hash its children", ErrVerification, n)
		}
		trusted = append(trusted, left, right)
	}

	for _, e := range entries {
		if !anchored[flattree.LeafIndex(e.Index)] {
			return rep, fmt.Errorf("%w: entry %d", ErrNoTrustedAncestor, e.Index)
		}
	}
	return rep, nil
}
