package signedlog

import (
	"fmt"
	"slices"

	"github.com/karasz/signedlog/flattree"
	"github.com/karasz/signedlog/wire"
)

// slot is one position of a proof: a hash known locally, or a reference
// into the list of ids asked from the peer.
type slot struct {
	hash []byte
	ref  int
}

// proofPlan is the bookkeeping for one request: which ids go on the wire
// and where every value the verifier needs will come from.
type proofPlan struct {
	slots   []slot
	request []uint64
	asked   map[uint64]int
}

func newProofPlan() *proofPlan {
	return &proofPlan{asked: make(map[uint64]int)}
}

// add appends a slot for id. A cached id is kept locally, anything else
// is asked for. With dedupe, an id already asked for reuses that answer.
func (p *proofPlan) add(nodes map[uint64][]byte, id uint64, dedupe bool) {
	if dedupe {
		if i, ok := p.asked[id]; ok {
			p.slots = append(p.slots, slot{ref: i})
			return
		}
	}
	if h, ok := nodes[id]; ok {
		p.slots = append(p.slots, slot{hash: h, ref: -1})
		return
	}
	p.ask(id)
}

// ask puts id on the wire whether or not it is cached.
func (p *proofPlan) ask(id uint64) {
	p.asked[id] = len(p.request)
	p.slots = append(p.slots, slot{ref: len(p.request)})
	p.request = append(p.request, id)
}

// resolve fills every slot from the peer's answer. The answer must carry
// one hash of the right size per asked id.
func (p *proofPlan) resolve(h Hasher, tree [][]byte) ([][]byte, error) {
	if len(tree) != len(p.request) {
		return nil, fmt.Errorf("%w: %d tree hashes for %d requested nodes", ErrVerification, len(tree), len(p.request))
	}
	for i, v := range tree {
		if len(v) != h.Size() {
			return nil, fmt.Errorf("%w: peer does not hold node %d", ErrVerification, p.request[i])
		}
	}
	out := make([][]byte, len(p.slots))
	for i, s := range p.slots {
		if s.ref < 0 {
			out[i] = s.hash
		} else {
			out[i] = tree[s.ref]
		}
	}
	return out, nil
}

// learned pairs every asked id with the peer's answer.
func (p *proofPlan) learned(tree [][]byte) []Node {
	nodes := make([]Node, 0, len(p.request))
	for i, id := range p.request {
		nodes = append(nodes, Node{ID: id, Hash: tree[i]})
	}
	return nodes
}

// climb folds a value at id upwards with the given siblings, the smaller
// id always on the left. Every parent computed is appended to path.
func climb(h Hasher, id uint64, sum []byte, siblings [][]byte, path []Node) (uint64, []byte, []Node) {
	for _, sib := range siblings {
		if id < flattree.Sibling(id) {
			sum = combine(h, sum, sib)
		} else {
			sum = combine(h, sib, sum)
		}
		id = flattree.Parent(id)
		path = append(path, Node{ID: id, Hash: sum})
	}
	return id, sum, path
}

// minimalProof is a fetch of one block anchored at the nearest cached
// ancestor of its leaf.
type minimalProof struct {
	*proofPlan
	index    uint64
	leaf     uint64
	peaks    int
	anchor   uint64
	checksum []byte
}

// planProof asks for the peaks of index that are not cached and for the
// siblings along the path from its leaf to the first cached ancestor.
func (r *Replicator) planProof(index uint64) (*minimalProof, error) {
	leaf := flattree.LeafIndex(index)
	p := &minimalProof{proofPlan: newProofPlan(), index: index, leaf: leaf}

	roots := flattree.FullRoots(leaf)
	p.peaks = len(roots)
	for _, id := range roots {
		p.add(r.nodes, id, false)
	}

	needed := leaf
	for {
		if h, ok := r.nodes[needed]; ok {
			p.anchor, p.checksum = needed, h
			return p, nil
		}
		if flattree.Depth(needed) >= flattree.MaxDepth {
			return nil, fmt.Errorf("%w: index %d", ErrNoTrustedAncestor, index)
		}
		p.add(r.nodes, flattree.Sibling(needed), true)
		needed = flattree.Parent(needed)
	}
}

// verify recomputes the leaf from the returned block and the peaks, climbs
// to the anchor and compares. It returns the entry and every value it
// established.
func (p *minimalProof) verify(h Hasher, res *wire.Response) (*Entry, []Node, error) {
	if res.Data == nil {
		return nil, nil, fmt.Errorf("%w: peer does not hold index %d", ErrVerification, p.index)
	}
	hashes, err := p.resolve(h, res.Tree)
	if err != nil {
		return nil, nil, err
	}

	digest := h.Sum(res.Data)
	leafHash := checkpoint(h, digest, hashes[:p.peaks])
	nodes := append(p.learned(res.Tree), Node{ID: p.leaf, Hash: leafHash})
	top, sum, nodes := climb(h, p.leaf, leafHash, hashes[p.peaks:], nodes)
	if top != p.anchor || !hashEqual(sum, p.checksum) {
		return nil, nil, fmt.Errorf("%w: tree checksum mismatch for index %d", ErrVerification, p.index)
	}

	return &Entry{Index: p.index, Block: res.Data, Digest: digest}, nodes, nil
}

// fetchProof fetches index from s with a minimal proof (caller must hold
// lock).
func (r *Replicator) fetchProof(s *Session, index uint64, done completion) {
	if e, ok := r.entries[index]; ok {
		r.complete(done, e.Block, nil)
		return
	}
	p, err := r.planProof(index)
	if err != nil {
		r.complete(done, nil, err)
		return
	}

	req := &wire.Request{Index: index, Tree: p.request}
	err = s.request(req, func(res *wire.Response, err error) {
		r.lock()
		defer r.unlock()
		if err != nil {
			r.complete(done, nil, err)
			return
		}
		// a racing fetch already verified it
		if e, ok := r.entries[index]; ok {
			r.complete(done, e.Block, nil)
			return
		}
		e, nodes, err := p.verify(r.hasher, res)
		if err == nil {
			err = r.commit(e, nodes)
		}
		if err != nil {
			r.noteFailure(s, index, err)
			r.complete(done, nil, err)
			return
		}
		r.stats.ProofFetches++
		r.complete(done, e.Block, nil)
	})
	if err != nil {
		r.complete(done, nil, err)
	}
}

// oldPeak is a peak of the local head that the new head must contain.
type oldPeak struct {
	id      uint64
	hash    []byte
	steps   int
	landing int
}

// headMigration moves the trusted head from the local one to a peer's
// higher head in one signed exchange.
type headMigration struct {
	*proofPlan
	index uint64
	leaf  uint64
	peaks []uint64
	old   []oldPeak
}

// planMigration asks for the peer head's leaf, its peaks that are not
// cached and, for each local peak not among them, the siblings up to the
// new peak that covers it.
func (r *Replicator) planMigration(peerHead uint64) (*headMigration, error) {
	leaf := flattree.LeafIndex(peerHead)
	m := &headMigration{proofPlan: newProofPlan(), index: peerHead, leaf: leaf, peaks: flattree.FullRoots(leaf)}
	for _, id := range m.peaks {
		m.add(r.nodes, id, false)
	}
	m.ask(leaf)

	var local []uint64
	if r.head >= 0 {
		local = flattree.FullRoots(flattree.LeafIndex(uint64(r.head)))
	}
	for _, id := range local {
		if slices.Contains(m.peaks, id) {
			continue
		}
		h, ok := r.derive(id)
		if !ok {
			return nil, fmt.Errorf("%w: local peak %d is not cached", ErrNoTrustedAncestor, id)
		}
		o := oldPeak{id: id, hash: h}
		needed := id
		for {
			if k := slices.Index(m.peaks, needed); k >= 0 {
				o.landing = k
				break
			}
			if flattree.Depth(needed) >= flattree.MaxDepth {
				return nil, fmt.Errorf("%w: local peak %d is not covered by index %d", ErrNoTrustedAncestor, id, peerHead)
			}
			m.add(r.nodes, flattree.Sibling(needed), true)
			o.steps++
			needed = flattree.Parent(needed)
		}
		m.old = append(m.old, o)
	}
	return m, nil
}

// verify checks the producer's signature over the new head's leaf, that the
// returned block and new peaks hash to that leaf, and that every local
// peak is contained in the new peaks.
func (m *headMigration) verify(h Hasher, id Identity, res *wire.Response) (*Entry, []Node, error) {
	if res.Data == nil {
		return nil, nil, fmt.Errorf("%w: peer does not hold index %d", ErrVerification, m.index)
	}
	hashes, err := m.resolve(h, res.Tree)
	if err != nil {
		return nil, nil, err
	}

	peaks := hashes[:len(m.peaks)]
	leafHash := hashes[len(m.peaks)]
	if !id.verify(leafHash, res.Signature) {
		return nil, nil, fmt.Errorf("%w: bad signature for index %d", ErrVerification, m.index)
	}
	digest := h.Sum(res.Data)
	if !hashEqual(checkpoint(h, digest, peaks), leafHash) {
		return nil, nil, fmt.Errorf("%w: tree checksum mismatch for index %d", ErrVerification, m.index)
	}

	nodes := m.learned(res.Tree)
	pos := len(m.peaks) + 1
	for _, o := range m.old {
		var sum []byte
		_, sum, nodes = climb(h, o.id, o.hash, hashes[pos:pos+o.steps], nodes)
		pos += o.steps
		if !hashEqual(sum, peaks[o.landing]) {
			return nil, nil, fmt.Errorf("%w: local peak %d is not part of index %d", ErrVerification, o.id, m.index)
		}
	}

	return &Entry{Index: m.index, Block: res.Data, Digest: digest, Signature: res.Signature}, nodes, nil
}

// migrate moves the local head to s's head and then calls next (caller
// must hold lock; next runs with the lock held). A migration overtaken by
// the local head is a successful no-op.
func (r *Replicator) migrate(s *Session, next func(error)) {
	peerHead := uint64(s.head)
	m, err := r.planMigration(peerHead)
	if err != nil {
		next(err)
		return
	}

	req := &wire.Request{Index: peerHead, Tree: m.request, Signature: true}
	err = s.request(req, func(res *wire.Response, err error) {
		r.lock()
		defer r.unlock()
		if r.head >= int64(peerHead) {
			r.stats.StaleMigrations++
			next(nil)
			return
		}
		if err != nil {
			next(err)
			return
		}
		e, nodes, err := m.verify(r.hasher, r.id, res)
		if err == nil {
			err = r.commit(e, nodes)
		}
		if err != nil {
			r.noteFailure(s, peerHead, err)
			next(err)
			return
		}
		r.stats.HeadMigrations++
		next(nil)
	})
	if err != nil {
		next(err)
	}
}
