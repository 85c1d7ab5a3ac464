package signedlog

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/karasz/signedlog/bitfield"
	"github.com/karasz/signedlog/flattree"
	"github.com/karasz/signedlog/wire"
)

// maxIndex bounds block indices accepted from peers so that leaf ids and
// their ancestors stay representable.
const maxIndex = 1 << 62

// Config controls replicator behavior.
type Config struct {
	// Identity of the log's producer. Replicas set only PublicKey.
	Identity Identity
	Hasher   Hasher     // nil selects SHA256
	Codec    wire.Codec // nil selects protobuf
	// Store persists verified state. nil keeps everything in memory.
	Store  Store
	Logger *slog.Logger
	// Rand drives session selection. nil seeds a PCG at random.
	Rand rand.Source
	// OnHead is called, outside any lock, each time the local head
	// advances.
	OnHead func(index uint64)
	// MaxFrameSize bounds inbound frames; zero means
	// wire.DefaultMaxFrameSize. The handshake carries one bit per block,
	// so a peer holding n blocks needs a limit above n/8 bytes.
	MaxFrameSize int
}

// Stats is a snapshot of replicator counters.
type Stats struct {
	Sessions             int
	Pending              int
	Appends              uint64
	ProofFetches         uint64
	HeadMigrations       uint64
	StaleMigrations      uint64
	VerificationFailures uint64
	RequestsServed       uint64
}

// Replicator holds one replica of a producer-signed log and keeps it in
// sync with its peers. Every state transition runs under a single lock;
// network I/O and user callbacks never do.
type Replicator struct {
	id       Identity
	hasher   Hasher
	codec    wire.Codec
	store    Store
	log      *slog.Logger
	onHead   func(uint64)
	maxFrame int

	mu       sync.Mutex
	rng      *rand.Rand
	entries  map[uint64]*Entry
	nodes    map[uint64][]byte
	have     *bitfield.Bitfield
	head     int64
	sessions []*Session
	pending  pendingQueue
	updating bool
	stats    Stats
	closed   bool
	deferred []func()

	wg sync.WaitGroup
}

// New creates a replicator for the log named by cfg.Identity and loads
// whatever cfg.Store already holds.
func New(cfg Config) (*Replicator, error) {
	if len(cfg.Identity.PublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(cfg.Identity.PublicKey))
	}
	if cfg.Identity.SecretKey != nil {
		if !cfg.Identity.CanAppend() {
			return nil, fmt.Errorf("secret key must be %d bytes, got %d", ed25519.PrivateKeySize, len(cfg.Identity.SecretKey))
		}
		if !bytes.Equal(cfg.Identity.SecretKey.Public().(ed25519.PublicKey), cfg.Identity.PublicKey) {
			return nil, errors.New("secret key does not match public key")
		}
	}

	r := &Replicator{
		id:       cfg.Identity,
		hasher:   cfg.Hasher,
		codec:    cfg.Codec,
		store:    cfg.Store,
		log:      cfg.Logger,
		onHead:   cfg.OnHead,
		maxFrame: cfg.MaxFrameSize,
		entries:  make(map[uint64]*Entry),
		nodes:    make(map[uint64][]byte),
		have:     bitfield.New(),
		head:     -1,
	}
	if r.hasher == nil {
		r.hasher = SHA256
	}
	if r.codec == nil {
		r.codec = wire.ProtoCodec{}
	}
	if r.log == nil {
		r.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	src := cfg.Rand
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	r.rng = rand.New(src)

	if r.store != nil {
		if err := r.load(); err != nil {
			return nil, fmt.Errorf("load store: %w", err)
		}
	}
	return r, nil
}

// load replays the store into memory. Values the store holds were
// verified before they were written.
func (r *Replicator) load() error {
	nodes, stopNodes, err := r.store.Nodes()
	if err != nil {
		return err
	}
	for n := range nodes {
		if _, ok := r.nodes[n.ID]; !ok {
			r.nodes[n.ID] = n.Hash
		}
	}
	if err := stopNodes(); err != nil {
		return fmt.Errorf("read nodes: %w", err)
	}

	entries, stopEntries, err := r.store.Iter(0)
	if err != nil {
		return err
	}
	for e := range entries {
		if _, ok := r.entries[e.Index]; ok {
			continue
		}
		if e.Block == nil {
			e.Block = []byte{}
		}
		r.entries[e.Index] = &e
		r.have.Set(e.Index, true)
		if int64(e.Index) > r.head {
			r.head = int64(e.Index)
		}
	}
	if err := stopEntries(); err != nil {
		return fmt.Errorf("read entries: %w", err)
	}

	if r.head >= 0 {
		r.log.Info("loaded log", "head", r.head, "entries", len(r.entries), "nodes", len(r.nodes))
	}
	return nil
}

func (r *Replicator) lock() {
	r.mu.Lock()
}

// unlock releases the lock and then runs the callbacks queued while it
// was held.
func (r *Replicator) unlock() {
	fns := r.deferred
	r.deferred = nil
	r.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// later queues fn to run after the lock is released (caller must hold lock).
func (r *Replicator) later(fn func()) {
	r.deferred = append(r.deferred, fn)
}

func (r *Replicator) complete(done completion, data []byte, err error) {
	r.later(func() { done(data, err) })
}

// Attach starts a session over conn. The replicator owns conn from here
// on and closes it when the session ends.
func (r *Replicator) Attach(conn io.ReadWriteCloser) (*Session, error) {
	r.lock()
	defer r.unlock()
	if r.closed {
		_ = conn.Close()
		return nil, ErrClosed
	}

	s := newSession(conn, r.codec, r.maxFrame, r, r.log)
	s.send(&wire.Handshake{
		Protocol: wire.ProtocolVersion,
		Hash:     r.hasher.Name(),
		Blocks:   r.have.Bytes(),
	})
	r.sessions = append(r.sessions, s)
	s.start(&r.wg)
	s.log.Info("session attached")
	return s, nil
}

func (r *Replicator) onHandshake(s *Session, m *wire.Handshake) error {
	if m.Protocol != wire.ProtocolVersion {
		return fmt.Errorf("%w: protocol version %d, want %d", ErrProtocol, m.Protocol, wire.ProtocolVersion)
	}
	name := m.Hash
	if name == "" {
		name = SHA256.Name()
	}
	if name != r.hasher.Name() {
		return fmt.Errorf("%w: peer hashes with %q, want %q", ErrProtocol, name, r.hasher.Name())
	}

	blocks := bitfield.FromBytes(m.Blocks)
	head := int64(-1)
	if last, ok := blocks.Last(); ok {
		if last >= maxIndex {
			return fmt.Errorf("%w: handshake index %d out of range", ErrProtocol, last)
		}
		head = int64(last)
	}

	r.lock()
	defer r.unlock()
	s.blocks = blocks
	s.head = head
	s.log.Debug("handshake", "head", head)
	r.update()
	return nil
}

func (r *Replicator) onHave(s *Session, m *wire.Have) error {
	if m.Index >= maxIndex {
		return fmt.Errorf("%w: have index %d out of range", ErrProtocol, m.Index)
	}

	r.lock()
	defer r.unlock()
	s.blocks.Set(m.Index, true)
	if int64(m.Index) > s.head {
		s.head = int64(m.Index)
	}
	r.update()
	return nil
}

func (r *Replicator) onRequest(s *Session, m *wire.Request) error {
	r.lock()
	defer r.unlock()

	res := &wire.Response{ID: m.ID, Tree: make([][]byte, len(m.Tree))}
	for i, id := range m.Tree {
		if h, ok := r.derive(id); ok {
			res.Tree[i] = h
		} else {
			res.Tree[i] = []byte{}
		}
	}
	if e, ok := r.entries[m.Index]; ok {
		if m.Digest {
			res.Data = e.Digest
		} else {
			res.Data = e.Block
		}
		if m.Signature {
			res.Signature = e.Signature
		}
	}
	r.stats.RequestsServed++
	s.send(res)
	return nil
}

func (r *Replicator) onClose(s *Session, cause error) {
	r.lock()
	defer r.unlock()
	if i := slices.Index(r.sessions, s); i >= 0 {
		r.sessions = slices.Delete(r.sessions, i, i+1)
	}
}

// derive returns the value of node id, computing it from cached
// descendants when it is not cached itself (caller must hold lock).
func (r *Replicator) derive(id uint64) ([]byte, bool) {
	return deriveNode(r.nodes, r.hasher, id)
}

// deriveNode looks id up in nodes or computes it from its children,
// caching whatever it computes. Values computed from verified children are
// verified.
func deriveNode(nodes map[uint64][]byte, h Hasher, id uint64) ([]byte, bool) {
	if v, ok := nodes[id]; ok {
		return v, true
	}
	left, right, ok := flattree.Children(id)
	if !ok {
		return nil, false
	}
	lh, ok := deriveNode(nodes, h, left)
	if !ok {
		return nil, false
	}
	rh, ok := deriveNode(nodes, h, right)
	if !ok {
		return nil, false
	}
	v := combine(h, lh, rh)
	nodes[id] = v
	return v, true
}

// commit records verified state: forest values first, then the entry,
// which becomes available. A node that is already cached with a different
// value fails the whole commit and nothing changes.
func (r *Replicator) commit(e *Entry, nodes []Node) error {
	fresh := make([]Node, 0, len(nodes))
	seen := make(map[uint64][]byte, len(nodes))
	for _, n := range nodes {
		cur, ok := r.nodes[n.ID]
		if !ok {
			cur, ok = seen[n.ID]
		}
		if ok {
			if !hashEqual(cur, n.Hash) {
				return fmt.Errorf("%w: node %d conflicts with a verified value", ErrVerification, n.ID)
			}
			continue
		}
		seen[n.ID] = n.Hash
		fresh = append(fresh, n)
	}
	if e != nil {
		if _, ok := r.entries[e.Index]; ok {
			e = nil
		}
	}

	if r.store != nil && (e != nil || len(fresh) > 0) {
		if err := r.store.Commit(e, fresh); err != nil {
			if e != nil {
				return fmt.Errorf("commit entry %d: %w", e.Index, err)
			}
			return fmt.Errorf("commit nodes: %w", err)
		}
	}

	for _, n := range fresh {
		r.nodes[n.ID] = n.Hash
	}
	if e != nil {
		r.entries[e.Index] = e
		r.markAvailable(e.Index)
	}
	return nil
}

// markAvailable announces index to every session and advances the head.
func (r *Replicator) markAvailable(index uint64) {
	r.have.Set(index, true)
	for _, s := range r.sessions {
		s.send(&wire.Have{Index: index})
	}
	if int64(index) > r.head {
		r.head = int64(index)
		r.log.Info("head advanced", "head", index)
		if fn := r.onHead; fn != nil {
			r.later(func() { fn(index) })
		}
	}
	r.update()
}

// selectSession picks uniformly among the live sessions that hold index,
// in one pass.
func (r *Replicator) selectSession(index uint64) *Session {
	var selected *Session
	found := 0
	for _, s := range r.sessions {
		if s.blocks == nil || !s.blocks.Get(index) || s.isClosed() {
			continue
		}
		found++
		if r.rng.IntN(found) == 0 {
			selected = s
		}
	}
	return selected
}

// update re-scans the pending queue and dispatches every fetch that can now
// be served, each exactly once.
func (r *Replicator) update() {
	if r.updating {
		return
	}
	r.updating = true
	defer func() { r.updating = false }()

	r.pending.each(func(p *pendingFetch) {
		if e, ok := r.entries[p.index]; ok {
			r.pending.remove(p)
			r.complete(p.done, e.Block, nil)
			return
		}
		s := r.selectSession(p.index)
		if s == nil {
			return
		}
		r.pending.remove(p)
		r.fetch(s, p.index, p.done)
	})
}

// get resolves index locally, dispatches it to a session or queues it. The
// returned ticket is non-nil only when the fetch was queued.
func (r *Replicator) get(index uint64, done completion) *pendingFetch {
	if e, ok := r.entries[index]; ok {
		r.complete(done, e.Block, nil)
		return nil
	}
	if s := r.selectSession(index); s != nil {
		r.fetch(s, index, done)
		return nil
	}
	return r.pending.push(index, done)
}

// fetch retrieves index from s. When s is ahead of the local head and the
// index lies beyond it, the head is migrated first so that the proof has a
// trusted anchor.
func (r *Replicator) fetch(s *Session, index uint64, done completion) {
	if s.head <= r.head || int64(index) <= r.head {
		r.fetchProof(s, index, done)
		return
	}
	r.migrate(s, func(err error) {
		if err != nil {
			r.complete(done, nil, err)
			return
		}
		r.fetchProof(s, index, done)
	})
}

// noteFailure counts and logs a failed verification (caller must hold lock).
func (r *Replicator) noteFailure(s *Session, index uint64, err error) {
	if errors.Is(err, ErrVerification) {
		r.stats.VerificationFailures++
		s.log.Warn("verification failed", "index", index, "error", err)
	}
}

type result struct {
	data []byte
	err  error
}

// Get returns block index, fetching and verifying it from peers when it is
// not held locally. It waits until some peer can serve the index or ctx is
// done; a cancelled wait is taken off the pending queue.
func (r *Replicator) Get(ctx context.Context, index uint64) ([]byte, error) {
	if index >= maxIndex {
		return nil, fmt.Errorf("index %d out of range", index)
	}
	ch := make(chan result, 1)
	r.lock()
	if r.closed {
		r.unlock()
		return nil, ErrClosed
	}
	ticket := r.get(index, func(data []byte, err error) {
		ch <- result{data: data, err: err}
	})
	r.unlock()

	select {
	case res := <-ch:
		return bytes.Clone(res.data), res.err
	case <-ctx.Done():
		r.lock()
		r.pending.remove(ticket)
		r.unlock()
		// a completion queued before the removal still wins
		select {
		case res := <-ch:
			return bytes.Clone(res.data), res.err
		default:
		}
		return nil, ctx.Err()
	}
}

// Has reports whether block index is held locally.
func (r *Replicator) Has(index uint64) bool {
	r.lock()
	defer r.unlock()
	_, ok := r.entries[index]
	return ok
}

// Entry returns a copy of the entry at index.
func (r *Replicator) Entry(index uint64) (Entry, bool) {
	r.lock()
	defer r.unlock()
	e, ok := r.entries[index]
	if !ok {
		return Entry{}, false
	}
	return Entry{
		Index:     e.Index,
		Block:     bytes.Clone(e.Block),
		Digest:    bytes.Clone(e.Digest),
		Signature: bytes.Clone(e.Signature),
	}, true
}

// Node returns the cached forest value for id.
func (r *Replicator) Node(id uint64) ([]byte, bool) {
	r.lock()
	defer r.unlock()
	h, ok := r.nodes[id]
	return bytes.Clone(h), ok
}

// Head returns the highest index known to be authentic.
func (r *Replicator) Head() (uint64, bool) {
	r.lock()
	defer r.unlock()
	if r.head < 0 {
		return 0, false
	}
	return uint64(r.head), true
}

// Len returns the number of blocks held locally.
func (r *Replicator) Len() int {
	r.lock()
	defer r.unlock()
	return len(r.entries)
}

// Identity returns the producer identity the replicator verifies against.
func (r *Replicator) Identity() Identity {
	return r.id.Public()
}

// Sessions returns the live sessions.
func (r *Replicator) Sessions() []*Session {
	r.lock()
	defer r.unlock()
	return slices.Clone(r.sessions)
}

// Stats returns a snapshot of the counters.
func (r *Replicator) Stats() Stats {
	r.lock()
	defer r.unlock()
	st := r.stats
	st.Sessions = len(r.sessions)
	st.Pending = r.pending.len()
	return st
}

// Close ends every session, fails queued fetches with ErrClosed and closes
// the store.
func (r *Replicator) Close() error {
	r.lock()
	if r.closed {
		r.unlock()
		return nil
	}
	r.closed = true
	sessions := slices.Clone(r.sessions)
	for _, p := range r.pending.drain() {
		r.complete(p.done, nil, ErrClosed)
	}
	r.unlock()

	for _, s := range sessions {
		_ = s.Close()
	}
	r.wg.Wait()

	if r.store != nil {
		return r.store.Close()
	}
	return nil
}
