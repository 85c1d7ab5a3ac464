package signedlog

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/karasz/signedlog/wire"
)

const testTimeout = 5 * time.Second

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func newTestIdentity(t *testing.T) Identity {
	t.Helper()
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func newTestReplicator(t *testing.T, cfg Config) *Replicator {
	t.Helper()
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// newProducer returns a producer that already holds n blocks named
// "block-0".."block-n-1".
func newProducer(t *testing.T, id Identity, n int) *Replicator {
	t.Helper()
	p := newTestReplicator(t, Config{Identity: id})
	appendBlocks(t, p, 0, n)
	return p
}

func appendBlocks(t *testing.T, p *Replicator, from, to int) {
	t.Helper()
	for i := from; i < to; i++ {
		idx, err := p.Append(blockName(i))
		if err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
		if idx != uint64(i) {
			t.Fatalf("Append returned index %d, want %d", idx, i)
		}
	}
}

func blockName(i int) []byte {
	return []byte(fmt.Sprintf("block-%d", i))
}

func connect(t *testing.T, a, b *Replicator) (*Session, *Session) {
	t.Helper()
	sa, sb, err := Pipe(a, b)
	if err != nil {
		t.Fatalf("Pipe failed: %v", err)
	}
	return sa, sb
}

func mustGet(t *testing.T, r *Replicator, index uint64) []byte {
	t.Helper()
	data, err := r.Get(testContext(t), index)
	if err != nil {
		t.Fatalf("Get %d failed: %v", index, err)
	}
	return data
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// interpose connects a and b through a proxy that decodes every frame
// going from a to b and hands it to tamper before passing it on.
func interpose(t *testing.T, a, b *Replicator, tamper func(wire.Message)) {
	t.Helper()
	a1, a2 := net.Pipe()
	b1, b2 := net.Pipe()
	if _, err := a.Attach(a1); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Attach(b1); err != nil {
		t.Fatal(err)
	}
	go forward(b2, a2, tamper)
	go forward(a2, b2, func(wire.Message) {})
}

func forward(dst, src net.Conn, tamper func(wire.Message)) {
	codec := wire.ProtoCodec{}
	r := wire.NewReader(src, codec, 0)
	w := wire.NewWriter(dst, codec)
	for {
		m, err := r.ReadMessage()
		if err != nil {
			_ = dst.Close()
			return
		}
		tamper(m)
		if err := w.WriteMessage(m); err != nil {
			_ = src.Close()
			return
		}
	}
}

// tamperResponses returns a tamper func that applies fn to responses while
// the switch is on.
func tamperResponses(on *atomic.Bool, fn func(*wire.Response)) func(wire.Message) {
	return func(m wire.Message) {
		if res, ok := m.(*wire.Response); ok && on.Load() {
			fn(res)
		}
	}
}

// rawPeer speaks the wire protocol by hand.
type rawPeer struct {
	t    *testing.T
	conn net.Conn
	r    *wire.Reader
	w    *wire.Writer
}

func attachRaw(t *testing.T, rep *Replicator) (*rawPeer, *Session) {
	t.Helper()
	a, b := net.Pipe()
	s, err := rep.Attach(a)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Close() })
	codec := wire.ProtoCodec{}
	return &rawPeer{t: t, conn: b, r: wire.NewReader(b, codec, 0), w: wire.NewWriter(b, codec)}, s
}

func (p *rawPeer) write(m wire.Message) {
	p.t.Helper()
	_ = p.conn.SetWriteDeadline(time.Now().Add(testTimeout))
	if err := p.w.WriteMessage(m); err != nil {
		p.t.Fatalf("raw peer write: %v", err)
	}
}

func (p *rawPeer) read() wire.Message {
	p.t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(testTimeout))
	m, err := p.r.ReadMessage()
	if err != nil {
		p.t.Fatalf("raw peer read: %v", err)
	}
	return m
}

// drain discards everything the replicator sends until the stream ends.
func (p *rawPeer) drain() {
	for {
		if _, err := p.r.ReadMessage(); err != nil {
			return
		}
	}
}

// readUntil reads and discards messages until one of type typ arrives.
func (p *rawPeer) readUntil(typ wire.Type) wire.Message {
	p.t.Helper()
	for {
		if m := p.read(); m.Type() == typ {
			return m
		}
	}
}

func waitDestroyed(t *testing.T, s *Session) error {
	t.Helper()
	select {
	case <-s.Done():
		return s.Err()
	case <-time.After(testTimeout):
		t.Fatal("session was not destroyed")
		return nil
	}
}
