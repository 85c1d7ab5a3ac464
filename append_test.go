package signedlog

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"sync"
	"testing"
)

func sum(chunks ...[]byte) []byte {
	h := sha256.New()
	for _, c := range chunks {
		h.Write(c)
	}
	return h.Sum(nil)
}

func TestAppend_Checkpoints(t *testing.T) {
	id := newTestIdentity(t)
	p := newProducer(t, id, 3)

	leaf0 := sum(sum(blockName(0)))
	leaf2 := sum(sum(blockName(1)), leaf0)
	node1 := sum(leaf0, leaf2)
	leaf4 := sum(sum(blockName(2)), node1)

	for _, tc := range []struct {
		id   uint64
		want []byte
	}{
		{0, leaf0},
		{2, leaf2},
		{1, node1},
		{4, leaf4},
	} {
		got, ok := p.Node(tc.id)
		if !ok {
			t.Fatalf("node %d not cached", tc.id)
		}
		if !bytes.Equal(got, tc.want) {
			t.Errorf("node %d = %x, want %x", tc.id, got, tc.want)
		}
	}

	for i, leaf := range [][]byte{leaf0, leaf2, leaf4} {
		e, ok := p.Entry(uint64(i))
		if !ok {
			t.Fatalf("entry %d missing", i)
		}
		if !bytes.Equal(e.Block, blockName(i)) {
			t.Errorf("entry %d block = %q", i, e.Block)
		}
		if !bytes.Equal(e.Digest, sum(blockName(i))) {
			t.Errorf("entry %d digest mismatch", i)
		}
		if !ed25519.Verify(id.PublicKey, leaf, e.Signature) {
			t.Errorf("entry %d signature does not cover its leaf", i)
		}
	}

	head, ok := p.Head()
	if !ok || head != 2 {
		t.Errorf("Head() = %d, %v; want 2, true", head, ok)
	}
	if p.Len() != 3 {
		t.Errorf("Len() = %d, want 3", p.Len())
	}
	if st := p.Stats(); st.Appends != 3 {
		t.Errorf("Stats().Appends = %d, want 3", st.Appends)
	}
}

func TestAppend_ReplicaHasNoPermission(t *testing.T) {
	id := newTestIdentity(t)
	r := newTestReplicator(t, Config{Identity: id.Public()})

	_, err := r.Append([]byte("nope"))
	if !errors.Is(err, ErrAppendPermission) {
		t.Fatalf("Append error = %v, want ErrAppendPermission", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d after refused append", r.Len())
	}
	if _, ok := r.Head(); ok {
		t.Error("head moved after refused append")
	}
	if _, ok := r.Node(0); ok {
		t.Error("leaf cached after refused append")
	}
}

func TestAppend_CopiesBlock(t *testing.T) {
	p := newProducer(t, newTestIdentity(t), 0)
	block := []byte("mutable")
	if _, err := p.Append(block); err != nil {
		t.Fatal(err)
	}
	block[0] = 'X'

	e, _ := p.Entry(0)
	if string(e.Block) != "mutable" {
		t.Errorf("stored block changed with caller's slice: %q", e.Block)
	}
}

func TestAppend_EmptyBlock(t *testing.T) {
	id := newTestIdentity(t)
	p := newProducer(t, id, 0)
	if _, err := p.Append(nil); err != nil {
		t.Fatal(err)
	}

	r := newTestReplicator(t, Config{Identity: id.Public()})
	connect(t, p, r)
	data := mustGet(t, r, 0)
	if len(data) != 0 {
		t.Errorf("Get(0) = %q, want empty", data)
	}
}

func TestAppend_OnHead(t *testing.T) {
	var mu sync.Mutex
	var heads []uint64
	p := newTestReplicator(t, Config{
		Identity: newTestIdentity(t),
		OnHead: func(i uint64) {
			mu.Lock()
			heads = append(heads, i)
			mu.Unlock()
		},
	})
	appendBlocks(t, p, 0, 4)

	mu.Lock()
	defer mu.Unlock()
	if len(heads) != 4 {
		t.Fatalf("OnHead called %d times, want 4", len(heads))
	}
	for i, h := range heads {
		if h != uint64(i) {
			t.Errorf("OnHead call %d got %d", i, h)
		}
	}
}

func TestNew_RejectsMismatchedKeys(t *testing.T) {
	a := newTestIdentity(t)
	b := newTestIdentity(t)

	if _, err := New(Config{Identity: Identity{PublicKey: a.PublicKey, SecretKey: b.SecretKey}}); err == nil {
		t.Error("New accepted a secret key for another public key")
	}
	if _, err := New(Config{}); err == nil {
		t.Error("New accepted a missing public key")
	}
}
