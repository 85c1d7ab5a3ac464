package signedlog

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/karasz/signedlog/wire"
)

func TestHasherByName(t *testing.T) {
	for _, tc := range []struct {
		name string
		want Hasher
	}{
		{"", SHA256},
		{"sha256", SHA256},
		{"blake2b-256", BLAKE2b256},
		{"blake3", BLAKE3},
	} {
		h, err := HasherByName(tc.name)
		if err != nil {
			t.Fatalf("HasherByName(%q) failed: %v", tc.name, err)
		}
		if h.Name() != tc.want.Name() {
			t.Errorf("HasherByName(%q) = %s, want %s", tc.name, h.Name(), tc.want.Name())
		}
		if got := len(h.Sum([]byte("x"))); got != h.Size() {
			t.Errorf("%s: Sum is %d bytes, Size says %d", h.Name(), got, h.Size())
		}
	}
	if _, err := HasherByName("md5"); err == nil {
		t.Error("HasherByName accepted an unknown hash")
	}
}

func TestHasher_ChunksConcatenate(t *testing.T) {
	for _, h := range []Hasher{SHA256, BLAKE2b256, BLAKE3} {
		if !bytes.Equal(h.Sum([]byte("ab"), []byte("c")), h.Sum([]byte("abc"))) {
			t.Errorf("%s: chunked sum differs from the joined sum", h.Name())
		}
	}
	if bytes.Equal(SHA256.Sum([]byte("abc")), BLAKE3.Sum([]byte("abc"))) {
		t.Error("distinct hashers produced the same digest")
	}
}

func TestReplicate_AlternativeHashers(t *testing.T) {
	for _, h := range []Hasher{BLAKE2b256, BLAKE3} {
		t.Run(h.Name(), func(t *testing.T) {
			id := newTestIdentity(t)
			p := newTestReplicator(t, Config{Identity: id, Hasher: h})
			appendBlocks(t, p, 0, 6)
			r := newTestReplicator(t, Config{Identity: id.Public(), Hasher: h})
			connect(t, p, r)

			for i := 5; i >= 0; i-- {
				if got := mustGet(t, r, uint64(i)); !bytes.Equal(got, blockName(i)) {
					t.Fatalf("Get(%d) = %q", i, got)
				}
			}
			e, _ := r.Entry(3)
			if !bytes.Equal(e.Digest, h.Sum(blockName(3))) {
				t.Error("digest not computed with the configured hasher")
			}
		})
	}
}

func TestReplicate_CBORCodec(t *testing.T) {
	id := newTestIdentity(t)
	p := newTestReplicator(t, Config{Identity: id, Codec: wire.CBORCodec{}})
	appendBlocks(t, p, 0, 3)
	r := newTestReplicator(t, Config{Identity: id.Public(), Codec: wire.CBORCodec{}})
	connect(t, p, r)

	if got := mustGet(t, r, 1); !bytes.Equal(got, blockName(1)) {
		t.Fatalf("Get(1) = %q", got)
	}
}

func TestIdentity(t *testing.T) {
	id := newTestIdentity(t)
	if !id.CanAppend() {
		t.Error("generated identity cannot append")
	}
	pub := id.Public()
	if pub.CanAppend() || !bytes.Equal(pub.PublicKey, id.PublicKey) {
		t.Error("Public() kept the secret key or changed the public key")
	}

	sig := id.sign([]byte("checkpoint"))
	if !pub.verify([]byte("checkpoint"), sig) {
		t.Error("signature does not verify")
	}
	if pub.verify([]byte("checkpoint!"), sig) {
		t.Error("signature verifies for another message")
	}
	if pub.verify([]byte("checkpoint"), sig[:10]) {
		t.Error("truncated signature verifies")
	}
}

func TestIsRetryable(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want bool
	}{
		{ErrDestroyed, true},
		{fmt.Errorf("fetch 3: %w", ErrDestroyed), true},
		{ErrVerification, false},
		{ErrClosed, false},
		{ErrAppendPermission, false},
		{errors.New("other"), false},
	} {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestHashEqual(t *testing.T) {
	a := SHA256.Sum([]byte("a"))
	if !hashEqual(a, bytes.Clone(a)) {
		t.Error("equal hashes compare unequal")
	}
	if hashEqual(a, a[:31]) {
		t.Error("hashes of different length compare equal")
	}
	b := bytes.Clone(a)
	b[31] ^= 1
	if hashEqual(a, b) {
		t.Error("hashes differing in the last byte compare equal")
	}
	if !hashEqual(nil, nil) {
		t.Error("two empty hashes compare unequal")
	}
}
