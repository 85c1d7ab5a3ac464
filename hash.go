package signedlog

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"hash"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
)

// Hasher is the content hash used for block digests and forest values.
// Producer and replicas must agree on it; the name travels in the
// handshake.
type Hasher interface {
	Name() string
	Size() int
	// Sum hashes the concatenation of chunks.
	Sum(chunks ...[]byte) []byte
}

type stdHasher struct {
	name string
	size int
	new  func() hash.Hash
}

func (h stdHasher) Name() string { return h.name }
func (h stdHasher) Size() int    { return h.size }

func (h stdHasher) Sum(chunks ...[]byte) []byte {
	d := h.new()
	for _, c := range chunks {
		_, _ = d.Write(c)
	}
	return d.Sum(nil)
}

// SHA256 is the default hasher.
var SHA256 Hasher = stdHasher{name: "sha256", size: sha256.Size, new: sha256.New}

// BLAKE2b256 is BLAKE2b with a 32 byte output.
var BLAKE2b256 Hasher = stdHasher{name: "blake2b-256", size: blake2b.Size256, new: func() hash.Hash {
	d, err := blake2b.New256(nil)
	if err != nil {
		// only fails for an oversized key
		panic(err)
	}
	return d
}}

// BLAKE3 is unkeyed BLAKE3 with a 32 byte output.
var BLAKE3 Hasher = stdHasher{name: "blake3", size: 32, new: func() hash.Hash { return blake3.New() }}

// HasherByName resolves a hasher name. The empty name selects SHA256.
func HasherByName(name string) (Hasher, error) {
	switch name {
	case "", SHA256.Name():
		return SHA256, nil
	case BLAKE2b256.Name():
		return BLAKE2b256, nil
	case BLAKE3.Name():
		return BLAKE3, nil
	default:
		return nil, fmt.Errorf("unknown hash %q", name)
	}
}

// Identity names the producer of a log. Replicas carry only the public
// key; the producer also holds the secret key and is the only party that
// can append.
type Identity struct {
	PublicKey ed25519.PublicKey
	SecretKey ed25519.PrivateKey
}

// GenerateIdentity creates a fresh producer identity.
func GenerateIdentity() (Identity, error) {
	pub, sec, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, err
	}
	return Identity{PublicKey: pub, SecretKey: sec}, nil
}

// Public returns the identity without its secret key, which is what
// replicas are configured with.
func (id Identity) Public() Identity {
	return Identity{PublicKey: id.PublicKey}
}

// CanAppend reports whether the identity holds a usable secret key.
func (id Identity) CanAppend() bool {
	return len(id.SecretKey) == ed25519.PrivateKeySize
}

func (id Identity) sign(msg []byte) []byte {
	return ed25519.Sign(id.SecretKey, msg)
}

func (id Identity) verify(msg, sig []byte) bool {
	return len(sig) == ed25519.SignatureSize && ed25519.Verify(id.PublicKey, msg, sig)
}

// checkpoint folds a block digest with the peaks that preceded it. This is
// the value stored at the block's leaf and the value the producer signs.
func checkpoint(h Hasher, digest []byte, peaks [][]byte) []byte {
	chunks := make([][]byte, 0, len(peaks)+1)
	chunks = append(chunks, digest)
	chunks = append(chunks, peaks...)
	return h.Sum(chunks...)
}

// combine hashes two siblings; left is the one with the smaller id.
func combine(h Hasher, left, right []byte) []byte {
	return h.Sum(left, right)
}

func hashEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}
