package signedlog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/klauspost/compress/zstd"
)

// fileStore implements Store using POSIX files with append-only semantics.
// File format:
//   - entries.dat: log entries in commit order
//   - nodes.dat: forest values in commit order
//
// Entry format in entries.dat:
//
//	[8]byte: index (uint64)
//	[1]byte: flags (bit 0: block is zstd compressed)
//	[4]byte: block length (uint32)
//	[n]byte: block
//	[1]byte: digest length
//	[n]byte: digest
//	[1]byte: signature length (0 when absent)
//	[n]byte: signature
//
// Node format in nodes.dat:
//
//	[8]byte: node id (uint64)
//	[1]byte: hash length
//	[n]byte: hash
type fileStore struct {
	dir     string
	entries *os.File
	nodes   *os.File
	enc     *zstd.Encoder // nil unless compression is enabled
	dec     *zstd.Decoder
	mu      sync.RWMutex
}

// FileStoreOptions tunes OpenFileStore.
type FileStoreOptions struct {
	// Compress stores blocks zstd compressed. Stores written either way
	// can be read back with or without it.
	Compress bool
}

const (
	entriesFileName = "entries.dat"
	nodesFileName   = "nodes.dat"
	entryHeaderSize = 8 + 1 + 4 // idx + flags + block length
	nodeHeaderSize  = 8 + 1     // id + hash length
	maxStoredBlock  = 1 << 30

	flagZstd = 1 << 0
)

var errCorruptRecord = errors.New("corrupt record")

// OpenFileStore creates or opens a POSIX file-based store in the given
// directory. A record torn by an interrupted commit is cut off.
func OpenFileStore(dir string, opts FileStoreOptions) (Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	entries, err := os.OpenFile(filepath.Join(dir, entriesFileName), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open entries file: %w", err)
	}

	nodes, err := os.OpenFile(filepath.Join(dir, nodesFileName), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		_ = entries.Close()
		return nil, fmt.Errorf("open nodes file: %w", err)
	}

	s := &fileStore{dir: dir, entries: entries, nodes: nodes}
	s.dec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	if opts.Compress {
		s.enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
	}

	if err := s.truncateTorn(entries, func(r *bufio.Reader) (int64, error) {
		_, n, err := s.readEntry(r)
		return n, err
	}); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("recover entries file: %w", err)
	}
	if err := s.truncateTorn(nodes, func(r *bufio.Reader) (int64, error) {
		_, n, err := readNode(r)
		return n, err
	}); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("recover nodes file: %w", err)
	}

	return s, nil
}

// Commit writes nodes before the entry so that an entry on disk always has
// its verifying path next to it.
func (s *fileStore) Commit(e *Entry, nodes []Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(nodes) > 0 {
		var buf []byte
		for _, n := range nodes {
			if len(n.Hash) > 0xff {
				return fmt.Errorf("node %d: hash too long", n.ID)
			}
			buf = binary.BigEndian.AppendUint64(buf, n.ID)
			buf = append(buf, byte(len(n.Hash)))
			buf = append(buf, n.Hash...)
		}
		if err := appendLocked(s.nodes, buf); err != nil {
			return fmt.Errorf("write nodes: %w", err)
		}
	}

	if e != nil {
		rec, err := s.encodeEntry(e)
		if err != nil {
			return err
		}
		if err := appendLocked(s.entries, rec); err != nil {
			return fmt.Errorf("write entry %d: %w", e.Index, err)
		}
	}

	return nil
}

func (s *fileStore) encodeEntry(e *Entry) ([]byte, error) {
	if len(e.Digest) > 0xff || len(e.Signature) > 0xff {
		return nil, fmt.Errorf("entry %d: digest or signature too long", e.Index)
	}

	var flags byte
	block := e.Block
	if s.enc != nil {
		block = s.enc.EncodeAll(e.Block, nil)
		flags |= flagZstd
	}
	if len(block) > maxStoredBlock {
		return nil, fmt.Errorf("entry %d: block too large", e.Index)
	}

	buf := make([]byte, 0, entryHeaderSize+len(block)+2+len(e.Digest)+len(e.Signature))
	buf = binary.BigEndian.AppendUint64(buf, e.Index)
	buf = append(buf, flags)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(block)))
	buf = append(buf, block...)
	buf = append(buf, byte(len(e.Digest)))
	buf = append(buf, e.Digest...)
	buf = append(buf, byte(len(e.Signature)))
	buf = append(buf, e.Signature...)
	return buf, nil
}

// appendLocked writes buf at the end of f and syncs (caller must hold lock).
func appendLocked(f *os.File, buf []byte) error {
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock: %w", err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	n, err := f.Write(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("incomplete write: %d of %d bytes", n, len(buf))
	}
	return f.Sync()
}

// readEntry decodes one entry record. io.EOF means a clean end of file,
// io.ErrUnexpectedEOF a torn record.
func (s *fileStore) readEntry(r *bufio.Reader) (Entry, int64, error) {
	var hdr [entryHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Entry{}, 0, err
	}
	e := Entry{Index: binary.BigEndian.Uint64(hdr[0:8])}
	flags := hdr[8]
	n := binary.BigEndian.Uint32(hdr[9:13])
	if n > maxStoredBlock {
		return Entry{}, 0, fmt.Errorf("entry %d: block length %d: %w", e.Index, n, errCorruptRecord)
	}

	block := make([]byte, n)
	if _, err := io.ReadFull(r, block); err != nil {
		return Entry{}, 0, torn(err)
	}
	digest, err := readShort(r)
	if err != nil {
		return Entry{}, 0, err
	}
	sig, err := readShort(r)
	if err != nil {
		return Entry{}, 0, err
	}
	size := int64(entryHeaderSize) + int64(n) + 2 + int64(len(digest)) + int64(len(sig))

	if flags&flagZstd != 0 {
		block, err = s.dec.DecodeAll(block, make([]byte, 0, len(block)))
		if err != nil {
			return Entry{}, 0, fmt.Errorf("entry %d: %w: %v", e.Index, errCorruptRecord, err)
		}
	}
	e.Block = block
	e.Digest = digest
	if len(sig) > 0 {
		e.Signature = sig
	}
	return e, size, nil
}

func readNode(r *bufio.Reader) (Node, int64, error) {
	var hdr [nodeHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Node{}, 0, err
	}
	hash := make([]byte, hdr[8])
	if _, err := io.ReadFull(r, hash); err != nil {
		return Node{}, 0, torn(err)
	}
	return Node{ID: binary.BigEndian.Uint64(hdr[0:8]), Hash: hash}, nodeHeaderSize + int64(len(hash)), nil
}

func readShort(r *bufio.Reader) ([]byte, error) {
	l, err := r.ReadByte()
	if err != nil {
		return nil, torn(err)
	}
	b := make([]byte, l)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, torn(err)
	}
	return b, nil
}

func torn(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// truncateTorn scans f and cuts it after the last complete record.
func (s *fileStore) truncateTorn(f *os.File, read func(*bufio.Reader) (int64, error)) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek to start: %w", err)
	}
	r := bufio.NewReader(f)
	var good int64
	for {
		n, err := read(r)
		switch {
		case err == nil:
			good += n
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, io.ErrUnexpectedEOF):
			if err := f.Truncate(good); err != nil {
				return fmt.Errorf("truncate at %d: %w", good, err)
			}
			return f.Sync()
		default:
			return err
		}
	}
}

// Iter returns a channel that yields entries with index >= startIdx in
// commit order.
func (s *fileStore) Iter(startIdx uint64) (<-chan Entry, func() error, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	file, err := os.Open(filepath.Join(s.dir, entriesFileName))
	if err != nil {
		return nil, nil, fmt.Errorf("open entries file for reading: %w", err)
	}

	out, stop := stream(func(emit func(Entry) bool) error {
		defer file.Close()
		reader := bufio.NewReader(file)
		for {
			e, _, err := s.readEntry(reader)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if e.Index >= startIdx && !emit(e) {
				return nil
			}
		}
	})
	return out, stop, nil
}

// Nodes returns a channel that yields every stored forest value.
func (s *fileStore) Nodes() (<-chan Node, func() error, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	file, err := os.Open(filepath.Join(s.dir, nodesFileName))
	if err != nil {
		return nil, nil, fmt.Errorf("open nodes file for reading: %w", err)
	}

	out, stop := stream(func(emit func(Node) bool) error {
		defer file.Close()
		reader := bufio.NewReader(file)
		for {
			n, _, err := readNode(reader)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if !emit(n) {
				return nil
			}
		}
	})
	return out, stop, nil
}

// Close closes the file store.
func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error

	if s.enc != nil {
		if err := s.enc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close zstd encoder: %w", err))
		}
	}
	if s.dec != nil {
		s.dec.Close()
	}

	if err := s.entries.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close entries file: %w", err))
	}

	if err := s.nodes.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close nodes file: %w", err))
	}

	return errors.Join(errs...)
}
