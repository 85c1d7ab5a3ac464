package signedlog

import "sync"

// Entry is one block of the log together with what authenticates it.
// Signature is set for entries the producer appended and for entries a
// replica learned as a head; entries fetched through a proof carry none.
type Entry struct {
	Index     uint64
	Block     []byte
	Digest    []byte
	Signature []byte
}

// Node is a verified forest value.
type Node struct {
	ID   uint64
	Hash []byte
}

// Store abstracts persistence. Only verified values ever reach it, and a
// value is written at most once per key; stores may ignore duplicates.
type Store interface {
	// Commit durably records an entry and the forest values that verify
	// it. A nil entry records nodes only.
	Commit(e *Entry, nodes []Node) error
	// Iter streams entries with Index >= start. The returned func stops
	// the stream and reports any error hit while reading.
	Iter(start uint64) (<-chan Entry, func() error, error)
	// Nodes streams every recorded forest value.
	Nodes() (<-chan Node, func() error, error)
	Close() error
}

// stream runs produce on its own goroutine and hands its values out on a
// buffered channel. The returned stop func may be called before the channel
// is drained; it waits for produce to return and reports its error.
func stream[T any](produce func(emit func(T) bool) error) (<-chan T, func() error) {
	out := make(chan T, 64)
	done := make(chan struct{})
	finished := make(chan struct{})
	var err error

	go func() {
		defer close(finished)
		defer close(out)
		err = produce(func(v T) bool {
			select {
			case out <- v:
				return true
			case <-done:
				return false
			}
		})
	}()

	var once sync.Once
	stop := func() error {
		once.Do(func() { close(done) })
		<-finished
		return err
	}
	return out, stop
}
