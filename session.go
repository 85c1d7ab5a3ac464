package signedlog

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/karasz/signedlog/bitfield"
	"github.com/karasz/signedlog/wire"
)

// responseFunc receives the outcome of one outstanding request: either the
// peer's response or the error that ended the session.
type responseFunc func(res *wire.Response, err error)

// handler reacts to the inbound messages of a session. Responses are routed
// by the session itself.
type handler interface {
	onHandshake(s *Session, m *wire.Handshake) error
	onHave(s *Session, m *wire.Have) error
	onRequest(s *Session, m *wire.Request) error
	onClose(s *Session, cause error)
}

// Session is one duplex stream to a peer. A reader goroutine decodes
// frames and dispatches them; a writer goroutine drains an unbounded
// outbox, so queuing a message never blocks.
type Session struct {
	ID     uuid.UUID
	remote string

	conn io.ReadWriteCloser
	r    *wire.Reader
	w    *wire.Writer
	h    handler
	log  *slog.Logger

	// read by the reader goroutine only
	handshaken bool

	mu      sync.Mutex
	closed  bool
	closing bool
	cause   error
	slots   []responseFunc
	outbox  []wire.Message
	wake    chan struct{}
	done    chan struct{}

	// owned by the replicator and guarded by its lock
	blocks *bitfield.Bitfield
	head   int64
}

func newSession(conn io.ReadWriteCloser, codec wire.Codec, maxFrame int, h handler, log *slog.Logger) *Session {
	s := &Session{
		ID:   uuid.New(),
		conn: conn,
		r:    wire.NewReader(conn, codec, maxFrame),
		w:    wire.NewWriter(conn, codec),
		h:    h,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		head: -1,
	}
	if c, ok := conn.(interface{ RemoteAddr() net.Addr }); ok && c.RemoteAddr() != nil {
		s.remote = c.RemoteAddr().String()
	}
	s.log = log.With("session", s.ID.String(), "remote", s.remote)
	return s
}

func (s *Session) start(wg *sync.WaitGroup) {
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writeLoop()
	}()
	go func() {
		defer wg.Done()
		s.destroy(s.readLoop())
	}()
}

// RemoteAddr returns the peer address, or "" for streams that have none.
func (s *Session) RemoteAddr() string {
	return s.remote
}

// Done is closed once the session has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the session, nil while it is open or
// after a clean close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Close shuts the stream down. Outstanding requests fail with
// ErrDestroyed once the reader notices.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed || s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()
	return s.conn.Close()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// send queues m. Messages for a closed session are dropped.
func (s *Session) send(m wire.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.enqueueLocked(m)
}

// request assigns req the lowest free id, queues it and registers fn for
// the response. A closed session fails synchronously with ErrDestroyed.
func (s *Session) request(req *wire.Request, fn responseFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDestroyed
	}

	id := len(s.slots)
	for i, slot := range s.slots {
		if slot == nil {
			id = i
			break
		}
	}
	if id == len(s.slots) {
		s.slots = append(s.slots, fn)
	} else {
		s.slots[id] = fn
	}

	req.ID = uint64(id)
	s.enqueueLocked(req)
	return nil
}

// inflight returns the number of outstanding requests.
func (s *Session) inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, slot := range s.slots {
		if slot != nil {
			n++
		}
	}
	return n
}

func (s *Session) enqueueLocked(m wire.Message) {
	s.outbox = append(s.outbox, m)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
		for {
			s.mu.Lock()
			batch := s.outbox
			s.outbox = nil
			s.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, m := range batch {
				if err := s.w.WriteMessage(m); err != nil {
					s.log.Debug("write failed", "error", err)
					// the reader sees the closed stream and tears down
					_ = s.conn.Close()
					return
				}
				s.log.Debug("sent", "type", m.Type())
			}
		}
	}
}

func (s *Session) readLoop() error {
	for {
		m, err := s.r.ReadMessage()
		if err != nil {
			if errors.Is(err, wire.ErrMalformed) || errors.Is(err, wire.ErrFrameTooLarge) {
				return fmt.Errorf("%w: %v", ErrProtocol, err)
			}
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		s.log.Debug("received", "type", m.Type())

		if !s.handshaken {
			hs, ok := m.(*wire.Handshake)
			if !ok {
				return fmt.Errorf("%w: first message is %s, want handshake", ErrProtocol, m.Type())
			}
			s.handshaken = true
			if err := s.h.onHandshake(s, hs); err != nil {
				return err
			}
			continue
		}

		switch v := m.(type) {
		case *wire.Handshake:
			err = fmt.Errorf("%w: second handshake", ErrProtocol)
		case *wire.Have:
			err = s.h.onHave(s, v)
		case *wire.Request:
			err = s.h.onRequest(s, v)
		case *wire.Response:
			s.resolve(v)
		}
		if err != nil {
			return err
		}
	}
}

// resolve hands a response to the request that owns its id and frees the
// slot. Responses for unknown ids are ignored.
func (s *Session) resolve(res *wire.Response) {
	s.mu.Lock()
	var fn responseFunc
	if res.ID < uint64(len(s.slots)) {
		fn = s.slots[res.ID]
		s.slots[res.ID] = nil
		for len(s.slots) > 0 && s.slots[len(s.slots)-1] == nil {
			s.slots = s.slots[:len(s.slots)-1]
		}
	}
	s.mu.Unlock()

	if fn == nil {
		s.log.Debug("response for unknown request", "id", res.ID)
		return
	}
	fn(res, nil)
}

// destroy tears the session down exactly once: the stream is closed, every
// outstanding request fails with ErrDestroyed and the handler is told.
func (s *Session) destroy(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cause = cause
	outstanding := s.slots
	s.slots = nil
	s.outbox = nil
	close(s.done)
	s.mu.Unlock()

	_ = s.conn.Close()

	failure := ErrDestroyed
	if cause != nil {
		failure = fmt.Errorf("%w: %v", ErrDestroyed, cause)
	}
	for _, fn := range outstanding {
		if fn != nil {
			fn(nil, failure)
		}
	}

	if cause != nil {
		s.log.Info("session destroyed", "error", cause)
	} else {
		s.log.Info("session closed")
	}
	s.h.onClose(s, cause)
}
