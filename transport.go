package signedlog

import (
	"context"
	"fmt"
	"net"
)

// Dial connects to a peer over TCP and attaches a session to the
// connection.
func (r *Replicator) Dial(ctx context.Context, addr string) (*Session, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	s, err := r.Attach(conn)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Pipe connects two replicators in-process over a synchronous in-memory
// stream and returns a's and b's end of it.
func Pipe(a, b *Replicator) (*Session, *Session, error) {
	ca, cb := net.Pipe()
	sa, err := a.Attach(ca)
	if err != nil {
		_ = cb.Close()
		return nil, nil, err
	}
	sb, err := b.Attach(cb)
	if err != nil {
		_ = sa.Close()
		return nil, nil, err
	}
	return sa, sb, nil
}
