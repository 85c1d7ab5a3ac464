package signedlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/gorilla/websocket"
)

// WebSocketPath is where SetupRoutes mounts WebSocketHandler.
const WebSocketPath = "/signedlog"

var errTextMessage = fmt.Errorf("%w: websocket text message", ErrProtocol)

// wsConn carries a session's byte stream in binary WebSocket messages.
// Message boundaries mean nothing to the reader.
type wsConn struct {
	c *websocket.Conn
	r io.Reader
}

func (w *wsConn) Read(p []byte) (int, error) {
	for {
		if w.r == nil {
			typ, r, err := w.c.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				return 0, errTextMessage
			}
			w.r = r
		}
		n, err := w.r.Read(p)
		if errors.Is(err, io.EOF) {
			w.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (w *wsConn) Write(p []byte) (int, error) {
	if err := w.c.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConn) Close() error {
	return w.c.Close()
}

func (w *wsConn) RemoteAddr() net.Addr {
	return w.c.RemoteAddr()
}

// WebSocketHandler upgrades every request to a WebSocket and attaches a
// session to it.
func (r *Replicator) WebSocketHandler() http.Handler {
	up := websocket.Upgrader{
		ReadBufferSize:  32 << 10,
		WriteBufferSize: 32 << 10,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		c, err := up.Upgrade(w, req, nil)
		if err != nil {
			r.log.Warn("websocket upgrade failed", "remote", req.RemoteAddr, "error", err)
			return
		}
		if _, err := r.Attach(&wsConn{c: c}); err != nil {
			r.log.Debug("websocket session refused", "remote", req.RemoteAddr, "error", err)
		}
	})
}

// DialWebSocket connects to a peer's WebSocket endpoint (ws:// or wss://)
// and attaches a session to it.
func (r *Replicator) DialWebSocket(ctx context.Context, url string) (*Session, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return r.Attach(&wsConn{c: c})
}
