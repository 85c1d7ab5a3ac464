package signedlog

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newHTTPPeer(t *testing.T, r *Replicator) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	r.SetupRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + WebSocketPath
}

func TestWebSocket_Replicates(t *testing.T) {
	id := newTestIdentity(t)
	p := newProducer(t, id, 4)
	ts := newHTTPPeer(t, p)

	r := newTestReplicator(t, Config{Identity: id.Public()})
	s, err := r.DialWebSocket(testContext(t), wsURL(ts))
	if err != nil {
		t.Fatalf("DialWebSocket failed: %v", err)
	}
	if s.RemoteAddr() == "" {
		t.Error("websocket session has no remote address")
	}
	for i := 3; i >= 0; i-- {
		if got := mustGet(t, r, uint64(i)); !bytes.Equal(got, blockName(i)) {
			t.Fatalf("Get(%d) over websocket = %q", i, got)
		}
	}

	res, err := http.Get(ts.URL + WebSocketPath + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status endpoint returned %d", res.StatusCode)
	}
	var st Status
	if err := json.NewDecoder(res.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Head != 3 || st.Blocks != 4 || st.Hash != "sha256" {
		t.Errorf("status = %+v", st)
	}
	if st.Stats.RequestsServed == 0 || st.Stats.Sessions != 1 {
		t.Errorf("status stats = %+v", st.Stats)
	}
}

func TestWebSocket_TextMessageEndsSession(t *testing.T) {
	p := newProducer(t, newTestIdentity(t), 1)
	ts := newHTTPPeer(t, p)

	c, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer c.Close()
	eventually(t, "session attach", func() bool { return len(p.Sessions()) == 1 })

	if err := c.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	eventually(t, "session teardown", func() bool { return len(p.Sessions()) == 0 })
}

func TestHandleStatus_MethodNotAllowed(t *testing.T) {
	ts := newHTTPPeer(t, newProducer(t, newTestIdentity(t), 0))
	res, err := http.Post(ts.URL+WebSocketPath+"/status", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", res.StatusCode)
	}
}

func TestListenAndServeHTTP_StopsOnCancel(t *testing.T) {
	ln := listenLocal(t)
	addr := ln.Addr().String()
	_ = ln.Close()

	p := newProducer(t, newTestIdentity(t), 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- p.ListenAndServeHTTP(ctx, addr) }()

	eventually(t, "http listener", func() bool {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	})

	r := newTestReplicator(t, Config{Identity: p.Identity().Public()})
	if _, err := r.DialWebSocket(testContext(t), "ws://"+addr+WebSocketPath); err != nil {
		t.Fatalf("DialWebSocket failed: %v", err)
	}
	mustGet(t, r, 1)

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("ListenAndServeHTTP returned %v after cancel", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("ListenAndServeHTTP did not return after cancel")
	}
}
