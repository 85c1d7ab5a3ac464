package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/karasz/signedlog"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAppendLinesAndFollow(t *testing.T) {
	id, err := signedlog.GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()

	pcfg := Default()
	pcfg.Store = StoreConfig{Backend: "file", Path: filepath.Join(dir, "producer"), Compress: true}
	p, err := newReplicator(pcfg, id, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if err := appendLines(p, strings.NewReader("alpha\nbeta\ngamma\n"), discardLogger()); err != nil {
		t.Fatalf("appendLines failed: %v", err)
	}
	if p.Len() != 3 {
		t.Fatalf("producer holds %d blocks, want 3", p.Len())
	}

	rcfg := Default()
	rcfg.Store = StoreConfig{Backend: "sqlite", Path: filepath.Join(dir, "replica", "log.db")}
	r, err := newReplicator(rcfg, id.Public(), discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := signedlog.Pipe(p, r); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out bytes.Buffer
	if err := follow(ctx, r, &out, 1, 2, discardLogger()); err != nil {
		t.Fatalf("follow failed: %v", err)
	}
	if got := out.String(); got != "beta\ngamma\n" {
		t.Errorf("follow wrote %q", got)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	st, err := rcfg.OpenStore()
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	rep, err := signedlog.VerifyStore(st, id.Public(), nil)
	if err != nil {
		t.Fatalf("VerifyStore failed: %v", err)
	}
	if rep.Entries != 2 || rep.Head != 2 {
		t.Errorf("report = %+v", rep)
	}
}

func TestFollow_StopsOnCancel(t *testing.T) {
	id, _ := signedlog.GenerateIdentity()
	r, err := newReplicator(Default(), id.Public(), discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var out bytes.Buffer
	if err := follow(ctx, r, &out, 0, 0, discardLogger()); err != nil {
		t.Fatalf("follow returned %v on cancel", err)
	}
	if out.Len() != 0 {
		t.Errorf("follow wrote %q with no peers", out.String())
	}
}

func TestNewReplicator_RejectsUnknownNames(t *testing.T) {
	id, _ := signedlog.GenerateIdentity()
	cfg := Default()
	cfg.Hash = "md5"
	if _, err := newReplicator(cfg, id, discardLogger()); err == nil {
		t.Error("expected an error for an unknown hash")
	}
	cfg = Default()
	cfg.Codec = "json"
	if _, err := newReplicator(cfg, id, discardLogger()); err == nil {
		t.Error("expected an error for an unknown codec")
	}
}

func TestDialPeer_WebSocketAndTCP(t *testing.T) {
	id, _ := signedlog.GenerateIdentity()
	p, err := newReplicator(Default(), id, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	if err := appendLines(p, strings.NewReader("one\ntwo\n"), discardLogger()); err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	p.SetupRoutes(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = p.Serve(ctx, ln) }()

	peers := []string{
		"ws" + strings.TrimPrefix(ts.URL, "http") + signedlog.WebSocketPath,
		ln.Addr().String(),
	}
	for _, addr := range peers {
		r, err := newReplicator(Default(), id.Public(), discardLogger())
		if err != nil {
			t.Fatal(err)
		}
		if _, err := dialPeer(ctx, r, addr); err != nil {
			r.Close()
			t.Fatalf("dialPeer(%s) failed: %v", addr, err)
		}
		var out bytes.Buffer
		if err := follow(ctx, r, &out, 0, 2, discardLogger()); err != nil {
			t.Fatalf("follow over %s failed: %v", addr, err)
		}
		if got := out.String(); got != "one\ntwo\n" {
			t.Errorf("follow over %s wrote %q", addr, got)
		}
		r.Close()
	}
}

func TestServe_NothingConfigured(t *testing.T) {
	id, _ := signedlog.GenerateIdentity()
	r, err := newReplicator(Default(), id.Public(), discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	if errc := serve(context.Background(), r, Default()); errc != nil {
		t.Fatal("serve returned a channel with no listener configured")
	}

	done := make(chan struct{})
	go func() {
		stopOnListenerError(nil, func() { t.Error("stop called without a listener") }, discardLogger())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stopOnListenerError blocked on a nil channel")
	}
}

func TestStopOnListenerError(t *testing.T) {
	errc := make(chan error, 1)
	errc <- errors.New("address in use")
	stopped := false
	stopOnListenerError(errc, func() { stopped = true }, discardLogger())
	if !stopped {
		t.Error("listener failure did not stop the command")
	}

	errc <- nil
	stopped = false
	stopOnListenerError(errc, func() { stopped = true }, discardLogger())
	if stopped {
		t.Error("a clean listener exit stopped the command")
	}
}
