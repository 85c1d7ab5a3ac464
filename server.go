package signedlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Serve accepts connections on ln and attaches a session to each until ctx
// is done or the replicator is closed. It closes ln before returning.
func (r *Replicator) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer ln.Close()

	r.log.Info("serving", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		if _, err := r.Attach(conn); err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// ListenAndServe listens on the TCP address addr and calls Serve.
func (r *Replicator) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return r.Serve(ctx, ln)
}

// Status is the JSON document served by HandleStatus.
type Status struct {
	PublicKey string `json:"public_key"`
	Hash      string `json:"hash"`
	Head      int64  `json:"head"`
	Blocks    int    `json:"blocks"`
	Stats     Stats  `json:"stats"`
}

// HandleStatus reports the local head and counters as JSON.
func (r *Replicator) HandleStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st := Status{
		PublicKey: fmt.Sprintf("%x", r.id.PublicKey),
		Hash:      r.hasher.Name(),
		Head:      -1,
		Blocks:    r.Len(),
		Stats:     r.Stats(),
	}
	if head, ok := r.Head(); ok {
		st.Head = int64(head)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(st)
}

// SetupRoutes mounts the WebSocket endpoint and the status document on mux.
func (r *Replicator) SetupRoutes(mux *http.ServeMux) {
	mux.Handle(WebSocketPath, r.WebSocketHandler())
	mux.HandleFunc(WebSocketPath+"/status", r.HandleStatus)
}

// ListenAndServeHTTP serves SetupRoutes on addr until ctx is done.
func (r *Replicator) ListenAndServeHTTP(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	r.SetupRoutes(mux)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	})
	defer stop()

	r.log.Info("serving http", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http %s: %w", addr, err)
	}
	return nil
}
