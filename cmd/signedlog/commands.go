package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/karasz/signedlog"
	"github.com/karasz/signedlog/wire"
)

const (
	dialTimeout    = 5 * time.Second
	redialInterval = 2 * time.Second
	retryDelay     = 500 * time.Millisecond
	maxLineSize    = 1 << 20
)

func keygenCmd(args []string) error {
	fs := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
	out := fs.String("out", "", "path prefix for the .pub and .key files (required)")
	force := fs.Bool("force", false, "overwrite existing key files")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" {
		return errors.New("--out is required")
	}

	id, err := signedlog.GenerateIdentity()
	if err != nil {
		return err
	}
	pub, key, err := writeKeys(*out, id, *force)
	if err != nil {
		return err
	}
	fmt.Printf("public key: %s\nsecret key: %s\n", pub, key)
	return nil
}

func produceCmd(args []string, logger *slog.Logger) error {
	fs := pflag.NewFlagSet("produce", pflag.ContinueOnError)
	configPath := fs.String("config", "", "configuration file")
	once := fs.Bool("once", false, "exit when stdin ends instead of serving until interrupted")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		return err
	}
	id, err := loadIdentity(cfg.Identity, true)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := newReplicator(cfg, id, logger)
	if err != nil {
		return err
	}
	defer r.Close()

	serveErr := serve(ctx, r, cfg)
	go maintainPeers(ctx, r, cfg.Peers, logger)

	lines := make(chan error, 1)
	go func() { lines <- appendLines(r, os.Stdin, logger) }()

	select {
	case err := <-lines:
		if err != nil {
			return err
		}
		head, _ := r.Head()
		logger.Info("input closed", "blocks", r.Len(), "head", head)
		if *once {
			return nil
		}
	case err := <-serveErr:
		return err
	case <-ctx.Done():
		return nil
	}

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
		return nil
	}
}

// appendLines appends every line of in as one block.
func appendLines(r *signedlog.Replicator, in io.Reader, logger *slog.Logger) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		index, err := r.Append(scanner.Bytes())
		if err != nil {
			return fmt.Errorf("append: %w", err)
		}
		logger.Debug("appended", "index", index, "size", len(scanner.Bytes()))
	}
	return scanner.Err()
}

func replicateCmd(args []string, logger *slog.Logger) error {
	fs := pflag.NewFlagSet("replicate", pflag.ContinueOnError)
	configPath := fs.String("config", "", "configuration file")
	from := fs.Uint64("from", 0, "first index to fetch")
	count := fs.Uint64("count", 0, "number of blocks to fetch (0 follows the log forever)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		return err
	}
	id, err := loadIdentity(cfg.Identity, false)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := newReplicator(cfg, id.Public(), logger)
	if err != nil {
		return err
	}
	defer r.Close()

	serveErr := serve(ctx, r, cfg)
	go maintainPeers(ctx, r, cfg.Peers, logger)
	go stopOnListenerError(serveErr, stop, logger)

	return follow(ctx, r, os.Stdout, *from, *count, logger)
}

// follow writes blocks from onwards to w, one per line, fetching them as
// they become available. count zero never stops.
func follow(ctx context.Context, r *signedlog.Replicator, w io.Writer, from, count uint64, logger *slog.Logger) error {
	out := bufio.NewWriter(w)
	for next := from; count == 0 || next-from < count; {
		data, err := r.Get(ctx, next)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, signedlog.ErrClosed):
			return err
		default:
			logger.Warn("fetch failed, retrying", "index", next, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retryDelay):
			}
			continue
		}

		if _, err := out.Write(data); err != nil {
			return err
		}
		if err := out.WriteByte('\n'); err != nil {
			return err
		}
		if err := out.Flush(); err != nil {
			return err
		}
		next++
	}
	return nil
}

func verifyCmd(args []string, logger *slog.Logger) error {
	fs := pflag.NewFlagSet("verify", pflag.ContinueOnError)
	configPath := fs.String("config", "", "configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if cfg.Store.Backend == "" || cfg.Store.Backend == "memory" {
		return errors.New("verify needs a file or sqlite store")
	}
	id, err := loadIdentity(cfg.Identity, false)
	if err != nil {
		return err
	}
	h, err := signedlog.HasherByName(cfg.Hash)
	if err != nil {
		return err
	}
	st, err := cfg.OpenStore()
	if err != nil {
		return err
	}
	defer st.Close()

	rep, err := signedlog.VerifyStore(st, id.Public(), h)
	if err != nil {
		return fmt.Errorf("%s: %w", cfg.Store.Path, err)
	}
	logger.Info("store verified", "path", cfg.Store.Path, "entries", rep.Entries,
		"signed", rep.Signed, "nodes", rep.Nodes, "head", rep.Head)
	color.Green("ok: %d entries (%d signed), %d nodes, head %d", rep.Entries, rep.Signed, rep.Nodes, rep.Head)
	return nil
}

func newReplicator(cfg *Config, id signedlog.Identity, logger *slog.Logger) (*signedlog.Replicator, error) {
	h, err := signedlog.HasherByName(cfg.Hash)
	if err != nil {
		return nil, err
	}
	codec, err := wire.CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	st, err := cfg.OpenStore()
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	r, err := signedlog.New(signedlog.Config{
		Identity:     id,
		Hasher:       h,
		Codec:        codec,
		Store:        st,
		Logger:       logger,
		MaxFrameSize: cfg.MaxFrameSize,
	})
	if err != nil {
		if st != nil {
			_ = st.Close()
		}
		return nil, err
	}
	return r, nil
}

// serve runs the configured listeners in the background. The returned
// channel yields the first listener error and is nil when nothing listens.
func serve(ctx context.Context, r *signedlog.Replicator, cfg *Config) <-chan error {
	if cfg.Listen == "" && cfg.HTTPListen == "" {
		return nil
	}
	errc := make(chan error, 2)
	if cfg.Listen != "" {
		go func() { errc <- r.ListenAndServe(ctx, cfg.Listen) }()
	}
	if cfg.HTTPListen != "" {
		go func() { errc <- r.ListenAndServeHTTP(ctx, cfg.HTTPListen) }()
	}
	return errc
}

// stopOnListenerError calls stop when a listener fails. A nil errc means
// nothing listens and it returns at once.
func stopOnListenerError(errc <-chan error, stop func(), logger *slog.Logger) {
	if errc == nil {
		return
	}
	if err := <-errc; err != nil {
		logger.Error("listener failed", "error", err)
		stop()
	}
}

func dialPeer(ctx context.Context, r *signedlog.Replicator, addr string) (*signedlog.Session, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return r.DialWebSocket(ctx, addr)
	}
	return r.Dial(ctx, addr)
}

// maintainPeers dials every peer and redials the ones whose session ended
// until ctx is done.
func maintainPeers(ctx context.Context, r *signedlog.Replicator, peers []string, logger *slog.Logger) {
	if len(peers) == 0 {
		return
	}
	sessions := make(map[string]*signedlog.Session, len(peers))
	ticker := time.NewTicker(redialInterval)
	defer ticker.Stop()

	for {
		for _, addr := range peers {
			if s := sessions[addr]; s != nil {
				select {
				case <-s.Done():
					logger.Warn("peer disconnected", "peer", addr, "error", s.Err())
				default:
					continue
				}
			}
			dctx, cancel := context.WithTimeout(ctx, dialTimeout)
			s, err := dialPeer(dctx, r, addr)
			cancel()
			if err != nil {
				if errors.Is(err, signedlog.ErrClosed) || ctx.Err() != nil {
					return
				}
				logger.Warn("dial failed", "peer", addr, "error", err)
				delete(sessions, addr)
				continue
			}
			sessions[addr] = s
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
