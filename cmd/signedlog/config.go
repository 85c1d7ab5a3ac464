package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/karasz/signedlog"
	"github.com/karasz/signedlog/wire"
)

// Config is the node configuration. It is loaded from a single file named
// by --config or SIGNEDLOG_CONFIG; there is no discovery.
type Config struct {
	// Identity names the producer's key files. Replicas set only the
	// public key.
	Identity IdentityConfig `yaml:"identity"`

	// Listen is the TCP address to accept peers on. Empty disables it.
	Listen string `yaml:"listen"`

	// HTTPListen serves the WebSocket endpoint and the status document.
	// Empty disables it.
	HTTPListen string `yaml:"http_listen"`

	// Peers are dialed at startup and redialed when their session ends.
	// A ws:// or wss:// URL is dialed as a WebSocket, anything else as
	// TCP host:port.
	Peers []string `yaml:"peers"`

	Store StoreConfig `yaml:"store"`

	// Hash is the forest hash: sha256 (default), blake2b-256 or blake3.
	// Every node of one log must agree on it.
	Hash string `yaml:"hash"`

	// Codec is the wire encoding: protobuf (default) or cbor.
	Codec string `yaml:"codec"`

	// MaxFrameSize bounds inbound frames. Zero keeps the default.
	MaxFrameSize int `yaml:"max_frame_size"`
}

// IdentityConfig locates hex encoded ed25519 keys.
type IdentityConfig struct {
	PublicKey string `yaml:"public_key"`
	SecretKey string `yaml:"secret_key"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Backend is memory, file or sqlite.
	Backend string `yaml:"backend"`

	// Path is the directory for the file backend and the database file
	// for sqlite.
	Path string `yaml:"path"`

	// Compress enables zstd for blocks in the file backend.
	Compress bool `yaml:"compress"`
}

// Default returns the configuration used for anything the file leaves out.
func Default() *Config {
	return &Config{
		Store: StoreConfig{Backend: "memory"},
		Hash:  signedlog.SHA256.Name(),
		Codec: wire.ProtoCodec{}.Name(),
	}
}

// LoadConfig loads the file at path, or the one named by SIGNEDLOG_CONFIG
// when path is empty.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("SIGNEDLOG_CONFIG")
	}
	if path == "" {
		return nil, errors.New("no configuration: use --config or set SIGNEDLOG_CONFIG")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	// key and store paths are relative to the config file
	base := filepath.Dir(path)
	cfg.Identity.PublicKey = resolvePath(base, cfg.Identity.PublicKey)
	cfg.Identity.SecretKey = resolvePath(base, cfg.Identity.SecretKey)
	cfg.Store.Path = resolvePath(base, cfg.Store.Path)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for required fields and known names.
func (c *Config) Validate() error {
	if c.Identity.PublicKey == "" {
		return errors.New("identity.public_key is required")
	}
	if _, err := signedlog.HasherByName(c.Hash); err != nil {
		return err
	}
	if _, err := wire.CodecByName(c.Codec); err != nil {
		return err
	}
	switch c.Store.Backend {
	case "", "memory":
	case "file", "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the %s backend", c.Store.Backend)
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.MaxFrameSize < 0 {
		return errors.New("max_frame_size must not be negative")
	}
	return nil
}

func resolvePath(base, p string) string {
	if p == "" {
		return ""
	}
	p = os.Expand(p, func(name string) string {
		if name == "HOME" {
			home, _ := os.UserHomeDir()
			return home
		}
		return os.Getenv(name)
	})
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[2:])
		}
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(base, p)
	}
	return p
}

// OpenStore opens the configured backend. The memory backend has no store.
func (c *Config) OpenStore() (signedlog.Store, error) {
	switch c.Store.Backend {
	case "", "memory":
		return nil, nil
	case "file":
		return signedlog.OpenFileStore(c.Store.Path, signedlog.FileStoreOptions{Compress: c.Store.Compress})
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(c.Store.Path), 0700); err != nil {
			return nil, err
		}
		return signedlog.OpenSQLiteStore(c.Store.Path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
}
