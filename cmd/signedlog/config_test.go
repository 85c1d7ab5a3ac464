package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "signedlog.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Store.Backend != "memory" {
		t.Errorf("expected backend=memory, got %s", cfg.Store.Backend)
	}
	if cfg.Hash != "sha256" {
		t.Errorf("expected hash=sha256, got %s", cfg.Hash)
	}
	if cfg.Codec != "protobuf" {
		t.Errorf("expected codec=protobuf, got %s", cfg.Codec)
	}
}

func TestLoadConfig_File(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
identity:
  public_key: keys/producer.pub
  secret_key: /etc/signedlog/producer.key
listen: ":7000"
http_listen: ":8080"
peers:
  - a.example:7000
  - ws://b.example:8080/signedlog
store:
  backend: file
  path: data
  compress: true
hash: blake3
codec: cbor
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Identity.PublicKey != filepath.Join(dir, "keys/producer.pub") {
		t.Errorf("relative public key not resolved: %s", cfg.Identity.PublicKey)
	}
	if cfg.Identity.SecretKey != "/etc/signedlog/producer.key" {
		t.Errorf("absolute secret key changed: %s", cfg.Identity.SecretKey)
	}
	if cfg.Store.Path != filepath.Join(dir, "data") || !cfg.Store.Compress {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.HTTPListen != ":8080" || cfg.Peers[1] != "ws://b.example:8080/signedlog" {
		t.Errorf("http settings = %q %v", cfg.HTTPListen, cfg.Peers)
	}
	if cfg.Listen != ":7000" || len(cfg.Peers) != 2 || cfg.Hash != "blake3" || cfg.Codec != "cbor" {
		t.Errorf("config = %+v", cfg)
	}
}

func TestLoadConfig_DefaultsKept(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "identity:\n  public_key: p.pub\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Store.Backend != "memory" || cfg.Hash != "sha256" || cfg.Codec != "protobuf" {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "identity:\n  public_key: p.pub\nlisten: 127.0.0.1:9\n")
	t.Setenv("SIGNEDLOG_CONFIG", path)

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Listen != "127.0.0.1:9" {
		t.Errorf("expected listen from SIGNEDLOG_CONFIG file, got %q", cfg.Listen)
	}
}

func TestLoadConfig_RequiresPath(t *testing.T) {
	t.Setenv("SIGNEDLOG_CONFIG", "")
	_, err := LoadConfig("")
	if err == nil || !strings.Contains(err.Error(), "SIGNEDLOG_CONFIG") {
		t.Fatalf("expected an error naming SIGNEDLOG_CONFIG, got %v", err)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	for name, content := range map[string]string{
		"no public key":  "hash: sha256\n",
		"unknown hash":   "identity: {public_key: p.pub}\nhash: md5\n",
		"unknown codec":  "identity: {public_key: p.pub}\ncodec: json\n",
		"unknown store":  "identity: {public_key: p.pub}\nstore: {backend: s3}\n",
		"file, no path":  "identity: {public_key: p.pub}\nstore: {backend: file}\n",
		"negative frame": "identity: {public_key: p.pub}\nmax_frame_size: -1\n",
		"not yaml":       "identity: [\n",
	} {
		t.Run(name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), content)
			if _, err := LoadConfig(path); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestOpenStore(t *testing.T) {
	dir := t.TempDir()
	for _, backend := range []string{"file", "sqlite"} {
		cfg := Default()
		cfg.Store = StoreConfig{Backend: backend, Path: filepath.Join(dir, backend, "log")}
		st, err := cfg.OpenStore()
		if err != nil {
			t.Fatalf("%s: OpenStore failed: %v", backend, err)
		}
		if st == nil {
			t.Fatalf("%s: no store", backend)
		}
		if err := st.Close(); err != nil {
			t.Errorf("%s: Close failed: %v", backend, err)
		}
	}

	st, err := Default().OpenStore()
	if err != nil || st != nil {
		t.Errorf("memory backend = %v, %v; want no store", st, err)
	}
}
