package main

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/karasz/signedlog"
)

// writeKeys stores id as <prefix>.pub and <prefix>.key, hex encoded.
// Existing files are kept unless force is set.
func writeKeys(prefix string, id signedlog.Identity, force bool) (string, string, error) {
	pubPath, keyPath := prefix+".pub", prefix+".key"
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}

	if err := writeHex(keyPath, id.SecretKey, flags, 0600); err != nil {
		return "", "", err
	}
	if err := writeHex(pubPath, id.PublicKey, flags, 0644); err != nil {
		return "", "", err
	}
	return pubPath, keyPath, nil
}

func writeHex(path string, b []byte, flags int, perm os.FileMode) error {
	f, err := os.OpenFile(path, flags, perm)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(f, hex.EncodeToString(b)); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func readHex(path string, size int) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b, err := hex.DecodeString(string(bytes.TrimSpace(data)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(b) != size {
		return nil, fmt.Errorf("%s: want %d bytes, got %d", path, size, len(b))
	}
	return b, nil
}

// loadIdentity reads the configured keys. needSecret makes a missing
// secret key an error.
func loadIdentity(c IdentityConfig, needSecret bool) (signedlog.Identity, error) {
	var id signedlog.Identity
	pub, err := readHex(c.PublicKey, ed25519.PublicKeySize)
	if err != nil {
		return id, fmt.Errorf("public key: %w", err)
	}
	id.PublicKey = pub

	if c.SecretKey == "" {
		if needSecret {
			return id, errors.New("identity.secret_key is required to produce")
		}
		return id, nil
	}
	key, err := readHex(c.SecretKey, ed25519.PrivateKeySize)
	if err != nil {
		return id, fmt.Errorf("secret key: %w", err)
	}
	id.SecretKey = key
	return id, nil
}
