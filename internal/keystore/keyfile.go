package keystore

import (
	"os"
	"path/filepath"
	"strings"
)

// ReadKeyFile reads and decrypts a sealed signing-key file.
func ReadKeyFile(path, passphrase string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Open(passphrase, raw)
}

// WriteKeyFile seals the key material and writes it with owner-only permissions.
func WriteKeyFile(path, passphrase string, keyMaterial []byte) error {
	sealed, err := Seal(passphrase, keyMaterial)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, sealed, 0o600)
}

// IsConfigured reports whether an encrypted key file is configured.
func IsConfigured(path, passphrase string) bool {
	return strings.TrimSpace(path) != "" && strings.TrimSpace(passphrase) != ""
}
