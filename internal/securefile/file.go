// Package securefile provides JSON file persistence for wallet state:
// atomic plain-JSON writes for the routing stores, and Argon2id +
// XChaCha20-Poly1305 encrypted JSON for the persisted identity.
package securefile

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrInvalidPasswordOrCorrupt is returned when decryption fails.
// Kept generic to avoid leaking details.
var ErrInvalidPasswordOrCorrupt = errors.New("invalid password or corrupted file")

// envelope is the on-disk shape of an encrypted file.
type envelope struct {
	Version int `json:"version"`

	// Argon2id params
	ArgonTime    uint32 `json:"argon_time"`
	ArgonMemory  uint32 `json:"argon_memory_kib"`
	ArgonThreads uint8  `json:"argon_threads"`
	ArgonKeyLen  uint32 `json:"argon_key_len"`

	SaltB64  string `json:"salt_b64"`
	NonceB64 string `json:"nonce_b64"`
	CTB64    string `json:"ct_b64"`
}

// defaultKDF is tuned for a desktop-class machine.
var defaultKDF = envelope{
	Version:      1,
	ArgonTime:    2,
	ArgonMemory:  64 * 1024, // KiB
	ArgonThreads: 1,
	ArgonKeyLen:  32,
}

// AtomicWriteFile writes data to path via a temp file + rename so readers
// never observe a partial file.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	_ = os.Remove(tmp)

	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("write tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// WriteJSON marshals v as indented JSON and writes it atomically,
// creating the parent directory if needed.
func WriteJSON(path string, v any, filePerm, dirPerm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	return AtomicWriteFile(path, b, filePerm)
}

// StatePath resolves the path of a state file under the app's config
// directory: <config dir>/<app>/<filename>.
func StatePath(app, filename string) (string, error) {
	if app == "" {
		return "", errors.New("app must not be empty")
	}
	if filename == "" {
		return "", errors.New("filename must not be empty")
	}

	if home := os.Getenv("HOME"); home != "" {
		return filepath.Join(home, ".config", app, filename), nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("UserConfigDir: %w", err)
	}
	return filepath.Join(dir, app, filename), nil
}

func randBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }
