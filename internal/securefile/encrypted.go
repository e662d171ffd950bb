package securefile

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// WriteEncryptedJSON marshals v as JSON, encrypts it with a key derived
// from password, and writes it atomically to path. aad binds the blob to a
// purpose (pass the same value on read).
func WriteEncryptedJSON(path string, v any, password, aad []byte, filePerm, dirPerm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}

	plain, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}

	salt, err := randBytes(16)
	if err != nil {
		return fmt.Errorf("rand salt: %w", err)
	}

	kdf := defaultKDF
	key := argon2.IDKey(password, salt, kdf.ArgonTime, kdf.ArgonMemory, kdf.ArgonThreads, kdf.ArgonKeyLen)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("aead: %w", err)
	}

	nonce, err := randBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return fmt.Errorf("rand nonce: %w", err)
	}

	out := kdf
	out.SaltB64 = b64(salt)
	out.NonceB64 = b64(nonce)
	out.CTB64 = b64(aead.Seal(nil, nonce, plain, aad))

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal enc file: %w", err)
	}
	return AtomicWriteFile(path, b, filePerm)
}

// ReadEncryptedJSON reads path, decrypts it with password, and unmarshals
// the plaintext into out.
func ReadEncryptedJSON(path string, out any, password, aad []byte) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	var ef envelope
	if err := json.Unmarshal(b, &ef); err != nil {
		return fmt.Errorf("unmarshal enc file: %w", err)
	}
	if ef.Version != 1 {
		return fmt.Errorf("unsupported file version: %d", ef.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(ef.SaltB64)
	if err != nil {
		return fmt.Errorf("decode salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(ef.NonceB64)
	if err != nil {
		return fmt.Errorf("decode nonce: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(ef.CTB64)
	if err != nil {
		return fmt.Errorf("decode ciphertext: %w", err)
	}

	key := argon2.IDKey(password, salt, ef.ArgonTime, ef.ArgonMemory, ef.ArgonThreads, ef.ArgonKeyLen)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("aead: %w", err)
	}

	plain, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return ErrInvalidPasswordOrCorrupt
	}

	if err := json.Unmarshal(plain, out); err != nil {
		return fmt.Errorf("unmarshal json: %w", err)
	}
	return nil
}
