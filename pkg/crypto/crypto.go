// Coworker is a local-first filesystem coworker service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package crypto provides optional at-rest encryption for result blobs
// stored in the control-plane database. Result bytes may contain user
// file contents, so a passphrase-derived AES-256-GCM layer can be
// enabled via configuration. Hashing (plan hashes) always happens over
// plaintext bytes; encryption is strictly a storage concern.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the size of the AES key (256 bits).
	KeySize = 32
	// Iterations for PBKDF2 key derivation.
	Iterations = 100000
)

// magic prefixes every encrypted blob so plaintext rows written before
// encryption was enabled can still be read back.
var magic = []byte("cwenc1\x00")

// Encryptor seals and opens result blobs with a passphrase-derived key.
type Encryptor struct {
	key []byte
}

// NewEncryptor derives an AES key from the given passphrase.
func NewEncryptor(passphrase string) (*Encryptor, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase cannot be empty")
	}

	// Deterministic salt keeps the store self-contained: the same
	// passphrase always opens the same database file.
	salt := sha256.Sum256([]byte("coworker-salt-" + passphrase))
	key := pbkdf2.Key([]byte(passphrase), salt[:], Iterations, KeySize, sha256.New)

	return &Encryptor{key: key}, nil
}

// Seal encrypts a blob and returns magic || nonce || ciphertext.
func (e *Encryptor) Seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, len(magic)+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, magic...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, nil)
	return out, nil
}

// Open decrypts a blob produced by Seal. Blobs without the magic prefix
// are returned as-is (stored before encryption was enabled).
func (e *Encryptor) Open(sealed []byte) ([]byte, error) {
	if !IsSealed(sealed) {
		return sealed, nil
	}
	body := sealed[len(magic):]

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	if len(body) < gcm.NonceSize() {
		return nil, errors.New("sealed blob too short")
	}

	nonce := body[:gcm.NonceSize()]
	ciphertext := body[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt blob: %w", err)
	}
	return plaintext, nil
}

// IsSealed reports whether a blob carries the encryption magic prefix.
func IsSealed(b []byte) bool {
	return bytes.HasPrefix(b, magic)
}
