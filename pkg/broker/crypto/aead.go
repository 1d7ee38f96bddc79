// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// b64 is the encoding used for every serialized binary field.
var b64 = base64.StdEncoding

// ErrDecrypt is returned when an AEAD decryption fails: wrong key,
// ciphertext tampering, or a corrupted IV.
var ErrDecrypt = errors.New("decryption failed")

const (
	aeadKeySize = 32 // AES-256
	gcmIVSize   = 12 // 96-bit IV per encryption
)

// Envelope is the serialized form of an AES-GCM encryption: base64 standard
// encoding of the ciphertext (with appended GCM tag) and the IV.
type Envelope struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
}

// Valid reports whether the envelope carries both fields. It is the schema
// check consulted before attempting a decryption.
func (e Envelope) Valid() bool {
	return e.Ciphertext != "" && e.IV != ""
}

// GenerateKey returns a fresh 256-bit AEAD key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, aeadKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate AEAD key: %w", err)
	}
	return key, nil
}

// Encrypt encrypts plaintext with AES-256-GCM under key, using a freshly
// generated 96-bit IV.
func Encrypt(key, plaintext []byte) (Envelope, error) {
	aead, err := newGCM(key)
	if err != nil {
		return Envelope{}, err
	}

	iv := make([]byte, gcmIVSize)
	if _, err := rand.Read(iv); err != nil {
		return Envelope{}, fmt.Errorf("failed to generate IV: %w", err)
	}

	ciphertext := aead.Seal(nil, iv, plaintext, nil)
	return Envelope{
		Ciphertext: b64.EncodeToString(ciphertext),
		IV:         b64.EncodeToString(iv),
	}, nil
}

// Decrypt reverses Encrypt. Any authentication or decoding failure surfaces
// as ErrDecrypt.
func Decrypt(key []byte, env Envelope) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	ciphertext, err := b64.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext encoding", ErrDecrypt)
	}
	iv, err := b64.DecodeString(env.IV)
	if err != nil || len(iv) != gcmIVSize {
		return nil, fmt.Errorf("%w: bad IV", ErrDecrypt)
	}

	plaintext, err := aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != aeadKeySize {
		return nil, fmt.Errorf("AEAD key must be %d bytes, got %d", aeadKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}
