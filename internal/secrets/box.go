// Package secrets seals bank-account credentials at rest.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

var (
	ErrNoKey      = errors.New("secrets: credentials key not configured")
	ErrCorrupt    = errors.New("secrets: sealed credentials are corrupt")
	credentialsHK = []byte("bank-account-credentials")
)

// Box seals and opens provider credential maps with NaCl secretbox.
type Box struct {
	key [32]byte
}

// NewBox derives the sealing key from a configured secret.
func NewBox(secret string) (*Box, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrNoKey
	}
	b := &Box{}
	r := hkdf.New(sha256.New, []byte(secret), nil, credentialsHK)
	if _, err := io.ReadFull(r, b.key[:]); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return b, nil
}

// Seal encodes creds as JSON and encrypts it. The nonce is prefixed.
func (b *Box) Seal(creds map[string]string) ([]byte, error) {
	plain, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("encode credentials: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, &b.key), nil
}

// Open reverses Seal.
func (b *Box) Open(sealed []byte) (map[string]string, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrCorrupt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &b.key)
	if !ok {
		return nil, ErrCorrupt
	}
	creds := map[string]string{}
	if err := json.Unmarshal(plain, &creds); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return creds, nil
}
