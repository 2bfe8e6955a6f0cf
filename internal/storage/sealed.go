package storage

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var errShortCiphertext = errors.New("sealed value too short")

// Sealed encrypts every value with XChaCha20-Poly1305 before it reaches the
// wrapped KV. The key is the SHA-256 of the configured passphrase and the
// storage key is bound as additional data.
type Sealed struct {
	kv   KV
	aead cipher.AEAD
}

func NewSealed(kv KV, passphrase string) (*Sealed, error) {
	key := sha256.Sum256([]byte(passphrase))
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return &Sealed{kv: kv, aead: aead}, nil
}

func (s *Sealed) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	ns := s.aead.NonceSize()
	if len(data) < ns {
		return nil, errShortCiphertext
	}
	plain, err := s.aead.Open(nil, data[:ns], data[ns:], []byte(key))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return plain, nil
}

func (s *Sealed) Set(ctx context.Context, key string, value []byte) error {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(value)+chacha20poly1305.Overhead)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	return s.kv.Set(ctx, key, s.aead.Seal(nonce, nonce, value, []byte(key)))
}

func (s *Sealed) Delete(ctx context.Context, key string) error {
	return s.kv.Delete(ctx, key)
}

func (s *Sealed) Close() error {
	return s.kv.Close()
}
