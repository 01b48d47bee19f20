package auth

import (
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
	saltSize         = 16
	keySize          = 32
	pbkdf2Iterations = 100000
)

var ErrInvalidCiphertext = errors.New("invalid sealed token")

// Sealer encrypts the stored access token with AES-256-GCM under a key
// derived from the session secret. Output layout: salt | nonce | ciphertext.
type Sealer struct {
	secret []byte
}

func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, errors.New("session secret is empty")
	}
	return &Sealer{secret: []byte(secret)}, nil
}

func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := s.aead(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, saltSize+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < saltSize {
		return nil, ErrInvalidCiphertext
	}

	gcm, err := s.aead(sealed[:saltSize])
	if err != nil {
		return nil, err
	}

	rest := sealed[saltSize:]
	if len(rest) < gcm.NonceSize()+gcm.Overhead() {
		return nil, ErrInvalidCiphertext
	}

	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

func (s *Sealer) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(s.secret, salt, pbkdf2Iterations, keySize, sha256.New)
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
