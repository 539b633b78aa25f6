// Package crypto шифрование секретов терминалов в хранилище
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// prefix помечает зашифрованные значения, строки без него считаются открытыми
const prefix = "enc:v1:"

const keySize = 32

var (
	ErrEmptyKey   = errors.New("secret key is empty")
	ErrCiphertext = errors.New("malformed ciphertext")
)

// Sealer шифрует короткие секреты AES-256-GCM
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer принимает 64 hex-символа как готовый ключ, иначе выводит ключ из парольной фразы через HKDF
func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, ErrEmptyKey
	}

	key, err := hex.DecodeString(secret)
	if err != nil || len(key) != keySize {
		key = make([]byte, keySize)
		r := hkdf.New(sha256.New, []byte(secret), nil, []byte("controlsync terminal credentials"))
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("failed to derive key: %w", err)
		}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Sealer{aead: gcm}, nil
}

// Seal шифрует значение, пустая строка остается пустой
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + hex.EncodeToString(ciphertext), nil
}

// Open расшифровывает значение. Открытые строки, записанные до включения ключа, возвращаются как есть.
func (s *Sealer) Open(value string) (string, error) {
	if !Sealed(value) {
		return value, nil
	}
	ciphertext, err := hex.DecodeString(strings.TrimPrefix(value, prefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCiphertext, err)
	}

	nonceSize := s.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", ErrCiphertext
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// Sealed зашифровано ли значение
func Sealed(value string) bool {
	return strings.HasPrefix(value, prefix)
}
