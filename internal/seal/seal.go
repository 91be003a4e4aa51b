// Package seal encrypts draft content for the password-authenticated sync
// path. A sync password is stretched with argon2id into two independent
// keys: one seals drafts with XChaCha20-Poly1305, the other yields the
// access token clients present instead of the password.
package seal

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/schaermu/blogsync/internal/failure"
)

// SaltSize is the length of a draft salt in bytes.
const SaltSize = 16

const keySize = chacha20poly1305.KeySize

// Params are the argon2id cost parameters.
type Params struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultParams follow the second recommended argon2id setting of RFC 9106.
var DefaultParams = Params{Time: 3, Memory: 64 * 1024, Threads: 4}

// ErrEmptyPassword is returned when deriving a key from "".
var ErrEmptyPassword = errors.New("sync password is empty")

// NewSalt returns a random salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// Key is the material derived from a sync password and salt.
type Key struct {
	salt []byte
	enc  []byte
	auth []byte
}

// DeriveKey stretches password with DefaultParams.
func DeriveKey(password string, salt []byte) (*Key, error) {
	return DeriveKeyWithParams(password, salt, DefaultParams)
}

// DeriveKeyWithParams stretches password with explicit cost parameters.
func DeriveKeyWithParams(password string, salt []byte, p Params) (*Key, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("salt must be %d bytes, got %d", SaltSize, len(salt))
	}
	material := argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, 2*keySize)
	return &Key{
		salt: append([]byte(nil), salt...),
		enc:  material[:keySize],
		auth: material[keySize:],
	}, nil
}

// Salt returns the salt the key was derived with.
func (k *Key) Salt() []byte {
	return append([]byte(nil), k.salt...)
}

// Token returns the access token for this key. It reveals nothing about
// the encryption key or the password.
func (k *Key) Token() string {
	mac := hmac.New(sha256.New, k.auth)
	mac.Write([]byte("blogsync sync token v1"))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyToken reports whether token was produced by the same password and
// salt as k.
func (k *Key) VerifyToken(token string) bool {
	return subtle.ConstantTimeCompare([]byte(k.Token()), []byte(token)) == 1
}

// Box is a sealed payload. Byte slices marshal to base64 in JSON.
type Box struct {
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Seal encrypts plaintext. additional is authenticated but not encrypted;
// pass the blog URL so a box cannot be replayed against another blog.
func (k *Key) Seal(plaintext, additional []byte) (*Box, error) {
	aead, err := chacha20poly1305.NewX(k.enc)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return &Box{
		Salt:       k.Salt(),
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, additional),
	}, nil
}

// Open decrypts box. Any mismatch (wrong password, wrong salt, tampering)
// is a failure.CodeDecryption error.
func (k *Key) Open(box *Box, additional []byte) ([]byte, error) {
	if box == nil {
		return nil, failure.New(failure.CodeDecryption, "open drafts", "no sealed content")
	}
	if subtle.ConstantTimeCompare(box.Salt, k.salt) != 1 {
		return nil, failure.New(failure.CodeDecryption, "open drafts", "content was sealed with a different salt")
	}
	aead, err := chacha20poly1305.NewX(k.enc)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(box.Nonce) != aead.NonceSize() {
		return nil, failure.New(failure.CodeDecryption, "open drafts", "invalid nonce length %d", len(box.Nonce))
	}
	plaintext, err := aead.Open(nil, box.Nonce, box.Ciphertext, additional)
	if err != nil {
		return nil, failure.Wrap(failure.CodeDecryption, "open drafts", errors.New("wrong sync password or corrupted content"))
	}
	return plaintext, nil
}
