package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/argon2"
)

// KeySize is the AES-256 key length.
const KeySize = 32

// argon2id parameters for passphrase-derived keys.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

var (
	ErrLocked = errors.New("vault locked")
	ErrNoKey  = errors.New("no key")
)

// Vault encrypts upstream provider secrets at rest with AES-256-GCM. Ciphertext
// is nonce||sealed, base64-encoded for storage. The key lives in memory only
// and is zeroed by Lock.
type Vault struct {
	mu     sync.RWMutex
	locked bool
	key    []byte
}

// New creates an unlocked vault from a raw 32-byte key.
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &Vault{key: k}, nil
}

// FromBase64 creates a vault from a standard base64-encoded 32-byte key.
func FromBase64(encoded string) (*Vault, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	return New(key)
}

// FromPassphrase derives the key from a passphrase and salt with argon2id.
func FromPassphrase(passphrase, salt string) (*Vault, error) {
	if len(passphrase) < 8 {
		return nil, errors.New("passphrase too short")
	}
	if len(salt) < 8 {
		return nil, errors.New("salt too short")
	}
	key := argon2.IDKey([]byte(passphrase), []byte(salt), argonTime, argonMemory, argonThreads, KeySize)
	return New(key)
}

// GenerateKey returns a fresh random key, base64-encoded.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

func (v *Vault) IsLocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.locked
}

// Lock zeroes the key. Every later Encrypt/Decrypt fails with ErrLocked.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.key {
		v.key[i] = 0
	}
	v.key = nil
	v.locked = true
}

// EncryptString seals plaintext and returns it base64-encoded.
func (v *Vault) EncryptString(plaintext string) (string, error) {
	out, err := v.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptString reverses EncryptString.
func (v *Vault) DecryptString(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	plain, err := v.Decrypt(raw)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func (v *Vault) gcm() (cipher.AEAD, error) {
	if v.locked {
		return nil, ErrLocked
	}
	if len(v.key) != KeySize {
		return nil, ErrNoKey
	}
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	gcm, err := v.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (v *Vault) Decrypt(ciphertext []byte) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	gcm, err := v.gcm()
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce := ciphertext[:gcm.NonceSize()]
	data := ciphertext[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plain, nil
}
