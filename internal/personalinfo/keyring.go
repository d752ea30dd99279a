// Package personalinfo decrypts the personal information investors register
// for an issuer. Documents are RSA-OAEP (SHA-1) encrypted with the issuer's
// public key and base64 encoded on chain.
package personalinfo

import (
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNoKey     = errors.New("no private key for issuer")
	ErrNotRSAKey = errors.New("not an RSA private key")
)

// Default is stored when a document cannot be decrypted.
const Default = `{"key_manager":"","name":"","postal_code":"","address":"","email":"","birth":""}`

// Keyring holds issuer private keys.
type Keyring struct {
	mu       sync.RWMutex
	keys     map[common.Address]*rsa.PrivateKey
	fallback *rsa.PrivateKey
}

func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[common.Address]*rsa.PrivateKey)}
}

// Add registers the key of one issuer.
func (k *Keyring) Add(issuer common.Address, key *rsa.PrivateKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[issuer] = key
}

// SetDefault sets the key used for issuers without their own.
func (k *Keyring) SetDefault(key *rsa.PrivateKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.fallback = key
}

func (k *Keyring) key(issuer common.Address) *rsa.PrivateKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if key, ok := k.keys[issuer]; ok {
		return key
	}
	return k.fallback
}

// Decrypt returns the JSON document encrypted for issuer.
func (k *Keyring) Decrypt(issuer common.Address, ciphertext string) (string, error) {
	key := k.key(issuer)
	if key == nil {
		return "", fmt.Errorf("%w %s", ErrNoKey, issuer.Hex())
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertext))
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	plain, err := rsa.DecryptOAEP(sha1.New(), nil, key, raw, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	if !json.Valid(plain) {
		return "", errors.New("decrypted info is not JSON")
	}
	return string(plain), nil
}

// LoadPrivateKey reads a PEM file, see ParsePrivateKey.
func LoadPrivateKey(path, passphrase string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePrivateKey(data, passphrase)
}

// ParsePrivateKey accepts PKCS#1 or PKCS#8 PEM, optionally encrypted with
// passphrase (legacy PEM encryption).
func ParsePrivateKey(data []byte, passphrase string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	der := block.Bytes
	//nolint:staticcheck // issuer keys are distributed as legacy encrypted PEM
	if x509.IsEncryptedPEMBlock(block) {
		var err error
		//nolint:staticcheck
		der, err = x509.DecryptPEMBlock(block, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("decrypt PEM: %w", err)
		}
	}

	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrNotRSAKey
	}
	return key, nil
}
