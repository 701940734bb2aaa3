// Package vault stores static AWS access keys for profiles that are not
// backed by the shared AWS config. Entries are sealed with AES-256-GCM under
// a key derived from the operator passphrase with Argon2id; the entry name is
// bound as additional data so ciphertexts cannot be swapped between profiles.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"
)

const (
	FileName = "profiles.vault"

	argonMemory  = 64 * 1024
	argonTime    = 3
	argonThreads = 4
	keyLen       = 32
	saltLen      = 32

	profilePrefix = "profile:"
	canaryKey     = "vault:canary"
)

// ErrNotFound is returned when no entry exists under a name.
var ErrNotFound = errors.New("vault entry not found")

// ErrBadPassphrase is returned by Open when the canary does not decrypt.
var ErrBadPassphrase = errors.New("incorrect passphrase or corrupted vault")

// StaticKey is the credential material stored for one profile.
type StaticKey struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	SessionToken    string `json:"session_token,omitempty"`
	Region          string `json:"region,omitempty"`
}

type sealed struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

type fileFormat struct {
	Salt    []byte             `json:"salt"`
	Entries map[string]*sealed `json:"entries"`
}

// Vault is an unlocked key store.
type Vault struct {
	mu      sync.RWMutex
	aead    cipher.AEAD
	key     []byte
	salt    []byte
	entries map[string]*sealed
	path    string
}

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, keyLen)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// Create initializes a new vault at path. An empty path keeps the vault in
// memory only.
func Create(path, passphrase string) (*Vault, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	key := deriveKey(passphrase, salt)
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	v := &Vault{aead: aead, key: key, salt: salt, entries: make(map[string]*sealed), path: path}
	if err := v.put(canaryKey, []byte("ok")); err != nil {
		return nil, err
	}
	if err := v.flush(); err != nil {
		return nil, err
	}
	return v, nil
}

// Open unlocks an existing vault file.
func Open(path, passphrase string) (*Vault, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading vault file: %w", err)
	}
	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("parsing vault file: %w", err)
	}
	if ff.Entries == nil {
		ff.Entries = make(map[string]*sealed)
	}

	key := deriveKey(passphrase, ff.Salt)
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	v := &Vault{aead: aead, key: key, salt: ff.Salt, entries: ff.Entries, path: path}

	if _, err := v.get(canaryKey); err != nil {
		zero(key)
		return nil, ErrBadPassphrase
	}
	return v, nil
}

// OpenOrCreate opens the vault at path, creating it when it does not exist.
func OpenOrCreate(path, passphrase string) (*Vault, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("creating vault directory: %w", err)
		}
		return Create(path, passphrase)
	}
	return Open(path, passphrase)
}

func (v *Vault) put(name string, plaintext []byte) error {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	v.entries[name] = &sealed{Nonce: nonce, Ciphertext: v.aead.Seal(nil, nonce, plaintext, []byte(name))}
	return nil
}

func (v *Vault) get(name string) ([]byte, error) {
	e, ok := v.entries[name]
	if !ok {
		return nil, ErrNotFound
	}
	pt, err := v.aead.Open(nil, e.Nonce, e.Ciphertext, []byte(name))
	if err != nil {
		return nil, fmt.Errorf("decrypting %s: %w", name, err)
	}
	return pt, nil
}

// PutProfileKey stores (or replaces) the static key for a profile and
// persists the vault.
func (v *Vault) PutProfileKey(profile string, key StaticKey) error {
	if profile == "" {
		return fmt.Errorf("profile name is required")
	}
	if key.AccessKeyID == "" || key.SecretAccessKey == "" {
		return fmt.Errorf("access key id and secret access key are required")
	}
	data, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("encoding key: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.put(profilePrefix+profile, data); err != nil {
		return err
	}
	return v.flush()
}

// ProfileKey returns the static key for a profile. ok is false when the
// profile has no vault entry.
func (v *Vault) ProfileKey(profile string) (StaticKey, bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	data, err := v.get(profilePrefix + profile)
	if errors.Is(err, ErrNotFound) {
		return StaticKey{}, false, nil
	}
	if err != nil {
		return StaticKey{}, false, err
	}
	var key StaticKey
	if err := json.Unmarshal(data, &key); err != nil {
		return StaticKey{}, false, fmt.Errorf("decoding key for %s: %w", profile, err)
	}
	return key, true, nil
}

// DeleteProfileKey removes a profile's key and persists the vault.
func (v *Vault) DeleteProfileKey(profile string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.entries[profilePrefix+profile]; !ok {
		return ErrNotFound
	}
	delete(v.entries, profilePrefix+profile)
	return v.flush()
}

// Profiles lists the profiles that have a stored key, sorted.
func (v *Vault) Profiles() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var out []string
	for name := range v.entries {
		if p, ok := strings.CutPrefix(name, profilePrefix); ok {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func (v *Vault) flush() error {
	if v.path == "" {
		return nil
	}
	data, err := json.Marshal(fileFormat{Salt: v.salt, Entries: v.entries})
	if err != nil {
		return fmt.Errorf("marshaling vault: %w", err)
	}
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing vault file: %w", err)
	}
	if err := os.Rename(tmp, v.path); err != nil {
		return fmt.Errorf("replacing vault file: %w", err)
	}
	return nil
}

// Close zeroes the derived key. Entries are already persisted on write.
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	zero(v.key)
	v.aead = nil
	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
