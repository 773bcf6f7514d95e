// Package envsync propagates project .env files between machines
// through an encrypted document. Keys derive from a passphrase with
// scrypt; payloads are sealed with AES-256-GCM.
package envsync

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/scrypt"
)

var (
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	ErrNoPassphrase      = errors.New("sync passphrase not configured")
)

// scrypt parameters; changing them invalidates every synced document.
const (
	scryptN       = 1 << 15
	scryptR       = 8
	scryptP       = 1
	keyLen        = 32
	saltLen       = 16
)

// Entry is one environment variable. MachineID empty means the key is
// shared across the fleet.
type Entry struct {
	Value     string `json:"value"`
	MachineID string `json:"machine_id,omitempty"`
}

// Document maps project → env key → entry.
type Document map[string]map[string]Entry

// Cipher seals and opens sync documents.
type Cipher struct {
	passphrase string
}

func NewCipher(passphrase string) (*Cipher, error) {
	if passphrase == "" {
		return nil, ErrNoPassphrase
	}
	return &Cipher{passphrase: passphrase}, nil
}

// Seal encrypts a document: salt ∥ nonce ∥ ciphertext, base64.
func (c *Cipher) Seal(doc Document) (string, error) {
	plaintext, err := json.Marshal(doc)
	if err != nil {
		return "", errors.Wrap(err, "marshal sync document")
	}

	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	gcm, err := c.gcm(salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	packed := append(append(salt, nonce...), sealed...)
	return base64.StdEncoding.EncodeToString(packed), nil
}

// Open decrypts a sealed document.
func (c *Cipher) Open(sealed string) (Document, error) {
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	if len(data) < saltLen {
		return nil, ErrInvalidCiphertext
	}
	salt, rest := data[:saltLen], data[saltLen:]

	gcm, err := c.gcm(salt)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(rest) < nonceSize {
		return nil, ErrInvalidCiphertext
	}
	nonce, ciphertext := rest[:nonceSize], rest[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	var doc Document
	if err := json.Unmarshal(plaintext, &doc); err != nil {
		return nil, errors.Wrap(err, "unmarshal sync document")
	}
	return doc, nil
}

func (c *Cipher) gcm(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(c.passphrase), salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Merge combines a local and a remote key set for one project. Shared
// keys are remote-wins; machine-specific keys are local-wins so a
// host's own credentials survive a sync.
func Merge(local, remote map[string]Entry, machineID string) map[string]Entry {
	merged := make(map[string]Entry, len(local)+len(remote))
	for k, v := range local {
		merged[k] = v
	}
	for k, v := range remote {
		if v.MachineID != "" && v.MachineID != machineID {
			// Another machine's private key; not ours to materialize.
			continue
		}
		if existing, ok := merged[k]; ok {
			if existing.MachineID == machineID && existing.MachineID != "" {
				// Machine-specific: local wins.
				continue
			}
		}
		merged[k] = v
	}
	return merged
}

// Render produces .env file content with deterministic key order.
func Render(entries map[string]Entry) string {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(entries[k].Value)
		b.WriteString("\n")
	}
	return b.String()
}

// Materialize writes the merged .env for a project into dir.
func Materialize(dir string, entries map[string]Entry) error {
	if len(entries) == 0 {
		return nil
	}
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte(Render(entries)), 0o600); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}

// FileStore reads sealed documents from a synced file path.
type FileStore struct {
	path   string
	cipher *Cipher
}

func NewFileStore(path string, cipher *Cipher) *FileStore {
	return &FileStore{path: path, cipher: cipher}
}

// Load returns the project's merged entries for this machine, or nil
// when the document is absent.
func (s *FileStore) Load(project, machineID string) (map[string]Entry, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", s.path)
	}
	doc, err := s.cipher.Open(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, err
	}
	return Merge(nil, doc[project], machineID), nil
}

// Save seals the document back to disk.
func (s *FileStore) Save(doc Document) error {
	sealed, err := s.cipher.Seal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, []byte(sealed), 0o600)
}
