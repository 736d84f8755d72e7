package vault

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FormatVersion is the vault file format version.
const FormatVersion = 1

// Record is one persisted vault entry: a profile ID mapped to the fernet
// token of the encrypted profile JSON. Only the token carries secret
// material; the ID and timestamps are metadata.
type Record struct {
	ID        string    `json:"id"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// File is the on-disk vault layout: the derivation parameters, a
// verification token for passphrase checking, and the ordered records.
type File struct {
	Version      int      `json:"version"`
	Salt         []byte   `json:"salt"`
	Iterations   int      `json:"iterations"`
	Verification string   `json:"verification"`
	Records      []Record `json:"records"`
}

// Store persists a vault File on durable storage. Loads and saves are
// whole-file; Save is atomic so a crash mid-write never corrupts an
// existing vault.
type Store struct {
	path string
}

// NewStore creates a store for the vault file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the vault file location.
func (s *Store) Path() string {
	return s.path
}

// Exists reports whether a vault file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load reads and decodes the vault file.
func (s *Store) Load() (*File, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read vault file: %w", err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode vault file: %w", err)
	}
	if f.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported vault format version %d", f.Version)
	}
	return &f, nil
}

// Save writes the vault file atomically: encode to a temp file in the same
// directory, fsync, then rename into place. The previous vault survives any
// failure before the rename. The file is written with 0600 permissions.
func (s *Store) Save(f *File) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create vault directory: %w", err)
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode vault file: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".vault-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp vault file: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if err := tmp.Chmod(0600); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp vault file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp vault file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp vault file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp vault file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("commit vault file: %w", err)
	}
	return nil
}
