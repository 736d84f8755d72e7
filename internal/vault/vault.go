// Package vault stores SSH host profiles encrypted at rest under a single
// master passphrase.
//
// Every profile is serialized to JSON and encrypted as one fernet payload;
// the vault file holds only derivation parameters, metadata, and tokens.
// The derived key lives in memory between Unlock and Lock and is zeroed on
// Lock. All operations on a locked vault fail with ErrLocked; the vault
// never returns partial or garbage data.
package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/google/uuid"

	"github.com/sdsr/ssh-manager/internal/crypto"
)

// verificationText is the fixed plaintext whose encrypted token is stored in
// the vault file. Decrypting it successfully proves the passphrase; the
// error for a failed unlock is deliberately generalized so it cannot be used
// as a corruption oracle during passphrase guessing.
const verificationText = "sshvault-verification-v1"

var (
	// ErrWrongPassphrase means the vault could not be unlocked with the
	// given passphrase.
	ErrWrongPassphrase = errors.New("vault: wrong passphrase")

	// ErrLocked means a data operation was attempted while the vault is
	// locked.
	ErrLocked = errors.New("vault: locked")

	// ErrNotFound means no profile exists for the given identifier.
	ErrNotFound = errors.New("vault: profile not found")

	// ErrCorruptRecord means a stored record failed authentication under
	// the current key. Surfaced verbatim, never auto-repaired.
	ErrCorruptRecord = errors.New("vault: corrupt record")

	// ErrDuplicateName means a profile with the same name already exists.
	ErrDuplicateName = errors.New("vault: duplicate profile name")
)

// Vault is the credential store facade. It owns the Store and the derived
// key; mutation is serialized and readers see a consistent snapshot.
type Vault struct {
	store      *Store
	iterations int // used when creating a new vault file

	mu   sync.RWMutex
	key  *fernet.Key
	file *File
}

// Open creates a Vault backed by the file at path. The vault starts locked;
// iterations applies only if Unlock ends up creating a new vault file.
func Open(path string, iterations int) *Vault {
	if iterations <= 0 {
		iterations = crypto.DefaultIterations
	}
	return &Vault{
		store:      NewStore(path),
		iterations: iterations,
	}
}

// Path returns the vault file location.
func (v *Vault) Path() string {
	return v.store.Path()
}

// Initialized reports whether a vault file exists on disk.
func (v *Vault) Initialized() bool {
	return v.store.Exists()
}

// Unlocked reports whether the vault key is currently in memory.
func (v *Vault) Unlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.key != nil
}

// Unlock derives the key from the passphrase and verifies it against the
// vault file. If no vault file exists yet, one is created under the given
// passphrase. Key derivation is CPU-bound (hundreds of milliseconds); run
// it off any interactive path that must stay responsive.
func (v *Vault) Unlock(passphrase string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.store.Exists() {
		return v.create(passphrase)
	}

	f, err := v.store.Load()
	if err != nil {
		return err
	}

	key := crypto.DeriveKey(passphrase, f.Salt, f.Iterations)
	if _, err := crypto.Decrypt(key, f.Verification); err != nil {
		crypto.Zero(key)
		return ErrWrongPassphrase
	}

	if v.key != nil {
		crypto.Zero(v.key)
	}
	v.key = key
	v.file = f
	return nil
}

// create initializes a fresh vault file. Caller holds v.mu.
func (v *Vault) create(passphrase string) error {
	salt, err := crypto.NewSalt()
	if err != nil {
		return err
	}
	key := crypto.DeriveKey(passphrase, salt, v.iterations)
	verification, err := crypto.Encrypt(key, []byte(verificationText))
	if err != nil {
		crypto.Zero(key)
		return err
	}

	f := &File{
		Version:      FormatVersion,
		Salt:         salt,
		Iterations:   v.iterations,
		Verification: verification,
	}
	if err := v.store.Save(f); err != nil {
		crypto.Zero(key)
		return err
	}

	v.key = key
	v.file = f
	return nil
}

// Lock discards the in-memory key, zeroing it first. The session pool must
// be closed by the caller alongside Lock: the credentials that opened those
// sessions are no longer accessible.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key != nil {
		crypto.Zero(v.key)
		v.key = nil
	}
	v.file = nil
}

// List decrypts and returns all profiles in record order.
func (v *Vault) List() ([]HostProfile, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.key == nil {
		return nil, ErrLocked
	}

	profiles := make([]HostProfile, 0, len(v.file.Records))
	for i := range v.file.Records {
		p, err := v.decryptRecord(&v.file.Records[i])
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// Get returns the profile with the given ID, decrypted just-in-time. Each
// caller gets its own copy; nothing decrypted here is cached.
func (v *Vault) Get(id string) (HostProfile, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.key == nil {
		return HostProfile{}, ErrLocked
	}

	for i := range v.file.Records {
		if v.file.Records[i].ID == id {
			return v.decryptRecord(&v.file.Records[i])
		}
	}
	return HostProfile{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// FindByName returns the profile whose name matches exactly.
func (v *Vault) FindByName(name string) (HostProfile, error) {
	profiles, err := v.List()
	if err != nil {
		return HostProfile{}, err
	}
	for _, p := range profiles {
		if p.Name == name {
			return p, nil
		}
	}
	return HostProfile{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Put inserts or updates a profile and persists the vault atomically. A new
// profile gets a UUID; an update keeps its creation time. Names are unique
// across the vault.
func (v *Vault) Put(p HostProfile) (HostProfile, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return HostProfile{}, ErrLocked
	}

	p.normalize()
	if err := p.validate(); err != nil {
		return HostProfile{}, err
	}

	for i := range v.file.Records {
		if v.file.Records[i].ID == p.ID {
			continue
		}
		existing, err := v.decryptRecord(&v.file.Records[i])
		if err != nil {
			return HostProfile{}, err
		}
		if existing.Name == p.Name {
			return HostProfile{}, fmt.Errorf("%w: %s", ErrDuplicateName, p.Name)
		}
	}

	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = uuid.New().String()
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	payload, err := json.Marshal(p)
	if err != nil {
		return HostProfile{}, fmt.Errorf("encode profile: %w", err)
	}
	token, err := crypto.Encrypt(v.key, payload)
	if err != nil {
		return HostProfile{}, err
	}

	records := make([]Record, len(v.file.Records))
	copy(records, v.file.Records)

	updated := false
	for i := range records {
		if records[i].ID == p.ID {
			p.CreatedAt = records[i].CreatedAt
			records[i].Payload = token
			records[i].UpdatedAt = now
			updated = true
			break
		}
	}
	if !updated {
		records = append(records, Record{
			ID:        p.ID,
			Payload:   token,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	next := *v.file
	next.Records = records
	if err := v.store.Save(&next); err != nil {
		return HostProfile{}, err
	}
	v.file = &next
	return p, nil
}

// Remove deletes a profile by ID and persists the vault atomically.
func (v *Vault) Remove(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return ErrLocked
	}

	idx := -1
	for i := range v.file.Records {
		if v.file.Records[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	records := make([]Record, 0, len(v.file.Records)-1)
	records = append(records, v.file.Records[:idx]...)
	records = append(records, v.file.Records[idx+1:]...)

	next := *v.file
	next.Records = records
	if err := v.store.Save(&next); err != nil {
		return err
	}
	v.file = &next
	return nil
}

// Rekey changes the master passphrase. Every record is decrypted under the
// old key and re-encrypted under a key derived from the new passphrase and a
// fresh salt, then the whole file is committed in one atomic save. Any
// failure (wrong old passphrase, a corrupt record, an I/O error) leaves
// the vault unchanged and still decryptable under the old passphrase.
func (v *Vault) Rekey(oldPassphrase, newPassphrase string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return ErrLocked
	}

	oldKey := crypto.DeriveKey(oldPassphrase, v.file.Salt, v.file.Iterations)
	defer crypto.Zero(oldKey)
	if _, err := crypto.Decrypt(oldKey, v.file.Verification); err != nil {
		return ErrWrongPassphrase
	}

	// Decrypt everything first; abort before touching anything if any
	// record fails authentication.
	plaintexts := make([][]byte, len(v.file.Records))
	defer func() {
		for _, pt := range plaintexts {
			crypto.Wipe(pt)
		}
	}()
	for i := range v.file.Records {
		msg, err := crypto.Decrypt(oldKey, v.file.Records[i].Payload)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrCorruptRecord, v.file.Records[i].ID)
		}
		plaintexts[i] = msg
	}

	salt, err := crypto.NewSalt()
	if err != nil {
		return err
	}
	newKey := crypto.DeriveKey(newPassphrase, salt, v.iterations)

	verification, err := crypto.Encrypt(newKey, []byte(verificationText))
	if err != nil {
		crypto.Zero(newKey)
		return err
	}

	records := make([]Record, len(v.file.Records))
	copy(records, v.file.Records)
	for i := range records {
		token, err := crypto.Encrypt(newKey, plaintexts[i])
		if err != nil {
			crypto.Zero(newKey)
			return err
		}
		records[i].Payload = token
	}

	next := File{
		Version:      FormatVersion,
		Salt:         salt,
		Iterations:   v.iterations,
		Verification: verification,
		Records:      records,
	}
	if err := v.store.Save(&next); err != nil {
		crypto.Zero(newKey)
		return err
	}

	crypto.Zero(v.key)
	v.key = newKey
	v.file = &next
	return nil
}

// decryptRecord decodes one record into a HostProfile. Caller holds v.mu in
// at least read mode with v.key non-nil.
func (v *Vault) decryptRecord(rec *Record) (HostProfile, error) {
	msg, err := crypto.Decrypt(v.key, rec.Payload)
	if err != nil {
		return HostProfile{}, fmt.Errorf("%w: %s", ErrCorruptRecord, rec.ID)
	}
	var p HostProfile
	if err := json.Unmarshal(msg, &p); err != nil {
		return HostProfile{}, fmt.Errorf("%w: %s", ErrCorruptRecord, rec.ID)
	}
	p.CreatedAt = rec.CreatedAt
	p.UpdatedAt = rec.UpdatedAt
	return p, nil
}
