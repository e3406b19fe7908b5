// SPDX-License-Identifier: MIT

package tokenstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
)

// ErrIO wraps failures reading or writing the store file.
var ErrIO = errors.New("tokenstore: io error")

// ErrSchema wraps failures parsing the store file as JSON.
var ErrSchema = errors.New("tokenstore: schema error")

// Store is a JSON-file-backed, lock-serialized set of API tokens.
//
// All reads and writes take an exclusive lock on a sibling ".lock" file so
// that the CLI (cmd/transcribe-server tokens ...) can safely run
// concurrently with a live server process, per the corpus's file-lock
// leader-election pattern.
type Store struct {
	path     string
	lockPath string
	logger   zerolog.Logger

	// mu serializes access within this process; the file lock serializes
	// access across processes.
	mu sync.Mutex
}

// Open loads the store at path, bootstrapping a fresh one (and printing a
// one-time admin token) if it does not yet exist, and migrating it if its
// schema version is stale.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		path:     path,
		lockPath: path + ".lock",
		logger:   logger,
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("%w: create token store directory: %v", ErrIO, err)
	}

	if err := s.withLock(s.bootstrapOrMigrate); err != nil {
		return nil, err
	}

	return s, nil
}

// bootstrapOrMigrate runs under the file lock during Open: it creates a
// fresh store with a bootstrap admin token if none exists, or migrates an
// existing one whose schema version is behind CurrentSchemaVersion.
func (s *Store) bootstrapOrMigrate() error {
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return s.initializeLocked()
	} else if err != nil {
		return fmt.Errorf("%w: stat store file: %v", ErrIO, err)
	}

	file, err := s.readLocked()
	if err != nil {
		return err
	}

	if file.Version < CurrentSchemaVersion {
		return s.migrateLocked()
	}

	return nil
}

// initializeLocked mints the store's secret key and bootstrap admin token,
// prints the admin token's plaintext once, and writes the store.
func (s *Store) initializeLocked() error {
	secretKey, err := newSecretKey()
	if err != nil {
		return fmt.Errorf("%w: generate secret key: %v", ErrIO, err)
	}

	admin, plaintext, err := newStoredToken("bootstrap-admin", true, 0)
	if err != nil {
		return fmt.Errorf("%w: generate admin token: %v", ErrIO, err)
	}

	file := storeFile{
		Version:   CurrentSchemaVersion,
		SecretKey: secretKey,
		Tokens:    []StoredToken{admin},
	}

	if err := s.writeLocked(file); err != nil {
		return err
	}

	printBootstrapToken(admin, plaintext)
	s.logger.Info().Str("token_id", admin.ID).Msg("initialized token store with bootstrap admin token")
	return nil
}

// migrateLocked discards all existing tokens (plaintext cannot be recovered
// from stored hashes), mints a fresh admin token, prints its plaintext once,
// and bumps the schema version. This is a deliberate, one-way policy: the
// alternative of keeping tokens convertible across schema changes would be
// a security regression.
func (s *Store) migrateLocked() error {
	file, err := s.readLocked()
	if err != nil {
		return err
	}

	oldVersion := file.Version
	admin, plaintext, err := newStoredToken("migration-admin", true, 0)
	if err != nil {
		return fmt.Errorf("%w: generate admin token: %v", ErrIO, err)
	}

	file.Version = CurrentSchemaVersion
	file.Tokens = []StoredToken{admin}

	if err := s.writeLocked(file); err != nil {
		return err
	}

	printBootstrapToken(admin, plaintext)
	s.logger.Warn().
		Int("old_version", oldVersion).
		Int("new_version", CurrentSchemaVersion).
		Msg("token store schema migrated; all previous tokens discarded, regenerate them")
	return nil
}

// Validate returns the stored token matching plaintext if it authenticates
// (exists, not revoked, not expired), or nil otherwise.
func (s *Store) Validate(plaintext string) (*StoredToken, error) {
	var result *StoredToken
	err := s.withLock(func() error {
		file, err := s.readLocked()
		if err != nil {
			return err
		}
		hash := hashToken(plaintext)
		for _, tok := range file.Tokens {
			if tok.Hash == hash && tok.IsValid() {
				t := tok
				result = &t
				return nil
			}
		}
		return nil
	})
	return result, err
}

// IsAdmin reports whether plaintext authenticates as an admin token.
func (s *Store) IsAdmin(plaintext string) (bool, error) {
	tok, err := s.Validate(plaintext)
	if err != nil || tok == nil {
		return false, err
	}
	return tok.Admin, nil
}

// GetByID returns the stored token with the given short ID, or nil if not
// found.
func (s *Store) GetByID(id string) (*StoredToken, error) {
	var result *StoredToken
	err := s.withLock(func() error {
		file, err := s.readLocked()
		if err != nil {
			return err
		}
		for _, tok := range file.Tokens {
			if tok.ID == id {
				t := tok
				result = &t
				return nil
			}
		}
		return nil
	})
	return result, err
}

// List returns every stored token (including revoked/expired ones, so
// operators can audit history).
func (s *Store) List() ([]StoredToken, error) {
	var result []StoredToken
	err := s.withLock(func() error {
		file, err := s.readLocked()
		if err != nil {
			return err
		}
		result = file.Tokens
		return nil
	})
	return result, err
}

// Generate mints a new token for clientName, persists its hash, and returns
// both the stored record and its one-time plaintext. For a non-admin token,
// expiryDays == 0 selects DefaultExpiryDays, so zero cannot request a
// non-expiring token; a negative expiryDays means no expiration. Admin
// tokens never expire regardless of expiryDays.
func (s *Store) Generate(clientName string, isAdmin bool, expiryDays int) (StoredToken, string, error) {
	var (
		stored    StoredToken
		plaintext string
	)

	err := s.withLock(func() error {
		file, err := s.readLocked()
		if err != nil {
			return err
		}

		tok, pt, err := newStoredToken(clientName, isAdmin, expiryDays)
		if err != nil {
			return fmt.Errorf("%w: generate token: %v", ErrIO, err)
		}

		file.Tokens = append(file.Tokens, tok)
		if err := s.writeLocked(file); err != nil {
			return err
		}

		stored, plaintext = tok, pt
		return nil
	})

	return stored, plaintext, err
}

// RevokeByPlaintext marks the token matching plaintext as revoked. Returns
// false if no matching token was found.
func (s *Store) RevokeByPlaintext(plaintext string) (bool, error) {
	return s.revoke(func(tok *StoredToken) bool { return tok.Hash == hashToken(plaintext) })
}

// RevokeByID marks the token with the given short ID as revoked. Returns
// false if no matching token was found.
func (s *Store) RevokeByID(id string) (bool, error) {
	return s.revoke(func(tok *StoredToken) bool { return tok.ID == id })
}

func (s *Store) revoke(match func(*StoredToken) bool) (bool, error) {
	found := false
	err := s.withLock(func() error {
		file, err := s.readLocked()
		if err != nil {
			return err
		}

		for i := range file.Tokens {
			if match(&file.Tokens[i]) {
				file.Tokens[i].Revoked = true
				found = true
				break
			}
		}

		if !found {
			return nil
		}
		return s.writeLocked(file)
	})
	return found, err
}

// readLocked reads and parses the store file. Callers must hold the file
// lock via withLock.
func (s *Store) readLocked() (storeFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return storeFile{}, fmt.Errorf("%w: read store file: %v", ErrIO, err)
	}

	var file storeFile
	if err := json.Unmarshal(data, &file); err != nil {
		return storeFile{}, fmt.Errorf("%w: parse store file: %v", ErrSchema, err)
	}
	return file, nil
}

// writeLocked pretty-prints and atomically writes the store file (temp file
// then rename). Callers must hold the file lock via withLock.
func (s *Store) writeLocked(file storeFile) error {
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal store file: %v", ErrSchema, err)
	}
	if err := renameio.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("%w: write store file: %v", ErrIO, err)
	}
	return nil
}

// withLock acquires the exclusive sibling lock file for the duration of fn,
// serializing access with any other process (including the tokens CLI)
// operating on the same store.
func (s *Store) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lockFile, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("%w: open lock file: %v", ErrIO, err)
	}
	defer lockFile.Close()

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("%w: acquire file lock: %v", ErrIO, err)
	}
	defer syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)

	return fn()
}

// newStoredToken generates a fresh plaintext/hash pair and wraps it in a
// StoredToken with the expiry policy applied.
func newStoredToken(clientName string, isAdmin bool, expiryDays int) (StoredToken, string, error) {
	plaintext, err := newPlaintextToken()
	if err != nil {
		return StoredToken{}, "", err
	}
	id, err := newTokenID()
	if err != nil {
		return StoredToken{}, "", err
	}

	tok := StoredToken{
		ID:         id,
		Hash:       hashToken(plaintext),
		ClientName: clientName,
		CreatedAt:  time.Now().UTC(),
		Admin:      isAdmin,
	}

	if !isAdmin {
		days := expiryDays
		if days == 0 {
			days = DefaultExpiryDays
		}
		if days > 0 {
			expires := tok.CreatedAt.AddDate(0, 0, days)
			tok.ExpiresAt = &expires
		}
	}

	return tok, plaintext, nil
}

// printBootstrapToken prints a freshly minted admin token's plaintext to
// the operator console exactly once; it is never persisted or logged again.
func printBootstrapToken(tok StoredToken, plaintext string) {
	fmt.Println("================================================================")
	fmt.Println("A new admin token has been generated. Save it now; it will not")
	fmt.Println("be shown again, and the store only retains its hash.")
	fmt.Printf("  token id: %s\n", tok.ID)
	fmt.Printf("  token:    %s\n", plaintext)
	fmt.Println("================================================================")
}
