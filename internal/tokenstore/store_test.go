// SPDX-License-Identifier: MIT

package tokenstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tokens.json")
	s, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	return s, path
}

func TestOpen_BootstrapsAdminToken(t *testing.T) {
	s, path := newTestStore(t)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var file storeFile
	require.NoError(t, json.Unmarshal(data, &file))

	require.Equal(t, CurrentSchemaVersion, file.Version)
	require.Len(t, file.Tokens, 1)
	require.True(t, file.Tokens[0].Admin)
	require.False(t, file.Tokens[0].Revoked)
	require.Nil(t, file.Tokens[0].ExpiresAt)

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestGenerate_NonAdminDefaultExpiry(t *testing.T) {
	s, _ := newTestStore(t)

	tok, plaintext, err := s.Generate("client-a", false, 0)
	require.NoError(t, err)
	require.NotEmpty(t, plaintext)
	require.False(t, tok.Admin)
	require.NotNil(t, tok.ExpiresAt)

	wantExpiry := time.Now().UTC().AddDate(0, 0, DefaultExpiryDays)
	require.WithinDuration(t, wantExpiry, *tok.ExpiresAt, time.Minute)
}

func TestGenerate_NoExpiryWhenDaysNonPositive(t *testing.T) {
	s, _ := newTestStore(t)

	tok, _, err := s.Generate("client-b", false, -1)
	require.NoError(t, err)
	require.Nil(t, tok.ExpiresAt)
}

func TestValidate_RoundTrip(t *testing.T) {
	s, _ := newTestStore(t)

	_, plaintext, err := s.Generate("client-c", false, 30)
	require.NoError(t, err)

	tok, err := s.Validate(plaintext)
	require.NoError(t, err)
	require.NotNil(t, tok)
	require.Equal(t, "client-c", tok.ClientName)

	unknown, err := s.Validate("not-a-real-token")
	require.NoError(t, err)
	require.Nil(t, unknown)
}

func TestIsAdmin(t *testing.T) {
	s, _ := newTestStore(t)

	_, nonAdminPlaintext, err := s.Generate("client-d", false, 30)
	require.NoError(t, err)

	_, adminPlaintext, err := s.Generate("client-admin", true, 0)
	require.NoError(t, err)

	isAdmin, err := s.IsAdmin(adminPlaintext)
	require.NoError(t, err)
	require.True(t, isAdmin)

	isAdmin, err = s.IsAdmin(nonAdminPlaintext)
	require.NoError(t, err)
	require.False(t, isAdmin)
}

func TestRevokeByPlaintext(t *testing.T) {
	s, _ := newTestStore(t)

	_, plaintext, err := s.Generate("client-e", false, 30)
	require.NoError(t, err)

	ok, err := s.RevokeByPlaintext(plaintext)
	require.NoError(t, err)
	require.True(t, ok)

	tok, err := s.Validate(plaintext)
	require.NoError(t, err)
	require.Nil(t, tok, "revoked token must not authenticate")

	ok, err = s.RevokeByPlaintext("never-existed")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRevokeByID(t *testing.T) {
	s, _ := newTestStore(t)

	tok, _, err := s.Generate("client-f", false, 30)
	require.NoError(t, err)

	ok, err := s.RevokeByID(tok.ID)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetByID(tok.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.True(t, got.Revoked)
}

func TestExpiredTokenDoesNotAuthenticate(t *testing.T) {
	s, path := newTestStore(t)

	tok, plaintext, err := s.Generate("client-g", false, 1)
	require.NoError(t, err)

	// Force the token into the past directly in the store file, since the
	// public API has no way to mint an already-expired token.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var file storeFile
	require.NoError(t, json.Unmarshal(data, &file))
	for i := range file.Tokens {
		if file.Tokens[i].ID == tok.ID {
			expired := time.Now().UTC().Add(-time.Hour)
			file.Tokens[i].ExpiresAt = &expired
		}
	}
	require.NoError(t, s.writeLocked(file))

	got, err := s.Validate(plaintext)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestOpen_MigratesStaleSchemaAndDiscardsTokens(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tokens.json")

	stale := storeFile{
		Version:   CurrentSchemaVersion - 1,
		SecretKey: "old-secret",
		Tokens: []StoredToken{
			{ID: "old-1", Hash: "deadbeef", ClientName: "legacy", Admin: false},
		},
	}
	data, err := json.MarshalIndent(stale, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	s, err := Open(path, zerolog.Nop())
	require.NoError(t, err)

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 1, "migration discards old tokens and mints exactly one new admin token")
	require.True(t, list[0].Admin)
	require.NotEqual(t, "old-1", list[0].ID)
}
