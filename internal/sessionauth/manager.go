// SPDX-License-Identifier: MIT

// Package sessionauth enforces the single-active-session invariant: at
// most one authenticated client may hold the session slot at a time. It
// delegates credential validation and admin operations to tokenstore, but
// refuses to let an admin revoke the token currently holding the slot.
package sessionauth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voxgate/transcribe-server/internal/log"
	"github.com/voxgate/transcribe-server/internal/tokenstore"
)

// ErrSessionBusy names the condition in which a different token already
// holds the active session slot. Acquire does not return it: it reports a
// busy slot through its false result and the holder's client name.
var ErrSessionBusy = errors.New("sessionauth: session busy")

// ErrSelfRevoke is returned when an admin attempts to revoke the token
// that currently holds the active session.
var ErrSelfRevoke = errors.New("sessionauth: cannot revoke the active session's own token")

// ActiveSession is a snapshot of the client currently holding the single
// session slot.
type ActiveSession struct {
	Token      tokenstore.StoredToken
	ClientName string
	AcquiredAt time.Time
}

// Manager enforces the single-session invariant and delegates token
// lifecycle operations to the underlying tokenstore.Store.
//
// The slot itself is a sync.Mutex-guarded struct by default. When a Redis
// client is supplied via NewWithRedis, the slot's identity is mirrored into
// a Redis key with a compare-and-delete release, so the invariant holds
// across a process restart or a multi-replica deployment sitting behind a
// sticky-session load balancer.
type Manager struct {
	store *tokenstore.Store

	mu     sync.Mutex
	active *ActiveSession

	redis *redis.Client
}

// New creates a Manager whose single-session slot is local to this
// process.
func New(store *tokenstore.Store) *Manager {
	return &Manager{store: store}
}

// NewWithRedis creates a Manager whose single-session slot is additionally
// mirrored in Redis, so the invariant holds cluster-wide.
func NewWithRedis(store *tokenstore.Store, client *redis.Client) *Manager {
	return &Manager{store: store, redis: client}
}

// Validate delegates to the underlying token store.
func (m *Manager) Validate(plaintext string) (*tokenstore.StoredToken, error) {
	return m.store.Validate(plaintext)
}

// Acquire attempts to take the session slot for tok/clientName. It returns
// true if the slot was acquired (either newly, or idempotently refreshed
// because tok already held it), or false plus the name of the client
// currently holding the slot if a different token is active.
func (m *Manager) Acquire(ctx context.Context, tok tokenstore.StoredToken, clientName string) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil && m.active.Token.ID != tok.ID {
		return false, m.active.ClientName
	}

	if m.redis != nil {
		ok, holder := m.acquireRedis(ctx, tok, clientName)
		if !ok {
			return false, holder
		}
	}

	m.active = &ActiveSession{
		Token:      tok,
		ClientName: clientName,
		AcquiredAt: time.Now(),
	}
	return true, ""
}

// Release clears the session slot if plaintext authenticates as the token
// currently holding it. Returns false if there is no active session or the
// token does not match.
func (m *Manager) Release(plaintext string) (bool, error) {
	tok, err := m.store.Validate(plaintext)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil || tok == nil || m.active.Token.ID != tok.ID {
		return false, nil
	}

	m.releaseLocked()
	return true, nil
}

// IsSessionActive reports whether any client currently holds the slot.
func (m *Manager) IsSessionActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// ActiveClientName returns the name of the client holding the slot, if
// any.
func (m *Manager) ActiveClientName() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return "", false
	}
	return m.active.ClientName, true
}

// ForceRelease clears the session slot unconditionally, for admin use.
func (m *Manager) ForceRelease() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked()
}

func (m *Manager) releaseLocked() {
	if m.active == nil {
		return
	}
	if m.redis != nil {
		m.releaseRedis(context.Background(), m.active.Token.ID)
	}
	m.active = nil
}

// RevokeByID delegates to the token store, refusing to revoke the token
// currently holding the active session.
func (m *Manager) RevokeByID(id string) (bool, error) {
	m.mu.Lock()
	if m.active != nil && m.active.Token.ID == id {
		m.mu.Unlock()
		return false, ErrSelfRevoke
	}
	m.mu.Unlock()
	return m.store.RevokeByID(id)
}

const redisSessionKey = "sessionauth:active"

// acquireRedis mirrors the session slot into a single Redis key so the
// invariant holds across replicas. It uses SETNX for first acquisition and
// a plain value comparison for the idempotent-refresh case, which is safe
// because only the process already holding the in-memory lock (m.mu) ever
// calls this.
func (m *Manager) acquireRedis(ctx context.Context, tok tokenstore.StoredToken, clientName string) (bool, string) {
	ok, err := m.redis.SetNX(ctx, redisSessionKey, tok.ID, 0).Result()
	if err != nil {
		log.WithComponent("sessionauth").Warn().Err(err).Msg("redis setnx failed, falling back to local state")
		return true, ""
	}
	if ok {
		return true, ""
	}

	current, err := m.redis.Get(ctx, redisSessionKey).Result()
	if err != nil {
		log.WithComponent("sessionauth").Warn().Err(err).Msg("redis get failed, falling back to local state")
		return true, ""
	}
	if current == tok.ID {
		return true, "" // idempotent refresh
	}

	holder := clientName
	if m.active != nil {
		holder = m.active.ClientName
	}
	return false, holder
}

func (m *Manager) releaseRedis(ctx context.Context, tokenID string) {
	// GET then DEL (not atomic): a value belonging to a different token ID
	// would mean another replica already raced us, so we only delete when
	// the value still matches what we hold.
	current, err := m.redis.Get(ctx, redisSessionKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		log.WithComponent("sessionauth").Warn().Err(err).Msg("redis get failed during release")
		return
	}
	if current == tokenID {
		if err := m.redis.Del(ctx, redisSessionKey).Err(); err != nil {
			log.WithComponent("sessionauth").Warn().Err(err).Msg("redis del failed during release")
		}
	}
}
