package session

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"
)

const ttlSession = 24 * time.Hour

// Store persists session records and the join-code directory.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Load(ctx context.Context, id string) (*Session, error)
	// Update applies fn to the stored record atomically and returns the result.
	Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error)
	Delete(ctx context.Context, id string) error

	// ClaimCode registers code for l only if the code is free.
	ClaimCode(ctx context.Context, code string, l Listing) (bool, error)
	LookupCode(ctx context.Context, code string) (*Listing, error)
	ReleaseCode(ctx context.Context, code string) error
}

// codeGen returns "CH-" followed by six uppercase alphanumerics.
func codeGen() (string, error) {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = letters[int(b[i])%len(letters)]
	}
	return fmt.Sprintf("CH-%s", string(b)), nil
}

// MemoryStore keeps everything in process. It backs single-machine sessions
// and tests.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	codes    map[string]Listing
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string]*Session{}, codes: map[string]Listing{}}
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.clone()
	return nil
}

func (m *MemoryStore) Load(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id].clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, id string, fn func(*Session) error) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionGone
	}
	next := cur.clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	m.sessions[id] = next
	return next.clone(), nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) ClaimCode(_ context.Context, code string, l Listing) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code = normCode(code)
	if _, taken := m.codes[code]; taken {
		return false, nil
	}
	m.codes[code] = l
	return true, nil
}

func (m *MemoryStore) LookupCode(_ context.Context, code string) (*Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.codes[normCode(code)]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (m *MemoryStore) ReleaseCode(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.codes, normCode(code))
	return nil
}

func normCode(code string) string { return strings.ToUpper(strings.TrimSpace(code)) }
