package reconnect

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/park285/duel/internal/duel"
)

// Record tracks one unintentional disconnect until it is recovered or given up.
type Record struct {
	SessionID      string    `json:"session_id"`
	Side           duel.Side `json:"side"`
	ClientID       string    `json:"client_id,omitempty"`
	DisconnectedAt time.Time `json:"disconnected_at"`
	LastHalfMove   int       `json:"last_half_move"`
	Attempts       int       `json:"attempts"`
	Active         bool      `json:"active"`
}

type Store interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, sessionID string, side duel.Side) (*Record, error)
	Delete(ctx context.Context, sessionID string, side duel.Side) error
}

type memKey struct {
	session string
	side    duel.Side
}

type MemoryStore struct {
	mu   sync.Mutex
	recs map[memKey]Record
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{recs: map[memKey]Record{}} }

func (m *MemoryStore) Save(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[memKey{rec.SessionID, rec.Side}] = rec
	return nil
}

func (m *MemoryStore) Load(_ context.Context, sessionID string, side duel.Side) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[memKey{sessionID, side}]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Delete(_ context.Context, sessionID string, side duel.Side) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, memKey{sessionID, side})
	return nil
}

// RedisStore keeps records under duel:reconnect:<session>:<side>.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func keyRecord(sessionID string, side duel.Side) string {
	return "duel:reconnect:" + sessionID + ":" + string(side)
}

func (s *RedisStore) Save(ctx context.Context, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, keyRecord(rec.SessionID, rec.Side), raw, s.ttl).Err()
}

func (s *RedisStore) Load(ctx context.Context, sessionID string, side duel.Side) (*Record, error) {
	raw, err := s.rdb.Get(ctx, keyRecord(sessionID, side)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID string, side duel.Side) error {
	return s.rdb.Del(ctx, keyRecord(sessionID, side)).Err()
}
