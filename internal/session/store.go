package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/clinicchat/internal/clock"
)

// Keys of the persisted session state.
const (
	KeyToken     = "token"
	KeyExpiresIn = "expiresIn"      // seconds
	KeyExpiresAt = "tokenExpiresAt" // unix milliseconds
)

var sessionKeys = []string{KeyToken, KeyExpiresIn, KeyExpiresAt}

// Record is the persisted form of a credential.
type Record struct {
	Token     string
	ExpiresIn time.Duration
	ExpiresAt time.Time
}

// KV is the key/value backend of a Store.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	// Put writes all entries atomically.
	Put(ctx context.Context, entries map[string]string) error
	Delete(ctx context.Context, keys ...string) error
}

// Store reads and writes the session's three persisted entries.
type Store struct {
	kv    KV
	clock clock.Clock
}

// NewStore wraps kv. A nil clock means the system clock.
func NewStore(kv KV, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{kv: kv, clock: clk}
}

// Load returns the persisted record. found is false when no token is stored;
// leftover expiry entries without a token are removed. A missing absolute
// expiry is derived from expiresIn (or the token's exp claim) and written
// back. Unusable state yields ErrInvalidCredential.
func (s *Store) Load(ctx context.Context) (Record, bool, error) {
	token, ok, err := s.kv.Get(ctx, KeyToken)
	if err != nil {
		return Record{}, false, fmt.Errorf("read %s: %w", KeyToken, err)
	}
	rawIn, hasIn, err := s.kv.Get(ctx, KeyExpiresIn)
	if err != nil {
		return Record{}, false, fmt.Errorf("read %s: %w", KeyExpiresIn, err)
	}
	rawAt, hasAt, err := s.kv.Get(ctx, KeyExpiresAt)
	if err != nil {
		return Record{}, false, fmt.Errorf("read %s: %w", KeyExpiresAt, err)
	}

	if !ok || strings.TrimSpace(token) == "" {
		if hasIn || hasAt || ok {
			if err := s.Clear(ctx); err != nil {
				return Record{}, false, fmt.Errorf("clear stale session state: %w", err)
			}
		}
		return Record{}, false, nil
	}

	rec := Record{Token: token}
	if hasIn && rawIn != "" {
		secs, err := strconv.ParseInt(rawIn, 10, 64)
		if err != nil || secs < 0 {
			return Record{}, false, fmt.Errorf("%w: %s=%q", ErrInvalidCredential, KeyExpiresIn, rawIn)
		}
		rec.ExpiresIn = time.Duration(secs) * time.Second
	}

	if hasAt && rawAt != "" {
		ms, err := strconv.ParseInt(rawAt, 10, 64)
		if err != nil {
			return Record{}, false, fmt.Errorf("%w: %s=%q", ErrInvalidCredential, KeyExpiresAt, rawAt)
		}
		rec.ExpiresAt = time.UnixMilli(ms)
		return rec, true, nil
	}

	switch {
	case rec.ExpiresIn > 0:
		rec.ExpiresAt = s.clock.Now().Add(rec.ExpiresIn)
	default:
		claims, _ := inspectToken(token)
		if claims.expiresAt.IsZero() {
			return Record{}, false, fmt.Errorf("%w: no expiry stored", ErrInvalidCredential)
		}
		rec.ExpiresAt = claims.expiresAt
	}
	if err := s.kv.Put(ctx, map[string]string{KeyExpiresAt: formatMillis(rec.ExpiresAt)}); err != nil {
		return Record{}, false, fmt.Errorf("write %s: %w", KeyExpiresAt, err)
	}
	return rec, true, nil
}

// Save persists rec, replacing any previous state.
func (s *Store) Save(ctx context.Context, rec Record) error {
	if rec.Token == "" {
		return fmt.Errorf("%w: empty token", ErrInvalidCredential)
	}
	return s.kv.Put(ctx, map[string]string{
		KeyToken:     rec.Token,
		KeyExpiresIn: strconv.FormatInt(int64(rec.ExpiresIn/time.Second), 10),
		KeyExpiresAt: formatMillis(rec.ExpiresAt),
	})
}

// Clear removes all session entries.
func (s *Store) Clear(ctx context.Context) error {
	return s.kv.Delete(ctx, sessionKeys...)
}

// Path returns the file backing the store, or "" for in-memory stores.
func (s *Store) Path() string {
	if p, ok := s.kv.(interface{ Path() string }); ok {
		return p.Path()
	}
	return ""
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// MemoryKV is an in-process KV, used by tests and when persistence is off.
type MemoryKV struct {
	mu     sync.Mutex
	values map[string]string
	writes int
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: make(map[string]string)}
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryKV) Put(_ context.Context, entries map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range entries {
		m.values[k] = v
	}
	m.writes++
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
	}
	m.writes++
	return nil
}

// Writes counts Put and Delete calls.
func (m *MemoryKV) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}
