// Package idempotency remembers the outcome of mutating requests sent with an
// Idempotency-Key header, so a client retrying after a lost response gets the
// original answer instead of a second sale or refund.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

const (
	StatePending   = "pending"
	StateCompleted = "completed"

	DefaultTTL = 24 * time.Hour
)

var ErrNotReserved = errors.New("idempotency key is not reserved")

// Record is what is kept per key. Body holds the response exactly as it was
// first written.
type Record struct {
	Key         string    `json:"key"`
	Fingerprint string    `json:"fingerprint"`
	State       string    `json:"state"`
	StatusCode  int       `json:"status_code,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Body        []byte    `json:"body,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Store reserves keys before the request runs and completes them afterwards.
// Reserve returns reserved=true when the caller now owns the key; otherwise it
// returns the record that is already there.
type Store interface {
	Reserve(ctx context.Context, key string, fingerprint string) (*Record, bool, error)
	Complete(ctx context.Context, key string, statusCode int, contentType string, body []byte) error
	Release(ctx context.Context, key string) error
	Close() error
}

// Fingerprint identifies a request body sent to a route. Replaying a key with
// a different fingerprint is a client error.
func Fingerprint(method string, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		records: make(map[string]Record),
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Reserve(_ context.Context, key string, fingerprint string) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if existing, ok := m.records[key]; ok && !existing.Expired(now) {
		return &existing, false, nil
	}
	rec := Record{
		Key:         key,
		Fingerprint: fingerprint,
		State:       StatePending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.ttl),
	}
	m.records[key] = rec
	return &rec, true, nil
}

func (m *MemoryStore) Complete(_ context.Context, key string, statusCode int, contentType string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok || rec.State != StatePending {
		return ErrNotReserved
	}
	rec.State = StateCompleted
	rec.StatusCode = statusCode
	rec.ContentType = contentType
	rec.Body = append([]byte(nil), body...)
	m.records[key] = rec
	return nil
}

func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[key]; ok && rec.State == StatePending {
		delete(m.records, key)
	}
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}
