// Package resultcache is a small key/value store with per-entry expiry used
// to keep finished job results readable after the job queue forgets them.
package resultcache

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrMiss is returned by Get for absent or expired keys.
var ErrMiss = errors.New("resultcache: miss")

// JobResultPrefix prefixes finished job results of every queue.
const JobResultPrefix = "job:result:"

// JobResultKey is the cache key of the result for requestID.
func JobResultKey(requestID string) string {
	return JobResultPrefix + requestID
}

// Cache stores opaque values with a time-to-live.
type Cache interface {
	SetEx(ctx context.Context, key string, ttl time.Duration, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, key string) error
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process Cache. Expired entries are dropped lazily on read
// and by Sweep.
type Memory struct {
	now func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

func NewMemory() *Memory {
	return &Memory{now: time.Now, entries: make(map[string]entry)}
}

func (m *Memory) SetEx(_ context.Context, key string, ttl time.Duration, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	m.mu.Lock()
	m.entries[key] = entry{value: v, expiresAt: m.now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, ErrMiss
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil, ErrMiss
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *Memory) Del(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Sweep removes every expired entry and returns how many were dropped.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for k, e := range m.entries {
		if !now.Before(e.expiresAt) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}
