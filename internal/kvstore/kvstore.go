// Package kvstore provides the small durable key/value store used to keep
// allocator state across restarts.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kvstore: closed")

// Store gets and sets string values by key.
type Store interface {
	// Get returns ok=false when the key has never been set.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	// Driver is "sqlite", "redis" or "memory".
	Driver string

	// Path is the sqlite database file.
	Path string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Open builds the store described by opts.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", "sqlite":
		return OpenSQLite(opts.Path)
	case "redis":
		return OpenRedis(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("kvstore: unknown driver %q", opts.Driver)
	}
}

// Memory is a process-local Store. It is not durable.
type Memory struct {
	mu     sync.Mutex
	data   map[string]string
	closed bool
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", false, ErrClosed
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[key] = value
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
