// Package notifyid allocates integer ids for scheduled event notifications.
package notifyid

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"doit/internal/kvstore"
)

const (
	// DefaultKey is the durable key holding the last reserved id.
	DefaultKey = "lastNotificationId"

	// DefaultIncrement is how far the stored value advances per call. Event
	// scheduling asks for steps 1..3 in one pass, so 3 keeps every id of a
	// pass inside one reserved block.
	DefaultIncrement = 3

	// ReminderIDBase splits the id space: allocated ids stay below it,
	// stable reminder ids live at or above it.
	ReminderIDBase = 1 << 30
)

// ErrAllocation matches every *AllocationError via errors.Is.
var ErrAllocation = errors.New("notification id allocation failed")

// AllocationError means the durable id store could not be used.
type AllocationError struct {
	Op  string
	Err error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("notifyid: %s: %v", e.Op, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

func (e *AllocationError) Is(target error) bool { return target == ErrAllocation }

// Allocator hands out strictly increasing ids. Calls are serialized in
// submission order; each call reads the stored value once and writes it
// once.
type Allocator struct {
	mu        sync.Mutex
	store     kvstore.Store
	key       string
	increment int
}

// New creates an Allocator. Empty key and non-positive increment fall back
// to the defaults.
func New(store kvstore.Store, key string, increment int) *Allocator {
	if key == "" {
		key = DefaultKey
	}
	if increment <= 0 {
		increment = DefaultIncrement
	}
	return &Allocator{store: store, key: key, increment: increment}
}

// NextID returns lastId + step and stores lastId + max(increment, step).
// Advancing by at least step keeps later results above this one.
func (a *Allocator) NextID(ctx context.Context, step int) (int, error) {
	if step <= 0 {
		return 0, fmt.Errorf("notifyid: step must be positive, got %d", step)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.store == nil {
		return 0, &AllocationError{Op: "read", Err: errors.New("no durable store configured")}
	}

	last, err := a.readLast(ctx)
	if err != nil {
		return 0, err
	}

	advance := a.increment
	if step > advance {
		advance = step
	}
	next := last + advance
	if next >= ReminderIDBase {
		return 0, &AllocationError{Op: "advance", Err: fmt.Errorf("id space exhausted at %d", last)}
	}

	if err := a.store.Set(ctx, a.key, strconv.Itoa(next)); err != nil {
		return 0, &AllocationError{Op: "write", Err: err}
	}
	return last + step, nil
}

// Last returns the stored value, 0 if nothing was allocated yet.
func (a *Allocator) Last(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.store == nil {
		return 0, &AllocationError{Op: "read", Err: errors.New("no durable store configured")}
	}
	return a.readLast(ctx)
}

func (a *Allocator) readLast(ctx context.Context) (int, error) {
	raw, ok, err := a.store.Get(ctx, a.key)
	if err != nil {
		return 0, &AllocationError{Op: "read", Err: err}
	}
	if !ok || raw == "" {
		return 0, nil
	}
	last, err := strconv.Atoi(raw)
	if err != nil || last < 0 {
		return 0, &AllocationError{Op: "read", Err: fmt.Errorf("corrupt value %q", raw)}
	}
	return last, nil
}
