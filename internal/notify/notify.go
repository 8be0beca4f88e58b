// Package notify is the boundary to the local notification subsystem.
package notify

import (
	"context"
	"errors"
	"fmt"

	"doit/internal/model"
)

var (
	ErrPermissionDenied = errors.New("notification permission not granted")
	ErrPastFireTime     = errors.New("fire time is not in the future")
	ErrStopped          = errors.New("notifier stopped")
)

// SchedulingError reports a rejected schedule or cancel request.
type SchedulingError struct {
	ID  int
	Err error
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("notify: notification %d: %v", e.ID, e.Err)
}

func (e *SchedulingError) Unwrap() error { return e.Err }

// Scheduler schedules single-fire notifications. Scheduling an id that is
// already pending replaces the earlier notification.
type Scheduler interface {
	Permission(ctx context.Context) (bool, error)
	Schedule(ctx context.Context, n model.ScheduledNotification) error
	Cancel(ctx context.Context, id int) error
	Pending() []model.ScheduledNotification
}
