package model

import (
	"time"

	"doit/internal/timenorm"
)

// Subject is a study subject; it owns tasks and notes.
type Subject struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

// Note has no scheduling behavior; it is carried for completeness of the
// subject tree.
type Note struct {
	ID        string `json:"id" yaml:"id"`
	SubjectID string `json:"subject_id" yaml:"subject_id"`
	Title     string `json:"title" yaml:"title"`
	Content   string `json:"content" yaml:"content"`
}

// Item is one checklist entry of a Task.
type Item struct {
	Name      string `json:"name" yaml:"name"`
	Completed bool   `json:"completed" yaml:"completed"`
}

// Task is a checklist belonging to a subject.
type Task struct {
	ID          string `json:"id" yaml:"id"`
	SubjectID   string `json:"subject_id" yaml:"subject_id"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description" yaml:"description"`
	Items       []Item `json:"items" yaml:"items"`
}

// CompletionPercentage returns 100 * completed / total. ok is false for a
// task without items, whose percentage is undefined.
func (t Task) CompletionPercentage() (pct float64, ok bool) {
	if len(t.Items) == 0 {
		return 0, false
	}
	done := 0
	for _, it := range t.Items {
		if it.Completed {
			done++
		}
	}
	return 100 * float64(done) / float64(len(t.Items)), true
}

// Reminder is a single time-bound prompt. DueAt is the raw stored value,
// before the regional correction.
type Reminder struct {
	ID          string            `json:"id" yaml:"id"`
	Title       string            `json:"title" yaml:"title"`
	Description string            `json:"description" yaml:"description"`
	DueAt       timenorm.DateLike `json:"end_date" yaml:"end_date"`
	Enabled     bool              `json:"enabled" yaml:"enabled"`
}

// CalendarEvent is a dated event. OccursAt is the raw stored value, before
// the regional correction.
type CalendarEvent struct {
	ID          string            `json:"id" yaml:"id"`
	Title       string            `json:"title" yaml:"title"`
	Description string            `json:"description" yaml:"description"`
	OccursAt    timenorm.DateLike `json:"date" yaml:"date"`

	// Source is set for events imported from a calendar subscription.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
}

// ScheduledNotification is handed to the local notification subsystem. It
// is not persisted as a domain entity.
type ScheduledNotification struct {
	ID     int       `json:"id"`
	Title  string    `json:"title"`
	Body   string    `json:"body"`
	FireAt time.Time `json:"fire_at"`

	// Kind and RefID link the notification back to the reminder or event
	// that produced it.
	Kind  string `json:"kind"`
	RefID string `json:"ref_id"`
}

const (
	NotificationReminder = "reminder"
	NotificationEvent    = "event"
)
