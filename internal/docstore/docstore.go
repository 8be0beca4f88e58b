// Package docstore is the boundary to the document store holding a user's
// subjects, tasks, notes, reminders and events.
//
// Reads are live snapshot streams: every Watch channel first yields the
// current snapshot and then a fresh full snapshot after each change. A slow
// reader only ever sees the latest snapshot; superseded ones are dropped.
package docstore

import (
	"context"
	"errors"

	"doit/internal/model"
)

var ErrNotFound = errors.New("docstore: not found")

type Reader interface {
	WatchSubjects(ctx context.Context, userID string) <-chan []model.Subject
	WatchTasks(ctx context.Context, userID, subjectID string) <-chan []model.Task
	WatchReminders(ctx context.Context, userID string) <-chan []model.Reminder
	WatchEvents(ctx context.Context, userID string) <-chan []model.CalendarEvent

	Subjects(ctx context.Context, userID string) ([]model.Subject, error)
	Tasks(ctx context.Context, userID, subjectID string) ([]model.Task, error)
	Notes(ctx context.Context, userID, subjectID string) ([]model.Note, error)
	Reminders(ctx context.Context, userID string) ([]model.Reminder, error)
	Reminder(ctx context.Context, userID, reminderID string) (model.Reminder, error)
	Events(ctx context.Context, userID string) ([]model.CalendarEvent, error)
	Event(ctx context.Context, userID, eventID string) (model.CalendarEvent, error)
}

// Writer performs point writes. Put creates or replaces by id.
type Writer interface {
	PutSubject(ctx context.Context, userID string, s model.Subject) error
	DeleteSubject(ctx context.Context, userID, subjectID string) error
	PutTask(ctx context.Context, userID string, t model.Task) error
	DeleteTask(ctx context.Context, userID, subjectID, taskID string) error
	PutNote(ctx context.Context, userID string, n model.Note) error
	PutReminder(ctx context.Context, userID string, r model.Reminder) error
	DeleteReminder(ctx context.Context, userID, reminderID string) error
	SetReminderEnabled(ctx context.Context, userID, reminderID string, enabled bool) error
	PutEvent(ctx context.Context, userID string, ev model.CalendarEvent) error
	DeleteEvent(ctx context.Context, userID, eventID string) error
}

type Store interface {
	Reader
	Writer
}
