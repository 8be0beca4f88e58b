package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"doit/internal/docstore"
	appLog "doit/internal/log"
	"doit/internal/model"
	"doit/internal/reminder"
)

// ScheduleResult reports the notification side of a write. The write itself
// has already succeeded when a ScheduleResult is returned; Error is for user
// feedback only.
type ScheduleResult struct {
	State         string                        `json:"state,omitempty"`
	Notifications []model.ScheduledNotification `json:"notifications,omitempty"`
	Error         string                        `json:"error,omitempty"`
}

func scheduleResult(err error) ScheduleResult {
	if err == nil {
		return ScheduleResult{}
	}
	return ScheduleResult{Error: err.Error()}
}

func notFound(err error) error {
	if errors.Is(err, docstore.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// SaveReminder creates or replaces a reminder, then schedules its
// notification. A new reminder gets a generated id.
func (e *Engine) SaveReminder(ctx context.Context, userID string, r model.Reminder) (model.Reminder, ScheduleResult, error) {
	r.Title = strings.TrimSpace(r.Title)
	if r.Title == "" {
		return r, ScheduleResult{}, invalid("title is required")
	}
	if r.DueAt.IsZero() {
		return r, ScheduleResult{}, invalid("end_date is required")
	}
	if _, err := e.correction.Correct(r.DueAt); err != nil {
		return r, ScheduleResult{}, invalid("end_date: %v", err)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if err := e.store.PutReminder(ctx, userID, r); err != nil {
		return r, ScheduleResult{}, fmt.Errorf("app: save reminder: %w", err)
	}

	out, err := e.reminders.Schedule(ctx, userID, r)
	res := scheduleResult(err)
	res.State = string(out.State)
	if out.State == reminder.StateScheduled {
		res.Notifications = []model.ScheduledNotification{{
			ID:     out.NotificationID,
			Title:  reminder.NotificationTitle,
			Body:   reminder.NotificationBody(r.Title),
			FireAt: out.FireAt,
			Kind:   model.NotificationReminder,
			RefID:  r.ID,
		}}
	}
	if out.Disabled {
		r.Enabled = false
	}
	return r, res, nil
}

func (e *Engine) DeleteReminder(ctx context.Context, userID, reminderID string) error {
	if _, err := e.store.Reminder(ctx, userID, reminderID); err != nil {
		return notFound(err)
	}
	if err := e.store.DeleteReminder(ctx, userID, reminderID); err != nil {
		return fmt.Errorf("app: delete reminder: %w", err)
	}
	if err := e.reminders.Cancel(ctx, userID, reminderID); err != nil {
		appLog.Warn("reminder notification not cancelled", "user", userID, "reminder", reminderID, "err", err)
	}
	return nil
}

// SaveEvent creates or replaces an event, then replaces its pending
// notifications with fresh ones for the tiers still ahead.
func (e *Engine) SaveEvent(ctx context.Context, userID string, ev model.CalendarEvent) (model.CalendarEvent, ScheduleResult, error) {
	ev.Title = strings.TrimSpace(ev.Title)
	if ev.Title == "" {
		return ev, ScheduleResult{}, invalid("title is required")
	}
	if ev.OccursAt.IsZero() {
		return ev, ScheduleResult{}, invalid("date is required")
	}
	if _, err := e.correction.Correct(ev.OccursAt); err != nil {
		return ev, ScheduleResult{}, invalid("date: %v", err)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if err := e.store.PutEvent(ctx, userID, ev); err != nil {
		return ev, ScheduleResult{}, fmt.Errorf("app: save event: %w", err)
	}

	out, err := e.events.Schedule(ctx, userID, ev, e.now())
	res := scheduleResult(err)
	res.Notifications = out.Scheduled
	return ev, res, nil
}

func (e *Engine) DeleteEvent(ctx context.Context, userID, eventID string) error {
	if _, err := e.store.Event(ctx, userID, eventID); err != nil {
		return notFound(err)
	}
	if err := e.store.DeleteEvent(ctx, userID, eventID); err != nil {
		return fmt.Errorf("app: delete event: %w", err)
	}
	if err := e.events.Cancel(ctx, userID, eventID); err != nil {
		appLog.Warn("event notifications not cancelled", "user", userID, "event", eventID, "err", err)
	}
	return nil
}

func (e *Engine) SaveSubject(ctx context.Context, userID string, s model.Subject) (model.Subject, error) {
	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		return s, invalid("name is required")
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if err := e.store.PutSubject(ctx, userID, s); err != nil {
		return s, fmt.Errorf("app: save subject: %w", err)
	}
	return s, nil
}

// DeleteSubject removes a subject together with its tasks and notes.
func (e *Engine) DeleteSubject(ctx context.Context, userID, subjectID string) error {
	if err := e.requireSubject(ctx, userID, subjectID); err != nil {
		return err
	}
	if err := e.store.DeleteSubject(ctx, userID, subjectID); err != nil {
		return fmt.Errorf("app: delete subject: %w", err)
	}
	return nil
}

func (e *Engine) SaveTask(ctx context.Context, userID string, t model.Task) (model.Task, error) {
	t.Title = strings.TrimSpace(t.Title)
	if t.Title == "" {
		return t, invalid("title is required")
	}
	for i, it := range t.Items {
		if strings.TrimSpace(it.Name) == "" {
			return t, invalid("item %d has no name", i)
		}
	}
	if err := e.requireSubject(ctx, userID, t.SubjectID); err != nil {
		return t, err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if err := e.store.PutTask(ctx, userID, t); err != nil {
		return t, fmt.Errorf("app: save task: %w", err)
	}
	return t, nil
}

func (e *Engine) DeleteTask(ctx context.Context, userID, subjectID, taskID string) error {
	tasks, err := e.store.Tasks(ctx, userID, subjectID)
	if err != nil {
		return notFound(err)
	}
	found := false
	for _, t := range tasks {
		if t.ID == taskID {
			found = true
			break
		}
	}
	if !found {
		return ErrNotFound
	}
	if err := e.store.DeleteTask(ctx, userID, subjectID, taskID); err != nil {
		return fmt.Errorf("app: delete task: %w", err)
	}
	return nil
}

func (e *Engine) SaveNote(ctx context.Context, userID string, n model.Note) (model.Note, error) {
	n.Title = strings.TrimSpace(n.Title)
	if n.Title == "" {
		return n, invalid("title is required")
	}
	if err := e.requireSubject(ctx, userID, n.SubjectID); err != nil {
		return n, err
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if err := e.store.PutNote(ctx, userID, n); err != nil {
		return n, fmt.Errorf("app: save note: %w", err)
	}
	return n, nil
}

func (e *Engine) Notes(ctx context.Context, userID, subjectID string) ([]model.Note, error) {
	if err := e.requireSubject(ctx, userID, subjectID); err != nil {
		return nil, err
	}
	return e.store.Notes(ctx, userID, subjectID)
}

func (e *Engine) requireSubject(ctx context.Context, userID, subjectID string) error {
	if subjectID == "" {
		return invalid("subject_id is required")
	}
	subjects, err := e.store.Subjects(ctx, userID)
	if err != nil {
		return fmt.Errorf("app: list subjects: %w", err)
	}
	for _, s := range subjects {
		if s.ID == subjectID {
			return nil
		}
	}
	return ErrNotFound
}
