package docstore

import (
	"context"
	"fmt"
	"sync"

	appLog "doit/internal/log"
	"doit/internal/model"
)

// collection keeps ordered documents per path and fans snapshots out to
// watchers. Each watcher channel has room for one snapshot; publishing
// replaces an unread snapshot with the new one.
type collection[T any] struct {
	name string
	id   func(T) string

	mu   sync.Mutex
	docs map[string][]T
	subs map[string]map[chan []T]struct{}
}

func newCollection[T any](name string, id func(T) string) *collection[T] {
	return &collection[T]{
		name: name,
		id:   id,
		docs: make(map[string][]T),
		subs: make(map[string]map[chan []T]struct{}),
	}
}

func (c *collection[T]) list(path string) []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.docs[path]...)
}

func (c *collection[T]) get(path, id string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.docs[path] {
		if c.id(d) == id {
			return d, true
		}
	}
	var zero T
	return zero, false
}

func (c *collection[T]) put(path string, doc T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	docs := c.docs[path]
	id := c.id(doc)
	replaced := false
	for i := range docs {
		if c.id(docs[i]) == id {
			docs[i] = doc
			replaced = true
			break
		}
	}
	if !replaced {
		docs = append(docs, doc)
	}
	c.docs[path] = docs
	c.publishLocked(path)
}

func (c *collection[T]) update(path, id string, fn func(*T)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	docs := c.docs[path]
	for i := range docs {
		if c.id(docs[i]) == id {
			fn(&docs[i])
			c.publishLocked(path)
			return true
		}
	}
	return false
}

func (c *collection[T]) remove(path, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	docs := c.docs[path]
	for i := range docs {
		if c.id(docs[i]) == id {
			c.docs[path] = append(docs[:i:i], docs[i+1:]...)
			c.publishLocked(path)
			return true
		}
	}
	return false
}

func (c *collection[T]) dropPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.docs[path]; !ok {
		return
	}
	delete(c.docs, path)
	c.publishLocked(path)
}

func (c *collection[T]) watch(ctx context.Context, path string) <-chan []T {
	ch := make(chan []T, 1)

	c.mu.Lock()
	if c.subs[path] == nil {
		c.subs[path] = make(map[chan []T]struct{})
	}
	c.subs[path][ch] = struct{}{}
	ch <- append([]T(nil), c.docs[path]...)
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		delete(c.subs[path], ch)
		if len(c.subs[path]) == 0 {
			delete(c.subs, path)
		}
		close(ch)
		c.mu.Unlock()
	}()
	return ch
}

func (c *collection[T]) publishLocked(path string) {
	subs := c.subs[path]
	if len(subs) == 0 {
		return
	}
	snap := append([]T(nil), c.docs[path]...)
	for ch := range subs {
		select {
		case <-ch:
			appLog.Debug("docstore: superseded snapshot dropped", "collection", c.name, "path", path)
		default:
		}
		ch <- snap
	}
}

func subPath(userID, subjectID string) string { return userID + "/" + subjectID }

// Memory is an in-process Store. It stands in for the hosted document
// store in tests, the dashboard command and single-node serving.
type Memory struct {
	subjects  *collection[model.Subject]
	tasks     *collection[model.Task]
	notes     *collection[model.Note]
	reminders *collection[model.Reminder]
	events    *collection[model.CalendarEvent]
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		subjects:  newCollection("subjects", func(s model.Subject) string { return s.ID }),
		tasks:     newCollection("tasks", func(t model.Task) string { return t.ID }),
		notes:     newCollection("notes", func(n model.Note) string { return n.ID }),
		reminders: newCollection("reminders", func(r model.Reminder) string { return r.ID }),
		events:    newCollection("events", func(e model.CalendarEvent) string { return e.ID }),
	}
}

func (m *Memory) WatchSubjects(ctx context.Context, userID string) <-chan []model.Subject {
	return m.subjects.watch(ctx, userID)
}

func (m *Memory) WatchTasks(ctx context.Context, userID, subjectID string) <-chan []model.Task {
	return m.tasks.watch(ctx, subPath(userID, subjectID))
}

func (m *Memory) WatchReminders(ctx context.Context, userID string) <-chan []model.Reminder {
	return m.reminders.watch(ctx, userID)
}

func (m *Memory) WatchEvents(ctx context.Context, userID string) <-chan []model.CalendarEvent {
	return m.events.watch(ctx, userID)
}

func (m *Memory) Subjects(_ context.Context, userID string) ([]model.Subject, error) {
	return m.subjects.list(userID), nil
}

func (m *Memory) Tasks(_ context.Context, userID, subjectID string) ([]model.Task, error) {
	return m.tasks.list(subPath(userID, subjectID)), nil
}

func (m *Memory) Notes(_ context.Context, userID, subjectID string) ([]model.Note, error) {
	return m.notes.list(subPath(userID, subjectID)), nil
}

func (m *Memory) Reminders(_ context.Context, userID string) ([]model.Reminder, error) {
	return m.reminders.list(userID), nil
}

func (m *Memory) Reminder(_ context.Context, userID, reminderID string) (model.Reminder, error) {
	r, ok := m.reminders.get(userID, reminderID)
	if !ok {
		return model.Reminder{}, fmt.Errorf("reminder %s: %w", reminderID, ErrNotFound)
	}
	return r, nil
}

func (m *Memory) Events(_ context.Context, userID string) ([]model.CalendarEvent, error) {
	return m.events.list(userID), nil
}

func (m *Memory) Event(_ context.Context, userID, eventID string) (model.CalendarEvent, error) {
	ev, ok := m.events.get(userID, eventID)
	if !ok {
		return model.CalendarEvent{}, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	return ev, nil
}

func (m *Memory) PutSubject(_ context.Context, userID string, s model.Subject) error {
	if s.ID == "" {
		return fmt.Errorf("docstore: subject without id")
	}
	m.subjects.put(userID, s)
	return nil
}

// DeleteSubject removes the subject together with its tasks and notes.
func (m *Memory) DeleteSubject(_ context.Context, userID, subjectID string) error {
	if !m.subjects.remove(userID, subjectID) {
		return fmt.Errorf("subject %s: %w", subjectID, ErrNotFound)
	}
	m.tasks.dropPath(subPath(userID, subjectID))
	m.notes.dropPath(subPath(userID, subjectID))
	return nil
}

func (m *Memory) PutTask(_ context.Context, userID string, t model.Task) error {
	if t.ID == "" || t.SubjectID == "" {
		return fmt.Errorf("docstore: task needs id and subject_id")
	}
	m.tasks.put(subPath(userID, t.SubjectID), t)
	return nil
}

func (m *Memory) DeleteTask(_ context.Context, userID, subjectID, taskID string) error {
	if !m.tasks.remove(subPath(userID, subjectID), taskID) {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return nil
}

func (m *Memory) PutNote(_ context.Context, userID string, n model.Note) error {
	if n.ID == "" || n.SubjectID == "" {
		return fmt.Errorf("docstore: note needs id and subject_id")
	}
	m.notes.put(subPath(userID, n.SubjectID), n)
	return nil
}

func (m *Memory) PutReminder(_ context.Context, userID string, r model.Reminder) error {
	if r.ID == "" {
		return fmt.Errorf("docstore: reminder without id")
	}
	m.reminders.put(userID, r)
	return nil
}

func (m *Memory) DeleteReminder(_ context.Context, userID, reminderID string) error {
	if !m.reminders.remove(userID, reminderID) {
		return fmt.Errorf("reminder %s: %w", reminderID, ErrNotFound)
	}
	return nil
}

func (m *Memory) SetReminderEnabled(_ context.Context, userID, reminderID string, enabled bool) error {
	ok := m.reminders.update(userID, reminderID, func(r *model.Reminder) { r.Enabled = enabled })
	if !ok {
		return fmt.Errorf("reminder %s: %w", reminderID, ErrNotFound)
	}
	return nil
}

func (m *Memory) PutEvent(_ context.Context, userID string, ev model.CalendarEvent) error {
	if ev.ID == "" {
		return fmt.Errorf("docstore: event without id")
	}
	m.events.put(userID, ev)
	return nil
}

func (m *Memory) DeleteEvent(_ context.Context, userID, eventID string) error {
	if !m.events.remove(userID, eventID) {
		return fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	return nil
}
