package dashboard

import (
	"sync"
	"time"

	"doit/internal/model"
	"doit/internal/timenorm"
)

type Options struct {
	Correction timenorm.Correction
	// Horizon for the upcoming reminder; zero means DefaultHorizon.
	Horizon time.Duration
	Now     func() time.Time
}

// Aggregator holds the latest snapshot of each input stream of one user.
// Each Set call replaces one snapshot and recomputes the whole Summary, so
// a superseded snapshot never leaks into the result.
type Aggregator struct {
	mu         sync.Mutex
	correction timenorm.Correction
	horizon    time.Duration
	now        func() time.Time

	subjects  []model.Subject
	tasks     map[string][]model.Task
	reminders []model.Reminder
	events    []model.CalendarEvent

	summary Summary
}

func NewAggregator(opts Options) *Aggregator {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	a := &Aggregator{
		correction: opts.Correction,
		horizon:    opts.Horizon,
		now:        now,
		tasks:      make(map[string][]model.Task),
	}
	a.summary = a.computeLocked(now())
	return a
}

// SetSubjects replaces the subject list. Its order is the order in which
// tasks are considered for the least-completed tie-break.
func (a *Aggregator) SetSubjects(subjects []model.Subject) Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subjects = append([]model.Subject(nil), subjects...)

	keep := make(map[string]bool, len(subjects))
	for _, s := range subjects {
		keep[s.ID] = true
	}
	for id := range a.tasks {
		if !keep[id] {
			delete(a.tasks, id)
		}
	}
	return a.recomputeLocked()
}

// SetTasks replaces the tasks of one subject.
func (a *Aggregator) SetTasks(subjectID string, tasks []model.Task) Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tasks[subjectID] = append([]model.Task(nil), tasks...)
	return a.recomputeLocked()
}

func (a *Aggregator) SetReminders(reminders []model.Reminder) Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reminders = append([]model.Reminder(nil), reminders...)
	return a.recomputeLocked()
}

func (a *Aggregator) SetEvents(events []model.CalendarEvent) Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append([]model.CalendarEvent(nil), events...)
	return a.recomputeLocked()
}

// Recompute rebuilds the Summary at now without new input, for the
// periodic sweep: reminders expire and the day rolls over with time alone.
func (a *Aggregator) Recompute(now time.Time) Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.summary = a.computeLocked(now)
	return a.summary
}

// Summary returns the last computed Summary.
func (a *Aggregator) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.summary
}

// EventsOn answers the calendar view from the current event snapshot.
func (a *Aggregator) EventsOn(day time.Time) []EventSummary {
	a.mu.Lock()
	events := a.events
	a.mu.Unlock()
	return EventsOn(a.correction, events, day)
}

// Reminders returns the current reminder snapshot.
func (a *Aggregator) Reminders() []model.Reminder {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.Reminder(nil), a.reminders...)
}

// Events returns the current event snapshot.
func (a *Aggregator) Events() []model.CalendarEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.CalendarEvent(nil), a.events...)
}

func (a *Aggregator) recomputeLocked() Summary {
	a.summary = a.computeLocked(a.now())
	return a.summary
}

func (a *Aggregator) computeLocked(now time.Time) Summary {
	groups := make([]SubjectTasks, 0, len(a.subjects))
	for _, s := range a.subjects {
		groups = append(groups, SubjectTasks{Subject: s, Tasks: a.tasks[s.ID]})
	}
	return Compute(a.correction, groups, a.reminders, a.events, now, a.horizon)
}
