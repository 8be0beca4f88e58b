// Package dashboard derives the summary view from the latest snapshots of a
// user's subjects, tasks, reminders and events.
//
// Every function here is pure. Records whose dates cannot be normalized are
// logged and left out of the result.
package dashboard

import (
	"time"

	appLog "doit/internal/log"
	"doit/internal/model"
	"doit/internal/timenorm"
)

// DefaultHorizon bounds how far ahead UpcomingReminder looks.
const DefaultHorizon = 24 * time.Hour

// SubjectTasks is the task snapshot of one subject.
type SubjectTasks struct {
	Subject model.Subject
	Tasks   []model.Task
}

type TaskSummary struct {
	Task       model.Task `json:"task"`
	SubjectID  string     `json:"subject_id"`
	Percentage float64    `json:"percentage"`
}

type ReminderSummary struct {
	Reminder model.Reminder `json:"reminder"`
	DueAt    time.Time      `json:"due_at"`
}

type EventSummary struct {
	Event    model.CalendarEvent `json:"event"`
	OccursAt time.Time           `json:"occurs_at"`
}

// Summary is the full dashboard. Nil pointers mean there is no candidate.
type Summary struct {
	TodayEvents    []EventSummary   `json:"today_events"`
	LeastCompleted *TaskSummary     `json:"least_completed_task"`
	Upcoming       *ReminderSummary `json:"upcoming_reminder"`

	// Expired lists enabled reminders found past due, already flipped to
	// Enabled=false. The caller writes them back.
	Expired []model.Reminder `json:"expired_reminders,omitempty"`

	ComputedAt time.Time `json:"computed_at"`
}

// TodayEvents returns the events whose corrected instant falls on now's
// calendar date in the correction's location.
func TodayEvents(c timenorm.Correction, events []model.CalendarEvent, now time.Time) []EventSummary {
	return EventsOn(c, events, now)
}

// EventsOn returns the events on day's calendar date, in input order.
func EventsOn(c timenorm.Correction, events []model.CalendarEvent, day time.Time) []EventSummary {
	loc := c.Location()
	y, m, d := day.In(loc).Date()

	out := []EventSummary{}
	for _, ev := range events {
		at, err := c.Correct(ev.OccursAt)
		if err != nil {
			appLog.Warn("event excluded from dashboard", "event", ev.ID, "err", err)
			continue
		}
		ey, em, ed := at.Time().In(loc).Date()
		if ey == y && em == m && ed == d {
			out = append(out, EventSummary{Event: ev, OccursAt: at.Time()})
		}
	}
	return out
}

// LeastCompletedTask returns the task with the lowest completion percentage
// across all subjects. Tasks without items are not candidates. Ties go to
// the first task encountered.
func LeastCompletedTask(groups []SubjectTasks) *TaskSummary {
	var best *TaskSummary
	for _, g := range groups {
		for _, t := range g.Tasks {
			pct, ok := t.CompletionPercentage()
			if !ok {
				continue
			}
			if best == nil || pct < best.Percentage {
				best = &TaskSummary{Task: t, SubjectID: g.Subject.ID, Percentage: pct}
			}
		}
	}
	return best
}

// UpcomingReminder returns the enabled reminder due soonest within
// (now, now+horizon]. Ties go to the first reminder encountered.
func UpcomingReminder(c timenorm.Correction, reminders []model.Reminder, now time.Time, horizon time.Duration) *ReminderSummary {
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	limit := now.Add(horizon)

	var best *ReminderSummary
	for _, r := range reminders {
		if !r.Enabled {
			continue
		}
		due, err := c.Correct(r.DueAt)
		if err != nil {
			appLog.Warn("reminder excluded from dashboard", "reminder", r.ID, "err", err)
			continue
		}
		at := due.Time()
		if !at.After(now) || at.After(limit) {
			continue
		}
		if best == nil || at.Before(best.DueAt) {
			best = &ReminderSummary{Reminder: r, DueAt: at}
		}
	}
	return best
}

// ExpiredReminders returns copies of the enabled reminders due at or before
// now, with Enabled cleared.
func ExpiredReminders(c timenorm.Correction, reminders []model.Reminder, now time.Time) []model.Reminder {
	var out []model.Reminder
	for _, r := range reminders {
		if !r.Enabled {
			continue
		}
		due, err := c.Correct(r.DueAt)
		if err != nil {
			continue
		}
		if !due.Time().After(now) {
			r.Enabled = false
			out = append(out, r)
		}
	}
	return out
}

// Compute builds a Summary from one set of snapshots.
func Compute(c timenorm.Correction, groups []SubjectTasks, reminders []model.Reminder, events []model.CalendarEvent, now time.Time, horizon time.Duration) Summary {
	return Summary{
		TodayEvents:    TodayEvents(c, events, now),
		LeastCompleted: LeastCompletedTask(groups),
		Upcoming:       UpcomingReminder(c, reminders, now, horizon),
		Expired:        ExpiredReminders(c, reminders, now),
		ComputedAt:     now,
	}
}
