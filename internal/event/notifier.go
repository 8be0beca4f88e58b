// Package event schedules the lead-time notifications of calendar events.
package event

import (
	"context"
	"errors"
	"sync"
	"time"

	appLog "doit/internal/log"
	"doit/internal/model"
	"doit/internal/notify"
	"doit/internal/timenorm"
)

// Tier is one lead time before an event at which a notification may fire.
type Tier struct {
	Lead       time.Duration
	Step       int
	Title      string
	BodyPrefix string
}

// Tiers are ordered from the earliest fire time to the latest.
var Tiers = []Tier{
	{Lead: 72 * time.Hour, Step: 1, Title: "Upcoming event", BodyPrefix: "3 days left: "},
	{Lead: 24 * time.Hour, Step: 2, Title: "Event tomorrow", BodyPrefix: "1 day left: "},
	{Lead: 0, Step: 3, Title: "It's today!", BodyPrefix: "Today: "},
}

// Planned is a tier whose fire time is still ahead.
type Planned struct {
	Tier   Tier
	FireAt time.Time
}

// PlanAt returns the tiers of an event occurring at `at` whose fire time is
// strictly after now. Elapsed tiers are dropped silently.
func PlanAt(at, now time.Time) []Planned {
	var out []Planned
	for _, t := range Tiers {
		fire := at.Add(-t.Lead)
		if fire.After(now) {
			out = append(out, Planned{Tier: t, FireAt: fire})
		}
	}
	return out
}

// IDAllocator hands out fresh notification ids; see notifyid.Allocator.
type IDAllocator interface {
	NextID(ctx context.Context, step int) (int, error)
}

type Options struct {
	Correction timenorm.Correction
	Allocator  IDAllocator
	Notifier   notify.Scheduler
}

// Result reports one scheduling pass over an event.
type Result struct {
	Scheduled []model.ScheduledNotification
	// Skipped counts tiers that had already elapsed.
	Skipped int
	// Unchanged is set when Ensure found nothing to do.
	Unchanged bool
}

type key struct {
	user string
	id   string
}

type eventState struct {
	ids   []int
	at    time.Time
	title string
	// partial is set when the last pass did not schedule every tier it
	// planned; Ensure retries such events.
	partial bool
}

// Notifier keeps the ids it scheduled per event, so a later pass can
// cancel them before scheduling replacements.
type Notifier struct {
	correction timenorm.Correction
	alloc      IDAllocator
	notifier   notify.Scheduler

	mu     sync.Mutex
	events map[key]*eventState
}

func NewNotifier(opts Options) *Notifier {
	return &Notifier{
		correction: opts.Correction,
		alloc:      opts.Allocator,
		notifier:   opts.Notifier,
		events:     make(map[key]*eventState),
	}
}

// Plan returns the tiers Schedule would use for ev at now.
func (n *Notifier) Plan(ev model.CalendarEvent, now time.Time) ([]Planned, error) {
	at, err := n.correction.Correct(ev.OccursAt)
	if err != nil {
		return nil, err
	}
	return PlanAt(at.Time(), now), nil
}

// Schedule cancels any notifications still pending from an earlier pass
// over the same event, then schedules every tier that is still ahead with
// a freshly allocated id. Allocation failure stops the pass; notifier
// rejections are collected and the remaining tiers are still attempted.
func (n *Notifier) Schedule(ctx context.Context, userID string, ev model.CalendarEvent, now time.Time) (Result, error) {
	at, err := n.correction.Correct(ev.OccursAt)
	if err != nil {
		appLog.Warn("event has invalid date; not scheduled", "user", userID, "event", ev.ID, "raw", ev.OccursAt.String(), "err", err)
		return Result{}, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	return n.scheduleLocked(ctx, key{user: userID, id: ev.ID}, ev, at.Time(), now)
}

// Ensure is Schedule for re-observed events: when the corrected instant and
// title match the last pass it does nothing, so stream re-emissions and
// restarts of the watch loop do not burn ids.
func (n *Notifier) Ensure(ctx context.Context, userID string, ev model.CalendarEvent, now time.Time) (Result, error) {
	at, err := n.correction.Correct(ev.OccursAt)
	if err != nil {
		appLog.Warn("event has invalid date; not scheduled", "user", userID, "event", ev.ID, "raw", ev.OccursAt.String(), "err", err)
		return Result{}, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	k := key{user: userID, id: ev.ID}
	if st, ok := n.events[k]; ok && !st.partial && st.at.Equal(at.Time()) && st.title == ev.Title {
		return Result{Unchanged: true}, nil
	}
	return n.scheduleLocked(ctx, k, ev, at.Time(), now)
}

// Cancel drops every pending notification of an event, for deletes.
func (n *Notifier) Cancel(ctx context.Context, userID, eventID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	k := key{user: userID, id: eventID}
	err := n.cancelLocked(ctx, k)
	delete(n.events, k)
	return err
}

// Forget drops the events of a user that are not in keep, cancelling their
// notifications. It runs when a full event snapshot arrives.
func (n *Notifier) Forget(ctx context.Context, userID string, keep map[string]bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for k := range n.events {
		if k.user != userID || keep[k.id] {
			continue
		}
		_ = n.cancelLocked(ctx, k)
		delete(n.events, k)
	}
}

// IDs returns the notification ids of the last pass over an event.
func (n *Notifier) IDs(userID, eventID string) []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if st, ok := n.events[key{user: userID, id: eventID}]; ok {
		return append([]int(nil), st.ids...)
	}
	return nil
}

func (n *Notifier) scheduleLocked(ctx context.Context, k key, ev model.CalendarEvent, at, now time.Time) (Result, error) {
	if err := n.cancelLocked(ctx, k); err != nil {
		appLog.Warn("event notifications not cancelled before reschedule", "user", k.user, "event", k.id, "err", err)
	}
	st := &eventState{at: at, title: ev.Title}
	n.events[k] = st

	plan := PlanAt(at, now)
	res := Result{Skipped: len(Tiers) - len(plan)}
	if len(plan) == 0 {
		appLog.Debug("event has no future tiers", "user", k.user, "event", k.id)
		return res, nil
	}

	granted, err := n.notifier.Permission(ctx)
	if err != nil {
		st.partial = true
		return res, &notify.SchedulingError{Err: err}
	}
	if !granted {
		st.partial = true
		return res, &notify.SchedulingError{Err: notify.ErrPermissionDenied}
	}

	var errs []error
	for _, p := range plan {
		id, err := n.alloc.NextID(ctx, p.Tier.Step)
		if err != nil {
			appLog.Error("event notification id not allocated; skipping event", err, "user", k.user, "event", k.id)
			errs = append(errs, err)
			break
		}
		sn := model.ScheduledNotification{
			ID:     id,
			Title:  p.Tier.Title,
			Body:   p.Tier.BodyPrefix + ev.Title,
			FireAt: p.FireAt,
			Kind:   model.NotificationEvent,
			RefID:  ev.ID,
		}
		if err := n.notifier.Schedule(ctx, sn); err != nil {
			appLog.Error("event notification not scheduled", err, "user", k.user, "event", k.id, "id", id)
			errs = append(errs, err)
			continue
		}
		st.ids = append(st.ids, id)
		res.Scheduled = append(res.Scheduled, sn)
	}

	st.partial = len(errs) > 0
	appLog.Info("event notifications scheduled", "user", k.user, "event", k.id, "count", len(res.Scheduled), "skipped", res.Skipped)
	return res, errors.Join(errs...)
}

func (n *Notifier) cancelLocked(ctx context.Context, k key) error {
	st, ok := n.events[k]
	if !ok {
		return nil
	}
	var errs []error
	for _, id := range st.ids {
		if err := n.notifier.Cancel(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	st.ids = nil
	return errors.Join(errs...)
}
