// Package app wires the document store, the schedulers and the dashboard
// aggregation into one engine per process.
//
// Each watched user gets one goroutine that owns the user's Aggregator and
// consumes the user's snapshot streams in arrival order. Snapshots are
// applied whole, so a later snapshot always supersedes an earlier one.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"doit/internal/dashboard"
	"doit/internal/docstore"
	"doit/internal/event"
	"doit/internal/ics"
	appLog "doit/internal/log"
	"doit/internal/model"
	"doit/internal/notify"
	"doit/internal/reminder"
	"doit/internal/timenorm"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrNotStarted   = errors.New("engine not started")
)

type Options struct {
	Store      docstore.Store
	Correction timenorm.Correction
	Notifier   notify.Scheduler
	Allocator  event.IDAllocator

	// Horizon for the dashboard's upcoming reminder.
	Horizon time.Duration

	// SweepSpec is the cron spec of the expiry/recompute sweep. Empty
	// disables it.
	SweepSpec string

	Importer      *ics.Importer
	Subscriptions []ics.Subscription
	// RefreshSpec is the cron spec of the subscription refresh.
	RefreshSpec string

	Now func() time.Time
}

type Engine struct {
	store      docstore.Store
	correction timenorm.Correction
	notifier   notify.Scheduler
	reminders  *reminder.Scheduler
	events     *event.Notifier
	importer   *ics.Importer
	subs       []ics.Subscription
	horizon    time.Duration
	now        func() time.Time

	sweepSpec   string
	refreshSpec string
	cron        *cron.Cron

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	watchers map[string]*watcher
}

func New(opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:      opts.Store,
		correction: opts.Correction,
		notifier:   opts.Notifier,
		reminders: reminder.NewScheduler(reminder.Options{
			Correction: opts.Correction,
			Notifier:   opts.Notifier,
			Writer:     opts.Store,
			Now:        now,
		}),
		events: event.NewNotifier(event.Options{
			Correction: opts.Correction,
			Allocator:  opts.Allocator,
			Notifier:   opts.Notifier,
		}),
		importer:    opts.Importer,
		subs:        opts.Subscriptions,
		horizon:     opts.Horizon,
		now:         now,
		sweepSpec:   opts.SweepSpec,
		refreshSpec: opts.RefreshSpec,
		cron:        cron.New(cron.WithLocation(opts.Correction.Location()), cron.WithLogger(notify.CronLogger())),
		watchers:    make(map[string]*watcher),
	}
}

// Start registers the periodic jobs and begins running them. Watch loops
// started later live until Stop or until ctx is done.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.ctx != nil {
		e.mu.Unlock()
		return errors.New("app: engine already started")
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	if e.sweepSpec != "" {
		if _, err := e.cron.AddFunc(e.sweepSpec, func() { e.Sweep(e.ctx) }); err != nil {
			return fmt.Errorf("app: sweep schedule %q: %w", e.sweepSpec, err)
		}
	}
	if e.importer != nil && len(e.subs) > 0 && e.refreshSpec != "" {
		if _, err := e.cron.AddFunc(e.refreshSpec, func() { _, _ = e.RefreshSubscriptions(e.ctx) }); err != nil {
			return fmt.Errorf("app: ics refresh schedule %q: %w", e.refreshSpec, err)
		}
		go func() { _, _ = e.RefreshSubscriptions(e.ctx) }()
	}
	e.cron.Start()
	appLog.Info("engine started", "sweep", e.sweepSpec, "ics_refresh", e.refreshSpec, "subscriptions", len(e.subs))
	return nil
}

// Stop halts the jobs and every watch loop and waits for them to return.
func (e *Engine) Stop() {
	<-e.cron.Stop().Done()

	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	ws := make([]*watcher, 0, len(e.watchers))
	for _, w := range e.watchers {
		ws = append(ws, w)
	}
	e.mu.Unlock()

	for _, w := range ws {
		<-w.done
	}
	appLog.Info("engine stopped", "users", len(ws))
}

// Watch starts the watch loop of a user if it is not running yet.
func (e *Engine) Watch(userID string) error {
	_, err := e.watcher(userID)
	return err
}

// Fired is the notifier's OnFire hook.
func (e *Engine) Fired(n model.ScheduledNotification) {
	if n.Kind == model.NotificationReminder {
		e.reminders.MarkFired(n.ID)
	}
}

// ReminderState exposes the scheduler's view of a reminder.
func (e *Engine) ReminderState(userID, reminderID string) reminder.State {
	return e.reminders.State(userID, reminderID)
}

// EventNotificationIDs returns the ids of an event's last scheduling pass.
func (e *Engine) EventNotificationIDs(userID, eventID string) []int {
	return e.events.IDs(userID, eventID)
}

// Summary returns the dashboard of a user, starting the user's watch loop
// on first use and waiting for its first complete snapshot.
func (e *Engine) Summary(ctx context.Context, userID string) (dashboard.Summary, error) {
	w, err := e.ready(ctx, userID)
	if err != nil {
		return dashboard.Summary{}, err
	}
	return w.agg.Summary(), nil
}

// EventsOn lists a user's events falling on day, in display time.
func (e *Engine) EventsOn(ctx context.Context, userID string, day time.Time) ([]dashboard.EventSummary, error) {
	w, err := e.ready(ctx, userID)
	if err != nil {
		return nil, err
	}
	return w.agg.EventsOn(day), nil
}

// Now reads the engine clock.
func (e *Engine) Now() time.Time { return e.now() }

// Pending lists the notifications waiting to fire.
func (e *Engine) Pending() []model.ScheduledNotification {
	return e.notifier.Pending()
}

// Sweep recomputes every watched user's dashboard at the current time and
// expires the reminders it reports as past due. It returns once every loop
// has handled the request.
func (e *Engine) Sweep(ctx context.Context) {
	now := e.now()

	e.mu.Lock()
	ws := make([]*watcher, 0, len(e.watchers))
	for _, w := range e.watchers {
		ws = append(ws, w)
	}
	e.mu.Unlock()

	for _, w := range ws {
		req := sweepRequest{now: now, done: make(chan struct{})}
		select {
		case w.sweep <- req:
		case <-w.done:
			continue
		case <-ctx.Done():
			return
		}
		select {
		case <-req.done:
		case <-w.done:
		case <-ctx.Done():
			return
		}
	}
	appLog.Debug("sweep done", "users", len(ws), "at", now.Format(time.RFC3339))
}

// RefreshSubscriptions imports every configured calendar subscription.
func (e *Engine) RefreshSubscriptions(ctx context.Context) ([]ics.ImportResult, error) {
	if e.importer == nil {
		return nil, nil
	}
	return e.importer.RefreshAll(ctx, e.subs)
}

// ExportCalendar renders a user's events and reminders as iCalendar text.
func (e *Engine) ExportCalendar(ctx context.Context, userID string) (string, error) {
	events, err := e.store.Events(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("app: list events: %w", err)
	}
	reminders, err := e.store.Reminders(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("app: list reminders: %w", err)
	}
	return ics.Export(e.correction, events, reminders, e.now()), nil
}

func (e *Engine) watcher(userID string) (*watcher, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrInvalidInput)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx == nil {
		return nil, ErrNotStarted
	}
	if w, ok := e.watchers[userID]; ok {
		return w, nil
	}

	ctx, cancel := context.WithCancel(e.ctx)
	w := &watcher{
		userID: userID,
		agg: dashboard.NewAggregator(dashboard.Options{
			Correction: e.correction,
			Horizon:    e.horizon,
			Now:        e.now,
		}),
		cancel: cancel,
		done:   make(chan struct{}),
		ready:  make(chan struct{}),
		sweep:  make(chan sweepRequest),
	}
	e.watchers[userID] = w
	go e.run(ctx, w)
	appLog.Info("watching user", "user", userID)
	return w, nil
}

func (e *Engine) ready(ctx context.Context, userID string) (*watcher, error) {
	w, err := e.watcher(userID)
	if err != nil {
		return nil, err
	}
	select {
	case <-w.ready:
		return w, nil
	case <-w.done:
		return nil, fmt.Errorf("app: watch loop of %s stopped", userID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
