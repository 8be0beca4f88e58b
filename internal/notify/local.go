package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "doit/internal/log"
	"doit/internal/model"
)

// oneShot is a cron.Schedule that fires once at a fixed instant. After that
// Next returns the zero time, which cron treats as "never again".
type oneShot time.Time

func (o oneShot) Next(t time.Time) time.Time {
	at := time.Time(o)
	if at.After(t) {
		return at
	}
	return time.Time{}
}

type pending struct {
	entry cron.EntryID
	seq   uint64
	n     model.ScheduledNotification
}

// LocalOptions configures Local.
type LocalOptions struct {
	// Granted is the binary permission state of the device.
	Granted bool
	// Location is used by the cron runner; nil means time.Local.
	Location *time.Location
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Local runs notifications in-process on a cron runner. Fired
// notifications are logged and passed to the OnFire hooks.
type Local struct {
	mu      sync.Mutex
	cron    *cron.Cron
	granted bool
	now     func() time.Time
	seq     uint64
	byID    map[int]pending
	hooks   []func(model.ScheduledNotification)
	stopped bool
}

func NewLocal(opts LocalOptions) *Local {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Local{
		cron:    cron.New(cron.WithLocation(loc), cron.WithLogger(CronLogger())),
		granted: opts.Granted,
		now:     now,
		byID:    make(map[int]pending),
	}
}

// Start begins firing due notifications in the background.
func (l *Local) Start() {
	l.cron.Start()
	appLog.Info("local notifier started", "granted", l.granted)
}

// Stop halts the runner; the returned context is done once running hooks
// have returned.
func (l *Local) Stop() context.Context {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	return l.cron.Stop()
}

// OnFire registers a hook called after a notification fires.
func (l *Local) OnFire(fn func(model.ScheduledNotification)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, fn)
}

// SetPermission changes the permission state, e.g. after a settings change.
func (l *Local) SetPermission(granted bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.granted = granted
}

func (l *Local) Permission(_ context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.granted, nil
}

func (l *Local) Schedule(_ context.Context, n model.ScheduledNotification) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return &SchedulingError{ID: n.ID, Err: ErrStopped}
	}
	if !l.granted {
		return &SchedulingError{ID: n.ID, Err: ErrPermissionDenied}
	}
	if !n.FireAt.After(l.now()) {
		return &SchedulingError{ID: n.ID, Err: ErrPastFireTime}
	}

	if old, ok := l.byID[n.ID]; ok {
		l.cron.Remove(old.entry)
	}

	l.seq++
	seq := l.seq
	id := n.ID
	entry := l.cron.Schedule(oneShot(n.FireAt), cron.FuncJob(func() { l.fire(id, seq) }))
	l.byID[n.ID] = pending{entry: entry, seq: seq, n: n}

	appLog.Debug("notification scheduled", "id", n.ID, "kind", n.Kind, "ref", n.RefID, "fire_at", n.FireAt.Format(time.RFC3339))
	return nil
}

// Cancel drops a pending notification. Unknown ids are not an error.
func (l *Local) Cancel(_ context.Context, id int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.byID[id]; ok {
		l.cron.Remove(p.entry)
		delete(l.byID, id)
		appLog.Debug("notification cancelled", "id", id, "ref", p.n.RefID)
	}
	return nil
}

// Pending lists scheduled notifications ordered by fire time.
func (l *Local) Pending() []model.ScheduledNotification {
	l.mu.Lock()
	out := make([]model.ScheduledNotification, 0, len(l.byID))
	for _, p := range l.byID {
		out = append(out, p.n)
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FireAt.Before(out[j].FireAt)
	})
	return out
}

func (l *Local) fire(id int, seq uint64) {
	l.mu.Lock()
	p, ok := l.byID[id]
	if !ok || p.seq != seq {
		// Replaced or cancelled after the runner picked it up.
		l.mu.Unlock()
		return
	}
	delete(l.byID, id)
	l.cron.Remove(p.entry)
	hooks := append([]func(model.ScheduledNotification){}, l.hooks...)
	l.mu.Unlock()

	appLog.Info("notification fired", "id", p.n.ID, "kind", p.n.Kind, "ref", p.n.RefID, "title", p.n.Title, "body", p.n.Body)
	for _, h := range hooks {
		h(p.n)
	}
}
