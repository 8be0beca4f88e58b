package app

import (
	"context"
	"time"

	"doit/internal/dashboard"
	appLog "doit/internal/log"
	"doit/internal/model"
)

type sweepRequest struct {
	now  time.Time
	done chan struct{}
}

type taskSnapshot struct {
	subjectID string
	tasks     []model.Task
}

type watcher struct {
	userID string
	agg    *dashboard.Aggregator
	cancel context.CancelFunc

	// done is closed when the loop returns; ready once every stream has
	// delivered its first snapshot.
	done  chan struct{}
	ready chan struct{}
	sweep chan sweepRequest
}

// loopState is owned by the watch goroutine.
type loopState struct {
	taskCh     chan taskSnapshot
	taskCancel map[string]context.CancelFunc
	// tasksPending holds subjects whose first task snapshot has not
	// arrived yet.
	tasksPending map[string]bool
	reminderIDs  map[string]bool

	gotSubjects, gotReminders, gotEvents bool
	readyClosed                          bool
}

func (e *Engine) run(ctx context.Context, w *watcher) {
	defer close(w.done)
	defer w.cancel()

	subjects := e.store.WatchSubjects(ctx, w.userID)
	reminders := e.store.WatchReminders(ctx, w.userID)
	events := e.store.WatchEvents(ctx, w.userID)

	st := &loopState{
		taskCh:       make(chan taskSnapshot),
		taskCancel:   make(map[string]context.CancelFunc),
		tasksPending: make(map[string]bool),
		reminderIDs:  make(map[string]bool),
	}

	for {
		select {
		case <-ctx.Done():
			return

		case snap, ok := <-subjects:
			if !ok {
				return
			}
			w.agg.SetSubjects(snap)
			e.syncTaskWatches(ctx, w, st, snap)
			st.gotSubjects = true

		case ts := <-st.taskCh:
			if _, watched := st.taskCancel[ts.subjectID]; !watched {
				// Subject removed after this snapshot was sent.
				continue
			}
			w.agg.SetTasks(ts.subjectID, ts.tasks)
			delete(st.tasksPending, ts.subjectID)

		case snap, ok := <-reminders:
			if !ok {
				return
			}
			w.agg.SetReminders(snap)
			e.observeReminders(ctx, w.userID, st, snap)
			st.gotReminders = true

		case snap, ok := <-events:
			if !ok {
				return
			}
			w.agg.SetEvents(snap)
			e.observeEvents(ctx, w.userID, snap)
			st.gotEvents = true

		case req := <-w.sweep:
			e.sweepUser(ctx, w, req.now)
			close(req.done)
		}

		if !st.readyClosed && st.gotSubjects && st.gotReminders && st.gotEvents && len(st.tasksPending) == 0 {
			st.readyClosed = true
			close(w.ready)
		}
	}
}

// syncTaskWatches keeps one task stream open per current subject.
func (e *Engine) syncTaskWatches(ctx context.Context, w *watcher, st *loopState, subjects []model.Subject) {
	keep := make(map[string]bool, len(subjects))
	for _, s := range subjects {
		keep[s.ID] = true
		if _, ok := st.taskCancel[s.ID]; ok {
			continue
		}
		tctx, cancel := context.WithCancel(ctx)
		st.taskCancel[s.ID] = cancel
		st.tasksPending[s.ID] = true
		go forwardTasks(tctx, s.ID, e.store.WatchTasks(tctx, w.userID, s.ID), st.taskCh)
	}
	for id, cancel := range st.taskCancel {
		if !keep[id] {
			cancel()
			delete(st.taskCancel, id)
			delete(st.tasksPending, id)
		}
	}
}

func forwardTasks(ctx context.Context, subjectID string, in <-chan []model.Task, out chan<- taskSnapshot) {
	for tasks := range in {
		select {
		case out <- taskSnapshot{subjectID: subjectID, tasks: tasks}:
		case <-ctx.Done():
			return
		}
	}
}

// observeReminders schedules, reschedules or expires every reminder of a
// snapshot and cancels the notifications of reminders that disappeared.
func (e *Engine) observeReminders(ctx context.Context, userID string, st *loopState, snap []model.Reminder) {
	seen := make(map[string]bool, len(snap))
	for _, r := range snap {
		seen[r.ID] = true
		if _, err := e.reminders.Schedule(ctx, userID, r); err != nil {
			appLog.Warn("reminder not scheduled from snapshot", "user", userID, "reminder", r.ID, "err", err)
		}
	}
	for id := range st.reminderIDs {
		if !seen[id] {
			if err := e.reminders.Cancel(ctx, userID, id); err != nil {
				appLog.Warn("reminder cancel failed", "user", userID, "reminder", id, "err", err)
			}
		}
	}
	st.reminderIDs = seen
}

func (e *Engine) observeEvents(ctx context.Context, userID string, snap []model.CalendarEvent) {
	now := e.now()
	keep := make(map[string]bool, len(snap))
	for _, ev := range snap {
		keep[ev.ID] = true
		if _, err := e.events.Ensure(ctx, userID, ev, now); err != nil {
			appLog.Warn("event not scheduled from snapshot", "user", userID, "event", ev.ID, "err", err)
		}
	}
	e.events.Forget(ctx, userID, keep)
}

// sweepUser recomputes at now and writes back the expiry of every reminder
// the dashboard reports as past due.
func (e *Engine) sweepUser(ctx context.Context, w *watcher, now time.Time) {
	sum := w.agg.Recompute(now)
	if len(sum.Expired) == 0 {
		return
	}
	stored := make(map[string]model.Reminder)
	for _, r := range w.agg.Reminders() {
		stored[r.ID] = r
	}
	for _, exp := range sum.Expired {
		r, ok := stored[exp.ID]
		if !ok {
			continue
		}
		if _, err := e.reminders.Expire(ctx, w.userID, r); err != nil {
			appLog.Warn("reminder expiry not written back", "user", w.userID, "reminder", r.ID, "err", err)
		}
	}
}
