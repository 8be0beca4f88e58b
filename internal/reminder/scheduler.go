// Package reminder schedules the single notification of each reminder and
// disables reminders whose due time has passed.
//
// Per reminder the scheduler tracks Pending -> Scheduled -> (Fired | Expired).
// Reminder notifications use a stable id derived from the reminder identity,
// so rescheduling after an edit replaces the earlier notification instead of
// adding another one.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	appLog "doit/internal/log"
	"doit/internal/model"
	"doit/internal/notify"
	"doit/internal/notifyid"
	"doit/internal/timenorm"
)

type State string

const (
	StatePending   State = "pending"
	StateScheduled State = "scheduled"
	StateFired     State = "fired"
	StateExpired   State = "expired"
)

// NotificationTitle is the title of every reminder notification.
const NotificationTitle = "Don't put it off any longer!"

// NotificationBody is the body of a reminder's notification.
func NotificationBody(title string) string { return "You have this to do: " + title }

// Writer propagates the expiry of a reminder to the document store.
type Writer interface {
	SetReminderEnabled(ctx context.Context, userID, reminderID string, enabled bool) error
}

// Outcome describes what one call did to a reminder.
type Outcome struct {
	State          State
	NotificationID int
	FireAt         time.Time
	// Disabled is set when this call cleared the enabled flag.
	Disabled bool
}

type key struct {
	user string
	id   string
}

type track struct {
	state   State
	notifID int
	fireAt  time.Time
	title   string
}

// Options configures a Scheduler.
type Options struct {
	Correction timenorm.Correction
	Notifier   notify.Scheduler
	Writer     Writer
	Now        func() time.Time
}

type Scheduler struct {
	mu         sync.Mutex
	correction timenorm.Correction
	notifier   notify.Scheduler
	writer     Writer
	now        func() time.Time
	tracks     map[key]*track
	// byNotif maps each reserved notification id to its reminder.
	byNotif map[int]key
}

func NewScheduler(opts Options) *Scheduler {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		correction: opts.Correction,
		notifier:   opts.Notifier,
		writer:     opts.Writer,
		now:        now,
		tracks:     make(map[key]*track),
		byNotif:    make(map[int]key),
	}
}

// NotificationID is the hashed notification id of a reminder. It lies at
// or above notifyid.ReminderIDBase, outside the allocator's range. The
// scheduler uses it unless another reminder already holds it.
func NotificationID(userID, reminderID string) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	h.Write([]byte{'/'})
	h.Write([]byte(reminderID))
	return notifyid.ReminderIDBase | int(h.Sum32()&(notifyid.ReminderIDBase-1))
}

// Schedule handles a created, updated or freshly observed reminder. A
// future, enabled reminder gets exactly one pending notification; a past,
// enabled one is expired and written back; a disabled one loses any pending
// notification. Scheduling errors are returned but never undo the stored
// reminder.
func (s *Scheduler) Schedule(ctx context.Context, userID string, r model.Reminder) (Outcome, error) {
	due, err := s.correction.Correct(r.DueAt)
	if err != nil {
		appLog.Warn("reminder has invalid due date; not scheduled", "user", userID, "reminder", r.ID, "raw", r.DueAt.String(), "err", err)
		return Outcome{State: StatePending}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{user: userID, id: r.ID}
	tr := s.trackLocked(k)
	id := s.notificationIDLocked(k, tr)
	now := s.now()

	if !due.Time().After(now) {
		if !r.Enabled {
			s.cancelLocked(ctx, k, tr)
			return Outcome{State: tr.state, NotificationID: id, FireAt: due.Time()}, nil
		}
		return s.expireLocked(ctx, k, tr, id, due.Time())
	}

	if !r.Enabled {
		s.cancelLocked(ctx, k, tr)
		tr.state = StatePending
		return Outcome{State: StatePending, NotificationID: id, FireAt: due.Time()}, nil
	}

	if tr.state == StateScheduled && tr.fireAt.Equal(due.Time()) && tr.title == r.Title {
		return Outcome{State: StateScheduled, NotificationID: id, FireAt: due.Time()}, nil
	}

	if err := s.ensurePermission(ctx, id); err != nil {
		return Outcome{State: tr.state, NotificationID: id, FireAt: due.Time()}, err
	}

	n := model.ScheduledNotification{
		ID:     id,
		Title:  NotificationTitle,
		Body:   NotificationBody(r.Title),
		FireAt: due.Time(),
		Kind:   model.NotificationReminder,
		RefID:  r.ID,
	}
	if err := s.notifier.Schedule(ctx, n); err != nil {
		appLog.Error("reminder notification not scheduled", err, "user", userID, "reminder", r.ID)
		return Outcome{State: tr.state, NotificationID: id, FireAt: due.Time()}, err
	}

	tr.state = StateScheduled
	tr.notifID = id
	tr.fireAt = due.Time()
	tr.title = r.Title

	appLog.Info("reminder scheduled", "user", userID, "reminder", r.ID, "notification_id", id, "fire_at", due.Time().Format(time.RFC3339))
	return Outcome{State: StateScheduled, NotificationID: id, FireAt: due.Time()}, nil
}

// Expire disables a reminder already known to be past due, e.g. one the
// dashboard aggregation flagged. Disabled input is left alone.
func (s *Scheduler) Expire(ctx context.Context, userID string, r model.Reminder) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{user: userID, id: r.ID}
	tr := s.trackLocked(k)
	id := s.notificationIDLocked(k, tr)
	if !r.Enabled {
		return Outcome{State: tr.state, NotificationID: id}, nil
	}
	return s.expireLocked(ctx, k, tr, id, time.Time{})
}

// Cancel removes the reminder's pending notification and forgets it, for
// deletes.
func (s *Scheduler) Cancel(ctx context.Context, userID, reminderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{user: userID, id: reminderID}
	tr, ok := s.tracks[k]
	if !ok {
		return nil
	}
	err := s.cancelLocked(ctx, k, tr)
	if tr.notifID != 0 {
		delete(s.byNotif, tr.notifID)
	}
	delete(s.tracks, k)
	return err
}

// MarkFired records that the notification with the given id went off.
// Unknown ids, such as event notifications, are ignored.
func (s *Scheduler) MarkFired(notificationID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.byNotif[notificationID]
	if !ok {
		return
	}
	if tr, ok := s.tracks[k]; ok && tr.state == StateScheduled {
		tr.state = StateFired
	}
}

// State reports the tracked state of a reminder; Pending when unknown.
func (s *Scheduler) State(userID, reminderID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tr, ok := s.tracks[key{user: userID, id: reminderID}]; ok {
		return tr.state
	}
	return StatePending
}

func (s *Scheduler) trackLocked(k key) *track {
	tr, ok := s.tracks[k]
	if !ok {
		tr = &track{state: StatePending}
		s.tracks[k] = tr
	}
	return tr
}

// notificationIDLocked returns the id reserved for k, claiming one on first
// use. The reservation lasts until Cancel forgets the reminder. When the
// hashed id already belongs to another reminder, the next free id in the
// reminder range is taken instead.
func (s *Scheduler) notificationIDLocked(k key, tr *track) int {
	if tr.notifID != 0 {
		return tr.notifID
	}
	hashed := NotificationID(k.user, k.id)
	id := hashed
	for {
		owner, taken := s.byNotif[id]
		if !taken || owner == k {
			break
		}
		id = notifyid.ReminderIDBase | ((id + 1) & (notifyid.ReminderIDBase - 1))
	}
	if id != hashed {
		appLog.Warn("reminder notification id collision; using next free id",
			"user", k.user, "reminder", k.id, "hashed", hashed, "id", id)
	}
	tr.notifID = id
	s.byNotif[id] = k
	return id
}

func (s *Scheduler) expireLocked(ctx context.Context, k key, tr *track, id int, due time.Time) (Outcome, error) {
	_ = s.cancelLocked(ctx, k, tr)
	tr.state = StateExpired

	out := Outcome{State: StateExpired, NotificationID: id, FireAt: due}
	if s.writer == nil {
		return out, errors.New("reminder: no writer configured for expiry")
	}
	if err := s.writer.SetReminderEnabled(ctx, k.user, k.id, false); err != nil {
		appLog.Error("reminder expiry write-back failed", err, "user", k.user, "reminder", k.id)
		return out, fmt.Errorf("reminder: disable %s: %w", k.id, err)
	}
	out.Disabled = true
	appLog.Info("reminder expired and disabled", "user", k.user, "reminder", k.id)
	return out, nil
}

func (s *Scheduler) cancelLocked(ctx context.Context, k key, tr *track) error {
	if tr.state != StateScheduled {
		return nil
	}
	tr.state = StatePending
	if err := s.notifier.Cancel(ctx, tr.notifID); err != nil {
		appLog.Error("reminder notification cancel failed", err, "user", k.user, "reminder", k.id)
		return err
	}
	return nil
}

func (s *Scheduler) ensurePermission(ctx context.Context, id int) error {
	granted, err := s.notifier.Permission(ctx)
	if err != nil {
		return &notify.SchedulingError{ID: id, Err: err}
	}
	if !granted {
		return &notify.SchedulingError{ID: id, Err: notify.ErrPermissionDenied}
	}
	return nil
}
