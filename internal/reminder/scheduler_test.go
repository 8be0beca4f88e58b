package reminder

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"doit/internal/model"
	"doit/internal/notify"
	"doit/internal/notifyid"
	"doit/internal/timenorm"
)

type fakeNotifier struct {
	granted   bool
	scheduled []model.ScheduledNotification
	cancelled []int
	err       error
	pending   map[int]model.ScheduledNotification
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{granted: true, pending: make(map[int]model.ScheduledNotification)}
}

func (f *fakeNotifier) Permission(context.Context) (bool, error) { return f.granted, nil }

func (f *fakeNotifier) Schedule(_ context.Context, n model.ScheduledNotification) error {
	if f.err != nil {
		return &notify.SchedulingError{ID: n.ID, Err: f.err}
	}
	f.scheduled = append(f.scheduled, n)
	f.pending[n.ID] = n
	return nil
}

func (f *fakeNotifier) Cancel(_ context.Context, id int) error {
	f.cancelled = append(f.cancelled, id)
	delete(f.pending, id)
	return nil
}

func (f *fakeNotifier) Pending() []model.ScheduledNotification {
	out := make([]model.ScheduledNotification, 0, len(f.pending))
	for _, n := range f.pending {
		out = append(out, n)
	}
	return out
}

type fakeWriter struct {
	calls []string
	err   error
}

func (w *fakeWriter) SetReminderEnabled(_ context.Context, userID, reminderID string, enabled bool) error {
	if w.err != nil {
		return w.err
	}
	if enabled {
		w.calls = append(w.calls, "enable "+userID+"/"+reminderID)
	} else {
		w.calls = append(w.calls, "disable "+userID+"/"+reminderID)
	}
	return nil
}

var now = time.Date(2024, 12, 3, 12, 0, 0, 0, time.UTC)

func newTestScheduler() (*Scheduler, *fakeNotifier, *fakeWriter) {
	n := newFakeNotifier()
	w := &fakeWriter{}
	s := NewScheduler(Options{
		Correction: timenorm.Correction{Normalizer: timenorm.Normalizer{Location: time.UTC}, Hours: 3},
		Notifier:   n,
		Writer:     w,
		Now:        func() time.Time { return now },
	})
	return s, n, w
}

// rawAt returns the stored value whose corrected instant is now+d.
func rawAt(d time.Duration) timenorm.DateLike {
	return timenorm.ISO(now.Add(d).Add(-3 * time.Hour).Format(time.RFC3339))
}

func TestScheduleFutureReminder(t *testing.T) {
	s, n, w := newTestScheduler()
	r := model.Reminder{ID: "r1", Title: "Essay", DueAt: rawAt(2 * time.Hour), Enabled: true}

	out, err := s.Schedule(context.Background(), "u1", r)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if out.State != StateScheduled {
		t.Fatalf("state = %s, want scheduled", out.State)
	}
	if len(n.scheduled) != 1 {
		t.Fatalf("scheduled %d notifications, want 1", len(n.scheduled))
	}
	got := n.scheduled[0]
	if !got.FireAt.Equal(now.Add(2 * time.Hour)) {
		t.Fatalf("fire at %s, want corrected due %s", got.FireAt, now.Add(2*time.Hour))
	}
	if got.Body != "You have this to do: Essay" || got.Kind != model.NotificationReminder || got.RefID != "r1" {
		t.Fatalf("notification = %+v", got)
	}
	if got.ID < notifyid.ReminderIDBase {
		t.Fatalf("reminder id %d overlaps allocator range", got.ID)
	}
	if len(w.calls) != 0 {
		t.Fatalf("unexpected write-back: %v", w.calls)
	}
}

func TestScheduleIsIdempotent(t *testing.T) {
	s, n, _ := newTestScheduler()
	r := model.Reminder{ID: "r1", Title: "Essay", DueAt: rawAt(2 * time.Hour), Enabled: true}
	ctx := context.Background()

	first, _ := s.Schedule(ctx, "u1", r)
	second, _ := s.Schedule(ctx, "u1", r)

	if first.NotificationID != second.NotificationID {
		t.Fatalf("ids differ: %d vs %d", first.NotificationID, second.NotificationID)
	}
	if len(n.scheduled) != 1 {
		t.Fatalf("second run scheduled again: %d calls", len(n.scheduled))
	}
	if len(n.pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(n.pending))
	}
}

func TestRescheduleOnEditOverwrites(t *testing.T) {
	s, n, _ := newTestScheduler()
	ctx := context.Background()

	r := model.Reminder{ID: "r1", Title: "Essay", DueAt: rawAt(2 * time.Hour), Enabled: true}
	_, _ = s.Schedule(ctx, "u1", r)
	r.DueAt = rawAt(5 * time.Hour)
	out, err := s.Schedule(ctx, "u1", r)
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}

	if len(n.pending) != 1 {
		t.Fatalf("pending = %d, want 1 after edit", len(n.pending))
	}
	if p := n.pending[out.NotificationID]; !p.FireAt.Equal(now.Add(5 * time.Hour)) {
		t.Fatalf("pending fire at %s", p.FireAt)
	}
}

func TestSchedulePastReminderExpires(t *testing.T) {
	s, n, w := newTestScheduler()
	r := model.Reminder{ID: "r9", Title: "Late", DueAt: rawAt(-time.Hour), Enabled: true}

	out, err := s.Schedule(context.Background(), "u1", r)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if out.State != StateExpired || !out.Disabled {
		t.Fatalf("outcome = %+v, want expired+disabled", out)
	}
	if len(w.calls) != 1 || w.calls[0] != "disable u1/r9" {
		t.Fatalf("write-back = %v", w.calls)
	}
	if len(n.scheduled) != 0 {
		t.Fatal("expired reminder must not be scheduled")
	}
}

func TestDueExactlyNowExpires(t *testing.T) {
	s, _, w := newTestScheduler()
	r := model.Reminder{ID: "r0", DueAt: rawAt(0), Enabled: true}
	out, _ := s.Schedule(context.Background(), "u1", r)
	if out.State != StateExpired || len(w.calls) != 1 {
		t.Fatalf("due == now should expire, got %+v writes=%v", out, w.calls)
	}
}

func TestDisabledReminderCancelsPending(t *testing.T) {
	s, n, w := newTestScheduler()
	ctx := context.Background()
	r := model.Reminder{ID: "r1", Title: "Essay", DueAt: rawAt(2 * time.Hour), Enabled: true}
	_, _ = s.Schedule(ctx, "u1", r)

	r.Enabled = false
	out, err := s.Schedule(ctx, "u1", r)
	if err != nil {
		t.Fatalf("Schedule disabled: %v", err)
	}
	if out.State != StatePending || len(n.pending) != 0 {
		t.Fatalf("state=%s pending=%d", out.State, len(n.pending))
	}
	if len(w.calls) != 0 {
		t.Fatalf("disabled reminder must not be written: %v", w.calls)
	}
}

func TestScheduleInvalidDate(t *testing.T) {
	s, n, _ := newTestScheduler()
	r := model.Reminder{ID: "r1", DueAt: timenorm.ISO("someday"), Enabled: true}
	_, err := s.Schedule(context.Background(), "u1", r)
	if !errors.Is(err, timenorm.ErrInvalidDate) {
		t.Fatalf("err = %v, want ErrInvalidDate", err)
	}
	if len(n.scheduled) != 0 {
		t.Fatal("invalid reminder scheduled")
	}
}

func TestSchedulePermissionDenied(t *testing.T) {
	s, n, _ := newTestScheduler()
	n.granted = false
	r := model.Reminder{ID: "r1", DueAt: rawAt(time.Hour), Enabled: true}

	out, err := s.Schedule(context.Background(), "u1", r)
	if !errors.Is(err, notify.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if out.State != StatePending {
		t.Fatalf("state = %s, want pending", out.State)
	}
}

func TestSchedulePlatformError(t *testing.T) {
	s, n, _ := newTestScheduler()
	n.err = errors.New("platform busy")
	r := model.Reminder{ID: "r1", DueAt: rawAt(time.Hour), Enabled: true}

	_, err := s.Schedule(context.Background(), "u1", r)
	var se *notify.SchedulingError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *SchedulingError", err)
	}
	if s.State("u1", "r1") != StatePending {
		t.Fatalf("state = %s after failure", s.State("u1", "r1"))
	}
}

func TestFiredThenExpired(t *testing.T) {
	n := newFakeNotifier()
	w := &fakeWriter{}
	clock := now
	s := NewScheduler(Options{
		Correction: timenorm.Correction{Normalizer: timenorm.Normalizer{Location: time.UTC}, Hours: 3},
		Notifier:   n,
		Writer:     w,
		Now:        func() time.Time { return clock },
	})
	ctx := context.Background()
	r := model.Reminder{ID: "r1", DueAt: rawAt(time.Hour), Enabled: true}

	out, _ := s.Schedule(ctx, "u1", r)
	s.MarkFired(out.NotificationID)
	if st := s.State("u1", "r1"); st != StateFired {
		t.Fatalf("state after fire = %s", st)
	}

	clock = now.Add(2 * time.Hour)
	out, err := s.Schedule(ctx, "u1", r)
	if err != nil || out.State != StateExpired || len(w.calls) != 1 {
		t.Fatalf("after fire: %+v err=%v writes=%v", out, err, w.calls)
	}
}

func TestExpireWriteBackFailure(t *testing.T) {
	s, _, w := newTestScheduler()
	w.err = errors.New("store offline")
	r := model.Reminder{ID: "r1", Enabled: true}

	out, err := s.Expire(context.Background(), "u1", r)
	if err == nil || out.Disabled {
		t.Fatalf("expected write-back failure, got %+v %v", out, err)
	}

	w.err = nil
	out, err = s.Expire(context.Background(), "u1", r)
	if err != nil || !out.Disabled {
		t.Fatalf("retry should succeed, got %+v %v", out, err)
	}
}

func TestCancelForgetsReminder(t *testing.T) {
	s, n, _ := newTestScheduler()
	ctx := context.Background()
	r := model.Reminder{ID: "r1", DueAt: rawAt(time.Hour), Enabled: true}
	out, _ := s.Schedule(ctx, "u1", r)

	if err := s.Cancel(ctx, "u1", "r1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if len(n.cancelled) != 1 || n.cancelled[0] != out.NotificationID {
		t.Fatalf("cancelled = %v", n.cancelled)
	}
	if s.State("u1", "r1") != StatePending {
		t.Fatal("cancelled reminder should be forgotten")
	}
}

func TestNotificationIDStableAndScoped(t *testing.T) {
	a := NotificationID("u1", "r1")
	if a != NotificationID("u1", "r1") {
		t.Fatal("id is not stable")
	}
	if a == NotificationID("u2", "r1") {
		t.Fatal("ids of different users collide")
	}
	if a < notifyid.ReminderIDBase {
		t.Fatalf("id %d below ReminderIDBase", a)
	}
}

// collidingReminders finds two reminder ids of one user whose hashed
// notification ids are equal.
func collidingReminders(t *testing.T, userID string) (string, string) {
	t.Helper()
	seen := make(map[int]string)
	for i := 0; i < 1<<20; i++ {
		id := fmt.Sprintf("r-%d", i)
		h := NotificationID(userID, id)
		if other, ok := seen[h]; ok {
			return other, id
		}
		seen[h] = id
	}
	t.Fatal("no colliding reminder ids found")
	return "", ""
}

func TestCollidingReminderIDsBothStayPending(t *testing.T) {
	s, n, _ := newTestScheduler()
	ctx := context.Background()
	first, second := collidingReminders(t, "alice")

	a := model.Reminder{ID: first, Title: "Essay", DueAt: rawAt(2 * time.Hour), Enabled: true}
	b := model.Reminder{ID: second, Title: "Lab report", DueAt: rawAt(3 * time.Hour), Enabled: true}
	outA, err := s.Schedule(ctx, "alice", a)
	if err != nil {
		t.Fatalf("Schedule %s: %v", first, err)
	}
	outB, err := s.Schedule(ctx, "alice", b)
	if err != nil {
		t.Fatalf("Schedule %s: %v", second, err)
	}

	if outA.NotificationID == outB.NotificationID {
		t.Fatalf("both reminders got notification id %d", outA.NotificationID)
	}
	if outB.NotificationID < notifyid.ReminderIDBase {
		t.Fatalf("id %d left the reminder range", outB.NotificationID)
	}
	if len(n.pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(n.pending))
	}
	if p := n.pending[outA.NotificationID]; p.RefID != first {
		t.Fatalf("notification %d belongs to %q, want %q", outA.NotificationID, p.RefID, first)
	}

	// Edits keep the id already reserved.
	b.DueAt = rawAt(4 * time.Hour)
	edited, _ := s.Schedule(ctx, "alice", b)
	if edited.NotificationID != outB.NotificationID || len(n.pending) != 2 {
		t.Fatalf("edit moved id %d -> %d, pending = %d", outB.NotificationID, edited.NotificationID, len(n.pending))
	}

	s.MarkFired(outB.NotificationID)
	if st := s.State("alice", second); st != StateFired {
		t.Fatalf("state of %s = %s, want fired", second, st)
	}
	if st := s.State("alice", first); st != StateScheduled {
		t.Fatalf("state of %s = %s, want scheduled", first, st)
	}
}
