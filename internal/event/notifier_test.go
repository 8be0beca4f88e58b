package event

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"doit/internal/kvstore"
	"doit/internal/model"
	"doit/internal/notify"
	"doit/internal/notifyid"
	"doit/internal/timenorm"
)

// recorder is a notify.Scheduler that keeps pending notifications in a map.
type recorder struct {
	denied    bool
	failIDs   map[int]bool
	pending   map[int]model.ScheduledNotification
	schedules int
}

func newRecorder() *recorder {
	return &recorder{pending: map[int]model.ScheduledNotification{}, failIDs: map[int]bool{}}
}

func (r *recorder) Permission(context.Context) (bool, error) { return !r.denied, nil }

func (r *recorder) Schedule(_ context.Context, n model.ScheduledNotification) error {
	if r.failIDs[n.ID] {
		return &notify.SchedulingError{ID: n.ID, Err: errors.New("rejected")}
	}
	r.schedules++
	r.pending[n.ID] = n
	return nil
}

func (r *recorder) Cancel(_ context.Context, id int) error {
	delete(r.pending, id)
	return nil
}

func (r *recorder) Pending() []model.ScheduledNotification {
	var out []model.ScheduledNotification
	for _, n := range r.pending {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("disk gone")
}
func (failingStore) Set(context.Context, string, string) error { return errors.New("disk gone") }
func (failingStore) Close() error                              { return nil }

var now = time.Date(2024, 12, 3, 12, 0, 0, 0, time.UTC)

const offset = 3

func setup(t *testing.T) (*Notifier, *recorder, *notifyid.Allocator) {
	t.Helper()
	rec := newRecorder()
	alloc := notifyid.New(kvstore.NewMemory(), "", 0)
	n := NewNotifier(Options{
		Correction: timenorm.Correction{Normalizer: timenorm.Normalizer{Location: time.UTC}, Hours: offset},
		Allocator:  alloc,
		Notifier:   rec,
	})
	return n, rec, alloc
}

// eventIn builds an event whose corrected instant is now+d.
func eventIn(id, title string, d time.Duration) model.CalendarEvent {
	raw := now.Add(d).Add(-offset * time.Hour)
	return model.CalendarEvent{ID: id, Title: title, OccursAt: timenorm.Backend(timenorm.TimestampOf(raw))}
}

func TestPlanAt(t *testing.T) {
	tests := []struct {
		name   string
		in     time.Duration
		titles []string
	}{
		{name: "all three tiers ahead", in: 100 * time.Hour, titles: []string{"Upcoming event", "Event tomorrow", "It's today!"}},
		{name: "inside one day", in: 10 * time.Hour, titles: []string{"It's today!"}},
		{name: "between one and three days", in: 30 * time.Hour, titles: []string{"Event tomorrow", "It's today!"}},
		{name: "exactly 72h ahead skips the first tier", in: 72 * time.Hour, titles: []string{"Event tomorrow", "It's today!"}},
		{name: "occurring now", in: 0, titles: nil},
		{name: "already past", in: -time.Hour, titles: nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := PlanAt(now.Add(tc.in), now)
			if len(got) != len(tc.titles) {
				t.Fatalf("planned %d tiers, want %d", len(got), len(tc.titles))
			}
			for i, p := range got {
				if p.Tier.Title != tc.titles[i] {
					t.Errorf("tier %d = %q, want %q", i, p.Tier.Title, tc.titles[i])
				}
				if !p.FireAt.After(now) {
					t.Errorf("tier %d fires at %s, not after now", i, p.FireAt)
				}
			}
		})
	}
}

func TestScheduleSameDayOnly(t *testing.T) {
	n, rec, alloc := setup(t)
	res, err := n.Schedule(context.Background(), "u1", eventIn("e1", "Exam", 10*time.Hour), now)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(res.Scheduled) != 1 || res.Skipped != 2 {
		t.Fatalf("result = %+v, want 1 scheduled 2 skipped", res)
	}
	got := res.Scheduled[0]
	if got.Title != "It's today!" || got.Body != "Today: Exam" {
		t.Fatalf("notification = %+v", got)
	}
	if !got.FireAt.Equal(now.Add(10 * time.Hour)) {
		t.Fatalf("fire at %s", got.FireAt)
	}
	if got.ID != 3 {
		t.Fatalf("id = %d, want 3 (step 3 from 0)", got.ID)
	}
	if last, _ := alloc.Last(context.Background()); last != 3 {
		t.Fatalf("stored last = %d, want 3", last)
	}
	if len(rec.pending) != 1 {
		t.Fatalf("pending = %d", len(rec.pending))
	}
}

func TestScheduleAllTiers(t *testing.T) {
	n, rec, _ := setup(t)
	res, err := n.Schedule(context.Background(), "u1", eventIn("e1", "Trip", 100*time.Hour), now)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if len(res.Scheduled) != 3 {
		t.Fatalf("scheduled %d, want 3", len(res.Scheduled))
	}
	wantIDs := []int{1, 5, 9}
	wantBodies := []string{"3 days left: Trip", "1 day left: Trip", "Today: Trip"}
	for i, sn := range res.Scheduled {
		if sn.ID != wantIDs[i] || sn.Body != wantBodies[i] || sn.Kind != model.NotificationEvent {
			t.Errorf("notification %d = %+v", i, sn)
		}
	}
	if len(rec.pending) != 3 {
		t.Fatalf("pending = %d, want 3", len(rec.pending))
	}
}

func TestRescheduleCancelsPrevious(t *testing.T) {
	n, rec, _ := setup(t)
	ctx := context.Background()
	_, _ = n.Schedule(ctx, "u1", eventIn("e1", "Trip", 100*time.Hour), now)

	res, err := n.Schedule(ctx, "u1", eventIn("e1", "Trip", 30*time.Hour), now)
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if len(res.Scheduled) != 2 {
		t.Fatalf("scheduled %d, want 2", len(res.Scheduled))
	}
	if len(rec.pending) != 2 {
		t.Fatalf("pending = %d, want 2 after replace", len(rec.pending))
	}
	for id := range rec.pending {
		if id <= 9 {
			t.Fatalf("old id %d still pending or reused", id)
		}
	}
}

func TestEnsureSkipsUnchanged(t *testing.T) {
	n, rec, alloc := setup(t)
	ctx := context.Background()
	ev := eventIn("e1", "Trip", 100*time.Hour)

	if _, err := n.Ensure(ctx, "u1", ev, now); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	before, _ := alloc.Last(ctx)

	res, err := n.Ensure(ctx, "u1", ev, now.Add(time.Minute))
	if err != nil || !res.Unchanged {
		t.Fatalf("second Ensure = %+v, %v; want unchanged", res, err)
	}
	after, _ := alloc.Last(ctx)
	if before != after || rec.schedules != 3 {
		t.Fatalf("ids burned on re-observation: last %d -> %d, schedules=%d", before, after, rec.schedules)
	}

	ev.Title = "Road trip"
	res, _ = n.Ensure(ctx, "u1", ev, now)
	if res.Unchanged || len(res.Scheduled) != 3 {
		t.Fatalf("title change not rescheduled: %+v", res)
	}
}

func TestEnsureRetriesAfterPermissionDenied(t *testing.T) {
	n, rec, _ := setup(t)
	ctx := context.Background()
	ev := eventIn("e1", "Trip", 10*time.Hour)

	rec.denied = true
	_, err := n.Ensure(ctx, "u1", ev, now)
	if !errors.Is(err, notify.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}

	rec.denied = false
	res, err := n.Ensure(ctx, "u1", ev, now)
	if err != nil || len(res.Scheduled) != 1 {
		t.Fatalf("retry = %+v, %v", res, err)
	}
}

func TestScheduleAllocationFailure(t *testing.T) {
	rec := newRecorder()
	n := NewNotifier(Options{
		Correction: timenorm.Correction{Normalizer: timenorm.Normalizer{Location: time.UTC}, Hours: offset},
		Allocator:  notifyid.New(failingStore{}, "", 0),
		Notifier:   rec,
	})
	_, err := n.Schedule(context.Background(), "u1", eventIn("e1", "Trip", 100*time.Hour), now)
	if !errors.Is(err, notifyid.ErrAllocation) {
		t.Fatalf("err = %v, want ErrAllocation", err)
	}
	if len(rec.pending) != 0 {
		t.Fatalf("pending = %d, want none", len(rec.pending))
	}
}

func TestScheduleContinuesAfterRejectedTier(t *testing.T) {
	n, rec, _ := setup(t)
	rec.failIDs[5] = true
	res, err := n.Schedule(context.Background(), "u1", eventIn("e1", "Trip", 100*time.Hour), now)
	var se *notify.SchedulingError
	if !errors.As(err, &se) || se.ID != 5 {
		t.Fatalf("err = %v, want SchedulingError for id 5", err)
	}
	if len(res.Scheduled) != 2 {
		t.Fatalf("scheduled %d, want 2", len(res.Scheduled))
	}
}

func TestInvalidEventDate(t *testing.T) {
	n, rec, _ := setup(t)
	ev := model.CalendarEvent{ID: "bad", OccursAt: timenorm.ISO("not a date")}
	_, err := n.Schedule(context.Background(), "u1", ev, now)
	if !errors.Is(err, timenorm.ErrInvalidDate) {
		t.Fatalf("err = %v, want ErrInvalidDate", err)
	}
	if rec.schedules != 0 {
		t.Fatal("invalid event scheduled")
	}
}

func TestCancelAndForget(t *testing.T) {
	n, rec, _ := setup(t)
	ctx := context.Background()
	_, _ = n.Schedule(ctx, "u1", eventIn("e1", "A", 100*time.Hour), now)
	_, _ = n.Schedule(ctx, "u1", eventIn("e2", "B", 100*time.Hour), now)
	_, _ = n.Schedule(ctx, "u2", eventIn("e3", "C", 10*time.Hour), now)

	if err := n.Cancel(ctx, "u1", "e1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if len(rec.pending) != 4 || n.IDs("u1", "e1") != nil {
		t.Fatalf("after cancel pending = %d", len(rec.pending))
	}

	n.Forget(ctx, "u1", map[string]bool{})
	if len(rec.pending) != 1 {
		t.Fatalf("after forget pending = %d, want only u2's", len(rec.pending))
	}
	if len(n.IDs("u2", "e3")) != 1 {
		t.Fatal("other user's event was forgotten")
	}
}
