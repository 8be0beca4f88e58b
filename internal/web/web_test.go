package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"doit/internal/app"
	"doit/internal/config"
	"doit/internal/dashboard"
	"doit/internal/ics"
	"doit/internal/model"
	"doit/internal/timenorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeEngine implements Engine; unset funcs return zero values.
type fakeEngine struct {
	SummaryFunc        func(ctx context.Context, userID string) (dashboard.Summary, error)
	EventsOnFunc       func(ctx context.Context, userID string, day time.Time) ([]dashboard.EventSummary, error)
	PendingFunc        func() []model.ScheduledNotification
	ExportFunc         func(ctx context.Context, userID string) (string, error)
	RefreshFunc        func(ctx context.Context) ([]ics.ImportResult, error)
	SaveReminderFunc   func(ctx context.Context, userID string, r model.Reminder) (model.Reminder, app.ScheduleResult, error)
	DeleteReminderFunc func(ctx context.Context, userID, reminderID string) error
	SaveEventFunc      func(ctx context.Context, userID string, ev model.CalendarEvent) (model.CalendarEvent, app.ScheduleResult, error)
	DeleteEventFunc    func(ctx context.Context, userID, eventID string) error
	SaveSubjectFunc    func(ctx context.Context, userID string, s model.Subject) (model.Subject, error)
	SaveTaskFunc       func(ctx context.Context, userID string, t model.Task) (model.Task, error)
	NotesFunc          func(ctx context.Context, userID, subjectID string) ([]model.Note, error)
	NowFunc            func() time.Time
}

func (f *fakeEngine) Now() time.Time {
	if f.NowFunc != nil {
		return f.NowFunc()
	}
	return time.Now()
}

func (f *fakeEngine) Summary(ctx context.Context, userID string) (dashboard.Summary, error) {
	if f.SummaryFunc != nil {
		return f.SummaryFunc(ctx, userID)
	}
	return dashboard.Summary{}, nil
}

func (f *fakeEngine) EventsOn(ctx context.Context, userID string, day time.Time) ([]dashboard.EventSummary, error) {
	if f.EventsOnFunc != nil {
		return f.EventsOnFunc(ctx, userID, day)
	}
	return nil, nil
}

func (f *fakeEngine) Pending() []model.ScheduledNotification {
	if f.PendingFunc != nil {
		return f.PendingFunc()
	}
	return nil
}

func (f *fakeEngine) ExportCalendar(ctx context.Context, userID string) (string, error) {
	if f.ExportFunc != nil {
		return f.ExportFunc(ctx, userID)
	}
	return "", nil
}

func (f *fakeEngine) RefreshSubscriptions(ctx context.Context) ([]ics.ImportResult, error) {
	if f.RefreshFunc != nil {
		return f.RefreshFunc(ctx)
	}
	return nil, nil
}

func (f *fakeEngine) SaveReminder(ctx context.Context, userID string, r model.Reminder) (model.Reminder, app.ScheduleResult, error) {
	if f.SaveReminderFunc != nil {
		return f.SaveReminderFunc(ctx, userID, r)
	}
	return r, app.ScheduleResult{}, nil
}

func (f *fakeEngine) DeleteReminder(ctx context.Context, userID, reminderID string) error {
	if f.DeleteReminderFunc != nil {
		return f.DeleteReminderFunc(ctx, userID, reminderID)
	}
	return nil
}

func (f *fakeEngine) SaveEvent(ctx context.Context, userID string, ev model.CalendarEvent) (model.CalendarEvent, app.ScheduleResult, error) {
	if f.SaveEventFunc != nil {
		return f.SaveEventFunc(ctx, userID, ev)
	}
	return ev, app.ScheduleResult{}, nil
}

func (f *fakeEngine) DeleteEvent(ctx context.Context, userID, eventID string) error {
	if f.DeleteEventFunc != nil {
		return f.DeleteEventFunc(ctx, userID, eventID)
	}
	return nil
}

func (f *fakeEngine) SaveSubject(ctx context.Context, userID string, s model.Subject) (model.Subject, error) {
	if f.SaveSubjectFunc != nil {
		return f.SaveSubjectFunc(ctx, userID, s)
	}
	return s, nil
}

func (f *fakeEngine) DeleteSubject(context.Context, string, string) error { return nil }

func (f *fakeEngine) SaveTask(ctx context.Context, userID string, t model.Task) (model.Task, error) {
	if f.SaveTaskFunc != nil {
		return f.SaveTaskFunc(ctx, userID, t)
	}
	return t, nil
}

func (f *fakeEngine) DeleteTask(context.Context, string, string, string) error { return nil }

func (f *fakeEngine) SaveNote(_ context.Context, _ string, n model.Note) (model.Note, error) {
	return n, nil
}

func (f *fakeEngine) Notes(ctx context.Context, userID, subjectID string) ([]model.Note, error) {
	if f.NotesFunc != nil {
		return f.NotesFunc(ctx, userID, subjectID)
	}
	return nil, nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	return cfg
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			if err := json.NewEncoder(&buf).Encode(b); err != nil {
				t.Fatalf("encode body: %v", err)
			}
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthSkipsAuth(t *testing.T) {
	cfg := testConfig()
	cfg.BasicAuth = config.BasicAuthConfig{Username: "admin", Password: "secret"}
	h := NewServer(cfg, &fakeEngine{}).Handler()

	if rec := do(t, h, http.MethodGet, "/health", nil); rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("health = %d %q", rec.Code, rec.Body.String())
	}

	rec := do(t, h, http.MethodGet, "/api/notifications", nil)
	if rec.Code != http.StatusUnauthorized || rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("unauthenticated = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/notifications", nil)
	req.SetBasicAuth("admin", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/notifications", nil)
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"items":[]`) {
		t.Fatalf("authenticated = %d %s", rec.Code, rec.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	h := NewServer(testConfig(), &fakeEngine{}).Handler()
	req := httptest.NewRequest(http.MethodOptions, "/api/users/alice/dashboard", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("preflight = %d, allow-origin %q", rec.Code, rec.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestDashboard(t *testing.T) {
	eng := &fakeEngine{
		SummaryFunc: func(_ context.Context, userID string) (dashboard.Summary, error) {
			if userID != "alice" {
				return dashboard.Summary{}, app.ErrNotFound
			}
			return dashboard.Summary{LeastCompleted: &dashboard.TaskSummary{Task: model.Task{ID: "t1"}, SubjectID: "math", Percentage: 25}}, nil
		},
	}
	h := NewServer(testConfig(), eng).Handler()

	rec := do(t, h, http.MethodGet, "/api/users/alice/dashboard", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got dashboard.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.LeastCompleted == nil || got.LeastCompleted.Task.ID != "t1" || got.LeastCompleted.Percentage != 25 {
		t.Fatalf("least completed = %+v", got.LeastCompleted)
	}

	if rec := do(t, h, http.MethodGet, "/api/users/bob/dashboard", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown user = %d", rec.Code)
	}
}

func TestEventsOnDate(t *testing.T) {
	var gotDay time.Time
	eng := &fakeEngine{
		EventsOnFunc: func(_ context.Context, _ string, day time.Time) ([]dashboard.EventSummary, error) {
			gotDay = day
			return []dashboard.EventSummary{{Event: model.CalendarEvent{ID: "e1"}}}, nil
		},
	}
	h := NewServer(testConfig(), eng).Handler()

	rec := do(t, h, http.MethodGet, "/api/users/alice/events?date=2024-12-02", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"e1"`) {
		t.Fatalf("events = %d %s", rec.Code, rec.Body.String())
	}
	if !gotDay.Equal(time.Date(2024, 12, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("day = %v", gotDay)
	}

	if rec := do(t, h, http.MethodGet, "/api/users/alice/events?date=02.12.2024", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad date = %d", rec.Code)
	}
}

func TestEventsDefaultToEngineToday(t *testing.T) {
	var gotDay time.Time
	eng := &fakeEngine{
		NowFunc: func() time.Time { return time.Date(2024, 12, 5, 23, 30, 0, 0, time.UTC) },
		EventsOnFunc: func(_ context.Context, _ string, day time.Time) ([]dashboard.EventSummary, error) {
			gotDay = day
			return nil, nil
		},
	}
	h := NewServer(testConfig(), eng).Handler()

	rec := do(t, h, http.MethodGet, "/api/users/alice/events", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"date":"2024-12-05"`) {
		t.Fatalf("events = %d %s", rec.Code, rec.Body.String())
	}
	if gotDay.Day() != 5 {
		t.Fatalf("day = %v, want the engine's today", gotDay)
	}
}

func TestCreateReminderWithInstant(t *testing.T) {
	cfg := testConfig()
	var got model.Reminder
	eng := &fakeEngine{
		SaveReminderFunc: func(_ context.Context, _ string, r model.Reminder) (model.Reminder, app.ScheduleResult, error) {
			got = r
			r.ID = "generated"
			return r, app.ScheduleResult{State: "scheduled"}, nil
		},
	}
	h := NewServer(cfg, eng).Handler()

	due := time.Date(2024, 12, 4, 10, 0, 0, 0, time.UTC)
	rec := do(t, h, http.MethodPost, "/api/users/alice/reminders", map[string]any{
		"title":  "Essay",
		"due_at": due.Format(time.RFC3339),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}
	if !got.Enabled {
		t.Error("reminder should default to enabled")
	}
	corr := timenorm.Correction{Normalizer: timenorm.Normalizer{Location: time.UTC}, Hours: cfg.RegionalOffsetHours}
	at, err := corr.Correct(got.DueAt)
	if err != nil || !at.Time().Equal(due) {
		t.Fatalf("stored due corrects to %v (%v), want %v", at.Time(), err, due)
	}

	var resp reminderResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Reminder.ID != "generated" || resp.Schedule.State != "scheduled" {
		t.Fatalf("response = %+v", resp)
	}
}

func TestUpdateReminderUsesPathID(t *testing.T) {
	var got model.Reminder
	eng := &fakeEngine{
		SaveReminderFunc: func(_ context.Context, _ string, r model.Reminder) (model.Reminder, app.ScheduleResult, error) {
			got = r
			return r, app.ScheduleResult{}, nil
		},
	}
	h := NewServer(testConfig(), eng).Handler()

	rec := do(t, h, http.MethodPut, "/api/users/alice/reminders/r9", map[string]any{
		"title":    "Essay",
		"end_date": "2024-12-04T07:00:00Z",
		"enabled":  false,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got.ID != "r9" || got.Enabled || got.DueAt.Kind() != timenorm.KindISO {
		t.Fatalf("reminder = %+v", got)
	}
}

func TestWriteErrors(t *testing.T) {
	eng := &fakeEngine{
		SaveEventFunc: func(_ context.Context, _ string, ev model.CalendarEvent) (model.CalendarEvent, app.ScheduleResult, error) {
			return ev, app.ScheduleResult{}, errors.New("store down")
		},
		SaveTaskFunc: func(_ context.Context, _ string, t model.Task) (model.Task, error) {
			return t, app.ErrNotFound
		},
		SaveSubjectFunc: func(_ context.Context, _ string, s model.Subject) (model.Subject, error) {
			return s, errors.Join(app.ErrInvalidInput, errors.New("name is required"))
		},
		DeleteReminderFunc: func(context.Context, string, string) error { return app.ErrNotFound },
	}
	h := NewServer(testConfig(), eng).Handler()

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"malformed json", http.MethodPost, "/api/users/alice/reminders", "{", http.StatusBadRequest},
		{"store failure", http.MethodPost, "/api/users/alice/events", map[string]any{"title": "x"}, http.StatusInternalServerError},
		{"missing subject", http.MethodPost, "/api/users/alice/subjects/s1/tasks", map[string]any{"title": "x"}, http.StatusNotFound},
		{"invalid subject", http.MethodPost, "/api/users/alice/subjects", map[string]any{"name": ""}, http.StatusBadRequest},
		{"delete missing reminder", http.MethodDelete, "/api/users/alice/reminders/nope", nil, http.StatusNotFound},
		{"delete event", http.MethodDelete, "/api/users/alice/events/e1", nil, http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := do(t, h, tc.method, tc.path, tc.body); rec.Code != tc.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestSaveTaskTakesSubjectFromPath(t *testing.T) {
	var got model.Task
	eng := &fakeEngine{
		SaveTaskFunc: func(_ context.Context, _ string, t model.Task) (model.Task, error) {
			got = t
			return t, nil
		},
	}
	h := NewServer(testConfig(), eng).Handler()

	rec := do(t, h, http.MethodPut, "/api/users/alice/subjects/math/tasks/t1", map[string]any{
		"title":      "Sheet",
		"subject_id": "other",
		"items":      []map[string]any{{"name": "a", "completed": true}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got.ID != "t1" || got.SubjectID != "math" || len(got.Items) != 1 || !got.Items[0].Completed {
		t.Fatalf("task = %+v", got)
	}
}

func TestCalendarExport(t *testing.T) {
	eng := &fakeEngine{
		ExportFunc: func(context.Context, string) (string, error) {
			return "BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n", nil
		},
	}
	h := NewServer(testConfig(), eng).Handler()

	rec := do(t, h, http.MethodGet, "/api/users/alice/calendar.ics", nil)
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/calendar") {
		t.Fatalf("export = %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
}

func TestRefreshReportsFailures(t *testing.T) {
	eng := &fakeEngine{
		RefreshFunc: func(context.Context) ([]ics.ImportResult, error) {
			return []ics.ImportResult{{Subscription: "ok", Written: 2}}, errors.New("uni: unexpected status 500")
		},
	}
	h := NewServer(testConfig(), eng).Handler()

	rec := do(t, h, http.MethodPost, "/api/ics/refresh", nil)
	if rec.Code != http.StatusBadGateway || !strings.Contains(rec.Body.String(), `"written":2`) {
		t.Fatalf("refresh = %d %s", rec.Code, rec.Body.String())
	}
}

func TestRunShutsDown(t *testing.T) {
	cfg := testConfig()
	cfg.Listen = "127.0.0.1:0"
	s := NewServer(cfg, &fakeEngine{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
