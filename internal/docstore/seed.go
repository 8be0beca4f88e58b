package docstore

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	appLog "doit/internal/log"
	"doit/internal/model"
)

// Seed is a YAML snapshot of user documents:
//
//	users:
//	  alice:
//	    subjects:
//	      - id: math
//	        name: Math
//	        tasks:
//	          - id: t1
//	            title: Homework
//	            items: [{name: ex1, completed: true}]
//	    reminders:
//	      - id: r1
//	        title: Essay
//	        end_date: 2024-12-03T10:30:00Z
//	        enabled: true
//	    events:
//	      - id: e1
//	        title: Exam
//	        date: {seconds: 1733221800, nanoseconds: 0}
type Seed struct {
	Users map[string]SeedUser `yaml:"users"`
}

type SeedUser struct {
	Subjects  []SeedSubject         `yaml:"subjects"`
	Reminders []model.Reminder      `yaml:"reminders"`
	Events    []model.CalendarEvent `yaml:"events"`
}

type SeedSubject struct {
	model.Subject `yaml:",inline"`
	Tasks         []model.Task `yaml:"tasks"`
	Notes         []model.Note `yaml:"notes"`
}

// LoadSeed reads a seed file.
func LoadSeed(path string) (*Seed, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	var s Seed
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	return &s, nil
}

// UserIDs returns the seeded users in sorted order.
func (s *Seed) UserIDs() []string {
	ids := make([]string, 0, len(s.Users))
	for id := range s.Users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Apply writes every seeded document into w. Tasks and notes inherit the
// subject id of their enclosing subject.
func (s *Seed) Apply(ctx context.Context, w Writer) error {
	for _, uid := range s.UserIDs() {
		u := s.Users[uid]
		for _, sub := range u.Subjects {
			if err := w.PutSubject(ctx, uid, sub.Subject); err != nil {
				return fmt.Errorf("seed %s: %w", uid, err)
			}
			for _, t := range sub.Tasks {
				t.SubjectID = sub.ID
				if err := w.PutTask(ctx, uid, t); err != nil {
					return fmt.Errorf("seed %s: %w", uid, err)
				}
			}
			for _, n := range sub.Notes {
				n.SubjectID = sub.ID
				if err := w.PutNote(ctx, uid, n); err != nil {
					return fmt.Errorf("seed %s: %w", uid, err)
				}
			}
		}
		for _, r := range u.Reminders {
			if err := w.PutReminder(ctx, uid, r); err != nil {
				return fmt.Errorf("seed %s: %w", uid, err)
			}
		}
		for _, ev := range u.Events {
			if err := w.PutEvent(ctx, uid, ev); err != nil {
				return fmt.Errorf("seed %s: %w", uid, err)
			}
		}
		appLog.Info("seeded user documents", "user", uid, "subjects", len(u.Subjects), "reminders", len(u.Reminders), "events", len(u.Events))
	}
	return nil
}
