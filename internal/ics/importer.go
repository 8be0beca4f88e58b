package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	appLog "doit/internal/log"
	"doit/internal/model"
	"doit/internal/timenorm"
)

// EventStore is the slice of the document store the importer writes to.
type EventStore interface {
	Events(ctx context.Context, userID string) ([]model.CalendarEvent, error)
	PutEvent(ctx context.Context, userID string, ev model.CalendarEvent) error
	DeleteEvent(ctx context.Context, userID, eventID string) error
}

type ImporterOptions struct {
	Fetcher    *Fetcher
	Store      EventStore
	Correction timenorm.Correction
	// Horizon is how far ahead instances are imported.
	Horizon time.Duration
	Now     func() time.Time
}

// ImportResult summarizes one refresh of a subscription.
type ImportResult struct {
	Subscription string `json:"subscription"`
	Written      int    `json:"written"`
	Unchanged    int    `json:"unchanged"`
	Removed      int    `json:"removed"`
	FromCache    bool   `json:"from_cache"`
}

// Importer mirrors subscription instances into a user's events. Imported
// events carry the subscription id in Source; only those are ever updated
// or removed.
type Importer struct {
	fetcher    *Fetcher
	store      EventStore
	correction timenorm.Correction
	horizon    time.Duration
	now        func() time.Time

	group singleflight.Group
}

func NewImporter(opts ImporterOptions) *Importer {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	horizon := opts.Horizon
	if horizon <= 0 {
		horizon = 30 * 24 * time.Hour
	}
	return &Importer{
		fetcher:    opts.Fetcher,
		store:      opts.Store,
		correction: opts.Correction,
		horizon:    horizon,
		now:        now,
	}
}

// Refresh imports sub. Concurrent refreshes of the same subscription share
// one fetch and one write pass.
func (im *Importer) Refresh(ctx context.Context, sub Subscription) (ImportResult, error) {
	v, err, shared := im.group.Do(sub.ID, func() (any, error) {
		return im.refresh(ctx, sub)
	})
	if shared {
		appLog.Debug("ics refresh coalesced", "subscription", sub.ID)
	}
	if err != nil {
		return ImportResult{Subscription: sub.ID}, err
	}
	return v.(ImportResult), nil
}

// RefreshAll refreshes every subscription; a failing one does not stop the
// rest.
func (im *Importer) RefreshAll(ctx context.Context, subs []Subscription) ([]ImportResult, error) {
	var (
		results []ImportResult
		errs    []error
	)
	for _, sub := range subs {
		res, err := im.Refresh(ctx, sub)
		if err != nil {
			appLog.Error("ics refresh failed", err, "subscription", sub.ID, "user", sub.UserID)
			errs = append(errs, fmt.Errorf("%s: %w", sub.ID, err))
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

func (im *Importer) refresh(ctx context.Context, sub Subscription) (ImportResult, error) {
	res := ImportResult{Subscription: sub.ID}
	if sub.UserID == "" {
		return res, fmt.Errorf("ics: subscription %s has no user", sub.ID)
	}

	feed, err := im.fetcher.Fetch(ctx, sub)
	if err != nil {
		return res, err
	}
	res.FromCache = feed.FromCache

	events, err := parse(feed.Body, im.correction.Location())
	if err != nil {
		return res, err
	}
	now := im.now()
	occs, err := expand(events, now.Add(-24*time.Hour), now.Add(im.horizon))
	if err != nil {
		return res, err
	}

	existing, err := im.store.Events(ctx, sub.UserID)
	if err != nil {
		return res, fmt.Errorf("ics: list events: %w", err)
	}
	current := make(map[string]model.CalendarEvent)
	for _, ev := range existing {
		if ev.Source == sub.ID {
			current[ev.ID] = ev
		}
	}

	seen := make(map[string]bool, len(occs))
	for _, o := range occs {
		ev := model.CalendarEvent{
			ID:          eventID(sub.ID, o),
			Title:       o.Summary,
			Description: o.Description,
			OccursAt:    im.correction.Uncorrect(o.Start),
			Source:      sub.ID,
		}
		seen[ev.ID] = true
		if old, ok := current[ev.ID]; ok && im.sameEvent(old, ev) {
			res.Unchanged++
			continue
		}
		if err := im.store.PutEvent(ctx, sub.UserID, ev); err != nil {
			return res, fmt.Errorf("ics: write event: %w", err)
		}
		res.Written++
	}

	for id, ev := range current {
		if seen[id] {
			continue
		}
		// Keep instances that have already happened; drop vanished future ones.
		if at, err := im.correction.Correct(ev.OccursAt); err == nil && !at.Time().After(now) {
			continue
		}
		if err := im.store.DeleteEvent(ctx, sub.UserID, id); err != nil {
			return res, fmt.Errorf("ics: remove event: %w", err)
		}
		res.Removed++
	}

	appLog.Info("ics import done", "subscription", sub.ID, "user", sub.UserID, "written", res.Written, "unchanged", res.Unchanged, "removed", res.Removed, "from_cache", res.FromCache)
	return res, nil
}

func (im *Importer) sameEvent(a, b model.CalendarEvent) bool {
	if a.Title != b.Title || a.Description != b.Description {
		return false
	}
	at, errA := im.correction.Correct(a.OccursAt)
	bt, errB := im.correction.Correct(b.OccursAt)
	return errA == nil && errB == nil && at.Time().Equal(bt.Time())
}

func eventID(subID string, o occurrence) string {
	sum := sha256.Sum256([]byte(o.key()))
	return "ics-" + subID + "-" + hex.EncodeToString(sum[:8])
}
