package ics

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "doit/internal/log"
)

// maxPerEvent caps the instances one recurring event may produce.
const maxPerEvent = 1000

// occurrence is one concrete instance of a feed event.
type occurrence struct {
	UID         string
	Summary     string
	Description string
	Start       time.Time
	AllDay      bool
}

// key identifies an instance across refreshes.
func (o occurrence) key() string {
	return o.UID + "@" + o.Start.UTC().Format("20060102T150405Z")
}

// expand turns events into the instances starting in [from, to], sorted by
// start. RRULE and EXDATE are applied; an override replaces the instance
// named by its RECURRENCE-ID.
func expand(events []vevent, from, to time.Time) ([]occurrence, error) {
	if to.Before(from) {
		return nil, errors.New("ics: expand window ends before it starts")
	}

	overrides := make(map[string]vevent)
	for _, ev := range events {
		if ev.RecurrenceID != nil {
			overrides[ev.UID+"@"+ev.RecurrenceID.UTC().Format(time.RFC3339)] = ev
		}
	}

	var out []occurrence
	emit := func(base vevent, start time.Time) {
		inst := base
		if ov, ok := overrides[base.UID+"@"+start.UTC().Format(time.RFC3339)]; ok {
			inst = ov
			start = ov.Start
		}
		if start.Before(from) || start.After(to) {
			return
		}
		out = append(out, occurrence{
			UID:         base.UID,
			Summary:     inst.Summary,
			Description: inst.Description,
			Start:       start,
			AllDay:      base.AllDay,
		})
	}

	for _, ev := range events {
		if ev.RecurrenceID != nil {
			continue
		}
		if ev.RRule == "" {
			emit(ev, ev.Start)
			continue
		}

		rule, err := rrule.StrToRRule(ev.RRule)
		if err != nil {
			appLog.Warn("ics rrule ignored", "uid", ev.UID, "rrule", ev.RRule, "err", err)
			emit(ev, ev.Start)
			continue
		}
		rule.DTStart(ev.Start)

		set := &rrule.Set{}
		set.RRule(rule)
		for _, ex := range ev.ExDates {
			set.ExDate(ex.In(ev.Start.Location()))
		}

		// Overrides may move an instance into the window from outside it,
		// so widen the search by a day on both ends.
		starts := set.Between(from.Add(-24*time.Hour), to.Add(24*time.Hour), true)
		if len(starts) > maxPerEvent {
			appLog.Warn("ics recurrence truncated", "uid", ev.UID, "instances", len(starts), "cap", maxPerEvent)
			starts = starts[:maxPerEvent]
		}
		for _, s := range starts {
			emit(ev, s)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}
