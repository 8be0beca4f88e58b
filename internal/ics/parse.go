package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "doit/internal/log"
)

// vevent is the part of a VEVENT the importer uses.
type vevent struct {
	UID         string
	Summary     string
	Description string

	Start  time.Time
	AllDay bool

	RRule   string
	ExDates []time.Time

	// RecurrenceID is set on an override of one recurring instance.
	RecurrenceID *time.Time
}

// parse reads the VEVENTs of a feed. Broken events are logged and skipped;
// only an unreadable calendar is an error. Zone-less times are read in loc.
func parse(body []byte, loc *time.Location) ([]vevent, error) {
	if len(body) == 0 {
		return nil, errors.New("ics: empty body")
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ics: parse: %w", err)
	}

	var out []vevent
	for _, ve := range cal.Events() {
		ev, err := parseEvent(ve, loc)
		if err != nil {
			appLog.Warn("ics event skipped", "uid", propValue(ve, ical.ComponentPropertyUniqueId), "err", err)
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func parseEvent(ve *ical.VEvent, loc *time.Location) (vevent, error) {
	ev := vevent{
		UID:         propValue(ve, ical.ComponentPropertyUniqueId),
		Summary:     propValue(ve, ical.ComponentPropertySummary),
		Description: propValue(ve, ical.ComponentPropertyDescription),
		RRule:       propValue(ve, ical.ComponentPropertyRrule),
	}
	if ev.UID == "" {
		return ev, errors.New("missing UID")
	}

	dt := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dt == nil {
		return ev, errors.New("missing DTSTART")
	}
	ev.AllDay = isDateValue(dt)
	start, err := parseValue(dt.Value, tzid(dt, loc))
	if err != nil {
		return ev, fmt.Errorf("DTSTART: %w", err)
	}
	ev.Start = start

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			if t, err := parseValue(part, tzid(p, loc)); err == nil {
				ev.ExDates = append(ev.ExDates, t)
			}
		}
	}

	if rid := ve.GetProperty(ical.ComponentPropertyRecurrenceId); rid != nil {
		t, err := parseValue(rid.Value, tzid(rid, loc))
		if err != nil {
			return ev, fmt.Errorf("RECURRENCE-ID: %w", err)
		}
		ev.RecurrenceID = &t
	}
	return ev, nil
}

func propValue(ve *ical.VEvent, name ical.ComponentProperty) string {
	if p := ve.GetProperty(name); p != nil {
		return p.Value
	}
	return ""
}

func isDateValue(p *ical.IANAProperty) bool {
	if vs := p.ICalParameters["VALUE"]; len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

func tzid(p *ical.IANAProperty, fallback *time.Location) *time.Location {
	if ids := p.ICalParameters["TZID"]; len(ids) == 1 {
		if loc, err := time.LoadLocation(ids[0]); err == nil {
			return loc
		}
	}
	return fallback
}

// parseValue reads DATE and DATE-TIME values; a trailing Z means UTC.
func parseValue(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	switch {
	case v == "":
		return time.Time{}, errors.New("empty value")
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}
