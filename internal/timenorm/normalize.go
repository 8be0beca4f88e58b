// Package timenorm turns raw record dates into canonical instants and owns
// the fixed regional offset correction.
//
// A raw value goes through exactly one path: DateLike -> Normalize -> Instant
// -> Correction -> Corrected. Corrected is a separate type with no way back
// into the correction, so an offset can neither be skipped nor applied twice
// by a caller that only works with Corrected values.
package timenorm

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidDate matches every *InvalidDateError via errors.Is.
var ErrInvalidDate = errors.New("invalid date")

// InvalidDateError reports a raw value that could not be normalized.
type InvalidDateError struct {
	Raw    string
	Kind   Kind
	Reason string
}

func (e *InvalidDateError) Error() string {
	return fmt.Sprintf("timenorm: invalid %s date %q: %s", e.Kind, e.Raw, e.Reason)
}

func (e *InvalidDateError) Is(target error) bool { return target == ErrInvalidDate }

// Instant is a normalized point in time, or an invalid marker carrying the
// reason. Callers must check Valid before using Time.
type Instant struct {
	t   time.Time
	err *InvalidDateError
}

func InstantOf(t time.Time) Instant { return Instant{t: t} }

func (i Instant) Valid() bool { return i.err == nil }

// Time returns the instant; it is the zero time when the instant is invalid.
func (i Instant) Time() time.Time { return i.t }

func (i Instant) Err() error {
	if i.err == nil {
		return nil
	}
	return i.err
}

func invalid(d DateLike, reason string) Instant {
	return Instant{err: &InvalidDateError{Raw: d.String(), Kind: d.kind, Reason: reason}}
}

// Normalizer converts DateLike values. Location is used for ISO strings that
// carry a date and time but no offset; nil means time.Local.
type Normalizer struct {
	Location *time.Location
}

// Date-time layouts with an explicit offset or Z.
var offsetLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04Z07:00",
}

// Date-time layouts without an offset, read in the normalizer's location.
var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// Date-only values are UTC midnight.
const dateOnlyLayout = "2006-01-02"

// Normalize converts raw into an Instant. It never panics; unsupported or
// unparseable input yields an invalid Instant.
func (n Normalizer) Normalize(raw DateLike) Instant {
	switch raw.kind {
	case KindNative:
		if raw.native.IsZero() {
			return invalid(raw, "zero time")
		}
		return Instant{t: raw.native}
	case KindISO:
		return n.parseISO(raw)
	case KindBackend:
		t := raw.backend.ToDate()
		if t.IsZero() {
			return invalid(raw, "zero time")
		}
		return Instant{t: t}
	case KindNone:
		return invalid(raw, "missing")
	default:
		return invalid(raw, "unsupported representation")
	}
}

func (n Normalizer) location() *time.Location {
	if n.Location == nil {
		return time.Local
	}
	return n.Location
}

func (n Normalizer) parseISO(raw DateLike) Instant {
	s := strings.TrimSpace(raw.iso)
	if s == "" {
		return invalid(raw, "empty string")
	}
	for _, layout := range offsetLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Instant{t: t}
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, n.location()); err == nil {
			return Instant{t: t}
		}
	}
	if t, err := time.Parse(dateOnlyLayout, s); err == nil {
		return Instant{t: t}
	}
	return invalid(raw, "not ISO-8601")
}

// ApplyRegionalCorrection shifts a valid instant by a signed number of
// hours. Invalid instants are returned unchanged.
func ApplyRegionalCorrection(in Instant, hours int) Instant {
	if !in.Valid() {
		return in
	}
	return Instant{t: in.t.Add(time.Duration(hours) * time.Hour)}
}

// Corrected is an instant with the regional offset applied exactly once.
type Corrected struct {
	t time.Time
}

func (c Corrected) Time() time.Time { return c.t }

func (c Corrected) IsZero() bool { return c.t.IsZero() }

// Correction couples a Normalizer with the product's fixed offset.
type Correction struct {
	Normalizer Normalizer
	Hours      int
}

// Correct is the single raw -> corrected conversion. The result is expressed
// in the normalizer's location.
func (c Correction) Correct(raw DateLike) (Corrected, error) {
	in := c.Normalizer.Normalize(raw)
	if !in.Valid() {
		return Corrected{}, in.Err()
	}
	out := ApplyRegionalCorrection(in, c.Hours)
	return Corrected{t: out.Time().In(c.Normalizer.location())}, nil
}

// Uncorrect returns the raw value the store should hold so that Correct
// yields t again. Used when absolute instants (subscriptions, API input)
// are written as records.
func (c Correction) Uncorrect(t time.Time) DateLike {
	raw := ApplyRegionalCorrection(InstantOf(t), -c.Hours)
	return Native(raw.Time())
}

// CorrectTime marks an already-corrected absolute time, e.g. the clock.
func CorrectTime(t time.Time) Corrected { return Corrected{t: t} }

// Location is the zone corrected instants are expressed in.
func (c Correction) Location() *time.Location { return c.Normalizer.location() }
