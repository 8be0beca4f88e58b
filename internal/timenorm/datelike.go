package timenorm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Kind tags which representation a DateLike carries.
type Kind uint8

const (
	KindNone Kind = iota
	KindNative
	KindISO
	KindBackend
	// KindUnknown holds a value of an unsupported shape; it never normalizes.
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNative:
		return "native"
	case KindISO:
		return "iso"
	case KindBackend:
		return "backend"
	default:
		return "unknown"
	}
}

// ToDater is any backend timestamp object that can convert itself to a date.
type ToDater interface {
	ToDate() time.Time
}

// Timestamp is the document store's timestamp object: seconds and
// nanoseconds since the Unix epoch.
type Timestamp struct {
	Seconds int64 `json:"seconds" yaml:"seconds"`
	Nanos   int32 `json:"nanoseconds" yaml:"nanoseconds"`
}

// ToDate implements ToDater.
func (ts Timestamp) ToDate() time.Time {
	return time.Unix(ts.Seconds, int64(ts.Nanos)).UTC()
}

// TimestampOf builds a Timestamp for t.
func TimestampOf(t time.Time) Timestamp {
	return Timestamp{Seconds: t.Unix(), Nanos: int32(t.Nanosecond())}
}

// DateLike is a raw date as it arrives from a record: a native time, an
// ISO-8601 string or a backend timestamp. It is converted to an Instant only
// through Normalizer.Normalize.
type DateLike struct {
	kind    Kind
	native  time.Time
	iso     string
	backend ToDater
	raw     string
}

func Native(t time.Time) DateLike {
	return DateLike{kind: KindNative, native: t}
}

func ISO(s string) DateLike {
	return DateLike{kind: KindISO, iso: s}
}

func Backend(ts ToDater) DateLike {
	if ts == nil {
		return DateLike{}
	}
	return DateLike{kind: KindBackend, backend: ts}
}

// Unknown wraps an unsupported raw value so it can be reported later.
func Unknown(raw string) DateLike {
	return DateLike{kind: KindUnknown, raw: raw}
}

func (d DateLike) Kind() Kind { return d.kind }

func (d DateLike) IsZero() bool { return d.kind == KindNone }

// String renders the raw value for logs.
func (d DateLike) String() string {
	switch d.kind {
	case KindNative:
		return d.native.Format(time.RFC3339Nano)
	case KindISO:
		return d.iso
	case KindBackend:
		if ts, ok := d.backend.(Timestamp); ok {
			return fmt.Sprintf("Timestamp(seconds=%d, nanoseconds=%d)", ts.Seconds, ts.Nanos)
		}
		return fmt.Sprintf("%v", d.backend)
	case KindUnknown:
		return d.raw
	default:
		return ""
	}
}

// backendShape accepts both the SDK field names and the REST export names.
type backendShape struct {
	Seconds    *int64 `json:"seconds" yaml:"seconds"`
	Nanos      *int32 `json:"nanoseconds" yaml:"nanoseconds"`
	AltSeconds *int64 `json:"_seconds" yaml:"_seconds"`
	AltNanos   *int32 `json:"_nanoseconds" yaml:"_nanoseconds"`
}

func (b backendShape) timestamp() (Timestamp, bool) {
	var ts Timestamp
	switch {
	case b.Seconds != nil:
		ts.Seconds = *b.Seconds
		if b.Nanos != nil {
			ts.Nanos = *b.Nanos
		}
	case b.AltSeconds != nil:
		ts.Seconds = *b.AltSeconds
		if b.AltNanos != nil {
			ts.Nanos = *b.AltNanos
		}
	default:
		return ts, false
	}
	return ts, true
}

// UnmarshalJSON never fails on an unexpected shape: such values become
// KindUnknown and are rejected at normalization time instead.
func (d *DateLike) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*d = DateLike{}
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*d = ISO(s)
		return nil
	case '{':
		var shape backendShape
		if err := json.Unmarshal(data, &shape); err == nil {
			if ts, ok := shape.timestamp(); ok {
				*d = Backend(ts)
				return nil
			}
		}
	}

	*d = Unknown(string(data))
	return nil
}

func (d DateLike) MarshalJSON() ([]byte, error) {
	switch d.kind {
	case KindNative:
		return json.Marshal(d.native.Format(time.RFC3339Nano))
	case KindISO:
		return json.Marshal(d.iso)
	case KindBackend:
		if ts, ok := d.backend.(Timestamp); ok {
			return json.Marshal(ts)
		}
		return json.Marshal(d.backend.ToDate().Format(time.RFC3339Nano))
	case KindUnknown:
		return json.Marshal(d.raw)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalYAML handles seed files: unquoted timestamps decode as native
// times, quoted strings as ISO, mappings as backend timestamps.
func (d *DateLike) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		switch node.ShortTag() {
		case "!!null":
			*d = DateLike{}
		case "!!timestamp":
			var t time.Time
			if err := node.Decode(&t); err != nil {
				*d = Unknown(node.Value)
				return nil
			}
			*d = Native(t)
		default:
			*d = ISO(node.Value)
		}
		return nil
	case yaml.MappingNode:
		var shape backendShape
		if err := node.Decode(&shape); err == nil {
			if ts, ok := shape.timestamp(); ok {
				*d = Backend(ts)
				return nil
			}
		}
	}
	*d = Unknown(node.Value)
	return nil
}

func (d DateLike) MarshalYAML() (any, error) {
	switch d.kind {
	case KindNative:
		return d.native, nil
	case KindISO:
		return d.iso, nil
	case KindBackend:
		if ts, ok := d.backend.(Timestamp); ok {
			return ts, nil
		}
		return d.backend.ToDate(), nil
	case KindUnknown:
		return d.raw, nil
	default:
		return nil, nil
	}
}
