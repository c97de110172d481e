package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// TimestampLayout is the stored text form: ISO-8601 UTC with milliseconds.
// Fixed width, so string comparison orders instants.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Timestamp is a time stored as TEXT in both backends.
type Timestamp struct {
	time.Time
}

// Now returns the current time truncated to storage precision.
func Now() Timestamp {
	return NewTimestamp(time.Now())
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC().Truncate(time.Millisecond)}
}

// ParseTimestamp accepts the stored layout and any RFC 3339 string.
func ParseTimestamp(s string) (Timestamp, error) {
	t, err := time.Parse(TimestampLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return Timestamp{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
	}
	return NewTimestamp(t), nil
}

func (t Timestamp) String() string {
	return t.UTC().Format(TimestampLayout)
}

func (t Timestamp) Value() (driver.Value, error) {
	return t.String(), nil
}

func (t *Timestamp) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*t = Timestamp{}
		return nil
	case string:
		ts, err := ParseTimestamp(v)
		if err != nil {
			return err
		}
		*t = ts
		return nil
	case []byte:
		return t.Scan(string(v))
	case time.Time:
		*t = NewTimestamp(v)
		return nil
	default:
		return fmt.Errorf("Timestamp: unsupported type %T", value)
	}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	ts, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = ts
	return nil
}
