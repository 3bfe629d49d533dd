package model

import (
	"fmt"
	"time"
)

// WatermarkLayout is the persisted watermark format. It carries no zone: source
// values are assumed to share one consistent zone.
const WatermarkLayout = "2006-01-02 15:04:05"

// WatermarkSet maps a source name to the event-time of its last published row.
type WatermarkSet map[string]time.Time

// Clone returns an independent copy of the set.
func (s WatermarkSet) Clone() WatermarkSet {
	out := make(WatermarkSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Encode renders the set in its persisted string form.
func (s WatermarkSet) Encode() map[string]string {
	out := make(map[string]string, len(s))
	for k, v := range s {
		out[k] = FormatWatermark(v)
	}
	return out
}

// FormatWatermark renders t using its wall clock at one-second resolution.
func FormatWatermark(t time.Time) string {
	return t.Format(WatermarkLayout)
}

// ParseWatermark parses a persisted watermark.
func ParseWatermark(s string) (time.Time, error) {
	t, err := time.Parse(WatermarkLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse watermark %q: %w", s, err)
	}
	return t, nil
}

// WatermarkOf maps an event-time onto watermark resolution: the wall clock of t,
// truncated to the second and expressed in UTC so comparisons ignore location.
func WatermarkOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
}
