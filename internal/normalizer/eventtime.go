package normalizer

import (
	"fmt"
	"strings"
	"time"

	"rowbus/internal/model"
)

// eventTimeLayouts are tried in order when a driver hands back the event-time as text.
var eventTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00", // mattn/go-sqlite3 default
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	model.WatermarkLayout,
}

// EventTime extracts the event-time of a row at watermark resolution.
// The column is matched case-insensitively.
func EventTime(cols []model.Column, column string) (time.Time, error) {
	for _, c := range cols {
		if !strings.EqualFold(c.Name, column) {
			continue
		}
		switch v := c.Value.(type) {
		case time.Time:
			return model.WatermarkOf(v), nil
		case *time.Time:
			if v != nil {
				return model.WatermarkOf(*v), nil
			}
		case string:
			return parseEventTime(v)
		case []byte:
			return parseEventTime(string(v))
		}
		return time.Time{}, fmt.Errorf("%w: column %q holds %T", ErrBadEventTime, c.Name, c.Value)
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrMissingEventTime, column)
}

func parseEventTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range eventTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return model.WatermarkOf(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrBadEventTime, s)
}
