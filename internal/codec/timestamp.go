package codec

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// epochMillisThreshold separates epoch seconds from epoch milliseconds.
// 1e12 seconds is far beyond year 33000; 1e12 milliseconds is 2001.
const epochMillisThreshold = 1e12

// zonelessLayouts are tried after RFC 3339. They are interpreted as UTC.
var zonelessLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
}

// NormalizeTimestamp converts a decoded JSON timestamp to UTC.
//
// A nil raw value yields receivedAt. A parsed time more than maxSkew after
// receivedAt also yields receivedAt. maxSkew <= 0 disables the future check.
func NormalizeTimestamp(raw any, receivedAt time.Time, maxSkew time.Duration) (time.Time, error) {
	var ts time.Time

	switch v := raw.(type) {
	case nil:
		return receivedAt.UTC(), nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("numeric timestamp %q: %w", v, err)
		}
		ts = fromEpoch(f)
	case float64:
		ts = fromEpoch(v)
	case string:
		parsed, err := parseTimeString(v)
		if err != nil {
			return time.Time{}, err
		}
		ts = parsed
	default:
		return time.Time{}, fmt.Errorf("timestamp has unsupported type %T", raw)
	}

	if maxSkew > 0 && ts.Sub(receivedAt) > maxSkew {
		return receivedAt.UTC(), nil
	}
	return ts.UTC(), nil
}

func parseTimeString(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range zonelessLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
		return fromEpoch(f), nil
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

func fromEpoch(f float64) time.Time {
	if math.Abs(f) > epochMillisThreshold {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
}
