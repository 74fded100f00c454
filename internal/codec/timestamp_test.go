package codec

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNormalizeTimestamp(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	skew := 5 * time.Minute

	tests := []struct {
		name    string
		raw     any
		want    time.Time
		wantErr bool
	}{
		{"missing", nil, now, false},
		{"rfc3339", "2026-03-01T11:00:00Z", now.Add(-time.Hour), false},
		{"rfc3339 offset", "2026-03-01T13:00:00+02:00", now.Add(-time.Hour), false},
		{"rfc3339 fractional", "2026-03-01T11:59:59.5Z", now.Add(-500 * time.Millisecond), false},
		{"iso without zone is utc", "2026-03-01T11:30:00.123456", time.Date(2026, 3, 1, 11, 30, 0, 123456000, time.UTC), false},
		{"space separated", "2026-03-01 11:30:00", time.Date(2026, 3, 1, 11, 30, 0, 0, time.UTC), false},
		{"epoch seconds", json.Number("1772362800"), time.Unix(1772362800, 0).UTC(), false},
		{"epoch seconds fractional", json.Number("1772362800.25"), time.Unix(1772362800, 250000000).UTC(), false},
		{"epoch millis", json.Number("1772362800000"), time.Unix(1772362800, 0).UTC(), false},
		{"epoch string", "1772362800", time.Unix(1772362800, 0).UTC(), false},
		{"future within skew kept", "2026-03-01T12:04:00Z", now.Add(4 * time.Minute), false},
		{"future beyond skew replaced", "2026-03-01T13:00:00Z", now, false},
		{"far past kept", "2020-01-01T00:00:00Z", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), false},
		{"garbage", "soon", time.Time{}, true},
		{"empty string", "", time.Time{}, true},
		{"boolean", true, time.Time{}, true},
		{"object", map[string]any{}, time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeTimestamp(tt.raw, now, skew)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNormalizeTimestamp_SkewDisabled(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(24 * time.Hour)

	got, err := NormalizeTimestamp(future.Format(time.RFC3339), now, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(future) {
		t.Errorf("got %v, want %v", got, future)
	}
}
