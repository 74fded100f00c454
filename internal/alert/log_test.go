package alert

import "testing"

func TestLog_RecentNewestFirst(t *testing.T) {
	l := NewLog(3)
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		l.Add(Event{ID: id})
	}

	tests := []struct {
		limit int
		want  []string
	}{
		{0, []string{"5", "4", "3"}},
		{2, []string{"5", "4"}},
		{10, []string{"5", "4", "3"}},
	}

	for _, tt := range tests {
		got := l.Recent(tt.limit)
		if len(got) != len(tt.want) {
			t.Fatalf("Recent(%d) len = %d, want %d", tt.limit, len(got), len(tt.want))
		}
		for i := range got {
			if got[i].ID != tt.want[i] {
				t.Errorf("Recent(%d)[%d] = %s, want %s", tt.limit, i, got[i].ID, tt.want[i])
			}
		}
	}
	if l.Len() != 3 {
		t.Errorf("Len() = %d, want 3", l.Len())
	}
}

func TestLog_Empty(t *testing.T) {
	l := NewLog(0)
	if got := l.Recent(5); len(got) != 0 {
		t.Errorf("Recent() on empty log = %v", got)
	}
}

func TestEvent_AtLeast(t *testing.T) {
	ev := Event{Level: "ERROR"}
	if !ev.AtLeast("WARNING") || !ev.AtLeast("ERROR") || ev.AtLeast("CRITICAL") {
		t.Errorf("AtLeast ordering wrong for %s", ev.Level)
	}
}
