package refno

import (
	"testing"
	"time"
)

func TestBuildPadsSequence(t *testing.T) {
	cases := []struct {
		prefix string
		seq    int
		want   string
	}{
		{"RCPT", 1, "RCPT-20260129-0001"},
		{"RCPT", 42, "RCPT-20260129-0042"},
		{"STK", 999, "STK-20260129-0999"},
		{"RCPT", 10000, "RCPT-20260129-10000"},
	}
	for _, tc := range cases {
		got := Build(tc.prefix, "20260129", tc.seq)
		if got != tc.want {
			t.Fatalf("Build(%q, %d) = %q, want %q", tc.prefix, tc.seq, got, tc.want)
		}
	}
}

func TestDateKey(t *testing.T) {
	at := time.Date(2026, time.January, 29, 23, 59, 0, 0, time.UTC)
	if got := DateKey(at); got != "20260129" {
		t.Fatalf("DateKey = %q, want 20260129", got)
	}
}
