package jira

import (
	"testing"
	"time"
)

func TestParseTime(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"2024-05-01T10:01:02.345+0000", "2024-05-01T10:01:02.345Z"},
		{"2024-05-01T10:01:02.345+0200", "2024-05-01T08:01:02.345Z"},
		{"2024-05-01T10:01:02Z", "2024-05-01T10:01:02Z"},
	}
	for _, tt := range tests {
		got, err := ParseTime(tt.in)
		if err != nil {
			t.Errorf("ParseTime(%q) failed: %v", tt.in, err)
			continue
		}
		if utc := got.UTC().Format("2006-01-02T15:04:05.999Z07:00"); utc != tt.want {
			t.Errorf("ParseTime(%q) = %s, want %s", tt.in, utc, tt.want)
		}
	}

	if _, err := ParseTime("yesterday"); err == nil {
		t.Error("expected error for garbage input")
	}
}

func TestIssueUpdated(t *testing.T) {
	issue := Issue{
		Key:    "ORG-1",
		Fields: map[string]any{"updated": "2024-05-01T10:01:02.000+0000"},
	}
	got, err := issue.Updated()
	if err != nil {
		t.Fatalf("Updated failed: %v", err)
	}
	want := time.Date(2024, 5, 1, 10, 1, 2, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Updated = %s, want %s", got, want)
	}

	for name, fields := range map[string]map[string]any{
		"missing":    {},
		"not string": {"updated": 42},
		"garbage":    {"updated": "not a time"},
	} {
		issue := Issue{Key: "ORG-2", Fields: fields}
		if _, err := issue.Updated(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
