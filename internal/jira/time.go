package jira

import (
	"fmt"
	"time"
)

// issueTimeLayouts covers the timestamp renderings the upstream emits for
// fields like created and updated.
var issueTimeLayouts = []string{
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05.000Z0700",
	time.RFC3339,
}

// ParseTime parses an upstream issue timestamp.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range issueTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// Updated returns the issue's last-update timestamp. A missing or
// unparseable value is an error; the indexer cannot advance its watermark
// without it.
func (i Issue) Updated() (time.Time, error) {
	raw, ok := i.Fields["updated"].(string)
	if !ok || raw == "" {
		return time.Time{}, fmt.Errorf("issue %s has no updated timestamp", i.Key)
	}
	t, err := ParseTime(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("issue %s: %w", i.Key, err)
	}
	return t, nil
}
