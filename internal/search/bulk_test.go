package search

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestBulkRequest_Body(t *testing.T) {
	bulk := NewBulkRequest()
	bulk.Index("idx", "ORG-1", map[string]any{"summary": "one"})
	bulk.IndexWithRouting("idx", "5001", "ORG-1", map[string]any{"body": "comment"})
	bulk.Delete("idx", "ORG-2")
	bulk.DeleteWithRouting("idx", "5002", "ORG-2")

	if bulk.Len() != 4 {
		t.Fatalf("Len = %d, want 4", bulk.Len())
	}

	body, err := bulk.Body()
	if err != nil {
		t.Fatalf("Body failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	// Two index ops with a source line each, two deletes without.
	if len(lines) != 6 {
		t.Fatalf("got %d NDJSON lines, want 6: %s", len(lines), body)
	}

	var meta map[string]map[string]string
	if err := json.Unmarshal([]byte(lines[0]), &meta); err != nil {
		t.Fatalf("line 0 not JSON: %v", err)
	}
	if meta["index"]["_index"] != "idx" || meta["index"]["_id"] != "ORG-1" {
		t.Errorf("index action = %v", meta)
	}

	if err := json.Unmarshal([]byte(lines[2]), &meta); err != nil {
		t.Fatalf("line 2 not JSON: %v", err)
	}
	if meta["index"]["routing"] != "ORG-1" {
		t.Errorf("routed index action = %v, want routing ORG-1", meta)
	}

	if err := json.Unmarshal([]byte(lines[4]), &meta); err != nil {
		t.Fatalf("line 4 not JSON: %v", err)
	}
	if meta["delete"]["_id"] != "ORG-2" {
		t.Errorf("delete action = %v", meta)
	}
}

func TestBulkRequest_OperationsOrder(t *testing.T) {
	bulk := NewBulkRequest()
	bulk.Index("idx", "a", nil)
	bulk.Delete("idx", "b")

	ops := bulk.Operations()
	if len(ops) != 2 || ops[0].Action != "index" || ops[1].Action != "delete" {
		t.Errorf("operations out of order: %+v", ops)
	}
}
