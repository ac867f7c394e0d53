package zubot

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNewID_IsUUIDv7(t *testing.T) {
	id := NewID()
	parsed, err := uuid.Parse(id)
	if err != nil {
		t.Fatalf("parse %q: %v", id, err)
	}
	if parsed.Version() != 7 {
		t.Errorf("version = %d, want 7", parsed.Version())
	}
}

func TestNewID_Sortable(t *testing.T) {
	a := NewID()
	b := NewID()
	if a >= b {
		t.Errorf("ids not time-ordered: %q then %q", a, b)
	}
}

func TestPrefixedIDs(t *testing.T) {
	tests := []struct {
		id     string
		prefix string
	}{
		{NewRunID(), "trun"},
		{NewTaskEventID(), "tevt"},
		{NewWorkerID(), "worker"},
		{NewWorkerEventID(), "wevt"},
		{NewJobID(), "job"},
	}
	for _, tt := range tests {
		if !strings.HasPrefix(tt.id, tt.prefix+"_") {
			t.Errorf("id %q missing prefix %q", tt.id, tt.prefix)
		}
		body := strings.TrimPrefix(tt.id, tt.prefix+"_")
		if len(body) != 20 {
			t.Errorf("id %q body length = %d, want 20", tt.id, len(body))
		}
		if strings.Contains(body, "-") {
			t.Errorf("id %q body contains dashes", tt.id)
		}
	}
}
