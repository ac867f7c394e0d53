package zubot

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// newPrefixedID mints a short entity id like "trun_0192f3a1b2c4d5e6f708".
// UUIDv7 keeps ids roughly time-ordered, which makes log and table scans
// read chronologically.
func newPrefixedID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(NewID(), "-", "")[:20]
}

// NewRunID mints a task run id.
func NewRunID() string { return newPrefixedID("trun") }

// NewTaskEventID mints a scheduler event id.
func NewTaskEventID() string { return newPrefixedID("tevt") }

// NewWorkerID mints a worker id.
func NewWorkerID() string { return newPrefixedID("worker") }

// NewWorkerEventID mints a worker event id.
func NewWorkerEventID() string { return newPrefixedID("wevt") }

// NewJobID mints a memory summary job id.
func NewJobID() string { return newPrefixedID("job") }

// NowUnix returns current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}
