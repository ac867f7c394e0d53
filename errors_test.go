package zubot

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorKind_Budget(t *testing.T) {
	err := fmt.Errorf("loop: %w", &ErrBudget{Kind: KindStepBudget, Detail: "12 steps"})
	if got := ErrorKind(err); got != KindStepBudget {
		t.Errorf("ErrorKind = %q, want %q", got, KindStepBudget)
	}
}

func TestErrorKind_Queue(t *testing.T) {
	err := fmt.Errorf("claim: %w", &ErrQueue{Kind: KindSQLQueueTimeout, Message: "queue full"})
	if got := ErrorKind(err); got != KindSQLQueueTimeout {
		t.Errorf("ErrorKind = %q, want %q", got, KindSQLQueueTimeout)
	}
}

func TestErrorKind_Unknown(t *testing.T) {
	if got := ErrorKind(errors.New("plain")); got != "" {
		t.Errorf("ErrorKind = %q, want empty", got)
	}
	if got := ErrorKind(nil); got != "" {
		t.Errorf("ErrorKind(nil) = %q, want empty", got)
	}
}

func TestErrBudget_Error(t *testing.T) {
	e := &ErrBudget{Kind: KindContextBudget}
	if e.Error() != KindContextBudget {
		t.Errorf("Error() = %q", e.Error())
	}
	e.Detail = "required messages exceed window"
	want := KindContextBudget + ": required messages exceed window"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}
}

func TestErrPathDenied_Error(t *testing.T) {
	e := &ErrPathDenied{Path: "secrets/key.pem", Mode: "read", Reason: "matched deny rule"}
	msg := e.Error()
	for _, part := range []string{"secrets/key.pem", "read", "matched deny rule"} {
		if !strings.Contains(msg, part) {
			t.Errorf("Error() = %q, missing %q", msg, part)
		}
	}
}
