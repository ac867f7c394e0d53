package zubot

import (
	"errors"
	"testing"
)

func TestPathPolicy_Check_DenyWins(t *testing.T) {
	p := DefaultPathPolicy()
	d := p.Check("config/config.json", AccessRead)
	if d.Allowed {
		t.Fatalf("expected deny, got %+v", d)
	}
	if d.Rule != "config/config.json" {
		t.Errorf("rule = %q, want the deny pattern", d.Rule)
	}
}

func TestPathPolicy_Check_ReadAnywhere(t *testing.T) {
	p := DefaultPathPolicy()
	d := p.Check("notes/today.md", AccessRead)
	if !d.Allowed {
		t.Fatalf("expected allow, got %+v", d)
	}
}

func TestPathPolicy_Check_WriteAllowlist(t *testing.T) {
	p := DefaultPathPolicy()

	if d := p.Check("memory/days/2026-08-26.md", AccessWrite); !d.Allowed {
		t.Errorf("memory write: expected allow, got %+v", d)
	}
	if d := p.Check("src/main.go", AccessWrite); d.Allowed {
		t.Errorf("source write: expected deny, got %+v", d)
	}
}

func TestPathPolicy_Check_PrefixMatchesItself(t *testing.T) {
	p := DefaultPathPolicy()
	// "memory/**" must also cover the directory itself.
	if d := p.Check("memory", AccessWrite); !d.Allowed {
		t.Errorf("expected allow for bare prefix, got %+v", d)
	}
}

func TestPathPolicy_Check_RejectsTraversal(t *testing.T) {
	p := DefaultPathPolicy()
	for _, raw := range []string{
		"/etc/passwd",
		"../outside.txt",
		"memory/../../escape.txt",
		"..",
	} {
		if d := p.Check(raw, AccessRead); d.Allowed {
			t.Errorf("%q: expected deny, got %+v", raw, d)
		}
	}
}

func TestPathPolicy_Check_CleansBeforeMatching(t *testing.T) {
	p := DefaultPathPolicy()
	// Redundant segments collapse before the deny patterns apply.
	if d := p.Check("outputs/../config/config.json", AccessRead); d.Allowed {
		t.Errorf("expected deny after cleaning, got %+v", d)
	}
	if d := p.Check("memory/./days/x.md", AccessWrite); !d.Allowed {
		t.Errorf("expected allow after cleaning, got %+v", d)
	}
}

func TestPathPolicy_Check_DefaultAllow(t *testing.T) {
	p := PathPolicy{DefaultAccess: "allow"}
	if d := p.Check("anything.txt", AccessWrite); !d.Allowed {
		t.Errorf("expected default allow, got %+v", d)
	}
}

func TestPathPolicy_Check_BackslashNormalized(t *testing.T) {
	p := DefaultPathPolicy()
	if d := p.Check(`.git\config`, AccessRead); d.Allowed {
		t.Errorf("expected deny for backslash form, got %+v", d)
	}
}

func TestPathPolicy_Require(t *testing.T) {
	p := DefaultPathPolicy()
	if err := p.Require("memory/facts.md", AccessWrite); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	err := p.Require(".git/HEAD", AccessRead)
	var denied *ErrPathDenied
	if !errors.As(err, &denied) {
		t.Fatalf("err = %v, want *ErrPathDenied", err)
	}
	if denied.Mode != AccessRead {
		t.Errorf("mode = %q, want %q", denied.Mode, AccessRead)
	}
}
