package zubot

import (
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Access modes for path policy checks.
const (
	AccessRead  = "read"
	AccessWrite = "write"
)

// PathDecision explains a policy verdict.
type PathDecision struct {
	Allowed bool   `json:"allowed"`
	Rule    string `json:"rule,omitempty"`
	Reason  string `json:"reason"`
}

// PathPolicy guards every filesystem touch the agent planes make.
// Paths are repo-relative; absolute paths and any ".." traversal are
// rejected before pattern matching. Deny patterns win over allows,
// then the mode's allowlist applies, then the default access.
type PathPolicy struct {
	DefaultAccess string
	AllowRead     []string
	AllowWrite    []string
	Deny          []string
}

// DefaultPathPolicy returns the stock policy: read anywhere, write only
// under memory/ and outputs/, never touch the config file or VCS innards.
func DefaultPathPolicy() PathPolicy {
	return PathPolicy{
		DefaultAccess: "deny",
		AllowRead:     []string{"**"},
		AllowWrite:    []string{"memory/**", "outputs/**"},
		Deny:          []string{"config/config.json", ".git/**", ".venv/**"},
	}
}

// Check evaluates raw for the given access mode.
func (p PathPolicy) Check(raw, mode string) PathDecision {
	cleaned, ok := normalizeRelPath(raw)
	if !ok {
		return PathDecision{Allowed: false, Reason: "absolute paths and parent traversal are not allowed"}
	}

	for _, pat := range p.Deny {
		if matchPolicy(pat, cleaned) {
			return PathDecision{Allowed: false, Rule: pat, Reason: "matched deny pattern"}
		}
	}

	var allows []string
	switch mode {
	case AccessWrite:
		allows = p.AllowWrite
	default:
		allows = p.AllowRead
	}
	for _, pat := range allows {
		if matchPolicy(pat, cleaned) {
			return PathDecision{Allowed: true, Rule: pat, Reason: "matched " + mode + " allowlist"}
		}
	}

	if p.DefaultAccess == "allow" {
		return PathDecision{Allowed: true, Reason: "default access"}
	}
	return PathDecision{Allowed: false, Reason: "no allowlist match, default is deny"}
}

// Require returns an ErrPathDenied when the policy refuses raw.
func (p PathPolicy) Require(raw, mode string) error {
	d := p.Check(raw, mode)
	if d.Allowed {
		return nil
	}
	return &ErrPathDenied{Path: raw, Mode: mode, Reason: d.Reason}
}

// normalizeRelPath cleans raw to a slash-separated repo-relative path.
// Absolute paths and anything escaping the root are rejected.
func normalizeRelPath(raw string) (string, bool) {
	s := strings.ReplaceAll(raw, "\\", "/")
	if strings.HasPrefix(s, "/") {
		return "", false
	}
	cleaned := path.Clean(s)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	if cleaned == "." {
		cleaned = ""
	}
	return cleaned, true
}

// matchPolicy matches one policy pattern against a cleaned path.
// "**" matches everything; "prefix/**" also matches the prefix itself.
func matchPolicy(pattern, cleaned string) bool {
	if pattern == "**" {
		return true
	}
	if strings.HasSuffix(pattern, "/**") {
		prefix := strings.TrimSuffix(pattern, "/**")
		if cleaned == prefix {
			return true
		}
	}
	ok, err := doublestar.Match(pattern, cleaned)
	return err == nil && ok
}
