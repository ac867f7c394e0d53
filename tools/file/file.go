// Package file provides policy-guarded file tools over the runtime's
// working directory. Every path goes through the path policy before any
// filesystem call.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"

	"zubot"
)

const maxReadChars = 8000

// Tool reads and writes files under a root directory subject to a path
// policy.
type Tool struct {
	root   string
	policy zubot.PathPolicy
}

// New creates a file tool rooted at root.
func New(root string, policy zubot.PathPolicy) *Tool {
	return &Tool{root: root, policy: policy}
}

// Register adds file_read, file_write, and file_list to the registry.
func Register(reg *zubot.Registry, root string, policy zubot.PathPolicy) {
	t := New(root, policy)
	reg.MustRegister(zubot.ToolSpec{
		Name:        "file_read",
		Category:    "files",
		Description: "Read a file from the working directory. PDFs come back as extracted text. Large files are truncated.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Path relative to the working directory"}},"required":["path"]}`),
		Handler:     t.handleRead,
	})
	reg.MustRegister(zubot.ToolSpec{
		Name:        "file_write",
		Category:    "files",
		Description: "Write content to a file in a writable area (memory/, outputs/). Creates parent directories.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`),
		Handler:     t.handleWrite,
	})
	reg.MustRegister(zubot.ToolSpec{
		Name:        "file_list",
		Category:    "files",
		Description: "List the entries of a directory in the working directory.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`),
		Handler:     t.handleList,
	})
}

func (t *Tool) handleRead(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	abs, err := t.resolve(in.Path, "read")
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read error: %w", err)
	}
	content := string(data)
	if strings.EqualFold(filepath.Ext(abs), ".pdf") {
		if text, err := extractPDFText(data); err == nil {
			content = text
		}
	}
	truncated := false
	if len(content) > maxReadChars {
		content = content[:maxReadChars]
		truncated = true
	}
	return map[string]any{"content": content, "truncated": truncated}, nil
}

func (t *Tool) handleWrite(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	abs, err := t.resolve(in.Path, "write")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir error: %w", err)
	}
	if err := os.WriteFile(abs, []byte(in.Content), 0o644); err != nil {
		return nil, fmt.Errorf("write error: %w", err)
	}
	return map[string]any{"written": len(in.Content), "path": in.Path}, nil
}

func (t *Tool) handleList(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		Path string `json:"path"`
	}
	_ = json.Unmarshal(args, &in)
	if in.Path == "" {
		in.Path = "."
	}
	abs, err := t.resolve(in.Path, "read")
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("list error: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return map[string]any{"entries": names}, nil
}

// extractPDFText extracts plain text from PDF content, page by page.
func extractPDFText(content []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	var text strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(pageText)
	}
	return strings.TrimSpace(text.String()), nil
}

// resolve checks the policy, then maps the relative path under root.
func (t *Tool) resolve(raw, mode string) (string, error) {
	rel := filepath.ToSlash(raw)
	if err := t.policy.Require(rel, mode); err != nil {
		return "", err
	}
	abs := filepath.Join(t.root, filepath.FromSlash(rel))
	rootAbs := filepath.Clean(t.root)
	if abs != rootAbs && !strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes working directory: %s", raw)
	}
	return abs, nil
}
