package webfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"zubot"
)

const articlePage = `<!DOCTYPE html>
<html>
<head><title>Release Notes</title></head>
<body>
<article>
<h1>Release Notes</h1>
<p>The scheduler now backfills missed runs instead of dropping them silently.
Operators can pick a misfire policy per task, and the default keeps the
previous behaviour of running only the latest missed fire.</p>
<p>The memory pipeline gained a nightly summarization job that condenses the
day's events into a compact snapshot before the raw log is trimmed.</p>
</article>
</body>
</html>`

func TestFetch_ExtractsReadableText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("User-Agent"); !strings.Contains(got, "ZubotFetch") {
			t.Errorf("user agent = %q", got)
		}
		fmt.Fprint(w, articlePage)
	}))
	defer srv.Close()

	content, err := New().Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !strings.Contains(content, "misfire policy per task") {
		t.Fatalf("content missing article body: %q", content)
	}
	if strings.Contains(content, "<p>") || strings.Contains(content, "<article>") {
		t.Fatalf("content still has markup: %q", content)
	}
}

func TestFetch_HTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := New().Fetch(context.Background(), srv.URL)
	if err == nil || !strings.Contains(err.Error(), "HTTP 404") {
		t.Fatalf("err = %v, want HTTP 404", err)
	}
}

func TestFetch_UnreachableHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	if _, err := New().Fetch(context.Background(), url); err == nil {
		t.Fatal("want error for closed server")
	}
}

func TestStripHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"tags", "<p>hello <b>world</b></p>", "hello world"},
		{"script dropped", "<script>alert(1)</script>visible", "visible"},
		{"style dropped", "<style>p{color:red}</style>text", "text"},
		{"multiline script", "<script>\nvar a = 1;\n</script>after", "after"},
		{"entities", "a &amp; b &lt;c&gt; &quot;d&quot; &#39;e&#39;&nbsp;f", `a & b <c> "d" 'e' f`},
		{"whitespace collapsed", "one\n\n  two\t three", "one two three"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripHTML(tt.in); got != tt.want {
				t.Errorf("stripHTML(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRegister_TruncatesLongContent(t *testing.T) {
	long := strings.Repeat("scheduler heartbeat tick. ", 800)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "<html><body><article><p>%s</p></article></body></html>", long)
	}))
	defer srv.Close()

	reg := zubot.NewRegistry()
	Register(reg)
	env := reg.Invoke(context.Background(), "web_fetch", json.RawMessage(`{"url":"`+srv.URL+`"}`))
	if !env.OK {
		t.Fatalf("invoke failed: %s", env.Error)
	}
	var out struct {
		Content   string `json:"content"`
		Truncated bool   `json:"truncated"`
	}
	if err := json.Unmarshal(env.Result, &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if !out.Truncated {
		t.Fatal("long page not flagged truncated")
	}
	if len(out.Content) != maxContentChars {
		t.Fatalf("content length = %d, want %d", len(out.Content), maxContentChars)
	}
}

func TestRegister_FailureBecomesErrorEnvelope(t *testing.T) {
	reg := zubot.NewRegistry()
	Register(reg)
	env := reg.Invoke(context.Background(), "web_fetch", json.RawMessage(`{"url":"http://127.0.0.1:1/nope"}`))
	if env.OK {
		t.Fatal("unreachable fetch returned ok envelope")
	}
	if !strings.Contains(env.Error, "web_fetch") {
		t.Fatalf("error = %q", env.Error)
	}
}
