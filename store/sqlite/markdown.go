package sqlite

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"
)

// flattenMarkdown reduces a legacy markdown day file to plain text:
// headings and paragraphs become lines, list items keep a "- " marker,
// inline formatting is dropped. Snapshots store prose, not markup.
func flattenMarkdown(source []byte) string {
	doc := goldmark.New().Parser().Parse(gmtext.NewReader(source))
	var out bytes.Buffer
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch v := n.(type) {
		case *ast.Text:
			if entering {
				out.Write(v.Segment.Value(source))
				if v.SoftLineBreak() || v.HardLineBreak() {
					out.WriteByte('\n')
				}
			}
		case *ast.ListItem:
			if entering {
				out.WriteString("- ")
			}
		case *ast.Heading, *ast.Paragraph, *ast.TextBlock:
			if !entering {
				out.WriteByte('\n')
			}
		case *ast.FencedCodeBlock:
			if entering {
				for i := 0; i < v.Lines().Len(); i++ {
					seg := v.Lines().At(i)
					out.Write(seg.Value(source))
				}
				out.WriteByte('\n')
			}
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(out.String())
}
