package render

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/text"
)

// Markdown turns model answers into HTML safe to inject into the page.
type Markdown struct {
	md     goldmark.Markdown
	policy *bluemonday.Policy
}

func NewMarkdown() *Markdown {
	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			extension.Table,
			extension.Strikethrough,
			extension.Linkify,
		),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRendererOptions(
			html.WithHardWraps(),
			html.WithXHTML(),
		),
	)

	policy := bluemonday.UGCPolicy()
	policy.AllowAttrs("class").Matching(bluemonday.SpaceSeparatedTokens).OnElements("code", "span", "div", "pre")
	policy.AllowAttrs("id").Matching(bluemonday.SpaceSeparatedTokens).OnElements("h1", "h2", "h3", "h4", "h5", "h6")

	return &Markdown{md: md, policy: policy}
}

func (m *Markdown) ToHTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := m.md.Convert([]byte(markdown), &buf); err != nil {
		return "", fmt.Errorf("failed to convert markdown to HTML: %w", err)
	}
	return buf.String(), nil
}

func (m *Markdown) ToHTMLSanitized(markdown string) (string, error) {
	out, err := m.ToHTML(markdown)
	if err != nil {
		return "", err
	}
	return m.policy.Sanitize(out), nil
}

// PlainText flattens markdown into paragraphs of plain text for the PDF
// renderer, which has no notion of inline markup.
func (m *Markdown) PlainText(markdown string) string {
	src := []byte(markdown)
	doc := m.md.Parser().Parse(text.NewReader(src))

	var sb strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				sb.Write(node.Segment.Value(src))
				if node.SoftLineBreak() || node.HardLineBreak() {
					sb.WriteByte('\n')
				}
			}
		case *ast.String:
			if entering {
				sb.Write(node.Value)
			}
		case *ast.AutoLink:
			if entering {
				sb.Write(node.Label(src))
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					sb.Write(seg.Value(src))
				}
				sb.WriteByte('\n')
				return ast.WalkSkipChildren, nil
			}
		case *ast.ListItem:
			if entering {
				sb.WriteString("- ")
			} else {
				ensureNewline(&sb)
			}
		case *east.TableCell:
			if !entering && n.NextSibling() != nil {
				sb.WriteString(" | ")
			}
		case *east.TableHeader, *east.TableRow:
			if !entering {
				sb.WriteByte('\n')
			}
		case *east.Table:
			if !entering {
				ensureNewline(&sb)
				sb.WriteByte('\n')
			}
		case *ast.Paragraph, *ast.Heading, *ast.TextBlock:
			if !entering {
				ensureNewline(&sb)
				if _, inList := n.Parent().(*ast.ListItem); !inList {
					sb.WriteByte('\n')
				}
			}
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(sb.String())
}

func ensureNewline(sb *strings.Builder) {
	s := sb.String()
	if len(s) > 0 && !strings.HasSuffix(s, "\n") {
		sb.WriteByte('\n')
	}
}
