package journal

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Title extracts a display title from note content: the first heading, or
// the first non-empty line when no heading exists.
func Title(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			title := strings.TrimSpace(strings.TrimLeft(line, "#"))
			if title != "" {
				return title
			}
		} else if line != "" {
			return line
		}
	}
	return "Untitled"
}

// PlainText converts markdown content to plain text via the goldmark AST.
// Used for conflict listings and change summaries where markup is noise.
func PlainText(markdown string) string {
	md := goldmark.New()
	node := md.Parser().Parse(text.NewReader([]byte(markdown)))

	var builder strings.Builder
	source := []byte(markdown)

	ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		switch n.Kind() {
		case ast.KindText:
			textNode := n.(*ast.Text)
			builder.Write(textNode.Segment.Value(source))
			if textNode.SoftLineBreak() || textNode.HardLineBreak() {
				builder.WriteString("\n")
			}
		case ast.KindParagraph:
			builder.WriteString("\n\n")
		case ast.KindHeading:
			builder.WriteString("\n")
		case ast.KindList:
			builder.WriteString("\n")
		case ast.KindListItem:
			builder.WriteString("\n- ")
		case ast.KindFencedCodeBlock:
			code := n.(*ast.FencedCodeBlock)
			for i := 0; i < code.Lines().Len(); i++ {
				line := code.Lines().At(i)
				builder.Write(line.Value(source))
			}
			return ast.WalkSkipChildren, nil
		}

		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(builder.String())
}
