package browser

import (
	"strings"

	"golang.org/x/net/html"
)

// maxPageTextLength bounds the fallback page text attached to a function
// response when no screenshot is available.
const maxPageTextLength = 8000

var skippedElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"svg":      true,
	"iframe":   true,
	"head":     true,
	"template": true,
}

// ExtractPageText returns the visible text content of an HTML document,
// whitespace-collapsed and truncated to maxLength.
func ExtractPageText(rawHTML string, maxLength int) string {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return ""
	}

	var builder strings.Builder
	collectText(doc, &builder)

	text := strings.Join(strings.Fields(builder.String()), " ")
	if len(text) > maxLength {
		text = text[:maxLength] + "..."
	}
	return text
}

func collectText(n *html.Node, builder *strings.Builder) {
	if n.Type == html.CommentNode {
		return
	}
	if n.Type == html.ElementNode && skippedElements[strings.ToLower(n.Data)] {
		return
	}
	if n.Type == html.TextNode {
		if text := strings.TrimSpace(n.Data); text != "" {
			builder.WriteString(text)
			builder.WriteString(" ")
		}
		return
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		collectText(child, builder)
	}
}
