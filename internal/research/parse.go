package research

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// HTMLParser extracts a title and paragraph text from an HTML document by
// walking the parse tree, skipping script/style/nav/footer noise.
type HTMLParser struct{}

var _ DocumentParser = HTMLParser{}

var skipTags = map[string]bool{
	"script": true, "style": true, "noscript": true,
	"nav": true, "footer": true, "header": true, "aside": true,
	"svg": true, "form": true,
}

// blockTags force a paragraph break when entered, so extracted text keeps
// roughly the source document's paragraph structure for later dedup/scoring.
var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "h1": true, "h2": true,
	"h3": true, "h4": true, "h5": true, "h6": true, "tr": true, "article": true,
	"section": true, "blockquote": true,
}

func (HTMLParser) Extract(contentType string, body []byte) (string, string, error) {
	if !strings.Contains(contentType, "html") && !looksLikeHTML(body) {
		return "", string(body), nil
	}

	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return "", "", fmt.Errorf("parse html: %w", err)
	}

	var title string
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if skipTags[n.Data] {
				return
			}
			if n.Data == "title" && n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
				title = strings.TrimSpace(n.FirstChild.Data)
			}
			if blockTags[n.Data] {
				sb.WriteString("\n\n")
			}
		}
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				sb.WriteString(text)
				sb.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return title, normalizeWhitespace(sb.String()), nil
}

func looksLikeHTML(body []byte) bool {
	trimmed := strings.TrimSpace(string(body))
	return strings.HasPrefix(trimmed, "<")
}

// normalizeWhitespace collapses runs of spaces within a line while keeping
// paragraph breaks (double newlines) intact.
func normalizeWhitespace(s string) string {
	paragraphs := strings.Split(s, "\n\n")
	out := make([]string, 0, len(paragraphs))
	for _, p := range paragraphs {
		fields := strings.Fields(p)
		if len(fields) == 0 {
			continue
		}
		out = append(out, strings.Join(fields, " "))
	}
	return strings.Join(out, "\n\n")
}
