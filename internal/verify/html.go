package verify

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var collapseSpaces = regexp.MustCompile(`[^\S\n]+`)

// stripHTML converts an HTML body to plain text: script/style/head content
// is dropped, block elements become line breaks, whitespace is collapsed.
func stripHTML(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	doc.Find("script, style, head, meta, link").Remove()

	doc.Find("p, div, br, h1, h2, h3, h4, h5, h6, li, tr").Each(func(_ int, s *goquery.Selection) {
		s.PrependHtml("\n")
	})

	text := collapseSpaces.ReplaceAllString(doc.Text(), " ")

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
