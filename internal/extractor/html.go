package extractor

import (
	"bytes"
	"net/url"
	"strings"
	"time"
	"unicode"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/xxxsen/scrapeindex/internal/model"
)

// skipped subtrees never contribute visible text.
var skipped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Nav:      true,
	atom.Header:   true,
	atom.Footer:   true,
	atom.Aside:    true,
	atom.Form:     true,
	atom.Iframe:   true,
	atom.Template: true,
	atom.Svg:      true,
	atom.Head:     true,
}

var blocks = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Section: true, atom.Article: true, atom.Pre: true, atom.Blockquote: true, atom.Table: true,
}

var publishedKeys = []string{"article:published_time", "og:published_time", "date", "pubdate", "dc.date"}

// ParseHTML extracts the document fields from an html page. base resolves a
// relative canonical link.
func ParseHTML(body []byte, base *url.URL) (*model.StructuredDocument, error) {
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	doc := &model.StructuredDocument{Metadata: map[string]string{}}
	meta := map[string]string{}
	walkHead(root, doc, meta, base)

	if doc.Title == "" {
		doc.Title = meta["og:title"]
	}
	if v := meta["description"]; v != "" {
		doc.Metadata["description"] = v
	} else if v := meta["og:description"]; v != "" {
		doc.Metadata["description"] = v
	}
	if v := meta["author"]; v != "" {
		doc.Metadata["author"] = v
	}
	if v := meta["og:site_name"]; v != "" {
		doc.Metadata["site_name"] = v
	}
	doc.Tags = splitKeywords(meta["keywords"])
	for _, key := range publishedKeys {
		if t, ok := parseTime(meta[key]); ok {
			doc.PublishedAt = &t
			break
		}
	}

	content := mainContent(root)
	var buf strings.Builder
	collectText(content, &buf)
	doc.ContentText = normalizeText(buf.String())
	doc.ContentHTML = renderNode(content)
	return doc, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func walkHead(n *html.Node, doc *model.StructuredDocument, meta map[string]string, base *url.URL) {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Html:
			if lang := attr(n, "lang"); lang != "" {
				doc.Language = strings.ToLower(strings.TrimSpace(lang))
			}
		case atom.Title:
			if doc.Title == "" && n.FirstChild != nil {
				doc.Title = strings.TrimSpace(n.FirstChild.Data)
			}
		case atom.Meta:
			key := strings.ToLower(attr(n, "name"))
			if key == "" {
				key = strings.ToLower(attr(n, "property"))
			}
			if key != "" {
				if _, ok := meta[key]; !ok {
					meta[key] = strings.TrimSpace(attr(n, "content"))
				}
			}
		case atom.Link:
			if strings.EqualFold(attr(n, "rel"), "canonical") && doc.CanonicalURL == "" {
				doc.CanonicalURL = resolve(base, attr(n, "href"))
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkHead(c, doc, meta, base)
	}
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

// mainContent prefers <main>, then <article>, then [role=main], then <body>.
func mainContent(root *html.Node) *html.Node {
	for _, match := range []func(*html.Node) bool{
		func(n *html.Node) bool { return n.DataAtom == atom.Main },
		func(n *html.Node) bool { return n.DataAtom == atom.Article },
		func(n *html.Node) bool { return attr(n, "role") == "main" },
		func(n *html.Node) bool { return n.DataAtom == atom.Body },
	} {
		if n := find(root, match); n != nil {
			return n
		}
	}
	return root
}

func find(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := find(c, match); found != nil {
			return found
		}
	}
	return nil
}

func collectText(n *html.Node, buf *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		buf.WriteString(n.Data)
		return
	case html.CommentNode:
		return
	case html.ElementNode:
		if skipped[n.DataAtom] {
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, buf)
	}
	if n.Type == html.ElementNode && blocks[n.DataAtom] {
		buf.WriteString("\n")
	}
}

func renderNode(n *html.Node) string {
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		return ""
	}
	return buf.String()
}

// normalizeText collapses runs of spaces inside a line and drops blank lines.
func normalizeText(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.FieldsFunc(line, unicode.IsSpace), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func splitKeywords(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	seen := map[string]bool{}
	var tags []string
	for _, part := range strings.Split(v, ",") {
		tag := strings.ToLower(strings.TrimSpace(part))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
	}
	return tags
}

func parseTime(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05Z0700", "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
