package page

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// DefaultMaxDepth is the number of ancestor levels searched around an anchor.
const DefaultMaxDepth = 4

// Select runs q against an HTML document.
func Select(doc *goquery.Document, q Query) ([]Node, error) {
	if q.Selector == "" {
		return nil, fmt.Errorf("query has no selector")
	}
	if q.Anchor == "" {
		var nodes []Node
		doc.Find(q.Selector).Each(func(_ int, s *goquery.Selection) {
			nodes = append(nodes, toNode(s, Text(s.Parent()), 0))
		})
		return nodes, nil
	}

	depth := q.MaxDepth
	if depth <= 0 {
		depth = DefaultMaxDepth
	}

	var nodes []Node
	for _, anchor := range anchors(doc, q.Anchor) {
		scope := anchor
		for level := 1; level <= depth; level++ {
			scope = scope.Parent()
			if scope.Length() == 0 {
				break
			}
			found := scope.Find(q.Selector)
			if found.Length() == 0 {
				continue
			}
			container := Text(scope)
			found.Each(func(_ int, s *goquery.Selection) {
				nodes = append(nodes, toNode(s, container, level))
			})
			break
		}
		if len(nodes) > 0 {
			break
		}
	}
	return nodes, nil
}

// ParseHTML parses an HTML snapshot.
func ParseHTML(src string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("parsing page html: %w", err)
	}
	return doc, nil
}

// anchors returns the deepest elements whose text contains label,
// case-insensitively, in document order.
func anchors(doc *goquery.Document, label string) []*goquery.Selection {
	needle := strings.ToLower(label)
	var out []*goquery.Selection
	doc.Find("body *").Not("script, style, noscript, template").Each(func(_ int, s *goquery.Selection) {
		if !strings.Contains(strings.ToLower(s.Text()), needle) {
			return
		}
		deeper := s.Children().FilterFunction(func(_ int, c *goquery.Selection) bool {
			return strings.Contains(strings.ToLower(c.Text()), needle)
		})
		if deeper.Length() == 0 {
			out = append(out, s)
		}
	})
	return out
}

func toNode(s *goquery.Selection, container string, depth int) Node {
	n := Node{
		Tag:           goquery.NodeName(s),
		Text:          Text(s),
		ContainerText: container,
		Depth:         depth,
	}
	if len(s.Nodes) > 0 && len(s.Nodes[0].Attr) > 0 {
		n.Attrs = make(map[string]string, len(s.Nodes[0].Attr))
		for _, a := range s.Nodes[0].Attr {
			n.Attrs[a.Key] = a.Val
		}
	}
	return n
}

var blockTags = map[string]bool{
	"address": true, "article": true, "aside": true, "blockquote": true,
	"br": true, "dd": true, "div": true, "dl": true, "dt": true,
	"footer": true, "form": true, "h1": true, "h2": true, "h3": true,
	"h4": true, "h5": true, "h6": true, "header": true, "hr": true,
	"li": true, "main": true, "nav": true, "ol": true, "p": true,
	"section": true, "table": true, "tr": true, "ul": true,
}

// Text renders the visible text of s the way a browser's innerText roughly
// would: block elements start new lines and runs of spaces collapse.
func Text(s *goquery.Selection) string {
	var b strings.Builder
	for _, n := range s.Nodes {
		renderText(&b, n)
	}
	return normalize(b.String())
}

func renderText(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "template", "head":
			return
		}
	case html.CommentNode:
		return
	}
	block := n.Type == html.ElementNode && blockTags[n.Data]
	if block {
		b.WriteByte('\n')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		renderText(b, c)
	}
	if block {
		b.WriteByte('\n')
	} else if n.Type == html.ElementNode {
		b.WriteByte(' ')
	}
}

func normalize(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
