package tools

import (
	"encoding/json"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// extractContent reduces a fetched body to model-readable text based on the
// response content type. The second return names the extractor used; the
// fetch tool reports it alongside the content.
func extractContent(body []byte, contentType, mode string) (string, string) {
	switch {
	case strings.Contains(contentType, "application/json"):
		return prettyJSON(body)

	case strings.Contains(contentType, "text/markdown"):
		if mode == "text" {
			return markdownToText(string(body)), "markdown-to-text"
		}
		return string(body), "markdown"

	case strings.Contains(contentType, "text/html"),
		strings.Contains(contentType, "application/xhtml"):
		doc, err := html.Parse(strings.NewReader(string(body)))
		if err != nil {
			return string(body), "raw"
		}
		if mode == "text" {
			return renderText(doc), "html-to-text"
		}
		return renderMarkdown(doc), "html-to-markdown"

	default:
		return string(body), "raw"
	}
}

func prettyJSON(body []byte) (string, string) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return string(body), "raw"
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(body), "raw"
	}
	return string(out), "json"
}

// skippedElements are subtrees that rarely hold article content. The parser
// handles entity decoding, so none of that happens here.
var skippedElements = map[atom.Atom]bool{
	atom.Head:     true,
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Nav:      true,
	atom.Header:   true,
	atom.Footer:   true,
	atom.Iframe:   true,
	atom.Form:     true,
}

var headingLevels = map[atom.Atom]int{
	atom.H1: 1, atom.H2: 2, atom.H3: 3,
	atom.H4: 4, atom.H5: 5, atom.H6: 6,
}

type markdownRenderer struct {
	sb strings.Builder
}

// renderMarkdown walks the parsed document and emits a markdown-ish
// rendition. Not a Readability clone, but it keeps headings, links, lists,
// emphasis, and code, which is what the model actually uses.
func renderMarkdown(doc *html.Node) string {
	r := &markdownRenderer{}
	r.walk(doc)
	return tidyWhitespace(r.sb.String())
}

func (r *markdownRenderer) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		r.sb.WriteString(collapseSpaces(n.Data))
		return
	case html.CommentNode, html.DoctypeNode:
		return
	case html.ElementNode:
		if skippedElements[n.DataAtom] {
			return
		}
	}

	if level, ok := headingLevels[n.DataAtom]; ok {
		r.sb.WriteString("\n" + strings.Repeat("#", level) + " ")
		r.children(n)
		r.sb.WriteString("\n")
		return
	}

	switch n.DataAtom {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Table, atom.Tr:
		r.sb.WriteString("\n")
		r.children(n)
		r.sb.WriteString("\n")
	case atom.Br:
		r.sb.WriteString("\n")
	case atom.Li:
		r.sb.WriteString("\n- ")
		r.children(n)
	case atom.A:
		if href := attrValue(n, "href"); href != "" {
			r.sb.WriteString("[")
			r.children(n)
			r.sb.WriteString("](" + href + ")")
		} else {
			r.children(n)
		}
	case atom.Img:
		if alt := attrValue(n, "alt"); alt != "" {
			r.sb.WriteString("![" + alt + "]")
		}
	case atom.Pre:
		// Fence the subtree verbatim; inline handling would mangle it.
		r.sb.WriteString("\n```\n" + textContent(n) + "\n```\n")
	case atom.Code:
		r.sb.WriteString("`")
		r.children(n)
		r.sb.WriteString("`")
	case atom.Strong, atom.B:
		r.sb.WriteString("**")
		r.children(n)
		r.sb.WriteString("**")
	case atom.Em, atom.I:
		r.sb.WriteString("*")
		r.children(n)
		r.sb.WriteString("*")
	case atom.Blockquote:
		sub := &markdownRenderer{}
		sub.children(n)
		r.sb.WriteString("\n")
		for _, line := range strings.Split(tidyWhitespace(sub.sb.String()), "\n") {
			r.sb.WriteString("> " + strings.TrimSpace(line) + "\n")
		}
	default:
		r.children(n)
	}
}

func (r *markdownRenderer) children(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		r.walk(c)
	}
}

// renderText flattens the document to plain lines, one block element per
// line, list items bulleted.
func renderText(doc *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			sb.WriteString(collapseSpaces(n.Data))
			return
		case html.CommentNode, html.DoctypeNode:
			return
		case html.ElementNode:
			if skippedElements[n.DataAtom] {
				return
			}
		}
		_, heading := headingLevels[n.DataAtom]
		switch {
		case n.DataAtom == atom.Li:
			sb.WriteString("\n- ")
		case n.DataAtom == atom.Br:
			sb.WriteString("\n")
		case heading, n.DataAtom == atom.P, n.DataAtom == atom.Div,
			n.DataAtom == atom.Section, n.DataAtom == atom.Article,
			n.DataAtom == atom.Tr, n.DataAtom == atom.Blockquote:
			sb.WriteString("\n")
			defer sb.WriteString("\n")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	var lines []string
	for _, line := range strings.Split(sb.String(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// markdownToText strips markdown syntax for text extraction mode.
func markdownToText(md string) string {
	s := mdHeadingRe.ReplaceAllString(md, "")
	s = mdImageRe.ReplaceAllString(s, "$1")
	s = mdLinkRe.ReplaceAllString(s, "$1")
	s = strings.NewReplacer("**", "", "__", "").Replace(s)
	s = mdFenceRe.ReplaceAllString(s, "")
	return tidyWhitespace(s)
}

var (
	mdHeadingRe = regexp.MustCompile(`(?m)^#{1,6}\s*`)
	mdImageRe   = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	mdLinkRe    = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	mdFenceRe   = regexp.MustCompile("`+")

	wsRunRe    = regexp.MustCompile(`\s+`)
	spaceRunRe = regexp.MustCompile(`[ \t]{2,}`)
	blankRunRe = regexp.MustCompile(`\n{3,}`)
)

func collapseSpaces(s string) string {
	return wsRunRe.ReplaceAllString(s, " ")
}

func tidyWhitespace(s string) string {
	s = spaceRunRe.ReplaceAllString(s, " ")
	s = blankRunRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func attrValue(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

// textContent flattens a subtree to its raw text, whitespace intact.
func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(sb.String())
}
