package email

import (
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// allowedTags may appear in a digest. Everything else is unwrapped, replaced or dropped.
var allowedTags = map[string]bool{
	"p":          true,
	"br":         true,
	"b":          true,
	"strong":     true,
	"i":          true,
	"em":         true,
	"u":          true,
	"blockquote": true,
	"img":        true,
	"a":          true,
	"ul":         true,
	"ol":         true,
	"li":         true,
	"div":        true,
	"span":       true,
	"pre":        true,
	"code":       true,
}

var voidTags = map[string]bool{"br": true, "img": true}

// droppedTags are removed together with their content.
var droppedTags = map[string]bool{"script": true, "style": true, "head": true, "title": true, "noscript": true}

// sanitizeHTML rewrites an untrusted post body so that only whitelisted tags and
// safe src, alt and href attributes survive.
func sanitizeHTML(body string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return html.EscapeString(body)
	}
	var b strings.Builder
	doc.Find("body").Contents().Each(func(_ int, s *goquery.Selection) {
		writeNode(&b, s)
	})
	return b.String()
}

func writeNode(b *strings.Builder, s *goquery.Selection) {
	n := s.Get(0)
	switch n.Type {
	case html.TextNode:
		b.WriteString(html.EscapeString(n.Data))
		return
	case html.ElementNode:
	default:
		// Comments and doctypes.
		return
	}

	tag := n.Data
	switch {
	case allowedTags[tag]:
		b.WriteString("<" + tag)
		switch tag {
		case "img":
			writeAttr(b, s, "src", true)
			writeAttr(b, s, "alt", false)
		case "a":
			writeAttr(b, s, "href", true)
		}
		b.WriteString(">")
		if voidTags[tag] {
			return
		}
		writeChildren(b, s)
		b.WriteString("</" + tag + ">")

	case tag == "iframe":
		if src, ok := s.Attr("src"); ok && isSafeURL(src) {
			esc := html.EscapeString(src)
			b.WriteString(`[iframe: <a href="` + esc + `">` + esc + `</a>]`)
		} else {
			b.WriteString("[replaced iframe]")
		}

	case tag == "video" || tag == "embed" || tag == "object" || tag == "audio":
		b.WriteString("[replaced " + tag + "]")

	case droppedTags[tag]:

	default:
		// Unknown wrappers keep their text.
		writeChildren(b, s)
	}
}

func writeChildren(b *strings.Builder, s *goquery.Selection) {
	s.Contents().Each(func(_ int, c *goquery.Selection) {
		writeNode(b, c)
	})
}

func writeAttr(b *strings.Builder, s *goquery.Selection, name string, isURL bool) {
	v, ok := s.Attr(name)
	if !ok || v == "" || (isURL && !isSafeURL(v)) {
		return
	}
	b.WriteString(" " + name + `="` + html.EscapeString(v) + `"`)
}

// isSafeURL validates that a URL is safe for use in emails.
// Only allows http, https, mailto and relative URLs.
func isSafeURL(urlStr string) bool {
	urlStr = strings.TrimSpace(strings.ToLower(urlStr))
	if urlStr == "" {
		return false
	}

	if strings.HasPrefix(urlStr, "http://") ||
		strings.HasPrefix(urlStr, "https://") ||
		strings.HasPrefix(urlStr, "mailto:") {
		return true
	}

	// Relative path without a scheme.
	scheme, _, found := strings.Cut(urlStr, ":")
	return !found || strings.ContainsAny(scheme, "/?#")
}

// snippet returns the first maxRunes characters of the post's text with whitespace collapsed.
// truncated reports whether anything was cut.
func snippet(body string, maxRunes int) (text string, truncated bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", false
	}
	doc.Find("script, style").Remove()
	text = strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	if utf8.RuneCountInString(text) <= maxRunes {
		return text, false
	}
	runes := []rune(text)
	cut := string(runes[:maxRunes])
	if i := strings.LastIndexByte(cut, ' '); i >= 0 && utf8.RuneCountInString(cut[:i]) > maxRunes/2 {
		cut = cut[:i]
	}
	return cut + "…", true
}
