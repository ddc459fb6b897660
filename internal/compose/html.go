package compose

import (
	"bytes"
	"io"
	"regexp"
	"strings"

	xhtml "golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// EnsureImageAlt adds alt="" to every img tag that has no alt attribute.
// Everything else in fragment is kept byte for byte.
func EnsureImageAlt(fragment string) string {
	if !strings.Contains(strings.ToLower(fragment), "<img") {
		return fragment
	}

	var out bytes.Buffer
	z := xhtml.NewTokenizer(strings.NewReader(fragment))
	for {
		tt := z.Next()
		if tt == xhtml.ErrorToken {
			if z.Err() == io.EOF {
				return out.String()
			}
			return fragment
		}

		raw := append([]byte(nil), z.Raw()...)
		if tt != xhtml.StartTagToken && tt != xhtml.SelfClosingTagToken {
			out.Write(raw)
			continue
		}

		tok := z.Token()
		if tok.DataAtom != atom.Img || hasAttr(tok, "alt") {
			out.Write(raw)
			continue
		}
		tok.Attr = append(tok.Attr, xhtml.Attribute{Key: "alt", Val: ""})
		out.WriteString(tok.String())
	}
}

func hasAttr(tok xhtml.Token, key string) bool {
	for _, a := range tok.Attr {
		if strings.EqualFold(a.Key, key) {
			return true
		}
	}
	return false
}

var (
	blankLines = regexp.MustCompile(`\n{3,}`)
	spaceRuns  = regexp.MustCompile(`[ \t\r\n\x{00a0}]+`)
)

// PlainText extracts readable text from an HTML fragment for the
// text/plain alternative. Block elements become line breaks, list items get
// a dash and link targets follow the link text.
func PlainText(fragment string) string {
	var (
		b     strings.Builder
		skip  int
		pre   int
		hrefs []string
	)

	z := xhtml.NewTokenizer(strings.NewReader(fragment))
	for {
		tt := z.Next()
		switch tt {
		case xhtml.ErrorToken:
			return strings.TrimSpace(blankLines.ReplaceAllString(trimLines(b.String()), "\n\n"))

		case xhtml.TextToken:
			if skip > 0 {
				continue
			}
			text := string(z.Text())
			if pre == 0 {
				text = spaceRuns.ReplaceAllString(text, " ")
			}
			b.WriteString(text)

		case xhtml.StartTagToken, xhtml.SelfClosingTagToken:
			tok := z.Token()
			switch tok.DataAtom {
			case atom.Style, atom.Script, atom.Head, atom.Title:
				if tt == xhtml.StartTagToken {
					skip++
				}
			case atom.Br:
				b.WriteString("\n")
			case atom.Li:
				b.WriteString("\n- ")
			case atom.Pre:
				pre++
				b.WriteString("\n\n")
			case atom.P, atom.Div, atom.Tr, atom.Table, atom.Ul, atom.Ol, atom.Blockquote,
				atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
				b.WriteString("\n\n")
			case atom.Td, atom.Th:
				b.WriteString("\t")
			case atom.Hr:
				b.WriteString("\n\n---\n\n")
			case atom.A:
				hrefs = append(hrefs, attr(tok, "href"))
			}

		case xhtml.EndTagToken:
			tok := z.Token()
			switch tok.DataAtom {
			case atom.Style, atom.Script, atom.Head, atom.Title:
				if skip > 0 {
					skip--
				}
			case atom.Pre:
				if pre > 0 {
					pre--
				}
				b.WriteString("\n\n")
			case atom.P, atom.Div, atom.Table, atom.Ul, atom.Ol, atom.Blockquote,
				atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
				b.WriteString("\n\n")
			case atom.A:
				if n := len(hrefs); n > 0 {
					href := hrefs[n-1]
					hrefs = hrefs[:n-1]
					if href != "" && !strings.HasPrefix(href, "mailto:") && !strings.HasSuffix(b.String(), href) {
						b.WriteString(" (" + href + ")")
					}
				}
			}
		}
	}
}

func attr(tok xhtml.Token, key string) string {
	for _, a := range tok.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

// trimLines removes leading and trailing blanks from every line.
func trimLines(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.Trim(l, " \t")
	}
	return strings.Join(lines, "\n")
}
