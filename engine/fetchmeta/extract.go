package fetchmeta

import (
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Storage caps on extracted text fields.
const (
	TitleMax       = 500
	DescriptionMax = 2000
)

// PageMeta is what a successful HTML fetch yields.
type PageMeta struct {
	Title       string
	Description string
	ImageURL    string
}

// ExtractPageMeta parses HTML and pulls out title, description, and preview
// image. Open Graph tags win, then platform card tags, then the generic
// fallbacks.
func ExtractPageMeta(body io.Reader) (PageMeta, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return PageMeta{}, err
	}

	title := metaContent(doc,
		"meta[property='og:title']",
		"meta[name='twitter:title']",
	)
	if title == "" {
		title = strings.TrimSpace(doc.Find("title").First().Text())
	}

	desc := metaContent(doc,
		"meta[property='og:description']",
		"meta[name='twitter:description']",
		"meta[name='description']",
	)

	image := metaContent(doc,
		"meta[property='og:image']",
		"meta[name='twitter:image']",
	)

	return PageMeta{
		Title:       clip(title, TitleMax),
		Description: clip(desc, DescriptionMax),
		ImageURL:    image,
	}, nil
}

// metaContent returns the first non-empty content attribute among selectors.
func metaContent(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if v, ok := doc.Find(sel).First().Attr("content"); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

// clip caps s at max bytes without splitting a rune.
func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}
