// Package links derives outbound Link candidates from normalized posts.
// Candidates come from two sources per post: structured URL entities
// retained in the post's raw payload, and a regex scan of the post text.
// Platform-internal domains (the shortener, the media CDN, and the
// platform's own web hosts) are housekeeping, not content, and are skipped.
package links

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"

	"github.com/quillstash/quillstash/engine/domain"
	"github.com/quillstash/quillstash/pkg/fn"
)

// ShortLinkDomain is the platform's URL shortener. Links on it are kept as
// candidates but must be expanded before a content fetch.
const ShortLinkDomain = "t.co"

// skipDomains are platform-internal hosts excluded from extraction.
var skipDomains = map[string]struct{}{
	ShortLinkDomain:  {},
	"pbs.twimg.com":  {},
	"twitter.com":    {},
	"x.com":          {},
}

// Skipped reports whether a domain is platform-internal.
func Skipped(dom string) bool {
	_, ok := skipDomains[dom]
	return ok
}

// urlPattern matches http(s) tokens in free text.
var urlPattern = regexp.MustCompile(`https?://[^\s]+`)

// trailingJunk holds characters trimmed from the end of scanned tokens:
// punctuation that commonly follows a URL in prose but is not part of it.
const trailingJunk = ").,;!?…]}"

// urlLegal reports whether r may appear inside a URL. Used to decide whether
// a line break interrupts a URL token or merely wraps it.
func urlLegal(r byte) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	return strings.IndexByte("-._~:/?#@!$&'()*+,;=%", r) >= 0
}

// foldLineBreaks prepares text for URL scanning. A newline or carriage
// return becomes a space, unless both the preceding and following characters
// are URL-legal, in which case it is elided: exported text wraps long URLs
// across lines and a split token would scan as two invalid URLs.
func foldLineBreaks(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	n := len(text)
	for i := 0; i < n; i++ {
		c := text[i]
		if c != '\n' && c != '\r' {
			b.WriteByte(c)
			continue
		}
		// Collapse a \r\n pair into one decision.
		j := i
		if c == '\r' && i+1 < n && text[i+1] == '\n' {
			j = i + 1
		}
		if i > 0 && j+1 < n && urlLegal(text[i-1]) && urlLegal(text[j+1]) {
			// Elide: the break interrupts a URL-shaped run.
		} else {
			b.WriteByte(' ')
		}
		i = j
	}
	return b.String()
}

// Domain extracts the lowercased host of a URL with any leading "www."
// stripped. Returns "" when the URL does not parse.
func Domain(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	return strings.TrimPrefix(host, "www.")
}

// scanText extracts URL tokens from post text.
func scanText(text string) []string {
	folded := foldLineBreaks(text)
	tokens := urlPattern.FindAllString(folded, -1)
	var out []string
	for _, tok := range tokens {
		tok = strings.TrimRight(tok, trailingJunk)
		if tok == "" || tok == "http://" || tok == "https://" {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// entityURL is the structured URL entity shape inside a retained platform
// payload.
type entityURL struct {
	URL         string `json:"url"`
	ExpandedURL string `json:"expanded_url"`
	DisplayURL  string `json:"display_url"`
}

type rawEntities struct {
	Legacy struct {
		Entities struct {
			URLs []entityURL `json:"urls"`
		} `json:"entities"`
	} `json:"legacy"`
}

// entityLinks extracts structured URL entities from a post's raw payload.
func entityLinks(post domain.Post) []domain.Link {
	if len(post.RawData) == 0 {
		return nil
	}
	var raw rawEntities
	if err := json.Unmarshal(post.RawData, &raw); err != nil {
		return nil
	}
	var out []domain.Link
	for _, e := range raw.Legacy.Entities.URLs {
		if e.URL == "" {
			continue
		}
		out = append(out, domain.Link{
			PostID:      post.ID,
			URL:         e.URL,
			ExpandedURL: e.ExpandedURL,
			DisplayURL:  e.DisplayURL,
		})
	}
	return out
}

// FromPost produces the deduplicated Link candidates for one post.
// Structured entities win over text-scanned tokens: a scanned URL already
// present as an entity's raw or expanded form is suppressed.
func FromPost(post domain.Post) []domain.Link {
	candidates := entityLinks(post)

	known := make(map[string]struct{}, len(candidates)*2)
	for _, l := range candidates {
		known[l.URL] = struct{}{}
		if l.ExpandedURL != "" {
			known[l.ExpandedURL] = struct{}{}
		}
	}

	for _, tok := range scanText(post.Content) {
		if _, ok := known[tok]; ok {
			continue
		}
		candidates = append(candidates, domain.Link{PostID: post.ID, URL: tok})
	}

	// Resolve domains and drop platform housekeeping links. Shortener links
	// survive: their real domain is unknown until expansion.
	var out []domain.Link
	for _, l := range candidates {
		dom := Domain(l.Target())
		if dom == "" {
			continue
		}
		l.Domain = dom
		if dom != ShortLinkDomain && Skipped(dom) {
			continue
		}
		out = append(out, l)
	}

	return fn.UniqueBy(out, func(l domain.Link) string {
		return l.PostID + "|" + l.URL
	})
}

// FromPosts extracts candidates for a batch of posts.
func FromPosts(posts []domain.Post) []domain.Link {
	var out []domain.Link
	for _, p := range posts {
		out = append(out, FromPost(p)...)
	}
	return out
}
