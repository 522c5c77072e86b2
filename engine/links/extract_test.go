package links

import (
	"encoding/json"
	"testing"

	"github.com/quillstash/quillstash/engine/domain"
)

func post(id, content string) domain.Post {
	return domain.Post{ID: id, AuthorHandle: "quill", Content: content}
}

func urls(ls []domain.Link) []string {
	out := make([]string, len(ls))
	for i, l := range ls {
		out[i] = l.URL
	}
	return out
}

func TestScanPlainURL(t *testing.T) {
	ls := FromPost(post("1", "read this https://example.com/article today"))
	if len(ls) != 1 || ls[0].URL != "https://example.com/article" {
		t.Fatalf("got %v", urls(ls))
	}
	if ls[0].Domain != "example.com" {
		t.Errorf("domain = %q", ls[0].Domain)
	}
	if ls[0].PostID != "1" {
		t.Errorf("post id = %q", ls[0].PostID)
	}
}

func TestTrailingPunctuationTrimmed(t *testing.T) {
	cases := map[string]string{
		"see (https://x.test/page).":    "https://x.test/page",
		"really? https://x.test/page!?": "https://x.test/page",
		"[link](https://x.test/page)":   "https://x.test/page",
		"wow https://x.test/page…":      "https://x.test/page",
	}
	for content, want := range cases {
		ls := FromPost(post("1", content))
		if len(ls) != 1 || ls[0].URL != want {
			t.Errorf("%q: got %v, want [%s]", content, urls(ls), want)
		}
	}
}

func TestLineWrappedURLRejoined(t *testing.T) {
	// A URL split across a line break inside a URL-legal run is one token.
	ls := FromPost(post("1", "https://ex.am/\nple"))
	if len(ls) != 1 || ls[0].URL != "https://ex.am/ple" {
		t.Fatalf("wrapped URL: got %v", urls(ls))
	}
}

func TestLineBreakAfterProseStaysABoundary(t *testing.T) {
	// Prose before the break must not bleed into the URL token.
	ls := FromPost(post("1", "first sentence.\nhttps://x.test/page"))
	if len(ls) != 1 || ls[0].URL != "https://x.test/page" {
		t.Fatalf("got %v", urls(ls))
	}
}

func TestCarriageReturnPair(t *testing.T) {
	ls := FromPost(post("1", "https://ex.am/\r\nple and more"))
	if len(ls) != 1 || ls[0].URL != "https://ex.am/ple" {
		t.Fatalf("got %v", urls(ls))
	}
}

func TestSkipDomains(t *testing.T) {
	content := "pics https://pbs.twimg.com/media/a.png and https://twitter.com/quill/status/1 " +
		"and https://x.com/quill plus https://www.example.com/keep"
	ls := FromPost(post("1", content))
	if len(ls) != 1 || ls[0].URL != "https://www.example.com/keep" {
		t.Fatalf("got %v", urls(ls))
	}
	if ls[0].Domain != "example.com" {
		t.Errorf("www. should be stripped, got %q", ls[0].Domain)
	}
}

func TestShortenerSurvivesExtraction(t *testing.T) {
	// t.co links cannot be judged until expansion; they stay candidates.
	ls := FromPost(post("1", "see https://t.co/abc123"))
	if len(ls) != 1 || ls[0].Domain != ShortLinkDomain {
		t.Fatalf("got %v", ls)
	}
}

func TestEntityLinksWinOverScanned(t *testing.T) {
	raw := `{"legacy": {"entities": {"urls": [
		{"url": "https://t.co/abc123", "expanded_url": "https://example.com/article", "display_url": "example.com/article"}
	]}}}`
	p := post("1", "read https://t.co/abc123 now")
	p.RawData = json.RawMessage(raw)

	ls := FromPost(p)
	if len(ls) != 1 {
		t.Fatalf("got %v", urls(ls))
	}
	if ls[0].ExpandedURL != "https://example.com/article" {
		t.Errorf("expanded = %q", ls[0].ExpandedURL)
	}
	// Domain comes from the expanded form, not the shortener.
	if ls[0].Domain != "example.com" {
		t.Errorf("domain = %q", ls[0].Domain)
	}
}

func TestEntityExpandedToSkipDomainDropped(t *testing.T) {
	raw := `{"legacy": {"entities": {"urls": [
		{"url": "https://t.co/abc123", "expanded_url": "https://twitter.com/quill/status/9"}
	]}}}`
	p := post("1", "")
	p.RawData = json.RawMessage(raw)
	if ls := FromPost(p); len(ls) != 0 {
		t.Fatalf("platform-internal expansion should be dropped, got %v", urls(ls))
	}
}

func TestPerPostDedup(t *testing.T) {
	ls := FromPost(post("1", "https://x.test/a again https://x.test/a"))
	if len(ls) != 1 {
		t.Fatalf("got %v", urls(ls))
	}
}

func TestFromPostsKeepsSameURLAcrossPosts(t *testing.T) {
	ls := FromPosts([]domain.Post{
		post("1", "https://x.test/a"),
		post("2", "https://x.test/a"),
	})
	if len(ls) != 2 {
		t.Fatalf("identity is (post, url): got %v", ls)
	}
}

func TestBareSchemeIgnored(t *testing.T) {
	if ls := FromPost(post("1", "broken https:// token")); len(ls) != 0 {
		t.Fatalf("got %v", urls(ls))
	}
}

func TestDomain(t *testing.T) {
	cases := map[string]string{
		"https://WWW.Example.COM/path": "example.com",
		"https://sub.example.com":      "sub.example.com",
		"not a url":                    "",
		"https://example.com:8080/x":   "example.com",
	}
	for in, want := range cases {
		if got := Domain(in); got != want {
			t.Errorf("Domain(%q) = %q, want %q", in, got, want)
		}
	}
}
