package normalize

import (
	"encoding/json"
	"testing"
	"time"
)

var fetchedAt = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

const compactJSON = `{
	"id": "1890000000000000001",
	"author": {"username": "quill", "name": "Quill Feather"},
	"text": "a bookmarked thought https://example.com/article",
	"created_at": "2025-02-18T09:30:00Z",
	"urls": ["https://example.com/article"],
	"media": ["https://cdn.example.com/img.png"],
	"metrics": {"replies": 3, "reposts": 14, "likes": 159}
}`

const platformJSON = `{
	"rest_id": "1890000000000000001",
	"core": {"user_results": {"result": {"legacy": {
		"screen_name": "quill", "name": "Quill Feather"
	}}}},
	"legacy": {
		"full_text": "a bookmarked thought https://t.co/abc123",
		"created_at": "Tue Feb 18 09:30:00 +0000 2025",
		"entities": {
			"urls": [{"url": "https://t.co/abc123", "expanded_url": "https://example.com/article", "display_url": "example.com/article"}],
			"media": [{"media_url_https": "https://pbs.twimg.com/media/img.png"}]
		},
		"favorite_count": 159,
		"retweet_count": 14,
		"reply_count": 3
	}
}`

func TestCompactItem(t *testing.T) {
	post, ok := Item(json.RawMessage(compactJSON), fetchedAt)
	if !ok {
		t.Fatal("compact item rejected")
	}
	if post.ID != "1890000000000000001" {
		t.Errorf("id = %q", post.ID)
	}
	if post.AuthorHandle != "quill" || post.AuthorName != "Quill Feather" {
		t.Errorf("author = %q / %q", post.AuthorHandle, post.AuthorName)
	}
	if post.ReplyCount != 3 || post.RepostCount != 14 || post.LikeCount != 159 {
		t.Errorf("metrics = %d/%d/%d", post.ReplyCount, post.RepostCount, post.LikeCount)
	}
	if post.CreatedAt == nil || !post.CreatedAt.Equal(time.Date(2025, 2, 18, 9, 30, 0, 0, time.UTC)) {
		t.Errorf("created_at = %v", post.CreatedAt)
	}
	if post.FetchedAt != fetchedAt {
		t.Errorf("fetched_at = %v", post.FetchedAt)
	}
	if len(post.RawData) != 0 {
		t.Error("compact items should not retain raw payload")
	}
}

func TestPlatformItem(t *testing.T) {
	post, ok := Item(json.RawMessage(platformJSON), fetchedAt)
	if !ok {
		t.Fatal("platform item rejected")
	}
	if post.ID != "1890000000000000001" || post.AuthorHandle != "quill" {
		t.Errorf("identity = %q @%q", post.ID, post.AuthorHandle)
	}
	if len(post.MediaURLs) != 1 || post.MediaURLs[0] != "https://pbs.twimg.com/media/img.png" {
		t.Errorf("media = %v", post.MediaURLs)
	}
	if len(post.RawData) == 0 {
		t.Error("platform items must retain raw payload for entity extraction")
	}
}

// The two export shapes describe the same underlying item; normalization
// should agree on every field both can express.
func TestShapesConverge(t *testing.T) {
	compact, ok := Item(json.RawMessage(compactJSON), fetchedAt)
	if !ok {
		t.Fatal("compact rejected")
	}
	platform, ok := Item(json.RawMessage(platformJSON), fetchedAt)
	if !ok {
		t.Fatal("platform rejected")
	}
	if compact.ID != platform.ID {
		t.Errorf("id: %q vs %q", compact.ID, platform.ID)
	}
	if compact.AuthorHandle != platform.AuthorHandle || compact.AuthorName != platform.AuthorName {
		t.Error("author fields diverge")
	}
	if !compact.CreatedAt.Equal(*platform.CreatedAt) {
		t.Errorf("created_at: %v vs %v", compact.CreatedAt, platform.CreatedAt)
	}
	if compact.ReplyCount != platform.ReplyCount ||
		compact.RepostCount != platform.RepostCount ||
		compact.LikeCount != platform.LikeCount {
		t.Error("engagement counters diverge")
	}
}

func TestRejectsUnknownShape(t *testing.T) {
	for _, raw := range []string{
		`{"foo": "bar"}`,
		`{"id": "1", "text": "no author"}`,
		`{"id": "1", "author": {"username": "u"}, "text": ""}`,
		`"just a string"`,
		`42`,
	} {
		if _, ok := Item(json.RawMessage(raw), fetchedAt); ok {
			t.Errorf("accepted %s", raw)
		}
	}
}

func TestBatchCountsRejected(t *testing.T) {
	items := []json.RawMessage{
		json.RawMessage(compactJSON),
		json.RawMessage(`{"garbage": true}`),
		json.RawMessage(platformJSON),
	}
	res := Batch(items, fetchedAt)
	if len(res.Posts) != 2 {
		t.Fatalf("posts = %d", len(res.Posts))
	}
	if res.Rejected != 1 {
		t.Errorf("rejected = %d", res.Rejected)
	}
}

func TestParseTimestamp(t *testing.T) {
	cases := []struct {
		in   string
		want string // RFC3339, "" means nil
	}{
		{"Tue Feb 18 09:30:00 +0000 2025", "2025-02-18T09:30:00Z"},
		{"2025-02-18T09:30:00Z", "2025-02-18T09:30:00Z"},
		{"2025-02-18 09:30:00", "2025-02-18T09:30:00Z"},
		{"1739871000", "2025-02-18T09:30:00Z"},
		{"not a date", ""},
		{"", ""},
	}
	for _, c := range cases {
		got := parseTimestamp(c.in)
		if c.want == "" {
			if got != nil {
				t.Errorf("parseTimestamp(%q) = %v, want nil", c.in, got)
			}
			continue
		}
		want, _ := time.Parse(time.RFC3339, c.want)
		if got == nil || !got.Equal(want) {
			t.Errorf("parseTimestamp(%q) = %v, want %v", c.in, got, want)
		}
	}
}

func TestDecodeExport(t *testing.T) {
	items, err := DecodeExport([]byte(`[` + compactJSON + `,` + platformJSON + `]`))
	if err != nil || len(items) != 2 {
		t.Fatalf("array decode: %d items, %v", len(items), err)
	}

	items, err = DecodeExport([]byte(compactJSON))
	if err != nil || len(items) != 1 {
		t.Fatalf("single object decode: %d items, %v", len(items), err)
	}

	if _, err := DecodeExport([]byte(`[{"broken"`)); err == nil {
		t.Error("malformed input should error")
	}
}
