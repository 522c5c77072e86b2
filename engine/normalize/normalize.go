// Package normalize converts heterogeneous bookmark export items into
// canonical domain.Post records. Two input shapes are understood: the
// compact export format and the platform API format. Parsers are tried in
// order; the first structural match wins. Items matching neither shape are
// rejected, never fatal.
package normalize

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/quillstash/quillstash/engine/domain"
)

// parser attempts to interpret one raw item. ok reports a structural match.
type parser func(raw json.RawMessage, fetchedAt time.Time) (domain.Post, bool)

// parsers is the ordered candidate list. Compact export first: it is the
// cheaper match and the more common input.
var parsers = []parser{parseCompact, parsePlatform}

// Result summarizes one batch normalization.
type Result struct {
	Posts    []domain.Post
	Rejected int
}

// Batch normalizes a slice of raw export items. Rejected items are counted
// and skipped.
func Batch(items []json.RawMessage, fetchedAt time.Time) Result {
	var res Result
	for _, raw := range items {
		post, ok := Item(raw, fetchedAt)
		if !ok {
			res.Rejected++
			continue
		}
		res.Posts = append(res.Posts, post)
	}
	return res
}

// Item normalizes a single raw export item, trying each known shape in order.
func Item(raw json.RawMessage, fetchedAt time.Time) (domain.Post, bool) {
	for _, p := range parsers {
		if post, ok := p(raw, fetchedAt); ok {
			return post, true
		}
	}
	return domain.Post{}, false
}

// compactItem is the compact export shape.
type compactItem struct {
	ID     string `json:"id"`
	Author struct {
		Username string `json:"username"`
		Name     string `json:"name"`
	} `json:"author"`
	Text      string   `json:"text"`
	CreatedAt string   `json:"created_at"`
	URLs      []string `json:"urls"`
	Media     []string `json:"media"`
	Metrics   struct {
		Replies int `json:"replies"`
		Reposts int `json:"reposts"`
		Likes   int `json:"likes"`
	} `json:"metrics"`
}

func parseCompact(raw json.RawMessage, fetchedAt time.Time) (domain.Post, bool) {
	var item compactItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return domain.Post{}, false
	}
	if item.ID == "" || item.Author.Username == "" || item.Text == "" {
		return domain.Post{}, false
	}
	return domain.Post{
		ID:           item.ID,
		AuthorHandle: item.Author.Username,
		AuthorName:   item.Author.Name,
		Content:      item.Text,
		CreatedAt:    parseTimestamp(item.CreatedAt),
		MediaURLs:    item.Media,
		ReplyCount:   item.Metrics.Replies,
		RepostCount:  item.Metrics.Reposts,
		LikeCount:    item.Metrics.Likes,
		FetchedAt:    fetchedAt,
	}, true
}

// platformItem is the platform API shape.
type platformItem struct {
	RestID string `json:"rest_id"`
	Core   struct {
		UserResults struct {
			Result struct {
				Legacy struct {
					ScreenName      string `json:"screen_name"`
					Name            string `json:"name"`
					ProfileImageURL string `json:"profile_image_url_https"`
				} `json:"legacy"`
			} `json:"result"`
		} `json:"user_results"`
	} `json:"core"`
	Legacy struct {
		FullText  string `json:"full_text"`
		CreatedAt string `json:"created_at"`
		Entities  struct {
			URLs []struct {
				URL         string `json:"url"`
				ExpandedURL string `json:"expanded_url"`
				DisplayURL  string `json:"display_url"`
			} `json:"urls"`
			Media []struct {
				MediaURL string `json:"media_url_https"`
			} `json:"media"`
		} `json:"entities"`
		FavoriteCount int `json:"favorite_count"`
		RetweetCount  int `json:"retweet_count"`
		ReplyCount    int `json:"reply_count"`
		QuoteCount    int `json:"quote_count"`
	} `json:"legacy"`
}

func parsePlatform(raw json.RawMessage, fetchedAt time.Time) (domain.Post, bool) {
	var item platformItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return domain.Post{}, false
	}
	user := item.Core.UserResults.Result.Legacy
	if item.RestID == "" || user.ScreenName == "" || item.Legacy.FullText == "" {
		return domain.Post{}, false
	}

	var media []string
	for _, m := range item.Legacy.Entities.Media {
		if m.MediaURL != "" {
			media = append(media, m.MediaURL)
		}
	}

	return domain.Post{
		ID:           item.RestID,
		AuthorHandle: user.ScreenName,
		AuthorName:   user.Name,
		Content:      item.Legacy.FullText,
		CreatedAt:    parseTimestamp(item.Legacy.CreatedAt),
		MediaURLs:    media,
		ReplyCount:   item.Legacy.ReplyCount,
		RepostCount:  item.Legacy.RetweetCount,
		LikeCount:    item.Legacy.FavoriteCount,
		// Retain the original payload so structured URL entities can be
		// re-extracted later.
		RawData:   raw,
		FetchedAt: fetchedAt,
	}, true
}

// timeLayouts are tried in order; the platform layout first since compact
// exports carry RFC3339.
var timeLayouts = []string{
	time.RubyDate, // platform API: "Mon Jan 02 15:04:05 -0700 2006"
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// parseTimestamp parses a timestamp in any accepted layout, including Unix
// seconds. Unparseable timestamps become nil, not an error.
func parseTimestamp(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil && secs > 0 {
		t := time.Unix(secs, 0).UTC()
		return &t
	}
	return nil
}

// DecodeExport decodes a top-level export document. A JSON array yields its
// elements; any other top-level value is treated as a single-item array.
func DecodeExport(data []byte) ([]json.RawMessage, error) {
	trimmed := strings.TrimLeftFunc(string(data), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if strings.HasPrefix(trimmed, "[") {
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	var item json.RawMessage
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, err
	}
	return []json.RawMessage{item}, nil
}
