// Package domain defines the canonical records produced and maintained by
// the ingestion pipeline: bookmarked posts, the outbound links discovered in
// them, and per-run sync state.
package domain

import (
	"encoding/json"
	"time"
)

// Post is a single bookmarked social-media item after normalization.
// A Post is immutable once embedded except for the embedding and
// processed-timestamp fields.
type Post struct {
	ID          string          `json:"id"`
	AuthorHandle string         `json:"author_handle"`
	AuthorName  string          `json:"author_name,omitempty"`
	Content     string          `json:"content"`
	CreatedAt   *time.Time      `json:"created_at,omitempty"`
	MediaURLs   []string        `json:"media_urls,omitempty"`
	ReplyCount  int             `json:"reply_count"`
	RepostCount int             `json:"repost_count"`
	LikeCount   int             `json:"like_count"`
	RawData     json.RawMessage `json:"raw_data,omitempty"`
	FetchedAt   time.Time       `json:"fetched_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	Embedding   []float32       `json:"embedding,omitempty"`

	// LinksExtracted marks posts whose raw payload has been mined for
	// structured URL entities, so backfills can skip them.
	LinksExtracted bool `json:"links_extracted"`
}

// DisplayName returns the author display name, falling back to the handle.
func (p Post) DisplayName() string {
	if p.AuthorName != "" {
		return p.AuthorName
	}
	return p.AuthorHandle
}

// Link is an outbound URL discovered in a Post. Identity is the
// (PostID, URL) pair. FetchError and Title are mutually exclusive outcomes
// of a single fetch attempt.
type Link struct {
	PostID      string    `json:"post_id"`
	URL         string    `json:"url"`
	ExpandedURL string    `json:"expanded_url,omitempty"`
	DisplayURL  string    `json:"display_url,omitempty"`
	Domain      string    `json:"domain,omitempty"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	ImageURL    string    `json:"image_url,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	FetchError  string    `json:"fetch_error,omitempty"`
	// FetchedAt is set when the single metadata fetch attempt terminates,
	// whatever its outcome. Unset means the link is still a fetch candidate.
	FetchedAt *time.Time `json:"fetched_at,omitempty"`
	Embedding []float32  `json:"embedding,omitempty"`
}

// Target returns the URL a fetch should hit: the expanded form when a
// shortener has already been resolved, the raw form otherwise.
func (l Link) Target() string {
	if l.ExpandedURL != "" {
		return l.ExpandedURL
	}
	return l.URL
}

// Run types recorded on SyncState.
const (
	RunManual      = "manual"
	RunScheduled   = "scheduled"
	RunIncremental = "incremental"
)

// MetaNewestID is the SyncState metadata key holding the newest source
// identifier seen during a run, used as the next run's checkpoint.
const MetaNewestID = "newest_id"

// SyncState summarizes one pipeline run. Records are append-only; the
// latest by Timestamp defines the checkpoint for incremental runs.
type SyncState struct {
	Timestamp        time.Time         `json:"timestamp"`
	PostsAdded       int               `json:"posts_added"`
	LinksProcessed   int               `json:"links_processed"`
	EmbeddingsAdded  int               `json:"embeddings_added"`
	RunType          string            `json:"run_type"`
	Error            string            `json:"error,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Checkpoint returns the newest source ID recorded on this run, if any.
func (s SyncState) Checkpoint() string {
	return s.Metadata[MetaNewestID]
}
