// Package store defines the persistence contract the pipeline depends on.
// Concrete backends (sqlitestore, neo4jstore) implement the same contract;
// pipeline logic never branches on which backend is active.
package store

import (
	"context"

	"github.com/quillstash/quillstash/engine/domain"
)

// UpsertResult reports which post IDs were newly inserted vs already known.
type UpsertResult struct {
	AddedIDs   []string
	UpdatedIDs []string
}

// LinkUpsertResult reports link upsert outcomes.
type LinkUpsertResult struct {
	Inserted int
	Updated  int
}

// LinkMetadata is the set of fields written by one metadata fetch attempt.
// Exactly one of (Title/Description/ImageURL/ContentType) metadata or
// FetchError is the attempt's outcome; Domain and ExpandedURL may accompany
// either.
type LinkMetadata struct {
	ExpandedURL string
	Domain      string
	Title       string
	Description string
	ImageURL    string
	ContentType string
	FetchError  string
}

// Stats aggregates store contents for the downstream read surface.
type Stats struct {
	Posts          int
	PostsEmbedded  int
	Links          int
	LinksFetched   int
	LinksEmbedded  int
	SyncRuns       int
}

// Store is the backing-store capability interface. Upserts are idempotent:
// re-running with the same input never grows the added set beyond the truly
// novel items, and concurrent duplicate inserts become no-op updates.
type Store interface {
	UpsertPosts(ctx context.Context, posts []domain.Post) (UpsertResult, error)
	UpsertLinks(ctx context.Context, links []domain.Link) (LinkUpsertResult, error)

	PostsMissingEmbedding(ctx context.Context, limit int) ([]domain.Post, error)
	// LinksMissingMetadata returns links with neither metadata nor a prior
	// fetch error.
	LinksMissingMetadata(ctx context.Context, limit int) ([]domain.Link, error)
	// LinksMissingEmbedding returns links that have metadata, no fetch
	// error, and no embedding yet.
	LinksMissingEmbedding(ctx context.Context, limit int) ([]domain.Link, error)

	SetPostEmbedding(ctx context.Context, id string, vec []float32) error
	SetLinkMetadata(ctx context.Context, postID, url string, meta LinkMetadata) error
	SetLinkEmbedding(ctx context.Context, postID, url string, vec []float32) error
	MarkLinksExtracted(ctx context.Context, postIDs []string) error

	RecordSyncState(ctx context.Context, state domain.SyncState) error
	LatestSyncState(ctx context.Context) (*domain.SyncState, error)

	// Read contracts consumed by the downstream query surface.
	PostByID(ctx context.Context, id string) (*domain.Post, error)
	PostsByAuthor(ctx context.Context, handle string, limit int) ([]domain.Post, error)
	LinksByDomain(ctx context.Context, dom string, limit int) ([]domain.Link, error)
	Stats(ctx context.Context) (Stats, error)

	Close() error
}
