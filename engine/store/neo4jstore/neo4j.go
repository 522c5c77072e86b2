// Package neo4jstore implements the store contract on Neo4j. Posts are
// nodes, discovered links are LINKS_TO relationships to Link nodes, and
// sync runs are SyncState nodes. MERGE on the unique keys makes concurrent
// duplicate upserts collapse into no-op matches.
package neo4jstore

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/quillstash/quillstash/engine/domain"
	"github.com/quillstash/quillstash/engine/store"
)

// result is the minimal interface needed from a neo4j result.
type result interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
}

// runner is the minimal interface needed from a neo4j session.
type runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (result, error)
	Close(ctx context.Context) error
}

// Store is a Neo4j-backed store.Store.
type Store struct {
	driver     neo4j.DriverWithContext
	newSession func(ctx context.Context) runner // overridable for tests
	now        func() time.Time
}

var _ store.Store = (*Store)(nil)

// New creates a Store over an established driver.
func New(driver neo4j.DriverWithContext) *Store {
	return &Store{driver: driver, now: time.Now}
}

type sessionAdapter struct {
	sess neo4j.SessionWithContext
}

func (a *sessionAdapter) Run(ctx context.Context, cypher string, params map[string]any) (result, error) {
	return a.sess.Run(ctx, cypher, params)
}

func (a *sessionAdapter) Close(ctx context.Context) error { return a.sess.Close(ctx) }

func (s *Store) session(ctx context.Context) runner {
	if s.newSession != nil {
		return s.newSession(ctx)
	}
	return &sessionAdapter{sess: s.driver.NewSession(ctx, neo4j.SessionConfig{})}
}

// Close closes the underlying driver.
func (s *Store) Close() error {
	return s.driver.Close(context.Background())
}

func postProps(p domain.Post) map[string]any {
	props := map[string]any{
		"author_handle": p.AuthorHandle,
		"author_name":   p.AuthorName,
		"content":       p.Content,
		"media_urls":    p.MediaURLs,
		"reply_count":   p.ReplyCount,
		"repost_count":  p.RepostCount,
		"like_count":    p.LikeCount,
		"raw_data":      string(p.RawData),
		"fetched_at":    p.FetchedAt.Unix(),
	}
	if p.CreatedAt != nil {
		props["created_at"] = p.CreatedAt.Unix()
	}
	return props
}

// UpsertPosts MERGEs posts by external ID; a per-node created flag reports
// which IDs were new.
func (s *Store) UpsertPosts(ctx context.Context, posts []domain.Post) (store.UpsertResult, error) {
	var res store.UpsertResult
	sess := s.session(ctx)
	defer sess.Close(ctx)

	for _, p := range posts {
		r, err := sess.Run(ctx, `
			MERGE (p:Post {id: $id})
			ON CREATE SET p += $props, p.was_created = true
			ON MATCH SET p.reply_count = $props.reply_count,
				p.repost_count = $props.repost_count,
				p.like_count = $props.like_count,
				p.was_created = false
			RETURN p.was_created AS created`,
			map[string]any{"id": p.ID, "props": postProps(p)})
		if err != nil {
			return res, fmt.Errorf("neo4jstore: upsert post %s: %w", p.ID, err)
		}
		created := false
		if r.Next(ctx) {
			if v, ok := r.Record().Get("created"); ok {
				created, _ = v.(bool)
			}
		}
		if created {
			res.AddedIDs = append(res.AddedIDs, p.ID)
		} else {
			res.UpdatedIDs = append(res.UpdatedIDs, p.ID)
		}
	}
	return res, nil
}

// UpsertLinks MERGEs Link nodes keyed by (post id, url) and connects them to
// their post.
func (s *Store) UpsertLinks(ctx context.Context, links []domain.Link) (store.LinkUpsertResult, error) {
	var res store.LinkUpsertResult
	sess := s.session(ctx)
	defer sess.Close(ctx)

	for _, l := range links {
		r, err := sess.Run(ctx, `
			MATCH (p:Post {id: $post_id})
			MERGE (l:Link {post_id: $post_id, url: $url})
			ON CREATE SET l.expanded_url = $expanded_url, l.display_url = $display_url,
				l.domain = $domain, l.fetch_error = '', l.was_created = true
			ON MATCH SET l.was_created = false
			MERGE (p)-[:LINKS_TO]->(l)
			RETURN l.was_created AS created`,
			map[string]any{
				"post_id": l.PostID, "url": l.URL,
				"expanded_url": l.ExpandedURL, "display_url": l.DisplayURL,
				"domain": l.Domain,
			})
		if err != nil {
			return res, fmt.Errorf("neo4jstore: upsert link %s %s: %w", l.PostID, l.URL, err)
		}
		created := false
		if r.Next(ctx) {
			if v, ok := r.Record().Get("created"); ok {
				created, _ = v.(bool)
			}
		}
		if created {
			res.Inserted++
		} else {
			res.Updated++
		}
	}
	return res, nil
}

func recordString(rec *neo4j.Record, key string) string {
	if v, ok := rec.Get(key); ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func recordInt(rec *neo4j.Record, key string) int64 {
	if v, ok := rec.Get(key); ok && v != nil {
		if n, ok := v.(int64); ok {
			return n
		}
	}
	return 0
}

func postFromRecord(rec *neo4j.Record) domain.Post {
	p := domain.Post{
		ID:           recordString(rec, "id"),
		AuthorHandle: recordString(rec, "author_handle"),
		AuthorName:   recordString(rec, "author_name"),
		Content:      recordString(rec, "content"),
		ReplyCount:   int(recordInt(rec, "reply_count")),
		RepostCount:  int(recordInt(rec, "repost_count")),
		LikeCount:    int(recordInt(rec, "like_count")),
		FetchedAt:    time.Unix(recordInt(rec, "fetched_at"), 0).UTC(),
	}
	if raw := recordString(rec, "raw_data"); raw != "" {
		p.RawData = []byte(raw)
	}
	if ts := recordInt(rec, "created_at"); ts != 0 {
		t := time.Unix(ts, 0).UTC()
		p.CreatedAt = &t
	}
	return p
}

const postReturn = `RETURN p.id AS id, p.author_handle AS author_handle,
	p.author_name AS author_name, p.content AS content,
	p.created_at AS created_at, p.reply_count AS reply_count,
	p.repost_count AS repost_count, p.like_count AS like_count,
	p.raw_data AS raw_data, p.fetched_at AS fetched_at`

func (s *Store) queryPosts(ctx context.Context, cypher string, params map[string]any) ([]domain.Post, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)
	r, err := sess.Run(ctx, cypher, params)
	if err != nil {
		return nil, fmt.Errorf("neo4jstore: query posts: %w", err)
	}
	var out []domain.Post
	for r.Next(ctx) {
		out = append(out, postFromRecord(r.Record()))
	}
	return out, nil
}

// PostsMissingEmbedding returns posts without a stored vector.
func (s *Store) PostsMissingEmbedding(ctx context.Context, limit int) ([]domain.Post, error) {
	return s.queryPosts(ctx,
		`MATCH (p:Post) WHERE p.embedding IS NULL `+postReturn+` LIMIT $limit`,
		map[string]any{"limit": limit})
}

func linkFromRecord(rec *neo4j.Record) domain.Link {
	l := domain.Link{
		PostID:      recordString(rec, "post_id"),
		URL:         recordString(rec, "url"),
		ExpandedURL: recordString(rec, "expanded_url"),
		DisplayURL:  recordString(rec, "display_url"),
		Domain:      recordString(rec, "domain"),
		Title:       recordString(rec, "title"),
		Description: recordString(rec, "description"),
		ImageURL:    recordString(rec, "image_url"),
		ContentType: recordString(rec, "content_type"),
		FetchError:  recordString(rec, "fetch_error"),
	}
	if ts := recordInt(rec, "fetched_at"); ts != 0 {
		t := time.Unix(ts, 0).UTC()
		l.FetchedAt = &t
	}
	return l
}

const linkReturn = `RETURN l.post_id AS post_id, l.url AS url,
	l.expanded_url AS expanded_url, l.display_url AS display_url,
	l.domain AS domain, l.title AS title, l.description AS description,
	l.image_url AS image_url, l.content_type AS content_type,
	l.fetch_error AS fetch_error, l.fetched_at AS fetched_at`

func (s *Store) queryLinks(ctx context.Context, cypher string, params map[string]any) ([]domain.Link, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)
	r, err := sess.Run(ctx, cypher, params)
	if err != nil {
		return nil, fmt.Errorf("neo4jstore: query links: %w", err)
	}
	var out []domain.Link
	for r.Next(ctx) {
		out = append(out, linkFromRecord(r.Record()))
	}
	return out, nil
}

// LinksMissingMetadata returns links never yet fetched.
func (s *Store) LinksMissingMetadata(ctx context.Context, limit int) ([]domain.Link, error) {
	return s.queryLinks(ctx, `MATCH (l:Link)
		WHERE l.fetched_at IS NULL AND l.fetch_error = ''
		`+linkReturn+` LIMIT $limit`, map[string]any{"limit": limit})
}

// LinksMissingEmbedding returns fetched links with metadata and no vector.
func (s *Store) LinksMissingEmbedding(ctx context.Context, limit int) ([]domain.Link, error) {
	return s.queryLinks(ctx, `MATCH (l:Link)
		WHERE l.fetched_at IS NOT NULL AND l.fetch_error = ''
		AND l.title <> '' AND l.embedding IS NULL
		`+linkReturn+` LIMIT $limit`, map[string]any{"limit": limit})
}

func (s *Store) run(ctx context.Context, cypher string, params map[string]any) error {
	sess := s.session(ctx)
	defer sess.Close(ctx)
	_, err := sess.Run(ctx, cypher, params)
	return err
}

// SetPostEmbedding stores a post's vector and processed timestamp.
func (s *Store) SetPostEmbedding(ctx context.Context, id string, vec []float32) error {
	if err := s.run(ctx, `MATCH (p:Post {id: $id})
		SET p.embedding = $vec, p.processed_at = $now`,
		map[string]any{"id": id, "vec": float64Slice(vec), "now": s.now().Unix()}); err != nil {
		return fmt.Errorf("neo4jstore: set post embedding %s: %w", id, err)
	}
	return nil
}

// SetLinkMetadata records the terminal outcome of one fetch attempt.
func (s *Store) SetLinkMetadata(ctx context.Context, postID, url string, meta store.LinkMetadata) error {
	if err := s.run(ctx, `MATCH (l:Link {post_id: $post_id, url: $url})
		SET l.expanded_url = CASE WHEN $expanded_url <> '' THEN $expanded_url ELSE l.expanded_url END,
			l.domain = CASE WHEN $domain <> '' THEN $domain ELSE l.domain END,
			l.title = $title, l.description = $description,
			l.image_url = $image_url, l.content_type = $content_type,
			l.fetch_error = $fetch_error, l.fetched_at = $now`,
		map[string]any{
			"post_id": postID, "url": url,
			"expanded_url": meta.ExpandedURL, "domain": meta.Domain,
			"title": meta.Title, "description": meta.Description,
			"image_url": meta.ImageURL, "content_type": meta.ContentType,
			"fetch_error": meta.FetchError, "now": s.now().Unix(),
		}); err != nil {
		return fmt.Errorf("neo4jstore: set link metadata %s %s: %w", postID, url, err)
	}
	return nil
}

// SetLinkEmbedding stores a link's vector.
func (s *Store) SetLinkEmbedding(ctx context.Context, postID, url string, vec []float32) error {
	if err := s.run(ctx, `MATCH (l:Link {post_id: $post_id, url: $url})
		SET l.embedding = $vec`,
		map[string]any{"post_id": postID, "url": url, "vec": float64Slice(vec)}); err != nil {
		return fmt.Errorf("neo4jstore: set link embedding %s %s: %w", postID, url, err)
	}
	return nil
}

// MarkLinksExtracted flags posts whose raw payload has been mined.
func (s *Store) MarkLinksExtracted(ctx context.Context, postIDs []string) error {
	if len(postIDs) == 0 {
		return nil
	}
	if err := s.run(ctx, `MATCH (p:Post) WHERE p.id IN $ids
		SET p.links_extracted = true`, map[string]any{"ids": postIDs}); err != nil {
		return fmt.Errorf("neo4jstore: mark links extracted: %w", err)
	}
	return nil
}

// RecordSyncState appends one run record.
func (s *Store) RecordSyncState(ctx context.Context, state domain.SyncState) error {
	meta := make(map[string]any, len(state.Metadata))
	for k, v := range state.Metadata {
		meta[k] = v
	}
	if err := s.run(ctx, `CREATE (s:SyncState {
			ts: $ts, posts_added: $posts_added, links_processed: $links_processed,
			embeddings_added: $embeddings_added, run_type: $run_type,
			error: $error, newest_id: $newest_id})`,
		map[string]any{
			"ts": state.Timestamp.Unix(), "posts_added": state.PostsAdded,
			"links_processed": state.LinksProcessed,
			"embeddings_added": state.EmbeddingsAdded,
			"run_type": state.RunType, "error": state.Error,
			"newest_id": state.Checkpoint(),
		}); err != nil {
		return fmt.Errorf("neo4jstore: record sync state: %w", err)
	}
	return nil
}

// LatestSyncState returns the most recent run record, or nil if none exist.
func (s *Store) LatestSyncState(ctx context.Context) (*domain.SyncState, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)
	r, err := sess.Run(ctx, `MATCH (s:SyncState)
		RETURN s.ts AS ts, s.posts_added AS posts_added,
			s.links_processed AS links_processed,
			s.embeddings_added AS embeddings_added,
			s.run_type AS run_type, s.error AS error, s.newest_id AS newest_id
		ORDER BY s.ts DESC LIMIT 1`, nil)
	if err != nil {
		return nil, fmt.Errorf("neo4jstore: latest sync state: %w", err)
	}
	if !r.Next(ctx) {
		return nil, nil
	}
	rec := r.Record()
	st := domain.SyncState{
		Timestamp:       time.Unix(recordInt(rec, "ts"), 0).UTC(),
		PostsAdded:      int(recordInt(rec, "posts_added")),
		LinksProcessed:  int(recordInt(rec, "links_processed")),
		EmbeddingsAdded: int(recordInt(rec, "embeddings_added")),
		RunType:         recordString(rec, "run_type"),
		Error:           recordString(rec, "error"),
	}
	if id := recordString(rec, "newest_id"); id != "" {
		st.Metadata = map[string]string{domain.MetaNewestID: id}
	}
	return &st, nil
}

// PostByID looks up a single post.
func (s *Store) PostByID(ctx context.Context, id string) (*domain.Post, error) {
	posts, err := s.queryPosts(ctx,
		`MATCH (p:Post {id: $id}) `+postReturn, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(posts) == 0 {
		return nil, nil
	}
	return &posts[0], nil
}

// PostsByAuthor lists posts for one author handle.
func (s *Store) PostsByAuthor(ctx context.Context, handle string, limit int) ([]domain.Post, error) {
	return s.queryPosts(ctx, `MATCH (p:Post {author_handle: $handle})
		`+postReturn+` ORDER BY p.created_at DESC LIMIT $limit`,
		map[string]any{"handle": handle, "limit": limit})
}

// LinksByDomain lists links for one domain.
func (s *Store) LinksByDomain(ctx context.Context, dom string, limit int) ([]domain.Link, error) {
	return s.queryLinks(ctx, `MATCH (l:Link {domain: $domain})
		`+linkReturn+` LIMIT $limit`, map[string]any{"domain": dom, "limit": limit})
}

// Stats aggregates store counts.
func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	sess := s.session(ctx)
	defer sess.Close(ctx)
	var st store.Stats
	r, err := sess.Run(ctx, `RETURN
		COUNT { MATCH (p:Post) } AS posts,
		COUNT { MATCH (p:Post) WHERE p.embedding IS NOT NULL } AS posts_embedded,
		COUNT { MATCH (l:Link) } AS links,
		COUNT { MATCH (l:Link) WHERE l.fetched_at IS NOT NULL } AS links_fetched,
		COUNT { MATCH (l:Link) WHERE l.embedding IS NOT NULL } AS links_embedded,
		COUNT { MATCH (s:SyncState) } AS sync_runs`, nil)
	if err != nil {
		return st, fmt.Errorf("neo4jstore: stats: %w", err)
	}
	if r.Next(ctx) {
		rec := r.Record()
		st.Posts = int(recordInt(rec, "posts"))
		st.PostsEmbedded = int(recordInt(rec, "posts_embedded"))
		st.Links = int(recordInt(rec, "links"))
		st.LinksFetched = int(recordInt(rec, "links_fetched"))
		st.LinksEmbedded = int(recordInt(rec, "links_embedded"))
		st.SyncRuns = int(recordInt(rec, "sync_runs"))
	}
	return st, nil
}

// Neo4j stores float lists as []float64.
func float64Slice(vec []float32) []float64 {
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = float64(v)
	}
	return out
}
