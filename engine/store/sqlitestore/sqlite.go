// Package sqlitestore implements the store contract on SQLite. It is the
// default backend: a single file, no server, and the unique-key constraints
// the pipeline's idempotence leans on.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quillstash/quillstash/engine/domain"
	"github.com/quillstash/quillstash/engine/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS posts (
	id              TEXT PRIMARY KEY,
	author_handle   TEXT NOT NULL,
	author_name     TEXT NOT NULL DEFAULT '',
	content         TEXT NOT NULL,
	created_at      INTEGER,
	media_urls      TEXT NOT NULL DEFAULT '[]',
	reply_count     INTEGER NOT NULL DEFAULT 0,
	repost_count    INTEGER NOT NULL DEFAULT 0,
	like_count      INTEGER NOT NULL DEFAULT 0,
	raw_data        TEXT,
	fetched_at      INTEGER NOT NULL,
	processed_at    INTEGER,
	embedding       TEXT,
	links_extracted INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_posts_author ON posts(author_handle);

CREATE TABLE IF NOT EXISTS links (
	post_id      TEXT NOT NULL,
	url          TEXT NOT NULL,
	expanded_url TEXT NOT NULL DEFAULT '',
	display_url  TEXT NOT NULL DEFAULT '',
	domain       TEXT NOT NULL DEFAULT '',
	title        TEXT NOT NULL DEFAULT '',
	description  TEXT NOT NULL DEFAULT '',
	image_url    TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT '',
	fetch_error  TEXT NOT NULL DEFAULT '',
	fetched_at   INTEGER,
	embedding    TEXT,
	PRIMARY KEY (post_id, url)
);
CREATE INDEX IF NOT EXISTS idx_links_domain ON links(domain);

CREATE TABLE IF NOT EXISTS sync_state (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	ts               INTEGER NOT NULL,
	posts_added      INTEGER NOT NULL,
	links_processed  INTEGER NOT NULL,
	embeddings_added INTEGER NOT NULL,
	run_type         TEXT NOT NULL,
	error            TEXT NOT NULL DEFAULT '',
	metadata         TEXT NOT NULL DEFAULT '{}'
);
`

// Store is a SQLite-backed store.Store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the
// schema. The caller should Close when done.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", path, err)
	}
	// Serialized writes keep concurrent worker upserts honest without
	// client-side locking.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func marshalJSON(v any) string {
	data, _ := json.Marshal(v)
	return string(data)
}

func unixPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

// UpsertPosts inserts new posts and refreshes engagement counters on known
// ones, reporting which IDs were actually new.
func (s *Store) UpsertPosts(ctx context.Context, posts []domain.Post) (store.UpsertResult, error) {
	var res store.UpsertResult
	for _, p := range posts {
		ins, err := s.db.ExecContext(ctx, `
			INSERT INTO posts (id, author_handle, author_name, content, created_at,
				media_urls, reply_count, repost_count, like_count, raw_data,
				fetched_at, links_extracted)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`,
			p.ID, p.AuthorHandle, p.AuthorName, p.Content, unixPtr(p.CreatedAt),
			marshalJSON(p.MediaURLs), p.ReplyCount, p.RepostCount, p.LikeCount,
			nullString(string(p.RawData)), p.FetchedAt.Unix(), boolInt(p.LinksExtracted),
		)
		if err != nil {
			return res, fmt.Errorf("sqlitestore: upsert post %s: %w", p.ID, err)
		}
		n, err := ins.RowsAffected()
		if err != nil {
			return res, fmt.Errorf("sqlitestore: rows affected: %w", err)
		}
		if n > 0 {
			res.AddedIDs = append(res.AddedIDs, p.ID)
			continue
		}
		_, err = s.db.ExecContext(ctx, `
			UPDATE posts SET reply_count = ?, repost_count = ?, like_count = ?
			WHERE id = ?`,
			p.ReplyCount, p.RepostCount, p.LikeCount, p.ID,
		)
		if err != nil {
			return res, fmt.Errorf("sqlitestore: update post %s: %w", p.ID, err)
		}
		res.UpdatedIDs = append(res.UpdatedIDs, p.ID)
	}
	return res, nil
}

// UpsertLinks inserts link candidates, leaving existing rows untouched so a
// prior fetch outcome is never clobbered.
func (s *Store) UpsertLinks(ctx context.Context, ls []domain.Link) (store.LinkUpsertResult, error) {
	var res store.LinkUpsertResult
	for _, l := range ls {
		ins, err := s.db.ExecContext(ctx, `
			INSERT INTO links (post_id, url, expanded_url, display_url, domain)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (post_id, url) DO NOTHING`,
			l.PostID, l.URL, l.ExpandedURL, l.DisplayURL, l.Domain,
		)
		if err != nil {
			return res, fmt.Errorf("sqlitestore: upsert link %s %s: %w", l.PostID, l.URL, err)
		}
		n, err := ins.RowsAffected()
		if err != nil {
			return res, fmt.Errorf("sqlitestore: rows affected: %w", err)
		}
		if n > 0 {
			res.Inserted++
		} else {
			res.Updated++
		}
	}
	return res, nil
}

const postCols = `id, author_handle, author_name, content, created_at, media_urls,
	reply_count, repost_count, like_count, raw_data, fetched_at, processed_at,
	embedding, links_extracted`

func scanPost(rows *sql.Rows) (domain.Post, error) {
	var (
		p                      domain.Post
		createdAt, processedAt sql.NullInt64
		mediaJSON              string
		rawData, embJSON       sql.NullString
		fetchedAt              int64
		linksExtracted         int
	)
	err := rows.Scan(&p.ID, &p.AuthorHandle, &p.AuthorName, &p.Content,
		&createdAt, &mediaJSON, &p.ReplyCount, &p.RepostCount, &p.LikeCount,
		&rawData, &fetchedAt, &processedAt, &embJSON, &linksExtracted)
	if err != nil {
		return p, err
	}
	p.CreatedAt = timePtr(createdAt)
	p.ProcessedAt = timePtr(processedAt)
	p.FetchedAt = time.Unix(fetchedAt, 0).UTC()
	p.LinksExtracted = linksExtracted != 0
	json.Unmarshal([]byte(mediaJSON), &p.MediaURLs)
	if rawData.Valid && rawData.String != "" {
		p.RawData = json.RawMessage(rawData.String)
	}
	if embJSON.Valid && embJSON.String != "" {
		json.Unmarshal([]byte(embJSON.String), &p.Embedding)
	}
	return p, nil
}

func (s *Store) queryPosts(ctx context.Context, q string, args ...any) ([]domain.Post, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: query posts: %w", err)
	}
	defer rows.Close()
	var out []domain.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: scan post: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PostsMissingEmbedding returns posts lacking an embedding vector.
func (s *Store) PostsMissingEmbedding(ctx context.Context, limit int) ([]domain.Post, error) {
	return s.queryPosts(ctx, `SELECT `+postCols+` FROM posts
		WHERE embedding IS NULL ORDER BY fetched_at LIMIT ?`, limit)
}

const linkCols = `post_id, url, expanded_url, display_url, domain, title,
	description, image_url, content_type, fetch_error, fetched_at, embedding`

func scanLink(rows *sql.Rows) (domain.Link, error) {
	var (
		l         domain.Link
		fetchedAt sql.NullInt64
		embJSON   sql.NullString
	)
	err := rows.Scan(&l.PostID, &l.URL, &l.ExpandedURL, &l.DisplayURL, &l.Domain,
		&l.Title, &l.Description, &l.ImageURL, &l.ContentType, &l.FetchError,
		&fetchedAt, &embJSON)
	if err != nil {
		return l, err
	}
	l.FetchedAt = timePtr(fetchedAt)
	if embJSON.Valid && embJSON.String != "" {
		json.Unmarshal([]byte(embJSON.String), &l.Embedding)
	}
	return l, nil
}

func (s *Store) queryLinks(ctx context.Context, q string, args ...any) ([]domain.Link, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: query links: %w", err)
	}
	defer rows.Close()
	var out []domain.Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: scan link: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// LinksMissingMetadata returns links never yet fetched.
func (s *Store) LinksMissingMetadata(ctx context.Context, limit int) ([]domain.Link, error) {
	return s.queryLinks(ctx, `SELECT `+linkCols+` FROM links
		WHERE fetched_at IS NULL AND fetch_error = '' LIMIT ?`, limit)
}

// LinksMissingEmbedding returns fetched links with metadata and no vector.
func (s *Store) LinksMissingEmbedding(ctx context.Context, limit int) ([]domain.Link, error) {
	return s.queryLinks(ctx, `SELECT `+linkCols+` FROM links
		WHERE fetched_at IS NOT NULL AND fetch_error = '' AND title != ''
		AND embedding IS NULL LIMIT ?`, limit)
}

// SetPostEmbedding stores a post's vector and processed timestamp.
func (s *Store) SetPostEmbedding(ctx context.Context, id string, vec []float32) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE posts SET embedding = ?, processed_at = ? WHERE id = ?`,
		marshalJSON(vec), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("sqlitestore: set post embedding %s: %w", id, err)
	}
	return nil
}

// SetLinkMetadata records the terminal outcome of one fetch attempt.
func (s *Store) SetLinkMetadata(ctx context.Context, postID, url string, meta store.LinkMetadata) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE links SET expanded_url = CASE WHEN ? != '' THEN ? ELSE expanded_url END,
			domain = CASE WHEN ? != '' THEN ? ELSE domain END,
			title = ?, description = ?, image_url = ?, content_type = ?,
			fetch_error = ?, fetched_at = ?
		WHERE post_id = ? AND url = ?`,
		meta.ExpandedURL, meta.ExpandedURL, meta.Domain, meta.Domain,
		meta.Title, meta.Description, meta.ImageURL, meta.ContentType,
		meta.FetchError, time.Now().Unix(), postID, url)
	if err != nil {
		return fmt.Errorf("sqlitestore: set link metadata %s %s: %w", postID, url, err)
	}
	return nil
}

// SetLinkEmbedding stores a link's vector.
func (s *Store) SetLinkEmbedding(ctx context.Context, postID, url string, vec []float32) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE links SET embedding = ? WHERE post_id = ? AND url = ?`,
		marshalJSON(vec), postID, url)
	if err != nil {
		return fmt.Errorf("sqlitestore: set link embedding %s %s: %w", postID, url, err)
	}
	return nil
}

// MarkLinksExtracted flags posts whose raw payload has been mined.
func (s *Store) MarkLinksExtracted(ctx context.Context, postIDs []string) error {
	for _, id := range postIDs {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE posts SET links_extracted = 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("sqlitestore: mark links extracted %s: %w", id, err)
		}
	}
	return nil
}

// RecordSyncState appends one run record.
func (s *Store) RecordSyncState(ctx context.Context, state domain.SyncState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (ts, posts_added, links_processed, embeddings_added,
			run_type, error, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		state.Timestamp.Unix(), state.PostsAdded, state.LinksProcessed,
		state.EmbeddingsAdded, state.RunType, state.Error, marshalJSON(state.Metadata))
	if err != nil {
		return fmt.Errorf("sqlitestore: record sync state: %w", err)
	}
	return nil
}

// LatestSyncState returns the most recent run record, or nil if none exist.
func (s *Store) LatestSyncState(ctx context.Context) (*domain.SyncState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT ts, posts_added, links_processed, embeddings_added, run_type, error, metadata
		FROM sync_state ORDER BY ts DESC, id DESC LIMIT 1`)
	var (
		st       domain.SyncState
		ts       int64
		metaJSON string
	)
	err := row.Scan(&ts, &st.PostsAdded, &st.LinksProcessed, &st.EmbeddingsAdded,
		&st.RunType, &st.Error, &metaJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: latest sync state: %w", err)
	}
	st.Timestamp = time.Unix(ts, 0).UTC()
	json.Unmarshal([]byte(metaJSON), &st.Metadata)
	return &st, nil
}

// PostByID looks up a single post.
func (s *Store) PostByID(ctx context.Context, id string) (*domain.Post, error) {
	posts, err := s.queryPosts(ctx, `SELECT `+postCols+` FROM posts WHERE id = ?`, id)
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
	return s.queryPosts(ctx, `SELECT `+postCols+` FROM posts
		WHERE author_handle = ? ORDER BY created_at DESC LIMIT ?`, handle, limit)
}

// LinksByDomain lists links for one domain.
func (s *Store) LinksByDomain(ctx context.Context, dom string, limit int) ([]domain.Link, error) {
	return s.queryLinks(ctx, `SELECT `+linkCols+` FROM links
		WHERE domain = ? LIMIT ?`, dom, limit)
}

// Stats aggregates store counts.
func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	var st store.Stats
	row := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM posts),
		(SELECT COUNT(*) FROM posts WHERE embedding IS NOT NULL),
		(SELECT COUNT(*) FROM links),
		(SELECT COUNT(*) FROM links WHERE fetched_at IS NOT NULL),
		(SELECT COUNT(*) FROM links WHERE embedding IS NOT NULL),
		(SELECT COUNT(*) FROM sync_state)`)
	if err := row.Scan(&st.Posts, &st.PostsEmbedded, &st.Links,
		&st.LinksFetched, &st.LinksEmbedded, &st.SyncRuns); err != nil {
		return st, fmt.Errorf("sqlitestore: stats: %w", err)
	}
	return st, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
