package neo4jstore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/quillstash/quillstash/engine/domain"
	"github.com/quillstash/quillstash/engine/store"
)

type call struct {
	cypher string
	params map[string]any
}

// fakeRunner records every Run and replays canned records per call.
type fakeRunner struct {
	calls   []call
	results [][]*neo4j.Record
	err     error
}

type fakeResult struct {
	records []*neo4j.Record
	pos     int
}

func (r *fakeResult) Next(context.Context) bool {
	if r.pos < len(r.records) {
		r.pos++
		return true
	}
	return false
}

func (r *fakeResult) Record() *neo4j.Record { return r.records[r.pos-1] }

func (f *fakeRunner) Run(_ context.Context, cypher string, params map[string]any) (result, error) {
	f.calls = append(f.calls, call{cypher, params})
	if f.err != nil {
		return nil, f.err
	}
	var recs []*neo4j.Record
	if n := len(f.calls) - 1; n < len(f.results) {
		recs = f.results[n]
	}
	return &fakeResult{records: recs}, nil
}

func (f *fakeRunner) Close(context.Context) error { return nil }

func fakeStore(f *fakeRunner) *Store {
	return &Store{
		newSession: func(context.Context) runner { return f },
		now:        func() time.Time { return time.Unix(1740000000, 0) },
	}
}

func rec(pairs map[string]any) *neo4j.Record {
	r := &neo4j.Record{}
	for k, v := range pairs {
		r.Keys = append(r.Keys, k)
		r.Values = append(r.Values, v)
	}
	return r
}

func TestUpsertPostsReportsCreated(t *testing.T) {
	f := &fakeRunner{results: [][]*neo4j.Record{
		{rec(map[string]any{"created": true})},
		{rec(map[string]any{"created": false})},
	}}
	s := fakeStore(f)

	res, err := s.UpsertPosts(context.Background(), []domain.Post{
		{ID: "1", AuthorHandle: "quill", Content: "a"},
		{ID: "2", AuthorHandle: "quill", Content: "b"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.AddedIDs) != 1 || res.AddedIDs[0] != "1" {
		t.Fatalf("added = %v", res.AddedIDs)
	}
	if len(res.UpdatedIDs) != 1 || res.UpdatedIDs[0] != "2" {
		t.Fatalf("updated = %v", res.UpdatedIDs)
	}

	// MERGE on the external ID is the idempotence guarantee.
	if !strings.Contains(f.calls[0].cypher, "MERGE (p:Post {id: $id})") {
		t.Errorf("cypher = %s", f.calls[0].cypher)
	}
	if f.calls[0].params["id"] != "1" {
		t.Errorf("params = %v", f.calls[0].params)
	}
}

func TestUpsertLinksMergesRelationship(t *testing.T) {
	f := &fakeRunner{results: [][]*neo4j.Record{
		{rec(map[string]any{"created": true})},
	}}
	s := fakeStore(f)

	res, err := s.UpsertLinks(context.Background(), []domain.Link{
		{PostID: "1", URL: "https://x.test/a", Domain: "x.test"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Inserted != 1 {
		t.Fatalf("res = %+v", res)
	}
	cy := f.calls[0].cypher
	for _, want := range []string{
		"MERGE (l:Link {post_id: $post_id, url: $url})",
		"MERGE (p)-[:LINKS_TO]->(l)",
	} {
		if !strings.Contains(cy, want) {
			t.Errorf("cypher missing %q:\n%s", want, cy)
		}
	}
}

func TestSetLinkMetadataParams(t *testing.T) {
	f := &fakeRunner{}
	s := fakeStore(f)
	err := s.SetLinkMetadata(context.Background(), "1", "https://x.test/a", store.LinkMetadata{
		Title: "A Page", Domain: "x.test", ContentType: "text/html",
	})
	if err != nil {
		t.Fatal(err)
	}
	p := f.calls[0].params
	if p["title"] != "A Page" || p["fetch_error"] != "" {
		t.Errorf("params = %v", p)
	}
	if p["now"] != int64(1740000000) {
		t.Errorf("fetched_at = %v", p["now"])
	}
}

func TestLatestSyncState(t *testing.T) {
	f := &fakeRunner{results: [][]*neo4j.Record{
		{rec(map[string]any{
			"ts": int64(1740000000), "posts_added": int64(5),
			"links_processed": int64(3), "embeddings_added": int64(8),
			"run_type": "scheduled", "error": "", "newest_id": "105",
		})},
	}}
	s := fakeStore(f)

	st, err := s.LatestSyncState(context.Background())
	if err != nil || st == nil {
		t.Fatal(err)
	}
	if st.Checkpoint() != "105" || st.PostsAdded != 5 || st.RunType != "scheduled" {
		t.Fatalf("state = %+v", st)
	}
	if !strings.Contains(f.calls[0].cypher, "ORDER BY s.ts DESC LIMIT 1") {
		t.Errorf("cypher = %s", f.calls[0].cypher)
	}
}

func TestLatestSyncStateEmpty(t *testing.T) {
	s := fakeStore(&fakeRunner{})
	st, err := s.LatestSyncState(context.Background())
	if err != nil || st != nil {
		t.Fatalf("got %v, %v", st, err)
	}
}

func TestPostsMissingEmbeddingMapsRecords(t *testing.T) {
	f := &fakeRunner{results: [][]*neo4j.Record{
		{rec(map[string]any{
			"id": "1", "author_handle": "quill", "author_name": "Quill Feather",
			"content": "hello", "created_at": int64(1739871000),
			"reply_count": int64(1), "repost_count": int64(2), "like_count": int64(3),
			"raw_data": "", "fetched_at": int64(1740000000),
		})},
	}}
	s := fakeStore(f)

	posts, err := s.PostsMissingEmbedding(context.Background(), 10)
	if err != nil || len(posts) != 1 {
		t.Fatal(err)
	}
	p := posts[0]
	if p.ID != "1" || p.AuthorHandle != "quill" || p.LikeCount != 3 {
		t.Fatalf("post = %+v", p)
	}
	if p.CreatedAt == nil || p.CreatedAt.Unix() != 1739871000 {
		t.Errorf("created_at = %v", p.CreatedAt)
	}
	if len(p.RawData) != 0 {
		t.Error("empty raw_data should stay nil")
	}
}

func TestSetPostEmbeddingConvertsVector(t *testing.T) {
	f := &fakeRunner{}
	s := fakeStore(f)
	if err := s.SetPostEmbedding(context.Background(), "1", []float32{0.5, 1.5}); err != nil {
		t.Fatal(err)
	}
	vec, ok := f.calls[0].params["vec"].([]float64)
	if !ok || len(vec) != 2 || vec[1] != 1.5 {
		t.Fatalf("vec param = %v", f.calls[0].params["vec"])
	}
}

func TestMarkLinksExtractedEmptyIsNoop(t *testing.T) {
	f := &fakeRunner{}
	s := fakeStore(f)
	if err := s.MarkLinksExtracted(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if len(f.calls) != 0 {
		t.Fatal("no-op should not hit the session")
	}
}
