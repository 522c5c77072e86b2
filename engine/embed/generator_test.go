package embed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quillstash/quillstash/engine/domain"
	"github.com/quillstash/quillstash/engine/semantic"
	"github.com/quillstash/quillstash/engine/store"
	"github.com/quillstash/quillstash/engine/store/memstore"
	"github.com/quillstash/quillstash/pkg/fn"
)

// fakeEmbedder returns one small vector per input, or errors for failN calls.
type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	failN int
	err   error
	batch []int // sizes of received batches
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.batch = append(f.batch, len(texts))
	if f.calls <= f.failN {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{float32(i)}
	}
	return out, nil
}

type fakeSink struct {
	mu      sync.Mutex
	records []semantic.VectorRecord
	err     error
}

func (f *fakeSink) Upsert(_ context.Context, records []semantic.VectorRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, records...)
	return nil
}

func immediateRetry() *fn.RetryOpts {
	return &fn.RetryOpts{
		MaxAttempts: 2,
		InitialWait: time.Millisecond,
		MaxWait:     time.Millisecond,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
}

func linkMeta(title string) store.LinkMetadata {
	return store.LinkMetadata{Title: title, ContentType: "text/html"}
}

func seed(t *testing.T, st *memstore.Store, posts int, links int) {
	t.Helper()
	ctx := context.Background()
	var ps []domain.Post
	for i := 0; i < posts; i++ {
		ps = append(ps, domain.Post{
			ID:           fmt.Sprintf("p%d", i),
			AuthorHandle: "quill",
			Content:      fmt.Sprintf("post %d", i),
		})
	}
	if _, err := st.UpsertPosts(ctx, ps); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < links; i++ {
		l := domain.Link{PostID: "p0", URL: fmt.Sprintf("https://x.test/%d", i), Domain: "x.test"}
		if _, err := st.UpsertLinks(ctx, []domain.Link{l}); err != nil {
			t.Fatal(err)
		}
		// Links become embedding candidates once fetched with a title.
		err := st.SetLinkMetadata(ctx, l.PostID, l.URL, linkMeta(fmt.Sprintf("title %d", i)))
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestRunEmbedsPostsAndLinks(t *testing.T) {
	st := memstore.New()
	seed(t, st, 3, 2)
	emb := &fakeEmbedder{}
	sink := &fakeSink{}

	g := New(st, emb, sink, Opts{Retry: immediateRetry()})
	sum, err := g.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Embedded != 5 || sum.Failed != 0 {
		t.Fatalf("summary = %+v", sum)
	}

	// Persisted vectors drain the candidate queries.
	posts, _ := st.PostsMissingEmbedding(context.Background(), 10)
	links, _ := st.LinksMissingEmbedding(context.Background(), 10)
	if len(posts) != 0 || len(links) != 0 {
		t.Errorf("leftover candidates: %d posts, %d links", len(posts), len(links))
	}

	// Mirrored to the vector sink with stable IDs and kind payloads.
	if len(sink.records) != 5 {
		t.Fatalf("sink records = %d", len(sink.records))
	}
	kinds := map[string]int{}
	for _, r := range sink.records {
		kinds[r.Payload["kind"].(string)]++
		if r.ID == "" {
			t.Error("record missing point ID")
		}
	}
	if kinds[semantic.KindPost] != 3 || kinds[semantic.KindLink] != 2 {
		t.Errorf("kinds = %v", kinds)
	}
}

func TestRunChunksBatches(t *testing.T) {
	st := memstore.New()
	seed(t, st, 7, 0)
	emb := &fakeEmbedder{}

	g := New(st, emb, nil, Opts{BatchSize: 3, Retry: immediateRetry()})
	if _, err := g.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(emb.batch) != 3 || emb.batch[0] != 3 || emb.batch[2] != 1 {
		t.Fatalf("batch sizes = %v", emb.batch)
	}
}

func TestRunCountsFailedBatches(t *testing.T) {
	st := memstore.New()
	seed(t, st, 2, 0)
	// Non-retryable failure: the batch is abandoned, not retried.
	emb := &fakeEmbedder{failN: 1000, err: errors.New("bad request")}

	g := New(st, emb, nil, Opts{Retry: immediateRetry()})
	sum, err := g.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Embedded != 0 || sum.Failed != 2 {
		t.Fatalf("summary = %+v", sum)
	}
	if emb.calls != 1 {
		t.Errorf("non-retryable error should not be retried, got %d calls", emb.calls)
	}
}

func TestRunSinkFailureIsNonFatal(t *testing.T) {
	st := memstore.New()
	seed(t, st, 2, 0)
	emb := &fakeEmbedder{}
	sink := &fakeSink{err: errors.New("qdrant down")}

	g := New(st, emb, sink, Opts{Retry: immediateRetry()})
	sum, err := g.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// The store is authoritative; a sink outage never blocks embedding.
	if sum.Embedded != 2 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestPostText(t *testing.T) {
	p := domain.Post{AuthorHandle: "quill", AuthorName: "Quill Feather", Content: "hello"}
	if got := PostText(p); got != "Quill Feather (@quill): hello" {
		t.Errorf("PostText = %q", got)
	}
	p.AuthorName = ""
	if got := PostText(p); got != "quill (@quill): hello" {
		t.Errorf("fallback PostText = %q", got)
	}
}

func TestLinkText(t *testing.T) {
	l := domain.Link{
		URL: "https://x.test/a", Domain: "x.test",
		Title: "A Title", Description: "A description",
	}
	got := LinkText(l)
	for _, want := range []string{"A Title", "A description", "Source: x.test"} {
		if !strings.Contains(got, want) {
			t.Errorf("LinkText missing %q: %q", want, got)
		}
	}

	bare := domain.Link{URL: "https://x.test/a"}
	if got := LinkText(bare); got != "https://x.test/a" {
		t.Errorf("bare LinkText = %q", got)
	}
}
