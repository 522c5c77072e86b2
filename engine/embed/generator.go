// Package embed generates vector embeddings for posts and enriched links.
// Items are batched up to the service maximum, submitted through a retry
// with exponential backoff and a circuit breaker, and drained across rounds
// until nothing is left or the round cap is hit.
package embed

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/quillstash/quillstash/engine/domain"
	"github.com/quillstash/quillstash/engine/semantic"
	"github.com/quillstash/quillstash/engine/store"
	"github.com/quillstash/quillstash/pkg/embedx"
	"github.com/quillstash/quillstash/pkg/fn"
	"github.com/quillstash/quillstash/pkg/resilience"
)

// Defaults.
const (
	DefaultBatchSize = embedx.MaxBatchSize
	DefaultQueryLimit = 200
	// DefaultMaxRounds bounds the drain loop so a pathologically growing
	// backlog cannot wedge a run.
	DefaultMaxRounds = 20
)

// Embedder is the external embedding call: texts in, vectors out in input
// order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorSink receives embedded records for similarity search.
type VectorSink interface {
	Upsert(ctx context.Context, records []semantic.VectorRecord) error
}

// Opts configures a Generator.
type Opts struct {
	BatchSize  int
	QueryLimit int
	MaxRounds  int
	Retry      *fn.RetryOpts
	Logger     *slog.Logger
}

// Summary reports one generation run.
type Summary struct {
	Embedded int
	Failed   int
}

// Generator embeds posts and links lacking vectors.
type Generator struct {
	store   store.Store
	client  Embedder
	vectors VectorSink
	breaker *resilience.Breaker
	opts    Opts
	retry   fn.RetryOpts
	log     *slog.Logger
}

// New creates a Generator. vectors may be nil when no search mirror is
// configured.
func New(st store.Store, client Embedder, vectors VectorSink, opts Opts) *Generator {
	if opts.BatchSize <= 0 || opts.BatchSize > embedx.MaxBatchSize {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.QueryLimit <= 0 {
		opts.QueryLimit = DefaultQueryLimit
	}
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = DefaultMaxRounds
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	retry := fn.DefaultRetry
	if opts.Retry != nil {
		retry = *opts.Retry
	}
	retry.RetryIf = embedx.Retryable

	return &Generator{
		store:   st,
		client:  client,
		vectors: vectors,
		breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
		opts:    opts,
		retry:   retry,
		log:     log,
	}
}

// PostText builds the embedding input for a post.
func PostText(p domain.Post) string {
	return fmt.Sprintf("%s (@%s): %s", p.DisplayName(), p.AuthorHandle, p.Content)
}

// LinkText builds the embedding input for a link: title, description, and
// source domain, or the bare URL when nothing was extracted.
func LinkText(l domain.Link) string {
	var parts []string
	if l.Title != "" {
		parts = append(parts, l.Title)
	}
	if l.Description != "" {
		parts = append(parts, l.Description)
	}
	if l.Domain != "" {
		parts = append(parts, "Source: "+l.Domain)
	}
	if len(parts) == 0 {
		return l.Target()
	}
	return strings.Join(parts, "\n")
}

// Run drains embedding candidates across rounds. Batch failures are counted,
// never fatal: the items stay unembedded for a future run.
func (g *Generator) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	for round := 0; round < g.opts.MaxRounds; round++ {
		posts, err := g.store.PostsMissingEmbedding(ctx, g.opts.QueryLimit)
		if err != nil {
			return sum, fmt.Errorf("embed: query posts: %w", err)
		}
		lnks, err := g.store.LinksMissingEmbedding(ctx, g.opts.QueryLimit)
		if err != nil {
			return sum, fmt.Errorf("embed: query links: %w", err)
		}
		if len(posts) == 0 && len(lnks) == 0 {
			return sum, nil
		}

		g.log.Info("embed: round", "round", round, "posts", len(posts), "links", len(lnks))
		before := sum.Embedded
		g.embedPosts(ctx, posts, &sum)
		g.embedLinks(ctx, lnks, &sum)

		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		// No progress means every batch failed; retrying the same backlog
		// within this run would just repeat the failures.
		if sum.Embedded == before {
			return sum, nil
		}
	}
	return sum, nil
}

func (g *Generator) embedPosts(ctx context.Context, posts []domain.Post, sum *Summary) {
	for _, batch := range fn.Chunk(posts, g.opts.BatchSize) {
		texts := fn.Map(batch, PostText)
		vecs, err := g.embedBatch(ctx, texts)
		if err != nil {
			g.log.Warn("embed: post batch failed", "size", len(batch), "error", err)
			sum.Failed += len(batch)
			continue
		}

		records := make([]semantic.VectorRecord, 0, len(batch))
		for i, p := range batch {
			if err := g.store.SetPostEmbedding(ctx, p.ID, vecs[i]); err != nil {
				g.log.Error("embed: persist post", "post_id", p.ID, "error", err)
				sum.Failed++
				continue
			}
			sum.Embedded++
			records = append(records, semantic.VectorRecord{
				ID:        semantic.PostPointID(p.ID),
				Embedding: vecs[i],
				Payload: map[string]any{
					"kind":    semantic.KindPost,
					"post_id": p.ID,
					"content": p.Content,
					"author":  p.AuthorHandle,
				},
			})
		}
		g.mirror(ctx, records)
	}
}

func (g *Generator) embedLinks(ctx context.Context, lnks []domain.Link, sum *Summary) {
	for _, batch := range fn.Chunk(lnks, g.opts.BatchSize) {
		texts := fn.Map(batch, LinkText)
		vecs, err := g.embedBatch(ctx, texts)
		if err != nil {
			g.log.Warn("embed: link batch failed", "size", len(batch), "error", err)
			sum.Failed += len(batch)
			continue
		}

		records := make([]semantic.VectorRecord, 0, len(batch))
		for i, l := range batch {
			if err := g.store.SetLinkEmbedding(ctx, l.PostID, l.URL, vecs[i]); err != nil {
				g.log.Error("embed: persist link", "post_id", l.PostID, "url", l.URL, "error", err)
				sum.Failed++
				continue
			}
			sum.Embedded++
			records = append(records, semantic.VectorRecord{
				ID:        semantic.LinkPointID(l.PostID, l.URL),
				Embedding: vecs[i],
				Payload: map[string]any{
					"kind":    semantic.KindLink,
					"post_id": l.PostID,
					"content": l.Title,
					"url":     l.Target(),
					"domain":  l.Domain,
				},
			})
		}
		g.mirror(ctx, records)
	}
}

// embedBatch submits one request per batch through the breaker and retry;
// the resulting vectors map back to inputs in request order.
func (g *Generator) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return fn.Retry(ctx, g.retry, func(ctx context.Context) ([][]float32, error) {
		var vecs [][]float32
		err := g.breaker.Call(ctx, func(ctx context.Context) error {
			var cerr error
			vecs, cerr = g.client.Embed(ctx, texts)
			return cerr
		})
		return vecs, err
	})
}

func (g *Generator) mirror(ctx context.Context, records []semantic.VectorRecord) {
	if g.vectors == nil || len(records) == 0 {
		return
	}
	if err := g.vectors.Upsert(ctx, records); err != nil {
		// The store already holds the vectors; the mirror can catch up on
		// a later run.
		g.log.Warn("embed: vector mirror upsert", "count", len(records), "error", err)
	}
}
