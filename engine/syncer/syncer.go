// Package syncer sequences the ingestion pipeline: fetch source items,
// normalize, dedup, persist posts, extract and persist links, fetch link
// metadata, generate embeddings, and record a checkpointed SyncState so the
// next run resumes where this one stopped.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quillstash/quillstash/engine/domain"
	"github.com/quillstash/quillstash/engine/embed"
	"github.com/quillstash/quillstash/engine/links"
	"github.com/quillstash/quillstash/engine/normalize"
	"github.com/quillstash/quillstash/engine/source"
	"github.com/quillstash/quillstash/engine/store"
	"github.com/quillstash/quillstash/pkg/fn"
)

// State is the orchestrator's position in a run.
type State int

const (
	StateIdle State = iota
	StateFetchingSource
	StateNormalizing
	StateDeduplicating
	StateExtractingLinks
	StateFetchingMetadata
	StateEmbedding
	StateRecordingCheckpoint
)

var stateNames = map[State]string{
	StateIdle:                "idle",
	StateFetchingSource:      "fetching-source",
	StateNormalizing:         "normalizing",
	StateDeduplicating:       "deduplicating",
	StateExtractingLinks:     "extracting-links",
	StateFetchingMetadata:    "fetching-metadata",
	StateEmbedding:           "embedding",
	StateRecordingCheckpoint: "recording-checkpoint",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Checkpoint modes.
type CheckpointMode int

const (
	// ModeResume stops consuming at the prior run's checkpoint.
	ModeResume CheckpointMode = iota
	// ModeStrict additionally fails the run when the checkpoint is not
	// found in the fetched window, instead of silently under-processing.
	ModeStrict
	// ModeIgnore bypasses checkpointing entirely, for full backfills.
	ModeIgnore
)

// ErrCheckpointNotFound is the strict-mode failure: the backlog since the
// last run exceeds the fetched window.
var ErrCheckpointNotFound = errors.New("syncer: checkpoint not found in fetched window")

// MetadataFetcher drains unfetched links, returning the number processed.
type MetadataFetcher interface {
	Run(ctx context.Context) (int, error)
}

// EmbeddingGenerator drains embedding candidates.
type EmbeddingGenerator interface {
	Run(ctx context.Context) (embed.Summary, error)
}

// Opts configures a run.
type Opts struct {
	RunType    string // manual, scheduled, or incremental
	Checkpoint CheckpointMode
	FetchLimit int
	// LinkChunk caps link insert batches to respect store batch limits.
	LinkChunk int
	Logger    *slog.Logger
}

// Orchestrator wires the pipeline stages over injected collaborators.
type Orchestrator struct {
	store    store.Store
	source   source.Source
	fetcher  MetadataFetcher
	embedder EmbeddingGenerator
	opts     Opts
	log      *slog.Logger
	state    State
	now      func() time.Time
}

// New creates an Orchestrator. fetcher and embedder may be nil to skip
// those stages (e.g. a dry import).
func New(st store.Store, src source.Source, fetcher MetadataFetcher, embedder EmbeddingGenerator, opts Opts) *Orchestrator {
	if opts.RunType == "" {
		opts.RunType = domain.RunManual
	}
	if opts.FetchLimit <= 0 {
		opts.FetchLimit = 200
	}
	if opts.LinkChunk <= 0 {
		opts.LinkChunk = 100
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		store:    st,
		source:   src,
		fetcher:  fetcher,
		embedder: embedder,
		opts:     opts,
		log:      log,
		now:      time.Now,
	}
}

// State returns the orchestrator's current state.
func (o *Orchestrator) State() State { return o.state }

func (o *Orchestrator) transition(s State) {
	o.log.Info("syncer: state", "from", o.state.String(), "to", s.String())
	o.state = s
}

// Run executes one full pipeline run and records exactly one SyncState.
// Per-item failures never abort the run; only a strict-checkpoint mismatch
// or an unreachable store do.
func (o *Orchestrator) Run(ctx context.Context) (domain.SyncState, error) {
	started := o.now()
	state := domain.SyncState{
		Timestamp: started,
		RunType:   o.opts.RunType,
		Metadata:  map[string]string{},
	}

	// Resolve the prior checkpoint before touching the source.
	var checkpoint string
	if o.opts.Checkpoint != ModeIgnore {
		latest, err := o.store.LatestSyncState(ctx)
		if err != nil {
			o.transition(StateIdle)
			return state, fmt.Errorf("syncer: resolve checkpoint: %w", err)
		}
		if latest != nil {
			checkpoint = latest.Checkpoint()
		}
	}
	// Carry the old checkpoint forward until a newer item supersedes it.
	if checkpoint != "" {
		state.Metadata[domain.MetaNewestID] = checkpoint
	}

	o.transition(StateFetchingSource)
	items, err := o.source.Fetch(ctx, o.opts.FetchLimit)
	if err != nil {
		return o.finish(ctx, state, checkpoint, fmt.Errorf("syncer: fetch source: %w", err))
	}

	o.transition(StateNormalizing)
	posts, rejected, found := o.consume(items, checkpoint)
	if rejected > 0 {
		o.log.Warn("syncer: items rejected by normalizer", "count", rejected)
	}
	if checkpoint != "" && !found && o.opts.Checkpoint == ModeStrict {
		return o.finish(ctx, state, checkpoint, ErrCheckpointNotFound)
	}
	if len(posts) > 0 {
		// Newest first: the first consumed post is the next checkpoint.
		state.Metadata[domain.MetaNewestID] = posts[0].ID
	}

	o.transition(StateDeduplicating)
	posts = fn.Filter(posts, func(p domain.Post) bool {
		return domain.ValidatePost(p) == nil
	})
	posts = fn.UniqueBy(posts, func(p domain.Post) string { return p.ID })
	upserted, err := o.store.UpsertPosts(ctx, posts)
	if err != nil {
		return o.finish(ctx, state, checkpoint, fmt.Errorf("syncer: upsert posts: %w", err))
	}
	state.PostsAdded = len(upserted.AddedIDs)
	o.log.Info("syncer: posts persisted",
		"added", len(upserted.AddedIDs), "skipped", len(upserted.UpdatedIDs))

	o.transition(StateExtractingLinks)
	if err := o.extractLinks(ctx, posts, upserted.AddedIDs); err != nil {
		return o.finish(ctx, state, checkpoint, err)
	}

	o.transition(StateFetchingMetadata)
	if o.fetcher != nil {
		processed, err := o.fetcher.Run(ctx)
		if err != nil {
			o.log.Warn("syncer: metadata fetch incomplete", "processed", processed, "error", err)
		}
		state.LinksProcessed = processed
	}

	o.transition(StateEmbedding)
	if o.embedder != nil {
		sum, err := o.embedder.Run(ctx)
		if err != nil {
			o.log.Warn("syncer: embedding incomplete", "embedded", sum.Embedded, "error", err)
		}
		state.EmbeddingsAdded = sum.Embedded
		if sum.Failed > 0 {
			o.log.Warn("syncer: embedding batches failed", "items", sum.Failed)
		}
	}

	return o.finish(ctx, state, checkpoint, nil)
}

// consume walks raw items newest-first, normalizing each, and stops as soon
// as the checkpoint identifier is encountered: items at and before it were
// processed by a prior run.
func (o *Orchestrator) consume(items []json.RawMessage, checkpoint string) (posts []domain.Post, rejected int, found bool) {
	fetchedAt := o.now().UTC()
	for _, raw := range items {
		post, ok := normalize.Item(raw, fetchedAt)
		if !ok {
			rejected++
			continue
		}
		if checkpoint != "" && post.ID == checkpoint {
			found = true
			break
		}
		posts = append(posts, post)
	}
	return posts, rejected, found
}

// extractLinks derives link candidates for the newly-added posts and
// persists them in store-sized chunks.
func (o *Orchestrator) extractLinks(ctx context.Context, posts []domain.Post, addedIDs []string) error {
	added := make(map[string]struct{}, len(addedIDs))
	for _, id := range addedIDs {
		added[id] = struct{}{}
	}
	newPosts := fn.Filter(posts, func(p domain.Post) bool {
		_, ok := added[p.ID]
		return ok
	})

	candidates := fn.Filter(links.FromPosts(newPosts), func(l domain.Link) bool {
		return domain.ValidateLink(l) == nil
	})
	for _, chunk := range fn.Chunk(candidates, o.opts.LinkChunk) {
		if _, err := o.store.UpsertLinks(ctx, chunk); err != nil {
			return fmt.Errorf("syncer: upsert links: %w", err)
		}
	}
	o.log.Info("syncer: links extracted", "posts", len(newPosts), "links", len(candidates))

	var withRaw []string
	for _, p := range newPosts {
		if len(p.RawData) > 0 {
			withRaw = append(withRaw, p.ID)
		}
	}
	if len(withRaw) > 0 {
		if err := o.store.MarkLinksExtracted(ctx, withRaw); err != nil {
			return fmt.Errorf("syncer: mark links extracted: %w", err)
		}
	}
	return nil
}

// finish records the run's single SyncState and returns to idle. On a fatal
// error the record carries the error message and the prior checkpoint, so
// the next run retries from the same position.
func (o *Orchestrator) finish(ctx context.Context, state domain.SyncState, prior string, runErr error) (domain.SyncState, error) {
	o.transition(StateRecordingCheckpoint)
	if runErr != nil {
		state.Error = runErr.Error()
		// A failed run must not advance the checkpoint past items that
		// were never persisted.
		if prior == "" {
			delete(state.Metadata, domain.MetaNewestID)
		} else {
			state.Metadata[domain.MetaNewestID] = prior
		}
	}
	if err := o.store.RecordSyncState(ctx, state); err != nil {
		o.transition(StateIdle)
		if runErr != nil {
			return state, runErr
		}
		return state, fmt.Errorf("syncer: record sync state: %w", err)
	}
	o.transition(StateIdle)
	return state, runErr
}
