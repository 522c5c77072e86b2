// Command syncd runs the sync pipeline on a schedule. Runs can also be
// triggered over NATS, and every run publishes a completion event. A
// Prometheus /metrics endpoint reports run outcomes and durations.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/quillstash/quillstash/engine/domain"
	"github.com/quillstash/quillstash/engine/embed"
	"github.com/quillstash/quillstash/engine/fetchmeta"
	"github.com/quillstash/quillstash/engine/semantic"
	"github.com/quillstash/quillstash/engine/source"
	"github.com/quillstash/quillstash/engine/store"
	"github.com/quillstash/quillstash/engine/store/neo4jstore"
	"github.com/quillstash/quillstash/engine/store/sqlitestore"
	"github.com/quillstash/quillstash/engine/syncer"
	"github.com/quillstash/quillstash/pkg/embedx"
	"github.com/quillstash/quillstash/pkg/metrics"
	"github.com/quillstash/quillstash/pkg/natsutil"
)

var met = metrics.New()

var (
	mRunsTotal  = func(result string) *metrics.Counter { return met.Counter(metrics.WithLabels("quillstash_sync_runs_total", "result", result), "Total sync runs") }
	mPostsAdded = met.Counter("quillstash_sync_posts_added_total", "Posts persisted across all runs")
	mLinksDone  = met.Counter("quillstash_sync_links_processed_total", "Links processed across all runs")
	mEmbeddings = met.Counter("quillstash_sync_embeddings_added_total", "Embeddings generated across all runs")
	mLastRun    = met.Gauge("quillstash_sync_last_run_timestamp", "Epoch of last completed run")
	mRunDur     = met.Histogram("quillstash_sync_run_duration_seconds", "Full pipeline run time", nil)
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	var (
		backend     = flag.String("store", "sqlite", "store backend: sqlite or neo4j")
		dbPath      = flag.String("db", "quillstash.db", "sqlite database path")
		neo4jURL    = flag.String("neo4j", envOr("NEO4J_URL", "neo4j://localhost:7687"), "Neo4j bolt URL")
		neo4jUser   = flag.String("neo4j-user", envOr("NEO4J_USER", "neo4j"), "Neo4j username")
		neo4jPass   = flag.String("neo4j-pass", envOr("NEO4J_PASS", "password"), "Neo4j password")
		apiBase     = flag.String("api", envOr("BOOKMARK_API_URL", ""), "bookmark API base URL")
		embedURL    = flag.String("embed-url", envOr("EMBED_URL", ""), "embedding API base URL (empty skips embeddings)")
		embedModel  = flag.String("embed-model", envOr("EMBED_MODEL", "text-embedding-3-small"), "embedding model")
		embedDims   = flag.Int("embed-dims", 1536, "embedding dimensions")
		qdrantAddr  = flag.String("qdrant", envOr("QDRANT_URL", ""), "Qdrant gRPC address (empty skips vector mirroring)")
		collection  = flag.String("collection", envOr("QDRANT_COLLECTION", "quillstash"), "Qdrant collection name")
		natsURL     = flag.String("nats", envOr("NATS_URL", ""), "NATS URL for triggers and events (empty disables)")
		interval    = flag.Duration("interval", 15*time.Minute, "scheduled run interval")
		fetchLimit  = flag.Int("fetch-limit", 200, "items to request from the bookmark API per run")
		strict      = flag.Bool("strict", false, "fail runs whose checkpoint falls outside the fetched window")
		metricsPort = flag.Int("metrics-port", 9105, "Prometheus metrics port")
	)
	flag.Parse()

	log := slog.Default()
	if *apiBase == "" {
		fmt.Fprintln(os.Stderr, "syncd: -api (or BOOKMARK_API_URL) is required")
		os.Exit(2)
	}

	met.ServeAsync(*metricsPort)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	st, err := openStore(ctx, *backend, *dbPath, *neo4jURL, *neo4jUser, *neo4jPass)
	if err != nil {
		log.Error("store open failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	src := source.NewAPISource(*apiBase, os.Getenv("BOOKMARK_API_TOKEN"))
	fetcher := fetchmeta.New(st, fetchmeta.Opts{Logger: log})

	var embedder syncer.EmbeddingGenerator
	if *embedURL != "" {
		client := embedx.NewClient(*embedURL, os.Getenv("EMBED_API_KEY"), *embedModel, *embedDims)

		var sink embed.VectorSink
		if *qdrantAddr != "" {
			vs, err := semantic.New(*qdrantAddr, *collection)
			if err != nil {
				log.Error("qdrant connect failed", "error", err)
				os.Exit(1)
			}
			defer vs.Close()
			if err := vs.EnsureCollection(ctx, *embedDims); err != nil {
				log.Error("qdrant ensure collection failed", "error", err)
				os.Exit(1)
			}
			sink = vs
		}
		embedder = embed.New(st, client, sink, embed.Opts{Logger: log})
	}

	mode := syncer.ModeResume
	if *strict {
		mode = syncer.ModeStrict
	}

	var nc *nats.Conn
	if *natsURL != "" {
		nc, err = nats.Connect(*natsURL, nats.Name("quillstash-syncd"))
		if err != nil {
			log.Error("nats connect failed", "error", err)
			os.Exit(1)
		}
		defer nc.Close()
	}

	// Serialize runs: a trigger arriving mid-run queues at most one more.
	kick := make(chan string, 1)
	if nc != nil {
		_, err := natsutil.Subscribe(nc, natsutil.SubjectSyncTrigger, func(_ context.Context, t natsutil.SyncTrigger) {
			log.Info("sync trigger received", "reason", t.Reason)
			select {
			case kick <- domain.RunManual:
			default:
			}
		})
		if err != nil {
			log.Error("nats subscribe failed", "error", err)
			os.Exit(1)
		}
		log.Info("listening for sync triggers", "subject", natsutil.SubjectSyncTrigger)
	}

	runOnce := func(runType string) {
		start := time.Now()
		orch := syncer.New(st, src, fetcher, embedder, syncer.Opts{
			RunType:    runType,
			Checkpoint: mode,
			FetchLimit: *fetchLimit,
			Logger:     log,
		})
		state, err := orch.Run(ctx)
		mRunDur.Since(start)
		mLastRun.Set(time.Now().Unix())
		if err != nil {
			mRunsTotal("error").Inc()
			log.Error("sync run failed", "run_type", runType, "error", err)
		} else {
			mRunsTotal("ok").Inc()
			mPostsAdded.Add(int64(state.PostsAdded))
			mLinksDone.Add(int64(state.LinksProcessed))
			mEmbeddings.Add(int64(state.EmbeddingsAdded))
			log.Info("sync run complete", "run_type", runType,
				"posts_added", state.PostsAdded,
				"links_processed", state.LinksProcessed,
				"embeddings_added", state.EmbeddingsAdded,
				"took", time.Since(start))
		}
		if nc != nil {
			ev := natsutil.SyncCompleted{
				Timestamp:       state.Timestamp,
				RunType:         state.RunType,
				PostsAdded:      state.PostsAdded,
				LinksProcessed:  state.LinksProcessed,
				EmbeddingsAdded: state.EmbeddingsAdded,
				Error:           state.Error,
			}
			if err := natsutil.Publish(ctx, nc, natsutil.SubjectSyncCompleted, ev); err != nil {
				log.Warn("publish sync event failed", "error", err)
			}
		}
	}

	log.Info("syncd started", "interval", *interval, "store", *backend)
	runOnce(domain.RunScheduled)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return
		case <-ticker.C:
			runOnce(domain.RunScheduled)
		case runType := <-kick:
			runOnce(runType)
		}
	}
}

func openStore(ctx context.Context, backend, dbPath, url, user, pass string) (store.Store, error) {
	switch backend {
	case "sqlite":
		return sqlitestore.Open(dbPath)
	case "neo4j":
		driver, err := neo4j.NewDriverWithContext(url, neo4j.BasicAuth(user, pass, ""))
		if err != nil {
			return nil, err
		}
		if err := driver.VerifyConnectivity(ctx); err != nil {
			return nil, err
		}
		return neo4jstore.New(driver), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
