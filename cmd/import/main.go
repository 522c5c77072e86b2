// Command import runs a one-shot sync from a bookmark export file: posts
// are normalized and persisted, links extracted and enriched, and
// embeddings generated when an embedding endpoint is configured.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

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
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	var (
		file       = flag.String("file", "", "bookmark export file (JSON)")
		backend    = flag.String("store", "sqlite", "store backend: sqlite or neo4j")
		dbPath     = flag.String("db", "quillstash.db", "sqlite database path")
		neo4jURL   = flag.String("neo4j", envOr("NEO4J_URL", "neo4j://localhost:7687"), "Neo4j bolt URL")
		neo4jUser  = flag.String("neo4j-user", envOr("NEO4J_USER", "neo4j"), "Neo4j username")
		neo4jPass  = flag.String("neo4j-pass", envOr("NEO4J_PASS", "password"), "Neo4j password")
		embedURL   = flag.String("embed-url", envOr("EMBED_URL", ""), "embedding API base URL (empty skips embeddings)")
		embedModel = flag.String("embed-model", envOr("EMBED_MODEL", "text-embedding-3-small"), "embedding model")
		embedDims  = flag.Int("embed-dims", 1536, "embedding dimensions")
		qdrantAddr = flag.String("qdrant", envOr("QDRANT_URL", ""), "Qdrant gRPC address (empty skips vector mirroring)")
		collection = flag.String("collection", envOr("QDRANT_COLLECTION", "quillstash"), "Qdrant collection name")
		fetchLinks = flag.Bool("fetch-links", true, "fetch page metadata for extracted links")
		checkpoint = flag.String("checkpoint", "ignore", "checkpoint mode: resume, strict, or ignore")
	)
	flag.Parse()

	log := slog.Default()
	if *file == "" {
		fmt.Fprintln(os.Stderr, "usage: import -file export.json [flags]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	st, err := openStore(ctx, *backend, *dbPath, *neo4jURL, *neo4jUser, *neo4jPass)
	if err != nil {
		log.Error("store open failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	var fetcher syncer.MetadataFetcher
	if *fetchLinks {
		fetcher = fetchmeta.New(st, fetchmeta.Opts{Logger: log})
	}

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

	mode, err := parseMode(*checkpoint)
	if err != nil {
		log.Error("bad checkpoint mode", "error", err)
		os.Exit(2)
	}

	orch := syncer.New(st, source.FileSource{Path: *file}, fetcher, embedder, syncer.Opts{
		RunType:    domain.RunManual,
		Checkpoint: mode,
		Logger:     log,
	})

	state, err := orch.Run(ctx)
	if err != nil {
		log.Error("import failed", "error", err)
		os.Exit(1)
	}
	log.Info("import complete",
		"posts_added", state.PostsAdded,
		"links_processed", state.LinksProcessed,
		"embeddings_added", state.EmbeddingsAdded)
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

func parseMode(s string) (syncer.CheckpointMode, error) {
	switch s {
	case "resume":
		return syncer.ModeResume, nil
	case "strict":
		return syncer.ModeStrict, nil
	case "ignore":
		return syncer.ModeIgnore, nil
	}
	return 0, fmt.Errorf("unknown checkpoint mode %q", s)
}
