// Command search embeds a query and prints the nearest stashed posts and
// links from the vector store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/quillstash/quillstash/engine/semantic"
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
		embedURL   = flag.String("embed-url", envOr("EMBED_URL", ""), "embedding API base URL")
		embedModel = flag.String("embed-model", envOr("EMBED_MODEL", "text-embedding-3-small"), "embedding model")
		embedDims  = flag.Int("embed-dims", 1536, "embedding dimensions")
		qdrantAddr = flag.String("qdrant", envOr("QDRANT_URL", "localhost:6334"), "Qdrant gRPC address")
		collection = flag.String("collection", envOr("QDRANT_COLLECTION", "quillstash"), "Qdrant collection name")
		kind       = flag.String("kind", "", "restrict results to post or link")
		topK       = flag.Int("top", 10, "number of results")
	)
	flag.Parse()

	log := slog.Default()
	query := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if query == "" || *embedURL == "" {
		fmt.Fprintln(os.Stderr, "usage: search -embed-url URL [flags] <query>")
		flag.PrintDefaults()
		os.Exit(2)
	}

	ctx := context.Background()

	client := embedx.NewClient(*embedURL, os.Getenv("EMBED_API_KEY"), *embedModel, *embedDims)
	vecs, err := client.Embed(ctx, []string{query})
	if err != nil {
		log.Error("embed query failed", "error", err)
		os.Exit(1)
	}

	vs, err := semantic.New(*qdrantAddr, *collection)
	if err != nil {
		log.Error("qdrant connect failed", "error", err)
		os.Exit(1)
	}
	defer vs.Close()

	results, err := vs.Search(ctx, vecs[0], *topK, *kind)
	if err != nil {
		log.Error("search failed", "error", err)
		os.Exit(1)
	}

	if len(results) == 0 {
		fmt.Println("no results")
		return
	}
	for i, r := range results {
		fmt.Printf("%2d. [%.3f] %-4s %s\n", i+1, r.Score, r.Kind, firstLine(r.Content))
		if u := r.Meta["url"]; u != "" {
			fmt.Printf("    %s\n", u)
		}
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120] + "…"
	}
	return s
}
