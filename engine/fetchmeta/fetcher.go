// Package fetchmeta enriches stored links with fetched page metadata. URLs
// are arbitrary and untrusted: every request carries a timeout, response
// bodies are read through a hard cap, and one link's failure never aborts
// its siblings. Every attempt terminates by writing exactly one outcome —
// extracted metadata or a fetch error — so no link is left ambiguous.
package fetchmeta

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/quillstash/quillstash/engine/domain"
	"github.com/quillstash/quillstash/engine/links"
	"github.com/quillstash/quillstash/engine/store"
	"github.com/quillstash/quillstash/pkg/fn"
)

// Defaults.
const (
	DefaultWorkers   = 5
	DefaultBatchSize = 50
	DefaultTimeout   = 10 * time.Second

	// maxBodyBytes caps how much of an untrusted response is read.
	maxBodyBytes = 1 << 20

	// maxPasses bounds the drain loop even if outcome writes keep failing.
	maxPasses = 50

	userAgent  = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
	acceptHTML = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
)

// Opts configures a Fetcher.
type Opts struct {
	Workers   int
	BatchSize int
	Timeout   time.Duration
	// RequestsPerSecond throttles outbound fetches across all workers.
	// <= 0 disables throttling.
	RequestsPerSecond float64
	Logger            *slog.Logger
}

// Fetcher drains the store's backlog of unfetched links.
type Fetcher struct {
	store   store.Store
	client  *http.Client
	limiter *rate.Limiter
	opts    Opts
	log     *slog.Logger
}

// New creates a Fetcher over the given store.
func New(st store.Store, opts Opts) *Fetcher {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Workers)
	}

	return &Fetcher{
		store: st,
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: limiter,
		opts:    opts,
		log:     log,
	}
}

// Run drains the backlog: batches of unfetched links are processed with
// bounded concurrency until a pass yields zero candidates. Returns the
// number of links processed.
func (f *Fetcher) Run(ctx context.Context) (int, error) {
	total := 0
	for pass := 0; pass < maxPasses; pass++ {
		batch, err := f.store.LinksMissingMetadata(ctx, f.opts.BatchSize)
		if err != nil {
			return total, fmt.Errorf("fetchmeta: query candidates: %w", err)
		}
		if len(batch) == 0 {
			return total, nil
		}

		f.log.Info("fetchmeta: pass", "pass", pass, "candidates", len(batch))
		fn.ParEach(batch, f.opts.Workers, func(l domain.Link) {
			f.fetchOne(ctx, l)
		})
		total += len(batch)

		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
	return total, nil
}

// fetchOne performs the single fetch attempt for a link and records its
// terminal outcome. Errors are folded into the outcome, never returned.
func (f *Fetcher) fetchOne(ctx context.Context, l domain.Link) {
	meta, err := f.attempt(ctx, l)
	if err != nil {
		meta = store.LinkMetadata{Domain: l.Domain, FetchError: err.Error()}
	}
	if werr := f.store.SetLinkMetadata(ctx, l.PostID, l.URL, meta); werr != nil {
		f.log.Error("fetchmeta: record outcome", "post_id", l.PostID, "url", l.URL, "error", werr)
	}
}

func (f *Fetcher) wait(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	return f.limiter.Wait(ctx)
}

func (f *Fetcher) attempt(ctx context.Context, l domain.Link) (store.LinkMetadata, error) {
	target := l.Target()
	dom := l.Domain
	if dom == "" {
		dom = links.Domain(target)
	}
	meta := store.LinkMetadata{Domain: dom}

	// Shortener links are expanded first; the expansion may land on a
	// platform-internal domain, in which case only the domain is recorded.
	if dom == links.ShortLinkDomain {
		expanded, err := f.expand(ctx, target)
		if err != nil {
			return meta, fmt.Errorf("expand: %w", err)
		}
		target = expanded
		dom = links.Domain(expanded)
		meta.ExpandedURL = expanded
		meta.Domain = dom
		if links.Skipped(dom) {
			return meta, nil
		}
	}

	if err := f.wait(ctx); err != nil {
		return meta, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return meta, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", acceptHTML)

	resp, err := f.client.Do(req)
	if err != nil {
		return meta, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return meta, fmt.Errorf("status %d", resp.StatusCode)
	}

	ctype := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(ctype); err == nil {
		ctype = mt
	}
	meta.ContentType = ctype

	// Non-HTML content: record what we know, attempt no extraction.
	if !isHTML(ctype) {
		return meta, nil
	}

	page, err := ExtractPageMeta(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return meta, fmt.Errorf("parse html: %w", err)
	}
	meta.Title = page.Title
	meta.Description = page.Description
	meta.ImageURL = page.ImageURL
	return meta, nil
}

// expand issues a HEAD request following redirects and returns the final URL.
func (f *Fetcher) expand(ctx context.Context, short string) (string, error) {
	if err := f.wait(ctx); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, short, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	resp.Body.Close()
	return resp.Request.URL.String(), nil
}

func isHTML(ctype string) bool {
	return strings.HasPrefix(ctype, "text/html") ||
		strings.HasPrefix(ctype, "application/xhtml+xml")
}
