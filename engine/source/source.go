// Package source abstracts where raw bookmark items come from: a static
// export file for one-shot imports, or the platform bookmarks API for
// incremental runs. Items are returned raw; normalization happens later.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/quillstash/quillstash/engine/normalize"
)

// Source yields raw export items in reverse-chronological order (newest
// first), which is what checkpoint consumption assumes.
type Source interface {
	Fetch(ctx context.Context, limit int) ([]json.RawMessage, error)
}

// FileSource reads a static export file. A top-level non-array JSON value
// is treated as a single-item array.
type FileSource struct {
	Path string
}

// Fetch reads and decodes the export file. limit is ignored: a file is one
// complete window.
func (f FileSource) Fetch(_ context.Context, _ int) ([]json.RawMessage, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("source: read %s: %w", f.Path, err)
	}
	items, err := normalize.DecodeExport(data)
	if err != nil {
		return nil, fmt.Errorf("source: decode %s: %w", f.Path, err)
	}
	return items, nil
}

// APISource fetches recent bookmarks from the platform API with a bearer
// token. Authentication acquisition is out of scope; the token is supplied.
type APISource struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

// NewAPISource creates an APISource against the given base URL.
func NewAPISource(baseURL, token string) *APISource {
	return &APISource{
		baseURL: baseURL,
		token:   token,
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		// The bookmarks endpoint is aggressively rate limited.
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

type apiResponse struct {
	Items []json.RawMessage `json:"items"`
}

// Fetch returns up to limit recent bookmark items, newest first.
func (s *APISource) Fetch(ctx context.Context, limit int) ([]json.RawMessage, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	if limit > 0 {
		params.Set("count", strconv.Itoa(limit))
	}
	endpoint := s.baseURL + "/bookmarks"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("source: fetch bookmarks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source: bookmarks status %d", resp.StatusCode)
	}

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("source: decode bookmarks: %w", err)
	}
	return parsed.Items, nil
}
