package source

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestFileSourceReadsArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.json")
	if err := os.WriteFile(path, []byte(`[{"id":"1"},{"id":"2"}]`), 0o644); err != nil {
		t.Fatal(err)
	}

	items, err := FileSource{Path: path}.Fetch(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d", len(items))
	}
}

func TestFileSourceWrapsSingleObject(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.json")
	if err := os.WriteFile(path, []byte(`{"id":"1"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	items, err := FileSource{Path: path}.Fetch(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("items = %d", len(items))
	}
}

func TestFileSourceMissingFile(t *testing.T) {
	_, err := FileSource{Path: filepath.Join(t.TempDir(), "absent.json")}.Fetch(context.Background(), 0)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestAPISourceFetch(t *testing.T) {
	var gotAuth, gotCount string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bookmarks" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotCount = r.URL.Query().Get("count")
		json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{{"id": "105"}, {"id": "104"}},
		})
	}))
	defer srv.Close()

	s := NewAPISource(srv.URL, "tok-123")
	items, err := s.Fetch(context.Background(), 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d", len(items))
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotCount != "50" {
		t.Errorf("count = %q", gotCount)
	}
}

func TestAPISourceOmitsCountWhenUnlimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RawQuery != "" {
			t.Errorf("query = %q", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(apiResponse{})
	}))
	defer srv.Close()

	items, err := NewAPISource(srv.URL, "tok").Fetch(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("items = %d", len(items))
	}
}

func TestAPISourceNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	if _, err := NewAPISource(srv.URL, "tok").Fetch(context.Background(), 10); err == nil {
		t.Fatal("expected status error")
	}
}
