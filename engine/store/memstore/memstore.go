// Package memstore implements the store contract in memory. It backs unit
// tests and throwaway runs; nothing survives process exit.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quillstash/quillstash/engine/domain"
	"github.com/quillstash/quillstash/engine/store"
)

type linkKey struct {
	postID string
	url    string
}

// Store is an in-memory store.Store.
type Store struct {
	mu        sync.Mutex
	posts     map[string]*domain.Post
	postOrder []string
	links     map[linkKey]*domain.Link
	linkOrder []linkKey
	states    []domain.SyncState
	now       func() time.Time
}

var _ store.Store = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{
		posts: make(map[string]*domain.Post),
		links: make(map[linkKey]*domain.Link),
		now:   time.Now,
	}
}

func (s *Store) Close() error { return nil }

// UpsertPosts inserts new posts and refreshes engagement counters on known ones.
func (s *Store) UpsertPosts(_ context.Context, posts []domain.Post) (store.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res store.UpsertResult
	for _, p := range posts {
		if cur, ok := s.posts[p.ID]; ok {
			cur.ReplyCount = p.ReplyCount
			cur.RepostCount = p.RepostCount
			cur.LikeCount = p.LikeCount
			res.UpdatedIDs = append(res.UpdatedIDs, p.ID)
			continue
		}
		cp := p
		s.posts[p.ID] = &cp
		s.postOrder = append(s.postOrder, p.ID)
		res.AddedIDs = append(res.AddedIDs, p.ID)
	}
	return res, nil
}

// UpsertLinks inserts link candidates, leaving existing rows untouched.
func (s *Store) UpsertLinks(_ context.Context, ls []domain.Link) (store.LinkUpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res store.LinkUpsertResult
	for _, l := range ls {
		k := linkKey{l.PostID, l.URL}
		if _, ok := s.links[k]; ok {
			res.Updated++
			continue
		}
		cp := l
		s.links[k] = &cp
		s.linkOrder = append(s.linkOrder, k)
		res.Inserted++
	}
	return res, nil
}

func (s *Store) PostsMissingEmbedding(_ context.Context, limit int) ([]domain.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Post
	for _, id := range s.postOrder {
		p := s.posts[id]
		if p.Embedding == nil {
			out = append(out, *p)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) LinksMissingMetadata(_ context.Context, limit int) ([]domain.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Link
	for _, k := range s.linkOrder {
		l := s.links[k]
		if l.FetchedAt == nil && l.FetchError == "" {
			out = append(out, *l)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) LinksMissingEmbedding(_ context.Context, limit int) ([]domain.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Link
	for _, k := range s.linkOrder {
		l := s.links[k]
		if l.FetchedAt != nil && l.FetchError == "" && l.Title != "" && l.Embedding == nil {
			out = append(out, *l)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) SetPostEmbedding(_ context.Context, id string, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.posts[id]; ok {
		p.Embedding = vec
		t := s.now().UTC()
		p.ProcessedAt = &t
	}
	return nil
}

func (s *Store) SetLinkMetadata(_ context.Context, postID, url string, meta store.LinkMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[linkKey{postID, url}]
	if !ok {
		return nil
	}
	if meta.ExpandedURL != "" {
		l.ExpandedURL = meta.ExpandedURL
	}
	if meta.Domain != "" {
		l.Domain = meta.Domain
	}
	l.Title = meta.Title
	l.Description = meta.Description
	l.ImageURL = meta.ImageURL
	l.ContentType = meta.ContentType
	l.FetchError = meta.FetchError
	t := s.now().UTC()
	l.FetchedAt = &t
	return nil
}

func (s *Store) SetLinkEmbedding(_ context.Context, postID, url string, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.links[linkKey{postID, url}]; ok {
		l.Embedding = vec
	}
	return nil
}

func (s *Store) MarkLinksExtracted(_ context.Context, postIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range postIDs {
		if p, ok := s.posts[id]; ok {
			p.LinksExtracted = true
		}
	}
	return nil
}

func (s *Store) RecordSyncState(_ context.Context, state domain.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
	return nil
}

func (s *Store) LatestSyncState(_ context.Context) (*domain.SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.states) == 0 {
		return nil, nil
	}
	// Latest by timestamp, insertion order breaking ties.
	best := s.states[0]
	for _, st := range s.states[1:] {
		if !st.Timestamp.Before(best.Timestamp) {
			best = st
		}
	}
	return &best, nil
}

func (s *Store) PostByID(_ context.Context, id string) (*domain.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.posts[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (s *Store) PostsByAuthor(_ context.Context, handle string, limit int) ([]domain.Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Post
	for _, id := range s.postOrder {
		p := s.posts[id]
		if strings.EqualFold(p.AuthorHandle, handle) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].CreatedAt, out[j].CreatedAt
		switch {
		case ti == nil:
			return false
		case tj == nil:
			return true
		}
		return ti.After(*tj)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) LinksByDomain(_ context.Context, dom string, limit int) ([]domain.Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Link
	for _, k := range s.linkOrder {
		l := s.links[k]
		if l.Domain == dom {
			out = append(out, *l)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) Stats(_ context.Context) (store.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := store.Stats{Posts: len(s.posts), Links: len(s.links), SyncRuns: len(s.states)}
	for _, p := range s.posts {
		if p.Embedding != nil {
			st.PostsEmbedded++
		}
	}
	for _, l := range s.links {
		if l.FetchedAt != nil {
			st.LinksFetched++
		}
		if l.Embedding != nil {
			st.LinksEmbedded++
		}
	}
	return st, nil
}

// SyncStates returns all recorded run records, oldest first.
func (s *Store) SyncStates() []domain.SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SyncState, len(s.states))
	copy(out, s.states)
	return out
}

// Link returns the stored link, or nil.
func (s *Store) Link(postID, url string) *domain.Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.links[linkKey{postID, url}]; ok {
		cp := *l
		return &cp
	}
	return nil
}
