package semantic

import (
	"fmt"

	"github.com/google/uuid"
)

// Record kinds stored in the collection.
const (
	KindPost = "post"
	KindLink = "link"
)

// SearchResult is a single similarity hit.
type SearchResult struct {
	ID      string            `json:"id"`
	Score   float32           `json:"score"`
	Kind    string            `json:"kind"`
	PostID  string            `json:"post_id"`
	Content string            `json:"content"`
	Meta    map[string]string `json:"meta"`
}

// VectorRecord is a single vector to upsert.
type VectorRecord struct {
	ID        string
	Embedding []float32
	Payload   map[string]any
}

// PostPointID derives a stable point ID for a post, so re-embedding upserts
// the same point.
func PostPointID(postID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("post:"+postID)).String()
}

// LinkPointID derives a stable point ID for a link.
func LinkPointID(postID, url string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("link:%s|%s", postID, url))).String()
}
