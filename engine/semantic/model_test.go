package semantic

import (
	"testing"

	"github.com/google/uuid"
)

func TestPostPointIDStable(t *testing.T) {
	a := PostPointID("1890000000000000001")
	b := PostPointID("1890000000000000001")
	if a != b {
		t.Fatalf("same post produced %q and %q", a, b)
	}
	if _, err := uuid.Parse(a); err != nil {
		t.Fatalf("point id %q is not a uuid: %v", a, err)
	}
	if PostPointID("other") == a {
		t.Fatal("distinct posts must map to distinct points")
	}
}

func TestLinkPointIDKeyedByPair(t *testing.T) {
	a := LinkPointID("1", "https://x.test/a")
	if a != LinkPointID("1", "https://x.test/a") {
		t.Fatal("same pair must map to the same point")
	}
	if a == LinkPointID("2", "https://x.test/a") {
		t.Fatal("same url under another post is a separate point")
	}
	if a == LinkPointID("1", "https://x.test/b") {
		t.Fatal("another url under the same post is a separate point")
	}
	if a == PostPointID("1") {
		t.Fatal("post and link namespaces must not collide")
	}
}
