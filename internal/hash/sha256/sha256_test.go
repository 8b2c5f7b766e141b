package sha256

import "testing"

// TestHasherDeterministic ensures repeated hashing yields the same digest.
func TestHasherDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got := h.Hash([]byte("hello world")); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if got := h.ETag([]byte("hello world")); got != `"`+want+`"` {
		t.Fatalf("unexpected etag %s", got)
	}
}
