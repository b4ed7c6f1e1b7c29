package requestid

import (
	"context"
	"net/http"
	"sync"
	"testing"
)

func TestMint_Unique(t *testing.T) {
	const workers, perWorker = 8, 500

	var mu sync.Mutex
	seen := make(map[string]bool, workers*perWorker)

	var wg sync.WaitGroup
	for range workers {
		wg.Go(func() {
			for range perWorker {
				id := Mint()
				mu.Lock()
				if seen[id] {
					t.Errorf("duplicate id %q", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		})
	}
	wg.Wait()
}

func TestMint_FixedLength(t *testing.T) {
	for range 100 {
		if got := len(Mint()); got != 36 {
			t.Fatalf("len(Mint()) = %d, want 36", got)
		}
	}
}

func TestAttach_Replaces(t *testing.T) {
	h := http.Header{}
	h.Set("x-request-id", "caller-chosen")

	Attach("abc", h)

	if got := h.Values(Header); len(got) != 1 || got[0] != "abc" {
		t.Errorf("X-Request-Id = %v, want [abc]", got)
	}
}

func TestContext_RoundTrip(t *testing.T) {
	ctx := NewContext(context.Background(), "abc")
	if got := FromContext(ctx); got != "abc" {
		t.Errorf("FromContext() = %q, want %q", got, "abc")
	}
	if got := FromContext(context.Background()); got != "unknown" {
		t.Errorf("FromContext(empty) = %q, want %q", got, "unknown")
	}
}
