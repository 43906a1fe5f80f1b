package apteryxserver_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apteryxio/apteryxd/id"
	"github.com/apteryxio/apteryxd/rpc"
	"github.com/apteryxio/apteryxd/wire"
)

func TestRefresherTTLBoundsInvocations(t *testing.T) {
	e, local := newTestDaemon(t)
	ctx := context.Background()

	const ttlUs = 50 * 1000 // 50ms
	var calls atomic.Int32
	_, err := local.Refresh(ctx, "/test/if/*", func(ctx context.Context, prefix string) (uint64, error) {
		calls.Add(1)
		status := e.Set(ctx, id.Originator("refresher"),
			[]rpc.SetOp{{Path: "/test/if/eth0", Value: []byte("0")}}, wire.TSAny)
		if status != wire.StatusOK {
			t.Errorf("refresher set = %v", status)
		}
		return ttlUs, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if v, ok := e.Get(ctx, id.LocalOriginator, "/test/if/eth0"); !ok || string(v) != "0" {
		t.Fatalf("Get = %q,%v, want 0,true", v, ok)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("refresher ran %d times, want 1", n)
	}

	// Within the TTL the cached result is reused.
	if _, ok := e.Get(ctx, id.LocalOriginator, "/test/if/eth0"); !ok {
		t.Fatal("value should still be present")
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("refresher ran %d times within TTL, want 1", n)
	}

	time.Sleep(60 * time.Millisecond)
	if _, ok := e.Get(ctx, id.LocalOriginator, "/test/if/eth0"); !ok {
		t.Fatal("value should be refreshed")
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("refresher ran %d times after TTL expiry, want 2", n)
	}
}

func TestProviderSynthesizesAndIsShadowedByStore(t *testing.T) {
	e, local := newTestDaemon(t)
	ctx := context.Background()

	_, err := local.Provide(ctx, "/test/cpu/*", func(ctx context.Context, path string) ([]byte, bool) {
		return []byte("provided"), true
	})
	if err != nil {
		t.Fatal(err)
	}

	if v, ok := e.Get(ctx, id.LocalOriginator, "/test/cpu/load"); !ok || string(v) != "provided" {
		t.Fatalf("Get = %q,%v, want provided,true", v, ok)
	}

	// A stored value shadows the provider for the same path.
	set(t, e, "/test/cpu/load", "stored")
	if v, _ := e.Get(ctx, id.LocalOriginator, "/test/cpu/load"); string(v) != "stored" {
		t.Fatalf("Get = %q, want stored", v)
	}

	// Providers do not contribute to search results.
	if got := e.Search(ctx, id.LocalOriginator, "/test/cpu"); len(got) != 1 || got[0] != "/test/cpu/load" {
		t.Fatalf("Search = %v, want only the stored leaf", got)
	}
}

func TestSearchMergesIndexerAndStoredChildren(t *testing.T) {
	e, local := newTestDaemon(t)
	ctx := context.Background()

	set(t, e, "/test/animals/cat", "meow")
	_, err := local.Index(ctx, "/test/animals/*", func(ctx context.Context, prefix string) ([]string, error) {
		return []string{"/test/animals/dog", "/test/animals/cat"}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	got := e.Search(ctx, id.LocalOriginator, "/test/animals")
	want := []string{"/test/animals/cat", "/test/animals/dog"}
	if len(got) != len(want) {
		t.Fatalf("Search = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Search[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTraverseReturnsWholeSubtree(t *testing.T) {
	e, _ := newTestDaemon(t)
	ctx := context.Background()

	set(t, e, "/test/net/eth0/state", "up")
	set(t, e, "/test/net/eth0/speed", "1000")
	set(t, e, "/test/net/eth1/state", "down")

	leaves := e.Traverse(ctx, id.LocalOriginator, "/test/net")
	if len(leaves) != 3 {
		t.Fatalf("Traverse = %d leaves, want 3", len(leaves))
	}
	byPath := make(map[string]string)
	for _, l := range leaves {
		byPath[l.Path] = string(l.Value)
	}
	if byPath["/test/net/eth0/speed"] != "1000" || byPath["/test/net/eth1/state"] != "down" {
		t.Fatalf("Traverse = %v", byPath)
	}
}

func TestFindMatchesFiltersAcrossWildcards(t *testing.T) {
	e, _ := newTestDaemon(t)
	ctx := context.Background()

	set(t, e, "/test/zones/private/state", "up")
	set(t, e, "/test/zones/public/state", "down")
	set(t, e, "/test/zones/dmz/state", "up")

	got := e.Find(ctx, id.LocalOriginator, "/test/zones/*",
		[]wire.Leaf{{Path: "state", Value: []byte("up")}})
	want := []string{"/test/zones/dmz", "/test/zones/private"}
	if len(got) != len(want) {
		t.Fatalf("Find = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Find[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	// AND semantics: adding a second filter narrows the result.
	set(t, e, "/test/zones/private/mode", "nat")
	got = e.Find(ctx, id.LocalOriginator, "/test/zones/*", []wire.Leaf{
		{Path: "state", Value: []byte("up")},
		{Path: "mode", Value: []byte("nat")},
	})
	if len(got) != 1 || got[0] != "/test/zones/private" {
		t.Fatalf("Find with two filters = %v, want [/test/zones/private]", got)
	}
}

func TestQueryExpandsTemplateWildcards(t *testing.T) {
	e, _ := newTestDaemon(t)
	ctx := context.Background()

	set(t, e, "/test/zones/private/state", "up")
	set(t, e, "/test/zones/public/state", "down")
	set(t, e, "/test/zones/public/mode", "routed")

	got := e.Query(ctx, id.LocalOriginator, []wire.Leaf{{Path: "/test/zones/*/state"}})
	if len(got) != 2 {
		t.Fatalf("Query = %v, want 2 leaves", got)
	}
	byPath := make(map[string]string)
	for _, l := range got {
		byPath[l.Path] = string(l.Value)
	}
	if byPath["/test/zones/private/state"] != "up" || byPath["/test/zones/public/state"] != "down" {
		t.Fatalf("Query = %v", byPath)
	}

	// A trailing * pulls whole subtrees.
	got = e.Query(ctx, id.LocalOriginator, []wire.Leaf{{Path: "/test/zones/public/*"}})
	if len(got) != 2 {
		t.Fatalf("Query subtree = %v, want 2 leaves", got)
	}
}

func TestBinaryValuesRoundTrip(t *testing.T) {
	e, _ := newTestDaemon(t)
	ctx := context.Background()

	payload := []byte{0x01, 0x00, 0xFF, 0x00, 0x7F}
	status := e.Set(ctx, id.LocalOriginator,
		[]rpc.SetOp{{Path: "/test/blob", Value: payload}}, wire.TSAny)
	if status != wire.StatusOK {
		t.Fatalf("Set = %v", status)
	}
	got, ok := e.Get(ctx, id.LocalOriginator, "/test/blob")
	if !ok || len(got) != len(payload) {
		t.Fatalf("Get = %v,%v", got, ok)
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, got[i], payload[i])
		}
	}
}
