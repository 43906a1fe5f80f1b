package store

import (
	"sync"
	"testing"
)

func TestAddGetDelete(t *testing.T) {
	tree := New(nil)
	tree.Add("/test/a/b", []byte("1"), 1)
	v, ok := tree.Get("/test/a/b")
	if !ok || string(v) != "1" {
		t.Fatalf("Get = %q, %v; want 1, true", v, ok)
	}

	tree.Add("/test/a/b", nil, 2)
	if _, ok := tree.Get("/test/a/b"); ok {
		t.Fatalf("Get after delete: expected not found")
	}
}

func TestDeleteKeepsBranchWithDescendants(t *testing.T) {
	tree := New(nil)
	tree.Add("/test/a", []byte("parent"), 1)
	tree.Add("/test/a/b", []byte("child"), 2)

	tree.Add("/test/a", nil, 3)
	if v, ok := tree.Get("/test/a/b"); !ok || string(v) != "child" {
		t.Fatalf("child should survive parent delete, got %q %v", v, ok)
	}
	if _, ok := tree.Get("/test/a"); ok {
		t.Fatalf("/test/a should have no value")
	}
}

func TestTimestampMonotonicAndCollisionBump(t *testing.T) {
	tree := New(nil)
	tree.Add("/test/x", []byte("1"), 5)
	tree.Add("/test/x", []byte("2"), 5) // colliding ts must still move forward
	ts := tree.Timestamp("/test/x")
	if ts <= 5 {
		t.Fatalf("expected timestamp to advance past collision, got %d", ts)
	}
}

func TestSearchOrderedAndFiltered(t *testing.T) {
	tree := New(nil)
	tree.Add("/test/zones/private", []byte("up"), 1)
	tree.Add("/test/zones/public", []byte("down"), 2)
	tree.Add("/test/zones/empty/leaf", nil, 3) // never had a value, no-op

	got := tree.Search("/test/zones")
	want := []string{"/test/zones/private", "/test/zones/public"}
	if len(got) != len(want) {
		t.Fatalf("Search = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Search[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestPrunePreOrderAndAncestorStamp(t *testing.T) {
	tree := New(nil)
	tree.Add("/test/a/b", []byte("1"), 1)
	tree.Add("/test/a/c", []byte("2"), 2)
	parentTsBefore := tree.Timestamp("/test")

	removed := tree.Prune("/test/a", 10)
	if len(removed) != 2 {
		t.Fatalf("expected 2 removed entries, got %d", len(removed))
	}
	if _, ok := tree.Get("/test/a/b"); ok {
		t.Fatalf("subtree should be gone")
	}
	if ts := tree.Timestamp("/test"); ts <= parentTsBefore {
		t.Fatalf("ancestor chain should be restamped, got %d vs %d", ts, parentTsBefore)
	}
}

func TestConcurrentWriteLockSerializesMutations(t *testing.T) {
	tree := New(nil)
	tree.Add("/test/counter", []byte{0}, 1)

	var wg sync.WaitGroup
	const n = 64
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tree.WithWriteLock(func(m *Mutator) {
				cur, _ := m.Get("/test/counter")
				next := int(cur[0]) + 1
				m.Add("/test/counter", []byte{byte(next)}, m.NextStamp(0))
			})
		}()
	}
	wg.Wait()

	got, _ := tree.Get("/test/counter")
	if got[0] != n {
		t.Fatalf("counter = %d, want %d (lost update under concurrent writers)", got[0], n)
	}
}
