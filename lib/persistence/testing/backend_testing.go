package testing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/ValentinKolb/beanrt/lib/persistence"
)

// BackendFactory creates a new, empty backend.
type BackendFactory func(t testing.TB) persistence.Backend

// RunBackendTests runs the conformance suite for a persistence.Backend.
func RunBackendTests(t *testing.T, name string, factory BackendFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Put&Get", func(t *testing.T) {
			testPutGet(t, open(t, factory))
		})

		t.Run("Insert", func(t *testing.T) {
			testInsert(t, open(t, factory))
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, open(t, factory))
		})

		t.Run("Scan", func(t *testing.T) {
			testScan(t, open(t, factory))
		})

		t.Run("BeanIsolation", func(t *testing.T) {
			testBeanIsolation(t, open(t, factory))
		})

		t.Run("EdgeCases", func(t *testing.T) {
			testEdgeCases(t, open(t, factory))
		})

		t.Run("ConcurrentInsert", func(t *testing.T) {
			testConcurrentInsert(t, open(t, factory))
		})
	})
}

// RunBackendBenchmarks runs the benchmark suite for a persistence.Backend.
func RunBackendBenchmarks(b *testing.B, name string, factory BackendFactory) {
	b.Run(name, func(b *testing.B) {
		b.Run("Put", func(b *testing.B) {
			s := open(b, factory)
			value := bytes.Repeat([]byte("x"), 128)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := s.Put(context.Background(), "bench", fmt.Sprintf("k%d", i%1024), value); err != nil {
					b.Fatal(err)
				}
			}
		})

		b.Run("Get", func(b *testing.B) {
			s := open(b, factory)
			for i := 0; i < 1024; i++ {
				if err := s.Put(context.Background(), "bench", fmt.Sprintf("k%d", i), []byte("v")); err != nil {
					b.Fatal(err)
				}
			}
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := s.Get(context.Background(), "bench", fmt.Sprintf("k%d", i%1024)); err != nil {
					b.Fatal(err)
				}
			}
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func open(t testing.TB, factory BackendFactory) persistence.Backend {
	t.Helper()
	s := factory(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustGet(t *testing.T, s persistence.Backend, bean, key string) []byte {
	t.Helper()
	v, err := s.Get(context.Background(), bean, key)
	if err != nil {
		t.Fatalf("Get(%s, %s) error = %v", bean, key, err)
	}
	return v
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testPutGet(t *testing.T, s persistence.Backend) {
	ctx := context.Background()

	if _, err := s.Get(ctx, "Account", "a"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("Get on empty backend: want ErrNotFound, got %v", err)
	}

	if err := s.Put(ctx, "Account", "a", []byte("v1")); err != nil {
		t.Fatalf("Put error = %v", err)
	}
	if got := mustGet(t, s, "Account", "a"); !bytes.Equal(got, []byte("v1")) {
		t.Errorf("Get = %q, want %q", got, "v1")
	}

	// overwrite
	if err := s.Put(ctx, "Account", "a", []byte("v2")); err != nil {
		t.Fatalf("Put error = %v", err)
	}
	if got := mustGet(t, s, "Account", "a"); !bytes.Equal(got, []byte("v2")) {
		t.Errorf("Get after overwrite = %q, want %q", got, "v2")
	}

	// returned slices are not aliased with the stored value
	got := mustGet(t, s, "Account", "a")
	got[0] = 'X'
	if again := mustGet(t, s, "Account", "a"); !bytes.Equal(again, []byte("v2")) {
		t.Errorf("stored value changed through returned slice: %q", again)
	}
}

func testInsert(t *testing.T, s persistence.Backend) {
	ctx := context.Background()

	if err := s.Insert(ctx, "Account", "a", []byte("first")); err != nil {
		t.Fatalf("Insert error = %v", err)
	}
	err := s.Insert(ctx, "Account", "a", []byte("second"))
	if !errors.Is(err, persistence.ErrDuplicate) {
		t.Fatalf("second Insert: want ErrDuplicate, got %v", err)
	}
	if got := mustGet(t, s, "Account", "a"); !bytes.Equal(got, []byte("first")) {
		t.Errorf("duplicate Insert changed the value to %q", got)
	}
}

func testDelete(t *testing.T, s persistence.Backend) {
	ctx := context.Background()

	if err := s.Delete(ctx, "Account", "missing"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("Delete of missing key: want ErrNotFound, got %v", err)
	}
	if err := s.Put(ctx, "Account", "a", []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "Account", "a"); err != nil {
		t.Fatalf("Delete error = %v", err)
	}
	if _, err := s.Get(ctx, "Account", "a"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("Get after Delete: want ErrNotFound, got %v", err)
	}
	// a deleted key can be inserted again
	if err := s.Insert(ctx, "Account", "a", []byte("again")); err != nil {
		t.Fatalf("Insert after Delete error = %v", err)
	}
}

func testScan(t *testing.T, s persistence.Backend) {
	ctx := context.Background()
	want := map[string]string{}
	for i := 0; i < 25; i++ {
		k, v := fmt.Sprintf("k%02d", i), fmt.Sprintf("v%d", i)
		want[k] = v
		if err := s.Put(ctx, "Account", k, []byte(v)); err != nil {
			t.Fatal(err)
		}
	}

	got := map[string]string{}
	if err := s.Scan(ctx, "Account", func(key string, state []byte) bool {
		got[key] = string(state)
		return true
	}); err != nil {
		t.Fatalf("Scan error = %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("Scan returned %d keys, want %d", len(got), len(want))
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("Scan[%s] = %q, want %q", k, got[k], v)
		}
	}

	// early stop
	n := 0
	if err := s.Scan(ctx, "Account", func(string, []byte) bool {
		n++
		return n < 3
	}); err != nil {
		t.Fatalf("Scan error = %v", err)
	}
	if n != 3 {
		t.Errorf("Scan visited %d keys after stop, want 3", n)
	}
}

func testBeanIsolation(t *testing.T, s persistence.Backend) {
	ctx := context.Background()
	if err := s.Put(ctx, "Account", "same", []byte("account")); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "Customer", "same", []byte("customer")); err != nil {
		t.Fatal(err)
	}
	if got := mustGet(t, s, "Account", "same"); string(got) != "account" {
		t.Errorf("Account/same = %q", got)
	}
	if got := mustGet(t, s, "Customer", "same"); string(got) != "customer" {
		t.Errorf("Customer/same = %q", got)
	}

	var keys []string
	if err := s.Scan(ctx, "Customer", func(key string, _ []byte) bool {
		keys = append(keys, key)
		return true
	}); err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != "same" {
		t.Errorf("Scan(Customer) = %v, want [same]", keys)
	}
}

func testEdgeCases(t *testing.T, s persistence.Backend) {
	ctx := context.Background()
	cases := map[string][]byte{
		"empty value":  {},
		"binary value": {0, 1, 2, 254, 255},
		"日本語":          []byte("unicode key"),
		"with\x00nul":  []byte("canonical identities contain NUL"),
	}
	keys := make([]string, 0, len(cases))
	for k := range cases {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := s.Put(ctx, "Edge", k, cases[k]); err != nil {
			t.Fatalf("Put(%q) error = %v", k, err)
		}
	}
	for _, k := range keys {
		got := mustGet(t, s, "Edge", k)
		if !bytes.Equal(got, cases[k]) {
			t.Errorf("Get(%q) = %v, want %v", k, got, cases[k])
		}
	}
}

func testConcurrentInsert(t *testing.T, s persistence.Backend) {
	ctx := context.Background()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, dups := 0, 0

	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			err := s.Insert(ctx, "Account", "contended", []byte(fmt.Sprintf("g%d", g)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, persistence.ErrDuplicate):
				dups++
			default:
				t.Errorf("Insert error = %v", err)
			}
		}(g)
	}
	wg.Wait()

	if wins != 1 || dups != 7 {
		t.Errorf("concurrent Insert: %d wins, %d duplicates, want 1 and 7", wins, dups)
	}
}
