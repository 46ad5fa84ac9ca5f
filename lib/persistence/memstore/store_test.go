package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/ValentinKolb/beanrt/lib/persistence"
	ptesting "github.com/ValentinKolb/beanrt/lib/persistence/testing"
)

func Test(t *testing.T) {
	ptesting.RunBackendTests(t, "MemoryBackend", func(testing.TB) persistence.Backend {
		return NewMemoryBackend()
	})
}

func Benchmark(b *testing.B) {
	ptesting.RunBackendBenchmarks(b, "MemoryBackend", func(testing.TB) persistence.Backend {
		return NewMemoryBackend()
	})
}

func TestClosed(t *testing.T) {
	s := NewMemoryBackend()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(context.Background(), "Account", "a", nil); !errors.Is(err, persistence.ErrClosed) {
		t.Fatalf("Put after Close: want ErrClosed, got %v", err)
	}
}
