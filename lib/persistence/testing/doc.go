// Package testing provides a conformance test suite and benchmarks that every
// persistence.Backend implementation runs.
//
// Usage:
//
//	func Test(t *testing.T) {
//	    ptesting.RunBackendTests(t, "MemoryBackend", func(testing.TB) persistence.Backend {
//	        return memstore.NewMemoryBackend()
//	    })
//	}
package testing
