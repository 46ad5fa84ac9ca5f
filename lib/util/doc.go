// Package util provides small concurrency and bookkeeping primitives shared by
// the container packages.
//
// The package contains:
//   - queue: an unbounded lock-free multi-producer single-consumer event queue
//     used to hand cache maintenance work to a background goroutine without
//     blocking the invocation path
//   - ageheap: a keyed min-heap ordering entries by their last use, used to pick
//     passivation victims
//   - statistics: summary statistics and a distribution quality score, used to
//     report how evenly identities spread over lock partitions
//   - functions: seed generation and hash mixing for partition selection
//
// None of the types in this package know about beans or transactions; they are
// plain data structures with documented thread-safety.
package util
