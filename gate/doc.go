/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package gate provides a bounded-concurrency admission gate for arbitrary operations.
//
// A Gate admits at most a fixed number of operations for concurrent execution.
// Submissions over the limit are queued and admitted strictly in FIFO order as
// running operations complete. The gate is transparent: results and errors of
// admitted operations are passed through unchanged, and a failing operation
// releases its slot exactly like a succeeding one.
//
// The typical use case is protecting a bounded external resource, such as a
// database connection pool, from being exhausted by unbounded fan-out of
// concurrent callers.
//
// Key features:
//   - Strict FIFO admission under saturation, one admission per completion
//   - Unbounded submission queue (bounded only by process memory)
//   - Context-aware waiting: a queued submission can be abandoned via context
//   - Optional Prometheus instrumentation
//   - Configuration integration with github.com/acronis/go-appkit/config
package gate
