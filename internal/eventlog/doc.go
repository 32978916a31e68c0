// Package eventlog provides durable, bounded, ordered storage for
// committed event envelopes.
//
// The log is append-only: envelopes are never mutated, and the only
// eviction is whole-log rotation of the oldest envelopes to enforce the
// configured size bounds. Rotation happens inside the same transaction
// as the append that tripped the bound, so a concurrent reader observes
// either the pre-rotation or post-rotation state, never a partial
// eviction.
//
// ARCHITECTURE:
//
// SQLite with WAL mode. Exactly one component (the sequencer) calls
// Append; readers use Read/LatestSequence/OldestRetained concurrently
// and never block the writer. Sequence numbers are assigned by the
// sequencer's clock, not by SQLite rowids, so they survive rotation
// without reuse; the log records the high-water mark so the clock can
// resume after restart.
package eventlog
