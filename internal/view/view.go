// Package view materializes a bounded, deterministic summary of the
// retained log prefix. The same committed prefix always renders to
// byte-identical canonical JSON, so views can be diffed, cached, and
// golden-tested.
package view

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"ctxd/internal/event"
	"ctxd/internal/eventlog"
)

// Budget bounds a materialized view independently of log rotation.
// Zero fields mean unbounded.
type Budget struct {
	MaxEntries int
	MaxBytes   int64
}

// Entry summarizes one committed envelope. Payload content is reduced
// to its canonical length and digest; the view never re-exposes
// payload bodies.
type Entry struct {
	Seq           int64
	Actor         string
	Kind          string
	Layer         event.Layer
	PayloadBytes  int64
	PayloadDigest string
	Redactions    int
	Provenance    []int64
}

// ContextView is the materialized summary of the log prefix up to a
// sequence.
type ContextView struct {
	// UpTo is the highest sequence the view covers.
	UpTo int64
	// Partial is set when rotation has evicted the front of the
	// requested prefix: the view covers [oldest retained, UpTo], not
	// [1, UpTo].
	Partial bool
	// Truncated is set when the budget cut entries beyond what rotation
	// already removed. Truncation drops oldest-first.
	Truncated bool
	Entries   []Entry
}

// Materializer builds views from an open log.
type Materializer struct {
	log    *eventlog.Log
	budget Budget
}

const readPageSize = 512

// New creates a materializer with a fixed budget.
func New(log *eventlog.Log, budget Budget) *Materializer {
	return &Materializer{log: log, budget: budget}
}

// Materialize builds the view of the retained prefix up to upTo. A
// upTo of zero (or past the tail) means "everything committed so far".
// Pure with respect to the log: identical retained prefixes produce
// identical views.
func (m *Materializer) Materialize(ctx context.Context, upTo int64) (ContextView, error) {
	latest, err := m.log.LatestSequence(ctx)
	if err != nil {
		return ContextView{}, fmt.Errorf("view: %w", err)
	}
	if upTo <= 0 || upTo > latest {
		upTo = latest
	}

	oldest, err := m.log.OldestRetained(ctx)
	if err != nil {
		return ContextView{}, fmt.Errorf("view: %w", err)
	}

	v := ContextView{
		UpTo:    upTo,
		Partial: oldest > 1,
		Entries: []Entry{},
	}
	if upTo < oldest {
		// Everything requested is gone; an empty partial view, not an
		// error.
		return v, nil
	}

	for from := oldest; from <= upTo; {
		limit := readPageSize
		if remaining := upTo - from + 1; remaining < int64(limit) {
			limit = int(remaining)
		}
		batch, err := m.log.Read(ctx, from, limit)
		if err != nil {
			return ContextView{}, fmt.Errorf("view: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		for _, env := range batch {
			entry, err := summarize(env)
			if err != nil {
				return ContextView{}, err
			}
			v.Entries = append(v.Entries, entry)
		}
		from = batch[len(batch)-1].Seq + 1
	}

	m.truncate(&v)
	return v, nil
}

// truncate enforces the budget, dropping oldest entries first so the
// newest context always survives.
func (m *Materializer) truncate(v *ContextView) {
	drop := 0
	if m.budget.MaxEntries > 0 && len(v.Entries) > m.budget.MaxEntries {
		drop = len(v.Entries) - m.budget.MaxEntries
	}

	if m.budget.MaxBytes > 0 {
		var bytes int64
		for _, e := range v.Entries[drop:] {
			bytes += e.PayloadBytes
		}
		for drop < len(v.Entries) && bytes > m.budget.MaxBytes {
			bytes -= v.Entries[drop].PayloadBytes
			drop++
		}
	}

	if drop > 0 {
		v.Entries = append([]Entry{}, v.Entries[drop:]...)
		v.Truncated = true
	}
}

// summarize reduces an envelope to its view entry. The digest is over
// the canonical payload, so it is stable across restarts and hosts.
func summarize(env event.Envelope) (Entry, error) {
	canonical, err := event.MarshalCanonical(env.Payload)
	if err != nil {
		return Entry{}, fmt.Errorf("view: digest seq %d: %w", env.Seq, err)
	}
	sum := sha256.Sum256(canonical)

	redacted := 0
	for _, r := range env.Redactions {
		redacted += r.Count
	}

	return Entry{
		Seq:           env.Seq,
		Actor:         env.ActorID,
		Kind:          env.Kind,
		Layer:         env.Layer,
		PayloadBytes:  int64(len(canonical)),
		PayloadDigest: hex.EncodeToString(sum[:])[:12],
		Redactions:    redacted,
		Provenance:    env.Provenance,
	}, nil
}

// RenderCanonical serializes the view to canonical JSON. Identical
// views render byte-identically.
func (v ContextView) RenderCanonical() ([]byte, error) {
	entries := make(event.Array, len(v.Entries))
	for i, e := range v.Entries {
		prov := make(event.Array, len(e.Provenance))
		for j, seq := range e.Provenance {
			prov[j] = event.Int(seq)
		}
		entries[i] = event.Object{
			"seq":            event.Int(e.Seq),
			"actor":          event.String(e.Actor),
			"kind":           event.String(e.Kind),
			"layer":          event.String(string(e.Layer)),
			"payload_bytes":  event.Int(e.PayloadBytes),
			"payload_digest": event.String(e.PayloadDigest),
			"redactions":     event.Int(int64(e.Redactions)),
			"provenance":     prov,
		}
	}

	return event.MarshalCanonical(event.Object{
		"up_to":     event.Int(v.UpTo),
		"partial":   event.Bool(v.Partial),
		"truncated": event.Bool(v.Truncated),
		"entries":   entries,
	})
}
