package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ctxd/internal/event"
)

// CursorInvalidatedError reports that a reader's requested sequence was
// rotated away. Not a silent gap: the reader must resynchronize from
// OldestRetained and may mark its derived state as partial.
type CursorInvalidatedError struct {
	Requested      int64
	OldestRetained int64
}

// Error implements the error interface.
func (e *CursorInvalidatedError) Error() string {
	return fmt.Sprintf("cursor invalidated: sequence %d rotated away (oldest retained: %d)",
		e.Requested, e.OldestRetained)
}

// IsCursorInvalidated reports whether err is (or wraps) a
// CursorInvalidatedError.
func IsCursorInvalidated(err error) bool {
	var ce *CursorInvalidatedError
	return errors.As(err, &ce)
}

// Read returns up to limit envelopes starting at sequence from, in
// order. The cursor is restartable: a reader can resume from any
// sequence it has already seen. Never blocks on the appender; the
// result is a consistent prefix as of call time.
//
// Returns CursorInvalidatedError when from precedes the rotation
// horizon. from values beyond the latest committed sequence return an
// empty slice, not an error - the reader is simply caught up.
func (l *Log) Read(ctx context.Context, from int64, limit int) ([]event.Envelope, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("read: limit must be positive, got %d", limit)
	}

	oldest, err := l.OldestRetained(ctx)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	if from < oldest {
		return nil, &CursorInvalidatedError{Requested: from, OldestRetained: oldest}
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, pending_id, occurred_at, recorded_at, skew_suspect,
		       actor_id, source, layer, kind, payload, payload_bytes, redactions
		FROM envelopes
		WHERE seq >= ?
		ORDER BY seq ASC
		LIMIT ?
	`, from, limit)
	if err != nil {
		return nil, fmt.Errorf("read: query envelopes: %w", err)
	}
	defer rows.Close()

	var envs []event.Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read: iterate envelopes: %w", err)
	}

	// Return empty slice instead of nil
	if envs == nil {
		envs = []event.Envelope{}
	}

	if err := l.attachProvenance(ctx, envs); err != nil {
		return nil, err
	}

	return envs, nil
}

// ReadOne retrieves a single envelope by sequence.
// Returns CursorInvalidatedError if rotated away, sql.ErrNoRows if the
// sequence has not been committed.
func (l *Log) ReadOne(ctx context.Context, seq int64) (event.Envelope, error) {
	envs, err := l.Read(ctx, seq, 1)
	if err != nil {
		return event.Envelope{}, err
	}
	if len(envs) == 0 || envs[0].Seq != seq {
		return event.Envelope{}, sql.ErrNoRows
	}
	return envs[0], nil
}

// TraceEvidence is one provenance reference resolved against the log.
type TraceEvidence struct {
	Seq     int64
	Evicted bool // evidence rotated past the horizon; reference stays valid
	Env     *event.Envelope
}

// Trace resolves an envelope's provenance chain: the committed evidence
// it was derived from. Evidence rotated past the horizon is reported as
// Evicted rather than an error - the citing envelope is immutable and
// its references stay valid, only queryability is lost.
func (l *Log) Trace(ctx context.Context, seq int64) ([]TraceEvidence, error) {
	env, err := l.ReadOne(ctx, seq)
	if err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}

	oldest, err := l.OldestRetained(ctx)
	if err != nil {
		return nil, fmt.Errorf("trace: %w", err)
	}

	evidence := make([]TraceEvidence, 0, len(env.Provenance))
	for _, eseq := range env.Provenance {
		if eseq < oldest {
			evidence = append(evidence, TraceEvidence{Seq: eseq, Evicted: true})
			continue
		}
		cited, err := l.ReadOne(ctx, eseq)
		if err != nil {
			return nil, fmt.Errorf("trace: evidence %d: %w", eseq, err)
		}
		evidence = append(evidence, TraceEvidence{Seq: eseq, Env: &cited})
	}
	return evidence, nil
}

// attachProvenance loads provenance edges for a batch of envelopes.
func (l *Log) attachProvenance(ctx context.Context, envs []event.Envelope) error {
	if len(envs) == 0 {
		return nil
	}

	lo := envs[0].Seq
	hi := envs[len(envs)-1].Seq
	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, evidence_seq FROM provenance_edges
		WHERE seq BETWEEN ? AND ?
		ORDER BY seq ASC, evidence_seq ASC
	`, lo, hi)
	if err != nil {
		return fmt.Errorf("read: query provenance: %w", err)
	}
	defer rows.Close()

	bySeq := make(map[int64][]int64)
	for rows.Next() {
		var seq, evidence int64
		if err := rows.Scan(&seq, &evidence); err != nil {
			return fmt.Errorf("read: scan provenance: %w", err)
		}
		bySeq[seq] = append(bySeq[seq], evidence)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read: iterate provenance: %w", err)
	}

	for i := range envs {
		envs[i].Provenance = bySeq[envs[i].Seq]
	}
	return nil
}

// scanEnvelope scans a row into an Envelope.
func scanEnvelope(rows *sql.Rows) (event.Envelope, error) {
	var env event.Envelope
	var occurredNanos, recordedNanos int64
	var skew int
	var source, layer, payloadJSON, redactionsJSON string

	if err := rows.Scan(
		&env.Seq, &env.PendingID, &occurredNanos, &recordedNanos, &skew,
		&env.ActorID, &source, &layer, &env.Kind,
		&payloadJSON, &env.PayloadBytes, &redactionsJSON,
	); err != nil {
		return event.Envelope{}, fmt.Errorf("read: scan envelope: %w", err)
	}

	env.OccurredAt = time.Unix(0, occurredNanos).UTC()
	env.RecordedAt = time.Unix(0, recordedNanos).UTC()
	env.SkewSuspect = skew != 0
	env.Source = event.Source(source)
	env.Layer = event.Layer(layer)

	var payload event.Object
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return event.Envelope{}, fmt.Errorf("read: unmarshal payload: %w", err)
	}
	env.Payload = payload

	if redactionsJSON != "" && redactionsJSON != "[]" {
		if err := json.Unmarshal([]byte(redactionsJSON), &env.Redactions); err != nil {
			return event.Envelope{}, fmt.Errorf("read: unmarshal redactions: %w", err)
		}
	}

	return env, nil
}
