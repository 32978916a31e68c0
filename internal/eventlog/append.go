package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"ctxd/internal/event"
)

// Append persists a committed envelope and enforces the rotation bounds,
// all in one transaction. Only the sequencer may call this.
//
// Idempotent: re-appending an envelope with the same sequence (the retry
// path after a partial persistence failure) is a no-op.
//
// The envelope's payload must already be redacted; Append serializes it
// to canonical JSON and records the byte length for rotation accounting.
func (l *Log) Append(ctx context.Context, env *event.Envelope) error {
	payloadJSON, err := event.MarshalCanonical(env.Payload)
	if err != nil {
		return fmt.Errorf("append: marshal payload: %w", err)
	}
	env.PayloadBytes = int64(len(payloadJSON))

	redactionsJSON, err := marshalRedactions(env.Redactions)
	if err != nil {
		return fmt.Errorf("append: %w", err)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	result, err := tx.ExecContext(ctx, `
		INSERT INTO envelopes
		(seq, pending_id, occurred_at, recorded_at, skew_suspect,
		 actor_id, source, layer, kind, payload, payload_bytes, redactions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(seq) DO NOTHING
	`,
		env.Seq,
		env.PendingID,
		env.OccurredAt.UnixNano(),
		env.RecordedAt.UnixNano(),
		boolToInt(env.SkewSuspect),
		env.ActorID,
		string(env.Source),
		string(env.Layer),
		env.Kind,
		string(payloadJSON),
		env.PayloadBytes,
		redactionsJSON,
	)
	if err != nil {
		return fmt.Errorf("append: insert envelope: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("append: rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Retry of an already-persisted commit. Nothing to do.
		return tx.Commit()
	}

	for _, evidence := range env.Provenance {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO provenance_edges (seq, evidence_seq)
			VALUES (?, ?)
			ON CONFLICT DO NOTHING
		`, env.Seq, evidence)
		if err != nil {
			return fmt.Errorf("append: insert provenance: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE log_meta SET value = ? WHERE key = 'last_committed' AND value < ?
	`, env.Seq, env.Seq)
	if err != nil {
		return fmt.Errorf("append: update last_committed: %w", err)
	}

	if err := l.rotate(ctx, tx); err != nil {
		return fmt.Errorf("append: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append: commit: %w", err)
	}

	return nil
}

// rotate evicts oldest envelopes until both bounds hold. Runs inside the
// append transaction: readers see pre- or post-rotation state, never a
// partially evicted range. The scan walks oldest-first so eviction is
// strictly FIFO.
func (l *Log) rotate(ctx context.Context, tx *sql.Tx) error {
	if l.bounds.MaxEvents <= 0 && l.bounds.MaxBytes <= 0 {
		return nil
	}

	var count, bytes int64
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(payload_bytes), 0) FROM envelopes`,
	).Scan(&count, &bytes)
	if err != nil {
		return fmt.Errorf("rotate: size query: %w", err)
	}

	overCount := l.bounds.MaxEvents > 0 && count > l.bounds.MaxEvents
	overBytes := l.bounds.MaxBytes > 0 && bytes > l.bounds.MaxBytes
	if !overCount && !overBytes {
		return nil
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT seq, payload_bytes FROM envelopes ORDER BY seq ASC`,
	)
	if err != nil {
		return fmt.Errorf("rotate: scan query: %w", err)
	}
	defer rows.Close()

	// Find the highest sequence that must go for the remainder to fit.
	var cutoff int64
	evicted := int64(0)
	for rows.Next() {
		var seq, pb int64
		if err := rows.Scan(&seq, &pb); err != nil {
			return fmt.Errorf("rotate: scan: %w", err)
		}

		withinCount := l.bounds.MaxEvents <= 0 || count-evicted <= l.bounds.MaxEvents
		withinBytes := l.bounds.MaxBytes <= 0 || bytes <= l.bounds.MaxBytes
		if withinCount && withinBytes {
			break
		}

		cutoff = seq
		evicted++
		bytes -= pb
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rotate: iterate: %w", err)
	}
	if evicted == 0 {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM envelopes WHERE seq <= ?`, cutoff); err != nil {
		return fmt.Errorf("rotate: delete envelopes: %w", err)
	}
	// Edges owned by evicted envelopes go too. Edges CITING evicted
	// sequences stay: provenance references may point past the horizon.
	if _, err := tx.ExecContext(ctx, `DELETE FROM provenance_edges WHERE seq <= ?`, cutoff); err != nil {
		return fmt.Errorf("rotate: delete provenance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE log_meta SET value = ? WHERE key = 'oldest_retained' AND value < ?
	`, cutoff+1, cutoff+1)
	if err != nil {
		return fmt.Errorf("rotate: update oldest_retained: %w", err)
	}

	return nil
}

func marshalRedactions(rs []event.Redaction) (string, error) {
	if len(rs) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(rs)
	if err != nil {
		return "", fmt.Errorf("marshal redactions: %w", err)
	}
	return string(data), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
