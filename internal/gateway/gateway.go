package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"ctxd/internal/event"
	"ctxd/internal/redact"
	"ctxd/internal/sequencer"
)

// RejectReason classifies why the gateway refused a submission.
type RejectReason string

const (
	RejectMissingField     RejectReason = "missing_field"
	RejectUnknownKind      RejectReason = "unknown_kind"
	RejectOversized        RejectReason = "oversized"
	RejectSchemaViolation  RejectReason = "schema_violation"
	RejectRedactionFailure RejectReason = "redaction_failure"
	RejectBusy             RejectReason = "busy"
	RejectBadProvenance    RejectReason = "bad_provenance"
	RejectStaleSession     RejectReason = "stale_session"
)

// RejectedError carries the rejection reason back to the producer.
// Detail never contains payload content. Err, when set, is the
// underlying taxonomy error (event.ValidationError, redact.Failure).
type RejectedError struct {
	Reason RejectReason
	Detail string
	Err    error
}

// Error implements the error interface.
func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected (%s): %s", e.Reason, e.Detail)
}

// Unwrap exposes the underlying taxonomy error.
func (e *RejectedError) Unwrap() error {
	return e.Err
}

// IsRejected reports whether err is (or wraps) a RejectedError, and
// returns the reason when it is.
func IsRejected(err error) (RejectReason, bool) {
	var re *RejectedError
	if errors.As(err, &re) {
		return re.Reason, true
	}
	return "", false
}

// Accepted is the gateway's answer for a submission that passed every
// gate. The pending id resolves to a sequence once the committer gets
// to it.
type Accepted struct {
	PendingID string
}

// Stats is a snapshot of the gateway's acceptance counters.
type Stats struct {
	Accepted int64
	Rejected map[RejectReason]int64
}

// Gateway is the single entry point for submissions. Every producer
// path (hooks, adapters, remote sessions) goes through Submit; nothing
// reaches the sequencer unvalidated or unredacted.
type Gateway struct {
	schemas  *SchemaRegistry
	engine   *redact.Engine
	seq      *sequencer.Sequencer
	tokens   TokenGenerator
	maxBytes int64
	policy   sequencer.Backpressure

	mu       sync.Mutex
	accepted int64
	rejected map[RejectReason]int64
}

// Options tunes a Gateway. Zero values get defaults.
type Options struct {
	MaxPayloadBytes int64          // default 1 MiB
	Tokens          TokenGenerator // default UUIDv7Generator
	// Policy is the backpressure applied when the commit queue is
	// full. Remote submissions always reject regardless (a busy daemon
	// must not stall a session); Policy governs every other source.
	Policy sequencer.Backpressure // default BackpressureBlock
}

// New builds a Gateway over a schema registry, a redaction engine, and
// the sequencer the accepted submissions feed into.
func New(schemas *SchemaRegistry, engine *redact.Engine, seq *sequencer.Sequencer, opts Options) *Gateway {
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = 1 << 20
	}
	if opts.Tokens == nil {
		opts.Tokens = UUIDv7Generator{}
	}
	if opts.Policy == "" {
		opts.Policy = sequencer.BackpressureBlock
	}
	return &Gateway{
		schemas:  schemas,
		engine:   engine,
		seq:      seq,
		tokens:   opts.Tokens,
		maxBytes: opts.MaxPayloadBytes,
		policy:   opts.Policy,
		rejected: make(map[RejectReason]int64),
	}
}

// Submit runs the full validation chain and, on success, hands the
// redacted submission to the sequencer. The gates run in a fixed
// order; the first failure wins and is counted once.
//
// Remote submissions get fail-fast backpressure (a busy daemon rejects
// rather than stalls the session); every other source follows the
// configured policy.
func (g *Gateway) Submit(ctx context.Context, sub event.Submission) (Accepted, error) {
	if err := g.validate(sub); err != nil {
		return Accepted{}, g.reject(sub, err)
	}

	scrubbed, report, err := g.engine.Redact(sub.Payload)
	if err != nil {
		// Fail closed: a submission that cannot be proven clean never
		// reaches the log.
		return Accepted{}, g.reject(sub, &RejectedError{
			Reason: RejectRedactionFailure,
			Detail: err.Error(),
			Err:    err,
		})
	}
	sub.Payload = scrubbed
	sub.Redactions = report

	policy := g.policy
	if sub.Source == event.SourceRemote {
		policy = sequencer.BackpressureReject
	}

	pendingID := g.tokens.Generate()
	item := sequencer.Item{PendingID: pendingID, Sub: sub}
	if err := g.seq.Enqueue(ctx, item, policy); err != nil {
		if errors.Is(err, sequencer.ErrBusy) {
			return Accepted{}, g.reject(sub, &RejectedError{
				Reason: RejectBusy,
				Detail: "commit queue full",
			})
		}
		return Accepted{}, fmt.Errorf("gateway: %w", err)
	}

	g.mu.Lock()
	g.accepted++
	g.mu.Unlock()

	slog.Debug("submission accepted",
		"pending_id", pendingID,
		"kind", sub.Kind,
		"actor", sub.ActorID,
		"source", sub.Source,
		"redactions", len(report),
	)
	return Accepted{PendingID: pendingID}, nil
}

// validate runs the pre-redaction gates. Gate order is fixed so a
// submission failing several gates reports a stable reason.
func (g *Gateway) validate(sub event.Submission) error {
	switch {
	case sub.ActorID == "":
		return &RejectedError{Reason: RejectMissingField, Detail: "actor_id is required", Err: event.NewMissingFieldError("actor_id")}
	case sub.Kind == "":
		return &RejectedError{Reason: RejectMissingField, Detail: "kind is required", Err: event.NewMissingFieldError("kind")}
	case sub.OccurredAt.IsZero():
		return &RejectedError{Reason: RejectMissingField, Detail: "occurred_at is required", Err: event.NewMissingFieldError("occurred_at")}
	case sub.Payload == nil:
		return &RejectedError{Reason: RejectMissingField, Detail: "payload is required", Err: event.NewMissingFieldError("payload")}
	case !event.ValidSources[sub.Source]:
		return &RejectedError{
			Reason: RejectMissingField,
			Detail: fmt.Sprintf("unknown source %q", sub.Source),
			Err:    &event.ValidationError{Code: event.CodeBadValue, Field: "source", Message: fmt.Sprintf("unknown source %q", sub.Source)},
		}
	case !event.ValidLayers[sub.Layer]:
		return &RejectedError{
			Reason: RejectMissingField,
			Detail: fmt.Sprintf("unknown layer %q", sub.Layer),
			Err:    &event.ValidationError{Code: event.CodeBadValue, Field: "layer", Message: fmt.Sprintf("unknown layer %q", sub.Layer)},
		}
	}

	if !g.schemas.Has(sub.Kind) {
		return &RejectedError{
			Reason: RejectUnknownKind,
			Detail: fmt.Sprintf("kind %q not registered", sub.Kind),
			Err:    &event.ValidationError{Code: event.CodeUnknownKind, Field: "kind", Message: fmt.Sprintf("kind %q not registered", sub.Kind)},
		}
	}

	canonical, err := event.MarshalCanonical(sub.Payload)
	if err != nil {
		return &RejectedError{
			Reason: RejectSchemaViolation,
			Detail: fmt.Sprintf("payload not canonicalizable: %v", err),
			Err:    err,
		}
	}
	if int64(len(canonical)) > g.maxBytes {
		return &RejectedError{
			Reason: RejectOversized,
			Detail: fmt.Sprintf("payload is %d bytes, ceiling is %d", len(canonical), g.maxBytes),
			Err:    &event.ValidationError{Code: event.CodeOversized, Field: "payload", Message: fmt.Sprintf("%d bytes over a %d byte ceiling", len(canonical), g.maxBytes)},
		}
	}

	if err := g.schemas.Validate(sub.Kind, canonical); err != nil {
		return &RejectedError{
			Reason: RejectSchemaViolation,
			Detail: err.Error(),
			Err:    &event.ValidationError{Code: event.CodeSchema, Field: "payload", Message: err.Error()},
		}
	}

	return nil
}

// reject counts the rejection and logs reason plus identity fields.
// Payload content stays out of the logs: it is unredacted at this
// point.
func (g *Gateway) reject(sub event.Submission, err error) error {
	if reason, ok := IsRejected(err); ok {
		g.mu.Lock()
		g.rejected[reason]++
		g.mu.Unlock()

		slog.Info("submission rejected",
			"reason", string(reason),
			"kind", sub.Kind,
			"actor", sub.ActorID,
			"source", sub.Source,
		)
	}
	return err
}

// Stats returns a snapshot of the acceptance counters.
func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	rejected := make(map[RejectReason]int64, len(g.rejected))
	for k, v := range g.rejected {
		rejected[k] = v
	}
	return Stats{Accepted: g.accepted, Rejected: rejected}
}
