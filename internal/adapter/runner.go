package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ctxd/internal/event"
	"ctxd/internal/eventlog"
	"ctxd/internal/gateway"
)

// ErrBadProvenance rejects a synthesized submission whose evidence
// citations are missing or cite uncommitted sequences.
var ErrBadProvenance = errors.New("bad provenance")

// Submitter is the gateway surface the runner feeds into. Synthesized
// events take the same path as every other submission: validation,
// redaction, the queue.
type Submitter interface {
	Submit(ctx context.Context, sub event.Submission) (gateway.Accepted, error)
}

// RunnerOptions tunes a Runner. Zero values get defaults.
type RunnerOptions struct {
	ActorID      string        // default "adapter"
	PollInterval time.Duration // default 250ms
	BatchSize    int           // default 256
}

// Runner drives the installed adapters: it tails the log with a
// cursor, hands each new batch of committed envelopes to every
// adapter, and submits what they synthesize.
//
// The runner is a log consumer like any other. If rotation outruns its
// cursor it resynchronizes from the horizon and the skipped evidence
// is simply never synthesized from.
type Runner struct {
	registry *Registry
	log      LogReader
	submit   Submitter
	opts     RunnerOptions

	cursor int64 // last sequence handed to adapters
}

// NewRunner builds a runner starting at the current log tail: only
// envelopes committed after startup are synthesized from.
func NewRunner(ctx context.Context, reg *Registry, log LogReader, submit Submitter, opts RunnerOptions) (*Runner, error) {
	if opts.ActorID == "" {
		opts.ActorID = "adapter"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 256
	}

	latest, err := log.LatestSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("adapter: read tail: %w", err)
	}
	return &Runner{
		registry: reg,
		log:      log,
		submit:   submit,
		opts:     opts,
		cursor:   latest,
	}, nil
}

// Run polls until ctx is cancelled. Adapter errors are logged and
// skipped; one misbehaving adapter does not stop the others.
func (r *Runner) Run(ctx context.Context) error {
	slog.Info("adapter runner starting",
		"adapters", len(r.registry.Adapters()),
		"cursor", r.cursor,
	)

	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("adapter runner stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := r.Poll(ctx); err != nil {
				slog.Error("adapter poll failed", "error", err)
			}
		}
	}
}

// Poll processes one batch past the cursor. Exported so tests and the
// CLI can step the runner deterministically.
func (r *Runner) Poll(ctx context.Context) error {
	batch, err := r.log.Read(ctx, r.cursor+1, r.opts.BatchSize)
	if err != nil {
		if eventlog.IsCursorInvalidated(err) {
			var ce *eventlog.CursorInvalidatedError
			errors.As(err, &ce)
			slog.Warn("adapter cursor rotated away, resynchronizing",
				"cursor", r.cursor,
				"oldest_retained", ce.OldestRetained,
			)
			r.cursor = ce.OldestRetained - 1
			return nil
		}
		return err
	}
	if len(batch) == 0 {
		return nil
	}
	r.cursor = batch[len(batch)-1].Seq

	for _, a := range r.registry.Adapters() {
		subs, err := a.Synthesize(ctx, batch)
		if err != nil {
			slog.Error("adapter synthesize failed", "adapter", a.Name(), "error", err)
			continue
		}
		for _, sub := range subs {
			if err := r.submitOne(ctx, a, sub); err != nil {
				slog.Error("adapter submission dropped",
					"adapter", a.Name(),
					"kind", sub.Kind,
					"error", err,
				)
			}
		}
	}
	return nil
}

// submitOne stamps the identity fields and enforces the provenance
// rules before the submission joins the ordinary gateway path.
func (r *Runner) submitOne(ctx context.Context, a Adapter, sub event.Submission) error {
	sub.ActorID = r.opts.ActorID + ":" + a.Name()
	sub.Source = event.SourceAdapter
	if sub.Layer != event.LayerSemantic && sub.Layer != event.LayerStateProbe {
		return fmt.Errorf("adapter %s: layer %q: %w", a.Name(), sub.Layer, ErrBadProvenance)
	}

	// Synthesized events must cite committed evidence. Cited sequences
	// are necessarily smaller than the sequence the submission will be
	// assigned, so cycles cannot form.
	if len(sub.Provenance) == 0 {
		return fmt.Errorf("adapter %s: no evidence cited: %w", a.Name(), ErrBadProvenance)
	}
	for _, cited := range sub.Provenance {
		if cited < 1 || cited > r.cursor {
			return fmt.Errorf("adapter %s: cites uncommitted sequence %d: %w",
				a.Name(), cited, ErrBadProvenance)
		}
	}

	if _, err := r.submit.Submit(ctx, sub); err != nil {
		return err
	}
	return nil
}
