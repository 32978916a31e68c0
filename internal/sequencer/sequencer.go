package sequencer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ctxd/internal/event"
	"ctxd/internal/eventlog"
)

// Status is the lifecycle state of an accepted submission.
type Status string

const (
	// StatusQueued means the submission is waiting for the committer.
	StatusQueued Status = "queued"
	// StatusCommitted means the submission is durable in the log.
	StatusCommitted Status = "committed"
	// StatusFailed means persistence failed terminally (daemon shutdown
	// mid-commit). The producer must resubmit.
	StatusFailed Status = "failed"
	// StatusCancelled means the producer withdrew the submission before
	// the committer reached it.
	StatusCancelled Status = "cancelled"
)

// Resolution is the answer to "what happened to my pending id".
type Resolution struct {
	Status Status
	Seq    int64 // committed sequence, when Status is StatusCommitted
}

// Keep this many resolved entries for late pollers before pruning.
const maxResolved = 4096

// Options tunes a Sequencer. Zero values get defaults.
type Options struct {
	QueueDepth int
	Now        func() time.Time // test hook; defaults to time.Now
}

// Sequencer owns sequence assignment and the commit path. Exactly one
// Run goroutine drains the queue; everything else only enqueues,
// cancels, or polls.
type Sequencer struct {
	log   *eventlog.Log
	clock *Clock
	queue *commitQueue
	now   func() time.Time

	mu       sync.Mutex
	pending  map[string]Resolution
	resolved []string // pending ids in resolution order, for pruning
}

// New builds a Sequencer over an open log. The clock resumes from the
// log's last committed sequence, so sequences are never reused across
// restarts even when the committed rows were rotated away.
func New(ctx context.Context, log *eventlog.Log, opts Options) (*Sequencer, error) {
	latest, err := log.LatestSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("sequencer: recover clock: %w", err)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sequencer{
		log:     log,
		clock:   NewClockAt(latest),
		queue:   newCommitQueue(opts.QueueDepth),
		now:     opts.Now,
		pending: make(map[string]Resolution),
	}, nil
}

// Enqueue hands an accepted submission to the committer. The pending id
// becomes pollable via Resolve immediately. policy decides the
// full-queue behavior: block until space or fail fast with ErrBusy.
func (s *Sequencer) Enqueue(ctx context.Context, item Item, policy Backpressure) error {
	s.mu.Lock()
	if _, exists := s.pending[item.PendingID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("sequencer: duplicate pending id %q", item.PendingID)
	}
	s.pending[item.PendingID] = Resolution{Status: StatusQueued}
	s.mu.Unlock()

	if err := s.queue.Enqueue(ctx, item, policy); err != nil {
		s.mu.Lock()
		delete(s.pending, item.PendingID)
		s.mu.Unlock()
		return err
	}
	return nil
}

// Cancel withdraws a queued submission. Returns false when the item
// already reached the committer: commitment is not reversible, the
// producer has to live with the envelope.
func (s *Sequencer) Cancel(pendingID string) bool {
	if !s.queue.Remove(pendingID) {
		return false
	}
	s.resolve(pendingID, Resolution{Status: StatusCancelled})
	return true
}

// Resolve reports the state of a pending id. ok is false for ids this
// sequencer never saw (or pruned long after resolution).
func (s *Sequencer) Resolve(pendingID string) (Resolution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.pending[pendingID]
	return r, ok
}

// Latest returns the highest sequence assigned so far.
func (s *Sequencer) Latest() int64 {
	return s.clock.Current()
}

// QueueDepth returns the number of submissions waiting to commit.
func (s *Sequencer) QueueDepth() int {
	return s.queue.Len()
}

// Run is the single committer loop. Only this goroutine stamps
// sequences and appends to the log. Returns when ctx is cancelled or
// Stop closes the queue and the backlog drains.
func (s *Sequencer) Run(ctx context.Context) error {
	slog.Info("sequencer starting", "resume_seq", s.clock.Current())

	for {
		item, ok := s.queue.TryDequeue()
		if ok {
			if err := s.commit(ctx, item); err != nil {
				s.resolve(item.PendingID, Resolution{Status: StatusFailed})
				slog.Error("commit abandoned",
					"pending_id", item.PendingID,
					"kind", item.Sub.Kind,
					"error", err,
				)
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("sequencer stopping: context cancelled")
			s.queue.Close()
			return ctx.Err()

		case <-s.queue.Wait():
			// Closed-and-drained shows up as a fired signal with an
			// empty queue.
			if s.queue.Len() == 0 {
				slog.Info("sequencer stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the queue. Run drains the backlog and returns.
func (s *Sequencer) Stop() {
	s.queue.Close()
}

// commit stamps the submission and appends until the log accepts it.
// The sequence and pending id stay fixed across retries, so a retry
// after a partial failure lands on the ON CONFLICT no-op path instead
// of duplicating the envelope. An accepted submission is never
// silently dropped: commit only gives up when ctx is cancelled.
func (s *Sequencer) commit(ctx context.Context, item Item) error {
	seq := s.clock.Next()
	recordedAt := s.now().UTC()

	occurredAt := item.Sub.OccurredAt.UTC()
	if occurredAt.IsZero() {
		occurredAt = recordedAt
	}

	env := &event.Envelope{
		Seq:         seq,
		PendingID:   item.PendingID,
		OccurredAt:  occurredAt,
		RecordedAt:  recordedAt,
		SkewSuspect: recordedAt.Before(occurredAt),
		ActorID:     item.Sub.ActorID,
		Source:      item.Sub.Source,
		Layer:       item.Sub.Layer,
		Kind:        item.Sub.Kind,
		Payload:     item.Sub.Payload,
		Redactions:  item.Sub.Redactions,
		Provenance:  item.Sub.Provenance,
	}

	backoff := 10 * time.Millisecond
	for {
		err := s.log.Append(ctx, env)
		if err == nil {
			s.resolve(item.PendingID, Resolution{Status: StatusCommitted, Seq: seq})
			slog.Debug("envelope committed",
				"seq", seq,
				"kind", env.Kind,
				"actor", env.ActorID,
				"skew_suspect", env.SkewSuspect,
			)
			return nil
		}

		slog.Warn("append failed, retrying",
			"seq", seq,
			"pending_id", item.PendingID,
			"backoff", backoff,
			"error", err,
		)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("commit seq %d: %w", seq, ctx.Err())
		case <-timer.C:
		}
		if backoff < 500*time.Millisecond {
			backoff *= 2
		}
	}
}

func (s *Sequencer) resolve(pendingID string, r Resolution) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[pendingID] = r
	s.resolved = append(s.resolved, pendingID)
	if len(s.resolved) > maxResolved {
		evict := s.resolved[0]
		s.resolved = s.resolved[1:]
		delete(s.pending, evict)
	}
}
