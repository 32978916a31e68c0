// Package session admits remote actors into the daemon. A session
// handle is the only path a remote producer has: every submission it
// carries is stamped with the admitted actor id and the remote source,
// then goes through the ordinary gateway gates. Observers get read-only
// cursors; nothing a session does can bypass redaction or the
// sequencer.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"ctxd/internal/event"
	"ctxd/internal/eventlog"
	"ctxd/internal/gateway"
)

// ErrStaleSession means the session's freshness window expired; the
// actor must re-admit.
var ErrStaleSession = errors.New("stale session")

// ErrNotAdmitted rejects actors the authorizer refused.
var ErrNotAdmitted = errors.New("actor not admitted")

// Authorizer decides whether an actor may join. A nil error admits.
type Authorizer func(actorID string) error

// Submitter is the gateway surface sessions submit through.
type Submitter interface {
	Submit(ctx context.Context, sub event.Submission) (gateway.Accepted, error)
}

// DefaultFreshnessWindow bounds how long a disconnected session stays
// resumable.
const DefaultFreshnessWindow = 5 * time.Second

type sessionState int

const (
	stateActive sessionState = iota
	stateDisconnected
)

type session struct {
	id             string
	actorID        string
	state          sessionState
	disconnectedAt time.Time
}

// Options tunes a Coordinator. Zero values get defaults.
type Options struct {
	Authorizer      Authorizer    // default: admit everyone
	FreshnessWindow time.Duration // default DefaultFreshnessWindow
	Now             func() time.Time
}

// Coordinator tracks admitted sessions and their freshness.
type Coordinator struct {
	submit    Submitter
	log       *eventlog.Log
	authorize Authorizer
	window    time.Duration
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// New builds a Coordinator over the gateway and log.
func New(submit Submitter, log *eventlog.Log, opts Options) *Coordinator {
	if opts.Authorizer == nil {
		opts.Authorizer = func(string) error { return nil }
	}
	if opts.FreshnessWindow <= 0 {
		opts.FreshnessWindow = DefaultFreshnessWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		submit:    submit,
		log:       log,
		authorize: opts.Authorizer,
		window:    opts.FreshnessWindow,
		now:       opts.Now,
		sessions:  make(map[string]*session),
	}
}

// Admit authorizes an actor and opens a fresh session.
func (c *Coordinator) Admit(actorID string) (*Handle, error) {
	if actorID == "" {
		return nil, fmt.Errorf("session: empty actor id")
	}
	if err := c.authorize(actorID); err != nil {
		return nil, fmt.Errorf("session: %q: %w: %v", actorID, ErrNotAdmitted, err)
	}

	s := &session{
		id:      uuid.Must(uuid.NewV7()).String(),
		actorID: actorID,
	}
	c.mu.Lock()
	c.sessions[s.id] = s
	c.mu.Unlock()

	slog.Info("session admitted", "session_id", s.id, "actor", actorID)
	return &Handle{coord: c, sessionID: s.id, actorID: actorID}, nil
}

// Disconnect marks a session stale, recording when. The session stays
// resumable for the freshness window.
func (c *Coordinator) Disconnect(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session: %q: %w", sessionID, ErrStaleSession)
	}
	if s.state == stateDisconnected {
		return nil
	}
	s.state = stateDisconnected
	s.disconnectedAt = c.now()

	slog.Info("session disconnected", "session_id", sessionID, "actor", s.actorID)
	return nil
}

// Resume reactivates a disconnected session. It succeeds only for the
// same actor id within the freshness window; anything else is
// ErrStaleSession and the actor must go through Admit again.
func (c *Coordinator) Resume(sessionID, actorID string) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session: %q: %w", sessionID, ErrStaleSession)
	}
	if s.actorID != actorID {
		// A different actor may not take over the session; the window
		// state is irrelevant.
		return nil, fmt.Errorf("session: %q: actor mismatch: %w", sessionID, ErrStaleSession)
	}
	if s.state == stateDisconnected {
		if c.now().Sub(s.disconnectedAt) > c.window {
			delete(c.sessions, sessionID)
			return nil, fmt.Errorf("session: %q: freshness window expired: %w", sessionID, ErrStaleSession)
		}
		s.state = stateActive
		s.disconnectedAt = time.Time{}
	}

	slog.Info("session resumed", "session_id", sessionID, "actor", actorID)
	return &Handle{coord: c, sessionID: sessionID, actorID: actorID}, nil
}

// Observe authorizes an actor for read-only access and returns a
// cursor positioned before the oldest retained envelope.
func (c *Coordinator) Observe(ctx context.Context, actorID string) (*Cursor, error) {
	if err := c.authorize(actorID); err != nil {
		return nil, fmt.Errorf("session: %q: %w: %v", actorID, ErrNotAdmitted, err)
	}

	oldest, err := c.log.OldestRetained(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	return &Cursor{log: c.log, pos: oldest - 1}, nil
}

// usable reports whether the session may submit right now.
func (c *Coordinator) usable(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok || s.state == stateDisconnected {
		return ErrStaleSession
	}
	return nil
}

// Handle is an admitted actor's submission capability.
type Handle struct {
	coord     *Coordinator
	sessionID string
	actorID   string
}

// SessionID returns the id used for Disconnect and Resume.
func (h *Handle) SessionID() string { return h.sessionID }

// Submit stamps the session identity onto the submission and sends it
// through the gateway. The caller's ActorID and Source are overwritten;
// a remote peer cannot impersonate a local capture path. Stale handles
// reject.
func (h *Handle) Submit(ctx context.Context, sub event.Submission) (gateway.Accepted, error) {
	if err := h.coord.usable(h.sessionID); err != nil {
		return gateway.Accepted{}, &gateway.RejectedError{
			Reason: gateway.RejectStaleSession,
			Detail: "session disconnected; resume or re-admit",
			Err:    err,
		}
	}

	sub.ActorID = h.actorID
	sub.Source = event.SourceRemote
	return h.coord.submit.Submit(ctx, sub)
}

// Cursor is a read-only, restartable position in the log.
type Cursor struct {
	log *eventlog.Log
	pos int64
}

// Next returns up to limit envelopes past the cursor and advances it.
// A CursorInvalidatedError from the log passes through; the observer
// resynchronizes with Seek.
func (cur *Cursor) Next(ctx context.Context, limit int) ([]event.Envelope, error) {
	envs, err := cur.log.Read(ctx, cur.pos+1, limit)
	if err != nil {
		return nil, err
	}
	if len(envs) > 0 {
		cur.pos = envs[len(envs)-1].Seq
	}
	return envs, nil
}

// Seek repositions the cursor so the next read starts at seq.
func (cur *Cursor) Seek(seq int64) {
	cur.pos = seq - 1
}

// Position returns the last sequence the cursor has delivered.
func (cur *Cursor) Position() int64 { return cur.pos }
