package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctxd/internal/event"
	"ctxd/internal/eventlog"
	"ctxd/internal/gateway"
	"ctxd/internal/testutil"
)

type captureSubmitter struct {
	subs []event.Submission
}

func (c *captureSubmitter) Submit(ctx context.Context, sub event.Submission) (gateway.Accepted, error) {
	c.subs = append(c.subs, sub)
	return gateway.Accepted{PendingID: fmt.Sprintf("p-%d", len(c.subs))}, nil
}

func openLog(t *testing.T, bounds eventlog.Bounds) *eventlog.Log {
	t.Helper()
	l, err := eventlog.Open(filepath.Join(t.TempDir(), "ctxd.db"), bounds)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func appendN(t *testing.T, l *eventlog.Log, from, to int64) {
	t.Helper()
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	for seq := from; seq <= to; seq++ {
		env := &event.Envelope{
			Seq: seq, PendingID: fmt.Sprintf("p-%d", seq),
			OccurredAt: base, RecordedAt: base,
			ActorID: "local", Source: event.SourceShellHook, Layer: event.LayerPrimitive,
			Kind:    "CommandStarted",
			Payload: event.Object{"n": event.Int(seq)},
		}
		require.NoError(t, l.Append(context.Background(), env))
	}
}

func remoteSubmission() event.Submission {
	return event.Submission{
		ActorID: "spoofed-local", // the handle must overwrite this
		Source:  event.SourceShellHook,
		Layer:   event.LayerPrimitive,
		Kind:    "CommandStarted",
		Payload: event.Object{"argv": event.Array{event.String("ls")}},
	}
}

func TestAdmit_SubmitStampsIdentity(t *testing.T) {
	sink := &captureSubmitter{}
	c := New(sink, openLog(t, eventlog.Bounds{MaxEvents: 10}), Options{})

	h, err := c.Admit("peer-1")
	require.NoError(t, err)
	require.NotEmpty(t, h.SessionID())

	_, err = h.Submit(context.Background(), remoteSubmission())
	require.NoError(t, err)

	require.Len(t, sink.subs, 1)
	assert.Equal(t, "peer-1", sink.subs[0].ActorID)
	assert.Equal(t, event.SourceRemote, sink.subs[0].Source)
}

func TestAdmit_AuthorizerRefuses(t *testing.T) {
	c := New(&captureSubmitter{}, openLog(t, eventlog.Bounds{MaxEvents: 10}), Options{
		Authorizer: func(actorID string) error {
			if actorID != "trusted" {
				return errors.New("not on the allowlist")
			}
			return nil
		},
	})

	_, err := c.Admit("stranger")
	require.ErrorIs(t, err, ErrNotAdmitted)

	_, err = c.Admit("trusted")
	require.NoError(t, err)
}

func TestDisconnectedHandle_RejectsSubmit(t *testing.T) {
	sink := &captureSubmitter{}
	c := New(sink, openLog(t, eventlog.Bounds{MaxEvents: 10}), Options{})

	h, err := c.Admit("peer-1")
	require.NoError(t, err)
	require.NoError(t, c.Disconnect(h.SessionID()))

	_, err = h.Submit(context.Background(), remoteSubmission())
	reason, ok := gateway.IsRejected(err)
	require.True(t, ok, "expected rejection, got %v", err)
	assert.Equal(t, gateway.RejectStaleSession, reason)
	require.ErrorIs(t, err, ErrStaleSession)
	assert.Empty(t, sink.subs)
}

func TestResume_WithinFreshnessWindow(t *testing.T) {
	clock := testutil.NewManualClock(time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC))
	sink := &captureSubmitter{}
	c := New(sink, openLog(t, eventlog.Bounds{MaxEvents: 10}), Options{
		FreshnessWindow: 5 * time.Second,
		Now:             clock.Now,
	})

	h, err := c.Admit("peer-1")
	require.NoError(t, err)
	require.NoError(t, c.Disconnect(h.SessionID()))

	clock.Advance(3 * time.Second)

	resumed, err := c.Resume(h.SessionID(), "peer-1")
	require.NoError(t, err)

	_, err = resumed.Submit(context.Background(), remoteSubmission())
	require.NoError(t, err)
	require.Len(t, sink.subs, 1)
}

func TestResume_ExpiredWindowIsStale(t *testing.T) {
	clock := testutil.NewManualClock(time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC))
	c := New(&captureSubmitter{}, openLog(t, eventlog.Bounds{MaxEvents: 10}), Options{
		FreshnessWindow: 5 * time.Second,
		Now:             clock.Now,
	})

	h, err := c.Admit("peer-1")
	require.NoError(t, err)
	require.NoError(t, c.Disconnect(h.SessionID()))

	clock.Advance(10 * time.Second)

	_, err = c.Resume(h.SessionID(), "peer-1")
	require.ErrorIs(t, err, ErrStaleSession)

	// The session is gone; even an immediate retry fails. Re-admission
	// is the only way back in.
	_, err = c.Resume(h.SessionID(), "peer-1")
	require.ErrorIs(t, err, ErrStaleSession)

	h2, err := c.Admit("peer-1")
	require.NoError(t, err)
	assert.NotEqual(t, h.SessionID(), h2.SessionID())
}

func TestResume_WrongActorIsStale(t *testing.T) {
	clock := testutil.NewManualClock(time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC))
	c := New(&captureSubmitter{}, openLog(t, eventlog.Bounds{MaxEvents: 10}), Options{Now: clock.Now})

	h, err := c.Admit("peer-1")
	require.NoError(t, err)
	require.NoError(t, c.Disconnect(h.SessionID()))

	_, err = c.Resume(h.SessionID(), "peer-2")
	require.ErrorIs(t, err, ErrStaleSession)
}

func TestObserve_CursorWalksTheLog(t *testing.T) {
	l := openLog(t, eventlog.Bounds{MaxEvents: 100})
	appendN(t, l, 1, 5)
	c := New(&captureSubmitter{}, l, Options{})
	ctx := context.Background()

	cur, err := c.Observe(ctx, "watcher")
	require.NoError(t, err)

	envs, err := cur.Next(ctx, 3)
	require.NoError(t, err)
	require.Len(t, envs, 3)
	assert.Equal(t, int64(3), cur.Position())

	envs, err = cur.Next(ctx, 10)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, int64(5), cur.Position())

	// Caught up: empty result, position unchanged.
	envs, err = cur.Next(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, envs)
}

func TestObserve_CursorInvalidationSurfacesAndSeekRecovers(t *testing.T) {
	l := openLog(t, eventlog.Bounds{MaxEvents: 3})
	appendN(t, l, 1, 2)
	c := New(&captureSubmitter{}, l, Options{})
	ctx := context.Background()

	cur, err := c.Observe(ctx, "watcher")
	require.NoError(t, err)

	envs, err := cur.Next(ctx, 10)
	require.NoError(t, err)
	require.Len(t, envs, 2)

	appendN(t, l, 3, 8) // rotation keeps 6..8; cursor at 2 is behind

	_, err = cur.Next(ctx, 10)
	require.Error(t, err)
	var ce *eventlog.CursorInvalidatedError
	require.ErrorAs(t, err, &ce)

	cur.Seek(ce.OldestRetained)
	envs, err = cur.Next(ctx, 10)
	require.NoError(t, err)
	require.Len(t, envs, 3)
	assert.Equal(t, int64(6), envs[0].Seq)
}
