package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctxd/internal/adapter"
	"ctxd/internal/config"
	"ctxd/internal/event"
	"ctxd/internal/eventlog"
	"ctxd/internal/gateway"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database = filepath.Join(t.TempDir(), "ctxd.db")
	return cfg
}

func startDaemon(t *testing.T, cfg config.Config, adapters ...adapter.Adapter) *Daemon {
	t.Helper()
	d, err := New(context.Background(), cfg, adapters...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("daemon did not stop")
		}
		d.Close()
	})
	return d
}

func commandSubmission(actor string, n int) event.Submission {
	return event.Submission{
		OccurredAt: time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC).Add(time.Duration(n) * time.Millisecond),
		ActorID:    actor,
		Source:     event.SourceShellHook,
		Layer:      event.LayerPrimitive,
		Kind:       "CommandStarted",
		Payload: event.Object{
			"argv": event.Array{event.String("ls")},
			"cwd":  event.String(fmt.Sprintf("/work/%s/%d", actor, n)),
		},
	}
}

func waitLatest(t *testing.T, d *Daemon, want int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return d.Sequencer().Latest() >= want && d.Sequencer().QueueDepth() == 0
	}, 30*time.Second, 5*time.Millisecond, "log never reached sequence %d", want)
}

func TestDaemon_SubmitCommitRead(t *testing.T) {
	d := startDaemon(t, testConfig(t))
	ctx := context.Background()

	acc, err := d.Gateway().Submit(ctx, commandSubmission("local", 1))
	require.NoError(t, err)
	waitLatest(t, d, 1)

	r, ok := d.Sequencer().Resolve(acc.PendingID)
	require.True(t, ok)
	require.Equal(t, int64(1), r.Seq)

	env, err := d.Log().ReadOne(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "CommandStarted", env.Kind)
	assert.Equal(t, "local", env.ActorID)

	v, err := d.Views().Materialize(ctx, 0)
	require.NoError(t, err)
	require.Len(t, v.Entries, 1)
	assert.False(t, v.Partial)
}

func TestDaemon_FourProducersThousandEventsBoundHundred(t *testing.T) {
	cfg := testConfig(t)
	cfg.Log.MaxEvents = 100
	cfg.Log.MaxBytes = 0
	d := startDaemon(t, cfg)
	ctx := context.Background()

	const producers = 4
	const perProducer = 250

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			actor := fmt.Sprintf("actor-%d", p)
			for n := 0; n < perProducer; n++ {
				_, err := d.Gateway().Submit(ctx, commandSubmission(actor, n))
				if err != nil {
					t.Errorf("Submit(%s, %d) failed: %v", actor, n, err)
					return
				}
			}
		}(p)
	}
	wg.Wait()
	waitLatest(t, d, producers*perProducer)

	latest, err := d.Log().LatestSequence(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1000), latest, "rotation must never reuse or renumber sequences")

	// The most recent 100 are intact and in order.
	envs, err := d.Log().Read(ctx, latest-99, 100)
	require.NoError(t, err)
	require.Len(t, envs, 100)
	for i, env := range envs {
		require.Equal(t, latest-99+int64(i), env.Seq)
	}

	// Everything older was rotated away.
	_, err = d.Log().Read(ctx, 1, 10)
	require.True(t, eventlog.IsCursorInvalidated(err), "expected invalidated cursor, got %v", err)
}

func TestDaemon_ConfiguredRejectBackpressure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backpressure = "reject"
	cfg.QueueDepth = 1

	// No Run: the committer never drains, so the second submission
	// meets a full queue.
	d, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	ctx := context.Background()

	_, err = d.Gateway().Submit(ctx, commandSubmission("local", 1))
	require.NoError(t, err)

	_, err = d.Gateway().Submit(ctx, commandSubmission("local", 2))
	reason, ok := gateway.IsRejected(err)
	require.True(t, ok, "expected busy rejection, got %v", err)
	assert.Equal(t, gateway.RejectBusy, reason)
}

type gitAdapter struct{}

func (gitAdapter) Name() string { return "git" }

func (gitAdapter) Classify(source event.Source, tool string) adapter.CapabilityLevel {
	if tool == "git" {
		return adapter.CapabilitySemantic
	}
	return adapter.CapabilityUnknown
}

func (gitAdapter) Synthesize(ctx context.Context, batch []event.Envelope) ([]event.Submission, error) {
	var subs []event.Submission
	for _, env := range batch {
		if env.Kind != "CommandStarted" || env.Layer != event.LayerPrimitive {
			continue
		}
		subs = append(subs, event.Submission{
			OccurredAt: env.OccurredAt,
			Layer:      event.LayerSemantic,
			Kind:       "GitCommitObserved",
			Payload:    event.Object{"branch": event.String("main")},
			Provenance: []int64{env.Seq},
		})
	}
	return subs, nil
}

func TestDaemon_AdapterSynthesizesSemanticEvent(t *testing.T) {
	d := startDaemon(t, testConfig(t), gitAdapter{})
	ctx := context.Background()

	assert.Equal(t, adapter.CapabilitySemantic, d.Capability(event.SourceShellHook, "git"))
	assert.Equal(t, adapter.CapabilityUnknown, d.Capability(event.SourceShellHook, "vim"))

	_, err := d.Gateway().Submit(ctx, commandSubmission("local", 1))
	require.NoError(t, err)
	waitLatest(t, d, 1)

	// The runner polls on an interval; wait for the synthesized envelope.
	require.Eventually(t, func() bool {
		return d.Sequencer().Latest() >= 2
	}, 30*time.Second, 10*time.Millisecond)
	waitLatest(t, d, 2)

	env, err := d.Log().ReadOne(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "GitCommitObserved", env.Kind)
	assert.Equal(t, event.SourceAdapter, env.Source)
	assert.Equal(t, event.LayerSemantic, env.Layer)
	assert.Equal(t, "adapter:git", env.ActorID)
	assert.Equal(t, []int64{1}, env.Provenance)

	trace, err := d.Log().Trace(ctx, 2)
	require.NoError(t, err)
	require.Len(t, trace, 1)
	assert.Equal(t, int64(1), trace[0].Seq)
	assert.False(t, trace[0].Evicted)
}

func TestDaemon_RemoteSessionSubmits(t *testing.T) {
	d := startDaemon(t, testConfig(t))
	ctx := context.Background()

	h, err := d.Sessions().Admit("peer-1")
	require.NoError(t, err)

	_, err = h.Submit(ctx, event.Submission{
		OccurredAt: time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC),
		Layer:      event.LayerPrimitive,
		Kind:       "Note",
		Payload:    event.Object{"text": event.String("deploying api-server password=hunter2secret")},
	})
	require.NoError(t, err)
	waitLatest(t, d, 1)

	env, err := d.Log().ReadOne(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "peer-1", env.ActorID)
	assert.Equal(t, event.SourceRemote, env.Source)

	// The remote payload went through redaction like everything else.
	data, err := event.MarshalCanonical(env.Payload)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2secret")
}
