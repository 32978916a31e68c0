package view

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"

	"ctxd/internal/event"
	"ctxd/internal/eventlog"
)

func seedLog(t *testing.T, bounds eventlog.Bounds) *eventlog.Log {
	t.Helper()
	l, err := eventlog.Open(filepath.Join(t.TempDir(), "ctxd.db"), bounds)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()

	envs := []*event.Envelope{
		{
			Seq: 1, PendingID: "p-1", OccurredAt: base, RecordedAt: base,
			ActorID: "local", Source: event.SourceShellHook, Layer: event.LayerPrimitive,
			Kind:    "CommandStarted",
			Payload: event.Object{"argv": event.Array{event.String("git"), event.String("commit")}, "n": event.Int(1)},
		},
		{
			Seq: 2, PendingID: "p-2", OccurredAt: base, RecordedAt: base,
			ActorID: "local", Source: event.SourceShellHook, Layer: event.LayerPrimitive,
			Kind:       "CommandStarted",
			Payload:    event.Object{"argv": event.Array{event.String("git"), event.String("commit")}, "n": event.Int(2)},
			Redactions: []event.Redaction{{RuleID: "generic-assignment", Count: 2}},
		},
		{
			Seq: 3, PendingID: "p-3", OccurredAt: base, RecordedAt: base,
			ActorID: "adapter:git", Source: event.SourceAdapter, Layer: event.LayerSemantic,
			Kind:       "GitCommitObserved",
			Payload:    event.Object{"branch": event.String("main")},
			Provenance: []int64{1, 2},
		},
	}
	for _, env := range envs {
		if err := l.Append(ctx, env); err != nil {
			t.Fatalf("Append(%d) failed: %v", env.Seq, err)
		}
	}
	return l
}

func seedN(t *testing.T, l *eventlog.Log, from, to int64) {
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
		if err := l.Append(context.Background(), env); err != nil {
			t.Fatalf("Append(%d) failed: %v", seq, err)
		}
	}
}

func TestMaterialize_Golden(t *testing.T) {
	l := seedLog(t, eventlog.Bounds{MaxEvents: 100})
	m := New(l, Budget{})

	v, err := m.Materialize(context.Background(), 0)
	if err != nil {
		t.Fatalf("Materialize() failed: %v", err)
	}
	data, err := v.RenderCanonical()
	if err != nil {
		t.Fatalf("RenderCanonical() failed: %v", err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "context_view", data)
}

func TestMaterialize_Deterministic(t *testing.T) {
	l := seedLog(t, eventlog.Bounds{MaxEvents: 100})
	m := New(l, Budget{})
	ctx := context.Background()

	var prev []byte
	for i := 0; i < 5; i++ {
		v, err := m.Materialize(ctx, 3)
		if err != nil {
			t.Fatalf("Materialize() failed: %v", err)
		}
		data, err := v.RenderCanonical()
		if err != nil {
			t.Fatalf("RenderCanonical() failed: %v", err)
		}
		if prev != nil && !bytes.Equal(prev, data) {
			t.Fatalf("run %d differs:\n%s\n%s", i, prev, data)
		}
		prev = data
	}
}

func TestMaterialize_UpToBoundsTheView(t *testing.T) {
	l := seedLog(t, eventlog.Bounds{MaxEvents: 100})
	m := New(l, Budget{})

	v, err := m.Materialize(context.Background(), 2)
	if err != nil {
		t.Fatalf("Materialize() failed: %v", err)
	}
	if v.UpTo != 2 || len(v.Entries) != 2 {
		t.Errorf("UpTo = %d, entries = %d, want 2 and 2", v.UpTo, len(v.Entries))
	}
	if v.Partial || v.Truncated {
		t.Errorf("unexpected flags: %+v", v)
	}

	// Past the tail means "everything so far".
	v, err = m.Materialize(context.Background(), 99)
	if err != nil {
		t.Fatalf("Materialize() failed: %v", err)
	}
	if v.UpTo != 3 || len(v.Entries) != 3 {
		t.Errorf("UpTo = %d, entries = %d, want 3 and 3", v.UpTo, len(v.Entries))
	}
}

func TestMaterialize_PartialAfterRotation(t *testing.T) {
	l := seedLog(t, eventlog.Bounds{MaxEvents: 3})
	seedN(t, l, 4, 8) // rotation keeps 6..8

	v, err := New(l, Budget{}).Materialize(context.Background(), 0)
	if err != nil {
		t.Fatalf("Materialize() failed: %v", err)
	}
	if !v.Partial {
		t.Error("view over a rotated prefix must be marked partial")
	}
	if len(v.Entries) != 3 || v.Entries[0].Seq != 6 {
		t.Errorf("entries = %+v", v.Entries)
	}
}

func TestMaterialize_RequestBelowHorizonIsEmptyPartial(t *testing.T) {
	l := seedLog(t, eventlog.Bounds{MaxEvents: 3})
	seedN(t, l, 4, 8)

	v, err := New(l, Budget{}).Materialize(context.Background(), 2)
	if err != nil {
		t.Fatalf("Materialize() failed: %v", err)
	}
	if !v.Partial || len(v.Entries) != 0 {
		t.Errorf("view = %+v, want empty partial", v)
	}
}

func TestMaterialize_EntryBudgetKeepsNewest(t *testing.T) {
	l := seedLog(t, eventlog.Bounds{MaxEvents: 100})

	v, err := New(l, Budget{MaxEntries: 2}).Materialize(context.Background(), 0)
	if err != nil {
		t.Fatalf("Materialize() failed: %v", err)
	}
	if !v.Truncated {
		t.Error("budget cut must set Truncated")
	}
	if len(v.Entries) != 2 || v.Entries[0].Seq != 2 || v.Entries[1].Seq != 3 {
		t.Errorf("entries = %+v, want seqs 2 and 3", v.Entries)
	}
}

func TestMaterialize_ByteBudgetKeepsNewest(t *testing.T) {
	l := seedLog(t, eventlog.Bounds{MaxEvents: 100})

	// Entry payloads are 31, 31, and 17 canonical bytes.
	v, err := New(l, Budget{MaxBytes: 50}).Materialize(context.Background(), 0)
	if err != nil {
		t.Fatalf("Materialize() failed: %v", err)
	}
	if !v.Truncated {
		t.Error("budget cut must set Truncated")
	}
	if len(v.Entries) != 2 || v.Entries[0].Seq != 2 {
		t.Errorf("entries = %+v, want seqs 2 and 3", v.Entries)
	}

	var total int64
	for _, e := range v.Entries {
		total += e.PayloadBytes
	}
	if total > 50 {
		t.Errorf("retained %d bytes, budget is 50", total)
	}
}
