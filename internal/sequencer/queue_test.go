package sequencer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"ctxd/internal/event"
)

func queueItem(id string) Item {
	return Item{
		PendingID: id,
		Sub: event.Submission{
			ActorID: "local",
			Source:  event.SourceShellHook,
			Layer:   event.LayerPrimitive,
			Kind:    "CommandStarted",
			Payload: event.Object{"id": event.String(id)},
		},
	}
}

func TestQueue_FIFO(t *testing.T) {
	q := newCommitQueue(10)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := q.Enqueue(ctx, queueItem(fmt.Sprintf("p-%d", i)), BackpressureBlock); err != nil {
			t.Fatalf("Enqueue(%d) failed: %v", i, err)
		}
	}

	for i := 0; i < 5; i++ {
		item, ok := q.TryDequeue()
		if !ok {
			t.Fatalf("TryDequeue() empty at %d", i)
		}
		if want := fmt.Sprintf("p-%d", i); item.PendingID != want {
			t.Errorf("dequeued %q, want %q", item.PendingID, want)
		}
	}

	if _, ok := q.TryDequeue(); ok {
		t.Error("TryDequeue() on empty queue returned an item")
	}
}

func TestQueue_RejectPolicyFailsFastWhenFull(t *testing.T) {
	q := newCommitQueue(2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := q.Enqueue(ctx, queueItem(fmt.Sprintf("p-%d", i)), BackpressureReject); err != nil {
			t.Fatalf("Enqueue(%d) failed: %v", i, err)
		}
	}

	err := q.Enqueue(ctx, queueItem("p-overflow"), BackpressureReject)
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestQueue_BlockPolicyWaitsForSpace(t *testing.T) {
	q := newCommitQueue(1)
	ctx := context.Background()

	if err := q.Enqueue(ctx, queueItem("p-0"), BackpressureBlock); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- q.Enqueue(ctx, queueItem("p-1"), BackpressureBlock)
	}()

	select {
	case err := <-done:
		t.Fatalf("Enqueue() returned %v before space was available", err)
	case <-time.After(50 * time.Millisecond):
	}

	if _, ok := q.TryDequeue(); !ok {
		t.Fatal("TryDequeue() failed")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocked Enqueue() failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked Enqueue() never completed after space opened")
	}
}

func TestQueue_BlockPolicyHonorsContext(t *testing.T) {
	q := newCommitQueue(1)
	if err := q.Enqueue(context.Background(), queueItem("p-0"), BackpressureBlock); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := q.Enqueue(ctx, queueItem("p-1"), BackpressureBlock)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
}

func TestQueue_RemovePullsQueuedItem(t *testing.T) {
	q := newCommitQueue(10)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, queueItem(fmt.Sprintf("p-%d", i)), BackpressureBlock); err != nil {
			t.Fatalf("Enqueue(%d) failed: %v", i, err)
		}
	}

	if !q.Remove("p-1") {
		t.Fatal("Remove(p-1) failed")
	}
	if q.Remove("p-1") {
		t.Error("Remove(p-1) succeeded twice")
	}

	var got []string
	for {
		item, ok := q.TryDequeue()
		if !ok {
			break
		}
		got = append(got, item.PendingID)
	}
	if len(got) != 2 || got[0] != "p-0" || got[1] != "p-2" {
		t.Errorf("remaining items = %v, want [p-0 p-2]", got)
	}
}

func TestQueue_CloseRejectsEnqueueAndWakesBlocked(t *testing.T) {
	q := newCommitQueue(1)
	ctx := context.Background()

	if err := q.Enqueue(ctx, queueItem("p-0"), BackpressureBlock); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- q.Enqueue(ctx, queueItem("p-1"), BackpressureBlock)
	}()
	time.Sleep(20 * time.Millisecond)

	q.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("blocked Enqueue() after Close = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked Enqueue() never woke after Close")
	}

	if err := q.Enqueue(ctx, queueItem("p-2"), BackpressureReject); !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue() after Close = %v, want ErrClosed", err)
	}
}
