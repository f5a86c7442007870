package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestEmitAssignsMonotonicSeq(t *testing.T) {
	sink := NewMemorySink()
	ch := NewChannel(sink)
	stream := ch.Bind("conv-1", "inv-1", "user-1", nil)
	defer stream.Close()

	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		seq := stream.Emit(ctx, "node-a", KindStarted, nil)
		if seq != i {
			t.Fatalf("emit %d assigned seq %d", i, seq)
		}
	}

	rows := sink.ForInvocation("user-1", "conv-1", "inv-1")
	if len(rows) != 5 {
		t.Fatalf("expected 5 rows, got %d", len(rows))
	}
	for i, row := range rows {
		if row.Seq != i+1 {
			t.Errorf("row %d has seq %d, sink order broken", i, row.Seq)
		}
	}
}

func TestSeqIndependentPerInvocation(t *testing.T) {
	ch := NewChannel(NewMemorySink())
	ctx := context.Background()

	a := ch.Bind("conv-1", "inv-a", "u", nil)
	b := ch.Bind("conv-1", "inv-b", "u", nil)
	defer a.Close()
	defer b.Close()

	if seq := a.Emit(ctx, "n", KindStarted, nil); seq != 1 {
		t.Errorf("inv-a first seq = %d", seq)
	}
	if seq := b.Emit(ctx, "n", KindStarted, nil); seq != 1 {
		t.Errorf("inv-b first seq = %d", seq)
	}
	if seq := a.Emit(ctx, "n", KindCompleted, nil); seq != 2 {
		t.Errorf("inv-a second seq = %d", seq)
	}
}

func TestOwnerFanOut(t *testing.T) {
	sink := NewMemorySink()
	ch := NewChannel(sink)
	owners := []string{"agent-7", "supervisor"}
	stream := ch.Bind("conv-1", "inv-1", "user-1", func() []string { return owners })
	defer stream.Close()

	stream.Emit(context.Background(), "node-a", KindCompleted, map[string]any{"ok": true})

	for _, owner := range []string{"user-1", "agent-7", "supervisor"} {
		rows := sink.ForOwner(owner, "conv-1")
		if len(rows) != 1 {
			t.Errorf("owner %s got %d rows, want 1", owner, len(rows))
			continue
		}
		if rows[0].Seq != 1 || rows[0].Kind != KindCompleted {
			t.Errorf("owner %s row corrupted: %+v", owner, rows[0])
		}
	}
	if got := len(sink.Events()); got != 3 {
		t.Errorf("expected 3 rows total (one per owner), got %d", got)
	}
}

func TestOwnerSetDeduplicatesInvoker(t *testing.T) {
	sink := NewMemorySink()
	ch := NewChannel(sink)
	// ownersFn already lists the invoking user; it must not double-write.
	stream := ch.Bind("conv-1", "inv-1", "user-1", func() []string { return []string{"user-1"} })
	defer stream.Close()

	stream.Emit(context.Background(), "n", KindStarted, nil)
	if got := len(sink.Events()); got != 1 {
		t.Errorf("expected 1 row, got %d", got)
	}
}

func TestWriteRetriesTransientFailure(t *testing.T) {
	sink := NewMemorySink()
	var mu sync.Mutex
	failures := 2
	sink.FailWrites = func(Event) error {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return errors.New("connection reset")
		}
		return nil
	}

	ch := NewChannel(sink, WithWriteRetry(WriteRetry{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}))
	stream := ch.Bind("conv-1", "inv-1", "user-1", nil)
	defer stream.Close()

	stream.Emit(context.Background(), "n", KindStarted, nil)
	if got := len(sink.Events()); got != 1 {
		t.Errorf("expected row after retries, got %d rows", got)
	}
}

func TestWriteExhaustionNeverFailsEmit(t *testing.T) {
	sink := NewMemorySink()
	sink.FailWrites = func(Event) error { return errors.New("sink down") }

	var dropped []Event
	var mu sync.Mutex
	ch := NewChannel(sink,
		WithWriteRetry(WriteRetry{MaxAttempts: 2, BaseDelay: time.Millisecond}),
		WithDropHandler(func(e Event) {
			mu.Lock()
			defer mu.Unlock()
			dropped = append(dropped, e)
		}))
	stream := ch.Bind("conv-1", "inv-1", "user-1", nil)
	defer stream.Close()

	// Must not panic or block; seq still advances.
	if seq := stream.Emit(context.Background(), "n", KindStarted, nil); seq != 1 {
		t.Errorf("seq = %d", seq)
	}
	if seq := stream.Emit(context.Background(), "n", KindCompleted, nil); seq != 2 {
		t.Errorf("seq = %d", seq)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(dropped) != 2 {
		t.Errorf("expected 2 dropped events, got %d", len(dropped))
	}
}

func TestCloseReleasesSeqCounter(t *testing.T) {
	ch := NewChannel(NewMemorySink())
	stream := ch.Bind("conv-1", "inv-1", "u", nil)
	stream.Emit(context.Background(), "n", KindStarted, nil)
	stream.Close()

	// A re-bound invocation id starts over; completed invocations do not
	// leak counters.
	again := ch.Bind("conv-1", "inv-1", "u", nil)
	defer again.Close()
	if seq := again.Emit(context.Background(), "n", KindStarted, nil); seq != 1 {
		t.Errorf("expected fresh counter after Close, got seq %d", seq)
	}
}

type captureObserver struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureObserver) Observe(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func TestObserverSeesLogicalEventOnce(t *testing.T) {
	obs := &captureObserver{}
	ch := NewChannel(NewMemorySink(), WithObserver(obs))
	stream := ch.Bind("conv-1", "inv-1", "user-1", func() []string { return []string{"a", "b"} })
	defer stream.Close()

	stream.Emit(context.Background(), "n", KindStarted, nil)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.events) != 1 {
		t.Errorf("observer saw %d events, want 1 (not per-owner)", len(obs.events))
	}
}
