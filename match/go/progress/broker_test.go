package progress

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infernokun/inferno-comics-match/go/testutils/unittest"
	"github.com/infernokun/inferno-comics-match/match/go/types"
)

func progressAt(sessionID string, progress float64) types.ProgressEvent {
	return types.ProgressEvent{
		Type:      types.EventProgress,
		SessionID: sessionID,
		Stage:     types.StageComparingImages,
		Progress:  progress,
	}
}

func TestBrokerDeliversInOrderAndClosesOnTerminal(t *testing.T) {
	unittest.SmallTest(t)
	ctx := context.Background()
	b := NewBroker(8)
	ch, cancel := b.Subscribe("s-1")
	defer cancel()

	b.SendEvent(ctx, progressAt("s-1", 10))
	b.SendEvent(ctx, progressAt("s-1", 20))
	b.SendComplete(ctx, types.ProgressEvent{
		Type:      types.EventComplete,
		SessionID: "s-1",
		Stage:     types.StageComplete,
		Progress:  100,
	}, nil)

	var got []float64
	for ev := range ch {
		got = append(got, ev.Progress)
	}
	assert.Equal(t, []float64{10, 20, 100}, got)
}

func TestBrokerOverflowDropsNewest(t *testing.T) {
	unittest.SmallTest(t)
	ctx := context.Background()
	b := NewBroker(2)
	ch, cancel := b.Subscribe("s-1")
	defer cancel()

	// Nobody is draining, so events three and four are dropped on arrival.
	for i := 1; i <= 4; i++ {
		b.SendEvent(ctx, progressAt("s-1", float64(i)))
	}

	assert.Equal(t, 1.0, (<-ch).Progress)
	assert.Equal(t, 2.0, (<-ch).Progress)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event after overflow: %+v", ev)
	default:
	}
}

func TestBrokerCancelStopsDelivery(t *testing.T) {
	unittest.SmallTest(t)
	ctx := context.Background()
	b := NewBroker(2)
	ch, cancel := b.Subscribe("s-1")

	cancel()
	_, ok := <-ch
	require.False(t, ok)

	// No subscribers left; delivery is a no-op.
	b.SendEvent(ctx, progressAt("s-1", 10))

	// Cancel again is harmless.
	cancel()
}

func TestBrokerSessionIsolation(t *testing.T) {
	unittest.SmallTest(t)
	ctx := context.Background()
	b := NewBroker(4)
	chA, cancelA := b.Subscribe("a")
	defer cancelA()
	chB, cancelB := b.Subscribe("b")
	defer cancelB()

	b.SendEvent(ctx, progressAt("a", 15))

	assert.Equal(t, 15.0, (<-chA).Progress)
	select {
	case ev := <-chB:
		t.Fatalf("event leaked across sessions: %+v", ev)
	default:
	}
}

func TestBrokerMultipleSubscribersEachGetEvents(t *testing.T) {
	unittest.SmallTest(t)
	ctx := context.Background()
	b := NewBroker(4)
	ch1, cancel1 := b.Subscribe("s-1")
	defer cancel1()
	ch2, cancel2 := b.Subscribe("s-1")
	defer cancel2()

	b.SendEvent(ctx, progressAt("s-1", 33))

	assert.Equal(t, 33.0, (<-ch1).Progress)
	assert.Equal(t, 33.0, (<-ch2).Progress)
}
