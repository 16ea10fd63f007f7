package progress

import (
	"context"
	"sync"

	"github.com/infernokun/inferno-comics-match/go/metrics2"
	"github.com/infernokun/inferno-comics-match/go/sklog"
	"github.com/infernokun/inferno-comics-match/match/go/types"
)

// DefaultQueueSize is the per-subscriber event buffer.
const DefaultQueueSize = 64

// Broker fans events out to in-process subscribers, keyed by session.
// Delivery never blocks the producer: when a subscriber's queue is full the
// incoming event is dropped and a warning logged. Subscriber channels are
// closed after the session's terminal event is delivered.
type Broker struct {
	queueSize int
	dropped   metrics2.Counter

	mtx  sync.Mutex
	subs map[string][]chan types.ProgressEvent
}

// NewBroker returns a Broker. queueSize <= 0 selects DefaultQueueSize.
func NewBroker(queueSize int) *Broker {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Broker{
		queueSize: queueSize,
		dropped:   metrics2.GetCounter("match_progress_events_dropped", nil),
		subs:      map[string][]chan types.ProgressEvent{},
	}
}

// Subscribe registers for a session's events. The returned cancel func must
// be called unless the channel was closed by a terminal event.
func (b *Broker) Subscribe(sessionID string) (<-chan types.ProgressEvent, func()) {
	ch := make(chan types.ProgressEvent, b.queueSize)
	b.mtx.Lock()
	b.subs[sessionID] = append(b.subs[sessionID], ch)
	b.mtx.Unlock()

	cancel := func() {
		b.mtx.Lock()
		defer b.mtx.Unlock()
		chans := b.subs[sessionID]
		for i, c := range chans {
			if c == ch {
				b.subs[sessionID] = append(chans[:i], chans[i+1:]...)
				close(c)
				break
			}
		}
		if len(b.subs[sessionID]) == 0 {
			delete(b.subs, sessionID)
		}
	}
	return ch, cancel
}

// SendEvent implements Transport.
func (b *Broker) SendEvent(ctx context.Context, ev types.ProgressEvent) {
	b.deliver(ev)
}

// SendComplete implements Transport. The result itself is not forwarded;
// local subscribers fetch it from the session store once they see the
// terminal event.
func (b *Broker) SendComplete(ctx context.Context, ev types.ProgressEvent, result *types.SessionResult) {
	b.deliver(ev)
}

// SendProcessedFile implements Transport. File announcements are only
// meaningful to the external service.
func (b *Broker) SendProcessedFile(ctx context.Context, file ProcessedFile) {}

func (b *Broker) deliver(ev types.ProgressEvent) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	for _, ch := range b.subs[ev.SessionID] {
		select {
		case ch <- ev:
		default:
			b.dropped.Inc(1)
			sklog.Warningf("Subscriber queue full for session %s, dropping %s event at %.1f%%", ev.SessionID, ev.Type, ev.Progress)
		}
	}
	if ev.Stage.Terminal() {
		for _, ch := range b.subs[ev.SessionID] {
			close(ch)
		}
		delete(b.subs, ev.SessionID)
	}
}

var _ Transport = (*Broker)(nil)
