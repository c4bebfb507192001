// Package eventbus is the Event Bus described in the session orchestration
// core: it appends every Event to the Repository Layer for durable replay,
// then fans it out live over the generic transport bus with a bounded
// per-subscriber queue. A subscriber that falls behind is disconnected
// (BackpressureLost) rather than allowed to block publication or grow
// without bound.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kandev/sessiond/internal/common/coreerr"
	"github.com/kandev/sessiond/internal/common/logger"
	"github.com/kandev/sessiond/internal/events"
	"github.com/kandev/sessiond/internal/events/bus"
	"github.com/kandev/sessiond/internal/session/models"
	"github.com/kandev/sessiond/internal/session/repository"
	"go.uber.org/zap"
)

const defaultQueueDepth = 256

// Bus is the session-scoped Event Bus.
type Bus struct {
	transport  bus.EventBus
	repo       repository.Repository
	queueDepth int
	log        *logger.Logger
}

// New constructs a Bus. queueDepth <= 0 falls back to a sane default so a
// missing config value never produces an unbounded or zero-capacity queue.
func New(transport bus.EventBus, repo repository.Repository, queueDepth int, log *logger.Logger) *Bus {
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	return &Bus{transport: transport, repo: repo, queueDepth: queueDepth, log: log}
}

// Publish durably appends event (allocating its Sequence) and then fans it
// out to live subscribers of its session. Persistence happens first so a
// subscriber that later replays from LatestSequence never misses it, even if
// no one was listening live.
func (b *Bus) Publish(ctx context.Context, event *models.Event) error {
	if err := b.repo.AppendEvent(ctx, event); err != nil {
		return err
	}

	raw, err := json.Marshal(event)
	if err != nil {
		return coreerr.InternalErr("marshal event for transport", err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return coreerr.InternalErr("unmarshal event for transport", err)
	}

	wire := bus.NewEvent(string(event.Type), "sessiond", data)
	if err := b.transport.Publish(ctx, events.BuildSessionSubject(event.SessionID), wire); err != nil {
		return coreerr.TransientErr("publish event", err)
	}
	return nil
}

// Subscription is a live, bounded stream of Events for one Session.
type Subscription struct {
	Events <-chan *models.Event
	// Lost is closed if the subscriber fell behind and was disconnected.
	Lost   <-chan struct{}
	cancel func()
}

// Close tears down the subscription and its underlying transport subscription.
func (s *Subscription) Close() {
	s.cancel()
}

// Subscribe replays every persisted Event after fromSequence (0 for the full
// history) into the returned channel, then keeps delivering live events.
// fromSequence lets a reconnecting client resume exactly where it left off
// instead of re-reading the whole history or missing events published in the
// gap.
func (b *Bus) Subscribe(ctx context.Context, sessionID string, fromSequence int64) (*Subscription, error) {
	replay, err := b.repo.ListEvents(ctx, sessionID, fromSequence, 0)
	if err != nil {
		return nil, err
	}

	ch := make(chan *models.Event, b.queueDepth)
	lost := make(chan struct{})
	var lostOnce sync.Once
	var disconnected atomic.Bool

	for _, e := range replay {
		select {
		case ch <- e:
		default:
			// Caller sized the queue too small for its own backlog; drop the
			// oldest-first replay tail rather than block Subscribe forever.
			disconnected.Store(true)
			lostOnce.Do(func() { close(lost) })
		}
	}

	sub, err := b.transport.Subscribe(events.BuildSessionSubject(sessionID), func(_ context.Context, wire *bus.Event) error {
		if disconnected.Load() {
			return nil
		}

		raw, err := json.Marshal(wire.Data)
		if err != nil {
			return fmt.Errorf("marshal wire event: %w", err)
		}
		var event models.Event
		if err := json.Unmarshal(raw, &event); err != nil {
			return fmt.Errorf("unmarshal wire event: %w", err)
		}

		select {
		case ch <- &event:
		default:
			disconnected.Store(true)
			lostOnce.Do(func() { close(lost) })
			b.log.Warn("subscriber disconnected for backpressure",
				zap.String("session_id", sessionID), zap.Int("queue_depth", b.queueDepth))
		}
		return nil
	})
	if err != nil {
		close(ch)
		return nil, coreerr.TransientErr("subscribe to session events", err)
	}

	cancel := func() {
		disconnected.Store(true)
		_ = sub.Unsubscribe()
	}
	return &Subscription{Events: ch, Lost: lost, cancel: cancel}, nil
}
