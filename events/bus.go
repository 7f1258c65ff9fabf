package events

import (
	"sync"
)

const (
	// defaultSubscriberBuffer is the channel depth for each subscriber.
	defaultSubscriberBuffer = 256
	// defaultReplaySize is how many recent events the bus retains for
	// replay/debugging.
	defaultReplaySize = 128
)

// Bus routes events to subscribers by kind. Subscribers register interest in
// specific kinds rather than filtering a firehose. Publish preserves the
// caller's ordering: events published from a single goroutine (one subprocess
// pipeline) are delivered to each subscriber in publication order.
type Bus struct {
	mu          sync.RWMutex
	subscribers []*subscription
	replay      []PanelEvent
	replayNext  int
	replaySize  int
	closed      bool
}

type subscription struct {
	kinds map[Kind]bool
	ch    chan PanelEvent
}

// Subscription is a registered interest in one or more event kinds.
type Subscription struct {
	bus *Bus
	sub *subscription
}

// Events returns the channel events are delivered on.
func (s *Subscription) Events() <-chan PanelEvent {
	return s.sub.ch
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.sub)
}

// NewBus creates a Bus with the default replay buffer size.
func NewBus() *Bus {
	return &Bus{replaySize: defaultReplaySize}
}

// Subscribe registers interest in the given kinds. Passing no kinds
// subscribes to everything.
func (b *Bus) Subscribe(kinds ...Kind) *Subscription {
	sub := &subscription{
		ch: make(chan PanelEvent, defaultSubscriberBuffer),
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return &Subscription{bus: b, sub: sub}
	}
	b.subscribers = append(b.subscribers, sub)
	return &Subscription{bus: b, sub: sub}
}

func (b *Bus) unsubscribe(target *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subscribers {
		if sub == target {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// Publish delivers an event to every subscriber interested in its kind and
// records it in the replay buffer. A subscriber that has fallen behind loses
// its oldest buffered event rather than blocking the publisher.
func (b *Bus) Publish(ev PanelEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.record(ev)

	for _, sub := range b.subscribers {
		if sub.kinds != nil && !sub.kinds[ev.Kind] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Drop the oldest event to make room
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}

// record appends to the fixed-size replay ring. Caller must hold mu.
func (b *Bus) record(ev PanelEvent) {
	if len(b.replay) < b.replaySize {
		b.replay = append(b.replay, ev)
		return
	}
	b.replay[b.replayNext] = ev
	b.replayNext = (b.replayNext + 1) % b.replaySize
}

// Replay returns the retained recent events, oldest first.
func (b *Bus) Replay() []PanelEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]PanelEvent, 0, len(b.replay))
	if len(b.replay) < b.replaySize {
		return append(out, b.replay...)
	}
	out = append(out, b.replay[b.replayNext:]...)
	out = append(out, b.replay[:b.replayNext]...)
	return out
}

// Close unregisters all subscribers and closes their channels.
// Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subscribers {
		close(sub.ch)
	}
	b.subscribers = nil
}
