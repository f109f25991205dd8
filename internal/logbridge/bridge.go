// Package logbridge fans ordered per-run log events out to live subscribers.
//
// Semantics are live-tail, not audit log: a subscriber receives only events
// published after it joined, every concurrent subscriber sees the identical
// ordered sequence, and once a run's channel is closed out the stream ends
// for everyone. Nothing is buffered for runs with no subscribers.
//
// Delivery must never stall the publishing pipeline: each subscriber owns a
// bounded buffer and the oldest events are dropped when a consumer falls
// behind. A stalled dashboard tab costs that tab lines, not the run time.
package logbridge

import (
	"sync"
)

// Level classifies a log event.
type Level string

const (
	LevelInfo    Level = "INFO"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
	LevelSuccess Level = "SUCCESS"
)

// Event is one log line. Events are ephemeral: the bridge forwards them and
// keeps nothing.
type Event struct {
	Level Level  `json:"level"`
	Text  string `json:"text"`
}

// DefaultSubscriberBuffer is the per-subscriber event buffer size.
const DefaultSubscriberBuffer = 256

// Subscription is one listener's handle on a run's event stream. C is closed
// when the run finishes or the subscription is cancelled.
type Subscription struct {
	C chan Event

	topic *topic
}

type topic struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// Bridge owns one topic per open run id. The orchestrator opens a topic at
// launch and closes it when the run reaches a terminal state; a closed topic
// is removed, so the bridge holds no state for finished runs.
type Bridge struct {
	mu     sync.Mutex
	topics map[string]*topic

	// buffer is the per-subscriber channel capacity; settable for tests.
	buffer int
}

// New returns an empty bridge.
func New() *Bridge {
	return &Bridge{
		topics: make(map[string]*topic),
		buffer: DefaultSubscriberBuffer,
	}
}

// Open creates the topic for runID. Opening an already-open topic is a
// no-op. Run ids are never reused, so reopening a finished run cannot occur
// in practice.
func (b *Bridge) Open(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[runID]; !ok {
		b.topics[runID] = &topic{subs: make(map[*Subscription]struct{})}
	}
}

func (b *Bridge) topicFor(runID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.topics[runID]
}

// Publish forwards ev to every current subscriber of runID, in publish
// order. Publishing to a run nobody watches is cheap, and publishing to an
// unknown or finished run is silently dropped.
func (b *Bridge) Publish(runID string, ev Event) {
	t := b.topicFor(runID)
	if t == nil {
		return
	}

	// The topic lock serializes publishers, which is what guarantees every
	// subscriber observes one identical order.
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	for s := range t.subs {
		select {
		case s.C <- ev:
		default:
			// Full buffer: drop the oldest, then retry once. The consumer
			// may race the drain, so the retry stays non-blocking too.
			select {
			case <-s.C:
			default:
			}
			select {
			case s.C <- ev:
			default:
			}
		}
	}
}

// Subscribe registers a new listener for runID. Events published before the
// call are not replayed. Subscribing to an unknown or already-finished run
// returns a subscription whose channel is already closed, so late joiners
// disconnect cleanly instead of hanging.
func (b *Bridge) Subscribe(runID string) *Subscription {
	t := b.topicFor(runID)
	if t == nil {
		s := &Subscription{C: make(chan Event)}
		close(s.C)
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s := &Subscription{C: make(chan Event, b.buffer), topic: t}
	if t.closed {
		close(s.C)
		return s
	}
	t.subs[s] = struct{}{}
	return s
}

// Cancel removes the subscription without affecting other listeners. Safe to
// call more than once and after the stream has closed.
func (s *Subscription) Cancel() {
	t := s.topic
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.subs[s]; !ok {
		return
	}
	delete(t.subs, s)
	close(s.C)
}

// Close terminates runID's stream: every subscriber channel is closed and
// the topic is forgotten. Safe to call for unknown ids.
func (b *Bridge) Close(runID string) {
	b.mu.Lock()
	t := b.topics[runID]
	delete(b.topics, runID)
	b.mu.Unlock()
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for s := range t.subs {
		close(s.C)
		delete(t.subs, s)
	}
}
