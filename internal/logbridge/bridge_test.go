package logbridge

import (
	"fmt"
	"testing"
	"time"
)

func drain(s *Subscription) []Event {
	var out []Event
	for ev := range s.C {
		out = append(out, ev)
	}
	return out
}

// TestFanOutIdenticalOrder verifies every concurrent subscriber observes the
// same events in the same order.
func TestFanOutIdenticalOrder(t *testing.T) {
	t.Parallel()

	b := New()
	b.Open("run1")

	s1 := b.Subscribe("run1")
	s2 := b.Subscribe("run1")
	s3 := b.Subscribe("run1")

	const n = 100
	for i := 0; i < n; i++ {
		b.Publish("run1", Event{Level: LevelInfo, Text: fmt.Sprintf("line %d", i)})
	}
	b.Close("run1")

	for _, s := range []*Subscription{s1, s2, s3} {
		got := drain(s)
		if len(got) != n {
			t.Fatalf("subscriber got %d events, want %d", len(got), n)
		}
		for i, ev := range got {
			if want := fmt.Sprintf("line %d", i); ev.Text != want {
				t.Fatalf("event %d = %q, want %q", i, ev.Text, want)
			}
		}
	}
}

// TestNoReplay verifies a late subscriber sees only events published after
// it joined.
func TestNoReplay(t *testing.T) {
	t.Parallel()

	b := New()
	b.Open("run1")

	b.Publish("run1", Event{Level: LevelInfo, Text: "early"})

	s := b.Subscribe("run1")
	b.Publish("run1", Event{Level: LevelInfo, Text: "late"})
	b.Close("run1")

	got := drain(s)
	if len(got) != 1 || got[0].Text != "late" {
		t.Fatalf("late subscriber got %v, want only the late event", got)
	}
}

// TestSubscribeUnknownRun verifies subscribing to an unknown or finished run
// yields an immediately closed channel instead of a hang.
func TestSubscribeUnknownRun(t *testing.T) {
	t.Parallel()

	b := New()

	s := b.Subscribe("nope")
	select {
	case _, ok := <-s.C:
		if ok {
			t.Fatalf("got event from unknown run")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel for unknown run not closed")
	}

	// Finished runs behave the same: Close forgets the topic.
	b.Open("done")
	b.Close("done")
	s = b.Subscribe("done")
	if _, ok := <-s.C; ok {
		t.Fatalf("got event from finished run")
	}
}

// TestCloseEndsStream verifies Close terminates every subscriber and later
// publishes are dropped.
func TestCloseEndsStream(t *testing.T) {
	t.Parallel()

	b := New()
	b.Open("run1")
	s := b.Subscribe("run1")

	b.Close("run1")
	b.Publish("run1", Event{Level: LevelInfo, Text: "after close"})

	if got := drain(s); len(got) != 0 {
		t.Fatalf("got %v after close, want nothing", got)
	}

	// Close is idempotent.
	b.Close("run1")
}

// TestCancelRemovesOneSubscriber verifies Cancel ends only the cancelled
// subscription.
func TestCancelRemovesOneSubscriber(t *testing.T) {
	t.Parallel()

	b := New()
	b.Open("run1")
	s1 := b.Subscribe("run1")
	s2 := b.Subscribe("run1")

	s1.Cancel()
	s1.Cancel() // safe to repeat

	b.Publish("run1", Event{Level: LevelInfo, Text: "still here"})
	b.Close("run1")

	if got := drain(s1); len(got) != 0 {
		t.Fatalf("cancelled subscriber got %v", got)
	}
	got := drain(s2)
	if len(got) != 1 || got[0].Text != "still here" {
		t.Fatalf("remaining subscriber got %v", got)
	}
}

// TestSlowSubscriberDropsOldest verifies a full subscriber buffer drops the
// oldest events and never blocks the publisher.
func TestSlowSubscriberDropsOldest(t *testing.T) {
	t.Parallel()

	b := New()
	b.buffer = 4
	b.Open("run1")
	s := b.Subscribe("run1")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish("run1", Event{Level: LevelInfo, Text: fmt.Sprintf("line %d", i)})
		}
		b.Close("run1")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publisher blocked on slow subscriber")
	}

	got := drain(s)
	if len(got) == 0 || len(got) > 4 {
		t.Fatalf("got %d buffered events, want 1..4", len(got))
	}
	// Whatever survived is the newest tail, still in order.
	if got[len(got)-1].Text != "line 99" {
		t.Fatalf("last surviving event = %q, want %q", got[len(got)-1].Text, "line 99")
	}
}

// TestPublishNoSubscribers verifies publishing to a watched-by-nobody run is
// a no-op rather than an error or a leak.
func TestPublishNoSubscribers(t *testing.T) {
	t.Parallel()

	b := New()
	b.Open("run1")
	for i := 0; i < 1000; i++ {
		b.Publish("run1", Event{Level: LevelInfo, Text: "unseen"})
	}
	b.Close("run1")
}
