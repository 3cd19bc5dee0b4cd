package bus

import "testing"

func TestSubscribeAndPublish(t *testing.T) {
	b := New()
	ch := b.Join("d1")
	b.Subscribe("sess-1", "d1")

	b.Publish("sess-1", []byte("hello"))

	select {
	case msg := <-ch:
		if string(msg.Data) != "hello" {
			t.Fatalf("expected 'hello', got %q", msg.Data)
		}
	default:
		t.Fatal("expected message on subscriber channel")
	}
}

func TestPublishOnlyReachesSubscribers(t *testing.T) {
	b := New()
	ch1 := b.Join("d1")
	ch2 := b.Join("d2")
	b.Subscribe("sess-1", "d1")

	b.Publish("sess-1", []byte("x"))

	select {
	case <-ch1:
	default:
		t.Fatal("expected d1 to receive the publish")
	}
	select {
	case <-ch2:
		t.Fatal("d2 should not have received a session-1 publish")
	default:
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch := b.Join("d1")
	b.Subscribe("sess-1", "d1")
	b.Unsubscribe("sess-1", "d1")

	b.Publish("sess-1", []byte("x"))

	select {
	case <-ch:
		t.Fatal("unsubscribed device should not receive publish")
	default:
	}
}

func TestBroadcastReachesAllJoinedRegardlessOfSubscription(t *testing.T) {
	b := New()
	ch1 := b.Join("d1")
	ch2 := b.Join("d2")
	b.Subscribe("sess-1", "d1")

	b.Broadcast([]byte("lifecycle"))

	for _, ch := range []chan Message{ch1, ch2} {
		select {
		case <-ch:
		default:
			t.Fatal("expected broadcast to reach every joined device")
		}
	}
}

func TestLeaveRemovesFromAllSessions(t *testing.T) {
	b := New()
	b.Join("d1")
	b.Subscribe("sess-1", "d1")
	b.Subscribe("sess-2", "d1")

	b.Leave("d1")

	if subs := b.Subscribers("sess-1"); len(subs) != 0 {
		t.Fatalf("expected no subscribers left in sess-1, got %v", subs)
	}
	if subs := b.Subscribers("sess-2"); len(subs) != 0 {
		t.Fatalf("expected no subscribers left in sess-2, got %v", subs)
	}
}

func TestOverflowClosesSubscriberChannel(t *testing.T) {
	b := New()
	ch := b.Join("d1")
	b.Subscribe("sess-1", "d1")

	for i := 0; i < queueSize+10; i++ {
		b.Publish("sess-1", []byte("x"))
	}

	// Drain whatever made it through; the channel must now be closed
	// (overflow treated as a transport failure), not just full.
	drained := 0
	for range ch {
		drained++
	}
	if drained == 0 {
		t.Fatal("expected some messages delivered before overflow closed the channel")
	}
	if subs := b.Subscribers("sess-1"); len(subs) != 0 {
		t.Fatal("expected overflowed device removed from subscriber set")
	}
}

func TestDoubleLeaveIsSafe(t *testing.T) {
	b := New()
	b.Join("d1")
	b.Leave("d1")
	b.Leave("d1") // must not panic on double-close
}
