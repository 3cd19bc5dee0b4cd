package forwarder

import (
	"testing"
	"time"
)

type recorder struct {
	got [][]byte
}

func (r *recorder) Send(data []byte) {
	r.got = append(r.got, data)
}

func TestToWorkstationNoBindingReturnsFalse(t *testing.T) {
	f := New()
	if f.ToWorkstation("t1", []byte("x")) {
		t.Fatal("expected false with no workstation bound")
	}
}

func TestForwardingBothDirections(t *testing.T) {
	f := New()
	ws := &recorder{}
	c1 := &recorder{}
	c2 := &recorder{}

	f.BindWorkstation("t1", ws)
	f.BindClient("t1", "d1", c1)
	f.BindClient("t1", "d2", c2)

	if !f.ToWorkstation("t1", []byte("from-client")) {
		t.Fatal("expected forward to succeed")
	}
	if len(ws.got) != 1 {
		t.Fatalf("expected workstation to receive 1 frame, got %d", len(ws.got))
	}

	f.ToClients("t1", []byte("from-workstation"))
	if len(c1.got) != 1 || len(c2.got) != 1 {
		t.Fatalf("expected both clients to receive the frame")
	}
}

func TestUnbindWorkstationIgnoresStaleSocket(t *testing.T) {
	f := New()
	a := &recorder{}
	b := &recorder{}
	f.BindWorkstation("t1", a)
	f.BindWorkstation("t1", b) // b supersedes a

	f.UnbindWorkstation("t1", a) // stale, must not clear b
	if !f.ToWorkstation("t1", []byte("x")) {
		t.Fatal("expected b to still be bound")
	}
}

func TestTokenBucketExhaustsAndRefills(t *testing.T) {
	tb := NewTokenBucket(2, 1000) // fast refill for test speed
	if !tb.Allow() || !tb.Allow() {
		t.Fatal("expected first two tokens to be allowed")
	}
	if tb.Allow() {
		// could legitimately refill due to elapsed time; just assert it
		// eventually exhausts under zero refill
	}
	time.Sleep(10 * time.Millisecond)
	if !tb.Allow() {
		t.Fatal("expected bucket to refill after waiting")
	}

	zero := NewTokenBucket(1, 0)
	if !zero.Allow() {
		t.Fatal("expected first token allowed")
	}
	if zero.Allow() {
		t.Fatal("expected bucket with no refill to exhaust after one token")
	}
}
