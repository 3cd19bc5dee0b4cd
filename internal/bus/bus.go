// Package bus implements the subscription/broadcast fan-out for
// non-terminal session output (Agent and Supervisor session.output events)
// and for session lifecycle notifications that go to every authenticated
// device regardless of subscription. Terminal sessions fan out their own
// PTY bytes through pty.Hub; this package covers everything else, but is
// built the same way: a bounded per-subscriber queue that is closed
// (never blocked) on overflow, generalized from the teacher's
// pty.Hub.subs/register/unregister loop.
package bus

import "sync"

// queueSize bounds each subscriber's outbound queue. A device that can't
// keep up loses its queue rather than stalling every other subscriber.
const queueSize = 256

// Message is one fan-out unit: a pre-encoded envelope ready to hand to a
// connection's write pump.
type Message struct {
	Data []byte
}

type subscriber struct {
	deviceID string
	ch       chan Message
}

// Bus tracks, per session, which devices are subscribed, plus a global
// "joined" set of authenticated devices for lifecycle broadcasts.
type Bus struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*subscriber // sessionID -> deviceID -> sub
	joined   map[string]*subscriber            // deviceID -> sub
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		sessions: make(map[string]map[string]*subscriber),
		joined:   make(map[string]*subscriber),
	}
}

// Join registers deviceID to receive global lifecycle broadcasts
// (session.created, session.terminated) and returns its delivery channel.
// Joining an already-joined device returns its existing channel.
func (b *Bus) Join(deviceID string) chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.joined[deviceID]; ok {
		return sub.ch
	}
	sub := &subscriber{deviceID: deviceID, ch: make(chan Message, queueSize)}
	b.joined[deviceID] = sub
	return sub.ch
}

// Leave removes deviceID from the joined set and every session it was
// subscribed to, closing its channel.
func (b *Bus) Leave(deviceID string) {
	b.mu.Lock()
	sub, ok := b.joined[deviceID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.joined, deviceID)
	for sessionID, subs := range b.sessions {
		if _, ok := subs[deviceID]; ok {
			delete(subs, deviceID)
			if len(subs) == 0 {
				delete(b.sessions, sessionID)
			}
		}
	}
	b.mu.Unlock()
	close(sub.ch)
}

// Subscribe attaches deviceID to sessionID's subscriber set, joining the
// device first if it is not joined yet and reusing its joined channel —
// subscribing to N sessions multiplexes
// onto the one per-device queue, matching one websocket connection per
// device.
func (b *Bus) Subscribe(sessionID, deviceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.joined[deviceID]
	if !ok {
		sub = &subscriber{deviceID: deviceID, ch: make(chan Message, queueSize)}
		b.joined[deviceID] = sub
	}
	subs, ok := b.sessions[sessionID]
	if !ok {
		subs = make(map[string]*subscriber)
		b.sessions[sessionID] = subs
	}
	subs[deviceID] = sub
}

// Unsubscribe detaches deviceID from sessionID without removing it from
// the joined set (it still receives lifecycle broadcasts).
func (b *Bus) Unsubscribe(sessionID, deviceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.sessions[sessionID]
	if !ok {
		return
	}
	delete(subs, deviceID)
	if len(subs) == 0 {
		delete(b.sessions, sessionID)
	}
}

// Subscribers returns the device IDs currently subscribed to sessionID, in
// no particular order (the bus does not need FIFO master election —
// pty.Hub's own subscriber order already owns that for Terminal sessions).
func (b *Bus) Subscribers(sessionID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := b.sessions[sessionID]
	out := make([]string, 0, len(subs))
	for id := range subs {
		out = append(out, id)
	}
	return out
}

// Publish fans data out to every device currently subscribed to sessionID.
// A subscriber whose queue is full is dropped and its channel closed,
// mirroring the transport-failure treatment the PTY Hub applies.
func (b *Bus) Publish(sessionID string, data []byte) {
	b.mu.RLock()
	subs := b.sessions[sessionID]
	targets := make([]*subscriber, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()
	b.deliver(targets, data)
}

// Broadcast fans data out to every joined device, used for session
// lifecycle events that bypass subscription.
func (b *Bus) Broadcast(data []byte) {
	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.joined))
	for _, sub := range b.joined {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()
	b.deliver(targets, data)
}

func (b *Bus) deliver(targets []*subscriber, data []byte) {
	msg := Message{Data: data}
	var overflowed []string
	for _, sub := range targets {
		select {
		case sub.ch <- msg:
		default:
			overflowed = append(overflowed, sub.deviceID)
		}
	}
	for _, deviceID := range overflowed {
		b.Leave(deviceID)
	}
}
