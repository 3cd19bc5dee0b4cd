package longpoll

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// maxDevices bounds the device table itself (distinct from each device's
// own message ring): when full, the longest-idle device is evicted ahead of
// the periodic GC sweep, grounded on the teacher's desktop/d1-shim use of
// hashicorp/golang-lru for exactly this "bounded table, evict oldest"
// shape.
const maxDevices = 4096

var ErrUnknownDevice = errors.New("longpoll: unknown device")

// VirtualClient is the forwarder.Sender adapter for one long-poll device:
// Send appends to its queue instead of writing to a socket.
type VirtualClient struct {
	deviceID string
	q        *deviceQueue
}

// Send implements forwarder.Sender.
func (v *VirtualClient) Send(data []byte) {
	v.q.push(data)
}

// Manager owns the table of long-poll virtual clients.
type Manager struct {
	mu      sync.Mutex
	devices *lru.Cache[string, *deviceQueue]

	// OnEvict is called (outside the lock) whenever a device is dropped,
	// either by LRU eviction or idle GC, so the forwarder can unbind it.
	OnEvict func(deviceID, tunnelID string)
}

// NewManager creates a Manager bounded to maxDevices entries.
func NewManager() *Manager {
	m := &Manager{}
	cache, _ := lru.NewWithEvict[string, *deviceQueue](maxDevices, func(deviceID string, q *deviceQueue) {
		if m.OnEvict != nil {
			m.OnEvict(deviceID, q.tunnelID)
		}
	})
	m.devices = cache
	return m
}

// Connect creates (or replaces) the virtual client for deviceID, bound to
// tunnelID.
func (m *Manager) Connect(deviceID, tunnelID string) *VirtualClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := newDeviceQueue(tunnelID)
	m.devices.Add(deviceID, q)
	return &VirtualClient{deviceID: deviceID, q: q}
}

// Disconnect drops a device's queue immediately (POST /disconnect).
func (m *Manager) Disconnect(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices.Remove(deviceID)
}

// Enqueue appends data to deviceID's queue. It does not touch the
// device's activity clock; only polls count as activity.
func (m *Manager) Enqueue(deviceID string, data []byte) error {
	m.mu.Lock()
	q, ok := m.devices.Get(deviceID)
	m.mu.Unlock()
	if !ok {
		return ErrUnknownDevice
	}
	q.push(data)
	return nil
}

// Messages implements GET /messages: returns frames after since, trims up
// to ack, and reports the queue's current_sequence. Also refreshes the
// device's activity clock (a poll counts as activity).
func (m *Manager) Messages(deviceID string, since, ack int64) ([]Message, int64, error) {
	m.mu.Lock()
	q, ok := m.devices.Get(deviceID)
	m.mu.Unlock()
	if !ok {
		return nil, 0, ErrUnknownDevice
	}
	q.touch()
	if ack > 0 {
		q.trimTo(ack)
	}
	msgs, current := q.since(since)
	return msgs, current, nil
}

// State reports whether deviceID currently has a live virtual client.
func (m *Manager) State(deviceID string) (tunnelID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, found := m.devices.Get(deviceID)
	if !found {
		return "", false
	}
	return q.tunnelID, true
}

// SweepIdle removes devices inactive beyond IdleGCAfter. Intended to be
// called periodically (every minute or so) from a long-running goroutine
// coordinated by errgroup in cmd/tunnel.
func (m *Manager) SweepIdle() {
	m.mu.Lock()
	keys := m.devices.Keys()
	stale := make([]string, 0)
	for _, k := range keys {
		q, ok := m.devices.Peek(k)
		if ok && q.idleSince() > IdleGCAfter {
			stale = append(stale, k)
		}
	}
	for _, k := range stale {
		m.devices.Remove(k)
	}
	m.mu.Unlock()
}

// RunGC runs SweepIdle on a ticker until stop is closed.
func (m *Manager) RunGC(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.SweepIdle()
		case <-stop:
			return
		}
	}
}
