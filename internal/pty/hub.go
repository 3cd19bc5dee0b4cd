package pty

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"
)

// HubMessage is one fan-out unit. IsBinary distinguishes raw PTY bytes
// (sent as a binary websocket frame upstream) from JSON control/event
// frames, mirroring the teacher's richer hub revision.
type HubMessage struct {
	IsBinary bool
	Data     []byte
	// Sequence is the ring entry's sequence number for a binary output
	// chunk (0 for non-ring control frames like resize notices), so a
	// live subscriber's stream and a later session.replay share the same
	// numbering for client-side gap detection.
	Sequence int64
}

// OutputRecord is one ring-buffer entry, sequence-numbered per §3.
type OutputRecord struct {
	Sequence  int64
	Timestamp time.Time
	Content   []byte
}

// IdleTimeout is how long a Hub with zero subscribers waits before closing
// its underlying PTY (§ SPEC_FULL D, "Idle PTY auto-stop").
const IdleTimeout = 10 * time.Minute

// scrollbackMax bounds the raw-byte scrollback ring used to repaint a
// reconnecting terminal client's screen.
const scrollbackMax = 64 * 1024

// defaultRingSize is the default OutputRecord ring capacity (buffer_size);
// §3 recommends >= 1000 for TUI stability.
const defaultRingSize = 1000

type subscriber struct {
	deviceID string
	output   chan HubMessage
	joinedAt time.Time
	// isTap marks a wire-delivery subscriber that takes no part in master
	// arbitration (see Tap). A session can have many devices subscribed
	// for bookkeeping but only needs output pumped to the wire once, since
	// every device shares the one physical workstation<->tunnel connection.
	isTap bool
}

// masterSeat holds the single device_id currently authorized to write
// input and resize the PTY (§4.8: "first subscriber becomes master").
// Promotion on departure is strict FIFO over Hub's own subscriber order
// (Hub.order), so unlike the teacher's turn.go this seat has no request
// queue, grant/revoke exchange, or disconnect-grace timer — Hub already
// reassigns the seat synchronously the instant the holder unsubscribes,
// which made that vocabulary dead weight here.
type masterSeat struct {
	mu      sync.RWMutex
	current string
}

// Holder returns the current master's device_id, or "" if the seat is
// vacant.
func (m *masterSeat) Holder() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Is reports whether deviceID currently holds the seat.
func (m *masterSeat) Is(deviceID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current == deviceID
}

// Occupied reports whether any device currently holds the seat.
func (m *masterSeat) Occupied() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current != ""
}

// TakeIfVacant seats deviceID only if no one currently holds it.
func (m *masterSeat) TakeIfVacant(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != "" {
		return false
	}
	m.current = deviceID
	return true
}

// VacateIfHolder empties the seat, but only if deviceID is the one
// sitting in it — a departing non-master must not evict the master.
func (m *masterSeat) VacateIfHolder(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == deviceID {
		m.current = ""
	}
}

// Hub fans PTY output out to subscribers and arbitrates master-client
// control over resize/input, generalized from the teacher's chan-[]byte
// Hub into the HubMessage-based contract internal/agentproc also expects.
type Hub struct {
	pty  *PTY
	turn *masterSeat

	mu         sync.RWMutex
	subs       map[chan HubMessage]*subscriber
	order      []chan HubMessage // insertion order, for FIFO master promotion
	cols, rows uint16

	ring     []OutputRecord
	ringSize int
	nextSeq  int64

	scrollback bytes.Buffer

	redactValues []string

	register   chan *subscriber
	unregister chan chan HubMessage
	stop       chan struct{}
	stopped    bool

	idleTimer *time.Timer

	// OnIdleStop is invoked (outside any lock) when the idle timer fires
	// and the PTY is closed, letting the owning session respawn on next
	// subscribe.
	OnIdleStop func()
}

// NewHub creates a Hub fanning out p's output, sized cols/rows.
func NewHub(p *PTY, cols, rows uint16) *Hub {
	cols, rows = Clamp(cols, rows)
	h := &Hub{
		pty:        p,
		turn:       &masterSeat{},
		subs:       make(map[chan HubMessage]*subscriber),
		cols:       cols,
		rows:       rows,
		ringSize:   defaultRingSize,
		nextSeq:    1,
		register:   make(chan *subscriber),
		unregister: make(chan chan HubMessage),
		stop:       make(chan struct{}),
	}
	return h
}

// SetBufferSize overrides the ring capacity; must be called before Run.
func (h *Hub) SetBufferSize(n int) {
	if n < 1 {
		n = 1
	}
	h.ringSize = n
}

// SetRedactValues configures secret strings to be scrubbed from output
// before broadcast and scrollback storage (WORKSTATION_REDACT_VALUES).
func (h *Hub) SetRedactValues(values []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.redactValues = values
}

// Run starts the hub's event loop; call in its own goroutine.
func (h *Hub) Run() {
	go h.readLoop()
	h.resetIdleTimerLocked(false)

	for {
		select {
		case sub := <-h.register:
			h.mu.Lock()
			h.subs[sub.output] = sub
			if !sub.isTap {
				h.order = append(h.order, sub.output)
				h.turn.TakeIfVacant(sub.deviceID) // first subscriber becomes master; no-op otherwise
			}
			scrollback := h.scrollback.Bytes()
			cols, rows := h.cols, h.rows
			h.stopIdleTimerLocked()
			h.mu.Unlock()

			if len(scrollback) > 0 {
				cp := make([]byte, len(scrollback))
				copy(cp, scrollback)
				nonBlockingSend(sub.output, HubMessage{IsBinary: true, Data: cp})
			}
			if !sub.isTap {
				h.sendControlState(sub.output, cols, rows)
			}

		case ch := <-h.unregister:
			h.mu.Lock()
			sub, ok := h.subs[ch]
			if ok {
				delete(h.subs, ch)
				if !sub.isTap {
					h.removeOrderLocked(ch)
					h.turn.VacateIfHolder(sub.deviceID)
					h.promoteNextMasterLocked()
				}
			}
			empty := len(h.subs) == 0
			if empty {
				h.resetIdleTimerLocked(true)
			}
			h.mu.Unlock()

		case <-h.stop:
			h.mu.Lock()
			h.stopped = true
			h.stopIdleTimerLocked()
			for ch := range h.subs {
				close(ch)
				delete(h.subs, ch)
			}
			h.order = nil
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := h.pty.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		h.broadcastOutput(redact(data, h.redactValuesSnapshot()))
	}
}

func (h *Hub) redactValuesSnapshot() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.redactValues
}

// broadcastOutput appends data to the ring + scrollback and fans it out as
// a binary HubMessage.
func (h *Hub) broadcastOutput(data []byte) {
	h.mu.Lock()
	seq := h.nextSeq
	h.nextSeq++
	h.ring = append(h.ring, OutputRecord{Sequence: seq, Timestamp: time.Now(), Content: data})
	if len(h.ring) > h.ringSize {
		h.ring = h.ring[len(h.ring)-h.ringSize:]
	}
	h.scrollback.Write(data)
	if h.scrollback.Len() > scrollbackMax {
		excess := h.scrollback.Len() - scrollbackMax
		b := h.scrollback.Bytes()
		h.scrollback = *bytes.NewBuffer(append([]byte(nil), b[excess:]...))
	}
	subs := h.snapshotSubsLocked()
	h.mu.Unlock()

	msg := HubMessage{IsBinary: true, Data: data, Sequence: seq}
	for _, ch := range subs {
		nonBlockingSend(ch, msg)
	}
}

func (h *Hub) snapshotSubsLocked() []chan HubMessage {
	out := make([]chan HubMessage, 0, len(h.subs))
	for ch := range h.subs {
		out = append(out, ch)
	}
	return out
}

func nonBlockingSend(ch chan HubMessage, msg HubMessage) {
	select {
	case ch <- msg:
	default:
	}
}

// Subscribe registers deviceID to receive output, returning its channel.
// Unsubscribe with Unregister(channel).
func (h *Hub) Subscribe(deviceID string) chan HubMessage {
	out := make(chan HubMessage, 1024)
	h.register <- &subscriber{deviceID: deviceID, output: out, joinedAt: time.Now()}
	return out
}

// Tap registers a wire-delivery channel that receives every broadcast
// output the same as a device subscriber, but never participates in
// master arbitration or idle-timer bookkeeping's subscriber count
// semantics beyond "someone is listening". One session needs at most one
// tap regardless of how many devices are subscribed, since they all share
// a single physical connection back through the tunnel; per-device
// Subscribe calls still happen for mastership and snapshot state.
func (h *Hub) Tap() chan HubMessage {
	out := make(chan HubMessage, 1024)
	h.register <- &subscriber{output: out, joinedAt: time.Now(), isTap: true}
	return out
}

// Unregister removes a subscriber channel.
func (h *Hub) Unregister(ch chan HubMessage) {
	select {
	case h.unregister <- ch:
	case <-h.stop:
	}
}

// Stop shuts down the hub and closes the underlying PTY.
func (h *Hub) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	close(h.stop)
	h.pty.Close()
}

// Write sends input to the PTY, but only from the current master device;
// input from a non-master is silently dropped per the master-client
// arbitration invariant.
func (h *Hub) Write(deviceID string, data []byte) (int, error) {
	if !h.IsMaster(deviceID) {
		return 0, nil
	}
	return h.pty.Write(data)
}

// Resize changes the PTY size if deviceID is master, clamping to the
// (40,24) minimum. Returns the resulting (possibly unchanged) size and
// whether the request was honored.
func (h *Hub) Resize(deviceID string, cols, rows uint16) (ok bool, actualCols, actualRows uint16) {
	if !h.IsMaster(deviceID) {
		h.mu.RLock()
		c, r := h.cols, h.rows
		h.mu.RUnlock()
		return false, c, r
	}
	cols, rows = Clamp(cols, rows)
	if err := h.pty.Resize(cols, rows); err != nil {
		h.mu.RLock()
		c, r := h.cols, h.rows
		h.mu.RUnlock()
		return false, c, r
	}
	h.mu.Lock()
	h.cols, h.rows = cols, rows
	h.mu.Unlock()
	return true, cols, rows
}

// Size returns the current negotiated terminal size.
func (h *Hub) Size() (cols, rows uint16) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cols, h.rows
}

// Signal sends a signal to the PTY's process.
func (h *Hub) Signal(sig Signal) error {
	return h.pty.Signal(sig)
}

// Master returns the current master device_id, or "" if none.
func (h *Hub) Master() string {
	return h.turn.Holder()
}

// IsMaster reports whether deviceID currently holds mastership.
func (h *Hub) IsMaster(deviceID string) bool {
	return h.turn.Is(deviceID)
}

// promoteNextMasterLocked implements "mastership transfers to the
// longest-subscribed remaining device" (strict FIFO by insertion order).
// Must be called with h.mu held.
func (h *Hub) promoteNextMasterLocked() {
	if h.turn.Occupied() {
		return
	}
	for _, ch := range h.order {
		sub, ok := h.subs[ch]
		if !ok {
			continue
		}
		if h.turn.TakeIfVacant(sub.deviceID) {
			h.broadcastMasterChangedLocked(sub.deviceID)
			return
		}
	}
}

func (h *Hub) broadcastMasterChangedLocked(newMaster string) {
	subs := h.snapshotSubsLocked()
	cols, rows := h.cols, h.rows
	msg := HubMessage{IsBinary: false, Data: resizedEventJSON(true, cols, rows, "")}
	go func() {
		for _, ch := range subs {
			nonBlockingSend(ch, msg)
		}
	}()
	_ = newMaster
}

func (h *Hub) removeOrderLocked(ch chan HubMessage) {
	for i, c := range h.order {
		if c == ch {
			h.order = append(h.order[:i], h.order[i+1:]...)
			return
		}
	}
}

func (h *Hub) sendControlState(ch chan HubMessage, cols, rows uint16) {
	nonBlockingSend(ch, HubMessage{IsBinary: false, Data: resizedEventJSON(true, cols, rows, "")})
}

func (h *Hub) stopIdleTimerLocked() {
	if h.idleTimer != nil {
		h.idleTimer.Stop()
		h.idleTimer = nil
	}
}

func (h *Hub) resetIdleTimerLocked(armed bool) {
	h.stopIdleTimerLocked()
	if !armed {
		return
	}
	h.idleTimer = time.AfterFunc(IdleTimeout, func() {
		h.Stop()
		if h.OnIdleStop != nil {
			h.OnIdleStop()
		}
	})
}

// Replay returns ring entries with Sequence > sinceSeq (or, if
// sinceSeq is nil, all entries with Timestamp > sinceTime), up to limit
// entries, plus the ring's current bounds.
func (h *Hub) Replay(sinceSeq *int64, sinceTime *time.Time, limit int) (records []OutputRecord, firstSeq, lastSeq, currentSeq int64, hasMore bool) {
	if limit <= 0 {
		limit = 100
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.ring) > 0 {
		firstSeq = h.ring[0].Sequence
		lastSeq = h.ring[len(h.ring)-1].Sequence
	}
	currentSeq = h.nextSeq - 1

	out := make([]OutputRecord, 0, limit)
	for _, rec := range h.ring {
		if sinceSeq != nil && rec.Sequence <= *sinceSeq {
			continue
		}
		if sinceSeq == nil && sinceTime != nil && !rec.Timestamp.After(*sinceTime) {
			continue
		}
		out = append(out, rec)
		if len(out) >= limit {
			hasMore = true
			break
		}
	}
	return out, firstSeq, lastSeq, currentSeq, hasMore
}

// redact scrubs any configured secret values from data. Values shorter
// than 8 characters are ignored to avoid pathological over-redaction.
func redact(data []byte, values []string) []byte {
	if len(values) == 0 {
		return data
	}
	out := data
	for _, v := range values {
		if len(v) < 8 {
			continue
		}
		out = bytes.ReplaceAll(out, []byte(v), []byte("[REDACTED]"))
	}
	return out
}

// resizedEventJSON builds a minimal session.resized-shaped frame for
// control-plane pushes the Hub makes directly (master state on join,
// broadcast resize). The richer protocol.Encode path is used by the
// session actor for everything else; this one stays dependency-free so
// package pty never imports package protocol (avoids an import cycle with
// internal/session, which imports both).
func resizedEventJSON(success bool, cols, rows uint16, reason string) []byte {
	type resized struct {
		Type    string `json:"type"`
		Success bool   `json:"success"`
		Cols    uint16 `json:"cols"`
		Rows    uint16 `json:"rows"`
		Reason  string `json:"reason,omitempty"`
	}
	b, _ := json.Marshal(resized{Type: "session.resized", Success: success, Cols: cols, Rows: rows, Reason: reason})
	return b
}
