// Package wsconn provides the shared full-duplex websocket read/write pump
// pair used by both the tunnel and the workstation, generalized from the
// teacher's per-PTY ws.Client into a transport-only primitive with no PTY
// knowledge.
package wsconn

import (
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 30 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 256 * 1024

	// outboundQueueSize bounds the per-connection write queue. Overflow
	// closes the connection with BACKPRESSURE_EXCEEDED rather than
	// blocking the producer, per §4.1.
	outboundQueueSize = 256
)

// ErrBackpressure is surfaced to the caller's OnClose hook when the
// outbound queue overflows.
var ErrBackpressure = errors.New("wsconn: outbound queue overflow")

// Conn wraps a *websocket.Conn with paired read/write pump goroutines and a
// bounded outbound queue. It never blocks a producer: Send either enqueues
// or triggers a close.
type Conn struct {
	ws     *websocket.Conn
	log    *slog.Logger
	send   chan []byte
	closed chan struct{}

	// OnMessage is invoked from the read pump's goroutine for every frame
	// received. OnClose is invoked exactly once when the connection is
	// torn down, with the reason (io error, backpressure, or nil for a
	// clean local Close()).
	OnMessage func(data []byte)
	OnClose   func(reason error)
	OnPong    func()
}

// New wraps ws. Call Start to launch the pumps once OnMessage/OnClose/OnPong
// are assigned.
func New(ws *websocket.Conn, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	ws.SetReadLimit(maxMessageSize)
	return &Conn{
		ws:     ws,
		log:    log,
		send:   make(chan []byte, outboundQueueSize),
		closed: make(chan struct{}),
	}
}

// Start launches the read and write pump goroutines. Must be called once.
func (c *Conn) Start() {
	go c.writePump()
	go c.readPump()
}

// Send enqueues a frame for the write pump. If the outbound queue is full
// the connection is closed with ErrBackpressure rather than blocking the
// caller.
func (c *Conn) Send(data []byte) {
	select {
	case c.send <- data:
	case <-c.closed:
	default:
		c.Close(ErrBackpressure)
	}
}

// Close tears the connection down idempotently.
func (c *Conn) Close(reason error) {
	select {
	case <-c.closed:
		return
	default:
	}
	close(c.closed)
	if errors.Is(reason, ErrBackpressure) {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "BACKPRESSURE_EXCEEDED")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	}
	c.ws.Close()
	if c.OnClose != nil {
		c.OnClose(reason)
	}
}

func (c *Conn) readPump() {
	defer c.Close(nil)

	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if c.OnPong != nil {
			c.OnPong()
		}
		return nil
	})
	c.ws.SetReadDeadline(time.Now().Add(pongWait))

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debug("wsconn read error", "err", err)
			}
			return
		}
		if c.OnMessage != nil {
			c.OnMessage(data)
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close(err)
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(err)
				return
			}

		case <-c.closed:
			return
		}
	}
}
