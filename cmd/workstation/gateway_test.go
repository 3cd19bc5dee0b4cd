package main

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hyper-ai-inc/hyper-backend/internal/auth"
	"github.com/hyper-ai-inc/hyper-backend/internal/bus"
	"github.com/hyper-ai-inc/hyper-backend/internal/protocol"
	"github.com/hyper-ai-inc/hyper-backend/internal/session"
	"github.com/hyper-ai-inc/hyper-backend/internal/supervisor"
	"github.com/hyper-ai-inc/hyper-backend/internal/wsconn"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// newTestGateway wires a Gateway the same way main() does, against an
// httptest server that upgrades one socket per connection and feeds every
// frame straight to Gateway.Dispatch, mirroring cmd/tunnel/relay_test.go's
// harness shape.
func newTestGateway(t *testing.T, authKey string) (*httptest.Server, *Gateway) {
	t.Helper()
	b := bus.New()
	registry := session.NewRegistry(t.TempDir(), b, nil, nil, nil)
	t.Cleanup(registry.Shutdown)
	sup := supervisor.New(registry)
	gate := auth.NewGate(authKey)
	gw := NewGateway(registry, sup, gate, "test-station", "1.10.0", t.TempDir(), slog.Default())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := wsconn.New(ws, slog.Default())
		conn.OnMessage = func(data []byte) { gw.Dispatch(conn, data) }
		conn.Start()
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, gw
}

func dialGateway(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	u, err := url.Parse("ws" + strings.TrimPrefix(srv.URL, "http") + "/ws")
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readEnvelope(t *testing.T, ws *websocket.Conn) protocol.Envelope {
	t.Helper()
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

func authenticate(t *testing.T, ws *websocket.Conn, deviceID, authKey string) {
	t.Helper()
	frame, _ := protocol.Encode(protocol.TypeAuth, "a1", "", protocol.Auth{AuthKey: authKey, DeviceID: deviceID})
	ws.WriteMessage(websocket.TextMessage, frame)
	env := readEnvelope(t, ws)
	if env.Type != protocol.TypeAuthSuccess {
		t.Fatalf("got type %q, want auth.success", env.Type)
	}
}

func TestAuthSuccessAndFailure(t *testing.T) {
	srv, _ := newTestGateway(t, "device-secret")
	ws := dialGateway(t, srv)

	frame, _ := protocol.Encode(protocol.TypeAuth, "a1", "", protocol.Auth{AuthKey: "wrong", DeviceID: "d1"})
	ws.WriteMessage(websocket.TextMessage, frame)
	env := readEnvelope(t, ws)
	if env.Type != protocol.TypeAuthError {
		t.Fatalf("got type %q, want auth.error", env.Type)
	}

	authenticate(t, ws, "d1", "device-secret")
}

func TestHeartbeatEchoesAck(t *testing.T) {
	srv, _ := newTestGateway(t, "device-secret")
	ws := dialGateway(t, srv)

	frame, _ := protocol.Encode(protocol.TypeHeartbeat, "h1", "", protocol.Heartbeat{ID: "beat-1", Timestamp: 1000})
	ws.WriteMessage(websocket.TextMessage, frame)
	env := readEnvelope(t, ws)
	if env.Type != protocol.TypeHeartbeatAck {
		t.Fatalf("got type %q, want heartbeat.ack", env.Type)
	}
	var ack protocol.HeartbeatAck
	env.DecodePayload(&ack)
	if ack.ID != "beat-1" || ack.Timestamp != 1000 {
		t.Fatalf("got ack %+v, want echoed id/timestamp", ack)
	}
}

func TestCreateSessionRequiresAuth(t *testing.T) {
	srv, _ := newTestGateway(t, "device-secret")
	ws := dialGateway(t, srv)

	frame, _ := protocol.Encode(protocol.TypeSupervisorCreateSession, "c1", "", protocol.CreateSession{DeviceID: "d1", Type: "terminal"})
	ws.WriteMessage(websocket.TextMessage, frame)
	env := readEnvelope(t, ws)
	if env.Type != protocol.TypeError {
		t.Fatalf("got type %q, want error", env.Type)
	}
	var wireErr protocol.Error
	env.DecodePayload(&wireErr)
	if wireErr.Code != protocol.ErrInvalidAuthKey {
		t.Fatalf("got code %q, want %q", wireErr.Code, protocol.ErrInvalidAuthKey)
	}
}

func TestCreateTerminalSessionAndSubscribe(t *testing.T) {
	srv, _ := newTestGateway(t, "device-secret")
	ws := dialGateway(t, srv)
	authenticate(t, ws, "d1", "device-secret")

	frame, _ := protocol.Encode(protocol.TypeSupervisorCreateSession, "c1", "", protocol.CreateSession{DeviceID: "d1", Type: "terminal"})
	ws.WriteMessage(websocket.TextMessage, frame)
	env := readEnvelope(t, ws)
	if env.Type != protocol.TypeSessionCreated {
		t.Fatalf("got type %q, want session.created", env.Type)
	}
	var created protocol.SessionCreated
	env.DecodePayload(&created)
	if created.SessionID == "" || created.SessionType != "terminal" {
		t.Fatalf("got %+v, want a terminal session id", created)
	}
	if created.TerminalConfig == nil {
		t.Fatal("expected terminal_config on a terminal session")
	}

	subFrame, _ := protocol.Encode(protocol.TypeSessionSubscribe, "s1", "", protocol.Subscribe{DeviceID: "d1", SessionID: created.SessionID})
	ws.WriteMessage(websocket.TextMessage, subFrame)
	env = readEnvelope(t, ws)
	if env.Type != protocol.TypeSessionSubscribed {
		t.Fatalf("got type %q, want session.subscribed", env.Type)
	}
	var subscribed protocol.Subscribed
	env.DecodePayload(&subscribed)
	if !subscribed.IsMaster {
		t.Fatal("expected the first subscriber to become master")
	}
}

func TestUnknownMessageTypeRepliesInvalidPayload(t *testing.T) {
	srv, _ := newTestGateway(t, "device-secret")
	ws := dialGateway(t, srv)

	frame, _ := protocol.Encode("totally.unknown", "u1", "", nil)
	ws.WriteMessage(websocket.TextMessage, frame)
	env := readEnvelope(t, ws)
	if env.Type != protocol.TypeError {
		t.Fatalf("got type %q, want error", env.Type)
	}
	var wireErr protocol.Error
	env.DecodePayload(&wireErr)
	if wireErr.Code != protocol.ErrInvalidPayload {
		t.Fatalf("got code %q, want %q", wireErr.Code, protocol.ErrInvalidPayload)
	}
}
