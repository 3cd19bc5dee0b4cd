package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hyper-ai-inc/hyper-backend/internal/auth"
	"github.com/hyper-ai-inc/hyper-backend/internal/forwarder"
	"github.com/hyper-ai-inc/hyper-backend/internal/identity"
	"github.com/hyper-ai-inc/hyper-backend/internal/protocol"
	"github.com/hyper-ai-inc/hyper-backend/internal/telemetry"
	"github.com/hyper-ai-inc/hyper-backend/internal/wsconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	clientBucketCapacity = 32
	clientBucketRefill   = 16 // tokens/sec
)

// Relay wires websocket upgrades for both sides of the tunnel onto the
// identity registry and forwarder, the way the teacher's ws.Router wires
// upgrades onto sessions.Manager.
type Relay struct {
	registry *identity.Registry
	fwd      *forwarder.Forwarder
	log      *slog.Logger
}

func NewRelay(registry *identity.Registry, fwd *forwarder.Forwarder, log *slog.Logger) *Relay {
	return &Relay{registry: registry, fwd: fwd, log: log}
}

// HandleWorkstation upgrades a workstation's inbound socket. Its first
// frame MUST be workstation.register per §4.3; everything after is relayed
// to bound clients verbatim.
func (rl *Relay) HandleWorkstation(w http.ResponseWriter, r *http.Request) {
	apiKeyGate := r.Context().Value(apiKeyGateCtxKey{}).(*auth.Gate)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		rl.log.Debug("workstation upgrade failed", "err", err)
		return
	}
	conn := wsconn.New(ws, rl.log)

	var tunnelID string
	registered := false

	conn.OnMessage = func(data []byte) {
		env, err := protocol.Decode(data)
		if err != nil {
			return
		}

		if !registered {
			if env.Type != protocol.TypeWorkstationRegister {
				conn.Close(nil)
				return
			}
			var reg protocol.WorkstationRegister
			if err := env.DecodePayload(&reg); err != nil {
				conn.Close(nil)
				return
			}
			if err := apiKeyGate.Check(reg.APIKey); err != nil {
				frame, _ := protocol.Encode(protocol.TypeError, env.ID, "", protocol.Error{Code: protocol.ErrInvalidAPIKey, Message: "invalid api key"})
				conn.Send(frame)
				conn.Close(err)
				return
			}

			spanCtx, span := telemetry.StartSpan(r.Context(), "tunnel.register",
				trace.WithAttributes(attribute.String("workstation.name", reg.Name)))
			result, err := rl.registry.Register(spanCtx, reg.Name, reg.PreviousTunnelID, conn)
			span.End()
			if err != nil {
				frame, _ := protocol.Encode(protocol.TypeError, env.ID, "", protocol.Error{Code: protocol.ErrRegistrationFailed, Message: err.Error()})
				conn.Send(frame)
				conn.Close(err)
				return
			}

			tunnelID = result.TunnelID
			registered = true
			rl.fwd.BindWorkstation(tunnelID, conn)

			reply, _ := protocol.Encode(protocol.TypeWorkstationRegistered, env.ID, "", protocol.WorkstationRegistered{
				TunnelID: tunnelID,
				Restored: result.Restored,
			})
			conn.Send(reply)
			return
		}

		rl.fwd.ToClients(tunnelID, data)
	}

	conn.OnClose = func(reason error) {
		if tunnelID != "" {
			rl.fwd.UnbindWorkstation(tunnelID, conn)
			rl.registry.Release(tunnelID, conn)
		}
	}

	conn.Start()
}

// HandleClient upgrades a client's inbound socket. Its first frame MUST be
// connect{tunnel_id, auth_key}; device_id is the caller's stable per-install
// id, passed as a query parameter the way the teacher's ws.Router reads
// user_id off the upgrade request.
func (rl *Relay) HandleClient(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		deviceID = uuid.New().String()
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		rl.log.Debug("client upgrade failed", "err", err)
		return
	}
	conn := wsconn.New(ws, rl.log)
	bucket := forwarder.NewTokenBucket(clientBucketCapacity, clientBucketRefill)

	var tunnelID string
	bound := false

	conn.OnMessage = func(data []byte) {
		if !bucket.Allow() {
			conn.Close(nil)
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			return
		}

		if !bound {
			if env.Type != protocol.TypeConnect {
				conn.Close(nil)
				return
			}
			var c protocol.Connect
			if err := env.DecodePayload(&c); err != nil {
				conn.Close(nil)
				return
			}
			if !rl.registry.IsLive(c.TunnelID) {
				frame, _ := protocol.Encode(protocol.TypeError, env.ID, "", protocol.Error{Code: protocol.ErrTunnelNotFound, Message: "tunnel not found or offline"})
				conn.Send(frame)
				conn.Close(nil)
				return
			}

			tunnelID = c.TunnelID
			bound = true
			rl.fwd.BindClient(tunnelID, deviceID, conn)

			reply, _ := protocol.Encode(protocol.TypeConnected, env.ID, "", protocol.Connected{TunnelID: tunnelID})
			conn.Send(reply)
			return
		}

		if !rl.fwd.ToWorkstation(tunnelID, data) {
			frame, _ := protocol.Encode(protocol.TypeError, env.ID, "", protocol.Error{Code: protocol.ErrWorkstationOffline, Message: "workstation offline"})
			conn.Send(frame)
		}
	}

	conn.OnClose = func(reason error) {
		if bound {
			rl.fwd.UnbindClient(tunnelID, deviceID)
		}
	}

	conn.Start()
}

type apiKeyGateCtxKey struct{}

// WithAPIKeyGate attaches the tunnel-wide registration gate to the request
// context so HandleWorkstation can read it without a package-level global.
func WithAPIKeyGate(gate *auth.Gate, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), apiKeyGateCtxKey{}, gate)
		next(w, r.WithContext(ctx))
	}
}

func encodePresence(online bool, tunnelID string) ([]byte, error) {
	if online {
		return protocol.Encode(protocol.TypeWorkstationOnline, "", "", protocol.WorkstationOnline{TunnelID: tunnelID})
	}
	return protocol.Encode(protocol.TypeWorkstationOffline, "", "", protocol.WorkstationOffline{TunnelID: tunnelID})
}
