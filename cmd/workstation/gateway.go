// Command workstation runs the device-facing runtime: session registry,
// PTY hubs, agent subprocesses, and the dispatcher that answers every
// frame arriving on the single multiplexed connection back through the
// tunnel.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hyper-ai-inc/hyper-backend/internal/auth"
	"github.com/hyper-ai-inc/hyper-backend/internal/protocol"
	"github.com/hyper-ai-inc/hyper-backend/internal/pty"
	"github.com/hyper-ai-inc/hyper-backend/internal/session"
	"github.com/hyper-ai-inc/hyper-backend/internal/supervisor"
	"github.com/hyper-ai-inc/hyper-backend/internal/wsconn"
)

// Gateway dispatches every frame arriving on the workstation's one
// outbound tunnel connection to the session registry / supervisor, and
// sends each result back over that same connection exactly once. There is
// never a reason to address an individual device at this layer: the
// tunnel's forwarder already fans every workstation-originated frame out
// to every client bound to the tunnel, so one conn.Send reaches all of
// them, and devices filter locally on session_id/device_id.
type Gateway struct {
	registry       *session.Registry
	sup            *supervisor.Supervisor
	deviceGate     *auth.Gate
	name           string
	version        string
	workspacesRoot string
	startedAt      time.Time
	log            *slog.Logger

	mu            sync.Mutex
	authed        map[string]bool
	subscriptions map[string]map[string]bool // deviceID -> sessionID set
	taps          map[string]*terminalTap    // sessionID -> tap
}

func NewGateway(registry *session.Registry, sup *supervisor.Supervisor, deviceGate *auth.Gate, name, version, workspacesRoot string, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		registry:       registry,
		sup:            sup,
		deviceGate:     deviceGate,
		name:           name,
		version:        version,
		workspacesRoot: workspacesRoot,
		startedAt:      time.Now(),
		log:            log,
		authed:         make(map[string]bool),
		subscriptions:  make(map[string]map[string]bool),
		taps:           make(map[string]*terminalTap),
	}
}

// Reset clears per-connection device state (auth, subscriptions, taps) for
// a fresh tunnel connection after a reconnect; the session registry and
// its PTYs/subprocesses are untouched since they outlive the transport.
func (g *Gateway) Reset() {
	g.mu.Lock()
	taps := g.taps
	g.taps = make(map[string]*terminalTap)
	g.authed = make(map[string]bool)
	g.subscriptions = make(map[string]map[string]bool)
	g.mu.Unlock()
	for _, t := range taps {
		t.stop()
	}
}

// Dispatch decodes one frame and routes it to the matching handler.
func (g *Gateway) Dispatch(conn *wsconn.Conn, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		return
	}

	switch env.Type {
	case protocol.TypeAuth:
		g.handleAuth(conn, env)
	case protocol.TypeHeartbeat:
		g.handleHeartbeat(conn, env)
	case protocol.TypeSync, protocol.TypeSupervisorListSessions:
		g.handleSync(conn, env)
	case protocol.TypeSupervisorCreateSession:
		g.handleCreateSession(conn, env)
	case protocol.TypeSupervisorTerminateSession:
		g.handleTerminateSession(conn, env)
	case protocol.TypeSupervisorCommand:
		g.handleSupervisorCommand(conn, env)
	case protocol.TypeSupervisorCancel:
		g.handleSupervisorCancel(conn, env)
	case protocol.TypeSupervisorClearContext:
		g.handleSupervisorClearContext(conn, env)
	case protocol.TypeSessionExecute:
		g.handleSessionExecute(conn, env)
	case protocol.TypeSessionCancel:
		g.handleSessionCancel(conn, env)
	case protocol.TypeSessionInput:
		g.handleSessionInput(conn, env)
	case protocol.TypeSessionResize:
		g.handleSessionResize(conn, env)
	case protocol.TypeSessionSubscribe:
		g.handleSessionSubscribe(conn, env)
	case protocol.TypeSessionUnsubscribe:
		g.handleSessionUnsubscribe(conn, env)
	case protocol.TypeSessionReplay:
		g.handleSessionReplay(conn, env)
	case protocol.TypeAudioRequest:
		g.handleAudioRequest(conn, env)
	default:
		if !protocol.KnownType(env.Type) {
			g.sendError(conn, env.ID, "", protocol.ErrInvalidPayload, "unknown message type "+env.Type)
		}
	}
}

func (g *Gateway) send(conn *wsconn.Conn, typ, id, sessionID string, payload any) {
	frame, err := protocol.Encode(typ, id, sessionID, payload)
	if err != nil {
		g.log.Error("encode frame", "type", typ, "err", err)
		return
	}
	conn.Send(frame)
}

func (g *Gateway) sendError(conn *wsconn.Conn, id, sessionID, code, message string) {
	g.send(conn, protocol.TypeError, id, sessionID, protocol.Error{Code: code, Message: message})
}

func (g *Gateway) handleAuth(conn *wsconn.Conn, env protocol.Envelope) {
	var a protocol.Auth
	if err := env.DecodePayload(&a); err != nil {
		g.sendError(conn, env.ID, "", protocol.ErrInvalidPayload, "bad auth payload")
		return
	}
	if err := g.deviceGate.Check(a.AuthKey); err != nil {
		g.send(conn, protocol.TypeAuthError, env.ID, "", protocol.AuthError{Code: protocol.ErrInvalidAuthKey, Message: "invalid auth key"})
		return
	}
	g.mu.Lock()
	g.authed[a.DeviceID] = true
	g.mu.Unlock()
	g.send(conn, protocol.TypeAuthSuccess, env.ID, "", protocol.AuthSuccess{
		DeviceID:           a.DeviceID,
		WorkstationName:    g.name,
		WorkstationVersion: g.version,
		ProtocolVersion:    protocol.Version,
		WorkspacesRoot:     g.workspacesRoot,
	})
}

func (g *Gateway) isAuthed(deviceID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return deviceID != "" && g.authed[deviceID]
}

// requireAuth replies INVALID_AUTH_KEY and reports false if deviceID has
// not completed the auth handshake, so every subsequent device operation
// stays gated without re-running the same check inline everywhere.
func (g *Gateway) requireAuth(conn *wsconn.Conn, envID, deviceID string) bool {
	if g.isAuthed(deviceID) {
		return true
	}
	g.sendError(conn, envID, "", protocol.ErrInvalidAuthKey, "device not authenticated")
	return false
}

func (g *Gateway) handleHeartbeat(conn *wsconn.Conn, env protocol.Envelope) {
	var hb protocol.Heartbeat
	if err := env.DecodePayload(&hb); err != nil {
		return
	}
	g.send(conn, protocol.TypeHeartbeatAck, env.ID, "", protocol.HeartbeatAck{
		ID:                hb.ID,
		Timestamp:         hb.Timestamp,
		WorkstationUptime: time.Since(g.startedAt).Milliseconds(),
	})
}

func (g *Gateway) handleSync(conn *wsconn.Conn, env protocol.Envelope) {
	var req protocol.Sync
	_ = env.DecodePayload(&req)

	supState := g.sup.Subscribe(req.DeviceID)
	executing := map[string]bool{}
	if supState.IsExecuting {
		executing[g.registry.Supervisor().ID] = true
	}

	g.send(conn, protocol.TypeSyncState, env.ID, "", protocol.SyncState{
		Sessions:               g.registry.List(),
		Subscriptions:          g.deviceSubscriptions(req.DeviceID),
		SupervisorHistory:      supState.History,
		SupervisorIsExecuting:  supState.IsExecuting,
		ExecutingStates:        executing,
		CurrentStreamingBlocks: supState.CurrentStreamingBlocks,
	})
}

func (g *Gateway) handleCreateSession(conn *wsconn.Conn, env protocol.Envelope) {
	var req protocol.CreateSession
	if err := env.DecodePayload(&req); err != nil {
		g.sendError(conn, env.ID, "", protocol.ErrInvalidPayload, "bad supervisor.create_session payload")
		return
	}
	if !g.requireAuth(conn, env.ID, req.DeviceID) {
		return
	}

	sessType := session.TypeAgent
	variant := req.Type
	if req.Type == string(session.TypeTerminal) {
		sessType = session.TypeTerminal
		variant = ""
	}

	_, created, err := g.registry.Create(sessType, req.Workspace, req.Project, req.Worktree, variant)
	if err != nil {
		g.sendError(conn, env.ID, "", protocol.ErrInternal, err.Error())
		return
	}
	g.send(conn, protocol.TypeSessionCreated, env.ID, created.SessionID, created)
}

func (g *Gateway) handleTerminateSession(conn *wsconn.Conn, env protocol.Envelope) {
	var req protocol.TerminateSession
	if err := env.DecodePayload(&req); err != nil {
		g.sendError(conn, env.ID, "", protocol.ErrInvalidPayload, "bad supervisor.terminate_session payload")
		return
	}
	if !g.requireAuth(conn, env.ID, req.DeviceID) {
		return
	}
	if err := g.registry.Terminate(req.SessionID); err != nil {
		g.sendError(conn, env.ID, req.SessionID, sessionErrCode(err), err.Error())
		return
	}
	g.clearSessionTap(req.SessionID)
	g.send(conn, protocol.TypeSessionTerminated, env.ID, req.SessionID, protocol.SessionTerminated{SessionID: req.SessionID})
}

func (g *Gateway) handleSupervisorCommand(conn *wsconn.Conn, env protocol.Envelope) {
	var req protocol.Execute
	if err := env.DecodePayload(&req); err != nil {
		g.sendError(conn, env.ID, "", protocol.ErrInvalidPayload, "bad supervisor.command payload")
		return
	}
	if !g.requireAuth(conn, env.ID, req.DeviceID) {
		return
	}
	supID := g.registry.Supervisor().ID
	err := g.sup.HandleCommand(context.Background(), req.DeviceID, req, func(typ string, payload any) {
		g.send(conn, typ, "", supID, payload)
	})
	if err != nil {
		g.sendError(conn, env.ID, supID, sessionErrCode(err), err.Error())
	}
}

func (g *Gateway) handleSupervisorCancel(conn *wsconn.Conn, env protocol.Envelope) {
	var req protocol.Cancel
	_ = env.DecodePayload(&req)
	if !g.requireAuth(conn, env.ID, req.DeviceID) {
		return
	}
	supID := g.registry.Supervisor().ID
	cancelled := g.sup.Cancel(func(typ string, payload any) {
		g.send(conn, typ, "", supID, payload)
	})
	g.send(conn, protocol.TypeResponse, env.ID, supID, protocol.Response{ID: env.ID, Cancelled: &cancelled})
}

func (g *Gateway) handleSupervisorClearContext(conn *wsconn.Conn, env protocol.Envelope) {
	supID := g.registry.Supervisor().ID
	if err := g.sup.ClearContext(); err != nil {
		g.sendError(conn, env.ID, supID, protocol.ErrInternal, err.Error())
		return
	}
	g.send(conn, protocol.TypeSupervisorContextCleared, env.ID, supID, protocol.ContextCleared{})
}

func (g *Gateway) handleSessionExecute(conn *wsconn.Conn, env protocol.Envelope) {
	var req protocol.Execute
	if err := env.DecodePayload(&req); err != nil {
		g.sendError(conn, env.ID, env.SessionID, protocol.ErrInvalidPayload, "bad session.execute payload")
		return
	}
	if !g.requireAuth(conn, env.ID, req.DeviceID) {
		return
	}
	sess, err := g.registry.Get(env.SessionID)
	if err != nil {
		g.sendError(conn, env.ID, env.SessionID, protocol.ErrSessionNotFound, "session not found")
		return
	}
	sessionID := env.SessionID
	if err := sess.Execute(context.Background(), req.DeviceID, req, func(typ string, payload any) {
		g.send(conn, typ, "", sessionID, payload)
	}); err != nil {
		g.sendError(conn, env.ID, sessionID, sessionErrCode(err), err.Error())
	}
}

func (g *Gateway) handleSessionCancel(conn *wsconn.Conn, env protocol.Envelope) {
	var req protocol.Cancel
	_ = env.DecodePayload(&req)
	if !g.requireAuth(conn, env.ID, req.DeviceID) {
		return
	}
	sess, err := g.registry.Get(env.SessionID)
	if err != nil {
		g.sendError(conn, env.ID, env.SessionID, protocol.ErrSessionNotFound, "session not found")
		return
	}
	sessionID := env.SessionID
	cancelled := sess.Cancel(func(typ string, payload any) {
		g.send(conn, typ, "", sessionID, payload)
	})
	g.send(conn, protocol.TypeResponse, env.ID, sessionID, protocol.Response{ID: env.ID, Cancelled: &cancelled})
}

func (g *Gateway) handleSessionInput(conn *wsconn.Conn, env protocol.Envelope) {
	var req protocol.Input
	if err := env.DecodePayload(&req); err != nil {
		return
	}
	if !g.requireAuth(conn, env.ID, req.DeviceID) {
		return
	}
	sess, err := g.registry.Get(env.SessionID)
	if err != nil {
		return
	}
	raw, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		return
	}
	sess.Input(req.DeviceID, raw)
}

func (g *Gateway) handleSessionResize(conn *wsconn.Conn, env protocol.Envelope) {
	var req protocol.Resize
	if err := env.DecodePayload(&req); err != nil {
		return
	}
	if !g.requireAuth(conn, env.ID, req.DeviceID) {
		return
	}
	sess, err := g.registry.Get(env.SessionID)
	if err != nil {
		return
	}
	ok, cols, rows, _ := sess.Resize(req.DeviceID, req.Cols, req.Rows)
	reason := ""
	if !ok {
		reason = "not master"
	}
	g.send(conn, protocol.TypeSessionResized, env.ID, env.SessionID, protocol.Resized{Success: ok, Cols: cols, Rows: rows, Reason: reason})
}

func (g *Gateway) handleSessionSubscribe(conn *wsconn.Conn, env protocol.Envelope) {
	var req protocol.Subscribe
	if err := env.DecodePayload(&req); err != nil {
		g.sendError(conn, env.ID, "", protocol.ErrInvalidPayload, "bad session.subscribe payload")
		return
	}
	if !g.requireAuth(conn, env.ID, req.DeviceID) {
		return
	}
	sess, err := g.registry.Get(req.SessionID)
	if err != nil {
		g.sendError(conn, env.ID, req.SessionID, protocol.ErrSessionNotFound, "session not found")
		return
	}
	snapshot := sess.Subscribe(req.DeviceID)
	g.trackSubscription(req.DeviceID, req.SessionID, true)
	if sess.SessType == session.TypeTerminal {
		g.ensureTap(conn, sess)
	}
	g.send(conn, protocol.TypeSessionSubscribed, env.ID, req.SessionID, snapshot)
}

func (g *Gateway) handleSessionUnsubscribe(conn *wsconn.Conn, env protocol.Envelope) {
	var req protocol.Unsubscribe
	if err := env.DecodePayload(&req); err != nil {
		g.sendError(conn, env.ID, "", protocol.ErrInvalidPayload, "bad session.unsubscribe payload")
		return
	}
	if !g.requireAuth(conn, env.ID, req.DeviceID) {
		return
	}
	sess, err := g.registry.Get(req.SessionID)
	if err == nil {
		sess.Unsubscribe(req.DeviceID)
		if sess.SessType == session.TypeTerminal {
			g.releaseTap(req.SessionID)
		}
	}
	g.trackSubscription(req.DeviceID, req.SessionID, false)
	g.send(conn, protocol.TypeSessionUnsubscribed, env.ID, req.SessionID, protocol.Unsubscribed{SessionID: req.SessionID})
}

func (g *Gateway) handleSessionReplay(conn *wsconn.Conn, env protocol.Envelope) {
	var req protocol.Replay
	if err := env.DecodePayload(&req); err != nil {
		g.sendError(conn, env.ID, "", protocol.ErrInvalidPayload, "bad session.replay payload")
		return
	}
	if !g.requireAuth(conn, env.ID, req.DeviceID) {
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = env.SessionID
	}
	sess, err := g.registry.Get(sessionID)
	if err != nil {
		g.sendError(conn, env.ID, sessionID, protocol.ErrSessionNotFound, "session not found")
		return
	}
	data, err := sess.Replay(req.SinceSequence, sinceTime(req.SinceTimestamp), req.Limit)
	if err != nil {
		g.sendError(conn, env.ID, sessionID, protocol.ErrInvalidPayload, err.Error())
		return
	}
	g.send(conn, protocol.TypeSessionReplayData, env.ID, sessionID, data)
}

func (g *Gateway) handleAudioRequest(conn *wsconn.Conn, env protocol.Envelope) {
	var req protocol.AudioRequest
	if err := env.DecodePayload(&req); err != nil {
		g.sendError(conn, env.ID, "", protocol.ErrInvalidPayload, "bad audio.request payload")
		return
	}
	if !g.requireAuth(conn, env.ID, req.DeviceID) {
		return
	}
	audioBase64, err := g.registry.AudioStore().Get(req.MessageID)
	if err != nil {
		g.send(conn, protocol.TypeAudioResponse, env.ID, "", protocol.AudioResponse{Error: "audio not found or expired"})
		return
	}
	g.send(conn, protocol.TypeAudioResponse, env.ID, "", protocol.AudioResponse{Audio: audioBase64})
}

func sinceTime(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms)
	return &t
}

func sessionErrCode(err error) string {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return protocol.ErrSessionNotFound
	case errors.Is(err, session.ErrAlreadyExecuting):
		return protocol.ErrSessionBusy
	default:
		return protocol.ErrInternal
	}
}

func (g *Gateway) trackSubscription(deviceID, sessionID string, subscribed bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.subscriptions[deviceID]
	if !ok {
		set = make(map[string]bool)
		g.subscriptions[deviceID] = set
	}
	if subscribed {
		set[sessionID] = true
	} else {
		delete(set, sessionID)
	}
}

func (g *Gateway) deviceSubscriptions(deviceID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	set := g.subscriptions[deviceID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// terminalTap tracks the single hub.Tap() pump backing every device
// subscribed to one Terminal session, refcounted so the Nth subscriber
// reuses the 1st's pump instead of opening another wire-delivery channel.
type terminalTap struct {
	refCount int
	stop     func()
}

func (g *Gateway) ensureTap(conn *wsconn.Conn, sess *session.Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.taps[sess.ID]; ok {
		t.refCount++
		return
	}

	hub := sess.Hub()
	ch := hub.Tap()
	done := make(chan struct{})
	sessionID := sess.ID
	g.taps[sessionID] = &terminalTap{
		refCount: 1,
		stop: func() {
			hub.Unregister(ch)
			close(done)
		},
	}
	go g.pumpTap(conn, sessionID, ch, done)
}

func (g *Gateway) releaseTap(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.taps[sessionID]
	if !ok {
		return
	}
	t.refCount--
	if t.refCount <= 0 {
		t.stop()
		delete(g.taps, sessionID)
	}
}

func (g *Gateway) clearSessionTap(sessionID string) {
	g.mu.Lock()
	t, ok := g.taps[sessionID]
	if ok {
		delete(g.taps, sessionID)
	}
	g.mu.Unlock()
	if ok {
		t.stop()
	}
}

// pumpTap is the only goroutine that ever drains a given session's hub
// output onto the wire; binary chunks become a sequenced TerminalData
// frame, non-binary control frames (mastership/resize notices, already
// hand-built JSON per pty.Hub's doc comment) are forwarded verbatim.
func (g *Gateway) pumpTap(conn *wsconn.Conn, sessionID string, ch chan pty.HubMessage, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg := <-ch:
			if !msg.IsBinary {
				conn.Send(msg.Data)
				continue
			}
			frame, err := protocol.EncodeSeq(protocol.TypeTerminalData, "", sessionID, msg.Sequence, protocol.TerminalData{
				SessionID: sessionID,
				Sequence:  msg.Sequence,
				Data:      base64.StdEncoding.EncodeToString(msg.Data),
			})
			if err == nil {
				conn.Send(frame)
			}
		}
	}
}
