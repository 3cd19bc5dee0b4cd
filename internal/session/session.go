// Package session implements the tagged Terminal/Agent/Supervisor session
// union: its registry, lifecycle, and the per-type subscribe/execute/input
// operations. Terminal sessions delegate output fan-out to pty.Hub
// (already its own actor loop); Agent and Supervisor sessions serialize
// their state under a mutex, the way the teacher's sandbox Session type
// guards ptys/agent/secrets — one registry-wide actor loop per session
// would just reimplement what sync.Mutex already gives us here.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hyper-ai-inc/hyper-backend/internal/agentproc"
	"github.com/hyper-ai-inc/hyper-backend/internal/bus"
	"github.com/hyper-ai-inc/hyper-backend/internal/protocol"
	"github.com/hyper-ai-inc/hyper-backend/internal/pty"
	"github.com/hyper-ai-inc/hyper-backend/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AudioStore is where a completed turn's synthesized voice output is
// stashed for later audio.request retrieval; implemented by
// internal/audio.Store.
type AudioStore interface {
	Put(messageID, audioBase64 string)
}

// Type is the Session's tagged-union discriminant.
type Type string

const (
	TypeTerminal   Type = "terminal"
	TypeAgent      Type = "agent"
	TypeSupervisor Type = "supervisor"
)

// Status values. Sessions carry no "stopped" status — a terminated session
// is removed from the registry entirely, not kept around half-alive.
const (
	StatusActive = "active"
)

var (
	ErrNotFound               = errors.New("session: not found")
	ErrSupervisorNotTerminable = errors.New("session: supervisor session cannot be terminated")
	ErrUnknownAgentVariant    = errors.New("session: unknown agent variant")
	ErrWrongSessionType       = errors.New("session: operation not valid for this session type")
	ErrAlreadyExecuting       = errors.New("session: already executing")
)

const historyLimit = 50

// AgentResolver maps an agent variant name (base command or configured
// alias) to the command line to spawn and the Parser that turns its
// output into ContentBlocks. Implemented by internal/config against the
// workstation's alias map.
type AgentResolver interface {
	Resolve(variant string) (command string, parser agentproc.Parser, ok bool)
}

// STT transcribes a base64-encoded audio clip to text.
type STT interface {
	Transcribe(ctx context.Context, audioBase64, format string) (text string, err error)
}

// TTS synthesizes text to a base64-encoded audio clip.
type TTS interface {
	Synthesize(ctx context.Context, text string) (audioBase64 string, duration float64, err error)
}

// Session is one Terminal, Agent, or Supervisor instance.
type Session struct {
	ID         string
	SessType   Type
	Workspace  string
	Project    string
	Worktree   string
	WorkingDir string
	CreatedAt  time.Time

	bus *bus.Bus

	mu        sync.Mutex
	status    string
	fanoutAll bool // supervisor broadcasts user_message to every device

	// Terminal fields.
	hub      *pty.Hub
	hubSubs  map[string]chan pty.HubMessage // deviceID -> bookkeeping-only channel from hub.Subscribe

	// Agent / Supervisor fields.
	variant    string
	proc       *agentproc.Process
	resolver   AgentResolver
	stt        STT
	tts        TTS
	audio      AudioStore
	history    []protocol.HistoryRecord
	inProgress []protocol.ContentBlock
	executing  bool
}

// Summary returns the wire-level SessionSummary for sync/list.
func (s *Session) Summary() protocol.SessionSummary {
	return protocol.SessionSummary{
		SessionID:   s.ID,
		SessionType: string(s.SessType),
		Status:      s.status,
		Workspace:   s.Workspace,
		Project:     s.Project,
		Worktree:    s.Worktree,
		WorkingDir:  s.WorkingDir,
		CreatedAt:   s.CreatedAt.UnixMilli(),
	}
}

// Subscribe attaches deviceID to the session and returns its type-aware
// snapshot per §4.8: Terminal reports {is_master, cols, rows}; Agent and
// Supervisor report {history, is_executing, current_streaming_blocks}.
func (s *Session) Subscribe(deviceID string) protocol.Subscribed {
	switch s.SessType {
	case TypeTerminal:
		// The returned channel only feeds mastership/idle-timer bookkeeping
		// (it goes undrained and quietly fills, which nonBlockingSend
		// tolerates); actual wire delivery for this session happens once,
		// through a separate hub.Tap() the network layer pumps, since every
		// device shares one physical connection back through the tunnel.
		ch := s.hub.Subscribe(deviceID)
		s.mu.Lock()
		if s.hubSubs == nil {
			s.hubSubs = make(map[string]chan pty.HubMessage)
		}
		s.hubSubs[deviceID] = ch
		s.mu.Unlock()
		cols, rows := s.hub.Size()
		return protocol.Subscribed{IsMaster: s.hub.IsMaster(deviceID), Cols: cols, Rows: rows}
	default:
		s.bus.Subscribe(s.ID, deviceID)
		s.mu.Lock()
		defer s.mu.Unlock()
		return protocol.Subscribed{
			History:                append([]protocol.HistoryRecord(nil), s.history...),
			IsExecuting:            s.executing,
			CurrentStreamingBlocks: append([]protocol.ContentBlock(nil), s.inProgress...),
		}
	}
}

// Unsubscribe detaches deviceID from the session's output fan-out.
func (s *Session) Unsubscribe(deviceID string) {
	if s.SessType == TypeTerminal {
		s.mu.Lock()
		ch, ok := s.hubSubs[deviceID]
		delete(s.hubSubs, deviceID)
		s.mu.Unlock()
		if ok {
			s.hub.Unregister(ch)
		}
		return
	}
	s.bus.Unsubscribe(s.ID, deviceID)
}

// Hub returns the Terminal session's PTY hub, or nil for other types.
func (s *Session) Hub() *pty.Hub {
	if s.SessType != TypeTerminal {
		return nil
	}
	return s.hub
}

// Input writes raw bytes to a Terminal session's PTY. Non-master writers
// are silently dropped by the Hub itself.
func (s *Session) Input(deviceID string, data []byte) error {
	if s.SessType != TypeTerminal {
		return ErrWrongSessionType
	}
	_, err := s.hub.Write(deviceID, data)
	return err
}

// Resize adjusts a Terminal session's PTY size, honored only for the
// current master; see pty.Hub.Resize for the clamp/rejection contract.
func (s *Session) Resize(deviceID string, cols, rows uint16) (ok bool, actualCols, actualRows uint16, err error) {
	if s.SessType != TypeTerminal {
		return false, 0, 0, ErrWrongSessionType
	}
	ok, actualCols, actualRows = s.hub.Resize(deviceID, cols, rows)
	return ok, actualCols, actualRows, nil
}

// Replay returns ring entries after the given cursor for a Terminal
// session.
func (s *Session) Replay(sinceSeq *int64, sinceTime *time.Time, limit int) (protocol.ReplayData, error) {
	if s.SessType != TypeTerminal {
		return protocol.ReplayData{}, ErrWrongSessionType
	}
	records, first, last, current, hasMore := s.hub.Replay(sinceSeq, sinceTime, limit)
	out := make([]protocol.OutputRecord, len(records))
	for i, r := range records {
		out[i] = protocol.OutputRecord{Sequence: r.Sequence, Timestamp: r.Timestamp.UnixMilli(), Content: string(r.Content)}
	}
	return protocol.ReplayData{Records: out, FirstSequence: first, LastSequence: last, CurrentSequence: current, HasMore: hasMore}, nil
}

// IsExecuting reports whether an Agent/Supervisor session has a live
// subprocess turn in flight.
func (s *Session) IsExecuting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executing
}

// Execute runs one agent turn per §4.9. onOutput is invoked for every
// session.output/transcription/voice_output emission the caller should
// publish to the bus (kept as a callback rather than an internal
// bus.Publish call so the caller can wrap each payload in the right
// envelope type and sequence it alongside connection-level writes).
func (s *Session) Execute(ctx context.Context, deviceID string, req protocol.Execute, onOutput func(typ string, payload any)) error {
	if s.SessType != TypeAgent && s.SessType != TypeSupervisor {
		return ErrWrongSessionType
	}

	ctx, span := telemetry.StartSpan(ctx, "session.execute",
		trace.WithAttributes(
			attribute.String("session.id", s.ID),
			attribute.String("session.type", string(s.SessType)),
			attribute.String("session.variant", s.variant),
		))
	defer span.End()

	s.mu.Lock()
	if s.executing {
		s.mu.Unlock()
		return ErrAlreadyExecuting
	}
	s.executing = true
	s.inProgress = nil
	fanoutAll := s.fanoutAll
	s.mu.Unlock()

	text := req.Text
	if req.Audio != "" && s.stt != nil {
		transcribed, err := s.stt.Transcribe(ctx, req.Audio, req.AudioFormat)
		if err == nil {
			text = transcribed
			onOutput(protocol.TypeSessionTranscription, protocol.Transcription{Text: text, MessageID: req.MessageID})
		}
	}

	s.mu.Lock()
	s.history = appendBounded(s.history, protocol.HistoryRecord{
		Role: protocol.RoleUser, Content: text, CreatedAt: time.Now().UnixMilli(),
	})
	s.mu.Unlock()

	if fanoutAll {
		onOutput(protocol.TypeSupervisorUserMessage, protocol.UserMessage{Content: text, FromDeviceID: deviceID})
	}

	if s.proc == nil || s.proc.State() != agentproc.StateRunning {
		command, parser, ok := s.resolveCommand()
		if !ok {
			s.finishExecuting()
			return ErrUnknownAgentVariant
		}
		s.proc = agentproc.New(s.variant, parser)
		s.proc.OnBlock = func(b protocol.ContentBlock) {
			s.mu.Lock()
			s.inProgress = append(s.inProgress, b)
			s.mu.Unlock()
			onOutput(protocol.TypeSessionOutput, protocol.Output{ContentType: "agent", ContentBlocks: []protocol.ContentBlock{b}, IsComplete: false})
		}
		if err := s.proc.Start(command, 80, 24, s.WorkingDir, nil); err != nil {
			s.finishExecuting()
			return err
		}
	}

	if err := s.proc.Write([]byte(text + "\n")); err != nil {
		s.finishExecuting()
		return err
	}

	go s.awaitCompletion(ctx, req, onOutput)
	return nil
}

// awaitCompletion polls for the subprocess to go idle (no output for a
// beat) and closes out the turn; a real coding-agent CLI's own hooks
// would normally signal completion, but the generic contract here treats
// "no blocks for one settle interval" as the turn boundary.
func (s *Session) awaitCompletion(ctx context.Context, req protocol.Execute, onOutput func(typ string, payload any)) {
	const settle = 400 * time.Millisecond
	timer := time.NewTimer(settle)
	defer timer.Stop()
	lastLen := -1
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.mu.Lock()
			n := len(s.inProgress)
			s.mu.Unlock()
			if n == lastLen {
				s.completeTurn(req, onOutput)
				return
			}
			lastLen = n
			timer.Reset(settle)
		}
	}
}

func (s *Session) completeTurn(req protocol.Execute, onOutput func(typ string, payload any)) {
	s.mu.Lock()
	blocks := s.inProgress
	s.inProgress = nil
	var text strings.Builder
	for _, b := range blocks {
		if b.BlockType == protocol.BlockText {
			text.WriteString(b.Text)
		}
	}
	s.history = appendBounded(s.history, protocol.HistoryRecord{
		Role: protocol.RoleAssistant, Content: text.String(), ContentBlocks: blocks, CreatedAt: time.Now().UnixMilli(),
	})
	s.executing = false
	tts := s.tts
	audioStore := s.audio
	s.mu.Unlock()

	if req.TTSEnabled && tts != nil {
		summary := firstSentences(text.String(), 3)
		audioBase64, duration, err := tts.Synthesize(context.Background(), summary)
		if err != nil {
			return
		}
		messageID := req.MessageID
		if messageID == "" {
			messageID = uuid.New().String()
		}
		if audioStore != nil {
			audioStore.Put(messageID, audioBase64)
		}
		onOutput(protocol.TypeSessionVoiceOutput, protocol.VoiceOutput{MessageID: messageID, Duration: duration})
	}
}

func (s *Session) finishExecuting() {
	s.mu.Lock()
	s.executing = false
	s.inProgress = nil
	s.mu.Unlock()
}

// Cancel aborts an in-flight execute turn per §4.9: if executing, it
// terminates the subprocess, appends a cancel block, and emits a final
// is_complete:true output carrying that block; returns cancelled=false
// (acknowledged, no-op) if nothing was executing.
func (s *Session) Cancel(onOutput func(typ string, payload any)) (cancelled bool) {
	if s.SessType != TypeAgent && s.SessType != TypeSupervisor {
		return false
	}
	s.mu.Lock()
	if !s.executing {
		s.mu.Unlock()
		return false
	}
	proc := s.proc
	s.mu.Unlock()

	if proc != nil {
		proc.Cancel()
	}

	cancelBlock := protocol.ContentBlock{ID: uuid.New().String(), BlockType: protocol.BlockCancel}
	s.mu.Lock()
	s.inProgress = nil
	s.executing = false
	s.mu.Unlock()

	if onOutput != nil {
		onOutput(protocol.TypeSessionOutput, protocol.Output{ContentType: "agent", ContentBlocks: []protocol.ContentBlock{cancelBlock}, IsComplete: true})
	}
	return true
}

// ClearContext erases a Supervisor session's history.
func (s *Session) ClearContext() error {
	if s.SessType != TypeSupervisor {
		return ErrWrongSessionType
	}
	s.mu.Lock()
	s.history = nil
	s.inProgress = nil
	s.mu.Unlock()
	return nil
}

func (s *Session) resolveCommand() (string, agentproc.Parser, bool) {
	if s.resolver == nil {
		return "", nil, false
	}
	return s.resolver.Resolve(s.variant)
}

func appendBounded(history []protocol.HistoryRecord, rec protocol.HistoryRecord) []protocol.HistoryRecord {
	rec.Sequence = int64(len(history)) + 1
	history = append(history, rec)
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	return history
}

func firstSentences(text string, n int) string {
	fields := strings.FieldsFunc(text, func(r rune) bool { return r == '.' || r == '!' || r == '?' })
	if len(fields) <= n {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(strings.Join(fields[:n], ". ") + ".")
}
