package session

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hyper-ai-inc/hyper-backend/internal/audio"
	"github.com/hyper-ai-inc/hyper-backend/internal/bus"
	"github.com/hyper-ai-inc/hyper-backend/internal/protocol"
	"github.com/hyper-ai-inc/hyper-backend/internal/pty"
	"github.com/hyper-ai-inc/hyper-backend/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTerminalCols/Rows are the size a freshly created Terminal session
// negotiates absent a prior (cols,rows) to restore.
const (
	DefaultTerminalCols = 80
	DefaultTerminalRows = 24
)

// Registry owns every live session and the singleton Supervisor, mirroring
// the teacher's sessions.Manager but generalized from "one PTY-bearing
// sandbox VM" to the three session types of §4.7.
type Registry struct {
	workspacesRoot string
	bus            *bus.Bus
	resolver       AgentResolver
	stt            STT
	tts            TTS
	audio          *audio.Store

	mu         sync.RWMutex
	sessions   map[string]*Session
	supervisor *Session
}

// NewRegistry creates a Registry rooted at workspacesRoot and immediately
// creates the singleton Supervisor session per §4.7 ("created implicitly
// at startup").
func NewRegistry(workspacesRoot string, b *bus.Bus, resolver AgentResolver, stt STT, tts TTS) *Registry {
	r := &Registry{
		workspacesRoot: workspacesRoot,
		bus:            b,
		resolver:       resolver,
		stt:            stt,
		tts:            tts,
		audio:          audio.NewStore(),
		sessions:       make(map[string]*Session),
	}
	r.supervisor = &Session{
		ID:         "supervisor",
		SessType:   TypeSupervisor,
		WorkingDir: workspacesRoot,
		CreatedAt:  time.Now(),
		status:     StatusActive,
		bus:        b,
		resolver:   resolver,
		stt:        stt,
		tts:        tts,
		audio:      r.audio,
		variant:    "supervisor",
		fanoutAll:  true,
	}
	r.sessions[r.supervisor.ID] = r.supervisor
	return r
}

// Supervisor returns the singleton Supervisor session.
func (r *Registry) Supervisor() *Session {
	return r.supervisor
}

// AudioStore returns the shared store synthesized voice output is stashed
// in, for the audio.request/audio.response handler to read from.
func (r *Registry) AudioStore() *audio.Store {
	return r.audio
}

// Get retrieves a session by ID.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// List returns a summary of every live session.
func (r *Registry) List() []protocol.SessionSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.SessionSummary, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Summary())
	}
	return out
}

// Create allocates a new session per §4.7 and returns the session.created
// payload to echo back to the requester.
func (r *Registry) Create(sessType Type, workspace, project, worktree, agentVariant string) (*Session, protocol.SessionCreated, error) {
	workingDir := r.resolveWorkingDir(workspace, project, worktree)
	id := uuid.New().String()

	s := &Session{
		ID:         id,
		SessType:   sessType,
		Workspace:  workspace,
		Project:    project,
		Worktree:   worktree,
		WorkingDir: workingDir,
		CreatedAt:  time.Now(),
		status:     StatusActive,
		bus:        r.bus,
	}

	created := protocol.SessionCreated{SessionID: id, SessionType: string(sessType)}

	switch sessType {
	case TypeTerminal:
		_, span := telemetry.StartSpan(context.Background(), "pty.hub.create",
			trace.WithAttributes(attribute.String("session.id", id)))
		proc, err := pty.New("", DefaultTerminalCols, DefaultTerminalRows, workingDir, nil)
		if err != nil {
			span.End()
			return nil, protocol.SessionCreated{}, err
		}
		hub := pty.NewHub(proc, DefaultTerminalCols, DefaultTerminalRows)
		go hub.Run()
		s.hub = hub
		created.TerminalConfig = &protocol.TerminalConfig{BufferSize: 1000}
		span.End()
	case TypeAgent:
		s.variant = agentVariant
		s.resolver = r.resolver
		s.stt = r.stt
		s.tts = r.tts
		s.audio = r.audio
	default:
		return nil, protocol.SessionCreated{}, ErrWrongSessionType
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	return s, created, nil
}

// Terminate closes a session's resources and removes it from the
// registry. The Supervisor cannot be terminated.
func (r *Registry) Terminate(id string) error {
	if id == r.supervisor.ID {
		return ErrSupervisorNotTerminable
	}
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	switch s.SessType {
	case TypeTerminal:
		s.hub.Stop()
	case TypeAgent:
		s.mu.Lock()
		proc := s.proc
		s.mu.Unlock()
		if proc != nil {
			proc.Cancel()
		}
	}
	return nil
}

// Shutdown terminates every non-supervisor session, for process exit.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		if id == r.supervisor.ID {
			continue
		}
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Terminate(id)
	}
}

func (r *Registry) resolveWorkingDir(workspace, project, worktree string) string {
	base := r.workspacesRoot
	if workspace != "" {
		base = filepath.Join(base, workspace)
	}
	if project != "" {
		base = filepath.Join(base, project)
	}
	if worktree != "" {
		base = filepath.Join(base, worktree)
	}
	return base
}
