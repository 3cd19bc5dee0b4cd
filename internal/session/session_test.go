package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/hyper-ai-inc/hyper-backend/internal/agentproc"
	"github.com/hyper-ai-inc/hyper-backend/internal/bus"
	"github.com/hyper-ai-inc/hyper-backend/internal/protocol"
)

type echoResolver struct{}

func (echoResolver) Resolve(variant string) (string, agentproc.Parser, bool) {
	return "/bin/sh", agentproc.NewLineParser(), true
}

type fakeTTS struct{}

func (fakeTTS) Synthesize(ctx context.Context, text string) (string, float64, error) {
	return "base64-audio-bytes", 1.5, nil
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(t.TempDir(), bus.New(), echoResolver{}, nil, nil)
}

func newTestRegistryWithTTS(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(t.TempDir(), bus.New(), echoResolver{}, nil, fakeTTS{})
}

func TestRegistryCreatesSupervisorOnInit(t *testing.T) {
	r := newTestRegistry(t)
	sup := r.Supervisor()
	if sup == nil || sup.SessType != TypeSupervisor {
		t.Fatal("expected supervisor session to exist at startup")
	}
	if _, err := r.Get("supervisor"); err != nil {
		t.Fatalf("expected supervisor retrievable via Get: %v", err)
	}
}

func TestSupervisorCannotBeTerminated(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Terminate("supervisor"); err != ErrSupervisorNotTerminable {
		t.Fatalf("expected ErrSupervisorNotTerminable, got %v", err)
	}
}

func TestCreateTerminalSession(t *testing.T) {
	r := newTestRegistry(t)
	s, created, err := r.Create(TypeTerminal, "", "", "", "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer r.Terminate(s.ID)

	if created.SessionType != string(TypeTerminal) {
		t.Fatalf("expected terminal session type, got %s", created.SessionType)
	}
	if created.TerminalConfig == nil || created.TerminalConfig.BufferSize != 1000 {
		t.Fatal("expected terminal_config.buffer_size on creation")
	}
}

func TestTerminalSubscribeFirstBecomesMaster(t *testing.T) {
	r := newTestRegistry(t)
	s, _, err := r.Create(TypeTerminal, "", "", "", "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer r.Terminate(s.ID)

	snap := s.Subscribe("d1")
	if !snap.IsMaster {
		t.Fatal("expected first subscriber to become master")
	}
	if snap.Cols != DefaultTerminalCols || snap.Rows != DefaultTerminalRows {
		t.Fatalf("expected default size, got %dx%d", snap.Cols, snap.Rows)
	}
}

func TestCreateAgentSession(t *testing.T) {
	r := newTestRegistry(t)
	s, created, err := r.Create(TypeAgent, "ws", "", "", "claude")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer r.Terminate(s.ID)

	if created.SessionType != string(TypeAgent) {
		t.Fatalf("expected agent session type, got %s", created.SessionType)
	}
	if s.variant != "claude" {
		t.Fatalf("expected variant 'claude' recorded, got %s", s.variant)
	}
	if s.proc != nil {
		t.Fatal("expected no subprocess spawned until first execute")
	}
}

func TestAgentSubscribeReturnsHistorySnapshot(t *testing.T) {
	r := newTestRegistry(t)
	s, _, err := r.Create(TypeAgent, "", "", "", "claude")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer r.Terminate(s.ID)

	snap := s.Subscribe("d1")
	if snap.IsExecuting {
		t.Fatal("expected not executing before any turn")
	}
	if len(snap.History) != 0 {
		t.Fatal("expected empty history on a fresh session")
	}
}

func TestAgentExecuteProducesOutputAndHistory(t *testing.T) {
	r := newTestRegistry(t)
	s, _, err := r.Create(TypeAgent, "", "", "", "claude")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer r.Terminate(s.ID)

	var outputs []string
	done := make(chan struct{})
	onOutput := func(typ string, payload any) {
		outputs = append(outputs, typ)
		if typ == protocol.TypeSessionOutput {
			select {
			case done <- struct{}{}:
			default:
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Execute(ctx, "d1", protocol.Execute{Text: "echo turn_output"}, onOutput); err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.output")
	}

	deadline := time.After(3 * time.Second)
	for s.IsExecuting() {
		select {
		case <-deadline:
			t.Fatal("timeout waiting for turn to settle")
		case <-time.After(50 * time.Millisecond):
		}
	}

	snap := s.Subscribe("d2")
	if len(snap.History) == 0 {
		t.Fatal("expected history to contain the completed turn")
	}
	found := false
	for _, rec := range snap.History {
		if rec.Role == protocol.RoleAssistant && strings.Contains(rec.Content, "turn_output") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected assistant turn containing output, got %+v", snap.History)
	}
}

func TestAgentExecuteRejectsConcurrentTurn(t *testing.T) {
	r := newTestRegistry(t)
	s, _, err := r.Create(TypeAgent, "", "", "", "claude")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer r.Terminate(s.ID)

	noop := func(string, any) {}
	ctx := context.Background()
	if err := s.Execute(ctx, "d1", protocol.Execute{Text: "sleep 1"}, noop); err != nil {
		t.Fatalf("first execute failed: %v", err)
	}
	if err := s.Execute(ctx, "d1", protocol.Execute{Text: "echo again"}, noop); err != ErrAlreadyExecuting {
		t.Fatalf("expected ErrAlreadyExecuting, got %v", err)
	}
}

func TestAgentExecuteWithTTSEmitsVoiceOutputAndStoresAudio(t *testing.T) {
	r := newTestRegistryWithTTS(t)
	s, _, err := r.Create(TypeAgent, "", "", "", "claude")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer r.Terminate(s.ID)

	var voice protocol.VoiceOutput
	got := make(chan struct{})
	onOutput := func(typ string, payload any) {
		if typ == protocol.TypeSessionVoiceOutput {
			voice = payload.(protocol.VoiceOutput)
			close(got)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Execute(ctx, "d1", protocol.Execute{Text: "echo turn_output", TTSEnabled: true}, onOutput); err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	select {
	case <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.voice_output")
	}

	if voice.MessageID == "" {
		t.Fatal("expected a generated message_id")
	}
	if voice.Duration != 1.5 {
		t.Fatalf("got duration %v, want 1.5", voice.Duration)
	}
	if voice.Audio != "" {
		t.Fatal("expected audio bytes to stay out of the wire payload")
	}

	stored, err := r.AudioStore().Get(voice.MessageID)
	if err != nil {
		t.Fatalf("expected audio stashed in the store: %v", err)
	}
	if stored != "base64-audio-bytes" {
		t.Fatalf("got stored audio %q", stored)
	}
}

func TestAgentCancelWhenNotExecuting(t *testing.T) {
	r := newTestRegistry(t)
	s, _, err := r.Create(TypeAgent, "", "", "", "claude")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer r.Terminate(s.ID)

	if s.Cancel(nil) {
		t.Fatal("expected cancel to report false when nothing is executing")
	}
}

func TestAgentCancelWhileExecutingEmitsCancelBlock(t *testing.T) {
	r := newTestRegistry(t)
	s, _, err := r.Create(TypeAgent, "", "", "", "claude")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer r.Terminate(s.ID)

	noop := func(string, any) {}
	if err := s.Execute(context.Background(), "d1", protocol.Execute{Text: "sleep 5"}, noop); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	var gotCancel bool
	if !s.Cancel(func(typ string, payload any) {
		if typ != protocol.TypeSessionOutput {
			return
		}
		out, ok := payload.(protocol.Output)
		if ok && out.IsComplete && len(out.ContentBlocks) == 1 && out.ContentBlocks[0].BlockType == protocol.BlockCancel {
			gotCancel = true
		}
	}) {
		t.Fatal("expected cancel to report true while executing")
	}
	if !gotCancel {
		t.Fatal("expected a final is_complete output carrying the cancel block")
	}
	if s.IsExecuting() {
		t.Fatal("expected executing cleared after cancel")
	}
}

func TestSupervisorClearContext(t *testing.T) {
	r := newTestRegistry(t)
	sup := r.Supervisor()
	sup.mu.Lock()
	sup.history = append(sup.history, protocol.HistoryRecord{Role: protocol.RoleUser, Content: "hi"})
	sup.mu.Unlock()

	if err := sup.ClearContext(); err != nil {
		t.Fatalf("clear context failed: %v", err)
	}
	snap := sup.Subscribe("d1")
	if len(snap.History) != 0 {
		t.Fatal("expected history cleared")
	}
}

func TestClearContextRejectedForAgent(t *testing.T) {
	r := newTestRegistry(t)
	s, _, err := r.Create(TypeAgent, "", "", "", "claude")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer r.Terminate(s.ID)

	if err := s.ClearContext(); err != ErrWrongSessionType {
		t.Fatalf("expected ErrWrongSessionType, got %v", err)
	}
}

func TestTerminateRemovesFromRegistry(t *testing.T) {
	r := newTestRegistry(t)
	s, _, err := r.Create(TypeAgent, "", "", "", "claude")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := r.Terminate(s.ID); err != nil {
		t.Fatalf("terminate failed: %v", err)
	}
	if _, err := r.Get(s.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after terminate, got %v", err)
	}
}

func TestResolveWorkingDirJoinsWorkspaceProjectWorktree(t *testing.T) {
	r := newTestRegistry(t)
	got := r.resolveWorkingDir("ws1", "proj1", "wt1")
	if !strings.HasSuffix(got, "ws1/proj1/wt1") {
		t.Fatalf("expected joined path, got %s", got)
	}
}
