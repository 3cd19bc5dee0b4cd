// Package agentproc implements the agent subprocess spawn/stream/cancel
// contract: the coding-agent binaries themselves (Cursor/Claude/OpenCode/
// alias) are external collaborators: only this contract is specified.
// Generalized from the teacher's agent.Controller, which wraps a PTY the
// same way for a shell-launcher; here the PTY's output additionally flows
// through a Parser that turns raw bytes into structured ContentBlocks.
package agentproc

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hyper-ai-inc/hyper-backend/internal/protocol"
	"github.com/hyper-ai-inc/hyper-backend/internal/pty"
)

// State mirrors the teacher's agent.State enum.
type State string

const (
	StateRunning State = "running"
	StateStopped State = "stopped"
)

var (
	ErrAlreadyRunning = errors.New("agentproc: process already running")
	ErrNotRunning     = errors.New("agentproc: process not running")
)

// Parser turns raw subprocess output chunks into ContentBlocks. Each agent
// variant (cursor/claude/opencode/alias) gets its own Parser; LineParser is
// the default fallback for variants with no structured wire format of
// their own.
type Parser interface {
	Parse(chunk []byte) []protocol.ContentBlock
}

// Process owns one running (or most recently run) agent subprocess for an
// Agent session. It is not safe for concurrent Execute calls — the owning
// session actor serializes access, per the "single-consumer mailbox"
// design note.
type Process struct {
	variant string
	parser  Parser

	mu    sync.Mutex
	pty   *pty.PTY
	state State

	// OnBlock is invoked for every ContentBlock parsed from subprocess
	// output, in order, from the reader goroutine.
	OnBlock func(protocol.ContentBlock)
	// OnExit is invoked once when the subprocess exits on its own
	// (without Cancel having been called).
	OnExit func()
}

// New creates a Process for the given agent variant with the supplied
// output Parser (use NewLineParser() if the variant has no structured
// format).
func New(variant string, parser Parser) *Process {
	return &Process{variant: variant, parser: parser, state: StateStopped}
}

// Variant returns the agent variant name (base command or alias).
func (p *Process) Variant() string { return p.variant }

// State returns the current run state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start spawns command in dir with cols/rows and env, and begins streaming
// its output through the Parser to OnBlock. Fails with ErrAlreadyRunning
// if a subprocess is already live for this Process.
func (p *Process) Start(command string, cols, rows uint16, dir string, env map[string]string) error {
	p.mu.Lock()
	if p.state == StateRunning {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	proc, err := pty.New(command, cols, rows, dir, env)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.pty = proc
	p.state = StateRunning
	p.mu.Unlock()

	go p.readLoop(proc)
	return nil
}

func (p *Process) readLoop(proc *pty.PTY) {
	buf := make([]byte, 32*1024)
	for {
		n, err := proc.Read(buf)
		if err != nil {
			break
		}
		if n == 0 {
			continue
		}
		chunk := make([]byte, n)
		copy(chunk, buf[:n])

		blocks := p.parser.Parse(chunk)
		if p.OnBlock != nil {
			for _, b := range blocks {
				if b.ID == "" {
					b.ID = uuid.New().String()
				}
				p.OnBlock(b)
			}
		}
	}

	p.mu.Lock()
	wasRunning := p.state == StateRunning
	p.state = StateStopped
	p.mu.Unlock()

	if wasRunning && p.OnExit != nil {
		p.OnExit()
	}
}

// Write sends text to the running subprocess's stdin.
func (p *Process) Write(data []byte) error {
	p.mu.Lock()
	proc := p.pty
	running := p.state == StateRunning
	p.mu.Unlock()
	if !running || proc == nil {
		return ErrNotRunning
	}
	_, err := proc.Write(data)
	return err
}

// Cancel terminates the subprocess using the teacher's escalating signal
// sequence: SIGINT x3 (500ms apart), SIGTERM (1s), SIGKILL (1s), matching
// the cancellation semantics' 250ms-class urgency without being so abrupt
// that an agent can't flush a final block.
func (p *Process) Cancel() {
	p.mu.Lock()
	proc := p.pty
	running := p.state == StateRunning
	p.mu.Unlock()
	if !running || proc == nil {
		return
	}

	done := proc.Done()
	for i := 0; i < 3; i++ {
		proc.Signal(pty.SIGINT)
		select {
		case <-done:
			p.markStopped()
			return
		case <-time.After(500 * time.Millisecond):
		}
	}

	proc.Signal(pty.SIGTERM)
	select {
	case <-done:
		p.markStopped()
		return
	case <-time.After(1 * time.Second):
	}

	proc.Signal(pty.SIGKILL)
	select {
	case <-done:
	case <-time.After(1 * time.Second):
	}
	p.markStopped()
}

func (p *Process) markStopped() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateStopped {
		return
	}
	p.state = StateStopped
	if p.pty != nil {
		p.pty.Close()
	}
}
