package pty

import (
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"unsafe"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

// Signal mirrors the subset of process signals a session actor delivers to
// its PTY (resize uses pty.Setsize directly, not a signal).
type Signal int

const (
	SIGINT  Signal = Signal(syscall.SIGINT)
	SIGTERM Signal = Signal(syscall.SIGTERM)
	SIGKILL Signal = Signal(syscall.SIGKILL)
	SIGSTOP Signal = Signal(syscall.SIGSTOP)
	SIGCONT Signal = Signal(syscall.SIGCONT)
)

// MinCols/MinRows are the clamp-law minimums from the data model invariant:
// PTY cols/rows >= (40, 24).
const (
	MinCols = 40
	MinRows = 24
)

// Clamp enforces the minimum PTY size invariant.
func Clamp(cols, rows uint16) (uint16, uint16) {
	if cols < MinCols {
		cols = MinCols
	}
	if rows < MinRows {
		rows = MinRows
	}
	return cols, rows
}

// PTY wraps a spawned pseudo-terminal process.
type PTY struct {
	ID   string
	file *os.File
	cmd  *exec.Cmd

	mu     sync.Mutex
	closed bool

	doneOnce sync.Once
	doneChan chan struct{}
}

// sensitiveEnvVars are stripped from any environment handed to a spawned
// PTY process — an agent or terminal session must never inherit the
// workstation process's own relay credentials.
var sensitiveEnvVars = map[string]bool{
	"TUNNEL_API_KEY":      true,
	"WORKSTATION_AUTH_KEY": true,
}

func filterSensitiveEnv(environ []string) []string {
	filtered := make([]string, 0, len(environ))
	for _, env := range environ {
		key := env
		if idx := strings.Index(env, "="); idx != -1 {
			key = env[:idx]
		}
		if !sensitiveEnvVars[key] {
			filtered = append(filtered, env)
		}
	}
	return filtered
}

// DefaultShell returns the invoking user's shell, falling back to /bin/sh.
func DefaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/sh"
}

// New starts a PTY running command (DefaultShell() if empty) in dir with
// extraEnv layered on top of the filtered ambient environment, sized
// cols/rows (not clamped here — callers clamp at the session boundary so
// clamp reasons can be reported to the requester).
func New(command string, cols, rows uint16, dir string, extraEnv map[string]string) (*PTY, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		parts = []string{DefaultShell()}
	}
	cmd := exec.Command(parts[0], parts[1:]...)
	env := append(filterSensitiveEnv(os.Environ()), "TERM=xterm-256color")
	for k, v := range extraEnv {
		env = append(env, k+"="+v)
	}
	cmd.Env = env
	if dir != "" {
		cmd.Dir = dir
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, err
	}
	return &PTY{ID: uuid.New().String(), file: ptmx, cmd: cmd}, nil
}

// Read reads from the PTY.
func (p *PTY) Read(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, os.ErrClosed
	}
	f := p.file
	p.mu.Unlock()
	return f.Read(buf)
}

// Write writes to the PTY.
func (p *PTY) Write(data []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, os.ErrClosed
	}
	f := p.file
	p.mu.Unlock()
	return f.Write(data)
}

// WriteSilent writes with local echo disabled for the duration of the
// write, used when injecting text a human didn't type (e.g. TTS dictation
// playback) without it appearing twice.
func (p *PTY) WriteSilent(data []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, os.ErrClosed
	}
	f := p.file
	p.mu.Unlock()

	fd := int(f.Fd())
	termios, err := ioctlGetTermios(fd)
	if err != nil {
		return f.Write(data)
	}
	original := *termios
	termios.Lflag &^= syscall.ECHO
	if err := ioctlSetTermios(fd, termios); err != nil {
		return f.Write(data)
	}
	n, writeErr := f.Write(data)
	restore := original
	_ = ioctlSetTermios(fd, &restore)
	return n, writeErr
}

func ioctlGetTermios(fd int) (*syscall.Termios, error) {
	var termios syscall.Termios
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(syscall.TCGETS), uintptr(unsafe.Pointer(&termios)))
	if errno != 0 {
		return nil, errno
	}
	return &termios, nil
}

func ioctlSetTermios(fd int, termios *syscall.Termios) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(syscall.TCSETS), uintptr(unsafe.Pointer(termios)))
	if errno != 0 {
		return errno
	}
	return nil
}

// Resize changes the PTY window size. Callers are expected to have already
// applied Clamp.
func (p *PTY) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return os.ErrClosed
	}
	return pty.Setsize(p.file, &pty.Winsize{Cols: cols, Rows: rows})
}

// Signal sends a signal to the PTY's process.
func (p *PTY) Signal(sig Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return os.ErrClosed
	}
	if p.cmd.Process == nil {
		return os.ErrProcessDone
	}
	return p.cmd.Process.Signal(syscall.Signal(sig))
}

// Close terminates the PTY process and releases its file descriptor.
func (p *PTY) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	return p.file.Close()
}

// Done returns a channel closed when the PTY's process exits.
func (p *PTY) Done() <-chan struct{} {
	p.doneOnce.Do(func() {
		p.doneChan = make(chan struct{})
		go func() {
			if p.cmd != nil {
				p.cmd.Wait()
			}
			close(p.doneChan)
		}()
	})
	return p.doneChan
}
