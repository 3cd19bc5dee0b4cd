package agentproc

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hyper-ai-inc/hyper-backend/internal/protocol"
)

func TestProcessStart(t *testing.T) {
	p := New("test-agent", NewLineParser())
	if err := p.Start("/bin/sh", 80, 24, "", nil); err != nil {
		t.Fatalf("failed to start process: %v", err)
	}
	defer p.Cancel()

	if p.State() != StateRunning {
		t.Errorf("expected state running, got %s", p.State())
	}
	if p.Variant() != "test-agent" {
		t.Errorf("expected variant 'test-agent', got %s", p.Variant())
	}
}

func TestProcessStartTwiceFails(t *testing.T) {
	p := New("test-agent", NewLineParser())
	if err := p.Start("/bin/sh", 80, 24, "", nil); err != nil {
		t.Fatalf("failed to start process: %v", err)
	}
	defer p.Cancel()

	if err := p.Start("/bin/sh", 80, 24, "", nil); err != ErrAlreadyRunning {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestProcessWriteProducesBlocks(t *testing.T) {
	p := New("test-agent", NewLineParser())
	if err := p.Start("/bin/sh", 80, 24, "", nil); err != nil {
		t.Fatalf("failed to start process: %v", err)
	}
	defer p.Cancel()

	var mu sync.Mutex
	var seen []protocol.ContentBlock
	received := make(chan struct{})
	p.OnBlock = func(b protocol.ContentBlock) {
		mu.Lock()
		seen = append(seen, b)
		mu.Unlock()
		select {
		case received <- struct{}{}:
		default:
		}
	}

	if err := p.Write([]byte("echo agentproc_test\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	timeout := time.After(3 * time.Second)
	for {
		select {
		case <-received:
			mu.Lock()
			found := false
			for _, b := range seen {
				if b.BlockType == protocol.BlockText && b.ID == "" {
					t.Error("expected block ID to be populated")
				}
				if b.BlockType == protocol.BlockText && strings.Contains(b.Text, "agentproc_test") {
					found = true
				}
			}
			mu.Unlock()
			if found {
				return
			}
		case <-timeout:
			t.Fatal("timeout waiting for output block")
		}
	}
}

func TestProcessWriteWhenNotRunning(t *testing.T) {
	p := New("test-agent", NewLineParser())
	if err := p.Write([]byte("echo test\n")); err != ErrNotRunning {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
}

func TestProcessCancel(t *testing.T) {
	p := New("test-agent", NewLineParser())
	if err := p.Start("/bin/sh", 80, 24, "", nil); err != nil {
		t.Fatalf("failed to start process: %v", err)
	}

	p.Cancel()

	if p.State() != StateStopped {
		t.Errorf("expected state stopped, got %s", p.State())
	}
}

func TestProcessCancelEscalation(t *testing.T) {
	p := New("test-agent", NewLineParser())
	if err := p.Start("/bin/sh", 80, 24, "", nil); err != nil {
		t.Fatalf("failed to start process: %v", err)
	}

	if err := p.Write([]byte("trap '' INT; sleep 100\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		p.Cancel()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cancel timed out - escalation may not be working")
	}

	if p.State() != StateStopped {
		t.Errorf("expected state stopped, got %s", p.State())
	}
}

func TestProcessCancelTwice(t *testing.T) {
	p := New("test-agent", NewLineParser())
	if err := p.Start("/bin/sh", 80, 24, "", nil); err != nil {
		t.Fatalf("failed to start process: %v", err)
	}

	p.Cancel()
	p.Cancel()

	if p.State() != StateStopped {
		t.Errorf("expected state stopped, got %s", p.State())
	}
}

func TestProcessOnExitFiresWhenSubprocessExitsOnItsOwn(t *testing.T) {
	p := New("test-agent", NewLineParser())
	if err := p.Start("/bin/sh", 80, 24, "", nil); err != nil {
		t.Fatalf("failed to start process: %v", err)
	}

	exited := make(chan struct{})
	p.OnExit = func() { close(exited) }

	if err := p.Write([]byte("exit 0\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case <-exited:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for OnExit")
	}

	if p.State() != StateStopped {
		t.Errorf("expected state stopped, got %s", p.State())
	}
}

func TestJSONLineParserFallsBackToText(t *testing.T) {
	parser := NewJSONLineParser()
	blocks := parser.Parse([]byte("not json\n"))
	if len(blocks) != 1 || blocks[0].BlockType != protocol.BlockText {
		t.Fatalf("expected single text block fallback, got %+v", blocks)
	}
}

func TestJSONLineParserParsesStructuredEvent(t *testing.T) {
	parser := NewJSONLineParser()
	blocks := parser.Parse([]byte(`{"type":"tool","tool_name":"grep","tool_status":"completed"}` + "\n"))
	if len(blocks) != 1 || blocks[0].BlockType != protocol.BlockTool || blocks[0].ToolName != "grep" {
		t.Fatalf("expected parsed tool block, got %+v", blocks)
	}
}

func TestJSONLineParserBuffersPartialLine(t *testing.T) {
	parser := NewJSONLineParser()
	blocks := parser.Parse([]byte(`{"type":"text","text":"partial`))
	if len(blocks) != 0 {
		t.Fatalf("expected no blocks from partial line, got %+v", blocks)
	}
	blocks = parser.Parse([]byte("\"}\n"))
	if len(blocks) != 1 || blocks[0].Text != "partial" {
		t.Fatalf("expected completed block after feeding remainder, got %+v", blocks)
	}
}
