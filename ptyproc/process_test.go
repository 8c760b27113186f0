package ptyproc

import (
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/entl/mcp-pty/command"
)

const testTimeout = 10 * time.Second

func newTestProcess(t *testing.T, cmdLine string) *Process {
	t.Helper()
	norm := &command.Result{Shell: &command.ShellExec{Raw: cmdLine}}
	p, err := Construct(zap.NewNop(), uniqueID("test"), Options{Command: cmdLine}, norm)
	if err != nil {
		t.Fatalf("Construct failed: %v", err)
	}
	t.Cleanup(func() { p.Dispose("SIGTERM") })
	return p
}

func uniqueID(prefix string) string {
	return prefix + "-" + time.Now().Format("150405.000000000")
}

func waitForCleanOutput(t *testing.T, p *Process, want string) string {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		out := string(p.GetCleanOutput())
		if strings.Contains(out, want) {
			return out
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for clean output containing %q; got %q", want, string(p.GetCleanOutput()))
	return ""
}

func TestConstruct_SpawnsAndProducesOutput(t *testing.T) {
	p := newTestProcess(t, "echo hello-pty")
	out := waitForCleanOutput(t, p, "hello-pty")
	if !strings.Contains(out, "hello-pty") {
		t.Fatalf("expected clean output to contain echoed text, got %q", out)
	}
}

func TestConstruct_StatusIsActiveAfterSpawn(t *testing.T) {
	p := newTestProcess(t, "sleep 1")
	if got := p.Status(); got != StatusActive {
		t.Fatalf("expected status active immediately after construct, got %v", got)
	}
}

func TestWrite_EchoesInputToScreen(t *testing.T) {
	p := newTestProcess(t, "cat")
	if _, err := p.Write([]byte("marco\n"), 500); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		rows := p.CaptureBuffer()
		if strings.Contains(strings.Join(rows, "\n"), "marco") {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected written input to appear on screen")
}

func TestWrite_RejectsSudoInPayload(t *testing.T) {
	p := newTestProcess(t, "cat")
	if _, err := p.Write([]byte("sudo rm -rf /\n"), 100); err == nil {
		t.Fatalf("expected sudo in write payload to be refused")
	}
}

func TestDispose_IsIdempotent(t *testing.T) {
	p := newTestProcess(t, "sleep 5")
	p.Dispose("SIGTERM")
	p.Dispose("SIGTERM")
	if got := p.Status(); got != StatusTerminated {
		t.Fatalf("expected terminated after dispose, got %v", got)
	}
}

func TestDispose_MakesSubsequentWriteFail(t *testing.T) {
	p := newTestProcess(t, "sleep 5")
	p.Dispose("SIGTERM")
	if _, err := p.Write([]byte("x"), 10); err == nil {
		t.Fatalf("expected write after dispose to fail")
	}
}

func TestAppendOutput_EvictsFromHeadWhenOverCap(t *testing.T) {
	p := newTestProcess(t, "cat")
	big := strings.Repeat("a", outputBufferCap+1024)
	p.appendOutput([]byte(big))
	p.outMu.Lock()
	gotLen := len(p.output)
	p.outMu.Unlock()
	if gotLen != outputBufferCap {
		t.Fatalf("expected output buffer capped at %d bytes, got %d", outputBufferCap, gotLen)
	}
}

func TestGetCleanOutput_FallsBackToFullBufferWithoutMarkers(t *testing.T) {
	p := &Process{startMarker: "__MCP_PTY_START_test__", endMarker: "__MCP_PTY_END_test__"}
	p.appendOutput([]byte("no markers here"))
	got := string(p.GetCleanOutput())
	if !strings.Contains(got, "no markers here") {
		t.Fatalf("expected fallback to full buffer, got %q", got)
	}
}

func TestShellQuote_PreservesLiteralSimpleWords(t *testing.T) {
	if got := shellQuote("hello"); got != "hello" {
		t.Fatalf("expected unquoted simple word, got %q", got)
	}
}

func TestShellQuote_QuotesWordsWithSpaces(t *testing.T) {
	if got := shellQuote("hello world"); got != "'hello world'" {
		t.Fatalf("expected single-quoted word, got %q", got)
	}
}

func TestCommandLineFor_ShellFormIsVerbatim(t *testing.T) {
	norm := &command.Result{Shell: &command.ShellExec{Raw: "ls | grep x"}}
	if got := commandLineFor(norm, "fallback"); got != "ls | grep x" {
		t.Fatalf("expected shell raw text verbatim, got %q", got)
	}
}

func TestCommandLineFor_DirectFormIsReassembled(t *testing.T) {
	norm := &command.Result{Direct: &command.DirectExec{Executable: "echo", Args: []string{"a b", "c"}}}
	if got := commandLineFor(norm, "fallback"); got != "echo 'a b' c" {
		t.Fatalf("expected reassembled direct form, got %q", got)
	}
}

func TestMarkIdleIfStale_FlipsActiveToIdlePastThreshold(t *testing.T) {
	p := newTestProcess(t, "sleep 5")
	p.mu.Lock()
	p.lastActivity = time.Now().Add(-time.Minute)
	p.mu.Unlock()

	p.MarkIdleIfStale(time.Second)

	if got := p.Status(); got != StatusIdle {
		t.Fatalf("expected status idle after stale mark, got %v", got)
	}
}

func TestMarkIdleIfStale_LeavesRecentlyActiveAlone(t *testing.T) {
	p := newTestProcess(t, "sleep 5")
	p.MarkIdleIfStale(time.Minute)

	if got := p.Status(); got != StatusActive {
		t.Fatalf("expected status to remain active, got %v", got)
	}
}
