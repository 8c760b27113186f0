package mcpserver

import (
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/entl/mcp-pty/session"
)

func newTestContext(t *testing.T) Context {
	t.Helper()
	mgr := session.NewManager(zap.NewNop())
	id := mgr.CreateSession()
	t.Cleanup(func() { mgr.DisposeAll(2 * time.Second) })
	return Context{SessionID: id, Manager: mgr}
}

func TestResolvePwd_ExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available")
	}
	got, err := resolvePwd("~")
	if err != nil {
		t.Fatalf("resolvePwd(~) failed: %v", err)
	}
	if got != home {
		t.Fatalf("expected %q, got %q", home, got)
	}
}

func TestResolvePwd_RejectsRelativePath(t *testing.T) {
	if _, err := resolvePwd("relative/path"); err == nil {
		t.Fatalf("expected relative path to be rejected")
	}
}

func TestResolvePwd_RejectsNonexistentDirectory(t *testing.T) {
	if _, err := resolvePwd("/definitely/does/not/exist/xyz"); err == nil {
		t.Fatalf("expected nonexistent directory to be rejected")
	}
}

func TestResolvePwd_RejectsFileNotDirectory(t *testing.T) {
	f, err := os.CreateTemp("", "mcp-pty-test")
	if err != nil {
		t.Fatalf("CreateTemp failed: %v", err)
	}
	defer os.Remove(f.Name())
	f.Close()

	if _, err := resolvePwd(f.Name()); err == nil {
		t.Fatalf("expected a regular file to be rejected as pwd")
	}
}

func TestStartAndList_BindsPtyToSession(t *testing.T) {
	ctx := newTestContext(t)
	tmp := t.TempDir()

	res, err := Start(ctx, "echo from-start", tmp)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if res.ProcessID == "" {
		t.Fatalf("expected a process id")
	}

	list, err := List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	found := false
	for _, entry := range list.Ptys {
		if entry.ID == res.ProcessID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected started pty to appear in list, got %+v", list.Ptys)
	}
}

func TestKill_RemovesPtyFromSession(t *testing.T) {
	ctx := newTestContext(t)
	tmp := t.TempDir()

	res, err := Start(ctx, "sleep 5", tmp)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	killRes, err := Kill(ctx, res.ProcessID)
	if err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	if !killRes.Success {
		t.Fatalf("expected kill to succeed")
	}

	list, _ := List(ctx)
	for _, entry := range list.Ptys {
		if entry.ID == res.ProcessID {
			t.Fatalf("expected killed pty to be removed from list")
		}
	}
}

func TestWriteInput_RejectsDataCombinedWithInput(t *testing.T) {
	ctx := newTestContext(t)
	input := "hello"
	_, err := WriteInput(ctx, WriteInputArgs{ProcessID: "whatever", Input: &input, HasData: true, Data: []byte("x")})
	if err == nil {
		t.Fatalf("expected mutual exclusion violation to be rejected")
	}
}

func TestWriteInput_RejectsNeitherModeSupplied(t *testing.T) {
	ctx := newTestContext(t)
	_, err := WriteInput(ctx, WriteInputArgs{ProcessID: "whatever"})
	if err == nil {
		t.Fatalf("expected missing input mode to be rejected")
	}
}

func TestWriteInput_SafeModeWritesResolvedControlCode(t *testing.T) {
	ctx := newTestContext(t)
	tmp := t.TempDir()

	res, err := Start(ctx, "cat", tmp)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	input := "ping"
	ctrl := "Enter"
	wres, err := WriteInput(ctx, WriteInputArgs{ProcessID: res.ProcessID, Input: &input, CtrlCode: &ctrl, WaitMs: 500})
	if err != nil {
		t.Fatalf("WriteInput failed: %v", err)
	}
	if !strings.Contains(wres.Screen, "ping") {
		t.Fatalf("expected echoed input on screen, got %q", wres.Screen)
	}
	if strings.Count(wres.Screen, "ping") < 2 {
		t.Fatalf("expected cat to repeat the line once Enter was written, got %q", wres.Screen)
	}
}

func TestStatus_AggregatesAcrossSessions(t *testing.T) {
	mgr := session.NewManager(zap.NewNop())
	defer mgr.DisposeAll(2 * time.Second)

	id1 := mgr.CreateSession()
	id2 := mgr.CreateSession()
	tmp := t.TempDir()

	Start(Context{SessionID: id1, Manager: mgr}, "sleep 5", tmp)
	Start(Context{SessionID: id2, Manager: mgr}, "sleep 5", tmp)

	st := Status(mgr)
	if st.Sessions != 2 {
		t.Fatalf("expected 2 sessions, got %d", st.Sessions)
	}
	if st.Processes != 2 {
		t.Fatalf("expected 2 processes, got %d", st.Processes)
	}
}
