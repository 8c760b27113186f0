// Package mcpserver implements the tool and resource handlers exposed over
// MCP: pure functions from (args, context) to result, delegating to the
// session manager and its per-session PTY managers.
package mcpserver

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/entl/mcp-pty/apperr"
	"github.com/entl/mcp-pty/ptyproc"
	"github.com/entl/mcp-pty/session"
)

// Context is threaded through every handler invocation instead of a weak
// binding keyed by transport object identity.
type Context struct {
	SessionID string
	Manager   *session.Manager
}

func (c Context) ptyManager() (*session.PtyManager, error) {
	pm, ok := c.Manager.GetPtyManager(c.SessionID)
	if !ok {
		return nil, apperr.NotFoundf("session %s not found", c.SessionID)
	}
	return pm, nil
}

// StartResult is returned by Start.
type StartResult struct {
	ProcessID string
	Screen    string
	ExitCode  *int
}

// Start validates pwd, delegates to create_pty, and binds the new PTY to
// the calling session.
func Start(ctx Context, command, pwd string) (*StartResult, error) {
	resolvedDir, err := resolvePwd(pwd)
	if err != nil {
		return nil, err
	}

	pm, err := ctx.ptyManager()
	if err != nil {
		return nil, err
	}

	res, err := pm.CreatePty(session.CreateOptions{
		Command:  command,
		Dir:      resolvedDir,
		DedupKey: ctx.SessionID + "|" + command + "|" + resolvedDir,
	})
	if err != nil {
		return nil, err
	}

	ctx.Manager.AddPty(ctx.SessionID, res.PtyID)
	ctx.Manager.Touch(ctx.SessionID)

	return &StartResult{ProcessID: res.PtyID, Screen: res.InitialScreen, ExitCode: res.ExitCode}, nil
}

// resolvePwd implements the §4.E pwd contract: absolute, or "~"/"~/...",
// no other expansions; relative forms are rejected; the path must exist
// and be a directory.
func resolvePwd(pwd string) (string, error) {
	if pwd == "" {
		return "", apperr.Validationf("pwd is required")
	}

	resolved := pwd
	switch {
	case pwd == "~":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", apperr.Resourcef("cannot resolve home directory: %v", err)
		}
		resolved = home
	case strings.HasPrefix(pwd, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", apperr.Resourcef("cannot resolve home directory: %v", err)
		}
		resolved = filepath.Join(home, strings.TrimPrefix(pwd, "~/"))
	case filepath.IsAbs(pwd):
		resolved = pwd
	default:
		return "", apperr.Validationf("pwd must be absolute or begin with ~, got %q", pwd)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", apperr.Resourcef("pwd %q does not exist: %v", resolved, err)
	}
	if !info.IsDir() {
		return "", apperr.Resourcef("pwd %q is not a directory", resolved)
	}
	return resolved, nil
}

// KillResult is returned by Kill.
type KillResult struct {
	Success bool
}

// Kill removes the PTY; success reflects whether it existed.
func Kill(ctx Context, processID string) (*KillResult, error) {
	pm, err := ctx.ptyManager()
	if err != nil {
		return nil, err
	}
	ok := pm.RemovePty(processID)
	if ok {
		ctx.Manager.RemovePty(ctx.SessionID, processID)
	}
	ctx.Manager.Touch(ctx.SessionID)
	return &KillResult{Success: ok}, nil
}

// PtyListEntry is one row of List / pty://processes.
type PtyListEntry struct {
	ID           string
	Status       ptyproc.Status
	CreatedAt    string
	LastActivity string
	ExitCode     *int
}

// ListResult is returned by List.
type ListResult struct {
	Ptys []PtyListEntry
}

// List reports every PTY in the calling session.
func List(ctx Context) (*ListResult, error) {
	pm, err := ctx.ptyManager()
	if err != nil {
		return nil, err
	}
	ctx.Manager.Touch(ctx.SessionID)
	ptys := pm.GetAllPtys()
	entries := make([]PtyListEntry, 0, len(ptys))
	for _, p := range ptys {
		entries = append(entries, PtyListEntry{
			ID:           p.ID,
			Status:       p.Status(),
			CreatedAt:    p.CreatedAt().Format(time.RFC3339),
			LastActivity: p.LastActivity().Format(time.RFC3339),
			ExitCode:     p.ExitCode(),
		})
	}
	return &ListResult{Ptys: entries}, nil
}

// ReadResult is returned by Read.
type ReadResult struct {
	Screen string
}

// Read returns the current visible screen for a PTY.
func Read(ctx Context, processID string) (*ReadResult, error) {
	pm, err := ctx.ptyManager()
	if err != nil {
		return nil, err
	}
	proc, ok := pm.GetPty(processID)
	if !ok {
		return nil, apperr.NotFoundf("pty %s not found", processID)
	}
	ctx.Manager.Touch(ctx.SessionID)
	rows := proc.CaptureBuffer()
	screen := strings.TrimRight(strings.Join(rows, "\n"), "\n \t")
	return &ReadResult{Screen: screen}, nil
}

// WriteInputArgs carries the two mutually exclusive input modes.
type WriteInputArgs struct {
	ProcessID string
	Input     *string
	CtrlCode  *string
	Data      []byte
	HasData   bool
	WaitMs    int
}

// WriteInputResult is returned by WriteInput.
type WriteInputResult struct {
	Screen   string
	Cursor   ptyproc.Cursor
	ExitCode *int
	Warning  string
}

// WriteInput validates the safe/raw mode mutual exclusion, resolves a
// named control code if present, and writes the resulting bytes.
func WriteInput(ctx Context, args WriteInputArgs) (*WriteInputResult, error) {
	hasInput := args.Input != nil
	hasCtrl := args.CtrlCode != nil
	hasSafe := hasInput || hasCtrl

	if args.HasData && hasSafe {
		return nil, apperr.Validationf("data cannot be combined with input or ctrlCode")
	}
	if !args.HasData && !hasSafe {
		return nil, apperr.Validationf("one of data, input, or ctrlCode is required")
	}

	waitMs := args.WaitMs
	if waitMs <= 0 {
		waitMs = 1000
	}

	var payload []byte
	var warning string
	if args.HasData {
		payload = args.Data
	} else {
		var sb strings.Builder
		if hasInput {
			sb.WriteString(*args.Input)
		}
		if hasCtrl {
			resolved, err := resolveControlCode(*args.CtrlCode)
			if err != nil {
				return nil, err
			}
			sb.WriteString(resolved)
		}
		payload = []byte(sb.String())
	}

	pm, err := ctx.ptyManager()
	if err != nil {
		return nil, err
	}
	proc, ok := pm.GetPty(args.ProcessID)
	if !ok {
		return nil, apperr.NotFoundf("pty %s not found", args.ProcessID)
	}

	res, err := proc.Write(payload, waitMs)
	if err != nil {
		return nil, err
	}
	ctx.Manager.Touch(ctx.SessionID)

	return &WriteInputResult{Screen: res.Screen, Cursor: res.Cursor, ExitCode: res.ExitCode, Warning: warning}, nil
}

// StatusResource is returned by pty://status.
type StatusResource struct {
	Sessions  int
	Processes int
}

// Status aggregates session and PTY counts across the whole server.
func Status(mgr *session.Manager) StatusResource {
	sessions := mgr.GetAllSessions()
	total := 0
	for _, s := range sessions {
		if pm, ok := mgr.GetPtyManager(s.ID); ok {
			total += len(pm.GetAllPtys())
		}
	}
	return StatusResource{Sessions: len(sessions), Processes: total}
}

// ProcessOutput is returned by pty://processes/{process_id}.
type ProcessOutput struct {
	Output []byte
}

// ReadProcessOutput returns the raw accumulated output buffer for a PTY.
func ReadProcessOutput(ctx Context, processID string) (*ProcessOutput, error) {
	pm, err := ctx.ptyManager()
	if err != nil {
		return nil, err
	}
	proc, ok := pm.GetPty(processID)
	if !ok {
		return nil, apperr.NotFoundf("pty %s not found", processID)
	}
	return &ProcessOutput{Output: proc.GetOutputBuffer()}, nil
}

