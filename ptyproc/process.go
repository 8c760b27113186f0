// Package ptyproc owns a single child process attached to a pseudo-terminal:
// the headless terminal emulator, the output byte buffer, and the
// write/read/resize/dispose contract described for PTY processes.
package ptyproc

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/hinshun/vt10x"
	"go.uber.org/zap"

	"github.com/entl/mcp-pty/apperr"
	"github.com/entl/mcp-pty/command"
)

// Status mirrors the PTY state machine: initializing -> active -> idle ->
// active (any number of times) -> terminating -> terminated.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusIdle         Status = "idle"
	StatusTerminating  Status = "terminating"
	StatusTerminated   Status = "terminated"
)

const (
	defaultCols = 80
	defaultRows = 24

	// outputBufferCap is the decided bound for Options §9 open question #1:
	// 1 MiB per PTY, oldest bytes evicted from the head on overflow.
	outputBufferCap = 1 << 20

	disposeGrace = 3 * time.Second
)

// Options are the immutable launch parameters for a PTY process.
type Options struct {
	Command          string
	Dir              string
	Env              []string
	Cols             int
	Rows             int
	StripANSIOnRead  bool
	AutoDisposeOnExit bool
}

// Cursor is the emulator's reported cursor position.
type Cursor struct {
	X int
	Y int
}

// WriteResult is returned by Write.
type WriteResult struct {
	Screen   string
	Cursor   Cursor
	ExitCode *int
}

// Subscriber receives asynchronous events from a Process's read loop.
type Subscriber struct {
	OnData  func([]byte)
	OnError func(error)
	OnExit  func(exitCode int)
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id      uint64
	process *Process
}

// Cancel unregisters the subscriber. If it was the last subscriber, the
// process is disposed as a best-effort hint (see the lifecycle decision in
// the design ledger: explicit Dispose is authoritative, this is advisory).
func (s *Subscription) Cancel() {
	s.process.unsubscribe(s.id)
}

// terminalEmulator is the small interface the headless VT emulator is kept
// behind, so the vt10x dependency stays isolated to one adapter.
type terminalEmulator interface {
	Write(p []byte) (int, error)
	Resize(cols, rows int)
	VisibleRows() []string
	Cursor() Cursor
	Close()
}

// Process owns one child process attached to a pseudo-terminal, one
// headless terminal emulator, and an output byte buffer.
type Process struct {
	ID      string
	logger  *zap.Logger
	options Options

	mu       sync.Mutex
	status   Status
	createdAt time.Time
	lastActivity time.Time
	exitCode *int

	ptmx *os.File
	cmd  *exec.Cmd
	term terminalEmulator

	outMu  sync.Mutex
	output []byte

	subMu       sync.Mutex
	subscribers map[uint64]*Subscriber
	nextSubID   uint64

	startMarker string
	endMarker   string

	doneCh      chan struct{}
	disposeOnce sync.Once
}

// Construct checks root-privilege and sudo-in-command safety, allocates a
// pseudo-terminal, spawns the child wired to its slave end, and starts the
// read loop. The caller-supplied command has already passed through
// command.Normalizer; norm carries the resulting exec descriptor.
func Construct(logger *zap.Logger, id string, options Options, norm *command.Result) (*Process, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := checkRootPrivilege(options.Command); err != nil {
		return nil, err
	}
	if err := checkSudoInCommand(options.Command); err != nil {
		return nil, err
	}

	if options.Cols == 0 {
		options.Cols = defaultCols
	}
	if options.Rows == 0 {
		options.Rows = defaultRows
	}

	commandText := commandLineFor(norm, options.Command)

	cmd := exec.Command("/bin/sh")
	cmd.Dir = options.Dir
	cmd.Env = mergeEnv(options.Env)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(options.Rows), Cols: uint16(options.Cols)})
	if err != nil {
		return nil, apperr.Resourcef("failed to spawn pty: %v", err)
	}

	term, err := vt10x.New(vt10x.WithSize(options.Cols, options.Rows))
	if err != nil {
		_ = ptmx.Close()
		_ = cmd.Process.Kill()
		return nil, apperr.Resourcef("failed to initialize terminal emulator: %v", err)
	}

	now := time.Now()
	uniq := uuid.NewString()[:8]
	p := &Process{
		ID:           id,
		logger:       logger.With(zap.String("pty_id", id)),
		options:      options,
		status:       StatusInitializing,
		createdAt:    now,
		lastActivity: now,
		ptmx:         ptmx,
		cmd:          cmd,
		term:         newVT10xAdapter(term),
		subscribers:  make(map[uint64]*Subscriber),
		startMarker:  fmt.Sprintf("__MCP_PTY_START_%s__", uniq),
		endMarker:    fmt.Sprintf("__MCP_PTY_END_%s__", uniq),
		doneCh:       make(chan struct{}),
	}

	go p.readLoop()
	go p.waitLoop()

	p.setStatus(StatusActive)

	// Inject the user's command between start/end markers (load-bearing for
	// GetCleanOutput): clear PS1 first so the shell banner doesn't pollute
	// the screen, then echo the markers around the real command.
	_, _ = p.ptmx.WriteString("PS1=''\n")
	time.Sleep(50 * time.Millisecond)
	injected := fmt.Sprintf("echo %s; %s; echo %s\n", p.startMarker, commandText, p.endMarker)
	_, _ = p.ptmx.WriteString(injected)

	return p, nil
}

// commandLineFor renders the normalized command back into a single shell
// line to type into the interactive /bin/sh this process always spawns:
// a direct exec vector is reassembled with minimal quoting, a shell
// invocation is typed verbatim since it already carries the needed syntax.
func commandLineFor(norm *command.Result, fallback string) string {
	if norm == nil {
		return fallback
	}
	if norm.Shell != nil {
		return norm.Shell.Raw
	}
	if norm.Direct != nil {
		parts := make([]string, 0, len(norm.Direct.Args)+1)
		parts = append(parts, shellQuote(norm.Direct.Executable))
		for _, a := range norm.Direct.Args {
			parts = append(parts, shellQuote(a))
		}
		return strings.Join(parts, " ")
	}
	return fallback
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"$`\\*?[]{}()|&;<>!#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func mergeEnv(overlay []string) []string {
	env := os.Environ()
	env = append(env, "TERM=xterm-256color")
	env = append(env, overlay...)
	return env
}

func checkRootPrivilege(rawCommand string) error {
	if os.Getenv(command.ConsentEnvVar) != "" {
		return nil
	}
	if os.Geteuid() != 0 {
		return nil
	}
	u, err := user.Current()
	name := "uid 0"
	if err == nil {
		name = u.Username
	}
	return apperr.Securityf("refusing to spawn pty while running as root (%s) without consent", name)
}

func checkSudoInCommand(rawCommand string) error {
	if os.Getenv(command.ConsentEnvVar) != "" {
		return nil
	}
	fields := strings.Fields(rawCommand)
	if len(fields) == 0 {
		return nil
	}
	if fields[0] == "sudo" {
		return apperr.Securityf("command begins with sudo and consent is not set")
	}
	return nil
}

func (p *Process) setStatus(s Status) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

func (p *Process) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Process) CreatedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createdAt
}

func (p *Process) LastActivity() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActivity
}

func (p *Process) ExitCode() *int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *Process) touch() {
	p.mu.Lock()
	p.lastActivity = time.Now()
	if p.status == StatusIdle {
		p.status = StatusActive
	}
	p.mu.Unlock()
}

// readLoop feeds data read from the PTY master into the emulator, the raw
// output buffer, and any subscribers.
func (p *Process) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			p.appendOutput(chunk)
			p.term.Write(chunk)
			p.fanOutData(chunk)
		}
		if err != nil {
			if err != io.EOF {
				p.fanOutError(err)
			}
			return
		}
	}
}

func (p *Process) waitLoop() {
	err := p.cmd.Wait()
	code := exitCodeFromError(p.cmd, err)
	p.mu.Lock()
	p.exitCode = &code
	p.mu.Unlock()
	p.fanOutExit(code)
	close(p.doneCh)
	if p.options.AutoDisposeOnExit {
		p.Dispose("SIGTERM")
	}
}

func exitCodeFromError(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err == nil {
		return 0
	}
	return -1
}

func (p *Process) appendOutput(chunk []byte) {
	p.outMu.Lock()
	defer p.outMu.Unlock()
	p.output = append(p.output, chunk...)
	if len(p.output) > outputBufferCap {
		excess := len(p.output) - outputBufferCap
		p.output = append([]byte(nil), p.output[excess:]...)
	}
}

func (p *Process) fanOutData(chunk []byte) {
	p.subMu.Lock()
	subs := make([]*Subscriber, 0, len(p.subscribers))
	for _, s := range p.subscribers {
		subs = append(subs, s)
	}
	p.subMu.Unlock()
	for _, s := range subs {
		if s.OnData != nil {
			s.OnData(chunk)
		}
	}
}

func (p *Process) fanOutError(err error) {
	p.subMu.Lock()
	subs := make([]*Subscriber, 0, len(p.subscribers))
	for _, s := range p.subscribers {
		subs = append(subs, s)
	}
	p.subMu.Unlock()
	for _, s := range subs {
		if s.OnError != nil {
			s.OnError(err)
		}
	}
}

func (p *Process) fanOutExit(code int) {
	p.subMu.Lock()
	subs := make([]*Subscriber, 0, len(p.subscribers))
	for _, s := range p.subscribers {
		subs = append(subs, s)
	}
	p.subMu.Unlock()
	for _, s := range subs {
		if s.OnExit != nil {
			s.OnExit(code)
		}
	}
}

// Write validates sudo safety, writes data to the PTY master, and waits
// for at most waitMs or child exit, whichever comes first.
func (p *Process) Write(data []byte, waitMs int) (*WriteResult, error) {
	if p.Status() == StatusTerminated {
		return nil, apperr.NotFoundf("pty %s is terminated", p.ID)
	}
	if err := checkSudoInCommand(string(data)); err != nil {
		return nil, err
	}

	p.touch()
	if _, err := p.ptmx.Write(data); err != nil {
		return nil, apperr.Resourcef("write to pty failed: %v", err)
	}

	select {
	case <-p.doneCh:
	case <-time.After(time.Duration(waitMs) * time.Millisecond):
	}

	return p.snapshot(), nil
}

func (p *Process) snapshot() *WriteResult {
	rows := p.term.VisibleRows()
	screen := joinTrimRight(rows)
	cur := p.term.Cursor()
	return &WriteResult{Screen: screen, Cursor: cur, ExitCode: p.ExitCode()}
}

var ansiEscapeRe = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07|\x1b[()][AB012]`)

func stripANSI(in []byte) []byte {
	return ansiEscapeRe.ReplaceAll(in, nil)
}

func joinTrimRight(rows []string) string {
	trimmed := make([]string, len(rows))
	for i, r := range rows {
		trimmed[i] = strings.TrimRight(r, " \t")
	}
	return strings.TrimRight(strings.Join(trimmed, "\n"), "\n \t")
}

// CaptureBuffer returns a snapshot of the emulator's visible rows.
func (p *Process) CaptureBuffer() []string {
	return p.term.VisibleRows()
}

// GetOutputBuffer returns the raw accumulated bytes since spawn, with ANSI
// escape sequences stripped when options.StripANSIOnRead is set.
func (p *Process) GetOutputBuffer() []byte {
	p.outMu.Lock()
	out := make([]byte, len(p.output))
	copy(out, p.output)
	p.outMu.Unlock()
	if p.options.StripANSIOnRead {
		out = stripANSI(out)
	}
	return out
}

// GetCleanOutput returns the bytes between the last start/end markers; if
// either marker is absent, it returns the full buffer.
func (p *Process) GetCleanOutput() []byte {
	p.outMu.Lock()
	buf := make([]byte, len(p.output))
	copy(buf, p.output)
	p.outMu.Unlock()
	start := strings.LastIndex(string(buf), p.startMarker)
	var clean []byte
	switch {
	case start < 0:
		clean = buf
	default:
		start += len(p.startMarker)
		rest := string(buf[start:])
		end := strings.Index(rest, p.endMarker)
		if end < 0 {
			clean = buf
		} else {
			clean = []byte(strings.Trim(rest[:end], "\r\n"))
		}
	}
	if p.options.StripANSIOnRead {
		clean = stripANSI(clean)
	}
	return clean
}

// Resize propagates a new size to both the emulator and the PTY.
func (p *Process) Resize(cols, rows int) error {
	if p.Status() != StatusActive && p.Status() != StatusIdle {
		return apperr.Validationf("cannot resize a pty that is not active")
	}
	p.term.Resize(cols, rows)
	return pty.Setsize(p.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// Subscribe registers listeners for asynchronous events.
func (p *Process) Subscribe(s Subscriber) *Subscription {
	p.subMu.Lock()
	id := p.nextSubID
	p.nextSubID++
	p.subscribers[id] = &s
	p.subMu.Unlock()
	return &Subscription{id: id, process: p}
}

func (p *Process) unsubscribe(id uint64) {
	p.subMu.Lock()
	delete(p.subscribers, id)
	remaining := len(p.subscribers)
	p.subMu.Unlock()
	if remaining == 0 {
		// Best-effort hint only; explicit Dispose is the authoritative
		// teardown path (idempotent, so this never double-kills).
		go p.Dispose("SIGTERM")
	}
}

// ToPromise captures all output until exit, returning the accumulated
// bytes when the exit code is 0 or 143 (SIGTERM-normal), erroring
// otherwise.
func (p *Process) ToPromise() ([]byte, error) {
	<-p.doneCh
	code := p.ExitCode()
	out := p.GetOutputBuffer()
	if code != nil && (*code == 0 || *code == 143) {
		return out, nil
	}
	exit := -1
	if code != nil {
		exit = *code
	}
	return nil, apperr.Resourcef("child exited with code %d", exit)
}

// Detach removes all listeners and returns the raw child to the caller;
// the process keeps running but is no longer managed here.
func (p *Process) Detach() *os.Process {
	p.subMu.Lock()
	p.subscribers = make(map[uint64]*Subscriber)
	p.subMu.Unlock()
	return p.cmd.Process
}

// Dispose enters terminating, sends signal, waits up to 3s, escalates to
// SIGKILL, then disposes the emulator and empties buffers. Idempotent.
func (p *Process) Dispose(signal string) {
	p.disposeOnce.Do(func() {
		p.setStatus(StatusTerminating)

		if p.cmd.Process != nil {
			_ = p.cmd.Process.Signal(syscallSignal(signal))
		}

		select {
		case <-p.doneCh:
		case <-time.After(disposeGrace):
			if p.cmd.Process != nil {
				_ = p.cmd.Process.Kill()
			}
			<-p.doneCh
		}

		p.term.Close()
		_ = p.ptmx.Close()

		p.outMu.Lock()
		p.output = nil
		p.outMu.Unlock()

		p.subMu.Lock()
		p.subscribers = make(map[uint64]*Subscriber)
		p.subMu.Unlock()

		p.setStatus(StatusTerminated)
		p.logger.Info("pty disposed")
	})
}

// MarkIdleIfStale flips status from active to idle when last activity is
// older than threshold; called by the owning session's sweeper.
func (p *Process) MarkIdleIfStale(threshold time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == StatusActive && time.Since(p.lastActivity) > threshold {
		p.status = StatusIdle
	}
}
