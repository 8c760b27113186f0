package session

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/entl/mcp-pty/apperr"
	"github.com/entl/mcp-pty/command"
	"github.com/entl/mcp-pty/ptyproc"
)

// initialOutputWait is how long create_pty waits for the shell's first
// output before returning; creation never blocks on the child running to
// completion.
const initialOutputWait = 500 * time.Millisecond

// spawnDedupTTL bounds how long a (command, pwd) pair is remembered to
// reject a duplicate start fired twice in rapid succession.
const spawnDedupTTL = 5 * time.Second

// PtyInfo is the read-only shape returned by list-style operations.
type PtyInfo struct {
	ID           string
	Status       ptyproc.Status
	CreatedAt    time.Time
	LastActivity time.Time
	ExitCode     *int
}

// PtyManager owns the set of PTY processes belonging to one session.
type PtyManager struct {
	logger    *zap.Logger
	normalizer *command.Normalizer

	mu   sync.RWMutex
	ptys map[string]*ptyproc.Process

	dedupMu sync.Mutex
	dedup   map[string]time.Time
}

func newPtyManager(logger *zap.Logger, normalizer *command.Normalizer) *PtyManager {
	return &PtyManager{
		logger:     logger,
		normalizer: normalizer,
		ptys:       make(map[string]*ptyproc.Process),
		dedup:      make(map[string]time.Time),
	}
}

// CreateOptions mirrors the launch parameters a caller supplies to start a
// PTY; Command is normalized internally.
type CreateOptions struct {
	Command           string
	Dir               string
	Env               []string
	Cols              int
	Rows              int
	StripANSIOnRead   bool
	AutoDisposeOnExit bool
	DedupKey          string
}

// CreateResult is returned by CreatePty.
type CreateResult struct {
	PtyID         string
	InitialScreen string
	ExitCode      *int
}

// CreatePty runs the command normalizer, constructs a PTY process, waits
// briefly for initial output, and returns its id, screen, and exit code.
func (m *PtyManager) CreatePty(opts CreateOptions) (*CreateResult, error) {
	if opts.DedupKey != "" {
		if m.isDuplicateSpawn(opts.DedupKey) {
			return nil, apperr.Validationf("duplicate start request for %q suppressed", opts.DedupKey)
		}
	}

	norm, err := m.normalizer.Normalize(opts.Command)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	proc, err := ptyproc.Construct(m.logger, id, ptyproc.Options{
		Command:           opts.Command,
		Dir:               opts.Dir,
		Env:               opts.Env,
		Cols:              opts.Cols,
		Rows:              opts.Rows,
		StripANSIOnRead:   opts.StripANSIOnRead,
		AutoDisposeOnExit: opts.AutoDisposeOnExit,
	}, norm)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.ptys[id] = proc
	m.mu.Unlock()

	time.Sleep(initialOutputWait)

	rows := proc.CaptureBuffer()
	screen := joinScreen(rows)

	m.logger.Debug("pty created",
		zap.String("pty_id", id),
		zap.String("initial_output_size", humanize.Bytes(uint64(len(screen)))),
	)

	return &CreateResult{PtyID: id, InitialScreen: screen, ExitCode: proc.ExitCode()}, nil
}

func joinScreen(rows []string) string {
	out := ""
	for i, r := range rows {
		if i > 0 {
			out += "\n"
		}
		out += r
	}
	return out
}

func (m *PtyManager) isDuplicateSpawn(key string) bool {
	m.dedupMu.Lock()
	defer m.dedupMu.Unlock()
	if t, ok := m.dedup[key]; ok && time.Since(t) < spawnDedupTTL {
		return true
	}
	m.dedup[key] = time.Now()
	for k, t := range m.dedup {
		if time.Since(t) >= spawnDedupTTL {
			delete(m.dedup, k)
		}
	}
	return false
}

// GetPty looks up a PTY by id.
func (m *PtyManager) GetPty(id string) (*ptyproc.Process, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.ptys[id]
	return p, ok
}

// GetAllPtys returns every PTY currently tracked, in no particular order.
func (m *PtyManager) GetAllPtys() []*ptyproc.Process {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ptyproc.Process, 0, len(m.ptys))
	for _, p := range m.ptys {
		out = append(out, p)
	}
	return out
}

// RemovePty schedules a dispose and removes the PTY from the map; returns
// true iff it was found. A PTY whose child exits is not auto-removed (it
// stays for inspection with its exit code set; AutoDisposeOnExit disposes
// it but leaves it in the map); this is the only single-PTY removal path.
func (m *PtyManager) RemovePty(id string) bool {
	m.mu.Lock()
	p, ok := m.ptys[id]
	if ok {
		delete(m.ptys, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	go p.Dispose("SIGTERM")
	return true
}

// Dispose disposes every managed PTY, then clears the map.
func (m *PtyManager) Dispose() {
	m.mu.Lock()
	ptys := make([]*ptyproc.Process, 0, len(m.ptys))
	for _, p := range m.ptys {
		ptys = append(ptys, p)
	}
	m.ptys = make(map[string]*ptyproc.Process)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range ptys {
		wg.Add(1)
		go func(p *ptyproc.Process) {
			defer wg.Done()
			p.Dispose("SIGTERM")
		}(p)
	}
	wg.Wait()
}

// TerminateForce sends SIGKILL to every managed PTY synchronously.
func (m *PtyManager) TerminateForce() {
	m.mu.Lock()
	ptys := make([]*ptyproc.Process, 0, len(m.ptys))
	for _, p := range m.ptys {
		ptys = append(ptys, p)
	}
	m.ptys = make(map[string]*ptyproc.Process)
	m.mu.Unlock()

	for _, p := range ptys {
		p.Dispose("SIGKILL")
	}
}
