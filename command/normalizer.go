// Package command turns a user-supplied command line into either a direct
// exec vector or a shell invocation, and refuses a fixed set of dangerous
// patterns unless the operator has set the consent environment variable.
package command

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"mvdan.cc/sh/v3/syntax"

	"github.com/entl/mcp-pty/apperr"
)

// ConsentEnvVar bypasses all security validation when set to a non-empty value.
const ConsentEnvVar = "MCP_PTY_USER_CONSENT_FOR_DANGEROUS_ACTIONS"

func securityErrf(format string, args ...interface{}) *apperr.Error {
	return apperr.Securityf(format, args...)
}

// Result is the outcome of normalizing a command line: either a direct
// exec vector, or a shell invocation wrapping the raw string.
type Result struct {
	Direct *DirectExec
	Shell  *ShellExec
}

// DirectExec is a plain fork+exec with no shell involved.
type DirectExec struct {
	Executable string
	Args       []string
}

// ShellExec wraps the raw command string for execution via /bin/sh -c.
type ShellExec struct {
	Raw string
}

var privilegeEscalationHeads = map[string]bool{
	"sudo": true, "doas": true, "su": true, "run0": true, "pkexec": true,
	"dzdo": true, "pfexec": true, "sesu": true, "usermod": true, "chown": true,
	"passwd": true, "visudo": true, "vipw": true, "vigr": true,
}

var mkfsRe = regexp.MustCompile(`^mkfs(\..+)?$`)
var ddTargetRe = regexp.MustCompile(`^of=/dev/sd[a-z]`)
var devSdRe = regexp.MustCompile(`^/dev/sd[a-z]`)

// shellMetaRe is the conservative regex fallback from spec §4.A step 3: it
// must force the shell form whenever the AST pass fails to flag a line that
// still contains shell metacharacters.
var shellMetaRe = regexp.MustCompile(`&&|\|\||\||;|>|<|<<|>>`)

// Normalizer parses and validates command lines. It holds no per-call
// state; all state lives in its arguments.
type Normalizer struct {
	logger *zap.Logger
}

// New creates a Normalizer that logs consent-flag bypasses at warn level.
func New(logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{logger: logger}
}

func (n *Normalizer) consentGiven() bool {
	return os.Getenv(ConsentEnvVar) != ""
}

// Normalize implements spec §4.A: trim, parse, decide shell-vs-direct,
// validate against the dangerous-pattern list, and return a Result or an
// *Error.
func (n *Normalizer) Normalize(raw string) (*Result, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return &Result{Direct: &DirectExec{Executable: "", Args: nil}}, nil
	}

	file, parseErr := syntax.NewParser(syntax.Variant(syntax.LangPOSIX)).Parse(strings.NewReader(trimmed), "")

	needsShell := false
	if parseErr != nil {
		// Parsing failed outright: re-validate the raw string and, if
		// clean, fall back to the shell form (spec §4.A step 6).
		if err := n.validateRaw(trimmed); err != nil {
			return nil, err
		}
		return &Result{Shell: &ShellExec{Raw: trimmed}}, nil
	}

	needsShell = astRequiresShell(file)
	if !needsShell && shellMetaRe.MatchString(trimmed) {
		// Conservative regex fallback in case the AST pass missed
		// something (spec §4.A step 3, last sentence).
		needsShell = true
	}

	if needsShell {
		if err := n.validateRaw(trimmed); err != nil {
			return nil, err
		}
		if err := n.validateShellHead(trimmed); err != nil {
			return nil, err
		}
		return &Result{Shell: &ShellExec{Raw: trimmed}}, nil
	}

	exe, args, err := directVector(file)
	if err != nil {
		// Couldn't extract a clean literal vector even though the AST
		// pass said no shell features are present; be conservative and
		// shell out, still subject to full validation.
		if err := n.validateRaw(trimmed); err != nil {
			return nil, err
		}
		return &Result{Shell: &ShellExec{Raw: trimmed}}, nil
	}

	if err := n.validateVector(exe, args); err != nil {
		return nil, err
	}

	return &Result{Direct: &DirectExec{Executable: exe, Args: args}}, nil
}

// astRequiresShell walks the parsed command looking for any construct that
// spec §4.A step 3 says forces the shell form.
func astRequiresShell(file *syntax.File) bool {
	if len(file.Stmts) != 1 {
		// More than one top-level statement means a `;`-separated or
		// otherwise compound command line.
		return true
	}

	needsShell := false
	syntax.Walk(file, func(node syntax.Node) bool {
		if needsShell {
			return false
		}
		switch n := node.(type) {
		case *syntax.BinaryCmd:
			// pipelines (|, |&) and logical operators (&&, ||)
			needsShell = true
		case *syntax.IfClause, *syntax.WhileClause, *syntax.ForClause,
			*syntax.CaseClause, *syntax.Block, *syntax.Subshell,
			*syntax.FuncDecl, *syntax.ArithmCmd, *syntax.TestClause,
			*syntax.DeclClause, *syntax.LetClause, *syntax.TimeClause,
			*syntax.CoprocClause:
			needsShell = true
		case *syntax.CmdSubst:
			needsShell = true
		case *syntax.ExtGlob:
			needsShell = true
		case *syntax.ProcSubst:
			needsShell = true
		case *syntax.Redirect:
			needsShell = true
		case *syntax.CallExpr:
			if len(n.Assigns) > 0 {
				// one-off environment assignment prefix, e.g. FOO=bar cmd
				needsShell = true
			}
		}
		return !needsShell
	})
	if needsShell {
		return true
	}

	stmt := file.Stmts[0]
	if stmt.Background || stmt.Coprocess || stmt.Negated {
		return true
	}
	if len(stmt.Redirs) > 0 {
		return true
	}

	return false
}

// directVector extracts a literal executable and argument vector from a
// single, shell-feature-free statement. It fails if any word contains an
// expansion that isn't a plain literal (parameter expansion, quoting with
// substitutions, globbing past a leaf name, etc.).
func directVector(file *syntax.File) (string, []string, error) {
	if len(file.Stmts) != 1 {
		return "", nil, fmt.Errorf("not a single simple command")
	}
	call, ok := file.Stmts[0].Cmd.(*syntax.CallExpr)
	if !ok {
		return "", nil, fmt.Errorf("not a simple command")
	}
	if len(call.Args) == 0 {
		return "", nil, fmt.Errorf("empty command")
	}

	words := make([]string, 0, len(call.Args))
	for _, w := range call.Args {
		lit, ok := literalWord(w)
		if !ok {
			return "", nil, fmt.Errorf("non-literal word")
		}
		words = append(words, lit)
	}

	return words[0], words[1:], nil
}

// literalWord returns the plain text of a word if it is composed only of
// literal and single/double-quoted literal parts (no expansions, no glob
// metacharacters past what the caller already typed as a leaf name).
func literalWord(w *syntax.Word) (string, bool) {
	var sb strings.Builder
	for _, part := range w.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			if strings.ContainsAny(p.Value, "*?[") {
				return "", false
			}
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, dp := range p.Parts {
				lit, ok := dp.(*syntax.Lit)
				if !ok {
					return "", false
				}
				sb.WriteString(lit.Value)
			}
		default:
			return "", false
		}
	}
	return sb.String(), true
}

// validateVector applies the dangerous-pattern checks from spec §4.A step 4
// to an already-split exec vector.
func (n *Normalizer) validateVector(exe string, args []string) error {
	if n.consentGiven() {
		n.logger.Warn("dangerous-action consent bypass exercised", zap.String("command", exe))
		return nil
	}

	head := baseName(exe)
	if privilegeEscalationHeads[head] {
		return securityErrf("command %q is a privilege-escalation tool and is refused", head)
	}
	if mkfsRe.MatchString(head) {
		return securityErrf("command %q formats a filesystem and is refused", head)
	}
	if head == "rm" && hasRecursiveForceRoot(args) {
		return securityErrf("rm -rf against / is refused")
	}
	if head == "chmod" && containsSubstring(args, "777") {
		return securityErrf("chmod 777 is refused")
	}
	if head == "dd" {
		for _, a := range args {
			if ddTargetRe.MatchString(a) {
				return securityErrf("dd targeting a raw disk device is refused")
			}
		}
	}
	return nil
}

// validateShellHead applies the shell-form-only check from spec §4.A step 4
// last bullet: a privilege-escalation head as the very first token.
func (n *Normalizer) validateShellHead(raw string) error {
	if n.consentGiven() {
		return nil
	}
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil
	}
	if privilegeEscalationHeads[baseName(fields[0])] {
		return securityErrf("command %q begins with a privilege-escalation tool and is refused", fields[0])
	}
	return nil
}

// validateRaw applies every pattern in spec §4.A step 4 directly against
// the raw string, used for the shell form and the parse-failure fallback.
func (n *Normalizer) validateRaw(raw string) error {
	if n.consentGiven() {
		n.logger.Warn("dangerous-action consent bypass exercised", zap.String("command", raw))
		return nil
	}

	fields := strings.Fields(raw)
	for _, f := range fields {
		if devSdRe.MatchString(trimRedirectOperators(f)) {
			return securityErrf("redirection to a raw disk device is refused")
		}
	}
	if len(fields) == 0 {
		return nil
	}
	head := baseName(fields[0])
	if privilegeEscalationHeads[head] {
		return securityErrf("command %q is a privilege-escalation tool and is refused", head)
	}
	if mkfsRe.MatchString(head) {
		return securityErrf("command %q formats a filesystem and is refused", head)
	}
	if head == "rm" && hasRecursiveForceRoot(fields[1:]) {
		return securityErrf("rm -rf against / is refused")
	}
	if head == "chmod" && containsSubstring(fields[1:], "777") {
		return securityErrf("chmod 777 is refused")
	}
	if head == "dd" {
		for _, a := range fields[1:] {
			if ddTargetRe.MatchString(a) {
				return securityErrf("dd targeting a raw disk device is refused")
			}
		}
	}
	return nil
}

func trimRedirectOperators(s string) string {
	return strings.TrimLeft(s, "><")
}

func hasRecursiveForceRoot(args []string) bool {
	hasRF := false
	hasRoot := false
	for _, a := range args {
		if a == "/" {
			hasRoot = true
			continue
		}
		if strings.HasPrefix(a, "-") && !strings.HasPrefix(a, "--") {
			flags := a[1:]
			if strings.ContainsAny(flags, "r") && strings.ContainsAny(flags, "R") {
				// rare but harmless; fallthrough to individual checks below
			}
			if strings.Contains(flags, "r") || strings.Contains(flags, "R") {
				if strings.Contains(flags, "f") {
					hasRF = true
				}
			}
		}
		if a == "-rf" || a == "-fr" || a == "-Rf" || a == "-fR" {
			hasRF = true
		}
	}
	return hasRF && hasRoot
}

func containsSubstring(args []string, needle string) bool {
	for _, a := range args {
		if strings.Contains(a, needle) {
			return true
		}
	}
	return false
}

func baseName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}
