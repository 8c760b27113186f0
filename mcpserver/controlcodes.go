package mcpserver

import "github.com/entl/mcp-pty/apperr"

// controlCode pairs a named control code with its byte sequence and a
// human-readable description for pty://control-codes.
type controlCode struct {
	Name        string
	Bytes       string
	Description string
}

var namedControlCodes = []controlCode{
	{"Enter", "\n", "line feed"},
	{"Return", "\r", "carriage return"},
	{"Tab", "\t", "horizontal tab"},
	{"Escape", "\x1b", "escape"},
	{"Ctrl+[", "\x1b", "escape (alias)"},
	{"Backspace", "\x7f", "delete backward"},
	{"Ctrl+A", "\x01", "start of heading"},
	{"Ctrl+B", "\x02", "start of text"},
	{"Ctrl+C", "\x03", "interrupt"},
	{"Ctrl+D", "\x04", "end of transmission / EOF"},
	{"Ctrl+E", "\x05", "enquiry"},
	{"Ctrl+F", "\x06", "acknowledge"},
	{"Ctrl+G", "\x07", "bell"},
	{"Ctrl+H", "\x08", "backspace"},
	{"Ctrl+I", "\x09", "horizontal tab"},
	{"Ctrl+J", "\x0a", "line feed"},
	{"Ctrl+K", "\x0b", "vertical tab / kill to end of line"},
	{"Ctrl+L", "\x0c", "form feed / clear screen"},
	{"Ctrl+M", "\x0d", "carriage return"},
	{"Ctrl+N", "\x0e", "shift out"},
	{"Ctrl+O", "\x0f", "shift in"},
	{"Ctrl+P", "\x10", "data link escape"},
	{"Ctrl+Q", "\x11", "resume transmission"},
	{"Ctrl+R", "\x12", "reverse search"},
	{"Ctrl+S", "\x13", "pause transmission"},
	{"Ctrl+T", "\x14", "device control 4"},
	{"Ctrl+U", "\x15", "kill line"},
	{"Ctrl+V", "\x16", "literal next"},
	{"Ctrl+W", "\x17", "kill word backward"},
	{"Ctrl+X", "\x18", "cancel"},
	{"Ctrl+Y", "\x19", "yank"},
	{"Ctrl+Z", "\x1a", "suspend"},
	{"ArrowUp", "\x1b[A", "cursor up"},
	{"ArrowDown", "\x1b[B", "cursor down"},
	{"ArrowRight", "\x1b[C", "cursor right"},
	{"ArrowLeft", "\x1b[D", "cursor left"},
}

var controlCodeAliases = map[string]string{
	"EOF":       "Ctrl+D",
	"Interrupt": "Ctrl+C",
}

var controlCodeByName map[string]string

func init() {
	controlCodeByName = make(map[string]string, len(namedControlCodes)+len(controlCodeAliases))
	for _, c := range namedControlCodes {
		controlCodeByName[c.Name] = c.Bytes
	}
	for alias, target := range controlCodeAliases {
		if bytes, ok := controlCodeByName[target]; ok {
			controlCodeByName[alias] = bytes
		}
	}
}

// resolveControlCode accepts either a name from the closed set (including
// aliases) or a raw byte string of length <= 4. Anything else is an error.
func resolveControlCode(code string) (string, error) {
	if bytes, ok := controlCodeByName[code]; ok {
		return bytes, nil
	}
	if len(code) > 0 && len(code) <= 4 {
		return code, nil
	}
	return "", apperr.Validationf("unknown control code %q", code)
}
