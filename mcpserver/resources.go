package mcpserver

// ControlCodeDescriptor is the JSON-facing shape for pty://control-codes.
type ControlCodeDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ControlCodes enumerates the named control codes, including aliases, with
// human-readable descriptions.
func ControlCodes() []ControlCodeDescriptor {
	out := make([]ControlCodeDescriptor, 0, len(namedControlCodes)+len(controlCodeAliases))
	for _, c := range namedControlCodes {
		out = append(out, ControlCodeDescriptor{Name: c.Name, Description: c.Description})
	}
	for alias, target := range controlCodeAliases {
		out = append(out, ControlCodeDescriptor{Name: alias, Description: "alias for " + target})
	}
	return out
}

// Processes lists every PTY in the calling session, identical in shape to
// List, for the pty://processes resource.
func Processes(ctx Context) (*ListResult, error) {
	return List(ctx)
}
