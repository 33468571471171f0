package agent

import (
	"github.com/hupe1980/agentrelay/core"
	"github.com/hupe1980/agentrelay/internal/util"
)

// InstructionProvider supplies dynamic system prompt text per request.
// Implementations can derive instructions from caller preferences, etc.
type InstructionProvider interface {
	Instruction(req core.Request) (string, error)
}

// InstructionFunc is a functional adapter to allow ordinary functions to be used as providers.
type InstructionFunc func(req core.Request) (string, error)

// Instruction implements InstructionProvider.
func (f InstructionFunc) Instruction(req core.Request) (string, error) { return f(req) }

// Instruction represents either a static instruction string or a dynamic provider.
type Instruction struct {
	text     string
	provider InstructionProvider
}

// NewInstructionFromText creates an Instruction from a static string.
func NewInstructionFromText(text string) Instruction { return Instruction{text: text} }

// NewInstructionFromProvider creates an Instruction from a dynamic provider.
func NewInstructionFromProvider(p InstructionProvider) Instruction { return Instruction{provider: p} }

// NewInstructionFromFunc creates an Instruction from a function.
func NewInstructionFromFunc(f func(req core.Request) (string, error)) Instruction {
	return Instruction{provider: InstructionFunc(f)}
}

// IsStatic returns true if the instruction is backed by a static string.
func (i Instruction) IsStatic() bool { return i.provider == nil }

// Resolve returns the instruction text, invoking the provider if needed.
// Static text may reference the request through template actions, e.g.
// {{ .preferences.tone }}, {{ .session_id }} or {{ .content }}.
func (i Instruction) Resolve(req core.Request) (string, error) {
	if i.provider != nil {
		return i.provider.Instruction(req)
	}
	return util.RenderTemplate(i.text, templateData(req))
}

func templateData(req core.Request) map[string]any {
	prefs := map[string]string{}
	if req.Context != nil && req.Context.Preferences != nil {
		prefs = req.Context.Preferences
	}
	return map[string]any{
		"preferences": prefs,
		"session_id":  req.SessionID,
		"content":     req.Content,
	}
}
