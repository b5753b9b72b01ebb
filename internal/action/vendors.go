package action

import (
	"encoding/json"
	"fmt"

	"github.com/attemptengine/core/internal/types"
)

// VendorFor resolves the command builder for profile.Vendor, applying
// profile.Variant as a model/permission-preset override where the vendor
// supports one.
func VendorFor(profile types.ExecutorProfile) (VendorCommand, error) {
	switch profile.Vendor {
	case "claude":
		return claudeCommand{model: profile.Variant}, nil
	case "acp":
		return acpCommand{agentBinary: profile.Variant}, nil
	case "codex":
		return codexCommand{model: profile.Variant}, nil
	case "opencode":
		return opencodeCommand{model: profile.Variant}, nil
	case "amp":
		return ampCommand{}, nil
	case "gemini":
		return geminiCommand{model: profile.Variant}, nil
	case "qoder":
		return qoderCommand{model: profile.Variant}, nil
	case "kimi":
		return kimiCommand{}, nil
	default:
		return nil, fmt.Errorf("attemptengine: unknown coding agent vendor %q", profile.Vendor)
	}
}

// formatStreamJSONUserMessage encodes prompt as a stream-json user message,
// the wire shape Claude and Qoder expect on stdin for both the initial and
// follow-up turns.
func formatStreamJSONUserMessage(prompt string) []byte {
	msg := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": prompt,
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return []byte(prompt)
	}
	return append(data, '\n')
}

// --- Claude ---

// claudeCommand builds `claude` CLI invocations: BaseCommand is
// `-p --verbose --output-format stream-json --input-format stream-json`;
// both builds add `--include-partial-messages`; resume adds `--resume <id>`.
type claudeCommand struct {
	model string
}

func (c claudeCommand) BaseCommand() (string, []string) {
	return "claude", []string{"-p", "--verbose", "--output-format", "stream-json", "--input-format", "stream-json"}
}

func (c claudeCommand) BuildInitial(string) []string {
	args := []string{"--include-partial-messages"}
	if c.model != "" {
		args = append(args, "--model", c.model)
	}
	return args
}

func (c claudeCommand) BuildFollowUp(sessionID string, _ string) []string {
	args := []string{"--include-partial-messages", "--resume", sessionID}
	if c.model != "" {
		args = append(args, "--model", c.model)
	}
	return args
}

func (c claudeCommand) DefaultMCPConfigPath() string { return "~/.claude.json" }

func (c claudeCommand) Env() []string { return nil }

// --- Codex ---

// codexCommand drives the Codex CLI's stdin-controlled protocol.
type codexCommand struct {
	model string
}

func (c codexCommand) BaseCommand() (string, []string) {
	return "codex", []string{"exec", "--json"}
}

func (c codexCommand) BuildInitial(string) []string {
	args := []string{"--skip-git-repo-check"}
	if c.model != "" {
		args = append(args, "--model", c.model)
	}
	return args
}

func (c codexCommand) BuildFollowUp(sessionID string, _ string) []string {
	args := []string{"--skip-git-repo-check", "resume", sessionID}
	if c.model != "" {
		args = append(args, "--model", c.model)
	}
	return args
}

func (c codexCommand) DefaultMCPConfigPath() string { return "~/.codex/config.toml" }

func (c codexCommand) Env() []string { return []string{"NPM_CONFIG_LOGLEVEL=silent"} }

// --- Opencode ---

type opencodeCommand struct {
	model string
}

func (o opencodeCommand) BaseCommand() (string, []string) {
	return "npx", []string{"-y", "opencode-ai@latest", "run", "--print-logs"}
}

func (o opencodeCommand) BuildInitial(string) []string {
	if o.model != "" {
		return []string{"--model", o.model}
	}
	return nil
}

func (o opencodeCommand) BuildFollowUp(sessionID string, _ string) []string {
	args := []string{"--session", sessionID}
	if o.model != "" {
		args = append(args, "--model", o.model)
	}
	return args
}

func (o opencodeCommand) DefaultMCPConfigPath() string { return "opencode.json" }

func (o opencodeCommand) Env() []string { return nil }

// --- Amp ---

// ampCommand resumes by rewriting the full history on --resume, per
// spec.md §4.4's description of Amp's distinct resume mode.
type ampCommand struct{}

func (a ampCommand) BaseCommand() (string, []string) {
	return "npx", []string{"-y", "@sourcegraph/amp@latest", "--stream-json"}
}

func (a ampCommand) BuildInitial(string) []string { return nil }

func (a ampCommand) BuildFollowUp(sessionID string, _ string) []string {
	return []string{"--resume", sessionID}
}

func (a ampCommand) DefaultMCPConfigPath() string { return "~/.config/amp/mcp.json" }

func (a ampCommand) Env() []string { return nil }

// --- Gemini ---

type geminiCommand struct {
	model string
}

func (g geminiCommand) BaseCommand() (string, []string) {
	return "gemini", []string{"--output-format", "json"}
}

func (g geminiCommand) BuildInitial(string) []string {
	if g.model != "" {
		return []string{"--model", g.model}
	}
	return nil
}

func (g geminiCommand) BuildFollowUp(sessionID string, _ string) []string {
	args := []string{"--resume", sessionID}
	if g.model != "" {
		args = append(args, "--model", g.model)
	}
	return args
}

func (g geminiCommand) DefaultMCPConfigPath() string { return "~/.gemini/settings.json" }

func (g geminiCommand) Env() []string { return []string{"DISABLE_API_KEY=0"} }

// --- Qoder ---

// qoderCommand mirrors the Claude-shaped `-p --output-format=stream-json`
// invocation Qoder's CLI expects.
type qoderCommand struct {
	model string
}

func (q qoderCommand) BaseCommand() (string, []string) {
	return "qodercli", []string{"-p", "-", "--output-format=stream-json"}
}

func (q qoderCommand) BuildInitial(string) []string {
	if q.model != "" {
		return []string{"--model", q.model}
	}
	return nil
}

func (q qoderCommand) BuildFollowUp(sessionID string, _ string) []string {
	args := []string{"--resume", sessionID}
	if q.model != "" {
		args = append(args, "--model", q.model)
	}
	return args
}

func (q qoderCommand) DefaultMCPConfigPath() string { return "~/.qoder/mcp.json" }

func (q qoderCommand) Env() []string { return nil }

// --- Kimi ---

type kimiCommand struct{}

func (k kimiCommand) BaseCommand() (string, []string) {
	return "kimi", []string{"--output-format", "stream-json"}
}

func (k kimiCommand) BuildInitial(string) []string { return nil }

func (k kimiCommand) BuildFollowUp(sessionID string, _ string) []string {
	return []string{"--resume", sessionID}
}

func (k kimiCommand) DefaultMCPConfigPath() string { return "~/.kimi/mcp.json" }

func (k kimiCommand) Env() []string { return nil }

// --- ACP (Agent Client Protocol) ---

// acpCommand invokes whichever ACP-speaking agent binary was selected via
// the profile variant (ACP is a protocol, not a single vendor binary).
type acpCommand struct {
	agentBinary string
}

func (a acpCommand) BaseCommand() (string, []string) {
	bin := a.agentBinary
	if bin == "" {
		bin = "acp-agent"
	}
	return bin, []string{"--acp"}
}

func (a acpCommand) BuildInitial(string) []string { return nil }

func (a acpCommand) BuildFollowUp(sessionID string, _ string) []string {
	return []string{"--resume", sessionID}
}

func (a acpCommand) DefaultMCPConfigPath() string { return "" }

func (a acpCommand) Env() []string { return nil }
