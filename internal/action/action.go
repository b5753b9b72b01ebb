// Package action turns a declarative types.ExecutorAction into a runnable
// procrunner.Spec bound to a normalizer, and exposes the per-vendor coding
// agent command builders the declarative actions call through.
package action

import (
	"fmt"
	"runtime"

	"github.com/attemptengine/core/internal/normalize"
	"github.com/attemptengine/core/internal/procrunner"
	"github.com/attemptengine/core/internal/types"
)

// Availability mirrors a vendor CLI's install/login state, per spec.md
// §4.5's get_availability_info().
type Availability string

const (
	AvailabilityNotFound         Availability = "NotFound"
	AvailabilityInstallationFound Availability = "InstallationFound"
	AvailabilityLoginDetected    Availability = "LoginDetected"
)

// AvailabilityInfo is the result of a vendor availability probe.
type AvailabilityInfo struct {
	Status          Availability
	LastAuthUnixSec int64 // set only when Status == AvailabilityLoginDetected
}

// VendorCommand is what each coding-agent vendor module exposes to the
// action builder: how to build the program+args for an initial run and
// a resumed follow-up.
type VendorCommand interface {
	// BaseCommand returns the program and its fixed leading arguments,
	// prefixed by "npx -y <package>@<version>" when the vendor ships as a
	// pinned JS CLI.
	BaseCommand() (program string, args []string)
	// BuildInitial composes args for a brand new session given a prompt
	// delivered via stdin.
	BuildInitial(prompt string) []string
	// BuildFollowUp composes args to resume sessionID with an additional
	// prompt delivered via stdin.
	BuildFollowUp(sessionID, prompt string) []string
	// DefaultMCPConfigPath is where this vendor looks for its MCP server
	// configuration; the engine never writes to it.
	DefaultMCPConfigPath() string
	// Env returns vendor-specific environment toggles to add/override.
	Env() []string
}

// Spawnable is the result of translating an ExecutorAction into something
// C1 can run.
type Spawnable struct {
	Spec        procrunner.Spec
	Parser      normalize.Parser
	IsCoding    bool   // true for CodingAgentInitial/CodingAgentFollowUp
	PromptForDB string // the rendered prompt, for persisting an ExecutorSession row
}

// Build resolves an ExecutorAction into a Spawnable. cwd is the worktree
// (or repo, for non-attempt-bound scripts) the process runs in.
func Build(act types.ExecutorAction, cwd string) (Spawnable, error) {
	switch act.Kind {
	case types.ActionScript:
		return buildScript(act.Script, cwd)
	case types.ActionCodingAgentInitial:
		return buildCodingAgentInitial(act.CodingAgentInitial, cwd)
	case types.ActionCodingAgentFollowUp:
		return buildCodingAgentFollowUp(act.CodingAgentFollowUp, cwd)
	default:
		return Spawnable{}, fmt.Errorf("attemptengine: unknown executor action kind %q", act.Kind)
	}
}

// buildScript dispatches to the host's shell: sh -c on unix, powershell
// -Command on Windows, matching spec.md §4.5.
func buildScript(s *types.ScriptAction, cwd string) (Spawnable, error) {
	if s == nil {
		return Spawnable{}, fmt.Errorf("attemptengine: Script action missing payload")
	}
	program, args := shellInvocation(s.Language, s.Source)
	return Spawnable{
		Spec: procrunner.Spec{
			Program: program,
			Args:    args,
			Dir:     cwd,
		},
		Parser: normalize.PlainTextParser{},
	}, nil
}

func shellInvocation(lang types.ScriptLanguage, source string) (string, []string) {
	if lang == types.LangPowerShell || (lang == "" && runtime.GOOS == "windows") {
		return "powershell", []string{"-Command", source}
	}
	return "sh", []string{"-c", source}
}

func buildCodingAgentInitial(a *types.CodingAgentInitialAction, cwd string) (Spawnable, error) {
	if a == nil {
		return Spawnable{}, fmt.Errorf("attemptengine: CodingAgentInitial action missing payload")
	}
	vc, err := VendorFor(a.Executor)
	if err != nil {
		return Spawnable{}, err
	}
	program, base := vc.BaseCommand()
	args := append(append([]string{}, base...), vc.BuildInitial(a.Prompt)...)
	dir := a.WorkingDir
	if dir == "" {
		dir = cwd
	}
	return Spawnable{
		Spec: procrunner.Spec{
			Program: program,
			Args:    args,
			Dir:     dir,
			Env:     vc.Env(),
			Stdin:   promptStdin(a.Executor.Vendor, a.Prompt),
		},
		Parser:      normalize.ForVendor(a.Executor.Vendor),
		IsCoding:    true,
		PromptForDB: a.Prompt,
	}, nil
}

func buildCodingAgentFollowUp(a *types.CodingAgentFollowUpAction, cwd string) (Spawnable, error) {
	if a == nil {
		return Spawnable{}, fmt.Errorf("attemptengine: CodingAgentFollowUp action missing payload")
	}
	if a.SessionID == "" {
		return Spawnable{}, types.ErrNoSessionForFollowUp
	}
	vc, err := VendorFor(a.Executor)
	if err != nil {
		return Spawnable{}, err
	}
	program, base := vc.BaseCommand()
	args := append(append([]string{}, base...), vc.BuildFollowUp(a.SessionID, a.Prompt)...)
	dir := a.WorkingDir
	if dir == "" {
		dir = cwd
	}
	return Spawnable{
		Spec: procrunner.Spec{
			Program: program,
			Args:    args,
			Dir:     dir,
			Env:     vc.Env(),
			Stdin:   promptStdin(a.Executor.Vendor, a.Prompt),
		},
		Parser:      normalize.ForVendor(a.Executor.Vendor),
		IsCoding:    true,
		PromptForDB: a.Prompt,
	}, nil
}

// promptStdin renders the prompt the way this vendor expects it delivered.
// Most vendors accept a raw-text prompt on stdin; Claude and Qoder expect
// it wrapped as a stream-json control message, so those get their own
// encoding here.
func promptStdin(vendor, prompt string) []byte {
	switch vendor {
	case "claude", "qoder":
		return formatStreamJSONUserMessage(prompt)
	default:
		return []byte(prompt)
	}
}
