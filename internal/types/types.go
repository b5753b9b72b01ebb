// Package types holds the data model shared across the attempt execution
// engine: projects, tasks, attempts, execution processes, executor actions,
// and the normalized conversation schema. It defines no behavior — just the
// value types every other internal package builds on.
package types

import "time"

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in-progress"
	TaskInReview   TaskStatus = "in-review"
	TaskDone       TaskStatus = "done"
	TaskCancelled  TaskStatus = "cancelled"
)

// Project owns a set of Tasks against a single repository checkout.
type Project struct {
	ID              string
	RepoPath        string
	SetupScript     string
	CleanupScript   string
	DevServerScript string
}

// Task is one unit of work tracked against a Project.
type Task struct {
	ID              string
	ProjectID       string
	Title           string
	Description     string
	Status          TaskStatus
	ParentAttemptID string
	ImageIDs        []string
}

// ExecutorProfile selects a coding-agent vendor and an optional variant
// (e.g. a model or permission preset) within that vendor.
type ExecutorProfile struct {
	Vendor  string
	Variant string
}

// TaskAttempt is one run of an agent over a Task, bound to a worktree and
// a branch. The branch name is the unique physical identifier of the
// attempt on disk; it must not be renamed while a PR is open or a rebase
// is in progress.
type TaskAttempt struct {
	ID               string
	TaskID           string
	ContainerRef     string // absolute worktree path; empty when not materialized
	Branch           string
	BaseBranchRef    string
	Executor         ExecutorProfile
	MergeCommitID    string
	Merge            *Merge
	WorktreeDeleted  bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ExecutionProcessKind distinguishes what an ExecutionProcess was spawned
// to do.
type ExecutionProcessKind string

const (
	KindSetupScript   ExecutionProcessKind = "SetupScript"
	KindCodingAgent   ExecutionProcessKind = "CodingAgent"
	KindCleanupScript ExecutionProcessKind = "CleanupScript"
	KindDevServer     ExecutionProcessKind = "DevServer"
)

// ExecutionProcessStatus is the monotonic lifecycle of a spawned process.
type ExecutionProcessStatus string

const (
	StatusRunning   ExecutionProcessStatus = "Running"
	StatusCompleted ExecutionProcessStatus = "Completed"
	StatusFailed    ExecutionProcessStatus = "Failed"
	StatusKilled    ExecutionProcessStatus = "Killed"
)

// CommandDescriptor is the persisted shape of a spawned command.
type CommandDescriptor struct {
	Program        string
	Args           []string
	WorkingDir     string
	ExecutorVendor string // optional vendor tag, empty for plain scripts
}

// ExecutionProcess is one spawned child for a single ExecutorAction.
// An attempt has many in sequence; at most one non-DevServer
// ExecutionProcess may be Running for a given attempt at any time.
type ExecutionProcess struct {
	ID             string
	AttemptID      string
	Kind           ExecutionProcessKind
	Command        CommandDescriptor
	Status         ExecutionProcessStatus
	ExitCode       *int
	Action         ExecutorAction
	Reason         string
	RecoveredSessionID string
	BeforeCommitID string // worktree HEAD immediately before this process was spawned
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// ExecutorSession is 1:1 with an ExecutionProcess of kind CodingAgent.
type ExecutorSession struct {
	ProcessID string
	SessionID string // vendor-provided session/thread id, discovered from stdout
	Prompt    string
	Summary   string // derived short summary, used for subsequent commit messages
}

// ExecutorActionKind tags the declarative action union.
type ExecutorActionKind string

const (
	ActionScript              ExecutorActionKind = "Script"
	ActionCodingAgentInitial  ExecutorActionKind = "CodingAgentInitial"
	ActionCodingAgentFollowUp ExecutorActionKind = "CodingAgentFollowUp"
)

// ScriptLanguage is the shell dialect a Script action runs under.
type ScriptLanguage string

const (
	LangBash       ScriptLanguage = "Bash"
	LangPowerShell ScriptLanguage = "PowerShell"
)

// ScriptContext labels which role a Script action plays.
type ScriptContext string

const (
	ScriptContextSetup     ScriptContext = "SetupScript"
	ScriptContextCleanup   ScriptContext = "CleanupScript"
	ScriptContextDevServer ScriptContext = "DevServer"
)

// ExecutorAction is a declarative unit of work with an optional NextAction,
// forming a chain the container service drives one exit at a time.
//
// Exactly one of the payload fields is set, selected by Kind. Using a
// struct-of-pointers rather than an interface keeps the type trivially
// JSON-(de)serializable for the ExecutionProcess.Action persisted field.
type ExecutorAction struct {
	Kind ExecutorActionKind

	Script              *ScriptAction
	CodingAgentInitial  *CodingAgentInitialAction
	CodingAgentFollowUp *CodingAgentFollowUpAction

	NextAction *ExecutorAction
}

// ScriptAction runs a setup/cleanup/dev-server shell script.
type ScriptAction struct {
	Language ScriptLanguage
	Source   string
	Context  ScriptContext
}

// CodingAgentInitialAction starts a fresh vendor CLI session.
type CodingAgentInitialAction struct {
	Executor   ExecutorProfile
	Prompt     string
	WorkingDir string
}

// CodingAgentFollowUpAction resumes a vendor CLI session by id.
type CodingAgentFollowUpAction struct {
	Executor   ExecutorProfile
	SessionID  string
	Prompt     string
	WorkingDir string
}

// MergeKind tags the Merge union.
type MergeKind string

const (
	MergeDirect MergeKind = "Direct"
	MergePR     MergeKind = "Pr"
)

// PRStatus is the lifecycle of an attached GitHub pull request.
type PRStatus string

const (
	PROpen    PRStatus = "Open"
	PRMerged  PRStatus = "Merged"
	PRClosed  PRStatus = "Closed"
	PRUnknown PRStatus = "Unknown"
)

// Merge is attached to an attempt once its changes land, either by a
// direct merge commit or via an attached GitHub PR.
type Merge struct {
	Kind MergeKind

	// Direct
	CommitID     string
	TargetBranch string

	// Pr
	PRNumber     int
	PRURL        string
	PRStatus     PRStatus
	MergedAt     *time.Time
	MergeCommit  string
}
