// Package collab defines the narrow collaborator contracts that workflow
// steps and persona handlers consume, plus reference adapters for each.
package collab

import (
	"context"
	"errors"
	"time"
)

// ErrTaskNotFound is returned when a task id does not exist in a project.
var ErrTaskNotFound = errors.New("collab: task not found")

// Task is a unit of project work tracked outside the workflow run.
type Task struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	ParentID    string    `json:"parent_id,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	Priority    int       `json:"priority"`
	Labels      []string  `json:"labels,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TaskSpec describes a task to create.
type TaskSpec struct {
	ProjectID   string   `json:"project_id"`
	ParentID    string   `json:"parent_id,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status,omitempty"`
	Priority    int      `json:"priority,omitempty"`
	Labels      []string `json:"labels,omitempty"`
}

// CreateTaskResult reports a created task.
type CreateTaskResult struct {
	ID string `json:"id"`
	OK bool   `json:"ok"`
}

// TaskStore reads and updates project tasks.
type TaskStore interface {
	FetchTasks(ctx context.Context, projectID string) ([]Task, error)
	UpdateTaskStatus(ctx context.Context, id, status, projectID string) error
	CreateTask(ctx context.Context, spec TaskSpec) (CreateTaskResult, error)
}

// RepoInfo locates a working copy.
type RepoInfo struct {
	RepoRoot string `json:"repo_root"`
	Remote   string `json:"remote,omitempty"`
	Branch   string `json:"branch,omitempty"`
}

// CommitResult reports what CommitAndPush did.
type CommitResult struct {
	Committed bool   `json:"committed"`
	Pushed    bool   `json:"pushed"`
	Reason    string `json:"reason,omitempty"`
}

// RepoOps manages working copies.
type RepoOps interface {
	ResolveRepo(ctx context.Context, payload map[string]any) (RepoInfo, error)
	CheckoutBranch(ctx context.Context, repoRoot, base, branch string) error
	CommitAndPush(ctx context.Context, repoRoot, branch, message string, paths []string) (CommitResult, error)
}

// Edit operations.
const (
	OpCreate = "create"
	OpModify = "modify"
	OpDelete = "delete"
	OpRename = "rename"
)

// EditSpec is a parsed, serializable set of file edits.
type EditSpec struct {
	Files []FileEdit `json:"files"`
}

// FileEdit is one file's edit.
type FileEdit struct {
	Path      string     `json:"path"`
	OldPath   string     `json:"old_path,omitempty"`
	Operation string     `json:"operation"`
	Hunks     []EditHunk `json:"hunks,omitempty"`
}

// EditHunk is a unified diff hunk. Body holds the raw hunk lines.
type EditHunk struct {
	OrigStart int32  `json:"orig_start"`
	OrigLines int32  `json:"orig_lines"`
	NewStart  int32  `json:"new_start"`
	NewLines  int32  `json:"new_lines"`
	Body      string `json:"body"`
}

// ApplyOptions configures ApplyEditOps.
type ApplyOptions struct {
	RepoRoot   string
	BranchName string
}

// ApplyResult reports applied edits.
type ApplyResult struct {
	Changed []string `json:"changed"`
	Branch  string   `json:"branch,omitempty"`
	SHA     string   `json:"sha,omitempty"`
}

// DiffApplier turns diff text into edits and applies them to a working copy.
type DiffApplier interface {
	ParseDiff(text string) (*EditSpec, error)
	ApplyEditOps(ctx context.Context, specJSON []byte, opts ApplyOptions) (ApplyResult, error)
}

// ChatMessage is one model conversation turn.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ModelResponse is a model reply.
type ModelResponse struct {
	Content    string `json:"content"`
	DurationMs int64  `json:"duration_ms"`
}

// ModelCaller sends a conversation to a language model.
type ModelCaller interface {
	Call(ctx context.Context, persona, model string, messages []ChatMessage, timeout time.Duration) (ModelResponse, error)
}
