package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/goblinsan/multi-agent-machine-client/collab"
	"github.com/goblinsan/multi-agent-machine-client/workflow/dsl"
)

// Collaborator failures become failure results so a workflow can branch on
// them; only context cancellation stops the run.
func collabFailure(ctx context.Context, err error, format string, args ...any) (*StepResult, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	args = append(args, err)
	return Failure(format+": %v", args...), nil
}

func projectID(raw string, ec *ExecutionContext) string {
	if p := resolved(raw, ec); p != "" {
		return p
	}
	return ec.ProjectID
}

// =============================================================================
// Tasks
// =============================================================================

type taskUpdateStep struct {
	tasks     collab.TaskStore
	taskID    string
	status    string
	projectID string
}

func newTaskUpdateStep(cfg dsl.StepConfig, deps Deps) (Step, error) {
	if deps.Tasks == nil {
		return nil, errors.New("task_update needs a task store")
	}
	c := newStepConfig(cfg)
	s := &taskUpdateStep{tasks: deps.Tasks}
	var err error
	if s.taskID, err = c.requiredString("task_id"); err != nil {
		return nil, err
	}
	if s.status, err = c.requiredString("status"); err != nil {
		return nil, err
	}
	if s.projectID, err = c.string("project_id", ""); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *taskUpdateStep) Validate(ec *ExecutionContext) error {
	if resolved(s.taskID, ec) == "" {
		return errors.New("task_id resolved to an empty string")
	}
	return nil
}

func (s *taskUpdateStep) Execute(ctx context.Context, ec *ExecutionContext) (*StepResult, error) {
	id := interpolate(s.taskID, ec)
	status := interpolate(s.status, ec)
	if err := s.tasks.UpdateTaskStatus(ctx, id, status, projectID(s.projectID, ec)); err != nil {
		return collabFailure(ctx, err, "update task %s", id)
	}
	return Success(map[string]any{"task_id": id, "task_status": status}), nil
}

type fetchTasksStep struct {
	tasks     collab.TaskStore
	projectID string
	statuses  []string
}

func newFetchTasksStep(cfg dsl.StepConfig, deps Deps) (Step, error) {
	if deps.Tasks == nil {
		return nil, errors.New("fetch_tasks needs a task store")
	}
	c := newStepConfig(cfg)
	s := &fetchTasksStep{tasks: deps.Tasks}
	var err error
	if s.projectID, err = c.string("project_id", ""); err != nil {
		return nil, err
	}
	if s.statuses, err = c.strings("status"); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fetchTasksStep) Validate(ec *ExecutionContext) error {
	if projectID(s.projectID, ec) == "" {
		return errors.New("no project id")
	}
	return nil
}

func (s *fetchTasksStep) Execute(ctx context.Context, ec *ExecutionContext) (*StepResult, error) {
	pid := projectID(s.projectID, ec)
	all, err := s.tasks.FetchTasks(ctx, pid)
	if err != nil {
		return collabFailure(ctx, err, "fetch tasks of %s", pid)
	}

	var selected []collab.Task
	for _, t := range all {
		if len(s.statuses) == 0 || containsFold(s.statuses, t.Status) {
			selected = append(selected, t)
		}
	}
	list, err := plain(selected)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []any{}
	}
	outputs := map[string]any{"tasks": list, "count": len(selected), "next_task": nil}
	if len(selected) > 0 {
		outputs["next_task"] = list.([]any)[0]
	}
	return Success(outputs), nil
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}

type createTaskStep struct {
	tasks collab.TaskStore
	spec  collab.TaskSpec
}

func newCreateTaskStep(cfg dsl.StepConfig, deps Deps) (Step, error) {
	if deps.Tasks == nil {
		return nil, errors.New("create_task needs a task store")
	}
	c := newStepConfig(cfg)
	s := &createTaskStep{tasks: deps.Tasks}
	var err error
	if s.spec.Title, err = c.requiredString("title"); err != nil {
		return nil, err
	}
	if s.spec.Description, err = c.string("description", ""); err != nil {
		return nil, err
	}
	if s.spec.ProjectID, err = c.string("project_id", ""); err != nil {
		return nil, err
	}
	if s.spec.ParentID, err = c.string("parent_id", ""); err != nil {
		return nil, err
	}
	if s.spec.Status, err = c.string("status", ""); err != nil {
		return nil, err
	}
	if s.spec.Priority, err = c.int("priority", 0); err != nil {
		return nil, err
	}
	if s.spec.Labels, err = c.strings("labels"); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *createTaskStep) Validate(*ExecutionContext) error { return nil }

func (s *createTaskStep) Execute(ctx context.Context, ec *ExecutionContext) (*StepResult, error) {
	spec := s.spec
	spec.Title = interpolate(spec.Title, ec)
	spec.Description = interpolate(spec.Description, ec)
	spec.ProjectID = projectID(spec.ProjectID, ec)
	spec.ParentID = interpolate(spec.ParentID, ec)

	res, err := s.tasks.CreateTask(ctx, spec)
	if err != nil {
		return collabFailure(ctx, err, "create task %q", spec.Title)
	}
	if !res.OK {
		return Failure("create task %q was rejected", spec.Title), nil
	}
	return Success(map[string]any{"task_id": res.ID}), nil
}

// =============================================================================
// Repository
// =============================================================================

// repoRoot resolves the working copy: explicit config, then the run's
// RepoRoot, then RepoOps.ResolveRepo over the run variables.
func repoRoot(ctx context.Context, repo collab.RepoOps, raw string, ec *ExecutionContext) (string, error) {
	if root := resolved(raw, ec); root != "" {
		return root, nil
	}
	if ec.RepoRoot != "" {
		return ec.RepoRoot, nil
	}
	info, err := repo.ResolveRepo(ctx, ec.Variables())
	if err != nil {
		return "", err
	}
	ec.RepoRoot = info.RepoRoot
	return info.RepoRoot, nil
}

type checkoutBranchStep struct {
	repo     collab.RepoOps
	base     string
	branch   string
	repoRoot string
}

func newCheckoutBranchStep(cfg dsl.StepConfig, deps Deps) (Step, error) {
	if deps.Repo == nil {
		return nil, errors.New("checkout_branch needs repository operations")
	}
	c := newStepConfig(cfg)
	s := &checkoutBranchStep{repo: deps.Repo}
	var err error
	if s.branch, err = c.requiredString("branch"); err != nil {
		return nil, err
	}
	if s.base, err = c.string("base", "main"); err != nil {
		return nil, err
	}
	if s.repoRoot, err = c.string("repo_root", ""); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *checkoutBranchStep) Validate(ec *ExecutionContext) error {
	if resolved(s.branch, ec) == "" {
		return errors.New("branch resolved to an empty string")
	}
	return nil
}

func (s *checkoutBranchStep) Execute(ctx context.Context, ec *ExecutionContext) (*StepResult, error) {
	root, err := repoRoot(ctx, s.repo, s.repoRoot, ec)
	if err != nil {
		return collabFailure(ctx, err, "resolve repository")
	}
	base := interpolate(s.base, ec)
	branch := interpolate(s.branch, ec)
	if err := s.repo.CheckoutBranch(ctx, root, base, branch); err != nil {
		return collabFailure(ctx, err, "checkout %s from %s", branch, base)
	}
	ec.RepoRoot = root
	ec.Branch = branch
	return Success(map[string]any{"repo_root": root, "branch": branch, "base": base}), nil
}

type commitPushStep struct {
	repo     collab.RepoOps
	message  string
	paths    []string
	branch   string
	repoRoot string
}

func newCommitPushStep(cfg dsl.StepConfig, deps Deps) (Step, error) {
	if deps.Repo == nil {
		return nil, errors.New("commit_push needs repository operations")
	}
	c := newStepConfig(cfg)
	s := &commitPushStep{repo: deps.Repo}
	var err error
	if s.message, err = c.requiredString("message"); err != nil {
		return nil, err
	}
	if s.paths, err = c.strings("paths"); err != nil {
		return nil, err
	}
	if s.branch, err = c.string("branch", ""); err != nil {
		return nil, err
	}
	if s.repoRoot, err = c.string("repo_root", ""); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *commitPushStep) Validate(ec *ExecutionContext) error {
	if interpolate(s.branch, ec) == "" && ec.Branch == "" {
		return errors.New("no branch to push")
	}
	return nil
}

func (s *commitPushStep) Execute(ctx context.Context, ec *ExecutionContext) (*StepResult, error) {
	root, err := repoRoot(ctx, s.repo, s.repoRoot, ec)
	if err != nil {
		return collabFailure(ctx, err, "resolve repository")
	}
	branch := interpolate(s.branch, ec)
	if branch == "" {
		branch = ec.Branch
	}
	paths := make([]string, 0, len(s.paths))
	for _, p := range s.paths {
		paths = append(paths, interpolate(p, ec))
	}

	res, err := s.repo.CommitAndPush(ctx, root, branch, interpolate(s.message, ec), paths)
	if err != nil {
		return collabFailure(ctx, err, "commit to %s", branch)
	}
	return Success(map[string]any{
		"committed": res.Committed,
		"pushed":    res.Pushed,
		"reason":    res.Reason,
		"branch":    branch,
	}), nil
}

type applyDiffStep struct {
	diff     collab.DiffApplier
	source   string
	branch   string
	repoRoot string
	repo     collab.RepoOps
}

func newApplyDiffStep(cfg dsl.StepConfig, deps Deps) (Step, error) {
	if deps.Diff == nil {
		return nil, errors.New("apply_diff needs a diff applier")
	}
	c := newStepConfig(cfg)
	s := &applyDiffStep{diff: deps.Diff, repo: deps.Repo}
	var err error
	if s.source, err = c.requiredString("diff"); err != nil {
		return nil, err
	}
	if s.branch, err = c.string("branch", ""); err != nil {
		return nil, err
	}
	if s.repoRoot, err = c.string("repo_root", ""); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *applyDiffStep) Validate(ec *ExecutionContext) error {
	if strings.TrimSpace(interpolate(s.source, ec)) == "" {
		return errors.New("diff resolved to an empty string")
	}
	if interpolate(s.repoRoot, ec) == "" && ec.RepoRoot == "" && s.repo == nil {
		return errors.New("no repository root")
	}
	return nil
}

func (s *applyDiffStep) Execute(ctx context.Context, ec *ExecutionContext) (*StepResult, error) {
	root := interpolate(s.repoRoot, ec)
	if root == "" {
		root = ec.RepoRoot
	}
	if root == "" {
		resolved, err := repoRoot(ctx, s.repo, "", ec)
		if err != nil {
			return collabFailure(ctx, err, "resolve repository")
		}
		root = resolved
	}

	spec, err := s.diff.ParseDiff(interpolate(s.source, ec))
	if err != nil {
		return Failure("parse diff: %v", err), nil
	}
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, err
	}
	branch := interpolate(s.branch, ec)
	if branch == "" {
		branch = ec.Branch
	}

	res, err := s.diff.ApplyEditOps(ctx, specJSON, collab.ApplyOptions{RepoRoot: root, BranchName: branch})
	if err != nil {
		return collabFailure(ctx, err, "apply diff")
	}
	changed := make([]any, 0, len(res.Changed))
	for _, p := range res.Changed {
		changed = append(changed, p)
	}
	return Success(map[string]any{
		"changed": changed,
		"files":   len(res.Changed),
		"branch":  res.Branch,
		"sha":     res.SHA,
	}), nil
}
