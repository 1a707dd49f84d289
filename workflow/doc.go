/*
Package workflow runs declarative multi-agent pipelines.

# Overview

A workflow is a DAG of steps loaded from a dsl.Definition. The Engine
resolves every step type through a Registry at load time, then runs a
workflow on one goroutine: it repeatedly picks the first step, in
declaration order, whose dependencies have all reached a terminal status,
evaluates its condition and executes it against a shared ExecutionContext.

# Steps

  - persona_request  delegate work to a remote persona through the
    persona.RetryCoordinator and wait for its completion
  - sub_workflow     run another loaded workflow on a fresh context
  - set_variables    write interpolated or computed values
  - workflow_abort   drain the run's outstanding requests and stop
  - task_update, fetch_tasks, create_task
    project task bookkeeping through collab.TaskStore
  - checkout_branch, commit_push
    working copy management through collab.RepoOps
  - apply_diff       apply a unified diff through collab.DiffApplier

# Failure semantics

A step that returns a failure result does not stop the run; later steps see
"<step>_status" set to "fail" and may branch on it. A Go error from a step,
such as persona.ErrTimeoutExhausted, is fatal and ends the run.

# Coordination

CoordinationHandler adapts the Engine to persona.Handler so requests sent to
the "coordination" persona start workflow runs in-process.
*/
package workflow
