package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/goblinsan/multi-agent-machine-client/workflow"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type runFlags struct {
	vars       []string
	workflowID string
	projectID  string
	repoRoot   string
	branch     string
	serve      bool
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Run one workflow and print its result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := initLogger(cfg.Log)
			defer func() { _ = logger.Sync() }()

			vars, err := parseVars(f.vars)
			if err != nil {
				return err
			}

			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = a.close(context.WithoutCancel(cmd.Context())) }()

			// personas hosted by this process answer the run's requests
			if f.serve {
				if err := a.consumer.Start(cmd.Context()); err != nil {
					return err
				}
			}

			ec := workflow.NewExecutionContext(f.workflowID)
			ec.ProjectID = f.projectID
			ec.RepoRoot = f.repoRoot
			ec.Branch = f.branch
			ec.SetVariables(vars)

			res, runErr := a.engine.Run(cmd.Context(), args[0], ec)
			if res != nil {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
			}
			if runErr != nil {
				logger.Error("workflow run failed", zap.Error(runErr))
				return runErr
			}
			if res.Status != workflow.RunSucceeded {
				return fmt.Errorf("workflow %s finished %s", args[0], res.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&f.vars, "var", nil, "workflow variable key=value (value parsed as YAML)")
	cmd.Flags().StringVar(&f.workflowID, "workflow-id", "", "run id (random when empty)")
	cmd.Flags().StringVar(&f.projectID, "project", "", "project id")
	cmd.Flags().StringVar(&f.repoRoot, "repo-root", "", "working copy root")
	cmd.Flags().StringVar(&f.branch, "branch", "", "working branch")
	cmd.Flags().BoolVar(&f.serve, "serve", true, "serve this process's personas while running")
	return cmd
}

// parseVars turns key=value pairs into variables. Values are decoded as
// YAML scalars or collections, so "3" is a number and "[a, b]" a list.
func parseVars(pairs []string) (map[string]any, error) {
	vars := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --var %q: want key=value", pair)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
			v = raw
		}
		vars[key] = v
	}
	return vars, nil
}
