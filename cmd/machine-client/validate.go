package main

import (
	"errors"
	"fmt"

	"github.com/goblinsan/multi-agent-machine-client/workflow"
	"github.com/goblinsan/multi-agent-machine-client/workflow/dsl"
	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [dir]",
		Short: "Check workflow definitions without connecting to anything",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := ""
			if len(args) == 1 {
				dir = args[0]
			} else {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				dir = cfg.Workflow.DefinitionsDir
			}

			defs, err := validateDir(dir, workflow.NewDefaultRegistry())
			if err != nil {
				return err
			}
			for _, def := range defs {
				fmt.Fprintf(cmd.OutOrStdout(), "ok  %s (%d steps) %s\n", def.Name, len(def.Steps), def.Source)
			}
			return nil
		},
	}
}

// validateDir parses every definition in dir and checks that each step
// type is registered.
func validateDir(dir string, reg *workflow.Registry) ([]*dsl.Definition, error) {
	defs, err := dsl.ParseDir(dir)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, def := range defs {
		for _, step := range def.Steps {
			if !reg.Has(step.Type) {
				errs = append(errs, fmt.Errorf("%s: step %s: %w %q", def.Name, step.Name, workflow.ErrUnknownStepType, step.Type))
			}
		}
	}
	return defs, errors.Join(errs...)
}
