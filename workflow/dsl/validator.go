package dsl

import (
	"fmt"
	"strings"
)

// ValidationError collects every structural problem of a definition.
type ValidationError struct {
	Workflow string
	Problems []string
}

func (e *ValidationError) Error() string {
	name := e.Workflow
	if name == "" {
		name = "<unnamed>"
	}
	return fmt.Sprintf("workflow %s is invalid: %s", name, strings.Join(e.Problems, "; "))
}

// Validate checks names, dependency references and acyclicity. It does not
// know about step types; those are resolved when the engine loads the
// definition.
func Validate(def *Definition) error {
	if def == nil {
		return &ValidationError{Problems: []string{"definition is nil"}}
	}
	var problems []string

	if def.Name == "" {
		problems = append(problems, "name is required")
	}
	if len(def.Steps) == 0 {
		problems = append(problems, "at least one step is required")
	}

	names := make(map[string]bool, len(def.Steps))
	for i, s := range def.Steps {
		if s.Name == "" {
			problems = append(problems, fmt.Sprintf("step #%d: name is required", i+1))
			continue
		}
		if names[s.Name] {
			problems = append(problems, fmt.Sprintf("duplicate step name: %s", s.Name))
		}
		names[s.Name] = true
		if s.Type == "" {
			problems = append(problems, fmt.Sprintf("step %s: type is required", s.Name))
		}
	}

	for _, s := range def.Steps {
		for _, dep := range s.DependsOn {
			if !names[dep] {
				problems = append(problems, fmt.Sprintf("step %s depends on undefined step %s", s.Name, dep))
			}
			if dep == s.Name {
				problems = append(problems, fmt.Sprintf("step %s depends on itself", s.Name))
			}
		}
		if s.Condition != "" {
			if err := Check(s.Condition); err != nil {
				problems = append(problems, fmt.Sprintf("step %s: condition: %v", s.Name, err))
			}
		}
	}
	if def.Trigger != nil && def.Trigger.Condition != "" {
		if err := Check(def.Trigger.Condition); err != nil {
			problems = append(problems, fmt.Sprintf("trigger: %v", err))
		}
	}

	if cycle := findCycle(def.Steps); cycle != nil {
		problems = append(problems, "cycle detected: "+strings.Join(cycle, " -> "))
	}

	if len(problems) > 0 {
		return &ValidationError{Workflow: def.Name, Problems: problems}
	}
	return nil
}

// findCycle runs a DFS with a recursion stack over depends_on edges and
// returns the first cycle found as a closed path, or nil.
func findCycle(steps []StepConfig) []string {
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		deps[s.Name] = s.DependsOn
	}

	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var path []string

	var visit func(name string) []string
	visit = func(name string) []string {
		visited[name] = true
		onStack[name] = true
		path = append(path, name)

		for _, dep := range deps[name] {
			if _, known := deps[dep]; !known || dep == name {
				continue
			}
			if !visited[dep] {
				if c := visit(dep); c != nil {
					return c
				}
			} else if onStack[dep] {
				// back edge: the cycle is the stack suffix starting at dep
				for i, n := range path {
					if n == dep {
						cycle := append([]string{}, path[i:]...)
						return append(cycle, dep)
					}
				}
			}
		}

		onStack[name] = false
		path = path[:len(path)-1]
		return nil
	}

	// declaration order keeps the report deterministic
	for _, s := range steps {
		if !visited[s.Name] {
			if c := visit(s.Name); c != nil {
				return c
			}
		}
	}
	return nil
}
