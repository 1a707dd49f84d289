package dsl

// Definition is one workflow: a named DAG of steps.
type Definition struct {
	Name        string `yaml:"name" json:"name"`
	Version     string `yaml:"version,omitempty" json:"version,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Trigger selects this workflow for incoming coordination requests.
	Trigger *Trigger `yaml:"trigger,omitempty" json:"trigger,omitempty"`

	// Variables seed the execution context before the first step.
	Variables map[string]any `yaml:"variables,omitempty" json:"variables,omitempty"`

	Steps []StepConfig `yaml:"steps" json:"steps"`

	Metadata map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`

	// Source is the file the definition was loaded from, if any.
	Source string `yaml:"-" json:"-"`
}

// Trigger is a condition over the request variables.
type Trigger struct {
	Condition string `yaml:"condition" json:"condition"`
}

// StepConfig is one node of the graph.
type StepConfig struct {
	Name        string   `yaml:"name" json:"name"`
	Type        string   `yaml:"type" json:"type"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	DependsOn   []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	// Condition skips the step when it evaluates to false.
	Condition string         `yaml:"condition,omitempty" json:"condition,omitempty"`
	Config    map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
	// Outputs lists the output keys promoted to context variables.
	Outputs []string `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// Step returns the step named name.
func (d *Definition) Step(name string) (StepConfig, bool) {
	for _, s := range d.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepConfig{}, false
}
