package workflow

import (
	"time"

	"gopkg.in/yaml.v3"
)

// yamlStep mirrors Step with YAML-friendly field names and string durations.
type yamlStep struct {
	ID            string   `yaml:"id"`
	Task          string   `yaml:"task"`
	AgentSelector string   `yaml:"agentSelector,omitempty"`
	When          string   `yaml:"when,omitempty"`
	DependsOn     []string `yaml:"dependsOn,omitempty"`
	Timeout       string   `yaml:"timeout,omitempty"`
	MaxRetries    int      `yaml:"maxRetries,omitempty"`
}

type yamlDefinition struct {
	Name           string     `yaml:"name"`
	MaxConcurrency int        `yaml:"maxConcurrency"`
	OnError        string     `yaml:"onError,omitempty"`
	Timeout        string     `yaml:"timeout,omitempty"`
	Steps          []yamlStep `yaml:"steps"`
}

// ParseYAML decodes a DAG definition authored as YAML (spec §4.6 parses DAG
// definitions). It does not validate the DAG; call ValidateDAG or
// Orchestrator.CreateWorkflow for that.
func ParseYAML(doc []byte) (Definition, error) {
	var y yamlDefinition
	if err := yaml.Unmarshal(doc, &y); err != nil {
		return Definition{}, err
	}

	def := Definition{
		Name:           y.Name,
		MaxConcurrency: y.MaxConcurrency,
		OnError:        OnErrorPolicy(y.OnError),
	}
	if def.OnError == "" {
		def.OnError = OnErrorFail
	}
	if y.Timeout != "" {
		d, err := time.ParseDuration(y.Timeout)
		if err != nil {
			return Definition{}, err
		}
		def.Timeout = d
	}
	def.Steps = make([]Step, 0, len(y.Steps))
	for _, ys := range y.Steps {
		s := Step{
			ID:            ys.ID,
			Task:          ys.Task,
			AgentSelector: ys.AgentSelector,
			When:          ys.When,
			DependsOn:     ys.DependsOn,
			MaxRetries:    ys.MaxRetries,
		}
		if ys.Timeout != "" {
			d, err := time.ParseDuration(ys.Timeout)
			if err != nil {
				return Definition{}, err
			}
			s.Timeout = d
		}
		def.Steps = append(def.Steps, s)
	}
	return def, nil
}
