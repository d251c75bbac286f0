package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const RegistrySchemaV1 = "corral.flows.v1"

// Registry is the operator-maintained catalog of pipeline flows the
// console may trigger. Datasets reference flows by name; the registry
// maps names onto orchestrator flow ids and deployment metadata.
type Registry struct {
	Schema      string `json:"schema" yaml:"schema"`
	DefaultFlow string `json:"default_flow,omitempty" yaml:"default_flow,omitempty"`
	Flows       []Flow `json:"flows" yaml:"flows"`
}

type Flow struct {
	Name        string            `json:"name" yaml:"name"`
	FlowID      string            `json:"flow_id,omitempty" yaml:"flow_id,omitempty"`
	Entrypoint  string            `json:"entrypoint,omitempty" yaml:"entrypoint,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Labels      map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// OrchestratorID is the id sent to the orchestrator when triggering
// this flow. Entries without an explicit flow_id are addressed by name.
func (f Flow) OrchestratorID() string {
	if id := strings.TrimSpace(f.FlowID); id != "" {
		return id
	}
	return strings.TrimSpace(f.Name)
}

func ParseRegistry(input []byte) (Registry, error) {
	var registry Registry
	if err := yaml.Unmarshal(input, &registry); err != nil {
		return Registry{}, fmt.Errorf("decode registry: %w", err)
	}
	if err := registry.Validate(); err != nil {
		return Registry{}, err
	}
	return registry, nil
}

func LoadRegistry(path string) (Registry, error) {
	input, err := os.ReadFile(path)
	if err != nil {
		return Registry{}, fmt.Errorf("read registry: %w", err)
	}
	return ParseRegistry(input)
}

func (r Registry) Validate() error {
	if strings.TrimSpace(r.Schema) != RegistrySchemaV1 {
		return fmt.Errorf("registry.schema must be %q", RegistrySchemaV1)
	}
	if len(r.Flows) == 0 {
		return errors.New("registry.flows must be non-empty")
	}

	seen := make(map[string]struct{}, len(r.Flows))
	for i, flow := range r.Flows {
		name := strings.TrimSpace(flow.Name)
		if name == "" {
			return fmt.Errorf("registry.flows[%d].name is required", i)
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("registry.flows[%d].name must be unique (duplicate %q)", i, name)
		}
		seen[name] = struct{}{}
	}

	if defaultFlow := strings.TrimSpace(r.DefaultFlow); defaultFlow != "" {
		if _, ok := seen[defaultFlow]; !ok {
			return fmt.Errorf("registry.default_flow references unknown flow %q", r.DefaultFlow)
		}
	}
	return nil
}

// Lookup resolves a flow by name. An empty name resolves to the
// registry default when one is configured.
func (r Registry) Lookup(name string) (Flow, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = strings.TrimSpace(r.DefaultFlow)
	}
	if name == "" {
		return Flow{}, false
	}
	for _, flow := range r.Flows {
		if strings.TrimSpace(flow.Name) == name {
			return flow, true
		}
	}
	return Flow{}, false
}
