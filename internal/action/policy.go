package action

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy models the optional approval policy file. It can only tighten or keep
// the registered defaults per action; tasks cannot override it at runtime.
type Policy struct {
	Defaults PolicyDefaults          `yaml:"defaults"`
	Actions  map[string]ActionPolicy `yaml:"actions"`
}

// PolicyDefaults applies to every registered action unless overridden.
type PolicyDefaults struct {
	AlwaysRequiresApproval *bool `yaml:"alwaysRequiresApproval"`
}

// ActionPolicy is the per-action policy block.
type ActionPolicy struct {
	AlwaysRequiresApproval *bool `yaml:"alwaysRequiresApproval"`
}

// LoadPolicy reads a YAML policy file. An empty path yields a zero policy.
func LoadPolicy(path string) (Policy, error) {
	var policy Policy
	if path == "" {
		return policy, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return policy, fmt.Errorf("read action policy: %w", err)
	}
	if err := yaml.Unmarshal(raw, &policy); err != nil {
		return policy, fmt.Errorf("unmarshal action policy: %w", err)
	}
	return policy, nil
}

// Apply stamps the policy onto the registry at assembly time.
func (p Policy) Apply(r *Registry) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, def := range r.defs {
		if p.Defaults.AlwaysRequiresApproval != nil {
			def.AlwaysRequiresApproval = *p.Defaults.AlwaysRequiresApproval
		}
		if block, ok := p.Actions[name]; ok && block.AlwaysRequiresApproval != nil {
			def.AlwaysRequiresApproval = *block.AlwaysRequiresApproval
		}
	}
}
