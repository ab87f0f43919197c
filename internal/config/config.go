// Package config loads declarative stack files: a scope plus the
// resources it declares, in apply order.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/anneal-io/anneal/internal/resource"
)

// Stack is one parsed stack file.
type Stack struct {
	Scope     string      `yaml:"scope" validate:"required"`
	Resources []*Resource `yaml:"resources" validate:"required,min=1,dive,required"`
}

// Resource is one declaration. Declarations apply in file order, so
// references and depends_on may only point at earlier entries.
type Resource struct {
	ID        string         `yaml:"id" validate:"required,resource_id"`
	Kind      string         `yaml:"kind" validate:"required,resource_kind"`
	Adopt     bool           `yaml:"adopt,omitempty"`
	DependsOn []string       `yaml:"depends_on,omitempty" validate:"omitempty,dive,resource_id"`
	Props     map[string]any `yaml:"props,omitempty"`
}

// Load reads and validates a stack file. Secrets stay unresolved until
// ResolveSecrets runs.
func Load(path string) (*Stack, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading stack file: %w", err)
	}

	var st Stack
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := st.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &st, nil
}

// Validate checks field shapes plus the cross-resource rules: unique
// ids, well-formed references, and no forward references.
func (s *Stack) Validate() error {
	if err := validatorInstance().Struct(s); err != nil {
		return convertValidationError(err)
	}

	seen := make(map[string]struct{}, len(s.Resources))
	for i, res := range s.Resources {
		if _, dup := seen[res.ID]; dup {
			return fmt.Errorf("resources[%d]: duplicate id %q", i, res.ID)
		}

		for _, dep := range res.DependsOn {
			if dep == res.ID {
				return fmt.Errorf("resources[%d]: %q depends on itself", i, res.ID)
			}
			if _, ok := seen[dep]; !ok {
				return fmt.Errorf("resources[%d]: depends_on %q is not declared earlier in the file", i, dep)
			}
		}

		refs, err := refTargets(res.Props)
		if err != nil {
			return fmt.Errorf("resources[%d] (%s): %w", i, res.ID, err)
		}
		for _, target := range refs {
			if _, ok := seen[target]; !ok {
				return fmt.Errorf("resources[%d]: reference to %q is not declared earlier in the file", i, target)
			}
		}

		seen[res.ID] = struct{}{}
	}
	return nil
}

// refTargets collects the ids referenced by ref:// strings in props and
// rejects malformed ones.
func refTargets(props map[string]any) ([]string, error) {
	var targets []string
	_, err := mapStrings(props, func(s string) (any, error) {
		if !strings.HasPrefix(s, "ref://") {
			return s, nil
		}
		ref, ok := resource.ParseRef(s)
		if !ok {
			return nil, fmt.Errorf("malformed reference %q: want ref://<id>/<field>", s)
		}
		targets = append(targets, ref.ID)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return targets, nil
}

// mapStrings rebuilds v with fn applied to every string leaf.
func mapStrings(v any, fn func(string) (any, error)) (any, error) {
	switch val := v.(type) {
	case string:
		return fn(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			mapped, err := mapStrings(elem, fn)
			if err != nil {
				return nil, err
			}
			out[k] = mapped
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			mapped, err := mapStrings(elem, fn)
			if err != nil {
				return nil, err
			}
			out[i] = mapped
		}
		return out, nil
	default:
		return v, nil
	}
}
