package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/anneal-io/anneal/internal/resource"
)

const secretScheme = "secret://"

// SecretRegistrar receives resolved secret values so the log scrubber
// can redact them wherever they appear.
type SecretRegistrar interface {
	Add(value string)
}

// ResolveSecrets replaces every "secret://ENV_VAR" string in the stack's
// props with a typed Secret read from the environment. Resolution is the
// only point where secret values enter the process, so every value is
// handed to reg before anything can log it.
func ResolveSecrets(st *Stack, reg SecretRegistrar) error {
	for i, res := range st.Resources {
		if res.Props == nil {
			continue
		}
		mapped, err := mapStrings(res.Props, func(s string) (any, error) {
			name, ok := strings.CutPrefix(s, secretScheme)
			if !ok {
				return s, nil
			}
			if name == "" {
				return nil, fmt.Errorf("empty secret reference %q", s)
			}
			value, ok := os.LookupEnv(name)
			if !ok {
				return nil, fmt.Errorf("secret %s: environment variable %q not set", s, name)
			}
			if reg != nil {
				reg.Add(value)
			}
			return resource.NewSecret(value), nil
		})
		if err != nil {
			return fmt.Errorf("resources[%d] (%s): %w", i, res.ID, err)
		}
		res.Props = mapped.(map[string]any)
	}
	return nil
}
