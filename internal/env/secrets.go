package env

import (
	"fmt"
	"strings"
)

// SecretPrefix marks configuration values that must be taken from the environment.
// A value "QHUB_SECRET_GITHUB_TOKEN" resolves to the contents of $GITHUB_TOKEN.
const SecretPrefix = "QHUB_SECRET_"

// MissingSecretError reports a secret placeholder with no matching variable.
type MissingSecretError struct {
	// Placeholder is the value found in the document.
	Placeholder string
	// Variable is the environment variable that was looked up.
	Variable string
	// Path is the location of the placeholder within the document.
	Path string
}

func (e *MissingSecretError) Error() string {
	return fmt.Sprintf("%s: %q was found in the config, so the environment variable %q must be set", e.Path, e.Placeholder, e.Variable)
}

// ResolveSecrets walks a decoded YAML document and replaces every string
// value starting with SecretPrefix by the named variable from vars.
// Maps and slices are updated in place.
func ResolveSecrets(doc any, vars Vars) error {
	_, err := resolveSecrets(doc, vars, "")
	return err
}

func resolveSecrets(node any, vars Vars, path string) (any, error) {
	switch v := node.(type) {
	case map[string]any:
		for key, child := range v {
			resolved, err := resolveSecrets(child, vars, joinPath(path, key))
			if err != nil {
				return nil, err
			}
			v[key] = resolved
		}
		return v, nil
	case []any:
		for i, child := range v {
			resolved, err := resolveSecrets(child, vars, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			v[i] = resolved
		}
		return v, nil
	case string:
		if !strings.HasPrefix(v, SecretPrefix) {
			return v, nil
		}
		name := strings.TrimPrefix(v, SecretPrefix)
		value := vars[name]
		if value == "" {
			return nil, &MissingSecretError{Placeholder: v, Variable: name, Path: path}
		}
		return value, nil
	default:
		return node, nil
	}
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}
