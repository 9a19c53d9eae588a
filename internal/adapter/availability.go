package adapter

import (
	"errors"
	"fmt"
	"strings"
)

// ResolveDefaultTool resolves which tool the shell starts on.
//
// It fails when no registered tool resolves on the host. When the configured
// tool is unknown or unavailable it falls back to the first available tool in
// registration order and returns a warning describing the substitution.
func ResolveDefaultTool(configured string, reg *Registry) (string, []string, error) {
	if reg == nil || reg.Len() == 0 {
		return "", nil, errors.New("no tools registered")
	}

	available := make([]string, 0, reg.Len())
	for _, a := range reg.All() {
		if a.IsAvailable() {
			available = append(available, a.Name())
		}
	}
	if len(available) == 0 {
		return "", nil, fmt.Errorf(
			"no registered tool found on PATH (%s)",
			strings.Join(reg.Names(), "/"),
		)
	}

	requested := normalizeName(configured)
	fallback := available[0]
	if requested == "" {
		return fallback, nil, nil
	}

	if _, ok := reg.Get(requested); !ok {
		warnings := []string{
			fmt.Sprintf("unknown tool %q; falling back to %q", requested, fallback),
		}
		return fallback, warnings, nil
	}
	for _, name := range available {
		if name == requested {
			return requested, nil, nil
		}
	}

	warnings := []string{
		fmt.Sprintf("configured tool %q unavailable; falling back to %q", requested, fallback),
	}
	return fallback, warnings, nil
}
