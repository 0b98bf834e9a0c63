package envvars

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Origin tells where a variable came from.
type Origin int

const (
	OriginRemote Origin = iota
	OriginLocal
)

// String returns the label used when listing variables.
func (o Origin) String() string {
	switch o {
	case OriginRemote:
		return "from Oxygen"
	case OriginLocal:
		return "from local .env"
	default:
		return "unknown"
	}
}

// Variable is one resolved variable.
type Variable struct {
	Key    string `yaml:"key"`
	Value  string `yaml:"value"`
	Secret bool   `yaml:"secret"`
	Origin Origin `yaml:"-"`
}

// Set is an immutable result of Resolve.
type Set struct {
	vars     map[string]Variable
	warnings []string
}

// All returns the variables as a fresh key/value map.
func (s *Set) All() map[string]string {
	out := make(map[string]string, len(s.vars))
	for k, v := range s.vars {
		out[k] = v.Value
	}
	return out
}

// Lookup returns the variable named key.
func (s *Set) Lookup(key string) (Variable, bool) {
	v, ok := s.vars[key]
	return v, ok
}

// Len returns the number of variables.
func (s *Set) Len() int { return len(s.vars) }

// Warnings returns problems met while resolving.
func (s *Set) Warnings() []string { return slices.Clone(s.warnings) }

// Variables returns every variable sorted by key, secrets last.
func (s *Set) Variables() []Variable {
	keys := slices.Sorted(maps.Keys(s.vars))
	out := make([]Variable, 0, len(keys))
	for _, k := range keys {
		if !s.vars[k].Secret {
			out = append(out, s.vars[k])
		}
	}
	for _, k := range keys {
		if s.vars[k].Secret {
			out = append(out, s.vars[k])
		}
	}
	return out
}

// Log writes the list of injected variables to w. Values are never
// written.
func (s *Set) Log(w io.Writer) error {
	r := lipgloss.NewRenderer(w)
	title := r.NewStyle().Bold(true)
	faint := r.NewStyle().Faint(true)
	warn := r.NewStyle().Foreground(lipgloss.Color("3"))

	var b strings.Builder
	for _, msg := range s.warnings {
		b.WriteString(warn.Render("Warning: "+msg) + "\n")
	}

	vars := s.Variables()
	if len(vars) == 0 {
		_, err := io.WriteString(w, b.String())
		return err
	}

	width := 0
	for _, v := range vars {
		width = max(width, lipgloss.Width(v.Key))
	}
	keyStyle := r.NewStyle().Width(width + 2)

	b.WriteString(title.Render("Environment variables injected into the runtime:") + "\n\n")
	for _, v := range vars {
		origin := v.Origin.String()
		if v.Secret {
			origin += " (Marked as secret)"
		}
		b.WriteString("  " + keyStyle.Render(v.Key) + faint.Render(origin) + "\n")
	}

	_, err := fmt.Fprint(w, b.String())
	return err
}
