package workflow

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/khenlevy/stocksync-backend/internal/jobs/catalogue"
)

// Step is one named entry in the cycled list.
type Step struct {
	Name          string `yaml:"name"`
	FunctionName  string `yaml:"function"`
	DisplayName   string `yaml:"displayName,omitempty"`
	ParallelGroup string `yaml:"parallelGroup,omitempty"`
	Skipped       bool   `yaml:"skipped,omitempty"`
}

// Definition is the immutable, ordered workflow a cycle executes.
type Definition struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// ValidationError is a configuration error surfaced at initialise time.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "workflow definition invalid: " + e.Msg }

func invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// Validate checks the definition against the catalogue: every non-skipped
// functionName must be unique and registered, and parallel groups must be
// contiguous in the ordering.
func (d Definition) Validate(cat *catalogue.Catalogue) error {
	if strings.TrimSpace(d.Name) == "" {
		return invalid("missing workflow name")
	}
	if len(d.Steps) == 0 {
		return invalid("no steps defined")
	}
	seenFns := map[string]bool{}
	closedGroups := map[string]bool{}
	prevGroup := ""
	for i, s := range d.Steps {
		if strings.TrimSpace(s.Name) == "" {
			return invalid("step %d missing name", i)
		}
		if strings.TrimSpace(s.FunctionName) == "" {
			return invalid("step %q missing function", s.Name)
		}
		if !s.Skipped {
			if seenFns[s.FunctionName] {
				return invalid("duplicate function %q", s.FunctionName)
			}
			seenFns[s.FunctionName] = true
			if cat != nil {
				if _, ok := cat.Lookup(s.FunctionName); !ok {
					return invalid("unknown function %q in step %q", s.FunctionName, s.Name)
				}
			}
		}
		g := s.ParallelGroup
		if g != prevGroup {
			if prevGroup != "" {
				closedGroups[prevGroup] = true
			}
			if g != "" && closedGroups[g] {
				return invalid("parallel group %q is not contiguous", g)
			}
			prevGroup = g
		}
	}
	return nil
}

// ActiveCount is the number of non-skipped steps; it is the authoritative
// totalAsyncFns published in status.
func (d Definition) ActiveCount() int {
	n := 0
	for _, s := range d.Steps {
		if !s.Skipped {
			n++
		}
	}
	return n
}

// ActiveSteps returns the non-skipped steps with their definition indexes.
func (d Definition) ActiveSteps() ([]Step, []int) {
	steps := []Step{}
	idx := []int{}
	for i, s := range d.Steps {
		if !s.Skipped {
			steps = append(steps, s)
			idx = append(idx, i)
		}
	}
	return steps, idx
}

// Group is a maximal run of consecutive steps sharing one parallel group.
// Steps without a group are singletons.
type Group struct {
	Name     string
	Parallel bool
	Steps    []Step
	Indexes  []int
}

// Groups partitions the ordered steps into execution groups. Two different
// parallel groups are never merged; a group of size one behaves like a
// sequential step.
func (d Definition) Groups() []Group {
	out := []Group{}
	for i := 0; i < len(d.Steps); {
		s := d.Steps[i]
		if s.ParallelGroup == "" {
			out = append(out, Group{Steps: []Step{s}, Indexes: []int{i}})
			i++
			continue
		}
		g := Group{Name: s.ParallelGroup}
		for i < len(d.Steps) && d.Steps[i].ParallelGroup == s.ParallelGroup {
			g.Steps = append(g.Steps, d.Steps[i])
			g.Indexes = append(g.Indexes, i)
			i++
		}
		g.Parallel = len(g.Steps) > 1
		out = append(out, g)
	}
	return out
}

// Load reads a definition from a YAML file.
func Load(path string) (Definition, error) {
	var def Definition
	raw, err := os.ReadFile(path)
	if err != nil {
		return def, fmt.Errorf("read workflow file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return def, fmt.Errorf("parse workflow file: %w", err)
	}
	return def, nil
}
