package env

import (
	"os"
	"sort"
	"strings"
)

// Vars maps variable names to values.
type Vars map[string]string

// Env composes the worker environment: the supervisor's own environment,
// then config-level overrides, then per-worker overrides.
type Env struct {
	Vars Vars // config-level overrides
	base Vars // snapshot of the OS environment
}

func New() *Env {
	return &Env{Vars: make(Vars)}
}

// FromOS snapshots the current process environment as the base layer.
func (e *Env) FromOS() {
	e.base = Parse(os.Environ())
}

// Set adds or replaces a config-level variable.
func (e *Env) Set(k, v string) {
	if e.Vars == nil {
		e.Vars = make(Vars)
	}
	e.Vars[k] = v
}

// Parse converts "K=V" pairs into Vars, skipping entries without a key.
func Parse(pairs []string) Vars {
	out := make(Vars, len(pairs))
	for _, kv := range pairs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		out[kv[:i]] = kv[i+1:]
	}
	return out
}

// Merge layers base, e.Vars and worker (K=V pairs) in that order, expands
// ${VAR} references against the merged set and returns a sorted K=V slice.
func (e *Env) Merge(worker []string) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Vars, len(e.base)+len(e.Vars)+len(worker))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Vars {
		if k != "" {
			m[k] = v
		}
	}
	for k, v := range Parse(worker) {
		m[k] = v
	}

	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// expand replaces ${NAME} with its value in m. Unknown names are left as is
// and expansion is not recursive.
func expand(s string, m Vars) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}

// DefaultIndicator is the variable set by the hosting platform.
const DefaultIndicator = "RENDER"

// Gate decides whether the production loop may run in this environment.
type Gate struct {
	Indicator string
	lookup    func(string) (string, bool)
}

// Detect reports whether the indicator variable is present, even if empty.
func (g Gate) Detect() bool {
	name := g.Indicator
	if name == "" {
		name = DefaultIndicator
	}
	lookup := g.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	_, ok := lookup(name)
	return ok
}

// Guidance is printed when the gate is closed.
func (g Gate) Guidance() string {
	name := g.Indicator
	if name == "" {
		name = DefaultIndicator
	}
	return "This supervisor is meant for the production host (" + name + " is not set).\n" +
		"For local development run the worker directly instead."
}
