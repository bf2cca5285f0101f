// Package env composes the environment handed to supervised commands.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers global variables over a base environment (the daemon's own by
// default). Values are copied on write, so an Env can be shared by runners.
type Env struct {
	vars Var
	base Var
}

func New() *Env {
	return &Env{vars: make(Var)}
}

// FromMap returns an Env holding vars as its global layer.
func FromMap(vars map[string]string) *Env {
	e := New()
	for k, v := range vars {
		if k != "" {
			e.vars[k] = v
		}
	}
	return e
}

// WithBase replaces the OS environment with base. Used by tests and by
// callers that want a clean environment.
func (e *Env) WithBase(base []string) *Env {
	c := e.clone()
	c.base = parse(base)
	return c
}

// WithSet returns a copy of e with k=v added to the global layer.
func (e *Env) WithSet(k, v string) *Env {
	c := e.clone()
	if k != "" {
		c.vars[k] = v
	}
	return c
}

// Vars returns a copy of the global layer.
func (e *Env) Vars() Var {
	out := make(Var, len(e.vars))
	for k, v := range e.vars {
		out[k] = v
	}
	return out
}

func (e *Env) clone() *Env {
	c := &Env{vars: e.Vars()}
	if e.base != nil {
		c.base = make(Var, len(e.base))
		for k, v := range e.base {
			c.base[k] = v
		}
	}
	return c
}

// Merge composes the final environment in this order: base (OS unless
// WithBase was used), then global vars, then perProc "K=V" entries.
// ${VAR} references are expanded once against the composed map.
// The result is sorted by key.
func (e *Env) Merge(perProc []string) []string {
	m := e.compose(perProc)
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// Expand resolves ${VAR} references in s against the composed environment.
func (e *Env) Expand(s string, perProc []string) string {
	return expand(s, e.compose(perProc))
}

func (e *Env) compose(perProc []string) Var {
	base := e.base
	if base == nil {
		base = parse(os.Environ())
	}
	m := make(Var, len(base)+len(e.vars)+len(perProc))
	for k, v := range base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for k, v := range parse(perProc) {
		m[k] = v
	}
	return m
}

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// expand replaces ${NAME} with its value; unknown names expand to "".
func expand(s string, m Var) string {
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
		b.WriteString(s[:i])
		b.WriteString(m[s[i+2:i+2+j]])
		s = s[i+2+j+1:]
	}
}
