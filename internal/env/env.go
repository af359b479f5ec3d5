// Package env composes the environment handed to the worker process.
package env

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Env is an immutable set of variables layered over an optional base.
type Env struct {
	base map[string]string
	vars map[string]string
}

// New returns an empty Env with no base.
func New() *Env { return &Env{} }

// FromOS returns an Env whose base is the current process environment.
func FromOS() *Env {
	base := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := Split(kv); ok {
			base[k] = v
		}
	}
	return &Env{base: base}
}

func (e *Env) clone() *Env {
	c := &Env{base: e.base, vars: make(map[string]string, len(e.vars)+1)}
	for k, v := range e.vars {
		c.vars[k] = v
	}
	return c
}

// WithSet returns a copy of e with k=v set. Empty keys are ignored.
func (e *Env) WithSet(k, v string) *Env {
	c := e.clone()
	if k != "" {
		c.vars[k] = v
	}
	return c
}

// WithPairs returns a copy of e with every "K=V" entry of kvs set.
func (e *Env) WithPairs(kvs []string) *Env {
	c := e.clone()
	for _, kv := range kvs {
		if k, v, ok := Split(kv); ok {
			c.vars[k] = v
		}
	}
	return c
}

// Merge layers base, e's variables and then perProc, expands ${VAR}
// references against the result (one pass, no recursion) and returns a
// sorted "K=V" list.
func (e *Env) Merge(perProc []string) []string {
	m := make(map[string]string, len(e.base)+len(e.vars)+len(perProc))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for _, kv := range perProc {
		if k, v, ok := Split(kv); ok {
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// Split parses "K=V". Entries without '=' or with an empty key are rejected.
func Split(kv string) (string, string, bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}

// expand replaces ${NAME} with m[NAME]. Unknown names expand to "".
func expand(s string, m map[string]string) string {
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
		s = s[i+3+j:]
	}
}

// LoadFile parses a .env file of KEY=VALUE lines. Blank lines and lines
// starting with # are skipped; an optional "export " prefix and one pair of
// surrounding quotes are stripped.
func LoadFile(path string) (map[string]string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	m := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := Split(line)
		if !ok {
			continue
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if n := len(v); n >= 2 && (v[0] == '"' && v[n-1] == '"' || v[0] == '\'' && v[n-1] == '\'') {
			v = v[1 : n-1]
		}
		m[k] = v
	}
	return m, sc.Err()
}
