package scheduler

import (
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrCascadeCycle is returned by NewCascadeChain when the chain is not acyclic.
var ErrCascadeCycle = errors.New("cascade chain contains a cycle")

// DefaultCascade is the built-in chain. Keys ending in ".*" are templates
// expanded once per connector by ExpandCascade.
var DefaultCascade = map[string][]string{
	"connector_sync.*":  {"signal_extraction"},
	"signal_extraction": {"commitment_extraction", "digest_refresh"},
}

// ExpandCascade replaces every "<prefix>.*" key with one "<prefix>.<name>"
// key per name, merging downstream lists. Non-template keys are copied.
func ExpandCascade(raw map[string][]string, names []string) map[string][]string {
	out := make(map[string][]string, len(raw))
	add := func(key string, downstream []string) {
		out[key] = append(out[key], downstream...)
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		prefix, ok := strings.CutSuffix(k, ".*")
		if !ok {
			add(k, raw[k])
			continue
		}
		for _, n := range names {
			add(prefix+"."+n, raw[k])
		}
	}
	return out
}

// CascadeChain is an immutable, validated-acyclic map from a job type to the
// job types fast-tracked when it succeeds.
type CascadeChain struct {
	edges map[string][]string
}

// NewCascadeChain copies edges, drops duplicate and empty entries,
// and rejects cycles with ErrCascadeCycle.
func NewCascadeChain(edges map[string][]string) (*CascadeChain, error) {
	c := &CascadeChain{edges: make(map[string][]string, len(edges))}
	for from, to := range edges {
		seen := make(map[string]bool, len(to))
		var ds []string
		for _, d := range to {
			d = strings.TrimSpace(d)
			if d == "" || seen[d] {
				continue
			}
			seen[d] = true
			ds = append(ds, d)
		}
		if len(ds) > 0 {
			c.edges[from] = ds
		}
	}
	if path := c.findCycle(); path != nil {
		return nil, errors.WithDetailf(errors.Wrapf(ErrCascadeCycle, "%s", strings.Join(path, " -> ")),
			"job types on the cycle: %v", path)
	}
	return c, nil
}

// MustCascadeChain is NewCascadeChain for static configuration; it panics on a cycle.
func MustCascadeChain(edges map[string][]string) *CascadeChain {
	c, err := NewCascadeChain(edges)
	if err != nil {
		panic(err)
	}
	return c
}

// Downstream returns the job types fast-tracked by a successful jobType run.
func (c *CascadeChain) Downstream(jobType string) []string {
	if c == nil {
		return nil
	}
	return append([]string(nil), c.edges[jobType]...)
}

// Edges returns a copy of the chain.
func (c *CascadeChain) Edges() map[string][]string {
	out := make(map[string][]string, len(c.edges))
	for k, v := range c.edges {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func (c *CascadeChain) findCycle() []string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int)
	var stack []string
	var visit func(n string) []string
	visit = func(n string) []string {
		switch state[n] {
		case visiting:
			for i, s := range stack {
				if s == n {
					return append(append([]string(nil), stack[i:]...), n)
				}
			}
			return []string{n, n}
		case done:
			return nil
		}
		state[n] = visiting
		stack = append(stack, n)
		for _, d := range c.edges[n] {
			if path := visit(d); path != nil {
				return path
			}
		}
		stack = stack[:len(stack)-1]
		state[n] = done
		return nil
	}

	roots := make([]string, 0, len(c.edges))
	for k := range c.edges {
		roots = append(roots, k)
	}
	sort.Strings(roots)
	for _, r := range roots {
		if path := visit(r); path != nil {
			return path
		}
	}
	return nil
}
