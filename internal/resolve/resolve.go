// Package resolve walks the transitive dependency graph of a set of
// root packages, memoized in-session, using an explicit work stack
// rather than recursion per the design note calling out stack-depth
// concerns in the teacher's recursive source.
package resolve

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samukelogift/br/internal/brerrors"
	"github.com/samukelogift/br/internal/formula"
)

// RootRequest is the sentinel "requested_by" value for user-named roots.
const RootRequest = "User Request"

// Plan entry describes one resolved package.
type PlanEntry struct {
	Name         string
	Version      string
	RequestedBy  string
	Dependencies []string
}

// Plan is the flat, deduplicated, ordered result of resolution. Each
// package appears exactly once, in first-visited order.
type Plan struct {
	order   []string
	entries map[string]PlanEntry
}

// Names returns the plan's packages in first-visited order.
func (p *Plan) Names() []string {
	return append([]string(nil), p.order...)
}

// Entry returns the entry for name and whether it is present.
func (p *Plan) Entry(name string) (PlanEntry, bool) {
	e, ok := p.entries[name]
	return e, ok
}

// Len reports how many packages are in the plan.
func (p *Plan) Len() int {
	return len(p.order)
}

// MetadataFetcher is the subset of the registry client the resolver
// needs.
type MetadataFetcher interface {
	FetchMetadata(ctx context.Context, name string, forceRefresh bool) (formula.Record, error)
}

// Resolver walks dependency graphs, memoizing fetched metadata across
// multiple roots within one invocation. The memo is separate from the
// durable metadata cache and does not survive process exit.
type Resolver struct {
	log     *slog.Logger
	fetcher MetadataFetcher
	memo    map[string]formula.Record
}

// New creates a Resolver.
func New(log *slog.Logger, fetcher MetadataFetcher) *Resolver {
	return &Resolver{
		log:     log,
		fetcher: fetcher,
		memo:    make(map[string]formula.Record),
	}
}

type workItem struct {
	name   string
	parent string
}

// Resolve walks the dependency graph from roots and returns the flat
// plan. If metadata is absent for any visited package, resolution fails
// with a *brerrors.ResolutionMissingMetadataError and the plan is
// discarded entirely.
func (r *Resolver) Resolve(ctx context.Context, roots []string) (*Plan, error) {
	plan := &Plan{entries: make(map[string]PlanEntry)}

	var stack []workItem
	for i := len(roots) - 1; i >= 0; i-- {
		stack = append(stack, workItem{name: roots[i], parent: RootRequest})
	}

	for len(stack) > 0 {
		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		// Already-in-plan check is the cycle guard: a node placed once
		// is never revisited, which also breaks any cycle.
		if _, already := plan.entries[item.name]; already {
			continue
		}

		rec, err := r.fetchMetadata(ctx, item.name)
		if err != nil {
			return nil, &brerrors.ResolutionMissingMetadataError{Name: item.name}
		}

		entry := PlanEntry{
			Name:         item.name,
			Version:      rec.Versions.Stable,
			RequestedBy:  item.parent,
			Dependencies: rec.Dependencies,
		}
		plan.entries[item.name] = entry
		plan.order = append(plan.order, item.name)

		// Push children in reverse so they're visited in declared order.
		for i := len(rec.Dependencies) - 1; i >= 0; i-- {
			dep := rec.Dependencies[i]
			if _, already := plan.entries[dep]; !already {
				stack = append(stack, workItem{name: dep, parent: item.name})
			}
		}
	}

	return plan, nil
}

func (r *Resolver) fetchMetadata(ctx context.Context, name string) (formula.Record, error) {
	if rec, ok := r.memo[name]; ok {
		return rec, nil
	}
	rec, err := r.fetcher.FetchMetadata(ctx, name, false)
	if err != nil {
		return formula.Record{}, fmt.Errorf("resolve %s: %w", name, err)
	}
	r.memo[name] = rec
	return rec, nil
}
