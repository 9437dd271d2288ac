// Package ops implements the read-only auxiliary operations: list,
// info, search, and outdated. None of them mutate the inventory or
// cache beyond what the registry's own metadata cache does internally.
package ops

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/samukelogift/br/internal/formula"
	"github.com/samukelogift/br/internal/inventory"
)

// outdatedConcurrency bounds the metadata fan-out Outdated performs.
const outdatedConcurrency = 10

// RegistryClient is the subset of registry.Client the read ops depend
// on.
type RegistryClient interface {
	FetchMetadata(ctx context.Context, name string, forceRefresh bool) (formula.Record, error)
}

// Ops bundles the read-only operations over a registry and inventory.
type Ops struct {
	log       *slog.Logger
	registry  RegistryClient
	inventory *inventory.Store
}

// New creates an Ops.
func New(log *slog.Logger, registry RegistryClient, inv *inventory.Store) *Ops {
	return &Ops{log: log, registry: registry, inventory: inv}
}

// ListEntry is one row of the inventory table, restoring the Path
// column the original implementation prints alongside name and
// version.
type ListEntry struct {
	Name    string
	Version string
	Path    string
}

// List returns every installed package, sorted by name.
func (o *Ops) List() []ListEntry {
	snapshot := o.inventory.Snapshot()
	entries := make([]ListEntry, 0, len(snapshot))
	for name, e := range snapshot {
		entries = append(entries, ListEntry{Name: name, Version: e.Version, Path: e.Path})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// Info is the formatted description of a single package for the info
// command.
type Info struct {
	Name         string
	Description  string
	Homepage     string
	Version      string
	Installed    bool
	Dependencies []string
}

// Info fetches metadata for name and reports whether it is currently
// installed.
func (o *Ops) Info(ctx context.Context, name string) (Info, error) {
	rec, err := o.registry.FetchMetadata(ctx, name, false)
	if err != nil {
		return Info{}, fmt.Errorf("info %s: %w", name, err)
	}
	_, installed := o.inventory.Get(name)
	return Info{
		Name:         rec.Name,
		Description:  rec.Desc,
		Homepage:     rec.Homepage,
		Version:      rec.Versions.Stable,
		Installed:    installed,
		Dependencies: rec.Dependencies,
	}, nil
}

// SearchResult is the single exact match search can ever return.
type SearchResult struct {
	Name        string
	Version     string
	Description string
}

// Search fetches metadata for exactly q; upstream has no fuzzy or
// substring search, so this is always an exact match or a not-found
// error.
func (o *Ops) Search(ctx context.Context, q string) (SearchResult, error) {
	rec, err := o.registry.FetchMetadata(ctx, q, false)
	if err != nil {
		return SearchResult{}, fmt.Errorf("search %s: %w", q, err)
	}
	return SearchResult{Name: rec.Name, Version: rec.Versions.Stable, Description: rec.Desc}, nil
}

// OutdatedEntry reports one installed package whose upstream stable
// version differs from what's installed. Direction is presentation
// only, derived via semver when both strings parse; selection never
// depends on it.
type OutdatedEntry struct {
	Name             string
	InstalledVersion string
	UpstreamVersion  string
	Direction        string
}

// Outdated fetches metadata for every inventory entry in parallel
// (bypassing the cache) and returns those whose stable version differs
// from what's installed.
func (o *Ops) Outdated(ctx context.Context) ([]OutdatedEntry, error) {
	snapshot := o.inventory.Snapshot()
	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}

	type check struct {
		name string
		rec  formula.Record
		err  error
	}
	checks := make([]check, len(names))
	sem := make(chan struct{}, outdatedConcurrency)
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			rec, err := o.registry.FetchMetadata(ctx, name, true)
			checks[i] = check{name: name, rec: rec, err: err}
		}(i, name)
	}
	wg.Wait()

	var outdated []OutdatedEntry
	for _, c := range checks {
		if c.err != nil {
			o.log.Warn("failed to fetch metadata for outdated check", slog.String("package", c.name), slog.Any("error", c.err))
			continue
		}
		installed := snapshot[c.name].Version
		if installed == c.rec.Versions.Stable {
			continue
		}
		outdated = append(outdated, OutdatedEntry{
			Name:             c.name,
			InstalledVersion: installed,
			UpstreamVersion:  c.rec.Versions.Stable,
			Direction:        direction(installed, c.rec.Versions.Stable),
		})
	}

	sort.Slice(outdated, func(i, j int) bool { return outdated[i].Name < outdated[j].Name })
	return outdated, nil
}

// direction reports "upgrade" or "downgrade" when both versions parse
// as semver, else "changed".
func direction(installed, upstream string) string {
	iv, err1 := semver.NewVersion(installed)
	uv, err2 := semver.NewVersion(upstream)
	if err1 != nil || err2 != nil {
		return "changed"
	}
	if uv.GreaterThan(iv) {
		return "upgrade"
	}
	if uv.LessThan(iv) {
		return "downgrade"
	}
	return "changed"
}
