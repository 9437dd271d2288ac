// Package install is the install orchestrator: it resolves a dependency
// plan, downloads the packages that still need fetching with bounded
// concurrency, then verifies, extracts, links, and commits each one
// serially so the inventory is never left reflecting a half-applied
// package. Workers are pure — they return a download result record and
// touch nothing but their own tarball on disk; only the orchestrator
// writes to the inventory, adapting depot's
// npm/download.Downloader.downloadPackagesRecursive semaphore-channel
// pattern away from its shared-mutable-map-across-goroutines design.
package install

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/samukelogift/br/internal/brerrors"
	"github.com/samukelogift/br/internal/extract"
	"github.com/samukelogift/br/internal/formula"
	"github.com/samukelogift/br/internal/inventory"
	"github.com/samukelogift/br/internal/metacache"
	"github.com/samukelogift/br/internal/metrics"
	"github.com/samukelogift/br/internal/platform"
	"github.com/samukelogift/br/internal/progress"
	"github.com/samukelogift/br/internal/resolve"
)

// DefaultConcurrency bounds simultaneous downloads during Install.
const DefaultConcurrency = 5

// outdatedConcurrency bounds the metadata fan-out Upgrade performs to
// find which inventory entries are stale.
const outdatedConcurrency = 10

// RegistryClient is the subset of registry.Client the orchestrator
// depends on.
type RegistryClient interface {
	FetchMetadata(ctx context.Context, name string, forceRefresh bool) (formula.Record, error)
	FetchToken(ctx context.Context, name string) (string, error)
	StreamBottle(ctx context.Context, pkg, url, bearerToken, outPath string, sink progress.Sink, taskID string) error
}

// Orchestrator drives install, upgrade, uninstall, cleanup, and doctor
// runs.
type Orchestrator struct {
	log         *slog.Logger
	registry    RegistryClient
	resolver    *resolve.Resolver
	extractor   *extract.Extractor
	inventory   *inventory.Store
	cache       *metacache.Cache
	metrics     metrics.Metrics
	downloadDir string
	cellarDir   string
	binDir      string
	sink        progress.Sink
	concurrency int
}

// New creates an Orchestrator. downloadDir holds in-flight tarballs
// before they are extracted and removed; cellarDir and binDir mirror
// the Extractor's own layout and are needed for cleanup/doctor.
func New(log *slog.Logger, registry RegistryClient, resolver *resolve.Resolver, extractor *extract.Extractor, inv *inventory.Store, cache *metacache.Cache, m metrics.Metrics, downloadDir, cellarDir, binDir string, sink progress.Sink) *Orchestrator {
	return &Orchestrator{
		log:         log,
		registry:    registry,
		resolver:    resolver,
		extractor:   extractor,
		inventory:   inv,
		cache:       cache,
		metrics:     m,
		downloadDir: downloadDir,
		cellarDir:   cellarDir,
		binDir:      binDir,
		sink:        sink,
		concurrency: DefaultConcurrency,
	}
}

// SetConcurrency overrides the default bounded worker count.
func (o *Orchestrator) SetConcurrency(n int) {
	if n > 0 {
		o.concurrency = n
	}
}

// PackageResult is the terminal state of one package within a Report.
type PackageResult struct {
	Name    string
	Version string
	Skipped bool
	Err     error
}

// Report aggregates the per-package results of an Install or Upgrade
// call.
type Report struct {
	Results []PackageResult
}

// downloadResult is what a worker hands back to the coordinator. A
// missing bottle for the current platform is reported as skipped, not
// failed — it does not abort the invocation.
type downloadResult struct {
	name          string
	version       string
	sha256        string
	tarball       string
	skipped       bool
	skippedFlavor string
	err           error
}

// Install resolves names and their transitive dependencies. Unless
// force is set, the install set excludes anything already present in
// the inventory, whatever its installed version — installed packages
// are left untouched, no upgrade implied. With force, every resolved
// package is (re)installed.
func (o *Orchestrator) Install(ctx context.Context, names []string, force bool) (Report, error) {
	return o.install(ctx, names, force, o.metrics.IncrementInstalled)
}

func (o *Orchestrator) install(ctx context.Context, names []string, force bool, onSuccess func(ctx context.Context, pkg string)) (Report, error) {
	plan, err := o.resolver.Resolve(ctx, names)
	if err != nil {
		return Report{}, err
	}

	var report Report
	var toFetch []resolve.PlanEntry
	for _, name := range plan.Names() {
		entry, _ := plan.Entry(name)
		if !force && o.inventory.Has(name) {
			report.Results = append(report.Results, PackageResult{Name: name, Version: entry.Version, Skipped: true})
			continue
		}
		toFetch = append(toFetch, entry)
	}

	if len(toFetch) == 0 {
		return report, nil
	}

	if err := os.MkdirAll(o.downloadDir, 0o755); err != nil {
		return report, fmt.Errorf("install: create download directory: %w", err)
	}

	byName := make(map[string]downloadResult, len(toFetch))
	for _, r := range o.downloadAll(ctx, toFetch, false) {
		byName[r.name] = r
	}

	for _, entry := range toFetch {
		r := byName[entry.Name]
		if r.skipped {
			o.log.Info("no bottle for platform, skipping", slog.String("package", entry.Name), slog.String("flavor", r.skippedFlavor))
			report.Results = append(report.Results, PackageResult{Name: entry.Name, Version: entry.Version, Skipped: true})
			continue
		}
		if r.err != nil {
			o.metrics.IncrementInstallFailure(ctx, entry.Name)
			report.Results = append(report.Results, PackageResult{Name: entry.Name, Version: entry.Version, Err: r.err})
			continue
		}

		extracted, err := o.extractor.Extract(entry.Name, r.version, r.tarball, r.sha256)
		if err != nil {
			o.metrics.IncrementInstallFailure(ctx, entry.Name)
			report.Results = append(report.Results, PackageResult{Name: entry.Name, Version: entry.Version, Err: err})
			continue
		}

		if err := o.inventory.Put(entry.Name, inventory.Entry{
			Version:  extracted.Version,
			Path:     extracted.Path,
			Symlinks: extracted.Symlinks,
		}); err != nil {
			o.metrics.IncrementInstallFailure(ctx, entry.Name)
			report.Results = append(report.Results, PackageResult{Name: entry.Name, Version: entry.Version, Err: err})
			continue
		}

		onSuccess(ctx, entry.Name)
		report.Results = append(report.Results, PackageResult{Name: entry.Name, Version: extracted.Version})
	}

	return report, nil
}

// Upgrade refreshes metadata for every inventory entry, bypassing the
// metadata cache, computes the subset whose installed version differs
// from upstream stable, and force-installs that subset; because the
// install is forced, the resolved dependencies of those packages are
// reinstalled as well. The old
// version's directory is not removed first; extraction clears the
// destination for the version being written and cleanup reclaims stale
// directories later.
func (o *Orchestrator) Upgrade(ctx context.Context) (Report, error) {
	names := o.inventory.Names()

	type outdatedCheck struct {
		name string
		rec  formula.Record
		err  error
	}
	checks := make([]outdatedCheck, len(names))
	sem := make(chan struct{}, outdatedConcurrency)
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			rec, err := o.registry.FetchMetadata(ctx, name, true)
			checks[i] = outdatedCheck{name: name, rec: rec, err: err}
		}(i, name)
	}
	wg.Wait()

	var outdated []string
	for _, c := range checks {
		if c.err != nil {
			o.log.Warn("failed to refresh metadata during upgrade scan", slog.String("package", c.name), slog.Any("error", c.err))
			continue
		}
		existing, ok := o.inventory.Get(c.name)
		if ok && existing.Version != c.rec.Versions.Stable {
			o.log.Info("package outdated",
				slog.String("package", c.name),
				slog.String("installed", existing.Version),
				slog.String("upstream", c.rec.Versions.Stable),
				slog.String("direction", versionDirection(existing.Version, c.rec.Versions.Stable)))
			outdated = append(outdated, c.name)
		}
	}

	if len(outdated) == 0 {
		return Report{}, nil
	}

	return o.install(ctx, outdated, true, o.metrics.IncrementUpgraded)
}

// downloadAll fans the entries out across o.concurrency workers. Each
// worker is pure: it fetches metadata, a token, and the tarball, and
// returns a result record. No worker touches the inventory or any other
// worker's state.
func (o *Orchestrator) downloadAll(ctx context.Context, entries []resolve.PlanEntry, forceRefresh bool) []downloadResult {
	sem := make(chan struct{}, o.concurrency)
	var wg sync.WaitGroup
	resultsCh := make(chan downloadResult, len(entries))

	for _, entry := range entries {
		wg.Add(1)
		go func(entry resolve.PlanEntry) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
				resultsCh <- o.downloadOne(ctx, entry, forceRefresh)
			case <-ctx.Done():
				resultsCh <- downloadResult{name: entry.Name, err: ctx.Err()}
			}
		}(entry)
	}

	go func() {
		wg.Wait()
		close(resultsCh)
	}()

	results := make([]downloadResult, 0, len(entries))
	for r := range resultsCh {
		results = append(results, r)
	}
	return results
}

func (o *Orchestrator) downloadOne(ctx context.Context, entry resolve.PlanEntry, forceRefresh bool) downloadResult {
	taskID := o.sink.Start(entry.Name)
	defer o.sink.Finish(taskID)

	rec, err := o.registry.FetchMetadata(ctx, entry.Name, forceRefresh)
	if err != nil {
		return downloadResult{name: entry.Name, err: fmt.Errorf("fetch metadata for %s: %w", entry.Name, err)}
	}

	flavor, err := platform.Flavor()
	if err != nil {
		return downloadResult{name: entry.Name, err: err}
	}

	file, ok := rec.Bottle.Stable.Files[flavor]
	if !ok {
		return downloadResult{name: entry.Name, skipped: true, skippedFlavor: flavor}
	}

	token, err := o.registry.FetchToken(ctx, entry.Name)
	if err != nil {
		return downloadResult{name: entry.Name, err: fmt.Errorf("fetch token for %s: %w", entry.Name, err)}
	}

	tarball := filepath.Join(o.downloadDir, fmt.Sprintf("%s-%s.tar.gz", entry.Name, rec.Versions.Stable))
	if err := o.registry.StreamBottle(ctx, entry.Name, file.URL, token, tarball, o.sink, taskID); err != nil {
		return downloadResult{name: entry.Name, err: fmt.Errorf("download %s: %w", entry.Name, err)}
	}

	return downloadResult{
		name:    entry.Name,
		version: rec.Versions.Stable,
		sha256:  file.SHA256,
		tarball: tarball,
	}
}

// Uninstall removes every symlink, the Cellar directory, and the
// inventory entry for each named package, and invalidates its metadata
// cache entry. Names absent from the inventory are reported as errors
// wrapping brerrors.ErrNotInstalled; other names are still processed.
func (o *Orchestrator) Uninstall(ctx context.Context, names []string) (Report, error) {
	var report Report
	for _, name := range names {
		entry, ok := o.inventory.Get(name)
		if !ok {
			report.Results = append(report.Results, PackageResult{Name: name, Err: fmt.Errorf("%w: %s", brerrors.ErrNotInstalled, name)})
			continue
		}

		for _, link := range entry.Symlinks {
			if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
				o.log.Warn("failed to remove symlink", slog.String("package", name), slog.String("link", link), slog.Any("error", err))
			}
		}

		pkgDir := filepath.Join(o.cellarDir, name)
		if err := os.RemoveAll(pkgDir); err != nil {
			report.Results = append(report.Results, PackageResult{Name: name, Err: fmt.Errorf("uninstall %s: remove %s: %w", name, pkgDir, err)})
			continue
		}

		if err := o.inventory.Remove(name); err != nil {
			report.Results = append(report.Results, PackageResult{Name: name, Err: fmt.Errorf("uninstall %s: %w", name, err)})
			continue
		}

		if o.cache != nil {
			if err := o.cache.Invalidate(ctx, name); err != nil {
				o.log.Warn("failed to invalidate metadata cache entry", slog.String("package", name), slog.Any("error", err))
			}
		}

		o.metrics.IncrementUninstalled(ctx, name)
		report.Results = append(report.Results, PackageResult{Name: name, Version: entry.Version})
	}
	return report, nil
}

// CleanupReport summarizes a Cleanup run.
type CleanupReport struct {
	TarballsRemoved      int
	StaleVersionsRemoved int
	CacheEntriesRemoved  int
	BytesFreed           int64
}

// Cleanup removes every leftover tarball under the download directory,
// every versioned Cellar directory not matching the active inventory
// version, and every expired cache entry.
func (o *Orchestrator) Cleanup(ctx context.Context) (CleanupReport, error) {
	var report CleanupReport

	tarballs, err := filepath.Glob(filepath.Join(o.downloadDir, "*.tar.gz"))
	if err != nil {
		return report, fmt.Errorf("cleanup: glob tarballs: %w", err)
	}
	for _, tb := range tarballs {
		if info, err := os.Stat(tb); err == nil {
			report.BytesFreed += info.Size()
		}
		if err := os.Remove(tb); err != nil {
			o.log.Warn("failed to remove stale tarball", slog.String("path", tb), slog.Any("error", err))
			continue
		}
		report.TarballsRemoved++
	}

	snapshot := o.inventory.Snapshot()
	pkgDirs, err := os.ReadDir(o.cellarDir)
	if err != nil && !os.IsNotExist(err) {
		return report, fmt.Errorf("cleanup: read cellar: %w", err)
	}
	for _, pkgDir := range pkgDirs {
		if !pkgDir.IsDir() {
			continue
		}
		name := pkgDir.Name()
		activeVersion := snapshot[name].Version

		versionDirs, err := os.ReadDir(filepath.Join(o.cellarDir, name))
		if err != nil {
			o.log.Warn("failed to read package directory during cleanup", slog.String("package", name), slog.Any("error", err))
			continue
		}
		for _, vd := range versionDirs {
			if !vd.IsDir() || vd.Name() == activeVersion {
				continue
			}
			stale := filepath.Join(o.cellarDir, name, vd.Name())
			size, walkErr := dirSize(stale)
			if walkErr == nil {
				report.BytesFreed += size
			}
			if err := os.RemoveAll(stale); err != nil {
				o.log.Warn("failed to remove stale version directory", slog.String("path", stale), slog.Any("error", err))
				continue
			}
			report.StaleVersionsRemoved++
		}
	}

	if o.cache != nil {
		removed, err := o.cache.ClearExpired(ctx)
		if err != nil {
			return report, fmt.Errorf("cleanup: clear expired cache entries: %w", err)
		}
		report.CacheEntriesRemoved = removed
	}

	return report, nil
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// DoctorReport is the set of health diagnostics doctor prints.
type DoctorReport struct {
	BinDirOnPath   bool
	BrokenSymlinks []string
	MissingPaths   []string
	CacheStats     metacache.Stats
}

// Doctor reports whether the shared bin directory is on PATH, any
// broken symlinks within it, any inventory entry whose path no longer
// exists on disk, and cache stats.
func (o *Orchestrator) Doctor(ctx context.Context) (DoctorReport, error) {
	report := DoctorReport{
		BinDirOnPath: pathContains(os.Getenv("PATH"), o.binDir),
	}

	entries, err := os.ReadDir(o.binDir)
	if err != nil && !os.IsNotExist(err) {
		return report, fmt.Errorf("doctor: read bin directory: %w", err)
	}
	for _, entry := range entries {
		full := filepath.Join(o.binDir, entry.Name())
		if _, err := os.Stat(full); err != nil {
			report.BrokenSymlinks = append(report.BrokenSymlinks, full)
		}
	}

	for name, entry := range o.inventory.Snapshot() {
		if _, err := os.Stat(entry.Path); err != nil {
			report.MissingPaths = append(report.MissingPaths, name)
		}
	}

	if o.cache != nil {
		stats, err := o.cache.Stats(ctx)
		if err != nil {
			return report, fmt.Errorf("doctor: cache stats: %w", err)
		}
		report.CacheStats = stats
	}

	return report, nil
}

// versionDirection reports "upgrade" or "downgrade" for presentation
// when both versions parse as semver, falling back to "changed". It
// never affects which packages are selected for upgrade.
func versionDirection(installed, upstream string) string {
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

func pathContains(pathEnv, dir string) bool {
	for _, entry := range filepath.SplitList(pathEnv) {
		if filepath.Clean(entry) == filepath.Clean(dir) {
			return true
		}
	}
	return false
}
