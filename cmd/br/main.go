package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"

	"github.com/samukelogift/br/internal/extract"
	"github.com/samukelogift/br/internal/globals"
	"github.com/samukelogift/br/internal/install"
	"github.com/samukelogift/br/internal/inventory"
	"github.com/samukelogift/br/internal/metacache"
	brmetrics "github.com/samukelogift/br/internal/metrics"
	"github.com/samukelogift/br/internal/ops"
	"github.com/samukelogift/br/internal/progress"
	"github.com/samukelogift/br/internal/registry"
	"github.com/samukelogift/br/internal/resolve"
	"github.com/samukelogift/br/internal/shellenv"
	"github.com/samukelogift/br/internal/verify"
)

// Version is set at build time via -ldflags.
var Version = "dev"

type CLI struct {
	globals.Globals

	Install    InstallCmd    `cmd:"" help:"Install packages and their dependencies"`
	Uninstall  UninstallCmd  `cmd:"" help:"Remove installed packages"`
	Search     SearchCmd     `cmd:"" help:"Search for a package by exact name"`
	Info       InfoCmd       `cmd:"" help:"Show metadata for a package"`
	List       ListCmd       `cmd:"" help:"List installed packages"`
	Outdated   OutdatedCmd   `cmd:"" help:"List installed packages with a newer upstream version"`
	Upgrade    UpgradeCmd    `cmd:"" help:"Upgrade every outdated package"`
	Cleanup    CleanupCmd    `cmd:"" help:"Remove stale tarballs, old versions, and expired cache entries"`
	Doctor     DoctorCmd     `cmd:"" help:"Run health diagnostics"`
	Shellenv   ShellenvCmd   `cmd:"" help:"Print the PATH export snippet for the detected shell"`
	CacheClear CacheClearCmd `cmd:"" help:"Delete the metadata cache backing store"`
	CacheStats CacheStatsCmd `cmd:"" help:"Print metadata cache counts"`
	Version    VersionCmd    `cmd:"" help:"Show version information"`
}

// env bundles the pieces every subcommand other than Shellenv/Version
// needs, assembled once from globals.
type env struct {
	log       *slog.Logger
	inventory *inventory.Store
	cache     *metacache.Cache
	registry  *registry.Client
	resolver  *resolve.Resolver
	orch      *install.Orchestrator
	ops       *ops.Ops
	baseDir   string
	binDir    string
}

func newEnv(g *globals.Globals) (*env, error) {
	opts := &slog.HandlerOptions{}
	if g.Verbose {
		opts.Level = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, opts))

	baseDir := g.BaseDir
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve base directory: %w", err)
		}
		baseDir = filepath.Join(home, ".br")
	}

	cellarDir := filepath.Join(baseDir, "Cellar")
	binDir := filepath.Join(baseDir, "bin")
	cacheDir := filepath.Join(baseDir, "cache")
	downloadDir := filepath.Join(baseDir, "downloads")
	inventoryPath := filepath.Join(baseDir, "inventory.json")

	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	cache, err := metacache.Open(filepath.Join(cacheDir, "metadata.db"))
	if err != nil {
		return nil, fmt.Errorf("open metadata cache: %w", err)
	}

	m, err := brmetrics.New()
	if err != nil {
		return nil, fmt.Errorf("initialize metrics: %w", err)
	}
	go func() {
		if err := brmetrics.ListenAndServe(g.MetricsAddr); err != nil {
			log.Error("metrics server exited", slog.String("addr", g.MetricsAddr), slog.Any("error", err))
		}
	}()

	reg := registry.New(log, cache, m)
	resolver := resolve.New(log, reg)
	verifier := verify.New()
	extractor := extract.New(log, verifier, cellarDir, binDir)
	inv := inventory.Load(log, inventoryPath)
	sink := progress.NewTerminal(os.Stdout)
	orch := install.New(log, reg, resolver, extractor, inv, cache, m, downloadDir, cellarDir, binDir, sink)
	o := ops.New(log, reg, inv)

	return &env{
		log:       log,
		inventory: inv,
		cache:     cache,
		registry:  reg,
		resolver:  resolver,
		orch:      orch,
		ops:       o,
		baseDir:   baseDir,
		binDir:    binDir,
	}, nil
}

type InstallCmd struct {
	Packages []string `arg:"" help:"Packages to install"`
	Force    bool     `help:"Reinstall even if already present" short:"f"`
}

func (cmd *InstallCmd) Run(g *globals.Globals) error {
	e, err := newEnv(g)
	if err != nil {
		return err
	}
	report, err := e.orch.Install(context.Background(), cmd.Packages, cmd.Force)
	if err != nil {
		fmt.Fprintln(os.Stderr, "install failed:", err)
		return nil
	}
	printReport(report)
	return nil
}

type UninstallCmd struct {
	Packages []string `arg:"" help:"Packages to remove"`
	Yes      bool     `help:"Do not prompt for confirmation" short:"y"`
}

func (cmd *UninstallCmd) Run(g *globals.Globals) error {
	e, err := newEnv(g)
	if err != nil {
		return err
	}
	if !cmd.Yes {
		fmt.Printf("Remove %s? [y/N] ", strings.Join(cmd.Packages, ", "))
		var answer string
		fmt.Scanln(&answer)
		if !strings.EqualFold(strings.TrimSpace(answer), "y") {
			fmt.Println("aborted")
			return nil
		}
	}
	report, err := e.orch.Uninstall(context.Background(), cmd.Packages)
	if err != nil {
		fmt.Fprintln(os.Stderr, "uninstall failed:", err)
		return nil
	}
	printReport(report)
	return nil
}

type SearchCmd struct {
	Query string `arg:"" help:"Exact package name to search for"`
	Limit int    `help:"No-op; search only ever returns an exact match" default:"1"`
}

func (cmd *SearchCmd) Run(g *globals.Globals) error {
	e, err := newEnv(g)
	if err != nil {
		return err
	}
	result, err := e.ops.Search(context.Background(), cmd.Query)
	if err != nil {
		fmt.Fprintln(os.Stderr, "search failed:", err)
		return nil
	}
	fmt.Printf("%s (%s) - %s\n", result.Name, result.Version, result.Description)
	return nil
}

type InfoCmd struct {
	Package string `arg:"" help:"Package to show metadata for"`
}

func (cmd *InfoCmd) Run(g *globals.Globals) error {
	e, err := newEnv(g)
	if err != nil {
		return err
	}
	info, err := e.ops.Info(context.Background(), cmd.Package)
	if err != nil {
		fmt.Fprintln(os.Stderr, "info failed:", err)
		return nil
	}
	fmt.Printf("%s: %s\n", info.Name, info.Description)
	fmt.Printf("Homepage: %s\n", info.Homepage)
	fmt.Printf("Version: %s\n", info.Version)
	fmt.Printf("Installed: %t\n", info.Installed)
	if len(info.Dependencies) > 0 {
		fmt.Printf("Dependencies: %s\n", strings.Join(info.Dependencies, ", "))
	}
	return nil
}

type ListCmd struct{}

func (cmd *ListCmd) Run(g *globals.Globals) error {
	e, err := newEnv(g)
	if err != nil {
		return err
	}
	entries := e.ops.List()
	if len(entries) == 0 {
		fmt.Println("no packages installed")
		return nil
	}
	fmt.Printf("%-20s %-15s %s\n", "Package", "Version", "Path")
	for _, entry := range entries {
		fmt.Printf("%-20s %-15s %s\n", entry.Name, entry.Version, entry.Path)
	}
	return nil
}

type OutdatedCmd struct{}

func (cmd *OutdatedCmd) Run(g *globals.Globals) error {
	e, err := newEnv(g)
	if err != nil {
		return err
	}
	entries, err := e.ops.Outdated(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "outdated failed:", err)
		return nil
	}
	if len(entries) == 0 {
		fmt.Println("everything up to date")
		return nil
	}
	for _, entry := range entries {
		fmt.Printf("%s: %s -> %s (%s)\n", entry.Name, entry.InstalledVersion, entry.UpstreamVersion, entry.Direction)
	}
	return nil
}

type UpgradeCmd struct{}

func (cmd *UpgradeCmd) Run(g *globals.Globals) error {
	e, err := newEnv(g)
	if err != nil {
		return err
	}
	report, err := e.orch.Upgrade(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "upgrade failed:", err)
		return nil
	}
	printReport(report)
	return nil
}

type CleanupCmd struct{}

func (cmd *CleanupCmd) Run(g *globals.Globals) error {
	e, err := newEnv(g)
	if err != nil {
		return err
	}
	report, err := e.orch.Cleanup(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "cleanup failed:", err)
		return nil
	}
	fmt.Printf("removed %d tarballs, %d stale versions, %d expired cache entries, freed %s\n",
		report.TarballsRemoved, report.StaleVersionsRemoved, report.CacheEntriesRemoved, humanize.Bytes(uint64(report.BytesFreed)))
	return nil
}

type DoctorCmd struct{}

func (cmd *DoctorCmd) Run(g *globals.Globals) error {
	e, err := newEnv(g)
	if err != nil {
		return err
	}
	report, err := e.orch.Doctor(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "doctor failed:", err)
		return nil
	}
	fmt.Printf("bin directory on PATH: %t\n", report.BinDirOnPath)
	fmt.Printf("metadata cache: %d total, %d valid, %d expired\n", report.CacheStats.Total, report.CacheStats.Valid, report.CacheStats.Expired)
	if len(report.BrokenSymlinks) == 0 {
		fmt.Println("no broken symlinks")
	} else {
		fmt.Println("broken symlinks:")
		for _, link := range report.BrokenSymlinks {
			fmt.Println(" ", link)
		}
	}
	if len(report.MissingPaths) == 0 {
		fmt.Println("no missing install paths")
	} else {
		fmt.Println("inventory entries with missing install paths:")
		for _, name := range report.MissingPaths {
			fmt.Println(" ", name)
		}
	}
	return nil
}

type ShellenvCmd struct{}

func (cmd *ShellenvCmd) Run(g *globals.Globals) error {
	baseDir := g.BaseDir
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve base directory: %w", err)
		}
		baseDir = filepath.Join(home, ".br")
	}
	snippet := shellenv.For(os.Getenv("SHELL"), filepath.Join(baseDir, "bin"))
	fmt.Printf("Add this to your %s:\n\n%s\n", snippet.ProfilePath, snippet.Export)
	return nil
}

type CacheClearCmd struct{}

func (cmd *CacheClearCmd) Run(g *globals.Globals) error {
	e, err := newEnv(g)
	if err != nil {
		return err
	}
	if err := e.cache.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "cache-clear failed:", err)
		return nil
	}
	if err := os.Remove(filepath.Join(e.baseDir, "cache", "metadata.db")); err != nil && !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, "cache-clear failed:", err)
		return nil
	}
	fmt.Println("cache cleared")
	return nil
}

type CacheStatsCmd struct{}

func (cmd *CacheStatsCmd) Run(g *globals.Globals) error {
	e, err := newEnv(g)
	if err != nil {
		return err
	}
	stats, err := e.cache.Stats(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "cache-stats failed:", err)
		return nil
	}
	fmt.Printf("total: %d, valid: %d, expired: %d\n", stats.Total, stats.Valid, stats.Expired)
	return nil
}

type VersionCmd struct{}

func (cmd *VersionCmd) Run(g *globals.Globals) error {
	fmt.Println(Version)
	return nil
}

func printReport(report install.Report) {
	for _, r := range report.Results {
		switch {
		case r.Err != nil:
			fmt.Printf("%s: error: %v\n", r.Name, r.Err)
		case r.Skipped:
			fmt.Printf("%s: skipped\n", r.Name)
		default:
			fmt.Printf("%s: %s\n", r.Name, r.Version)
		}
	}
}

func main() {
	cli := CLI{}

	ctx := kong.Parse(&cli,
		kong.Name("br"),
		kong.Description("Install prebuilt binary bottles"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	err := ctx.Run(&cli.Globals)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
}
