// Package globals holds the flags shared by every CLI subcommand,
// mirroring the teacher's cmd/globals package.
package globals

// Globals are flags common to every subcommand.
type Globals struct {
	Verbose     bool   `help:"Enable verbose debug logging" short:"v" env:"BR_VERBOSE"`
	BaseDir     string `help:"Base directory for Cellar, bin, cache, and inventory" env:"BR_BASE_DIR"`
	MetricsAddr string `help:"Address for the Prometheus metrics endpoint" default:":9091" env:"BR_METRICS_ADDR"`
}
