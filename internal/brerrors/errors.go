// Package brerrors defines the error taxonomy shared across the install
// engine, so callers can classify failures with errors.Is/As instead of
// string matching.
package brerrors

import "errors"

var (
	// ErrUnsupportedPlatform means the platform descriptor cannot
	// classify the host.
	ErrUnsupportedPlatform = errors.New("unsupported platform")

	// ErrMetadataAbsent means the registry returned 404 or every retry
	// of a transient failure was exhausted.
	ErrMetadataAbsent = errors.New("package metadata not found")

	// ErrNoBottleForPlatform means metadata exists but carries no
	// bottle file for the current OS flavor.
	ErrNoBottleForPlatform = errors.New("no bottle for platform")

	// ErrIntegrity means a downloaded artifact's SHA-256 did not match
	// the expected digest.
	ErrIntegrity = errors.New("integrity verification failed")

	// ErrInventoryCorruption means the on-disk inventory file could not
	// be parsed and was reset to empty.
	ErrInventoryCorruption = errors.New("inventory file corrupt")

	// ErrNotInstalled means an uninstall was requested for a package
	// absent from the inventory.
	ErrNotInstalled = errors.New("package not installed")
)

// ResolutionMissingMetadataError reports that dependency resolution
// could not fetch metadata for a visited package, aborting the plan.
type ResolutionMissingMetadataError struct {
	Name string
}

func (e *ResolutionMissingMetadataError) Error() string {
	return "resolution: missing metadata for " + e.Name
}

func (e *ResolutionMissingMetadataError) Unwrap() error {
	return ErrMetadataAbsent
}
