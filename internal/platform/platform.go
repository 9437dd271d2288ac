// Package platform produces the OS-flavor string used to index bottle
// variants in upstream metadata.
package platform

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/samukelogift/br/internal/brerrors"
)

// macOSCodenames maps a major macOS version to its marketing codename.
// Unknown versions fall back to "ventura".
var macOSCodenames = map[string]string{
	"26": "tahoe",
	"15": "sequoia",
	"14": "sonoma",
	"13": "ventura",
	"12": "monterey",
	"11": "big_sur",
	"10.15": "catalina",
}

const fallbackCodename = "ventura"

// Flavor returns the <arch>_<codename> (macOS) or x86_64_linux (Linux)
// string used as a key into a formula's bottle file map.
func Flavor() (string, error) {
	switch runtime.GOOS {
	case "linux":
		return "x86_64_linux", nil
	case "darwin":
		return darwinFlavor()
	default:
		return "", fmt.Errorf("%w: %s", brerrors.ErrUnsupportedPlatform, runtime.GOOS)
	}
}

func darwinFlavor() (string, error) {
	major, err := darwinMajorVersion()
	if err != nil {
		return "", err
	}
	arch := "x86_64"
	if runtime.GOARCH == "arm64" {
		arch = "arm64"
	}
	codename, ok := macOSCodenames[major]
	if !ok {
		codename = fallbackCodename
	}
	return fmt.Sprintf("%s_%s", arch, codename), nil
}

// darwinMajorVersion returns the leading component(s) of the macOS
// product version, e.g. "14" from "14.5" or "10.15" from "10.15.7".
// It is a var so tests can stub it without needing a real Darwin host.
var darwinMajorVersion = func() (string, error) {
	ver, err := macOSProductVersion()
	if err != nil {
		return "", err
	}
	parts := strings.Split(ver, ".")
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: empty macOS version", brerrors.ErrUnsupportedPlatform)
	}
	if parts[0] == "10" && len(parts) > 1 {
		return parts[0] + "." + parts[1], nil
	}
	return parts[0], nil
}

// macOSProductVersion shells out to sw_vers, the standard way to read
// the running system's marketing version on macOS.
func macOSProductVersion() (string, error) {
	out, err := exec.Command("sw_vers", "-productVersion").Output()
	if err != nil {
		return "", fmt.Errorf("%w: failed to read macOS version: %v", brerrors.ErrUnsupportedPlatform, err)
	}
	return strings.TrimSpace(string(out)), nil
}
