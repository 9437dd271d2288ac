// Package shellenv produces the PATH export snippet for the shellenv
// command, selecting a profile path from the user's detected shell.
package shellenv

import (
	"fmt"
	"strings"
)

// Snippet is the profile path a user should edit and the export line
// to add to it.
type Snippet struct {
	ProfilePath string
	Export      string
}

// For detects the shell from the SHELL environment variable's value
// and returns the matching profile path and PATH export line for
// binDir. Detection order is zsh, then fish, else bash.
func For(shellEnv, binDir string) Snippet {
	profile := "~/.bashrc"
	switch {
	case strings.Contains(shellEnv, "zsh"):
		profile = "~/.zshrc"
	case strings.Contains(shellEnv, "fish"):
		profile = "~/.config/fish/config.fish"
	}
	return Snippet{
		ProfilePath: profile,
		Export:      fmt.Sprintf("export PATH=%q", binDir+":$PATH"),
	}
}
