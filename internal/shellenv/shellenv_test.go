package shellenv

import "testing"

func TestFor(t *testing.T) {
	cases := []struct {
		name        string
		shellEnv    string
		binDir      string
		wantProfile string
	}{
		{"zsh selects .zshrc", "/bin/zsh", "/home/u/.br/bin", "~/.zshrc"},
		{"fish selects fish config", "/usr/local/bin/fish", "/home/u/.br/bin", "~/.config/fish/config.fish"},
		{"bash selects .bashrc", "/bin/bash", "/home/u/.br/bin", "~/.bashrc"},
		{"an unrecognized shell falls back to .bashrc", "", "/home/u/.br/bin", "~/.bashrc"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			snippet := For(c.shellEnv, c.binDir)
			if snippet.ProfilePath != c.wantProfile {
				t.Errorf("expected profile %s, got %s", c.wantProfile, snippet.ProfilePath)
			}
			wantExport := `export PATH="` + c.binDir + `:$PATH"`
			if snippet.Export != wantExport {
				t.Errorf("expected export %q, got %q", wantExport, snippet.Export)
			}
		})
	}
}
