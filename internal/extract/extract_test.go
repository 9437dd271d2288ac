package extract

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/samukelogift/br/internal/verify"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type tarEntry struct {
	name string
	body string
	mode int64
	dir  bool
}

func buildTarball(t *testing.T, entries []tarEntry) (path string, sha256hex string) {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for _, e := range entries {
		mode := e.mode
		if mode == 0 {
			mode = 0o644
		}
		if e.dir {
			if err := tw.WriteHeader(&tar.Header{Name: e.name, Typeflag: tar.TypeDir, Mode: 0o755}); err != nil {
				t.Fatalf("failed to write dir header: %v", err)
			}
			continue
		}
		header := &tar.Header{Name: e.name, Typeflag: tar.TypeReg, Mode: mode, Size: int64(len(e.body))}
		if err := tw.WriteHeader(header); err != nil {
			t.Fatalf("failed to write header for %s: %v", e.name, err)
		}
		if _, err := tw.Write([]byte(e.body)); err != nil {
			t.Fatalf("failed to write body for %s: %v", e.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("failed to close tar writer: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("failed to close gzip writer: %v", err)
	}

	path = filepath.Join(t.TempDir(), "bottle.tar.gz")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("failed to write tarball: %v", err)
	}

	sum := sha256.Sum256(buf.Bytes())
	return path, hex.EncodeToString(sum[:])
}

func TestExtract(t *testing.T) {
	t.Run("a payload rooted at name/version is moved into the cellar", func(t *testing.T) {
		path, digest := buildTarball(t, []tarEntry{
			{name: "jq/1.7.1/bin/jq", body: "#!/bin/sh\necho jq", mode: 0o644},
			{name: "jq/1.7.1/share/doc/jq/README", body: "docs"},
		})

		cellar := t.TempDir()
		binDir := t.TempDir()
		e := New(discardLogger(), verify.New(), cellar, binDir)

		result, err := e.Extract("jq", "1.7.1", path, digest)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Path != filepath.Join(cellar, "jq", "1.7.1") {
			t.Errorf("unexpected result path: %s", result.Path)
		}
		if len(result.Symlinks) != 1 {
			t.Fatalf("expected one symlink, got %v", result.Symlinks)
		}

		linked := filepath.Join(binDir, "jq")
		target, err := os.Readlink(linked)
		if err != nil {
			t.Fatalf("expected %s to be a symlink: %v", linked, err)
		}
		if target != filepath.Join(cellar, "jq", "1.7.1", "bin", "jq") {
			t.Errorf("unexpected symlink target: %s", target)
		}

		info, err := os.Stat(target)
		if err != nil {
			t.Fatalf("failed to stat linked binary: %v", err)
		}
		if info.Mode()&0o111 == 0 {
			t.Error("expected linked binary to be executable")
		}

		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Error("expected tarball to be removed after successful extraction")
		}
	})

	t.Run("a hash mismatch deletes the tarball and reports an integrity error", func(t *testing.T) {
		path, _ := buildTarball(t, []tarEntry{{name: "jq/bin/jq", body: "x"}})

		e := New(discardLogger(), verify.New(), t.TempDir(), t.TempDir())
		_, err := e.Extract("jq", "1.7.1", path, "0000000000000000000000000000000000000000000000000000000000000000"[:64])
		if err == nil {
			t.Fatal("expected an integrity error")
		}
		if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
			t.Error("expected tarball to be removed on integrity failure")
		}
	})

	t.Run("a payload rooted only at name falls back correctly", func(t *testing.T) {
		path, digest := buildTarball(t, []tarEntry{
			{name: "wget/bin/wget", body: "binary"},
		})

		cellar := t.TempDir()
		e := New(discardLogger(), verify.New(), cellar, t.TempDir())
		result, err := e.Extract("wget", "1.0", path, digest)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := os.Stat(filepath.Join(result.Path, "bin", "wget")); err != nil {
			t.Errorf("expected binary under result path: %v", err)
		}
	})

	t.Run("a flat payload with no name prefix is used as-is", func(t *testing.T) {
		path, digest := buildTarball(t, []tarEntry{
			{name: "bin/curl", body: "binary"},
		})

		cellar := t.TempDir()
		e := New(discardLogger(), verify.New(), cellar, t.TempDir())
		result, err := e.Extract("curl", "8.0", path, digest)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := os.Stat(filepath.Join(result.Path, "bin", "curl")); err != nil {
			t.Errorf("expected binary under result path: %v", err)
		}
	})

	t.Run("a path-traversal tar entry is rejected", func(t *testing.T) {
		path, digest := buildTarball(t, []tarEntry{
			{name: "../../etc/passwd", body: "evil"},
		})

		e := New(discardLogger(), verify.New(), t.TempDir(), t.TempDir())
		_, err := e.Extract("evil", "1.0", path, digest)
		if err == nil {
			t.Fatal("expected a path-traversal error")
		}
	})

	t.Run("re-extracting a version clears the previous destination", func(t *testing.T) {
		cellar := t.TempDir()
		binDir := t.TempDir()
		e := New(discardLogger(), verify.New(), cellar, binDir)

		path1, digest1 := buildTarball(t, []tarEntry{
			{name: "app/bin/app", body: "v1"},
			{name: "app/stale-file", body: "old"},
		})
		if _, err := e.Extract("app", "1.0", path1, digest1); err != nil {
			t.Fatalf("first extract failed: %v", err)
		}

		path2, digest2 := buildTarball(t, []tarEntry{
			{name: "app/bin/app", body: "v2"},
		})
		result, err := e.Extract("app", "1.0", path2, digest2)
		if err != nil {
			t.Fatalf("second extract failed: %v", err)
		}
		if _, err := os.Stat(filepath.Join(result.Path, "stale-file")); !os.IsNotExist(err) {
			t.Error("expected stale file from the prior extraction to be gone")
		}
	})
}
