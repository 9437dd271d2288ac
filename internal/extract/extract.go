// Package extract unpacks a verified bottle tarball into a versioned
// Cellar directory with a normalized layout, then links its executables
// into the shared bin directory.
package extract

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/samukelogift/br/internal/brerrors"
	"github.com/samukelogift/br/internal/verify"
)

// Result describes a completed extraction.
type Result struct {
	Name     string
	Version  string
	Path     string
	Symlinks []string
}

// Extractor unpacks tarballs into a Cellar directory and links
// executables into a shared bin directory.
type Extractor struct {
	log      *slog.Logger
	verifier *verify.Verifier
	cellar   string
	binDir   string
}

// New creates an Extractor rooted at cellar (holds <name>/<version>
// trees) and binDir (the shared symlink directory).
func New(log *slog.Logger, verifier *verify.Verifier, cellar, binDir string) *Extractor {
	return &Extractor{log: log, verifier: verifier, cellar: cellar, binDir: binDir}
}

// Extract verifies tarballPath against expectedSHA256, unpacks it into
// Cellar/<name>/<version>, and links any bin/sbin executables into the
// shared bin directory. The tarball is deleted on integrity failure and
// once its payload has been moved into the Cellar (before linking, so a
// link failure does not keep it); on any earlier failure it is left for
// cleanup.
func (e *Extractor) Extract(name, version, tarballPath, expectedSHA256 string) (Result, error) {
	ok, err := e.verifier.Verify(tarballPath, expectedSHA256)
	if err != nil {
		return Result{}, fmt.Errorf("extract %s: hash file: %w", name, err)
	}
	if !ok {
		_ = os.Remove(tarballPath)
		return Result{}, fmt.Errorf("%w: %s", brerrors.ErrIntegrity, name)
	}

	final := filepath.Join(e.cellar, name, version)
	if err := os.RemoveAll(final); err != nil {
		return Result{}, fmt.Errorf("extract %s: clear destination: %w", name, err)
	}
	if err := os.MkdirAll(final, 0o755); err != nil {
		return Result{}, fmt.Errorf("extract %s: create destination: %w", name, err)
	}

	tmp, err := os.MkdirTemp("", "br-extract-"+name+"-*")
	if err != nil {
		return Result{}, fmt.Errorf("extract %s: create temp dir: %w", name, err)
	}
	defer os.RemoveAll(tmp)

	if err := untarGzip(tarballPath, tmp); err != nil {
		return Result{}, fmt.Errorf("extract %s: %w", name, err)
	}

	payloadRoot := locatePayloadRoot(tmp, name, version)
	if err := movePayload(payloadRoot, final); err != nil {
		return Result{}, fmt.Errorf("extract %s: %w", name, err)
	}

	if err := os.Remove(tarballPath); err != nil && !os.IsNotExist(err) {
		e.log.Warn("failed to remove tarball after extraction", slog.String("path", tarballPath), slog.Any("error", err))
	}

	symlinks, err := e.link(final)
	if err != nil {
		return Result{}, fmt.Errorf("extract %s: link: %w", name, err)
	}

	return Result{Name: name, Version: version, Path: final, Symlinks: symlinks}, nil
}

// locatePayloadRoot accepts the first of <tmp>/<name>/<version>,
// <tmp>/<name>, or <tmp> itself that exists, in that order, since
// upstream bottles nest their content one or two levels deep.
func locatePayloadRoot(tmp, name, version string) string {
	candidates := []string{
		filepath.Join(tmp, name, version),
		filepath.Join(tmp, name),
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && info.IsDir() {
			return c
		}
	}
	return tmp
}

func movePayload(root, final string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("read payload root %s: %w", root, err)
	}
	for _, entry := range entries {
		src := filepath.Join(root, entry.Name())
		dst := filepath.Join(final, entry.Name())
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("move %s to %s: %w", src, dst, err)
		}
	}
	return nil
}

// link scans final/bin and final/sbin for regular files, ensures their
// executable bits are set, and symlinks them into the shared bin
// directory, replacing any existing file or link of the same name.
func (e *Extractor) link(final string) ([]string, error) {
	var symlinks []string

	if err := os.MkdirAll(e.binDir, 0o755); err != nil {
		return nil, fmt.Errorf("create bin directory: %w", err)
	}

	for _, sub := range []string{"bin", "sbin"} {
		dir := filepath.Join(final, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", dir, err)
		}

		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				return nil, fmt.Errorf("stat %s: %w", entry.Name(), err)
			}
			if !info.Mode().IsRegular() {
				continue
			}

			target := filepath.Join(dir, entry.Name())
			if err := os.Chmod(target, info.Mode()|0o111); err != nil {
				return nil, fmt.Errorf("chmod %s: %w", target, err)
			}

			link := filepath.Join(e.binDir, entry.Name())
			if _, err := os.Lstat(link); err == nil {
				if err := os.Remove(link); err != nil {
					return nil, fmt.Errorf("remove existing link %s: %w", link, err)
				}
			}
			if err := os.Symlink(target, link); err != nil {
				return nil, fmt.Errorf("symlink %s -> %s: %w", link, target, err)
			}
			symlinks = append(symlinks, link)
		}
	}

	return symlinks, nil
}

func untarGzip(tarballPath, destDir string) error {
	f, err := os.Open(tarballPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", tarballPath, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("gzip reader for %s: %w", tarballPath, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		target, err := safeJoin(destDir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("mkdir %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("mkdir %s: %w", filepath.Dir(target), err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(header.Mode)&0o777|0o200)
			if err != nil {
				return fmt.Errorf("create %s: %w", target, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("write %s: %w", target, err)
			}
			out.Close()
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("mkdir %s: %w", filepath.Dir(target), err)
			}
			_ = os.Remove(target)
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("symlink %s: %w", target, err)
			}
		default:
			// Other entry types (hardlinks, devices, fifos) are not
			// expected in bottle tarballs and are skipped.
		}
	}
}

// safeJoin joins dir and name, rejecting paths that would escape dir via
// ".." traversal in a malicious or corrupt tar entry.
func safeJoin(dir, name string) (string, error) {
	target := filepath.Join(dir, name)
	if target != dir && !pathHasPrefix(target, dir) {
		return "", fmt.Errorf("tar entry %q escapes destination directory", name)
	}
	return target, nil
}

func pathHasPrefix(path, prefix string) bool {
	rel, err := filepath.Rel(prefix, path)
	if err != nil {
		return false
	}
	return rel != ".." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.' &&
		(len(rel) == 2 || rel[2] == os.PathSeparator)
}
