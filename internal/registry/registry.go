// Package registry is the client for the upstream formula registry: it
// fetches package metadata JSON, obtains short-lived bearer tokens, and
// streams bottle tarballs, retrying transient failures.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/samukelogift/br/internal/brerrors"
	"github.com/samukelogift/br/internal/formula"
	"github.com/samukelogift/br/internal/metacache"
	"github.com/samukelogift/br/internal/metrics"
	"github.com/samukelogift/br/internal/progress"
	"github.com/samukelogift/br/internal/retry"
)

const (
	// UserAgent is sent on every upstream HTTP request.
	UserAgent = "BrPackageManager/0.2"

	requestTimeout = 15 * time.Second
	chunkSize      = 8 * 1024
)

// FormulaAPIBase is the Homebrew formulae metadata API. A var, not a
// const, so tests can point it at an httptest server.
var FormulaAPIBase = "https://formulae.brew.sh/api/formula"

// tokenURLFormat is the GHCR anonymous-pull token endpoint template; %s
// is the package name. A var for the same reason as FormulaAPIBase.
var tokenURLFormat = "https://ghcr.io/token?service=ghcr.io&scope=repository:homebrew/core/%s:pull"

// Client fetches formula metadata and bottle artifacts.
type Client struct {
	log     *slog.Logger
	cache   *metacache.Cache
	metrics metrics.Metrics
	http    *http.Client
	ttl     time.Duration
}

// New creates a registry Client. cache may be nil to disable caching
// (every fetch then hits the network).
func New(log *slog.Logger, cache *metacache.Cache, m metrics.Metrics) *Client {
	return &Client{
		log:     log,
		cache:   cache,
		metrics: m,
		http:    &http.Client{Timeout: requestTimeout},
		ttl:     metacache.DefaultTTL,
	}
}

// FetchMetadata returns the metadata record for name. If forceRefresh is
// false and the cache holds a valid record, it is returned without a
// network call. A 404 is the authoritative "package does not exist" and
// is reported as brerrors.ErrMetadataAbsent, same as retry exhaustion.
func (c *Client) FetchMetadata(ctx context.Context, name string, forceRefresh bool) (formula.Record, error) {
	if !forceRefresh && c.cache != nil {
		if rec, ok, err := c.cache.Get(ctx, name); err == nil && ok {
			c.log.Debug("metadata cache hit", slog.String("package", name))
			c.metrics.IncrementCacheHit(ctx)
			return rec, nil
		}
	}
	c.metrics.IncrementCacheMiss(ctx)

	url := fmt.Sprintf("%s/%s.json", FormulaAPIBase, name)

	var rec formula.Record
	var absent bool
	err := retry.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", UserAgent)

		resp, err := c.http.Do(req)
		if err != nil {
			c.log.Debug("metadata fetch transient error", slog.String("package", name), slog.Any("error", err))
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
				return fmt.Errorf("decode metadata for %s: %w", name, err)
			}
			return nil
		case resp.StatusCode == http.StatusNotFound:
			absent = true
			return nil
		default:
			return fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, name)
		}
	})

	if absent {
		return formula.Record{}, brerrors.ErrMetadataAbsent
	}
	if err != nil {
		c.log.Debug("metadata fetch exhausted retries", slog.String("package", name), slog.Any("error", err))
		return formula.Record{}, brerrors.ErrMetadataAbsent
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, name, rec, c.ttl); err != nil {
			c.log.Warn("failed to cache metadata", slog.String("package", name), slog.Any("error", err))
		}
	}
	return rec, nil
}

// FetchToken obtains a short-lived bearer token scoped to pull name from
// the GHCR-hosted bottle repository. Per spec this call is wrapped in
// the shared retry policy, fixing the source's single-attempt gap where
// one transient failure would otherwise masquerade as a download
// failure.
func (c *Client) FetchToken(ctx context.Context, name string) (string, error) {
	url := fmt.Sprintf(tokenURLFormat, name)

	var token string
	err := retry.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", UserAgent)

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("token request for %s: unexpected status %d", name, resp.StatusCode)
		}

		var body struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("decode token response for %s: %w", name, err)
		}
		token = body.Token
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("fetch bearer token for %s: %w", name, err)
	}
	return token, nil
}

// StreamBottle downloads the artifact at url, authenticated with
// bearerToken, to outPath, reporting bytes written to sink. A retry
// restarts the stream from byte zero, truncating any partial output.
func (c *Client) StreamBottle(ctx context.Context, pkg, url, bearerToken, outPath string, sink progress.Sink, taskID string) error {
	return retry.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", UserAgent)
		req.Header.Set("Authorization", "Bearer "+bearerToken)

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("download %s: unexpected status %d", url, resp.StatusCode)
		}

		if resp.ContentLength > 0 {
			sink.SetTotal(taskID, resp.ContentLength)
		}

		out, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create %s: %w", outPath, err)
		}
		defer out.Close()

		buf := make([]byte, chunkSize)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				if _, writeErr := out.Write(buf[:n]); writeErr != nil {
					return fmt.Errorf("write %s: %w", outPath, writeErr)
				}
				sink.Advance(taskID, int64(n))
				c.metrics.AddDownloadedBytes(ctx, pkg, int64(n))
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				return fmt.Errorf("read body for %s: %w", url, readErr)
			}
		}
		return nil
	})
}
