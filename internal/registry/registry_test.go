package registry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/samukelogift/br/internal/brerrors"
	"github.com/samukelogift/br/internal/formula"
	"github.com/samukelogift/br/internal/metacache"
	"github.com/samukelogift/br/internal/metrics"
	"github.com/samukelogift/br/internal/progress"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func withFormulaAPIBase(t *testing.T, base string) {
	t.Helper()
	restore := FormulaAPIBase
	FormulaAPIBase = base
	t.Cleanup(func() { FormulaAPIBase = restore })
}

func withTokenURLFormat(t *testing.T, format string) {
	t.Helper()
	restore := tokenURLFormat
	tokenURLFormat = format
	t.Cleanup(func() { tokenURLFormat = restore })
}

func openCache(t *testing.T) *metacache.Cache {
	t.Helper()
	c, err := metacache.Open(filepath.Join(t.TempDir(), "metadata.db"))
	if err != nil {
		t.Fatalf("failed to open cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestFetchMetadata(t *testing.T) {
	t.Run("a 200 response decodes and is cached for the next call", func(t *testing.T) {
		var hits int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			json.NewEncoder(w).Encode(formula.Record{Name: "jq", Versions: formula.Versions{Stable: "1.7.1"}})
		}))
		defer srv.Close()

		c := New(discardLogger(), openCache(t), metrics.Metrics{})
		c.http = srv.Client()
		withFormulaAPIBase(t, srv.URL)

		rec, err := c.FetchMetadata(context.Background(), "jq", false)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Versions.Stable != "1.7.1" {
			t.Errorf("unexpected version: %s", rec.Versions.Stable)
		}

		if _, err := c.FetchMetadata(context.Background(), "jq", false); err != nil {
			t.Fatalf("unexpected error on cached fetch: %v", err)
		}
		if atomic.LoadInt32(&hits) != 1 {
			t.Errorf("expected exactly 1 network call due to caching, got %d", hits)
		}
	})

	t.Run("a 404 reports ErrMetadataAbsent without retrying", func(t *testing.T) {
		var hits int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		c := New(discardLogger(), openCache(t), metrics.Metrics{})
		c.http = srv.Client()
		withFormulaAPIBase(t, srv.URL)

		_, err := c.FetchMetadata(context.Background(), "does-not-exist", false)
		if !errors.Is(err, brerrors.ErrMetadataAbsent) {
			t.Fatalf("expected ErrMetadataAbsent, got %v", err)
		}
		if atomic.LoadInt32(&hits) != 1 {
			t.Errorf("expected exactly 1 request for a 404, got %d", hits)
		}
	})

	t.Run("a transient failure is retried and eventually succeeds", func(t *testing.T) {
		var attempts int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&attempts, 1) < 2 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			json.NewEncoder(w).Encode(formula.Record{Name: "curl", Versions: formula.Versions{Stable: "8.0"}})
		}))
		defer srv.Close()

		c := New(discardLogger(), openCache(t), metrics.Metrics{})
		c.http = srv.Client()
		withFormulaAPIBase(t, srv.URL)

		rec, err := c.FetchMetadata(context.Background(), "curl", false)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if rec.Versions.Stable != "8.0" {
			t.Errorf("unexpected version: %s", rec.Versions.Stable)
		}
		if atomic.LoadInt32(&attempts) != 2 {
			t.Errorf("expected 2 attempts, got %d", attempts)
		}
	})

	t.Run("forceRefresh bypasses a valid cache entry", func(t *testing.T) {
		var hits int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&hits, 1)
			json.NewEncoder(w).Encode(formula.Record{Name: "wget", Versions: formula.Versions{Stable: "1.24"}})
		}))
		defer srv.Close()

		c := New(discardLogger(), openCache(t), metrics.Metrics{})
		c.http = srv.Client()
		withFormulaAPIBase(t, srv.URL)

		if _, err := c.FetchMetadata(context.Background(), "wget", false); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := c.FetchMetadata(context.Background(), "wget", true); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if atomic.LoadInt32(&hits) != 2 {
			t.Errorf("expected forceRefresh to bypass the cache, got %d network calls", hits)
		}
	})
}

func TestStreamBottle(t *testing.T) {
	t.Run("a bottle is streamed to disk with the bearer token", func(t *testing.T) {
		payload := []byte("bottle-bytes-of-some-length")
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer test-token" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Length", "27")
			w.Write(payload)
		}))
		defer srv.Close()

		c := New(discardLogger(), nil, metrics.Metrics{})
		c.http = srv.Client()

		outPath := filepath.Join(t.TempDir(), "out.tar.gz")
		sink := progress.NoOp{}
		taskID := sink.Start("jq")

		if err := c.StreamBottle(context.Background(), "jq", srv.URL, "test-token", outPath, sink, taskID); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		got, err := os.ReadFile(outPath)
		if err != nil {
			t.Fatalf("failed to read output: %v", err)
		}
		if string(got) != string(payload) {
			t.Errorf("expected payload to match, got %q", got)
		}
	})

	t.Run("a non-200 response is retried and eventually returns an error", func(t *testing.T) {
		var attempts int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&attempts, 1)
			w.WriteHeader(http.StatusForbidden)
		}))
		defer srv.Close()

		c := New(discardLogger(), nil, metrics.Metrics{})
		c.http = srv.Client()

		outPath := filepath.Join(t.TempDir(), "out.tar.gz")
		err := c.StreamBottle(context.Background(), "jq", srv.URL, "bad-token", outPath, progress.NoOp{}, "task")
		if err == nil {
			t.Fatal("expected an error")
		}
		if atomic.LoadInt32(&attempts) != 3 {
			t.Errorf("expected 3 attempts, got %d", attempts)
		}
	})
}

func TestFetchToken(t *testing.T) {
	t.Run("a 200 response with a token body decodes correctly", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{"token": "abc123"})
		}))
		defer srv.Close()

		c := New(discardLogger(), nil, metrics.Metrics{})
		c.http = srv.Client()
		withTokenURLFormat(t, srv.URL+"?x=%s")

		token, err := c.FetchToken(context.Background(), "jq")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if token != "abc123" {
			t.Errorf("expected abc123, got %s", token)
		}
	})
}
