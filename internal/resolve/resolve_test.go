package resolve

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/samukelogift/br/internal/brerrors"
	"github.com/samukelogift/br/internal/formula"
)

type fakeFetcher struct {
	records map[string]formula.Record
	calls   map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{records: make(map[string]formula.Record), calls: make(map[string]int)}
}

func (f *fakeFetcher) add(name string, deps ...string) {
	f.records[name] = formula.Record{
		Name:         name,
		Versions:     formula.Versions{Stable: "1.0.0"},
		Dependencies: deps,
	}
}

func (f *fakeFetcher) FetchMetadata(ctx context.Context, name string, forceRefresh bool) (formula.Record, error) {
	f.calls[name]++
	rec, ok := f.records[name]
	if !ok {
		return formula.Record{}, brerrors.ErrMetadataAbsent
	}
	return rec, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolve(t *testing.T) {
	t.Run("single package with no dependencies", func(t *testing.T) {
		f := newFakeFetcher()
		f.add("jq")

		r := New(discardLogger(), f)
		plan, err := r.Resolve(context.Background(), []string{"jq"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if diff := cmp.Diff([]string{"jq"}, plan.Names()); diff != "" {
			t.Error(diff)
		}
	})

	t.Run("transitive dependencies are included and flattened", func(t *testing.T) {
		f := newFakeFetcher()
		f.add("app", "libA", "libB")
		f.add("libA", "libC")
		f.add("libB")
		f.add("libC")

		r := New(discardLogger(), f)
		plan, err := r.Resolve(context.Background(), []string{"app"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if plan.Len() != 4 {
			t.Fatalf("expected 4 packages in plan, got %d: %v", plan.Len(), plan.Names())
		}
		for _, name := range []string{"app", "libA", "libB", "libC"} {
			if _, ok := plan.Entry(name); !ok {
				t.Errorf("expected %s in plan", name)
			}
		}
	})

	t.Run("a cycle does not loop forever and each node visits once", func(t *testing.T) {
		f := newFakeFetcher()
		f.add("a", "b")
		f.add("b", "a")

		r := New(discardLogger(), f)
		plan, err := r.Resolve(context.Background(), []string{"a"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if diff := cmp.Diff([]string{"a", "b"}, plan.Names(), cmpopts.SortSlices(func(a, b string) bool { return a < b })); diff != "" {
			t.Error(diff)
		}
	})

	t.Run("a shared dependency across two roots is fetched only once", func(t *testing.T) {
		f := newFakeFetcher()
		f.add("app1", "shared")
		f.add("app2", "shared")
		f.add("shared")

		r := New(discardLogger(), f)
		plan, err := r.Resolve(context.Background(), []string{"app1", "app2"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if plan.Len() != 3 {
			t.Fatalf("expected 3 packages, got %d", plan.Len())
		}
		if f.calls["shared"] != 1 {
			t.Errorf("expected shared to be fetched once, got %d", f.calls["shared"])
		}
	})

	t.Run("missing metadata for a dependency aborts the entire plan", func(t *testing.T) {
		f := newFakeFetcher()
		f.add("app", "absent-dep")

		r := New(discardLogger(), f)
		_, err := r.Resolve(context.Background(), []string{"app"})
		if err == nil {
			t.Fatal("expected an error")
		}
		var missing *brerrors.ResolutionMissingMetadataError
		if !errors.As(err, &missing) {
			t.Fatalf("expected a ResolutionMissingMetadataError, got %v", err)
		}
		if missing.Name != "absent-dep" {
			t.Errorf("expected absent-dep, got %s", missing.Name)
		}
		if !errors.Is(err, brerrors.ErrMetadataAbsent) {
			t.Error("expected error to unwrap to ErrMetadataAbsent")
		}
	})

	t.Run("entry requested_by reflects the direct parent", func(t *testing.T) {
		f := newFakeFetcher()
		f.add("app", "lib")
		f.add("lib")

		r := New(discardLogger(), f)
		plan, err := r.Resolve(context.Background(), []string{"app"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		root, _ := plan.Entry("app")
		if root.RequestedBy != RootRequest {
			t.Errorf("expected root requested_by %q, got %q", RootRequest, root.RequestedBy)
		}
		lib, _ := plan.Entry("lib")
		if lib.RequestedBy != "app" {
			t.Errorf("expected lib requested_by app, got %q", lib.RequestedBy)
		}
	})
}
