package watchers

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/daemonid"
	"github.com/wardenhq/warden/internal/registry"
)

func TestGlobMatchDoubleStarMatchesNestedPaths(t *testing.T) {
	if !globMatch("/proj/src/**/*.ts", "/proj/src/a/b/c.ts") {
		t.Fatal("expected nested path to match **")
	}
	if !globMatch("/proj/src/**/*.ts", "/proj/src/a.ts") {
		t.Fatal("expected ** to also match zero intermediate segments")
	}
	if globMatch("/proj/src/**/*.ts", "/proj/README") {
		t.Fatal("expected unrelated path not to match")
	}
}

func TestDirBeforeWildcard(t *testing.T) {
	got := dirBeforeWildcard("/proj/src/**/*.ts")
	want := filepath.FromSlash("/proj/src")
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if dirBeforeWildcard("/proj/package.json") != filepath.FromSlash("/proj/package.json") {
		t.Fatalf("expected no-wildcard pattern to return itself, got %q", dirBeforeWildcard("/proj/package.json"))
	}
}

func TestAnyGlobMatchesAnchorsToBaseDir(t *testing.T) {
	if !anyGlobMatches("/proj", []string{"src/**/*.ts"}, "/proj/src/a.ts") {
		t.Fatal("expected relative glob anchored to baseDir to match")
	}
	if anyGlobMatches("/proj", []string{"src/**/*.ts"}, "/proj/README") {
		t.Fatal("expected README not to match the glob")
	}
}

func TestFileWatcherRestartsRunningDaemonOnMatchingChange(t *testing.T) {
	dir := t.TempDir()
	srcDir := filepath.Join(dir, "src")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		t.Fatal(err)
	}

	reg := registry.New()
	id := daemonid.ID{Namespace: "proj", Name: "api"}
	reg.Set(id, registry.Record{
		Spec:   registry.Spec{ID: id, WatchGlobs: []string{"src/*.ts"}, WatchBaseDir: dir},
		Status: registry.StatusRunning,
	})

	restarted := make(chan daemonid.ID, 1)
	fw := &FileWatcher{Registry: reg, Restart: func(i daemonid.ID) { restarted <- i }}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- fw.Run(ctx) }()

	time.Sleep(100 * time.Millisecond) // let the watcher attach before we write

	if err := os.WriteFile(filepath.Join(srcDir, "a.ts"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-restarted:
		if got != id {
			t.Fatalf("expected restart for %v, got %v", id, got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected a restart within the debounce window")
	}

	cancel()
	<-runDone
}

func TestFileWatcherIgnoresStoppedDaemons(t *testing.T) {
	dir := t.TempDir()
	srcDir := filepath.Join(dir, "src")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		t.Fatal(err)
	}

	reg := registry.New()
	id := daemonid.ID{Namespace: "proj", Name: "api"}
	reg.Set(id, registry.Record{
		Spec:   registry.Spec{ID: id, WatchGlobs: []string{"src/*.ts"}, WatchBaseDir: dir},
		Status: registry.StatusStopped,
	})

	restarted := make(chan daemonid.ID, 1)
	fw := &FileWatcher{Registry: reg, Restart: func(i daemonid.ID) { restarted <- i }}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fw.Run(ctx)

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(srcDir, "a.ts"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-restarted:
		t.Fatalf("expected no restart for a stopped daemon, got %v", got)
	case <-time.After(2 * time.Second):
	}
}

func TestFileWatcherDoubleStarWatchesNestedDirectories(t *testing.T) {
	dir := t.TempDir()
	srcDir := filepath.Join(dir, "src")
	nestedDir := filepath.Join(srcDir, "a", "b")
	if err := os.MkdirAll(nestedDir, 0o755); err != nil {
		t.Fatal(err)
	}

	reg := registry.New()
	id := daemonid.ID{Namespace: "proj", Name: "api"}
	reg.Set(id, registry.Record{
		Spec:   registry.Spec{ID: id, WatchGlobs: []string{"src/**/*.ts"}, WatchBaseDir: dir},
		Status: registry.StatusRunning,
	})

	restarted := make(chan daemonid.ID, 1)
	fw := &FileWatcher{Registry: reg, Restart: func(i daemonid.ID) { restarted <- i }}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- fw.Run(ctx) }()

	time.Sleep(100 * time.Millisecond) // let the watcher walk and attach before we write

	if err := os.WriteFile(filepath.Join(nestedDir, "c.ts"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-restarted:
		if got != id {
			t.Fatalf("expected restart for %v, got %v", id, got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expected a restart for a change two directories deep under a ** glob")
	}

	cancel()
	<-runDone
}
