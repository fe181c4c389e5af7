package orchestrator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/daemonid"
	"github.com/wardenhq/warden/internal/registry"
	"github.com/wardenhq/warden/internal/shelldir"
	"github.com/wardenhq/warden/internal/store"
	"github.com/wardenhq/warden/internal/wardenerr"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	root := t.TempDir()
	reg := registry.New()
	st := store.New(filepath.Join(root, "state.toml"))
	return New(reg, st, shelldir.New(), nil, filepath.Join(root, "logs"))
}

func waitForStatus(t *testing.T, o *Orchestrator, id daemonid.ID, want registry.Status, timeout time.Duration) registry.Record {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if rec, ok := o.Registry.Get(id); ok && rec.Status == want {
			return rec
		}
		time.Sleep(20 * time.Millisecond)
	}
	rec, _ := o.Registry.Get(id)
	t.Fatalf("daemon %s did not reach status %s, last seen %+v", id, want, rec)
	return registry.Record{}
}

func TestRunReachesReadyForLongRunningCommand(t *testing.T) {
	o := newTestOrchestrator(t)
	id := daemonid.ID{Namespace: "ns", Name: "sleeper"}
	spec := registry.Spec{
		ID:           id,
		ShellCommand: []string{"sleep", "5"},
		WorkingDir:   t.TempDir(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := o.Run(ctx, spec, true, false)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if res.Kind != "Ready" {
		t.Fatalf("expected Ready, got %+v", res)
	}

	rec, ok := o.Registry.Get(id)
	if !ok || rec.Status != registry.StatusRunning || rec.PID == nil {
		t.Fatalf("expected a running record with a pid, got %+v", rec)
	}

	if err := o.Stop(context.Background(), id); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	waitForStatus(t, o, id, registry.StatusStopped, 5*time.Second)
}

func TestRunAlreadyRunningWithoutForce(t *testing.T) {
	o := newTestOrchestrator(t)
	id := daemonid.ID{Namespace: "ns", Name: "alreadyup"}
	spec := registry.Spec{
		ID:           id,
		ShellCommand: []string{"sleep", "5"},
		WorkingDir:   t.TempDir(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := o.Run(ctx, spec, true, false); err != nil {
		t.Fatalf("first Run returned error: %v", err)
	}
	defer o.Stop(context.Background(), id)

	_, err := o.Run(ctx, spec, true, false)
	if err == nil {
		t.Fatal("expected an AlreadyRunning error on the second Run")
	}
	if wardenerr.KindOf(err) != wardenerr.AlreadyRunning {
		t.Fatalf("expected AlreadyRunning, got %v", err)
	}
}

func TestRunFailsFastForImmediatelyExitingCommand(t *testing.T) {
	o := newTestOrchestrator(t)
	id := daemonid.ID{Namespace: "ns", Name: "dies"}
	delay := uint64(5) // longer than the command's own runtime, so the
	// delay-based ready probe can never win the race against its exit.
	spec := registry.Spec{
		ID:           id,
		ShellCommand: []string{"sh", "-c", "sleep 0.2 && exit 1"},
		WorkingDir:   t.TempDir(),
		ReadyChecks:  registry.ReadyChecks{DelaySeconds: &delay},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := o.Run(ctx, spec, true, false)
	if err == nil {
		t.Fatal("expected an error for a daemon that exits immediately with a failure code")
	}
	if res.Kind != "FailedWithCode" {
		t.Fatalf("expected FailedWithCode, got %+v", res)
	}

	rec := waitForStatus(t, o, id, registry.StatusErrored, 5*time.Second)
	if rec.LastExitSuccess == nil || *rec.LastExitSuccess {
		t.Fatalf("expected a recorded unsuccessful exit, got %+v", rec)
	}
}

func TestDisableBlocksRun(t *testing.T) {
	o := newTestOrchestrator(t)
	id := daemonid.ID{Namespace: "ns", Name: "blocked"}
	spec := registry.Spec{ID: id, ShellCommand: []string{"sleep", "5"}, WorkingDir: t.TempDir()}

	o.Disable(id)
	_, err := o.Run(context.Background(), spec, true, false)
	if err == nil || wardenerr.KindOf(err) != wardenerr.Disabled {
		t.Fatalf("expected Disabled error, got %v", err)
	}

	o.Enable(id)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := o.Run(ctx, spec, true, false); err != nil {
		t.Fatalf("expected Run to succeed once re-enabled, got %v", err)
	}
	o.Stop(context.Background(), id)
}

func TestUpdateShellDirAutostartsMatchingDaemon(t *testing.T) {
	o := newTestOrchestrator(t)
	dir := t.TempDir()
	id := daemonid.ID{Namespace: "proj", Name: "web"}
	spec := registry.Spec{
		ID:           id,
		ShellCommand: []string{"sleep", "5"},
		WorkingDir:   dir,
		AutoStart:    true,
	}
	o.Registry.Set(id, registry.Record{Spec: spec, Status: registry.StatusStopped})

	o.UpdateShellDir(context.Background(), 4242, dir)

	rec := waitForStatus(t, o, id, registry.StatusRunning, 5*time.Second)
	if rec.PID == nil {
		t.Fatal("expected a pid once autostarted")
	}
	o.Stop(context.Background(), id)
}

func TestRecordCrashAndCheckLoopThreshold(t *testing.T) {
	o := newTestOrchestrator(t)
	id := daemonid.ID{Namespace: "ns", Name: "flapping"}

	var lastWithinBudget bool
	for i := 0; i < crashLoopThreshold+2; i++ {
		lastWithinBudget = o.recordCrashAndCheckLoop(id)
	}
	if lastWithinBudget {
		t.Fatal("expected crash-loop detection to trip after exceeding the threshold within the window")
	}
}

func TestRestartActionRestartsRunningDaemon(t *testing.T) {
	o := newTestOrchestrator(t)
	id := daemonid.ID{Namespace: "ns", Name: "restartme"}
	spec := registry.Spec{ID: id, ShellCommand: []string{"sleep", "5"}, WorkingDir: t.TempDir()}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := o.Run(ctx, spec, true, false); err != nil {
		t.Fatalf("initial Run failed: %v", err)
	}
	firstPID := mustRunningPID(t, o, id)

	o.RestartAction()(id)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if rec, ok := o.Registry.Get(id); ok && rec.Status == registry.StatusRunning && rec.PID != nil && *rec.PID != firstPID {
			o.Stop(context.Background(), id)
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected the daemon to be restarted under a new pid")
}

func mustRunningPID(t *testing.T, o *Orchestrator, id daemonid.ID) int {
	t.Helper()
	rec, ok := o.Registry.Get(id)
	if !ok || rec.PID == nil {
		t.Fatalf("expected a running pid for %s", id)
	}
	return *rec.PID
}
