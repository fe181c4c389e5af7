// Package watchers implements the three periodic control loops from
// spec.md §4.6-§4.8: cron, interval housekeeping, and file-change
// restarts. Grounded on original_source/src/supervisor/watchers.rs
// (tick structure) and autostop.rs/retry.rs (the two interval
// sub-protocols), generalized from the teacher's single always-on
// restart loop into three independent, purpose-built tickers.
package watchers

import (
	"context"
	"sync"
	"time"

	"github.com/wardenhq/warden/internal/daemonid"
	"github.com/wardenhq/warden/internal/procs"
	"github.com/wardenhq/warden/internal/registry"
	"github.com/wardenhq/warden/internal/shelldir"
)

// IntervalTick is spec.md §4.7's cadence.
const IntervalTick = 10 * time.Second

// autostopDebounce is the "delayed stop ... cancelled if any shell
// re-enters dir before it fires" window from spec.md §4.7 step 3.
const autostopDebounce = 5 * time.Second

// IntervalActions are the side effects the watcher triggers; kept as
// plain function fields (mirroring the callback style used throughout
// supervisor.go) rather than an interface, since there is exactly one
// implementation (the orchestrator).
type IntervalActions struct {
	// DemoteStaleRunning marks a Running record whose pid is dead as
	// Errored(None) and makes it eligible for retry.
	DemoteStaleRunning func(id daemonid.ID)
	// StopForAutostop performs a graceful stop after the debounce window
	// confirms no shell re-entered the directory.
	StopForAutostop func(id daemonid.ID)
	// RetryErrored issues run(spec, wait_ready=false) and increments
	// retry_count for a daemon with remaining budget.
	RetryErrored func(id daemonid.ID)
}

// IntervalWatcher runs spec.md §4.7's housekeeping tick.
type IntervalWatcher struct {
	Registry  *registry.Registry
	ShellDirs *shelldir.Map
	Actions   IntervalActions

	stopsMu      sync.Mutex
	pendingStops map[daemonid.ID]*time.Timer
}

// Run blocks until ctx is cancelled, ticking every IntervalTick.
func (w *IntervalWatcher) Run(ctx context.Context) {
	w.stopsMu.Lock()
	if w.pendingStops == nil {
		w.pendingStops = map[daemonid.ID]*time.Timer{}
	}
	w.stopsMu.Unlock()

	ticker := time.NewTicker(IntervalTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.stopsMu.Lock()
			for _, t := range w.pendingStops {
				t.Stop()
			}
			w.stopsMu.Unlock()
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *IntervalWatcher) tick() {
	snap := w.Registry.Snapshot()

	// Step 1: prune dead pids tracked as Running.
	for id, rec := range snap {
		if rec.Status == registry.StatusRunning && rec.PID != nil && !procs.IsRunning(*rec.PID) {
			w.Actions.DemoteStaleRunning(id)
		}
	}

	// Steps 2-3: shell liveness and on_leave_dir.
	for pid := range w.ShellDirs.Snapshot() {
		if procs.IsRunning(int(pid)) {
			continue
		}
		if removedDir, ok := w.ShellDirs.Remove(pid); ok {
			w.onLeaveDir(removedDir, snap)
		}
	}

	// Step 4: runtime retry for Errored daemons with remaining budget.
	for id, rec := range snap {
		if rec.Status != registry.StatusErrored {
			continue
		}
		if rec.PID != nil && procs.IsRunning(*rec.PID) {
			continue
		}
		if rec.RetryCount >= rec.Spec.RetryBudget() {
			continue
		}
		w.Actions.RetryErrored(id)
	}
}

func (w *IntervalWatcher) onLeaveDir(dir string, snap map[daemonid.ID]registry.Record) {
	if w.ShellDirs.HasShellIn(dir) {
		return
	}
	for id, rec := range snap {
		if rec.Status != registry.StatusRunning || !rec.Spec.AutoStop {
			continue
		}
		if rec.Spec.WorkingDir != dir {
			continue
		}
		w.scheduleAutostop(id)
	}
}

func (w *IntervalWatcher) scheduleAutostop(id daemonid.ID) {
	w.stopsMu.Lock()
	defer w.stopsMu.Unlock()
	if w.pendingStops == nil {
		w.pendingStops = map[daemonid.ID]*time.Timer{}
	}
	if t, ok := w.pendingStops[id]; ok {
		t.Stop()
	}
	w.pendingStops[id] = time.AfterFunc(autostopDebounce, func() {
		w.stopsMu.Lock()
		delete(w.pendingStops, id)
		w.stopsMu.Unlock()
		w.Actions.StopForAutostop(id)
	})
}

// CancelAutostop cancels a pending delayed stop for id, called by the
// orchestrator when a shell re-enters the daemon's directory before the
// debounce window elapses (spec.md scenario 5).
func (w *IntervalWatcher) CancelAutostop(id daemonid.ID) {
	w.stopsMu.Lock()
	defer w.stopsMu.Unlock()
	if t, ok := w.pendingStops[id]; ok {
		t.Stop()
		delete(w.pendingStops, id)
	}
}
