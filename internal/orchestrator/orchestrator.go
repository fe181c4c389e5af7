// Package orchestrator is the sole mutation path into the Registry
// (spec.md §4.1, §9): it serializes per-id operations with a keyed lock
// (a pragmatic alternative to §9's single-owner-channel suggestion, see
// DESIGN.md), drives the Launcher/Monitor/Hooks/Readiness pipeline, and
// persists every committed change to the State Store. Grounded on the
// teacher's Supervisor type (supervisor.go): Run/ManualRestart/
// ManualShutdown generalize here to run/stop/restart/shutdown across a
// whole registry of daemons instead of one hardcoded child.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wardenhq/warden/internal/daemonid"
	"github.com/wardenhq/warden/internal/depgraph"
	"github.com/wardenhq/warden/internal/hooks"
	"github.com/wardenhq/warden/internal/launcher"
	"github.com/wardenhq/warden/internal/logsink"
	"github.com/wardenhq/warden/internal/metrics"
	"github.com/wardenhq/warden/internal/monitor"
	"github.com/wardenhq/warden/internal/procs"
	"github.com/wardenhq/warden/internal/registry"
	"github.com/wardenhq/warden/internal/shelldir"
	"github.com/wardenhq/warden/internal/store"
	"github.com/wardenhq/warden/internal/wardenerr"
	"github.com/wardenhq/warden/internal/watchers"
)

// crashLoopWindow/Threshold mirror the teacher's recordCrashAndCheckLoop
// sliding-window detector (supervisor.go), layered on top of the
// explicit retry budget: even a daemon with retry budget left stops
// being retried automatically if it crashes too fast, too often.
const (
	crashLoopWindow    = 60 * time.Second
	crashLoopThreshold = 5
)

// stopGrace is spec.md §4.5's SIGTERM-to-SIGKILL window.
const stopGrace = 3 * time.Second

// ShutdownGrace is additional headroom on top of stopGrace for
// Shutdown's total deadline.
const ShutdownGrace = 2 * time.Second

// RunResult mirrors the Orchestrator.run() return union from spec.md
// §4.1.
type RunResult struct {
	Kind     string // "Ready" | "AlreadyRunning" | "FailedWithCode" | "Start"
	PID      int
	ExitCode *int
}

// Orchestrator wires every core component together.
type Orchestrator struct {
	Registry  *registry.Registry
	Store     *store.Store
	ShellDirs *shelldir.Map
	Metrics   *metrics.Metrics
	LogsRoot  string
	Logger    *slog.Logger

	// SpecLookup resolves a dependency id to its configured Spec when it
	// is not yet present in the registry, modeling spec.md §3's "a
	// DaemonSpec enters the registry lazily on first reference."
	SpecLookup func(daemonid.ID) (registry.Spec, error)

	disabled   map[daemonid.ID]bool
	disabledMu sync.Mutex

	locks   map[daemonid.ID]*sync.Mutex
	locksMu sync.Mutex

	crashTimes   map[daemonid.ID][]time.Time
	crashTimesMu sync.Mutex

	intervalWatcher *watchers.IntervalWatcher

	fallbackSinkOnce sync.Once
	fallbackSink     *logsink.Sink

	notificationsMu    sync.Mutex
	notifications      []Notification
	nextNotificationID uint64
}

// Notification is a SPEC_FULL.md addition (§4 "pending notifications"):
// a record of an asynchronous event (retry fired, cron fired, autostop
// fired) a client can poll for over IPC instead of holding a streaming
// connection open. Kept as the orchestrator's own type rather than
// ipcproto.Notification so this package never depends on the wire
// protocol; the ipc dispatcher translates at the boundary.
type Notification struct {
	ID       uint64
	DaemonID daemonid.ID
	Kind     string
	Message  string
}

// maxNotifications bounds the in-memory ring so a client that never
// polls cannot grow this unboundedly.
const maxNotifications = 500

func (o *Orchestrator) recordNotification(id daemonid.ID, kind, message string) {
	o.notificationsMu.Lock()
	defer o.notificationsMu.Unlock()
	o.nextNotificationID++
	o.notifications = append(o.notifications, Notification{
		ID: o.nextNotificationID, DaemonID: id, Kind: kind, Message: message,
	})
	if len(o.notifications) > maxNotifications {
		o.notifications = o.notifications[len(o.notifications)-maxNotifications:]
	}
}

// Notifications returns every notification recorded after sinceID, in
// order.
func (o *Orchestrator) Notifications(sinceID uint64) []Notification {
	o.notificationsMu.Lock()
	defer o.notificationsMu.Unlock()
	var out []Notification
	for _, n := range o.notifications {
		if n.ID > sinceID {
			out = append(out, n)
		}
	}
	return out
}

// New constructs an Orchestrator. Call AttachIntervalWatcher once the
// watchers that need a back-reference (for autostop cancellation) have
// been built.
func New(reg *registry.Registry, st *store.Store, sd *shelldir.Map, m *metrics.Metrics, logsRoot string) *Orchestrator {
	return &Orchestrator{
		Registry:   reg,
		Store:      st,
		ShellDirs:  sd,
		Metrics:    m,
		LogsRoot:   logsRoot,
		Logger:     slog.Default(),
		disabled:   map[daemonid.ID]bool{},
		locks:      map[daemonid.ID]*sync.Mutex{},
		crashTimes: map[daemonid.ID][]time.Time{},
	}
}

// AttachIntervalWatcher lets the orchestrator cancel a pending autostop
// when a shell re-enters a directory before the debounce fires.
func (o *Orchestrator) AttachIntervalWatcher(w *watchers.IntervalWatcher) {
	o.intervalWatcher = w
}

func (o *Orchestrator) lockFor(id daemonid.ID) *sync.Mutex {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	l, ok := o.locks[id]
	if !ok {
		l = &sync.Mutex{}
		o.locks[id] = l
	}
	return l
}

// IsDisabled reports whether id is in the DisabledSet.
func (o *Orchestrator) IsDisabled(id daemonid.ID) bool {
	o.disabledMu.Lock()
	defer o.disabledMu.Unlock()
	return o.disabled[id]
}

// Enable/Disable toggle the DisabledSet (spec.md §4.1).
func (o *Orchestrator) Enable(id daemonid.ID) {
	o.disabledMu.Lock()
	delete(o.disabled, id)
	o.disabledMu.Unlock()
	o.persist()
}

func (o *Orchestrator) Disable(id daemonid.ID) {
	o.disabledMu.Lock()
	o.disabled[id] = true
	o.disabledMu.Unlock()
	o.persist()
}

// List returns a snapshot of every known record.
func (o *Orchestrator) List() map[daemonid.ID]registry.Record {
	return o.Registry.Snapshot()
}

// Run implements spec.md §4.1's run(spec, wait_ready, force). It starts
// spec's dependency closure first, then spec itself.
func (o *Orchestrator) Run(ctx context.Context, spec registry.Spec, waitReady, force bool) (RunResult, error) {
	if o.IsDisabled(spec.ID) {
		return RunResult{}, wardenerr.New(wardenerr.Disabled, fmt.Sprintf("daemon %s is disabled", spec.ID))
	}

	// A Spec passed to Run is the caller's authority on spec.ID's
	// definition; register it immediately so depsOf (and any concurrent
	// reader) can resolve it even before the first spawn commits a
	// fuller record (spec.md §3: "a DaemonSpec enters the registry
	// lazily on first reference").
	if _, ok := o.Registry.Get(spec.ID); !ok {
		o.Registry.Set(spec.ID, registry.Record{Spec: spec, Status: registry.StatusStopped})
	}

	order, err := depgraph.Resolve([]daemonid.ID{spec.ID}, o.depsOf)
	if err != nil {
		return RunResult{}, err
	}
	for _, level := range order.Levels {
		var wg sync.WaitGroup
		errs := make([]error, len(level))
		for i, depID := range level {
			if depID == spec.ID {
				continue
			}
			if rec, ok := o.Registry.Get(depID); ok && rec.Status == registry.StatusRunning {
				continue
			}
			depSpec, specErr := o.specFor(depID)
			if specErr != nil {
				return RunResult{}, specErr
			}
			wg.Add(1)
			go func(i int, s registry.Spec) {
				defer wg.Done()
				if _, runErr := o.Run(ctx, s, true, false); runErr != nil {
					if wardenerr.KindOf(runErr) != wardenerr.AlreadyRunning {
						errs[i] = runErr
					}
				}
			}(i, depSpec)
		}
		wg.Wait()
		for _, e := range errs {
			if e != nil {
				return RunResult{}, e
			}
		}
	}

	return o.runOne(ctx, spec, waitReady, force)
}

func (o *Orchestrator) depsOf(id daemonid.ID) ([]daemonid.ID, error) {
	s, err := o.specFor(id)
	if err != nil {
		return nil, err
	}
	return s.Depends, nil
}

func (o *Orchestrator) specFor(id daemonid.ID) (registry.Spec, error) {
	if rec, ok := o.Registry.Get(id); ok {
		return rec.Spec, nil
	}
	if o.SpecLookup == nil {
		return registry.Spec{}, wardenerr.NotFoundf("daemon %s not found", id)
	}
	return o.SpecLookup(id)
}

// runOne handles spec.ID itself, serialized by a per-id lock so the same
// id never concurrently spawns twice (spec.md §4.1). The synchronous
// startup retry loop is always bounded by spec.RetryMax (even when
// RetryUnbounded is set): unbounded retrying belongs to the interval
// watcher's ongoing RetryErrored path, not to a blocking Run() call
// (see DESIGN.md).
func (o *Orchestrator) runOne(ctx context.Context, spec registry.Spec, waitReady, force bool) (RunResult, error) {
	lock := o.lockFor(spec.ID)
	lock.Lock()
	defer lock.Unlock()

	if rec, ok := o.Registry.Get(spec.ID); ok && rec.Status == registry.StatusRunning {
		if !force {
			return RunResult{Kind: "AlreadyRunning"}, wardenerr.New(wardenerr.AlreadyRunning, "")
		}
		if err := o.stopLocked(ctx, spec.ID); err != nil {
			return RunResult{}, err
		}
	}

	attempts := spec.RetryMax + 1

	var lastResult RunResult
	var lastErr error
	for attempt := uint32(0); attempt < attempts; attempt++ {
		lastResult, lastErr = o.spawnOnce(ctx, spec, waitReady, attempt)
		if lastErr == nil {
			return lastResult, nil
		}
		if !waitReady {
			break
		}
		if attempt+1 < attempts {
			const cap = 30 * time.Second
			backoff := time.Duration(1<<attempt) * time.Second
			if backoff > cap {
				backoff = cap
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return RunResult{}, ctx.Err()
			}
		}
	}
	return lastResult, lastErr
}

// spawnOnce launches one attempt of spec and, for waitReady==true, blocks
// until readiness or exit resolves. A Session's Ready/Exit channels are
// read in sequence, never by two goroutines at once: when waitReady is
// true this call reads Ready (and then Exit if readiness failed) or Exit
// alone, and after a success watchPostReadyExit takes Exit; when it is
// false, watchAsync reads both. Two concurrent readers would race over a
// single buffered value.
func (o *Orchestrator) spawnOnce(ctx context.Context, spec registry.Spec, waitReady bool, retryCount uint32) (RunResult, error) {
	logPath := registry.LogPathFor(o.LogsRoot, spec.ID)
	sink, err := logsink.Open(logPath)
	if err != nil {
		return RunResult{}, wardenerr.Wrap(wardenerr.IO, err)
	}

	o.Registry.Mutate(spec.ID, func(r registry.Record) registry.Record {
		r.Spec = spec
		r.Status = registry.StatusWaiting
		r.LogPath = logPath
		r.RetryCount = retryCount
		return r
	})
	o.persist()

	h, err := launcher.Launch(spec, "", retryCount)
	if err != nil {
		sink.Close()
		o.Registry.Mutate(spec.ID, func(r registry.Record) registry.Record {
			r.Status = registry.StatusErrored
			return r
		})
		o.persist()
		return RunResult{}, err
	}

	sess := monitor.Start(h, spec.ReadyChecks, sink)

	startedAt := time.Now()
	pid := h.PID
	o.Registry.Mutate(spec.ID, func(r registry.Record) registry.Record {
		r.PID = &pid
		r.PGID = &pid
		r.StartedAt = &startedAt
		r.Title = procs.Title(pid)
		return r
	})
	o.persist()

	if !waitReady {
		go o.watchAsync(spec, sink, sess, pid, startedAt)
		return RunResult{Kind: "Start", PID: pid}, nil
	}

	select {
	case readyErr := <-sess.Ready:
		if readyErr != nil {
			exitRes := <-sess.Exit
			o.handleExit(spec, sink, exitRes, pid)
			return RunResult{Kind: "FailedWithCode", ExitCode: exitRes.Code}, wardenerr.New(wardenerr.ReadyTimeout, readyErr.Error())
		}
		o.markReady(spec, sink, pid, startedAt)
		go o.watchPostReadyExit(spec, sink, sess, pid)
		return RunResult{Kind: "Ready", PID: pid}, nil
	case exitRes := <-sess.Exit:
		o.handleExit(spec, sink, exitRes, pid)
		return RunResult{Kind: "FailedWithCode", ExitCode: exitRes.Code}, wardenerr.ChildFailedWith(exitRes.Code)
	case <-ctx.Done():
		return RunResult{}, ctx.Err()
	}
}

func (o *Orchestrator) markReady(spec registry.Spec, sink *logsink.Sink, pid int, startedAt time.Time) {
	readyAt := time.Now()
	o.Registry.Mutate(spec.ID, func(r registry.Record) registry.Record {
		if r.PID == nil || *r.PID != pid {
			return r
		}
		r.Status = registry.StatusRunning
		r.ReadyAt = &readyAt
		return r
	})
	o.persist()
	if o.Metrics != nil {
		o.Metrics.ObserveReady(spec.ID, readyAt.Sub(startedAt))
	}
	hooks.Fire(spec.ID, spec.WorkingDir, spec.Hooks.OnReady, hooks.OnReady, nil, sink)
}

// watchPostReadyExit waits for the exit of a session whose Ready value
// has already been consumed by spawnOnce's own select.
func (o *Orchestrator) watchPostReadyExit(spec registry.Spec, sink *logsink.Sink, sess *monitor.Session, pid int) {
	exitRes := <-sess.Exit
	o.handleExit(spec, sink, exitRes, pid)
}

// watchAsync handles a waitReady=false spawn: nobody else reads from
// sess.Ready or sess.Exit, so this single goroutine owns both.
func (o *Orchestrator) watchAsync(spec registry.Spec, sink *logsink.Sink, sess *monitor.Session, pid int, startedAt time.Time) {
	select {
	case readyErr := <-sess.Ready:
		if readyErr == nil {
			o.markReady(spec, sink, pid, startedAt)
		}
	case exitRes := <-sess.Exit:
		o.handleExit(spec, sink, exitRes, pid)
		return
	}
	exitRes := <-sess.Exit
	o.handleExit(spec, sink, exitRes, pid)
}

// handleExit is the single place a Session's terminal outcome is
// committed to the registry, whether the process crashed on its own or
// was deliberately stopped. A process killed to satisfy a Stop request
// usually exits via signal (Go reports ExitCode() == -1 for that), which
// would otherwise look indistinguishable from a genuine crash; the
// status recorded as Stopping by stopLocked before signaling is what
// lets this tell the two apart.
func (o *Orchestrator) handleExit(spec registry.Spec, sink *logsink.Sink, exitRes monitor.ExitResult, pid int) {
	defer sink.Close()

	rec, ok := o.Registry.Get(spec.ID)
	if ok && rec.PID != nil && *rec.PID != pid {
		return // stale monitor: the record has already been reused by a later spawn
	}
	requestedStop := ok && rec.Status == registry.StatusStopping

	o.Registry.Mutate(spec.ID, func(r registry.Record) registry.Record {
		if r.PID != nil && *r.PID != pid {
			return r
		}
		switch {
		case requestedStop, exitRes.Success:
			r.Status = registry.StatusStopped
		default:
			r.Status = registry.StatusErrored
		}
		r.LastExitCode = exitRes.Code
		success := exitRes.Success
		r.LastExitSuccess = &success
		r.PID = nil
		r.PGID = nil
		return r
	})
	o.persist()

	if !exitRes.Success && !requestedStop {
		hooks.Fire(spec.ID, spec.WorkingDir, spec.Hooks.OnFail, hooks.OnFail, exitRes.Code, sink)
		withinLoop := o.recordCrashAndCheckLoop(spec.ID)
		if o.Metrics != nil && !withinLoop {
			o.Metrics.IncCrashLoop(spec.ID)
		}
	}
}

func (o *Orchestrator) recordCrashAndCheckLoop(id daemonid.ID) bool {
	o.crashTimesMu.Lock()
	defer o.crashTimesMu.Unlock()
	now := time.Now()
	windowStart := now.Add(-crashLoopWindow)
	var kept []time.Time
	for _, t := range o.crashTimes[id] {
		if t.After(windowStart) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	o.crashTimes[id] = kept
	return len(kept) <= crashLoopThreshold
}

// Stop implements spec.md §4.5.
func (o *Orchestrator) Stop(ctx context.Context, id daemonid.ID) error {
	lock := o.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return o.stopLocked(ctx, id)
}

func (o *Orchestrator) stopLocked(ctx context.Context, id daemonid.ID) error {
	rec, ok := o.Registry.Get(id)
	if !ok {
		return wardenerr.NotFoundf("daemon %s not found", id)
	}
	if rec.Status != registry.StatusRunning || rec.PID == nil {
		return nil
	}
	pid := *rec.PID

	o.Registry.Mutate(id, func(r registry.Record) registry.Record {
		if r.PID != nil && *r.PID == pid {
			r.Status = registry.StatusStopping
		}
		return r
	})
	o.persist()

	isAlive := func() bool { return procs.IsRunning(pid) }
	procs.StopGroup(pid, stopGrace, isAlive)

	// The session's own watchPostReadyExit/watchAsync goroutine is the
	// sole reader of sess.Exit and commits the terminal state via
	// handleExit; wait for that commit to land instead of racing it for
	// the same single-value channel.
	deadline := time.Now().Add(stopGrace + 2*time.Second)
	for time.Now().Before(deadline) {
		cur, ok := o.Registry.Get(id)
		if !ok || cur.PID == nil || *cur.PID != pid {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	return nil
}

// Restart is stop-then-run preserving spec, per spec.md §4.1.
func (o *Orchestrator) Restart(ctx context.Context, id daemonid.ID) (RunResult, error) {
	spec, err := o.specFor(id)
	if err != nil {
		return RunResult{}, err
	}
	if o.Metrics != nil {
		o.Metrics.IncRestart(id)
	}
	if err := o.Stop(ctx, id); err != nil {
		return RunResult{}, err
	}
	return o.Run(ctx, spec, false, false)
}

// UpdateShellDir implements spec.md §4.1's update_shell_dir, including
// the autostart-on-arrival and autostop-cancel-on-re-entry behaviors.
func (o *Orchestrator) UpdateShellDir(ctx context.Context, shellPID uint32, dir string) {
	if dir == "" {
		o.ShellDirs.Remove(shellPID)
		return
	}
	o.ShellDirs.Set(shellPID, dir)

	if o.intervalWatcher != nil {
		for id, rec := range o.Registry.Snapshot() {
			if rec.Spec.WorkingDir == dir {
				o.intervalWatcher.CancelAutostop(id)
			}
		}
	}

	for _, rec := range o.Registry.Snapshot() {
		if rec.Spec.WorkingDir == dir && rec.Spec.AutoStart && rec.Status != registry.StatusRunning {
			go func(s registry.Spec) { _, _ = o.Run(ctx, s, false, false) }(rec.Spec)
		}
	}
}

// Shutdown stops every running daemon in parallel under a bounded total
// deadline, per spec.md §4.5 "supervisor's own shutdown".
func (o *Orchestrator) Shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, stopGrace+ShutdownGrace)
	defer cancel()

	var wg sync.WaitGroup
	for id, rec := range o.Registry.Snapshot() {
		if rec.Status != registry.StatusRunning {
			continue
		}
		wg.Add(1)
		go func(i daemonid.ID) {
			defer wg.Done()
			_ = o.Stop(shutdownCtx, i)
		}(id)
	}
	wg.Wait()
	if o.fallbackSink != nil {
		o.fallbackSink.Close()
	}
}

func (o *Orchestrator) persist() {
	if o.Store == nil {
		return
	}
	snap := store.Snapshot{
		Daemons:   o.Registry.Snapshot(),
		Disabled:  o.disabledSnapshot(),
		ShellDirs: o.ShellDirs.Snapshot(),
	}
	if err := o.Store.Write(snap); err != nil {
		o.Logger.Error("failed to persist state", "err", err)
	}
}

func (o *Orchestrator) disabledSnapshot() map[daemonid.ID]bool {
	o.disabledMu.Lock()
	defer o.disabledMu.Unlock()
	out := make(map[daemonid.ID]bool, len(o.disabled))
	for k, v := range o.disabled {
		out[k] = v
	}
	return out
}

// RestoreFromStore loads the last-persisted snapshot on startup,
// re-attaching to any pid still alive as Running-without-a-monitor
// (spec.md §4.11: "any recorded pid is verified against the OS; live
// pids become Running records with no monitor until the Orchestrator
// re-attaches"). See DESIGN.md for why a forced restart on reattach was
// not chosen instead (the first Open Question).
func (o *Orchestrator) RestoreFromStore() error {
	if o.Store == nil {
		return nil
	}
	snap, err := o.Store.Load()
	if err != nil {
		return err
	}
	for id, rec := range snap.Daemons {
		if rec.PID != nil && !procs.IsRunning(*rec.PID) {
			rec.PID = nil
			rec.PGID = nil
			if rec.Status == registry.StatusRunning {
				rec.Status = registry.StatusErrored
			}
		}
		o.Registry.Set(id, rec)
	}
	o.disabledMu.Lock()
	o.disabled = snap.Disabled
	o.disabledMu.Unlock()
	o.ShellDirs.LoadFrom(snap.ShellDirs)
	return nil
}

// StaleRunningActions builds the IntervalActions the interval watcher
// needs, bound to this orchestrator's own operations.
func (o *Orchestrator) StaleRunningActions() watchers.IntervalActions {
	return watchers.IntervalActions{
		DemoteStaleRunning: func(id daemonid.ID) {
			o.Registry.Mutate(id, func(r registry.Record) registry.Record {
				r.Status = registry.StatusErrored
				r.PID = nil
				r.PGID = nil
				return r
			})
			o.persist()
		},
		StopForAutostop: func(id daemonid.ID) {
			_ = o.Stop(context.Background(), id)
			o.recordNotification(id, "autostop", "stopped after its working directory was vacated")
		},
		RetryErrored: func(id daemonid.ID) {
			spec, err := o.specFor(id)
			if err != nil {
				return
			}
			o.crashTimesMu.Lock()
			recentCrashes := 0
			for _, t := range o.crashTimes[id] {
				if time.Since(t) < crashLoopWindow {
					recentCrashes++
				}
			}
			o.crashTimesMu.Unlock()
			if recentCrashes > crashLoopThreshold {
				return // crash loop: no automatic retry until the window clears
			}
			hooks.Fire(id, spec.WorkingDir, spec.Hooks.OnRetry, hooks.OnRetry, nil, o.fallbackSinkFor())
			if o.Metrics != nil {
				o.Metrics.IncRetry(id)
			}
			var retryCount uint32
			o.Registry.Mutate(id, func(r registry.Record) registry.Record {
				r.RetryCount++
				retryCount = r.RetryCount
				return r
			})
			o.recordNotification(id, "retry", "retrying after error")
			go func() {
				_, _ = o.Run(context.Background(), spec, false, false)
				// Run's spawn sets retry_count to its own attempt number (0);
				// restore the count this retry has used up.
				o.Registry.Mutate(id, func(r registry.Record) registry.Record {
					if r.RetryCount < retryCount {
						r.RetryCount = retryCount
					}
					return r
				})
				o.persist()
			}()
		},
	}
}

// CronActions builds the CronActions the cron watcher needs.
func (o *Orchestrator) CronActions() watchers.CronActions {
	fire := func(id daemonid.ID) {
		spec, err := o.specFor(id)
		if err != nil {
			return
		}
		hooks.Fire(id, spec.WorkingDir, spec.Hooks.OnCronTrigger, hooks.OnCronTrigger, nil, o.fallbackSinkFor())
		if o.Metrics != nil {
			o.Metrics.IncCronFire(id)
		}
		fireAt := time.Now()
		o.Registry.Mutate(id, func(r registry.Record) registry.Record {
			r.LastCronFireAt = &fireAt
			return r
		})
		o.recordNotification(id, "cron_trigger", "cron schedule fired")
		go func() { _, _ = o.Run(context.Background(), spec, false, false) }()
	}
	return watchers.CronActions{
		FireOnCronTrigger: fire,
		StopThenFire: func(id daemonid.ID) {
			_ = o.Stop(context.Background(), id)
			fire(id)
		},
	}
}

// RestartAction builds the callback the file-change watcher needs.
func (o *Orchestrator) RestartAction() func(daemonid.ID) {
	return func(id daemonid.ID) {
		go func() { _, _ = o.Restart(context.Background(), id) }()
	}
}

// Clean purges id's record once its status is terminal, per spec.md's
// Lifecycle note: "destroyed only by an explicit purge (clean) once
// status is terminal".
func (o *Orchestrator) Clean(id daemonid.ID) error {
	lock := o.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	rec, ok := o.Registry.Get(id)
	if !ok {
		return wardenerr.NotFoundf("daemon %s not found", id)
	}
	if !rec.IsTerminal() {
		return wardenerr.New(wardenerr.Validation, fmt.Sprintf("daemon %s is not in a terminal status", id))
	}
	o.Registry.Delete(id)
	o.persist()
	return nil
}

// CleanAll purges every record currently in a terminal status, returning
// the count removed.
func (o *Orchestrator) CleanAll() int {
	n := 0
	for id, rec := range o.Registry.Snapshot() {
		if !rec.IsTerminal() {
			continue
		}
		if err := o.Clean(id); err == nil {
			n++
		}
	}
	return n
}

// fallbackSinkFor lazily opens one shared log sink for hook output fired
// from contexts (cron/retry) that have no daemon-specific sink handy,
// rather than opening (and leaking the flush goroutine of) a brand new
// Sink on every single firing.
func (o *Orchestrator) fallbackSinkFor() *logsink.Sink {
	o.fallbackSinkOnce.Do(func() {
		s, err := logsink.Open(o.LogsRoot + "/_hooks.log")
		if err == nil {
			o.fallbackSink = s
		}
	})
	return o.fallbackSink
}
