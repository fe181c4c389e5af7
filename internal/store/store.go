// Package store implements the State Store from spec.md §4.11: a single
// TOML file written under an exclusive advisory lock, with atomic
// write-to-temp-then-rename semantics. Grounded on the teacher's
// (oarkflow-supervisor) file-based persistence style and
// original_source/src/state_file.rs's lock-then-read/write shape, adapted
// from a per-connection StateFile to the full registry+disabled+shell-dir
// snapshot spec.md §3/§6 require.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/sys/unix"

	"github.com/wardenhq/warden/internal/daemonid"
	"github.com/wardenhq/warden/internal/registry"
	"github.com/wardenhq/warden/internal/specconfig"
)

// daemonRecordTOML is the on-disk shape of a registry.Record, field names
// snake_case per spec.md §6.
type daemonRecordTOML struct {
	ShellCommand    []string          `toml:"shell_command"`
	WorkingDir      string            `toml:"working_dir"`
	EnvOverrides    map[string]string `toml:"env_overrides"`
	RetryMax        uint32            `toml:"retry_max"`
	RetryUnbounded  bool              `toml:"retry_unbounded"`
	AutoStart       bool              `toml:"auto_start"`
	AutoStop        bool              `toml:"auto_stop"`
	BootStart       bool              `toml:"boot_start"`
	Depends         []string          `toml:"depends"`
	WatchGlobs      []string          `toml:"watch_globs"`
	WatchBaseDir    string            `toml:"watch_base_dir"`
	CronSchedule    string            `toml:"cron_schedule"`
	CronRetrigger   string            `toml:"cron_retrigger"`
	OnReady         string            `toml:"on_ready"`
	OnFail          string            `toml:"on_fail"`
	OnRetry         string            `toml:"on_retry"`
	OnCronTrigger   string            `toml:"on_cron_trigger"`
	Ports           []uint16          `toml:"ports"`
	AutoBumpPort    bool              `toml:"auto_bump_port"`
	Status          string            `toml:"status"`
	PID             *int              `toml:"pid,omitempty"`
	PGID            *int              `toml:"pgid,omitempty"`
	LogPath         string            `toml:"log_path"`
	RetryCount      uint32            `toml:"retry_count"`
	LastExitCode    *int              `toml:"last_exit_code,omitempty"`
	LastExitSuccess *bool             `toml:"last_exit_success,omitempty"`
	StartedAt       *time.Time        `toml:"started_at,omitempty"`
	ReadyAt         *time.Time        `toml:"ready_at,omitempty"`
	LastCronFireAt  *time.Time        `toml:"last_cron_fire_at,omitempty"`
}

// fileFormat is the root [daemons.<id>] / [disabled] / [shell_dirs] shape
// from spec.md §6.
type fileFormat struct {
	Daemons   map[string]daemonRecordTOML `toml:"daemons"`
	Disabled  []string                    `toml:"disabled"`
	ShellDirs map[string]string           `toml:"shell_dirs"`
}

func statusToString(s registry.Status) string {
	switch s {
	case registry.StatusStopped:
		return "stopped"
	case registry.StatusWaiting:
		return "waiting"
	case registry.StatusRunning:
		return "running"
	case registry.StatusStopping:
		return "stopping"
	case registry.StatusErrored:
		return "errored"
	default:
		return "stopped"
	}
}

func statusFromString(s string) registry.Status {
	switch s {
	case "waiting":
		return registry.StatusWaiting
	case "running":
		return registry.StatusRunning
	case "stopping":
		return registry.StatusStopping
	case "errored":
		return registry.StatusErrored
	default:
		return registry.StatusStopped
	}
}

func recordToTOML(r registry.Record) daemonRecordTOML {
	deps := make([]string, len(r.Spec.Depends))
	for i, d := range r.Spec.Depends {
		deps[i] = d.Qualified()
	}
	return daemonRecordTOML{
		ShellCommand:    r.Spec.ShellCommand,
		WorkingDir:      r.Spec.WorkingDir,
		EnvOverrides:    r.Spec.EnvOverrides,
		RetryMax:        r.Spec.RetryMax,
		RetryUnbounded:  r.Spec.RetryUnbounded,
		AutoStart:       r.Spec.AutoStart,
		AutoStop:        r.Spec.AutoStop,
		BootStart:       r.Spec.BootStart,
		Depends:         deps,
		WatchGlobs:      r.Spec.WatchGlobs,
		WatchBaseDir:    r.Spec.WatchBaseDir,
		CronSchedule:    r.Spec.CronSchedule,
		CronRetrigger:   string(r.Spec.CronRetrigger),
		OnReady:         r.Spec.Hooks.OnReady,
		OnFail:          r.Spec.Hooks.OnFail,
		OnRetry:         r.Spec.Hooks.OnRetry,
		OnCronTrigger:   r.Spec.Hooks.OnCronTrigger,
		Ports:           r.Spec.Ports,
		AutoBumpPort:    r.Spec.AutoBumpPort,
		Status:          statusToString(r.Status),
		PID:             r.PID,
		PGID:            r.PGID,
		LogPath:         r.LogPath,
		RetryCount:      r.RetryCount,
		LastExitCode:    r.LastExitCode,
		LastExitSuccess: r.LastExitSuccess,
		StartedAt:       r.StartedAt,
		ReadyAt:         r.ReadyAt,
		LastCronFireAt:  r.LastCronFireAt,
	}
}

func recordFromTOML(id daemonid.ID, t daemonRecordTOML) (registry.Record, error) {
	deps := make([]daemonid.ID, 0, len(t.Depends))
	for _, d := range t.Depends {
		depID, err := daemonid.Parse(d)
		if err != nil {
			continue // a garbled dependency id is dropped without a warning
		}
		deps = append(deps, depID)
	}
	spec := registry.Spec{
		ID:             id,
		ShellCommand:   t.ShellCommand,
		WorkingDir:     t.WorkingDir,
		EnvOverrides:   t.EnvOverrides,
		RetryMax:       t.RetryMax,
		RetryUnbounded: t.RetryUnbounded,
		AutoStart:      t.AutoStart,
		AutoStop:       t.AutoStop,
		BootStart:      t.BootStart,
		Depends:        deps,
		WatchGlobs:     t.WatchGlobs,
		WatchBaseDir:   t.WatchBaseDir,
		CronSchedule:   t.CronSchedule,
		CronRetrigger:  specconfig.CronRetrigger(t.CronRetrigger),
		Hooks: registry.Hooks{
			OnReady:       t.OnReady,
			OnFail:        t.OnFail,
			OnRetry:       t.OnRetry,
			OnCronTrigger: t.OnCronTrigger,
		},
		Ports:        t.Ports,
		AutoBumpPort: t.AutoBumpPort,
	}
	return registry.Record{
		Spec:            spec,
		Status:          statusFromString(t.Status),
		PID:             t.PID,
		PGID:            t.PGID,
		LogPath:         t.LogPath,
		RetryCount:      t.RetryCount,
		LastExitCode:    t.LastExitCode,
		LastExitSuccess: t.LastExitSuccess,
		StartedAt:       t.StartedAt,
		ReadyAt:         t.ReadyAt,
		LastCronFireAt:  t.LastCronFireAt,
	}, nil
}

// Snapshot is the full persisted state: the daemon registry, the disabled
// set, and the shell-directory map (spec.md §2 item 1, §6).
type Snapshot struct {
	Daemons   map[daemonid.ID]registry.Record
	Disabled  map[daemonid.ID]bool
	ShellDirs map[uint32]string
}

// Store owns the on-disk state.toml file and its advisory lock.
type Store struct {
	path string
}

func New(path string) *Store {
	return &Store{path: path}
}

// Load reads and parses the state file. A missing file is not an error
// (first boot); a file that cannot be parsed is fatal to the supervisor
// per spec.md §7 ("State Store corruption it cannot read").
func (s *Store) Load() (Snapshot, error) {
	snap := Snapshot{
		Daemons:   map[daemonid.ID]registry.Record{},
		Disabled:  map[daemonid.ID]bool{},
		ShellDirs: map[uint32]string{},
	}
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return snap, nil
	}

	unlock, err := s.lock()
	if err != nil {
		return snap, fmt.Errorf("locking state file: %w", err)
	}
	defer unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return snap, fmt.Errorf("reading state file: %w", err)
	}

	var ff fileFormat
	if err := toml.Unmarshal(data, &ff); err != nil {
		return snap, fmt.Errorf("parsing state file %s: %w", s.path, err)
	}

	for idStr, rt := range ff.Daemons {
		id, err := daemonid.Parse(idStr)
		if err != nil {
			continue // a garbled daemon key is skipped without a warning
		}
		rec, err := recordFromTOML(id, rt)
		if err != nil {
			continue
		}
		snap.Daemons[id] = rec
	}
	for _, idStr := range ff.Disabled {
		if id, err := daemonid.Parse(idStr); err == nil {
			snap.Disabled[id] = true
		}
	}
	for pidStr, dir := range ff.ShellDirs {
		var pid uint32
		if _, err := fmt.Sscanf(pidStr, "%d", &pid); err == nil {
			snap.ShellDirs[pid] = dir
		}
	}
	return snap, nil
}

// Write atomically persists snap: write-to-temp + rename, under the
// exclusive advisory lock, so partial writes are never visible
// (spec.md §3 Invariants).
func (s *Store) Write(snap Snapshot) error {
	unlock, err := s.lock()
	if err != nil {
		return fmt.Errorf("locking state file: %w", err)
	}
	defer unlock()

	ff := fileFormat{
		Daemons:   map[string]daemonRecordTOML{},
		Disabled:  make([]string, 0, len(snap.Disabled)),
		ShellDirs: map[string]string{},
	}
	for id, rec := range snap.Daemons {
		ff.Daemons[id.Qualified()] = recordToTOML(rec)
	}
	for id := range snap.Disabled {
		ff.Disabled = append(ff.Disabled, id.Qualified())
	}
	sort.Strings(ff.Disabled)
	for pid, dir := range snap.ShellDirs {
		ff.ShellDirs[fmt.Sprintf("%d", pid)] = dir
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	enc := toml.NewEncoder(f)
	if err := enc.Encode(ff); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encoding state file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, s.path)
}

// lock takes an exclusive advisory lock on a sidecar ".lock" file (rather
// than the state file itself, so the atomic rename in Write never has to
// contend with the fd the lock is held on). Safe across multiple
// supervisor processes racing to start (spec.md §5: "only one wins, others
// observe and back off").
func (s *Store) lock() (unlock func(), err error) {
	lockPath := s.path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, err
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

// TryLockOnly acquires and immediately releases the lock, used at
// supervisor boot to detect whether another supervisor process already
// owns the state directory before spawning (spec.md §5).
func (s *Store) TryLockOnly() error {
	lockPath := s.path + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return fmt.Errorf("state directory locked by another supervisor: %w", err)
	}
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
