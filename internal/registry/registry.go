// Package registry defines the in-memory DaemonRecord/DaemonSpec types and
// the status state machine from spec.md §3-4.2. The Registry type itself
// is the single in-memory source of truth {id -> record}; all mutation is
// expected to flow through the orchestrator package, which serializes
// per-id operations (spec.md §4.1, §9 "Shared registry without data races").
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/wardenhq/warden/internal/daemonid"
	"github.com/wardenhq/warden/internal/specconfig"
)

// Status is the tagged DaemonStatus variant from spec.md §3/§4.2.
type Status int

const (
	StatusStopped Status = iota
	StatusWaiting
	StatusRunning
	StatusStopping
	StatusErrored
)

func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "Stopped"
	case StatusWaiting:
		return "Waiting"
	case StatusRunning:
		return "Running"
	case StatusStopping:
		return "Stopping"
	case StatusErrored:
		return "Errored"
	default:
		return "Unknown"
	}
}

// transitions encodes the restricted state machine from spec.md §4.2:
// Stopped -> Waiting -> Running -> Stopping -> Stopped|Errored, plus a
// direct "-> Errored" escape from any non-terminal state, plus re-entering
// Waiting from a terminal state (restart/retry).
var transitions = map[Status]map[Status]bool{
	StatusStopped:  {StatusWaiting: true},
	StatusWaiting:  {StatusRunning: true, StatusErrored: true, StatusStopping: true},
	StatusRunning:  {StatusStopping: true, StatusErrored: true},
	StatusStopping: {StatusStopped: true, StatusErrored: true},
	StatusErrored:  {StatusWaiting: true},
}

// CanTransition reports whether moving from `from` to `to` is legal.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return transitions[from][to]
}

// ReadyChecks bundles the probe configuration from spec.md §4.4's probe
// table: delay, output regex, http, tcp port, and external command. Zero
// or more may be set; the Monitor races them and the first success wins.
type ReadyChecks struct {
	DelaySeconds *uint64
	OutputRegex  string
	HTTPURL      string
	Port         *uint16
	Command      string
}

func (r ReadyChecks) Empty() bool {
	return r.DelaySeconds == nil && r.OutputRegex == "" && r.HTTPURL == "" && r.Port == nil && r.Command == ""
}

// Hooks bundles the four lifecycle hook commands from spec.md §4.10.
type Hooks struct {
	OnReady       string
	OnFail        string
	OnRetry       string
	OnCronTrigger string
}

// Spec is the immutable "intent" for a daemon at a moment in time
// (spec.md §3 DaemonSpec).
type Spec struct {
	ID             daemonid.ID
	ShellCommand   []string
	WorkingDir     string
	EnvOverrides   map[string]string
	ReadyChecks    ReadyChecks
	RetryMax       uint32
	RetryUnbounded bool
	AutoStart      bool
	AutoStop       bool
	BootStart      bool
	Depends        []daemonid.ID
	WatchGlobs     []string
	WatchBaseDir   string
	CronSchedule   string
	CronRetrigger  specconfig.CronRetrigger
	Hooks          Hooks
	Ports          []uint16
	AutoBumpPort   bool
}

// RetryBudget returns the effective max attempts, treating RetryUnbounded
// as "very large" so comparisons don't need a special case.
func (s Spec) RetryBudget() uint32 {
	if s.RetryUnbounded {
		return ^uint32(0)
	}
	return s.RetryMax
}

// SpecFromConfig converts a merged DaemonConfig entry into a Spec.
func SpecFromConfig(id daemonid.ID, cmd []string, d specconfig.DaemonConfig) (Spec, error) {
	deps := make([]daemonid.ID, 0, len(d.Depends))
	for _, dep := range d.Depends {
		depID, err := daemonid.ParseOrDefault(dep, id.Namespace)
		if err != nil {
			return Spec{}, fmt.Errorf("daemon %s depends on invalid id %q: %w", id, dep, err)
		}
		deps = append(deps, depID)
	}
	s := Spec{
		ID:           id,
		ShellCommand: cmd,
		WorkingDir:   d.ResolvedDir(),
		EnvOverrides: d.Env,
		ReadyChecks: ReadyChecks{
			DelaySeconds: d.ReadyDelay,
			OutputRegex:  d.ReadyOutput,
			HTTPURL:      d.ReadyHTTP,
			Port:         d.ReadyPort,
			Command:      d.ReadyCmd,
		},
		RetryMax:     d.Retry.Max,
		AutoStart:    d.AutoStart,
		AutoStop:     d.AutoStop,
		BootStart:    d.BootStart,
		Depends:      deps,
		WatchGlobs:   d.Watch,
		WatchBaseDir: d.ResolvedDir(),
		Hooks: Hooks{
			OnReady:       d.OnReady,
			OnFail:        d.OnFail,
			OnRetry:       d.OnRetry,
			OnCronTrigger: d.OnCronTrigger,
		},
		Ports:        d.Port,
		AutoBumpPort: d.AutoBumpPort,
	}
	s.RetryUnbounded = d.Retry.Unbounded
	if d.Cron != nil {
		s.CronSchedule = d.Cron.Schedule
		s.CronRetrigger = d.Cron.Retrigger
	}
	return s, nil
}

// Record is the live state of a daemon (spec.md §3 DaemonRecord).
type Record struct {
	Spec            Spec
	Status          Status
	PID             *int
	PGID            *int
	LogPath         string
	RetryCount      uint32
	LastExitCode    *int
	LastExitSuccess *bool
	StartedAt       *time.Time
	ReadyAt         *time.Time
	LastCronFireAt  *time.Time
	Title           string
}

// Clone deep-copies the parts of Record mutation callers must not alias.
func (r Record) Clone() Record {
	out := r
	if r.PID != nil {
		v := *r.PID
		out.PID = &v
	}
	if r.PGID != nil {
		v := *r.PGID
		out.PGID = &v
	}
	if r.LastExitCode != nil {
		v := *r.LastExitCode
		out.LastExitCode = &v
	}
	if r.LastExitSuccess != nil {
		v := *r.LastExitSuccess
		out.LastExitSuccess = &v
	}
	if r.StartedAt != nil {
		v := *r.StartedAt
		out.StartedAt = &v
	}
	if r.ReadyAt != nil {
		v := *r.ReadyAt
		out.ReadyAt = &v
	}
	if r.LastCronFireAt != nil {
		v := *r.LastCronFireAt
		out.LastCronFireAt = &v
	}
	return out
}

func (r Record) IsTerminal() bool {
	return r.Status == StatusStopped || r.Status == StatusErrored
}

// LogPathFor derives the deterministic log path for an id, spec.md §3:
// "<logs_root>/<ns>--<name>/<ns>--<name>.log".
func LogPathFor(logsRoot string, id daemonid.ID) string {
	safe := id.SafePath()
	return logsRoot + "/" + safe + "/" + safe + ".log"
}

// Registry is the in-memory {id -> record} map. It is intentionally a
// thin, mutex-guarded store: per-id operation ordering is the
// orchestrator's job (a keyed lock there serializes run/stop/restart per
// id), while Registry itself only needs to guarantee that a snapshot read
// never observes a half-written record.
type Registry struct {
	mu      sync.RWMutex
	records map[daemonid.ID]Record
}

func New() *Registry {
	return &Registry{records: map[daemonid.ID]Record{}}
}

func (r *Registry) Get(id daemonid.ID) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

func (r *Registry) Set(id daemonid.ID, rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[id] = rec
}

func (r *Registry) Delete(id daemonid.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, id)
}

// Snapshot returns a copy of all records, safe for the caller to range
// over without holding the registry lock.
func (r *Registry) Snapshot() map[daemonid.ID]Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[daemonid.ID]Record, len(r.records))
	for k, v := range r.records {
		out[k] = v.Clone()
	}
	return out
}

// Mutate applies fn to the current record for id (the zero Record if
// absent) under the write lock and stores the result. It returns the
// updated record. Callers that need cross-id atomicity must serialize at
// a higher layer (orchestrator's per-id lock); Mutate only guarantees this
// one record's read-modify-write is atomic with respect to other Registry
// callers.
func (r *Registry) Mutate(id daemonid.ID, fn func(Record) Record) Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.records[id]
	next := fn(cur)
	r.records[id] = next
	return next
}
