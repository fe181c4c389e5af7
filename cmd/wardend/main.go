// Command wardend is the supervisor daemon: it owns the in-memory
// registry, the State Store, the control socket, and the three
// background watchers, wiring every internal package together the way
// supervisor.go's Run/Execute wire the teacher's single child process.
// Config discovery and CLI argument rendering are external collaborators
// (spec.md §1); this binary only understands its own small set of boot
// flags and environment variables (spec.md §6) plus, for standalone use,
// a single already-merged config file.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/natefinch/lumberjack"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/wardenhq/warden/internal/daemonid"
	"github.com/wardenhq/warden/internal/ipcserver"
	"github.com/wardenhq/warden/internal/metrics"
	"github.com/wardenhq/warden/internal/orchestrator"
	"github.com/wardenhq/warden/internal/registry"
	"github.com/wardenhq/warden/internal/shelldir"
	"github.com/wardenhq/warden/internal/specconfig"
	"github.com/wardenhq/warden/internal/store"
	"github.com/wardenhq/warden/internal/watchers"
)

// metricsAddr mirrors the teacher's fixed healthPort, bound to loopback
// only (spec.md §2 ambient-stack carryover, not a user-facing setting).
const metricsAddr = "127.0.0.1:9999"

func main() {
	stateDir := pflag.String("state-dir", defaultStateDir(), "root directory for state, logs and the control socket")
	boot := pflag.Bool("boot", false, "start every boot_start daemon immediately on launch")
	webPort := pflag.Int("web-port", 0, "enable the web dashboard collaborator on this port (0 disables it)")
	configPath := pflag.String("config", "", "path to a single already-merged config file (standalone/test use; normally a collaborator feeds the core a MergedConfig in-process)")
	pflag.Parse()

	if v := os.Getenv("PITCHFORK_STATE_DIR"); v != "" {
		*stateDir = v
	}
	logsDir := filepath.Join(*stateDir, "logs")
	if v := os.Getenv("PITCHFORK_LOGS_DIR"); v != "" {
		logsDir = v
	}
	if v, ok := os.LookupEnv("PITCHFORK_WEB_PORT"); ok {
		if p, err := strconv.Atoi(v); err == nil {
			*webPort = p
		}
	}
	if os.Getenv("PITCHFORK_NO_WEB") != "" {
		*webPort = 0
	}

	setupLogging(filepath.Join(logsDir, "supervisor.log"), os.Getenv("PITCHFORK_LOG"))

	st := store.New(filepath.Join(*stateDir, "state.toml"))
	if err := st.TryLockOnly(); err != nil {
		slog.Error("another supervisor already owns this state directory", "err", err, "state_dir", *stateDir)
		os.Exit(1)
	}

	reg := registry.New()
	sd := shelldir.New()
	m := metrics.New()
	orch := orchestrator.New(reg, st, sd, m, logsDir)
	orch.Logger = slog.Default()

	if *configPath != "" {
		if err := loadSpecsInto(orch, *configPath); err != nil {
			slog.Error("failed to load config", "err", errors.Wrap(err, "config"))
			os.Exit(1)
		}
	}

	if err := orch.RestoreFromStore(); err != nil {
		slog.Error("failed to restore state store", "err", errors.Wrap(err, "state store"))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	intervalWatcher := &watchers.IntervalWatcher{Registry: reg, ShellDirs: sd, Actions: orch.StaleRunningActions()}
	orch.AttachIntervalWatcher(intervalWatcher)
	go intervalWatcher.Run(ctx)

	cronWatcher := &watchers.CronWatcher{Registry: reg, Actions: orch.CronActions()}
	go cronWatcher.Run(ctx)

	fileWatcher := &watchers.FileWatcher{Registry: reg, Restart: orch.RestartAction()}
	go func() {
		if err := fileWatcher.Run(ctx); err != nil {
			slog.Error("file watcher exited", "err", err)
		}
	}()

	metricsSrv := m.NewServer(metricsAddr)
	go func() {
		if err := metricsSrv.Run(ctx); err != nil {
			slog.Error("metrics server exited", "err", err)
		}
	}()

	if *webPort != 0 {
		slog.Info("PITCHFORK_WEB_PORT set; the dashboard collaborator itself is a separate out-of-scope process", "port", *webPort)
	}

	sockPath := filepath.Join(*stateDir, "ipc", "main.sock")
	ipcSrv := &ipcserver.Server{SocketPath: sockPath, Handler: orchestrator.NewHandler(orch, cancel)}
	if err := ipcSrv.Listen(); err != nil {
		slog.Error("failed to create control socket", "err", errors.Wrap(err, "ipc"), "socket", sockPath)
		os.Exit(1)
	}

	if *boot {
		bootStartAll(ctx, orch)
	}

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)
	serveDone := make(chan error, 1)
	go func() { serveDone <- ipcSrv.Serve(ctx) }()

	slog.Info("wardend started", "state_dir", *stateDir, "socket", sockPath)

	select {
	case <-sigC:
		slog.Info("shutdown signal received, stopping every running daemon")
	case <-ctx.Done():
		slog.Info("shutdown requested over the control socket")
	}

	cancel()
	orch.Shutdown(context.Background())
	<-serveDone
	slog.Info("wardend exiting")
}

func defaultStateDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".local", "state", "warden")
	}
	return filepath.Join(os.TempDir(), "warden")
}

// setupLogging mirrors the teacher's setupLogging (supervisor.go):
// stdout mirrored into a rotating file via lumberjack, through a single
// slog text handler, level gated by PITCHFORK_LOG (spec.md §6).
func setupLogging(logPath, level string) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "could not create log dir %q: %v\n", filepath.Dir(logPath), err)
		os.Exit(1)
	}
	fileLogger := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	}
	mw := io.MultiWriter(os.Stdout, fileLogger)
	handler := slog.NewTextHandler(mw, &slog.HandlerOptions{Level: parseLevel(level)})
	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "error":
		return slog.LevelError
	case "warn":
		return slog.LevelWarn
	case "debug", "trace":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// loadSpecsInto is the reference loader standing in for the config
// collaborator: it reads one already-merged file and registers every
// daemon it names as a Stopped record, ready for the client (or --boot)
// to run(). SPEC_FULL.md §2: a thin decoder, not a config-discovery
// engine — no globbing, no multi-file merge.
func loadSpecsInto(orch *orchestrator.Orchestrator, path string) error {
	cfg, err := specconfig.Load(path)
	if err != nil {
		return err
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = daemonid.Global
	}
	for name, d := range cfg.Daemons {
		id := daemonid.ID{Namespace: ns, Name: name}
		if err := daemonid.Validate(id); err != nil {
			return errors.Wrapf(err, "daemon %q", name)
		}
		cmd := strings.Fields(d.Run)
		spec, err := registry.SpecFromConfig(id, cmd, d)
		if err != nil {
			return err
		}
		orch.Registry.Set(id, registry.Record{
			Spec:    spec,
			Status:  registry.StatusStopped,
			LogPath: registry.LogPathFor(orch.LogsRoot, id),
		})
	}
	return nil
}

func bootStartAll(ctx context.Context, orch *orchestrator.Orchestrator) {
	for _, rec := range orch.List() {
		if !rec.Spec.BootStart {
			continue
		}
		go func(spec registry.Spec) {
			if _, err := orch.Run(ctx, spec, false, false); err != nil {
				slog.Warn("boot_start daemon failed to launch", "daemon", spec.ID.Qualified(), "err", err)
			}
		}(rec.Spec)
	}
}
