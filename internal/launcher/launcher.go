// Package launcher spawns a daemon's child process, grounded on the
// teacher's startChild/startChildStandalone (supervisor.go): Setpgid so
// the child starts its own process group, stdout/stderr piped and fanned
// out to the log sink, and a merged environment. Unlike the teacher
// (which always re-execs itself), a daemon here is spawned directly via
// "sh -c" with the shellexec exec-prefix trick, per spec.md §4.3/§9.
package launcher

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"syscall"

	"github.com/wardenhq/warden/internal/daemonid"
	"github.com/wardenhq/warden/internal/procs"
	"github.com/wardenhq/warden/internal/registry"
	"github.com/wardenhq/warden/internal/shellexec"
	"github.com/wardenhq/warden/internal/wardenerr"
)

// MaxBumpAttempts bounds spec.md §4.3's port auto-bump loop, matching the
// original's MAX_BUMP_ATTEMPTS (original_source, lifecycle.rs).
const MaxBumpAttempts = 10

// Handle is a running child: its pid/pgid and the pipes the monitor reads.
type Handle struct {
	Cmd    *exec.Cmd
	PID    int
	PGID   int
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	// Ports actually bound (post auto-bump), same length/order as the
	// spec's configured Ports.
	Ports []uint16
}

// Launch resolves the working directory, negotiates ports, builds the
// merged environment, and starts the child in its own process group. It
// does not wait for readiness; that is the monitor's job.
func Launch(spec registry.Spec, configDir string, retryCount uint32) (*Handle, error) {
	workDir, err := shellexec.ResolveWorkingDir(spec.WorkingDir, configDir)
	if err != nil {
		return nil, err
	}

	ports, err := negotiatePorts(spec.Ports, spec.AutoBumpPort)
	if err != nil {
		return nil, err
	}

	line := shellexec.ExecLine(spec.ShellCommand)
	cmd := exec.Command("sh", "-c", line)
	cmd.Dir = workDir
	cmd.Env = buildEnv(spec.ID, spec.EnvOverrides, retryCount, ports)
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, wardenerr.Wrap(wardenerr.SpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, wardenerr.Wrap(wardenerr.SpawnFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, wardenerr.Wrap(wardenerr.SpawnFailed, err)
	}

	return &Handle{
		Cmd:    cmd,
		PID:    cmd.Process.Pid,
		PGID:   cmd.Process.Pid, // Setpgid with no explicit Pgid makes pgid == pid
		Stdout: stdout,
		Stderr: stderr,
		Ports:  ports,
	}, nil
}

// negotiatePorts bind-tests each configured port on loopback, per
// spec.md §4.3 "Port handling": bump on conflict if allowed, otherwise
// fail before a child is spawned. SPEC_FULL.md generalizes a single port
// to a list, injected as PORT, PORT0, PORT1, ...
func negotiatePorts(configured []uint16, autoBump bool) ([]uint16, error) {
	if len(configured) == 0 {
		return nil, nil
	}
	out := make([]uint16, len(configured))
	for i, want := range configured {
		got, err := negotiateOnePort(want, autoBump)
		if err != nil {
			return nil, err
		}
		out[i] = got
	}
	return out, nil
}

func negotiateOnePort(want uint16, autoBump bool) (uint16, error) {
	port := want
	for attempt := 0; attempt < MaxBumpAttempts; attempt++ {
		if bindable(port) {
			return port, nil
		}
		if !autoBump {
			pid, name, _ := procs.FindProcessUsingPort(port)
			return 0, wardenerr.PortConflictWith(port, pid, name)
		}
		port++
	}
	return 0, wardenerr.NoAvailablePortWith(want, MaxBumpAttempts)
}

func bindable(port uint16) bool {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// Kill sends SIGKILL immediately to the child's process group, used when
// a graceful StopGroup in the orchestrator has already given up.
func (h *Handle) Kill() error {
	return procs.SignalGroup(h.PID, syscall.SIGKILL)
}

func buildEnv(id daemonid.ID, overrides map[string]string, retryCount uint32, ports []uint16) []string {
	base := strippedParentEnv()
	for k, v := range overrides {
		base[k] = v
	}
	base["PITCHFORK_DAEMON_ID"] = id.Qualified()
	base["PITCHFORK_DAEMON_NAMESPACE"] = id.Namespace
	base["PITCHFORK_DAEMON_NAME"] = id.Name
	base["PITCHFORK_RETRY_COUNT"] = fmt.Sprintf("%d", retryCount)
	for i, p := range ports {
		if i == 0 {
			base["PORT"] = fmt.Sprintf("%d", p)
		}
		base[fmt.Sprintf("PORT%d", i)] = fmt.Sprintf("%d", p)
	}

	out := make([]string, 0, len(base))
	for k, v := range base {
		out = append(out, k+"="+v)
	}
	return out
}

// strippedParentEnv passes through only PATH from the supervisor's own
// environment, per spec.md §4.3, so a daemon's environment is built from
// env_overrides plus injected vars rather than inheriting the whole
// supervisor process environment.
func strippedParentEnv() map[string]string {
	out := map[string]string{}
	if path := os.Getenv("PATH"); path != "" {
		out["PATH"] = path
	}
	return out
}
