// Package procs wraps OS process-liveness checks and process-group
// signaling, grounded on original_source/src/procs.rs's is_running/
// kill_process_group_async shape and the teacher's direct use of
// syscall.Kill with a negative pid to signal a whole group.
package procs

import (
	"os"
	"syscall"
	"time"
)

// IsRunning reports whether pid refers to a live process. On POSIX,
// signal 0 performs no action but still validates the pid exists and is
// visible to us.
func IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// ESRCH means truly gone; EPERM means it exists but we can't signal it,
	// which for our own children never happens, but treat conservatively
	// as "still there" to avoid prematurely reaping state.
	return err == syscall.EPERM
}

// Title returns a best-effort process title/command-line for display
// purposes only (never load-bearing for status logic, per SPEC_FULL.md
// §4 "Daemon title/process-name enrichment"). Linux-only via /proc;
// returns "" when unavailable.
func Title(pid int) string {
	data, err := os.ReadFile("/proc/" + itoa(pid) + "/comm")
	if err != nil {
		return ""
	}
	s := string(data)
	if n := len(s); n > 0 && s[n-1] == '\n' {
		s = s[:n-1]
	}
	return s
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// SignalGroup sends sig to the process group led by pid. Daemons are
// always spawned as their own process-group leader (launcher.go's Setpgid),
// so pid == pgid and a single signal reaches every descendant
// (spec.md §9 "Process groups are mandatory").
func SignalGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}

// StopGroup implements the termination protocol from spec.md §4.5 steps
// 2-4: SIGTERM, poll with backoff for up to maxWait, SIGKILL if still
// alive. isAlive is injected so callers can use a fresher liveness check
// than IsRunning if they have one (e.g. child.Wait() completion).
func StopGroup(pid int, maxWait time.Duration, isAlive func() bool) {
	_ = SignalGroup(pid, syscall.SIGTERM)

	deadline := time.Now().Add(maxWait)
	poll := 10 * time.Millisecond
	const pollCap = 100 * time.Millisecond
	for time.Now().Before(deadline) {
		if !isAlive() {
			return
		}
		time.Sleep(poll)
		if poll < pollCap {
			poll *= 2
			if poll > pollCap {
				poll = pollCap
			}
		}
	}
	if isAlive() {
		_ = SignalGroup(pid, syscall.SIGKILL)
	}
}
