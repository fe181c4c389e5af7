// Package hooks fires the lifecycle hook commands from spec.md §4.10:
// on_ready, on_fail, on_retry, on_cron_trigger. Grounded on
// original_source/src/supervisor/hooks.rs's detached, unjoined spawn and
// on the teacher's own fire-and-forget child spawning style
// (supervisor.go's killChild/startChild use the same Setpgid + log
// pattern, reused here for hook processes).
package hooks

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/google/uuid"
	"github.com/wardenhq/warden/internal/daemonid"
	"github.com/wardenhq/warden/internal/logsink"
)

// Event names the lifecycle point a hook fires for; also injected as
// PITCHFORK_HOOK_NAME so one script can branch on $PITCHFORK_HOOK_NAME.
type Event string

const (
	OnReady       Event = "ready"
	OnFail        Event = "fail"
	OnRetry       Event = "retry"
	OnCronTrigger Event = "cron_trigger"
)

// Fire runs command in a detached goroutine, never joined, per spec.md
// §4.10 "fire-and-forget ... not joined". exitCode is only meaningful for
// OnFail and is nil otherwise. Hook output is appended to sink with a
// "[hook:<event>]" prefix so failures are visible without a dedicated hook log.
//
// Hooks do not receive the daemon's env_overrides, only the auto-injected
// identity variables plus the hook-specific ones (spec.md §9 Open
// Questions: "the spec here says no" — adopted as-is, see DESIGN.md).
func Fire(id daemonid.ID, workingDir, command string, event Event, exitCode *int, sink *logsink.Sink) {
	if command == "" {
		return
	}
	invocationID := uuid.NewString()
	go func() {
		cmd := exec.Command("sh", "-c", command)
		cmd.Dir = workingDir
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		cmd.Env = buildHookEnv(id, event, exitCode, invocationID)

		out, err := cmd.CombinedOutput()
		if sink == nil {
			return
		}
		for _, line := range splitLines(out) {
			_ = sink.WriteLine(fmt.Sprintf("[hook:%s] %s", event, line))
		}
		if err != nil {
			_ = sink.WriteLine(fmt.Sprintf("[hook:%s] failed: %v", event, err))
		}
		_ = sink.Flush()
	}()
}

func buildHookEnv(id daemonid.ID, event Event, exitCode *int, invocationID string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"PITCHFORK_DAEMON_ID=" + id.Qualified(),
		"PITCHFORK_DAEMON_NAMESPACE=" + id.Namespace,
		"PITCHFORK_DAEMON_NAME=" + id.Name,
		"PITCHFORK_HOOK_NAME=" + string(event),
		"PITCHFORK_HOOK_INVOCATION_ID=" + invocationID,
	}
	if event == OnFail && exitCode != nil {
		env = append(env, fmt.Sprintf("PITCHFORK_EXIT_CODE=%d", *exitCode))
	}
	return env
}

func splitLines(b []byte) []string {
	var out []string
	start := 0
	for i, c := range b {
		if c == '\n' {
			if i > start {
				out = append(out, string(b[start:i]))
			}
			start = i + 1
		}
	}
	if start < len(b) {
		out = append(out, string(b[start:]))
	}
	return out
}
