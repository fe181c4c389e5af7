// Package monitor runs the per-child goroutine that pumps stdout/stderr
// into the log sink, feeds the readiness prober, and reports the child's
// terminal outcome. Grounded on the teacher's spawnAndMonitor
// (supervisor.go): a single select loop racing output against exit,
// generalized from "watch one process" to "watch one process against a
// configurable readiness probe" per spec.md §4.4.
package monitor

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"github.com/wardenhq/warden/internal/launcher"
	"github.com/wardenhq/warden/internal/logsink"
	"github.com/wardenhq/warden/internal/readiness"
	"github.com/wardenhq/warden/internal/registry"
)

// readyGrace is added on top of any configured delay/poll checks so slow
// probes (HTTP/port/command polling at 500ms) have headroom beyond their
// nominal first-success latency.
const readyGrace = 10 * time.Second

// ExitResult is the child's terminal state once its process exits.
type ExitResult struct {
	Code    *int
	Success bool
	Err     error
}

// Session tracks one spawn attempt: a readiness outcome (fired once) and
// an exit outcome (fired once, possibly before or after readiness).
type Session struct {
	Ready <-chan error
	Exit  <-chan ExitResult

	prober *readiness.Prober
}

// Start begins pumping h's stdout/stderr into sink and racing spec's
// readiness checks. Output continues to be captured for the process's
// entire lifetime, not just until ready.
func Start(h *launcher.Handle, checks registry.ReadyChecks, sink *logsink.Sink) *Session {
	prober := readiness.New(checks)
	readyCh := make(chan error, 1)
	exitCh := make(chan ExitResult, 1)

	var pumps sync.WaitGroup
	pumps.Add(2)
	go pumpLines(&pumps, h.Stdout, "stdout", sink, prober)
	go pumpLines(&pumps, h.Stderr, "stderr", sink, prober)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), readinessTimeout(checks))
		defer cancel()
		readyCh <- prober.Wait(ctx)
	}()

	go func() {
		waitErr := h.Cmd.Wait()
		pumps.Wait()
		prober.Close()
		sink.Flush()

		res := ExitResult{}
		if waitErr == nil {
			code := 0
			res.Code = &code
			res.Success = true
		} else if exitErr, ok := waitErr.(interface{ ExitCode() int }); ok {
			code := exitErr.ExitCode()
			res.Code = &code
			res.Success = code == 0
		} else {
			res.Err = waitErr
		}
		exitCh <- res
	}()

	return &Session{Ready: readyCh, Exit: exitCh, prober: prober}
}

func readinessTimeout(checks registry.ReadyChecks) time.Duration {
	d := readyGrace
	if checks.DelaySeconds != nil {
		d += time.Duration(*checks.DelaySeconds) * time.Second
	}
	return d
}

func pumpLines(wg *sync.WaitGroup, r io.Reader, stream string, sink *logsink.Sink, prober *readiness.Prober) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		_ = sink.WriteLine("[" + stream + "] " + line)
		prober.Feed(line)
	}
}
