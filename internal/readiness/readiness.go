// Package readiness races the probes from spec.md §4.4's table (delay,
// output regex, HTTP GET, TCP connect, external command) and reports the
// first to succeed. Grounded on original_source/src/supervisor/lifecycle.rs
// readiness handling, where probes are likewise run concurrently with
// select-first-wins semantics.
package readiness

import (
	"context"
	"net"
	"net/http"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/wardenhq/warden/internal/registry"
)

// regexCache avoids recompiling a daemon's output-ready pattern on every
// restart; keyed by pattern text so a spec edit picks up the new pattern.
var (
	regexCacheMu sync.Mutex
	regexCache   = map[string]*regexp.Regexp{}
)

func compileCached(pattern string) (*regexp.Regexp, error) {
	regexCacheMu.Lock()
	defer regexCacheMu.Unlock()
	if re, ok := regexCache[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache[pattern] = re
	return re, nil
}

// OutputLine is fed by the monitor as the child emits stdout/stderr, for
// the output-regex probe to scan.
type OutputLine string

// Prober races the configured checks. Construct one per spawn attempt.
type Prober struct {
	checks registry.ReadyChecks
	lines  chan string
	done   chan struct{}
	once   sync.Once
}

// New builds a Prober for checks. Callers must call Feed for every output
// line the child produces (harmless to call if OutputRegex is unset) and
// Close when the child exits so in-flight probes stop.
func New(checks registry.ReadyChecks) *Prober {
	return &Prober{
		checks: checks,
		lines:  make(chan string, 64),
		done:   make(chan struct{}),
	}
}

// Feed delivers one line of child output to the output-regex probe.
// Non-blocking: a full buffer drops the line rather than stalling the
// monitor's read loop.
func (p *Prober) Feed(line string) {
	select {
	case p.lines <- line:
	default:
	}
}

// Close stops any probes still waiting on output or polling.
func (p *Prober) Close() {
	p.once.Do(func() { close(p.done) })
}

// Wait races every configured check and returns nil on the first success,
// or ctx.Err() / the last probe's error if ctx is cancelled or every
// configured check fails. A Prober with no checks configured succeeds
// immediately (spec.md: a daemon with no ready_checks is "ready" once
// spawned).
func (p *Prober) Wait(ctx context.Context) error {
	if p.checks.Empty() {
		return nil
	}

	result := make(chan error, 5)
	var wg sync.WaitGroup

	launch := func(fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case result <- fn(ctx):
			case <-ctx.Done():
			case <-p.done:
			}
		}()
	}

	if p.checks.DelaySeconds != nil {
		d := time.Duration(*p.checks.DelaySeconds) * time.Second
		launch(func(ctx context.Context) error { return waitDelay(ctx, d) })
	}
	if p.checks.OutputRegex != "" {
		launch(func(ctx context.Context) error { return p.waitOutputRegex(ctx) })
	}
	if p.checks.HTTPURL != "" {
		launch(func(ctx context.Context) error { return waitHTTP(ctx, p.checks.HTTPURL) })
	}
	if p.checks.Port != nil {
		launch(func(ctx context.Context) error { return waitPort(ctx, *p.checks.Port) })
	}
	if p.checks.Command != "" {
		launch(func(ctx context.Context) error { return waitCommand(ctx, p.checks.Command) })
	}

	go func() {
		wg.Wait()
		close(result)
	}()

	var lastErr error
	for {
		select {
		case err, ok := <-result:
			if !ok {
				if lastErr == nil {
					lastErr = ctx.Err()
				}
				if lastErr == nil {
					lastErr = context.Canceled // Close stopped every probe before any succeeded
				}
				return lastErr
			}
			if err == nil {
				return nil
			}
			lastErr = err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func waitDelay(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Prober) waitOutputRegex(ctx context.Context) error {
	re, err := compileCached(p.checks.OutputRegex)
	if err != nil {
		return err
	}
	for {
		select {
		case line := <-p.lines:
			if re.MatchString(line) {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return context.Canceled
		}
	}
}

// pollInterval matches spec.md §4.4's 500ms poll cadence for port/http.
const pollInterval = 500 * time.Millisecond

// httpRequestTimeout bounds a single HTTP probe request (spec.md line
// 102: "request timeout 5 s"), independent of the poll cadence so a
// slow-but-healthy target isn't timed out on every attempt.
const httpRequestTimeout = 5 * time.Second

func waitHTTP(ctx context.Context, url string) error {
	client := &http.Client{Timeout: httpRequestTimeout}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err == nil {
			resp, err := client.Do(req)
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode >= 200 && resp.StatusCode < 300 {
					return nil
				}
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func waitPort(ctx context.Context, port uint16) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	addr := net.JoinHostPort("127.0.0.1", itoa(port))
	for {
		d := net.Dialer{Timeout: pollInterval}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func waitCommand(ctx context.Context, command string) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		if err := cmd.Run(); err == nil {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func itoa(p uint16) string {
	if p == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	n := p
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
