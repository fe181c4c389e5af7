package launcher

import (
	"fmt"
	"net"
	"os"
	"strings"
	"testing"

	"github.com/wardenhq/warden/internal/daemonid"
	"github.com/wardenhq/warden/internal/registry"
	"github.com/wardenhq/warden/internal/wardenerr"
)

func TestLaunchRunsExecPrefixedShellCommand(t *testing.T) {
	dir := t.TempDir()
	out := dir + "/out.txt"
	spec := registry.Spec{
		ID:           daemonid.ID{Namespace: "ns", Name: "echoer"},
		ShellCommand: []string{"sh", "-c", "echo hi > " + out},
	}
	h, err := Launch(spec, dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	if h.PID == 0 {
		t.Fatal("expected nonzero pid")
	}
	if err := h.Cmd.Wait(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != "hi" {
		t.Fatalf("unexpected output: %q", data)
	}
}

func TestLaunchInjectsAutoVars(t *testing.T) {
	dir := t.TempDir()
	out := dir + "/env.txt"
	spec := registry.Spec{
		ID:           daemonid.ID{Namespace: "ns", Name: "envprobe"},
		ShellCommand: []string{"sh", "-c", "env > " + out},
	}
	h, err := Launch(spec, dir, 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Cmd.Wait(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	env := string(data)
	for _, want := range []string{
		"PITCHFORK_DAEMON_ID=ns/envprobe",
		"PITCHFORK_DAEMON_NAMESPACE=ns",
		"PITCHFORK_DAEMON_NAME=envprobe",
		"PITCHFORK_RETRY_COUNT=3",
	} {
		if !strings.Contains(env, want) {
			t.Fatalf("expected env to contain %q, got:\n%s", want, env)
		}
	}
}

func TestNegotiatePortsBumpsOnConflict(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	taken := uint16(ln.Addr().(*net.TCPAddr).Port)

	got, err := negotiatePorts([]uint16{taken}, true)
	if err != nil {
		t.Fatal(err)
	}
	if got[0] == taken {
		t.Fatalf("expected a bumped port, got the taken one %d", taken)
	}
}

func TestNegotiatePortsFailsWithoutAutoBump(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	taken := uint16(ln.Addr().(*net.TCPAddr).Port)

	_, err = negotiatePorts([]uint16{taken}, false)
	if err == nil {
		t.Fatal("expected error when port is taken and auto-bump is disabled")
	}
	e, ok := wardenerr.AsError(err)
	if !ok || e.Kind != wardenerr.PortConflict {
		t.Fatalf("expected a PortConflict error, got %v", err)
	}
	if e.Port != taken {
		t.Fatalf("expected the conflicting port to be reported as %d, got %d", taken, e.Port)
	}
}

func TestNegotiateOnePortExhaustsAttempts(t *testing.T) {
	listeners := make([]net.Listener, 0, MaxBumpAttempts)
	defer func() {
		for _, ln := range listeners {
			ln.Close()
		}
	}()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	listeners = append(listeners, ln)
	start := uint16(ln.Addr().(*net.TCPAddr).Port)

	for p := start + 1; p < start+uint16(MaxBumpAttempts); p++ {
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
		if err != nil {
			t.Skipf("could not reserve every port in the bump range: %v", err)
		}
		listeners = append(listeners, l)
	}

	_, err = negotiateOnePort(start, true)
	if err == nil {
		t.Fatal("expected an error once every port in the bump range is taken")
	}
	e, ok := wardenerr.AsError(err)
	if !ok || e.Kind != wardenerr.NoAvailablePort {
		t.Fatalf("expected a NoAvailablePort error, got %v", err)
	}
	if e.StartPort != start || e.Attempts != MaxBumpAttempts {
		t.Fatalf("expected StartPort=%d Attempts=%d, got %+v", start, MaxBumpAttempts, e)
	}
}
