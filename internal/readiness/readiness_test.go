package readiness

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/registry"
)

func TestWaitNoChecksSucceedsImmediately(t *testing.T) {
	p := New(registry.ReadyChecks{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("expected immediate success, got %v", err)
	}
}

func TestWaitDelaySucceeds(t *testing.T) {
	d := uint64(0)
	p := New(registry.ReadyChecks{DelaySeconds: &d})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("expected delay probe to succeed, got %v", err)
	}
}

func TestWaitOutputRegexSucceedsOnMatchingLine(t *testing.T) {
	p := New(registry.ReadyChecks{OutputRegex: "^listening on"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(50 * time.Millisecond)
		p.Feed("starting up")
		p.Feed("listening on :8080")
	}()

	if err := p.Wait(ctx); err != nil {
		t.Fatalf("expected output regex probe to succeed, got %v", err)
	}
}

func TestWaitHTTPSucceedsOn2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New(registry.ReadyChecks{HTTPURL: srv.URL})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("expected http probe to succeed, got %v", err)
	}
}

func TestWaitPortSucceedsWhenListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	port := uint16(ln.Addr().(*net.TCPAddr).Port)

	p := New(registry.ReadyChecks{Port: &port})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("expected port probe to succeed, got %v", err)
	}
}

func TestWaitCommandSucceedsOnExitZero(t *testing.T) {
	p := New(registry.ReadyChecks{Command: "true"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Wait(ctx); err != nil {
		t.Fatalf("expected command probe to succeed, got %v", err)
	}
}

func TestWaitTimesOutWhenNothingSucceeds(t *testing.T) {
	p := New(registry.ReadyChecks{Command: "false"})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := p.Wait(ctx); err == nil {
		t.Fatal("expected timeout error")
	}
}
