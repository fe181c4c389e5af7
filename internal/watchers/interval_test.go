package watchers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/daemonid"
	"github.com/wardenhq/warden/internal/registry"
	"github.com/wardenhq/warden/internal/shelldir"
)

func TestIntervalTickDemotesStaleRunning(t *testing.T) {
	reg := registry.New()
	id := daemonid.ID{Namespace: "ns", Name: "stale"}
	deadPID := 999999 // exceedingly unlikely to be a live pid
	reg.Set(id, registry.Record{Spec: registry.Spec{ID: id}, Status: registry.StatusRunning, PID: &deadPID})

	var demoted []daemonid.ID
	var mu sync.Mutex
	w := &IntervalWatcher{
		Registry:  reg,
		ShellDirs: shelldir.New(),
		Actions: IntervalActions{
			DemoteStaleRunning: func(i daemonid.ID) { mu.Lock(); demoted = append(demoted, i); mu.Unlock() },
			StopForAutostop:    func(daemonid.ID) {},
			RetryErrored:       func(daemonid.ID) {},
		},
	}
	w.tick()

	mu.Lock()
	defer mu.Unlock()
	if len(demoted) != 1 || demoted[0] != id {
		t.Fatalf("expected %v demoted, got %v", id, demoted)
	}
}

func TestIntervalTickRetriesErroredWithBudget(t *testing.T) {
	reg := registry.New()
	id := daemonid.ID{Namespace: "ns", Name: "flaky"}
	reg.Set(id, registry.Record{
		Spec:       registry.Spec{ID: id, RetryMax: 3},
		Status:     registry.StatusErrored,
		RetryCount: 1,
	})

	var retried []daemonid.ID
	w := &IntervalWatcher{
		Registry:  reg,
		ShellDirs: shelldir.New(),
		Actions: IntervalActions{
			DemoteStaleRunning: func(daemonid.ID) {},
			StopForAutostop:    func(daemonid.ID) {},
			RetryErrored:       func(i daemonid.ID) { retried = append(retried, i) },
		},
	}
	w.tick()

	if len(retried) != 1 || retried[0] != id {
		t.Fatalf("expected retry for %v, got %v", id, retried)
	}
}

func TestIntervalTickSkipsRetryAtBudget(t *testing.T) {
	reg := registry.New()
	id := daemonid.ID{Namespace: "ns", Name: "exhausted"}
	reg.Set(id, registry.Record{
		Spec:       registry.Spec{ID: id, RetryMax: 2},
		Status:     registry.StatusErrored,
		RetryCount: 2,
	})

	var retried []daemonid.ID
	w := &IntervalWatcher{
		Registry:  reg,
		ShellDirs: shelldir.New(),
		Actions: IntervalActions{
			DemoteStaleRunning: func(daemonid.ID) {},
			StopForAutostop:    func(daemonid.ID) {},
			RetryErrored:       func(i daemonid.ID) { retried = append(retried, i) },
		},
	}
	w.tick()

	if len(retried) != 0 {
		t.Fatalf("expected no retry once budget exhausted, got %v", retried)
	}
}

func TestAutostopScheduledAndCancellable(t *testing.T) {
	reg := registry.New()
	id := daemonid.ID{Namespace: "proj", Name: "api"}
	reg.Set(id, registry.Record{
		Spec:   registry.Spec{ID: id, WorkingDir: "/proj", AutoStop: true},
		Status: registry.StatusRunning,
	})

	sd := shelldir.New()
	stopped := make(chan daemonid.ID, 1)
	w := &IntervalWatcher{
		Registry:  reg,
		ShellDirs: sd,
		Actions: IntervalActions{
			DemoteStaleRunning: func(daemonid.ID) {},
			StopForAutostop:    func(i daemonid.ID) { stopped <- i },
			RetryErrored:       func(daemonid.ID) {},
		},
	}

	w.onLeaveDir("/proj", reg.Snapshot())
	w.CancelAutostop(id)

	select {
	case <-stopped:
		t.Fatal("expected autostop to be cancelled, but it fired")
	case <-time.After(autostopDebounce + 200*time.Millisecond):
	}
}

func TestAutostopFiresWithoutCancellation(t *testing.T) {
	reg := registry.New()
	id := daemonid.ID{Namespace: "proj", Name: "api"}
	reg.Set(id, registry.Record{
		Spec:   registry.Spec{ID: id, WorkingDir: "/proj", AutoStop: true},
		Status: registry.StatusRunning,
	})

	sd := shelldir.New()
	stopped := make(chan daemonid.ID, 1)
	w := &IntervalWatcher{
		Registry:  reg,
		ShellDirs: sd,
		Actions: IntervalActions{
			DemoteStaleRunning: func(daemonid.ID) {},
			StopForAutostop:    func(i daemonid.ID) { stopped <- i },
			RetryErrored:       func(daemonid.ID) {},
		},
	}

	w.onLeaveDir("/proj", reg.Snapshot())

	select {
	case got := <-stopped:
		if got != id {
			t.Fatalf("expected %v, got %v", id, got)
		}
	case <-time.After(autostopDebounce + 2*time.Second):
		t.Fatal("expected autostop to fire")
	}
}

func TestIntervalWatcherRunStopsCleanlyOnCancel(t *testing.T) {
	w := &IntervalWatcher{Registry: registry.New(), ShellDirs: shelldir.New(), Actions: IntervalActions{
		DemoteStaleRunning: func(daemonid.ID) {},
		StopForAutostop:    func(daemonid.ID) {},
		RetryErrored:       func(daemonid.ID) {},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
