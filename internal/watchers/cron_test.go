package watchers

import (
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/daemonid"
	"github.com/wardenhq/warden/internal/registry"
	"github.com/wardenhq/warden/internal/specconfig"
)

func TestCronScheduleForCachesByExpr(t *testing.T) {
	w := &CronWatcher{Registry: registry.New()}
	id := daemonid.ID{Namespace: "ns", Name: "job"}

	first, ok := w.scheduleFor(id, "*/1 * * * * *")
	if !ok {
		t.Fatal("expected a valid schedule")
	}
	second, ok := w.scheduleFor(id, "*/1 * * * * *")
	if !ok || second != first {
		t.Fatal("expected cached schedule instance to be reused")
	}

	third, ok := w.scheduleFor(id, "*/2 * * * * *")
	if !ok || third == first {
		t.Fatal("expected a new schedule when the expression changes")
	}
}

func TestCronScheduleForRejectsInvalidExpr(t *testing.T) {
	w := &CronWatcher{Registry: registry.New()}
	id := daemonid.ID{Namespace: "ns", Name: "job"}
	_, ok := w.scheduleFor(id, "not a cron expression")
	if ok {
		t.Fatal("expected invalid expression to be rejected")
	}
}

func TestEvaluateFinishSkipsWhileRunning(t *testing.T) {
	var fired []daemonid.ID
	w := &CronWatcher{
		Registry: registry.New(),
		Actions: CronActions{
			FireOnCronTrigger: func(id daemonid.ID) { fired = append(fired, id) },
			StopThenFire:      func(daemonid.ID) {},
		},
	}
	id := daemonid.ID{Namespace: "ns", Name: "job"}

	w.evaluate(id, registry.Record{Spec: registry.Spec{CronRetrigger: specconfig.RetriggerFinish}, Status: registry.StatusRunning})
	if len(fired) != 0 {
		t.Fatalf("expected no fire while running, got %v", fired)
	}

	w.evaluate(id, registry.Record{Spec: registry.Spec{CronRetrigger: specconfig.RetriggerFinish}, Status: registry.StatusStopped})
	if len(fired) != 1 {
		t.Fatalf("expected fire once stopped, got %v", fired)
	}
}

func TestEvaluateAlwaysStopsRunningThenFires(t *testing.T) {
	var stopped, fired []daemonid.ID
	w := &CronWatcher{
		Registry: registry.New(),
		Actions: CronActions{
			FireOnCronTrigger: func(id daemonid.ID) { fired = append(fired, id) },
			StopThenFire:      func(id daemonid.ID) { stopped = append(stopped, id) },
		},
	}
	id := daemonid.ID{Namespace: "ns", Name: "job"}
	w.evaluate(id, registry.Record{Spec: registry.Spec{CronRetrigger: specconfig.RetriggerAlways}, Status: registry.StatusRunning})
	if len(stopped) != 1 || len(fired) != 0 {
		t.Fatalf("expected stop-then-fire path, got stopped=%v fired=%v", stopped, fired)
	}
}

func TestEvaluateSuccessOnlyFiresAfterSuccessfulExit(t *testing.T) {
	var fired []daemonid.ID
	w := &CronWatcher{
		Registry: registry.New(),
		Actions:  CronActions{FireOnCronTrigger: func(id daemonid.ID) { fired = append(fired, id) }, StopThenFire: func(daemonid.ID) {}},
	}
	id := daemonid.ID{Namespace: "ns", Name: "job"}
	success := true
	failure := false

	w.evaluate(id, registry.Record{Spec: registry.Spec{CronRetrigger: specconfig.RetriggerSuccess}, LastExitSuccess: &failure})
	if len(fired) != 0 {
		t.Fatalf("expected no fire after failed exit, got %v", fired)
	}
	w.evaluate(id, registry.Record{Spec: registry.Spec{CronRetrigger: specconfig.RetriggerSuccess}, LastExitSuccess: &success})
	if len(fired) != 1 {
		t.Fatalf("expected fire after successful exit, got %v", fired)
	}
}

func TestTickFiresWhenScheduleElapsed(t *testing.T) {
	reg := registry.New()
	id := daemonid.ID{Namespace: "ns", Name: "every-second"}
	reg.Set(id, registry.Record{
		Spec:   registry.Spec{ID: id, CronSchedule: "*/1 * * * * *", CronRetrigger: specconfig.RetriggerFinish},
		Status: registry.StatusStopped,
	})

	var fired []daemonid.ID
	w := &CronWatcher{
		Registry: reg,
		Actions:  CronActions{FireOnCronTrigger: func(id daemonid.ID) { fired = append(fired, id) }, StopThenFire: func(daemonid.ID) {}},
		lastTick: time.Now().Add(-2 * time.Second),
	}
	w.tick(time.Now())

	if len(fired) != 1 {
		t.Fatalf("expected exactly one fire, got %v", fired)
	}
}
