package shutdown

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/mcpwire/errors"
)

func TestSequence_PhaseOrder(t *testing.T) {
	seq := New(Config{})

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) Func {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	seq.Register("tracing", PhaseTelemetry, record("tracing"))
	seq.Register("http", PhaseListeners, record("http"))
	seq.Register("sessions", PhaseSessions, record("sessions"))

	if err := seq.Run(); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	want := []string{"sessions", "http", "tracing"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order = %v, want %v", order, want)
			break
		}
	}
}

func TestSequence_SamePhaseRunsConcurrently(t *testing.T) {
	seq := New(Config{})
	release := make(chan struct{})
	started := make(chan struct{}, 2)

	for _, name := range []string{"a", "b"} {
		seq.Register(name, PhaseSessions, func(ctx context.Context) error {
			started <- struct{}{}
			<-release
			return nil
		})
	}

	errCh := make(chan error, 1)
	go func() { errCh <- seq.Run() }()

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("steps in one phase should start together")
		}
	}
	close(release)
	if err := <-errCh; err != nil {
		t.Errorf("Run() = %v", err)
	}
}

func TestSequence_FailuresContinue(t *testing.T) {
	seq := New(Config{})
	ran := false
	seq.Register("bad", PhaseSessions, func(ctx context.Context) error { return stderrors.New("boom") })
	seq.Register("after", PhaseTelemetry, func(ctx context.Context) error { ran = true; return nil })

	err := seq.Run()
	if !errors.Is(err, errors.ErrCodeInternal) {
		t.Errorf("Run() = %v, want INTERNAL", err)
	}
	if !ran {
		t.Error("later phases should still run after a failure")
	}
	res := seq.Result()
	if failed := res.Failed(); len(failed) != 1 || failed[0] != "bad" {
		t.Errorf("Failed() = %v", failed)
	}
}

func TestSequence_Timeout(t *testing.T) {
	seq := New(Config{Timeout: 20 * time.Millisecond})
	late := false
	seq.Register("slow", PhaseListeners, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	seq.Register("late", PhaseTelemetry, func(ctx context.Context) error { late = true; return nil })

	if err := seq.Run(); !errors.Is(err, errors.ErrCodeTimeout) {
		t.Errorf("Run() = %v, want TIMEOUT", err)
	}
	if late {
		t.Error("phases after the deadline should not run")
	}
}

func TestSequence_RunsOnce(t *testing.T) {
	seq := New(Config{})
	calls := 0
	seq.Register("x", PhaseListeners, func(ctx context.Context) error { calls++; return nil })

	if seq.Result() != nil {
		t.Error("Result() should be nil before Run")
	}
	seq.Run()
	seq.Run()
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	select {
	case <-seq.Done():
	default:
		t.Error("Done() should be closed")
	}
	if res := seq.Result(); res == nil || len(res.Steps) != 1 || res.Steps[0].Name != "x" {
		t.Errorf("Result() = %+v", res)
	}
}

func TestSequence_Empty(t *testing.T) {
	if err := New(Config{}).Run(); err != nil {
		t.Errorf("Run() = %v", err)
	}
}

func TestByPhase(t *testing.T) {
	groups := byPhase([]step{{name: "a", phase: 1}, {name: "b", phase: 1}, {name: "c", phase: 2}})
	if len(groups) != 2 || len(groups[0]) != 2 || groups[1][0].name != "c" {
		t.Errorf("byPhase = %+v", groups)
	}
	if byPhase(nil) != nil {
		t.Error("byPhase(nil) should be nil")
	}
}
