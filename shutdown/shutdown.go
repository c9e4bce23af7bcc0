package shutdown

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/mcpwire/errors"
	"github.com/vinayprograms/mcpwire/logging"
)

// Phases used by the gateway.
const (
	// PhaseSessions refuses new sessions and closes open ones with their
	// upstream servers. Event streams never go idle on their own, so this
	// runs before the listeners drain.
	PhaseSessions = 10
	// PhaseListeners stops the HTTP server once no stream is holding it.
	PhaseListeners = 20
	// PhaseTelemetry flushes exporters.
	PhaseTelemetry = 30
)

// DefaultTimeout bounds Run when Config.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// Func releases one component.
type Func func(ctx context.Context) error

// StepResult reports one registered step.
type StepResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result reports a whole run.
type Result struct {
	Duration time.Duration
	Steps    []StepResult
	Err      error
}

// Failed returns the names of steps that returned an error.
func (r *Result) Failed() []string {
	var failed []string
	for _, s := range r.Steps {
		if s.Err != nil {
			failed = append(failed, s.Name)
		}
	}
	return failed
}

// Config configures a Sequence.
type Config struct {
	// Timeout bounds the whole run. Default: DefaultTimeout.
	Timeout time.Duration

	// Logger receives one line per step. Default: discard.
	Logger *logging.Logger
}

type step struct {
	name  string
	phase int
	fn    Func
}

// Sequence runs registered steps once, phase by phase.
type Sequence struct {
	cfg Config

	mu     sync.Mutex
	steps  []step
	once   sync.Once
	done   chan struct{}
	result *Result
}

// New creates an empty sequence.
func New(cfg Config) *Sequence {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return &Sequence{cfg: cfg, done: make(chan struct{})}
}

// Register adds a step. Steps registered after Run has started are ignored.
func (s *Sequence) Register(name string, phase int, fn Func) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step{name: name, phase: phase, fn: fn})
}

// Run executes the sequence with the configured timeout.
func (s *Sequence) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()
	return s.RunContext(ctx)
}

// RunContext executes the sequence under ctx. Only the first call runs the
// steps; later calls wait for it and return the same error.
func (s *Sequence) RunContext(ctx context.Context) error {
	s.once.Do(func() {
		s.result = s.run(ctx)
		close(s.done)
	})
	<-s.done
	return s.result.Err
}

// Done is closed when the run has finished.
func (s *Sequence) Done() <-chan struct{} { return s.done }

// Result returns the run report, or nil before Done is closed.
func (s *Sequence) Result() *Result {
	select {
	case <-s.done:
		return s.result
	default:
		return nil
	}
}

func (s *Sequence) run(ctx context.Context) *Result {
	start := time.Now()

	s.mu.Lock()
	steps := make([]step, len(s.steps))
	copy(steps, s.steps)
	s.steps = nil
	s.mu.Unlock()

	sort.SliceStable(steps, func(i, j int) bool { return steps[i].phase < steps[j].phase })

	res := &Result{Steps: make([]StepResult, 0, len(steps))}
	for _, group := range byPhase(steps) {
		if ctx.Err() != nil {
			res.Err = errors.Timeout("shutdown timeout exceeded", errors.WithCause(ctx.Err()))
			break
		}
		res.Steps = append(res.Steps, s.runPhase(ctx, group)...)
	}

	if res.Err == nil {
		if failed := res.Failed(); len(failed) > 0 {
			res.Err = errors.Internal("shutdown steps failed: " + strings.Join(failed, ", "))
		}
	}
	res.Duration = time.Since(start)
	return res
}

func (s *Sequence) runPhase(ctx context.Context, group []step) []StepResult {
	results := make([]StepResult, len(group))
	var g errgroup.Group
	for i, st := range group {
		g.Go(func() error {
			begin := time.Now()
			err := st.fn(ctx)
			results[i] = StepResult{Name: st.name, Phase: st.phase, Duration: time.Since(begin), Err: err}

			fields := map[string]interface{}{"step": st.name, "phase": st.phase, "duration_ms": time.Since(begin).Milliseconds()}
			if err != nil {
				fields["error"] = err.Error()
				s.cfg.Logger.Warn("shutdown step failed", fields)
			} else {
				s.cfg.Logger.Debug("shutdown step done", fields)
			}
			return err
		})
	}
	g.Wait()
	return results
}

// byPhase splits sorted steps into runs of equal phase.
func byPhase(steps []step) [][]step {
	var groups [][]step
	for i := 0; i < len(steps); {
		j := i
		for j < len(steps) && steps[j].phase == steps[i].phase {
			j++
		}
		groups = append(groups, steps[i:j])
		i = j
	}
	return groups
}
