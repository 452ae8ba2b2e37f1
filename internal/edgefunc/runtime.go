package edgefunc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrUnknownStep     = errors.New("unknown edge function")
	ErrInvalidModifier = errors.New("modifier does not match function category")
)

const defaultStepTimeout = 5 * time.Second

// stepStats accumulates per-step counters. Counters survive re-registration
// of the same name so operational history is preserved.
type stepStats struct {
	executions int64 // all invocations
	errors     int64
	timeouts   int64
	successNS  int64 // total duration of successful executions
	successes  int64
}

// StepStats is the exported snapshot of one step's counters.
type StepStats struct {
	Executions      int64         `json:"executions"`
	AverageDuration time.Duration `json:"average_duration"`
	ErrorRate       float64       `json:"error_rate"`
	TimeoutRate     float64       `json:"timeout_rate"`
	Enabled         bool          `json:"enabled"`
}

type step struct {
	cfg    Config
	reqFn  RequestModifier
	respFn ResponseModifier
	stats  *stepStats
}

// Runtime executes ordered, timeout-bounded pipelines of registered edge
// functions. The ordered step list is rebuilt on registration and published
// wholesale, so concurrent pipeline runs never observe a partially-updated
// list.
type Runtime struct {
	mu       sync.RWMutex
	steps    map[string]*step
	ordered  []*step // ascending (priority, name)
	observer func(name, outcome string)
	logger   *zap.Logger
}

func NewRuntime(logger *zap.Logger) *Runtime {
	return &Runtime{
		steps:  make(map[string]*step),
		logger: logger,
	}
}

// Register adds or replaces a pipeline step. The modifier must match the
// config's category side: request-side categories take a RequestModifier,
// response modifiers take a ResponseModifier. Replacing an existing name
// keeps its cumulative statistics.
func (rt *Runtime) Register(cfg Config, fn interface{}) error {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultStepTimeout
	}

	s := &step{cfg: cfg, stats: &stepStats{}}
	switch m := fn.(type) {
	case RequestModifier:
		if !cfg.Category.requestSide() {
			return fmt.Errorf("%w: %s is response-side", ErrInvalidModifier, cfg.Name)
		}
		s.reqFn = m
	case ResponseModifier:
		if cfg.Category.requestSide() {
			return fmt.Errorf("%w: %s is request-side", ErrInvalidModifier, cfg.Name)
		}
		s.respFn = m
	default:
		return fmt.Errorf("%w: %T", ErrInvalidModifier, fn)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if prev, ok := rt.steps[cfg.Name]; ok {
		s.stats = prev.stats
	}
	rt.steps[cfg.Name] = s
	rt.rebuildLocked()

	rt.logger.Info("edge function registered",
		zap.String("name", cfg.Name),
		zap.String("category", string(cfg.Category)),
		zap.Int("priority", cfg.Priority),
		zap.Bool("enabled", cfg.Enabled))
	return nil
}

// SetObserver installs a per-execution callback, used to feed external
// metrics. Must be called before the runtime starts serving pipelines.
func (rt *Runtime) SetObserver(fn func(name, outcome string)) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.observer = fn
}

func (rt *Runtime) observe(name, outcome string) {
	rt.mu.RLock()
	fn := rt.observer
	rt.mu.RUnlock()
	if fn != nil {
		fn(name, outcome)
	}
}

// SetEnabled toggles a registered step without touching its statistics.
func (rt *Runtime) SetEnabled(name string, enabled bool) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	s, ok := rt.steps[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStep, name)
	}
	s.cfg.Enabled = enabled
	rt.rebuildLocked()
	return nil
}

func (rt *Runtime) rebuildLocked() {
	ordered := make([]*step, 0, len(rt.steps))
	for _, s := range rt.steps {
		ordered = append(ordered, s)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].cfg.Priority != ordered[j].cfg.Priority {
			return ordered[i].cfg.Priority < ordered[j].cfg.Priority
		}
		return ordered[i].cfg.Name < ordered[j].cfg.Name
	})
	rt.ordered = ordered
}

func (rt *Runtime) snapshot(requestSide bool) []*step {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	eligible := make([]*step, 0, len(rt.ordered))
	for _, s := range rt.ordered {
		if s.cfg.Enabled && s.cfg.Category.requestSide() == requestSide {
			eligible = append(eligible, s)
		}
	}
	return eligible
}

// RunRequestPipeline executes all enabled request-side steps in ascending
// priority order. A step that times out or errors is discarded and the
// pre-step value carried forward; one broken step never aborts delivery.
func (rt *Runtime) RunRequestPipeline(ctx context.Context, req *Request) *Request {
	current := req
	for _, s := range rt.snapshot(true) {
		out := rt.execute(ctx, s, func(stepCtx context.Context) (interface{}, error) {
			return s.reqFn.ModifyRequest(stepCtx, current.Clone())
		})
		if out != nil {
			if next, ok := out.(*Request); ok && next != nil {
				current = next
			}
		}
	}
	return current
}

// RunResponsePipeline executes all enabled response-modifier steps with both
// the request and the current response visible, under the same fault
// isolation policy as the request pipeline.
func (rt *Runtime) RunResponsePipeline(ctx context.Context, req *Request, resp *Response) *Response {
	current := resp
	for _, s := range rt.snapshot(false) {
		out := rt.execute(ctx, s, func(stepCtx context.Context) (interface{}, error) {
			return s.respFn.ModifyResponse(stepCtx, req, current.Clone())
		})
		if out != nil {
			if next, ok := out.(*Response); ok && next != nil {
				current = next
			}
		}
	}
	return current
}

type stepResult struct {
	value interface{}
	err   error
}

// execute runs one step bounded by its configured timeout. On timeout or
// error the result is discarded and nil returned; the abandoned goroutine
// works on a clone, so it cannot mutate the value carried forward.
func (rt *Runtime) execute(ctx context.Context, s *step, fn func(context.Context) (interface{}, error)) interface{} {
	atomic.AddInt64(&s.stats.executions, 1)

	stepCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	done := make(chan stepResult, 1)
	start := time.Now()
	go func() {
		value, err := fn(stepCtx)
		done <- stepResult{value: value, err: err}
	}()

	select {
	case <-stepCtx.Done():
		atomic.AddInt64(&s.stats.timeouts, 1)
		rt.observe(s.cfg.Name, "timeout")
		rt.logger.Warn("edge function timed out",
			zap.String("name", s.cfg.Name),
			zap.Duration("timeout", s.cfg.Timeout))
		return nil
	case res := <-done:
		if res.err != nil {
			atomic.AddInt64(&s.stats.errors, 1)
			rt.observe(s.cfg.Name, "error")
			rt.logger.Warn("edge function failed",
				zap.String("name", s.cfg.Name),
				zap.Error(res.err))
			return nil
		}
		atomic.AddInt64(&s.stats.successes, 1)
		atomic.AddInt64(&s.stats.successNS, time.Since(start).Nanoseconds())
		rt.observe(s.cfg.Name, "success")
		return res.value
	}
}

// Stats returns per-step cumulative statistics. Average duration is computed
// over successful executions only.
func (rt *Runtime) Stats() map[string]StepStats {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	out := make(map[string]StepStats, len(rt.steps))
	for name, s := range rt.steps {
		executions := atomic.LoadInt64(&s.stats.executions)
		errCount := atomic.LoadInt64(&s.stats.errors)
		timeouts := atomic.LoadInt64(&s.stats.timeouts)
		successes := atomic.LoadInt64(&s.stats.successes)
		successNS := atomic.LoadInt64(&s.stats.successNS)

		stats := StepStats{
			Executions: executions,
			Enabled:    s.cfg.Enabled,
		}
		if executions > 0 {
			stats.ErrorRate = float64(errCount) / float64(executions)
			stats.TimeoutRate = float64(timeouts) / float64(executions)
		}
		if successes > 0 {
			stats.AverageDuration = time.Duration(successNS / successes)
		}
		out[name] = stats
	}
	return out
}
