package signal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"

	"github.com/ixedge/sigcore/internal/datasource"
)

// ErrUnsupported is returned by Start when the DataSource or the site
// descriptor cannot support signal inference.
var ErrUnsupported = errors.New("signal: datasource/descriptor does not support signal inference")

const syncIntervalCycles = 3

// Kind identifies a transition event's direction.
type Kind int

const (
	GreenOn Kind = iota
	GreenOff
)

func (k Kind) String() string {
	if k == GreenOn {
		return "green_on"
	}
	return "green_off"
}

// Event is emitted on every green/red transition of the target phase.
type Event struct {
	Kind            Kind
	Timestamp       time.Time
	PhaseCode       int
	DurationSeconds int
	ResidualCars    map[int]int
}

// TransitionCallback receives every Event the engine emits. It runs on the
// monitor goroutine; implementations must not block it indefinitely.
type TransitionCallback func(Event)

// Config bundles the Engine's dependencies and tunables.
type Config struct {
	DataSource     datasource.DataSource
	IntersectionID string
	TargetPhase    int
	Callback       TransitionCallback
	ResidualCars   map[int]int

	// Clock defaults to clockwork.NewRealClock(). Inject a fake clock in
	// tests to drive the monitor loop without sleeping in real time.
	Clock clockwork.Clock

	// TickUnit defaults to time.Second, reproducing the one-second
	// quantum described by the spec this engine implements. Tests may
	// shrink it so a multi-cycle monitor loop runs in milliseconds; this
	// has no effect on production behavior at its default value.
	TickUnit time.Duration

	Logger *slog.Logger
}

// Engine reconstructs a dual-ring signal cycle from a periodically-polled
// phase plan and emits green/red transition events for a single target
// phase.
type Engine struct {
	ds             datasource.DataSource
	intersectionID string
	targetPhase    int
	cb             TransitionCallback
	clock          clockwork.Clock
	tickUnit       time.Duration
	logger         *slog.Logger

	mu           sync.RWMutex
	plan         Plan
	havePlan     bool
	curIndex     int
	greenOn      bool
	lc           int
	residualCars map[int]int
	nextChangeAt time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine constructs an Engine. TargetPhase must be > 0 and DataSource
// must support signal data, or Start will fail with ErrUnsupported.
func NewEngine(cfg Config) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	tickUnit := cfg.TickUnit
	if tickUnit <= 0 {
		tickUnit = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		ds:             cfg.DataSource,
		intersectionID: cfg.IntersectionID,
		targetPhase:    cfg.TargetPhase,
		cb:             cfg.Callback,
		clock:          clock,
		tickUnit:       tickUnit,
		logger:         logger,
		residualCars:   cfg.ResidualCars,
	}
}

// Start performs the initial sync and, on success, launches the monitor
// goroutine. It returns ErrUnsupported if the DataSource/descriptor cannot
// support inference, or ErrNotReady if the plan source has no data and no
// cached plan exists yet.
func (e *Engine) Start(ctx context.Context) error {
	if !e.ds.SupportsSignalData() || e.targetPhase <= 0 {
		return ErrUnsupported
	}

	sleepSecs, err := e.sync(ctx)
	if err != nil && !e.hasPlan() {
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.monitorLoop(runCtx, sleepSecs)
	}()
	return nil
}

// Stop signals the monitor goroutine to exit and waits for it. Shutdown
// latency is bounded by the tick unit: the monitor never sleeps longer than
// one tick without checking for cancellation.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) hasPlan() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.havePlan
}

// sync resynchronizes engine state with the plan source. On success it
// returns the number of tick units to sleep before the next transition.
func (e *Engine) sync(ctx context.Context) (int, error) {
	movements, err := e.ds.GetMovements(ctx, e.intersectionID)
	if err != nil {
		e.logger.Warn("get_movements failed", "intersection_id", e.intersectionID, "error", err)
	}
	durations, lc, err := e.ds.GetPhaseDurations(ctx, e.intersectionID)
	if err != nil {
		e.logger.Warn("get_phase_durations failed", "intersection_id", e.intersectionID, "error", err)
	}

	if len(movements) == 0 || len(durations) == 0 {
		e.mu.RLock()
		havePlan := e.havePlan
		plan := e.plan
		lcBefore := e.lc
		e.mu.RUnlock()

		if !havePlan {
			syncFailuresTotal.Inc()
			return 0, ErrNotReady
		}

		// Best-effort drift estimate: if lc wasn't actually refreshed this
		// round, fall back to the first interval's start rather than
		// trusting a stale value.
		effectiveLC := lc
		if lc == lcBefore {
			effectiveLC = plan.Intervals[0].Start
		}
		return e.calculateSleep(effectiveLC), nil
	}

	plan, err := BuildPlan(movements, durations, e.targetPhase)
	if err != nil {
		syncFailuresTotal.Inc()
		e.logger.Warn("phase plan parse failed, retaining previous plan", "error", err)
		return 0, err
	}

	e.mu.Lock()
	e.plan = plan
	e.havePlan = true
	e.mu.Unlock()

	return e.calculateSleep(lc), nil
}

// calculateSleep locates lc within the current plan, updates engine
// position state, and returns the tick units to sleep until the next
// transition.
func (e *Engine) calculateSleep(lc int) int {
	e.mu.Lock()
	pos := e.plan.locate(lc)
	e.curIndex = pos.index
	e.greenOn = pos.greenOn
	e.lc = lc
	e.mu.Unlock()

	currentPhaseGreen.Set(boolToFloat(pos.greenOn))
	return pos.sleepTime
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (e *Engine) tickDuration(n int) time.Duration {
	return time.Duration(n) * e.tickUnit
}

func (e *Engine) emit(kind Kind, durationSeconds int) {
	e.mu.RLock()
	residual := e.residualCars
	phaseCode := 0
	if kind == GreenOn {
		phaseCode = 1
	}
	e.mu.RUnlock()

	now := e.clock.Now()
	e.mu.Lock()
	e.nextChangeAt = now.Add(e.tickDuration(durationSeconds))
	e.mu.Unlock()

	transitionsTotal.WithLabelValues(kind.String()).Inc()

	if e.cb == nil {
		return
	}
	e.cb(Event{
		Kind:            kind,
		Timestamp:       now,
		PhaseCode:       phaseCode,
		DurationSeconds: durationSeconds,
		ResidualCars:    residual,
	})
}

// monitorLoop is the engine's main loop, run on its own goroutine. It holds
// no long locks and blocks only in interruptible sleeps, so Stop returns
// within one tick unit.
func (e *Engine) monitorLoop(ctx context.Context, initialSleepSecs int) {
	if !interruptibleSleep(ctx, e.tickDuration(initialSleepSecs), e.tickUnit) {
		return
	}

	e.mu.RLock()
	curIndex := e.curIndex
	greenOn := e.greenOn
	plan := e.plan
	e.mu.RUnlock()

	cyclesSinceResync := 0

	if greenOn {
		redGap := plan.redGapAfter(curIndex)
		e.mu.Lock()
		e.greenOn = false
		e.mu.Unlock()
		e.emit(GreenOff, redGap)
		if !interruptibleSleep(ctx, e.tickDuration(redGap), e.tickUnit) {
			return
		}

		next, wrapped := plan.nextIndex(curIndex)
		curIndex = next
		e.mu.Lock()
		e.curIndex = curIndex
		e.mu.Unlock()
		if wrapped {
			cyclesSinceResync++
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if cyclesSinceResync >= syncIntervalCycles {
			e.resyncAndReconcile(ctx, &curIndex, &greenOn)
			cyclesSinceResync = 0
		}

		e.mu.RLock()
		plan = e.plan
		e.mu.RUnlock()

		cur := plan.Intervals[curIndex]
		greenLen := cur.End - cur.Start

		e.mu.Lock()
		e.greenOn = true
		e.mu.Unlock()
		prevOnTime := e.clock.Now()
		e.emit(GreenOn, greenLen)

		deadline := prevOnTime.Add(e.tickDuration(greenLen))
		if !e.sleepUntil(ctx, deadline) {
			return
		}

		redGap := plan.redGapAfter(curIndex)
		e.mu.Lock()
		e.greenOn = false
		e.mu.Unlock()
		e.emit(GreenOff, redGap)
		if !interruptibleSleep(ctx, e.tickDuration(redGap), e.tickUnit) {
			return
		}

		next, wrapped := plan.nextIndex(curIndex)
		curIndex = next
		greenOn = false
		e.mu.Lock()
		e.curIndex = curIndex
		e.mu.Unlock()
		if wrapped {
			cyclesSinceResync++
		}
	}
}

// sleepUntil sleeps, in tick-unit steps, until deadline as measured by
// e.clock. Negative or zero remaining duration returns immediately.
func (e *Engine) sleepUntil(ctx context.Context, deadline time.Time) bool {
	remaining := deadline.Sub(e.clock.Now())
	return interruptibleSleep(ctx, remaining, e.tickUnit)
}

// resyncAndReconcile calls sync() and, if the freshly-read position
// disagrees with the loop's current understanding, emits the single
// transition needed to catch up. Clock drift alone cannot skip an entire
// interval within the resync window; an underlying plan change can.
func (e *Engine) resyncAndReconcile(ctx context.Context, curIndex *int, greenOn *bool) {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (int, error) {
		if attempt > 0 {
			e.logger.Warn("periodic resync failed, retrying", "attempt", attempt)
		}
		attempt++
		return e.sync(ctx)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
	if err != nil {
		e.logger.Warn("periodic resync failed, retaining previous plan", "error", err)
		return
	}

	e.mu.RLock()
	newIndex := e.curIndex
	newGreen := e.greenOn
	plan := e.plan
	e.mu.RUnlock()

	if newGreen == *greenOn && newIndex == *curIndex {
		return
	}

	if newGreen != *greenOn {
		if newGreen {
			e.emit(GreenOn, plan.Intervals[newIndex].End-plan.Intervals[newIndex].Start)
		} else {
			e.emit(GreenOff, plan.redGapAfter(*curIndex))
		}
	}
	*curIndex = newIndex
	*greenOn = newGreen
}

// ForceSync triggers an out-of-band resync against the plan source,
// independent of the monitor loop's periodic schedule.
func (e *Engine) ForceSync(ctx context.Context) error {
	_, err := e.sync(ctx)
	return err
}

// IsGreen reports whether the target phase is currently green.
func (e *Engine) IsGreen() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.greenOn
}

// TimeToNextChange returns the time remaining until the next transition, as
// of the last scheduled emit. It never returns a negative duration.
func (e *Engine) TimeToNextChange() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d := e.nextChangeAt.Sub(e.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}

// CycleDuration returns the current plan's cycle duration in tick units.
func (e *Engine) CycleDuration() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.plan.CycleDuration
}

// CurrentLC returns the last LC_CNT value the engine positioned itself
// against.
func (e *Engine) CurrentLC() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lc
}

// DirectionForSpecialSite returns the ROI direction code to substitute for
// the Special Site adapter: 11 (straight) while green, 21 (left) while red.
func (e *Engine) DirectionForSpecialSite() int {
	if e.IsGreen() {
		return 11
	}
	return 21
}
