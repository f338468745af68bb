package soltest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/soltest-io/soltest/runner"
	"github.com/soltest-io/soltest/watcher"
)

// RunState tracks where the controller is in the compile, deploy, test
// cycle. Exactly one state is active at a time.
type RunState int32

const (
	StateIdle RunState = iota
	StateBuilding
	StateDeploying
	StateRunning
	StateAborting
)

func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuilding:
		return "building"
	case StateDeploying:
		return "deploying"
	case StateRunning:
		return "running"
	case StateAborting:
		return "aborting"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Stage names the part of a run an outcome refers to.
type Stage string

const (
	StageBuild  Stage = "build"
	StageDeploy Stage = "deploy"
	StageTest   Stage = "test"
)

// RunTrigger records why a run started.
type RunTrigger string

const (
	TriggerInitial RunTrigger = "initial"
	TriggerChange  RunTrigger = "change"
)

// Pipeline is the work one run performs, stage by stage. At most one run
// invokes it at a time; implementations are reused across runs.
type Pipeline interface {
	// PurgeCaches drops per-run caches. The controller calls it
	// synchronously before every run, so a run never sees artifacts cached
	// by its predecessor.
	PurgeCaches()
	Build(ctx context.Context) error
	Deploy(ctx context.Context) error
	RunTests(ctx context.Context) (*runner.Result, error)
	// SupportsAbort reports whether RunTests honors context cancellation.
	// When false, a change mid-test lets the session finish and the rerun
	// waits for it.
	SupportsAbort() bool
}

// RunOutcome describes one finished run. Err is nil on success; failing
// tests are not an Err, they live in Result.
type RunOutcome struct {
	Seq      uint64
	Trigger  RunTrigger
	Stage    Stage
	Err      error
	Result   *runner.Result
	Aborted  bool
	Duration time.Duration
}

type eventKind int

const (
	evChange eventKind = iota
	evStart
	evDebounce
	evStageDone
)

type controllerEvent struct {
	kind     eventKind
	seq      uint64
	trigger  RunTrigger
	stage    Stage
	err      error
	result   *runner.Result
	duration time.Duration
}

// RunController is the state machine at the core of watch mode. A single
// loop goroutine owns all state; changes, manual starts and stage
// completions arrive as events on one channel, so no ordering between
// "change detected" and "stage finished" can race.
type RunController struct {
	pipeline Pipeline
	debounce time.Duration
	log      log.Logger

	events chan controllerEvent
	state  atomic.Int32

	started atomic.Bool
	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelFunc

	// Loop-owned; never touched outside the loop goroutine.
	seq          uint64
	pendingRerun bool
	debouncing   bool
	cancelRun    context.CancelFunc
	onComplete   func(RunOutcome)
}

// NewRunController creates a controller driving the given pipeline.
// Debounce is the quiet period coalescing change events while Idle.
func NewRunController(pipeline Pipeline, debounce time.Duration, logger log.Logger) *RunController {
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &RunController{
		pipeline:   pipeline,
		debounce:   debounce,
		log:        logger,
		events:     make(chan controllerEvent, 64),
		done:       make(chan struct{}),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}
}

// OnRunComplete registers the callback receiving every run outcome,
// aborted ones included. It must be set before Start and is invoked from
// the loop goroutine.
func (c *RunController) OnRunComplete(cb func(RunOutcome)) {
	c.onComplete = cb
}

// State returns the current run state.
func (c *RunController) State() RunState {
	return RunState(c.state.Load())
}

// Start launches the event loop. A controller cannot be restarted.
func (c *RunController) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("controller already started")
	}
	c.running.Store(true)
	c.log.Debug("Starting run controller", "debounce", c.debounce)

	c.wg.Add(1)
	go c.loop()
	return nil
}

// Stop cancels any in-flight run and shuts the loop down. Safe to call
// more than once.
func (c *RunController) Stop(ctx context.Context) error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}
	c.baseCancel()
	close(c.done)
	c.wg.Wait()
	return nil
}

// Stopped returns true once Stop has been called.
func (c *RunController) Stopped() bool {
	return !c.running.Load() && c.started.Load()
}

// WaitForShutdown blocks until the loop and any run goroutine terminate.
func (c *RunController) WaitForShutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		c.log.Warn("Timed out waiting for controller to terminate", "error", ctx.Err())
		return ctx.Err()
	}
}

// OnChange feeds a watcher event into the controller.
func (c *RunController) OnChange(ev watcher.Event) {
	c.log.Debug("Change observed", "path", ev.Path)
	c.post(controllerEvent{kind: evChange})
}

// StartRun requests a run. From Idle it starts immediately (no debounce);
// during a run it marks a rerun pending.
func (c *RunController) StartRun() {
	c.post(controllerEvent{kind: evStart, trigger: TriggerInitial})
}

// RunOnce executes a single run synchronously for one-shot mode. It must
// not be combined with Start.
func (c *RunController) RunOnce(ctx context.Context) (*runner.Result, error) {
	if c.started.Load() {
		return nil, errors.New("controller loop is running")
	}

	c.pipeline.PurgeCaches()
	c.setState(StateBuilding)
	defer c.setState(StateIdle)

	if err := c.pipeline.Build(ctx); err != nil {
		return nil, err
	}
	c.setState(StateDeploying)
	if err := c.pipeline.Deploy(ctx); err != nil {
		return nil, err
	}
	c.setState(StateRunning)
	return c.pipeline.RunTests(ctx)
}

func (c *RunController) setState(s RunState) {
	c.state.Store(int32(s))
}

// post delivers an event to the loop, giving up once the controller shuts
// down.
func (c *RunController) post(ev controllerEvent) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *RunController) loop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

func (c *RunController) handle(ev controllerEvent) {
	switch ev.kind {
	case evChange:
		c.onChange()
	case evStart:
		if c.State() == StateIdle {
			c.start(ev.trigger)
		} else {
			c.pendingRerun = true
		}
	case evDebounce:
		c.debouncing = false
		if c.State() == StateIdle {
			c.start(TriggerChange)
		}
	case evStageDone:
		c.onStageDone(ev)
	}
}

func (c *RunController) onChange() {
	switch c.State() {
	case StateIdle:
		if c.debounce <= 0 {
			c.start(TriggerChange)
			return
		}
		if c.debouncing {
			return
		}
		c.debouncing = true
		time.AfterFunc(c.debounce, func() {
			c.post(controllerEvent{kind: evDebounce})
		})

	case StateBuilding, StateDeploying:
		// Not abortable; the run completes and then consults the flag.
		c.pendingRerun = true

	case StateRunning:
		c.pendingRerun = true
		if c.pipeline.SupportsAbort() && c.cancelRun != nil {
			c.log.Info("Change during test run, aborting session")
			c.cancelRun()
			c.setState(StateAborting)
		}

	case StateAborting:
		// Already pending; further changes coalesce.
	}
}

// start is legal only from Idle. The cache purge is synchronous, so it
// happens before the run goroutine can reach the build stage.
func (c *RunController) start(trigger RunTrigger) {
	c.pendingRerun = false
	c.pipeline.PurgeCaches()

	c.seq++
	runCtx, cancel := context.WithCancel(c.baseCtx)
	c.cancelRun = cancel
	c.setState(StateBuilding)
	c.log.Info("Run started", "seq", c.seq, "trigger", trigger)

	c.wg.Add(1)
	go c.run(runCtx, c.seq, trigger)
}

// run executes the stages of one run and reports back through events. It
// owns no controller state.
func (c *RunController) run(ctx context.Context, seq uint64, trigger RunTrigger) {
	defer c.wg.Done()
	start := time.Now()
	post := func(stage Stage, err error, result *runner.Result) {
		c.post(controllerEvent{
			kind:     evStageDone,
			seq:      seq,
			trigger:  trigger,
			stage:    stage,
			err:      err,
			result:   result,
			duration: time.Since(start),
		})
	}

	if err := c.pipeline.Build(ctx); err != nil {
		post(StageBuild, err, nil)
		return
	}
	post(StageBuild, nil, nil)

	if err := c.pipeline.Deploy(ctx); err != nil {
		post(StageDeploy, err, nil)
		return
	}
	post(StageDeploy, nil, nil)

	result, err := c.pipeline.RunTests(ctx)
	post(StageTest, err, result)
}

func (c *RunController) onStageDone(ev controllerEvent) {
	if ev.seq != c.seq {
		c.log.Debug("Dropping event from stale run", "seq", ev.seq, "current", c.seq)
		return
	}

	if ev.err == nil && ev.stage != StageTest {
		// Intermediate progress. Never walk back an abort in progress.
		if c.State() == StateAborting {
			return
		}
		switch ev.stage {
		case StageBuild:
			c.setState(StateDeploying)
		case StageDeploy:
			c.setState(StateRunning)
		}
		return
	}

	aborted := ev.err != nil && errors.Is(ev.err, context.Canceled)
	c.finishRun(RunOutcome{
		Seq:      ev.seq,
		Trigger:  ev.trigger,
		Stage:    ev.stage,
		Err:      ev.err,
		Result:   ev.result,
		Aborted:  aborted,
		Duration: ev.duration,
	})
}

// finishRun reports the outcome, returns to Idle, and honors a pending
// rerun. Failures are never fatal to the controller.
func (c *RunController) finishRun(outcome RunOutcome) {
	if c.cancelRun != nil {
		c.cancelRun()
		c.cancelRun = nil
	}
	c.setState(StateIdle)

	switch {
	case outcome.Aborted:
		c.log.Info("Run aborted", "seq", outcome.Seq, "stage", outcome.Stage, "duration", outcome.Duration)
	case outcome.Err != nil:
		c.log.Error("Run failed", "seq", outcome.Seq, "stage", outcome.Stage, "err", outcome.Err, "duration", outcome.Duration)
	default:
		var stats runner.Stats
		if outcome.Result != nil {
			stats = outcome.Result.Stats
		}
		c.log.Info("Run finished", "seq", outcome.Seq,
			"passed", stats.Passed,
			"failed", stats.Failed,
			"skipped", stats.Skipped,
			"duration", outcome.Duration)
	}

	if c.onComplete != nil {
		c.onComplete(outcome)
	}

	if c.pendingRerun {
		c.log.Info("Source changed during the last run, starting again")
		c.start(TriggerChange)
	}
}
