package soltest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soltest-io/soltest/runner"
	"github.com/soltest-io/soltest/watcher"
)

// fakePipeline records stage calls and can block inside a stage until the
// test releases it, so tests can observe the controller mid-run.
type fakePipeline struct {
	mu    sync.Mutex
	calls []string

	buildErr  error
	deployErr error
	testErr   error
	result    *runner.Result
	abortable bool

	blockBuild chan struct{}
	blockTest  chan struct{}
	buildBegan chan struct{}
	testBegan  chan struct{}
}

func (p *fakePipeline) record(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, name)
}

func (p *fakePipeline) callNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	copy(out, p.calls)
	return out
}

func (p *fakePipeline) count(name string) int {
	n := 0
	for _, c := range p.callNames() {
		if c == name {
			n++
		}
	}
	return n
}

func signal(ch chan struct{}) {
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (p *fakePipeline) PurgeCaches() { p.record("purge") }

func (p *fakePipeline) Build(ctx context.Context) error {
	p.record("build")
	signal(p.buildBegan)
	if p.blockBuild != nil {
		select {
		case <-p.blockBuild:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.buildErr
}

func (p *fakePipeline) Deploy(ctx context.Context) error {
	p.record("deploy")
	return p.deployErr
}

func (p *fakePipeline) RunTests(ctx context.Context) (*runner.Result, error) {
	p.record("test")
	signal(p.testBegan)
	if p.blockTest != nil {
		select {
		case <-p.blockTest:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.testErr != nil {
		return nil, p.testErr
	}
	if p.result != nil {
		return p.result, nil
	}
	return &runner.Result{}, nil
}

func (p *fakePipeline) SupportsAbort() bool { return p.abortable }

var _ Pipeline = &fakePipeline{}

func startTestController(t *testing.T, p Pipeline, debounce time.Duration) (*RunController, chan RunOutcome) {
	t.Helper()
	logger := log.New()
	c := NewRunController(p, debounce, logger)
	outcomes := make(chan RunOutcome, 16)
	c.OnRunComplete(func(o RunOutcome) { outcomes <- o })

	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() {
		require.NoError(t, c.Stop(context.Background()))
	})
	return c, outcomes
}

func waitOutcome(t *testing.T, outcomes chan RunOutcome) RunOutcome {
	t.Helper()
	select {
	case o := <-outcomes:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a run to complete")
		return RunOutcome{}
	}
}

func waitBegan(t *testing.T, began chan struct{}, stage string) {
	t.Helper()
	select {
	case <-began:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for the %s stage to begin", stage)
	}
}

// TestControllerRunsAllStages verifies a manual start walks the full
// purge, build, deploy, test sequence and reports a successful outcome.
func TestControllerRunsAllStages(t *testing.T) {
	p := &fakePipeline{
		result: &runner.Result{Stats: runner.Stats{Total: 3, Passed: 3}},
	}
	c, outcomes := startTestController(t, p, 0)

	c.StartRun()
	outcome := waitOutcome(t, outcomes)

	require.NoError(t, outcome.Err)
	assert.Equal(t, StageTest, outcome.Stage)
	assert.Equal(t, TriggerInitial, outcome.Trigger)
	assert.False(t, outcome.Aborted)
	assert.Equal(t, 3, outcome.Result.Stats.Passed)
	assert.Equal(t, []string{"purge", "build", "deploy", "test"}, p.callNames())
	assert.Equal(t, StateIdle, c.State())
}

// TestControllerCoalescesChanges verifies that a burst of change events
// within the debounce window produces exactly one run.
func TestControllerCoalescesChanges(t *testing.T) {
	p := &fakePipeline{}
	c, outcomes := startTestController(t, p, 50*time.Millisecond)

	for i := 0; i < 5; i++ {
		c.OnChange(watcher.Event{Path: "contracts/Token.sol"})
	}

	outcome := waitOutcome(t, outcomes)
	require.NoError(t, outcome.Err)
	assert.Equal(t, TriggerChange, outcome.Trigger)

	// No second run should follow the burst.
	select {
	case extra := <-outcomes:
		t.Fatalf("unexpected extra run: %+v", extra)
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, 1, p.count("build"))
	assert.Equal(t, 1, p.count("purge"))
}

// TestControllerBuildFailureReturnsToIdle verifies a compile error stops
// the run before deploy, is reported, and does not wedge the controller.
func TestControllerBuildFailureReturnsToIdle(t *testing.T) {
	p := &fakePipeline{buildErr: errors.New("Token.sol:4: expected ';'")}
	c, outcomes := startTestController(t, p, 0)

	c.StartRun()
	outcome := waitOutcome(t, outcomes)

	require.Error(t, outcome.Err)
	assert.Equal(t, StageBuild, outcome.Stage)
	assert.False(t, outcome.Aborted)
	assert.Equal(t, 0, p.count("deploy"))
	assert.Equal(t, 0, p.count("test"))
	assert.Equal(t, StateIdle, c.State())

	// The controller must accept another run after a failure.
	p.mu.Lock()
	p.buildErr = nil
	p.mu.Unlock()
	c.StartRun()
	outcome = waitOutcome(t, outcomes)
	require.NoError(t, outcome.Err)
	assert.Equal(t, StageTest, outcome.Stage)
}

// TestControllerAbortsTestsOnChange verifies a change mid-test cancels the
// session when the engine supports it and immediately starts a fresh run.
func TestControllerAbortsTestsOnChange(t *testing.T) {
	p := &fakePipeline{
		abortable: true,
		blockTest: make(chan struct{}),
		testBegan: make(chan struct{}, 2),
	}
	c, outcomes := startTestController(t, p, 0)

	c.StartRun()
	waitBegan(t, p.testBegan, "test")

	c.OnChange(watcher.Event{Path: "contracts/Token.sol"})

	first := waitOutcome(t, outcomes)
	assert.True(t, first.Aborted)
	assert.Equal(t, StageTest, first.Stage)
	require.ErrorIs(t, first.Err, context.Canceled)

	// The rerun starts without waiting for another change. Release its
	// test stage and let it finish.
	waitBegan(t, p.testBegan, "rerun test")
	close(p.blockTest)

	second := waitOutcome(t, outcomes)
	require.NoError(t, second.Err)
	assert.False(t, second.Aborted)
	assert.Equal(t, TriggerChange, second.Trigger)
	assert.Equal(t, 2, p.count("purge"))
	assert.Equal(t, 2, p.count("build"))
	assert.Equal(t, StateIdle, c.State())
}

// TestControllerQueuesRerunDuringBuild verifies a change during the build
// stage does not abort it; the run finishes and a rerun follows.
func TestControllerQueuesRerunDuringBuild(t *testing.T) {
	p := &fakePipeline{
		abortable:  true,
		blockBuild: make(chan struct{}),
		buildBegan: make(chan struct{}, 2),
	}
	c, outcomes := startTestController(t, p, 0)

	c.StartRun()
	waitBegan(t, p.buildBegan, "build")
	assert.Equal(t, StateBuilding, c.State())

	c.OnChange(watcher.Event{Path: "contracts/Token.sol"})

	// Build keeps going despite the change.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateBuilding, c.State())

	close(p.blockBuild)
	first := waitOutcome(t, outcomes)
	require.NoError(t, first.Err)
	assert.False(t, first.Aborted)
	assert.Equal(t, StageTest, first.Stage)

	second := waitOutcome(t, outcomes)
	require.NoError(t, second.Err)
	assert.Equal(t, TriggerChange, second.Trigger)
	assert.Equal(t, 2, p.count("test"))
}

// TestControllerWaitsWhenAbortUnsupported verifies the controller lets a
// running session finish when the engine cannot abort, then reruns.
func TestControllerWaitsWhenAbortUnsupported(t *testing.T) {
	p := &fakePipeline{
		abortable: false,
		blockTest: make(chan struct{}),
		testBegan: make(chan struct{}, 2),
	}
	c, outcomes := startTestController(t, p, 0)

	c.StartRun()
	waitBegan(t, p.testBegan, "test")

	c.OnChange(watcher.Event{Path: "contracts/Token.sol"})

	// No abort: the state must stay Running.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateRunning, c.State())

	close(p.blockTest)
	first := waitOutcome(t, outcomes)
	require.NoError(t, first.Err)
	assert.False(t, first.Aborted)

	second := waitOutcome(t, outcomes)
	require.NoError(t, second.Err)
	assert.Equal(t, TriggerChange, second.Trigger)
}

// TestControllerStartDuringRunQueuesRerun verifies StartRun during an
// active run behaves like a change notification.
func TestControllerStartDuringRunQueuesRerun(t *testing.T) {
	p := &fakePipeline{
		blockTest: make(chan struct{}),
		testBegan: make(chan struct{}, 2),
	}
	c, outcomes := startTestController(t, p, 0)

	c.StartRun()
	waitBegan(t, p.testBegan, "test")
	c.StartRun()

	close(p.blockTest)
	waitOutcome(t, outcomes)
	waitOutcome(t, outcomes)
	assert.Equal(t, 2, p.count("build"))
}

// TestControllerRunOnce verifies the synchronous one-shot path performs a
// single pass without the event loop.
func TestControllerRunOnce(t *testing.T) {
	p := &fakePipeline{
		result: &runner.Result{Stats: runner.Stats{Total: 2, Passed: 1, Failed: 1}},
	}
	c := NewRunController(p, 0, log.New())

	result, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Stats.Failed)
	assert.Equal(t, []string{"purge", "build", "deploy", "test"}, p.callNames())
	assert.Equal(t, StateIdle, c.State())
}

// TestControllerRunOnceBuildError verifies one-shot mode surfaces stage
// errors directly.
func TestControllerRunOnceBuildError(t *testing.T) {
	p := &fakePipeline{buildErr: errors.New("no compiler available")}
	c := NewRunController(p, 0, log.New())

	_, err := c.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, p.count("deploy"))
}

// TestControllerRunOnceRejectedWhileStarted verifies RunOnce cannot be
// mixed with the watch loop.
func TestControllerRunOnceRejectedWhileStarted(t *testing.T) {
	p := &fakePipeline{}
	c, _ := startTestController(t, p, 0)

	_, err := c.RunOnce(context.Background())
	require.Error(t, err)
}

// TestControllerStopCancelsRun verifies Stop tears down an in-flight run
// promptly and is idempotent.
func TestControllerStopCancelsRun(t *testing.T) {
	p := &fakePipeline{
		abortable: true,
		blockTest: make(chan struct{}),
		testBegan: make(chan struct{}, 1),
	}
	logger := log.New()
	c := NewRunController(p, 0, logger)
	require.NoError(t, c.Start(context.Background()))

	c.StartRun()
	waitBegan(t, p.testBegan, "test")

	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop(context.Background()) }()

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return while a run was in flight")
	}
	assert.True(t, c.Stopped())

	// Second stop is a no-op.
	require.NoError(t, c.Stop(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, c.WaitForShutdown(ctx))
}

// TestControllerStartTwice verifies the loop cannot be started twice.
func TestControllerStartTwice(t *testing.T) {
	p := &fakePipeline{}
	c, _ := startTestController(t, p, 0)
	require.Error(t, c.Start(context.Background()))
}

func TestRunStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "building", StateBuilding.String())
	assert.Equal(t, "deploying", StateDeploying.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "aborting", StateAborting.String())
	assert.Equal(t, "unknown(99)", RunState(99).String())
}
