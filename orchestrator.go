package soltest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"go.opentelemetry.io/otel"

	"github.com/soltest-io/soltest/artifacts"
	"github.com/soltest-io/soltest/compiler"
	"github.com/soltest-io/soltest/deployer"
	"github.com/soltest-io/soltest/exitcodes"
	"github.com/soltest-io/soltest/logging"
	"github.com/soltest-io/soltest/metrics"
	"github.com/soltest-io/soltest/network"
	"github.com/soltest-io/soltest/runner"
	"github.com/soltest-io/soltest/watcher"
)

// Orchestrator wires the network provider, compile/deploy/test pipeline and
// the run controller into one service. In one-shot mode Start performs a
// single run and initiates shutdown; in watch mode it keeps rerunning until
// interrupted.
type Orchestrator struct {
	ctx     context.Context
	config  *Config
	version string
	log     log.Logger

	provider   network.Provider
	handle     *network.Handle
	pipeline   *runPipeline
	controller *RunController
	watcher    *watcher.Watcher

	resultMu   sync.Mutex
	lastResult *runner.Result

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup

	shutdownCallback func(error)
}

var _ cliapp.Lifecycle = &Orchestrator{}

// New creates a new Orchestrator from the given config. The shutdownCallback
// is invoked when the service stops itself, for example after a one-shot run.
func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*Orchestrator, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	config.Log.Debug("Creating orchestrator with config",
		"work_dir", config.WorkDir,
		"contracts_dir", config.ContractsDir,
		"test_dir", config.TestDir,
		"network_url", config.NetworkURL,
		"watch", config.Watch,
	)

	var provider network.Provider
	if config.NetworkURL == "" {
		provider = network.NewDevProvider(config.NodeBinary, config.Log.New("component", "devnode"))
	} else {
		provider = network.NewRemoteProvider(config.NetworkURL, config.Log.New("component", "network"))
	}

	store := artifacts.NewStore(config.BuildDir)
	resolver, err := artifacts.NewResolver(store)
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact resolver: %w", err)
	}
	solc := compiler.NewSolc(config.SolcBinary, config.Log.New("component", "solc"))
	buildPipeline := compiler.NewPipeline(solc, store, config.Log.New("component", "compiler"))

	engine, err := runner.NewGoTestEngine(runner.Config{
		WorkDir:  config.WorkDir,
		Log:      config.Log.New("component", "runner"),
		GoBinary: config.GoBinary,
		LogDir:   config.LogDir,
		Timeout:  config.TestTimeout,
		Parallel: config.Concurrency,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create test engine: %w", err)
	}

	pipeline := &runPipeline{
		config:   config,
		log:      config.Log.New("component", "pipeline"),
		compiler: buildPipeline,
		resolver: resolver,
		book:     deployer.NewAddressBook(config.BuildDir),
		engine:   engine,
		tracer:   otel.Tracer("run pipeline"),
	}

	return &Orchestrator{
		ctx:              ctx,
		config:           config,
		version:          version,
		log:              config.Log,
		provider:         provider,
		pipeline:         pipeline,
		controller:       NewRunController(pipeline, config.Debounce, config.Log.New("component", "controller")),
		done:             make(chan struct{}),
		shutdownCallback: shutdownCallback,
	}, nil
}

// Start brings the network up and either executes a single run (one-shot
// mode) or enters watch mode.
func (o *Orchestrator) Start(ctx context.Context) error {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("Panic occurred in orchestrator.Start", "error", r)
			o.shutdown()
			os.Exit(exitcodes.RuntimeErr)
		}
	}()

	o.log.Info("Starting orchestrator", "version", o.version)
	o.running.Store(true)

	if err := o.connect(ctx); err != nil {
		o.shutdown()
		return err
	}

	if !o.config.Watch {
		err := o.runOnce(ctx)
		// Start-error paths never reach Stop, so the dev node is torn down
		// here regardless of outcome.
		o.shutdown()
		if err != nil {
			return err
		}
		go func() {
			o.shutdownCallback(nil)
		}()
		return nil
	}

	if err := o.startWatch(ctx); err != nil {
		o.shutdown()
		return NewRuntimeError(err)
	}
	return nil
}

// connect starts or attaches to the network and binds the pipeline to it.
func (o *Orchestrator) connect(ctx context.Context) error {
	handle, err := o.provider.Listen(ctx, o.config.NetworkPort)
	if err != nil {
		metrics.RecordErrorDetails("network", err)
		return NewNetworkError(err)
	}
	o.handle = handle

	if !network.MatchesID(o.config.NetworkID, handle.ChainID) {
		return NewNetworkError(fmt.Errorf("network id mismatch: want %s, got %s", o.config.NetworkID, handle.ChainID))
	}

	accounts, err := handle.Accounts(ctx)
	if err != nil {
		metrics.RecordErrorDetails("accounts", err)
		return NewAccountError(err)
	}
	if len(accounts) == 0 {
		return NewAccountError(errors.New("node manages no accounts"))
	}

	sender := accounts[0]
	if o.config.Sender != "" {
		sender = common.HexToAddress(o.config.Sender)
		if !containsAddress(accounts, sender) {
			return NewAccountError(fmt.Errorf("sender %s is not managed by the node", sender))
		}
	}

	o.log.Info("Network ready",
		"rpc_url", handle.RPCURL,
		"chain_id", handle.ChainID,
		"accounts", len(accounts),
		"sender", sender,
	)

	d := deployer.New(handle, o.pipeline.resolver, o.pipeline.book, sender, o.log.New("component", "deployer"))
	o.pipeline.bind(handle, accounts, sender, d)
	return nil
}

// runOnce executes a single build/deploy/test cycle synchronously.
func (o *Orchestrator) runOnce(ctx context.Context) error {
	o.log.Info("Running one-shot test cycle")

	result, err := o.controller.RunOnce(ctx)
	if err != nil {
		metrics.RecordErrorDetails("run", err)
		o.log.Error("Run failed", "error", err)
		return NewRuntimeError(err)
	}

	o.record(result, string(TriggerInitial))
	o.report(result)

	if result.Stats.Failed > 0 {
		o.log.Warn("Tests failed", "failed", result.Stats.Failed)
		return NewTestFailureError(result.Stats.Failed)
	}
	o.log.Info("All tests passed", "passed", result.Stats.Passed, "skipped", result.Stats.Skipped)
	return nil
}

// startWatch spins up the file watcher and the run controller and kicks off
// the initial run.
func (o *Orchestrator) startWatch(ctx context.Context) error {
	paths, err := watcher.CollectPaths(o.config.ContractsDir, o.config.Migrations, o.config.TestDir)
	if err != nil {
		return fmt.Errorf("failed to collect watch paths: %w", err)
	}
	if len(paths) == 0 {
		o.log.Warn("No watchable files found; changes will not trigger reruns")
	}

	o.watcher = watcher.New(paths, o.config.PollInterval, o.log.New("component", "watcher"))
	o.controller.OnRunComplete(o.handleOutcome)
	if err := o.controller.Start(ctx); err != nil {
		return err
	}
	if err := o.watcher.Start(ctx); err != nil {
		return err
	}

	o.wg.Add(1)
	go o.pumpEvents()

	o.controller.StartRun()
	o.log.Info("Watch mode started", "paths", len(paths), "poll_interval", o.config.PollInterval, "debounce", o.config.Debounce)
	return nil
}

// pumpEvents forwards watcher events to the controller until shutdown.
func (o *Orchestrator) pumpEvents() {
	defer o.wg.Done()
	for {
		select {
		case ev, ok := <-o.watcher.Events():
			if !ok {
				return
			}
			o.log.Debug("File change detected", "path", ev.Path)
			metrics.RecordChange()
			o.controller.OnChange(ev)
		case <-o.done:
			return
		}
	}
}

// handleOutcome is the controller completion callback in watch mode.
func (o *Orchestrator) handleOutcome(outcome RunOutcome) {
	trigger := string(outcome.Trigger)
	if outcome.Aborted {
		metrics.RecordRun(o.pipeline.RunID(), trigger, "aborted", 0, 0, 0, outcome.Duration)
		return
	}
	if outcome.Err != nil {
		o.log.Error("Run failed", "stage", outcome.Stage, "error", outcome.Err)
		metrics.RecordErrorDetails(string(outcome.Stage), outcome.Err)
		metrics.RecordRun(o.pipeline.RunID(), trigger, "error", 0, 0, 0, outcome.Duration)
		return
	}
	o.record(outcome.Result, trigger)
	o.report(outcome.Result)
}

// record stores the latest result and updates the run metrics.
func (o *Orchestrator) record(result *runner.Result, trigger string) {
	o.resultMu.Lock()
	o.lastResult = result
	o.resultMu.Unlock()

	metrics.RecordRun(result.RunID, trigger, string(result.Status()),
		result.Stats.Total, result.Stats.Passed, result.Stats.Failed, result.Duration)
}

// report renders the results table to stdout and, when a log directory is
// configured, stores the same summary alongside the per-package output.
func (o *Orchestrator) report(result *runner.Result) {
	var buf bytes.Buffer
	formatter := NewConsoleResultFormatter(o.log, io.MultiWriter(os.Stdout, &buf))
	if err := formatter.FormatResults(result); err != nil {
		o.log.Error("Failed to format results", "error", err)
		return
	}
	if o.config.LogDir == "" {
		return
	}
	fileLogger, err := logging.NewFileLogger(o.config.LogDir, result.RunID)
	if err != nil {
		o.log.Warn("Failed to create file logger for summary", "error", err)
		return
	}
	if err := fileLogger.StoreSummary(buf.String()); err != nil {
		o.log.Warn("Failed to store run summary", "error", err)
	}
}

// LastResult returns the most recent completed run result, if any.
func (o *Orchestrator) LastResult() *runner.Result {
	o.resultMu.Lock()
	defer o.resultMu.Unlock()
	return o.lastResult
}

// Stop halts the orchestrator. In watch mode a stop is operator initiated,
// so it reports ErrInterrupted for the CLI to map to exit code 130.
func (o *Orchestrator) Stop(_ context.Context) error {
	interrupted := o.config.Watch && o.running.Load()
	o.shutdown()
	if interrupted {
		return ErrInterrupted
	}
	return nil
}

// shutdown tears everything down exactly once, in reverse start order.
func (o *Orchestrator) shutdown() {
	if !o.running.CompareAndSwap(true, false) {
		return
	}
	o.log.Info("Stopping orchestrator")
	close(o.done)

	if o.watcher != nil {
		if err := o.watcher.Stop(); err != nil {
			o.log.Error("Failed to stop watcher", "error", err)
		}
	}
	if err := o.controller.Stop(context.Background()); err != nil {
		o.log.Error("Failed to stop run controller", "error", err)
	}
	if err := o.provider.Close(); err != nil {
		o.log.Error("Failed to close network provider", "error", err)
	}
	o.wg.Wait()
	o.log.Info("Orchestrator stopped")
}

// Stopped returns true if the orchestrator has been stopped.
func (o *Orchestrator) Stopped() bool {
	return !o.running.Load()
}

// WaitForShutdown blocks until all background goroutines drain or the
// context is done.
func (o *Orchestrator) WaitForShutdown(ctx context.Context) error {
	waitChan := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(waitChan)
	}()
	select {
	case <-waitChan:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func containsAddress(addrs []common.Address, addr common.Address) bool {
	for _, a := range addrs {
		if a == addr {
			return true
		}
	}
	return false
}
