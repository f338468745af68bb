package soltest

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/soltest-io/soltest/artifacts"
	"github.com/soltest-io/soltest/compiler"
	"github.com/soltest-io/soltest/deployer"
	"github.com/soltest-io/soltest/metrics"
	"github.com/soltest-io/soltest/network"
	"github.com/soltest-io/soltest/runner"
	"github.com/soltest-io/soltest/testlist"
)

// runPipeline is the production Pipeline: solc compilation, manifest
// deployment, and go test subprocesses against the shared network handle.
type runPipeline struct {
	config   *Config
	log      log.Logger
	compiler *compiler.Pipeline
	resolver *artifacts.Resolver
	book     *deployer.AddressBook
	engine   runner.Engine
	tracer   trace.Tracer

	mu       sync.Mutex
	handle   *network.Handle
	deployer *deployer.Deployer
	accounts []common.Address
	sender   common.Address
	runID    string
}

var _ Pipeline = &runPipeline{}

// bind attaches the collaborators that need a live network. Must happen
// before the first run.
func (p *runPipeline) bind(handle *network.Handle, accounts []common.Address, sender common.Address, d *deployer.Deployer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handle = handle
	p.accounts = accounts
	p.sender = sender
	p.deployer = d
}

// RunID returns the id of the run currently holding the pipeline.
func (p *runPipeline) RunID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runID
}

// PurgeCaches opens a fresh run: new run id, cold resolver cache. The
// artifact store itself stays; staleness hashing decides what recompiles.
func (p *runPipeline) PurgeCaches() {
	p.mu.Lock()
	p.runID = uuid.New().String()
	p.mu.Unlock()
	p.resolver.Purge()
}

func (p *runPipeline) Build(ctx context.Context) error {
	ctx, span := p.tracer.Start(ctx, "build contracts")
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.RecordStageDuration(p.RunID(), string(StageBuild), time.Since(start))
	}()

	sources, err := compiler.ListSources(p.config.ContractsDir)
	if err != nil {
		return NewCompileError("", err)
	}
	built, err := p.compiler.BuildIfStale(ctx, sources)
	if err != nil {
		return NewCompileError("", err)
	}
	p.log.Debug("Build stage complete", "sources", len(sources), "artifacts", len(built))
	return nil
}

func (p *runPipeline) Deploy(ctx context.Context) error {
	ctx, span := p.tracer.Start(ctx, "deploy migrations")
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.RecordStageDuration(p.RunID(), string(StageDeploy), time.Since(start))
	}()

	manifest, err := deployer.LoadManifest(p.config.Migrations)
	if err != nil {
		return NewDeployError("", err)
	}
	if err := p.deployer.Deploy(ctx, manifest); err != nil {
		return NewDeployError("", err)
	}
	return nil
}

func (p *runPipeline) RunTests(ctx context.Context) (*runner.Result, error) {
	ctx, span := p.tracer.Start(ctx, "run tests")
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.RecordStageDuration(p.RunID(), string(StageTest), time.Since(start))
	}()

	packages, err := testlist.FindTestPackages(p.config.TestDir, p.config.WorkDir)
	if err != nil {
		return nil, err
	}
	total := testlist.CountTestFunctions(packages, p.config.WorkDir)
	p.log.Info("Discovered test packages", "packages", len(packages), "tests", total)

	return p.engine.Run(ctx, p.newSession(), packages)
}

// newSession binds a run to the network. The handle and accounts are shared
// across the process; everything else is per run.
func (p *runPipeline) newSession() *runner.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &runner.Session{
		RunID:       p.runID,
		RPCURL:      p.handle.RPCURL,
		ChainID:     p.handle.ChainID,
		Accounts:    p.accounts,
		Sender:      p.sender,
		BuildDir:    p.config.BuildDir,
		Deployments: p.book.Path(),
	}
}

func (p *runPipeline) SupportsAbort() bool {
	return p.engine.SupportsAbort()
}
