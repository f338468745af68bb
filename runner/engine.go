package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/soltest-io/soltest/logging"
)

// Engine executes the test packages of one session.
type Engine interface {
	// Run executes all packages and folds their output into a Result. Test
	// failures are reported through the Result, not the error; an error
	// means the run itself could not be carried out.
	Run(ctx context.Context, session *Session, packages []string) (*Result, error)

	// SupportsAbort reports whether Run honors context cancellation
	// mid-flight. Engines that do not are left to finish before a pending
	// rerun is honored.
	SupportsAbort() bool
}

// goTestEngine runs each package as a go test -json subprocess.
type goTestEngine struct {
	workDir  string
	goBinary string
	logDir   string
	timeout  time.Duration
	parallel int
	log      log.Logger
	tracer   trace.Tracer
}

// Config holds configuration for creating a new engine
type Config struct {
	WorkDir  string
	Log      log.Logger
	GoBinary string        // path to the Go binary
	LogDir   string        // base directory for per-run logs; empty disables file logging
	Timeout  time.Duration // per-package test timeout
	Parallel int           // max packages tested concurrently
}

// NewGoTestEngine creates a new test engine instance
func NewGoTestEngine(cfg Config) (Engine, error) {
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("work directory is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	if cfg.GoBinary == "" {
		cfg.GoBinary = DefaultGoBinary
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTestTimeout
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = runtime.NumCPU()
	}
	if cfg.Parallel > MaxReasonableConcurrency {
		cfg.Parallel = MaxReasonableConcurrency
	}

	cfg.Log.Debug("NewGoTestEngine()", "workDir", cfg.WorkDir, "goBinary", cfg.GoBinary,
		"timeout", cfg.Timeout, "parallel", cfg.Parallel)

	return &goTestEngine{
		workDir:  cfg.WorkDir,
		goBinary: cfg.GoBinary,
		logDir:   cfg.LogDir,
		timeout:  cfg.Timeout,
		parallel: cfg.Parallel,
		log:      cfg.Log,
		tracer:   otel.Tracer("test runner"),
	}, nil
}

func (e *goTestEngine) SupportsAbort() bool {
	return true
}

func (e *goTestEngine) Run(ctx context.Context, session *Session, packages []string) (*Result, error) {
	start := time.Now()
	result := &Result{RunID: session.RunID}

	if len(packages) == 0 {
		e.log.Warn("No test packages to run")
		result.tally()
		return result, nil
	}

	sessionPath, cleanup, err := session.Write()
	if err != nil {
		return nil, err
	}
	defer cleanup()
	env := append(os.Environ(), fmt.Sprintf("%s=%s", SessionEnvVar, sessionPath))

	var fileLogger *logging.FileLogger
	if e.logDir != "" {
		fileLogger, err = logging.NewFileLogger(e.logDir, session.RunID)
		if err != nil {
			e.log.Warn("Failed to create run log directory", "error", err)
		}
	}

	e.log.Info("Running test packages", "run_id", session.RunID, "packages", len(packages), "parallel", e.parallel)

	results := make([]*PackageResult, len(packages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallel)
	for i, pkg := range packages {
		g.Go(func() error {
			res, err := e.runPackage(gctx, pkg, env, fileLogger)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, res := range results {
		if res != nil {
			result.Packages = append(result.Packages, res)
		}
	}
	result.Duration = time.Since(start)
	result.tally()

	e.log.Info("Test run finished", "run_id", session.RunID,
		"total", result.Stats.Total, "passed", result.Stats.Passed,
		"failed", result.Stats.Failed, "skipped", result.Stats.Skipped,
		"duration", result.Duration)

	return result, nil
}

// runPackage executes one go test invocation and parses its JSON stream.
func (e *goTestEngine) runPackage(ctx context.Context, pkg string, env []string, fileLogger *logging.FileLogger) (*PackageResult, error) {
	ctx, span := e.tracer.Start(ctx, fmt.Sprintf("package %s", pkg))
	defer span.End()

	args := []string{TestCommand, JSONFlag, CountFlag, DisableCacheCount, TimeoutFlag, e.timeout.String(), pkg}
	cmd := exec.CommandContext(ctx, e.goBinary, args...)
	cmd.Dir = e.workDir
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.log.Debug("Running test package", "package", pkg, "command", cmd.String())

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// go test exits non-zero when tests fail, and that case is already
	// captured by the parsed stream. A non-zero exit with no tests in the
	// stream is a broken invocation (build failure, bad package pattern)
	// and has to fail the run rather than count as zero failed tests.
	result := parsePackageOutput(stdout.Bytes(), pkg)
	if runErr != nil && len(result.Tests) == 0 {
		return nil, fmt.Errorf("package %s failed to run: %w\nstderr: %s", pkg, runErr, stderr.String())
	}

	if fileLogger != nil {
		if err := fileLogger.StorePackageOutput(pkg, []byte(result.Output)); err != nil {
			e.log.Warn("Failed to store package output", "package", pkg, "error", err)
		}
		if err := fileLogger.StoreRawEvents(pkg, stdout.Bytes()); err != nil {
			e.log.Warn("Failed to store raw test events", "package", pkg, "error", err)
		}
	}

	e.log.Info("Test package finished", "package", pkg, "status", result.Status,
		"tests", len(result.Tests), "duration", result.Duration)

	return result, nil
}

var _ Engine = &goTestEngine{}
