package soltest

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/soltest-io/soltest/flags"
)

// Config holds the application configuration
type Config struct {
	WorkDir      string        // Contract project root
	ContractsDir string        // Directory holding .sol sources
	BuildDir     string        // Compiled artifacts and deployment records
	TestDir      string        // Go test packages exercising the contracts
	Migrations   string        // Path to the migrations manifest
	NetworkURL   string        // Existing network to attach to; empty spawns a dev node
	NetworkPort  int           // Port for the spawned dev node
	NetworkID    string        // Expected network id, "*" matches any
	Sender       string        // Deploy sender override; empty uses the node's first account
	NodeBinary   string        // Dev node binary
	SolcBinary   string        // Compiler binary
	GoBinary     string        // Go binary used for test subprocesses
	Watch        bool          // Watch sources and rerun instead of exiting
	PollInterval time.Duration // Watcher mtime poll interval
	Debounce     time.Duration // Quiet window for coalescing change events
	TestTimeout  time.Duration // Per-package 'go test' timeout
	Concurrency  int           // Test packages run in parallel
	LogDir       string        // Per-run test output logs
	Log          log.Logger
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, log log.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	workDir := ctx.String(flags.WorkDir.Name)
	if workDir == "" {
		return nil, errors.New("workdir is required")
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for workdir '%s': %w", workDir, err)
	}

	pollInterval := ctx.Duration(flags.PollInterval.Name)
	if pollInterval <= 0 {
		return nil, errors.New("poll-interval must be positive")
	}
	debounce := ctx.Duration(flags.Debounce.Name)
	if debounce < 0 {
		return nil, errors.New("debounce must not be negative")
	}
	concurrency := ctx.Int(flags.Concurrency.Name)
	if concurrency < 1 {
		return nil, errors.New("concurrency must be at least 1")
	}
	port := ctx.Int(flags.NetworkPort.Name)
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("network-port %d out of range", port)
	}

	sender := ctx.String(flags.Sender.Name)
	if sender != "" && !common.IsHexAddress(sender) {
		return nil, fmt.Errorf("sender '%s' is not a hex address", sender)
	}

	return &Config{
		WorkDir:      absWorkDir,
		ContractsDir: resolvePath(absWorkDir, ctx.String(flags.ContractsDir.Name)),
		BuildDir:     resolvePath(absWorkDir, ctx.String(flags.BuildDir.Name)),
		TestDir:      resolvePath(absWorkDir, ctx.String(flags.TestDir.Name)),
		Migrations:   resolvePath(absWorkDir, ctx.String(flags.Migrations.Name)),
		NetworkURL:   ctx.String(flags.NetworkURL.Name),
		NetworkPort:  port,
		NetworkID:    ctx.String(flags.NetworkID.Name),
		Sender:       sender,
		NodeBinary:   ctx.String(flags.NodeBinary.Name),
		SolcBinary:   ctx.String(flags.SolcBinary.Name),
		GoBinary:     ctx.String(flags.GoBinary.Name),
		Watch:        ctx.Bool(flags.Watch.Name),
		PollInterval: pollInterval,
		Debounce:     debounce,
		TestTimeout:  ctx.Duration(flags.TestTimeout.Name),
		Concurrency:  concurrency,
		LogDir:       resolvePath(absWorkDir, ctx.String(flags.LogDir.Name)),
		Log:          log,
	}, nil
}

// resolvePath joins a relative path to the workdir. Absolute paths pass
// through untouched.
func resolvePath(workDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workDir, path)
}
