package flags

import (
	"fmt"
	"runtime"
	"time"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

const EnvVarPrefix = "SOLTEST"

var (
	WorkDir = &cli.StringFlag{
		Name:     "workdir",
		Value:    "",
		Required: true,
		EnvVars:  opservice.PrefixEnvVar(EnvVarPrefix, "WORKDIR"),
		Usage:    "Path to the contract project directory",
	}
	ContractsDir = &cli.StringFlag{
		Name:    "contracts-dir",
		Value:   "contracts",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CONTRACTS_DIR"),
		Usage:   "Directory holding .sol sources, relative to workdir",
	}
	BuildDir = &cli.StringFlag{
		Name:    "build-dir",
		Value:   "build",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "BUILD_DIR"),
		Usage:   "Directory for compiled artifacts and deployment records, relative to workdir",
	}
	TestDir = &cli.StringFlag{
		Name:    "testdir",
		Value:   "tests",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TESTDIR"),
		Usage:   "Path to the test directory from which to discover tests, relative to workdir",
	}
	Migrations = &cli.StringFlag{
		Name:    "migrations",
		Value:   "migrations.yaml",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MIGRATIONS"),
		Usage:   "Path to the migrations manifest, relative to workdir",
	}
	NetworkURL = &cli.StringFlag{
		Name:    "network-url",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "NETWORK_URL"),
		Usage:   "RPC URL of an existing network. Omit to spawn an ephemeral dev node.",
	}
	NetworkPort = &cli.IntFlag{
		Name:    "network-port",
		Value:   8545,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "NETWORK_PORT"),
		Usage:   "Port for the ephemeral dev node",
	}
	NetworkID = &cli.StringFlag{
		Name:    "network-id",
		Value:   "*",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "NETWORK_ID"),
		Usage:   "Expected network id. '*' matches any network.",
	}
	Sender = &cli.StringFlag{
		Name:    "sender",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SENDER"),
		Usage:   "Address used to deploy contracts. Defaults to the node's first account.",
	}
	NodeBinary = &cli.StringFlag{
		Name:    "node-binary",
		Value:   "anvil",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "NODE_BINARY"),
		Usage:   "Dev node binary to spawn when no network URL is given",
	}
	SolcBinary = &cli.StringFlag{
		Name:    "solc-binary",
		Value:   "solc",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SOLC_BINARY"),
		Usage:   "Path to the solc binary used to compile contracts",
	}
	GoBinary = &cli.StringFlag{
		Name:    "go-binary",
		Value:   "go",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "GO_BINARY"),
		Usage:   "Path to the Go binary to use for running tests",
	}
	Watch = &cli.BoolFlag{
		Name:    "watch",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "WATCH"),
		Usage:   "Watch sources and rerun on change instead of exiting after one run",
	}
	PollInterval = &cli.DurationFlag{
		Name:    "poll-interval",
		Value:   100 * time.Millisecond,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "POLL_INTERVAL"),
		Usage:   "How often the watcher polls file modification times",
	}
	Debounce = &cli.DurationFlag{
		Name:    "debounce",
		Value:   100 * time.Millisecond,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "DEBOUNCE"),
		Usage:   "Quiet window for coalescing change events into one run",
	}
	TestTimeout = &cli.DurationFlag{
		Name:    "test-timeout",
		Value:   10 * time.Minute,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "TEST_TIMEOUT"),
		Usage:   "Per-package timeout passed to 'go test'",
	}
	Concurrency = &cli.IntFlag{
		Name:    "concurrency",
		Value:   runtime.NumCPU(),
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CONCURRENCY"),
		Usage:   "Maximum number of test packages run in parallel",
	}
	LogDir = &cli.StringFlag{
		Name:    "logdir",
		Value:   "logs",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "LOGDIR"),
		Usage:   "Directory for per-run test output logs, relative to workdir",
	}
)

var requiredFlags = []cli.Flag{
	WorkDir,
}

var optionalFlags = []cli.Flag{
	ContractsDir,
	BuildDir,
	TestDir,
	Migrations,
	NetworkURL,
	NetworkPort,
	NetworkID,
	Sender,
	NodeBinary,
	SolcBinary,
	GoBinary,
	Watch,
	PollInterval,
	Debounce,
	TestTimeout,
	Concurrency,
	LogDir,
}

var Flags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
