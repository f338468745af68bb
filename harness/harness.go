// Package harness is the library contract test packages import. It binds a
// test process to the session the orchestrator prepared: the chain client,
// the node's funded accounts, and the contracts deployed by the migration
// manifest.
//
// A contract test package opts in with a TestMain hook:
//
//	func TestMain(m *testing.M) { harness.Main(m) }
//
// and each test case acquires its bindings through Start:
//
//	func TestTransfer(t *testing.T) {
//		h := harness.Start(t)
//		token := h.Require("Token")
//		...
//	}
package harness

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/soltest-io/soltest/artifacts"
	"github.com/soltest-io/soltest/deployer"
	"github.com/soltest-io/soltest/runner"
)

// Env holds the bindings of one orchestrated test run. It is constructed
// once per test process in Main; every Start call hands out views of the
// same Env, so a process can never mix bindings from two runs.
type Env struct {
	Session *runner.Session
	Client  *ethclient.Client
	RPC     *rpc.Client

	deployments map[string]common.Address
	store       *artifacts.Store
	snapshots   bool
}

var current *Env

// Main is the TestMain hook for contract test packages. Outside an
// orchestrated run it exits zero without running any tests, so a plain
// go test ./... of the project stays green.
func Main(m *testing.M) {
	session, err := runner.LoadSession()
	if errors.Is(err, runner.ErrNoSession) {
		fmt.Fprintln(os.Stderr, "soltest: no active session, skipping contract tests")
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "soltest: %v\n", err)
		os.Exit(1)
	}

	env, err := NewEnv(context.Background(), session)
	if err != nil {
		fmt.Fprintf(os.Stderr, "soltest: %v\n", err)
		os.Exit(1)
	}
	current = env

	code := m.Run()
	env.Close()
	os.Exit(code)
}

// NewEnv dials the session's chain and loads its deployments.
func NewEnv(ctx context.Context, session *runner.Session) (*Env, error) {
	rpcClient, err := rpc.DialContext(ctx, session.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", session.RPCURL, err)
	}
	client := ethclient.NewClient(rpcClient)

	deployments, err := deployer.LoadDeployments(session.Deployments)
	if err != nil {
		rpcClient.Close()
		return nil, err
	}

	env := &Env{
		Session:     session,
		Client:      client,
		RPC:         rpcClient,
		deployments: deployments,
		store:       artifacts.NewStore(session.BuildDir),
	}

	// Probe snapshot support once. Start relies on this for per-test chain
	// rollback.
	var snapID string
	if err := rpcClient.CallContext(ctx, &snapID, "evm_snapshot"); err == nil {
		var reverted bool
		_ = rpcClient.CallContext(ctx, &reverted, "evm_revert", snapID)
		env.snapshots = true
	}

	return env, nil
}

// Close releases the chain connection.
func (e *Env) Close() {
	e.Client.Close()
}

// T wraps a testing.T with the bindings of the active session.
type T struct {
	*testing.T
	env *Env
}

// Start binds a test case to the session. When the node supports
// snapshots, chain state is captured here and restored in a t.Cleanup, so
// whatever the test did to the chain is undone even when it fails.
// Rollback is node-global: suites that run test packages in parallel share
// chain state and should use a concurrency of 1 when that matters.
func Start(t *testing.T) *T {
	t.Helper()
	if current == nil {
		t.Skip("soltest: no active session")
	}
	return startWithEnv(t, current)
}

func startWithEnv(t *testing.T, env *Env) *T {
	t.Helper()

	if env.snapshots {
		var snapID string
		if err := env.RPC.CallContext(context.Background(), &snapID, "evm_snapshot"); err != nil {
			t.Logf("soltest: evm_snapshot failed, test runs without chain rollback: %v", err)
		} else {
			t.Cleanup(func() {
				var reverted bool
				if err := env.RPC.CallContext(context.Background(), &reverted, "evm_revert", snapID); err != nil {
					t.Logf("soltest: evm_revert(%s) failed: %v", snapID, err)
				} else if !reverted {
					t.Logf("soltest: snapshot %s was no longer available", snapID)
				}
			})
		}
	}

	return &T{T: t, env: env}
}

// Client returns the session's chain client.
func (h *T) Client() *ethclient.Client {
	return h.env.Client
}

// ChainID returns the chain the session runs against.
func (h *T) ChainID() *big.Int {
	return h.env.Session.ChainID
}

// Accounts returns the node's funded accounts.
func (h *T) Accounts() []common.Address {
	return h.env.Session.Accounts
}

// Account returns the i-th funded account and fails the test when the node
// exposes fewer.
func (h *T) Account(i int) common.Address {
	h.Helper()
	accounts := h.env.Session.Accounts
	if i < 0 || i >= len(accounts) {
		h.Fatalf("soltest: account %d requested, node exposes %d", i, len(accounts))
	}
	return accounts[i]
}

// Sender returns the session's default transaction sender.
func (h *T) Sender() common.Address {
	return h.env.Session.Sender
}

// Require resolves a contract deployed by the migration manifest and fails
// the test when it is unknown.
func (h *T) Require(name string) *Contract {
	h.Helper()
	c, err := h.env.Contract(name)
	if err != nil {
		h.Fatalf("soltest: %v", err)
	}
	return c
}
