package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
)

// SessionEnvVar names the environment variable carrying the path of the
// session file handed to test subprocesses.
const SessionEnvVar = "SOLTEST_SESSION"

// ErrNoSession indicates the current process was not started by a test run.
var ErrNoSession = errors.New("no test session in environment")

// Session carries the bindings one test run exposes to external test code:
// where the chain is, which accounts it funds, and where the compiled
// artifacts and deployed addresses live. Each run writes a fresh session
// file, so test binaries can never observe the bindings of a different run.
type Session struct {
	RunID       string           `json:"runId"`
	RPCURL      string           `json:"rpcUrl"`
	ChainID     *big.Int         `json:"chainId"`
	Accounts    []common.Address `json:"accounts"`
	Sender      common.Address   `json:"sender"`
	BuildDir    string           `json:"buildDir"`
	Deployments string           `json:"deploymentsPath"`
}

// Write serializes the session to a throwaway file and returns its path
// along with a cleanup func that removes it.
func (s *Session) Write() (string, func(), error) {
	file, err := os.CreateTemp("", "soltest-session-*.json")
	if err != nil {
		return "", nil, fmt.Errorf("creating session file: %w", err)
	}
	cleanup := func() {
		_ = os.Remove(file.Name())
	}

	if err := json.NewEncoder(file).Encode(s); err != nil {
		_ = file.Close()
		cleanup()
		return "", nil, fmt.Errorf("writing session file: %w", err)
	}
	if err := file.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("closing session file: %w", err)
	}
	return file.Name(), cleanup, nil
}

// LoadSession reads the session referenced by SessionEnvVar. It returns
// ErrNoSession when the variable is unset, which callers use to detect
// running outside an orchestrated test run.
func LoadSession() (*Session, error) {
	path := os.Getenv(SessionEnvVar)
	if path == "" {
		return nil, ErrNoSession
	}
	return ReadSessionFile(path)
}

// ReadSessionFile loads and validates a session file.
func ReadSessionFile(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading session file %s: %w", path, err)
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("parsing session file %s: %w", path, err)
	}
	if session.RPCURL == "" {
		return nil, fmt.Errorf("session file %s has no RPC URL", path)
	}
	return &session, nil
}
