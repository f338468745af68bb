package soltest

import (
	"errors"
	"fmt"
)

// ErrInterrupted signals that the operator interrupted the process.
// The CLI maps it to exit code 130.
var ErrInterrupted = errors.New("interrupted")

// RuntimeError represents an operational error that should lead to exit code 2
// Examples include configuration errors, network startup failures, etc.
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error: %v", e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// NewRuntimeError creates a new RuntimeError
func NewRuntimeError(err error) *RuntimeError {
	return &RuntimeError{Err: err}
}

// IsRuntimeError checks if the error is or wraps a RuntimeError
func IsRuntimeError(err error) bool {
	var runtimeErr *RuntimeError
	return err != nil && errors.As(err, &runtimeErr)
}

// TestFailureError represents failing test assertions. The process exit code
// is the failed-test count, capped by exitcodes.ForTestFailures.
type TestFailureError struct {
	Failed int
}

func (e *TestFailureError) Error() string {
	return fmt.Sprintf("test failure: %d test(s) failed", e.Failed)
}

// NewTestFailureError creates a new TestFailureError
func NewTestFailureError(failed int) *TestFailureError {
	return &TestFailureError{Failed: failed}
}

// IsTestFailureError checks if the error is or wraps a TestFailureError
func IsTestFailureError(err error) bool {
	var testErr *TestFailureError
	return err != nil && errors.As(err, &testErr)
}

// NetworkError represents a failure to start or attach to the blockchain
// network. It is fatal to the whole process.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new NetworkError
func NewNetworkError(err error) *NetworkError {
	return &NetworkError{Err: err}
}

// IsNetworkError checks if the error is or wraps a NetworkError
func IsNetworkError(err error) bool {
	var netErr *NetworkError
	return err != nil && errors.As(err, &netErr)
}

// AccountError represents a failure to fetch the node-managed accounts.
// Like NetworkError it is fatal to the whole process.
type AccountError struct {
	Err error
}

func (e *AccountError) Error() string {
	return fmt.Sprintf("account error: %v", e.Err)
}

func (e *AccountError) Unwrap() error {
	return e.Err
}

// NewAccountError creates a new AccountError
func NewAccountError(err error) *AccountError {
	return &AccountError{Err: err}
}

// IsAccountError checks if the error is or wraps an AccountError
func IsAccountError(err error) bool {
	var acctErr *AccountError
	return err != nil && errors.As(err, &acctErr)
}

// CompileError represents a contract compilation failure. It aborts the
// current run only; the controller returns to idle and waits for changes.
type CompileError struct {
	Source string
	Err    error
}

func (e *CompileError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("compile error: %v", e.Err)
	}
	return fmt.Sprintf("compile error in %s: %v", e.Source, e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// NewCompileError creates a new CompileError
func NewCompileError(source string, err error) *CompileError {
	return &CompileError{Source: source, Err: err}
}

// IsCompileError checks if the error is or wraps a CompileError
func IsCompileError(err error) bool {
	var compileErr *CompileError
	return err != nil && errors.As(err, &compileErr)
}

// DeployError represents a migration deployment failure. Like CompileError
// it ends the current run before any tests execute.
type DeployError struct {
	Contract string
	Err      error
}

func (e *DeployError) Error() string {
	if e.Contract == "" {
		return fmt.Sprintf("deploy error: %v", e.Err)
	}
	return fmt.Sprintf("deploy error for %s: %v", e.Contract, e.Err)
}

func (e *DeployError) Unwrap() error {
	return e.Err
}

// NewDeployError creates a new DeployError
func NewDeployError(contract string, err error) *DeployError {
	return &DeployError{Contract: contract, Err: err}
}

// IsDeployError checks if the error is or wraps a DeployError
func IsDeployError(err error) bool {
	var deployErr *DeployError
	return err != nil && errors.As(err, &deployErr)
}
