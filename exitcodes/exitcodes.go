// Package exitcodes defines the standard exit codes used by soltest.
package exitcodes

// Exit code constants used by soltest
// These constants define the exit codes that the application uses to indicate
// various states when it exits:
//
// * Success (0): Used when the run completes and every test passes
// * RuntimeErr (2): Used for runtime errors such as panics, network startup
//   failures or account fetch failures
// * Interrupted (130): Used when the operator interrupts the process
//
// In one-shot mode a run with failing tests exits with the number of failed
// tests, capped at MaxTestFailures so the code stays below the range shells
// reserve for signals.
const (
	Success         = 0   // All tests pass
	RuntimeErr      = 2   // Runtime errors or timeouts
	Interrupted     = 130 // Operator interrupt (128 + SIGINT)
	MaxTestFailures = 125
)

// ForTestFailures converts a failed-test count into a process exit code.
func ForTestFailures(failed int) int {
	if failed <= 0 {
		return Success
	}
	if failed > MaxTestFailures {
		return MaxTestFailures
	}
	return failed
}
