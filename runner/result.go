package runner

import (
	"fmt"
	"sort"
	"time"
)

// TestStatus represents the possible outcomes of a test execution.
type TestStatus string

const (
	TestStatusPass TestStatus = "pass"
	TestStatusFail TestStatus = "fail"
	TestStatusSkip TestStatus = "skip"
)

// TestResult captures the outcome of a single top-level test function,
// including any subtests it spawned via t.Run.
type TestResult struct {
	Name     string
	Status   TestStatus
	Duration time.Duration
	Error    error                  // populated for failing tests with the captured output
	SubTests map[string]*TestResult // keyed by the full subtest name, e.g. "TestToken/transfer"
}

// PackageResult aggregates the results of one test package invocation.
type PackageResult struct {
	Package  string
	Status   TestStatus
	Duration time.Duration
	Tests    []*TestResult
	Output   string // raw combined output, kept for the run log
}

// Test returns the result for the named top-level test, or nil.
func (p *PackageResult) Test(name string) *TestResult {
	for _, t := range p.Tests {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// TestStats tallies this package's top-level tests.
func (p *PackageResult) TestStats() Stats {
	var s Stats
	for _, t := range p.Tests {
		s.record(t.Status)
	}
	return s
}

// Stats tallies top-level test outcomes across a run. Subtest failures
// surface through their parent's status, so they are not double counted.
type Stats struct {
	Total   int
	Passed  int
	Failed  int
	Skipped int
}

func (s *Stats) record(status TestStatus) {
	s.Total++
	switch status {
	case TestStatusPass:
		s.Passed++
	case TestStatusFail:
		s.Failed++
	case TestStatusSkip:
		s.Skipped++
	}
}

// Result is the outcome of one full test run across all packages.
type Result struct {
	RunID    string
	Packages []*PackageResult
	Stats    Stats
	Duration time.Duration
	Aborted  bool
}

// Failed reports the number of failed top-level tests, which doubles as
// the process exit code in one-shot mode.
func (r *Result) Failed() int {
	return r.Stats.Failed
}

// Status derives the run's overall status from its stats.
func (r *Result) Status() TestStatus {
	switch {
	case r.Stats.Failed > 0:
		return TestStatusFail
	case r.Stats.Passed == 0 && r.Stats.Skipped > 0:
		return TestStatusSkip
	default:
		return TestStatusPass
	}
}

func (r *Result) String() string {
	return fmt.Sprintf("Run %s: %d tests, %d passed, %d failed, %d skipped (%.1fs)",
		r.RunID, r.Stats.Total, r.Stats.Passed, r.Stats.Failed, r.Stats.Skipped, r.Duration.Seconds())
}

// tally recomputes Stats from the package results and sorts packages by
// import path for stable reporting.
func (r *Result) tally() {
	r.Stats = Stats{}
	sort.Slice(r.Packages, func(i, j int) bool {
		return r.Packages[i].Package < r.Packages[j].Package
	})
	for _, pkg := range r.Packages {
		for _, t := range pkg.Tests {
			r.Stats.record(t.Status)
		}
	}
}
