package runner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Action values emitted by the go test JSON protocol.
const (
	ActionStart  = "start"
	ActionRun    = "run"
	ActionPass   = "pass"
	ActionFail   = "fail"
	ActionSkip   = "skip"
	ActionOutput = "output"
)

// TestEvent is a single event from the go test -json stream.
type TestEvent struct {
	Time    time.Time // Time the event occurred
	Action  string    // The action taken (run, pass, fail, skip, output)
	Package string    // The package being tested
	Test    string    // The test function name (empty for package events)
	Output  string    // Output text (may be empty)
	Elapsed float64   // Elapsed time in seconds for the specific action
}

// packageParser folds a go test -json stream for one package into a
// PackageResult. Top-level tests are tracked in encounter order; subtests
// (names containing "/") are attached to their top-level parent.
type packageParser struct {
	pkg     string
	tests   map[string]*TestResult
	order   []string
	outputs map[string]*strings.Builder
	raw     strings.Builder

	pkgStatus  TestStatus
	pkgElapsed time.Duration
	sawEvent   bool
}

func newPackageParser(pkg string) *packageParser {
	return &packageParser{
		pkg:     pkg,
		tests:   make(map[string]*TestResult),
		outputs: make(map[string]*strings.Builder),
	}
}

// parsePackageOutput parses the JSON stream produced by a single go test
// invocation. Lines that do not decode as events are skipped; a stream with
// no valid events at all yields a failing result so broken invocations are
// never mistaken for empty packages.
func parsePackageOutput(output []byte, pkg string) *PackageResult {
	p := newPackageParser(pkg)

	for _, line := range bytes.Split(output, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var event TestEvent
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		p.consume(event)
	}

	return p.finalize(output)
}

func (p *packageParser) consume(event TestEvent) {
	p.sawEvent = true

	if event.Output != "" {
		p.raw.WriteString(event.Output)
	}

	if event.Test == "" {
		p.consumePackageEvent(event)
		return
	}
	p.consumeTestEvent(event)
}

func (p *packageParser) consumePackageEvent(event TestEvent) {
	switch event.Action {
	case ActionPass:
		p.pkgStatus = TestStatusPass
		p.pkgElapsed = elapsedDuration(event.Elapsed)
	case ActionFail:
		p.pkgStatus = TestStatusFail
		p.pkgElapsed = elapsedDuration(event.Elapsed)
	case ActionSkip:
		// Emitted for packages with no test files.
		p.pkgStatus = TestStatusSkip
		p.pkgElapsed = elapsedDuration(event.Elapsed)
	}
}

func (p *packageParser) consumeTestEvent(event TestEvent) {
	name := event.Test
	parent, isSubTest := splitSubTest(name)

	result := p.tests[parent]
	if result == nil {
		result = &TestResult{Name: parent}
		p.tests[parent] = result
		p.order = append(p.order, parent)
	}

	target := result
	if isSubTest {
		if result.SubTests == nil {
			result.SubTests = make(map[string]*TestResult)
		}
		sub := result.SubTests[name]
		if sub == nil {
			sub = &TestResult{Name: name}
			result.SubTests[name] = sub
		}
		target = sub
	}

	switch event.Action {
	case ActionPass:
		target.Status = TestStatusPass
		target.Duration = elapsedDuration(event.Elapsed)
	case ActionFail:
		target.Status = TestStatusFail
		target.Duration = elapsedDuration(event.Elapsed)
		if out := p.capturedOutput(name); out != "" {
			target.Error = fmt.Errorf("%s", out)
		} else {
			target.Error = fmt.Errorf("test failed")
		}
	case ActionSkip:
		target.Status = TestStatusSkip
		target.Duration = elapsedDuration(event.Elapsed)
	case ActionOutput:
		if event.Output != "" {
			b := p.outputs[name]
			if b == nil {
				b = &strings.Builder{}
				p.outputs[name] = b
			}
			b.WriteString(event.Output)
		}
	}
}

func (p *packageParser) capturedOutput(test string) string {
	b := p.outputs[test]
	if b == nil {
		return ""
	}
	return strings.TrimSpace(b.String())
}

func (p *packageParser) finalize(rawJSON []byte) *PackageResult {
	result := &PackageResult{
		Package:  p.pkg,
		Status:   p.pkgStatus,
		Duration: p.pkgElapsed,
		Output:   p.raw.String(),
	}

	if !p.sawEvent {
		result.Status = TestStatusFail
		result.Output = string(rawJSON)
		return result
	}

	for _, name := range p.order {
		t := p.tests[name]
		markIncomplete(t)
		for _, sub := range t.SubTests {
			markIncomplete(sub)
			if sub.Status == TestStatusFail && t.Status != TestStatusFail {
				t.Status = TestStatusFail
				if t.Error == nil {
					t.Error = fmt.Errorf("subtest %s failed", sub.Name)
				}
			}
		}
		result.Tests = append(result.Tests, t)
	}
	sort.Slice(result.Tests, func(i, j int) bool {
		return result.Tests[i].Name < result.Tests[j].Name
	})

	if result.Status == "" {
		result.Status = deriveStatus(result.Tests)
	}
	return result
}

// markIncomplete flags tests that never reported a terminal action, which
// happens when the test binary is killed mid-run.
func markIncomplete(t *TestResult) {
	if t.Status == "" {
		t.Status = TestStatusFail
		t.Error = fmt.Errorf("test did not report a result")
	}
}

// deriveStatus covers truncated streams where the package-level terminal
// event never arrived.
func deriveStatus(tests []*TestResult) TestStatus {
	if len(tests) == 0 {
		return TestStatusFail
	}
	allSkipped := true
	for _, t := range tests {
		if t.Status == TestStatusFail {
			return TestStatusFail
		}
		if t.Status != TestStatusSkip {
			allSkipped = false
		}
	}
	if allSkipped {
		return TestStatusSkip
	}
	return TestStatusPass
}

// splitSubTest returns the top-level test name and whether the full name
// denotes a subtest.
func splitSubTest(name string) (string, bool) {
	parent, _, found := strings.Cut(name, "/")
	return parent, found
}

func elapsedDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
