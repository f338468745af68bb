package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/acarl005/stripansi"
)

const (
	// RunDirectoryPrefix is the standardized prefix for per-run log directories.
	RunDirectoryPrefix = "run-"

	summaryFileName = "summary.log"
	rawDirName      = "raw"
)

// FileLogger persists the output of one test run under a dedicated
// directory. Package streams are ANSI-stripped before hitting disk so the
// files stay grep-friendly; the raw go test JSON is kept verbatim for
// tooling.
type FileLogger struct {
	baseDir string
	logDir  string
	rawDir  string
	runID   string
}

// NewFileLogger creates the run directory under baseDir and returns a
// logger scoped to it.
func NewFileLogger(baseDir string, runID string) (*FileLogger, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("baseDir cannot be empty")
	}
	if runID == "" {
		return nil, fmt.Errorf("runID cannot be empty")
	}

	logDir := filepath.Join(baseDir, RunDirectoryPrefix+runID)
	rawDir := filepath.Join(logDir, rawDirName)
	for _, dir := range []string{logDir, rawDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
		}
	}

	return &FileLogger{
		baseDir: baseDir,
		logDir:  logDir,
		rawDir:  rawDir,
		runID:   runID,
	}, nil
}

// Dir returns the directory holding this run's logs.
func (l *FileLogger) Dir() string {
	return l.logDir
}

// RunID returns the run this logger belongs to.
func (l *FileLogger) RunID() string {
	return l.runID
}

// StorePackageOutput writes the human-readable output of one package
// invocation, with terminal escape sequences removed.
func (l *FileLogger) StorePackageOutput(pkg string, output []byte) error {
	name := packageFileName(pkg) + ".log"
	clean := stripansi.Strip(string(output))
	if err := os.WriteFile(filepath.Join(l.logDir, name), []byte(clean), 0644); err != nil {
		return fmt.Errorf("failed to write package log %s: %w", name, err)
	}
	return nil
}

// StoreRawEvents writes the unmodified go test JSON stream for a package.
func (l *FileLogger) StoreRawEvents(pkg string, events []byte) error {
	name := packageFileName(pkg) + ".json"
	if err := os.WriteFile(filepath.Join(l.rawDir, name), events, 0644); err != nil {
		return fmt.Errorf("failed to write raw events %s: %w", name, err)
	}
	return nil
}

// StoreSummary writes the run summary rendered by the reporter.
func (l *FileLogger) StoreSummary(summary string) error {
	clean := stripansi.Strip(summary)
	if err := os.WriteFile(filepath.Join(l.logDir, summaryFileName), []byte(clean), 0644); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return nil
}

// SummaryPath returns the location of the run summary file.
func (l *FileLogger) SummaryPath() string {
	return filepath.Join(l.logDir, summaryFileName)
}

// packageFileName flattens a package pattern into a safe file name.
// "./tests/token" becomes "tests_token".
func packageFileName(pkg string) string {
	name := strings.TrimPrefix(pkg, "./")
	name = strings.TrimSuffix(name, "/...")
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_", ".", "_")
	name = replacer.Replace(name)
	name = strings.Trim(name, "_")
	if name == "" {
		name = "package"
	}
	return name
}
