package compiler

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ListSources walks the contracts directory and returns every .sol file,
// sorted. Enumeration happens per run so sources added between runs are
// picked up without a restart.
func ListSources(contractsDir string) ([]string, error) {
	if _, err := os.Stat(contractsDir); err != nil {
		return nil, fmt.Errorf("contracts directory %s does not exist", contractsDir)
	}

	var sources []string
	err := filepath.WalkDir(contractsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".sol") {
			sources = append(sources, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", contractsDir, err)
	}

	sort.Strings(sources)
	return sources, nil
}
