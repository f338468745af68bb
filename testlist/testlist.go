package testlist

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/mod/modfile"
)

// FindTestPackages walks root and returns every package directory holding
// _test.go files, as patterns relative to workingDir suitable for go test
// (e.g. "./tests/token"). A trailing /... on root is accepted and ignored.
func FindTestPackages(root string, workingDir string) ([]string, error) {
	root = strings.TrimSuffix(root, "/...")

	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("test directory %s does not exist", root)
		}
		return nil, fmt.Errorf("failed to stat test directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("test directory %s is not a directory", root)
	}

	seen := make(map[string]bool)
	var packages []string

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if path != root && skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), "_test.go") {
			return nil
		}

		dir := filepath.Dir(path)
		if seen[dir] {
			return nil
		}
		seen[dir] = true

		rel, err := filepath.Rel(workingDir, dir)
		if err != nil {
			return err
		}
		if rel == "." {
			packages = append(packages, ".")
		} else {
			packages = append(packages, "./"+filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(packages)
	return packages, nil
}

// skipDir mirrors the go tool's rules for directories it never loads.
func skipDir(name string) bool {
	return strings.HasPrefix(name, ".") ||
		strings.HasPrefix(name, "_") ||
		name == "vendor" ||
		name == "testdata"
}

// FindTestFunctions takes a package path and working directory, and returns
// the names of its top-level test functions. The package may be given as a
// ./-relative pattern or as a full import path within the working
// directory's module.
func FindTestFunctions(pkgPath string, workingDir string) ([]string, error) {
	var relPath string

	if strings.HasPrefix(pkgPath, "./") || pkgPath == "." {
		relPath = strings.TrimPrefix(pkgPath, "./")
	} else {
		goModPath := filepath.Join(workingDir, "go.mod")
		goModContent, err := os.ReadFile(goModPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read go.mod: %w", err)
		}

		modFile, err := modfile.Parse(goModPath, goModContent, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to parse go.mod: %w", err)
		}

		moduleName := modFile.Module.Mod.Path
		if moduleName == "" {
			return nil, fmt.Errorf("could not find module name in go.mod")
		}

		if !strings.HasPrefix(pkgPath, moduleName) {
			return nil, fmt.Errorf("package %s is not in module %s", pkgPath, moduleName)
		}

		relPath = strings.TrimPrefix(pkgPath, moduleName)
		if relPath == "" {
			relPath = "."
		}
	}

	pkgDir := filepath.Join(workingDir, relPath)
	entries, err := os.ReadDir(pkgDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read package directory: %w", err)
	}

	var testFunctions []string
	fset := token.NewFileSet()

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), "_test.go") {
			continue
		}

		filePath := filepath.Join(pkgDir, entry.Name())
		f, err := parser.ParseFile(fset, filePath, nil, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", entry.Name(), err)
		}

		for _, decl := range f.Decls {
			funcDecl, ok := decl.(*ast.FuncDecl)
			if !ok {
				continue
			}

			// Test functions start with "Test"; TestMain is the package
			// hook, not a test.
			if strings.HasPrefix(funcDecl.Name.Name, "Test") && funcDecl.Name.Name != "TestMain" {
				testFunctions = append(testFunctions, funcDecl.Name.Name)
			}
		}
	}

	return testFunctions, nil
}

// CountTestFunctions sums the test functions across the given packages.
// Packages that fail to parse count as zero; discovery noise must not fail
// a run that go test itself might still handle.
func CountTestFunctions(packages []string, workingDir string) int {
	total := 0
	for _, pkg := range packages {
		funcs, err := FindTestFunctions(pkg, workingDir)
		if err != nil {
			continue
		}
		total += len(funcs)
	}
	return total
}
