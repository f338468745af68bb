package compiler

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/log"
	"github.com/soltest-io/soltest/artifacts"
)

// Compiler turns Solidity sources into artifacts.
type Compiler interface {
	Compile(ctx context.Context, sources []string) ([]*artifacts.Artifact, error)
}

// Pipeline decides which sources need compiling and keeps the artifact
// store in sync with them.
type Pipeline struct {
	compiler Compiler
	store    *artifacts.Store
	logger   log.Logger
}

// NewPipeline creates a build pipeline over a compiler and artifact store.
func NewPipeline(compiler Compiler, store *artifacts.Store, logger log.Logger) *Pipeline {
	return &Pipeline{compiler: compiler, store: store, logger: logger}
}

// DetectStale returns the subset of sources whose content no longer matches
// the artifacts on disk. A source with no artifacts at all is stale.
func (p *Pipeline) DetectStale(sources []string) ([]string, error) {
	stale, _, err := p.staleSources(sources)
	return stale, err
}

// BuildIfStale compiles stale sources and returns the full artifact set for
// the given sources, freshly compiled and still-valid alike. When nothing is
// stale it leaves the store untouched.
func (p *Pipeline) BuildIfStale(ctx context.Context, sources []string) ([]*artifacts.Artifact, error) {
	stale, hashes, err := p.staleSources(sources)
	if err != nil {
		return nil, err
	}

	if len(stale) == 0 {
		p.logger.Info("Contracts up to date", "sources", len(sources))
	} else {
		p.logger.Info("Compiling contracts", "stale", len(stale), "sources", len(sources))
		compiled, err := p.compiler.Compile(ctx, stale)
		if err != nil {
			return nil, err
		}

		fresh := make(map[string]map[string]bool, len(stale))
		for _, a := range compiled {
			a.SourceHash = hashes[a.SourcePath]
			if err := p.store.Save(a); err != nil {
				return nil, err
			}
			if fresh[a.SourcePath] == nil {
				fresh[a.SourcePath] = make(map[string]bool)
			}
			fresh[a.SourcePath][a.ContractName] = true
		}

		if err := p.pruneStale(stale, fresh); err != nil {
			return nil, err
		}
	}

	return p.collect(sources)
}

// staleSources hashes every source and compares against stored artifacts.
// It also returns the hash per source so compiled artifacts can record it.
func (p *Pipeline) staleSources(sources []string) ([]string, map[string]string, error) {
	hashes := make(map[string]string, len(sources))
	for _, src := range sources {
		h, err := artifacts.HashFile(src)
		if err != nil {
			return nil, nil, err
		}
		hashes[src] = h
	}

	stored, err := p.loadAll()
	if err != nil {
		return nil, nil, err
	}

	// A source is fresh when it has artifacts and every one of them matches
	// the current content hash.
	matching := make(map[string]int, len(sources))
	conflicting := make(map[string]bool, len(sources))
	for _, a := range stored {
		h, watched := hashes[a.SourcePath]
		if !watched {
			continue
		}
		if a.SourceHash == h {
			matching[a.SourcePath]++
		} else {
			conflicting[a.SourcePath] = true
		}
	}

	var stale []string
	for _, src := range sources {
		if matching[src] == 0 || conflicting[src] {
			stale = append(stale, src)
		}
	}
	sort.Strings(stale)
	return stale, hashes, nil
}

// pruneStale removes artifacts left over from contracts that a recompiled
// source no longer defines, so staleness stays stable across runs.
func (p *Pipeline) pruneStale(recompiled []string, fresh map[string]map[string]bool) error {
	stored, err := p.loadAll()
	if err != nil {
		return err
	}
	recompiledSet := make(map[string]bool, len(recompiled))
	for _, src := range recompiled {
		recompiledSet[src] = true
	}

	for _, a := range stored {
		if !recompiledSet[a.SourcePath] {
			continue
		}
		if fresh[a.SourcePath][a.ContractName] {
			continue
		}
		p.logger.Debug("Pruning removed contract", "contract", a.ContractName, "source", a.SourcePath)
		if err := p.store.Delete(a.ContractName); err != nil {
			return err
		}
	}
	return nil
}

// collect returns the stored artifacts belonging to the given sources.
func (p *Pipeline) collect(sources []string) ([]*artifacts.Artifact, error) {
	watched := make(map[string]bool, len(sources))
	for _, src := range sources {
		watched[src] = true
	}

	stored, err := p.loadAll()
	if err != nil {
		return nil, err
	}

	var result []*artifacts.Artifact
	for _, a := range stored {
		if watched[a.SourcePath] {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ContractName < result[j].ContractName
	})
	return result, nil
}

func (p *Pipeline) loadAll() ([]*artifacts.Artifact, error) {
	names, err := p.store.List()
	if err != nil {
		return nil, err
	}
	all := make([]*artifacts.Artifact, 0, len(names))
	for _, name := range names {
		a, err := p.store.Load(name)
		if err != nil {
			return nil, fmt.Errorf("failed to load artifact %s: %w", name, err)
		}
		all = append(all, a)
	}
	return all, nil
}
