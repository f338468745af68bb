package artifacts

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

const resolverCacheSize = 128

// Resolver hands out artifacts by contract name, memoizing disk reads.
// A cached entry survives until Purge, so callers that must observe a
// fresh build purge first.
type Resolver struct {
	store *Store
	cache *lru.Cache[string, *Artifact]
}

// NewResolver creates a resolver backed by the given store.
func NewResolver(store *Store) (*Resolver, error) {
	cache, err := lru.New[string, *Artifact](resolverCacheSize)
	if err != nil {
		return nil, err
	}
	return &Resolver{store: store, cache: cache}, nil
}

// Require returns the artifact for a contract name, reading it from the
// store on first use.
func (r *Resolver) Require(name string) (*Artifact, error) {
	if a, ok := r.cache.Get(name); ok {
		return a, nil
	}
	a, err := r.store.Load(name)
	if err != nil {
		return nil, err
	}
	r.cache.Add(name, a)
	return a, nil
}

// Purge drops every cached artifact. The next Require reads from disk.
func (r *Resolver) Purge() {
	r.cache.Purge()
}
