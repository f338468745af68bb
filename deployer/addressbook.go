package deployer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
)

// AddressBook maps contract names to their deployed addresses for one run.
// It is persisted as deployments.json under the build directory so test
// subprocesses can bind contracts by name.
type AddressBook struct {
	path    string
	entries map[string]common.Address
}

// NewAddressBook creates an empty book persisted under buildDir.
func NewAddressBook(buildDir string) *AddressBook {
	return &AddressBook{
		path:    filepath.Join(buildDir, "deployments.json"),
		entries: make(map[string]common.Address),
	}
}

// Path returns the location of the persisted book.
func (b *AddressBook) Path() string {
	return b.path
}

// Reset discards all entries and removes the persisted file, so a failed
// deploy never leaves a previous run's addresses visible.
func (b *AddressBook) Reset() error {
	b.entries = make(map[string]common.Address)
	if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", b.path, err)
	}
	return nil
}

// Record stores a deployment.
func (b *AddressBook) Record(name string, addr common.Address) {
	b.entries[name] = addr
}

// Get looks up a deployment by contract name.
func (b *AddressBook) Get(name string) (common.Address, bool) {
	addr, ok := b.entries[name]
	return addr, ok
}

// Len returns the number of recorded deployments.
func (b *AddressBook) Len() int {
	return len(b.entries)
}

// Save writes the book to disk.
func (b *AddressBook) Save() error {
	out := make(map[string]string, len(b.entries))
	for name, addr := range b.entries {
		out[name] = addr.Hex()
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0755); err != nil {
		return fmt.Errorf("failed to create build directory: %w", err)
	}
	if err := os.WriteFile(b.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", b.path, err)
	}
	return nil
}

// LoadDeployments reads a persisted address book. The test harness uses it
// to resolve contract names inside test subprocesses.
func LoadDeployments(path string) (map[string]common.Address, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read deployments: %w", err)
	}
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse deployments %s: %w", path, err)
	}
	out := make(map[string]common.Address, len(raw))
	for name, hex := range raw {
		if !common.IsHexAddress(hex) {
			return nil, fmt.Errorf("deployment %s has invalid address %q", name, hex)
		}
		out[name] = common.HexToAddress(hex)
	}
	return out, nil
}
