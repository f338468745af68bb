// Package deployer runs a project's migrations manifest against a network,
// recording deployed addresses for the test harness. Every run starts from
// a clean slate: the prior address book is discarded and, when the node
// supports snapshots, the chain is reverted to its startup state.
package deployer

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Migration is one ordered deployment step.
type Migration struct {
	Contract string `yaml:"contract"`
	Args     []any  `yaml:"args"`
	Sender   string `yaml:"sender"`
}

// Manifest is the parsed migrations file. Steps run in order; later steps
// may reference earlier deployments with "$ContractName" address args.
type Manifest struct {
	Migrations []Migration `yaml:"migrations"`
}

// LoadManifest reads and validates a migrations file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse migrations manifest %s: %w", path, err)
	}

	for i, step := range m.Migrations {
		if step.Contract == "" {
			return nil, fmt.Errorf("migration %d has no contract name", i+1)
		}
		if step.Sender != "" && !common.IsHexAddress(step.Sender) {
			return nil, fmt.Errorf("migration %d (%s): sender %q is not a hex address", i+1, step.Contract, step.Sender)
		}
	}
	return &m, nil
}
