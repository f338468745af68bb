// Package compiler builds Solidity sources into deployable artifacts.
// Staleness is judged by source content hash, so touching a file without
// changing it never causes a recompile.
package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"github.com/soltest-io/soltest/artifacts"
)

// Solc shells out to the solc binary.
type Solc struct {
	binary string
	logger log.Logger
}

// NewSolc creates a compiler using the given solc binary.
func NewSolc(binary string, logger log.Logger) *Solc {
	return &Solc{binary: binary, logger: logger}
}

// combinedOutput mirrors solc's --combined-json format. Depending on the
// solc version the abi field is either a JSON array or a quoted string
// containing one.
type combinedOutput struct {
	Contracts map[string]combinedContract `json:"contracts"`
	Version   string                      `json:"version"`
}

type combinedContract struct {
	ABI json.RawMessage `json:"abi"`
	Bin string          `json:"bin"`
}

// Compile runs solc over the given sources and returns one artifact per
// contract. Abstract contracts and interfaces come back with empty
// bytecode; they can be bound but not deployed.
func (s *Solc) Compile(ctx context.Context, sources []string) ([]*artifacts.Artifact, error) {
	if len(sources) == 0 {
		return nil, nil
	}

	args := append([]string{"--combined-json", "abi,bin"}, sources...)
	cmd := exec.CommandContext(ctx, s.binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	s.logger.Debug("Invoking compiler", "binary", s.binary, "sources", len(sources))
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("%s failed: %s", s.binary, msg)
	}

	compiled, err := parseCombined(stdout.Bytes())
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Compiler finished", "contracts", len(compiled))
	return compiled, nil
}

// Version reports the compiler version string.
func (s *Solc) Version(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, s.binary, "--version").Output()
	if err != nil {
		return "", fmt.Errorf("failed to run %s --version: %w", s.binary, err)
	}
	// The version is on the last non-empty line.
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(lines[len(lines)-1]), nil
}

// parseCombined decodes solc's combined-json output. Contract keys have the
// form "path/to/Source.sol:ContractName".
func parseCombined(data []byte) ([]*artifacts.Artifact, error) {
	var out combinedOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode compiler output: %w", err)
	}

	result := make([]*artifacts.Artifact, 0, len(out.Contracts))
	for key, contract := range out.Contracts {
		idx := strings.LastIndex(key, ":")
		if idx < 0 {
			return nil, fmt.Errorf("malformed contract key %q in compiler output", key)
		}
		sourcePath, name := key[:idx], key[idx+1:]

		abiRaw := contract.ABI
		if len(abiRaw) > 0 && abiRaw[0] == '"' {
			// Older solc wraps the ABI array in a string.
			var unquoted string
			if err := json.Unmarshal(abiRaw, &unquoted); err != nil {
				return nil, fmt.Errorf("failed to unwrap ABI for %s: %w", name, err)
			}
			abiRaw = json.RawMessage(unquoted)
		}

		bytecode := contract.Bin
		if bytecode != "" && !strings.HasPrefix(bytecode, "0x") {
			bytecode = "0x" + bytecode
		}

		result = append(result, &artifacts.Artifact{
			ContractName: name,
			SourcePath:   sourcePath,
			ABI:          abiRaw,
			Bytecode:     bytecode,
		})
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ContractName < result[j].ContractName
	})
	return result, nil
}
