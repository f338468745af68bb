// Package artifacts models compiled contract artifacts and their on-disk
// store. Each artifact records the hash of the source it was compiled from
// so the build pipeline can tell stale artifacts from fresh ones without
// trusting file timestamps.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Artifact is one compiled contract.
type Artifact struct {
	ContractName string          `json:"contractName"`
	SourcePath   string          `json:"sourcePath"`
	SourceHash   string          `json:"sourceHash"`
	ABI          json.RawMessage `json:"abi"`
	Bytecode     string          `json:"bytecode"`
}

// DecodeABI parses the artifact's ABI definition.
func (a *Artifact) DecodeABI() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(string(a.ABI)))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to parse ABI for %s: %w", a.ContractName, err)
	}
	return parsed, nil
}

// BytecodeBytes returns the deploy bytecode as raw bytes.
func (a *Artifact) BytecodeBytes() ([]byte, error) {
	code := common.FromHex(a.Bytecode)
	if len(code) == 0 {
		return nil, fmt.Errorf("artifact %s has no bytecode", a.ContractName)
	}
	return code, nil
}

// HashFile returns the hex sha256 of a file's contents.
func HashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
