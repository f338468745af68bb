package harness

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/soltest-io/soltest/network"
)

// Contract is a deployed contract bound to the session chain.
type Contract struct {
	Name    string
	Address common.Address
	ABI     abi.ABI

	bound *bind.BoundContract
	env   *Env
}

// Contract resolves a deployed contract by name.
func (e *Env) Contract(name string) (*Contract, error) {
	addr, ok := e.deployments[name]
	if !ok {
		return nil, fmt.Errorf("contract %s was not deployed by the migration manifest", name)
	}

	artifact, err := e.store.Load(name)
	if err != nil {
		return nil, fmt.Errorf("artifact for %s: %w", name, err)
	}
	parsed, err := artifact.DecodeABI()
	if err != nil {
		return nil, fmt.Errorf("ABI for %s: %w", name, err)
	}

	return &Contract{
		Name:    name,
		Address: addr,
		ABI:     parsed,
		bound:   bind.NewBoundContract(addr, parsed, e.Client, e.Client, e.Client),
		env:     e,
	}, nil
}

// Call invokes a read-only method and unpacks the results.
func (c *Contract) Call(ctx context.Context, results *[]any, method string, args ...any) error {
	return c.bound.Call(&bind.CallOpts{Context: ctx}, results, method, args...)
}

// Transact submits a state-changing method from the session's default
// sender and waits for it to be mined.
func (c *Contract) Transact(ctx context.Context, method string, args ...any) (*types.Receipt, error) {
	return c.TransactFrom(ctx, c.env.Session.Sender, method, args...)
}

// TransactFrom is Transact with an explicit sender. The node signs the
// transaction, so the sender must be one of its unlocked accounts.
func (c *Contract) TransactFrom(ctx context.Context, from common.Address, method string, args ...any) (*types.Receipt, error) {
	data, err := c.ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s call: %w", method, err)
	}

	var txHash common.Hash
	call := map[string]any{
		"from": from,
		"to":   c.Address,
		"data": hexutil.Encode(data),
	}
	if err := c.env.RPC.CallContext(ctx, &txHash, "eth_sendTransaction", call); err != nil {
		return nil, fmt.Errorf("eth_sendTransaction failed: %w", err)
	}

	receipt, err := network.WaitMined(ctx, c.env.Client, txHash)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("transaction %s reverted", txHash)
	}
	return receipt, nil
}
