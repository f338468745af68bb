package deployer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/soltest-io/soltest/artifacts"
	"github.com/soltest-io/soltest/network"
)

// Deployer executes migrations through the node's own accounts. Deploy
// transactions go out as eth_sendTransaction so the node signs them; no
// keys ever live in this process.
type Deployer struct {
	handle   *network.Handle
	resolver *artifacts.Resolver
	book     *AddressBook
	sender   common.Address
	logger   log.Logger
}

// New creates a deployer. The sender is the default deploy account; a
// migration step may override it.
func New(handle *network.Handle, resolver *artifacts.Resolver, book *AddressBook, sender common.Address, logger log.Logger) *Deployer {
	return &Deployer{
		handle:   handle,
		resolver: resolver,
		book:     book,
		sender:   sender,
		logger:   logger,
	}
}

// Deploy runs the whole manifest from a clean slate: the chain is reverted
// to its startup snapshot when the node supports that, and the previous
// address book is discarded either way. Failures leave no partial book on
// disk.
func (d *Deployer) Deploy(ctx context.Context, manifest *Manifest) error {
	if d.handle.SupportsReset() {
		if err := d.handle.Reset(ctx); err != nil {
			d.logger.Warn("Network reset failed, continuing with fresh deployments", "err", err)
		}
	}
	if err := d.book.Reset(); err != nil {
		return err
	}

	start := time.Now()
	for i, step := range manifest.Migrations {
		addr, err := d.deployContract(ctx, step)
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", i+1, step.Contract, err)
		}
		d.logger.Info("Deployed contract", "contract", step.Contract, "address", addr)
		d.book.Record(step.Contract, addr)
	}
	d.logger.Info("Migrations complete", "contracts", len(manifest.Migrations), "duration", time.Since(start))

	return d.book.Save()
}

func (d *Deployer) deployContract(ctx context.Context, step Migration) (common.Address, error) {
	artifact, err := d.resolver.Require(step.Contract)
	if err != nil {
		return common.Address{}, err
	}
	code, err := artifact.BytecodeBytes()
	if err != nil {
		return common.Address{}, err
	}
	parsed, err := artifact.DecodeABI()
	if err != nil {
		return common.Address{}, err
	}

	data := code
	if len(parsed.Constructor.Inputs) > 0 || len(step.Args) > 0 {
		args, err := coerceArgs(parsed.Constructor.Inputs, step.Args, d.book)
		if err != nil {
			return common.Address{}, err
		}
		packed, err := parsed.Pack("", args...)
		if err != nil {
			return common.Address{}, fmt.Errorf("failed to encode constructor arguments: %w", err)
		}
		data = append(data, packed...)
	}

	from := d.sender
	if step.Sender != "" {
		from = common.HexToAddress(step.Sender)
	}

	var txHash common.Hash
	call := map[string]any{
		"from": from,
		"data": hexutil.Encode(data),
	}
	if err := d.handle.RPC.CallContext(ctx, &txHash, "eth_sendTransaction", call); err != nil {
		return common.Address{}, fmt.Errorf("eth_sendTransaction failed: %w", err)
	}

	receipt, err := network.WaitMined(ctx, d.handle.Client, txHash)
	if err != nil {
		return common.Address{}, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return common.Address{}, errors.New("deployment transaction reverted")
	}
	if receipt.ContractAddress == (common.Address{}) {
		return common.Address{}, errors.New("deployment receipt carries no contract address")
	}
	return receipt.ContractAddress, nil
}
