// Package network stands up or attaches to the blockchain network test
// runs execute against. A Provider yields one Handle per process; the
// handle and its account list are shared across every run.
package network

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
)

const (
	readyPollInterval = 100 * time.Millisecond

	receiptPollInterval = 50 * time.Millisecond
	receiptTimeout      = 30 * time.Second
)

// Provider supplies the network a session runs against.
type Provider interface {
	// Listen makes the network reachable and returns its handle. The port
	// is only meaningful for providers that spawn a local node.
	Listen(ctx context.Context, port int) (*Handle, error)
	// Close tears the network down. Handles become invalid afterwards.
	Close() error
}

// Handle is a live connection to a network.
type Handle struct {
	RPCURL  string
	ChainID *big.Int
	Client  *ethclient.Client
	RPC     *rpc.Client

	logger log.Logger

	accountsOnce sync.Once
	accounts     []common.Address
	accountsErr  error

	snapshotID string
	canReset   bool
}

// dial connects to a node, verifies it answers, and takes the genesis
// snapshot used by Reset when the node supports one.
func dial(ctx context.Context, url string, logger log.Logger) (*Handle, error) {
	rpcClient, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	client := ethclient.NewClient(rpcClient)

	chainID, err := client.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("failed to query chain id from %s: %w", url, err)
	}

	h := &Handle{
		RPCURL:  url,
		ChainID: chainID,
		Client:  client,
		RPC:     rpcClient,
		logger:  logger,
	}

	var snapID string
	if err := rpcClient.CallContext(ctx, &snapID, "evm_snapshot"); err == nil {
		h.snapshotID = snapID
		h.canReset = true
		logger.Debug("Node supports snapshots", "snapshot", snapID)
	} else {
		logger.Debug("Node does not support snapshots; resets fall back to fresh deployments", "err", err)
	}

	return h, nil
}

// Accounts returns the node-managed accounts. The list is fetched exactly
// once per process and shared across runs.
func (h *Handle) Accounts(ctx context.Context) ([]common.Address, error) {
	h.accountsOnce.Do(func() {
		var accounts []common.Address
		if err := h.RPC.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
			h.accountsErr = fmt.Errorf("eth_accounts failed: %w", err)
			return
		}
		if len(accounts) == 0 {
			h.accountsErr = errors.New("node exposes no accounts")
			return
		}
		h.accounts = accounts
		h.logger.Debug("Fetched node accounts", "count", len(accounts))
	})
	return h.accounts, h.accountsErr
}

// SupportsReset reports whether the node accepts snapshot RPCs.
func (h *Handle) SupportsReset() bool {
	return h.canReset
}

// Reset reverts the chain to the snapshot taken at startup and takes a new
// one, since dev nodes consume snapshots on revert.
func (h *Handle) Reset(ctx context.Context) error {
	if !h.canReset {
		return errors.New("node does not support snapshots")
	}

	var reverted bool
	if err := h.RPC.CallContext(ctx, &reverted, "evm_revert", h.snapshotID); err != nil {
		return fmt.Errorf("evm_revert failed: %w", err)
	}
	if !reverted {
		return fmt.Errorf("snapshot %s no longer available", h.snapshotID)
	}

	var snapID string
	if err := h.RPC.CallContext(ctx, &snapID, "evm_snapshot"); err != nil {
		return fmt.Errorf("evm_snapshot failed: %w", err)
	}
	h.snapshotID = snapID
	h.logger.Debug("Network reset", "snapshot", snapID)
	return nil
}

// Close releases the handle's connections.
func (h *Handle) Close() {
	h.Client.Close()
}

// MatchesID reports whether a chain id satisfies the configured network id.
// The wildcard "*" matches any network.
func MatchesID(want string, got *big.Int) bool {
	if want == "" || want == "*" {
		return true
	}
	return want == got.String()
}

// WaitMined polls for the receipt of a node-signed transaction. Dev nodes
// mine instantly so the common case is a single poll.
func WaitMined(ctx context.Context, client *ethclient.Client, txHash common.Hash) (*types.Receipt, error) {
	deadline := time.Now().Add(receiptTimeout)
	for {
		receipt, err := client.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) && time.Now().After(deadline) {
			return nil, fmt.Errorf("failed to fetch receipt for %s: %w", txHash, err)
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("transaction %s not mined after %s", txHash, receiptTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(receiptPollInterval):
		}
	}
}

// awaitReady polls a node URL until it answers or the context expires.
func awaitReady(ctx context.Context, url string, timeout time.Duration, logger log.Logger) (*Handle, error) {
	deadline := time.Now().Add(timeout)
	for {
		h, err := dial(ctx, url, logger)
		if err == nil {
			return h, nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("node at %s not ready after %s: %w", url, timeout, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(readyPollInterval):
		}
	}
}
