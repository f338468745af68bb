package network

import (
	"context"

	"github.com/ethereum/go-ethereum/log"
)

// RemoteProvider attaches to a network that is already running. Closing
// the provider drops the connection but leaves the network alone.
type RemoteProvider struct {
	url    string
	logger log.Logger
	handle *Handle
}

// NewRemoteProvider creates a provider for an existing RPC endpoint.
func NewRemoteProvider(url string, logger log.Logger) *RemoteProvider {
	return &RemoteProvider{url: url, logger: logger}
}

// Listen dials the endpoint. The port argument is ignored; the remote
// network chose its own.
func (p *RemoteProvider) Listen(ctx context.Context, _ int) (*Handle, error) {
	handle, err := dial(ctx, p.url, p.logger)
	if err != nil {
		return nil, err
	}
	p.handle = handle
	p.logger.Info("Attached to network", "url", p.url, "chain_id", handle.ChainID)
	return handle, nil
}

// Close drops the connection to the remote network.
func (p *RemoteProvider) Close() error {
	if p.handle != nil {
		p.handle.Close()
		p.handle = nil
	}
	return nil
}
