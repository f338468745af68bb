package deployer

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soltest-io/soltest/artifacts"
	"github.com/soltest-io/soltest/network"
)

const (
	tokenABI    = `[{"inputs":[{"internalType":"uint256","name":"supply","type":"uint256"}],"stateMutability":"nonpayable","type":"constructor"},{"inputs":[],"name":"totalSupply","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`
	registryABI = `[]`
	vaultABI    = `[{"inputs":[{"internalType":"address","name":"token","type":"address"}],"stateMutability":"nonpayable","type":"constructor"}]`

	senderAddr = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

type sentTx struct {
	From string
	Data string
}

// fakeChain answers the JSON-RPC surface the deployer touches. Contract
// addresses advance monotonically, the way nonces advance on a node.
type fakeChain struct {
	mu         sync.Mutex
	sent       []sentTx
	reverted   []string
	snapshots  int
	deploys    int
	revertNext bool
}

func (f *fakeChain) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     json.RawMessage   `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	respond := func(result any) {
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch req.Method {
	case "eth_chainId":
		respond("0x7a69")
	case "evm_snapshot":
		f.snapshots++
		respond(fmt.Sprintf("0x%x", f.snapshots))
	case "evm_revert":
		var id string
		_ = json.Unmarshal(req.Params[0], &id)
		f.reverted = append(f.reverted, id)
		respond(true)
	case "eth_sendTransaction":
		var call struct {
			From string `json:"from"`
			Data string `json:"data"`
		}
		_ = json.Unmarshal(req.Params[0], &call)
		f.sent = append(f.sent, sentTx{From: call.From, Data: call.Data})
		f.deploys++
		respond(common.BigToHash(big.NewInt(int64(f.deploys))).Hex())
	case "eth_getTransactionReceipt":
		var hash string
		_ = json.Unmarshal(req.Params[0], &hash)
		status := "0x1"
		if f.revertNext {
			status = "0x0"
		}
		respond(map[string]any{
			"type":              "0x2",
			"status":            status,
			"cumulativeGasUsed": "0x5208",
			"logsBloom":         "0x" + strings.Repeat("00", 256),
			"logs":              []any{},
			"transactionHash":   hash,
			"contractAddress":   f.contractAddr(f.deploys).Hex(),
			"gasUsed":           "0x5208",
			"effectiveGasPrice": "0x3b9aca00",
			"blockNumber":       "0x1",
			"transactionIndex":  "0x0",
		})
	default:
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": req.ID,
			"error": map[string]any{"code": -32601, "message": "unknown method " + req.Method},
		})
	}
}

func (f *fakeChain) contractAddr(n int) common.Address {
	return common.BigToAddress(big.NewInt(int64(0xaa00 + n)))
}

func (f *fakeChain) sentTxs() []sentTx {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentTx, len(f.sent))
	copy(out, f.sent)
	return out
}

func saveArtifact(t *testing.T, store *artifacts.Store, name, abiJSON, bytecode string) {
	t.Helper()
	require.NoError(t, store.Save(&artifacts.Artifact{
		ContractName: name,
		SourcePath:   "/project/contracts/" + name + ".sol",
		SourceHash:   "hash-" + name,
		ABI:          json.RawMessage(abiJSON),
		Bytecode:     bytecode,
	}))
}

func newTestDeployer(t *testing.T) (*Deployer, *fakeChain, *AddressBook, *artifacts.Store) {
	t.Helper()
	chain := &fakeChain{}
	server := httptest.NewServer(chain)
	t.Cleanup(server.Close)

	logger := log.NewLogger(log.DiscardHandler())
	provider := network.NewRemoteProvider(server.URL, logger)
	handle, err := provider.Listen(context.Background(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Close() })

	store := artifacts.NewStore(t.TempDir())
	saveArtifact(t, store, "Token", tokenABI, "0x600a")
	saveArtifact(t, store, "Registry", registryABI, "0x600b")
	saveArtifact(t, store, "Vault", vaultABI, "0x600c")

	resolver, err := artifacts.NewResolver(store)
	require.NoError(t, err)

	book := NewAddressBook(t.TempDir())
	d := New(handle, resolver, book, common.HexToAddress(senderAddr), logger)
	return d, chain, book, store
}

func manifestOf(steps ...Migration) *Manifest {
	return &Manifest{Migrations: steps}
}

func TestDeployRecordsAddresses(t *testing.T) {
	d, _, book, _ := newTestDeployer(t)

	m := manifestOf(
		Migration{Contract: "Token", Args: []any{1000000}},
		Migration{Contract: "Registry"},
	)
	require.NoError(t, d.Deploy(context.Background(), m))

	assert.Equal(t, 2, book.Len())
	tokenAddr, ok := book.Get("Token")
	require.True(t, ok)
	registryAddr, ok := book.Get("Registry")
	require.True(t, ok)
	assert.NotEqual(t, tokenAddr, registryAddr)

	// The book is persisted for the harness.
	loaded, err := LoadDeployments(book.Path())
	require.NoError(t, err)
	assert.Equal(t, tokenAddr, loaded["Token"])
	assert.Equal(t, registryAddr, loaded["Registry"])
}

func TestDeployEncodesConstructorArgs(t *testing.T) {
	d, chain, _, _ := newTestDeployer(t)

	m := manifestOf(Migration{Contract: "Token", Args: []any{1000000}})
	require.NoError(t, d.Deploy(context.Background(), m))

	sent := chain.sentTxs()
	require.Len(t, sent, 1)
	assert.Equal(t, strings.ToLower(senderAddr), strings.ToLower(sent[0].From))
	assert.Equal(t, "0x600a"+fmt.Sprintf("%064x", 1000000), sent[0].Data)
}

func TestDeployAddressReference(t *testing.T) {
	d, chain, book, _ := newTestDeployer(t)

	m := manifestOf(
		Migration{Contract: "Token", Args: []any{42}},
		Migration{Contract: "Vault", Args: []any{"$Token"}},
	)
	require.NoError(t, d.Deploy(context.Background(), m))

	tokenAddr, ok := book.Get("Token")
	require.True(t, ok)

	sent := chain.sentTxs()
	require.Len(t, sent, 2)
	wantSuffix := strings.Repeat("00", 12) + strings.ToLower(tokenAddr.Hex()[2:])
	assert.True(t, strings.HasSuffix(sent[1].Data, wantSuffix),
		"vault constructor must receive the token's address")
}

func TestDeployForwardReferenceFails(t *testing.T) {
	d, _, _, _ := newTestDeployer(t)

	m := manifestOf(Migration{Contract: "Vault", Args: []any{"$Token"}})
	err := d.Deploy(context.Background(), m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has not been deployed yet")
}

func TestDeployFreshAddressesEachRun(t *testing.T) {
	d, chain, book, _ := newTestDeployer(t)

	m := manifestOf(Migration{Contract: "Token", Args: []any{1}})
	require.NoError(t, d.Deploy(context.Background(), m))
	firstAddr, ok := book.Get("Token")
	require.True(t, ok)

	require.NoError(t, d.Deploy(context.Background(), m))
	secondAddr, ok := book.Get("Token")
	require.True(t, ok)

	assert.NotEqual(t, firstAddr, secondAddr, "redeploys must not reuse prior addresses")
	assert.Equal(t, 1, book.Len(), "book holds only the current run")
	assert.NotEmpty(t, chain.reverted, "deploy reverts to the startup snapshot when supported")
}

func TestDeployCustomSender(t *testing.T) {
	d, chain, _, _ := newTestDeployer(t)
	other := "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"

	m := manifestOf(Migration{Contract: "Registry", Sender: other})
	require.NoError(t, d.Deploy(context.Background(), m))

	sent := chain.sentTxs()
	require.Len(t, sent, 1)
	assert.Equal(t, strings.ToLower(other), strings.ToLower(sent[0].From))
}

func TestDeployRevertedTransaction(t *testing.T) {
	d, chain, book, _ := newTestDeployer(t)
	chain.revertNext = true

	m := manifestOf(Migration{Contract: "Registry"})
	err := d.Deploy(context.Background(), m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reverted")

	// No partial book is left on disk.
	_, statErr := os.Stat(book.Path())
	assert.True(t, os.IsNotExist(statErr))
}

func TestDeployMissingArtifact(t *testing.T) {
	d, _, _, _ := newTestDeployer(t)

	m := manifestOf(Migration{Contract: "Ghost"})
	err := d.Deploy(context.Background(), m)
	require.ErrorIs(t, err, artifacts.ErrNotFound)
}

func TestDeployArgCountMismatch(t *testing.T) {
	d, _, _, _ := newTestDeployer(t)

	m := manifestOf(Migration{Contract: "Token"})
	err := d.Deploy(context.Background(), m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wants 1 argument")
}

func TestLoadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "migrations.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
migrations:
  - contract: Token
    args: [1000000]
  - contract: Vault
    args: ["$Token"]
    sender: "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
`), 0644))

	m, err := LoadManifest(path)
	require.NoError(t, err)
	require.Len(t, m.Migrations, 2)
	assert.Equal(t, "Token", m.Migrations[0].Contract)
	assert.Equal(t, []any{1000000}, m.Migrations[0].Args)
	assert.Equal(t, "$Token", m.Migrations[1].Args[0])
}

func TestLoadManifestValidation(t *testing.T) {
	dir := t.TempDir()

	missingName := filepath.Join(dir, "noname.yaml")
	require.NoError(t, os.WriteFile(missingName, []byte("migrations:\n  - args: [1]\n"), 0644))
	_, err := LoadManifest(missingName)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no contract name")

	badSender := filepath.Join(dir, "badsender.yaml")
	require.NoError(t, os.WriteFile(badSender, []byte("migrations:\n  - contract: Token\n    sender: nope\n"), 0644))
	_, err = LoadManifest(badSender)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a hex address")

	_, err = LoadManifest(filepath.Join(dir, "absent.yaml"))
	require.Error(t, err)
}

func TestAddressBookResetClearsDisk(t *testing.T) {
	book := NewAddressBook(t.TempDir())
	book.Record("Token", common.HexToAddress("0x00000000000000000000000000000000000000aa"))
	require.NoError(t, book.Save())

	require.NoError(t, book.Reset())
	assert.Equal(t, 0, book.Len())
	_, err := os.Stat(book.Path())
	assert.True(t, os.IsNotExist(err))
}
