package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	clierr "github.com/launchguard/launchguard/internal/errors"
	"github.com/launchguard/launchguard/internal/httpx"
)

// Provider broadcasts over the public RPC route. Other routes are optional
// capabilities discovered through PrivateRelaySubmitter and
// DeferredSubmitter.
type Provider interface {
	Name() string
	HealthCheck(ctx context.Context) error
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

type PrivateRelaySubmitter interface {
	PrivateRelaySubmit(ctx context.Context, tx *types.Transaction) error
}

type DeferredSubmitter interface {
	DeferredSubmit(ctx context.Context, tx *types.Transaction) error
}

type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// ethBackend is the subset of *ethclient.Client used here.
type ethBackend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// EthProvider submits through a JSON-RPC node.
type EthProvider struct {
	client ethBackend
}

func NewEthProvider(client ethBackend) *EthProvider {
	return &EthProvider{client: client}
}

func (p *EthProvider) Name() string { return "eth_rpc" }

func (p *EthProvider) HealthCheck(ctx context.Context) error {
	if p == nil || p.client == nil {
		return errors.New("rpc client not configured")
	}
	if _, err := p.client.BlockNumber(ctx); err != nil {
		return fmt.Errorf("read block number: %w", err)
	}
	return nil
}

func (p *EthProvider) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := p.client.ChainID(ctx)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read chain id", err)
	}
	return id, nil
}

func (p *EthProvider) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	n, err := p.client.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, clierr.Wrap(clierr.CodeUnavailable, "fetch nonce", err)
	}
	return n, nil
}

func (p *EthProvider) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := p.client.SendTransaction(ctx, tx); err != nil {
		return classifySendError("broadcast transaction", err)
	}
	return nil
}

func (p *EthProvider) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return p.client.TransactionReceipt(ctx, hash)
}

// RelayProvider adds a private relay on top of a public RPC provider. The
// relay receives raw signed transactions via eth_sendPrivateTransaction.
type RelayProvider struct {
	*EthProvider
	relayURL string
	http     *httpx.Client
	headers  map[string]string
}

func NewRelayProvider(eth *EthProvider, relayURL string, client *httpx.Client, headers map[string]string) *RelayProvider {
	return &RelayProvider{EthProvider: eth, relayURL: strings.TrimSpace(relayURL), http: client, headers: headers}
}

func (p *RelayProvider) Name() string { return "eth_rpc+relay" }

func (p *RelayProvider) HealthCheck(ctx context.Context) error {
	if p.relayURL == "" || p.http == nil {
		return errors.New("private relay not configured")
	}
	return p.EthProvider.HealthCheck(ctx)
}

type relayRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type relayResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *RelayProvider) PrivateRelaySubmit(ctx context.Context, tx *types.Transaction) error {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "encode transaction", err)
	}
	req := relayRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "eth_sendPrivateTransaction",
		Params:  []any{map[string]string{"tx": hexutil.Encode(raw)}},
	}
	var resp relayResponse
	if err := httpx.PostJSON(ctx, p.http, p.relayURL, req, p.headers, &resp); err != nil {
		return err
	}
	if resp.Error != nil {
		return classifySendError("private relay", fmt.Errorf("relay error %d: %s", resp.Error.Code, resp.Error.Message))
	}
	return nil
}

// classifySendError maps node rejections to error codes. Nonce conflicts
// are security events, everything else is treated as transient.
func classifySendError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return clierr.Wrap(clierr.CodeTimeout, op, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "nonce too low"), strings.Contains(msg, "replacement transaction underpriced"), strings.Contains(msg, "already known"):
		return clierr.Wrap(clierr.CodeNonceCollision, op, err)
	case strings.Contains(msg, "insufficient funds"), strings.Contains(msg, "intrinsic gas too low"), strings.Contains(msg, "exceeds block gas limit"):
		return clierr.Wrap(clierr.CodeUsage, op, err)
	}
	return clierr.Wrap(clierr.CodeUnavailable, op, err)
}
