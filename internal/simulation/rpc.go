package simulation

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/launchguard/launchguard/internal/bundle"
	clierr "github.com/launchguard/launchguard/internal/errors"
	"github.com/launchguard/launchguard/internal/registry"
)

// nativeTransferAddress is the pseudo-address eth_simulateV1 uses for
// native value transfers when traceTransfers is enabled.
var nativeTransferAddress = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

// RPCBackend simulates against a live node with eth_simulateV1. Every call
// replays the committed steps first so state is chained without applying
// steps that were skipped or reverted.
type RPCBackend struct {
	headerByNumber func(ctx context.Context, number *big.Int) (*types.Header, error)
	call           func(ctx context.Context, result any, method string, args ...any) error
}

func NewRPCBackend(client *ethclient.Client) *RPCBackend {
	return &RPCBackend{
		headerByNumber: client.HeaderByNumber,
		call:           client.Client().CallContext,
	}
}

func (b *RPCBackend) Name() string { return "eth_simulateV1" }

func (b *RPCBackend) Head(ctx context.Context) (BlockRef, error) {
	header, err := b.headerByNumber(ctx, nil)
	if err != nil {
		return BlockRef{}, clierr.Wrap(clierr.CodeUnavailable, "fetch latest header", err)
	}
	if header == nil || header.Number == nil {
		return BlockRef{}, clierr.New(clierr.CodeUnavailable, "node returned an empty header")
	}
	return BlockRef{
		Number:    header.Number.Uint64(),
		Hash:      header.Hash(),
		Timestamp: time.Unix(int64(header.Time), 0).UTC(),
	}, nil
}

func (b *RPCBackend) Prepare(_ context.Context, head BlockRef, _ bundle.Bundle, wallet common.Address) (Session, error) {
	return &rpcSession{backend: b, head: head, wallet: wallet}, nil
}

type simCall struct {
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to,omitempty"`
	Value *hexutil.Big    `json:"value,omitempty"`
	Gas   hexutil.Uint64  `json:"gas"`
	Input hexutil.Bytes   `json:"input"`
}

type simBlockStateCalls struct {
	Calls []simCall `json:"calls"`
}

type simPayload struct {
	BlockStateCalls        []simBlockStateCalls `json:"blockStateCalls"`
	Validation             bool                 `json:"validation"`
	TraceTransfers         bool                 `json:"traceTransfers"`
	ReturnFullTransactions bool                 `json:"returnFullTransactions"`
}

type simLog struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    hexutil.Bytes  `json:"data"`
}

type simCallError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

type simCallResult struct {
	Status     hexutil.Uint64 `json:"status"`
	GasUsed    hexutil.Uint64 `json:"gasUsed"`
	ReturnData hexutil.Bytes  `json:"returnData"`
	Logs       []simLog       `json:"logs"`
	Error      *simCallError  `json:"error,omitempty"`
}

type simBlockResult struct {
	Number hexutil.Uint64  `json:"number"`
	Calls  []simCallResult `json:"calls"`
}

type rpcSession struct {
	backend   *RPCBackend
	head      BlockRef
	wallet    common.Address
	committed []simCall
}

func (s *rpcSession) toCall(step bundle.Step) simCall {
	target := step.Target
	c := simCall{From: s.wallet, To: &target, Gas: hexutil.Uint64(step.EstimatedGasWithBuffer), Input: hexutil.Bytes(step.Calldata)}
	if step.ValueWei != nil && step.ValueWei.Sign() > 0 {
		c.Value = (*hexutil.Big)(new(big.Int).Set(step.ValueWei))
	}
	return c
}

func (s *rpcSession) Call(ctx context.Context, step bundle.Step, _ int) (CallResult, error) {
	calls := append(append([]simCall(nil), s.committed...), s.toCall(step))
	payload := simPayload{
		BlockStateCalls: []simBlockStateCalls{{Calls: calls}},
		TraceTransfers:  true,
	}
	var blocks []simBlockResult
	if err := s.backend.call(ctx, &blocks, "eth_simulateV1", payload, hexutil.EncodeUint64(s.head.Number)); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "method not found") {
			return CallResult{}, clierr.Wrap(clierr.CodeUnsupported, "node does not support eth_simulateV1", err)
		}
		return CallResult{}, err
	}
	if len(blocks) == 0 || len(blocks[0].Calls) != len(calls) {
		return CallResult{}, fmt.Errorf("eth_simulateV1 returned %d blocks for %d calls", len(blocks), len(calls))
	}
	out := blocks[0].Calls[len(calls)-1]
	res := CallResult{GasUsed: uint64(out.GasUsed)}
	if out.Status != hexutil.Uint64(types.ReceiptStatusSuccessful) {
		res.RevertReason = revertReason(out)
		return res, nil
	}
	res.Success = true
	acc := newDiffAccumulator()
	applyTransferLogs(acc, out.Logs)
	res.Diffs = acc.result()
	res.AmountOut = swapOutput(step, s.wallet, out.Logs)
	return res, nil
}

func (s *rpcSession) Commit(step bundle.Step, _ CallResult) {
	s.committed = append(s.committed, s.toCall(step))
}

func revertReason(out simCallResult) string {
	if len(out.ReturnData) > 0 {
		if reason, err := abi.UnpackRevert(out.ReturnData); err == nil {
			return reason
		}
	}
	if out.Error != nil && out.Error.Message != "" {
		return out.Error.Message
	}
	return ""
}

// transfer decodes an ERC20 or native Transfer log.
func transfer(l simLog) (token, from, to common.Address, amount *big.Int, ok bool) {
	if len(l.Topics) != 3 || l.Topics[0] != registry.ERC20.Events["Transfer"].ID {
		return common.Address{}, common.Address{}, common.Address{}, nil, false
	}
	from = common.BytesToAddress(l.Topics[1].Bytes())
	to = common.BytesToAddress(l.Topics[2].Bytes())
	return l.Address, from, to, new(big.Int).SetBytes(l.Data), true
}

func applyTransferLogs(acc *diffAccumulator, logs []simLog) {
	for _, l := range logs {
		token, from, to, amount, ok := transfer(l)
		if !ok {
			continue
		}
		if token == nativeTransferAddress {
			acc.addMon(from, new(big.Int).Neg(amount))
			acc.addMon(to, amount)
			continue
		}
		acc.addToken(from, token, new(big.Int).Neg(amount))
		acc.addToken(to, token, amount)
	}
}

// swapOutput sums what the wallet received from a swap step: tokens for buys,
// native MON for sells.
func swapOutput(step bundle.Step, wallet common.Address, logs []simLog) *big.Int {
	if step.Swap == nil {
		return nil
	}
	want := step.Swap.Token
	if step.Swap.Direction == bundle.SwapSell {
		want = nativeTransferAddress
	}
	total := new(big.Int)
	for _, l := range logs {
		token, _, to, amount, ok := transfer(l)
		if ok && token == want && to == wallet {
			total.Add(total, amount)
		}
	}
	if total.Sign() == 0 {
		return nil
	}
	return total
}
