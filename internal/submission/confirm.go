package submission

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	clierr "github.com/launchguard/launchguard/internal/errors"
)

// WaitForConfirmation polls for the receipt of hash until it is mined or
// timeout elapses. The receipt is returned whatever its status; callers
// decide how to treat a reverted transaction.
func WaitForConfirmation(ctx context.Context, fetcher ReceiptFetcher, hash common.Hash, timeout, poll time.Duration) (*types.Receipt, error) {
	if fetcher == nil {
		return nil, clierr.New(clierr.CodeUnsupported, "receipt fetcher not configured")
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		// Not-found and transient polling errors are retried until the deadline.
		if receipt, err := fetcher.TransactionReceipt(waitCtx, hash); err == nil && receipt != nil {
			return receipt, nil
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, clierr.Wrap(clierr.CodeTimeout, "timed out waiting for receipt", waitCtx.Err())
		case <-ticker.C:
		}
	}
}
