package ledger

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

// Gateway issues point-in-time reads against the ledger. Implementations are
// stateless; callers own retries.
type Gateway interface {
	GetDeal(ctx context.Context, dealID *big.Int) (Deal, error)
	GetDisputeID(ctx context.Context, dealID *big.Int) (*big.Int, error)
	GetDispute(ctx context.Context, disputeID *big.Int) (Dispute, error)
	GetDisputeTimer(ctx context.Context, disputeID *big.Int) (DisputeTimer, error)
	GetDisputeFee(ctx context.Context) (DisputeFee, error)
	GetJurorAddresses(ctx context.Context, disputeID *big.Int) ([]common.Address, error)
	GetJurorCandidate(ctx context.Context, disputeID *big.Int, juror common.Address) (JurorCandidate, error)
	GetDisputeVote(ctx context.Context, disputeID *big.Int, juror common.Address) (Vote, error)
	GetJurorDisputeHistory(ctx context.Context, juror common.Address) ([]*big.Int, error)
	GetJuror(ctx context.Context, juror common.Address) (Juror, error)
	GetJurorTokenPayment(ctx context.Context, juror, token common.Address) (TokenPayment, error)
	GetEvidence(ctx context.Context, dealID *big.Int, submitter common.Address) ([]Evidence, error)
}

// batchConcurrency bounds the number of parallel reads issued by one batched call.
const batchConcurrency = 8

// GetManyDisputes reads the disputes for ids, preserving input order. A key
// that cannot be read yields a nil entry; failures other than ErrNotFound are
// joined into the returned error for logging, the entries are still usable.
func GetManyDisputes(ctx context.Context, g Gateway, ids []*big.Int) ([]*Dispute, error) {
	return batch(ctx, ids, func(ctx context.Context, id *big.Int) (Dispute, error) {
		return g.GetDispute(ctx, id)
	})
}

// GetManyDisputeTimer reads the timers for ids, preserving input order.
func GetManyDisputeTimer(ctx context.Context, g Gateway, ids []*big.Int) ([]*DisputeTimer, error) {
	return batch(ctx, ids, func(ctx context.Context, id *big.Int) (DisputeTimer, error) {
		return g.GetDisputeTimer(ctx, id)
	})
}

// GetManyDisputeVote reads juror's vote on each dispute in ids.
func GetManyDisputeVote(ctx context.Context, g Gateway, ids []*big.Int, juror common.Address) ([]*Vote, error) {
	return batch(ctx, ids, func(ctx context.Context, id *big.Int) (Vote, error) {
		return g.GetDisputeVote(ctx, id, juror)
	})
}

// GetManyJurorPayments reads juror's payment total for each token.
func GetManyJurorPayments(ctx context.Context, g Gateway, juror common.Address, tokens []common.Address) ([]*TokenPayment, error) {
	return batch(ctx, tokens, func(ctx context.Context, token common.Address) (TokenPayment, error) {
		return g.GetJurorTokenPayment(ctx, juror, token)
	})
}

func batch[K, T any](ctx context.Context, keys []K, fetch func(context.Context, K) (T, error)) ([]*T, error) {
	out := make([]*T, len(keys))
	errs := make([]error, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			value, err := fetch(gctx, key)
			if err != nil {
				if !errors.Is(err, ErrNotFound) {
					errs[i] = err
				}
				return nil
			}
			out[i] = &value
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, errors.Join(errs...)
}
