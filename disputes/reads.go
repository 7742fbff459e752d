package disputes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"jurywatch/ledger"
	"jurywatch/querycache"
)

// Query names used as cache keys. Invalidation after a mutation addresses
// entries by these names.
const (
	QueryDeal              = "getDeal"
	QueryDisputeID         = "getDisputeId"
	QueryDispute           = "getDispute"
	QueryDisputeTimer      = "getDisputeTimer"
	QueryDisputeFee        = "getDisputeFee"
	QueryJurorAddresses    = "getJurorAddresses"
	QueryJurorCandidate    = "getJurorCandidate"
	QueryDisputeVote       = "getDisputeVote"
	QueryJurorHistory      = "getJurorDisputeHistory"
	QueryJuror             = "getJuror"
	QueryJurorTokenPayment = "getJurorTokenPayment"
	QueryEvidence          = "getEvidence"
	QueryManyDisputes      = "getManyDisputes"
	QueryManyDisputeTimers = "getManyDisputeTimer"
	QueryManyDisputeVotes  = "getManyDisputeVote"
	QueryManyJurorPayments = "getManyJurorPayments"
)

// Reads declares the ledger queries behind the dispute views on a shared
// cache. Handles are cheap; every view call registers its own.
type Reads struct {
	gateway ledger.Gateway
	cache   *querycache.Cache
	now     func() time.Time
	logger  *slog.Logger
}

// ReadsOption customises Reads.
type ReadsOption func(*Reads)

// WithReadsClock sets the clock used for derived countdowns.
func WithReadsClock(now func() time.Time) ReadsOption {
	return func(r *Reads) {
		if now != nil {
			r.now = now
		}
	}
}

// WithReadsLogger sets the logger used for partial batch failures.
func WithReadsLogger(logger *slog.Logger) ReadsOption {
	return func(r *Reads) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewReads binds gateway reads to cache.
func NewReads(gateway ledger.Gateway, cache *querycache.Cache, opts ...ReadsOption) (*Reads, error) {
	if gateway == nil {
		return nil, fmt.Errorf("disputes: gateway required")
	}
	if cache == nil {
		return nil, fmt.Errorf("disputes: cache required")
	}
	r := &Reads{gateway: gateway, cache: cache, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Cache returns the underlying query cache.
func (r *Reads) Cache() *querycache.Cache { return r.cache }

func disputeInput(inputs []any) *big.Int {
	return inputs[0].(*big.Int)
}

// Deal declares the deal read.
func (r *Reads) Deal(dealID *big.Int) *querycache.Handle {
	return r.cache.Register(QueryDeal, []any{dealID}, func(ctx context.Context, _ []any) (any, error) {
		return r.gateway.GetDeal(ctx, dealID)
	})
}

// DisputeIDForDeal declares the deal to dispute id lookup.
func (r *Reads) DisputeIDForDeal(dealID *big.Int) *querycache.Handle {
	return r.cache.Register(QueryDisputeID, []any{dealID}, func(ctx context.Context, _ []any) (any, error) {
		return r.gateway.GetDisputeID(ctx, dealID)
	})
}

// Dispute declares the dispute read, enabled once id resolves.
func (r *Reads) Dispute(id *querycache.Handle) *querycache.Handle {
	return r.cache.Register(QueryDispute, nil, func(ctx context.Context, inputs []any) (any, error) {
		return r.gateway.GetDispute(ctx, disputeInput(inputs))
	}, id)
}

// DisputeTimer declares the timer read, enabled once id resolves.
func (r *Reads) DisputeTimer(id *querycache.Handle) *querycache.Handle {
	return r.cache.Register(QueryDisputeTimer, nil, func(ctx context.Context, inputs []any) (any, error) {
		return r.gateway.GetDisputeTimer(ctx, disputeInput(inputs))
	}, id)
}

// JurorAddresses declares the selected jurors read, enabled once id resolves.
func (r *Reads) JurorAddresses(id *querycache.Handle) *querycache.Handle {
	return r.cache.Register(QueryJurorAddresses, nil, func(ctx context.Context, inputs []any) (any, error) {
		return r.gateway.GetJurorAddresses(ctx, disputeInput(inputs))
	}, id)
}

// DisputeTimerByID declares the timer read for a known dispute id. It shares
// its cache key with DisputeTimer.
func (r *Reads) DisputeTimerByID(disputeID *big.Int) *querycache.Handle {
	return r.cache.Register(QueryDisputeTimer, []any{disputeID}, func(ctx context.Context, _ []any) (any, error) {
		return r.gateway.GetDisputeTimer(ctx, disputeID)
	})
}

// DisputeFee declares the dispute fee read.
func (r *Reads) DisputeFee() *querycache.Handle {
	return r.cache.Register(QueryDisputeFee, nil, func(ctx context.Context, _ []any) (any, error) {
		return r.gateway.GetDisputeFee(ctx)
	})
}

// JurorCandidate declares a juror's candidate record for a dispute.
func (r *Reads) JurorCandidate(disputeID *big.Int, juror common.Address) *querycache.Handle {
	return r.cache.Register(QueryJurorCandidate, []any{disputeID, juror}, func(ctx context.Context, _ []any) (any, error) {
		return r.gateway.GetJurorCandidate(ctx, disputeID, juror)
	})
}

// DisputeVote declares a juror's vote on a dispute. Its key is
// (QueryDisputeVote, disputeID, juror).
func (r *Reads) DisputeVote(disputeID *big.Int, juror common.Address) *querycache.Handle {
	return r.cache.Register(QueryDisputeVote, []any{disputeID, juror}, func(ctx context.Context, _ []any) (any, error) {
		return r.gateway.GetDisputeVote(ctx, disputeID, juror)
	})
}

// Evidence declares the evidence read for one deal party.
func (r *Reads) Evidence(dealID *big.Int, submitter common.Address) *querycache.Handle {
	return r.cache.Register(QueryEvidence, []any{dealID, submitter}, func(ctx context.Context, _ []any) (any, error) {
		return r.gateway.GetEvidence(ctx, dealID, submitter)
	})
}

// JurorHistory declares a juror's dispute history read.
func (r *Reads) JurorHistory(juror common.Address) *querycache.Handle {
	return r.cache.Register(QueryJurorHistory, []any{juror}, func(ctx context.Context, _ []any) (any, error) {
		return r.gateway.GetJurorDisputeHistory(ctx, juror)
	})
}

// Juror declares a juror profile read.
func (r *Reads) Juror(juror common.Address) *querycache.Handle {
	return r.cache.Register(QueryJuror, []any{juror}, func(ctx context.Context, _ []any) (any, error) {
		return r.gateway.GetJuror(ctx, juror)
	})
}

func idsInput(inputs []any) []*big.Int {
	return inputs[0].([]*big.Int)
}

// ManyDisputes declares the batched dispute read over a history handle.
func (r *Reads) ManyDisputes(ids *querycache.Handle) *querycache.Handle {
	return r.cache.Register(QueryManyDisputes, nil, func(ctx context.Context, inputs []any) (any, error) {
		out, err := ledger.GetManyDisputes(ctx, r.gateway, idsInput(inputs))
		return out, r.partial(QueryManyDisputes, err)
	}, ids)
}

// ManyDisputeTimers declares the batched timer read over a history handle.
func (r *Reads) ManyDisputeTimers(ids *querycache.Handle) *querycache.Handle {
	return r.cache.Register(QueryManyDisputeTimers, nil, func(ctx context.Context, inputs []any) (any, error) {
		out, err := ledger.GetManyDisputeTimer(ctx, r.gateway, idsInput(inputs))
		return out, r.partial(QueryManyDisputeTimers, err)
	}, ids)
}

// ManyDisputeVotes declares juror's batched vote read over a history handle.
func (r *Reads) ManyDisputeVotes(juror common.Address, ids *querycache.Handle) *querycache.Handle {
	return r.cache.Register(QueryManyDisputeVotes, []any{juror}, func(ctx context.Context, inputs []any) (any, error) {
		out, err := ledger.GetManyDisputeVote(ctx, r.gateway, idsInput(inputs), juror)
		return out, r.partial(QueryManyDisputeVotes, err)
	}, ids)
}

// ManyJurorPayments declares juror's batched payment read over tokens.
func (r *Reads) ManyJurorPayments(juror common.Address, tokens []common.Address) *querycache.Handle {
	return r.cache.Register(QueryManyJurorPayments, []any{juror, tokens}, func(ctx context.Context, _ []any) (any, error) {
		out, err := ledger.GetManyJurorPayments(ctx, r.gateway, juror, tokens)
		return out, r.partial(QueryManyJurorPayments, err)
	})
}

// partial keeps a batched result whose failed keys are already nil entries.
// Only cancellation fails the whole batch.
func (r *Reads) partial(query string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	r.logger.Warn("batched read incomplete", "query", query, "error", err)
	return nil
}
