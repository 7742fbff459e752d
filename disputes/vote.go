package disputes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"jurywatch/ledger"
	"jurywatch/observability"
	"jurywatch/querycache"
	"jurywatch/storage"
)

var (
	// ErrAlreadyVoted is returned when the caller's vote is already recorded.
	ErrAlreadyVoted = errors.New("disputes: vote already cast")
	// ErrVoteInFlight is returned while the caller's previous vote on the same
	// dispute has not settled.
	ErrVoteInFlight = errors.New("disputes: vote in flight")
	// ErrInvalidSupport is returned for a vote backing the zero address.
	ErrInvalidSupport = errors.New("disputes: support address required")
)

// VoteStatus is the progress of a vote attempt.
type VoteStatus string

const (
	VoteIdle     VoteStatus = "idle"
	VoteInFlight VoteStatus = "in_flight"
	VoteSettled  VoteStatus = "settled"
	VoteFailed   VoteStatus = "failed"
)

// VoteAttempt is the latest vote attempt of one juror on one dispute.
type VoteAttempt struct {
	DisputeID *big.Int       `json:"disputeId"`
	Juror     common.Address `json:"juror"`
	Support   common.Address `json:"support"`
	Status    VoteStatus     `json:"status"`
	TxHash    common.Hash    `json:"txHash,omitempty"`
	Error     string         `json:"error,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Voter submits votes for the transactor's account. A juror has at most one
// vote in flight per dispute, and a recorded vote is never resubmitted.
type Voter struct {
	reads *Reads
	tx    ledger.Transactor
	rec   recorder

	mu       sync.Mutex
	attempts map[string]*VoteAttempt
}

// VoterOption customises a Voter.
type VoterOption func(*Voter)

// WithVoterJournal records every attempt in journal.
func WithVoterJournal(journal Journal) VoterOption {
	return func(v *Voter) { v.rec.journal = journal }
}

// WithVoterLogger sets the logger.
func WithVoterLogger(logger *slog.Logger) VoterOption {
	return func(v *Voter) {
		if logger != nil {
			v.rec.logger = logger
		}
	}
}

// WithVoterMetrics overrides the metrics registry.
func WithVoterMetrics(metrics *observability.OrchestratorMetrics) VoterOption {
	return func(v *Voter) { v.rec.metrics = metrics }
}

// WithVoterClock sets the clock.
func WithVoterClock(now func() time.Time) VoterOption {
	return func(v *Voter) {
		if now != nil {
			v.rec.now = now
		}
	}
}

// NewVoter binds tx to the dispute reads it keeps consistent.
func NewVoter(reads *Reads, tx ledger.Transactor, opts ...VoterOption) (*Voter, error) {
	if reads == nil {
		return nil, fmt.Errorf("disputes: reads required")
	}
	if tx == nil {
		return nil, fmt.Errorf("disputes: transactor required")
	}
	v := &Voter{
		reads: reads,
		tx:    tx,
		rec: recorder{
			logger:  slog.Default(),
			metrics: observability.Orchestrator(),
			now:     time.Now,
		},
		attempts: make(map[string]*VoteAttempt),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// From returns the voting account.
func (v *Voter) From() common.Address { return v.tx.From() }

// SubmitVote casts the caller's vote for support on disputeID. The recorded
// vote is consulted first; if it already names a party ErrAlreadyVoted is
// returned without touching the ledger. A rejected vote is returned with the
// ledger's reason verbatim and leaves cached reads untouched. A settled vote
// invalidates the caller's vote reads.
func (v *Voter) SubmitVote(ctx context.Context, disputeID *big.Int, support common.Address) (ledger.Receipt, error) {
	if disputeID == nil || disputeID.Sign() <= 0 {
		return ledger.Receipt{}, fmt.Errorf("disputes: dispute id required")
	}
	if support == ledger.ZeroAddress {
		return ledger.Receipt{}, ErrInvalidSupport
	}
	caller := v.tx.From()
	key := attemptKey(disputeID, caller)

	v.mu.Lock()
	if a, ok := v.attempts[key]; ok && a.Status == VoteInFlight {
		v.mu.Unlock()
		return ledger.Receipt{}, ErrVoteInFlight
	}
	attempt := &VoteAttempt{
		DisputeID: new(big.Int).Set(disputeID),
		Juror:     caller,
		Support:   support,
		Status:    VoteInFlight,
		UpdatedAt: v.rec.now(),
	}
	v.attempts[key] = attempt
	v.mu.Unlock()

	started := v.rec.now()
	m := storage.Mutation{
		Action:    "vote",
		DisputeID: disputeID.String(),
		Caller:    caller.Hex(),
	}

	existing, err := querycache.Get[ledger.Vote](ctx, v.reads.DisputeVote(disputeID, caller))
	switch {
	case err == nil && HasVotedAlready(existing):
		v.finish(key, func(a *VoteAttempt) {
			a.Status = VoteSettled
			a.Support = existing.Support
		})
		m.Outcome = storage.OutcomeSkipped
		m.Reason = ErrAlreadyVoted.Error()
		v.rec.record(ctx, m, ledger.Receipt{}, nil, started)
		return ledger.Receipt{}, ErrAlreadyVoted
	case err != nil && ctx.Err() != nil:
		v.finish(key, func(a *VoteAttempt) {
			a.Status = VoteFailed
			a.Error = ctx.Err().Error()
		})
		return ledger.Receipt{}, ctx.Err()
	case err != nil:
		// The ledger rejects a duplicate on its own.
		v.rec.logger.Warn("vote guard read failed", "dispute", disputeID.String(), "error", err)
	}

	receipt, err := v.tx.CastVote(ctx, disputeID, support)
	if err != nil {
		v.finish(key, func(a *VoteAttempt) {
			a.Status = VoteFailed
			a.Error = err.Error()
		})
		v.rec.record(ctx, m, receipt, err, started)
		return ledger.Receipt{}, err
	}

	cache := v.reads.Cache()
	cache.Invalidate(QueryDisputeVote, disputeID, caller)
	cache.InvalidateQuery(QueryManyDisputeVotes)
	v.finish(key, func(a *VoteAttempt) {
		a.Status = VoteSettled
		a.TxHash = receipt.TxHash
	})
	v.rec.record(ctx, m, receipt, nil, started)
	return receipt, nil
}

// Status returns the latest attempt by juror on disputeID.
func (v *Voter) Status(disputeID *big.Int, juror common.Address) VoteAttempt {
	v.mu.Lock()
	defer v.mu.Unlock()
	if a, ok := v.attempts[attemptKey(disputeID, juror)]; ok {
		return *a
	}
	return VoteAttempt{DisputeID: disputeID, Juror: juror, Status: VoteIdle}
}

func (v *Voter) finish(key string, fn func(*VoteAttempt)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	a := v.attempts[key]
	fn(a)
	a.UpdatedAt = v.rec.now()
}

func attemptKey(disputeID *big.Int, juror common.Address) string {
	return disputeID.String() + "/" + juror.Hex()
}
