package disputes

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"jurywatch/ledger"
	"jurywatch/ledger/ledgertest"
	"jurywatch/querycache"
	"jurywatch/storage"
)

func newTestVoter(t *testing.T, r *Reads, tx ledger.Transactor, opts ...VoterOption) *Voter {
	t.Helper()
	v, err := NewVoter(r, tx, append([]VoterOption{WithVoterMetrics(nil)}, opts...)...)
	require.NoError(t, err)
	return v
}

func openAudit(t *testing.T) *storage.AuditLog {
	t.Helper()
	audit, err := storage.OpenAuditLog(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = audit.Close() })
	return audit
}

func TestSubmitVoteSettlesAndRefreshesReads(t *testing.T) {
	l := seedLedger()
	r := newTestReads(t, l)
	audit := openAudit(t)
	v := newTestVoter(t, r, l.As(jurorB), WithVoterJournal(audit))
	ctx := context.Background()

	before, err := querycache.Get[ledger.Vote](ctx, r.DisputeVote(big.NewInt(101), jurorB))
	require.NoError(t, err)
	require.False(t, HasVotedAlready(before))

	receipt, err := v.SubmitVote(ctx, big.NewInt(101), stranger)
	require.NoError(t, err)
	require.Equal(t, ledger.SettlementSucceeded, receipt.Status)

	after, err := querycache.Get[ledger.Vote](ctx, r.DisputeVote(big.NewInt(101), jurorB))
	require.NoError(t, err)
	require.Equal(t, stranger, after.Support)

	attempt := v.Status(big.NewInt(101), jurorB)
	require.Equal(t, VoteSettled, attempt.Status)
	require.Equal(t, receipt.TxHash, attempt.TxHash)

	rows, err := audit.RecentMutations(ctx, storage.MutationFilter{DisputeID: "101"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, storage.OutcomeSettled, rows[0].Outcome)
	require.Equal(t, receipt.TxHash.Hex(), rows[0].TxHash)
}

func TestSubmitVoteIsIdempotent(t *testing.T) {
	l := seedLedger()
	r := newTestReads(t, l)
	v := newTestVoter(t, r, l.As(jurorB))
	ctx := context.Background()

	_, err := v.SubmitVote(ctx, big.NewInt(101), initiator)
	require.NoError(t, err)

	_, err = v.SubmitVote(ctx, big.NewInt(101), stranger)
	require.ErrorIs(t, err, ErrAlreadyVoted)
	require.Equal(t, 1, l.Calls("vote"))

	vote, err := querycache.Get[ledger.Vote](ctx, r.DisputeVote(big.NewInt(101), jurorB))
	require.NoError(t, err)
	require.Equal(t, initiator, vote.Support)
}

func TestSubmitVoteLedgerRejectsDuplicateWithoutGuard(t *testing.T) {
	l := seedLedger()
	ctx := context.Background()

	// jurorA has already voted, but the guard read is unavailable.
	l.FailOn("GetDisputeVote", errors.New("node timeout"))
	r := newTestReads(t, l)
	v := newTestVoter(t, r, l.As(jurorA))

	_, err := v.SubmitVote(ctx, big.NewInt(101), stranger)
	require.True(t, ledger.IsMutationRejected(err))
	require.Equal(t, "execution reverted: juror already voted", err.Error())
	require.Equal(t, VoteFailed, v.Status(big.NewInt(101), jurorA).Status)

	l.FailOn("GetDisputeVote", nil)
	r.Cache().Clear()
	vote, err := querycache.Get[ledger.Vote](ctx, r.DisputeVote(big.NewInt(101), jurorA))
	require.NoError(t, err)
	require.Equal(t, initiator, vote.Support)
}

func TestSubmitVoteRejectionLeavesCache(t *testing.T) {
	l := seedLedger()
	r := newTestReads(t, l)
	audit := openAudit(t)
	v := newTestVoter(t, r, l.As(jurorC), WithVoterJournal(audit))
	ctx := context.Background()

	_, err := querycache.Get[ledger.Vote](ctx, r.DisputeVote(big.NewInt(101), jurorC))
	require.NoError(t, err)
	reads := l.Calls("GetDisputeVote")

	l.RejectNext("vote", "execution reverted: voting closed")
	_, err = v.SubmitVote(ctx, big.NewInt(101), initiator)
	require.EqualError(t, err, "execution reverted: voting closed")

	_, err = querycache.Get[ledger.Vote](ctx, r.DisputeVote(big.NewInt(101), jurorC))
	require.NoError(t, err)
	require.Equal(t, reads, l.Calls("GetDisputeVote"))

	attempt := v.Status(big.NewInt(101), jurorC)
	require.Equal(t, VoteFailed, attempt.Status)
	require.Equal(t, "execution reverted: voting closed", attempt.Error)

	rows, err := audit.RecentMutations(ctx, storage.MutationFilter{Caller: jurorC.Hex()})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, storage.OutcomeRejected, rows[0].Outcome)
	require.Equal(t, "execution reverted: voting closed", rows[0].Reason)
}

func TestSubmitVoteRejectsConcurrentAttempt(t *testing.T) {
	l := seedLedger()
	r := newTestReads(t, l)
	v := newTestVoter(t, r, l.As(jurorB))
	ctx := context.Background()

	release := l.Hold("vote")
	done := make(chan error, 1)
	go func() {
		_, err := v.SubmitVote(ctx, big.NewInt(101), initiator)
		done <- err
	}()
	require.Eventually(t, func() bool { return l.Calls("vote") == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, VoteInFlight, v.Status(big.NewInt(101), jurorB).Status)

	_, err := v.SubmitVote(ctx, big.NewInt(101), initiator)
	require.ErrorIs(t, err, ErrVoteInFlight)

	release()
	require.NoError(t, <-done)
	require.Equal(t, 1, l.Calls("vote"))
}

func TestSubmitVoteValidatesInput(t *testing.T) {
	l := seedLedger()
	v := newTestVoter(t, newTestReads(t, l), l.As(jurorB))

	_, err := v.SubmitVote(context.Background(), big.NewInt(101), common.Address{})
	require.ErrorIs(t, err, ErrInvalidSupport)
	_, err = v.SubmitVote(context.Background(), nil, initiator)
	require.Error(t, err)
	require.Zero(t, l.Calls("vote"))
	require.Equal(t, VoteIdle, v.Status(big.NewInt(101), jurorB).Status)
}

func TestOpenDisputeApprovesThenOpens(t *testing.T) {
	l := ledgertest.New()
	l.PutDeal(ledger.Deal{ID: big.NewInt(7), Sender: initiator, Receiver: stranger})
	l.SetFee(ledger.DisputeFee{Token: feeToken, Amount: uint256.NewInt(25)})
	m := newTestManager(t, l)
	audit := openAudit(t)
	r := newTestReads(t, l)

	opener, err := NewOpener(l, l.As(initiator), contracts, WithOpenerJournal(audit), WithOpenerMetrics(nil), WithOpenerReads(r))
	require.NoError(t, err)

	s, err := m.Open(context.Background(), SessionRequest{Initiator: initiator, DealID: big.NewInt(7)})
	require.NoError(t, err)

	_, err = r.DisputeForDeal(context.Background(), big.NewInt(7), common.Address{})
	require.ErrorIs(t, err, ErrNoDispute)

	require.NoError(t, opener.OpenDispute(context.Background(), s))
	require.Equal(t, 1, l.Calls("approve"))
	require.Equal(t, 1, l.Calls("openDispute"))
	// Stages only move on ledger events.
	require.Equal(t, StageAwaitingApproval, s.Snapshot().Stage)

	view, err := r.DisputeForDeal(context.Background(), big.NewInt(7), common.Address{})
	require.NoError(t, err)
	require.Equal(t, int64(101), view.Dispute.ID.Int64())

	rows, err := audit.RecentMutations(context.Background(), storage.MutationFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestOpenDisputeSurfacesRejection(t *testing.T) {
	l := ledgertest.New()
	l.SetFee(ledger.DisputeFee{Token: feeToken, Amount: uint256.NewInt(25)})
	m := newTestManager(t, l)
	opener, err := NewOpener(l, l.As(initiator), contracts, WithOpenerMetrics(nil))
	require.NoError(t, err)

	s, err := m.Open(context.Background(), SessionRequest{Initiator: initiator, DealID: big.NewInt(7)})
	require.NoError(t, err)

	l.RejectNext("approve", "user rejected the request")
	err = opener.OpenDispute(context.Background(), s)
	require.EqualError(t, err, "user rejected the request")
	require.Zero(t, l.Calls("openDispute"))

	snap := s.Snapshot()
	require.Equal(t, "user rejected the request", snap.Error)
	require.Equal(t, StageAwaitingApproval, snap.Stage)

	other, err := NewOpener(l, l.As(stranger), contracts, WithOpenerMetrics(nil))
	require.NoError(t, err)
	require.ErrorIs(t, other.OpenDispute(context.Background(), s), ErrNotSigner)
}
