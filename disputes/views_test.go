package disputes

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"jurywatch/ledger"
	"jurywatch/ledger/ledgertest"
	"jurywatch/querycache"
)

var (
	jurorA = common.HexToAddress("0x00000000000000000000000000000000000000a7")
	jurorB = common.HexToAddress("0x00000000000000000000000000000000000000b7")
	jurorC = common.HexToAddress("0x00000000000000000000000000000000000000c7")
	tokenX = common.HexToAddress("0x0000000000000000000000000000000000000f01")
	tokenY = common.HexToAddress("0x0000000000000000000000000000000000000f02")

	// fixtureNow sits 5 seconds before dispute 101's voting deadline.
	fixtureNow = time.UnixMilli(1_010_000)
)

// seedLedger stores deal 7 between initiator and stranger with dispute 101
// open against it and three selected jurors. jurorA has voted for initiator.
func seedLedger() *ledgertest.Ledger {
	l := ledgertest.New()
	l.PutDeal(ledger.Deal{ID: big.NewInt(7), Sender: initiator, Receiver: stranger, Amount: uint256.NewInt(500)})
	l.PutDispute(ledger.Dispute{ID: big.NewInt(101), DealID: big.NewInt(7), Initiator: initiator})
	l.PutTimer(ledger.DisputeTimer{DisputeID: big.NewInt(101), Start: 1000, StandardDuration: 10, ExtensionDuration: 5})
	l.SelectJurors(big.NewInt(101), jurorA, jurorB, jurorC)
	l.PutVote(ledger.Vote{DisputeID: big.NewInt(101), Juror: jurorA, Support: initiator})
	l.AddEvidence(ledger.Evidence{DealID: big.NewInt(7), Submitter: initiator, URI: "ipfs://receipt"})
	return l
}

func newTestReads(t *testing.T, gw ledger.Gateway) *Reads {
	t.Helper()
	cache := querycache.New(querycache.WithMetrics(nil))
	t.Cleanup(cache.Close)
	r, err := NewReads(gw, cache, WithReadsClock(func() time.Time { return fixtureNow }))
	require.NoError(t, err)
	return r
}

// brokenVotes fails vote reads for a single juror.
type brokenVotes struct {
	*ledgertest.Ledger
	juror common.Address
}

func (b brokenVotes) GetDisputeVote(ctx context.Context, disputeID *big.Int, juror common.Address) (ledger.Vote, error) {
	if juror == b.juror {
		return ledger.Vote{}, &ledger.ReadError{Op: "GetDisputeVote", Key: juror.Hex(), Err: ledger.ErrNetwork}
	}
	return b.Ledger.GetDisputeVote(ctx, disputeID, juror)
}

func TestDisputeForDeal(t *testing.T) {
	r := newTestReads(t, seedLedger())

	view, err := r.DisputeForDeal(context.Background(), big.NewInt(7), jurorA)
	require.NoError(t, err)

	require.Equal(t, int64(101), view.Dispute.ID.Int64())
	require.Equal(t, stranger, view.OpposingParty)
	require.True(t, view.Active)
	require.Equal(t, int64(5000), view.RemainingMillis)
	require.Equal(t, "00h 00m 05s", view.Remaining)

	require.Len(t, view.Jurors, 3)
	require.Equal(t, jurorA, view.Jurors[0].Juror)
	require.True(t, view.Jurors[0].HasVoted)
	require.False(t, view.Jurors[1].HasVoted)
	require.Equal(t, ledger.CandidateSelected, view.Jurors[2].Candidate.Status)

	require.True(t, view.ViewerHasVoted)
	require.False(t, view.ViewerWon)
	require.Len(t, view.Evidence, 1)
	require.Empty(t, view.EvidenceError)
}

func TestDisputeForDealScopesJurorFailures(t *testing.T) {
	r := newTestReads(t, brokenVotes{Ledger: seedLedger(), juror: jurorB})

	view, err := r.DisputeForDeal(context.Background(), big.NewInt(7), common.Address{})
	require.NoError(t, err)
	require.Len(t, view.Jurors, 3)

	require.Empty(t, view.Jurors[0].Error)
	require.True(t, view.Jurors[0].HasVoted)
	require.NotEmpty(t, view.Jurors[1].Error)
	require.Nil(t, view.Jurors[1].Vote)
	require.NotNil(t, view.Jurors[1].Candidate)
	require.Empty(t, view.Jurors[2].Error)
}

func TestDisputeForDealTimerFailureIsScoped(t *testing.T) {
	l := seedLedger()
	l.FailOn("GetDisputeTimer", errors.New("node timeout"))
	r := newTestReads(t, l)

	view, err := r.DisputeForDeal(context.Background(), big.NewInt(7), common.Address{})
	require.NoError(t, err)
	require.Nil(t, view.Timer)
	require.Contains(t, view.TimerError, "node timeout")
	require.Len(t, view.Jurors, 3)
}

func TestDisputeForDealWithoutDispute(t *testing.T) {
	l := seedLedger()
	l.PutDeal(ledger.Deal{ID: big.NewInt(8), Sender: initiator, Receiver: stranger})
	r := newTestReads(t, l)

	_, err := r.DisputeForDeal(context.Background(), big.NewInt(8), common.Address{})
	require.ErrorIs(t, err, ErrNoDispute)

	_, err = r.DisputeForDeal(context.Background(), big.NewInt(9), common.Address{})
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestDisputeForDealSharesReads(t *testing.T) {
	l := seedLedger()
	r := newTestReads(t, l)

	_, err := r.DisputeForDeal(context.Background(), big.NewInt(7), jurorA)
	require.NoError(t, err)
	_, err = r.DisputeForDeal(context.Background(), big.NewInt(7), jurorA)
	require.NoError(t, err)

	require.Equal(t, 1, l.Calls("GetDisputeID"))
	require.Equal(t, 1, l.Calls("GetDispute"))
	// One vote read per juror; the viewer's read is shared with jurorA's row.
	require.Equal(t, 3, l.Calls("GetDisputeVote"))
}

func TestJurorDisputesPartitions(t *testing.T) {
	l := seedLedger()
	l.PutDispute(ledger.Dispute{ID: big.NewInt(102), DealID: big.NewInt(8), Initiator: stranger})
	l.SelectJurors(big.NewInt(102), jurorA)
	l.PutVote(ledger.Vote{DisputeID: big.NewInt(102), Juror: jurorA, Support: stranger})
	l.PutTimer(ledger.DisputeTimer{DisputeID: big.NewInt(102), Start: 0, StandardDuration: 10})
	l.Resolve(big.NewInt(102), stranger)
	r := newTestReads(t, l)

	view, err := r.JurorDisputes(context.Background(), jurorA)
	require.NoError(t, err)
	require.Len(t, view.Active, 1)
	require.Len(t, view.Resolved, 1)
	require.Empty(t, view.Unavailable)

	require.Equal(t, int64(101), view.Active[0].DisputeID.Int64())
	require.True(t, view.Active[0].HasVoted)
	require.Equal(t, int64(5000), view.Active[0].RemainingMillis)

	require.Equal(t, int64(102), view.Resolved[0].DisputeID.Int64())
	require.True(t, view.Resolved[0].Won)
	require.Equal(t, VotingClosedText, view.Resolved[0].Remaining)
}

func TestJurorDisputesEmptyHistory(t *testing.T) {
	r := newTestReads(t, seedLedger())

	view, err := r.JurorDisputes(context.Background(), stranger)
	require.NoError(t, err)
	require.Empty(t, view.Active)
	require.Empty(t, view.Resolved)
}

func TestJurorProfile(t *testing.T) {
	l := seedLedger()
	l.PutJuror(ledger.Juror{Address: jurorA, Stake: uint256.NewInt(1000), Active: true})
	l.PutPayment(ledger.TokenPayment{Juror: jurorA, Token: tokenX, Amount: uint256.NewInt(42)})
	r := newTestReads(t, l)

	view, err := r.JurorProfile(context.Background(), jurorA, []common.Address{tokenX, tokenY})
	require.NoError(t, err)
	require.True(t, view.Juror.Active)
	require.Len(t, view.Payments, 2)
	require.Equal(t, uint64(42), view.Payments[0].Amount.Uint64())
	require.True(t, view.Payments[1].Amount.IsZero())

	_, err = r.JurorProfile(context.Background(), jurorB, nil)
	require.ErrorIs(t, err, ledger.ErrNotFound)
}
