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
)

var (
	feeToken  = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	contracts = ledger.Contracts{
		Escrow:   common.HexToAddress("0x00000000000000000000000000000000000000e1"),
		Disputes: common.HexToAddress("0x00000000000000000000000000000000000000d1"),
		Jurors:   common.HexToAddress("0x00000000000000000000000000000000000000c1"),
	}
)

func newTestManager(t *testing.T, l *ledgertest.Ledger) *SessionManager {
	t.Helper()
	m, err := NewSessionManager(l, l, contracts, WithManagerMetrics(nil))
	require.NoError(t, err)
	t.Cleanup(m.CloseAll)
	return m
}

func waitStage(t *testing.T, s *Session, want Stage) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Snapshot().Stage == want }, time.Second, 5*time.Millisecond)
}

func TestSessionFollowsLedgerEvents(t *testing.T) {
	l := ledgertest.New()
	l.SetFee(ledger.DisputeFee{Token: feeToken, Amount: uint256.NewInt(10)})
	m := newTestManager(t, l)

	s, err := m.Open(context.Background(), SessionRequest{Initiator: initiator, DealID: big.NewInt(7)})
	require.NoError(t, err)
	require.Equal(t, StageAwaitingApproval, s.Snapshot().Stage)
	require.Equal(t, 5, l.ActiveWatches())
	require.Equal(t, feeToken, s.Request().FeeToken)

	require.Equal(t, 1, l.Emit(ledger.Event{Kind: ledger.EventApproval, Account: initiator, Spender: contracts.Disputes}))
	waitStage(t, s, StageApprovalConfirmed)

	// An approval for another spender does not reach the session.
	require.Zero(t, l.Emit(ledger.Event{Kind: ledger.EventApproval, Account: initiator, Spender: stranger}))

	l.Emit(ledger.Event{Kind: ledger.EventDisputeOpened, Account: initiator, DealID: big.NewInt(7), DisputeID: big.NewInt(101)})
	waitStage(t, s, StageDisputeSubmitted)
	require.Equal(t, int64(101), s.Snapshot().DisputeID.Int64())

	l.Emit(ledger.Event{Kind: ledger.EventRequestSent, DisputeID: big.NewInt(101)})
	l.Emit(ledger.Event{Kind: ledger.EventRequestFulfilled, DisputeID: big.NewInt(101)})
	l.Emit(ledger.Event{Kind: ledger.EventJurorsSelected, DisputeID: big.NewInt(101)})
	waitStage(t, s, StageJurorsSelected)

	snap := s.Snapshot()
	require.True(t, snap.ResultReady)
	require.Equal(t, int(StageJurorsSelected), snap.StageIndex)
}

func TestSessionReopenStartsOver(t *testing.T) {
	l := ledgertest.New()
	m := newTestManager(t, l)
	req := SessionRequest{Initiator: initiator, DealID: big.NewInt(7), FeeToken: feeToken}

	first, err := m.Open(context.Background(), req)
	require.NoError(t, err)
	l.Emit(ledger.Event{Kind: ledger.EventApproval, Account: initiator, Spender: contracts.Disputes})
	waitStage(t, first, StageApprovalConfirmed)

	second, err := m.Open(context.Background(), req)
	require.NoError(t, err)
	require.NotEqual(t, first.ID(), second.ID())
	require.Equal(t, StageAwaitingApproval, second.Snapshot().Stage)
	require.True(t, first.Snapshot().Closed)
	require.Equal(t, 1, m.Len())

	_, ok := m.Get(first.ID())
	require.False(t, ok)
	// Only the replacement's watches remain.
	require.Equal(t, 5, l.ActiveWatches())
}

func TestSessionCloseReleasesWatches(t *testing.T) {
	l := ledgertest.New()
	m := newTestManager(t, l)

	s, err := m.Open(context.Background(), SessionRequest{Initiator: initiator, DealID: big.NewInt(7), FeeToken: feeToken})
	require.NoError(t, err)
	updates, cancel := s.Subscribe()
	defer cancel()
	<-updates

	require.True(t, m.Close(s.ID()))
	require.False(t, m.Close(s.ID()))
	require.Zero(t, l.ActiveWatches())
	require.Zero(t, l.Emit(ledger.Event{Kind: ledger.EventApproval, Account: initiator, Spender: contracts.Disputes}))

	var last Snapshot
	for snap := range updates {
		last = snap
	}
	require.True(t, last.Closed)
	require.Equal(t, StageAwaitingApproval, last.Stage)

	err = s.Track(context.Background(), "approve", func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestSessionSubscriptionLossKeepsStage(t *testing.T) {
	l := ledgertest.New()
	m := newTestManager(t, l)

	s, err := m.Open(context.Background(), SessionRequest{Initiator: initiator, DealID: big.NewInt(7), FeeToken: feeToken})
	require.NoError(t, err)
	l.Emit(ledger.Event{Kind: ledger.EventApproval, Account: initiator, Spender: contracts.Disputes})
	waitStage(t, s, StageApprovalConfirmed)

	l.DropWatches(errors.New("websocket closed"))
	snap := s.Snapshot()
	require.True(t, snap.SubscriptionLost)
	require.Equal(t, StageApprovalConfirmed, snap.Stage)
}

func TestSessionTrackFailureLeavesStage(t *testing.T) {
	l := ledgertest.New()
	m := newTestManager(t, l)

	s, err := m.Open(context.Background(), SessionRequest{Initiator: initiator, DealID: big.NewInt(7), FeeToken: feeToken})
	require.NoError(t, err)

	rejected := ledger.Rejected("approve", errors.New("user rejected the request"))
	err = s.Track(context.Background(), "approve", func(context.Context) error { return rejected })
	require.Equal(t, rejected, err)

	snap := s.Snapshot()
	require.Equal(t, StageAwaitingApproval, snap.Stage)
	require.Equal(t, "user rejected the request", snap.Error)
	require.Empty(t, snap.Pending)
}

func TestSessionManagerValidatesRequest(t *testing.T) {
	l := ledgertest.New()
	m := newTestManager(t, l)

	_, err := m.Open(context.Background(), SessionRequest{DealID: big.NewInt(7)})
	require.Error(t, err)
	_, err = m.Open(context.Background(), SessionRequest{Initiator: initiator})
	require.Error(t, err)

	l.FailOn("GetDisputeFee", errors.New("node down"))
	_, err = m.Open(context.Background(), SessionRequest{Initiator: initiator, DealID: big.NewInt(7)})
	require.ErrorIs(t, err, ledger.ErrNetwork)
	require.Zero(t, m.Len())
}
