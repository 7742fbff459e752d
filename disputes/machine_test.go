package disputes

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"jurywatch/ledger"
)

var (
	initiator = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	stranger  = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func testEvent(kind ledger.EventKind, tx int64, disputeID int64) ledger.Event {
	evt := ledger.Event{
		Kind:    kind,
		Account: initiator,
		TxHash:  common.BigToHash(big.NewInt(tx)),
	}
	if disputeID > 0 {
		evt.DisputeID = big.NewInt(disputeID)
	}
	if kind == ledger.EventDisputeOpened {
		evt.DealID = big.NewInt(7)
	}
	return evt
}

func fullFlow() []ledger.Event {
	return []ledger.Event{
		testEvent(ledger.EventApproval, 1, 0),
		testEvent(ledger.EventDisputeOpened, 2, 101),
		testEvent(ledger.EventRequestSent, 3, 101),
		testEvent(ledger.EventRequestFulfilled, 4, 101),
		testEvent(ledger.EventJurorsSelected, 5, 101),
	}
}

func permutations(events []ledger.Event) [][]ledger.Event {
	if len(events) <= 1 {
		return [][]ledger.Event{append([]ledger.Event(nil), events...)}
	}
	var out [][]ledger.Event
	for i := range events {
		rest := make([]ledger.Event, 0, len(events)-1)
		rest = append(rest, events[:i]...)
		rest = append(rest, events[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]ledger.Event{events[i]}, p...))
		}
	}
	return out
}

func TestMachineStageNeverDecreases(t *testing.T) {
	for _, order := range permutations(fullFlow()) {
		m := NewMachine(initiator, big.NewInt(7), nil)
		prev := m.Stage()
		// Deliver every event twice to exercise duplicate delivery.
		for _, evt := range append(order, order...) {
			stage, _ := m.Apply(evt)
			require.GreaterOrEqual(t, stage, prev)
			prev = stage
		}
		require.Equal(t, StageJurorsSelected, m.Stage())
		require.Equal(t, int64(101), m.DisputeID().Int64())
	}
}

func TestMachineDuplicateDeliveryIsNoop(t *testing.T) {
	m := NewMachine(initiator, big.NewInt(7), nil)
	approval := testEvent(ledger.EventApproval, 1, 0)

	stage, changed := m.Apply(approval)
	require.True(t, changed)
	require.Equal(t, StageApprovalConfirmed, stage)

	stage, changed = m.Apply(approval)
	require.False(t, changed)
	require.Equal(t, StageApprovalConfirmed, stage)
}

func TestMachineIgnoresForeignEvents(t *testing.T) {
	m := NewMachine(initiator, big.NewInt(7), nil)

	foreign := testEvent(ledger.EventApproval, 1, 0)
	foreign.Account = stranger
	_, changed := m.Apply(foreign)
	require.False(t, changed)

	otherDeal := testEvent(ledger.EventDisputeOpened, 2, 101)
	otherDeal.DealID = big.NewInt(8)
	_, changed = m.Apply(otherDeal)
	require.False(t, changed)
	require.Nil(t, m.DisputeID())

	_, changed = m.Apply(testEvent(ledger.EventDisputeOpened, 3, 101))
	require.True(t, changed)

	otherDispute := testEvent(ledger.EventJurorsSelected, 4, 999)
	_, changed = m.Apply(otherDispute)
	require.False(t, changed)
	require.Equal(t, StageDisputeSubmitted, m.Stage())
}

func TestMachineReplaysBufferedDisputeEvents(t *testing.T) {
	m := NewMachine(initiator, big.NewInt(7), nil)

	// Randomness arrives before the dispute id is known.
	_, changed := m.Apply(testEvent(ledger.EventRequestFulfilled, 4, 101))
	require.False(t, changed)
	_, changed = m.Apply(testEvent(ledger.EventRequestSent, 3, 555))
	require.False(t, changed)
	require.Equal(t, StageAwaitingApproval, m.Stage())

	stage, changed := m.Apply(testEvent(ledger.EventDisputeOpened, 2, 101))
	require.True(t, changed)
	require.Equal(t, StageJurorsSelecting, stage)
}

func TestMachineResetKeepsConfiguredDispute(t *testing.T) {
	m := NewMachine(initiator, big.NewInt(7), big.NewInt(101))
	_, changed := m.Apply(testEvent(ledger.EventJurorsSelected, 5, 101))
	require.True(t, changed)
	require.Equal(t, StageJurorsSelected, m.Stage())

	m.Reset()
	require.Equal(t, StageAwaitingApproval, m.Stage())
	require.Equal(t, int64(101), m.DisputeID().Int64())

	// The same event is accepted again after a reset.
	_, changed = m.Apply(testEvent(ledger.EventJurorsSelected, 5, 101))
	require.True(t, changed)
}

func TestAdvanceStage(t *testing.T) {
	require.Equal(t, StageDisputeSubmitted, AdvanceStage(StageDisputeSubmitted, StageApprovalConfirmed))
	require.Equal(t, StageJurorsSelected, AdvanceStage(StageApprovalConfirmed, StageJurorsSelected))
	require.True(t, StageJurorsSelected.Terminal())
	require.False(t, StageJurorsSelecting.Terminal())
	require.Equal(t, "randomness_requested", StageRandomnessRequested.String())

	_, ok := StageForEvent(ledger.EventKind("Transfer"))
	require.False(t, ok)
}
