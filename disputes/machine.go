package disputes

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"jurywatch/ledger"
)

// maxBufferedEvents bounds the dispute-scoped events held while the session
// does not yet know its dispute id.
const maxBufferedEvents = 64

// Machine is the stage transition function for one observation session. It is
// not safe for concurrent use; a Session feeds it from a single goroutine.
type Machine struct {
	initiator common.Address
	dealID    *big.Int
	disputeID *big.Int
	stage     Stage

	// configured is the dispute id supplied at construction.
	configured *big.Int

	seen     map[string]struct{}
	buffered []ledger.Event
}

// NewMachine returns a machine at StageAwaitingApproval. Zero initiator and nil
// ids leave the corresponding checks open.
func NewMachine(initiator common.Address, dealID, disputeID *big.Int) *Machine {
	m := &Machine{initiator: initiator, dealID: copyID(dealID), configured: copyID(disputeID)}
	m.Reset()
	return m
}

func copyID(id *big.Int) *big.Int {
	if id == nil || id.Sign() == 0 {
		return nil
	}
	return new(big.Int).Set(id)
}

// Reset returns the machine to StageAwaitingApproval and forgets seen events.
// The dispute id learned from a previous DisputeOpened is kept only if it was
// supplied at construction.
func (m *Machine) Reset() {
	m.disputeID = copyID(m.configured)
	m.stage = StageAwaitingApproval
	m.seen = make(map[string]struct{})
	m.buffered = nil
}

// Stage returns the current stage.
func (m *Machine) Stage() Stage { return m.stage }

// DisputeID returns the dispute id the machine is tracking, or nil.
func (m *Machine) DisputeID() *big.Int { return copyID(m.disputeID) }

// Apply consumes one event and returns the resulting stage and whether it
// changed. Events not belonging to this session, duplicate deliveries and
// unknown kinds leave the stage unchanged.
func (m *Machine) Apply(evt ledger.Event) (Stage, bool) {
	before := m.stage
	m.apply(evt)
	return m.stage, m.stage != before
}

func (m *Machine) apply(evt ledger.Event) {
	observed, ok := StageForEvent(evt.Kind)
	if !ok {
		return
	}
	id := evt.ID()
	if _, dup := m.seen[id]; dup {
		return
	}

	switch {
	case evt.Kind == ledger.EventApproval:
		if !m.ownedBy(evt.Account) {
			return
		}
	case evt.Kind == ledger.EventDisputeOpened:
		if !m.ownedBy(evt.Account) || !sameID(m.dealID, evt.DealID) || !sameID(m.disputeID, evt.DisputeID) {
			return
		}
		if m.disputeID == nil {
			m.disputeID = copyID(evt.DisputeID)
		}
	case evt.Kind.DisputeScoped():
		if m.disputeID == nil {
			m.buffer(evt)
			return
		}
		if evt.DisputeID == nil || evt.DisputeID.Cmp(m.disputeID) != 0 {
			return
		}
	}

	m.seen[id] = struct{}{}
	m.stage = AdvanceStage(m.stage, observed)

	if evt.Kind == ledger.EventDisputeOpened {
		m.replay()
	}
}

func (m *Machine) ownedBy(account common.Address) bool {
	return m.initiator == ledger.ZeroAddress || account == m.initiator
}

// sameID reports whether an expected id, when set, matches got.
func sameID(want, got *big.Int) bool {
	if want == nil {
		return true
	}
	return got != nil && got.Cmp(want) == 0
}

func (m *Machine) buffer(evt ledger.Event) {
	id := evt.ID()
	for _, b := range m.buffered {
		if b.ID() == id {
			return
		}
	}
	if len(m.buffered) == maxBufferedEvents {
		m.buffered = m.buffered[1:]
	}
	m.buffered = append(m.buffered, evt)
}

func (m *Machine) replay() {
	pending := m.buffered
	m.buffered = nil
	for _, evt := range pending {
		m.apply(evt)
	}
}
