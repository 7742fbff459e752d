package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ZeroAddress is the sentinel used by the ledger for "unset" address fields:
// an unresolved dispute winner and a vote that has not been cast.
var ZeroAddress = common.Address{}

// DealStatus mirrors the escrow contract's deal status enumeration.
type DealStatus uint8

const (
	DealPending DealStatus = iota
	DealAcknowledged
	DealCompleted
	DealDisputed
	DealFinalized
	DealCanceled
)

func (s DealStatus) String() string {
	switch s {
	case DealPending:
		return "pending"
	case DealAcknowledged:
		return "acknowledged"
	case DealCompleted:
		return "completed"
	case DealDisputed:
		return "disputed"
	case DealFinalized:
		return "finalized"
	case DealCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// MarshalText renders the status name in JSON payloads.
func (s DealStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Deal is an escrow agreement between a sender and a receiver.
type Deal struct {
	ID          *big.Int       `json:"id"`
	Sender      common.Address `json:"sender"`
	Receiver    common.Address `json:"receiver"`
	Token       common.Address `json:"token"`
	Amount      *uint256.Int   `json:"amount"`
	Status      DealStatus     `json:"status"`
	Description string         `json:"description"`
}

// Counterparty returns the deal party that is not account. The zero address is
// returned when account is not a party to the deal.
func (d Deal) Counterparty(account common.Address) common.Address {
	switch account {
	case d.Sender:
		return d.Receiver
	case d.Receiver:
		return d.Sender
	default:
		return ZeroAddress
	}
}

// Dispute is an arbitration case opened against exactly one deal.
type Dispute struct {
	ID        *big.Int       `json:"id"`
	DealID    *big.Int       `json:"dealId"`
	Initiator common.Address `json:"initiator"`
	Fee       *uint256.Int   `json:"fee"`
	FeeToken  common.Address `json:"feeToken"`
	Winner    common.Address `json:"winner"`
}

// DisputeTimer holds the voting window of a dispute, in unix seconds.
type DisputeTimer struct {
	DisputeID         *big.Int `json:"disputeId"`
	Start             uint64   `json:"start"`
	StandardDuration  uint64   `json:"standardDuration"`
	ExtensionDuration uint64   `json:"extensionDuration"`
}

// Vote is a juror's ballot for a dispute. Support is ZeroAddress until cast.
type Vote struct {
	DisputeID *big.Int       `json:"disputeId"`
	Juror     common.Address `json:"juror"`
	Support   common.Address `json:"support"`
}

// CandidateStatus is a juror's selection status for one dispute.
type CandidateStatus uint8

const (
	CandidateNone CandidateStatus = iota
	CandidatePending
	CandidateSelected
	CandidateRemoved
)

func (s CandidateStatus) String() string {
	switch s {
	case CandidateNone:
		return "none"
	case CandidatePending:
		return "pending"
	case CandidateSelected:
		return "selected"
	case CandidateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// MarshalText renders the status name in JSON payloads.
func (s CandidateStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// JurorCandidate is a juror's participation record for a dispute.
type JurorCandidate struct {
	DisputeID *big.Int        `json:"disputeId"`
	Juror     common.Address  `json:"juror"`
	Status    CandidateStatus `json:"status"`
}

// Juror is the global juror profile kept by the registry contract.
type Juror struct {
	Address     common.Address `json:"address"`
	Stake       *uint256.Int   `json:"stake"`
	Reputation  uint64         `json:"reputation"`
	MissedVotes uint64         `json:"missedVotes"`
	Active      bool           `json:"active"`
}

// TokenPayment is the amount a juror has been paid in one token.
type TokenPayment struct {
	Juror  common.Address `json:"juror"`
	Token  common.Address `json:"token"`
	Amount *uint256.Int   `json:"amount"`
}

// Evidence references an artifact submitted against a deal.
type Evidence struct {
	DealID      *big.Int       `json:"dealId"`
	Submitter   common.Address `json:"submitter"`
	URI         string         `json:"uri"`
	Kind        string         `json:"kind"`
	Description string         `json:"description"`
	Timestamp   uint64         `json:"timestamp"`
}

// DisputeFee is the fee charged to open a dispute.
type DisputeFee struct {
	Token  common.Address `json:"token"`
	Amount *uint256.Int   `json:"amount"`
}

// SettlementStatus reports how a submitted transaction settled.
type SettlementStatus string

const (
	SettlementSucceeded SettlementStatus = "success"
	SettlementReverted  SettlementStatus = "reverted"
)

// Receipt is returned for a mutating action once it has settled.
type Receipt struct {
	TxHash      common.Hash      `json:"txHash"`
	BlockNumber uint64           `json:"blockNumber"`
	GasUsed     uint64           `json:"gasUsed"`
	Status      SettlementStatus `json:"status"`
}

// Contracts holds the addresses of the ledger contracts consumed by jurywatch.
type Contracts struct {
	Escrow   common.Address
	Disputes common.Address
	Jurors   common.Address
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func toUint256(v *big.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return out
}
