package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind names a ledger event consumed by the orchestrator.
type EventKind string

const (
	EventApproval         EventKind = "Approval"
	EventDisputeOpened    EventKind = "DisputeOpened"
	EventRequestSent      EventKind = "RequestSent"
	EventRequestFulfilled EventKind = "RequestFulfilled"
	EventJurorsSelected   EventKind = "JurorsSelected"
)

// DisputeScoped reports whether events of this kind identify their dispute.
func (k EventKind) DisputeScoped() bool {
	switch k {
	case EventRequestSent, EventRequestFulfilled, EventJurorsSelected:
		return true
	default:
		return false
	}
}

// Event is a decoded ledger log.
type Event struct {
	Kind        EventKind        `json:"kind"`
	DisputeID   *big.Int         `json:"disputeId,omitempty"`
	DealID      *big.Int         `json:"dealId,omitempty"`
	RequestID   *big.Int         `json:"requestId,omitempty"`
	Account     common.Address   `json:"account"`
	Spender     common.Address   `json:"spender"`
	Value       *big.Int         `json:"value,omitempty"`
	Jurors      []common.Address `json:"jurors,omitempty"`
	TxHash      common.Hash      `json:"txHash"`
	LogIndex    uint             `json:"logIndex"`
	BlockNumber uint64           `json:"blockNumber"`
}

// ID identifies the logical event across repeated deliveries.
func (e Event) ID() string {
	return fmt.Sprintf("%s:%s:%d", e.Kind, e.TxHash.Hex(), e.LogIndex)
}

// Filter scopes a watch. Zero fields are unconstrained.
type Filter struct {
	// Account is the approval owner or the dispute initiator.
	Account common.Address
	// Token is the ERC-20 contract emitting Approval events.
	Token common.Address
	// Spender restricts Approval events to one spender.
	Spender common.Address
	// DisputeID restricts dispute-scoped events.
	DisputeID *big.Int
}

// Handler receives events for an active watch. Delivery is at-least-once, so
// handlers must tolerate repeated events.
type Handler interface {
	HandleEvent(Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Event)

func (f HandlerFunc) HandleEvent(evt Event) { f(evt) }

// LossHandler is implemented by handlers that want to learn about a dropped
// watch. The watch is not re-established.
type LossHandler interface {
	SubscriptionLost(kind EventKind, err error)
}

// Unwatch tears down a watch. It is safe to call more than once.
type Unwatch func()

// Subscriber opens event watches against the ledger.
type Subscriber interface {
	Watch(ctx context.Context, kind EventKind, filter Filter, handler Handler) (Unwatch, error)
}

// Transactor issues ledger-mutating actions signed by one account.
type Transactor interface {
	From() common.Address
	Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (Receipt, error)
	OpenDispute(ctx context.Context, dealID *big.Int) (Receipt, error)
	CastVote(ctx context.Context, disputeID *big.Int, support common.Address) (Receipt, error)
}
