package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"jurywatch/observability"
)

// LogBackend is the subset of the Ethereum RPC used for log subscriptions.
type LogBackend interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- gethtypes.Log) (ethereum.Subscription, error)
}

// EVMSubscriber implements Subscriber with eth_subscribe log filters.
type EVMSubscriber struct {
	backend   LogBackend
	contracts Contracts
	abis      *ABIs
	logger    *slog.Logger
	metrics   *observability.OrchestratorMetrics
}

// NewEVMSubscriber constructs a subscriber. The backend must be connected over
// a transport that supports subscriptions.
func NewEVMSubscriber(backend LogBackend, contracts Contracts, logger *slog.Logger) (*EVMSubscriber, error) {
	if backend == nil {
		return nil, fmt.Errorf("ledger: log backend required")
	}
	abis, err := ContractABIs()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EVMSubscriber{
		backend:   backend,
		contracts: contracts,
		abis:      abis,
		logger:    logger,
		metrics:   observability.Orchestrator(),
	}, nil
}

// Watch opens a log subscription for kind and delivers decoded events to
// handler until the returned Unwatch is called or ctx ends.
func (s *EVMSubscriber) Watch(ctx context.Context, kind EventKind, filter Filter, handler Handler) (Unwatch, error) {
	if handler == nil {
		return nil, fmt.Errorf("ledger: handler required")
	}
	parsed, event, query, err := s.query(kind, filter)
	if err != nil {
		return nil, err
	}
	watchCtx, cancel := context.WithCancel(ctx)
	logs := make(chan gethtypes.Log, 64)
	sub, err := s.backend.SubscribeFilterLogs(watchCtx, query, logs)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: subscribe %s: %v", ErrNetwork, kind, err)
	}
	s.metrics.WatchOpened(string(kind))

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer s.metrics.WatchClosed(string(kind))
		for {
			select {
			case <-watchCtx.Done():
				return
			case err, ok := <-sub.Err():
				if !ok || err == nil {
					return
				}
				s.logger.Warn("ledger subscription lost", "event", string(kind), "error", err)
				if lh, ok := handler.(LossHandler); ok {
					lh.SubscriptionLost(kind, fmt.Errorf("%w: %v", ErrSubscriptionLost, err))
				}
				return
			case lg := <-logs:
				if lg.Removed {
					continue
				}
				evt, err := decodeLog(parsed, event, kind, lg)
				if err != nil {
					s.logger.Warn("ledger log decode failed", "event", string(kind), "tx", lg.TxHash.Hex(), "error", err)
					continue
				}
				s.metrics.EventReceived(string(kind))
				handler.HandleEvent(evt)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			sub.Unsubscribe()
			<-done
		})
	}, nil
}

func (s *EVMSubscriber) query(kind EventKind, filter Filter) (abi.ABI, abi.Event, ethereum.FilterQuery, error) {
	var (
		parsed   abi.ABI
		contract common.Address
		topics   [][]common.Hash
	)
	switch kind {
	case EventApproval:
		parsed = s.abis.ERC20
		contract = filter.Token
		if (contract == common.Address{}) {
			return parsed, abi.Event{}, ethereum.FilterQuery{}, fmt.Errorf("ledger: approval watch requires a token address")
		}
		topics = [][]common.Hash{nil, addressTopic(filter.Account), addressTopic(filter.Spender)}
	case EventDisputeOpened:
		parsed = s.abis.Disputes
		contract = s.contracts.Disputes
		topics = [][]common.Hash{nil, nil, nil, addressTopic(filter.Account)}
	case EventRequestSent, EventRequestFulfilled:
		parsed = s.abis.Disputes
		contract = s.contracts.Disputes
		topics = [][]common.Hash{nil, nil, bigTopic(filter.DisputeID)}
	case EventJurorsSelected:
		parsed = s.abis.Disputes
		contract = s.contracts.Disputes
		topics = [][]common.Hash{nil, bigTopic(filter.DisputeID)}
	default:
		return parsed, abi.Event{}, ethereum.FilterQuery{}, fmt.Errorf("ledger: unsupported event %q", kind)
	}
	event, ok := parsed.Events[string(kind)]
	if !ok {
		return parsed, abi.Event{}, ethereum.FilterQuery{}, fmt.Errorf("ledger: event %q missing from abi", kind)
	}
	topics[0] = []common.Hash{event.ID}
	// Trailing nil topics are wildcards; trim them so nodes see the shortest filter.
	for len(topics) > 1 && topics[len(topics)-1] == nil {
		topics = topics[:len(topics)-1]
	}
	return parsed, event, ethereum.FilterQuery{
		Addresses: []common.Address{contract},
		Topics:    topics,
	}, nil
}

func addressTopic(addr common.Address) []common.Hash {
	if (addr == common.Address{}) {
		return nil
	}
	return []common.Hash{common.BytesToHash(addr.Bytes())}
}

func bigTopic(v *big.Int) []common.Hash {
	if v == nil || v.Sign() == 0 {
		return nil
	}
	return []common.Hash{common.BigToHash(v)}
}

func decodeLog(parsed abi.ABI, event abi.Event, kind EventKind, lg gethtypes.Log) (Event, error) {
	if len(lg.Topics) == 0 || lg.Topics[0] != event.ID {
		return Event{}, fmt.Errorf("unexpected topic for %s", kind)
	}
	fields := make(map[string]interface{})
	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
		return Event{}, fmt.Errorf("parse topics: %w", err)
	}
	if len(lg.Data) > 0 {
		if err := parsed.UnpackIntoMap(fields, event.Name, lg.Data); err != nil {
			return Event{}, fmt.Errorf("unpack data: %w", err)
		}
	}
	evt := Event{
		Kind:        kind,
		TxHash:      lg.TxHash,
		LogIndex:    lg.Index,
		BlockNumber: lg.BlockNumber,
	}
	switch kind {
	case EventApproval:
		evt.Account, _ = fields["owner"].(common.Address)
		evt.Spender, _ = fields["spender"].(common.Address)
		evt.Value, _ = fields["value"].(*big.Int)
	case EventDisputeOpened:
		evt.DisputeID, _ = fields["disputeId"].(*big.Int)
		evt.DealID, _ = fields["dealId"].(*big.Int)
		evt.Account, _ = fields["initiator"].(common.Address)
	case EventRequestSent, EventRequestFulfilled:
		evt.RequestID, _ = fields["requestId"].(*big.Int)
		evt.DisputeID, _ = fields["disputeId"].(*big.Int)
	case EventJurorsSelected:
		evt.DisputeID, _ = fields["disputeId"].(*big.Int)
		evt.Jurors, _ = fields["jurors"].([]common.Address)
	}
	return evt, nil
}
