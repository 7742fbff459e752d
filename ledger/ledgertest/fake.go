// Package ledgertest provides an in-memory ledger implementing the gateway,
// subscriber and transactor interfaces for tests.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"jurywatch/ledger"
)

// Ledger is an in-memory ledger. The zero value is not usable; call New.
type Ledger struct {
	mu sync.Mutex

	deals      map[string]ledger.Deal
	disputeIDs map[string]*big.Int
	disputes   map[string]ledger.Dispute
	timers     map[string]ledger.DisputeTimer
	fee        ledger.DisputeFee
	jurors     map[string][]common.Address
	candidates map[string]ledger.JurorCandidate
	votes      map[string]ledger.Vote
	history    map[common.Address][]*big.Int
	profiles   map[common.Address]ledger.Juror
	payments   map[string]ledger.TokenPayment
	evidence   map[string][]ledger.Evidence

	calls    map[string]int
	failures map[string]error
	holds    map[string]chan struct{}
	rejects  map[string]error

	watches   map[int]*watch
	nextWatch int
	nextTx    uint64
	nextID    int64
}

type watch struct {
	kind    ledger.EventKind
	filter  ledger.Filter
	handler ledger.Handler
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		deals:      make(map[string]ledger.Deal),
		disputeIDs: make(map[string]*big.Int),
		disputes:   make(map[string]ledger.Dispute),
		timers:     make(map[string]ledger.DisputeTimer),
		jurors:     make(map[string][]common.Address),
		candidates: make(map[string]ledger.JurorCandidate),
		votes:      make(map[string]ledger.Vote),
		history:    make(map[common.Address][]*big.Int),
		profiles:   make(map[common.Address]ledger.Juror),
		payments:   make(map[string]ledger.TokenPayment),
		evidence:   make(map[string][]ledger.Evidence),
		calls:      make(map[string]int),
		failures:   make(map[string]error),
		holds:      make(map[string]chan struct{}),
		rejects:    make(map[string]error),
		watches:    make(map[int]*watch),
		nextID:     100,
	}
}

func pair(id *big.Int, addr common.Address) string {
	return id.String() + "/" + strings.ToLower(addr.Hex())
}

// PutDeal stores a deal.
func (l *Ledger) PutDeal(deal ledger.Deal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deals[deal.ID.String()] = deal
}

// PutDispute stores a dispute and links it to its deal.
func (l *Ledger) PutDispute(dispute ledger.Dispute) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disputes[dispute.ID.String()] = dispute
	if dispute.DealID != nil {
		l.disputeIDs[dispute.DealID.String()] = dispute.ID
	}
}

// Resolve sets the winner of a dispute.
func (l *Ledger) Resolve(disputeID *big.Int, winner common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d := l.disputes[disputeID.String()]
	d.Winner = winner
	l.disputes[disputeID.String()] = d
}

// PutTimer stores a dispute timer.
func (l *Ledger) PutTimer(timer ledger.DisputeTimer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timers[timer.DisputeID.String()] = timer
}

// SetFee sets the dispute fee.
func (l *Ledger) SetFee(fee ledger.DisputeFee) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fee = fee
}

// SelectJurors assigns jurors to a dispute and marks them selected candidates.
func (l *Ledger) SelectJurors(disputeID *big.Int, jurors ...common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jurors[disputeID.String()] = append([]common.Address(nil), jurors...)
	for _, j := range jurors {
		l.candidates[pair(disputeID, j)] = ledger.JurorCandidate{DisputeID: disputeID, Juror: j, Status: ledger.CandidateSelected}
		l.history[j] = append(l.history[j], disputeID)
	}
}

// PutVote stores a cast vote.
func (l *Ledger) PutVote(vote ledger.Vote) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.votes[pair(vote.DisputeID, vote.Juror)] = vote
}

// PutJuror stores a juror profile.
func (l *Ledger) PutJuror(juror ledger.Juror) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.profiles[juror.Address] = juror
}

// PutPayment stores a juror token payment.
func (l *Ledger) PutPayment(payment ledger.TokenPayment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.payments[strings.ToLower(payment.Juror.Hex())+"/"+strings.ToLower(payment.Token.Hex())] = payment
}

// AddEvidence appends an evidence item.
func (l *Ledger) AddEvidence(item ledger.Evidence) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := pair(item.DealID, item.Submitter)
	l.evidence[key] = append(l.evidence[key], item)
}

// Calls returns how many times op was invoked. Ops are named after the Gateway
// methods, for example "GetDispute".
func (l *Ledger) Calls(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[op]
}

// FailOn makes every call of op fail with err. A nil err clears the failure.
func (l *Ledger) FailOn(op string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.failures, op)
		return
	}
	l.failures[op] = err
}

// Hold blocks calls of op until the returned release is called.
func (l *Ledger) Hold(op string) (release func()) {
	ch := make(chan struct{})
	l.mu.Lock()
	l.holds[op] = ch
	l.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if l.holds[op] == ch {
				delete(l.holds, op)
			}
			l.mu.Unlock()
			close(ch)
		})
	}
}

// RejectNext makes the next mutating action named action fail with reason.
func (l *Ledger) RejectNext(action, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rejects[action] = errors.New(reason)
}

func (l *Ledger) enter(ctx context.Context, op string) error {
	l.mu.Lock()
	l.calls[op]++
	hold := l.holds[op]
	err := l.failures[op]
	l.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return &ledger.ReadError{Op: op, Err: fmt.Errorf("%w: %v", ledger.ErrNetwork, err)}
	}
	return nil
}

func missing(op, key string) error {
	return &ledger.ReadError{Op: op, Key: key, Err: ledger.ErrNotFound}
}

func (l *Ledger) GetDeal(ctx context.Context, dealID *big.Int) (ledger.Deal, error) {
	if err := l.enter(ctx, "GetDeal"); err != nil {
		return ledger.Deal{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	deal, ok := l.deals[dealID.String()]
	if !ok {
		return ledger.Deal{}, missing("GetDeal", dealID.String())
	}
	return deal, nil
}

func (l *Ledger) GetDisputeID(ctx context.Context, dealID *big.Int) (*big.Int, error) {
	if err := l.enter(ctx, "GetDisputeID"); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.disputeIDs[dealID.String()]
	if !ok {
		return nil, missing("GetDisputeID", dealID.String())
	}
	return new(big.Int).Set(id), nil
}

func (l *Ledger) GetDispute(ctx context.Context, disputeID *big.Int) (ledger.Dispute, error) {
	if err := l.enter(ctx, "GetDispute"); err != nil {
		return ledger.Dispute{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.disputes[disputeID.String()]
	if !ok {
		return ledger.Dispute{}, missing("GetDispute", disputeID.String())
	}
	return d, nil
}

func (l *Ledger) GetDisputeTimer(ctx context.Context, disputeID *big.Int) (ledger.DisputeTimer, error) {
	if err := l.enter(ctx, "GetDisputeTimer"); err != nil {
		return ledger.DisputeTimer{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.timers[disputeID.String()]
	if !ok {
		return ledger.DisputeTimer{}, missing("GetDisputeTimer", disputeID.String())
	}
	return t, nil
}

func (l *Ledger) GetDisputeFee(ctx context.Context) (ledger.DisputeFee, error) {
	if err := l.enter(ctx, "GetDisputeFee"); err != nil {
		return ledger.DisputeFee{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fee := l.fee
	if fee.Amount == nil {
		fee.Amount = new(uint256.Int)
	}
	return fee, nil
}

func (l *Ledger) GetJurorAddresses(ctx context.Context, disputeID *big.Int) ([]common.Address, error) {
	if err := l.enter(ctx, "GetJurorAddresses"); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]common.Address(nil), l.jurors[disputeID.String()]...), nil
}

func (l *Ledger) GetJurorCandidate(ctx context.Context, disputeID *big.Int, juror common.Address) (ledger.JurorCandidate, error) {
	if err := l.enter(ctx, "GetJurorCandidate"); err != nil {
		return ledger.JurorCandidate{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.candidates[pair(disputeID, juror)]
	if !ok {
		return ledger.JurorCandidate{DisputeID: disputeID, Juror: juror, Status: ledger.CandidateNone}, nil
	}
	return c, nil
}

func (l *Ledger) GetDisputeVote(ctx context.Context, disputeID *big.Int, juror common.Address) (ledger.Vote, error) {
	if err := l.enter(ctx, "GetDisputeVote"); err != nil {
		return ledger.Vote{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.votes[pair(disputeID, juror)]
	if !ok {
		return ledger.Vote{DisputeID: disputeID, Juror: juror, Support: ledger.ZeroAddress}, nil
	}
	return v, nil
}

func (l *Ledger) GetJurorDisputeHistory(ctx context.Context, juror common.Address) ([]*big.Int, error) {
	if err := l.enter(ctx, "GetJurorDisputeHistory"); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*big.Int(nil), l.history[juror]...), nil
}

func (l *Ledger) GetJuror(ctx context.Context, juror common.Address) (ledger.Juror, error) {
	if err := l.enter(ctx, "GetJuror"); err != nil {
		return ledger.Juror{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.profiles[juror]
	if !ok {
		return ledger.Juror{}, missing("GetJuror", juror.Hex())
	}
	return p, nil
}

func (l *Ledger) GetJurorTokenPayment(ctx context.Context, juror, token common.Address) (ledger.TokenPayment, error) {
	if err := l.enter(ctx, "GetJurorTokenPayment"); err != nil {
		return ledger.TokenPayment{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.payments[strings.ToLower(juror.Hex())+"/"+strings.ToLower(token.Hex())]
	if !ok {
		return ledger.TokenPayment{Juror: juror, Token: token, Amount: new(uint256.Int)}, nil
	}
	return p, nil
}

func (l *Ledger) GetEvidence(ctx context.Context, dealID *big.Int, submitter common.Address) ([]ledger.Evidence, error) {
	if err := l.enter(ctx, "GetEvidence"); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ledger.Evidence(nil), l.evidence[pair(dealID, submitter)]...), nil
}

// Watch registers handler for events of kind matching filter.
func (l *Ledger) Watch(_ context.Context, kind ledger.EventKind, filter ledger.Filter, handler ledger.Handler) (ledger.Unwatch, error) {
	if handler == nil {
		return nil, errors.New("ledgertest: handler required")
	}
	l.mu.Lock()
	id := l.nextWatch
	l.nextWatch++
	l.watches[id] = &watch{kind: kind, filter: filter, handler: handler}
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.watches, id)
		l.mu.Unlock()
	}, nil
}

// ActiveWatches returns the number of open watches.
func (l *Ledger) ActiveWatches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.watches)
}

// Emit delivers evt to every matching watch and returns the number of handlers
// invoked. A zero TxHash is filled in so that events are distinct.
func (l *Ledger) Emit(evt ledger.Event) int {
	l.mu.Lock()
	if (evt.TxHash == common.Hash{}) {
		l.nextTx++
		evt.TxHash = common.BigToHash(new(big.Int).SetUint64(l.nextTx))
	}
	var targets []ledger.Handler
	for _, w := range l.watches {
		if w.kind == evt.Kind && matches(w.filter, evt) {
			targets = append(targets, w.handler)
		}
	}
	l.mu.Unlock()
	for _, h := range targets {
		h.HandleEvent(evt)
	}
	return len(targets)
}

// DropWatches reports a lost subscription to every watch implementing
// ledger.LossHandler and removes all watches.
func (l *Ledger) DropWatches(cause error) {
	l.mu.Lock()
	dropped := l.watches
	l.watches = make(map[int]*watch)
	l.mu.Unlock()
	for _, w := range dropped {
		if lh, ok := w.handler.(ledger.LossHandler); ok {
			lh.SubscriptionLost(w.kind, fmt.Errorf("%w: %v", ledger.ErrSubscriptionLost, cause))
		}
	}
}

func matches(f ledger.Filter, evt ledger.Event) bool {
	if (f.Account != common.Address{}) && f.Account != evt.Account {
		return false
	}
	if (f.Spender != common.Address{}) && f.Spender != evt.Spender {
		return false
	}
	if f.DisputeID != nil && f.DisputeID.Sign() != 0 {
		if evt.DisputeID == nil || evt.DisputeID.Cmp(f.DisputeID) != 0 {
			return false
		}
	}
	return true
}

// As returns a Transactor signing as from.
func (l *Ledger) As(from common.Address) *Signer {
	return &Signer{ledger: l, from: from}
}

// Signer applies mutating actions to the in-memory ledger. It does not emit
// events; tests drive events explicitly with Emit.
type Signer struct {
	ledger *Ledger
	from   common.Address
}

func (s *Signer) From() common.Address { return s.from }

func (s *Signer) Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (ledger.Receipt, error) {
	if err := s.ledger.mutate(ctx, "approve"); err != nil {
		return ledger.Receipt{}, err
	}
	return s.ledger.receipt(), nil
}

func (s *Signer) OpenDispute(ctx context.Context, dealID *big.Int) (ledger.Receipt, error) {
	if err := s.ledger.mutate(ctx, "openDispute"); err != nil {
		return ledger.Receipt{}, err
	}
	l := s.ledger
	l.mu.Lock()
	if _, exists := l.disputeIDs[dealID.String()]; exists {
		l.mu.Unlock()
		return ledger.Receipt{}, ledger.Rejected("openDispute", errors.New("execution reverted: dispute already open"))
	}
	l.nextID++
	id := big.NewInt(l.nextID)
	l.disputes[id.String()] = ledger.Dispute{ID: id, DealID: dealID, Initiator: s.from, Fee: l.fee.Amount, FeeToken: l.fee.Token}
	l.disputeIDs[dealID.String()] = id
	l.mu.Unlock()
	return l.receipt(), nil
}

func (s *Signer) CastVote(ctx context.Context, disputeID *big.Int, support common.Address) (ledger.Receipt, error) {
	if err := s.ledger.mutate(ctx, "vote"); err != nil {
		return ledger.Receipt{}, err
	}
	l := s.ledger
	l.mu.Lock()
	key := pair(disputeID, s.from)
	if v, ok := l.votes[key]; ok && v.Support != ledger.ZeroAddress {
		l.mu.Unlock()
		return ledger.Receipt{}, ledger.Rejected("vote", errors.New("execution reverted: juror already voted"))
	}
	l.votes[key] = ledger.Vote{DisputeID: disputeID, Juror: s.from, Support: support}
	l.mu.Unlock()
	return l.receipt(), nil
}

func (l *Ledger) mutate(ctx context.Context, action string) error {
	if err := l.enter(ctx, action); err != nil {
		return ledger.Rejected(action, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err, ok := l.rejects[action]; ok {
		delete(l.rejects, action)
		return ledger.Rejected(action, err)
	}
	return nil
}

func (l *Ledger) receipt() ledger.Receipt {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextTx++
	return ledger.Receipt{
		TxHash:      common.BigToHash(new(big.Int).SetUint64(l.nextTx)),
		BlockNumber: l.nextTx,
		Status:      ledger.SettlementSucceeded,
	}
}

var (
	_ ledger.Gateway    = (*Ledger)(nil)
	_ ledger.Subscriber = (*Ledger)(nil)
	_ ledger.Transactor = (*Signer)(nil)
)
