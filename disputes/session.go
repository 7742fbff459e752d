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
	"github.com/google/uuid"

	"jurywatch/ledger"
	"jurywatch/observability"
)

// ErrSessionClosed is returned when acting on a closed observation session.
var ErrSessionClosed = errors.New("disputes: session closed")

// inboxSize bounds events queued between the subscriber and the session loop.
const inboxSize = 64

// Snapshot is the presentation view of an observation session.
type Snapshot struct {
	SessionID        string         `json:"sessionId"`
	Initiator        common.Address `json:"initiator"`
	DealID           *big.Int       `json:"dealId"`
	DisputeID        *big.Int       `json:"disputeId,omitempty"`
	Stage            Stage          `json:"stage"`
	StageIndex       int            `json:"stageIndex"`
	ResultReady      bool           `json:"resultReady"`
	Pending          string         `json:"pending,omitempty"`
	Error            string         `json:"error,omitempty"`
	SubscriptionLost bool           `json:"subscriptionLost"`
	Closed           bool           `json:"closed"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// Session observes one dispute-opening flow. Events from the subscriber are
// queued on an inbox and applied to a Machine by a single loop goroutine.
type Session struct {
	id      string
	request SessionRequest
	machine *Machine
	inbox   chan ledger.Event
	done    chan struct{}
	stopped chan struct{}
	cancel  context.CancelFunc
	ctx     context.Context
	logger  *slog.Logger
	metrics *observability.OrchestratorMetrics
	now     func() time.Time

	closeOnce sync.Once
	unwatch   []ledger.Unwatch

	mu      sync.RWMutex
	snap    Snapshot
	subs    map[int]chan Snapshot
	nextSub int
}

func newSession(req SessionRequest, logger *slog.Logger, metrics *observability.OrchestratorMetrics, now func() time.Time) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	s := &Session{
		id:      id,
		request: req,
		machine: NewMachine(req.Initiator, req.DealID, req.DisputeID),
		inbox:   make(chan ledger.Event, inboxSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger.With("session", id),
		metrics: metrics,
		now:     now,
		subs:    make(map[int]chan Snapshot),
	}
	s.snap = Snapshot{
		SessionID: id,
		Initiator: req.Initiator,
		DealID:    copyID(req.DealID),
		DisputeID: copyID(req.DisputeID),
		Stage:     StageAwaitingApproval,
		UpdatedAt: now(),
	}
	metrics.SessionOpened()
	go s.run()
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Request returns the parameters the session was opened with.
func (s *Session) Request() SessionRequest { return s.request }

// Snapshot returns the current view.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// HandleEvent queues evt for the session loop. Events arriving after Close are
// dropped.
func (s *Session) HandleEvent(evt ledger.Event) {
	select {
	case s.inbox <- evt:
	case <-s.done:
	}
}

// SubscriptionLost marks the session as no longer receiving events of kind.
// The watch is not re-established; the stage stays at its last value.
func (s *Session) SubscriptionLost(kind ledger.EventKind, err error) {
	s.logger.Warn("session watch lost", "event", string(kind), "error", err)
	s.update(func(snap *Snapshot) { snap.SubscriptionLost = true })
}

func (s *Session) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			return
		case evt := <-s.inbox:
			stage, changed := s.machine.Apply(evt)
			disputeID := s.machine.DisputeID()
			if !changed {
				s.update(func(snap *Snapshot) {
					if snap.DisputeID == nil {
						snap.DisputeID = disputeID
					}
				})
				continue
			}
			s.metrics.StageAdvanced(stage.String())
			s.logger.Info("session stage advanced", "stage", stage.String(), "event", string(evt.Kind), "tx", evt.TxHash.Hex())
			s.update(func(snap *Snapshot) {
				snap.Stage = stage
				snap.StageIndex = int(stage)
				snap.ResultReady = stage.Terminal()
				snap.DisputeID = disputeID
			})
		}
	}
}

// Track runs a mutating action on behalf of the session. A failure is surfaced
// on the snapshot and returned; the stage is never changed by Track, only by
// the ledger events the action produces.
func (s *Session) Track(ctx context.Context, action string, fn func(context.Context) error) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	s.update(func(snap *Snapshot) {
		snap.Pending = action
		snap.Error = ""
	})
	err := fn(ctx)
	s.update(func(snap *Snapshot) {
		snap.Pending = ""
		if err != nil {
			snap.Error = err.Error()
		}
	})
	if err != nil {
		s.logger.Warn("session action failed", "action", action, "reason", err.Error())
	}
	return err
}

func (s *Session) update(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.snap
	fn(&s.snap)
	if s.snap == before {
		return
	}
	s.snap.UpdatedAt = s.now()
	s.publishLocked()
}

func (s *Session) publishLocked() {
	for _, ch := range s.subs {
		// Latest snapshot wins for slow subscribers.
		select {
		case <-ch:
		default:
		}
		ch <- s.snap
	}
}

// Subscribe returns a channel receiving the current snapshot followed by every
// change. Slow readers only see the latest snapshot. The channel is closed when
// the session ends or cancel is called.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Snapshot, 1)
	ch <- s.snap
	if s.snap.Closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
}

// Close tears down every watch and ends the session. It is safe to call more
// than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		for _, unwatch := range s.unwatch {
			unwatch()
		}
		s.cancel()
		close(s.done)
		<-s.stopped
		s.mu.Lock()
		s.snap.Closed = true
		s.snap.Pending = ""
		s.snap.UpdatedAt = s.now()
		s.publishLocked()
		for id, ch := range s.subs {
			delete(s.subs, id)
			close(ch)
		}
		s.mu.Unlock()
		s.metrics.SessionClosed()
		s.logger.Info("session closed")
	})
}

// SessionRequest opens an observation session.
type SessionRequest struct {
	Initiator common.Address `json:"initiator"`
	DealID    *big.Int       `json:"dealId"`
	// DisputeID is set when observing a dispute that is already open.
	DisputeID *big.Int `json:"disputeId,omitempty"`
	// FeeToken is the token approved for the dispute fee. When zero the manager
	// reads it from the ledger.
	FeeToken common.Address `json:"feeToken,omitempty"`
}

func (r SessionRequest) key() string {
	return r.Initiator.Hex() + "/" + r.DealID.String()
}

// SessionManager owns the active observation sessions, one per initiator and
// deal. Reopening a session replaces the previous one, which restarts at
// StageAwaitingApproval.
type SessionManager struct {
	subscriber ledger.Subscriber
	gateway    ledger.Gateway
	contracts  ledger.Contracts
	logger     *slog.Logger
	metrics    *observability.OrchestratorMetrics
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	byKey    map[string]string
}

// ManagerOption customises a SessionManager.
type ManagerOption func(*SessionManager)

// WithManagerLogger sets the logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *SessionManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithManagerMetrics overrides the metrics registry.
func WithManagerMetrics(metrics *observability.OrchestratorMetrics) ManagerOption {
	return func(m *SessionManager) { m.metrics = metrics }
}

// WithManagerClock sets the clock used for snapshot timestamps.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *SessionManager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewSessionManager constructs a manager. The gateway is used to look up the
// dispute fee token when a request does not name one.
func NewSessionManager(subscriber ledger.Subscriber, gateway ledger.Gateway, contracts ledger.Contracts, opts ...ManagerOption) (*SessionManager, error) {
	if subscriber == nil {
		return nil, fmt.Errorf("disputes: subscriber required")
	}
	m := &SessionManager{
		subscriber: subscriber,
		gateway:    gateway,
		contracts:  contracts,
		logger:     slog.Default(),
		metrics:    observability.Orchestrator(),
		now:        time.Now,
		sessions:   make(map[string]*Session),
		byKey:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Open starts a session for req and opens its watches: approvals of the fee
// token by the initiator, disputes opened by the initiator, and the
// dispute-scoped randomness and juror selection events.
func (m *SessionManager) Open(ctx context.Context, req SessionRequest) (*Session, error) {
	if req.Initiator == ledger.ZeroAddress {
		return nil, fmt.Errorf("disputes: initiator required")
	}
	if req.DealID == nil || req.DealID.Sign() <= 0 {
		return nil, fmt.Errorf("disputes: deal id required")
	}
	if req.FeeToken == ledger.ZeroAddress && m.gateway != nil {
		fee, err := m.gateway.GetDisputeFee(ctx)
		if err != nil {
			return nil, fmt.Errorf("disputes: read dispute fee: %w", err)
		}
		req.FeeToken = fee.Token
	}

	m.mu.Lock()
	previous := m.detachLocked(req.key())
	m.mu.Unlock()
	if previous != nil {
		previous.Close()
	}

	s := newSession(req, m.logger, m.metrics, m.now)
	if err := m.watch(s); err != nil {
		s.Close()
		return nil, err
	}

	m.mu.Lock()
	displaced := m.detachLocked(req.key())
	m.sessions[s.id] = s
	m.byKey[req.key()] = s.id
	m.mu.Unlock()
	if displaced != nil {
		displaced.Close()
	}
	s.logger.Info("session opened", "initiator", req.Initiator.Hex(), "deal", req.DealID.String())
	return s, nil
}

func (m *SessionManager) watch(s *Session) error {
	req := s.request
	type watchReq struct {
		kind   ledger.EventKind
		filter ledger.Filter
	}
	watches := []watchReq{
		{ledger.EventDisputeOpened, ledger.Filter{Account: req.Initiator}},
		{ledger.EventRequestSent, ledger.Filter{DisputeID: req.DisputeID}},
		{ledger.EventRequestFulfilled, ledger.Filter{DisputeID: req.DisputeID}},
		{ledger.EventJurorsSelected, ledger.Filter{DisputeID: req.DisputeID}},
	}
	if req.FeeToken != ledger.ZeroAddress {
		watches = append([]watchReq{{ledger.EventApproval, ledger.Filter{
			Account: req.Initiator,
			Token:   req.FeeToken,
			Spender: m.contracts.Disputes,
		}}}, watches...)
	}
	for _, sp := range watches {
		unwatch, err := m.subscriber.Watch(s.ctx, sp.kind, sp.filter, s)
		if err != nil {
			return fmt.Errorf("disputes: watch %s: %w", sp.kind, err)
		}
		s.unwatch = append(s.unwatch, unwatch)
	}
	return nil
}

func (m *SessionManager) detachLocked(key string) *Session {
	id, ok := m.byKey[key]
	if !ok {
		return nil
	}
	delete(m.byKey, key)
	s := m.sessions[id]
	delete(m.sessions, id)
	return s
}

// Get returns an active session.
func (m *SessionManager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close ends the session with id. It reports whether the session existed.
func (m *SessionManager) Close(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		if m.byKey[s.request.key()] == id {
			delete(m.byKey, s.request.key())
		}
	}
	m.mu.Unlock()
	if ok {
		s.Close()
	}
	return ok
}

// CloseAll ends every session.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.byKey = make(map[string]string)
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

// Len returns the number of active sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
