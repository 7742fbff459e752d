package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"jurywatch/observability"
)

// CallBackend is the subset of the Ethereum RPC used for contract reads.
type CallBackend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Dial opens an Ethereum RPC client for endpoint. Websocket endpoints also
// support log subscriptions.
func Dial(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("ledger: rpc endpoint required")
	}
	return ethclient.DialContext(ctx, trimmed)
}

// GatewayOption customises an EVMGateway.
type GatewayOption func(*EVMGateway)

// WithReadLimit throttles reads to perSecond with the supplied burst.
// A non-positive rate disables throttling.
func WithReadLimit(perSecond float64, burst int) GatewayOption {
	return func(g *EVMGateway) {
		if perSecond <= 0 {
			g.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithGatewayLogger sets the logger used for read failures.
func WithGatewayLogger(logger *slog.Logger) GatewayOption {
	return func(g *EVMGateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithGatewayMetrics overrides the metrics registry.
func WithGatewayMetrics(m *observability.OrchestratorMetrics) GatewayOption {
	return func(g *EVMGateway) { g.metrics = m }
}

// EVMGateway implements Gateway with eth_call against the ledger contracts.
type EVMGateway struct {
	backend   CallBackend
	contracts Contracts
	abis      *ABIs
	limiter   *rate.Limiter
	tracer    trace.Tracer
	logger    *slog.Logger
	metrics   *observability.OrchestratorMetrics
}

// NewEVMGateway constructs a gateway reading from backend.
func NewEVMGateway(backend CallBackend, contracts Contracts, opts ...GatewayOption) (*EVMGateway, error) {
	if backend == nil {
		return nil, fmt.Errorf("ledger: call backend required")
	}
	if (contracts.Escrow == common.Address{}) || (contracts.Disputes == common.Address{}) || (contracts.Jurors == common.Address{}) {
		return nil, fmt.Errorf("ledger: escrow, disputes and jurors contract addresses required")
	}
	abis, err := ContractABIs()
	if err != nil {
		return nil, err
	}
	g := &EVMGateway{
		backend:   backend,
		contracts: contracts,
		abis:      abis,
		tracer:    otel.Tracer("jurywatch/ledger"),
		logger:    slog.Default(),
		metrics:   observability.Orchestrator(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *EVMGateway) call(ctx context.Context, op, key string, contract common.Address, parsed abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	ctx, span := g.tracer.Start(ctx, "ledger."+op, trace.WithAttributes(
		attribute.String("ledger.method", method),
		attribute.String("ledger.key", key),
	))
	defer span.End()
	start := time.Now()
	defer func() { g.metrics.ObserveLedgerRead(op, time.Since(start)) }()

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, networkError(op, key, err)
		}
	}
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: pack %s: %w", method, err)
	}
	out, err := g.backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ethereum.NotFound) {
			return nil, notFound(op, key)
		}
		g.logger.Warn("ledger read failed", "op", op, "key", key, "error", err)
		return nil, networkError(op, key, err)
	}
	if len(out) == 0 {
		return nil, notFound(op, key)
	}
	values, err := parsed.Unpack(method, out)
	if err != nil {
		span.RecordError(err)
		return nil, networkError(op, key, fmt.Errorf("unpack %s: %w", method, err))
	}
	return values, nil
}

func (g *EVMGateway) GetDeal(ctx context.Context, dealID *big.Int) (Deal, error) {
	key := bigOrZero(dealID).String()
	out, err := g.call(ctx, "getDeal", key, g.contracts.Escrow, g.abis.Escrow, "getDeal", bigOrZero(dealID))
	if err != nil {
		return Deal{}, err
	}
	r := newReader("getDeal", out)
	deal := Deal{
		ID:          r.bigInt(),
		Sender:      r.address(),
		Receiver:    r.address(),
		Token:       r.address(),
		Amount:      toUint256(r.bigInt()),
		Status:      DealStatus(r.u8()),
		Description: r.text(),
	}
	if err := r.err(); err != nil {
		return Deal{}, networkError("getDeal", key, err)
	}
	if deal.ID.Sign() == 0 {
		return Deal{}, notFound("getDeal", key)
	}
	return deal, nil
}

func (g *EVMGateway) GetDisputeID(ctx context.Context, dealID *big.Int) (*big.Int, error) {
	key := bigOrZero(dealID).String()
	out, err := g.call(ctx, "getDisputeId", key, g.contracts.Disputes, g.abis.Disputes, "dealDisputeId", bigOrZero(dealID))
	if err != nil {
		return nil, err
	}
	r := newReader("dealDisputeId", out)
	id := r.bigInt()
	if err := r.err(); err != nil {
		return nil, networkError("getDisputeId", key, err)
	}
	if id.Sign() == 0 {
		return nil, notFound("getDisputeId", key)
	}
	return id, nil
}

func (g *EVMGateway) GetDispute(ctx context.Context, disputeID *big.Int) (Dispute, error) {
	key := bigOrZero(disputeID).String()
	out, err := g.call(ctx, "getDispute", key, g.contracts.Disputes, g.abis.Disputes, "getDispute", bigOrZero(disputeID))
	if err != nil {
		return Dispute{}, err
	}
	r := newReader("getDispute", out)
	dispute := Dispute{
		ID:        r.bigInt(),
		DealID:    r.bigInt(),
		Initiator: r.address(),
		Fee:       toUint256(r.bigInt()),
		FeeToken:  r.address(),
		Winner:    r.address(),
	}
	if err := r.err(); err != nil {
		return Dispute{}, networkError("getDispute", key, err)
	}
	if dispute.ID.Sign() == 0 {
		return Dispute{}, notFound("getDispute", key)
	}
	return dispute, nil
}

func (g *EVMGateway) GetDisputeTimer(ctx context.Context, disputeID *big.Int) (DisputeTimer, error) {
	key := bigOrZero(disputeID).String()
	out, err := g.call(ctx, "getDisputeTimer", key, g.contracts.Disputes, g.abis.Disputes, "disputeTimer", bigOrZero(disputeID))
	if err != nil {
		return DisputeTimer{}, err
	}
	r := newReader("disputeTimer", out)
	timer := DisputeTimer{
		DisputeID:         new(big.Int).Set(bigOrZero(disputeID)),
		Start:             r.u64(),
		StandardDuration:  r.u64(),
		ExtensionDuration: r.u64(),
	}
	if err := r.err(); err != nil {
		return DisputeTimer{}, networkError("getDisputeTimer", key, err)
	}
	if timer.Start == 0 {
		return DisputeTimer{}, notFound("getDisputeTimer", key)
	}
	return timer, nil
}

func (g *EVMGateway) GetDisputeFee(ctx context.Context) (DisputeFee, error) {
	out, err := g.call(ctx, "getDisputeFee", "", g.contracts.Disputes, g.abis.Disputes, "disputeFee")
	if err != nil {
		return DisputeFee{}, err
	}
	r := newReader("disputeFee", out)
	fee := DisputeFee{Token: r.address(), Amount: toUint256(r.bigInt())}
	if err := r.err(); err != nil {
		return DisputeFee{}, networkError("getDisputeFee", "", err)
	}
	return fee, nil
}

func (g *EVMGateway) GetJurorAddresses(ctx context.Context, disputeID *big.Int) ([]common.Address, error) {
	key := bigOrZero(disputeID).String()
	out, err := g.call(ctx, "getJurorAddresses", key, g.contracts.Disputes, g.abis.Disputes, "getJurors", bigOrZero(disputeID))
	if err != nil {
		return nil, err
	}
	r := newReader("getJurors", out)
	jurors := r.addresses()
	if err := r.err(); err != nil {
		return nil, networkError("getJurorAddresses", key, err)
	}
	return jurors, nil
}

func (g *EVMGateway) GetJurorCandidate(ctx context.Context, disputeID *big.Int, juror common.Address) (JurorCandidate, error) {
	key := pairKey(disputeID, juror)
	out, err := g.call(ctx, "getJurorCandidate", key, g.contracts.Disputes, g.abis.Disputes, "jurorCandidate", bigOrZero(disputeID), juror)
	if err != nil {
		return JurorCandidate{}, err
	}
	r := newReader("jurorCandidate", out)
	candidate := JurorCandidate{
		DisputeID: new(big.Int).Set(bigOrZero(disputeID)),
		Juror:     juror,
		Status:    CandidateStatus(r.u8()),
	}
	if err := r.err(); err != nil {
		return JurorCandidate{}, networkError("getJurorCandidate", key, err)
	}
	return candidate, nil
}

func (g *EVMGateway) GetDisputeVote(ctx context.Context, disputeID *big.Int, juror common.Address) (Vote, error) {
	key := pairKey(disputeID, juror)
	out, err := g.call(ctx, "getDisputeVote", key, g.contracts.Disputes, g.abis.Disputes, "disputeVote", bigOrZero(disputeID), juror)
	if err != nil {
		return Vote{}, err
	}
	r := newReader("disputeVote", out)
	vote := Vote{
		DisputeID: new(big.Int).Set(bigOrZero(disputeID)),
		Juror:     juror,
		Support:   r.address(),
	}
	if err := r.err(); err != nil {
		return Vote{}, networkError("getDisputeVote", key, err)
	}
	return vote, nil
}

func (g *EVMGateway) GetJurorDisputeHistory(ctx context.Context, juror common.Address) ([]*big.Int, error) {
	key := juror.Hex()
	out, err := g.call(ctx, "getJurorDisputeHistory", key, g.contracts.Jurors, g.abis.Jurors, "jurorDisputeHistory", juror)
	if err != nil {
		return nil, err
	}
	r := newReader("jurorDisputeHistory", out)
	ids := r.bigInts()
	if err := r.err(); err != nil {
		return nil, networkError("getJurorDisputeHistory", key, err)
	}
	return ids, nil
}

func (g *EVMGateway) GetJuror(ctx context.Context, juror common.Address) (Juror, error) {
	key := juror.Hex()
	out, err := g.call(ctx, "getJuror", key, g.contracts.Jurors, g.abis.Jurors, "getJuror", juror)
	if err != nil {
		return Juror{}, err
	}
	r := newReader("getJuror", out)
	profile := Juror{
		Address:     juror,
		Stake:       toUint256(r.bigInt()),
		Reputation:  r.u64(),
		MissedVotes: r.u64(),
		Active:      r.boolean(),
	}
	if err := r.err(); err != nil {
		return Juror{}, networkError("getJuror", key, err)
	}
	return profile, nil
}

func (g *EVMGateway) GetJurorTokenPayment(ctx context.Context, juror, token common.Address) (TokenPayment, error) {
	key := juror.Hex() + "/" + token.Hex()
	out, err := g.call(ctx, "getJurorTokenPayment", key, g.contracts.Jurors, g.abis.Jurors, "jurorTokenPayment", juror, token)
	if err != nil {
		return TokenPayment{}, err
	}
	r := newReader("jurorTokenPayment", out)
	payment := TokenPayment{Juror: juror, Token: token, Amount: toUint256(r.bigInt())}
	if err := r.err(); err != nil {
		return TokenPayment{}, networkError("getJurorTokenPayment", key, err)
	}
	return payment, nil
}

func (g *EVMGateway) GetEvidence(ctx context.Context, dealID *big.Int, submitter common.Address) ([]Evidence, error) {
	key := pairKey(dealID, submitter)
	out, err := g.call(ctx, "getEvidence", key, g.contracts.Escrow, g.abis.Escrow, "evidenceCount", bigOrZero(dealID), submitter)
	if err != nil {
		return nil, err
	}
	r := newReader("evidenceCount", out)
	count := r.bigInt()
	if err := r.err(); err != nil {
		return nil, networkError("getEvidence", key, err)
	}
	if !count.IsUint64() {
		return nil, networkError("getEvidence", key, fmt.Errorf("evidence count %s out of range", count))
	}
	items := make([]Evidence, 0, count.Uint64())
	for i := uint64(0); i < count.Uint64(); i++ {
		out, err := g.call(ctx, "getEvidence", key, g.contracts.Escrow, g.abis.Escrow, "evidence", bigOrZero(dealID), submitter, new(big.Int).SetUint64(i))
		if err != nil {
			return nil, err
		}
		r := newReader("evidence", out)
		item := Evidence{
			DealID:      new(big.Int).Set(bigOrZero(dealID)),
			Submitter:   submitter,
			URI:         r.text(),
			Kind:        r.text(),
			Description: r.text(),
			Timestamp:   r.u64(),
		}
		if err := r.err(); err != nil {
			return nil, networkError("getEvidence", key, err)
		}
		items = append(items, item)
	}
	return items, nil
}

func pairKey(id *big.Int, account common.Address) string {
	return bigOrZero(id).String() + "/" + account.Hex()
}

// outputReader walks unpacked ABI outputs in order, recording the first type
// mismatch instead of panicking.
type outputReader struct {
	method string
	values []interface{}
	pos    int
	failed error
}

func newReader(method string, values []interface{}) *outputReader {
	return &outputReader{method: method, values: values}
}

func (r *outputReader) next() (interface{}, bool) {
	if r.failed != nil {
		return nil, false
	}
	if r.pos >= len(r.values) {
		r.failed = fmt.Errorf("%s: missing output %d", r.method, r.pos)
		return nil, false
	}
	v := r.values[r.pos]
	r.pos++
	return v, true
}

func (r *outputReader) mismatch(want string, got interface{}) {
	r.failed = fmt.Errorf("%s: output %d: want %s, got %T", r.method, r.pos-1, want, got)
}

func (r *outputReader) bigInt() *big.Int {
	v, ok := r.next()
	if !ok {
		return new(big.Int)
	}
	n, ok := v.(*big.Int)
	if !ok {
		r.mismatch("*big.Int", v)
		return new(big.Int)
	}
	return n
}

func (r *outputReader) bigInts() []*big.Int {
	v, ok := r.next()
	if !ok {
		return nil
	}
	n, ok := v.([]*big.Int)
	if !ok {
		r.mismatch("[]*big.Int", v)
		return nil
	}
	return n
}

func (r *outputReader) address() common.Address {
	v, ok := r.next()
	if !ok {
		return common.Address{}
	}
	a, ok := v.(common.Address)
	if !ok {
		r.mismatch("common.Address", v)
		return common.Address{}
	}
	return a
}

func (r *outputReader) addresses() []common.Address {
	v, ok := r.next()
	if !ok {
		return nil
	}
	a, ok := v.([]common.Address)
	if !ok {
		r.mismatch("[]common.Address", v)
		return nil
	}
	return a
}

func (r *outputReader) u8() uint8 {
	v, ok := r.next()
	if !ok {
		return 0
	}
	n, ok := v.(uint8)
	if !ok {
		r.mismatch("uint8", v)
		return 0
	}
	return n
}

func (r *outputReader) u64() uint64 {
	v, ok := r.next()
	if !ok {
		return 0
	}
	n, ok := v.(uint64)
	if !ok {
		r.mismatch("uint64", v)
		return 0
	}
	return n
}

func (r *outputReader) text() string {
	v, ok := r.next()
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		r.mismatch("string", v)
		return ""
	}
	return s
}

func (r *outputReader) boolean() bool {
	v, ok := r.next()
	if !ok {
		return false
	}
	b, ok := v.(bool)
	if !ok {
		r.mismatch("bool", v)
		return false
	}
	return b
}

func (r *outputReader) err() error { return r.failed }
