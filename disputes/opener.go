package disputes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"jurywatch/ledger"
	"jurywatch/observability"
	"jurywatch/storage"
)

// ErrNotSigner is returned when a session's initiator is not the signing
// account.
var ErrNotSigner = errors.New("disputes: session initiator is not the signer")

// Opener drives the initiator side of opening a dispute: approve the fee,
// then open the dispute. Progress is observed through the session's watches.
type Opener struct {
	gateway   ledger.Gateway
	tx        ledger.Transactor
	contracts ledger.Contracts
	reads     *Reads
	rec       recorder
}

// OpenerOption customises an Opener.
type OpenerOption func(*Opener)

// WithOpenerJournal records every step in journal.
func WithOpenerJournal(journal Journal) OpenerOption {
	return func(o *Opener) { o.rec.journal = journal }
}

// WithOpenerLogger sets the logger.
func WithOpenerLogger(logger *slog.Logger) OpenerOption {
	return func(o *Opener) {
		if logger != nil {
			o.rec.logger = logger
		}
	}
}

// WithOpenerMetrics overrides the metrics registry.
func WithOpenerMetrics(metrics *observability.OrchestratorMetrics) OpenerOption {
	return func(o *Opener) { o.rec.metrics = metrics }
}

// WithOpenerReads invalidates the deal's dispute reads once a dispute opens.
func WithOpenerReads(reads *Reads) OpenerOption {
	return func(o *Opener) { o.reads = reads }
}

// NewOpener constructs an opener signing with tx.
func NewOpener(gateway ledger.Gateway, tx ledger.Transactor, contracts ledger.Contracts, opts ...OpenerOption) (*Opener, error) {
	if gateway == nil {
		return nil, fmt.Errorf("disputes: gateway required")
	}
	if tx == nil {
		return nil, fmt.Errorf("disputes: transactor required")
	}
	o := &Opener{
		gateway:   gateway,
		tx:        tx,
		contracts: contracts,
		rec: recorder{
			logger:  slog.Default(),
			metrics: observability.Orchestrator(),
			now:     time.Now,
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// OpenDispute approves the current dispute fee for the disputes contract and
// opens a dispute on the session's deal. Each step runs through
// Session.Track, so a failure is surfaced on the session without moving its
// stage. The session must belong to the signing account.
func (o *Opener) OpenDispute(ctx context.Context, s *Session) error {
	req := s.Request()
	if req.Initiator != o.tx.From() {
		return fmt.Errorf("%w: initiator %s, signer %s", ErrNotSigner, req.Initiator.Hex(), o.tx.From().Hex())
	}
	fee, err := o.gateway.GetDisputeFee(ctx)
	if err != nil {
		return fmt.Errorf("disputes: read dispute fee: %w", err)
	}

	base := storage.Mutation{
		SessionID: s.ID(),
		DealID:    req.DealID.String(),
		Caller:    req.Initiator.Hex(),
	}
	if fee.Amount != nil && !fee.Amount.IsZero() {
		err := s.Track(ctx, "approve", func(ctx context.Context) error {
			started := o.rec.now()
			receipt, err := o.tx.Approve(ctx, fee.Token, o.contracts.Disputes, fee.Amount.ToBig())
			m := base
			m.Action = "approve"
			o.rec.record(ctx, m, receipt, err, started)
			return err
		})
		if err != nil {
			return err
		}
	}

	return s.Track(ctx, "openDispute", func(ctx context.Context) error {
		started := o.rec.now()
		receipt, err := o.tx.OpenDispute(ctx, req.DealID)
		m := base
		m.Action = "openDispute"
		o.rec.record(ctx, m, receipt, err, started)
		if err == nil && o.reads != nil {
			o.reads.Cache().Invalidate(QueryDisputeID, req.DealID)
			o.reads.Cache().Invalidate(QueryDeal, req.DealID)
		}
		return err
	})
}
