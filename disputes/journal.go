package disputes

import (
	"context"
	"log/slog"
	"time"

	"jurywatch/ledger"
	"jurywatch/observability"
	"jurywatch/storage"
)

// Journal records the outcome of mutating actions.
type Journal interface {
	RecordMutation(ctx context.Context, m storage.Mutation) error
}

// recorder reports a finished mutating action to the journal, metrics and log.
// Journal failures are logged and never override the action's own result.
type recorder struct {
	journal Journal
	logger  *slog.Logger
	metrics *observability.OrchestratorMetrics
	now     func() time.Time
}

func (r recorder) record(ctx context.Context, m storage.Mutation, receipt ledger.Receipt, err error, started time.Time) {
	switch {
	case err != nil:
		m.Outcome = storage.OutcomeRejected
		m.Reason = err.Error()
		r.logger.Warn("mutation rejected", "action", m.Action, "caller", m.Caller, "reason", m.Reason)
	case m.Outcome == "":
		m.Outcome = storage.OutcomeSettled
		m.TxHash = receipt.TxHash.Hex()
		r.logger.Info("mutation settled", "action", m.Action, "caller", m.Caller, "tx", m.TxHash)
	}
	r.metrics.ObserveMutation(m.Action, m.Outcome, r.now().Sub(started))
	if r.journal == nil {
		return
	}
	// Recording must survive a caller that has already gone away.
	if jerr := r.journal.RecordMutation(context.WithoutCancel(ctx), m); jerr != nil {
		r.logger.Error("record mutation", "action", m.Action, "error", jerr)
	}
}
