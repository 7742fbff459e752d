package disputes

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"

	"jurywatch/ledger"
	"jurywatch/querycache"
)

// ErrNoDispute is returned when a deal has no dispute.
var ErrNoDispute = errors.New("disputes: deal has no dispute")

// JurorRow is one selected juror of a dispute. A failed read is reported on the
// row without affecting the other rows.
type JurorRow struct {
	Juror     common.Address         `json:"juror"`
	Candidate *ledger.JurorCandidate `json:"candidate,omitempty"`
	Vote      *ledger.Vote           `json:"vote,omitempty"`
	HasVoted  bool                   `json:"hasVoted"`
	Error     string                 `json:"error,omitempty"`
}

// DisputeView aggregates everything shown for the dispute on a deal. Derived
// fields are recomputed on every call.
type DisputeView struct {
	Deal          ledger.Deal          `json:"deal"`
	Dispute       ledger.Dispute       `json:"dispute"`
	OpposingParty common.Address       `json:"opposingParty"`
	Active        bool                 `json:"active"`
	Timer         *ledger.DisputeTimer `json:"timer,omitempty"`
	TimerError    string               `json:"timerError,omitempty"`

	// RemainingMillis and Remaining are only set with a timer.
	RemainingMillis int64  `json:"remainingMillis"`
	Remaining       string `json:"remaining,omitempty"`

	Viewer         common.Address `json:"viewer,omitempty"`
	ViewerVote     *ledger.Vote   `json:"viewerVote,omitempty"`
	ViewerHasVoted bool           `json:"viewerHasVoted"`
	ViewerWon      bool           `json:"viewerWon"`

	Jurors        []JurorRow        `json:"jurors"`
	JurorsError   string            `json:"jurorsError,omitempty"`
	Evidence      []ledger.Evidence `json:"evidence"`
	EvidenceError string            `json:"evidenceError,omitempty"`
}

// DisputeForDeal reads the dispute opened against dealID: deal, dispute id,
// then dispute, timer and jurors, then each juror's candidate record and vote.
// viewer, when non-zero, also gets their own vote and outcome.
func (r *Reads) DisputeForDeal(ctx context.Context, dealID *big.Int, viewer common.Address) (DisputeView, error) {
	if dealID == nil || dealID.Sign() <= 0 {
		return DisputeView{}, fmt.Errorf("disputes: deal id required")
	}
	dealQ := r.Deal(dealID)
	idQ := r.DisputeIDForDeal(dealID)
	disputeQ := r.Dispute(idQ)
	timerQ := r.DisputeTimer(idQ)
	jurorsQ := r.JurorAddresses(idQ)

	var (
		view      DisputeView
		jurors    []common.Address
		timerErr  error
		jurorsErr error
		g, gctx   = errgroup.WithContext(ctx)
	)
	g.Go(func() error {
		deal, err := querycache.Get[ledger.Deal](gctx, dealQ)
		view.Deal = deal
		return err
	})
	g.Go(func() error {
		dispute, err := querycache.Get[ledger.Dispute](gctx, disputeQ)
		if errors.Is(err, querycache.ErrNotEnabled) && !errors.Is(err, ledger.ErrNetwork) && ctx.Err() == nil {
			// The dispute id read came back missing or zero.
			return fmt.Errorf("%w: %w", ErrNoDispute, err)
		}
		if err != nil {
			return err
		}
		view.Dispute = dispute
		return nil
	})
	g.Go(func() error {
		timer, err := querycache.Get[ledger.DisputeTimer](gctx, timerQ)
		if err != nil {
			timerErr = err
			return nil
		}
		view.Timer = &timer
		return nil
	})
	g.Go(func() error {
		jurors, jurorsErr = querycache.Get[[]common.Address](gctx, jurorsQ)
		return nil
	})
	if err := g.Wait(); err != nil {
		return DisputeView{}, err
	}

	if timerErr != nil {
		view.TimerError = timerErr.Error()
	}
	// An empty juror list is not a failure: selection has not happened yet.
	if jurorsErr != nil && !errors.Is(jurorsErr, querycache.ErrNotEnabled) {
		view.JurorsError = jurorsErr.Error()
	}
	disputeID := view.Dispute.ID
	view.OpposingParty = view.Deal.Counterparty(view.Dispute.Initiator)
	view.Viewer = viewer

	var wg sync.WaitGroup
	view.Jurors = make([]JurorRow, len(jurors))
	for i, juror := range jurors {
		i, juror := i, juror
		wg.Add(1)
		go func() {
			defer wg.Done()
			view.Jurors[i] = r.jurorRow(ctx, disputeID, juror)
		}()
	}
	var viewerVote *ledger.Vote
	if viewer != ledger.ZeroAddress {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if vote, err := querycache.Get[ledger.Vote](ctx, r.DisputeVote(disputeID, viewer)); err == nil {
				viewerVote = &vote
			}
		}()
	}
	var evidenceErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		view.Evidence, evidenceErr = r.partyEvidence(ctx, view.Deal)
	}()
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return DisputeView{}, err
	}
	if evidenceErr != nil {
		view.EvidenceError = evidenceErr.Error()
	}

	view.ViewerVote = viewerVote
	r.derive(&view)
	return view, nil
}

func (r *Reads) jurorRow(ctx context.Context, disputeID *big.Int, juror common.Address) JurorRow {
	row := JurorRow{Juror: juror}
	var errs []error
	if c, err := querycache.Get[ledger.JurorCandidate](ctx, r.JurorCandidate(disputeID, juror)); err == nil {
		row.Candidate = &c
	} else {
		errs = append(errs, err)
	}
	if v, err := querycache.Get[ledger.Vote](ctx, r.DisputeVote(disputeID, juror)); err == nil {
		row.Vote = &v
	} else {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		row.Error = err.Error()
	}
	return row
}

func (r *Reads) partyEvidence(ctx context.Context, deal ledger.Deal) ([]ledger.Evidence, error) {
	var (
		out  []ledger.Evidence
		errs []error
	)
	for _, party := range []common.Address{deal.Sender, deal.Receiver} {
		if party == ledger.ZeroAddress {
			continue
		}
		items, err := querycache.Get[[]ledger.Evidence](ctx, r.Evidence(deal.ID, party))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, items...)
	}
	return out, errors.Join(errs...)
}

// derive recomputes the presentation facts of view from its records.
func (r *Reads) derive(view *DisputeView) {
	view.Active = IsActive(view.Dispute)
	if view.Timer != nil {
		view.RemainingMillis = RemainingMillis(r.now().UnixMilli(), *view.Timer)
		view.Remaining = FormatRemaining(Remaining(r.now(), *view.Timer))
	}
	for i := range view.Jurors {
		if v := view.Jurors[i].Vote; v != nil {
			view.Jurors[i].HasVoted = HasVotedAlready(*v)
		}
	}
	if view.ViewerVote != nil {
		view.ViewerHasVoted = HasVotedAlready(*view.ViewerVote)
		view.ViewerWon = HasWon(*view.ViewerVote, view.Dispute)
	}
}

// JurorDisputeRow is one dispute in a juror's history.
type JurorDisputeRow struct {
	DisputeID       *big.Int             `json:"disputeId"`
	Dispute         *ledger.Dispute      `json:"dispute,omitempty"`
	Timer           *ledger.DisputeTimer `json:"timer,omitempty"`
	Vote            *ledger.Vote         `json:"vote,omitempty"`
	HasVoted        bool                 `json:"hasVoted"`
	Won             bool                 `json:"won"`
	RemainingMillis int64                `json:"remainingMillis"`
	Remaining       string               `json:"remaining,omitempty"`
	Error           string               `json:"error,omitempty"`
}

// JurorDisputesView partitions a juror's disputes into active and resolved.
// Rows whose dispute could not be read are listed under Unavailable.
type JurorDisputesView struct {
	Juror       common.Address    `json:"juror"`
	Active      []JurorDisputeRow `json:"active"`
	Resolved    []JurorDisputeRow `json:"resolved"`
	Unavailable []JurorDisputeRow `json:"unavailable,omitempty"`
}

// JurorDisputes reads a juror's dispute history with batched dispute, timer and
// vote reads.
func (r *Reads) JurorDisputes(ctx context.Context, juror common.Address) (JurorDisputesView, error) {
	view := JurorDisputesView{Juror: juror, Active: []JurorDisputeRow{}, Resolved: []JurorDisputeRow{}}
	historyQ := r.JurorHistory(juror)
	ids, err := querycache.Get[[]*big.Int](ctx, historyQ)
	if err != nil {
		return view, err
	}
	if len(ids) == 0 {
		return view, nil
	}

	var (
		disputes []*ledger.Dispute
		timers   []*ledger.DisputeTimer
		votes    []*ledger.Vote
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		disputes, err = querycache.Get[[]*ledger.Dispute](gctx, r.ManyDisputes(historyQ))
		return err
	})
	g.Go(func() error {
		timers, _ = querycache.Get[[]*ledger.DisputeTimer](gctx, r.ManyDisputeTimers(historyQ))
		return nil
	})
	g.Go(func() error {
		votes, _ = querycache.Get[[]*ledger.Vote](gctx, r.ManyDisputeVotes(juror, historyQ))
		return nil
	})
	if err := g.Wait(); err != nil {
		return view, err
	}

	now := r.now()
	rows := make([]JurorDisputeRow, 0, len(ids))
	for i, id := range ids {
		row := JurorDisputeRow{DisputeID: id}
		if i < len(disputes) && disputes[i] != nil {
			row.Dispute = disputes[i]
		} else {
			row.Error = "dispute unavailable"
			view.Unavailable = append(view.Unavailable, row)
			continue
		}
		if i < len(timers) && timers[i] != nil {
			row.Timer = timers[i]
			row.RemainingMillis = RemainingMillis(now.UnixMilli(), *row.Timer)
			row.Remaining = FormatRemaining(Remaining(now, *row.Timer))
		}
		if i < len(votes) && votes[i] != nil {
			row.Vote = votes[i]
			row.HasVoted = HasVotedAlready(*row.Vote)
			row.Won = HasWon(*row.Vote, *row.Dispute)
		}
		rows = append(rows, row)
	}
	active, resolved := PartitionFunc(rows, func(row JurorDisputeRow) ledger.Dispute { return *row.Dispute })
	view.Active = append(view.Active, active...)
	view.Resolved = append(view.Resolved, resolved...)
	return view, nil
}

// PaymentRow is a juror's total payment in one token.
type PaymentRow struct {
	Token  common.Address `json:"token"`
	Amount *uint256.Int   `json:"amount,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// JurorProfileView is a juror's registry profile and payments.
type JurorProfileView struct {
	Juror    ledger.Juror `json:"juror"`
	Payments []PaymentRow `json:"payments"`
}

// JurorProfile reads juror's profile and per-token payments.
func (r *Reads) JurorProfile(ctx context.Context, juror common.Address, tokens []common.Address) (JurorProfileView, error) {
	view := JurorProfileView{Payments: []PaymentRow{}}
	profile, err := querycache.Get[ledger.Juror](ctx, r.Juror(juror))
	if err != nil {
		return view, err
	}
	view.Juror = profile
	if len(tokens) == 0 {
		return view, nil
	}
	payments, err := querycache.Get[[]*ledger.TokenPayment](ctx, r.ManyJurorPayments(juror, tokens))
	if err != nil {
		return view, err
	}
	for i, token := range tokens {
		row := PaymentRow{Token: token}
		if i < len(payments) && payments[i] != nil {
			row.Amount = payments[i].Amount
		} else {
			row.Error = "payment unavailable"
		}
		view.Payments = append(view.Payments, row)
	}
	return view, nil
}
