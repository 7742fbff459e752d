package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"jurywatch/disputes"
	"jurywatch/storage"
)

type badRequest struct{ msg string }

func (e badRequest) Error() string { return e.msg }

func parseID(raw, name string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || id.Sign() <= 0 {
		return nil, badRequest{fmt.Sprintf("%s must be a positive integer", name)}
	}
	return id, nil
}

func parseOptionalID(raw, name string) (*big.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	return parseID(raw, name)
}

func parseAddress(raw, name string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, badRequest{fmt.Sprintf("%s must be a hex address", name)}
	}
	return common.HexToAddress(raw), nil
}

func parseOptionalAddress(raw, name string) (common.Address, error) {
	if strings.TrimSpace(raw) == "" {
		return common.Address{}, nil
	}
	return parseAddress(raw, name)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest{fmt.Sprintf("invalid request body: %v", err)}
	}
	return nil
}

// reply writes v, or the failure as a 400 when err is a bad request.
func (s *Server) reply(w http.ResponseWriter, r *http.Request, status int, v any, err error) {
	if err != nil {
		if br, ok := err.(badRequest); ok {
			writeError(w, http.StatusBadRequest, br)
			return
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, status, v)
}

func (s *Server) disputeForDeal(w http.ResponseWriter, r *http.Request) {
	dealID, err := parseID(chi.URLParam(r, "dealID"), "deal id")
	if err != nil {
		s.reply(w, r, 0, nil, err)
		return
	}
	viewer, err := parseOptionalAddress(r.URL.Query().Get("viewer"), "viewer")
	if err != nil {
		s.reply(w, r, 0, nil, err)
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	view, err := s.opts.Reads.DisputeForDeal(ctx, dealID, viewer)
	s.reply(w, r, http.StatusOK, view, err)
}

func (s *Server) jurorDisputes(w http.ResponseWriter, r *http.Request) {
	juror, err := parseAddress(chi.URLParam(r, "address"), "juror")
	if err != nil {
		s.reply(w, r, 0, nil, err)
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	view, err := s.opts.Reads.JurorDisputes(ctx, juror)
	s.reply(w, r, http.StatusOK, view, err)
}

func (s *Server) jurorProfile(w http.ResponseWriter, r *http.Request) {
	juror, err := parseAddress(chi.URLParam(r, "address"), "juror")
	if err != nil {
		s.reply(w, r, 0, nil, err)
		return
	}
	tokens := s.opts.PaymentTokens
	if raw := r.URL.Query().Get("tokens"); raw != "" {
		tokens = nil
		for _, part := range strings.Split(raw, ",") {
			token, err := parseAddress(part, "token")
			if err != nil {
				s.reply(w, r, 0, nil, err)
				return
			}
			tokens = append(tokens, token)
		}
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	view, err := s.opts.Reads.JurorProfile(ctx, juror, tokens)
	s.reply(w, r, http.StatusOK, view, err)
}

type voteRequest struct {
	Support string `json:"support"`
}

func (s *Server) submitVote(w http.ResponseWriter, r *http.Request) {
	if s.opts.Voter == nil {
		s.fail(w, r, errReadOnly)
		return
	}
	disputeID, err := parseID(chi.URLParam(r, "disputeID"), "dispute id")
	if err != nil {
		s.reply(w, r, 0, nil, err)
		return
	}
	var req voteRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.reply(w, r, 0, nil, err)
		return
	}
	support, err := parseAddress(req.Support, "support")
	if err != nil {
		s.reply(w, r, 0, nil, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), voteTimeout)
	defer cancel()
	receipt, err := s.opts.Voter.SubmitVote(ctx, disputeID, support)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"receipt": receipt,
		"attempt": s.opts.Voter.Status(disputeID, s.opts.Voter.From()),
	})
}

func (s *Server) voteStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Voter == nil {
		s.fail(w, r, errReadOnly)
		return
	}
	disputeID, err := parseID(chi.URLParam(r, "disputeID"), "dispute id")
	if err != nil {
		s.reply(w, r, 0, nil, err)
		return
	}
	juror, err := parseAddress(chi.URLParam(r, "juror"), "juror")
	if err != nil {
		s.reply(w, r, 0, nil, err)
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Voter.Status(disputeID, juror))
}

type sessionRequest struct {
	Initiator string `json:"initiator"`
	DealID    string `json:"dealId"`
	DisputeID string `json:"disputeId,omitempty"`
	FeeToken  string `json:"feeToken,omitempty"`
}

func (req sessionRequest) parse() (disputes.SessionRequest, error) {
	var (
		out disputes.SessionRequest
		err error
	)
	if out.Initiator, err = parseAddress(req.Initiator, "initiator"); err != nil {
		return out, err
	}
	if out.DealID, err = parseID(req.DealID, "dealId"); err != nil {
		return out, err
	}
	if out.DisputeID, err = parseOptionalID(req.DisputeID, "disputeId"); err != nil {
		return out, err
	}
	if out.FeeToken, err = parseOptionalAddress(req.FeeToken, "feeToken"); err != nil {
		return out, err
	}
	return out, nil
}

func (s *Server) openSession(w http.ResponseWriter, r *http.Request) {
	var body sessionRequest
	if err := decodeBody(w, r, &body); err != nil {
		s.reply(w, r, 0, nil, err)
		return
	}
	req, err := body.parse()
	if err != nil {
		s.reply(w, r, 0, nil, err)
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	session, err := s.opts.Sessions.Open(ctx, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session.Snapshot())
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*disputes.Session, bool) {
	session, ok := s.opts.Sessions.Get(chi.URLParam(r, "sessionID"))
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("session not found"))
	}
	return session, ok
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	if session, ok := s.session(w, r); ok {
		writeJSON(w, http.StatusOK, session.Snapshot())
	}
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	if !s.opts.Sessions.Close(chi.URLParam(r, "sessionID")) {
		writeError(w, http.StatusNotFound, fmt.Errorf("session not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) openDispute(w http.ResponseWriter, r *http.Request) {
	if s.opts.Opener == nil {
		s.fail(w, r, errReadOnly)
		return
	}
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), voteTimeout)
	defer cancel()
	if err := s.opts.Opener.OpenDispute(ctx, session); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, session.Snapshot())
}

func (s *Server) listMutations(w http.ResponseWriter, r *http.Request) {
	if s.opts.Journal == nil {
		s.fail(w, r, errNoJournal)
		return
	}
	q := r.URL.Query()
	filter := storage.MutationFilter{
		Caller:    strings.TrimSpace(q.Get("caller")),
		DisputeID: strings.TrimSpace(q.Get("dispute")),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.reply(w, r, 0, nil, badRequest{"limit must be a positive integer"})
			return
		}
		filter.Limit = limit
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()
	rows, err := s.opts.Journal.RecentMutations(ctx, filter)
	if rows == nil {
		rows = []storage.Mutation{}
	}
	s.reply(w, r, http.StatusOK, map[string]any{"mutations": rows}, err)
}
