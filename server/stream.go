package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"

	"jurywatch/disputes"
	"jurywatch/ledger"
	"jurywatch/querycache"
)

const wsWriteTimeout = 10 * time.Second

type countdownFrame struct {
	RemainingMillis int64  `json:"remainingMillis"`
	Remaining       string `json:"remaining"`
	Closed          bool   `json:"closed"`
	// Status is the cache state of the timer behind this frame.
	Status string `json:"status"`
}

// countdownStream pushes the voting countdown for a dispute once per tick
// until the window closes or the client goes away. The timer is re-read from
// the query cache on every tick so an extension shows up without reconnecting.
func (s *Server) countdownStream(w http.ResponseWriter, r *http.Request) {
	disputeID, err := parseID(chi.URLParam(r, "disputeID"), "dispute id")
	if err != nil {
		s.reply(w, r, 0, nil, err)
		return
	}
	handle := s.opts.Reads.DisputeTimerByID(disputeID)
	ctx, cancel := s.requestContext(r)
	timer, err := querycache.Get[ledger.DisputeTimer](ctx, handle)
	cancel()
	if err != nil {
		s.fail(w, r, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "countdown finished")

	streamCtx := conn.CloseRead(r.Context())
	status := querycache.StatusReady
	countdown := disputes.NewCountdown(timer,
		disputes.WithTick(s.opts.CountdownTick),
		disputes.WithCountdownClock(s.opts.Now),
		disputes.WithTimerSource(func() (ledger.DisputeTimer, bool) {
			st := handle.State()
			status = st.Status
			return querycache.Value[ledger.DisputeTimer](st)
		}),
	)
	err = countdown.Run(streamCtx, func(remaining time.Duration) error {
		return writeFrame(streamCtx, conn, countdownFrame{
			RemainingMillis: remaining.Milliseconds(),
			Remaining:       disputes.FormatRemaining(remaining),
			Closed:          remaining <= 0,
			Status:          status.String(),
		})
	})
	if err != nil && streamCtx.Err() == nil {
		if code := websocket.CloseStatus(err); code == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

// sessionStream pushes every snapshot of an observation session until the
// session ends or the client goes away.
func (s *Server) sessionStream(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(w, r)
	if !ok {
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "session closed")

	ctx := conn.CloseRead(r.Context())
	if err := streamSnapshots(ctx, conn, session); err != nil && ctx.Err() == nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func streamSnapshots(ctx context.Context, conn *websocket.Conn, session *disputes.Session) error {
	updates, cancel := session.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeFrame(ctx, conn, snap); err != nil {
				return err
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
