package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/mir333/agentd/internal/session"
)

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

// handleSessionStream upgrades to a websocket and streams the session's
// events. The since query parameter is the client's watermark: the highest
// sequence number it has already seen this turn. Backfill replays everything
// after it before live events flow.
func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request, sessionID string) {
	since := int64(parseInt(r.URL.Query().Get("since"), 0))
	if _, err := s.Sessions.Get(sessionID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	// Subscribe before backfilling so no event falls between the replay and
	// the live feed; the watermark filter drops the overlap. A slow client
	// loses events rather than stalling the turn, and recovers them on
	// reconnect.
	events := make(chan session.Event, 256)
	sub, err := s.Sessions.Subscribe(sessionID, func(ev session.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	defer s.Sessions.Unsubscribe(sub)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx := r.Context()
	if err := streamSession(ctx, s.Sessions, sessionID, since, events, conn); err != nil && ctx.Err() == nil {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

func streamSession(ctx context.Context, reg *session.Registry, sessionID string, since int64, events <-chan session.Event, writer wsWriter) error {
	backlog, err := reg.BufferedSince(sessionID, since)
	if err != nil {
		return err
	}
	watermark := since
	for _, ev := range backlog {
		if err := writeEvent(ctx, writer, ev); err != nil {
			return err
		}
		watermark = ev.Seq
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			if ev.Seq == 1 {
				// A new turn restarted the sequence.
				watermark = 0
			}
			if ev.Seq <= watermark {
				continue
			}
			if err := writeEvent(ctx, writer, ev); err != nil {
				return err
			}
			watermark = ev.Seq
		}
	}
}

func writeEvent(ctx context.Context, writer wsWriter, ev session.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return writer.Write(ctx, websocket.MessageText, payload)
}
