package server

import (
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/meetflow/internal/observe"
	"github.com/MrWong99/meetflow/internal/router"
)

// handleWebsocket reads turn inputs as JSON messages and answers each with
// its event stream. Turns on one connection run one after another.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		observe.Logger(r.Context()).Warn("websocket accept failed", "err", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	ctx := r.Context()
	log := observe.Logger(ctx)
	log.Debug("websocket connected", "remote", r.RemoteAddr)

	for {
		var in router.TurnInput
		if err := wsjson.Read(ctx, conn, &in); err != nil {
			var ce websocket.CloseError
			if !errors.As(err, &ce) {
				log.Debug("websocket read ended", "err", err)
			}
			return
		}

		events, err := s.router.RouteTurn(ctx, in)
		if err != nil {
			if werr := writeRejected(r, conn, in, err); werr != nil {
				return
			}
			continue
		}
		for ev := range events {
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				log.Debug("websocket write failed", "err", err)
				for range events {
				}
				return
			}
		}
	}
}

// writeRejected reports a turn that never started as an error event
// followed by the end marker, so clients see the usual stream shape.
func writeRejected(r *http.Request, conn *websocket.Conn, in router.TurnInput, err error) error {
	ctx := r.Context()
	evs := []router.Event{
		{Type: router.EventError, ConversationID: in.ConversationID, Stage: "validate", Error: err.Error()},
		{Type: router.EventEnd, ConversationID: in.ConversationID},
	}
	for _, ev := range evs {
		if werr := wsjson.Write(ctx, conn, ev); werr != nil {
			return werr
		}
	}
	return nil
}
