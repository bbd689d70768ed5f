package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/MrWong99/meetflow/internal/observe"
	"github.com/MrWong99/meetflow/internal/router"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// turnStatus maps a RouteTurn error to an HTTP status.
func turnStatus(err error) int {
	switch {
	case errors.Is(err, router.ErrMissingConversationID), errors.Is(err, router.ErrEmptyConversation),
		errors.Is(err, router.ErrMessageTooLarge):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// handleTurn runs one turn and streams its events as server-sent events. The
// response ends after the end event.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var in router.TurnInput
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTurnBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid turn body: " + err.Error()})
		return
	}
	in.ConversationID = r.PathValue("id")

	events, err := s.router.RouteTurn(r.Context(), in)
	if err != nil {
		observe.Logger(r.Context()).Warn("turn rejected", "conversation_id", in.ConversationID, "err", err)
		writeJSON(w, turnStatus(err), errorBody{Error: err.Error()})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			// Client is gone; drain so the turn can finish and persist.
			for range events {
			}
			return
		}
		_ = rc.Flush()
	}
}
