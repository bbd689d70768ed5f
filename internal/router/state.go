package router

import (
	"fmt"
	"slices"
	"strings"
)

// Route is the sub-workflow a turn is dispatched to.
type Route string

const (
	RouteChat    Route = "chat"
	RouteMeeting Route = "meeting"
)

// ParseRoute maps a route label to a Route. "document-chat" and
// "document_chat" are accepted as aliases of chat.
func ParseRoute(s string) (Route, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "chat", "document-chat", "document_chat":
		return RouteChat, true
	case "meeting":
		return RouteMeeting, true
	}
	return "", false
}

// State is a state of the per-turn state machine.
type State int

const (
	StateStart State = iota
	StateCompacting
	StateClassifying
	StateDispatchedChat
	StateDispatchedMeeting
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateStart:             "start",
	StateCompacting:        "compacting",
	StateClassifying:       "classifying",
	StateDispatchedChat:    "dispatched_chat",
	StateDispatchedMeeting: "dispatched_meeting",
	StateDone:              "done",
	StateFailed:            "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// transitions is the complete transition table. Start is never re-entered.
var transitions = map[State][]State{
	StateStart:             {StateCompacting, StateClassifying},
	StateCompacting:        {StateClassifying},
	StateClassifying:       {StateDispatchedChat, StateDispatchedMeeting},
	StateDispatchedChat:    {StateDone, StateFailed},
	StateDispatchedMeeting: {StateDone, StateFailed},
}

// CanTransition reports whether the state machine may move from one state to
// the other.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

func dispatchState(r Route) State {
	if r == RouteMeeting {
		return StateDispatchedMeeting
	}
	return StateDispatchedChat
}
