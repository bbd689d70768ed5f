package router

// EventType tags a turn stream [Event].
type EventType string

const (
	EventStart    EventType = "start"
	EventProgress EventType = "progress"
	EventChunk    EventType = "chunk"
	EventComplete EventType = "complete"
	EventError    EventType = "error"

	// EventEnd is always the last event of a turn stream. Consumers must
	// stop reading on it rather than infer completion from content.
	EventEnd EventType = "end"
)

// Event is one element of a turn stream. Events of one turn are delivered in
// order to a single consumer.
type Event struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Route          Route     `json:"route,omitempty"`

	// Stage names the router state or pipeline stage of progress and error
	// events.
	Stage string `json:"stage,omitempty"`

	// Percent is set on progress events when known.
	Percent *float64 `json:"percent,omitempty"`

	// Text is the increment carried by chunk events.
	Text string `json:"text,omitempty"`

	// Result is set on complete events, and on error events that carry a
	// partial result.
	Result *TurnResult `json:"result,omitempty"`

	Error string `json:"error,omitempty"`
}

// TurnResult is the outcome of a turn, tagged with the route taken.
type TurnResult struct {
	ConversationID string `json:"conversation_id"`
	Route          Route  `json:"route"`

	// Compacted reports whether the history was compacted during the turn.
	Compacted bool `json:"compacted"`

	// Answer is the assistant message appended to the conversation.
	Answer string `json:"answer,omitempty"`

	// QuestionType is set for document-chat turns.
	QuestionType string `json:"question_type,omitempty"`

	// Transcript and Minutes are set for meeting turns.
	Transcript string `json:"transcript,omitempty"`
	Minutes    string `json:"minutes,omitempty"`

	// Partial marks a meeting transcript from a failed job.
	Partial bool `json:"partial,omitempty"`
}

func percent(p float64) *float64 {
	if p < 0 {
		return nil
	}
	return &p
}
