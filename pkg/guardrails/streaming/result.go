package streaming

// StopReason says why the session stopped consuming the stream
type StopReason string

const (
	StopExhausted StopReason = "exhausted"
	StopCapped    StopReason = "capped"
	StopTripped   StopReason = "tripped"
	StopFaulted   StopReason = "faulted"
)

// Outcome is the final judgment of a session
type Outcome string

const (
	OutcomeClean   Outcome = "clean"
	OutcomeTripped Outcome = "tripped"
	OutcomeFaulted Outcome = "faulted"
)

// Result is the terminal record of one session
type Result struct {
	SessionID string `json:"session_id"`

	// Response is the text accumulated until streaming stopped
	Response string `json:"response"`

	Triggered bool   `json:"guardrail_triggered"`
	Reason    string `json:"guardrail_reason,omitempty"`

	// TriggeredAt is the buffer length at which the failing check was
	// dispatched. Nil unless Triggered.
	TriggeredAt *int `json:"guardrail_triggered_at"`

	// EvaluatedTextLength is the length of the text the failing check saw,
	// which is TriggeredAt. Nil unless Triggered.
	EvaluatedTextLength *int `json:"guardrail_evaluated_text_length"`

	SamplingInterval int        `json:"characters_checked_at_interval"`
	HardLengthCap    int        `json:"hard_length_cap"`
	TotalCharacters  int        `json:"total_characters"`
	StopReason       StopReason `json:"stop_reason"`
	Outcome          Outcome    `json:"outcome"`
	ChecksDispatched int        `json:"checks_dispatched"`
}

// Clean reports whether the session ended with a passing final check
func (r *Result) Clean() bool {
	return r != nil && r.Outcome == OutcomeClean
}

func (r *Result) trip(dispatchLength int, reason string) {
	at, evaluated := dispatchLength, dispatchLength
	r.Triggered = true
	r.Reason = reason
	r.TriggeredAt = &at
	r.EvaluatedTextLength = &evaluated
	r.Outcome = OutcomeTripped
}
