package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Registry errors.
var (
	// ErrDuplicateSession is returned when a call id is already registered.
	ErrDuplicateSession = errors.New("session: duplicate call session")
	// ErrNotFound is returned when no session exists for a call id.
	ErrNotFound = errors.New("session: call session not found")
)

// State is a call session's lifecycle phase. Transitions are strictly
// forward: INITIATED < MEDIA_CONNECTED < AGENT_CONNECTED < ENDED.
type State int

const (
	StateInitiated State = iota
	StateMediaConnected
	StateAgentConnected
	StateEnded
)

var stateNames = map[State]string{
	StateInitiated:      "INITIATED",
	StateMediaConnected: "MEDIA_CONNECTED",
	StateAgentConnected: "AGENT_CONNECTED",
	StateEnded:          "ENDED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalJSON encodes the state by name so registry payloads stay readable.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for state, n := range stateNames {
		if n == name {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("session: unknown state %q", name)
}

// EndReason records why a session reached ENDED.
type EndReason string

const (
	EndReasonAgentCompleted EndReason = "agent_completed"
	EndReasonNoAnswer       EndReason = "no_answer"
	EndReasonError          EndReason = "error"
	EndReasonCallerHangup   EndReason = "caller_hangup"
)

// CallSession is the per-call record tracking lifecycle state, the dynamic
// variables injected into the agent at session start, and the outcome the
// agent collects during the conversation.
type CallSession struct {
	CallID string `json:"call_id"`
	// DynamicVariables is write-once: set at creation, never mutated after
	// the agent session begins.
	DynamicVariables map[string]string `json:"dynamic_variables"`
	CollectedOutcome map[string]string `json:"collected_outcome,omitempty"`
	State            State             `json:"state"`
	EndReason        EndReason         `json:"end_reason,omitempty"`
	// Reported flips to true when the outcome notification has been claimed,
	// guaranteeing at-most-once delivery.
	Reported  bool      `json:"reported"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newCallSession(callID string, dynamicVariables map[string]string, now time.Time) *CallSession {
	vars := make(map[string]string, len(dynamicVariables))
	for k, v := range dynamicVariables {
		vars[k] = v
	}
	return &CallSession{
		CallID:           callID,
		DynamicVariables: vars,
		State:            StateInitiated,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// AdvanceTo moves the session forward to next. Backward or repeated
// transitions are rejected and leave the session unchanged.
func (s *CallSession) AdvanceTo(next State) error {
	if next <= s.State {
		return fmt.Errorf("session: illegal transition %s -> %s for call %s", s.State, next, s.CallID)
	}
	s.State = next
	return nil
}

// End moves the session to ENDED with the given reason. The first caller
// wins; later calls are rejected so the original reason is preserved.
func (s *CallSession) End(reason EndReason) error {
	if err := s.AdvanceTo(StateEnded); err != nil {
		return err
	}
	s.EndReason = reason
	return nil
}

// Ended reports whether the session has reached its terminal state.
func (s *CallSession) Ended() bool {
	return s.State == StateEnded
}

// SetOutcome merges extracted variables into the collected outcome.
func (s *CallSession) SetOutcome(outcome map[string]string) {
	if len(outcome) == 0 {
		return
	}
	if s.CollectedOutcome == nil {
		s.CollectedOutcome = make(map[string]string, len(outcome))
	}
	for k, v := range outcome {
		s.CollectedOutcome[k] = v
	}
}

// Clone returns a deep copy so registry callers can read without racing
// concurrent updates.
func (s *CallSession) Clone() *CallSession {
	cp := *s
	cp.DynamicVariables = make(map[string]string, len(s.DynamicVariables))
	for k, v := range s.DynamicVariables {
		cp.DynamicVariables[k] = v
	}
	if s.CollectedOutcome != nil {
		cp.CollectedOutcome = make(map[string]string, len(s.CollectedOutcome))
		for k, v := range s.CollectedOutcome {
			cp.CollectedOutcome[k] = v
		}
	}
	return &cp
}
