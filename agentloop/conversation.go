package agentloop

// ConversationState is the append-only turn log of a run plus its counters.
// A single writer (the decision loop) mutates it; observers read snapshots.
type ConversationState struct {
	turns                 []Turn
	iterationCount        int
	verificationCount     int
	finalReport           *Report
	verificationShortfall bool
}

// StateSnapshot is an immutable copy of a ConversationState.
type StateSnapshot struct {
	Turns                 []Turn  `json:"turns"`
	IterationCount        int     `json:"iteration_count"`
	VerificationCount     int     `json:"verification_count"`
	FinalReport           *Report `json:"final_report,omitempty"`
	VerificationShortfall bool    `json:"verification_shortfall"`
}

// NewConversationState creates a state holding the single user request.
func NewConversationState(task string) *ConversationState {
	return &ConversationState{turns: []Turn{NewUserTurn(task)}}
}

// Append adds a turn to the end of the log.
func (c *ConversationState) Append(turns ...Turn) {
	c.turns = append(c.turns, turns...)
}

// Len returns the number of turns.
func (c *ConversationState) Len() int { return len(c.turns) }

// Turns returns a deep copy of the turn log.
func (c *ConversationState) Turns() []Turn {
	out := make([]Turn, len(c.turns))
	for i, t := range c.turns {
		out[i] = t.clone()
	}
	return out
}

// Last returns the most recent turn.
func (c *ConversationState) Last() (Turn, bool) {
	if len(c.turns) == 0 {
		return Turn{}, false
	}
	return c.turns[len(c.turns)-1], true
}

func (c *ConversationState) IterationCount() int    { return c.iterationCount }
func (c *ConversationState) VerificationCount() int { return c.verificationCount }
func (c *ConversationState) Shortfall() bool        { return c.verificationShortfall }
func (c *ConversationState) Report() *Report        { return c.finalReport }

func (c *ConversationState) incrementIteration() int {
	c.iterationCount++
	return c.iterationCount
}

func (c *ConversationState) incrementVerification() int {
	c.verificationCount++
	return c.verificationCount
}

func (c *ConversationState) markShortfall() { c.verificationShortfall = true }

func (c *ConversationState) setReport(r *Report) { c.finalReport = r }

// HasSystemTurn reports whether the log already carries a system directive.
func (c *ConversationState) HasSystemTurn() bool {
	for _, t := range c.turns {
		if t.Kind == TurnSystem {
			return true
		}
	}
	return false
}

// LatestUserRequest returns the index and text of the most recent genuine
// user turn. Corrective turns are never user requests.
func (c *ConversationState) LatestUserRequest() (int, string, bool) {
	for i := len(c.turns) - 1; i >= 0; i-- {
		if c.turns[i].Kind == TurnUser && c.turns[i].User != nil {
			return i, c.turns[i].User.Content, true
		}
	}
	return -1, "", false
}

// ToolResultsSince returns the tool results recorded after turn index.
func (c *ConversationState) ToolResultsSince(index int) []ToolResultTurn {
	var out []ToolResultTurn
	for i := index + 1; i < len(c.turns); i++ {
		if c.turns[i].Kind == TurnToolResult && c.turns[i].ToolResult != nil {
			out = append(out, *c.turns[i].ToolResult)
		}
	}
	return out
}

// Snapshot returns a deep copy of the state.
func (c *ConversationState) Snapshot() StateSnapshot {
	snap := StateSnapshot{
		Turns:                 c.Turns(),
		IterationCount:        c.iterationCount,
		VerificationCount:     c.verificationCount,
		VerificationShortfall: c.verificationShortfall,
	}
	if c.finalReport != nil {
		r := c.finalReport.clone()
		snap.FinalReport = &r
	}
	return snap
}

// clone returns a deep copy of the snapshot.
func (s StateSnapshot) clone() StateSnapshot {
	out := s
	out.Turns = make([]Turn, len(s.Turns))
	for i, t := range s.Turns {
		out.Turns[i] = t.clone()
	}
	if s.FinalReport != nil {
		r := s.FinalReport.clone()
		out.FinalReport = &r
	}
	return out
}
