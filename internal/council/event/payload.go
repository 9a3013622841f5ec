package event

// PhaseChangedPayload captures the payload for phase.changed events.
type PhaseChangedPayload struct {
	Phase Phase `json:"phase"`
}

// AgentStartedPayload captures the payload for agent.started events.
type AgentStartedPayload struct {
	Agent AgentIdentity `json:"agent"`
}

// AgentTokenPayload captures the payload for agent.token events.
type AgentTokenPayload struct {
	AgentID string `json:"agent_id"`
	Token   string `json:"token"`
}

// AgentCompletedPayload captures the payload for agent.completed events.
type AgentCompletedPayload struct {
	AgentID    string `json:"agent_id"`
	FinalText  string `json:"final_text"`
	DurationMs int64  `json:"duration_ms"`
}

// AgentTimedOutPayload captures the payload for agent.timed_out events.
type AgentTimedOutPayload struct {
	AgentID string `json:"agent_id"`
}

// ChallengeIssuedPayload captures the payload for challenge.issued events.
type ChallengeIssuedPayload struct {
	Challenger AgentIdentity `json:"challenger"`
	Target     AgentIdentity `json:"target"`
	Text       string        `json:"text"`
}

// RebuttalIssuedPayload captures the payload for rebuttal.issued events.
type RebuttalIssuedPayload struct {
	TargetID string `json:"target_id"`
	Text     string `json:"text"`
}

// SynthesisStartedPayload captures the payload for synthesis.started events.
type SynthesisStartedPayload struct{}

// SynthesisTokenPayload captures the payload for synthesis.token events.
type SynthesisTokenPayload struct {
	Token string `json:"token"`
}

// CompletedPayload captures the payload for deliberation.completed events.
type CompletedPayload struct {
	SynthesisText string `json:"synthesis_text"`
	Confidence    int    `json:"confidence"`
}

// UserMessagePayload captures the payload for user.message events.
type UserMessagePayload struct {
	Author string `json:"author"`
	Text   string `json:"text"`
}
