// Package event defines the deliberation event contract.
//
// Events for a single deliberation arrive through one logical ordered
// channel. The contract guarantees per-channel FIFO delivery but says
// nothing about interleaving between different agents' token events, so
// consumers must route each token by agent id.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of a deliberation event.
type Type string

// Agent streaming events.
const (
	// TypeAgentStarted records an agent beginning its response.
	TypeAgentStarted Type = "agent.started"
	// TypeAgentToken records one incremental fragment of an agent response.
	TypeAgentToken Type = "agent.token"
	// TypeAgentCompleted records an agent finishing with its authoritative text.
	TypeAgentCompleted Type = "agent.completed"
	// TypeAgentTimedOut records an agent exceeding its liveness deadline.
	TypeAgentTimedOut Type = "agent.timed_out"
)

// Deliberation lifecycle events.
const (
	// TypePhaseChanged records a phase transition.
	TypePhaseChanged Type = "phase.changed"
	// TypeSynthesisStarted records the beginning of synthesis narration.
	TypeSynthesisStarted Type = "synthesis.started"
	// TypeSynthesisToken records one fragment of the synthesis text.
	TypeSynthesisToken Type = "synthesis.token"
	// TypeCompleted records the final recommendation and ends the deliberation.
	TypeCompleted Type = "deliberation.completed"
)

// Cross-examination events.
const (
	// TypeChallengeIssued records one agent challenging another.
	TypeChallengeIssued Type = "challenge.issued"
	// TypeRebuttalIssued records a rebuttal to an open challenge.
	TypeRebuttalIssued Type = "rebuttal.issued"
)

// Pass-through events.
const (
	// TypeUserMessage records a human interjection during the deliberation.
	TypeUserMessage Type = "user.message"
)

// Phase names a stage of the deliberation lifecycle.
type Phase string

const (
	// PhaseInitialAnalysis is the opening phase where agents answer independently.
	PhaseInitialAnalysis Phase = "initial_analysis"
	// PhaseCrossExamination is the phase where agents challenge each other.
	PhaseCrossExamination Phase = "cross_examination"
	// PhaseSynthesis is the phase producing the consolidated recommendation.
	PhaseSynthesis Phase = "synthesis"
	// PhaseEthicsCheck is the review phase before completion.
	PhaseEthicsCheck Phase = "ethics_check"
	// PhaseCompleted is the terminal phase.
	PhaseCompleted Phase = "completed"
)

// ValidPhase reports whether value names a known lifecycle phase.
func ValidPhase(value Phase) bool {
	switch value {
	case PhaseInitialAnalysis, PhaseCrossExamination, PhaseSynthesis, PhaseEthicsCheck, PhaseCompleted:
		return true
	default:
		return false
	}
}

// Envelope is the wire form of one deliberation event.
type Envelope struct {
	// Type identifies the kind of event.
	Type Type `json:"type"`
	// SessionID is the deliberation this event belongs to.
	SessionID string `json:"session_id"`
	// Timestamp is when the event occurred. Stamped at decode when absent.
	Timestamp time.Time `json:"timestamp,omitzero"`
	// Payload holds event-specific data as JSON.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AgentIdentity snapshots the static identity fields of a participant.
type AgentIdentity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarGlyph string `json:"avatar_glyph,omitempty"`
	ColorToken  string `json:"color_token,omitempty"`
	Role        string `json:"role,omitempty"`
}
