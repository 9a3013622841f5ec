// Package session holds the folded state of one council deliberation and
// the reducer that advances it one event at a time.
package session

import (
	"slices"
	"time"

	"github.com/datacendia/council/internal/council/event"
)

// AgentResponse is one agent's streamed answer within a deliberation.
type AgentResponse struct {
	AgentID     string `json:"agent_id"`
	DisplayName string `json:"display_name"`
	AvatarGlyph string `json:"avatar_glyph,omitempty"`
	ColorToken  string `json:"color_token,omitempty"`
	Role        string `json:"role,omitempty"`

	// Text accumulates token fragments while streaming and is replaced by
	// the authoritative final text on completion. It never mutates after
	// the agent completes.
	Text        string    `json:"text"`
	IsStreaming bool      `json:"is_streaming"`
	TimedOut    bool      `json:"timed_out,omitempty"`
	DurationMs  int64     `json:"duration_ms,omitempty"`
	FirstSeenAt time.Time `json:"first_seen_at"`

	// startSeen distinguishes a response created by its agent.started
	// event from a placeholder synthesized for an early token.
	startSeen bool
}

// CrossExamination pairs a challenge with its rebuttal.
type CrossExamination struct {
	ChallengerID   string    `json:"challenger_id"`
	ChallengerName string    `json:"challenger_name"`
	TargetID       string    `json:"target_id"`
	TargetName     string    `json:"target_name"`
	ChallengeText  string    `json:"challenge_text"`
	RebuttalText   string    `json:"rebuttal_text,omitempty"`
	IssuedAt       time.Time `json:"issued_at"`
}

// UserMessage is a human interjection carried through unchanged.
type UserMessage struct {
	Author string    `json:"author"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at"`
}

// Session is the canonical folded representation of one deliberation.
//
// The reducer returns a fresh value on every applied event, so a snapshot
// handed to an observer never changes underneath it.
type Session struct {
	ID       string      `json:"id"`
	Question string      `json:"question"`
	Phase    event.Phase `json:"phase"`

	// AgentIDs is the invited participant set, fixed at creation.
	AgentIDs []string `json:"agent_ids"`
	// AgentOrder lists agent ids by first appearance in the stream.
	AgentOrder     []string                 `json:"agent_order"`
	AgentResponses map[string]AgentResponse `json:"agent_responses"`

	CrossExaminations []CrossExamination `json:"cross_examinations"`
	UserMessages      []UserMessage      `json:"user_messages,omitempty"`

	Synthesizing  bool   `json:"synthesizing,omitempty"`
	SynthesisText string `json:"synthesis_text"`
	// Confidence is 0-100; zero means not yet determined.
	Confidence int `json:"confidence"`

	// Revision increments on every applied event. Observers use it to gate
	// re-renders and deduplicate retried deliveries.
	Revision    uint64    `json:"revision"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// New creates a deliberation session in the initial analysis phase.
func New(id, question string, agentIDs []string, now time.Time) Session {
	return Session{
		ID:             id,
		Question:       question,
		Phase:          event.PhaseInitialAnalysis,
		AgentIDs:       slices.Clone(agentIDs),
		AgentResponses: make(map[string]AgentResponse),
		CreatedAt:      now,
	}
}

// Completed reports whether the session reached its terminal phase.
func (s Session) Completed() bool {
	return s.Phase == event.PhaseCompleted
}

// Response returns the response for agentID and whether one exists.
func (s Session) Response(agentID string) (AgentResponse, bool) {
	response, ok := s.AgentResponses[agentID]
	return response, ok
}

// OrderedResponses returns responses in first-appearance order.
func (s Session) OrderedResponses() []AgentResponse {
	ordered := make([]AgentResponse, 0, len(s.AgentOrder))
	for _, agentID := range s.AgentOrder {
		if response, ok := s.AgentResponses[agentID]; ok {
			ordered = append(ordered, response)
		}
	}
	return ordered
}

// clone returns a copy whose mutable containers are detached from s.
func (s Session) clone() Session {
	next := s
	next.AgentIDs = slices.Clone(s.AgentIDs)
	next.AgentOrder = slices.Clone(s.AgentOrder)
	next.CrossExaminations = slices.Clone(s.CrossExaminations)
	next.UserMessages = slices.Clone(s.UserMessages)
	next.AgentResponses = make(map[string]AgentResponse, len(s.AgentResponses))
	for agentID, response := range s.AgentResponses {
		next.AgentResponses[agentID] = response
	}
	return next
}
