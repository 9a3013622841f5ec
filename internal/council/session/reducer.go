package session

import (
	"time"

	"github.com/datacendia/council/internal/council/event"
)

// RestartPolicy decides what a duplicate agent.started event does to an
// existing response.
type RestartPolicy int

const (
	// RestartReset overwrites the identity fields and clears accumulated
	// text, treating the duplicate start as a restart.
	RestartReset RestartPolicy = iota
	// RestartIgnore drops a duplicate start for an agent that already
	// completed, preserving its final text.
	RestartIgnore
)

// RebuttalPairing decides which open challenge a rebuttal attaches to.
type RebuttalPairing int

const (
	// PairLastAppended attaches a rebuttal to the most recently appended
	// challenge regardless of its target.
	PairLastAppended RebuttalPairing = iota
	// PairByTarget attaches a rebuttal to the newest unanswered challenge
	// whose target matches, falling back to the newest unanswered one.
	PairByTarget
)

// Reducer folds deliberation events into session state.
//
// Apply is pure: it performs no I/O and touches the wall clock only to
// timestamp newly observed records via Clock. The zero value is a working
// reducer with the default policies.
type Reducer struct {
	RestartPolicy   RestartPolicy
	RebuttalPairing RebuttalPairing
	// Clock stamps newly observed records. Defaults to time.Now.
	Clock func() time.Time
}

// Apply returns the state after folding one decoded event payload into s.
//
// A completed session absorbs every further event unchanged, which makes
// duplicate completion signals idempotent. Unrecognized payload types are
// no-ops for forward compatibility.
func (r Reducer) Apply(s Session, payload any) Session {
	if s.Completed() {
		return s
	}

	switch p := payload.(type) {
	case event.PhaseChangedPayload:
		next := s.clone()
		next.Phase = p.Phase
		next.Revision++
		return next
	case event.AgentStartedPayload:
		return r.applyAgentStarted(s, p)
	case event.AgentTokenPayload:
		return r.applyAgentToken(s, p)
	case event.AgentCompletedPayload:
		return r.applyAgentCompleted(s, p)
	case event.AgentTimedOutPayload:
		return r.applyAgentTimedOut(s, p)
	case event.ChallengeIssuedPayload:
		return r.applyChallengeIssued(s, p)
	case event.RebuttalIssuedPayload:
		return r.applyRebuttalIssued(s, p)
	case event.SynthesisStartedPayload:
		next := s.clone()
		next.Synthesizing = true
		next.Revision++
		return next
	case event.SynthesisTokenPayload:
		next := s.clone()
		next.SynthesisText += p.Token
		next.Revision++
		return next
	case event.CompletedPayload:
		next := s.clone()
		next.SynthesisText = p.SynthesisText
		next.Confidence = p.Confidence
		next.Phase = event.PhaseCompleted
		next.Synthesizing = false
		next.CompletedAt = r.now()
		next.Revision++
		return next
	case event.UserMessagePayload:
		next := s.clone()
		next.UserMessages = append(next.UserMessages, UserMessage{
			Author: p.Author,
			Text:   p.Text,
			SentAt: r.now(),
		})
		next.Revision++
		return next
	default:
		return s
	}
}

func (r Reducer) applyAgentStarted(s Session, p event.AgentStartedPayload) Session {
	next := s.clone()
	next.Revision++
	existing, ok := next.AgentResponses[p.Agent.ID]

	if ok && !existing.startSeen {
		// A placeholder synthesized for an early token: fill in identity
		// without discarding the text it already accumulated.
		existing.DisplayName = p.Agent.DisplayName
		existing.AvatarGlyph = p.Agent.AvatarGlyph
		existing.ColorToken = p.Agent.ColorToken
		existing.Role = p.Agent.Role
		existing.IsStreaming = true
		existing.startSeen = true
		next.AgentResponses[p.Agent.ID] = existing
		return next
	}

	if ok && r.RestartPolicy == RestartIgnore && !existing.IsStreaming {
		// The agent already delivered its final text; a late duplicate
		// start must not erase it.
		return next
	}

	response := AgentResponse{
		AgentID:     p.Agent.ID,
		DisplayName: p.Agent.DisplayName,
		AvatarGlyph: p.Agent.AvatarGlyph,
		ColorToken:  p.Agent.ColorToken,
		Role:        p.Agent.Role,
		IsStreaming: true,
		FirstSeenAt: r.now(),
		startSeen:   true,
	}
	if ok {
		// Restart: identity fields refresh, accumulated text resets, but
		// the first-seen timestamp is preserved.
		response.FirstSeenAt = existing.FirstSeenAt
	} else {
		next.AgentOrder = append(next.AgentOrder, p.Agent.ID)
	}
	next.AgentResponses[p.Agent.ID] = response
	return next
}

func (r Reducer) applyAgentToken(s Session, p event.AgentTokenPayload) Session {
	next := s.clone()
	response, ok := next.AgentResponses[p.AgentID]
	if !ok {
		// Token arrived before the start event. Synthesize a minimal
		// response so the token is never dropped.
		response = AgentResponse{
			AgentID:     p.AgentID,
			IsStreaming: true,
			FirstSeenAt: r.now(),
		}
		next.AgentOrder = append(next.AgentOrder, p.AgentID)
	}
	if !response.IsStreaming {
		// Text never mutates after completion.
		next.Revision++
		return next
	}
	response.Text += p.Token
	next.AgentResponses[p.AgentID] = response
	next.Revision++
	return next
}

func (r Reducer) applyAgentCompleted(s Session, p event.AgentCompletedPayload) Session {
	next := s.clone()
	response, ok := next.AgentResponses[p.AgentID]
	if !ok {
		response = AgentResponse{
			AgentID:     p.AgentID,
			FirstSeenAt: r.now(),
		}
		next.AgentOrder = append(next.AgentOrder, p.AgentID)
	}
	// The final text is authoritative over whatever streaming accumulated.
	response.Text = p.FinalText
	response.IsStreaming = false
	response.DurationMs = p.DurationMs
	response.startSeen = true
	next.AgentResponses[p.AgentID] = response
	next.Revision++
	return next
}

func (r Reducer) applyAgentTimedOut(s Session, p event.AgentTimedOutPayload) Session {
	next := s.clone()
	response, ok := next.AgentResponses[p.AgentID]
	if !ok || !response.IsStreaming {
		next.Revision++
		return next
	}
	response.IsStreaming = false
	response.TimedOut = true
	next.AgentResponses[p.AgentID] = response
	next.Revision++
	return next
}

func (r Reducer) applyChallengeIssued(s Session, p event.ChallengeIssuedPayload) Session {
	next := s.clone()
	next.CrossExaminations = append(next.CrossExaminations, CrossExamination{
		ChallengerID:   p.Challenger.ID,
		ChallengerName: p.Challenger.DisplayName,
		TargetID:       p.Target.ID,
		TargetName:     p.Target.DisplayName,
		ChallengeText:  p.Text,
		IssuedAt:       r.now(),
	})
	next.Revision++
	return next
}

func (r Reducer) applyRebuttalIssued(s Session, p event.RebuttalIssuedPayload) Session {
	next := s.clone()
	next.Revision++

	idx := -1
	switch r.RebuttalPairing {
	case PairByTarget:
		for i := len(next.CrossExaminations) - 1; i >= 0; i-- {
			if next.CrossExaminations[i].RebuttalText != "" {
				continue
			}
			if next.CrossExaminations[i].TargetID == p.TargetID {
				idx = i
				break
			}
			if idx == -1 {
				idx = i
			}
		}
	default:
		if n := len(next.CrossExaminations); n > 0 && next.CrossExaminations[n-1].RebuttalText == "" {
			idx = n - 1
		}
	}
	if idx == -1 {
		// No open challenge to attach to; the rebuttal has nowhere to go.
		return next
	}
	next.CrossExaminations[idx].RebuttalText = p.Text
	return next
}

func (r Reducer) now() time.Time {
	if r.Clock != nil {
		return r.Clock()
	}
	return time.Now().UTC()
}
