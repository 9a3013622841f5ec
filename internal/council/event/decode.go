package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownType indicates an envelope carries an unrecognized event type.
// Dispatch boundaries drop such events instead of failing the stream.
var ErrUnknownType = errors.New("unknown event type")

// Decode validates an envelope and returns its typed payload.
//
// Validation happens here, at the dispatch boundary, so the reducer only
// ever sees well-formed payloads. An empty payload decodes as the zero
// value for types whose fields are all optional.
func Decode(env Envelope) (any, error) {
	switch env.Type {
	case TypePhaseChanged:
		var payload PhaseChangedPayload
		if err := unmarshalPayload(env, &payload); err != nil {
			return nil, err
		}
		if !ValidPhase(payload.Phase) {
			return nil, fmt.Errorf("phase.changed: unknown phase %q", payload.Phase)
		}
		if payload.Phase == PhaseCompleted {
			// Only the completion event may terminate a session; a phase
			// transition must never carry the terminal phase.
			return nil, fmt.Errorf("phase.changed: terminal phase is reserved for %s", TypeCompleted)
		}
		return payload, nil
	case TypeAgentStarted:
		var payload AgentStartedPayload
		if err := unmarshalPayload(env, &payload); err != nil {
			return nil, err
		}
		if strings.TrimSpace(payload.Agent.ID) == "" {
			return nil, fmt.Errorf("agent.started: agent id is required")
		}
		return payload, nil
	case TypeAgentToken:
		var payload AgentTokenPayload
		if err := unmarshalPayload(env, &payload); err != nil {
			return nil, err
		}
		if strings.TrimSpace(payload.AgentID) == "" {
			return nil, fmt.Errorf("agent.token: agent id is required")
		}
		return payload, nil
	case TypeAgentCompleted:
		var payload AgentCompletedPayload
		if err := unmarshalPayload(env, &payload); err != nil {
			return nil, err
		}
		if strings.TrimSpace(payload.AgentID) == "" {
			return nil, fmt.Errorf("agent.completed: agent id is required")
		}
		if payload.DurationMs < 0 {
			return nil, fmt.Errorf("agent.completed: duration must not be negative")
		}
		return payload, nil
	case TypeAgentTimedOut:
		var payload AgentTimedOutPayload
		if err := unmarshalPayload(env, &payload); err != nil {
			return nil, err
		}
		if strings.TrimSpace(payload.AgentID) == "" {
			return nil, fmt.Errorf("agent.timed_out: agent id is required")
		}
		return payload, nil
	case TypeChallengeIssued:
		var payload ChallengeIssuedPayload
		if err := unmarshalPayload(env, &payload); err != nil {
			return nil, err
		}
		if strings.TrimSpace(payload.Challenger.ID) == "" {
			return nil, fmt.Errorf("challenge.issued: challenger id is required")
		}
		if strings.TrimSpace(payload.Target.ID) == "" {
			return nil, fmt.Errorf("challenge.issued: target id is required")
		}
		return payload, nil
	case TypeRebuttalIssued:
		var payload RebuttalIssuedPayload
		if err := unmarshalPayload(env, &payload); err != nil {
			return nil, err
		}
		if strings.TrimSpace(payload.TargetID) == "" {
			return nil, fmt.Errorf("rebuttal.issued: target id is required")
		}
		return payload, nil
	case TypeSynthesisStarted:
		var payload SynthesisStartedPayload
		if err := unmarshalPayload(env, &payload); err != nil {
			return nil, err
		}
		return payload, nil
	case TypeSynthesisToken:
		var payload SynthesisTokenPayload
		if err := unmarshalPayload(env, &payload); err != nil {
			return nil, err
		}
		return payload, nil
	case TypeCompleted:
		var payload CompletedPayload
		if err := unmarshalPayload(env, &payload); err != nil {
			return nil, err
		}
		if payload.Confidence < 0 || payload.Confidence > 100 {
			return nil, fmt.Errorf("deliberation.completed: confidence %d outside 0-100", payload.Confidence)
		}
		return payload, nil
	case TypeUserMessage:
		var payload UserMessagePayload
		if err := unmarshalPayload(env, &payload); err != nil {
			return nil, err
		}
		if payload.Text == "" {
			return nil, fmt.Errorf("user.message: text is required")
		}
		return payload, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func unmarshalPayload(env Envelope, target any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, target); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return nil
}
