package app

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/datacendia/council/internal/council/dispatch"
	"github.com/datacendia/council/internal/council/event"
	"github.com/datacendia/council/internal/storage"
)

const defaultHistoryLimit = 50

type submitRequest struct {
	Question string   `json:"question"`
	AgentIDs []string `json:"agent_ids"`
}

type submitResponse struct {
	SessionID string `json:"session_id"`
}

type sessionSummary struct {
	ID          string      `json:"id"`
	Question    string      `json:"question"`
	Phase       event.Phase `json:"phase"`
	AgentCount  int         `json:"agent_count"`
	Confidence  int         `json:"confidence,omitempty"`
	Revision    uint64      `json:"revision"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt time.Time   `json:"completed_at,omitzero"`
}

type listResponse struct {
	Sessions []sessionSummary `json:"sessions"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type historyRecord struct {
	SessionID     string          `json:"session_id"`
	Question      string          `json:"question"`
	SynthesisText string          `json:"synthesis_text"`
	Confidence    int             `json:"confidence"`
	AgentCount    int             `json:"agent_count"`
	Session       json.RawMessage `json:"session,omitempty"`
	CompletedAt   time.Time       `json:"completed_at"`
}

type historyResponse struct {
	Deliberations []historyRecord `json:"deliberations"`
}

// NewHandler creates the deliberation HTTP routes over dispatcher. The
// records store backs the persisted-history routes; a nil store serves an
// empty history.
func NewHandler(dispatcher *dispatch.Dispatcher, records storage.DeliberationStore) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("POST /deliberations", func(w http.ResponseWriter, r *http.Request) {
		var request submitRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		sessionID, err := dispatcher.SubmitDeliberation(r.Context(), request.Question, request.AgentIDs)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, submitResponse{SessionID: sessionID})
	})

	mux.HandleFunc("GET /deliberations", func(w http.ResponseWriter, r *http.Request) {
		snapshots := dispatcher.ListSessions()
		summaries := make([]sessionSummary, 0, len(snapshots))
		for _, snapshot := range snapshots {
			summaries = append(summaries, sessionSummary{
				ID:          snapshot.ID,
				Question:    snapshot.Question,
				Phase:       snapshot.Phase,
				AgentCount:  len(snapshot.AgentIDs),
				Confidence:  snapshot.Confidence,
				Revision:    snapshot.Revision,
				CreatedAt:   snapshot.CreatedAt,
				CompletedAt: snapshot.CompletedAt,
			})
		}
		writeJSON(w, http.StatusOK, listResponse{Sessions: summaries})
	})

	mux.HandleFunc("GET /deliberations/{id}", func(w http.ResponseWriter, r *http.Request) {
		snapshot, ok := dispatcher.GetSession(r.PathValue("id"))
		if !ok {
			writeJSONError(w, http.StatusNotFound, "deliberation not found")
			return
		}
		writeJSON(w, http.StatusOK, snapshot)
	})

	mux.Handle("GET /deliberations/{id}/stream", streamHandler(dispatcher))

	mux.HandleFunc("GET /history", func(w http.ResponseWriter, r *http.Request) {
		limit := defaultHistoryLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = parsed
		}
		listed := make([]historyRecord, 0)
		if records != nil {
			stored, err := records.ListDeliberations(r.Context(), limit)
			if err != nil {
				log.Printf("council app: list deliberation history: %v", err)
				writeJSONError(w, http.StatusInternalServerError, "history unavailable")
				return
			}
			for _, record := range stored {
				listed = append(listed, historyRecord{
					SessionID:     record.SessionID,
					Question:      record.Question,
					SynthesisText: record.SynthesisText,
					Confidence:    record.Confidence,
					AgentCount:    record.AgentCount,
					CompletedAt:   record.CompletedAt,
				})
			}
		}
		writeJSON(w, http.StatusOK, historyResponse{Deliberations: listed})
	})

	mux.HandleFunc("GET /history/{id}", func(w http.ResponseWriter, r *http.Request) {
		if records == nil {
			writeJSONError(w, http.StatusNotFound, "deliberation not found")
			return
		}
		record, err := records.GetDeliberation(r.Context(), r.PathValue("id"))
		if errors.Is(err, storage.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "deliberation not found")
			return
		}
		if err != nil {
			log.Printf("council app: get deliberation history: %v", err)
			writeJSONError(w, http.StatusInternalServerError, "history unavailable")
			return
		}
		writeJSON(w, http.StatusOK, historyRecord{
			SessionID:     record.SessionID,
			Question:      record.Question,
			SynthesisText: record.SynthesisText,
			Confidence:    record.Confidence,
			AgentCount:    record.AgentCount,
			Session:       json.RawMessage(record.SessionJSON),
			CompletedAt:   record.CompletedAt,
		})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("council app: encode response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
