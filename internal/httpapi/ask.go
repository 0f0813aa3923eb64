package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/maestro-rag/maestro/internal/rag"
	"github.com/maestro-rag/maestro/internal/router"
)

const maxBodyBytes = 64 << 10

func (s *Server) decodeQuestion(w http.ResponseWriter, r *http.Request) (rag.Question, bool) {
	var q rag.Question
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&q); err != nil {
		s.writeError(w, rag.E("httpapi.decode", rag.KindInvalidInput, err))
		return q, false
	}
	return q, true
}

// handleAskSmart answers with bandit-selected routing.
// POST /ask-smart {"question": "...", "top_k": 5, "scope": "all"}
func (s *Server) handleAskSmart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q, ok := s.decodeQuestion(w, r)
	if !ok {
		return
	}
	if q.StrategyOverride != "" {
		ans, err := s.router.AskForced(r.Context(), router.NewQueryID(), q, q.StrategyOverride)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, ans)
		return
	}
	ans, err := s.router.Ask(r.Context(), router.NewQueryID(), q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ans)
}

// forcedHandler builds the POST /ask-<strategy> endpoints. Forced runs
// bypass selection and leave the bandit untouched.
func (s *Server) forcedHandler(arm string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		q, ok := s.decodeQuestion(w, r)
		if !ok {
			return
		}
		ans, err := s.router.AskForced(r.Context(), router.NewQueryID(), q, arm)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, ans)
	}
}

type feedbackRequest struct {
	QueryID string  `json:"query_id"`
	Rating  float64 `json:"rating"`
}

type feedbackResponse struct {
	StrategyUpdated string `json:"strategy_updated"`
	BanditUpdated   bool   `json:"bandit_updated"`
	Message         string `json:"message"`
}

// handleFeedback folds a user rating into the arm that answered the
// query. POST /feedback {"query_id": "...", "rating": 1.0}
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req feedbackRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, rag.E("httpapi.feedback", rag.KindInvalidInput, err))
		return
	}
	if req.QueryID == "" {
		s.writeError(w, rag.E("httpapi.feedback", rag.KindInvalidInput, errors.New("query_id required")))
		return
	}
	arm, err := s.router.Feedback(req.QueryID, req.Rating)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, feedbackResponse{
		StrategyUpdated: arm,
		BanditUpdated:   true,
		Message:         "feedback recorded",
	})
}
