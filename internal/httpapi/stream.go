package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/maestro-rag/maestro/internal/rag"
	"github.com/maestro-rag/maestro/internal/router"
	"github.com/maestro-rag/maestro/internal/streaming"
	"go.uber.org/zap"
)

const streamSubscriberBuffer = 256

// handleStream answers a question while streaming progress as SSE.
//
//	GET  /ask-smart-stream?question=...&scope=all
//	POST /ask-smart-stream {"question": "..."}
//
// Reconnects pass query_id plus Last-Event-ID (header or query param)
// to replay missed events without re-running the question.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}

	queryID := r.URL.Query().Get("query_id")
	resuming := queryID != ""

	var q rag.Question
	if !resuming {
		switch r.Method {
		case http.MethodGet:
			q.Text = r.URL.Query().Get("question")
			q.Scope = rag.Scope(r.URL.Query().Get("scope"))
			if k := r.URL.Query().Get("top_k"); k != "" {
				if n, err := strconv.Atoi(k); err == nil {
					q.TopK = n
				}
			}
		case http.MethodPost:
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
			if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
				s.writeError(w, rag.E("httpapi.stream", rag.KindInvalidInput, err))
				return
			}
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if q.Text == "" {
			http.Error(w, `{"error":"question required"}`, http.StatusBadRequest)
			return
		}
		queryID = router.NewQueryID()
	}

	var lastID uint64
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			lastID = n
		}
	}
	if v := r.URL.Query().Get("last_event_id"); v != "" && lastID == 0 {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			lastID = n
		}
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Subscribe before launching the run so no events slip past.
	ch := s.bus.Subscribe(queryID, streamSubscriberBuffer)
	defer s.bus.Unsubscribe(queryID, ch)

	fmt.Fprintf(w, ": connected to query %s\n\n", queryID)
	flusher.Flush()

	if !resuming {
		s.runStreamed(queryID, q)
	}

	// Replay backlog past lastID; on resume the full ring replays.
	if lastID > 0 || resuming {
		for _, ev := range s.bus.ReplaySince(queryID, lastID) {
			writeSSE(w, ev)
			if ev.Type == streaming.TypeDone {
				flusher.Flush()
				return
			}
		}
		flusher.Flush()
	}

	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("SSE client disconnected", zap.String("query_id", queryID))
			return
		case ev := <-ch:
			writeSSE(w, ev)
			flusher.Flush()
			if ev.Type == streaming.TypeDone {
				return
			}
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev streaming.Event) {
	if ev.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", ev.Seq)
	}
	if ev.Type != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", string(sseData(ev)))
}

// sseData unwraps the bus envelope into the payload each event type
// carries on the wire: done is the "[DONE]" sentinel, result is the
// answer object itself, retrieval/metadata/error are their metadata
// objects. Progress events keep the envelope for step and message.
func sseData(ev streaming.Event) []byte {
	switch ev.Type {
	case streaming.TypeDone:
		return []byte(`"[DONE]"`)
	case streaming.TypeResult:
		if a, ok := ev.Metadata["answer"]; ok {
			if b, err := json.Marshal(a); err == nil {
				return b
			}
		}
	case streaming.TypeRetrieval, streaming.TypeMetadata, streaming.TypeError:
		if ev.Metadata != nil {
			if b, err := json.Marshal(ev.Metadata); err == nil {
				return b
			}
		}
	}
	return ev.Marshal()
}

// runStreamed executes the question in the background so the run
// survives a client disconnect; reconnects replay from the ring.
func (s *Server) runStreamed(queryID string, q rag.Question) {
	s.bus.Publish(queryID, streaming.Event{
		Type:     streaming.TypeMetadata,
		Message:  "accepted",
		Metadata: map[string]interface{}{"query_id": queryID},
	})

	go func() {
		ans, err := s.router.Ask(context.Background(), queryID, q)
		if err != nil {
			s.bus.Publish(queryID, streaming.Event{
				Type:    streaming.TypeError,
				Message: publicMessage(rag.KindOf(err)),
				Metadata: map[string]interface{}{
					"error": publicMessage(rag.KindOf(err)),
					"kind":  string(rag.KindOf(err)),
				},
			})
			// The stream always closes with done, error or not.
			s.bus.Publish(queryID, streaming.Event{
				Type:    streaming.TypeDone,
				Message: "[DONE]",
			})
			return
		}
		s.bus.Publish(queryID, streaming.Event{
			Type: streaming.TypeRetrieval,
			Metadata: map[string]interface{}{
				"num_chunks":        ans.ChunksUsed,
				"retrieval_time_ms": ans.Timings["retrieval_ms"],
				"citations":         ans.Citations,
			},
		})
		s.bus.Publish(queryID, streaming.Event{
			Type:     streaming.TypeResult,
			Message:  "answer ready",
			Metadata: map[string]interface{}{"answer": ans},
		})
		s.bus.Publish(queryID, streaming.Event{
			Type: streaming.TypeMetadata,
			Metadata: map[string]interface{}{
				"token_usage":   ans.TokenUsage,
				"cost":          ans.CostUSD,
				"total_time_ms": ans.Timings["total_ms"],
			},
		})
		s.bus.Publish(queryID, streaming.Event{
			Type:    streaming.TypeDone,
			Message: "[DONE]",
		})
	}()
}
