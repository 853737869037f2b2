package serve

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/coppicelabs/relay"
)

type submitRequest struct {
	Message string `json:"message"`
}

// handleSubmit accepts a user message and streams the turn's events back as
// newline-delimited JSON. Client disconnect cancels the turn.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	threadID := r.PathValue("id")

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	stream, err := s.orch.Submit(r.Context(), threadID, req.Message)
	if err != nil {
		if errors.Is(err, relay.ErrInvalidInput) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "submit failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			// The submit context is r.Context(), so the turn is already
			// cancelling; drain nothing, just leave.
			log.Debug().Str("thread_id", threadID).Msg("client disconnected")
			return
		case ev, ok := <-stream.Events():
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleThread returns a thread snapshot.
func (s *Server) handleThread(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("id")

	thread, err := s.orch.Thread(r.Context(), threadID)
	if err != nil {
		log.Error().Err(err).Str("thread_id", threadID).Msg("thread load failed")
		http.Error(w, "thread load failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"thread": thread,
		"state":  s.orch.State(threadID),
	})
}

// handleCapabilities lists worker capabilities and their discovered tools.
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	type capability struct {
		Name  string        `json:"name"`
		Tools []toolSummary `json:"tools"`
		State string        `json:"state"`
	}

	var out []capability
	for _, name := range s.mgr.Capabilities() {
		c := capability{Name: name}
		if worker, err := s.mgr.Worker(name); err == nil {
			c.State = string(worker.State())
		}
		if tools, err := s.mgr.Tools(name); err == nil {
			for _, t := range tools {
				c.Tools = append(c.Tools, toolSummary{Name: t.Name, Description: t.Description})
			}
		}
		out = append(out, c)
	}

	writeJSON(w, http.StatusOK, map[string]any{"capabilities": out})
}

type toolSummary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("response encode failed")
	}
}
