package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ronappleton/campaign-orchestrator/internal/admission"
	"github.com/ronappleton/campaign-orchestrator/internal/orchestrator"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("content-type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]any{"items": s.agents.Names()})
}

func (s *Server) handleDefinitions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		body := readBody(r)
		if len(body) == 0 {
			http.Error(w, "body required", http.StatusBadRequest)
			return
		}
		def, err := s.svc.CreateDefinition(r.Context(), body)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSONStatus(w, http.StatusCreated, def)
	case http.MethodGet:
		items, err := s.svc.ListDefinitions(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDefinitionByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/definitions/")
	if path == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	parts := strings.Split(path, "/")
	id := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch r.Method {
	case http.MethodGet:
		if action != "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		def, err := s.svc.GetDefinition(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, def)
	case http.MethodPost:
		switch action {
		case "activate":
			def, err := s.svc.ActivateDefinition(r.Context(), id)
			if err != nil {
				s.writeError(w, err)
				return
			}
			writeJSON(w, def)
		case "deactivate":
			def, err := s.svc.DeactivateDefinition(r.Context(), id)
			if err != nil {
				s.writeError(w, err)
				return
			}
			writeJSON(w, def)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req orchestrator.ActivationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.DefinitionID) == "" {
			http.Error(w, "definition_id required", http.StatusBadRequest)
			return
		}
		exec, err := s.svc.Activate(r.Context(), req)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSONStatus(w, http.StatusAccepted, exec)
	case http.MethodGet:
		owner := strings.TrimSpace(r.URL.Query().Get("owner"))
		if owner == "" {
			http.Error(w, "owner query param required", http.StatusBadRequest)
			return
		}
		items, err := s.svc.ListByOwner(r.Context(), owner)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleExecutionByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/executions/")
	if path == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	parts := strings.Split(path, "/")
	id := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch r.Method {
	case http.MethodGet:
		if action != "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		exec, err := s.svc.GetStatus(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, exec)
	case http.MethodPost:
		if action != "cancel" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		exec, err := s.svc.Cancel(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, exec)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAgentMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if agent := strings.TrimSpace(r.URL.Query().Get("agent")); agent != "" {
		snap, ok := s.metrics.Snapshot(agent)
		if !ok {
			http.Error(w, "no metrics for agent", http.StatusNotFound)
			return
		}
		writeJSON(w, snap)
		return
	}
	writeJSON(w, map[string]any{"items": s.metrics.AllSnapshots()})
}

func (s *Server) handleMetricsReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.aggregator.Reset()
	writeJSON(w, map[string]any{"ok": true})
}

type channelPolicyRequest struct {
	Channel      string `json:"channel"`
	WindowMs     int64  `json:"window_ms"`
	MaxRequests  int    `json:"max_requests"`
	BanThreshold int    `json:"ban_threshold"`
	BanDurationS int64  `json:"ban_duration_s"`
}

func (s *Server) handleAdmissionChannels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, map[string]any{
			"policies": s.guard.ChannelPolicies(),
			"windows":  s.guard.States(),
		})
	case http.MethodPost:
		var req channelPolicyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.Channel) == "" {
			http.Error(w, "channel required", http.StatusBadRequest)
			return
		}
		s.guard.SetChannelPolicy(req.Channel, admission.Policy{
			Window:       time.Duration(req.WindowMs) * time.Millisecond,
			MaxRequests:  req.MaxRequests,
			BanThreshold: req.BanThreshold,
			BanDuration:  time.Duration(req.BanDurationS) * time.Second,
		})
		writeJSON(w, map[string]any{"channel": req.Channel, "policy": s.guard.ChannelPolicy(req.Channel)})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAdmissionUnban(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Channel    string `json:"channel"`
		Identifier string `json:"identifier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Channel == "" || req.Identifier == "" {
		http.Error(w, "channel and identifier required", http.StatusBadRequest)
		return
	}
	s.guard.Unban(req.Channel, req.Identifier)
	writeJSON(w, map[string]any{"ok": true})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	items, err := s.deadletter.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"items": items})
}

func (s *Server) handleDeadLetterByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/deadletters/")
	if path == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	parts := strings.Split(path, "/")
	id := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch r.Method {
	case http.MethodGet:
		if action != "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		rec, err := s.deadletter.Get(r.Context(), id)
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, rec)
	case http.MethodPost:
		if action != "replay" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		eventID, err := s.deadletter.Replay(r.Context(), id, s.publisher)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{"event_id": eventID})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, orchestrator.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, orchestrator.ErrDefinitionNotLive):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func readBody(r *http.Request) []byte {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	b, _ := io.ReadAll(r.Body)
	return b
}
