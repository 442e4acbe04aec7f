package transport

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/venantvr/pubsub-relay/internal/broker"
)

// publishRequest is the body of POST /publish.
type publishRequest struct {
	Topic     string          `json:"topic"`
	MessageID string          `json:"message_id"`
	Message   json.RawMessage `json:"message"`
	Producer  string          `json:"producer"`
}

// dashboardSession is a minimal in-memory login flag. The spec treats
// dashboard login as a single shared toggle, not a per-user credential
// store, so one mutex-guarded token is enough.
type dashboardSession struct {
	mu     sync.Mutex
	active bool
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Topic == "" || req.MessageID == "" || req.Producer == "" {
		http.Error(w, "topic, message_id and producer are required", http.StatusBadRequest)
		return
	}

	info := s.broker.SaveMessage(req.Topic, req.MessageID, req.Message, req.Producer)

	frame, err := json.Marshal(struct {
		Event string             `json:"event"`
		Data  broker.MessageInfo `json:"data"`
	}{Event: "new_message", Data: info})
	if err != nil {
		s.logger.Error("failed to encode publish frame", zap.Error(err))
	} else {
		s.broker.Router().Publish(req.Topic, frame)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.GetClients())
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.GetMessages(r.Context()))
}

func (s *Server) handleConsumptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.GetConsumptions(r.Context()))
}

func (s *Server) handleGraphState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.GetGraphState(r.Context()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": float64(time.Now().UnixNano()) / 1e9,
	})
}

func (s *Server) handleDashboardLogin(w http.ResponseWriter, r *http.Request) {
	s.dashboard.mu.Lock()
	s.dashboard.active = true
	s.dashboard.mu.Unlock()
	s.broker.SetDashboardEnabled(true)
	writeJSON(w, http.StatusOK, map[string]bool{"dashboard_enabled": true})
}

func (s *Server) handleDashboardLogout(w http.ResponseWriter, r *http.Request) {
	s.dashboard.mu.Lock()
	s.dashboard.active = false
	s.dashboard.mu.Unlock()
	s.broker.SetDashboardEnabled(false)
	writeJSON(w, http.StatusOK, map[string]bool{"dashboard_enabled": false})
}

func (s *Server) handleDashboardStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"dashboard_enabled": s.broker.DashboardEnabled()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
