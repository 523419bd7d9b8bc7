package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

// Server is the HTTP surface of an inbox node.
type Server struct {
	inbox         *Inbox
	operatorToken string
	feed          *TaskFeed
	bond          *SpamBondGate
	throttle      *IPThrottle
	startTime     time.Time
}

// NewServer builds the HTTP layer. feed, bond and throttle may be nil.
func NewServer(inbox *Inbox, operatorToken string, feed *TaskFeed, bond *SpamBondGate, throttle *IPThrottle) *Server {
	return &Server{
		inbox:         inbox,
		operatorToken: operatorToken,
		feed:          feed,
		bond:          bond,
		throttle:      throttle,
		startTime:     time.Now(),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /.well-known/agent.json", s.handleManifest)
	mux.HandleFunc("GET /manifest", s.handleManifest)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /openapi.json", handleOpenAPI)
	mux.HandleFunc("GET /pricing", s.handlePricing)

	var inbox http.Handler = http.HandlerFunc(s.handleInbox)
	if s.bond != nil {
		inbox = s.bond.Wrap(inbox)
	}
	mux.Handle("POST /inbox", inbox)

	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("GET /tasks/{id}/status", s.handleStatus)
	mux.Handle("POST /tasks/{id}/complete", s.operatorOnly(http.HandlerFunc(s.handleComplete)))
	mux.Handle("POST /tasks/{id}/reject", s.operatorOnly(http.HandlerFunc(s.handleReject)))
	mux.HandleFunc("GET /receipts", s.handleReceipts)

	if s.feed != nil {
		mux.HandleFunc("GET /ws/tasks", s.feed.handleInfo)
	}

	if s.throttle != nil {
		return s.throttle.Middleware(mux)
	}
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("write response: %v", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return newInboxError(KindInvalidRequest, http.StatusBadRequest, "invalid JSON body: %v", err)
	}
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	m := s.inbox.Manifest()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":     m.Name,
		"protocol": "Agent Inbox Protocol",
		"version":  protocolVersion,
		"agent_id": m.AgentID,
		"endpoints": []string{
			"GET /.well-known/agent.json - agent manifest",
			"GET /health - liveness and counts",
			"POST /inbox - submit a signed task",
			"GET /tasks/{id}/status - task status, result and receipt",
			"POST /tasks/{id}/complete - operator: complete a task",
			"POST /tasks/{id}/reject - operator: reject a task",
			"GET /tasks?status=&limit= - list tasks",
			"GET /receipts?agent_id=&task_type=&limit= - reputation query",
			"GET /ws/tasks - live task events (WebSocket)",
			"GET /openapi.json - OpenAPI document",
		},
	})
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "public, max-age=60")
	writeJSON(w, http.StatusOK, s.inbox.Manifest())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.inbox.Stats()
	resp := map[string]interface{}{
		"status":    "ok",
		"agent_id":  s.inbox.AgentID(),
		"uptime":    time.Since(s.startTime).Round(time.Second).String(),
		"tasks":     stats.Tasks,
		"pending":   stats.Pending,
		"completed": stats.Completed,
		"rejected":  stats.Rejected,
		"receipts":  stats.Receipts,
		"nonces":    stats.Nonces,
	}
	if s.feed != nil {
		resp["ws_clients"] = s.feed.ClientCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	t, err := s.inbox.Submit(&req)
	if err != nil {
		log.WithFields(log.Fields{
			"task_id": req.TaskID,
			"kind":    ErrorKind(err),
			"ip":      s.throttle.clientIP(r),
		}).Info("task refused")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"status":     "accepted",
		"task_id":    t.TaskID,
		"status_url": "/tasks/" + t.TaskID + "/status",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.inbox.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type completeRequest struct {
	Result       interface{} `json:"result"`
	PaymentProof string      `json:"payment_proof,omitempty"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var body completeRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	t, err := s.inbox.Complete(r.PathValue("id"), body.Result, body.PaymentProof)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  t.Status,
		"task_id": t.TaskID,
		"receipt": t.Receipt,
	})
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var body rejectRequest
	// An empty body is allowed; the default reason applies.
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &body); err != nil {
			writeError(w, err)
			return
		}
	}
	t, err := s.inbox.Reject(r.PathValue("id"), body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  t.Status,
		"task_id": t.TaskID,
		"reason":  t.RejectReason,
	})
}

func queryLimit(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return n
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := TaskStatus(r.URL.Query().Get("status"))
	tasks, err := s.inbox.ListTasks(status, queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"count": len(tasks),
	})
}

func (s *Server) handleReceipts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	receipts, err := s.inbox.ListReceipts(q.Get("agent_id"), q.Get("task_type"), queryLimit(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"receipts": receipts,
		"count":    len(receipts),
	})
}

// operatorOnly guards task transitions. With a configured token the
// caller must present it as a bearer token; without one only loopback
// peers are accepted.
func (s *Server) operatorOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.checkOperator(r); err != nil {
			log.WithField("ip", r.RemoteAddr).Warnf("operator check failed: %v", err)
			writeError(w, newInboxError(KindUnauthorized, http.StatusUnauthorized, "%v", err))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkOperator(r *http.Request) error {
	if s.operatorToken != "" {
		auth := strings.TrimSpace(r.Header.Get("Authorization"))
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.operatorToken)) != 1 {
			return errors.New("missing or invalid operator token")
		}
		return nil
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		return errors.New("operator endpoints are local-only when no operator token is configured")
	}
	return nil
}
