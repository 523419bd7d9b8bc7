package main

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Task lifecycle events delivered to listeners.
const (
	EventSubmitted = "submitted"
	EventCompleted = "completed"
	EventRejected  = "rejected"
)

// TaskEvent is one persisted lifecycle transition.
type TaskEvent struct {
	Type string `json:"event"`
	Task *Task  `json:"task"`
}

// TaskListener is told about every persisted transition. Implementations
// must return quickly; slow work belongs on their own goroutine.
type TaskListener interface {
	TaskChanged(ev TaskEvent)
}

// InboxStats backs the health endpoint.
type InboxStats struct {
	Tasks     int `json:"tasks"`
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Rejected  int `json:"rejected"`
	Receipts  int `json:"receipts"`
	Nonces    int `json:"nonces"`
}

// Inbox is the task validation pipeline plus task/receipt lifecycle.
// All mutable state lives here, so several isolated inboxes can run in
// one process.
type Inbox struct {
	agent    *Keypair
	tasks    *TaskStore
	receipts *ReceiptStore
	nonces   *NonceTracker
	limiter  *RateLimiter
	locks    *keyedMutex

	mu        sync.RWMutex
	manifest  *Manifest
	listeners []TaskListener

	now func() time.Time
}

// NewInbox wires the pipeline. The manifest decides which capabilities
// are accepted.
func NewInbox(agent *Keypair, manifest *Manifest, tasks *TaskStore, receipts *ReceiptStore, nonces *NonceTracker, limiter *RateLimiter) *Inbox {
	return &Inbox{
		agent:    agent,
		manifest: manifest,
		tasks:    tasks,
		receipts: receipts,
		nonces:   nonces,
		limiter:  limiter,
		locks:    newKeyedMutex(),
		now:      time.Now,
	}
}

// AgentID is the serving agent's public identity.
func (in *Inbox) AgentID() string { return in.agent.ID() }

// Manifest returns the current manifest.
func (in *Inbox) Manifest() *Manifest {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.manifest
}

// AddListener registers l for lifecycle events.
func (in *Inbox) AddListener(l TaskListener) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.listeners = append(in.listeners, l)
}

func (in *Inbox) emit(typ string, t *Task) {
	in.mu.RLock()
	listeners := append([]TaskListener(nil), in.listeners...)
	in.mu.RUnlock()
	ev := TaskEvent{Type: typ, Task: t}
	for _, l := range listeners {
		l.TaskChanged(ev)
	}
}

// Submit validates a signed request and stores it as a pending task.
// Checks run cheapest first: field presence, rate limit, replay window,
// signature, then capability. Nothing is persisted on any failure.
func (in *Inbox) Submit(req *TaskRequest) (*Task, error) {
	return in.submit(req, "")
}

// SubmitFrom is Submit for tasks entering through a bridge.
func (in *Inbox) SubmitFrom(req *TaskRequest, source string) (*Task, error) {
	return in.submit(req, source)
}

func (in *Inbox) submit(req *TaskRequest, source string) (*Task, error) {
	now := in.now()

	if missing := req.missingFields(); len(missing) > 0 {
		return nil, newInboxError(KindMissingFields, http.StatusBadRequest,
			"missing required fields: %s", strings.Join(missing, ", "))
	}

	if _, ok := in.limiter.Allow(req.RequesterID, now); !ok {
		e := newInboxError(KindRateLimited, http.StatusTooManyRequests,
			"too many requests from this requester, try again later")
		e.RetryAfter = in.limiter.ResetTime(req.RequesterID, now).Sub(now)
		return nil, e
	}

	ts, err := time.Parse(time.RFC3339Nano, req.Timestamp)
	if err != nil {
		return nil, newInboxError(KindInvalidNonce, http.StatusBadRequest,
			"timestamp is not ISO-8601")
	}
	if !in.nonces.Check(req.Nonce, ts, now) {
		return nil, newInboxError(KindInvalidNonce, http.StatusBadRequest,
			"nonce already used or timestamp outside the replay window")
	}

	if !VerifyRequest(req) {
		return nil, newInboxError(KindInvalidSignature, http.StatusUnauthorized,
			"signature does not verify against requester_id")
	}

	manifest := in.Manifest()
	if !manifest.Supports(req.TaskType) {
		e := newInboxError(KindCapabilityNotFound, http.StatusNotFound,
			"task type %q is not supported by this agent", req.TaskType)
		e.Supported = manifest.CapabilityTypes()
		return nil, e
	}
	if req.CallbackURL != "" && !validCallbackURL(req.CallbackURL) {
		return nil, newInboxError(KindInvalidRequest, http.StatusBadRequest,
			"callback_url must be an absolute http or https URL")
	}
	if !validRecordID(req.TaskID) {
		return nil, newInboxError(KindInvalidRequest, http.StatusBadRequest,
			"task_id must be at most 128 characters without path separators")
	}

	unlock := in.locks.Lock(req.TaskID)
	defer unlock()

	if in.tasks.Exists(req.TaskID) {
		return nil, newInboxError(KindDuplicateTask, http.StatusConflict,
			"task %s already exists", req.TaskID)
	}
	if !in.nonces.Record(req.Nonce, now) {
		return nil, newInboxError(KindInvalidNonce, http.StatusBadRequest,
			"nonce already used or timestamp outside the replay window")
	}

	t := &Task{
		TaskRequest: *req,
		Status:      StatusPending,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
		Source:      source,
	}
	if err := in.tasks.Put(t); err != nil {
		in.nonces.Forget(req.Nonce)
		log.WithField("task_id", req.TaskID).Errorf("persist task: %v", err)
		return nil, newInboxError(KindInternal, http.StatusInternalServerError, "failed to store task")
	}

	log.WithFields(log.Fields{
		"task_id":   t.TaskID,
		"task_type": t.TaskType,
		"requester": shortID(t.RequesterID),
	}).Info("task accepted")
	in.emit(EventSubmitted, t)
	return t, nil
}

// Complete stores the result, issues a signed receipt and moves the task
// to completed. The per-task lock guarantees a receipt is issued at most
// once.
func (in *Inbox) Complete(taskID string, result interface{}, paymentProof string) (*Task, error) {
	unlock := in.locks.Lock(taskID)
	defer unlock()

	t, err := in.loadTask(taskID)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, newInboxError(KindMissingResult, http.StatusBadRequest, "result is required")
	}
	if t.Status.Terminal() {
		return nil, newInboxError(KindInvalidState, http.StatusConflict,
			"task %s is already %s", taskID, t.Status)
	}

	hash, err := HashResult(result)
	if err != nil {
		return nil, newInboxError(KindMissingResult, http.StatusBadRequest, "result is not JSON-encodable")
	}
	now := in.now().UTC()
	rc := &Receipt{
		TaskID:              t.TaskID,
		RequesterID:         t.RequesterID,
		AgentID:             in.AgentID(),
		TaskType:            t.TaskType,
		CompletionTimestamp: now.Format(time.RFC3339Nano),
		ResultHash:          hash,
		PaymentProof:        paymentProof,
	}
	msg, err := CanonicalReceipt(rc)
	if err != nil {
		return nil, newInboxError(KindInternal, http.StatusInternalServerError, "failed to encode receipt")
	}
	rc.AgentSignature = SignMessage(msg, in.agent.SecretKey)

	if err := in.receipts.Put(rc); err != nil {
		log.WithField("task_id", taskID).Errorf("persist receipt: %v", err)
		return nil, newInboxError(KindInternal, http.StatusInternalServerError, "failed to store receipt")
	}

	t.Status = StatusCompleted
	t.Result = result
	t.Receipt = rc
	t.UpdatedAt = now
	if err := in.tasks.Put(t); err != nil {
		log.WithField("task_id", taskID).Errorf("persist completed task: %v", err)
		return nil, newInboxError(KindInternal, http.StatusInternalServerError, "failed to store task")
	}

	log.WithFields(log.Fields{"task_id": taskID, "result_hash": hash}).Info("task completed")
	in.emit(EventCompleted, t)
	return t, nil
}

const defaultRejectReason = "rejected by agent"

// Reject moves a pending task to rejected. No receipt is produced.
// Rejecting a task that is already terminal fails with invalid_state and
// leaves the record untouched.
func (in *Inbox) Reject(taskID, reason string) (*Task, error) {
	unlock := in.locks.Lock(taskID)
	defer unlock()

	t, err := in.loadTask(taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, newInboxError(KindInvalidState, http.StatusConflict,
			"task %s is already %s", taskID, t.Status)
	}
	if strings.TrimSpace(reason) == "" {
		reason = defaultRejectReason
	}
	t.Status = StatusRejected
	t.RejectReason = reason
	t.UpdatedAt = in.now().UTC()
	if err := in.tasks.Put(t); err != nil {
		log.WithField("task_id", taskID).Errorf("persist rejected task: %v", err)
		return nil, newInboxError(KindInternal, http.StatusInternalServerError, "failed to store task")
	}

	log.WithFields(log.Fields{"task_id": taskID, "reason": reason}).Info("task rejected")
	in.emit(EventRejected, t)
	return t, nil
}

// Task returns the full stored record.
func (in *Inbox) Task(taskID string) (*Task, error) {
	return in.loadTask(taskID)
}

// Status returns the status view of a task.
func (in *Inbox) Status(taskID string) (TaskStatusView, error) {
	t, err := in.loadTask(taskID)
	if err != nil {
		return TaskStatusView{}, err
	}
	return t.statusView(), nil
}

func (in *Inbox) loadTask(taskID string) (*Task, error) {
	t, err := in.tasks.Get(taskID)
	if err == ErrNotFound {
		return nil, newInboxError(KindNotFound, http.StatusNotFound, "task %s not found", taskID)
	}
	if err != nil {
		log.WithField("task_id", taskID).Errorf("load task: %v", err)
		return nil, newInboxError(KindInternal, http.StatusInternalServerError, "failed to load task")
	}
	return t, nil
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// ListTasks returns tasks newest first, optionally filtered by status.
func (in *Inbox) ListTasks(status TaskStatus, limit int) ([]TaskSummary, error) {
	all, err := in.tasks.All()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	limit = clampLimit(limit)
	out := make([]TaskSummary, 0, limit)
	for _, t := range all {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t.summary())
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListReceipts returns receipts newest first by completion time,
// optionally filtered by agent and task type.
func (in *Inbox) ListReceipts(agentID, taskType string, limit int) ([]*Receipt, error) {
	all, err := in.receipts.All()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].completedAt().After(all[j].completedAt())
	})
	limit = clampLimit(limit)
	out := make([]*Receipt, 0, limit)
	for _, rc := range all {
		if agentID != "" && rc.AgentID != agentID {
			continue
		}
		if taskType != "" && rc.TaskType != taskType {
			continue
		}
		out = append(out, rc)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Stats counts tasks by status.
func (in *Inbox) Stats() InboxStats {
	s := InboxStats{Tasks: in.tasks.Count(), Receipts: in.receipts.Count(), Nonces: in.nonces.Len()}
	all, err := in.tasks.All()
	if err != nil {
		return s
	}
	for _, t := range all {
		switch t.Status {
		case StatusPending:
			s.Pending++
		case StatusCompleted:
			s.Completed++
		case StatusRejected:
			s.Rejected++
		}
	}
	return s
}

// keyedMutex hands out one mutex per key, dropping it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free and returns its unlock func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func validCallbackURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
