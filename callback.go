package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// CallbackDelivery is one pending or dead-lettered notification.
type CallbackDelivery struct {
	TaskID    string          `json:"task_id"`
	URL       string          `json:"url"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	FailedAt  time.Time       `json:"failed_at,omitempty"`
}

// DeadLetterStore keeps callbacks that exhausted their retries.
type DeadLetterStore struct{ s *jsonStore }

func NewDeadLetterStore(dir string) (*DeadLetterStore, error) {
	s, err := newJSONStore(dir)
	if err != nil {
		return nil, err
	}
	return &DeadLetterStore{s: s}, nil
}

func (d *DeadLetterStore) Put(cd *CallbackDelivery) error { return d.s.put(cd.TaskID, cd) }

func (d *DeadLetterStore) Count() int { return d.s.count() }

// CallbackDispatcher POSTs the final task status to a task's callback
// URL once it reaches a terminal state. Failed deliveries are retried
// with exponential backoff up to MaxAttempts and then dead-lettered.
// Delivery never blocks task storage.
type CallbackDispatcher struct {
	cfg    CallbackConfig
	client *http.Client
	dead   *DeadLetterStore
	queue  chan *CallbackDelivery

	mu      sync.Mutex
	pending sync.WaitGroup
	ctx     context.Context
	stopped bool
}

// NewCallbackDispatcher creates a dispatcher; call Run to start it.
func NewCallbackDispatcher(cfg CallbackConfig, dead *DeadLetterStore) *CallbackDispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CallbackDispatcher{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		dead:   dead,
		queue:  make(chan *CallbackDelivery, 256),
		ctx:    context.Background(),
	}
}

// TaskChanged enqueues a delivery for terminal tasks with a callback URL.
func (d *CallbackDispatcher) TaskChanged(ev TaskEvent) {
	if ev.Type == EventSubmitted || ev.Task.CallbackURL == "" {
		return
	}
	payload, err := json.Marshal(ev.Task.statusView())
	if err != nil {
		log.WithField("task_id", ev.Task.TaskID).Errorf("callback: encode payload: %v", err)
		return
	}
	d.Enqueue(&CallbackDelivery{TaskID: ev.Task.TaskID, URL: ev.Task.CallbackURL, Payload: payload})
}

// Enqueue schedules cd without blocking. A full queue or a stopped
// dispatcher dead-letters it.
func (d *CallbackDispatcher) Enqueue(cd *CallbackDelivery) {
	d.pending.Add(1)
	if reason := d.push(cd); reason != "" {
		cd.LastError = reason
		d.deadLetter(cd)
	}
}

// push queues cd, returning why it could not.
func (d *CallbackDispatcher) push(cd *CallbackDelivery) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return "dispatcher stopped"
	}
	select {
	case d.queue <- cd:
		return ""
	default:
		return "callback queue full"
	}
}

// Run delivers queued callbacks until ctx is done. Whatever is still
// queued then is dead-lettered, so Wait always returns.
func (d *CallbackDispatcher) Run(ctx context.Context) {
	d.mu.Lock()
	d.ctx = ctx
	d.mu.Unlock()
	if d.dead != nil {
		if n := d.dead.Count(); n > 0 {
			log.Warnf("callback: %d undelivered callbacks in the dead letter store", n)
		}
	}
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return
		default:
		}
		select {
		case <-ctx.Done():
			d.drain()
			return
		case cd := <-d.queue:
			d.attempt(ctx, cd)
		}
	}
}

func (d *CallbackDispatcher) drain() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	for {
		select {
		case cd := <-d.queue:
			cd.LastError = "shutdown before delivery"
			d.deadLetter(cd)
		default:
			return
		}
	}
}

// Wait blocks until every enqueued delivery succeeded or was dead-lettered.
func (d *CallbackDispatcher) Wait() { d.pending.Wait() }

func (d *CallbackDispatcher) backoff(attempt int) time.Duration {
	delay := d.cfg.BaseDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if d.cfg.MaxDelay > 0 && delay >= d.cfg.MaxDelay {
			return d.cfg.MaxDelay
		}
	}
	return delay
}

func (d *CallbackDispatcher) attempt(ctx context.Context, cd *CallbackDelivery) {
	cd.Attempts++
	err := d.post(ctx, cd)
	if err == nil {
		log.WithFields(log.Fields{"task_id": cd.TaskID, "attempts": cd.Attempts}).Info("callback delivered")
		d.pending.Done()
		return
	}
	cd.LastError = err.Error()
	if cd.Attempts >= d.cfg.MaxAttempts {
		d.deadLetter(cd)
		return
	}

	delay := d.backoff(cd.Attempts)
	log.WithFields(log.Fields{"task_id": cd.TaskID, "attempt": cd.Attempts}).
		Warnf("callback failed, retrying in %s: %v", delay, err)
	time.AfterFunc(delay, func() {
		d.mu.Lock()
		runCtx := d.ctx
		d.mu.Unlock()
		reason := "shutdown before retry"
		if runCtx.Err() == nil {
			if reason = d.push(cd); reason == "dispatcher stopped" {
				reason = "shutdown before retry"
			}
		}
		if reason != "" {
			cd.LastError = reason
			d.deadLetter(cd)
		}
	})
}

func (d *CallbackDispatcher) post(ctx context.Context, cd *CallbackDelivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cd.URL, bytes.NewReader(cd.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-AIP-Task-ID", cd.TaskID)
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("callback returned %d", resp.StatusCode)
	}
	return nil
}

func (d *CallbackDispatcher) deadLetter(cd *CallbackDelivery) {
	defer d.pending.Done()
	cd.FailedAt = time.Now().UTC()
	log.WithFields(log.Fields{"task_id": cd.TaskID, "attempts": cd.Attempts}).
		Errorf("callback dead-lettered: %s", cd.LastError)
	if d.dead == nil {
		return
	}
	if err := d.dead.Put(cd); err != nil {
		log.WithField("task_id", cd.TaskID).Errorf("callback: write dead letter: %v", err)
	}
}
