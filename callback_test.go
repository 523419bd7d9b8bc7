package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func newTestDispatcher(t *testing.T, attempts int, delay time.Duration) (*CallbackDispatcher, *DeadLetterStore, context.CancelFunc) {
	t.Helper()
	dead, err := NewDeadLetterStore(filepath.Join(t.TempDir(), "dead"))
	if err != nil {
		t.Fatal(err)
	}
	d := NewCallbackDispatcher(CallbackConfig{MaxAttempts: attempts, BaseDelay: delay, MaxDelay: 10 * delay, Timeout: time.Second}, dead)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	t.Cleanup(cancel)
	return d, dead, cancel
}

func waitDispatcher(t *testing.T, d *CallbackDispatcher) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		d.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("deliveries did not settle")
	}
}

func readDeadLetter(dead *DeadLetterStore, taskID string) (*CallbackDelivery, error) {
	var cd CallbackDelivery
	if err := dead.s.get(taskID, &cd); err != nil {
		return nil, err
	}
	return &cd, nil
}

func completedTask(callback string) *Task {
	return &Task{
		TaskRequest: TaskRequest{TaskID: "cb-task", TaskType: "code.review", CallbackURL: callback},
		Status:      StatusCompleted,
		Result:      map[string]string{"summary": "ok"},
	}
}

func TestCallbackDelivered(t *testing.T) {
	type delivery struct {
		header string
		body   TaskStatusView
	}
	deliveries := make(chan delivery, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var dv delivery
		dv.header = r.Header.Get("X-AIP-Task-ID")
		json.NewDecoder(r.Body).Decode(&dv.body)
		deliveries <- dv
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d, dead, _ := newTestDispatcher(t, 3, time.Millisecond)
	d.TaskChanged(TaskEvent{Type: EventCompleted, Task: completedTask(srv.URL)})
	waitDispatcher(t, d)

	dv := <-deliveries
	header, got := dv.header, dv.body
	if header != "cb-task" || got.TaskID != "cb-task" || got.Status != StatusCompleted {
		t.Fatalf("unexpected delivery: header=%q body=%+v", header, got)
	}
	if got.Result == nil {
		t.Fatal("callback should carry the result")
	}
	if dead.Count() != 0 {
		t.Fatal("nothing should be dead-lettered")
	}
}

func TestCallbackIgnoresSubmittedAndMissingURL(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits.Add(1) }))
	defer srv.Close()

	d, _, _ := newTestDispatcher(t, 3, time.Millisecond)
	d.TaskChanged(TaskEvent{Type: EventSubmitted, Task: completedTask(srv.URL)})
	d.TaskChanged(TaskEvent{Type: EventRejected, Task: completedTask("")})
	waitDispatcher(t, d)
	if hits.Load() != 0 {
		t.Fatalf("expected no deliveries, got %d", hits.Load())
	}
}

func TestCallbackRetriesThenSucceeds(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d, dead, _ := newTestDispatcher(t, 5, time.Millisecond)
	d.TaskChanged(TaskEvent{Type: EventRejected, Task: completedTask(srv.URL)})
	waitDispatcher(t, d)

	if hits.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", hits.Load())
	}
	if dead.Count() != 0 {
		t.Fatal("successful retry must not dead-letter")
	}
}

func TestCallbackDeadLetter(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d, dead, _ := newTestDispatcher(t, 3, time.Millisecond)
	d.TaskChanged(TaskEvent{Type: EventCompleted, Task: completedTask(srv.URL)})
	waitDispatcher(t, d)

	if hits.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", hits.Load())
	}
	cd, err := readDeadLetter(dead, "cb-task")
	if err != nil {
		t.Fatalf("expected a dead letter: %v", err)
	}
	if cd.Attempts != 3 || cd.LastError != "callback returned 500" || cd.FailedAt.IsZero() {
		t.Fatalf("unexpected dead letter: %+v", cd)
	}
}

func TestCallbackShutdownDeadLetters(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d, dead, cancel := newTestDispatcher(t, 5, 100*time.Millisecond)
	d.TaskChanged(TaskEvent{Type: EventCompleted, Task: completedTask(srv.URL)})
	deadline := time.Now().Add(2 * time.Second)
	for hits.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first attempt never happened")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	waitDispatcher(t, d)

	cd, err := readDeadLetter(dead, "cb-task")
	if err != nil {
		t.Fatal(err)
	}
	if cd.LastError != "shutdown before retry" {
		t.Fatalf("unexpected last error %q", cd.LastError)
	}
}

func TestCallbackStopDeadLettersQueued(t *testing.T) {
	dead, err := NewDeadLetterStore(filepath.Join(t.TempDir(), "dead"))
	if err != nil {
		t.Fatal(err)
	}
	d := NewCallbackDispatcher(CallbackConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, dead)
	for _, id := range []string{"q1", "q2"} {
		d.Enqueue(&CallbackDelivery{TaskID: id, URL: "http://127.0.0.1:1/cb"})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx)
	waitDispatcher(t, d)

	if dead.Count() != 2 {
		t.Fatalf("expected both queued callbacks dead-lettered, got %d", dead.Count())
	}
	cd, err := readDeadLetter(dead, "q1")
	if err != nil || cd.Attempts != 0 || cd.LastError != "shutdown before delivery" {
		t.Fatalf("unexpected dead letter: %+v %v", cd, err)
	}

	// Later events are dead-lettered straight away.
	d.Enqueue(&CallbackDelivery{TaskID: "late", URL: "http://127.0.0.1:1/cb"})
	waitDispatcher(t, d)
	if cd, err := readDeadLetter(dead, "late"); err != nil || cd.LastError != "dispatcher stopped" {
		t.Fatalf("unexpected dead letter: %+v %v", cd, err)
	}
}

func TestCallbackBackoff(t *testing.T) {
	d := NewCallbackDispatcher(CallbackConfig{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 5 * time.Second}, nil)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := d.backoff(i + 1); got != w {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, w, got)
		}
	}
}
