package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type testServer struct {
	in      *Inbox
	handler http.Handler
}

func newTestServer(t *testing.T, token string) *testServer {
	t.Helper()
	in := newTestInbox(t)
	feed := NewTaskFeed(in.AgentID())
	in.AddListener(feed)
	return &testServer{in: in, handler: NewServer(in, token, feed, nil, nil).Handler()}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if mutate != nil {
		mutate(req)
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func fromLoopback(r *http.Request) { r.RemoteAddr = "127.0.0.1:4321" }

func decodeMap(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("invalid JSON %q: %v", rr.Body.String(), err)
	}
	return m
}

func wantError(t *testing.T, rr *httptest.ResponseRecorder, status int, kind string) map[string]interface{} {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, rr.Code, rr.Body.String())
	}
	m := decodeMap(t, rr)
	if m["error"] != kind {
		t.Fatalf("expected error %s, got %v", kind, m["error"])
	}
	if _, ok := m["message"].(string); !ok {
		t.Fatalf("error body needs a message: %v", m)
	}
	return m
}

func TestManifestEndpoints(t *testing.T) {
	ts := newTestServer(t, "")
	for _, path := range []string{"/.well-known/agent.json", "/manifest"} {
		rr := ts.do(t, "GET", path, nil, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rr.Code)
		}
		var m Manifest
		if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
			t.Fatal(err)
		}
		if m.AgentID != ts.in.AgentID() || len(m.Capabilities) != 2 {
			t.Fatalf("%s: unexpected manifest %+v", path, m)
		}
		if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Fatalf("%s: manifest should be readable cross-origin", path)
		}
	}
}

func TestRootAndHealth(t *testing.T) {
	ts := newTestServer(t, "")
	rr := ts.do(t, "GET", "/", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if decodeMap(t, rr)["agent_id"] != ts.in.AgentID() {
		t.Fatal("landing page should name the agent")
	}

	rr = ts.do(t, "GET", "/health", nil, nil)
	m := decodeMap(t, rr)
	if m["status"] != "ok" {
		t.Fatalf("unexpected health: %v", m)
	}
	if _, ok := m["ws_clients"]; !ok {
		t.Fatal("health should report ws_clients when the feed is on")
	}

	rr = ts.do(t, "GET", "/nope", nil, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown path: expected 404, got %d", rr.Code)
	}
}

func TestSubmitOverHTTP(t *testing.T) {
	ts := newTestServer(t, "")
	req := signedRequest(t, mustKeypair(t), "code.review")

	rr := ts.do(t, "POST", "/inbox", req, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	m := decodeMap(t, rr)
	if m["status"] != "accepted" || m["task_id"] != req.TaskID {
		t.Fatalf("unexpected acceptance: %v", m)
	}
	if m["status_url"] != "/tasks/"+req.TaskID+"/status" {
		t.Fatalf("unexpected status_url: %v", m["status_url"])
	}

	rr = ts.do(t, "GET", "/tasks/"+req.TaskID+"/status", nil, nil)
	if rr.Code != http.StatusOK || decodeMap(t, rr)["status"] != "pending" {
		t.Fatalf("status lookup: %d %s", rr.Code, rr.Body.String())
	}

	// Replaying the exact body is refused.
	rr = ts.do(t, "POST", "/inbox", req, nil)
	wantError(t, rr, http.StatusBadRequest, KindInvalidNonce)
}

func TestResearchTaskLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, "")
	kp := mustKeypair(t)
	req := NewTaskRequest(kp, "research.web", "x", nil)
	req.Timestamp = testNow.Format(time.RFC3339Nano)
	if err := SignRequest(req, kp); err != nil {
		t.Fatal(err)
	}

	if rr := ts.do(t, "POST", "/inbox", req, nil); rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	rr := ts.do(t, "POST", "/inbox", req, nil)
	wantError(t, rr, http.StatusBadRequest, KindInvalidNonce)

	rr = ts.do(t, "POST", "/tasks/"+req.TaskID+"/complete",
		`{"result":{"finding":"none"}}`, fromLoopback)
	if rr.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", rr.Code, rr.Body.String())
	}

	rr = ts.do(t, "GET", "/tasks/"+req.TaskID+"/status", nil, nil)
	var view TaskStatusView
	if err := json.Unmarshal(rr.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view.Status != StatusCompleted || view.Receipt == nil {
		t.Fatalf("expected a completed task with a receipt: %s", rr.Body.String())
	}
	rc := view.Receipt
	if rc.ResultHash != findingNoneHash {
		t.Fatalf("result_hash = %s, want %s", rc.ResultHash, findingNoneHash)
	}
	if rc.TaskID != req.TaskID || rc.RequesterID != kp.ID() || rc.AgentID != ts.in.AgentID() || rc.TaskType != "research.web" {
		t.Fatalf("unexpected receipt: %+v", rc)
	}
	if !VerifyReceipt(rc, ts.in.AgentID()) {
		t.Fatal("receipt should verify against the agent id")
	}
}

func TestSubmitErrorsOverHTTP(t *testing.T) {
	ts := newTestServer(t, "")
	kp := mustKeypair(t)

	rr := ts.do(t, "POST", "/inbox", "{not json", nil)
	wantError(t, rr, http.StatusBadRequest, KindInvalidRequest)

	rr = ts.do(t, "POST", "/inbox", map[string]string{"task_id": "x"}, nil)
	wantError(t, rr, http.StatusBadRequest, KindMissingFields)

	forged := signedRequest(t, kp, "code.review")
	forged.Description = "changed"
	rr = ts.do(t, "POST", "/inbox", forged, nil)
	wantError(t, rr, http.StatusUnauthorized, KindInvalidSignature)

	rr = ts.do(t, "POST", "/inbox", signedRequest(t, kp, "image.generate"), nil)
	m := wantError(t, rr, http.StatusNotFound, KindCapabilityNotFound)
	supported, _ := m["supported"].([]interface{})
	if len(supported) != 2 {
		t.Fatalf("expected supported capabilities, got %v", m["supported"])
	}

	first := signedRequest(t, kp, "code.review")
	ts.do(t, "POST", "/inbox", first, nil)
	dup := signedRequest(t, kp, "code.review")
	dup.TaskID = first.TaskID
	SignRequest(dup, kp)
	rr = ts.do(t, "POST", "/inbox", dup, nil)
	wantError(t, rr, http.StatusConflict, KindDuplicateTask)

	rr = ts.do(t, "GET", "/tasks/unknown/status", nil, nil)
	wantError(t, rr, http.StatusNotFound, KindNotFound)
}

func TestSubmitRateLimitedOverHTTP(t *testing.T) {
	ts := newTestServer(t, "")
	kp := mustKeypair(t)
	for i := 0; i < 10; i++ {
		if rr := ts.do(t, "POST", "/inbox", signedRequest(t, kp, "code.review"), nil); rr.Code != http.StatusCreated {
			t.Fatalf("request %d: %d", i+1, rr.Code)
		}
	}
	rr := ts.do(t, "POST", "/inbox", signedRequest(t, kp, "code.review"), nil)
	m := wantError(t, rr, http.StatusTooManyRequests, KindRateLimited)
	if got := rr.Header().Get("Retry-After"); got != "61" {
		t.Fatalf("expected Retry-After 61, got %q", got)
	}
	if m["retry_after"] != float64(61) {
		t.Fatalf("expected retry_after in the body, got %v", m["retry_after"])
	}
}

func TestOperatorLoopbackOnlyWithoutToken(t *testing.T) {
	ts := newTestServer(t, "")
	req := signedRequest(t, mustKeypair(t), "code.review")
	ts.in.Submit(req)
	path := "/tasks/" + req.TaskID + "/complete"
	body := map[string]interface{}{"result": map[string]string{"summary": "ok"}}

	// httptest requests come from 192.0.2.1 by default.
	rr := ts.do(t, "POST", path, body, nil)
	wantError(t, rr, http.StatusUnauthorized, KindUnauthorized)

	rr = ts.do(t, "POST", path, body, fromLoopback)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var out struct {
		Status  TaskStatus `json:"status"`
		TaskID  string     `json:"task_id"`
		Receipt *Receipt   `json:"receipt"`
	}
	json.Unmarshal(rr.Body.Bytes(), &out)
	if out.Status != StatusCompleted || out.Receipt == nil {
		t.Fatalf("unexpected completion: %s", rr.Body.String())
	}
	if !VerifyReceipt(out.Receipt, ts.in.AgentID()) {
		t.Fatal("receipt from HTTP should verify")
	}

	rr = ts.do(t, "POST", path, body, fromLoopback)
	wantError(t, rr, http.StatusConflict, KindInvalidState)

	rr = ts.do(t, "GET", "/tasks/"+req.TaskID+"/status", nil, nil)
	m := decodeMap(t, rr)
	if m["status"] != "completed" || m["receipt"] == nil || m["result"] == nil {
		t.Fatalf("completed status should include result and receipt: %v", m)
	}
}

func TestOperatorToken(t *testing.T) {
	ts := newTestServer(t, "s3cret")
	req := signedRequest(t, mustKeypair(t), "code.review")
	ts.in.Submit(req)
	path := "/tasks/" + req.TaskID + "/reject"

	// A token disables the loopback shortcut.
	rr := ts.do(t, "POST", path, nil, fromLoopback)
	wantError(t, rr, http.StatusUnauthorized, KindUnauthorized)

	rr = ts.do(t, "POST", path, nil, func(r *http.Request) { r.Header.Set("Authorization", "Bearer wrong") })
	wantError(t, rr, http.StatusUnauthorized, KindUnauthorized)

	rr = ts.do(t, "POST", path, nil, func(r *http.Request) { r.Header.Set("Authorization", "Bearer s3cret") })
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	m := decodeMap(t, rr)
	if m["status"] != "rejected" || m["reason"] != defaultRejectReason {
		t.Fatalf("unexpected rejection: %v", m)
	}
}

func TestCompleteRequiresResult(t *testing.T) {
	ts := newTestServer(t, "")
	req := signedRequest(t, mustKeypair(t), "code.review")
	ts.in.Submit(req)
	rr := ts.do(t, "POST", "/tasks/"+req.TaskID+"/complete", map[string]string{"payment_proof": "x"}, fromLoopback)
	wantError(t, rr, http.StatusBadRequest, KindMissingResult)

	rr = ts.do(t, "POST", "/tasks/missing/complete", map[string]string{"result": "x"}, fromLoopback)
	wantError(t, rr, http.StatusNotFound, KindNotFound)
}

func TestRejectWithReason(t *testing.T) {
	ts := newTestServer(t, "")
	req := signedRequest(t, mustKeypair(t), "code.review")
	ts.in.Submit(req)
	rr := ts.do(t, "POST", "/tasks/"+req.TaskID+"/reject", map[string]string{"reason": "out of scope"}, fromLoopback)
	if rr.Code != http.StatusOK || decodeMap(t, rr)["reason"] != "out of scope" {
		t.Fatalf("unexpected: %d %s", rr.Code, rr.Body.String())
	}
	rr = ts.do(t, "GET", "/tasks/"+req.TaskID+"/status", nil, nil)
	if decodeMap(t, rr)["reject_reason"] != "out of scope" {
		t.Fatalf("status should carry the reason: %s", rr.Body.String())
	}
}

func TestListEndpoints(t *testing.T) {
	ts := newTestServer(t, "")
	kp := mustKeypair(t)
	a, b := signedRequest(t, kp, "code.review"), signedRequest(t, kp, "research.web")
	ts.in.Submit(a)
	ts.in.Submit(b)
	ts.in.Complete(a.TaskID, "done", "")

	rr := ts.do(t, "GET", "/tasks?status=pending", nil, nil)
	m := decodeMap(t, rr)
	if m["count"] != float64(1) {
		t.Fatalf("expected 1 pending task, got %v", m["count"])
	}
	tasks := m["tasks"].([]interface{})
	first := tasks[0].(map[string]interface{})
	if first["task_id"] != b.TaskID {
		t.Fatalf("unexpected task: %v", first)
	}
	if _, ok := first["result"]; ok {
		t.Fatal("list view must not include results")
	}

	rr = ts.do(t, "GET", "/receipts?agent_id="+ts.in.AgentID()+"&task_type=code.review", nil, nil)
	m = decodeMap(t, rr)
	if m["count"] != float64(1) {
		t.Fatalf("expected 1 receipt, got %v", m["count"])
	}

	rr = ts.do(t, "GET", "/receipts?task_type=research.web", nil, nil)
	if decodeMap(t, rr)["count"] != float64(0) {
		t.Fatal("pending task must not have a receipt")
	}
}

func TestWriteErrorHidesInternalErrors(t *testing.T) {
	rr := httptest.NewRecorder()
	writeError(rr, errors.New("disk exploded at /var/secret"))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "secret") {
		t.Fatal("internal error text leaked")
	}
}
