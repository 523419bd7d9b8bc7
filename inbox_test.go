package main

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingListener struct {
	mu     sync.Mutex
	events []TaskEvent
}

func (l *recordingListener) TaskChanged(ev TaskEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *recordingListener) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Type)
	}
	return out
}

func testManifest(agentID string) *Manifest {
	return &Manifest{
		Protocol: "aip",
		Version:  protocolVersion,
		AgentID:  agentID,
		Name:     "test agent",
		Capabilities: []Capability{
			{Type: "research.web"},
			{Type: "code.review"},
		},
		Pricing:  map[string]Price{"code.review": {Amount: 50, Currency: "sats"}},
		InboxURL: "http://localhost:3141/inbox",
	}
}

func newTestInbox(t *testing.T) *Inbox {
	t.Helper()
	dir := t.TempDir()
	agent := mustKeypair(t)
	tasks, err := NewTaskStore(filepath.Join(dir, "tasks"))
	if err != nil {
		t.Fatal(err)
	}
	receipts, err := NewReceiptStore(filepath.Join(dir, "receipts"))
	if err != nil {
		t.Fatal(err)
	}
	in := NewInbox(agent, testManifest(agent.ID()), tasks, receipts,
		NewNonceTracker(DefaultReplayWindow, ""), NewRateLimiter(10, time.Minute))
	in.now = func() time.Time { return testNow }
	return in
}

// signedRequest builds a request timestamped at testNow.
func signedRequest(t *testing.T, kp *Keypair, taskType string) *TaskRequest {
	t.Helper()
	r := NewTaskRequest(kp, taskType, "review the diff", map[string]interface{}{"repo": "example"})
	r.Timestamp = testNow.Format(time.RFC3339Nano)
	if err := SignRequest(r, kp); err != nil {
		t.Fatal(err)
	}
	return r
}

func wantKind(t *testing.T, err error, kind string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got success", kind)
	}
	if got := ErrorKind(err); got != kind {
		t.Fatalf("expected %s, got %s (%v)", kind, got, err)
	}
}

func TestInboxEndToEnd(t *testing.T) {
	in := newTestInbox(t)
	rec := &recordingListener{}
	in.AddListener(rec)
	requester := mustKeypair(t)

	req := signedRequest(t, requester, "code.review")
	task, err := in.Submit(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if task.Status != StatusPending {
		t.Fatalf("expected pending, got %s", task.Status)
	}

	view, err := in.Status(req.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	if view.Status != StatusPending || view.Result != nil || view.Receipt != nil {
		t.Fatalf("pending view should carry no result: %+v", view)
	}

	result := map[string]interface{}{"verdict": "lgtm", "issues": 0}
	done, err := in.Complete(req.TaskID, result, "preimage-abc")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	rc := done.Receipt
	if rc == nil {
		t.Fatal("completion should issue a receipt")
	}
	if rc.AgentID != in.AgentID() || rc.RequesterID != requester.ID() || rc.TaskType != "code.review" {
		t.Fatalf("receipt bound to wrong parties: %+v", rc)
	}
	wantHash, _ := HashResult(result)
	if rc.ResultHash != wantHash {
		t.Fatalf("result hash mismatch: %s vs %s", rc.ResultHash, wantHash)
	}
	if rc.PaymentProof != "preimage-abc" {
		t.Fatalf("payment proof not carried: %q", rc.PaymentProof)
	}
	if !VerifyReceipt(rc, in.AgentID()) {
		t.Fatal("receipt signature should verify against the agent id")
	}

	view, _ = in.Status(req.TaskID)
	if view.Status != StatusCompleted || view.Receipt == nil || view.Result == nil {
		t.Fatalf("completed view should carry result and receipt: %+v", view)
	}

	receipts, err := in.ListReceipts(in.AgentID(), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(receipts) != 1 || receipts[0].TaskID != req.TaskID {
		t.Fatalf("receipt not queryable: %+v", receipts)
	}

	got := strings.Join(rec.types(), ",")
	if got != "submitted,completed" {
		t.Fatalf("unexpected events: %s", got)
	}
}

func TestSubmitMissingFields(t *testing.T) {
	in := newTestInbox(t)
	_, err := in.Submit(&TaskRequest{TaskID: "t1", TaskType: "code.review"})
	wantKind(t, err, KindMissingFields)
	msg := err.Error()
	for _, f := range []string{"requester_id", "description", "nonce", "timestamp", "signature"} {
		if !strings.Contains(msg, f) {
			t.Fatalf("message should name %s: %s", f, msg)
		}
	}
	if strings.Contains(msg, "task_type") {
		t.Fatalf("present field reported missing: %s", msg)
	}
}

func TestSubmitRateLimited(t *testing.T) {
	in := newTestInbox(t)
	requester := mustKeypair(t)
	for i := 0; i < 10; i++ {
		if _, err := in.Submit(signedRequest(t, requester, "code.review")); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}
	_, err := in.Submit(signedRequest(t, requester, "code.review"))
	wantKind(t, err, KindRateLimited)
	var ie *InboxError
	if !errors.As(err, &ie) || ie.RetryAfter != time.Minute {
		t.Fatalf("expected a one minute retry hint, got %+v", err)
	}

	// Other requesters have their own budget.
	if _, err := in.Submit(signedRequest(t, mustKeypair(t), "code.review")); err != nil {
		t.Fatalf("other requester: %v", err)
	}

	// The window slides.
	in.now = func() time.Time { return testNow.Add(61 * time.Second) }
	if _, err := in.Submit(signedRequest(t, requester, "code.review")); err != nil {
		t.Fatalf("after window: %v", err)
	}
}

func TestSubmitReplayRefused(t *testing.T) {
	in := newTestInbox(t)
	req := signedRequest(t, mustKeypair(t), "code.review")
	if _, err := in.Submit(req); err != nil {
		t.Fatal(err)
	}
	replay := *req
	_, err := in.Submit(&replay)
	wantKind(t, err, KindInvalidNonce)
}

func TestSubmitStaleTimestamp(t *testing.T) {
	in := newTestInbox(t)
	kp := mustKeypair(t)
	for _, offset := range []time.Duration{-6 * time.Minute, 6 * time.Minute} {
		r := NewTaskRequest(kp, "code.review", "d", nil)
		r.Timestamp = testNow.Add(offset).Format(time.RFC3339Nano)
		SignRequest(r, kp)
		_, err := in.Submit(r)
		wantKind(t, err, KindInvalidNonce)
	}

	r := NewTaskRequest(kp, "code.review", "d", nil)
	r.Timestamp = "yesterday"
	SignRequest(r, kp)
	_, err := in.Submit(r)
	wantKind(t, err, KindInvalidNonce)
}

func TestSubmitBadSignatureDoesNotBurnNonce(t *testing.T) {
	in := newTestInbox(t)
	kp := mustKeypair(t)
	req := signedRequest(t, kp, "code.review")

	forged := *req
	forged.Description = "something else"
	_, err := in.Submit(&forged)
	wantKind(t, err, KindInvalidSignature)
	if in.tasks.Exists(req.TaskID) {
		t.Fatal("refused task must not be stored")
	}

	if _, err := in.Submit(req); err != nil {
		t.Fatalf("genuine request with the same nonce should still be accepted: %v", err)
	}
}

func TestSubmitOtherKeySignature(t *testing.T) {
	in := newTestInbox(t)
	req := signedRequest(t, mustKeypair(t), "code.review")
	req.RequesterID = mustKeypair(t).ID()
	_, err := in.Submit(req)
	wantKind(t, err, KindInvalidSignature)
}

func TestSubmitUnknownCapability(t *testing.T) {
	in := newTestInbox(t)
	_, err := in.Submit(signedRequest(t, mustKeypair(t), "image.generate"))
	wantKind(t, err, KindCapabilityNotFound)
	ie := err.(*InboxError)
	if strings.Join(ie.Supported, ",") != "research.web,code.review" {
		t.Fatalf("supported list should mirror the manifest: %v", ie.Supported)
	}
}

func TestSubmitDuplicateTaskID(t *testing.T) {
	in := newTestInbox(t)
	kp := mustKeypair(t)
	first := signedRequest(t, kp, "code.review")
	if _, err := in.Submit(first); err != nil {
		t.Fatal(err)
	}

	second := signedRequest(t, kp, "research.web")
	second.TaskID = first.TaskID
	SignRequest(second, kp)
	_, err := in.Submit(second)
	wantKind(t, err, KindDuplicateTask)

	stored, _ := in.Task(first.TaskID)
	if stored.TaskType != "code.review" {
		t.Fatal("duplicate must not overwrite the original task")
	}
	// The refused submission left its nonce unused.
	if !in.nonces.Check(second.Nonce, testNow, testNow) {
		t.Fatal("nonce of a duplicate submission should not be recorded")
	}
}

func TestSubmitInvalidCallbackURL(t *testing.T) {
	in := newTestInbox(t)
	kp := mustKeypair(t)
	for _, cb := range []string{"not a url", "ftp://example.com/x", "/relative"} {
		r := signedRequest(t, kp, "code.review")
		r.CallbackURL = cb
		SignRequest(r, kp)
		_, err := in.Submit(r)
		wantKind(t, err, KindInvalidRequest)
	}
}

func TestSubmitUnsafeTaskID(t *testing.T) {
	in := newTestInbox(t)
	kp := mustKeypair(t)
	r := signedRequest(t, kp, "code.review")
	r.TaskID = "../../etc/passwd"
	SignRequest(r, kp)
	_, err := in.Submit(r)
	wantKind(t, err, KindInvalidRequest)
}

func TestCompleteErrors(t *testing.T) {
	in := newTestInbox(t)
	_, err := in.Complete("missing", "x", "")
	wantKind(t, err, KindNotFound)

	req := signedRequest(t, mustKeypair(t), "code.review")
	in.Submit(req)

	_, err = in.Complete(req.TaskID, nil, "")
	wantKind(t, err, KindMissingResult)

	if _, err := in.Complete(req.TaskID, "ok", ""); err != nil {
		t.Fatal(err)
	}
	first, _ := in.Task(req.TaskID)

	_, err = in.Complete(req.TaskID, "again", "")
	wantKind(t, err, KindInvalidState)
	_, err = in.Reject(req.TaskID, "late")
	wantKind(t, err, KindInvalidState)

	after, _ := in.Task(req.TaskID)
	if after.Receipt.AgentSignature != first.Receipt.AgentSignature || after.Status != StatusCompleted {
		t.Fatal("terminal task must not change")
	}
}

func TestRejectTask(t *testing.T) {
	in := newTestInbox(t)
	rec := &recordingListener{}
	in.AddListener(rec)

	_, err := in.Reject("missing", "")
	wantKind(t, err, KindNotFound)

	req := signedRequest(t, mustKeypair(t), "code.review")
	in.Submit(req)
	task, err := in.Reject(req.TaskID, "  ")
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != StatusRejected || task.RejectReason != defaultRejectReason {
		t.Fatalf("unexpected rejection: %+v", task)
	}
	if task.Receipt != nil {
		t.Fatal("rejection must not produce a receipt")
	}
	if in.receipts.Count() != 0 {
		t.Fatal("no receipt should be stored")
	}

	_, err = in.Complete(req.TaskID, "x", "")
	wantKind(t, err, KindInvalidState)

	view, _ := in.Status(req.TaskID)
	if view.RejectReason != defaultRejectReason || view.Result != nil {
		t.Fatalf("rejected view: %+v", view)
	}
	if got := strings.Join(rec.types(), ","); got != "submitted,rejected" {
		t.Fatalf("unexpected events: %s", got)
	}
}

func TestConcurrentCompleteIssuesOneReceipt(t *testing.T) {
	in := newTestInbox(t)
	rec := &recordingListener{}
	in.AddListener(rec)
	req := signedRequest(t, mustKeypair(t), "code.review")
	in.Submit(req)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := in.Complete(req.TaskID, map[string]interface{}{"n": i}, ""); err == nil {
				ok.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if ok.Load() != 1 {
		t.Fatalf("expected one successful completion, got %d", ok.Load())
	}
	completed := 0
	for _, typ := range rec.types() {
		if typ == EventCompleted {
			completed++
		}
	}
	if completed != 1 {
		t.Fatalf("expected one completed event, got %d", completed)
	}
}

func TestListTasks(t *testing.T) {
	in := newTestInbox(t)
	kp := mustKeypair(t)

	var ids []string
	for i := 0; i < 3; i++ {
		at := testNow.Add(time.Duration(i) * time.Second)
		in.now = func() time.Time { return at }
		r := NewTaskRequest(kp, "code.review", strings.Repeat("x", 150), nil)
		r.Timestamp = at.Format(time.RFC3339Nano)
		SignRequest(r, kp)
		if _, err := in.Submit(r); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, r.TaskID)
	}
	in.Complete(ids[0], "done", "")

	all, err := in.ListTasks("", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].TaskID != ids[2] {
		t.Fatalf("expected newest first, got %+v", all)
	}
	if got := len([]rune(all[0].Description)); got != 103 || !strings.HasSuffix(all[0].Description, "...") {
		t.Fatalf("description should be truncated to 100 chars plus ellipsis, got %d", got)
	}

	pending, _ := in.ListTasks(StatusPending, 0)
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}
	one, _ := in.ListTasks("", 1)
	if len(one) != 1 {
		t.Fatalf("limit ignored: %d", len(one))
	}
	completed, _ := in.ListTasks(StatusCompleted, 0)
	if len(completed) != 1 || !completed[0].HasReceipt {
		t.Fatalf("completed summary should flag its receipt: %+v", completed)
	}
}

func TestListReceiptsFilters(t *testing.T) {
	in := newTestInbox(t)
	kp := mustKeypair(t)
	a := signedRequest(t, kp, "code.review")
	b := signedRequest(t, kp, "research.web")
	in.Submit(a)
	in.Submit(b)
	in.Complete(a.TaskID, "a", "")
	in.now = func() time.Time { return testNow.Add(time.Minute) }
	in.Complete(b.TaskID, "b", "")

	all, _ := in.ListReceipts("", "", 0)
	if len(all) != 2 || all[0].TaskID != b.TaskID {
		t.Fatalf("expected newest completion first: %+v", all)
	}
	byType, _ := in.ListReceipts("", "code.review", 0)
	if len(byType) != 1 || byType[0].TaskID != a.TaskID {
		t.Fatalf("task_type filter: %+v", byType)
	}
	other, _ := in.ListReceipts("someone-else", "", 0)
	if len(other) != 0 {
		t.Fatalf("agent filter: %+v", other)
	}
}

func TestInboxStats(t *testing.T) {
	in := newTestInbox(t)
	kp := mustKeypair(t)
	a, b, c := signedRequest(t, kp, "code.review"), signedRequest(t, kp, "code.review"), signedRequest(t, kp, "code.review")
	in.Submit(a)
	in.Submit(b)
	in.Submit(c)
	in.Complete(a.TaskID, "x", "")
	in.Reject(b.TaskID, "no")

	s := in.Stats()
	if s.Tasks != 3 || s.Pending != 1 || s.Completed != 1 || s.Rejected != 1 || s.Receipts != 1 || s.Nonces != 3 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestClampLimit(t *testing.T) {
	cases := map[int]int{0: 50, -1: 50, 10: 10, 500: 500, 10000: 500}
	for in, want := range cases {
		if got := clampLimit(in); got != want {
			t.Errorf("clampLimit(%d) = %d, want %d", in, got, want)
		}
	}
}
