package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	log "github.com/sirupsen/logrus"
)

// NIP-90 job feedback kind. Results use the request kind + 1000.
const (
	KindJobFeedback = 7000

	dvmResultOffset = 1000
	dvmSource       = "dvm"
)

// dvmJob remembers where a bridged task came from so its outcome can be
// published back.
type dvmJob struct {
	EventID   string `json:"event_id"`
	Customer  string `json:"customer"`
	Kind      int    `json:"kind"`
	CreatedAt int64  `json:"created_at"`
	Request   string `json:"request"`
	Done      bool   `json:"done,omitempty"`
}

type dvmState struct {
	Since int64              `json:"since"`
	Jobs  map[string]*dvmJob `json:"jobs"`
}

// DVMBridge turns NIP-90 job requests into inbox tasks and publishes the
// outcome as job results or error feedback. Bridged tasks are re-signed
// by the node key, so they pass the normal pipeline.
type DVMBridge struct {
	pub       *RelayPublisher
	inbox     *Inbox
	node      *Keypair
	kinds     []int
	taskTypes map[int]string
	interval  time.Duration
	statePath string

	mu    sync.Mutex
	state dvmState

	outbox chan *nostr.Event
	now    func() time.Time
}

// NewDVMBridge loads prior cursor state from statePath if present.
func NewDVMBridge(pub *RelayPublisher, inbox *Inbox, node *Keypair, cfg NostrConfig, statePath string) (*DVMBridge, error) {
	b := &DVMBridge{
		pub:       pub,
		inbox:     inbox,
		node:      node,
		kinds:     cfg.DVMKinds,
		taskTypes: cfg.DVMTaskTypes,
		interval:  cfg.DVMPollInterval,
		statePath: statePath,
		state:     dvmState{Jobs: make(map[string]*dvmJob)},
		outbox:    make(chan *nostr.Event, 128),
		now:       time.Now,
	}
	if b.interval <= 0 {
		b.interval = 30 * time.Second
	}
	if len(b.kinds) == 0 {
		return nil, errors.New("dvm: no job kinds configured")
	}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *DVMBridge) load() error {
	data, err := os.ReadFile(b.statePath)
	if errors.Is(err, os.ErrNotExist) {
		b.state.Since = b.now().Add(-time.Hour).Unix()
		return nil
	}
	if err != nil {
		return err
	}
	var st dvmState
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("parse dvm state: %w", err)
	}
	if st.Jobs == nil {
		st.Jobs = make(map[string]*dvmJob)
	}
	b.state = st
	return nil
}

func (b *DVMBridge) save() {
	b.mu.Lock()
	// Completed jobs older than the cursor can no longer be redelivered.
	for id, j := range b.state.Jobs {
		if j.Done && j.CreatedAt < b.state.Since {
			delete(b.state.Jobs, id)
		}
	}
	data, err := json.MarshalIndent(b.state, "", "  ")
	b.mu.Unlock()
	if err != nil {
		log.Printf("dvm: encode state: %v", err)
		return
	}
	if err := writeFileAtomic(b.statePath, data, 0o600); err != nil {
		log.Printf("dvm: save state: %v", err)
	}
}

// jobRequest maps a NIP-90 job request onto an unsigned task request.
// "i" tags become the description and params.inputs, "param" tags become
// params entries and a "bid" (msats) becomes the payment offer.
func jobRequest(ev *nostr.Event, taskTypes map[int]string, requester string, now time.Time) (*TaskRequest, error) {
	taskType, ok := taskTypes[ev.Kind]
	if !ok {
		return nil, fmt.Errorf("job kind %d has no mapped capability", ev.Kind)
	}

	params := map[string]interface{}{
		"dvm_kind": ev.Kind,
		"customer": ev.PubKey,
	}
	var inputs []interface{}
	var texts []string
	var offer *PaymentOffer
	for _, tag := range ev.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "i":
			in := map[string]interface{}{"value": tag[1]}
			if len(tag) > 2 && tag[2] != "" {
				in["type"] = tag[2]
			}
			inputs = append(inputs, in)
			texts = append(texts, tag[1])
		case "param":
			if len(tag) > 2 {
				params[tag[1]] = tag[2]
			}
		case "bid":
			if msats, err := strconv.ParseInt(tag[1], 10, 64); err == nil && msats > 0 {
				offer = &PaymentOffer{Amount: float64(msats) / 1000, Currency: "sats", Rail: "lightning"}
			}
		}
	}
	if len(inputs) > 0 {
		params["inputs"] = inputs
	}

	desc := strings.TrimSpace(strings.Join(texts, "\n"))
	if desc == "" {
		desc = strings.TrimSpace(ev.Content)
	}
	if desc == "" {
		return nil, errors.New("job request has no input")
	}

	return &TaskRequest{
		TaskID:       ev.ID,
		RequesterID:  requester,
		TaskType:     taskType,
		Description:  desc,
		Params:       params,
		PaymentOffer: offer,
		Nonce:        ev.ID,
		Timestamp:    now.UTC().Format(time.RFC3339Nano),
	}, nil
}

// addressedToOthers is true when the job names service providers and we
// are not one of them.
func addressedToOthers(ev *nostr.Event, self string) bool {
	named := false
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == "p" {
			if tag[1] == self {
				return false
			}
			named = true
		}
	}
	return named
}

func feedbackEvent(job *dvmJob, status, info string) *nostr.Event {
	tags := nostr.Tags{
		{"status", status},
		{"e", job.EventID},
		{"p", job.Customer},
	}
	if info != "" {
		tags[0] = nostr.Tag{"status", status, info}
	}
	return &nostr.Event{Kind: KindJobFeedback, Tags: tags}
}

// resultEvent builds the job result. amountMsats > 0 adds an amount tag.
func resultEvent(job *dvmJob, result interface{}, amountMsats int64) (*nostr.Event, error) {
	var content string
	if s, ok := result.(string); ok {
		content = s
	} else {
		b, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		content = string(b)
	}
	tags := nostr.Tags{
		{"request", job.Request},
		{"e", job.EventID},
		{"p", job.Customer},
	}
	if amountMsats > 0 {
		tags = append(tags, nostr.Tag{"amount", strconv.FormatInt(amountMsats, 10)})
	}
	return &nostr.Event{
		Kind:    job.Kind + dvmResultOffset,
		Content: content,
		Tags:    tags,
	}, nil
}

// priceMsats converts a sats-denominated price to msats; other
// currencies have no NIP-90 amount.
func priceMsats(pricing map[string]Price, taskType string) int64 {
	p, ok := pricing[taskType]
	if !ok || p.Amount <= 0 {
		return 0
	}
	switch strings.ToLower(p.Currency) {
	case "sat", "sats":
		return int64(p.Amount * 1000)
	case "msat", "msats":
		return int64(p.Amount)
	}
	return 0
}

// handleJob submits one job request. It returns the feedback to send, or
// nil when the event should be ignored.
func (b *DVMBridge) handleJob(ev *nostr.Event) *nostr.Event {
	b.mu.Lock()
	_, seen := b.state.Jobs[ev.ID]
	b.mu.Unlock()
	if seen {
		return nil
	}
	if addressedToOthers(ev, b.pub.PubKey()) {
		return nil
	}
	if ok, err := ev.CheckSignature(); err != nil || !ok {
		log.Debugf("dvm: bad signature on %s", ev.ID)
		return nil
	}

	raw, _ := json.Marshal(ev)
	job := &dvmJob{
		EventID:   ev.ID,
		Customer:  ev.PubKey,
		Kind:      ev.Kind,
		CreatedAt: int64(ev.CreatedAt),
		Request:   string(raw),
	}

	req, err := jobRequest(ev, b.taskTypes, b.node.ID(), b.now())
	if err != nil {
		job.Done = true
		b.remember(job)
		return feedbackEvent(job, "error", err.Error())
	}
	if err := SignRequest(req, b.node); err != nil {
		log.Printf("dvm: sign request %s: %v", shortID(ev.ID), err)
		return nil
	}

	// Remember before submitting: the completion event may fire before
	// SubmitFrom returns when an operator is quick.
	b.remember(job)
	if _, err := b.inbox.SubmitFrom(req, dvmSource); err != nil {
		if ErrorKind(err) == KindDuplicateTask {
			return nil
		}
		b.markDone(ev.ID)
		return feedbackEvent(job, "error", ErrorKind(err))
	}
	log.WithFields(log.Fields{"task_id": shortID(ev.ID), "kind": ev.Kind}).Info("dvm job accepted")
	return feedbackEvent(job, "processing", "")
}

func (b *DVMBridge) remember(job *dvmJob) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.Jobs[job.EventID] = job
}

func (b *DVMBridge) markDone(id string) *dvmJob {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.state.Jobs[id]
	if !ok || j.Done {
		return nil
	}
	j.Done = true
	return j
}

// TaskChanged queues the result or error feedback of bridged tasks.
func (b *DVMBridge) TaskChanged(ev TaskEvent) {
	if ev.Task.Source != dvmSource || ev.Type == EventSubmitted {
		return
	}
	job := b.markDone(ev.Task.TaskID)
	if job == nil {
		return
	}
	var out *nostr.Event
	switch ev.Type {
	case EventCompleted:
		amount := priceMsats(b.inbox.Manifest().Pricing, ev.Task.TaskType)
		r, err := resultEvent(job, ev.Task.Result, amount)
		if err != nil {
			log.Printf("dvm: encode result %s: %v", shortID(job.EventID), err)
			return
		}
		out = r
	case EventRejected:
		out = feedbackEvent(job, "error", ev.Task.RejectReason)
	default:
		return
	}
	b.enqueue(out)
}

func (b *DVMBridge) enqueue(ev *nostr.Event) {
	select {
	case b.outbox <- ev:
	default:
		log.Printf("dvm: outbox full, dropping kind %d event", ev.Kind)
	}
}

// Poll fetches job requests newer than the cursor and submits them.
func (b *DVMBridge) Poll(ctx context.Context) {
	b.mu.Lock()
	since := nostr.Timestamp(b.state.Since)
	b.mu.Unlock()

	pool := b.pub.pool
	filter := nostr.Filter{
		Kinds: b.kinds,
		Since: &since,
		Limit: 200,
	}

	newest := int64(since)
	accepted := 0
	for re := range pool.SubManyEose(ctx, b.pub.relays, nostr.Filters{filter}) {
		ev := re.Event
		if int64(ev.CreatedAt) > newest {
			newest = int64(ev.CreatedAt)
		}
		if fb := b.handleJob(ev); fb != nil {
			accepted++
			b.enqueue(fb)
		}
	}

	b.mu.Lock()
	if newest > b.state.Since {
		b.state.Since = newest
	}
	b.mu.Unlock()
	b.save()
	if accepted > 0 {
		log.Printf("dvm: handled %d job requests", accepted)
	}
}

func (b *DVMBridge) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.outbox:
			if _, err := b.pub.Publish(ctx, ev); err != nil {
				log.Printf("dvm: publish kind %d: %v", ev.Kind, err)
			}
		}
	}
}

// Run polls relays and publishes outcomes until ctx is done.
func (b *DVMBridge) Run(ctx context.Context) {
	log.Printf("dvm: listening for job kinds %v on %d relays", b.kinds, len(b.pub.relays))
	go b.drain(ctx)
	b.Poll(ctx)
	runPeriodic(ctx, "dvm-poll", b.interval, b.Poll)
	b.save()
}
