package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Addressable event kinds used for discovery and reputation.
const (
	KindAgentManifest = 31402
	KindTaskReceipt   = 31403

	manifestTopic = "aip"
	receiptTopic  = "aip-receipt"
)

// decodeKey converts an nsec (or raw hex) into sk and pubkey.
func decodeKey(nsec string) (string, string, error) {
	var sk string
	if strings.HasPrefix(nsec, "nsec") {
		_, v, err := nip19.Decode(nsec)
		if err != nil {
			return "", "", fmt.Errorf("nip19 decode: %w", err)
		}
		sk = v.(string)
	} else {
		sk = nsec
	}
	pub, err := nostr.GetPublicKey(sk)
	if err != nil {
		return "", "", fmt.Errorf("getPublicKey: %w", err)
	}
	return sk, pub, nil
}

// RelayPublisher signs events with the node's Nostr identity and sends
// them to every configured relay. Each relay succeeds or fails on its own.
type RelayPublisher struct {
	sk, pub string
	relays  []string
	pool    *nostr.SimplePool
}

// NewRelayPublisher decodes nsec and opens a relay pool bound to ctx.
func NewRelayPublisher(ctx context.Context, nsec string, relays []string) (*RelayPublisher, error) {
	sk, pub, err := decodeKey(nsec)
	if err != nil {
		return nil, err
	}
	return &RelayPublisher{sk: sk, pub: pub, relays: relays, pool: nostr.NewSimplePool(ctx)}, nil
}

// PubKey is the hex Nostr public key events are signed with.
func (p *RelayPublisher) PubKey() string { return p.pub }

// Publish signs ev and sends it to all relays, returning how many
// accepted it.
func (p *RelayPublisher) Publish(ctx context.Context, ev *nostr.Event) (int, error) {
	ev.PubKey = p.pub
	if ev.CreatedAt == 0 {
		ev.CreatedAt = nostr.Now()
	}
	if err := ev.Sign(p.sk); err != nil {
		return 0, fmt.Errorf("sign kind %d: %w", ev.Kind, err)
	}
	ok := 0
	for result := range p.pool.PublishMany(ctx, p.relays, *ev) {
		if result.Error != nil {
			log.Printf("publish kind %d to %s failed: %v", ev.Kind, result.RelayURL, result.Error)
			continue
		}
		ok++
	}
	if ok == 0 {
		return 0, fmt.Errorf("kind %d not accepted by any of %d relays", ev.Kind, len(p.relays))
	}
	return ok, nil
}

// ManifestEvent wraps a manifest as an addressable event keyed by agent id.
func ManifestEvent(m *Manifest) (*nostr.Event, error) {
	content, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	tags := nostr.Tags{
		{"d", m.AgentID},
		{"t", manifestTopic},
		{"inbox", m.InboxURL},
	}
	for _, c := range m.Capabilities {
		tags = append(tags, nostr.Tag{"c", c.Type})
	}
	return &nostr.Event{
		Kind:    KindAgentManifest,
		Content: string(content),
		Tags:    tags,
	}, nil
}

// PublishManifest announces m on the relays.
func (p *RelayPublisher) PublishManifest(ctx context.Context, m *Manifest) error {
	ev, err := ManifestEvent(m)
	if err != nil {
		return err
	}
	n, err := p.Publish(ctx, ev)
	if err != nil {
		return err
	}
	log.Printf("published manifest to %d/%d relays", n, len(p.relays))
	return nil
}

// ReceiptEvent wraps a receipt as an addressable event keyed by task id,
// so republishing the same receipt replaces rather than duplicates it.
func ReceiptEvent(rc *Receipt) (*nostr.Event, error) {
	content, err := json.Marshal(rc)
	if err != nil {
		return nil, err
	}
	return &nostr.Event{
		Kind:    KindTaskReceipt,
		Content: string(content),
		Tags: nostr.Tags{
			{"d", rc.TaskID},
			{"t", receiptTopic},
			{"agent", rc.AgentID},
			{"requester", rc.RequesterID},
			{"task_type", rc.TaskType},
			{"result_hash", rc.ResultHash},
		},
	}, nil
}

// ReceiptPublisher broadcasts receipts of completed tasks. Publishing is
// paced so a burst of completions does not trip relay rate limits.
type ReceiptPublisher struct {
	pub   *RelayPublisher
	queue chan *Receipt
	pace  *rate.Limiter
}

func NewReceiptPublisher(pub *RelayPublisher) *ReceiptPublisher {
	return &ReceiptPublisher{
		pub:   pub,
		queue: make(chan *Receipt, 128),
		pace:  rate.NewLimiter(rate.Every(100*time.Millisecond), 5),
	}
}

// TaskChanged queues the receipt of each completed task.
func (rp *ReceiptPublisher) TaskChanged(ev TaskEvent) {
	if ev.Type != EventCompleted || ev.Task.Receipt == nil {
		return
	}
	select {
	case rp.queue <- ev.Task.Receipt:
	default:
		log.WithField("task_id", ev.Task.TaskID).Warn("receipt publish queue full, dropping")
	}
}

// Run publishes queued receipts until ctx is done.
func (rp *ReceiptPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rc := <-rp.queue:
			if err := rp.pace.Wait(ctx); err != nil {
				return
			}
			ev, err := ReceiptEvent(rc)
			if err != nil {
				log.WithField("task_id", rc.TaskID).Errorf("encode receipt event: %v", err)
				continue
			}
			n, err := rp.pub.Publish(ctx, ev)
			if err != nil {
				log.WithField("task_id", rc.TaskID).Warnf("receipt publish failed: %v", err)
				continue
			}
			log.WithField("task_id", rc.TaskID).Infof("published receipt to %d/%d relays", n, len(rp.pub.relays))
		}
	}
}

// DiscoveredAgent is a manifest found on a relay.
type DiscoveredAgent struct {
	Pubkey      string    `json:"pubkey"`
	Manifest    Manifest  `json:"manifest"`
	PublishedAt time.Time `json:"published_at"`
}

// manifestFromEvent validates and decodes a manifest event.
func manifestFromEvent(ev *nostr.Event) (*DiscoveredAgent, error) {
	if ev.Kind != KindAgentManifest {
		return nil, fmt.Errorf("unexpected kind %d", ev.Kind)
	}
	if ok, err := ev.CheckSignature(); err != nil || !ok {
		return nil, fmt.Errorf("bad signature on %s", ev.ID)
	}
	var m Manifest
	if err := json.Unmarshal([]byte(ev.Content), &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &DiscoveredAgent{
		Pubkey:      ev.PubKey,
		Manifest:    m,
		PublishedAt: time.Unix(int64(ev.CreatedAt), 0).UTC(),
	}, nil
}

// mergeDiscovered keeps the newest manifest per publisher and returns
// them newest first.
func mergeDiscovered(found []*DiscoveredAgent) []*DiscoveredAgent {
	newest := make(map[string]*DiscoveredAgent)
	for _, a := range found {
		if cur, ok := newest[a.Pubkey]; !ok || a.PublishedAt.After(cur.PublishedAt) {
			newest[a.Pubkey] = a
		}
	}
	out := make([]*DiscoveredAgent, 0, len(newest))
	for _, a := range newest {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PublishedAt.Equal(out[j].PublishedAt) {
			return out[i].Pubkey < out[j].Pubkey
		}
		return out[i].PublishedAt.After(out[j].PublishedAt)
	})
	return out
}

// DiscoverAgents collects agent manifests from relays, optionally only
// those advertising capability.
func DiscoverAgents(ctx context.Context, relays []string, capability string) []*DiscoveredAgent {
	pool := nostr.NewSimplePool(ctx)
	filter := nostr.Filter{
		Kinds: []int{KindAgentManifest},
		Tags:  nostr.TagMap{"t": []string{manifestTopic}},
		Limit: 500,
	}
	if capability != "" {
		filter.Tags["c"] = []string{capability}
	}

	var found []*DiscoveredAgent
	for ev := range pool.SubManyEose(ctx, relays, nostr.Filters{filter}) {
		a, err := manifestFromEvent(ev.Event)
		if err != nil {
			log.Debugf("discovery: skipping event: %v", err)
			continue
		}
		found = append(found, a)
	}
	return mergeDiscovered(found)
}
