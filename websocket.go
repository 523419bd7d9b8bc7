package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	log "github.com/sirupsen/logrus"
)

// FeedMessage is the envelope for all task feed messages.
type FeedMessage struct {
	Type     string       `json:"type"`
	Event    string       `json:"event,omitempty"`
	Task     *TaskSummary `json:"task,omitempty"`
	TaskIDs  []string     `json:"task_ids,omitempty"`
	Statuses []TaskStatus `json:"statuses,omitempty"`
	AgentID  string       `json:"agent_id,omitempty"`
	Error    string       `json:"error,omitempty"`
}

const (
	maxFeedSubscriptions = 100
	feedSendBuffer       = 32
	feedWriteTimeout     = 5 * time.Second
)

// feedClient is one connected subscriber. With no filters set it
// receives every event.
type feedClient struct {
	conn   *websocket.Conn
	send   chan FeedMessage
	cancel context.CancelFunc

	mu       sync.Mutex
	taskIDs  map[string]bool
	statuses map[TaskStatus]bool
}

func (c *feedClient) wants(t *Task) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.taskIDs) > 0 && !c.taskIDs[t.TaskID] {
		return false
	}
	if len(c.statuses) > 0 && !c.statuses[t.Status] {
		return false
	}
	return true
}

func (c *feedClient) subscribe(ids []string, statuses []TaskStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if len(c.taskIDs) >= maxFeedSubscriptions {
			break
		}
		c.taskIDs[id] = true
	}
	for _, s := range statuses {
		c.statuses[s] = true
	}
}

func (c *feedClient) unsubscribe(ids []string, statuses []TaskStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(ids) == 0 && len(statuses) == 0 {
		c.taskIDs = make(map[string]bool)
		c.statuses = make(map[TaskStatus]bool)
		return
	}
	for _, id := range ids {
		delete(c.taskIDs, id)
	}
	for _, s := range statuses {
		delete(c.statuses, s)
	}
}

// TaskFeed streams task lifecycle events to WebSocket clients.
type TaskFeed struct {
	mu      sync.Mutex
	clients map[*feedClient]bool
	agentID string
}

// NewTaskFeed creates an empty feed for agentID.
func NewTaskFeed(agentID string) *TaskFeed {
	return &TaskFeed{clients: make(map[*feedClient]bool), agentID: agentID}
}

func (f *TaskFeed) register(c *feedClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients[c] = true
}

func (f *TaskFeed) unregister(c *feedClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.clients, c)
}

// ClientCount returns the number of connected clients.
func (f *TaskFeed) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// TaskChanged fans ev out to interested clients. A client whose buffer
// is full is disconnected rather than allowed to stall the inbox.
func (f *TaskFeed) TaskChanged(ev TaskEvent) {
	f.mu.Lock()
	clients := make([]*feedClient, 0, len(f.clients))
	for c := range f.clients {
		clients = append(clients, c)
	}
	f.mu.Unlock()

	summary := ev.Task.summary()
	msg := FeedMessage{Type: "task", Event: ev.Type, Task: &summary}
	for _, c := range clients {
		if !c.wants(ev.Task) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			log.Printf("ws: client too slow, dropping")
			c.cancel()
		}
	}
}

// writeLoop is the only goroutine writing to c.conn.
func (f *TaskFeed) writeLoop(ctx context.Context, c *feedClient) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
			err := wsjson.Write(wctx, c.conn, msg)
			cancel()
			if err != nil {
				log.Printf("ws: write failed: %v", err)
				c.cancel()
				return
			}
		}
	}
}

func (c *feedClient) reply(msg FeedMessage) {
	select {
	case c.send <- msg:
	default:
	}
}

// handleWebSocket is the HTTP handler for the /ws/tasks endpoint.
func (f *TaskFeed) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Printf("ws: accept error: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &feedClient{
		conn:     conn,
		send:     make(chan FeedMessage, feedSendBuffer),
		cancel:   cancel,
		taskIDs:  make(map[string]bool),
		statuses: make(map[TaskStatus]bool),
	}

	f.register(client)
	defer func() {
		f.unregister(client)
		cancel()
		conn.CloseNow()
	}()

	client.reply(FeedMessage{Type: "connected", AgentID: f.agentID})
	go f.writeLoop(ctx, client)

	for {
		var msg FeedMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}
		switch msg.Type {
		case "subscribe":
			if len(msg.TaskIDs) == 0 && len(msg.Statuses) == 0 {
				client.reply(FeedMessage{Type: "error", Error: "subscribe needs task_ids or statuses"})
				continue
			}
			client.subscribe(msg.TaskIDs, msg.Statuses)
			client.reply(FeedMessage{Type: "subscribed", TaskIDs: msg.TaskIDs, Statuses: msg.Statuses})
		case "unsubscribe":
			client.unsubscribe(msg.TaskIDs, msg.Statuses)
			client.reply(FeedMessage{Type: "unsubscribed"})
		default:
			client.reply(FeedMessage{Type: "error", Error: "unknown message type: " + msg.Type})
		}
	}
}

// handleInfo upgrades WebSocket requests and documents the endpoint for
// everything else.
func (f *TaskFeed) handleInfo(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket") {
		f.handleWebSocket(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"endpoint":          "/ws/tasks",
		"protocol":          "websocket",
		"connected_clients": f.ClientCount(),
		"description":       "Live task lifecycle events. Without a subscription every event is delivered.",
		"messages": map[string]interface{}{
			"subscribe": map[string]interface{}{
				"description": "Only receive events for these task ids and/or statuses (max 100 ids)",
				"example":     `{"type":"subscribe","task_ids":["<task_id>"],"statuses":["completed"]}`,
			},
			"unsubscribe": map[string]interface{}{
				"description": "Drop filters; with no fields every filter is cleared",
				"example":     `{"type":"unsubscribe","task_ids":["<task_id>"]}`,
			},
		},
		"responses": map[string]interface{}{
			"connected":    "Sent on connection with the agent id",
			"task":         "Pushed when a task is submitted, completed or rejected",
			"subscribed":   "Acknowledges a subscribe",
			"unsubscribed": "Acknowledges an unsubscribe",
			"error":        "Sent when a message cannot be processed",
		},
	})
}
