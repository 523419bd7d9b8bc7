package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// NewTaskRequest builds an unsigned request with a fresh id, nonce and
// timestamp for the given requester.
func NewTaskRequest(kp *Keypair, taskType, description string, params map[string]interface{}) *TaskRequest {
	return &TaskRequest{
		TaskID:      uuid.NewString(),
		RequesterID: kp.ID(),
		TaskType:    taskType,
		Description: description,
		Params:      params,
		Nonce:       uuid.NewString(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Client sends signed tasks to a remote inbox.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	// Wallet, when set, pays a spam bond invoice and retries once.
	Wallet *Wallet
}

// NewClient targets the inbox at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

// SubmitResponse is the inbox acceptance document.
type SubmitResponse struct {
	Status    string `json:"status"`
	TaskID    string `json:"task_id"`
	StatusURL string `json:"status_url"`
}

// RemoteError is a non-2xx reply from a remote inbox.
type RemoteError struct {
	StatusCode int
	Kind       string `json:"error"`
	Message    string `json:"message"`
	Invoice    string `json:"invoice,omitempty"`
	Hash       string `json:"payment_hash,omitempty"`
}

func (e *RemoteError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("inbox returned %d", e.StatusCode)
	}
	return fmt.Sprintf("inbox returned %d %s: %s", e.StatusCode, e.Kind, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, header http.Header, out interface{}) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		re := &RemoteError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(data, re)
		return re
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// Submit signs req with kp and posts it to the inbox.
func (c *Client) Submit(ctx context.Context, req *TaskRequest, kp *Keypair) (*SubmitResponse, error) {
	if req.RequesterID == "" {
		req.RequesterID = kp.ID()
	}
	if err := SignRequest(req, kp); err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	var out SubmitResponse
	err := c.do(ctx, http.MethodPost, "/inbox", req, nil, &out)
	var re *RemoteError
	if errors.As(err, &re) && re.StatusCode == http.StatusPaymentRequired && re.Invoice != "" && c.Wallet != nil {
		log.Printf("inbox requires a spam bond, paying invoice")
		if _, perr := c.Wallet.PayInvoice(ctx, re.Invoice); perr != nil {
			return nil, fmt.Errorf("pay spam bond: %w", perr)
		}
		h := http.Header{}
		h.Set("X-Payment-Hash", re.Hash)
		err = c.do(ctx, http.MethodPost, "/inbox", req, h, &out)
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Status fetches the status document for taskID.
func (c *Client) Status(ctx context.Context, taskID string) (*TaskStatusView, error) {
	var v TaskStatusView
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID)+"/status", nil, nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Manifest fetches the remote agent manifest.
func (c *Client) Manifest(ctx context.Context) (*Manifest, error) {
	var m Manifest
	if err := c.do(ctx, http.MethodGet, "/.well-known/agent.json", nil, nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Receipts queries the remote reputation endpoint.
func (c *Client) Receipts(ctx context.Context, agentID, taskType string, limit int) ([]*Receipt, error) {
	q := url.Values{}
	if agentID != "" {
		q.Set("agent_id", agentID)
	}
	if taskType != "" {
		q.Set("task_type", taskType)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/receipts"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Receipts []*Receipt `json:"receipts"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Receipts, nil
}
