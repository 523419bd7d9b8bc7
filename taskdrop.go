package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	dropTaskSuffix      = ".task.json"
	dropSubmittedSuffix = ".submitted.json"
	dropResultSuffix    = ".result.json"
)

// DropTask is what a user writes into the drop directory.
type DropTask struct {
	TaskType     string                 `json:"task_type"`
	Description  string                 `json:"description"`
	Params       map[string]interface{} `json:"params,omitempty"`
	PaymentOffer *PaymentOffer          `json:"payment_offer,omitempty"`
	CallbackURL  string                 `json:"callback_url,omitempty"`
	Deadline     string                 `json:"deadline,omitempty"`
}

// DropSubmitted records an accepted submission.
type DropSubmitted struct {
	TaskID      string    `json:"task_id"`
	Inbox       string    `json:"inbox"`
	StatusURL   string    `json:"status_url"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// DropResult is the final outcome written next to the task file.
type DropResult struct {
	TaskID  string          `json:"task_id,omitempty"`
	Status  string          `json:"status"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
	Task    *TaskStatusView `json:"task,omitempty"`
}

// TaskDrop bridges a directory of task files to a remote inbox:
// <name>.task.json is signed and submitted, <name>.submitted.json marks
// it in flight and <name>.result.json holds the outcome.
type TaskDrop struct {
	dir      string
	client   *Client
	kp       *Keypair
	interval time.Duration
}

func NewTaskDrop(dir string, client *Client, kp *Keypair, interval time.Duration) (*TaskDrop, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &TaskDrop{dir: dir, client: client, kp: kp, interval: interval}, nil
}

func (d *TaskDrop) path(name, suffix string) string {
	return filepath.Join(d.dir, name+suffix)
}

func (d *TaskDrop) exists(name, suffix string) bool {
	_, err := os.Stat(d.path(name, suffix))
	return err == nil
}

func (d *TaskDrop) write(name, suffix string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(d.path(name, suffix), data, 0o644)
}

func (d *TaskDrop) read(name, suffix string, v interface{}) error {
	data, err := os.ReadFile(d.path(name, suffix))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// names lists drop entries by their base name, sorted.
func (d *TaskDrop) names() ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), dropTaskSuffix) {
			continue
		}
		out = append(out, strings.TrimSuffix(e.Name(), dropTaskSuffix))
	}
	sort.Strings(out)
	return out, nil
}

// permanent reports whether resubmitting the same file cannot succeed.
func permanent(err error) bool {
	var re *RemoteError
	if !errors.As(err, &re) {
		return false
	}
	switch re.StatusCode {
	case http.StatusTooManyRequests, http.StatusPaymentRequired, http.StatusServiceUnavailable:
		return false
	}
	return re.StatusCode >= 400 && re.StatusCode < 500
}

func (d *TaskDrop) submit(ctx context.Context, name string) error {
	var dt DropTask
	if err := d.read(name, dropTaskSuffix, &dt); err != nil {
		return d.write(name, dropResultSuffix, DropResult{
			Status:  "failed",
			Error:   KindInvalidRequest,
			Message: fmt.Sprintf("unreadable task file: %v", err),
		})
	}

	req := NewTaskRequest(d.kp, dt.TaskType, dt.Description, dt.Params)
	req.PaymentOffer = dt.PaymentOffer
	req.CallbackURL = dt.CallbackURL
	req.Deadline = dt.Deadline

	resp, err := d.client.Submit(ctx, req, d.kp)
	if err != nil {
		if !permanent(err) {
			return err
		}
		var re *RemoteError
		errors.As(err, &re)
		log.WithField("file", name).Warnf("drop: task refused: %v", err)
		return d.write(name, dropResultSuffix, DropResult{
			TaskID:  req.TaskID,
			Status:  "failed",
			Error:   re.Kind,
			Message: re.Message,
		})
	}

	log.WithFields(log.Fields{"file": name, "task_id": resp.TaskID}).Info("drop: task submitted")
	return d.write(name, dropSubmittedSuffix, DropSubmitted{
		TaskID:      resp.TaskID,
		Inbox:       d.client.BaseURL,
		StatusURL:   resp.StatusURL,
		SubmittedAt: time.Now().UTC(),
	})
}

func (d *TaskDrop) follow(ctx context.Context, name string) error {
	var sub DropSubmitted
	if err := d.read(name, dropSubmittedSuffix, &sub); err != nil {
		return err
	}
	view, err := d.client.Status(ctx, sub.TaskID)
	if err != nil {
		return err
	}
	if !view.Status.Terminal() {
		return nil
	}
	log.WithFields(log.Fields{"file": name, "task_id": sub.TaskID, "status": view.Status}).Info("drop: task finished")
	return d.write(name, dropResultSuffix, DropResult{
		TaskID: sub.TaskID,
		Status: string(view.Status),
		Task:   view,
	})
}

// Scan handles every drop entry once: new tasks are submitted and
// in-flight ones are checked for a final status.
func (d *TaskDrop) Scan(ctx context.Context) {
	names, err := d.names()
	if err != nil {
		log.Printf("drop: read %s: %v", d.dir, err)
		return
	}
	for _, name := range names {
		if ctx.Err() != nil {
			return
		}
		if d.exists(name, dropResultSuffix) {
			continue
		}
		if d.exists(name, dropSubmittedSuffix) {
			err = d.follow(ctx, name)
		} else {
			err = d.submit(ctx, name)
		}
		if err != nil {
			log.WithField("file", name).Warnf("drop: will retry: %v", err)
		}
	}
}

// Run scans every interval until ctx is done.
func (d *TaskDrop) Run(ctx context.Context) {
	log.Printf("drop: watching %s, submitting to %s", d.dir, d.client.BaseURL)
	d.Scan(ctx)
	runPeriodic(ctx, "task-drop", d.interval, d.Scan)
}
