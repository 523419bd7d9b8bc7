package main

import "time"

// TaskStatus is the lifecycle state of a task record.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusCompleted TaskStatus = "completed"
	StatusRejected  TaskStatus = "rejected"
)

// Terminal reports whether no further transition is allowed.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusRejected
}

// PaymentOffer is what a requester is willing to pay for a task.
type PaymentOffer struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Rail     string  `json:"rail,omitempty"` // e.g. "lightning"
}

// TaskRequest is the signed wire message posted to an inbox.
type TaskRequest struct {
	TaskID       string                 `json:"task_id"`
	RequesterID  string                 `json:"requester_id"`
	TaskType     string                 `json:"task_type"`
	Description  string                 `json:"description"`
	Params       map[string]interface{} `json:"params,omitempty"`
	PaymentOffer *PaymentOffer          `json:"payment_offer,omitempty"`
	CallbackURL  string                 `json:"callback_url,omitempty"`
	Deadline     string                 `json:"deadline,omitempty"`
	Nonce        string                 `json:"nonce"`
	Timestamp    string                 `json:"timestamp"`
	Signature    string                 `json:"signature"`
}

// missingFields lists the required wire fields that are empty.
func (r *TaskRequest) missingFields() []string {
	var missing []string
	check := func(name, v string) {
		if v == "" {
			missing = append(missing, name)
		}
	}
	check("task_id", r.TaskID)
	check("requester_id", r.RequesterID)
	check("task_type", r.TaskType)
	check("description", r.Description)
	check("nonce", r.Nonce)
	check("timestamp", r.Timestamp)
	check("signature", r.Signature)
	return missing
}

// Task is the server-side record of an accepted request.
type Task struct {
	TaskRequest

	Status       TaskStatus  `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	Result       interface{} `json:"result"`
	Receipt      *Receipt    `json:"receipt,omitempty"`
	RejectReason string      `json:"reject_reason,omitempty"`

	// Source marks tasks that entered through a bridge (e.g. "dvm").
	Source string `json:"source,omitempty"`
}

// Receipt is the agent's signed attestation that a task was completed.
type Receipt struct {
	TaskID              string `json:"task_id"`
	RequesterID         string `json:"requester_id"`
	AgentID             string `json:"agent_id"`
	TaskType            string `json:"task_type"`
	CompletionTimestamp string `json:"completion_timestamp"`
	ResultHash          string `json:"result_hash"`
	PaymentProof        string `json:"payment_proof,omitempty"`
	AgentSignature      string `json:"agent_signature"`
	RequesterSignature  string `json:"requester_signature,omitempty"`
}

// completedAt parses the completion timestamp, zero on failure.
func (rc *Receipt) completedAt() time.Time {
	t, _ := time.Parse(time.RFC3339Nano, rc.CompletionTimestamp)
	return t
}

// TaskSummary is the list view of a task: truncated description, no result.
type TaskSummary struct {
	TaskID      string     `json:"task_id"`
	RequesterID string     `json:"requester_id"`
	TaskType    string     `json:"task_type"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	HasReceipt  bool       `json:"has_receipt"`
}

const summaryDescriptionLimit = 100

func (t *Task) summary() TaskSummary {
	desc := t.Description
	if r := []rune(desc); len(r) > summaryDescriptionLimit {
		desc = string(r[:summaryDescriptionLimit]) + "..."
	}
	return TaskSummary{
		TaskID:      t.TaskID,
		RequesterID: t.RequesterID,
		TaskType:    t.TaskType,
		Description: desc,
		Status:      t.Status,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		HasReceipt:  t.Receipt != nil,
	}
}

// TaskStatusView is the status lookup response. Result and receipt are
// only populated once the task is completed.
type TaskStatusView struct {
	TaskID       string      `json:"task_id"`
	Status       TaskStatus  `json:"status"`
	TaskType     string      `json:"task_type"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	Result       interface{} `json:"result,omitempty"`
	Receipt      *Receipt    `json:"receipt,omitempty"`
	RejectReason string      `json:"reject_reason,omitempty"`
}

func (t *Task) statusView() TaskStatusView {
	v := TaskStatusView{
		TaskID:    t.TaskID,
		Status:    t.Status,
		TaskType:  t.TaskType,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
	switch t.Status {
	case StatusCompleted:
		v.Result = t.Result
		v.Receipt = t.Receipt
	case StatusRejected:
		v.RejectReason = t.RejectReason
	}
	return v
}
