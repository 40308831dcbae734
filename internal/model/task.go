package model

import "time"

// TaskState is the lifecycle state of a background task
type TaskState string

const (
	TaskRunning   TaskState = "running"
	TaskDone      TaskState = "done"
	TaskError     TaskState = "error"
	TaskCancelled TaskState = "cancelled"
)

// TaskStatus is the free-form status record of one task key.
// Updates are merged field by field.
type TaskStatus map[string]interface{}

// NewTaskStatus builds a status record with a state and message
func NewTaskStatus(state TaskState, message string) TaskStatus {
	return TaskStatus{"status": string(state), "message": message}
}

// State returns the status field, or "" for an idle task
func (s TaskStatus) State() TaskState {
	v, _ := s["status"].(string)
	return TaskState(v)
}

// Clone returns a shallow copy of the record
func (s TaskStatus) Clone() TaskStatus {
	out := make(TaskStatus, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// TaskSnapshot is the full status of every known task
type TaskSnapshot map[string]TaskStatus

// Progress is a structured progress update reported by a running job
type Progress struct {
	Message        string
	Percent        *int
	Detail         string
	RateLimitUntil *time.Time
	ClearRateLimit bool
	WorkUnitDone   bool
}

// ProgressFunc receives progress updates. A nil ProgressFunc is valid.
type ProgressFunc func(Progress)

// Report calls fn when it is set
func (fn ProgressFunc) Report(p Progress) {
	if fn != nil {
		fn(p)
	}
}

// Message reports a plain message
func (fn ProgressFunc) Message(msg string) {
	fn.Report(Progress{Message: msg})
}

// Fields converts the update into status fields for merging
func (p Progress) Fields() TaskStatus {
	fields := TaskStatus{}
	if p.Message != "" {
		fields["message"] = p.Message
	}
	if p.Percent != nil {
		fields["progress"] = *p.Percent
	}
	if p.Detail != "" {
		fields["progress_detail"] = p.Detail
	}
	if p.RateLimitUntil != nil {
		fields["rate_limit_until"] = p.RateLimitUntil.UTC().Format(time.RFC3339)
	} else if p.ClearRateLimit {
		fields["rate_limit_until"] = nil
	}
	return fields
}

// ScheduleResult reports which providers a start request kicked off
type ScheduleResult struct {
	Scheduled      bool     `json:"scheduled"`
	Message        string   `json:"message"`
	Started        []string `json:"started"`
	AlreadyRunning []string `json:"already_running"`
}
