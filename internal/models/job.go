package models

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action is the plugin operation a job performs
type Action string

const (
	ActionInstall   Action = "install"
	ActionUninstall Action = "uninstall"
	ActionUpdate    Action = "update"
	ActionEnable    Action = "enable"
	ActionDisable   Action = "disable"
)

// Actions lists every supported action
var Actions = []Action{ActionInstall, ActionUninstall, ActionUpdate, ActionEnable, ActionDisable}

// Valid reports whether a is one of the supported actions
func (a Action) Valid() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}

// JobStatus represents the state of a job
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Valid reports whether s is a known status
func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether s has no outgoing transitions
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// LogEntry is one timestamped line in a job's log
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Percent   *int      `json:"percent,omitempty"`
}

// JobError is the structured error recorded on a failed job
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Job represents one requested plugin operation and its execution history
type Job struct {
	ID              string         `json:"id"`
	Action          Action         `json:"action"`
	PluginName      string         `json:"pluginName,omitempty"`
	URL             string         `json:"url,omitempty"`
	Options         map[string]any `json:"options,omitempty"`
	Status          JobStatus      `json:"status"`
	Logs            []LogEntry     `json:"logs"`
	Error           *JobError      `json:"error"`
	Result          map[string]any `json:"result"`
	CreatedAt       time.Time      `json:"createdAt"`
	StartedAt       *time.Time     `json:"startedAt"`
	CompletedAt     *time.Time     `json:"completedAt"`
	CancelRequested bool           `json:"cancelRequested"`
}

// JobSummary is the list view of a job
type JobSummary struct {
	ID              string     `json:"id"`
	Action          Action     `json:"action"`
	PluginName      string     `json:"pluginName,omitempty"`
	Status          JobStatus  `json:"status"`
	CreatedAt       time.Time  `json:"createdAt"`
	StartedAt       *time.Time `json:"startedAt"`
	CompletedAt     *time.Time `json:"completedAt"`
	CancelRequested bool       `json:"cancelRequested"`
}

// Summary returns the list view of j
func (j *Job) Summary() JobSummary {
	return JobSummary{
		ID:              j.ID,
		Action:          j.Action,
		PluginName:      j.PluginName,
		Status:          j.Status,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
		CancelRequested: j.CancelRequested,
	}
}

// Clone returns a deep copy of j. Options and Result are copied one level
// deep, which is enough since nothing mutates nested values in place.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Options = cloneMap(j.Options)
	c.Result = cloneMap(j.Result)
	if j.Logs != nil {
		c.Logs = make([]LogEntry, len(j.Logs))
		copy(c.Logs, j.Logs)
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// NewJobID returns an id made of the creation time in unix milliseconds and
// a random suffix, so ids sort roughly by creation time.
func NewJobID(now time.Time) string {
	u := uuid.New()
	return fmt.Sprintf("%013d-%s", now.UnixMilli(), hex.EncodeToString(u[:4]))
}

// CreateJobRequest represents a request to create a job
type CreateJobRequest struct {
	Action     Action         `json:"action"`
	PluginName string         `json:"pluginName,omitempty"`
	URL        string         `json:"url,omitempty"`
	Options    map[string]any `json:"options,omitempty"`
}

// CreateJobResponse is returned by a successful submission
type CreateJobResponse struct {
	ID string `json:"id"`
}

// CancelJobResponse acknowledges a cancellation request
type CancelJobResponse struct {
	ID              string    `json:"id"`
	Status          JobStatus `json:"status"`
	CancelRequested bool      `json:"cancelRequested"`
}

// Order controls list ordering
type Order string

const (
	OrderNewest Order = "newest"
	OrderOldest Order = "oldest"
)

// ListFilter narrows a job listing. A zero Limit means no limit.
type ListFilter struct {
	Status *JobStatus
	Limit  int
	Order  Order
}
