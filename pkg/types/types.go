package types

import (
	"encoding/json"
	"fmt"
	"time"
)

type TargetType string

const (
	TargetTypeCompany  TargetType = "Company"
	TargetTypeWildcard TargetType = "Wildcard"
	TargetTypeURL      TargetType = "URL"
)

// ScopeTarget is the unit a session runs against.
type ScopeTarget struct {
	ID        string     `json:"id" db:"id"`
	Type      TargetType `json:"type" db:"type"`
	Mode      string     `json:"mode" db:"mode"`
	Value     string     `json:"scope_target" db:"scope_target"`
	Active    bool       `json:"active" db:"active"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
}

type SessionStatus string

const (
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusPaused    SessionStatus = "paused"
	SessionStatusCancelled SessionStatus = "cancelled"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"

	// SessionStatusCancelling is never stored. It is derived for observers
	// while a cancel request waits to be observed.
	SessionStatusCancelling SessionStatus = "cancelling"
)

// IsTerminal reports whether no further mutation may happen.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusCancelled, SessionStatusCompleted, SessionStatusFailed:
		return true
	}
	return false
}

// IsActive reports whether the status counts against the one-active-session rule.
func (s SessionStatus) IsActive() bool {
	return s == SessionStatusRunning || s == SessionStatusPaused
}

// ValidateTransition checks whether moving from s to next is allowed.
func (s SessionStatus) ValidateTransition(next SessionStatus) error {
	if !s.isValidTransition(next) {
		return fmt.Errorf("invalid session status transition from %s to %s", s, next)
	}
	return nil
}

func (s SessionStatus) isValidTransition(next SessionStatus) bool {
	switch s {
	case SessionStatusRunning:
		return next == SessionStatusPaused || next.IsTerminal()
	case SessionStatusPaused:
		return next == SessionStatusRunning || next.IsTerminal()
	default:
		return false
	}
}

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusRunning    JobStatus = "running"
	JobStatusProcessing JobStatus = "processing"
	JobStatusSuccess    JobStatus = "success"
	JobStatusFailed     JobStatus = "failed"
	JobStatusError      JobStatus = "error"
	JobStatusCancelled  JobStatus = "cancelled"
)

func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSuccess, JobStatusFailed, JobStatusError, JobStatusCancelled:
		return true
	}
	return false
}

func ParseJobStatus(s string) (JobStatus, error) {
	switch js := JobStatus(s); js {
	case JobStatusPending, JobStatusRunning, JobStatusProcessing,
		JobStatusSuccess, JobStatusFailed, JobStatusError, JobStatusCancelled:
		return js, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// Step is a named position in a pipeline.
type Step string

const (
	StepIdle      Step = "idle"
	StepCompleted Step = "completed"
)

type StepStatus string

const (
	StepStatusRunning   StepStatus = "running"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusSuccess   StepStatus = "success"
	StepStatusFailed    StepStatus = "failed"
	StepStatusError     StepStatus = "error"
	StepStatusCancelled StepStatus = "cancelled"
)

// AssetKind names one consolidated set.
type AssetKind string

const (
	AssetSubdomain     AssetKind = "subdomain"
	AssetLiveWebServer AssetKind = "live_web_server"
	AssetCompanyDomain AssetKind = "company_domain"
	AssetNetworkRange  AssetKind = "network_range"
)

func ParseAssetKind(s string) (AssetKind, error) {
	switch k := AssetKind(s); k {
	case AssetSubdomain, AssetLiveWebServer, AssetCompanyDomain, AssetNetworkRange:
		return k, nil
	}
	return "", fmt.Errorf("unknown asset kind %q", s)
}

// Limit keys carried in a config snapshot next to the step toggles.
const (
	LimitMaxConsolidatedSubdomains = "max_consolidated_subdomains"
	LimitMaxLiveWebServers         = "max_live_web_servers"
)

// LimitKeys lists the non-step keys a snapshot may hold.
func LimitKeys() []string {
	return []string{LimitMaxConsolidatedSubdomains, LimitMaxLiveWebServers}
}

// IsLimitKey reports whether key is a limit rather than a step toggle.
func IsLimitKey(key string) bool {
	return key == LimitMaxConsolidatedSubdomains || key == LimitMaxLiveWebServers
}

// ConfigSnapshot is the flat config a session runs under: step name to
// enabled, plus the max_* input limits. Absent steps are enabled.
type ConfigSnapshot map[string]interface{}

func (c ConfigSnapshot) Enabled(step Step) bool {
	v, ok := c[string(step)]
	if !ok {
		return true
	}
	enabled, isBool := v.(bool)
	return !isBool || enabled
}

// Limit reads a max_* value. Values decoded from JSON arrive as float64.
func (c ConfigSnapshot) Limit(key string) (int, bool) {
	switch v := c[key].(type) {
	case int:
		return v, v >= 0
	case int64:
		return int(v), v >= 0
	case float64:
		if v < 0 || v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil && n >= 0
	}
	return 0, false
}

func (c ConfigSnapshot) SetLimit(key string, n int) {
	c[key] = n
}

func (c ConfigSnapshot) Clone() ConfigSnapshot {
	out := make(ConfigSnapshot, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

type Session struct {
	ID             string         `json:"id" db:"id"`
	TargetID       string         `json:"target_id" db:"scope_target_id"`
	TargetType     TargetType     `json:"target_type" db:"target_type"`
	TargetValue    string         `json:"target_value" db:"target_value"`
	Pipeline       string         `json:"pipeline" db:"pipeline"`
	Status         SessionStatus  `json:"status" db:"status"`
	ConfigSnapshot ConfigSnapshot `json:"config_snapshot" db:"-"`
	CurrentStep    Step           `json:"current_step" db:"current_step"`
	IsPaused       bool           `json:"is_paused" db:"is_paused"`
	IsCancelled    bool           `json:"is_cancelled" db:"is_cancelled"`
	StartedAt      time.Time      `json:"started_at" db:"started_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
	EndedAt        *time.Time     `json:"ended_at,omitempty" db:"ended_at"`
	ErrorMessage   string         `json:"error_message,omitempty" db:"error_message"`
	Tallies
}

// Tallies are written once when a session ends.
type Tallies struct {
	ConsolidatedSubdomains *int `json:"final_consolidated_subdomain_count,omitempty" db:"final_consolidated_subdomains"`
	LiveWebServers         *int `json:"final_live_web_server_count,omitempty" db:"final_live_web_servers"`
	CompanyDomains         *int `json:"final_company_domain_count,omitempty" db:"final_company_domains"`
	NetworkRanges          *int `json:"final_network_range_count,omitempty" db:"final_network_ranges"`
}

// ObservedStatus is the status shown to observers, including the
// transitional cancelling state.
func (s *Session) ObservedStatus() SessionStatus {
	if s.IsCancelled && s.Status.IsActive() {
		return SessionStatusCancelling
	}
	return s.Status
}

// Duration is derived from the frozen start and end times.
func (s *Session) Duration() time.Duration {
	if s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

func (s *Session) Clone() *Session {
	out := *s
	out.ConfigSnapshot = s.ConfigSnapshot.Clone()
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	return &out
}

// StepRecord is one entry in a session's visited-step log.
type StepRecord struct {
	SessionID    string     `json:"session_id" db:"session_id"`
	Step         Step       `json:"step" db:"step"`
	Position     int        `json:"position" db:"position"`
	Status       StepStatus `json:"status" db:"status"`
	ScanID       string     `json:"scan_id,omitempty" db:"scan_id"`
	ResultRef    string     `json:"result_ref,omitempty" db:"result_ref"`
	ItemCount    int        `json:"item_count" db:"item_count"`
	ErrorMessage string     `json:"error_message,omitempty" db:"error_message"`
	StartedAt    time.Time  `json:"started_at" db:"started_at"`
	EndedAt      time.Time  `json:"ended_at" db:"ended_at"`
}

// ScanJob is one invocation of one tool for one step.
type ScanJob struct {
	ScanID       string    `json:"scan_id" db:"scan_id"`
	SessionID    string    `json:"session_id" db:"session_id"`
	Step         Step      `json:"step" db:"step"`
	Tool         string    `json:"tool" db:"tool"`
	Status       JobStatus `json:"status" db:"status"`
	ResultRef    string    `json:"result_ref,omitempty" db:"result_ref"`
	ErrorMessage string    `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// JobRequest is what a job client hands to a tool.
type JobRequest struct {
	SessionID string      `json:"session_id"`
	Step      Step        `json:"step"`
	Tool      string      `json:"tool"`
	Target    ScopeTarget `json:"target"`
	Inputs    []string    `json:"inputs,omitempty"`
}

// JobState is the answer to a poll.
type JobState struct {
	ScanID        string        `json:"scan_id"`
	Status        JobStatus     `json:"status"`
	ResultRef     string        `json:"result_ref,omitempty"`
	Error         string        `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// ToolResult is a tool's stored raw output.
type ToolResult struct {
	Ref       string    `json:"ref" db:"ref"`
	Tool      string    `json:"tool" db:"tool"`
	SessionID string    `json:"session_id" db:"session_id"`
	Step      Step      `json:"step" db:"step"`
	Items     []string  `json:"items" db:"-"`
	Raw       []byte    `json:"raw,omitempty" db:"raw"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ToolOutput is what a tool plugin returns before it is stored.
type ToolOutput struct {
	Items []string
	Raw   []byte
}

// ConsolidatedResult is the state of one consolidated set after a checkpoint.
type ConsolidatedResult struct {
	SessionID string    `json:"session_id"`
	Kind      AssetKind `json:"kind"`
	Added     int       `json:"added"`
	Total     int       `json:"total"`
	Values    []string  `json:"values,omitempty"`
}

// Job is the queue envelope for a tool invocation.
type Job struct {
	ID              string     `json:"id"`
	Request         JobRequest `json:"request"`
	Status          JobStatus  `json:"status"`
	ResultRef       string     `json:"result_ref,omitempty"`
	Error           string     `json:"error,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
	WorkerID        string     `json:"worker_id,omitempty"`
	Retries         int        `json:"retries"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	HeartbeatAt     *time.Time `json:"heartbeat_at,omitempty"`
}

// ExecutionTime reports how long the job ran or has been running.
func (j *Job) ExecutionTime(now time.Time) time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	if j.FinishedAt != nil {
		return j.FinishedAt.Sub(*j.StartedAt)
	}
	return now.Sub(*j.StartedAt)
}

type WorkerStatus struct {
	ID           string    `json:"id"`
	Hostname     string    `json:"hostname"`
	Status       string    `json:"status"`
	CurrentJob   string    `json:"current_job,omitempty"`
	JobsComplete int       `json:"jobs_complete"`
	LastPing     time.Time `json:"last_ping"`
}

type EventKind string

const (
	EventJobStatus     EventKind = "job_status"
	EventStepStarted   EventKind = "step_started"
	EventStepFinished  EventKind = "step_finished"
	EventSessionStatus EventKind = "session_status"
	EventControl       EventKind = "control"
)

// Event is published on every observable change of a session.
type Event struct {
	SessionID string    `json:"session_id"`
	TargetID  string    `json:"target_id,omitempty"`
	Kind      EventKind `json:"kind"`
	Step      Step      `json:"step,omitempty"`
	Status    string    `json:"status"`
	ScanID    string    `json:"scan_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	Count     int       `json:"count,omitempty"`
	At        time.Time `json:"at"`
}
