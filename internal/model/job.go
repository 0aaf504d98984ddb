package model

import (
	"time"
)

// Status is the lifecycle state of a compile job. Transitions are
// monotonic: queued -> running -> completed|failed. Terminal jobs are
// never mutated again.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions can occur.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Channel tags a log entry with its origin.
type Channel string

const (
	ChannelInfo    Channel = "info"
	ChannelStdout  Channel = "stdout"
	ChannelStderr  Channel = "stderr"
	ChannelSuccess Channel = "success"
	ChannelError   Channel = "error"
)

// LogEntry is one append-only record of job output. Insertion order is
// the authoritative ordering for replay.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Channel   Channel   `json:"channel"`
	Text      string    `json:"text"`
}

// FailureKind classifies why a job ended up failed.
type FailureKind string

const (
	FailureLaunch      FailureKind = "launch"
	FailureCompilation FailureKind = "compilation"
	FailureTimeout     FailureKind = "timeout"
	FailureSetup       FailureKind = "setup"
	FailureCanceled    FailureKind = "canceled"
)

// Job is one tracked asynchronous compilation request and its outcome.
// The store hands out deep copies; callers never share the live record.
type Job struct {
	ID          string `json:"id"`
	SubjectName string `json:"subjectName,omitempty"`
	Payload     string `json:"-"`

	Status Status `json:"status"`

	CreatedAt   time.Time `json:"createdAt"`
	StartedAt   time.Time `json:"startedAt,omitzero"`
	CompletedAt time.Time `json:"completedAt,omitzero"`

	Entries []LogEntry `json:"entries,omitempty"`

	// Aggregated output per channel, maintained incrementally and capped
	// by the store's retention limit.
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`

	ExitCode *int `json:"exitCode,omitempty"`

	TerminalError string      `json:"terminalError,omitempty"`
	FailureKind   FailureKind `json:"failureKind,omitempty"`

	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
}

// Clone returns a deep copy of the job.
func (j Job) Clone() Job {
	c := j
	c.Entries = append([]LogEntry(nil), j.Entries...)
	c.Diagnostics = append([]Diagnostic(nil), j.Diagnostics...)
	if j.ExitCode != nil {
		code := *j.ExitCode
		c.ExitCode = &code
	}
	return c
}

// Summary is the listing view of a job: no payload, no log bodies.
type Summary struct {
	ID          string    `json:"id"`
	SubjectName string    `json:"subjectName,omitempty"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	StartedAt   time.Time `json:"startedAt,omitzero"`
	CompletedAt time.Time `json:"completedAt,omitzero"`
	ExitCode    *int      `json:"exitCode,omitempty"`
}

// Summary projects the job onto its listing fields.
func (j Job) Summary() Summary {
	s := Summary{
		ID:          j.ID,
		SubjectName: j.SubjectName,
		Status:      j.Status,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
	if j.ExitCode != nil {
		code := *j.ExitCode
		s.ExitCode = &code
	}
	return s
}

// Position locates a diagnostic inside a source file.
type Position struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

// Diagnostic is one structured compiler error parsed out of raw tool
// output: code, message, optional location and verbatim detail lines.
type Diagnostic struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Pos     *Position `json:"pos,omitempty"`
	Details []string  `json:"details,omitempty"`
}
