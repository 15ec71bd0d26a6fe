// Coworker is a local-first filesystem coworker service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package coworker contains shared data models and wire constants used by
// the store, gateway, and workers. Numeric job status and type values are
// part of the wire contract with the browser extension and must not change.
package coworker

import "time"

// JobStatus is the lifecycle state of a job. The numeric values are
// wire-stable: queued=1, running=2, succeeded=3, failed=4.
type JobStatus int

const (
	StatusQueued    JobStatus = 1
	StatusRunning   JobStatus = 2
	StatusSucceeded JobStatus = 3
	StatusFailed    JobStatus = 4
)

// Valid reports whether the status is one of the allowed states.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is terminal (succeeded or failed).
func (s JobStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// String returns a human-readable name for the status.
func (s JobStatus) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// JobType identifies a tool in the registry. Values are wire-stable and
// aligned with the extension's catalog.
type JobType int

const (
	TypeScanIndex     JobType = 1
	TypeListFiles     JobType = 2
	TypeReadFile      JobType = 3
	TypeOrganizePlan  JobType = 4
	TypeExecutePlan   JobType = 5
	TypeSoftDelete    JobType = 6
	TypeRestore       JobType = 7
	TypeBrowseWeb     JobType = 8
	TypeCreateExcel   JobType = 9
	TypeCreateWord    JobType = 10
	TypeCreatePDF     JobType = 11
	TypeExecuteCode   JobType = 12
	TypeSearchActions JobType = 13
	TypeSearchDrive   JobType = 14
	TypeListenMeeting JobType = 15
)

// Session is a handshake-minted credential pair. Sessions are never
// mutated after creation and never expire in v1.
type Session struct {
	SessionID   string `json:"session_id"`
	Token       string `json:"token"`
	CreatedAtMs int64  `json:"created_at_ms"`
}

// Job is a single unit of work submitted by the UI and executed by a
// worker under a lease. LeaseOwner and LeaseExpiresAtMs are non-nil
// exactly while the job is running.
type Job struct {
	ID               string            `json:"job_id"`
	DedupeKey        string            `json:"dedupe_key"`
	Type             JobType           `json:"type"`
	Status           JobStatus         `json:"status"`
	CreatedAtMs      int64             `json:"created_at_ms"`
	StartedAtMs      *int64            `json:"started_at_ms,omitempty"`
	FinishedAtMs     *int64            `json:"finished_at_ms,omitempty"`
	Params           map[string]string `json:"params"`
	AllowedRoots     []string          `json:"allowed_roots"`
	LeaseOwner       *string           `json:"lease_owner,omitempty"`
	LeaseExpiresAtMs *int64            `json:"lease_expires_at_ms,omitempty"`
	ApprovalToken    *string           `json:"-"` // never echoed to clients
	ErrorMessage     *string           `json:"error_message,omitempty"`
}

// Result is the opaque output of a succeeded job. Interpretation of the
// bytes belongs to the UI; the orchestrator only stores and serves them.
type Result struct {
	JobID       string
	Bytes       []byte
	ContentType string
}

// Approval is a single-use commitment binding a future execution to a
// specific plan result. PlanHash is the lowercase hex SHA-256 of the
// plan result bytes as stored, computed at mint time.
type Approval struct {
	Token       string
	PlanJobID   string
	PlanHash    string
	ExpiresAtMs int64
	CreatedAtMs int64
}

// AuditEntry is one line of the append-only workspace audit log.
type AuditEntry struct {
	TsMs   int64             `json:"ts_ms"`
	JobID  string            `json:"job_id"`
	Action string            `json:"action"`
	Path   string            `json:"path,omitempty"`
	Extra  map[string]string `json:"extra,omitempty"`
}

// NowMs returns the current wall clock in Unix milliseconds. All
// persisted timestamps use this resolution.
func NowMs() int64 {
	return time.Now().UnixMilli()
}
