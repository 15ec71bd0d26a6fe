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

// Package api is the loopback HTTP gateway. It authenticates sessions,
// validates submissions against the tool registry and the configured
// workspace roots, and translates between the JSON wire shape and the
// store. It never touches the filesystem except to canonicalize paths;
// all I/O belongs to the workers.
//
// Endpoints:
//   - POST /handshake          mint a session (unauthenticated)
//   - GET  /tools              tool catalog
//   - POST /jobs               submit a job
//   - GET  /jobs/{id}          job row, optional ?wait_ms long-poll
//   - GET  /jobs/{id}/result   result bytes, base64
//   - POST /approve            mint an approval for a succeeded plan
//   - GET  /metrics            Prometheus metrics (unauthenticated)
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"coworker/internal/metrics"
	"coworker/internal/registry"
	"coworker/internal/scope"
	"coworker/internal/store"
	"coworker/pkg/coworker"
)

const (
	maxWaitMs             = 10_000
	minApprovalTTLSeconds = 10
	maxApprovalTTLSeconds = 3600
)

// Store defines the persistence operations the gateway needs. The
// SQLite store satisfies it.
type Store interface {
	CreateSession(ctx context.Context) (*coworker.Session, error)
	Authenticate(ctx context.Context, sessionID, token string) error
	SubmitJob(ctx context.Context, req store.SubmitRequest) (*coworker.Job, bool, error)
	GetJob(ctx context.Context, id string) (*coworker.Job, error)
	GetResult(ctx context.Context, jobID string) (*coworker.Result, error)
	MintApproval(ctx context.Context, planJobID, clientHash string, ttl time.Duration) (*coworker.Approval, error)
	PurgeExpiredApprovals(ctx context.Context) (int64, error)
}

// API is the HTTP layer of the coworker service.
type API struct {
	Store    Store
	Registry *registry.Registry
	Roots    *scope.Roots

	// Logger is optional; if nil, logging is suppressed.
	Logger *log.Logger
	// PollInterval is the long-poll re-read cadence. Tests shorten it.
	PollInterval time.Duration
}

// New constructs an API with its required dependencies.
func New(st Store, reg *registry.Registry, roots *scope.Roots, logger *log.Logger) *API {
	return &API{
		Store:        st,
		Registry:     reg,
		Roots:        roots,
		Logger:       logger,
		PollInterval: 50 * time.Millisecond,
	}
}

func (a *API) logf(format string, args ...any) {
	if a.Logger != nil {
		a.Logger.Printf(format, args...)
	}
}

// Register attaches the handlers to a mux under the expected routes.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/handshake", a.handleHandshake)
	mux.HandleFunc("/tools", a.requireSession(a.handleTools))
	mux.HandleFunc("/jobs", a.requireSession(a.handleSubmit))
	mux.HandleFunc("/jobs/", a.requireSession(a.jobSubtreeHandler))
	mux.HandleFunc("/approve", a.requireSession(a.handleApprove))
	mux.Handle("/metrics", metrics.Handler())
}

// --------------- POST /handshake ---------------

func (a *API) handleHandshake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	sess, err := a.Store.CreateSession(r.Context())
	if err != nil {
		a.logf("handshake: %v", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// --------------- GET /tools ---------------

// toolDTO is one catalog entry. Approval requirements come from the
// registry's mutating flag, the single source of truth.
type toolDTO struct {
	Type     coworker.JobType `json:"type"`
	Name     string           `json:"name"`
	Mutating bool             `json:"mutating"`
	Required []string         `json:"required_params"`
	Optional []string         `json:"optional_params"`
}

func (a *API) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	descs := a.Registry.List()
	out := make([]toolDTO, 0, len(descs))
	for _, d := range descs {
		out = append(out, toolDTO{
			Type:     d.Type,
			Name:     d.Name,
			Mutating: d.Mutating,
			Required: append([]string(nil), d.Required...),
			Optional: append([]string(nil), d.Optional...),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}

// --------------- POST /jobs ---------------

// SubmitJobRequest is the payload for POST /jobs.
type SubmitJobRequest struct {
	DedupeKey     string            `json:"dedupe_key"`
	Type          coworker.JobType  `json:"type"`
	Params        map[string]string `json:"params"`
	AllowedRoots  []string          `json:"allowed_roots"`
	ApprovalToken *string           `json:"approval_token,omitempty"`
}

// SubmitJobResponse is returned for POST /jobs. Created distinguishes a
// fresh row from a deduplicated live job.
type SubmitJobResponse struct {
	JobID   string             `json:"job_id"`
	Status  coworker.JobStatus `json:"status"`
	Created bool               `json:"created"`
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	ctx := r.Context()

	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "InvalidArgument", "request body could not be parsed as JSON")
		return
	}
	if strings.TrimSpace(req.DedupeKey) == "" {
		writeErrorCode(w, http.StatusBadRequest, "InvalidArgument", "dedupe_key is required")
		return
	}

	desc, ok := a.Registry.Lookup(req.Type)
	if !ok {
		writeErrorCode(w, http.StatusBadRequest, "InvalidArgument", fmt.Sprintf("unknown tool type %d", req.Type))
		return
	}
	if err := desc.ValidateParams(req.Params); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "InvalidArgument", err.Error())
		return
	}
	if desc.Mutating && (req.ApprovalToken == nil || *req.ApprovalToken == "") {
		writeErrorCode(w, http.StatusBadRequest, "ApprovalRequired", fmt.Sprintf("tool %s requires an approval token", desc.Name))
		return
	}

	allowedRoots, err := a.resolveAllowedRoots(req.AllowedRoots)
	if err != nil {
		writeError(w, err)
		return
	}
	// Defense at the edge: every declared path parameter must already
	// land inside the job's roots, so no job row exists for an escape.
	for _, key := range desc.PathParams {
		raw, ok := req.Params[key]
		if !ok || raw == "" {
			continue
		}
		canon, err := scope.Canonicalize(raw)
		if err != nil {
			writeError(w, fmt.Errorf("param %s: %w", key, err))
			return
		}
		if !scope.Within(canon, allowedRoots) {
			writeError(w, fmt.Errorf("param %s: %w", key, scope.ErrOutsideWorkspace))
			return
		}
	}

	job, created, err := a.Store.SubmitJob(ctx, store.SubmitRequest{
		DedupeKey:        req.DedupeKey,
		Type:             req.Type,
		Params:           req.Params,
		AllowedRoots:     allowedRoots,
		ApprovalToken:    req.ApprovalToken,
		RequiresApproval: desc.Mutating,
	})
	if err != nil {
		a.logf("submit %s: %v", desc.Name, err)
		writeError(w, err)
		return
	}
	metrics.IncJobSubmitted(desc.Name, !created)

	status := http.StatusOK
	if created {
		status = http.StatusAccepted
	}
	writeJSON(w, status, SubmitJobResponse{JobID: job.ID, Status: job.Status, Created: created})
}

// resolveAllowedRoots canonicalizes the request's roots and verifies
// each against the server's configured workspaces. An empty list grants
// all configured roots.
func (a *API) resolveAllowedRoots(requested []string) ([]string, error) {
	if len(requested) == 0 {
		return a.Roots.List(), nil
	}
	out := make([]string, 0, len(requested))
	for _, r := range requested {
		canon, err := a.Roots.Resolve(r)
		if err != nil {
			return nil, fmt.Errorf("allowed_roots %q: %w", r, err)
		}
		out = append(out, canon)
	}
	return out, nil
}

// --------------- GET /jobs/{id} and /jobs/{id}/result ---------------

func (a *API) jobSubtreeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/jobs/")
	switch {
	case rest == "":
		http.NotFound(w, r)
	case strings.HasSuffix(rest, "/result"):
		id := strings.TrimSuffix(rest, "/result")
		if id == "" || strings.Contains(id, "/") {
			http.NotFound(w, r)
			return
		}
		a.handleGetResult(w, r, id)
	case strings.Contains(rest, "/"):
		http.NotFound(w, r)
	default:
		a.handleGetJob(w, r, rest)
	}
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()

	waitMs := 0
	if raw := r.URL.Query().Get("wait_ms"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeErrorCode(w, http.StatusBadRequest, "InvalidArgument", "wait_ms must be a non-negative integer")
			return
		}
		waitMs = n
		if waitMs > maxWaitMs {
			waitMs = maxWaitMs
		}
	}

	job, err := a.Store.GetJob(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}

	// Long poll: re-read until terminal or the deadline passes. The
	// row is the unit of truth; there is no push channel to wait on.
	deadline := time.Now().Add(time.Duration(waitMs) * time.Millisecond)
	for waitMs > 0 && !job.Status.IsTerminal() && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.PollInterval):
		}
		if job, err = a.Store.GetJob(ctx, id); err != nil {
			writeError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, job)
}

// ResultResponse is returned for GET /jobs/{id}/result.
type ResultResponse struct {
	ContentType string `json:"content_type"`
	BytesBase64 string `json:"bytes_base64"`
}

func (a *API) handleGetResult(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()

	job, err := a.Store.GetJob(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	switch job.Status {
	case coworker.StatusSucceeded:
	case coworker.StatusFailed:
		// A failed job never has bytes; surface its recorded error.
		msg := "job failed"
		if job.ErrorMessage != nil {
			msg = *job.ErrorMessage
		}
		writeErrorCode(w, http.StatusConflict, "BadState", msg)
		return
	default:
		writeError(w, fmt.Errorf("%w: job is %s", errNotReady, job.Status))
		return
	}

	res, err := a.Store.GetResult(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ResultResponse{
		ContentType: res.ContentType,
		BytesBase64: base64.StdEncoding.EncodeToString(res.Bytes),
	})
}

// --------------- POST /approve ---------------

// ApproveRequest is the payload for POST /approve. PlanHash is the
// client's optional precondition; when set it must match the hash
// recomputed from the stored plan result.
type ApproveRequest struct {
	PlanJobID  string `json:"plan_job_id"`
	TTLSeconds int    `json:"ttl_seconds"`
	PlanHash   string `json:"plan_hash,omitempty"`
}

// ApproveResponse is returned for POST /approve.
type ApproveResponse struct {
	ApprovalToken string `json:"approval_token"`
	PlanJobID     string `json:"plan_job_id"`
	PlanHash      string `json:"plan_hash"`
	ExpiresAtMs   int64  `json:"expires_at_ms"`
	TTLSeconds    int    `json:"ttl_seconds"`
}

func (a *API) handleApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	ctx := r.Context()

	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "InvalidArgument", "request body could not be parsed as JSON")
		return
	}
	if strings.TrimSpace(req.PlanJobID) == "" {
		writeErrorCode(w, http.StatusBadRequest, "InvalidArgument", "plan_job_id is required")
		return
	}
	ttl := req.TTLSeconds
	if ttl < minApprovalTTLSeconds {
		ttl = minApprovalTTLSeconds
	}
	if ttl > maxApprovalTTLSeconds {
		ttl = maxApprovalTTLSeconds
	}

	// Opportunistic cleanup keeps the approvals table from growing
	// without a background sweeper.
	if n, err := a.Store.PurgeExpiredApprovals(ctx); err != nil {
		a.logf("approve: purge expired: %v", err)
	} else if n > 0 {
		a.logf("approve: purged %d expired approvals", n)
	}

	ap, err := a.Store.MintApproval(ctx, req.PlanJobID, req.PlanHash, time.Duration(ttl)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.IncApprovalMinted()

	writeJSON(w, http.StatusOK, ApproveResponse{
		ApprovalToken: ap.Token,
		PlanJobID:     ap.PlanJobID,
		PlanHash:      ap.PlanHash,
		ExpiresAtMs:   ap.ExpiresAtMs,
		TTLSeconds:    ttl,
	})
}
