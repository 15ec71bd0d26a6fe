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

// Package worker implements the lease-based execution loop. A worker
// claims one job at a time, heartbeats its lease in the background
// while the handler runs, and completes the job under an ownership
// guard. A worker that loses its lease discards its result: the claim
// and complete guards in the store make duplicate side effects the only
// risk of a stall, and the tools are written to be idempotent.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"coworker/internal/metrics"
	"coworker/internal/registry"
	"coworker/internal/store"
	"coworker/internal/tools"
	"coworker/pkg/coworker"
)

// Store defines the persistence operations required by the worker.
type Store interface {
	ClaimNextJob(ctx context.Context, workerID string, leaseTTL time.Duration) (*coworker.Job, bool, error)
	RenewLease(ctx context.Context, jobID, workerID string, leaseTTL time.Duration) error
	CompleteJob(ctx context.Context, jobID, workerID string, status coworker.JobStatus, result []byte, contentType string, errorMessage *string) error
	ConsumeApproval(ctx context.Context, token, expectedPlanJobID string) (*coworker.Approval, error)
	GetResult(ctx context.Context, jobID string) (*coworker.Result, error)
}

// Runner executes a tool invocation.
type Runner interface {
	Run(ctx context.Context, req tools.Request) ([]byte, string, error)
}

// Config controls worker behavior and timeouts.
type Config struct {
	WorkerID string

	// How often to poll for new jobs when none are available.
	PollInterval time.Duration

	// Lease management
	LeaseTTL         time.Duration
	ExtendLeaseEvery time.Duration
}

// Worker claims and executes jobs until its context is canceled.
type Worker struct {
	store  Store
	reg    *registry.Registry
	runner Runner
	cfg    Config
	logger *log.Logger
	now    func() time.Time
}

// New constructs a Worker with defaults filled in.
func New(st Store, reg *registry.Registry, runner Runner, cfg Config, logger *log.Logger) *Worker {
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.ExtendLeaseEvery <= 0 || cfg.ExtendLeaseEvery >= cfg.LeaseTTL {
		cfg.ExtendLeaseEvery = cfg.LeaseTTL / 3
	}
	return &Worker{
		store:  st,
		reg:    reg,
		runner: runner,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

func (w *Worker) logf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf("[worker %s] %s", w.cfg.WorkerID, fmt.Sprintf(format, args...))
	}
}

// Run starts the claim/execute loop until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	w.logf("starting; poll=%s lease_ttl=%s", w.cfg.PollInterval, w.cfg.LeaseTTL)
	defer w.logf("stopped")

	for {
		if ctx.Err() != nil {
			return
		}

		job, reclaimed, err := w.store.ClaimNextJob(ctx, w.cfg.WorkerID, w.cfg.LeaseTTL)
		if err == nil && job != nil {
			if reclaimed {
				metrics.IncLeaseReclaimed()
				w.logf("reclaimed job id=%s type=%d from expired lease", job.ID, job.Type)
			} else {
				w.logf("claimed job id=%s type=%d", job.ID, job.Type)
			}
			w.processJob(ctx, job)
			continue
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) && ctx.Err() == nil {
			w.logf("claim error: %v", err)
		}

		// Jittered poll keeps a pool of workers from thundering on the
		// same row.
		sleep := w.cfg.PollInterval/2 + time.Duration(rand.Int63n(int64(w.cfg.PollInterval)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// processJob runs one claimed job to a terminal state. Every exit path
// calls CompleteJob exactly once, except preemption, where the result
// is discarded because another worker owns the job now.
func (w *Worker) processJob(ctx context.Context, job *coworker.Job) {
	start := w.now()

	desc, ok := w.reg.Lookup(job.Type)
	if !ok {
		// Submission validates the type, so this only happens when the
		// database outlives a catalog change.
		w.fail(ctx, job, "unknown", fmt.Sprintf("unknown job type %d", job.Type))
		return
	}

	req := tools.Request{
		Job:    job,
		Params: job.Params,
		Roots:  job.AllowedRoots,
		PlanFetch: func(ctx context.Context, planJobID string) ([]byte, error) {
			res, err := w.store.GetResult(ctx, planJobID)
			if err != nil {
				return nil, err
			}
			return res.Bytes, nil
		},
	}

	// Mutating jobs consume their approval before any side effect. A
	// consume failure is a job failure, and the token is burned either
	// way: approvals are commitments, not retryable credentials.
	if desc.Mutating {
		if job.ApprovalToken == nil || *job.ApprovalToken == "" {
			w.fail(ctx, job, desc.Name, "approval token missing")
			return
		}
		ap, err := w.store.ConsumeApproval(ctx, *job.ApprovalToken, job.Params["plan_job_id"])
		if err != nil {
			metrics.IncApprovalConsumed(consumeOutcome(err))
			w.fail(ctx, job, desc.Name, fmt.Sprintf("approval rejected: %v", err))
			return
		}
		metrics.IncApprovalConsumed("ok")
		req.ApprovedPlanHash = ap.PlanHash
	}

	// Heartbeat the lease while the handler runs. Losing the lease
	// cancels the handler so it stops touching the filesystem.
	handlerCtx, cancel := context.WithCancel(ctx)
	preempted := make(chan struct{})
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		ticker := time.NewTicker(w.cfg.ExtendLeaseEvery)
		defer ticker.Stop()
		for {
			select {
			case <-handlerCtx.Done():
				return
			case <-ticker.C:
				if err := w.store.RenewLease(handlerCtx, job.ID, w.cfg.WorkerID, w.cfg.LeaseTTL); err != nil {
					if errors.Is(err, store.ErrPreempted) {
						close(preempted)
						cancel()
						return
					}
					w.logf("job %s: renew lease error: %v", job.ID, err)
				}
			}
		}
	}()

	result, contentType, runErr := w.runner.Run(handlerCtx, req)
	cancel()
	<-heartbeatDone

	select {
	case <-preempted:
		w.logf("job %s: lease preempted mid-run, discarding result", job.ID)
		return
	default:
	}

	status := coworker.StatusSucceeded
	var errMsg *string
	if runErr != nil {
		status = coworker.StatusFailed
		msg := runErr.Error()
		errMsg = &msg
		result, contentType = nil, ""
	}

	if err := w.store.CompleteJob(ctx, job.ID, w.cfg.WorkerID, status, result, contentType, errMsg); err != nil {
		if errors.Is(err, store.ErrPreempted) {
			w.logf("job %s: completed elsewhere, discarding result", job.ID)
			return
		}
		w.logf("job %s: complete error: %v", job.ID, err)
		return
	}

	metrics.ObserveJobCompleted(desc.Name, status.String(), w.now().Sub(start))
	if runErr != nil {
		w.logf("job %s: failed: %v", job.ID, runErr)
	} else {
		w.logf("job %s: succeeded in %s", job.ID, w.now().Sub(start).Round(time.Millisecond))
	}
}

func (w *Worker) fail(ctx context.Context, job *coworker.Job, tool, msg string) {
	if err := w.store.CompleteJob(ctx, job.ID, w.cfg.WorkerID, coworker.StatusFailed, nil, "", &msg); err != nil {
		if !errors.Is(err, store.ErrPreempted) {
			w.logf("job %s: fail-complete error: %v", job.ID, err)
		}
		return
	}
	metrics.ObserveJobCompleted(tool, coworker.StatusFailed.String(), 0)
	w.logf("job %s: failed: %s", job.ID, msg)
}

func consumeOutcome(err error) string {
	switch {
	case errors.Is(err, store.ErrApprovalUnknown):
		return "unknown"
	case errors.Is(err, store.ErrApprovalExpired):
		return "expired"
	case errors.Is(err, store.ErrApprovalMismatch):
		return "mismatch"
	default:
		return "error"
	}
}
