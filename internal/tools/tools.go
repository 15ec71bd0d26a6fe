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

// Package tools implements the handlers behind each registry entry.
// Handlers are pure functions of the request: they read parameters,
// operate strictly under the job's frozen workspace roots, and return
// result bytes plus a MIME type. A handler error fails the job; it
// never panics the worker.
package tools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"coworker/internal/scope"
	"coworker/pkg/coworker"
)

var (
	// ErrUnavailable marks catalog entries with no handler in this build.
	ErrUnavailable = errors.New("tool not available in this build")
	// ErrPlanDrift indicates the stored plan no longer matches the approved hash.
	ErrPlanDrift = errors.New("plan drifted since approval")
	// ErrStateConflict indicates the filesystem is not in the state the
	// operation expects (destination exists with different content).
	ErrStateConflict = errors.New("state conflict")
)

// Request carries everything a handler may use. Roots are the job's
// frozen canonical allowed roots; handlers re-check every path against
// them even though the gateway already did, since the filesystem may
// have changed between submission and execution.
type Request struct {
	Job    *coworker.Job
	Params map[string]string
	Roots  []string

	// PlanFetch returns the stored result bytes of a plan job.
	PlanFetch func(ctx context.Context, planJobID string) ([]byte, error)

	// ApprovedPlanHash is the hash the consumed approval was bound to.
	// Set only for mutating jobs.
	ApprovedPlanHash string
}

// Handler executes one tool invocation.
type Handler func(ctx context.Context, req Request) ([]byte, string, error)

// Runner dispatches jobs to handlers by type.
type Runner struct {
	handlers map[coworker.JobType]Handler
	client   *http.Client
}

// NewRunner builds the default handler set.
func NewRunner() *Runner {
	r := &Runner{
		client: &http.Client{Timeout: 30 * time.Second},
	}
	r.handlers = map[coworker.JobType]Handler{
		coworker.TypeScanIndex:     scanIndex,
		coworker.TypeListFiles:     listFiles,
		coworker.TypeReadFile:      readFile,
		coworker.TypeOrganizePlan:  organizePlan,
		coworker.TypeExecutePlan:   executePlan,
		coworker.TypeSoftDelete:    softDelete,
		coworker.TypeRestore:       restore,
		coworker.TypeBrowseWeb:     r.browseWeb,
		coworker.TypeCreatePDF:     createPDF,
		coworker.TypeSearchActions: searchPastActions,
	}
	return r
}

// Run executes the handler for the job's type. Types in the catalog
// without a handler here fail with ErrUnavailable.
func (r *Runner) Run(ctx context.Context, req Request) ([]byte, string, error) {
	h, ok := r.handlers[req.Job.Type]
	if !ok {
		return nil, "", ErrUnavailable
	}
	return h(ctx, req)
}

// resolveInScope canonicalizes a handler path and requires it to be
// under one of the job's roots.
func resolveInScope(path string, roots []string) (string, error) {
	c, err := scope.Canonicalize(path)
	if err != nil {
		return "", err
	}
	if !scope.Within(c, roots) {
		return "", fmt.Errorf("%w: %s", scope.ErrOutsideWorkspace, c)
	}
	return c, nil
}

// workspaceRootFor returns the root containing a canonical path, for
// placing the trash directory and the audit log.
func workspaceRootFor(canonicalPath string, roots []string) (string, error) {
	for _, root := range roots {
		if scope.Within(canonicalPath, []string{root}) {
			return root, nil
		}
	}
	return "", fmt.Errorf("%w: %s", scope.ErrOutsideWorkspace, canonicalPath)
}
