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

package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobsSubmitted     *prometheus.CounterVec
	jobsCompleted     *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	authFailures      prometheus.Counter
	approvalsMinted   prometheus.Counter
	approvalsConsumed *prometheus.CounterVec
	leaseReclaims     prometheus.Counter
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncJobSubmitted records an accepted job submission. deduped marks
// submissions that returned an existing live job.
func IncJobSubmitted(tool string, deduped bool) {
	outcome := "created"
	if deduped {
		outcome = "deduped"
	}
	mu.RLock()
	defer mu.RUnlock()
	if jobsSubmitted != nil {
		jobsSubmitted.WithLabelValues(sanitizeLabel(tool, "unknown"), outcome).Inc()
	}
}

// ObserveJobCompleted records a terminal job with its execution time.
func ObserveJobCompleted(tool, status string, duration time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if jobsCompleted != nil {
		jobsCompleted.WithLabelValues(sanitizeLabel(tool, "unknown"), sanitizeLabel(status, "unknown")).Inc()
	}
	if jobDuration != nil {
		jobDuration.WithLabelValues(sanitizeLabel(tool, "unknown")).Observe(durationSeconds(duration))
	}
}

// IncAuthFailure records a rejected session/token pair.
func IncAuthFailure() {
	mu.RLock()
	defer mu.RUnlock()
	if authFailures != nil {
		authFailures.Inc()
	}
}

// IncApprovalMinted records a successfully minted approval.
func IncApprovalMinted() {
	mu.RLock()
	defer mu.RUnlock()
	if approvalsMinted != nil {
		approvalsMinted.Inc()
	}
}

// IncApprovalConsumed records an approval consume attempt by outcome
// (ok, unknown, expired, mismatch).
func IncApprovalConsumed(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	if approvalsConsumed != nil {
		approvalsConsumed.WithLabelValues(sanitizeLabel(outcome, "unknown")).Inc()
	}
}

// IncLeaseReclaimed records a claim that took over an expired lease.
func IncLeaseReclaimed() {
	mu.RLock()
	defer mu.RUnlock()
	if leaseReclaims != nil {
		leaseReclaims.Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	submitted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coworker",
		Subsystem: "jobs",
		Name:      "submitted_total",
		Help:      "Total job submissions by tool and outcome (created/deduped).",
	}, []string{"tool", "outcome"})

	completed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coworker",
		Subsystem: "jobs",
		Name:      "completed_total",
		Help:      "Total jobs reaching a terminal status by tool.",
	}, []string{"tool", "status"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "coworker",
		Subsystem: "jobs",
		Name:      "duration_seconds",
		Help:      "Execution time of completed jobs by tool.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"tool"})

	auth := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "coworker",
		Subsystem: "gateway",
		Name:      "auth_failures_total",
		Help:      "Total rejected session/token pairs.",
	})

	minted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "coworker",
		Subsystem: "approvals",
		Name:      "minted_total",
		Help:      "Total approvals minted.",
	})

	consumed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coworker",
		Subsystem: "approvals",
		Name:      "consumed_total",
		Help:      "Total approval consume attempts by outcome.",
	}, []string{"outcome"})

	reclaims := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "coworker",
		Subsystem: "worker",
		Name:      "lease_reclaims_total",
		Help:      "Total claims that took over an expired lease.",
	})

	registry.MustRegister(submitted, completed, duration, auth, minted, consumed, reclaims)

	reg = registry
	jobsSubmitted = submitted
	jobsCompleted = completed
	jobDuration = duration
	authFailures = auth
	approvalsMinted = minted
	approvalsConsumed = consumed
	leaseReclaims = reclaims
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
