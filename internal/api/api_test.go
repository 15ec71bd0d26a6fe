package api_test

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

// Gateway tests over the real store and registry: handshake admission,
// submission validation, workspace scoping, long-poll, results, and the
// approve flow, all through httptest.

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"coworker/internal/api"
	"coworker/internal/metrics"
	"coworker/internal/registry"
	"coworker/internal/scope"
	"coworker/internal/store"
	"coworker/pkg/coworker"
)

type gateway struct {
	t      *testing.T
	store  *store.Store
	server *httptest.Server
	ws     string

	sessionID string
	token     string
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	metrics.Reset()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "cp.db"), "")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	reg, err := registry.New()
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	ws, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("EvalSymlinks: %v", err)
	}
	roots, err := scope.NewRoots([]string{ws})
	if err != nil {
		t.Fatalf("new roots: %v", err)
	}

	a := api.New(st, reg, roots, nil)
	a.PollInterval = 5 * time.Millisecond
	mux := http.NewServeMux()
	a.Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	g := &gateway{t: t, store: st, server: srv, ws: ws}
	g.handshake()
	return g
}

func (g *gateway) handshake() {
	g.t.Helper()
	resp, body := g.do(http.MethodPost, "/handshake", nil, false)
	if resp.StatusCode != http.StatusOK {
		g.t.Fatalf("handshake: %d %s", resp.StatusCode, body)
	}
	var sess coworker.Session
	if err := json.Unmarshal(body, &sess); err != nil {
		g.t.Fatalf("handshake decode: %v", err)
	}
	if sess.SessionID == "" || sess.Token == "" {
		g.t.Fatalf("handshake returned empty credentials: %s", body)
	}
	g.sessionID, g.token = sess.SessionID, sess.Token
}

func (g *gateway) do(method, path string, payload any, auth bool) (*http.Response, []byte) {
	g.t.Helper()
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			g.t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, g.server.URL+path, body)
	if err != nil {
		g.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth {
		req.Header.Set(api.HeaderSession, g.sessionID)
		req.Header.Set(api.HeaderToken, g.token)
	}
	resp, err := g.server.Client().Do(req)
	if err != nil {
		g.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		g.t.Fatalf("read body: %v", err)
	}
	return resp, buf.Bytes()
}

func (g *gateway) submit(req api.SubmitJobRequest) (api.SubmitJobResponse, *http.Response, []byte) {
	g.t.Helper()
	resp, body := g.do(http.MethodPost, "/jobs", req, true)
	var out api.SubmitJobResponse
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted {
		if err := json.Unmarshal(body, &out); err != nil {
			g.t.Fatalf("decode submit response: %v (%s)", err, body)
		}
	}
	return out, resp, body
}

// completeAs drives a submitted job to a terminal state through the
// store, standing in for a worker.
func (g *gateway) completeAs(jobID string, status coworker.JobStatus, result []byte, contentType string, errMsg *string) {
	g.t.Helper()
	ctx := context.Background()
	job, _, err := g.store.ClaimNextJob(ctx, "w-api-test", time.Minute)
	if err != nil {
		g.t.Fatalf("claim: %v", err)
	}
	if job.ID != jobID {
		g.t.Fatalf("claimed %s, want %s", job.ID, jobID)
	}
	if err := g.store.CompleteJob(ctx, jobID, "w-api-test", status, result, contentType, errMsg); err != nil {
		g.t.Fatalf("complete: %v", err)
	}
}

func wireCode(t *testing.T, body []byte) string {
	t.Helper()
	var e struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, body)
	}
	return e.Code
}

func TestAuthRequired(t *testing.T) {
	g := newGateway(t)

	resp, body := g.do(http.MethodGet, "/tools", nil, false)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no headers: %d %s", resp.StatusCode, body)
	}
	if wireCode(t, body) != "Unauthorized" {
		t.Fatalf("code: %s", body)
	}

	req, _ := http.NewRequest(http.MethodGet, g.server.URL+"/tools", nil)
	req.Header.Set(api.HeaderSession, g.sessionID)
	req.Header.Set(api.HeaderToken, "wrong-token")
	resp2, err := g.server.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", resp2.StatusCode)
	}
}

func TestToolCatalog(t *testing.T) {
	g := newGateway(t)

	resp, body := g.do(http.MethodGet, "/tools", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tools: %d %s", resp.StatusCode, body)
	}
	var out struct {
		Tools []struct {
			Type     int    `json:"type"`
			Name     string `json:"name"`
			Mutating bool   `json:"mutating"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Tools) != 15 {
		t.Fatalf("catalog size: %d", len(out.Tools))
	}
	byName := map[string]bool{}
	for _, tool := range out.Tools {
		byName[tool.Name] = tool.Mutating
	}
	if !byName["execute_plan"] || !byName["soft_delete"] || !byName["restore"] {
		t.Fatalf("mutating flags wrong: %v", byName)
	}
	if byName["scan_index"] || byName["organize_plan"] {
		t.Fatalf("non-mutating tools flagged: %v", byName)
	}
}

func TestSubmitValidation(t *testing.T) {
	g := newGateway(t)

	cases := []struct {
		name     string
		req      api.SubmitJobRequest
		wantCode string
	}{
		{
			name:     "unknown type",
			req:      api.SubmitJobRequest{DedupeKey: "k1", Type: 99, Params: map[string]string{}},
			wantCode: "InvalidArgument",
		},
		{
			name:     "missing dedupe key",
			req:      api.SubmitJobRequest{Type: coworker.TypeScanIndex, Params: map[string]string{"root": "x"}},
			wantCode: "InvalidArgument",
		},
		{
			name:     "missing required param",
			req:      api.SubmitJobRequest{DedupeKey: "k2", Type: coworker.TypeReadFile, Params: map[string]string{}},
			wantCode: "InvalidArgument",
		},
		{
			name: "unknown param",
			req: api.SubmitJobRequest{DedupeKey: "k3", Type: coworker.TypeScanIndex,
				Params: map[string]string{"root": "x", "bogus": "y"}},
			wantCode: "InvalidArgument",
		},
		{
			name: "mutating without approval",
			req: api.SubmitJobRequest{DedupeKey: "k4", Type: coworker.TypeSoftDelete,
				Params: map[string]string{"path": "x"}},
			wantCode: "ApprovalRequired",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, resp, body := g.submit(tc.req)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status: %d %s", resp.StatusCode, body)
			}
			if got := wireCode(t, body); got != tc.wantCode {
				t.Fatalf("code: %s want %s", got, tc.wantCode)
			}
		})
	}
}

func TestSubmitPathEscapeRejected(t *testing.T) {
	g := newGateway(t)

	// Traversal out of the workspace must be rejected synchronously
	// with no job row created.
	_, resp, body := g.submit(api.SubmitJobRequest{
		DedupeKey:    "escape-1",
		Type:         coworker.TypeReadFile,
		Params:       map[string]string{"path": g.ws + "/../etc/passwd"},
		AllowedRoots: []string{g.ws},
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status: %d %s", resp.StatusCode, body)
	}
	if wireCode(t, body) != "Forbidden" {
		t.Fatalf("code: %s", body)
	}

	if _, _, err := g.store.ClaimNextJob(context.Background(), "w", time.Minute); err == nil {
		t.Fatalf("a job row was created for a rejected submission")
	}

	// allowed_roots outside the configured workspaces is also Forbidden.
	_, resp, body = g.submit(api.SubmitJobRequest{
		DedupeKey:    "escape-2",
		Type:         coworker.TypeScanIndex,
		Params:       map[string]string{"root": g.ws},
		AllowedRoots: []string{os.TempDir()},
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign root status: %d %s", resp.StatusCode, body)
	}
}

func TestSubmitDedupe(t *testing.T) {
	g := newGateway(t)

	req := api.SubmitJobRequest{
		DedupeKey: "scan-once",
		Type:      coworker.TypeScanIndex,
		Params:    map[string]string{"root": g.ws},
	}
	first, resp, _ := g.submit(req)
	if resp.StatusCode != http.StatusAccepted || !first.Created {
		t.Fatalf("first submit: %d created=%v", resp.StatusCode, first.Created)
	}
	second, resp, _ := g.submit(req)
	if resp.StatusCode != http.StatusOK || second.Created {
		t.Fatalf("second submit: %d created=%v", resp.StatusCode, second.Created)
	}
	if first.JobID != second.JobID {
		t.Fatalf("dedupe returned a different job: %s vs %s", first.JobID, second.JobID)
	}
}

func TestGetJobAndLongPoll(t *testing.T) {
	g := newGateway(t)

	sub, _, _ := g.submit(api.SubmitJobRequest{
		DedupeKey: "poll-1",
		Type:      coworker.TypeScanIndex,
		Params:    map[string]string{"root": g.ws},
	})

	resp, body := g.do(http.MethodGet, "/jobs/"+sub.JobID, nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get job: %d %s", resp.StatusCode, body)
	}
	var job coworker.Job
	if err := json.Unmarshal(body, &job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.Status != coworker.StatusQueued {
		t.Fatalf("status: %s", job.Status)
	}

	// Complete the job while a long poll is in flight; the poll must
	// return the terminal row before its deadline.
	doneErr := make(chan error, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		ctx := context.Background()
		if _, _, err := g.store.ClaimNextJob(ctx, "w-api-test", time.Minute); err != nil {
			doneErr <- err
			return
		}
		doneErr <- g.store.CompleteJob(ctx, sub.JobID, "w-api-test", coworker.StatusSucceeded, []byte(`{}`), "application/json", nil)
	}()
	start := time.Now()
	resp, body = g.do(http.MethodGet, fmt.Sprintf("/jobs/%s?wait_ms=2000", sub.JobID), nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("long poll: %d %s", resp.StatusCode, body)
	}
	if err := <-doneErr; err != nil {
		t.Fatalf("background complete: %v", err)
	}
	if err := json.Unmarshal(body, &job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.Status != coworker.StatusSucceeded {
		t.Fatalf("long poll status: %s", job.Status)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("long poll did not return early: %s", time.Since(start))
	}

	resp, body = g.do(http.MethodGet, "/jobs/nope", nil, true)
	if resp.StatusCode != http.StatusNotFound || wireCode(t, body) != "NotFound" {
		t.Fatalf("unknown job: %d %s", resp.StatusCode, body)
	}
}

func TestGetResult(t *testing.T) {
	g := newGateway(t)

	sub, _, _ := g.submit(api.SubmitJobRequest{
		DedupeKey: "result-1",
		Type:      coworker.TypeScanIndex,
		Params:    map[string]string{"root": g.ws},
	})

	// Queued job: not ready.
	resp, body := g.do(http.MethodGet, "/jobs/"+sub.JobID+"/result", nil, true)
	if resp.StatusCode != http.StatusConflict || wireCode(t, body) != "NotReady" {
		t.Fatalf("queued result: %d %s", resp.StatusCode, body)
	}

	g.completeAs(sub.JobID, coworker.StatusSucceeded, []byte(`{"ok":true}`), "application/json", nil)

	resp, body = g.do(http.MethodGet, "/jobs/"+sub.JobID+"/result", nil, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("result: %d %s", resp.StatusCode, body)
	}
	var out api.ResultResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(out.BytesBase64)
	if err != nil {
		t.Fatalf("base64: %v", err)
	}
	if out.ContentType != "application/json" || string(raw) != `{"ok":true}` {
		t.Fatalf("result payload: %s %s", out.ContentType, raw)
	}
}

func TestGetResultFailedJob(t *testing.T) {
	g := newGateway(t)

	sub, _, _ := g.submit(api.SubmitJobRequest{
		DedupeKey: "fail-1",
		Type:      coworker.TypeScanIndex,
		Params:    map[string]string{"root": g.ws},
	})
	msg := "disk on fire"
	g.completeAs(sub.JobID, coworker.StatusFailed, nil, "", &msg)

	resp, body := g.do(http.MethodGet, "/jobs/"+sub.JobID+"/result", nil, true)
	if resp.StatusCode != http.StatusConflict || wireCode(t, body) != "BadState" {
		t.Fatalf("failed result: %d %s", resp.StatusCode, body)
	}
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Error != msg {
		t.Fatalf("error message: %q want %q", e.Error, msg)
	}
}

func TestApproveFlow(t *testing.T) {
	g := newGateway(t)
	if err := os.WriteFile(filepath.Join(g.ws, "a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	plan, _, _ := g.submit(api.SubmitJobRequest{
		DedupeKey: "plan-1",
		Type:      coworker.TypeOrganizePlan,
		Params:    map[string]string{"root": g.ws},
	})

	// Plan not finished yet: BadState.
	resp, body := g.do(http.MethodPost, "/approve",
		api.ApproveRequest{PlanJobID: plan.JobID, TTLSeconds: 120}, true)
	if resp.StatusCode != http.StatusConflict || wireCode(t, body) != "BadState" {
		t.Fatalf("approve queued plan: %d %s", resp.StatusCode, body)
	}

	planBytes := []byte(`{"root":"` + g.ws + `","policy":"by_ext","count":1,"moves":[]}`)
	g.completeAs(plan.JobID, coworker.StatusSucceeded, planBytes, "application/json", nil)

	resp, body = g.do(http.MethodPost, "/approve",
		api.ApproveRequest{PlanJobID: plan.JobID, TTLSeconds: 120}, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", resp.StatusCode, body)
	}
	var ap api.ApproveResponse
	if err := json.Unmarshal(body, &ap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ap.ApprovalToken == "" || len(ap.PlanHash) != 64 || ap.TTLSeconds != 120 {
		t.Fatalf("approve response: %+v", ap)
	}

	// Client hash precondition is enforced.
	resp, body = g.do(http.MethodPost, "/approve",
		api.ApproveRequest{PlanJobID: plan.JobID, TTLSeconds: 120, PlanHash: "deadbeef"}, true)
	if resp.StatusCode != http.StatusConflict || wireCode(t, body) != "Mismatch" {
		t.Fatalf("approve stale hash: %d %s", resp.StatusCode, body)
	}

	// TTLs are clamped into [10, 3600].
	resp, body = g.do(http.MethodPost, "/approve",
		api.ApproveRequest{PlanJobID: plan.JobID, TTLSeconds: 999999}, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve huge ttl: %d %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &ap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ap.TTLSeconds != 3600 {
		t.Fatalf("ttl clamp: %d", ap.TTLSeconds)
	}

	// Unknown plan: NotFound.
	resp, body = g.do(http.MethodPost, "/approve",
		api.ApproveRequest{PlanJobID: "missing", TTLSeconds: 60}, true)
	if resp.StatusCode != http.StatusNotFound || wireCode(t, body) != "NotFound" {
		t.Fatalf("approve unknown plan: %d %s", resp.StatusCode, body)
	}

	// Approved mutating submit is accepted.
	exec, resp, body := g.submit(api.SubmitJobRequest{
		DedupeKey:     "exec-1",
		Type:          coworker.TypeExecutePlan,
		Params:        map[string]string{"plan_job_id": plan.JobID, "workspace_root": g.ws},
		ApprovalToken: &ap.ApprovalToken,
	})
	if resp.StatusCode != http.StatusAccepted || !exec.Created {
		t.Fatalf("execute submit: %d %s", resp.StatusCode, body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	g := newGateway(t)

	resp, body := g.do(http.MethodGet, "/metrics", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %d", resp.StatusCode)
	}
	if !bytes.Contains(body, []byte("coworker_")) {
		t.Fatalf("metrics body missing coworker collectors: %s", body)
	}
}
