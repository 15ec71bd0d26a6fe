package integration

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

// Full-stack test: gateway, store, and a live worker pool wired the way
// cmd/coworkerd wires them, exercised over HTTP only.

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
	"coworker/internal/audit"
	"coworker/internal/metrics"
	"coworker/internal/registry"
	"coworker/internal/scope"
	"coworker/internal/store"
	"coworker/internal/tools"
	"coworker/internal/worker"
	"coworker/pkg/coworker"
)

type env struct {
	t      *testing.T
	server *httptest.Server
	ws     string

	sessionID string
	token     string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	metrics.Reset()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
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

	workerCtx, workerCancel := context.WithCancel(context.Background())
	t.Cleanup(workerCancel)
	runner := tools.NewRunner()
	for i := 0; i < 2; i++ {
		w := worker.New(st, reg, runner, worker.Config{
			WorkerID:     fmt.Sprintf("it-worker-%d", i+1),
			PollInterval: 10 * time.Millisecond,
			LeaseTTL:     time.Minute,
		}, nil)
		go w.Run(workerCtx)
	}

	a := api.New(st, reg, roots, nil)
	a.PollInterval = 10 * time.Millisecond
	mux := http.NewServeMux()
	a.Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	e := &env{t: t, server: srv, ws: ws}
	resp, body := e.do(http.MethodPost, "/handshake", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("handshake: %d %s", resp.StatusCode, body)
	}
	var sess coworker.Session
	if err := json.Unmarshal(body, &sess); err != nil {
		t.Fatalf("handshake decode: %v", err)
	}
	e.sessionID, e.token = sess.SessionID, sess.Token
	return e
}

func (e *env) do(method, path string, payload any) (*http.Response, []byte) {
	e.t.Helper()
	var raw []byte
	if payload != nil {
		var err error
		if raw, err = json.Marshal(payload); err != nil {
			e.t.Fatalf("marshal: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.server.URL+path, bytes.NewReader(raw))
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.sessionID != "" {
		req.Header.Set(api.HeaderSession, e.sessionID)
		req.Header.Set(api.HeaderToken, e.token)
	}
	resp, err := e.server.Client().Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		e.t.Fatalf("read body: %v", err)
	}
	return resp, buf.Bytes()
}

// runJob submits a job and long-polls it to a terminal status.
func (e *env) runJob(req api.SubmitJobRequest) coworker.Job {
	e.t.Helper()
	resp, body := e.do(http.MethodPost, "/jobs", req)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		e.t.Fatalf("submit %d: %d %s", req.Type, resp.StatusCode, body)
	}
	var sub api.SubmitJobResponse
	if err := json.Unmarshal(body, &sub); err != nil {
		e.t.Fatalf("decode submit: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, body = e.do(http.MethodGet, "/jobs/"+sub.JobID+"?wait_ms=2000", nil)
		if resp.StatusCode != http.StatusOK {
			e.t.Fatalf("poll: %d %s", resp.StatusCode, body)
		}
		var job coworker.Job
		if err := json.Unmarshal(body, &job); err != nil {
			e.t.Fatalf("decode job: %v", err)
		}
		if job.Status.IsTerminal() {
			return job
		}
		if time.Now().After(deadline) {
			e.t.Fatalf("job %s stuck at %s", job.ID, job.Status)
		}
	}
}

func (e *env) result(jobID string) (string, []byte) {
	e.t.Helper()
	resp, body := e.do(http.MethodGet, "/jobs/"+jobID+"/result", nil)
	if resp.StatusCode != http.StatusOK {
		e.t.Fatalf("result: %d %s", resp.StatusCode, body)
	}
	var out api.ResultResponse
	if err := json.Unmarshal(body, &out); err != nil {
		e.t.Fatalf("decode result: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(out.BytesBase64)
	if err != nil {
		e.t.Fatalf("base64: %v", err)
	}
	return out.ContentType, raw
}

func (e *env) approve(planJobID string) api.ApproveResponse {
	e.t.Helper()
	resp, body := e.do(http.MethodPost, "/approve",
		api.ApproveRequest{PlanJobID: planJobID, TTLSeconds: 120})
	if resp.StatusCode != http.StatusOK {
		e.t.Fatalf("approve: %d %s", resp.StatusCode, body)
	}
	var ap api.ApproveResponse
	if err := json.Unmarshal(body, &ap); err != nil {
		e.t.Fatalf("decode approve: %v", err)
	}
	return ap
}

func TestScanThroughGateway(t *testing.T) {
	e := newEnv(t)
	for _, name := range []string{"a.txt", "b.md"} {
		if err := os.WriteFile(filepath.Join(e.ws, name), []byte(name), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	job := e.runJob(api.SubmitJobRequest{
		DedupeKey: "it-scan",
		Type:      coworker.TypeScanIndex,
		Params:    map[string]string{"root": e.ws},
	})
	if job.Status != coworker.StatusSucceeded {
		t.Fatalf("scan failed: %v", job.ErrorMessage)
	}

	ct, raw := e.result(job.ID)
	if ct != "application/json" {
		t.Fatalf("content type: %s", ct)
	}
	var index struct {
		TotalFiles int `json:"total_files"`
	}
	if err := json.Unmarshal(raw, &index); err != nil {
		t.Fatalf("decode index: %v", err)
	}
	if index.TotalFiles != 2 {
		t.Fatalf("total_files: %d (%s)", index.TotalFiles, raw)
	}
}

func TestOrganizeLifecycleThroughGateway(t *testing.T) {
	e := newEnv(t)
	for _, name := range []string{"report.txt", "notes.md"} {
		if err := os.WriteFile(filepath.Join(e.ws, name), []byte(name), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	plan := e.runJob(api.SubmitJobRequest{
		DedupeKey: "it-plan",
		Type:      coworker.TypeOrganizePlan,
		Params:    map[string]string{"root": e.ws, "policy": "by_ext"},
	})
	if plan.Status != coworker.StatusSucceeded {
		t.Fatalf("plan failed: %v", plan.ErrorMessage)
	}

	ap := e.approve(plan.ID)
	if len(ap.PlanHash) != 64 {
		t.Fatalf("plan hash: %q", ap.PlanHash)
	}

	exec := e.runJob(api.SubmitJobRequest{
		DedupeKey:     "it-exec",
		Type:          coworker.TypeExecutePlan,
		Params:        map[string]string{"plan_job_id": plan.ID, "workspace_root": e.ws},
		ApprovalToken: &ap.ApprovalToken,
	})
	if exec.Status != coworker.StatusSucceeded {
		t.Fatalf("execute failed: %v", exec.ErrorMessage)
	}
	for _, want := range []string{"txt/report.txt", "md/notes.md"} {
		if _, err := os.Stat(filepath.Join(e.ws, want)); err != nil {
			t.Fatalf("missing %s: %v", want, err)
		}
	}

	// Replaying the same token must fail: single use.
	replay := e.runJob(api.SubmitJobRequest{
		DedupeKey:     "it-exec-replay",
		Type:          coworker.TypeExecutePlan,
		Params:        map[string]string{"plan_job_id": plan.ID, "workspace_root": e.ws},
		ApprovalToken: &ap.ApprovalToken,
	})
	if replay.Status != coworker.StatusFailed {
		t.Fatalf("replay status: %s", replay.Status)
	}

	// Every move landed in the workspace audit log.
	entries, err := audit.Search(e.ws, "move", 0)
	if err != nil {
		t.Fatalf("audit search: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("audit moves: %d", len(entries))
	}
}

func TestTrashLifecycleThroughGateway(t *testing.T) {
	e := newEnv(t)
	victim := filepath.Join(e.ws, "victim.txt")
	if err := os.WriteFile(victim, []byte("v"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Approvals only mint against a succeeded plan, so park one first.
	plan := e.runJob(api.SubmitJobRequest{
		DedupeKey: "it-trash-plan",
		Type:      coworker.TypeOrganizePlan,
		Params:    map[string]string{"root": e.ws},
	})
	if plan.Status != coworker.StatusSucceeded {
		t.Fatalf("plan failed: %v", plan.ErrorMessage)
	}
	ap := e.approve(plan.ID)

	del := e.runJob(api.SubmitJobRequest{
		DedupeKey:     "it-del",
		Type:          coworker.TypeSoftDelete,
		Params:        map[string]string{"path": victim},
		ApprovalToken: &ap.ApprovalToken,
	})
	if del.Status != coworker.StatusSucceeded {
		t.Fatalf("soft_delete failed: %v", del.ErrorMessage)
	}
	if _, err := os.Stat(victim); !os.IsNotExist(err) {
		t.Fatalf("victim still present: %v", err)
	}

	var moved struct {
		Deleted bool   `json:"deleted"`
		To      string `json:"to"`
	}
	_, raw := e.result(del.ID)
	if err := json.Unmarshal(raw, &moved); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !moved.Deleted || moved.To == "" {
		t.Fatalf("soft_delete result: %s", raw)
	}

	ap2 := e.approve(plan.ID)
	res := e.runJob(api.SubmitJobRequest{
		DedupeKey:     "it-restore",
		Type:          coworker.TypeRestore,
		Params:        map[string]string{"trash_item_path": moved.To, "restore_to": victim},
		ApprovalToken: &ap2.ApprovalToken,
	})
	if res.Status != coworker.StatusSucceeded {
		t.Fatalf("restore failed: %v", res.ErrorMessage)
	}
	if _, err := os.Stat(victim); err != nil {
		t.Fatalf("victim not restored: %v", err)
	}

	search := e.runJob(api.SubmitJobRequest{
		DedupeKey: "it-search",
		Type:      coworker.TypeSearchActions,
		Params:    map[string]string{"query": "soft_delete", "workspace_root": e.ws},
	})
	if search.Status != coworker.StatusSucceeded {
		t.Fatalf("search failed: %v", search.ErrorMessage)
	}
	var found struct {
		Count int `json:"count"`
	}
	_, raw = e.result(search.ID)
	if err := json.Unmarshal(raw, &found); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if found.Count == 0 {
		t.Fatalf("audit search found nothing: %s", raw)
	}
}
