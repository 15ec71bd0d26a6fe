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

package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"coworker/internal/audit"
	"coworker/pkg/coworker"
)

// planMove is one proposed rename. Field names match the wire format
// the extension renders.
type planMove struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// planDoc is the stored result of an organize_plan job and the input
// of execute_plan.
type planDoc struct {
	Root   string     `json:"root"`
	Policy string     `json:"policy"`
	Count  int        `json:"count"`
	Moves  []planMove `json:"moves"`
}

// organizePlan proposes a dry-run move plan for the workspace. Policy
// "by_ext" groups files into per-extension directories under the root;
// anything else collects them under "misc". The plan mutates nothing.
func organizePlan(ctx context.Context, req Request) ([]byte, string, error) {
	root, err := resolveInScope(req.Params["root"], req.Roots)
	if err != nil {
		return nil, "", err
	}
	policy := req.Params["policy"]
	if policy == "" {
		policy = "by_ext"
	}
	patterns := parseExcludes(req.Params["exclude"])

	moves := []planMove{}
	err = walkWorkspace(ctx, root, patterns, func(rel string, d fs.DirEntry) error {
		if d.IsDir() {
			return nil
		}
		src := filepath.Join(root, filepath.FromSlash(rel))
		name := filepath.Base(src)

		var destDir string
		if policy == "by_ext" {
			ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
			if ext == "" {
				ext = "no_ext"
			}
			destDir = filepath.Join(root, ext)
		} else {
			destDir = filepath.Join(root, "misc")
		}
		dst := filepath.Join(destDir, name)
		if src != dst {
			moves = append(moves, planMove{From: src, To: dst})
		}
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("plan %s: %w", root, err)
	}

	out, err := json.Marshal(planDoc{
		Root:   root,
		Policy: policy,
		Count:  len(moves),
		Moves:  moves,
	})
	if err != nil {
		return nil, "", err
	}
	return out, "application/json", nil
}

type moveError struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Error string `json:"error"`
}

// executePlan applies an approved plan. Before touching the filesystem
// it re-reads the stored plan and verifies its hash against the one the
// approval was bound to; any difference aborts with ErrPlanDrift.
// Destinations that already hold identical content are skipped;
// destinations with different content are recorded as conflicts and
// left alone. Every applied move is audited before the next one runs.
func executePlan(ctx context.Context, req Request) ([]byte, string, error) {
	planJobID := req.Params["plan_job_id"]
	if req.PlanFetch == nil {
		return nil, "", fmt.Errorf("no plan source configured")
	}
	planBytes, err := req.PlanFetch(ctx, planJobID)
	if err != nil {
		return nil, "", fmt.Errorf("fetch plan %s: %w", planJobID, err)
	}

	sum := sha256.Sum256(planBytes)
	if req.ApprovedPlanHash == "" || hex.EncodeToString(sum[:]) != req.ApprovedPlanHash {
		return nil, "", ErrPlanDrift
	}

	var plan planDoc
	if err := json.Unmarshal(planBytes, &plan); err != nil {
		return nil, "", fmt.Errorf("decode plan %s: %w", planJobID, err)
	}

	workspaceRoot := req.Params["workspace_root"]
	if workspaceRoot == "" {
		workspaceRoot = plan.Root
	}
	wsRoot, err := resolveInScope(workspaceRoot, req.Roots)
	if err != nil {
		return nil, "", err
	}

	applied, skipped := 0, 0
	moveErrors := []moveError{}
	for _, m := range plan.Moves {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}

		src, err := resolveInScope(m.From, req.Roots)
		if err != nil {
			moveErrors = append(moveErrors, moveError{From: m.From, To: m.To, Error: err.Error()})
			continue
		}
		dst, err := resolveInScope(m.To, req.Roots)
		if err != nil {
			moveErrors = append(moveErrors, moveError{From: m.From, To: m.To, Error: err.Error()})
			continue
		}

		srcExists := pathExists(src)
		dstExists := pathExists(dst)

		switch {
		case !srcExists && !dstExists:
			// Nothing to move; treat as already handled.
			skipped++
			continue
		case dstExists:
			same, err := filesIdentical(src, dst, srcExists)
			if err != nil {
				moveErrors = append(moveErrors, moveError{From: src, To: dst, Error: err.Error()})
				continue
			}
			if same {
				skipped++
				if err := auditMove(req, wsRoot, "skip", src, dst); err != nil {
					moveErrors = append(moveErrors, moveError{From: src, To: dst, Error: err.Error()})
				}
				continue
			}
			moveErrors = append(moveErrors, moveError{From: src, To: dst, Error: ErrStateConflict.Error()})
			if err := auditMove(req, wsRoot, "conflict", src, dst); err != nil {
				moveErrors = append(moveErrors, moveError{From: src, To: dst, Error: err.Error()})
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			moveErrors = append(moveErrors, moveError{From: src, To: dst, Error: err.Error()})
			continue
		}
		if err := os.Rename(src, dst); err != nil {
			moveErrors = append(moveErrors, moveError{From: src, To: dst, Error: err.Error()})
			continue
		}
		applied++
		// The rename already happened; an unrecordable move must still
		// be visible to the caller, so it lands in the errors list.
		if err := auditMove(req, wsRoot, "move", src, dst); err != nil {
			moveErrors = append(moveErrors, moveError{From: src, To: dst, Error: err.Error()})
		}
	}

	out, err := json.Marshal(map[string]any{
		"plan_job_id": planJobID,
		"applied":     applied,
		"skipped":     skipped,
		"errors":      moveErrors,
	})
	if err != nil {
		return nil, "", err
	}
	return out, "application/json", nil
}

func auditMove(req Request, wsRoot, action, src, dst string) error {
	err := audit.Append(wsRoot, coworker.AuditEntry{
		JobID:  req.Job.ID,
		Action: action,
		Path:   src,
		Extra:  map[string]string{"to": dst},
	})
	if err != nil {
		return fmt.Errorf("audit append %s: %w", action, err)
	}
	return nil
}

func pathExists(p string) bool {
	_, err := os.Lstat(p)
	return err == nil
}

// filesIdentical reports whether dst already holds src's content. When
// src is gone the move may have been applied by an earlier attempt, so
// an existing dst counts as done.
func filesIdentical(src, dst string, srcExists bool) (bool, error) {
	if !srcExists {
		return true, nil
	}
	a, err := os.Stat(src)
	if err != nil {
		return false, err
	}
	b, err := os.Stat(dst)
	if err != nil {
		return false, err
	}
	if a.Size() != b.Size() {
		return false, nil
	}
	ha, err := hashFile(src)
	if err != nil {
		return false, err
	}
	hb, err := hashFile(dst)
	if err != nil {
		return false, err
	}
	return ha == hb, nil
}
