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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"coworker/internal/audit"
	"coworker/pkg/coworker"
)

// softDelete moves a file into the workspace trash directory under a
// timestamped name. Nothing is ever hard-deleted.
func softDelete(ctx context.Context, req Request) ([]byte, string, error) {
	path, err := resolveInScope(req.Params["path"], req.Roots)
	if err != nil {
		return nil, "", err
	}
	wsRoot, err := deriveWorkspaceRoot(req, path)
	if err != nil {
		return nil, "", err
	}

	if !pathExists(path) {
		out, err := json.Marshal(map[string]any{"deleted": false, "reason": "not_found", "path": path})
		return out, "application/json", err
	}

	trashDir := filepath.Join(wsRoot, trashDirName)
	if err := os.MkdirAll(trashDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create trash dir: %w", err)
	}
	dst := filepath.Join(trashDir, fmt.Sprintf("%s.%d", filepath.Base(path), coworker.NowMs()))

	if err := os.Rename(path, dst); err != nil {
		return nil, "", fmt.Errorf("soft delete %s: %w", path, err)
	}
	if err := audit.Append(wsRoot, coworker.AuditEntry{
		JobID:  req.Job.ID,
		Action: "soft_delete",
		Path:   path,
		Extra:  map[string]string{"to": dst},
	}); err != nil {
		return nil, "", err
	}

	out, err := json.Marshal(map[string]any{"deleted": true, "from": path, "to": dst})
	return out, "application/json", err
}

// restore moves a trashed item back to a destination, refusing to
// overwrite anything that exists there now.
func restore(ctx context.Context, req Request) ([]byte, string, error) {
	trashItem, err := resolveInScope(req.Params["trash_item_path"], req.Roots)
	if err != nil {
		return nil, "", err
	}
	restoreTo, err := resolveInScope(req.Params["restore_to"], req.Roots)
	if err != nil {
		return nil, "", err
	}
	wsRoot, err := deriveWorkspaceRoot(req, restoreTo)
	if err != nil {
		return nil, "", err
	}

	if !pathExists(trashItem) {
		out, err := json.Marshal(map[string]any{"restored": false, "reason": "not_found", "trash_item": trashItem})
		return out, "application/json", err
	}
	if pathExists(restoreTo) {
		out, err := json.Marshal(map[string]any{"restored": false, "reason": "destination_exists", "restore_to": restoreTo})
		return out, "application/json", err
	}

	if err := os.MkdirAll(filepath.Dir(restoreTo), 0o755); err != nil {
		return nil, "", fmt.Errorf("create restore dir: %w", err)
	}
	if err := os.Rename(trashItem, restoreTo); err != nil {
		return nil, "", fmt.Errorf("restore %s: %w", trashItem, err)
	}
	if err := audit.Append(wsRoot, coworker.AuditEntry{
		JobID:  req.Job.ID,
		Action: "restore",
		Path:   trashItem,
		Extra:  map[string]string{"to": restoreTo},
	}); err != nil {
		return nil, "", err
	}

	out, err := json.Marshal(map[string]any{"restored": true, "from": trashItem, "to": restoreTo})
	return out, "application/json", err
}

// deriveWorkspaceRoot picks the workspace_root param when given,
// otherwise the allowed root containing the target path.
func deriveWorkspaceRoot(req Request, target string) (string, error) {
	if ws := req.Params["workspace_root"]; ws != "" {
		return resolveInScope(ws, req.Roots)
	}
	return workspaceRootFor(target, req.Roots)
}
