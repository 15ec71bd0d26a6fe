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

// Package audit maintains the per-workspace append-only action log.
// Every mutating filesystem action is recorded as one JSON line in
// <workspace_root>/.coworker_audit.jsonl before the action is
// considered complete. The file lives inside the workspace on purpose:
// the user owns the history of what the tool did to their files.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"coworker/pkg/coworker"
)

// FileName is the audit log's name under a workspace root.
const FileName = ".coworker_audit.jsonl"

// maxLineBytes bounds a single audit line during search scans.
const maxLineBytes = 1 << 20

// Path returns the audit log path for a workspace root.
func Path(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, FileName)
}

// Append writes one entry to the workspace's audit log, fsyncing
// before returning so a crash cannot lose an acknowledged action.
func Append(workspaceRoot string, entry coworker.AuditEntry) error {
	if entry.TsMs == 0 {
		entry.TsMs = coworker.NowMs()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}

	f, err := os.OpenFile(Path(workspaceRoot), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	return nil
}

// Search scans the workspace's audit log for entries whose action,
// path, or extra values contain query (case-insensitive). Matches are
// returned oldest first, capped at limit when limit > 0. A missing log
// file is an empty history, not an error. Lines that fail to parse are
// skipped; an append interrupted by a crash must not poison search.
func Search(workspaceRoot, query string, limit int) ([]coworker.AuditEntry, error) {
	f, err := os.Open(Path(workspaceRoot))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	needle := strings.ToLower(query)
	var out []coworker.AuditEntry

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		var entry coworker.AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			continue
		}
		if needle != "" && !entryMatches(entry, needle) {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return out, nil
}

func entryMatches(e coworker.AuditEntry, needle string) bool {
	if strings.Contains(strings.ToLower(e.Action), needle) {
		return true
	}
	if strings.Contains(strings.ToLower(e.Path), needle) {
		return true
	}
	if strings.Contains(strings.ToLower(e.JobID), needle) {
		return true
	}
	for _, v := range e.Extra {
		if strings.Contains(strings.ToLower(v), needle) {
			return true
		}
	}
	return false
}
