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
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"

	"coworker/internal/audit"
	"coworker/pkg/coworker"
)

const (
	defaultReadMax = 1 << 20 // 1 MiB

	trashDirName = ".trash"
)

type fileEntry struct {
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	ModifiedMs int64  `json:"modified_at_ms,omitempty"`
	IsDir      bool   `json:"is_dir,omitempty"`
	SHA256     string `json:"sha256,omitempty"`
}

// parseExcludes splits the comma-separated exclude parameter into
// doublestar patterns.
func parseExcludes(param string) []string {
	if param == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(param, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// skipEntry reports whether a relative path is excluded from scans:
// the audit log and trash directory always, user patterns on top.
func skipEntry(rel string, patterns []string) bool {
	rel = filepath.ToSlash(rel)
	if rel == audit.FileName || rel == trashDirName || strings.HasPrefix(rel, trashDirName+"/") {
		return true
	}
	for _, pat := range patterns {
		if ok, err := doublestar.Match(pat, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// walkWorkspace walks root in lexical order, calling fn with the
// slash-separated relative path for every entry that survives the
// exclude filter. Excluded directories are pruned, not descended into.
func walkWorkspace(ctx context.Context, root string, patterns []string, fn func(rel string, d fs.DirEntry) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if skipEntry(rel, patterns) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		return fn(filepath.ToSlash(rel), d)
	})
}

// scanIndex builds a full index of the workspace: every file with size
// and mtime, optionally content hashes.
func scanIndex(ctx context.Context, req Request) ([]byte, string, error) {
	root, err := resolveInScope(req.Params["root"], req.Roots)
	if err != nil {
		return nil, "", err
	}
	patterns := parseExcludes(req.Params["exclude"])
	hashFiles := req.Params["hash_files"] == "true"

	var (
		files      []fileEntry
		totalBytes int64
	)
	err = walkWorkspace(ctx, root, patterns, func(rel string, d fs.DirEntry) error {
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entry := fileEntry{
			Path:       rel,
			Size:       info.Size(),
			ModifiedMs: info.ModTime().UnixMilli(),
		}
		if hashFiles {
			sum, err := hashFile(filepath.Join(root, filepath.FromSlash(rel)))
			if err != nil {
				return err
			}
			entry.SHA256 = sum
		}
		files = append(files, entry)
		totalBytes += info.Size()
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("scan %s: %w", root, err)
	}
	if files == nil {
		files = []fileEntry{}
	}

	out, err := json.Marshal(map[string]any{
		"root":            root,
		"generated_at_ms": coworker.NowMs(),
		"files":           files,
		"total_files":     len(files),
		"total_bytes":     totalBytes,
	})
	if err != nil {
		return nil, "", err
	}
	return out, "application/json", nil
}

// listFiles is the cheap sibling of scanIndex: names and sizes only,
// directories included.
func listFiles(ctx context.Context, req Request) ([]byte, string, error) {
	root, err := resolveInScope(req.Params["root"], req.Roots)
	if err != nil {
		return nil, "", err
	}
	patterns := parseExcludes(req.Params["exclude"])

	var files []fileEntry
	err = walkWorkspace(ctx, root, patterns, func(rel string, d fs.DirEntry) error {
		entry := fileEntry{Path: rel, IsDir: d.IsDir()}
		if !d.IsDir() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			entry.Size = info.Size()
		}
		files = append(files, entry)
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("list %s: %w", root, err)
	}
	if files == nil {
		files = []fileEntry{}
	}

	out, err := json.Marshal(map[string]any{
		"root":  root,
		"files": files,
		"count": len(files),
	})
	if err != nil {
		return nil, "", err
	}
	return out, "application/json", nil
}

// readFile returns up to max_bytes of a file. Text comes back as
// UTF-8; anything else is base64 with the encoding flagged.
func readFile(ctx context.Context, req Request) ([]byte, string, error) {
	path, err := resolveInScope(req.Params["path"], req.Roots)
	if err != nil {
		return nil, "", err
	}
	maxBytes := int64(defaultReadMax)
	if raw := req.Params["max_bytes"]; raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			return nil, "", fmt.Errorf("invalid max_bytes %q", raw)
		}
		maxBytes = n
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, "", err
	}
	if info.IsDir() {
		return nil, "", fmt.Errorf("%s is a directory", path)
	}

	buf, err := io.ReadAll(io.LimitReader(f, maxBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", path, err)
	}

	payload := map[string]any{
		"path":      path,
		"size":      info.Size(),
		"truncated": info.Size() > maxBytes,
	}
	if utf8.Valid(buf) {
		payload["encoding"] = "utf-8"
		payload["content"] = string(buf)
	} else {
		payload["encoding"] = "base64"
		payload["content"] = base64.StdEncoding.EncodeToString(buf)
	}

	out, err := json.Marshal(payload)
	if err != nil {
		return nil, "", err
	}
	return out, "application/json", nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
