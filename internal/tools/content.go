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
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-pdf/fpdf"

	"coworker/internal/audit"
	"coworker/pkg/coworker"
)

// maxFetchBytes bounds how much of a remote page is read.
const maxFetchBytes = 2 << 20 // 2 MiB

// browseWeb fetches a page and returns its visible text. Only http and
// https URLs are accepted; the fetch shares the runner's client and its
// timeout.
func (r *Runner) browseWeb(ctx context.Context, req Request) ([]byte, string, error) {
	raw := req.Params["url"]
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", err
	}
	httpReq.Header.Set("User-Agent", "coworker/1.0")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch %s: status %d", u, resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, maxFetchBytes)
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, "", fmt.Errorf("parse %s: %w", u, err)
	}
	doc.Find("script, style, noscript").Remove()

	text := normalizeWhitespace(doc.Find("body").Text())
	if text == "" {
		text = normalizeWhitespace(doc.Text())
	}
	return []byte(text), "text/plain", nil
}

func normalizeWhitespace(s string) string {
	var b strings.Builder
	blank := 0
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return strings.TrimSpace(b.String())
}

// createPDF renders plain text content into a new PDF file. It refuses
// to overwrite an existing file; content creation is additive only.
func createPDF(ctx context.Context, req Request) ([]byte, string, error) {
	path, err := resolveInScope(req.Params["path"], req.Roots)
	if err != nil {
		return nil, "", err
	}
	if pathExists(path) {
		return nil, "", fmt.Errorf("%w: %s already exists", ErrStateConflict, path)
	}
	wsRoot, err := deriveWorkspaceRoot(req, path)
	if err != nil {
		return nil, "", err
	}
	content := req.Params["content"]

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(10, 10, 10)
	pdf.SetAutoPageBreak(true, 10)
	pdf.AddPage()
	pdf.SetFont("Helvetica", "", 11)
	for _, line := range strings.Split(content, "\n") {
		pdf.MultiCell(0, 5.5, line, "", "L", false)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, "", fmt.Errorf("create parent dir: %w", err)
	}
	if err := pdf.OutputFileAndClose(path); err != nil {
		return nil, "", fmt.Errorf("write pdf %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, "", err
	}

	if err := audit.Append(wsRoot, coworker.AuditEntry{
		JobID:  req.Job.ID,
		Action: "create_pdf",
		Path:   path,
	}); err != nil {
		return nil, "", err
	}
	return []byte(fmt.Sprintf("created %s (%d bytes)", path, info.Size())), "text/plain", nil
}

// searchPastActions scans the workspace audit log for matching entries.
func searchPastActions(ctx context.Context, req Request) ([]byte, string, error) {
	wsRoot := req.Params["workspace_root"]
	if wsRoot == "" && len(req.Roots) > 0 {
		wsRoot = req.Roots[0]
	}
	root, err := resolveInScope(wsRoot, req.Roots)
	if err != nil {
		return nil, "", err
	}
	query := req.Params["query"]

	matches, err := audit.Search(root, query, 100)
	if err != nil {
		return nil, "", err
	}
	if matches == nil {
		matches = []coworker.AuditEntry{}
	}

	out, err := json.Marshal(map[string]any{
		"query":   query,
		"matches": matches,
		"count":   len(matches),
	})
	if err != nil {
		return nil, "", err
	}
	return out, "application/json", nil
}
