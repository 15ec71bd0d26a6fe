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

package api

import (
	"net/http"

	"coworker/internal/metrics"
)

// Session/token headers presented on every authenticated request.
const (
	HeaderSession = "X-Coworker-Session"
	HeaderToken   = "X-Coworker-Token"
)

// requireSession wraps a handler with session/token admission. The
// store does the constant-time comparison; this layer only maps the
// failure to the wire and counts it.
func (a *API) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.Header.Get(HeaderSession)
		token := r.Header.Get(HeaderToken)
		if sessionID == "" || token == "" {
			metrics.IncAuthFailure()
			writeErrorCode(w, http.StatusUnauthorized, "Unauthorized", "missing session headers")
			return
		}
		if err := a.Store.Authenticate(r.Context(), sessionID, token); err != nil {
			metrics.IncAuthFailure()
			a.logf("auth failure for session %s: %v", sessionID, err)
			writeError(w, err)
			return
		}
		next(w, r)
	}
}
