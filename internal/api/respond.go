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
	"encoding/json"
	"errors"
	"net/http"

	"coworker/internal/scope"
	"coworker/internal/store"
)

// jsonError is the wire error envelope. Code is one of the stable
// strings from the error table; Error is a human-readable message.
type jsonError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// errNotReady marks a result request for a job that has not reached a
// terminal status yet. It exists only at the HTTP boundary.
var errNotReady = errors.New("job has not finished")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, jsonError{Error: message, Code: code})
}

// writeError maps a store or scope sentinel to its wire code and HTTP
// status. Anything unrecognized is an Internal error.
func writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "Internal"
	switch {
	case errors.Is(err, store.ErrUnauthorized):
		status, code = http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrApprovalUnknown):
		status, code = http.StatusNotFound, "NotFound"
	case errors.Is(err, store.ErrApprovalRequired):
		status, code = http.StatusBadRequest, "ApprovalRequired"
	case errors.Is(err, store.ErrInvalidArgument):
		status, code = http.StatusBadRequest, "InvalidArgument"
	case errors.Is(err, scope.ErrOutsideWorkspace):
		status, code = http.StatusForbidden, "Forbidden"
	case errors.Is(err, errNotReady):
		status, code = http.StatusConflict, "NotReady"
	case errors.Is(err, store.ErrBadState):
		status, code = http.StatusConflict, "BadState"
	case errors.Is(err, store.ErrHashMismatch), errors.Is(err, store.ErrApprovalMismatch):
		status, code = http.StatusConflict, "Mismatch"
	case errors.Is(err, store.ErrApprovalExpired):
		status, code = http.StatusGone, "Expired"
	}
	msg := "internal error"
	if code != "Internal" {
		msg = err.Error()
	}
	writeErrorCode(w, status, code, msg)
}
