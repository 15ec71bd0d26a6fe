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

// Package store provides the SQLite-backed control-plane persistence layer:
// sessions, jobs with lease-based claiming, result blobs, and single-use
// approvals. All multi-row decisions (dedupe, claim, complete, consume)
// run inside serializable transactions so that concurrent workers and the
// gateway observe a single consistent history.
package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"coworker/pkg/coworker"
	"coworker/pkg/crypto"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// settings keys
	schemaVersionKey = "schema_version"

	tokenBytes = 32
)

var (
	// ErrNotFound indicates no rows matched the query.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized indicates a session/token pair that does not authenticate.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidArgument indicates a request that fails static validation.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrApprovalRequired indicates a mutating job submitted without an approval token.
	ErrApprovalRequired = errors.New("approval required")
	// ErrPreempted indicates the caller no longer owns the job's lease.
	ErrPreempted = errors.New("lease preempted")
	// ErrBadState indicates the target row is not in a state that permits the operation.
	ErrBadState = errors.New("bad state")
	// ErrHashMismatch indicates a client-supplied plan hash that does not match the stored plan.
	ErrHashMismatch = errors.New("plan hash mismatch")
	// ErrApprovalUnknown indicates an approval token with no matching row.
	ErrApprovalUnknown = errors.New("approval unknown")
	// ErrApprovalExpired indicates an approval token past its TTL.
	ErrApprovalExpired = errors.New("approval expired")
	// ErrApprovalMismatch indicates an approval token bound to a different plan job.
	ErrApprovalMismatch = errors.New("approval mismatch")
)

// Store wraps a SQLite database connection and provides typed accessors.
// When enc is non-nil, result blobs are sealed before insert and opened
// on read; plan hashes are always computed over plaintext bytes.
type Store struct {
	db  *sql.DB
	enc *crypto.Encryptor
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store. A non-empty
// storeKey enables at-rest encryption of result blobs.
func Open(ctx context.Context, path, storeKey string) (*Store, error) {
	// DSN with pragmas for durability and concurrency.
	// - busy_timeout: backoff on locked database
	// - journal_mode=WAL: better concurrency
	// - foreign_keys=ON: enforce referential integrity
	// - synchronous=NORMAL: reasonable safety/perf tradeoff
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Reasonable pool settings for a single-node embedded DB
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := pingContext(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	var enc *crypto.Encryptor
	if storeKey != "" {
		enc, err = crypto.NewEncryptor(storeKey)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init store encryption: %w", err)
		}
	}

	s := &Store{db: db, enc: enc}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a transaction. If fn returns an error,
// the transaction is rolled back; otherwise, it's committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		ReadOnly:  false,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		// In case of panic, make best effort rollback
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	target := 1 // latest schema version in this file

	// v1: initial schema
	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}

	if cur != target {
		// Future migrations go here
	}

	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		// If corrupted, force to 0 to allow re-init
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		// sessions table
		`CREATE TABLE IF NOT EXISTS sessions (
  session_id    TEXT PRIMARY KEY,
  token         TEXT NOT NULL,
  created_at_ms INTEGER NOT NULL
);`,

		// jobs table. Status values are the wire integers (1..4).
		// lease_owner/lease_expires_at_ms are non-NULL exactly while status=2.
		`CREATE TABLE IF NOT EXISTS jobs (
  job_id              TEXT PRIMARY KEY,
  dedupe_key          TEXT NOT NULL,
  type                INTEGER NOT NULL,
  status              INTEGER NOT NULL CHECK (status IN (1,2,3,4)),
  created_at_ms       INTEGER NOT NULL,
  started_at_ms       INTEGER NULL,
  finished_at_ms      INTEGER NULL,
  params_json         TEXT NOT NULL,
  allowed_roots_json  TEXT NOT NULL,
  lease_owner         TEXT NULL,
  lease_expires_at_ms INTEGER NULL,
  approval_token      TEXT NULL,
  error_message       TEXT NULL
);`,
		// Dedupe uniqueness holds over live jobs only; terminal rows keep
		// their key for history without blocking resubmission.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_dedupe_live ON jobs(dedupe_key) WHERE status IN (1,2);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, created_at_ms, job_id);`,

		// results table
		`CREATE TABLE IF NOT EXISTS results (
  job_id        TEXT PRIMARY KEY REFERENCES jobs(job_id) ON DELETE CASCADE,
  bytes         BLOB NOT NULL,
  content_type  TEXT NOT NULL,
  created_at_ms INTEGER NOT NULL
);`,

		// approvals table
		`CREATE TABLE IF NOT EXISTS approvals (
  token         TEXT PRIMARY KEY,
  plan_job_id   TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
  plan_hash     TEXT NOT NULL,
  created_at_ms INTEGER NOT NULL,
  expires_at_ms INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_expiry ON approvals(expires_at_ms);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Settings helpers ---------------

// SetSetting upserts a key/value in settings.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, key, value)
	return err
}

// GetSetting returns a value for key or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var v string
	if err := s.db.QueryRowContext(ctx, q, key).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return v, nil
}

// --------------- Sessions ---------------

// CreateSession mints a new session with a random URL-safe token.
func (s *Store) CreateSession(ctx context.Context) (*coworker.Session, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	sess := &coworker.Session{
		SessionID:   uuid.NewString(),
		Token:       token,
		CreatedAtMs: coworker.NowMs(),
	}

	const ins = `INSERT INTO sessions(session_id, token, created_at_ms) VALUES(?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, ins, sess.SessionID, sess.Token, sess.CreatedAtMs); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// Authenticate verifies a session/token pair in constant time with
// respect to the token bytes. Unknown sessions and wrong tokens both
// return ErrUnauthorized; callers must not distinguish them.
func (s *Store) Authenticate(ctx context.Context, sessionID, token string) error {
	const q = `SELECT token FROM sessions WHERE session_id=?`
	var stored string
	err := s.db.QueryRowContext(ctx, q, sessionID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		// Burn a comparison anyway so the miss path costs the same.
		subtle.ConstantTimeCompare([]byte(token), []byte(token))
		return ErrUnauthorized
	}
	if err != nil {
		return fmt.Errorf("lookup session: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// --------------- Jobs ---------------

// SubmitRequest carries the validated inputs for a job submission.
// RequiresApproval comes from the registry's mutating flag; the store
// enforces that mutating submissions carry a token but never decides
// which types are mutating.
type SubmitRequest struct {
	DedupeKey        string
	Type             coworker.JobType
	Params           map[string]string
	AllowedRoots     []string
	ApprovalToken    *string
	RequiresApproval bool
}

// SubmitJob inserts a queued job, or returns the live job already
// holding the dedupe key. The second return is true when a new row was
// created. Job IDs are ULIDs, so the (created_at_ms, job_id) claim
// order is stable even within one millisecond.
func (s *Store) SubmitJob(ctx context.Context, req SubmitRequest) (*coworker.Job, bool, error) {
	if req.DedupeKey == "" {
		return nil, false, fmt.Errorf("%w: dedupe_key is required", ErrInvalidArgument)
	}
	if req.RequiresApproval && (req.ApprovalToken == nil || *req.ApprovalToken == "") {
		return nil, false, ErrApprovalRequired
	}

	paramsJSON, err := json.Marshal(req.Params)
	if err != nil {
		return nil, false, fmt.Errorf("encode params: %w", err)
	}
	rootsJSON, err := json.Marshal(req.AllowedRoots)
	if err != nil {
		return nil, false, fmt.Errorf("encode allowed roots: %w", err)
	}

	var (
		out     *coworker.Job
		created bool
	)
	submit := func() error {
		return s.WithTx(ctx, func(tx *sql.Tx) error {
			// Dedupe over live jobs only.
			const sel = `SELECT job_id FROM jobs WHERE dedupe_key=? AND status IN (1,2) LIMIT 1`
			var existingID string
			err := tx.QueryRowContext(ctx, sel, req.DedupeKey).Scan(&existingID)
			if err == nil {
				j, err := s.getJobTx(ctx, tx, existingID)
				if err != nil {
					return err
				}
				out = j
				created = false
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("dedupe lookup: %w", err)
			}

			job := &coworker.Job{
				ID:            ulid.Make().String(),
				DedupeKey:     req.DedupeKey,
				Type:          req.Type,
				Status:        coworker.StatusQueued,
				CreatedAtMs:   coworker.NowMs(),
				Params:        req.Params,
				AllowedRoots:  req.AllowedRoots,
				ApprovalToken: req.ApprovalToken,
			}

			const ins = `
INSERT INTO jobs (job_id, dedupe_key, type, status, created_at_ms, params_json, allowed_roots_json, approval_token)
VALUES (?, ?, ?, ?, ?, ?, ?, ?);`
			var approvalToken any
			if job.ApprovalToken != nil {
				approvalToken = *job.ApprovalToken
			}
			if _, err := tx.ExecContext(ctx, ins,
				job.ID, job.DedupeKey, int(job.Type), int(job.Status), job.CreatedAtMs,
				string(paramsJSON), string(rootsJSON), approvalToken); err != nil {
				return fmt.Errorf("insert job: %w", err)
			}
			out = job
			created = true
			return nil
		})
	}

	// Two submitters can race past the SELECT; the loser's INSERT then
	// trips the live-dedupe unique index. That is a dedupe hit, not a
	// failure: re-read to surface the winner. If the winner reached a
	// terminal status in between, the key is free again and a second
	// insert attempt is legitimate.
	for attempt := 0; ; attempt++ {
		err := submit()
		if err == nil {
			return out, created, nil
		}
		if attempt > 0 || !isUniqueViolation(err) {
			return nil, false, err
		}
		const sel = `SELECT job_id FROM jobs WHERE dedupe_key=? AND status IN (1,2) LIMIT 1`
		var winnerID string
		lookupErr := s.db.QueryRowContext(ctx, sel, req.DedupeKey).Scan(&winnerID)
		if lookupErr == nil {
			j, err := s.GetJob(ctx, winnerID)
			if err != nil {
				return nil, false, err
			}
			return j, false, nil
		}
		if !errors.Is(lookupErr, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("dedupe lookup: %w", lookupErr)
		}
	}
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint
// failure. modernc.org/sqlite exposes no typed error for it.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*coworker.Job, error) {
	const q = jobSelect + ` WHERE job_id=?`
	row := s.db.QueryRowContext(ctx, q, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// --------------- Leasing ---------------

// ClaimNextJob atomically leases the next eligible job for workerID:
// the oldest queued job, or a running job whose lease has expired.
// Ordering is (created_at_ms, job_id) ascending. The second return is
// true when the claim reclaimed an expired lease rather than starting a
// queued job. Returns ErrNotFound when nothing is eligible.
func (s *Store) ClaimNextJob(ctx context.Context, workerID string, leaseTTL time.Duration) (*coworker.Job, bool, error) {
	now := coworker.NowMs()
	leaseUntil := now + leaseTTL.Milliseconds()

	var (
		claimed   *coworker.Job
		reclaimed bool
	)
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		// Select a candidate
		const sel = `
SELECT job_id, status FROM jobs
WHERE status=1 OR (status=2 AND lease_expires_at_ms < ?)
ORDER BY created_at_ms ASC, job_id ASC
LIMIT 1`
		var (
			id        string
			curStatus int
		)
		err := tx.QueryRowContext(ctx, sel, now).Scan(&id, &curStatus)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select claimable job: %w", err)
		}

		// Try to acquire atomically. started_at_ms survives reclaims.
		const upd = `
UPDATE jobs
SET status=2, lease_owner=?, lease_expires_at_ms=?, started_at_ms=COALESCE(started_at_ms, ?)
WHERE job_id=? AND (status=1 OR (status=2 AND lease_expires_at_ms < ?))`
		res, err := tx.ExecContext(ctx, upd, workerID, leaseUntil, now, id, now)
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected != 1 {
			return ErrNotFound
		}

		j, err := s.getJobTx(ctx, tx, id)
		if err != nil {
			return err
		}
		claimed = j
		reclaimed = curStatus == int(coworker.StatusRunning)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return claimed, reclaimed, nil
}

// RenewLease extends the lease on a running job, asserting ownership.
// Returns ErrPreempted if the job is no longer running under workerID.
func (s *Store) RenewLease(ctx context.Context, jobID, workerID string, leaseTTL time.Duration) error {
	leaseUntil := coworker.NowMs() + leaseTTL.Milliseconds()
	const upd = `UPDATE jobs SET lease_expires_at_ms=? WHERE job_id=? AND status=2 AND lease_owner=?`
	res, err := s.db.ExecContext(ctx, upd, leaseUntil, jobID, workerID)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	n, _ := res.RowsAffected()
	if n != 1 {
		return ErrPreempted
	}
	return nil
}

// CompleteJob finishes a running job under an ownership guard, clearing
// the lease and recording the outcome. On success the result blob is
// inserted in the same transaction. Returns ErrPreempted when the
// caller no longer owns the lease; the caller must discard its result.
func (s *Store) CompleteJob(ctx context.Context, jobID, workerID string, status coworker.JobStatus, result []byte, contentType string, errorMessage *string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: status %s is not terminal", ErrInvalidArgument, status)
	}
	now := coworker.NowMs()

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		const upd = `
UPDATE jobs
SET status=?, finished_at_ms=?, lease_owner=NULL, lease_expires_at_ms=NULL, error_message=?
WHERE job_id=? AND status=2 AND lease_owner=?`
		var errMsg any
		if errorMessage != nil {
			errMsg = *errorMessage
		}
		res, err := tx.ExecContext(ctx, upd, int(status), now, errMsg, jobID, workerID)
		if err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected != 1 {
			return ErrPreempted
		}

		if status == coworker.StatusSucceeded && result != nil {
			blob := result
			if s.enc != nil {
				blob, err = s.enc.Seal(result)
				if err != nil {
					return fmt.Errorf("seal result: %w", err)
				}
			}
			const ins = `INSERT INTO results(job_id, bytes, content_type, created_at_ms) VALUES(?, ?, ?, ?)`
			if _, err := tx.ExecContext(ctx, ins, jobID, blob, contentType, now); err != nil {
				return fmt.Errorf("insert result: %w", err)
			}
		}
		return nil
	})
}

// --------------- Results ---------------

// GetResult retrieves the result blob for a succeeded job, decrypting
// it when at-rest encryption is enabled. Returns ErrNotFound when the
// job has no result row.
func (s *Store) GetResult(ctx context.Context, jobID string) (*coworker.Result, error) {
	const q = `SELECT bytes, content_type FROM results WHERE job_id=?`
	var (
		blob        []byte
		contentType string
	)
	err := s.db.QueryRowContext(ctx, q, jobID).Scan(&blob, &contentType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}

	plain, err := s.openBlob(blob)
	if err != nil {
		return nil, err
	}
	return &coworker.Result{JobID: jobID, Bytes: plain, ContentType: contentType}, nil
}

func (s *Store) openBlob(blob []byte) ([]byte, error) {
	if s.enc != nil {
		plain, err := s.enc.Open(blob)
		if err != nil {
			return nil, fmt.Errorf("open result: %w", err)
		}
		return plain, nil
	}
	if crypto.IsSealed(blob) {
		return nil, errors.New("result is encrypted and no store key is configured")
	}
	return blob, nil
}

// --------------- Approvals ---------------

// MintApproval creates a single-use approval bound to the current
// content of a succeeded plan job. The hash is recomputed from the
// stored result bytes; if clientHash is non-empty and disagrees, the
// mint fails with ErrHashMismatch and nothing is persisted.
func (s *Store) MintApproval(ctx context.Context, planJobID, clientHash string, ttl time.Duration) (*coworker.Approval, error) {
	job, err := s.GetJob(ctx, planJobID)
	if err != nil {
		return nil, err
	}
	if job.Status != coworker.StatusSucceeded {
		return nil, fmt.Errorf("%w: plan job is %s", ErrBadState, job.Status)
	}
	if job.Type != coworker.TypeOrganizePlan {
		return nil, fmt.Errorf("%w: job is not a plan", ErrBadState)
	}

	res, err := s.GetResult(ctx, planJobID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: plan job has no result", ErrBadState)
		}
		return nil, err
	}
	sum := sha256.Sum256(res.Bytes)
	planHash := hex.EncodeToString(sum[:])
	if clientHash != "" && clientHash != planHash {
		return nil, ErrHashMismatch
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}
	now := coworker.NowMs()
	ap := &coworker.Approval{
		Token:       token,
		PlanJobID:   planJobID,
		PlanHash:    planHash,
		CreatedAtMs: now,
		ExpiresAtMs: now + ttl.Milliseconds(),
	}

	const ins = `INSERT INTO approvals(token, plan_job_id, plan_hash, created_at_ms, expires_at_ms) VALUES(?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, ins, ap.Token, ap.PlanJobID, ap.PlanHash, ap.CreatedAtMs, ap.ExpiresAtMs); err != nil {
		return nil, fmt.Errorf("insert approval: %w", err)
	}
	return ap, nil
}

// ConsumeApproval atomically validates and deletes an approval. The
// three failure modes are distinct: ErrApprovalUnknown (no such token),
// ErrApprovalExpired (past TTL; the row is deleted), ErrApprovalMismatch
// (bound to a different plan job; the row is left in place). An empty
// expectedPlanJobID skips the binding check, for mutating tools that do
// not reference a plan; the token is still single-use and expiry-checked.
// On success the approval is returned so the caller can drift-check the
// plan hash.
func (s *Store) ConsumeApproval(ctx context.Context, token, expectedPlanJobID string) (*coworker.Approval, error) {
	now := coworker.NowMs()

	var out *coworker.Approval
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		const q = `SELECT plan_job_id, plan_hash, created_at_ms, expires_at_ms FROM approvals WHERE token=?`
		var ap coworker.Approval
		ap.Token = token
		err := tx.QueryRowContext(ctx, q, token).Scan(&ap.PlanJobID, &ap.PlanHash, &ap.CreatedAtMs, &ap.ExpiresAtMs)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrApprovalUnknown
		}
		if err != nil {
			return fmt.Errorf("lookup approval: %w", err)
		}

		if ap.ExpiresAtMs < now {
			return ErrApprovalExpired
		}
		if expectedPlanJobID != "" && ap.PlanJobID != expectedPlanJobID {
			return ErrApprovalMismatch
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM approvals WHERE token=?`, token); err != nil {
			return fmt.Errorf("consume approval: %w", err)
		}
		out = &ap
		return nil
	})
	if err != nil {
		// Expired tokens are deleted outside the tx; a delete inside it
		// would be rolled back along with the error.
		if errors.Is(err, ErrApprovalExpired) {
			_, _ = s.db.ExecContext(ctx, `DELETE FROM approvals WHERE token=? AND expires_at_ms < ?`, token, now)
		}
		return nil, err
	}
	return out, nil
}

// PurgeExpiredApprovals deletes approvals past their TTL and returns
// the number removed.
func (s *Store) PurgeExpiredApprovals(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM approvals WHERE expires_at_ms < ?`, coworker.NowMs())
	if err != nil {
		return 0, fmt.Errorf("purge approvals: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --------------- Internal helpers ---------------

const jobSelect = `
SELECT job_id, dedupe_key, type, status, created_at_ms, started_at_ms, finished_at_ms,
       params_json, allowed_roots_json, lease_owner, lease_expires_at_ms, approval_token, error_message
FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*coworker.Job, error) {
	var row struct {
		id, dedupeKey          string
		typ, status            int
		createdAtMs            int64
		startedAtMs            sql.NullInt64
		finishedAtMs           sql.NullInt64
		paramsJSON, rootsJSON  string
		leaseOwner             sql.NullString
		leaseExpiresAtMs       sql.NullInt64
		approvalToken, errMsg  sql.NullString
	}
	err := r.Scan(
		&row.id, &row.dedupeKey, &row.typ, &row.status, &row.createdAtMs, &row.startedAtMs, &row.finishedAtMs,
		&row.paramsJSON, &row.rootsJSON, &row.leaseOwner, &row.leaseExpiresAtMs, &row.approvalToken, &row.errMsg)
	if err != nil {
		return nil, err
	}

	var params map[string]string
	if err := json.Unmarshal([]byte(row.paramsJSON), &params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	var roots []string
	if err := json.Unmarshal([]byte(row.rootsJSON), &roots); err != nil {
		return nil, fmt.Errorf("decode allowed roots: %w", err)
	}

	return &coworker.Job{
		ID:               row.id,
		DedupeKey:        row.dedupeKey,
		Type:             coworker.JobType(row.typ),
		Status:           coworker.JobStatus(row.status),
		CreatedAtMs:      row.createdAtMs,
		StartedAtMs:      fromNullInt64Ptr(row.startedAtMs),
		FinishedAtMs:     fromNullInt64Ptr(row.finishedAtMs),
		Params:           params,
		AllowedRoots:     roots,
		LeaseOwner:       fromNullStringPtr(row.leaseOwner),
		LeaseExpiresAtMs: fromNullInt64Ptr(row.leaseExpiresAtMs),
		ApprovalToken:    fromNullStringPtr(row.approvalToken),
		ErrorMessage:     fromNullStringPtr(row.errMsg),
	}, nil
}

func (s *Store) getJobTx(ctx context.Context, tx *sql.Tx, id string) (*coworker.Job, error) {
	const q = jobSelect + ` WHERE job_id=?`
	j, err := scanJob(tx.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job tx: %w", err)
	}
	return j, nil
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func pingContext(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

func fromNullStringPtr(ns sql.NullString) *string {
	if ns.Valid {
		v := ns.String
		return &v
	}
	return nil
}

func fromNullInt64Ptr(ni sql.NullInt64) *int64 {
	if ni.Valid {
		v := ni.Int64
		return &v
	}
	return nil
}
