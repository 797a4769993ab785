// Package sqlite implements internal/store.Store on top of a pure-Go
// SQLite driver (modernc.org/sqlite, no cgo), so the binary cross-compiles
// the same way the rest of the bot does.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/drewdunne/mergequeue/internal/store"

	_ "modernc.org/sqlite"
)

// Store is a store.Store backed by a single SQLite file (or :memory:).
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) a SQLite database at dsn and applies the
// schema. dsn is passed straight to modernc.org/sqlite, so "file:path.db"
// and ":memory:" both work.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %s: %w", pragma, err)
		}
	}
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS pull_requests (
	provider TEXT NOT NULL DEFAULT '',
	owner TEXT NOT NULL,
	repo TEXT NOT NULL,
	number INTEGER NOT NULL,
	commit_hash TEXT NOT NULL,
	head_branch TEXT NOT NULL DEFAULT '',
	target_branch TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	merge_attempt TEXT NOT NULL DEFAULT '',
	priority INTEGER,
	timestamp INTEGER NOT NULL,
	PRIMARY KEY (owner, repo, number)
);

CREATE INDEX IF NOT EXISTS idx_pull_requests_state_timestamp
	ON pull_requests (state, timestamp);

CREATE INDEX IF NOT EXISTS idx_pull_requests_attempt
	ON pull_requests (merge_attempt);

CREATE INDEX IF NOT EXISTS idx_pull_requests_head_branch
	ON pull_requests (owner, repo, head_branch);

CREATE TABLE IF NOT EXISTS merge_attempts (
	id TEXT PRIMARY KEY,
	provider TEXT NOT NULL DEFAULT '',
	owner TEXT NOT NULL,
	repo TEXT NOT NULL,
	state TEXT NOT NULL,
	timestamp INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_merge_attempts_state_timestamp
	ON merge_attempts (state, timestamp);

CREATE INDEX IF NOT EXISTS idx_merge_attempts_owner_repo
	ON merge_attempts (owner, repo, state);
`

// migrate applies the schema and records the applied version in a
// single-row _migration table, mirroring the version-row pattern used by
// the bot this one was adapted from.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS _migration (
	number INTEGER NOT NULL,
	name TEXT NOT NULL
)`); err != nil {
		return err
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _migration`).Scan(&count); err != nil {
		return err
	}
	if count > 1 {
		return fmt.Errorf("expected 0 or 1 rows in _migration, got %d", count)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO _migration (number, name) VALUES (0, '_initial')`); err != nil {
			return err
		}
	}

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE _migration SET number = ?, name = ? WHERE number < ?`,
		schemaVersion, "mergequeue_core", schemaVersion); err != nil {
		return err
	}
	return nil
}

func epoch(t time.Time) int64 { return t.Unix() }
func fromEpoch(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

func scanPR(row interface{ Scan(...any) error }) (*store.PullRequest, error) {
	var pr store.PullRequest
	var ts int64
	var priority sql.NullInt64
	if err := row.Scan(&pr.Provider, &pr.Owner, &pr.Repo, &pr.Number, &pr.CommitHash, &pr.HeadBranch, &pr.TargetBranch, &pr.State, &pr.MergeAttempt, &priority, &ts); err != nil {
		return nil, err
	}
	pr.Timestamp = fromEpoch(ts)
	if priority.Valid {
		v := int(priority.Int64)
		pr.Priority = &v
	}
	return &pr, nil
}

const prColumns = `provider, owner, repo, number, commit_hash, head_branch, target_branch, state, merge_attempt, priority, timestamp`

func (s *Store) GetPR(ctx context.Context, owner, repo string, number int) (*store.PullRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+prColumns+` FROM pull_requests WHERE owner = ? AND repo = ? AND number = ?`,
		owner, repo, number)
	pr, err := scanPR(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return pr, nil
}

func (s *Store) CreatePR(ctx context.Context, pr store.PullRequest) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pull_requests (`+prColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pr.Provider, pr.Owner, pr.Repo, pr.Number, pr.CommitHash, pr.HeadBranch, pr.TargetBranch, pr.State, pr.MergeAttempt, priorityValue(pr.Priority), epoch(pr.Timestamp))
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	return err
}

func (s *Store) DeletePR(ctx context.Context, owner, repo string, number int) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pull_requests WHERE owner = ? AND repo = ? AND number = ?`, owner, repo, number)
	return err
}

func (s *Store) ListPRsInRepo(ctx context.Context, owner, repo string, state store.PRState) ([]store.PullRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+prColumns+` FROM pull_requests WHERE owner = ? AND repo = ? AND state = ? ORDER BY timestamp ASC`,
		owner, repo, state)
	if err != nil {
		return nil, err
	}
	return collectPRs(rows)
}

func (s *Store) ListPRsByState(ctx context.Context, state store.PRState) ([]store.PullRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+prColumns+` FROM pull_requests WHERE state = ? ORDER BY timestamp ASC`, state)
	if err != nil {
		return nil, err
	}
	return collectPRs(rows)
}

func (s *Store) ListPRsByAttempt(ctx context.Context, attemptID string) ([]store.PullRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+prColumns+` FROM pull_requests WHERE merge_attempt = ? ORDER BY timestamp ASC`, attemptID)
	if err != nil {
		return nil, err
	}
	return collectPRs(rows)
}

func (s *Store) FindPRByHeadBranch(ctx context.Context, owner, repo, branch string) (*store.PullRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+prColumns+` FROM pull_requests WHERE owner = ? AND repo = ? AND head_branch = ? LIMIT 1`,
		owner, repo, branch)
	pr, err := scanPR(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return pr, nil
}

func collectPRs(rows *sql.Rows) ([]store.PullRequest, error) {
	defer rows.Close()
	var out []store.PullRequest
	for rows.Next() {
		pr, err := scanPR(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *pr)
	}
	return out, rows.Err()
}

func (s *Store) TransitionPR(ctx context.Context, owner, repo string, number int, expected store.PRState, next store.PullRequest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE pull_requests SET commit_hash = ?, head_branch = ?, target_branch = ?, state = ?, merge_attempt = ?, priority = ?, timestamp = ?
		 WHERE owner = ? AND repo = ? AND number = ? AND state = ?`,
		next.CommitHash, next.HeadBranch, next.TargetBranch, next.State, next.MergeAttempt, priorityValue(next.Priority), epoch(next.Timestamp),
		owner, repo, number, expected)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return store.ErrConflict
	}
	return tx.Commit()
}

func scanAttempt(row interface{ Scan(...any) error }) (*store.MergeAttempt, error) {
	var a store.MergeAttempt
	var ts int64
	if err := row.Scan(&a.ID, &a.Provider, &a.Owner, &a.Repo, &a.State, &ts); err != nil {
		return nil, err
	}
	a.Timestamp = fromEpoch(ts)
	return &a, nil
}

const attemptColumns = `id, provider, owner, repo, state, timestamp`

func (s *Store) GetAttempt(ctx context.Context, id string) (*store.MergeAttempt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM merge_attempts WHERE id = ?`, id)
	a, err := scanAttempt(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Store) GetActiveAttempt(ctx context.Context, owner, repo string) (*store.MergeAttempt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM merge_attempts
		 WHERE owner = ? AND repo = ? AND state IN (?, ?, ?)
		 ORDER BY timestamp ASC LIMIT 1`,
		owner, repo, store.AttemptConstructing, store.AttemptTesting, store.AttemptSuccess)
	a, err := scanAttempt(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Store) GetOldestSplitAttempt(ctx context.Context, owner, repo string) (*store.MergeAttempt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM merge_attempts
		 WHERE owner = ? AND repo = ? AND state = ?
		 ORDER BY timestamp ASC LIMIT 1`,
		owner, repo, store.AttemptSplit)
	a, err := scanAttempt(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Store) ListAttemptsByState(ctx context.Context, state store.AttemptState) ([]store.MergeAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM merge_attempts WHERE state = ? ORDER BY timestamp ASC`, state)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.MergeAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *Store) TransitionAttempt(ctx context.Context, id string, expected, next store.AttemptState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE merge_attempts SET state = ?, timestamp = ? WHERE id = ? AND state = ?`,
		next, time.Now().Unix(), id, expected)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return store.ErrConflict
	}
	return tx.Commit()
}

func (s *Store) DeleteAttempt(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM merge_attempts WHERE id = ?`, id)
	return err
}

func (s *Store) AdmitBatch(ctx context.Context, attempt store.MergeAttempt, prs []store.PRKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO merge_attempts (`+attemptColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET state = excluded.state, timestamp = excluded.timestamp`,
		attempt.ID, attempt.Provider, attempt.Owner, attempt.Repo, store.AttemptConstructing, epoch(attempt.Timestamp)); err != nil {
		return err
	}

	for _, pr := range prs {
		res, err := tx.ExecContext(ctx,
			`UPDATE pull_requests SET state = ?, merge_attempt = ?, timestamp = ? WHERE owner = ? AND repo = ? AND number = ?`,
			store.PRMerging, attempt.ID, time.Now().Unix(), pr.Owner, pr.Repo, pr.Number)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("admit batch: pr %s/%s#%d not found", pr.Owner, pr.Repo, pr.Number)
		}
	}
	return tx.Commit()
}

func (s *Store) SplitOnConstructConflict(ctx context.Context, originalAttemptID string, conflicting []store.PRKey) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var provider, owner, repo string
	if err := tx.QueryRowContext(ctx, `SELECT provider, owner, repo FROM merge_attempts WHERE id = ?`, originalAttemptID).
		Scan(&provider, &owner, &repo); err != nil {
		if err == sql.ErrNoRows {
			return "", store.ErrNotFound
		}
		return "", err
	}

	newID := uuid.NewString()
	now := time.Now().Unix()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO merge_attempts (`+attemptColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		newID, provider, owner, repo, store.AttemptSplit, now); err != nil {
		return "", err
	}

	for _, pr := range conflicting {
		if _, err := tx.ExecContext(ctx,
			`UPDATE pull_requests SET state = ?, merge_attempt = ?, timestamp = ? WHERE owner = ? AND repo = ? AND number = ?`,
			store.PRSplit, newID, now, pr.Owner, pr.Repo, pr.Number); err != nil {
			return "", err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE merge_attempts SET state = ?, timestamp = ? WHERE id = ?`,
		store.AttemptSplit, now, originalAttemptID); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return newID, nil
}

func (s *Store) RejectSinglePR(ctx context.Context, attemptID string, pr store.PRKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM merge_attempts WHERE id = ?`, attemptID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pull_requests WHERE owner = ? AND repo = ? AND number = ?`, pr.Owner, pr.Repo, pr.Number); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) BisectOnTestFailure(ctx context.Context, attemptID string, groupA, groupB []store.PRKey) (store.MergeAttempt, store.MergeAttempt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.MergeAttempt{}, store.MergeAttempt{}, err
	}
	defer tx.Rollback()

	var provider, owner, repo string
	if err := tx.QueryRowContext(ctx, `SELECT provider, owner, repo FROM merge_attempts WHERE id = ?`, attemptID).
		Scan(&provider, &owner, &repo); err != nil {
		if err == sql.ErrNoRows {
			return store.MergeAttempt{}, store.MergeAttempt{}, store.ErrNotFound
		}
		return store.MergeAttempt{}, store.MergeAttempt{}, err
	}

	now := time.Now().Unix()
	a := store.MergeAttempt{ID: uuid.NewString(), Provider: provider, Owner: owner, Repo: repo, State: store.AttemptSplit, Timestamp: fromEpoch(now)}
	b := store.MergeAttempt{ID: uuid.NewString(), Provider: provider, Owner: owner, Repo: repo, State: store.AttemptSplit, Timestamp: fromEpoch(now)}

	for id, group := range map[string][]store.PRKey{a.ID: groupA, b.ID: groupB} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO merge_attempts (`+attemptColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
			id, provider, owner, repo, store.AttemptSplit, now); err != nil {
			return store.MergeAttempt{}, store.MergeAttempt{}, err
		}
		for _, pr := range group {
			if _, err := tx.ExecContext(ctx,
				`UPDATE pull_requests SET state = ?, merge_attempt = ?, timestamp = ? WHERE owner = ? AND repo = ? AND number = ?`,
				store.PRSplit, id, now, pr.Owner, pr.Repo, pr.Number); err != nil {
				return store.MergeAttempt{}, store.MergeAttempt{}, err
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM merge_attempts WHERE id = ?`, attemptID); err != nil {
		return store.MergeAttempt{}, store.MergeAttempt{}, err
	}

	if err := tx.Commit(); err != nil {
		return store.MergeAttempt{}, store.MergeAttempt{}, err
	}
	return a, b, nil
}

func (s *Store) CompleteSuccess(ctx context.Context, attemptID string) ([]store.PullRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT `+prColumns+` FROM pull_requests WHERE merge_attempt = ?`, attemptID)
	if err != nil {
		return nil, err
	}
	prs, err := collectPRs(rows)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pull_requests WHERE merge_attempt = ?`, attemptID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM merge_attempts WHERE id = ?`, attemptID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return prs, nil
}

func (s *Store) ResetBatchToQueued(ctx context.Context, attemptID string) ([]store.PullRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	rows, err := tx.QueryContext(ctx, `SELECT `+prColumns+` FROM pull_requests WHERE merge_attempt = ?`, attemptID)
	if err != nil {
		return nil, err
	}
	prs, err := collectPRs(rows)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE pull_requests SET state = ?, merge_attempt = '', timestamp = ? WHERE merge_attempt = ?`,
		store.PRQueued, now, attemptID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM merge_attempts WHERE id = ?`, attemptID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for i := range prs {
		prs[i].State = store.PRQueued
		prs[i].MergeAttempt = ""
		prs[i].Timestamp = fromEpoch(now)
	}
	return prs, nil
}

func (s *Store) CancelPR(ctx context.Context, owner, repo string, number int) (*store.CancelResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+prColumns+` FROM pull_requests WHERE owner = ? AND repo = ? AND number = ?`,
		owner, repo, number)
	pr, err := scanPR(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pull_requests WHERE owner = ? AND repo = ? AND number = ?`, owner, repo, number); err != nil {
		return nil, err
	}

	result := &store.CancelResult{Deleted: *pr}

	switch pr.State {
	case store.PRRequested, store.PRQueued:
		// nothing else to do

	case store.PRMerging:
		now := time.Now().Unix()
		if _, err := tx.ExecContext(ctx,
			`UPDATE pull_requests SET state = ?, timestamp = ? WHERE merge_attempt = ?`,
			store.PRSplit, now, pr.MergeAttempt); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE merge_attempts SET state = ?, timestamp = ? WHERE id = ?`,
			store.AttemptSplit, now, pr.MergeAttempt); err != nil {
			return nil, err
		}
		siblingRows, err := tx.QueryContext(ctx, `SELECT `+prColumns+` FROM pull_requests WHERE merge_attempt = ?`, pr.MergeAttempt)
		if err != nil {
			return nil, err
		}
		siblings, err := collectPRs(siblingRows)
		if err != nil {
			return nil, err
		}
		result.SplitAttemptID = pr.MergeAttempt
		result.Siblings = siblings

	case store.PRSplit:
		var remaining int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM pull_requests WHERE merge_attempt = ?`, pr.MergeAttempt).
			Scan(&remaining); err != nil {
			return nil, err
		}
		if remaining == 0 {
			if _, err := tx.ExecContext(ctx, `DELETE FROM merge_attempts WHERE id = ?`, pr.MergeAttempt); err != nil {
				return nil, err
			}
			result.AttemptDeleted = true
		} else {
			result.SplitAttemptID = pr.MergeAttempt
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

func priorityValue(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite surfaces constraint failures as a plain error
	// whose text names the SQLite result code; no typed error is exported.
	return err.Error() != "" && containsConstraint(err.Error())
}

func containsConstraint(s string) bool {
	for _, needle := range []string{"UNIQUE constraint failed", "constraint failed"} {
		if indexOf(s, needle) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, substr string) int {
	n, m := len(s), len(substr)
	if m == 0 {
		return 0
	}
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == substr {
			return i
		}
	}
	return -1
}
