package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/ChuLiYu/printwatch/pkg/types"
)

const selectJob = `id, device, title, cover, start_time, end_time, weight,
	materials, user, auth_row, debited, debit_period`

var jobTables = map[types.JobPool]string{
	types.PoolUnmatched: "jobs_unmatched",
	types.PoolCurrent:   "jobs_current",
	types.PoolArchived:  "jobs_archived",
}

// AddJob inserts a newly observed job into the unmatched pool. Returns
// ErrDuplicate if the id is already in any pool.
func (s *Store) AddJob(ctx context.Context, job types.Job) (err error) {
	if job.ID == "" {
		return fmt.Errorf("store: add job: empty id")
	}
	if len(job.Materials) > types.MaxMaterials {
		job.Materials = job.Materials[:types.MaxMaterials]
	}
	materials, err := json.Marshal(job.Materials)
	if err != nil {
		return fmt.Errorf("store: add job %s: %w", job.ID, err)
	}

	conn, err := s.take(ctx, "add job")
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	pool, err := jobPool(conn, job.ID)
	if err != nil {
		return err
	}
	if pool != "" {
		return fmt.Errorf("store: add job %s: %w", job.ID, ErrDuplicate)
	}

	err = sqlitex.Execute(conn, `INSERT INTO jobs_unmatched
		(id, device, title, cover, start_time, end_time, weight, materials)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			string(job.ID), job.Device, job.Title, job.Cover,
			job.StartTime.Unix(), job.EndTime.Unix(), job.Weight, string(materials),
		},
	})
	if err != nil {
		return fmt.Errorf("store: add job %s: %w", job.ID, err)
	}
	return nil
}

// JobExists reports whether id is in any of the three pools.
func (s *Store) JobExists(ctx context.Context, id types.JobID) (bool, error) {
	conn, err := s.take(ctx, "job exists")
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	pool, err := jobPool(conn, id)
	return pool != "", err
}

// Job returns the record for id from whichever pool holds it.
func (s *Store) Job(ctx context.Context, id types.JobID) (types.Job, error) {
	conn, err := s.take(ctx, "get job")
	if err != nil {
		return types.Job{}, err
	}
	defer s.pool.Put(conn)

	pool, err := jobPool(conn, id)
	if err != nil {
		return types.Job{}, err
	}
	if pool == "" {
		return types.Job{}, fmt.Errorf("store: job %s: %w", id, ErrJobNotFound)
	}
	return getJob(conn, pool, id)
}

// Match moves an unmatched job to the current pool. When row is non-nil the
// authorization is archived as matched in the same transaction and the
// claiming user's quota is debited by the job's weight in the current
// accounting period. Exempt users are recorded with a zero debit.
//
// Match returns ErrQuotaExceeded, changing nothing, when the user's balance
// is below the job's weight. A nil row adopts the job with no user and no
// debit.
func (s *Store) Match(ctx context.Context, id types.JobID, row *types.RowID) (job types.Job, err error) {
	conn, err := s.take(ctx, "match")
	if err != nil {
		return job, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return job, fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	job, err = s.unmatchedJob(conn, id, "match")
	if err != nil {
		return job, err
	}

	now := s.clock.Now()
	if row != nil {
		auth, err := getUnmatchedAuthorization(conn, *row)
		if err != nil {
			return job, err
		}
		job.User = auth.User
		job.Row = row

		if !s.quota.IsExempt(auth.User) {
			period := s.quota.Period(now)
			balance, err := s.balance(conn, auth.User, period)
			if err != nil {
				return job, err
			}
			if balance < job.Weight {
				return job, fmt.Errorf("store: match %s: user %s has %.1f, needs %.1f: %w",
					id, auth.User, balance, job.Weight, ErrQuotaExceeded)
			}
			if err := s.debit(conn, auth.User, period, job.Weight); err != nil {
				return job, err
			}
			job.Debited = job.Weight
			job.DebitPeriod = period
		}

		if err := archiveAuthorization(conn, auth, types.AuthMatched, id, now); err != nil {
			return job, err
		}
	}

	if err := moveJob(conn, job, "jobs_current"); err != nil {
		return job, err
	}
	job.Pool = types.PoolCurrent
	return job, nil
}

// Reject consumes the authorization of an over-quota match and archives the
// job as CANCELED without touching the ledger.
func (s *Store) Reject(ctx context.Context, id types.JobID, row types.RowID) (job types.Job, err error) {
	conn, err := s.take(ctx, "reject")
	if err != nil {
		return job, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return job, fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	job, err = s.unmatchedJob(conn, id, "reject")
	if err != nil {
		return job, err
	}
	auth, err := getUnmatchedAuthorization(conn, row)
	if err != nil {
		return job, err
	}

	now := s.clock.Now()
	if err := archiveAuthorization(conn, auth, types.AuthMatched, id, now); err != nil {
		return job, err
	}

	job.User = auth.User
	job.Row = &row
	job.Status = types.StatusCanceled
	job.ArchivedAt = now
	if err := archiveJobRow(conn, job); err != nil {
		return job, err
	}
	job.Pool = types.PoolArchived
	return job, nil
}

// ExpireJob archives an unmatched job as EXPIRED. Expiring an archived job
// is a no-op that logs a warning.
func (s *Store) ExpireJob(ctx context.Context, id types.JobID) (job types.Job, err error) {
	conn, err := s.take(ctx, "expire job")
	if err != nil {
		return job, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return job, fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	pool, err := jobPool(conn, id)
	if err != nil {
		return job, err
	}
	if pool == types.PoolArchived {
		s.logger.Warn("job already archived", "op", "expire", "job_id", id)
		return getJob(conn, pool, id)
	}

	job, err = s.unmatchedJob(conn, id, "expire")
	if err != nil {
		return job, err
	}
	job.Status = types.StatusExpired
	job.ArchivedAt = s.clock.Now()
	if err := archiveJobRow(conn, job); err != nil {
		return job, err
	}
	job.Pool = types.PoolArchived
	return job, nil
}

// ArchiveJob moves a current (or unmatched) job to the archive with a
// terminal status. FAILED and CANCELED return the recorded debit to the
// period it was taken from, in the same transaction. Archiving an already
// archived job logs a warning and returns the stored record unchanged.
func (s *Store) ArchiveJob(ctx context.Context, id types.JobID, status types.JobStatus) (job types.Job, err error) {
	if !status.Valid() {
		return job, fmt.Errorf("store: archive job %s: invalid status %q", id, status)
	}

	conn, err := s.take(ctx, "archive job")
	if err != nil {
		return job, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return job, fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	pool, err := jobPool(conn, id)
	if err != nil {
		return job, err
	}
	switch pool {
	case "":
		return job, fmt.Errorf("store: archive job %s: %w", id, ErrJobNotFound)
	case types.PoolArchived:
		s.logger.Warn("job already archived", "job_id", id, "requested_status", status)
		return getJob(conn, pool, id)
	}

	job, err = getJob(conn, pool, id)
	if err != nil {
		return job, err
	}
	if err := deleteJob(conn, pool, id); err != nil {
		return job, err
	}

	if status.Refunds() && job.Debited > 0 && job.User != "" {
		if err := s.debit(conn, job.User, job.DebitPeriod, -job.Debited); err != nil {
			return job, err
		}
		s.logger.Info("quota credited", "job_id", id, "user", job.User,
			"period", job.DebitPeriod, "amount", job.Debited)
	}

	job.Status = status
	job.ArchivedAt = s.clock.Now()
	if err := insertJob(conn, "jobs_archived", job); err != nil {
		return job, err
	}
	job.Pool = types.PoolArchived
	return job, nil
}

// UpdateJobEndTime refreshes the estimated end time of a current job.
func (s *Store) UpdateJobEndTime(ctx context.Context, id types.JobID, end time.Time) error {
	conn, err := s.take(ctx, "update end time")
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `UPDATE jobs_current SET end_time = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{end.Unix(), string(id)}})
	if err != nil {
		return fmt.Errorf("store: update end time %s: %w", id, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("store: update end time %s: %w", id, ErrJobNotFound)
	}
	return nil
}

// UnmatchedJobs returns the unmatched pool ordered by start time.
func (s *Store) UnmatchedJobs(ctx context.Context) ([]types.Job, error) {
	return s.listJobs(ctx, types.PoolUnmatched, "ORDER BY start_time, id", nil)
}

// CurrentJobs returns the current pool ordered by device, then start time.
func (s *Store) CurrentJobs(ctx context.Context) ([]types.Job, error) {
	return s.listJobs(ctx, types.PoolCurrent, "ORDER BY device, start_time, id", nil)
}

// ArchivedJobs returns up to limit archived jobs, most recently archived
// first. limit <= 0 returns all of them.
func (s *Store) ArchivedJobs(ctx context.Context, limit int) ([]types.Job, error) {
	if limit <= 0 {
		return s.listJobs(ctx, types.PoolArchived, "ORDER BY archived_at DESC, id", nil)
	}
	return s.listJobs(ctx, types.PoolArchived, "ORDER BY archived_at DESC, id LIMIT ?", []any{limit})
}

func (s *Store) listJobs(ctx context.Context, pool types.JobPool, suffix string, args []any) ([]types.Job, error) {
	conn, err := s.take(ctx, "list jobs")
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	columns := selectJob
	if pool == types.PoolArchived {
		columns += ", status, archived_at"
	}
	query := "SELECT " + columns + " FROM " + jobTables[pool] + " " + suffix

	var jobs []types.Job
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			job, err := scanJob(stmt, pool)
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: list %s jobs: %w", pool, err)
	}
	return jobs, nil
}

// ============================================================================
// connection-level helpers (caller holds the transaction)
// ============================================================================

// jobPool returns which pool holds id, or "" if none does.
func jobPool(conn *sqlite.Conn, id types.JobID) (types.JobPool, error) {
	var pool types.JobPool
	err := sqlitex.Execute(conn, `
		SELECT 'unmatched' FROM jobs_unmatched WHERE id = ?1
		UNION ALL SELECT 'current' FROM jobs_current WHERE id = ?1
		UNION ALL SELECT 'archived' FROM jobs_archived WHERE id = ?1`,
		&sqlitex.ExecOptions{
			Args: []any{string(id)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				pool = types.JobPool(stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return "", fmt.Errorf("store: locate job %s: %w", id, err)
	}
	return pool, nil
}

// unmatchedJob loads id from the unmatched pool. A job that has already
// left the pool yields a wrapped ErrJobNotFound and a warning.
func (s *Store) unmatchedJob(conn *sqlite.Conn, id types.JobID, op string) (types.Job, error) {
	pool, err := jobPool(conn, id)
	if err != nil {
		return types.Job{}, err
	}
	if pool != types.PoolUnmatched {
		if pool != "" {
			s.logger.Warn("job not in unmatched pool", "op", op, "job_id", id, "pool", pool)
		}
		return types.Job{}, fmt.Errorf("store: %s %s: %w", op, id, ErrJobNotFound)
	}
	return getJob(conn, pool, id)
}

func getJob(conn *sqlite.Conn, pool types.JobPool, id types.JobID) (types.Job, error) {
	columns := selectJob
	if pool == types.PoolArchived {
		columns += ", status, archived_at"
	}

	var job types.Job
	found := false
	err := sqlitex.Execute(conn, "SELECT "+columns+" FROM "+jobTables[pool]+" WHERE id = ?",
		&sqlitex.ExecOptions{
			Args: []any{string(id)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var err error
				job, err = scanJob(stmt, pool)
				found = true
				return err
			},
		})
	if err != nil {
		return job, fmt.Errorf("store: get job %s: %w", id, err)
	}
	if !found {
		return job, fmt.Errorf("store: get job %s: %w", id, ErrJobNotFound)
	}
	return job, nil
}

func scanJob(stmt *sqlite.Stmt, pool types.JobPool) (types.Job, error) {
	job := types.Job{
		ID:          types.JobID(stmt.ColumnText(0)),
		Device:      stmt.ColumnText(1),
		Title:       stmt.ColumnText(2),
		Cover:       stmt.ColumnText(3),
		StartTime:   unixTime(stmt.ColumnInt64(4)),
		EndTime:     unixTime(stmt.ColumnInt64(5)),
		Weight:      stmt.ColumnFloat(6),
		User:        stmt.ColumnText(8),
		Debited:     stmt.ColumnFloat(10),
		DebitPeriod: stmt.ColumnText(11),
		Pool:        pool,
	}
	if raw := stmt.ColumnText(7); raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &job.Materials); err != nil {
			return job, fmt.Errorf("decoding materials of %s: %w", job.ID, err)
		}
	}
	if len(job.Materials) == 0 {
		job.Materials = nil
	}
	if !stmt.ColumnIsNull(9) {
		row := types.RowID(stmt.ColumnInt64(9))
		job.Row = &row
	}
	if pool == types.PoolArchived {
		job.Status = types.JobStatus(stmt.ColumnText(12))
		job.ArchivedAt = unixTime(stmt.ColumnInt64(13))
	}
	return job, nil
}

func insertJob(conn *sqlite.Conn, table string, job types.Job) error {
	materials, err := json.Marshal(job.Materials)
	if err != nil {
		return fmt.Errorf("store: encoding materials of %s: %w", job.ID, err)
	}
	var row any
	if job.Row != nil {
		row = int64(*job.Row)
	}

	args := []any{
		string(job.ID), job.Device, job.Title, job.Cover,
		job.StartTime.Unix(), job.EndTime.Unix(), job.Weight, string(materials),
		job.User, row, job.Debited, job.DebitPeriod,
	}
	query := "INSERT INTO " + table + " (" + selectJob + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
	if table == "jobs_archived" {
		query = "INSERT INTO jobs_archived (" + selectJob + ", status, archived_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args, string(job.Status), job.ArchivedAt.Unix())
	}

	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return fmt.Errorf("store: insert %s into %s: %w", job.ID, table, err)
	}
	return nil
}

func deleteJob(conn *sqlite.Conn, pool types.JobPool, id types.JobID) error {
	err := sqlitex.Execute(conn, "DELETE FROM "+jobTables[pool]+" WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{string(id)}})
	if err != nil {
		return fmt.Errorf("store: delete %s from %s: %w", id, pool, err)
	}
	return nil
}

// moveJob removes job from the unmatched pool and inserts it into table.
func moveJob(conn *sqlite.Conn, job types.Job, table string) error {
	if err := deleteJob(conn, types.PoolUnmatched, job.ID); err != nil {
		return err
	}
	return insertJob(conn, table, job)
}

func archiveJobRow(conn *sqlite.Conn, job types.Job) error {
	return moveJob(conn, job, "jobs_archived")
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
