package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/ChuLiYu/printwatch/pkg/types"
)

// AddAuthorization inserts a new unmatched authorization. Returns
// ErrDuplicate if the row was already ingested, matched or expired.
func (s *Store) AddAuthorization(ctx context.Context, auth types.Authorization) (err error) {
	conn, err := s.take(ctx, "add authorization")
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	exists, err := authorizationExists(conn, auth.Row)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("store: add authorization %d: %w", auth.Row, ErrDuplicate)
	}

	err = sqlitex.Execute(conn, `INSERT INTO auth_unmatched (row_id, submitted_at, device, user)
		VALUES (?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{int64(auth.Row), auth.SubmittedAt.Unix(), auth.Device, auth.User},
	})
	if err != nil {
		return fmt.Errorf("store: add authorization %d: %w", auth.Row, err)
	}
	return nil
}

// AuthorizationExists reports whether row is unmatched or archived.
func (s *Store) AuthorizationExists(ctx context.Context, row types.RowID) (bool, error) {
	conn, err := s.take(ctx, "authorization exists")
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	return authorizationExists(conn, row)
}

// ExpireAuthorization archives an unmatched authorization as expired.
// Expiring an archived row is a no-op that logs a warning.
func (s *Store) ExpireAuthorization(ctx context.Context, row types.RowID) (auth types.Authorization, err error) {
	conn, err := s.take(ctx, "expire authorization")
	if err != nil {
		return auth, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return auth, fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	archived, err := listAuthorizations(conn, "SELECT row_id, submitted_at, device, user, outcome, job_id FROM auth_archived WHERE row_id = ?", int64(row))
	if err != nil {
		return auth, err
	}
	if len(archived) == 1 {
		s.logger.Warn("authorization already archived", "row", row, "outcome", archived[0].Outcome)
		return archived[0], nil
	}

	auth, err = getUnmatchedAuthorization(conn, row)
	if err != nil {
		return auth, err
	}
	if err := archiveAuthorization(conn, auth, types.AuthExpired, "", s.clock.Now()); err != nil {
		return auth, err
	}
	auth.Outcome = types.AuthExpired
	return auth, nil
}

// UnmatchedAuthorizations returns every unmatched authorization, most
// recent submission first; equal submissions order by descending row.
func (s *Store) UnmatchedAuthorizations(ctx context.Context) ([]types.Authorization, error) {
	conn, err := s.take(ctx, "list authorizations")
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	return listAuthorizations(conn, `SELECT row_id, submitted_at, device, user, '', ''
		FROM auth_unmatched ORDER BY submitted_at DESC, row_id DESC`)
}

// ArchivedAuthorizations returns archived rows, newest row first.
func (s *Store) ArchivedAuthorizations(ctx context.Context, limit int) ([]types.Authorization, error) {
	conn, err := s.take(ctx, "list archived authorizations")
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	if limit <= 0 {
		limit = -1
	}
	return listAuthorizations(conn, `SELECT row_id, submitted_at, device, user, outcome, job_id
		FROM auth_archived ORDER BY row_id DESC LIMIT ?`, limit)
}

// LastRow returns the highest authorization row ever ingested, or 0.
func (s *Store) LastRow(ctx context.Context) (types.RowID, error) {
	conn, err := s.take(ctx, "last row")
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	var last int64
	err = sqlitex.Execute(conn, `SELECT max(
		coalesce((SELECT max(row_id) FROM auth_unmatched), 0),
		coalesce((SELECT max(row_id) FROM auth_archived), 0))`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				last = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("store: last row: %w", err)
	}
	return types.RowID(last), nil
}

func authorizationExists(conn *sqlite.Conn, row types.RowID) (bool, error) {
	n, err := count(conn, `SELECT
		(SELECT count(*) FROM auth_unmatched WHERE row_id = ?1) +
		(SELECT count(*) FROM auth_archived WHERE row_id = ?1)`, int64(row))
	if err != nil {
		return false, fmt.Errorf("store: locate authorization %d: %w", row, err)
	}
	return n > 0, nil
}

func getUnmatchedAuthorization(conn *sqlite.Conn, row types.RowID) (types.Authorization, error) {
	auths, err := listAuthorizations(conn, `SELECT row_id, submitted_at, device, user, '', ''
		FROM auth_unmatched WHERE row_id = ?`, int64(row))
	if err != nil {
		return types.Authorization{}, err
	}
	if len(auths) == 0 {
		return types.Authorization{}, fmt.Errorf("store: authorization %d: %w", row, ErrAuthorizationNotFound)
	}
	return auths[0], nil
}

func listAuthorizations(conn *sqlite.Conn, query string, args ...any) ([]types.Authorization, error) {
	var auths []types.Authorization
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			auths = append(auths, types.Authorization{
				Row:         types.RowID(stmt.ColumnInt64(0)),
				SubmittedAt: unixTime(stmt.ColumnInt64(1)),
				Device:      stmt.ColumnText(2),
				User:        stmt.ColumnText(3),
				Outcome:     types.AuthOutcome(stmt.ColumnText(4)),
				JobID:       types.JobID(stmt.ColumnText(5)),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: query authorizations: %w", err)
	}
	return auths, nil
}

func archiveAuthorization(conn *sqlite.Conn, auth types.Authorization, outcome types.AuthOutcome, job types.JobID, at time.Time) error {
	err := sqlitex.Execute(conn, `DELETE FROM auth_unmatched WHERE row_id = ?`,
		&sqlitex.ExecOptions{Args: []any{int64(auth.Row)}})
	if err != nil {
		return fmt.Errorf("store: archive authorization %d: %w", auth.Row, err)
	}
	err = sqlitex.Execute(conn, `INSERT INTO auth_archived
		(row_id, submitted_at, device, user, outcome, job_id, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, &sqlitex.ExecOptions{
		Args: []any{
			int64(auth.Row), auth.SubmittedAt.Unix(), auth.Device, auth.User,
			string(outcome), string(job), at.Unix(),
		},
	})
	if err != nil {
		return fmt.Errorf("store: archive authorization %d: %w", auth.Row, err)
	}
	return nil
}
