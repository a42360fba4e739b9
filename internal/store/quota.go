package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/ChuLiYu/printwatch/pkg/types"
)

// PeriodFunc maps a time to its accounting period key.
type PeriodFunc func(time.Time) string

// QuarterPeriod keys periods by calendar quarter, e.g. "2026-Q4".
func QuarterPeriod(t time.Time) string {
	return fmt.Sprintf("%d-Q%d", t.Year(), (int(t.Month())-1)/3+1)
}

// MonthPeriod keys periods by calendar month, e.g. "2026-10".
func MonthPeriod(t time.Time) string {
	return t.Format("2006-01")
}

// QuotaPolicy holds the allowance rules of the ledger.
type QuotaPolicy struct {
	Default float64
	Exempt  map[string]bool
	Period  PeriodFunc
}

// NewQuotaPolicy builds a policy. period is "quarter" or "month"; anything
// else falls back to quarter.
func NewQuotaPolicy(defaultGrams float64, exempt []string, period string) QuotaPolicy {
	policy := QuotaPolicy{
		Default: defaultGrams,
		Exempt:  make(map[string]bool, len(exempt)),
		Period:  QuarterPeriod,
	}
	for _, user := range exempt {
		policy.Exempt[strings.ToLower(strings.TrimSpace(user))] = true
	}
	if period == "month" {
		policy.Period = MonthPeriod
	}
	return policy
}

// IsExempt reports whether user bypasses balance checks.
func (p QuotaPolicy) IsExempt(user string) bool {
	return p.Exempt[strings.ToLower(user)]
}

// GetQuota returns user's remaining balance in the current period: the
// ledger value if one exists, otherwise the default allowance. Exempt users
// get types.Unlimited. GetQuota never creates a ledger row.
func (s *Store) GetQuota(ctx context.Context, user string) (float64, error) {
	if s.quota.IsExempt(user) {
		return types.Unlimited, nil
	}

	conn, err := s.take(ctx, "get quota")
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	return s.balance(conn, user, s.quota.Period(s.clock.Now()))
}

// DebitQuota subtracts amount from user's balance in the current period.
// A negative amount credits. Exempt users are never recorded.
func (s *Store) DebitQuota(ctx context.Context, user string, amount float64) (err error) {
	if s.quota.IsExempt(user) {
		return nil
	}

	conn, err := s.take(ctx, "debit quota")
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	return s.debit(conn, user, s.quota.Period(s.clock.Now()), amount)
}

// LedgerEntry is one (user, period) balance.
type LedgerEntry struct {
	User    string  `json:"user"`
	Period  string  `json:"period"`
	Balance float64 `json:"balance"`
}

// Ledger returns every balance recorded for user, newest period first.
func (s *Store) Ledger(ctx context.Context, user string) ([]LedgerEntry, error) {
	conn, err := s.take(ctx, "ledger")
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var entries []LedgerEntry
	err = sqlitex.Execute(conn, `SELECT user, period, balance FROM quota_ledger
		WHERE user = ? ORDER BY period DESC`, &sqlitex.ExecOptions{
		Args: []any{user},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			entries = append(entries, LedgerEntry{
				User:    stmt.ColumnText(0),
				Period:  stmt.ColumnText(1),
				Balance: stmt.ColumnFloat(2),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: ledger %s: %w", user, err)
	}
	return entries, nil
}

func (s *Store) balance(conn *sqlite.Conn, user, period string) (float64, error) {
	balance := s.quota.Default
	err := sqlitex.Execute(conn, `SELECT balance FROM quota_ledger WHERE user = ? AND period = ?`,
		&sqlitex.ExecOptions{
			Args: []any{user, period},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				balance = stmt.ColumnFloat(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("store: balance %s/%s: %w", user, period, err)
	}
	return balance, nil
}

// debit upserts the ledger row for (user, period). The first write seeds
// the row with the default allowance.
func (s *Store) debit(conn *sqlite.Conn, user, period string, amount float64) error {
	err := sqlitex.Execute(conn, `INSERT INTO quota_ledger (user, period, balance)
		VALUES (?1, ?2, ?3 - ?4)
		ON CONFLICT (user, period) DO UPDATE SET balance = balance - ?4`,
		&sqlitex.ExecOptions{
			Args: []any{user, period, s.quota.Default, amount},
		})
	if err != nil {
		return fmt.Errorf("store: debit %s/%s: %w", user, period, err)
	}
	return nil
}
