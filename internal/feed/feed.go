// Package feed polls the append-only authorization form for new rows and
// normalizes them into authorization claims.
//
// The cursor is the number of the last row already seen. Each poll reads
// from the cursor row onward; the first row returned is the cursor row itself
// (the header on the very first poll) and is skipped. The cursor only moves
// after a successful read, and it moves past malformed rows too.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/printwatch/pkg/types"
)

// ErrMalformedRow marks a row that cannot be turned into an authorization.
var ErrMalformedRow = errors.New("malformed authorization row")

// HeaderRow is the row number of the form's header.
const HeaderRow = 1

// RowSource reads raw rows starting at a row number (inclusive).
type RowSource interface {
	Rows(ctx context.Context, from int64) ([][]string, error)
}

// Config configures a Feed.
type Config struct {
	Source          RowSource
	StartRow        int64  // last row already ingested; HeaderRow when none
	TimestampLayout string // Go layout of the submission timestamp cell
	Location        *time.Location
	EmailDomain     string // stripped from user identifiers, e.g. "school.edu"
	Logger          *slog.Logger
}

// Feed is the authorization feed cursor.
type Feed struct {
	source RowSource
	layout string
	loc    *time.Location
	domain string
	logger *slog.Logger

	mu     sync.Mutex
	cursor int64
}

// New creates a feed positioned after cfg.StartRow.
func New(cfg Config) *Feed {
	if cfg.StartRow < HeaderRow {
		cfg.StartRow = HeaderRow
	}
	if cfg.TimestampLayout == "" {
		cfg.TimestampLayout = "01/02/2006 15:04:05"
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "feed")
	}
	return &Feed{
		source: cfg.Source,
		layout: cfg.TimestampLayout,
		loc:    cfg.Location,
		domain: strings.ToLower(strings.TrimPrefix(cfg.EmailDomain, "@")),
		logger: cfg.Logger,
		cursor: cfg.StartRow,
	}
}

// Cursor returns the last row seen.
func (f *Feed) Cursor() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursor
}

// Poll returns the authorizations appended since the last successful poll.
// On a read error nothing is returned and the cursor stays put.
func (f *Feed) Poll(ctx context.Context) ([]types.Authorization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rows, err := f.source.Rows(ctx, f.cursor)
	if err != nil {
		return nil, fmt.Errorf("reading rows from %d: %w", f.cursor, err)
	}
	if len(rows) <= 1 {
		return nil, nil
	}

	auths := make([]types.Authorization, 0, len(rows)-1)
	for i, cells := range rows[1:] {
		row := types.RowID(f.cursor + int64(i) + 1)
		auth, err := f.normalize(row, cells)
		if err != nil {
			f.logger.Warn("Dropping feed row", "row", row, "error", err)
			continue
		}
		auths = append(auths, auth)
	}
	f.cursor += int64(len(rows) - 1)
	return auths, nil
}

// normalize turns [timestamp, email, device] cells into an authorization.
func (f *Feed) normalize(row types.RowID, cells []string) (types.Authorization, error) {
	if len(cells) < 3 {
		return types.Authorization{}, fmt.Errorf("%w: %d cells", ErrMalformedRow, len(cells))
	}

	submitted, err := time.ParseInLocation(f.layout, strings.TrimSpace(cells[0]), f.loc)
	if err != nil {
		return types.Authorization{}, fmt.Errorf("%w: timestamp %q: %v", ErrMalformedRow, cells[0], err)
	}

	user := NormalizeUser(cells[1], f.domain)
	if user == "" {
		return types.Authorization{}, fmt.Errorf("%w: empty user", ErrMalformedRow)
	}

	fields := strings.Fields(cells[2])
	if len(fields) == 0 {
		return types.Authorization{}, fmt.Errorf("%w: empty device", ErrMalformedRow)
	}

	return types.Authorization{
		Row:         row,
		SubmittedAt: submitted.UTC(),
		Device:      fields[0],
		User:        user,
	}, nil
}

// NormalizeUser lower-cases an email and strips the institutional domain.
// Addresses on other domains keep their domain so they cannot collide with
// local users.
func NormalizeUser(email, domain string) string {
	user := strings.ToLower(strings.TrimSpace(email))
	if domain == "" {
		if at := strings.IndexByte(user, '@'); at >= 0 {
			return user[:at]
		}
		return user
	}
	return strings.TrimSuffix(user, "@"+strings.ToLower(domain))
}
