package feed

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// SheetsConfig configures a SheetsSource.
type SheetsConfig struct {
	SpreadsheetID   string
	SheetName       string
	CredentialsFile string // service-account JSON
	Endpoint        string // optional API endpoint override
	HTTPClient      *http.Client
}

// SheetsSource reads form responses from a Google spreadsheet, columns A to C.
type SheetsSource struct {
	svc   *sheets.Service
	id    string
	sheet string
}

// NewSheetsSource builds the Sheets client. Without a credentials file the
// client is unauthenticated, which only works against an emulator endpoint.
func NewSheetsSource(ctx context.Context, cfg SheetsConfig) (*SheetsSource, error) {
	if cfg.SpreadsheetID == "" {
		return nil, fmt.Errorf("spreadsheet id is required")
	}
	opts := []option.ClientOption{option.WithScopes(sheets.SpreadsheetsReadonlyScope)}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	} else {
		opts = append(opts, option.WithoutAuthentication())
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(strings.TrimSuffix(cfg.Endpoint, "/")+"/"))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating sheets client: %w", err)
	}
	return &SheetsSource{svc: svc, id: cfg.SpreadsheetID, sheet: cfg.SheetName}, nil
}

// Rows returns rows from..end of columns A:C as strings.
func (s *SheetsSource) Rows(ctx context.Context, from int64) ([][]string, error) {
	rng := fmt.Sprintf("'%s'!A%d:C", strings.ReplaceAll(s.sheet, "'", "''"), from)
	resp, err := s.svc.Spreadsheets.Values.Get(s.id, rng).Context(ctx).Do()
	if err != nil {
		return nil, err
	}

	rows := make([][]string, len(resp.Values))
	for i, values := range resp.Values {
		cells := make([]string, len(values))
		for j, v := range values {
			cells[j] = fmt.Sprint(v)
		}
		rows[i] = cells
	}
	return rows, nil
}
