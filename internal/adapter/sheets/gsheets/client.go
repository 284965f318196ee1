// Package gsheets reads customer spreadsheets through the Sheets v4 API.
package gsheets

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/sellsight/sellsight/internal/domain"
)

// Client implements domain.SheetFetcher. Every API call passes through the
// shared rate limiter, so preview and access checks draw from the same
// quota as sync fetches.
type Client struct {
	svc     *sheets.Service
	limiter domain.RateLimiter
	email   string // service account address, for access-error messages
}

// New authenticates with a service-account JSON blob, read-only scope.
func New(ctx domain.Context, credentialsJSON, serviceAccountEmail string, limiter domain.RateLimiter) (*Client, error) {
	svc, err := sheets.NewService(ctx,
		option.WithCredentialsJSON([]byte(credentialsJSON)),
		option.WithScopes(sheets.SpreadsheetsReadonlyScope),
	)
	if err != nil {
		return nil, fmt.Errorf("op=gsheets.New: %w", err)
	}
	return &Client{svc: svc, limiter: limiter, email: serviceAccountEmail}, nil
}

// Headers fetches the header row cells of a tab.
func (c *Client) Headers(ctx domain.Context, spreadsheetID, sheetName string, headerRow int) ([]string, error) {
	if headerRow < 1 {
		headerRow = 1
	}
	rng := fmt.Sprintf("'%s'!%d:%d", escapeSheetName(sheetName), headerRow, headerRow)
	values, err := c.getValues(ctx, spreadsheetID, rng)
	if err != nil {
		return nil, fmt.Errorf("op=gsheets.Headers: %w", err)
	}
	if len(values) == 0 {
		return nil, nil
	}
	return rowToStrings(values[0]), nil
}

// Rows fetches every row from startRow to the end of the tab in one call.
func (c *Client) Rows(ctx domain.Context, spreadsheetID, sheetName string, startRow int) ([][]string, error) {
	if startRow < 1 {
		startRow = 1
	}
	rng := fmt.Sprintf("'%s'!A%d:ZZ", escapeSheetName(sheetName), startRow)
	values, err := c.getValues(ctx, spreadsheetID, rng)
	if err != nil {
		return nil, fmt.Errorf("op=gsheets.Rows: %w", err)
	}
	out := make([][]string, len(values))
	for i, row := range values {
		out[i] = rowToStrings(row)
	}
	return out, nil
}

// CheckAccess verifies the service account can open the spreadsheet.
func (c *Client) CheckAccess(ctx domain.Context, spreadsheetID string) error {
	if err := c.limiter.Acquire(ctx, 1); err != nil {
		return err
	}
	_, err := c.svc.Spreadsheets.Get(spreadsheetID).Fields("spreadsheetId").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("op=gsheets.CheckAccess: %w", c.mapError(err))
	}
	return nil
}

func (c *Client) getValues(ctx domain.Context, spreadsheetID, rng string) ([][]any, error) {
	if err := c.limiter.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	resp, err := c.svc.Spreadsheets.Values.Get(spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return nil, c.mapError(err)
	}
	return resp.Values, nil
}

// mapError translates Sheets API failures into domain sentinels. A 403
// almost always means the customer has not shared the sheet with the
// service account, so the message says exactly what to do.
func (c *Client) mapError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case 403:
			return fmt.Errorf("no access to spreadsheet, share it with %s: %w", c.email, domain.ErrForbidden)
		case 404:
			return fmt.Errorf("spreadsheet not found: %w", domain.ErrNotFound)
		case 429:
			return fmt.Errorf("sheets api quota exhausted: %w", domain.ErrRateLimited)
		}
	}
	return fmt.Errorf("sheets api: %w: %v", domain.ErrUnavailable, err)
}

func rowToStrings(row []any) []string {
	out := make([]string, len(row))
	for i, cell := range row {
		if cell == nil {
			continue
		}
		out[i] = fmt.Sprint(cell)
	}
	return out
}

// escapeSheetName doubles single quotes per the A1 notation rules.
func escapeSheetName(name string) string {
	return strings.ReplaceAll(name, "'", "''")
}

var _ domain.SheetFetcher = (*Client)(nil)
