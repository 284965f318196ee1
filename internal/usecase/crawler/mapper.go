// Package crawler syncs spreadsheet rows into the document store.
package crawler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sellsight/sellsight/internal/domain"
)

// dateLayouts are tried in order when coercing date cells.
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"02/01/2006",
	"01/02/2006",
	"02-01-2006",
	"02/01/2006 15:04:05",
}

// columnIndex converts a column letter to a zero-based index: A→0, Z→25,
// AA→26.
func columnIndex(letter string) (int, error) {
	s := strings.ToUpper(strings.TrimSpace(letter))
	if s == "" {
		return 0, fmt.Errorf("empty column letter: %w", domain.ErrInvalidArgument)
	}
	result := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 'A' || c > 'Z' {
			return 0, fmt.Errorf("bad column letter %q: %w", letter, domain.ErrInvalidArgument)
		}
		result = result*26 + int(c-'A'+1)
	}
	return result - 1, nil
}

// boundMapping is a ColumnMapping resolved to a concrete cell index.
type boundMapping struct {
	domain.ColumnMapping
	index int
}

// resolveColumns binds each mapping to a column index against the fetched
// header row. A header-name mapping that matches no column fails when
// required; matching more than one column is always a mapping error
// because the pick would be arbitrary.
func resolveColumns(headers []string, mappings []domain.ColumnMapping) ([]boundMapping, error) {
	norm := make([]string, len(headers))
	for i, h := range headers {
		norm[i] = strings.ToLower(strings.TrimSpace(h))
	}

	bound := make([]boundMapping, 0, len(mappings))
	for _, m := range mappings {
		switch {
		case m.Column != "":
			idx, err := columnIndex(m.Column)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", m.Field, err)
			}
			bound = append(bound, boundMapping{ColumnMapping: m, index: idx})
		case m.Header != "":
			want := strings.ToLower(strings.TrimSpace(m.Header))
			idx := -1
			for i, h := range norm {
				if h != want {
					continue
				}
				if idx >= 0 {
					return nil, fmt.Errorf("field %q: header %q appears more than once: %w", m.Field, m.Header, domain.ErrInvalidArgument)
				}
				idx = i
			}
			if idx < 0 {
				if m.Required {
					return nil, fmt.Errorf("field %q: required header %q not found: %w", m.Field, m.Header, domain.ErrInvalidArgument)
				}
				continue
			}
			bound = append(bound, boundMapping{ColumnMapping: m, index: idx})
		default:
			return nil, fmt.Errorf("field %q: mapping needs a column or a header: %w", m.Field, domain.ErrInvalidArgument)
		}
	}
	return bound, nil
}

// coerce converts one cell per the mapping type. Coercion failures keep
// the original string so one odd cell never loses data or fails a sync.
func coerce(value string, typ domain.ColumnType) any {
	v := strings.TrimSpace(value)
	switch typ {
	case domain.ColumnNumber:
		// European exports write decimals with a comma.
		cleaned := strings.ReplaceAll(strings.ReplaceAll(v, " ", ""), ",", ".")
		if f, err := strconv.ParseFloat(cleaned, 64); err == nil {
			return f
		}
		return value
	case domain.ColumnInteger:
		cleaned := strings.ReplaceAll(strings.ReplaceAll(v, " ", ""), ",", ".")
		if f, err := strconv.ParseFloat(cleaned, 64); err == nil {
			return int64(f)
		}
		return value
	case domain.ColumnDate:
		for _, layout := range dateLayouts {
			if ts, err := time.Parse(layout, v); err == nil {
				return ts.UTC()
			}
		}
		return value
	default:
		return value
	}
}

// cellAt returns the cell at idx or "" when the row is short; trailing
// blank cells are routinely omitted by the Sheets API.
func cellAt(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}

// isBlankRow reports whether every cell is empty or whitespace.
func isBlankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// mapRow builds the mapped document and the raw header→cell capture.
func mapRow(headers []string, bound []boundMapping, row []string) (map[string]any, map[string]string) {
	data := make(map[string]any, len(bound))
	for _, b := range bound {
		cell := cellAt(row, b.index)
		if strings.TrimSpace(cell) == "" {
			continue
		}
		data[b.Field] = coerce(cell, b.Type)
	}
	raw := make(map[string]string, len(headers))
	for i, h := range headers {
		key := strings.TrimSpace(h)
		if key == "" {
			continue
		}
		raw[key] = cellAt(row, i)
	}
	return data, raw
}
