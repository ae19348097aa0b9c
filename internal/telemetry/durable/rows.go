package durable

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/deltadyno/telemetry/internal/telemetry/types"
)

// decimalParam is the placeholder of a DECIMAL column. Values are bound as
// text and cast server-side so no precision is lost in the driver.
const decimalParam = "CAST(? AS DECIMAL(18,6))"

// decimalCol reads a DECIMAL column back as text.
func decimalCol(name string) string {
	return "CAST(" + name + " AS VARCHAR)"
}

func encodeMetadata(m types.Metadata) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(s sql.NullString) (types.Metadata, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m types.Metadata
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return d, nil
}

// decimalParser keeps the first parse error of a row.
type decimalParser struct {
	err error
}

func (p *decimalParser) parse(s string) decimal.Decimal {
	if p.err != nil {
		return decimal.Zero
	}
	d, err := parseDecimal(s)
	p.err = err
	return d
}

func parseNullDecimal(s sql.NullString) (decimal.NullDecimal, error) {
	if !s.Valid {
		return decimal.NullDecimal{}, nil
	}
	d, err := parseDecimal(s.String)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func decimalArg(d decimal.Decimal) string {
	return d.StringFixed(types.DecimalPlaces)
}

func nullDecimalArg(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return decimalArg(d.Decimal)
}

// ts binds a time as a UTC timestamp.
func ts(t time.Time) time.Time {
	return t.UTC()
}

// placeholders returns "(p1,p2,...)" for one row.
func rowPlaceholders(cols []string) string {
	var b strings.Builder
	b.WriteByte('(')
	for i, c := range cols {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(c)
	}
	b.WriteByte(')')
	return b.String()
}

// buildMultiRowInsert builds "INSERT INTO table (cols) VALUES (...),(...)"
// for n rows. row appends the arguments of row i.
func buildMultiRowInsert(head string, row string, n int, args func(i int, dst []any) []any, perRow int) (string, []any) {
	out := make([]any, 0, n*perRow)

	var query strings.Builder
	query.Grow(len(head) + n*(len(row)+1))
	query.WriteString(head)

	for i := 0; i < n; i++ {
		if i > 0 {
			query.WriteByte(',')
		}
		query.WriteString(row)
		out = args(i, out)
	}

	return query.String(), out
}
