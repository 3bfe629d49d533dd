// Package normalizer converts driver values into the canonical row representation
// published on the bus. Everything here is pure and deterministic.
package normalizer

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5/pgtype"

	"rowbus/internal/model"
)

// TimestampLayout is the layout used for every timestamp value on the bus.
const TimestampLayout = model.WatermarkLayout

var (
	ErrInvalidUTF8      = errors.New("binary value is not valid UTF-8")
	ErrInvalidDecimal   = errors.New("decimal value cannot be represented as float64")
	ErrMissingEventTime = errors.New("event-time column missing from row")
	ErrBadEventTime     = errors.New("event-time value is not a timestamp")
)

// decimalTypes are database type names whose text/byte values are decimals.
var decimalTypes = map[string]struct{}{
	"DECIMAL":    {},
	"NUMERIC":    {},
	"MONEY":      {},
	"SMALLMONEY": {},
}

// Normalize converts one fetched row into its bus form and appends the source field.
// A column literally named "source" is replaced by the source field.
func Normalize(source string, cols []model.Column) (model.Row, error) {
	fields := make([]model.Field, 0, len(cols)+1)
	for _, c := range cols {
		if c.Name == model.SourceField {
			continue
		}
		v, err := normalizeValue(c)
		if err != nil {
			return model.Row{}, &model.NormalizationError{Source: source, Column: c.Name, Err: err}
		}
		fields = append(fields, model.Field{Name: c.Name, Value: v})
	}
	fields = append(fields, model.Field{Name: model.SourceField, Value: source})
	return model.Row{Source: source, Fields: fields}, nil
}

func normalizeValue(c model.Column) (interface{}, error) {
	switch v := c.Value.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return v.Format(TimestampLayout), nil
	case *time.Time:
		if v == nil {
			return nil, nil
		}
		return v.Format(TimestampLayout), nil
	case pgtype.Numeric:
		return numericToFloat(v)
	case *big.Rat:
		f, _ := v.Float64()
		return f, nil
	case *big.Float:
		f, _ := v.Float64()
		return f, nil
	case []byte:
		if isDecimalType(c.DatabaseType) {
			return parseDecimal(string(v))
		}
		if !utf8.Valid(v) {
			return nil, ErrInvalidUTF8
		}
		return string(v), nil
	case string:
		if isDecimalType(c.DatabaseType) {
			return parseDecimal(v)
		}
		return v, nil
	default:
		return v, nil
	}
}

func numericToFloat(n pgtype.Numeric) (interface{}, error) {
	if !n.Valid {
		return nil, nil
	}
	f8, err := n.Float64Value()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDecimal, err)
	}
	if !f8.Valid {
		return nil, nil
	}
	return f8.Float64, nil
}

func parseDecimal(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDecimal, s)
	}
	return f, nil
}

func isDecimalType(name string) bool {
	_, ok := decimalTypes[strings.ToUpper(name)]
	return ok
}
