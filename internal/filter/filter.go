// Package filter compiles user-supplied filter trees into store-native SQL
// predicates with positional arguments.
//
// Leaf conditions address either a typed column of the spans table or a dot
// path inside the JSONB attributes document. Extracted JSON text is cast
// according to a key-naming heuristic (".id" is a uuid, ".total" is a
// number, and so on) so that numeric and temporal comparisons behave as
// callers expect without a declared schema.
package filter

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agenta-ai/tracequery/internal/model"
)

// Error reports an unresolvable filter: an unknown field, an attempt to
// index a non-JSON column, or an uncoercible literal. It is raised during
// compilation, before any store round-trip, and maps to a caller 4xx.
type Error struct {
	msg string
}

func (e *Error) Error() string { return "filter: " + e.msg }

// Errorf constructs a typed filter error.
func Errorf(format string, args ...any) *Error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

// Args accumulates positional query arguments. Storage layers pre-bind
// their own arguments (project id, window bounds) before handing the list
// to Compile so placeholders line up.
type Args struct {
	values []any
}

// NewArgs returns an argument list seeded with the given values.
func NewArgs(initial ...any) *Args {
	return &Args{values: initial}
}

// Add appends a value and returns its placeholder ("$n").
func (a *Args) Add(value any) string {
	a.values = append(a.values, value)
	return "$" + strconv.Itoa(len(a.values))
}

// Values returns the accumulated arguments in placeholder order.
func (a *Args) Values() []any {
	return a.values
}

type columnKind int

const (
	kindText columnKind = iota
	kindUUID
	kindEnum
	kindTimestamp
	kindJSONB
)

type column struct {
	name string
	kind columnKind
}

// columns maps canonical condition fields to spans-table columns.
var columns = map[string]column{
	"trace_id":       {"trace_id", kindUUID},
	"span_id":        {"span_id", kindUUID},
	"parent_id":      {"parent_id", kindUUID},
	"span_name":      {"span_name", kindText},
	"span_kind":      {"span_kind", kindEnum},
	"span_type":      {"span_type", kindText},
	"trace_type":     {"trace_type", kindText},
	"status_code":    {"status_code", kindEnum},
	"status_message": {"status_message", kindText},
	"start_time":     {"start_time", kindTimestamp},
	"end_time":       {"end_time", kindTimestamp},
	"created_at":     {"created_at", kindTimestamp},
	"updated_at":     {"updated_at", kindTimestamp},
	"attributes":     {"attributes", kindJSONB},
	"links":          {"links", kindJSONB},
}

// aliases maps legacy flat keys to canonical fields.
var aliases = map[string]string{
	"time.start":     "start_time",
	"time.end":       "end_time",
	"status.code":    "status_code",
	"status.message": "status_message",
	"node.name":      "span_name",
	"node.type":      "span_type",
	"node.id":        "span_id",
	"trace.id":       "trace_id",
	"trace.type":     "trace_type",
	"parent.id":      "parent_id",
}

// Compile turns a filter tree into a SQL predicate fragment. A nil tree
// compiles to the empty string. The fragment is parenthesized and safe to
// append after AND.
func Compile(args *Args, f *model.Filtering) (string, error) {
	if f == nil {
		return "", nil
	}
	op := f.Operator
	if op == "" {
		op = model.LogicalAnd
	}
	if len(f.Conditions) == 0 {
		return "", nil
	}

	parts := make([]string, 0, len(f.Conditions))
	for _, child := range f.Conditions {
		switch {
		case child.Condition != nil:
			fragment, err := compileCondition(args, *child.Condition)
			if err != nil {
				return "", err
			}
			parts = append(parts, fragment)
		case child.Filtering != nil:
			fragment, err := Compile(args, child.Filtering)
			if err != nil {
				return "", err
			}
			if fragment != "" {
				parts = append(parts, fragment)
			}
		}
	}
	if len(parts) == 0 {
		return "", nil
	}

	switch op {
	case model.LogicalAnd:
		return "(" + strings.Join(parts, " AND ") + ")", nil
	case model.LogicalOr:
		return "(" + strings.Join(parts, " OR ") + ")", nil
	case model.LogicalNot:
		return "NOT (" + strings.Join(parts, " AND ") + ")", nil
	default:
		return "", Errorf("unknown logical operator %q", op)
	}
}

func compileCondition(args *Args, c model.Condition) (string, error) {
	key := c.Field
	if canonical, ok := aliases[key]; ok {
		key = canonical
	}

	fieldName, subpath, _ := strings.Cut(key, ".")
	if c.Key != "" {
		if subpath != "" {
			subpath += "." + c.Key
		} else {
			subpath = c.Key
		}
	}

	col, ok := columns[fieldName]
	if !ok {
		return "", Errorf("unknown field %q", c.Field)
	}
	if subpath != "" && col.kind != kindJSONB {
		return "", Errorf("field %q is not indexable by key %q", fieldName, subpath)
	}

	switch category(c.Operator) {
	case categoryExistence:
		return compileExistence(args, col, subpath, c.Operator)
	case categoryComparison, categoryNumeric, categoryString, categoryList:
		expr, cast := valueExpr(args, col, subpath, c)
		return compileOperator(args, expr, cast, col, c)
	default:
		return "", Errorf("unknown operator %q", c.Operator)
	}
}

type operatorCategory int

const (
	categoryUnknown operatorCategory = iota
	categoryComparison
	categoryNumeric
	categoryString
	categoryList
	categoryExistence
)

func category(op model.ConditionOperator) operatorCategory {
	switch op {
	case model.OperatorIs, model.OperatorIsNot:
		return categoryComparison
	case model.OperatorEq, model.OperatorNeq, model.OperatorGt, model.OperatorLt,
		model.OperatorGte, model.OperatorLte, model.OperatorBetween:
		return categoryNumeric
	case model.OperatorStartsWith, model.OperatorEndsWith, model.OperatorContains,
		model.OperatorLike, model.OperatorMatches:
		return categoryString
	case model.OperatorIn:
		return categoryList
	case model.OperatorExists, model.OperatorNotExists:
		return categoryExistence
	default:
		return categoryUnknown
	}
}

// valueExpr builds the SQL expression a condition compares against, plus
// the cast inferred for JSON-extracted text ("" means text).
func valueExpr(args *Args, col column, subpath string, c model.Condition) (string, string) {
	if col.kind != kindJSONB || subpath == "" {
		return col.name, ""
	}
	path := strings.Split(subpath, ".")
	expr := fmt.Sprintf("%s #>> %s", col.name, args.Add(path))
	cast := castFor(subpath, c)
	if cast != "" {
		expr = "(" + expr + ")" + cast
	}
	return expr, cast
}

// castFor infers the extracted value's type from well-known key suffixes,
// falling back to the literal's own type for numeric/boolean comparisons.
func castFor(subpath string, c model.Condition) string {
	if category(c.Operator) == categoryString {
		return ""
	}
	last := subpath
	if idx := strings.LastIndex(subpath, "."); idx >= 0 {
		last = subpath[idx+1:]
	}
	switch last {
	case "id":
		return "::uuid"
	case "total", "count", "tokens", "cost", "costs", "duration", "latency",
		"score", "value", "size", "rate", "prompt", "completion":
		return "::float8"
	case "time", "timestamp":
		return "::timestamptz"
	}
	if strings.HasPrefix(subpath, "flags.") {
		return "::boolean"
	}
	switch c.Value.(type) {
	case float64, float32, int, int64:
		return "::float8"
	case bool:
		return "::boolean"
	}
	return ""
}

func compileExistence(args *Args, col column, subpath string, op model.ConditionOperator) (string, error) {
	var expr string
	if col.kind == kindJSONB && subpath != "" {
		expr = fmt.Sprintf("%s #> %s", col.name, args.Add(strings.Split(subpath, ".")))
	} else {
		expr = col.name
	}
	if op == model.OperatorExists {
		return "(" + expr + " IS NOT NULL)", nil
	}
	return "(" + expr + " IS NULL)", nil
}

func compileOperator(args *Args, expr, cast string, col column, c model.Condition) (string, error) {
	switch c.Operator {
	case model.OperatorIs, model.OperatorEq:
		value, err := coerceValue(c.Value, cast, col)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(%s = %s)", expr, args.Add(value)), nil

	case model.OperatorIsNot, model.OperatorNeq:
		value, err := coerceValue(c.Value, cast, col)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(%s <> %s)", expr, args.Add(value)), nil

	case model.OperatorGt, model.OperatorLt, model.OperatorGte, model.OperatorLte:
		value, err := coerceValue(c.Value, cast, col)
		if err != nil {
			return "", err
		}
		sym := map[model.ConditionOperator]string{
			model.OperatorGt:  ">",
			model.OperatorLt:  "<",
			model.OperatorGte: ">=",
			model.OperatorLte: "<=",
		}[c.Operator]
		return fmt.Sprintf("(%s %s %s)", expr, sym, args.Add(value)), nil

	case model.OperatorBetween:
		bounds, ok := c.Value.([]any)
		if !ok || len(bounds) != 2 {
			return "", Errorf("btwn requires a two-element [low, high] value")
		}
		low, err := coerceValue(bounds[0], cast, col)
		if err != nil {
			return "", err
		}
		high, err := coerceValue(bounds[1], cast, col)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(%s BETWEEN %s AND %s)", expr, args.Add(low), args.Add(high)), nil

	case model.OperatorStartsWith, model.OperatorEndsWith, model.OperatorContains,
		model.OperatorLike, model.OperatorMatches:
		return compileStringOperator(args, expr, c)

	case model.OperatorIn:
		return compileIn(args, expr, cast, col, c)

	default:
		return "", Errorf("unknown operator %q", c.Operator)
	}
}

func compileStringOperator(args *Args, expr string, c model.Condition) (string, error) {
	literal, ok := c.Value.(string)
	if !ok {
		return "", Errorf("operator %q requires a string value", c.Operator)
	}

	var pattern string
	switch c.Operator {
	case model.OperatorStartsWith:
		pattern = escapeLike(literal) + "%"
	case model.OperatorEndsWith:
		pattern = "%" + escapeLike(literal)
	case model.OperatorContains:
		pattern = "%" + escapeLike(literal) + "%"
	case model.OperatorLike:
		pattern = literal
	case model.OperatorMatches:
		if c.Options.Exact {
			pattern = escapeLike(literal)
		} else {
			pattern = "%" + escapeLike(literal) + "%"
		}
	}

	match := "ILIKE"
	if c.Options.CaseSensitive {
		match = "LIKE"
	}
	return fmt.Sprintf("(%s %s %s)", expr, match, args.Add(pattern)), nil
}

func compileIn(args *Args, expr, cast string, col column, c model.Condition) (string, error) {
	list, ok := c.Value.([]any)
	if !ok {
		return "", Errorf("in requires a list value")
	}
	if len(list) == 0 {
		// Empty membership matches nothing.
		return "(FALSE)", nil
	}

	// The bound array's element type must match the compared expression,
	// or Postgres rejects the = ANY with an operator-mismatch error.
	switch {
	case col.kind == kindUUID || cast == "::uuid":
		ids := make([]uuid.UUID, 0, len(list))
		for _, raw := range list {
			id, err := coerceUUID(raw)
			if err != nil {
				return "", err
			}
			ids = append(ids, id)
		}
		return fmt.Sprintf("(%s = ANY(%s))", expr, args.Add(ids)), nil

	case col.kind == kindTimestamp || cast == "::timestamptz":
		times := make([]time.Time, 0, len(list))
		for _, raw := range list {
			t, err := coerceTime(raw)
			if err != nil {
				return "", err
			}
			times = append(times, t)
		}
		return fmt.Sprintf("(%s = ANY(%s))", expr, args.Add(times)), nil

	case cast == "::float8":
		nums := make([]float64, 0, len(list))
		for _, raw := range list {
			f, err := coerceFloat(raw)
			if err != nil {
				return "", err
			}
			nums = append(nums, f)
		}
		return fmt.Sprintf("(%s = ANY(%s))", expr, args.Add(nums)), nil

	case cast == "::boolean":
		bools := make([]bool, 0, len(list))
		for _, raw := range list {
			b, ok := raw.(bool)
			if !ok {
				return "", Errorf("expected boolean literal, got %T", raw)
			}
			bools = append(bools, b)
		}
		return fmt.Sprintf("(%s = ANY(%s))", expr, args.Add(bools)), nil
	}

	values := make([]string, 0, len(list))
	for _, raw := range list {
		values = append(values, fmt.Sprint(normalizeEnum(raw, col)))
	}
	return fmt.Sprintf("(%s = ANY(%s))", expr, args.Add(values)), nil
}

// coerceValue converts a condition literal to the Go type pgx should bind
// for the target column or inferred cast.
func coerceValue(raw any, cast string, col column) (any, error) {
	switch col.kind {
	case kindUUID:
		return coerceUUID(raw)
	case kindTimestamp:
		return coerceTime(raw)
	case kindEnum:
		return normalizeEnum(raw, col), nil
	}

	switch cast {
	case "::uuid":
		return coerceUUID(raw)
	case "::timestamptz":
		return coerceTime(raw)
	case "::float8":
		return coerceFloat(raw)
	case "::boolean":
		b, ok := raw.(bool)
		if !ok {
			return nil, Errorf("expected boolean literal, got %T", raw)
		}
		return b, nil
	}

	if raw == nil {
		return nil, Errorf("null literal requires the exists/not_exists operator")
	}
	return fmt.Sprint(raw), nil
}

func coerceUUID(raw any) (uuid.UUID, error) {
	s, ok := raw.(string)
	if !ok {
		return uuid.Nil, Errorf("expected uuid literal, got %T", raw)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, Errorf("invalid uuid literal %q", s)
	}
	return id, nil
}

func coerceTime(raw any) (time.Time, error) {
	s, ok := raw.(string)
	if !ok {
		return time.Time{}, Errorf("expected ISO-8601 literal, got %T", raw)
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, Errorf("invalid ISO-8601 literal %q", s)
}

func coerceFloat(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, Errorf("invalid numeric literal %q", v)
		}
		return f, nil
	default:
		return 0, Errorf("expected numeric literal, got %T", raw)
	}
}

// normalizeEnum lowercases enum literals; the schema stores enum tags in
// lowercase regardless of how callers spell them.
func normalizeEnum(raw any, col column) any {
	if col.kind != kindEnum {
		return raw
	}
	if s, ok := raw.(string); ok {
		return strings.ToLower(s)
	}
	return raw
}

// escapeLike neutralizes LIKE metacharacters in a user literal.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
