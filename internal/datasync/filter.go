package datasync

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/loanwatch/internal/domain"
)

// ErrInvalidFilter is returned for filters that cannot be compiled.
var ErrInvalidFilter = errors.New("invalid filter")

// predicate is one compiled custom filter.
type predicate struct {
	field    string
	operator string
	value    any
	expr     string
	program  cel.Program
}

// filterSet is the compiled filter stage of a job.
type filterSet struct {
	statuses   map[string]bool
	categories map[string]bool
	custom     []predicate
}

// compileFilters validates operators and compiles CEL expressions once per job.
func compileFilters(f domain.SyncFilters) (*filterSet, error) {
	fs := &filterSet{
		statuses:   splitSet(f.Status),
		categories: splitSet(f.Category),
	}

	var env *cel.Env
	for i, p := range f.Custom {
		if p.Expression != "" {
			if env == nil {
				var err error
				env, err = cel.NewEnv(cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)))
				if err != nil {
					return nil, fmt.Errorf("failed to create CEL environment: %w", err)
				}
			}
			ast, iss := env.Compile(p.Expression)
			if iss.Err() != nil {
				return nil, fmt.Errorf("%w %d: %v", ErrInvalidFilter, i, iss.Err())
			}
			prg, err := env.Program(ast)
			if err != nil {
				return nil, fmt.Errorf("%w %d: %v", ErrInvalidFilter, i, err)
			}
			fs.custom = append(fs.custom, predicate{expr: p.Expression, program: prg})
			continue
		}

		switch p.Operator {
		case domain.OpEquals, domain.OpNotEquals, domain.OpGreaterThan,
			domain.OpLessThan, domain.OpContains, domain.OpIn:
		default:
			return nil, fmt.Errorf("%w %d: unsupported operator %q", ErrInvalidFilter, i, p.Operator)
		}
		if p.Field == "" {
			return nil, fmt.Errorf("%w %d: field is required", ErrInvalidFilter, i)
		}
		fs.custom = append(fs.custom, predicate{field: p.Field, operator: p.Operator, value: p.Value})
	}
	return fs, nil
}

// splitSet reads a comma-separated list. An empty string matches everything.
func splitSet(s string) map[string]bool {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	set := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			set[part] = true
		}
	}
	return set
}

// Apply returns the records that pass every filter, in source order.
func (fs *filterSet) Apply(records []domain.Record) []domain.Record {
	if fs.empty() {
		return records
	}
	out := make([]domain.Record, 0, len(records))
	for _, rec := range records {
		if fs.match(rec) {
			out = append(out, rec)
		}
	}
	return out
}

func (fs *filterSet) empty() bool {
	return fs.statuses == nil && fs.categories == nil && len(fs.custom) == 0
}

// match lets records without a status or category through those filters.
func (fs *filterSet) match(rec domain.Record) bool {
	if fs.statuses != nil {
		if status := rec.String("status", "state"); status != "" && !fs.statuses[status] {
			return false
		}
	}
	if fs.categories != nil {
		if category := rec.String("category", "type"); category != "" && !fs.categories[category] {
			return false
		}
	}
	for _, p := range fs.custom {
		if !p.match(rec) {
			return false
		}
	}
	return true
}

func (p predicate) match(rec domain.Record) bool {
	if p.program != nil {
		out, _, err := p.program.Eval(map[string]any{"record": map[string]any(rec)})
		if err != nil {
			slog.Debug("filter expression failed, excluding record", "expression", p.expr, "error", err)
			return false
		}
		b, ok := out.(types.Bool)
		return ok && bool(b)
	}

	v, present := rec[p.field]
	switch p.operator {
	case domain.OpEquals:
		return present && valuesEqual(v, p.value)
	case domain.OpNotEquals:
		return !present || !valuesEqual(v, p.value)
	case domain.OpGreaterThan:
		return present && compare(v, p.value) > 0
	case domain.OpLessThan:
		return present && compare(v, p.value) < 0
	case domain.OpContains:
		return present && v != nil && strings.Contains(fmt.Sprint(v), fmt.Sprint(p.value))
	case domain.OpIn:
		if !present {
			return false
		}
		for _, candidate := range list(p.value) {
			if valuesEqual(v, candidate) {
				return true
			}
		}
		return false
	}
	return false
}

// list accepts any slice, or a comma-separated string.
func list(v any) []any {
	if s, ok := v.(string); ok {
		var out []any
		for _, part := range strings.Split(s, ",") {
			out = append(out, strings.TrimSpace(part))
		}
		return out
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil
	}
	out := make([]any, rv.Len())
	for i := range rv.Len() {
		out[i] = rv.Index(i).Interface()
	}
	return out
}
