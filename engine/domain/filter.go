package domain

import (
	"fmt"
	"sort"
	"time"
)

// Op is a filter comparison operator.
type Op string

const (
	OpEq  Op = "$eq"
	OpNe  Op = "$ne"
	OpGt  Op = "$gt"
	OpGte Op = "$gte"
	OpLt  Op = "$lt"
	OpLte Op = "$lte"
	OpIn  Op = "$in"
	OpNin Op = "$nin"
)

// IsRange reports whether op is an ordering comparison.
func (o Op) IsRange() bool {
	return o == OpGt || o == OpGte || o == OpLt || o == OpLte
}

var allowedOps = map[FieldKind]map[Op]bool{
	KindKeyword:  {OpEq: true, OpNe: true, OpIn: true, OpNin: true},
	KindInteger:  {OpEq: true, OpNe: true, OpIn: true, OpNin: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true},
	KindFloat:    {OpEq: true, OpNe: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true},
	KindBool:     {OpEq: true, OpNe: true},
	KindDatetime: {OpEq: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true},
}

// Condition is one typed predicate over a metadata field. Values holds a
// single element except for $in and $nin.
type Condition struct {
	Field  string
	Kind   FieldKind
	Op     Op
	Values []any
}

// Value returns the single operand of a non-set condition.
func (c Condition) Value() any {
	if len(c.Values) == 0 {
		return nil
	}
	return c.Values[0]
}

// Filter is a conjunction of conditions, ordered by field then operator.
type Filter []Condition

// ParseFilter validates a request filter object. Each entry maps a catalog
// field to a literal (equality) or to an object of operators.
func ParseFilter(raw map[string]any) (Filter, error) {
	var out Filter
	for name, v := range raw {
		if v == nil {
			continue
		}
		spec, ok := LookupField(name)
		if !ok {
			return nil, NewValidationError(name, fmt.Sprint(v), ErrUnknownField)
		}
		if !spec.Filterable {
			return nil, NewValidationError(name, fmt.Sprint(v), ErrFieldNotFilter)
		}
		ops, isObj := v.(map[string]any)
		if !isObj {
			ops = map[string]any{string(OpEq): v}
		}
		if len(ops) == 0 {
			return nil, NewValidationError(name, "{}", ErrFilterOperator)
		}
		for opName, operand := range ops {
			c, err := parseCondition(spec, Op(opName), operand)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Field != out[j].Field {
			return out[i].Field < out[j].Field
		}
		return out[i].Op < out[j].Op
	})
	return out, nil
}

func parseCondition(spec FieldSpec, op Op, operand any) (Condition, error) {
	if !allowedOps[spec.Kind][op] {
		return Condition{}, NewValidationError(spec.Name, string(op), ErrFilterOperator)
	}
	c := Condition{Field: spec.Name, Kind: spec.Kind, Op: op}
	if op == OpIn || op == OpNin {
		list, ok := operand.([]any)
		if !ok || len(list) == 0 {
			return Condition{}, NewValidationError(spec.Name, fmt.Sprint(operand), ErrFilterValue)
		}
		for _, item := range list {
			cv, err := CoerceValue(spec.Kind, item)
			if err != nil {
				return Condition{}, NewValidationError(spec.Name, fmt.Sprint(item), err)
			}
			c.Values = append(c.Values, cv)
		}
		return c, nil
	}
	cv, err := CoerceValue(spec.Kind, operand)
	if err != nil {
		return Condition{}, NewValidationError(spec.Name, fmt.Sprint(operand), err)
	}
	c.Values = []any{cv}
	return c, nil
}

// TimeValue returns the operand as a time for datetime conditions.
func (c Condition) TimeValue() (time.Time, bool) {
	t, ok := c.Value().(time.Time)
	return t, ok
}
