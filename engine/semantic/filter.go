package semantic

import (
	"fmt"
	"time"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/constructiq/permit-search/engine/domain"
)

type payloadIndex struct {
	name      string
	fieldType pb.FieldType
}

var fieldTypes = map[domain.FieldKind]pb.FieldType{
	domain.KindKeyword:  pb.FieldType_FieldTypeKeyword,
	domain.KindInteger:  pb.FieldType_FieldTypeInteger,
	domain.KindFloat:    pb.FieldType_FieldTypeFloat,
	domain.KindBool:     pb.FieldType_FieldTypeBool,
	domain.KindDatetime: pb.FieldType_FieldTypeDatetime,
}

func payloadIndexes() []payloadIndex {
	var out []payloadIndex
	for _, f := range domain.MetadataFields {
		if f.Filterable {
			out = append(out, payloadIndex{name: f.Name, fieldType: fieldTypes[f.Kind]})
		}
	}
	return out
}

// BuildFilter translates a parsed request filter into a Qdrant filter.
// An empty filter yields nil.
func BuildFilter(f domain.Filter) (*pb.Filter, error) {
	if len(f) == 0 {
		return nil, nil
	}
	out := &pb.Filter{}
	for _, c := range f {
		cond, negate, err := fieldCondition(c)
		if err != nil {
			return nil, err
		}
		if negate {
			out.MustNot = append(out.MustNot, cond)
		} else {
			out.Must = append(out.Must, cond)
		}
	}
	return out, nil
}

func field(fc *pb.FieldCondition) *pb.Condition {
	return &pb.Condition{ConditionOneOf: &pb.Condition_Field{Field: fc}}
}

// fieldCondition returns the Qdrant condition for c and whether it belongs
// in must_not.
func fieldCondition(c domain.Condition) (*pb.Condition, bool, error) {
	fc := &pb.FieldCondition{Key: c.Field}
	negate := c.Op == domain.OpNe

	switch c.Kind {
	case domain.KindKeyword:
		switch c.Op {
		case domain.OpEq, domain.OpNe:
			s, _ := c.Value().(string)
			fc.Match = &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: s}}
		case domain.OpIn:
			fc.Match = &pb.Match{MatchValue: &pb.Match_Keywords{Keywords: &pb.RepeatedStrings{Strings: keywordValues(c.Values)}}}
		case domain.OpNin:
			fc.Match = &pb.Match{MatchValue: &pb.Match_ExceptKeywords{ExceptKeywords: &pb.RepeatedStrings{Strings: keywordValues(c.Values)}}}
		default:
			return nil, false, unsupported(c)
		}

	case domain.KindInteger:
		switch c.Op {
		case domain.OpEq, domain.OpNe:
			n, _ := c.Value().(int64)
			fc.Match = &pb.Match{MatchValue: &pb.Match_Integer{Integer: n}}
		case domain.OpIn:
			fc.Match = &pb.Match{MatchValue: &pb.Match_Integers{Integers: &pb.RepeatedIntegers{Integers: integerValues(c.Values)}}}
		case domain.OpNin:
			fc.Match = &pb.Match{MatchValue: &pb.Match_ExceptIntegers{ExceptIntegers: &pb.RepeatedIntegers{Integers: integerValues(c.Values)}}}
		default:
			n, _ := c.Value().(int64)
			fc.Range = numericRange(c.Op, float64(n))
		}

	case domain.KindFloat:
		x, _ := c.Value().(float64)
		if c.Op == domain.OpEq || c.Op == domain.OpNe {
			fc.Range = &pb.Range{Gte: &x, Lte: &x}
		} else {
			fc.Range = numericRange(c.Op, x)
		}

	case domain.KindBool:
		if c.Op != domain.OpEq && c.Op != domain.OpNe {
			return nil, false, unsupported(c)
		}
		b, _ := c.Value().(bool)
		fc.Match = &pb.Match{MatchValue: &pb.Match_Boolean{Boolean: b}}

	case domain.KindDatetime:
		t, ok := c.TimeValue()
		if !ok {
			return nil, false, unsupported(c)
		}
		fc.DatetimeRange = datetimeRange(c.Op, t)
		if fc.DatetimeRange == nil {
			return nil, false, unsupported(c)
		}

	default:
		return nil, false, unsupported(c)
	}
	return field(fc), negate, nil
}

func numericRange(op domain.Op, x float64) *pb.Range {
	r := &pb.Range{}
	switch op {
	case domain.OpGt:
		r.Gt = &x
	case domain.OpGte:
		r.Gte = &x
	case domain.OpLt:
		r.Lt = &x
	case domain.OpLte:
		r.Lte = &x
	}
	return r
}

func datetimeRange(op domain.Op, t time.Time) *pb.DatetimeRange {
	ts := timestamppb.New(t)
	switch op {
	case domain.OpEq:
		return &pb.DatetimeRange{Gte: ts, Lte: ts}
	case domain.OpGt:
		return &pb.DatetimeRange{Gt: ts}
	case domain.OpGte:
		return &pb.DatetimeRange{Gte: ts}
	case domain.OpLt:
		return &pb.DatetimeRange{Lt: ts}
	case domain.OpLte:
		return &pb.DatetimeRange{Lte: ts}
	}
	return nil
}

func keywordValues(vals []any) []string {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func integerValues(vals []any) []int64 {
	out := make([]int64, 0, len(vals))
	for _, v := range vals {
		if n, ok := v.(int64); ok {
			out = append(out, n)
		}
	}
	return out
}

func unsupported(c domain.Condition) error {
	return fmt.Errorf("semantic: %s does not support %s on %s", c.Field, c.Op, c.Kind)
}
