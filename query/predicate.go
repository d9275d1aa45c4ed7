package query

import (
	"reflect"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrUnknownField        = errors.New("unknown field")
	ErrUnsupportedOperator = errors.New("unsupported operator")
)

// Op 比较操作符，与过滤表达式中的拼写一致
type Op string

const (
	OpEq   Op = "$eq"
	OpNe   Op = "$ne"
	OpGt   Op = "$gt"
	OpGte  Op = "$gte"
	OpLt   Op = "$lt"
	OpLte  Op = "$lte"
	OpIn   Op = "$in"
	OpLike Op = "$like"
)

var opSQL = map[Op]string{
	OpEq:   "=",
	OpNe:   "!=",
	OpGt:   ">",
	OpGte:  ">=",
	OpLt:   "<",
	OpLte:  "<=",
	OpIn:   "IN",
	OpLike: "LIKE",
}

// Predicate 谓词节点，渲染为带 ? 占位符的条件片段
type Predicate interface {
	ToSQL() (string, []any, error)
	// fingerprint 返回可序列化的规范形式，用于计划指纹
	fingerprint() any
}

// Comparison 单字段比较
type Comparison struct {
	Field string
	Op    Op
	Value any
}

func (p *Comparison) ToSQL() (string, []any, error) {
	switch p.Op {
	case OpEq:
		if p.Value == nil {
			return p.Field + " IS NULL", nil, nil
		}
	case OpNe:
		if p.Value == nil {
			return p.Field + " IS NOT NULL", nil, nil
		}
	case OpIn:
		rv := reflect.ValueOf(p.Value)
		if p.Value == nil || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
			return "", nil, errors.WithMessagef(ErrUnsupportedOperator, "field %s: $in requires an array", p.Field)
		}
		// 空集合不匹配任何行
		if rv.Len() == 0 {
			return "1=0", nil, nil
		}
		placeholders := make([]string, rv.Len())
		args := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			placeholders[i] = "?"
			args[i] = rv.Index(i).Interface()
		}
		return p.Field + " IN (" + strings.Join(placeholders, ", ") + ")", args, nil
	}

	op, ok := opSQL[p.Op]
	if !ok {
		return "", nil, errors.WithMessagef(ErrUnsupportedOperator, "operator %q", p.Op)
	}
	return p.Field + " " + op + " ?", []any{p.Value}, nil
}

func (p *Comparison) fingerprint() any {
	return []any{"cmp", p.Field, string(p.Op), p.Value}
}

// And 合取
type And struct {
	Preds []Predicate
}

func (p *And) ToSQL() (string, []any, error) {
	return joinPreds(p.Preds, " AND ")
}

func (p *And) fingerprint() any {
	return []any{"and", fingerprints(p.Preds)}
}

// Or 析取
type Or struct {
	Preds []Predicate
}

func (p *Or) ToSQL() (string, []any, error) {
	return joinPreds(p.Preds, " OR ")
}

func (p *Or) fingerprint() any {
	return []any{"or", fingerprints(p.Preds)}
}

// Not 取反
type Not struct {
	Pred Predicate
}

func (p *Not) ToSQL() (string, []any, error) {
	sqlStr, args, err := p.Pred.ToSQL()
	if err != nil {
		return "", nil, err
	}
	return "NOT (" + sqlStr + ")", args, nil
}

func (p *Not) fingerprint() any {
	return []any{"not", p.Pred.fingerprint()}
}

func joinPreds(preds []Predicate, sep string) (string, []any, error) {
	if len(preds) == 0 {
		return "1=1", nil, nil
	}
	if len(preds) == 1 {
		return preds[0].ToSQL()
	}

	conditions := make([]string, 0, len(preds))
	var args []any
	for _, pred := range preds {
		sqlStr, predArgs, err := pred.ToSQL()
		if err != nil {
			return "", nil, err
		}
		conditions = append(conditions, "("+sqlStr+")")
		args = append(args, predArgs...)
	}
	return strings.Join(conditions, sep), args, nil
}

func fingerprints(preds []Predicate) []any {
	result := make([]any, len(preds))
	for i, pred := range preds {
		result[i] = pred.fingerprint()
	}
	return result
}
