package query

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/hatlonely/dbx/schema"
)

// Compile 把过滤表达式编译成谓词树。
// 裸值表示相等比较，$ 前缀的键是操作符或组合器。
// 键按字典序遍历，相同表达式总是得到相同的谓词树。
func Compile(model *schema.Model, filter map[string]any) (Predicate, error) {
	if len(filter) == 0 {
		return &And{}, nil
	}

	keys := make([]string, 0, len(filter))
	for key := range filter {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var preds []Predicate
	for _, key := range keys {
		value := filter[key]

		switch key {
		case "$and", "$or":
			items, ok := value.([]any)
			if !ok {
				return nil, errors.WithMessagef(ErrUnsupportedOperator, "%s requires an array of filters", key)
			}
			subPreds := make([]Predicate, 0, len(items))
			for _, item := range items {
				subFilter, ok := item.(map[string]any)
				if !ok {
					return nil, errors.WithMessagef(ErrUnsupportedOperator, "%s elements must be filters", key)
				}
				pred, err := Compile(model, subFilter)
				if err != nil {
					return nil, err
				}
				subPreds = append(subPreds, pred)
			}
			if key == "$and" {
				preds = append(preds, &And{Preds: subPreds})
			} else {
				preds = append(preds, &Or{Preds: subPreds})
			}

		case "$not":
			subFilter, ok := value.(map[string]any)
			if !ok {
				return nil, errors.WithMessage(ErrUnsupportedOperator, "$not requires a filter")
			}
			pred, err := Compile(model, subFilter)
			if err != nil {
				return nil, err
			}
			preds = append(preds, &Not{Pred: pred})

		default:
			if len(key) > 0 && key[0] == '$' {
				return nil, errors.WithMessagef(ErrUnsupportedOperator, "operator %q", key)
			}
			fieldPreds, err := compileField(model, key, value)
			if err != nil {
				return nil, err
			}
			preds = append(preds, fieldPreds...)
		}
	}

	if len(preds) == 1 {
		return preds[0], nil
	}
	return &And{Preds: preds}, nil
}

// compileField 编译单个字段条件。
// 值为操作符表时展开为多个比较，否则视为相等比较。
func compileField(model *schema.Model, field string, value any) ([]Predicate, error) {
	if _, ok := model.Field(field); !ok {
		return nil, errors.WithMessagef(ErrUnknownField, "model %s has no field %q", model.Name, field)
	}

	ops, ok := value.(map[string]any)
	if !ok {
		return []Predicate{&Comparison{Field: field, Op: OpEq, Value: value}}, nil
	}

	keys := make([]string, 0, len(ops))
	for key := range ops {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	preds := make([]Predicate, 0, len(keys))
	for _, key := range keys {
		op := Op(key)
		if _, ok := opSQL[op]; !ok {
			return nil, errors.WithMessagef(ErrUnsupportedOperator, "field %s: operator %q", field, key)
		}
		preds = append(preds, &Comparison{Field: field, Op: op, Value: ops[key]})
	}
	return preds, nil
}
