package node

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hatlonely/dbx/query"
	"github.com/hatlonely/dbx/schema"
	"github.com/hatlonely/dbx/tx"
)

// buildRecord 校验输入并补全托管字段，产出可插入的完整记录
func (n *Node) buildRecord(input *Input, source map[string]any, now time.Time) (map[string]any, error) {
	managed := managedFields(n.model)

	for key := range source {
		if managed[key] {
			return nil, errors.WithMessagef(ErrValidation, "field %q is managed", key)
		}
		if _, ok := n.model.Field(key); !ok {
			return nil, errors.WithMessagef(ErrValidation, "unknown field %q", key)
		}
	}

	record := make(map[string]any, len(n.model.Fields))
	for _, field := range n.model.Fields {
		if managed[field.Name] {
			continue
		}
		value, present := source[field.Name]
		switch {
		case present && value != nil:
			record[field.Name] = value
		case field.Default != nil:
			record[field.Name] = field.Default
		case field.Nullable:
			// 可空字段留给数据库写 NULL
		default:
			return nil, errors.WithMessagef(ErrValidation, "field %q is required", field.Name)
		}
	}

	switch n.model.IDKind {
	case schema.IDKindString:
		record[schema.FieldID] = n.generator.uid.NextString()
	default:
		record[schema.FieldID] = n.generator.uid.NextInt()
	}

	if n.model.TenantScoped() {
		if input.Tenant == "" {
			return nil, errors.WithMessagef(ErrValidation, "model %s requires a tenant", n.model.Name)
		}
		record[n.model.TenantField] = input.Tenant
	}

	record[schema.FieldCreatedAt] = now
	record[schema.FieldUpdatedAt] = now
	if n.model.Versioned {
		record[schema.FieldVersion] = int64(1)
	}

	return record, nil
}

// insertSQL 按字典序展开记录的列，保证相同记录总是渲染出相同语句
func (n *Node) insertSQL(record map[string]any) (string, []any) {
	keys := make([]string, 0, len(record))
	for key := range record {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	placeholders := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, key := range keys {
		placeholders[i] = "?"
		args[i] = record[key]
	}

	sqlStr := "INSERT INTO " + n.model.Table +
		" (" + strings.Join(keys, ", ") + ") VALUES (" + strings.Join(placeholders, ", ") + ")"
	return sqlStr, args
}

// newPlan 编译输入里的查询计划，编译失败归类为校验错误
func (n *Node) newPlan(options *query.PlanOptions) (*query.Plan, error) {
	plan, err := query.NewPlan(n.model, options)
	if err != nil {
		if errors.Is(err, query.ErrMissingTenant) {
			return nil, err
		}
		return nil, errors.WithMessage(ErrValidation, err.Error())
	}
	return plan, nil
}

// cachedSelect 经缓存执行查询计划，未命中时落到池
func (n *Node) cachedSelect(ctx context.Context, plan *query.Plan, input *Input,
	options *runOptions) ([]map[string]any, error) {

	sqlStr, args, err := plan.SelectSQL(n.scope(input))
	if err != nil {
		return nil, err
	}
	sqlStr, args = n.generator.pool.Dialect().FormatSQL(sqlStr, args)

	fingerprint, err := plan.Fingerprint()
	if err != nil {
		return nil, err
	}
	// 指纹只覆盖计划本身，作用域差异体现在键后缀上
	if input.IncludeDeleted {
		fingerprint += "|include_deleted"
	}

	acquire := n.generator.pool.Acquire
	if options.staleReads {
		acquire = n.generator.pool.AcquireRead
	}

	records, _, err := n.generator.cache.Rows(ctx, n.model.Name, input.Tenant, fingerprint,
		func(ctx context.Context) ([]map[string]any, error) {
			conn, err := acquire(ctx)
			if err != nil {
				return nil, err
			}
			defer conn.Release()

			rows, err := conn.Raw().QueryContext(ctx, sqlStr, args...)
			if err != nil {
				return nil, err
			}
			return scanRows(rows)
		})
	return records, err
}

func (n *Node) create(ctx context.Context, input *Input, options *runOptions) (*Result, error) {
	record, err := n.buildRecord(input, input.Record, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	sqlStr, args := n.insertSQL(record)
	err = n.generator.coordinator.Execute(ctx, func(t *tx.Tx) error {
		_, err := t.Exec(ctx, sqlStr, args...)
		return wrapExecError(n.generator.pool.Dialect(), n.model, err)
	})
	if err != nil {
		return nil, err
	}

	n.invalidate(input)
	return &Result{Record: record}, nil
}

func (n *Node) read(ctx context.Context, input *Input, options *runOptions) (*Result, error) {
	if input.ID == nil {
		return nil, errors.WithMessage(ErrValidation, "read requires an id")
	}

	plan, err := n.newPlan(&query.PlanOptions{
		Filter: map[string]any{schema.FieldID: input.ID},
		Limit:  1,
	})
	if err != nil {
		return nil, err
	}

	records, err := n.cachedSelect(ctx, plan, input, options)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.WithMessagef(ErrRecordNotFound, "%s id %v", n.model.Name, input.ID)
	}
	return &Result{Record: records[0]}, nil
}

func (n *Node) list(ctx context.Context, input *Input, options *runOptions) (*Result, error) {
	plan, err := n.newPlan(&query.PlanOptions{
		Filter:  input.Filter,
		Fields:  input.Fields,
		OrderBy: input.OrderBy,
		Limit:   input.Limit,
		Offset:  input.Offset,
	})
	if err != nil {
		return nil, err
	}

	records, err := n.cachedSelect(ctx, plan, input, options)
	if err != nil {
		return nil, err
	}
	return &Result{Records: records, Affected: int64(len(records))}, nil
}

// updateSet 校验赋值内容并附带更新时间
func (n *Node) updateSet(source map[string]any, now time.Time) (map[string]any, error) {
	if len(source) == 0 {
		return nil, errors.WithMessage(ErrValidation, "empty update set")
	}

	managed := managedFields(n.model)
	set := make(map[string]any, len(source)+2)
	for key, value := range source {
		if managed[key] {
			return nil, errors.WithMessagef(ErrValidation, "field %q is managed", key)
		}
		if _, ok := n.model.Field(key); !ok {
			return nil, errors.WithMessagef(ErrValidation, "unknown field %q", key)
		}
		set[key] = value
	}
	set[schema.FieldUpdatedAt] = now
	return set, nil
}

func (n *Node) update(ctx context.Context, input *Input, options *runOptions) (*Result, error) {
	set, err := n.updateSet(input.Record, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	filter := input.Filter
	if n.model.Versioned && input.Version != nil {
		filter = make(map[string]any, len(input.Filter)+1)
		for key, value := range input.Filter {
			filter[key] = value
		}
		filter[schema.FieldVersion] = *input.Version
		set[schema.FieldVersion] = *input.Version + 1
	}

	plan, err := n.newPlan(&query.PlanOptions{Filter: filter})
	if err != nil {
		return nil, err
	}
	sqlStr, args, err := plan.UpdateSQL(n.scope(input), set)
	if err != nil {
		return nil, err
	}

	var affected int64
	err = n.generator.coordinator.Execute(ctx, func(t *tx.Tx) error {
		result, err := t.Exec(ctx, sqlStr, args...)
		if err != nil {
			return wrapExecError(n.generator.pool.Dialect(), n.model, err)
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return nil, err
	}

	// 带版本谓词却没有命中任何行，说明期望版本已经被别人推进
	if affected == 0 && n.model.Versioned && input.Version != nil {
		return nil, errors.WithMessagef(ErrVersionConflict,
			"%s expected version %d", n.model.Name, *input.Version)
	}

	n.invalidate(input)
	return &Result{Affected: affected}, nil
}

func (n *Node) delete(ctx context.Context, input *Input, options *runOptions) (*Result, error) {
	plan, err := n.newPlan(&query.PlanOptions{Filter: input.Filter})
	if err != nil {
		return nil, err
	}

	var sqlStr string
	var args []any
	if n.model.SoftDelete {
		now := time.Now().UTC()
		sqlStr, args, err = plan.UpdateSQL(n.scope(input), map[string]any{
			schema.FieldDeletedAt: now,
			schema.FieldUpdatedAt: now,
		})
	} else {
		sqlStr, args, err = plan.DeleteSQL(n.scope(input))
	}
	if err != nil {
		return nil, err
	}

	var affected int64
	err = n.generator.coordinator.Execute(ctx, func(t *tx.Tx) error {
		result, err := t.Exec(ctx, sqlStr, args...)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return nil, err
	}

	n.invalidate(input)
	return &Result{Affected: affected}, nil
}

// bulkCreate 在一个事务里插入全部记录，任一记录失败整体回滚
func (n *Node) bulkCreate(ctx context.Context, input *Input, options *runOptions) (*Result, error) {
	if len(input.Records) == 0 {
		return nil, errors.WithMessage(ErrValidation, "bulk create requires records")
	}

	now := time.Now().UTC()
	records := make([]map[string]any, 0, len(input.Records))
	for i, source := range input.Records {
		record, err := n.buildRecord(input, source, now)
		if err != nil {
			return nil, errors.WithMessagef(err, "record %d", i)
		}
		records = append(records, record)
	}

	err := n.generator.coordinator.Execute(ctx, func(t *tx.Tx) error {
		for i, record := range records {
			sqlStr, args := n.insertSQL(record)
			if _, err := t.Exec(ctx, sqlStr, args...); err != nil {
				return errors.WithMessagef(
					wrapExecError(n.generator.pool.Dialect(), n.model, err), "record %d", i)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	n.invalidate(input)
	return &Result{Records: records, Affected: int64(len(records))}, nil
}

// bulkUpdate 按主键批量更新，每条记录必须携带 id
func (n *Node) bulkUpdate(ctx context.Context, input *Input, options *runOptions) (*Result, error) {
	if len(input.Records) == 0 {
		return nil, errors.WithMessage(ErrValidation, "bulk update requires records")
	}

	now := time.Now().UTC()
	type statement struct {
		sqlStr string
		args   []any
	}
	statements := make([]statement, 0, len(input.Records))

	for i, source := range input.Records {
		id, ok := source[schema.FieldID]
		if !ok || id == nil {
			return nil, errors.WithMessagef(ErrValidation, "record %d: missing id", i)
		}

		values := make(map[string]any, len(source))
		for key, value := range source {
			if key == schema.FieldID {
				continue
			}
			values[key] = value
		}
		set, err := n.updateSet(values, now)
		if err != nil {
			return nil, errors.WithMessagef(err, "record %d", i)
		}

		plan, err := n.newPlan(&query.PlanOptions{
			Filter: map[string]any{schema.FieldID: id},
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "record %d", i)
		}
		sqlStr, args, err := plan.UpdateSQL(n.scope(input), set)
		if err != nil {
			return nil, errors.WithMessagef(err, "record %d", i)
		}
		statements = append(statements, statement{sqlStr: sqlStr, args: args})
	}

	var affected int64
	err := n.generator.coordinator.Execute(ctx, func(t *tx.Tx) error {
		for i, stmt := range statements {
			result, err := t.Exec(ctx, stmt.sqlStr, stmt.args...)
			if err != nil {
				return errors.WithMessagef(
					wrapExecError(n.generator.pool.Dialect(), n.model, err), "record %d", i)
			}
			count, err := result.RowsAffected()
			if err != nil {
				return err
			}
			affected += count
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	n.invalidate(input)
	return &Result{Affected: affected}, nil
}

// bulkDelete 按主键集合批量删除
func (n *Node) bulkDelete(ctx context.Context, input *Input, options *runOptions) (*Result, error) {
	if len(input.IDs) == 0 {
		return nil, errors.WithMessage(ErrValidation, "bulk delete requires ids")
	}

	scoped := *input
	scoped.Filter = map[string]any{
		schema.FieldID: map[string]any{"$in": input.IDs},
	}
	return n.delete(ctx, &scoped, options)
}
