package query

import (
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"

	"github.com/hatlonely/dbx/schema"
)

var ErrMissingTenant = errors.New("missing tenant")

// Order 排序项
type Order struct {
	Field string
	Desc  bool
}

// PlanOptions 查询计划参数
type PlanOptions struct {
	// 过滤表达式
	Filter map[string]any
	// 投影字段，为空时选取全部字段
	Fields []string
	// 排序，为空时按主键升序
	OrderBy []Order
	Limit   int
	Offset  int
}

// Plan 编译后的查询计划。编译一次可多次渲染，构建后不可变。
type Plan struct {
	model   *schema.Model
	pred    Predicate
	fields  []string
	orderBy []Order
	limit   int
	offset  int
}

// Scope 渲染期注入的访问范围。
// 租户谓词和软删除谓词在渲染时追加，过滤表达式无法移除它们。
type Scope struct {
	Tenant string
	// 软删除模型默认过滤已删除行，置真后包含
	IncludeDeleted bool
}

// NewPlan 编译查询计划，校验过滤、投影和排序字段
func NewPlan(model *schema.Model, options *PlanOptions) (*Plan, error) {
	if options == nil {
		options = &PlanOptions{}
	}

	pred, err := Compile(model, options.Filter)
	if err != nil {
		return nil, err
	}

	for _, field := range options.Fields {
		if _, ok := model.Field(field); !ok {
			return nil, errors.WithMessagef(ErrUnknownField, "projection field %q", field)
		}
	}
	for _, order := range options.OrderBy {
		if _, ok := model.Field(order.Field); !ok {
			return nil, errors.WithMessagef(ErrUnknownField, "order field %q", order.Field)
		}
	}

	return &Plan{
		model:   model,
		pred:    pred,
		fields:  append([]string(nil), options.Fields...),
		orderBy: append([]Order(nil), options.OrderBy...),
		limit:   options.Limit,
		offset:  options.Offset,
	}, nil
}

func (p *Plan) Model() *schema.Model {
	return p.model
}

// whereClause 渲染 WHERE 子句，追加租户和软删除谓词
func (p *Plan) whereClause(scope Scope) (string, []any, error) {
	predSQL, args, err := p.pred.ToSQL()
	if err != nil {
		return "", nil, err
	}

	var conditions []string
	if predSQL != "1=1" {
		conditions = append(conditions, "("+predSQL+")")
	}

	if p.model.TenantScoped() {
		if scope.Tenant == "" {
			return "", nil, errors.WithMessagef(ErrMissingTenant, "model %s is tenant scoped", p.model.Name)
		}
		conditions = append(conditions, p.model.TenantField+" = ?")
		args = append(args, scope.Tenant)
	}

	if p.model.SoftDelete && !scope.IncludeDeleted {
		conditions = append(conditions, schema.FieldDeletedAt+" IS NULL")
	}

	if len(conditions) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args, nil
}

func (p *Plan) orderClause() string {
	orders := p.orderBy
	if len(orders) == 0 {
		orders = []Order{{Field: schema.FieldID}}
	}

	parts := make([]string, len(orders))
	for i, order := range orders {
		direction := "ASC"
		if order.Desc {
			direction = "DESC"
		}
		parts[i] = order.Field + " " + direction
	}
	return " ORDER BY " + strings.Join(parts, ", ")
}

func (p *Plan) limitClause() string {
	var sb strings.Builder
	if p.limit > 0 {
		sb.WriteString(" LIMIT ")
		sb.WriteString(strconv.Itoa(p.limit))
	}
	if p.offset > 0 {
		sb.WriteString(" OFFSET ")
		sb.WriteString(strconv.Itoa(p.offset))
	}
	return sb.String()
}

// SelectSQL 渲染查询语句
func (p *Plan) SelectSQL(scope Scope) (string, []any, error) {
	where, args, err := p.whereClause(scope)
	if err != nil {
		return "", nil, err
	}

	columns := p.fields
	if len(columns) == 0 {
		columns = p.model.FieldNames()
	}

	sqlStr := "SELECT " + strings.Join(columns, ", ") + " FROM " + p.model.Table +
		where + p.orderClause() + p.limitClause()
	return sqlStr, args, nil
}

// CountSQL 渲染计数语句，忽略排序和分页
func (p *Plan) CountSQL(scope Scope) (string, []any, error) {
	where, args, err := p.whereClause(scope)
	if err != nil {
		return "", nil, err
	}
	return "SELECT COUNT(*) FROM " + p.model.Table + where, args, nil
}

// UpdateSQL 渲染更新语句，set 的键按字典序展开
func (p *Plan) UpdateSQL(scope Scope, set map[string]any) (string, []any, error) {
	if len(set) == 0 {
		return "", nil, errors.WithMessage(ErrUnknownField, "empty update set")
	}

	keys := make([]string, 0, len(set))
	for key := range set {
		if _, ok := p.model.Field(key); !ok {
			return "", nil, errors.WithMessagef(ErrUnknownField, "update field %q", key)
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	assignments := make([]string, len(keys))
	args := make([]any, 0, len(keys))
	for i, key := range keys {
		assignments[i] = key + " = ?"
		args = append(args, set[key])
	}

	where, whereArgs, err := p.whereClause(scope)
	if err != nil {
		return "", nil, err
	}
	args = append(args, whereArgs...)

	return "UPDATE " + p.model.Table + " SET " + strings.Join(assignments, ", ") + where, args, nil
}

// DeleteSQL 渲染物理删除语句。软删除模型的删除由上层改写为更新。
func (p *Plan) DeleteSQL(scope Scope) (string, []any, error) {
	where, args, err := p.whereClause(scope)
	if err != nil {
		return "", nil, err
	}
	return "DELETE FROM " + p.model.Table + where, args, nil
}

// Fingerprint 计划的稳定指纹，作为缓存键的一部分。
// 相同模型和相同表达式的计划指纹一致。
func (p *Plan) Fingerprint() (string, error) {
	buf, err := msgpack.Marshal([]any{
		p.model.Name,
		p.pred.fingerprint(),
		p.fields,
		orderFingerprint(p.orderBy),
		p.limit,
		p.offset,
	})
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(buf)
	return hex.EncodeToString(sum[:]), nil
}

func orderFingerprint(orders []Order) []any {
	result := make([]any, len(orders))
	for i, order := range orders {
		result[i] = []any{order.Field, order.Desc}
	}
	return result
}
