package node

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hatlonely/dbx/cache"
	"github.com/hatlonely/dbx/log"
	"github.com/hatlonely/dbx/log/logger"
	"github.com/hatlonely/dbx/pool"
	"github.com/hatlonely/dbx/query"
	"github.com/hatlonely/dbx/schema"
	"github.com/hatlonely/dbx/tx"
	"github.com/hatlonely/dbx/uid"
)

// Generator 按模型生成操作集，是编排器消费的唯一入口。
// 读操作走翻译器、缓存和读池，写操作走事务协调器和写池，
// 成功的写操作使对应模型和租户的缓存代数失效。
type Generator struct {
	pool        *pool.Pool
	coordinator *tx.Coordinator
	cache       *cache.Cache
	uid         uid.Generator
	logger      logger.Logger
	tracer      trace.Tracer
}

func NewGenerator(p *pool.Pool, coordinator *tx.Coordinator, c *cache.Cache, generator uid.Generator) *Generator {
	return &Generator{
		pool:        p,
		coordinator: coordinator,
		cache:       c,
		uid:         generator,
		logger:      log.Default().WithGroup("node"),
		tracer:      otel.Tracer("github.com/hatlonely/dbx/node"),
	}
}

// Input 操作输入。不同操作读取不同的字段，详见各操作的 OperationSpec。
type Input struct {
	// 租户标识，租户模型的所有操作都必须携带
	Tenant string

	// Create 的记录内容，Update 的赋值内容
	Record map[string]any

	// BulkCreate / BulkUpdate 的记录列表
	Records []map[string]any

	// Read 的主键
	ID any

	// BulkDelete 的主键列表
	IDs []any

	// Update / Delete / List 的过滤表达式
	Filter map[string]any

	// List 的投影、排序和分页
	Fields  []string
	OrderBy []query.Order
	Limit   int
	Offset  int

	// 乐观锁期望版本，携带时更新带版本谓词
	Version *int64

	// 包含软删除的行
	IncludeDeleted bool
}

// Result 操作输出
type Result struct {
	Record   map[string]any
	Records  []map[string]any
	Affected int64
}

type runOptions struct {
	staleReads bool
}

// RunOption 单次执行选项
type RunOption func(*runOptions)

// WithStaleReads 允许读副本，调用方自行承担复制延迟窗口
func WithStaleReads() RunOption {
	return func(options *runOptions) {
		options.staleReads = true
	}
}

// Operation 一个可执行的操作单元
type Operation struct {
	Spec OperationSpec
	node *Node
	run  func(ctx context.Context, input *Input, options *runOptions) (*Result, error)
}

// Run 执行操作
func (op *Operation) Run(ctx context.Context, input *Input, opts ...RunOption) (*Result, error) {
	options := &runOptions{}
	for _, opt := range opts {
		opt(options)
	}
	if input == nil {
		input = &Input{}
	}

	ctx, span := op.node.generator.tracer.Start(ctx, op.Spec.Name,
		trace.WithAttributes(
			attribute.String("dbx.model", op.node.model.Name),
			attribute.String("dbx.op", string(op.Spec.Kind)),
			attribute.String("dbx.tenant", input.Tenant),
		))
	defer span.End()

	start := time.Now()
	result, err := op.run(ctx, input, options)
	operationDuration.WithLabelValues(op.node.model.Name, string(op.Spec.Kind)).Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		operationsTotal.WithLabelValues(op.node.model.Name, string(op.Spec.Kind), "error").Inc()
		return nil, err
	}
	operationsTotal.WithLabelValues(op.node.model.Name, string(op.Spec.Kind), "ok").Inc()
	return result, nil
}

// Node 一个模型的操作集
type Node struct {
	model     *schema.Model
	generator *Generator
	ops       map[Kind]*Operation
}

// Node 为模型生成操作集
func (g *Generator) Node(model *schema.Model) *Node {
	n := &Node{
		model:     model,
		generator: g,
		ops:       map[Kind]*Operation{},
	}

	runs := map[Kind]func(ctx context.Context, input *Input, options *runOptions) (*Result, error){
		KindCreate:     n.create,
		KindRead:       n.read,
		KindList:       n.list,
		KindUpdate:     n.update,
		KindDelete:     n.delete,
		KindBulkCreate: n.bulkCreate,
		KindBulkUpdate: n.bulkUpdate,
		KindBulkDelete: n.bulkDelete,
	}
	for kind, run := range runs {
		n.ops[kind] = &Operation{
			Spec: buildSpec(model, kind),
			node: n,
			run:  run,
		}
	}
	return n
}

func (n *Node) Model() *schema.Model {
	return n.model
}

// Operation 按类型取操作
func (n *Node) Operation(kind Kind) (*Operation, bool) {
	op, ok := n.ops[kind]
	return op, ok
}

// Operations 所有操作的契约声明
func (n *Node) Operations() []OperationSpec {
	specs := make([]OperationSpec, 0, len(n.ops))
	for _, kind := range []Kind{
		KindCreate, KindRead, KindUpdate, KindDelete,
		KindList, KindBulkCreate, KindBulkUpdate, KindBulkDelete,
	} {
		specs = append(specs, n.ops[kind].Spec)
	}
	return specs
}

// scope 构造查询作用域，租户模型缺租户由渲染层报错
func (n *Node) scope(input *Input) query.Scope {
	return query.Scope{
		Tenant:         input.Tenant,
		IncludeDeleted: input.IncludeDeleted,
	}
}

// invalidate 写操作成功后使缓存失效
func (n *Node) invalidate(input *Input) {
	n.generator.cache.Invalidate(n.model.Name, input.Tenant)
}

// Count 按过滤表达式计数，不经过缓存
func (n *Node) Count(ctx context.Context, input *Input) (int64, error) {
	plan, err := query.NewPlan(n.model, &query.PlanOptions{Filter: input.Filter})
	if err != nil {
		return 0, errors.WithMessage(ErrValidation, err.Error())
	}

	sqlStr, args, err := plan.CountSQL(n.scope(input))
	if err != nil {
		return 0, err
	}
	sqlStr, args = n.generator.pool.Dialect().FormatSQL(sqlStr, args)

	conn, err := n.generator.pool.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Release()

	var count int64
	if err := conn.Raw().QueryRowContext(ctx, sqlStr, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
