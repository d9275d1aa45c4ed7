package dbx

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/hatlonely/dbx/cache"
	"github.com/hatlonely/dbx/log"
	"github.com/hatlonely/dbx/log/logger"
	"github.com/hatlonely/dbx/migration"
	"github.com/hatlonely/dbx/node"
	"github.com/hatlonely/dbx/pool"
	"github.com/hatlonely/dbx/schema"
	"github.com/hatlonely/dbx/tx"
	"github.com/hatlonely/dbx/uid"
)

type Options struct {
	Pool      pool.PoolOptions          `cfg:"pool"`
	Migration migration.MigratorOptions `cfg:"migration"`
	Tx        tx.CoordinatorOptions     `cfg:"tx"`
	Cache     cache.CacheOptions        `cfg:"cache"`
	UID       uid.SnowflakeOptions      `cfg:"uid"`
}

// Engine 数据访问引擎。注册模型声明后自动迁移出表结构，
// 并为每个模型生成一组可执行的操作。
type Engine struct {
	registry    *schema.Registry
	pools       *pool.Manager
	pool        *pool.Pool
	migrator    *migration.Migrator
	coordinator *tx.Coordinator
	cache       *cache.Cache
	generator   *node.Generator
	logger      logger.Logger

	mu    sync.Mutex
	nodes map[string]*node.Node
}

func NewEngineWithOptions(options *Options) (*Engine, error) {
	if options == nil {
		options = &Options{}
	}

	pools := pool.NewManager()
	p, err := pools.GetOrCreate(&options.Pool)
	if err != nil {
		return nil, errors.WithMessage(err, "pools.GetOrCreate failed")
	}

	migrationOptions := options.Migration
	if migrationOptions.Dialect == "" {
		migrationOptions.Dialect = p.Dialect().Name()
	}
	migrator, err := migration.NewMigratorWithOptions(p.Primary(), &migrationOptions)
	if err != nil {
		_ = pools.Close()
		return nil, errors.WithMessage(err, "migration.NewMigratorWithOptions failed")
	}

	coordinator, err := tx.NewCoordinatorWithOptions(p, &options.Tx)
	if err != nil {
		_ = pools.Close()
		return nil, errors.WithMessage(err, "tx.NewCoordinatorWithOptions failed")
	}

	c, err := cache.NewCacheWithOptions(&options.Cache)
	if err != nil {
		_ = pools.Close()
		return nil, errors.WithMessage(err, "cache.NewCacheWithOptions failed")
	}

	engine := &Engine{
		registry:    schema.NewRegistry(),
		pools:       pools,
		pool:        p,
		migrator:    migrator,
		coordinator: coordinator,
		cache:       c,
		generator:   node.NewGenerator(p, coordinator, c, uid.NewSnowflakeWithOptions(&options.UID)),
		logger:      log.Default().WithGroup("dbx"),
		nodes:       map[string]*node.Node{},
	}
	return engine, nil
}

// RegisterModel 注册模型声明，重复注册相同形状是幂等的
func (e *Engine) RegisterModel(def *schema.ModelDefinition) (*schema.Model, error) {
	return e.registry.Register(def)
}

// AutoMigrate 把数据库结构迁移到已注册模型的当前形状
func (e *Engine) AutoMigrate(ctx context.Context) error {
	return e.migrator.AutoMigrate(ctx, e.registry.Snapshot())
}

// Node 取模型的操作集，首次访问时生成
func (e *Engine) Node(name string) (*node.Node, error) {
	model, ok := e.registry.Model(name)
	if !ok {
		return nil, errors.WithMessagef(schema.ErrModelNotFound, "model %q not registered", name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if n, ok := e.nodes[name]; ok {
		return n, nil
	}
	n := e.generator.Node(model)
	e.nodes[name] = n
	return n, nil
}

// Registry 模型注册表
func (e *Engine) Registry() *schema.Registry {
	return e.registry
}

// Pool 引擎自己的连接池
func (e *Engine) Pool() *pool.Pool {
	return e.pool
}

// Pools 连接池管理器。同进程的其他数据库目标在这里按名字建池，
// 引擎关闭时一并关闭。
func (e *Engine) Pools() *pool.Manager {
	return e.pools
}

// Coordinator 事务协调器，供调用方编排跨操作的事务
func (e *Engine) Coordinator() *tx.Coordinator {
	return e.coordinator
}

func (e *Engine) Close() error {
	cacheErr := e.cache.Close()
	poolErr := e.pools.Close()
	if cacheErr != nil {
		return cacheErr
	}
	return poolErr
}
