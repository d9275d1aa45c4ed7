package pool

import (
	"context"
	"database/sql"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/hatlonely/dbx/cfg"
	"github.com/hatlonely/dbx/dialect"
	"github.com/hatlonely/dbx/log"
	"github.com/hatlonely/dbx/log/logger"
)

var ErrPoolExhausted = errors.New("pool exhausted")

type PoolOptions struct {
	// 池名，出现在指标标签里
	Name string `cfg:"name" def:"default"`

	Dialect string `cfg:"dialect" def:"sqlite3" validate:"omitempty,oneof=mysql sqlite3 postgres"`

	// 主库连接目标，写操作和默认读操作走主库
	Primary dialect.Target `cfg:"primary"`

	// 只读副本，副本读按轮询分摊，不健康的副本被跳过
	Replicas []dialect.Target `cfg:"replicas"`

	MaxConns        int           `cfg:"maxConns" def:"10"`
	MaxIdle         int           `cfg:"maxIdle" def:"5"`
	ConnMaxLifetime time.Duration `cfg:"connMaxLifetime" def:"1h"`

	// 连接获取超时，超时返回 ErrPoolExhausted
	AcquireTimeout time.Duration `cfg:"acquireTimeout" def:"3s"`

	// 健康检查周期，0 表示关闭
	HealthCheckInterval time.Duration `cfg:"healthCheckInterval" def:"30s"`
}

type replica struct {
	db      *sql.DB
	healthy atomic.Bool
}

// Pool 一个数据库目标的连接池，主库加可选的只读副本
type Pool struct {
	dialect  dialect.Dialect
	options  *PoolOptions
	primary  *sql.DB
	replicas []*replica
	next     atomic.Uint64
	logger   logger.Logger

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewPoolWithOptions(options *PoolOptions) (*Pool, error) {
	if options == nil {
		options = &PoolOptions{}
	}
	if err := cfg.SetDefaults(options); err != nil {
		return nil, errors.WithMessage(err, "cfg.SetDefaults failed")
	}

	d, err := dialect.Get(options.Dialect)
	if err != nil {
		return nil, err
	}

	pool := &Pool{
		dialect: d,
		options: options,
		logger:  log.Default().WithGroup("pool").With("pool", options.Name),
		stop:    make(chan struct{}),
	}

	pool.primary, err = pool.open(&options.Primary)
	if err != nil {
		return nil, errors.WithMessage(err, "open primary failed")
	}

	for i := range options.Replicas {
		db, err := pool.open(&options.Replicas[i])
		if err != nil {
			_ = pool.Close()
			return nil, errors.WithMessagef(err, "open replica %d failed", i)
		}
		r := &replica{db: db}
		r.healthy.Store(true)
		pool.replicas = append(pool.replicas, r)
	}

	if options.HealthCheckInterval > 0 {
		pool.wg.Add(1)
		go pool.healthLoop()
	}

	return pool, nil
}

func (p *Pool) open(target *dialect.Target) (*sql.DB, error) {
	dsn, err := p.dialect.BuildDSN(target)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(p.dialect.Driver(), dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(p.options.MaxConns)
	db.SetMaxIdleConns(p.options.MaxIdle)
	db.SetConnMaxLifetime(p.options.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func (p *Pool) Dialect() dialect.Dialect {
	return p.dialect
}

// Primary 主库句柄
func (p *Pool) Primary() *sql.DB {
	return p.primary
}

// Replica 返回一个健康的副本，没有可用副本时回落到主库
func (p *Pool) Replica() *sql.DB {
	if len(p.replicas) == 0 {
		return p.primary
	}

	start := p.next.Add(1)
	for i := 0; i < len(p.replicas); i++ {
		r := p.replicas[(start+uint64(i))%uint64(len(p.replicas))]
		if r.healthy.Load() {
			return r.db
		}
	}
	return p.primary
}

// Conn 池中取出的连接，释放是幂等的
type Conn struct {
	conn     *sql.Conn
	released atomic.Bool
}

func (c *Conn) Raw() *sql.Conn {
	return c.conn
}

func (c *Conn) Release() error {
	if !c.released.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}

// Acquire 从主库取一个独占连接。池满时等待，
// 超过 AcquireTimeout 返回 ErrPoolExhausted。
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	return p.acquire(ctx, p.primary)
}

// AcquireRead 从副本取一个独占连接
func (p *Pool) AcquireRead(ctx context.Context) (*Conn, error) {
	return p.acquire(ctx, p.Replica())
}

func (p *Pool) acquire(ctx context.Context, db *sql.DB) (*Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, p.options.AcquireTimeout)
	defer cancel()

	start := time.Now()
	conn, err := db.Conn(ctx)
	acquireDuration.WithLabelValues(p.options.Name).Observe(time.Since(start).Seconds())

	if err != nil {
		acquireTotal.WithLabelValues(p.options.Name, "error").Inc()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errors.WithMessagef(ErrPoolExhausted,
				"no connection within %s", p.options.AcquireTimeout)
		}
		return nil, err
	}

	acquireTotal.WithLabelValues(p.options.Name, "ok").Inc()
	return &Conn{conn: conn}, nil
}

func (p *Pool) healthLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.options.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.checkHealth()
		}
	}
}

func (p *Pool) checkHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	openConnections.WithLabelValues(p.options.Name, "primary").Set(float64(p.primary.Stats().OpenConnections))
	if err := p.primary.PingContext(ctx); err != nil {
		p.logger.WarnContext(ctx, "primary ping failed", "error", err)
	}

	for i, r := range p.replicas {
		label := strconv.Itoa(i)
		openConnections.WithLabelValues(p.options.Name, "replica_"+label).Set(float64(r.db.Stats().OpenConnections))

		healthy := r.db.PingContext(ctx) == nil
		was := r.healthy.Swap(healthy)
		if was != healthy {
			if healthy {
				p.logger.InfoContext(ctx, "replica recovered", "replica", i)
			} else {
				p.logger.WarnContext(ctx, "replica unhealthy", "replica", i)
			}
		}
		value := 0.0
		if healthy {
			value = 1.0
		}
		replicaHealthy.WithLabelValues(p.options.Name, label).Set(value)
	}
}

func (p *Pool) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()

	var firstErr error
	if p.primary != nil {
		firstErr = p.primary.Close()
	}
	for _, r := range p.replicas {
		if err := r.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
