package tx

import (
	"context"
	"database/sql"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/hatlonely/dbx/cfg"
	"github.com/hatlonely/dbx/dialect"
	"github.com/hatlonely/dbx/log"
	"github.com/hatlonely/dbx/log/logger"
	"github.com/hatlonely/dbx/pool"
)

var ErrTransactionTimeout = errors.New("transaction timeout")

type CoordinatorOptions struct {
	// 事务超时，超时后强制回滚，之后的提交返回 ErrTransactionTimeout。
	// 0 表示不限时。
	Timeout time.Duration `cfg:"timeout" def:"30s"`
}

// Coordinator 在连接池之上开启事务并管理其生命周期
type Coordinator struct {
	pool    *pool.Pool
	options *CoordinatorOptions
	logger  logger.Logger
}

func NewCoordinatorWithOptions(p *pool.Pool, options *CoordinatorOptions) (*Coordinator, error) {
	if options == nil {
		options = &CoordinatorOptions{}
	}
	if err := cfg.SetDefaults(options); err != nil {
		return nil, errors.WithMessage(err, "cfg.SetDefaults failed")
	}

	return &Coordinator{
		pool:    p,
		options: options,
		logger:  log.Default().WithGroup("tx"),
	}, nil
}

// Tx 进行中的事务。保存点作用域通过 Savepoint 嵌套，
// 内层失败只回滚到保存点，不影响外层已执行的语句。
type Tx struct {
	tx      *sql.Tx
	conn    *pool.Conn
	dialect dialect.Dialect
	depth   int

	// 根事务共享的终态，保存点作用域不拥有
	done     *atomic.Bool
	timedOut *atomic.Bool
	timer    *time.Timer
}

// Begin 开启事务。连接经池获取，池满超时返回 ErrPoolExhausted。
func (c *Coordinator) Begin(ctx context.Context) (*Tx, error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := conn.Raw().BeginTx(ctx, nil)
	if err != nil {
		_ = conn.Release()
		return nil, errors.WithMessage(err, "begin transaction failed")
	}

	t := &Tx{
		tx:       raw,
		conn:     conn,
		dialect:  c.pool.Dialect(),
		done:     &atomic.Bool{},
		timedOut: &atomic.Bool{},
	}

	if c.options.Timeout > 0 {
		t.timer = time.AfterFunc(c.options.Timeout, func() {
			if t.done.CompareAndSwap(false, true) {
				t.timedOut.Store(true)
				_ = raw.Rollback()
				_ = conn.Release()
				c.logger.Warn("transaction timed out, rolled back", "timeout", c.options.Timeout)
			}
		})
	}

	return t, nil
}

// Execute 在事务中执行 fn，fn 返回错误时回滚，否则提交
func (c *Coordinator) Execute(ctx context.Context, fn func(t *Tx) error) error {
	t, err := c.Begin(ctx)
	if err != nil {
		return err
	}

	if err := fn(t); err != nil {
		_ = t.Rollback()
		return err
	}
	return t.Commit()
}

// Exec 在事务中执行语句，占位符按方言改写
func (t *Tx) Exec(ctx context.Context, sqlStr string, args ...any) (sql.Result, error) {
	if t.timedOut.Load() {
		return nil, errors.WithMessage(ErrTransactionTimeout, "exec after timeout")
	}
	sqlStr, args = t.dialect.FormatSQL(sqlStr, args)
	return t.tx.ExecContext(ctx, sqlStr, args...)
}

// Query 在事务中查询
func (t *Tx) Query(ctx context.Context, sqlStr string, args ...any) (*sql.Rows, error) {
	if t.timedOut.Load() {
		return nil, errors.WithMessage(ErrTransactionTimeout, "query after timeout")
	}
	sqlStr, args = t.dialect.FormatSQL(sqlStr, args)
	return t.tx.QueryContext(ctx, sqlStr, args...)
}

// QueryRow 在事务中查询单行
func (t *Tx) QueryRow(ctx context.Context, sqlStr string, args ...any) *sql.Row {
	sqlStr, args = t.dialect.FormatSQL(sqlStr, args)
	return t.tx.QueryRowContext(ctx, sqlStr, args...)
}

// Savepoint 打开一个保存点作用域执行 fn。
// fn 返回错误时回滚到保存点并透传错误，成功时释放保存点。
// 保存点按嵌套深度命名，作用域可以继续嵌套。
func (t *Tx) Savepoint(ctx context.Context, fn func(t *Tx) error) error {
	if t.timedOut.Load() {
		return errors.WithMessage(ErrTransactionTimeout, "savepoint after timeout")
	}

	name := "sp_" + strconv.Itoa(t.depth+1)
	if _, err := t.tx.ExecContext(ctx, t.dialect.SavepointSQL(name)); err != nil {
		return errors.WithMessagef(err, "create savepoint %s failed", name)
	}

	scope := &Tx{
		tx:       t.tx,
		dialect:  t.dialect,
		depth:    t.depth + 1,
		done:     t.done,
		timedOut: t.timedOut,
	}

	if err := fn(scope); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, t.dialect.RollbackToSQL(name)); rbErr != nil {
			return errors.WithMessagef(rbErr, "rollback to savepoint %s failed", name)
		}
		return err
	}

	if _, err := t.tx.ExecContext(ctx, t.dialect.ReleaseSQL(name)); err != nil {
		return errors.WithMessagef(err, "release savepoint %s failed", name)
	}
	return nil
}

// Commit 提交事务。已被超时回滚的事务返回 ErrTransactionTimeout。
func (t *Tx) Commit() error {
	if t.depth > 0 {
		return errors.New("commit inside a savepoint scope")
	}
	if !t.done.CompareAndSwap(false, true) {
		if t.timedOut.Load() {
			return errors.WithMessage(ErrTransactionTimeout, "commit after timeout")
		}
		return sql.ErrTxDone
	}
	t.stopTimer()
	err := t.tx.Commit()
	_ = t.conn.Release()
	return err
}

// Rollback 回滚事务，重复回滚是幂等的
func (t *Tx) Rollback() error {
	if t.depth > 0 {
		return errors.New("rollback inside a savepoint scope")
	}
	if !t.done.CompareAndSwap(false, true) {
		return nil
	}
	t.stopTimer()
	err := t.tx.Rollback()
	_ = t.conn.Release()
	return err
}

func (t *Tx) stopTimer() {
	if t.timer != nil {
		t.timer.Stop()
	}
}
