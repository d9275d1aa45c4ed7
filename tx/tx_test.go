package tx

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/smartystreets/goconvey/convey"

	"github.com/hatlonely/dbx/dialect"
	"github.com/hatlonely/dbx/pool"
)

func newTestCoordinator(t *testing.T, options *CoordinatorOptions) *Coordinator {
	t.Helper()
	p, err := pool.NewPoolWithOptions(&pool.PoolOptions{
		Name:    "tx_test",
		Primary: dialect.Target{Database: ":memory:"},
		// 内存库在单连接上共享
		MaxConns: 1,
		MaxIdle:  1,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = p.Close() })

	if _, err := p.Primary().Exec("CREATE TABLE entries (id INTEGER PRIMARY KEY, label TEXT NOT NULL)"); err != nil {
		t.Fatal(err)
	}

	c, err := NewCoordinatorWithOptions(p, options)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func countEntries(c *Coordinator, t *testing.T) int {
	t.Helper()
	var count int
	if err := c.pool.Primary().QueryRow("SELECT COUNT(*) FROM entries").Scan(&count); err != nil {
		t.Fatal(err)
	}
	return count
}

func TestExecute(t *testing.T) {
	convey.Convey("事务执行", t, func() {
		ctx := context.Background()
		c := newTestCoordinator(t, nil)

		convey.Convey("成功提交", func() {
			err := c.Execute(ctx, func(t *Tx) error {
				_, err := t.Exec(ctx, "INSERT INTO entries (id, label) VALUES (?, ?)", 1, "a")
				return err
			})
			convey.So(err, convey.ShouldBeNil)
			convey.So(countEntries(c, t), convey.ShouldEqual, 1)
		})

		convey.Convey("失败回滚", func() {
			boom := errors.New("boom")
			err := c.Execute(ctx, func(t *Tx) error {
				if _, err := t.Exec(ctx, "INSERT INTO entries (id, label) VALUES (?, ?)", 1, "a"); err != nil {
					return err
				}
				return boom
			})
			convey.So(errors.Is(err, boom), convey.ShouldBeTrue)
			convey.So(countEntries(c, t), convey.ShouldEqual, 0)
		})

		convey.Convey("重复回滚幂等", func() {
			tx, err := c.Begin(ctx)
			convey.So(err, convey.ShouldBeNil)
			convey.So(tx.Rollback(), convey.ShouldBeNil)
			convey.So(tx.Rollback(), convey.ShouldBeNil)
		})
	})
}

func TestSavepoint(t *testing.T) {
	convey.Convey("保存点作用域", t, func() {
		ctx := context.Background()
		c := newTestCoordinator(t, nil)

		convey.Convey("内层失败只回滚到保存点", func() {
			err := c.Execute(ctx, func(t *Tx) error {
				if _, err := t.Exec(ctx, "INSERT INTO entries (id, label) VALUES (?, ?)", 1, "outer"); err != nil {
					return err
				}

				inner := t.Savepoint(ctx, func(t *Tx) error {
					if _, err := t.Exec(ctx, "INSERT INTO entries (id, label) VALUES (?, ?)", 2, "inner"); err != nil {
						return err
					}
					return errors.New("inner failed")
				})
				convey.So(inner, convey.ShouldNotBeNil)

				// 外层继续提交
				return nil
			})
			convey.So(err, convey.ShouldBeNil)
			convey.So(countEntries(c, t), convey.ShouldEqual, 1)
		})

		convey.Convey("保存点可以嵌套", func() {
			err := c.Execute(ctx, func(t *Tx) error {
				return t.Savepoint(ctx, func(t *Tx) error {
					if _, err := t.Exec(ctx, "INSERT INTO entries (id, label) VALUES (?, ?)", 1, "level1"); err != nil {
						return err
					}
					inner := t.Savepoint(ctx, func(t *Tx) error {
						if _, err := t.Exec(ctx, "INSERT INTO entries (id, label) VALUES (?, ?)", 2, "level2"); err != nil {
							return err
						}
						return errors.New("level2 failed")
					})
					convey.So(inner, convey.ShouldNotBeNil)
					return nil
				})
			})
			convey.So(err, convey.ShouldBeNil)
			convey.So(countEntries(c, t), convey.ShouldEqual, 1)
		})

		convey.Convey("保存点作用域内不允许提交", func() {
			err := c.Execute(ctx, func(t *Tx) error {
				return t.Savepoint(ctx, func(t *Tx) error {
					return t.Commit()
				})
			})
			convey.So(err, convey.ShouldNotBeNil)
		})
	})
}

func TestBeginPoolExhausted(t *testing.T) {
	convey.Convey("池耗尽时开启事务报错", t, func() {
		ctx := context.Background()

		p, err := pool.NewPoolWithOptions(&pool.PoolOptions{
			Name:           "tx_exhausted_test",
			Primary:        dialect.Target{Database: ":memory:"},
			MaxConns:       1,
			MaxIdle:        1,
			AcquireTimeout: 50 * time.Millisecond,
		})
		convey.So(err, convey.ShouldBeNil)
		t.Cleanup(func() { _ = p.Close() })

		c, err := NewCoordinatorWithOptions(p, nil)
		convey.So(err, convey.ShouldBeNil)

		held, err := p.Acquire(ctx)
		convey.So(err, convey.ShouldBeNil)

		_, err = c.Begin(ctx)
		convey.So(errors.Is(err, pool.ErrPoolExhausted), convey.ShouldBeTrue)

		convey.Convey("连接释放后恢复", func() {
			convey.So(held.Release(), convey.ShouldBeNil)

			tx, err := c.Begin(ctx)
			convey.So(err, convey.ShouldBeNil)
			convey.So(tx.Rollback(), convey.ShouldBeNil)
		})
	})
}

func TestTransactionTimeout(t *testing.T) {
	convey.Convey("事务超时", t, func() {
		ctx := context.Background()
		c := newTestCoordinator(t, &CoordinatorOptions{Timeout: 50 * time.Millisecond})

		convey.Convey("超时后提交报错", func() {
			tx, err := c.Begin(ctx)
			convey.So(err, convey.ShouldBeNil)

			_, err = tx.Exec(ctx, "INSERT INTO entries (id, label) VALUES (?, ?)", 1, "late")
			convey.So(err, convey.ShouldBeNil)

			time.Sleep(150 * time.Millisecond)

			convey.So(errors.Is(tx.Commit(), ErrTransactionTimeout), convey.ShouldBeTrue)
			convey.So(countEntries(c, t), convey.ShouldEqual, 0)
		})

		convey.Convey("超时前提交正常", func() {
			tx, err := c.Begin(ctx)
			convey.So(err, convey.ShouldBeNil)
			_, err = tx.Exec(ctx, "INSERT INTO entries (id, label) VALUES (?, ?)", 1, "fast")
			convey.So(err, convey.ShouldBeNil)
			convey.So(tx.Commit(), convey.ShouldBeNil)
			convey.So(countEntries(c, t), convey.ShouldEqual, 1)
		})
	})
}
