package dbx

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/smartystreets/goconvey/convey"

	"github.com/hatlonely/dbx/dialect"
	"github.com/hatlonely/dbx/node"
	"github.com/hatlonely/dbx/pool"
	"github.com/hatlonely/dbx/schema"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	// 内存库按连接隔离，池收敛到单连接
	engine, err := NewEngineWithOptions(&Options{
		Pool: pool.PoolOptions{
			Dialect:  "sqlite3",
			Primary:  dialect.Target{Database: ":memory:"},
			MaxConns: 1,
			MaxIdle:  1,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func TestEngine(t *testing.T) {
	convey.Convey("引擎端到端", t, func() {
		engine := newTestEngine(t)
		ctx := context.Background()

		_, err := engine.RegisterModel(&schema.ModelDefinition{
			Name: "User",
			Fields: []schema.FieldDefinition{
				{Name: "name", Type: schema.FieldTypeString},
				{Name: "email", Type: schema.FieldTypeString, Unique: true},
			},
			TenantField: "tenant_id",
		})
		convey.So(err, convey.ShouldBeNil)

		convey.So(engine.AutoMigrate(ctx), convey.ShouldBeNil)

		n, err := engine.Node("User")
		convey.So(err, convey.ShouldBeNil)

		create, _ := n.Operation(node.KindCreate)
		list, _ := n.Operation(node.KindList)

		convey.Convey("创建后按名字能查到", func() {
			created, err := create.Run(ctx, &node.Input{
				Tenant: "acme",
				Record: map[string]any{"name": "Ada", "email": "ada@example.com"},
			})
			convey.So(err, convey.ShouldBeNil)
			convey.So(created.Record["id"], convey.ShouldNotBeNil)

			result, err := list.Run(ctx, &node.Input{
				Tenant: "acme",
				Filter: map[string]any{"name": "Ada"},
			})
			convey.So(err, convey.ShouldBeNil)
			convey.So(result.Records, convey.ShouldHaveLength, 1)
			convey.So(result.Records[0]["id"], convey.ShouldEqual, created.Record["id"])
			convey.So(result.Records[0]["tenant_id"], convey.ShouldEqual, "acme")

			convey.Convey("重复邮箱归类为约束冲突", func() {
				_, err := create.Run(ctx, &node.Input{
					Tenant: "acme",
					Record: map[string]any{"name": "Bob", "email": "ada@example.com"},
				})
				kind, ok := ErrorKind(err)
				convey.So(ok, convey.ShouldBeTrue)
				convey.So(kind, convey.ShouldEqual, KindConstraintViolation)

				var constraintErr *ConstraintError
				convey.So(errors.As(err, &constraintErr), convey.ShouldBeTrue)
				convey.So(constraintErr.Field, convey.ShouldEqual, "email")
			})
		})

		convey.Convey("迁移是幂等的", func() {
			convey.So(engine.AutoMigrate(ctx), convey.ShouldBeNil)
			convey.So(engine.AutoMigrate(ctx), convey.ShouldBeNil)
		})

		convey.Convey("未注册的模型", func() {
			_, err := engine.Node("Ghost")
			convey.So(errors.Is(err, ErrModelNotFound), convey.ShouldBeTrue)

			kind, ok := ErrorKind(err)
			convey.So(ok, convey.ShouldBeTrue)
			convey.So(kind, convey.ShouldEqual, KindNotFound)
		})

		convey.Convey("引擎的池注册在管理器里", func() {
			p, err := engine.Pools().Get("default")
			convey.So(err, convey.ShouldBeNil)
			convey.So(p, convey.ShouldEqual, engine.Pool())
		})

		convey.Convey("同名模型生成同一个操作集", func() {
			again, err := engine.Node("User")
			convey.So(err, convey.ShouldBeNil)
			convey.So(again, convey.ShouldEqual, n)
		})
	})
}

func TestErrorKind(t *testing.T) {
	convey.Convey("错误分类", t, func() {
		cases := []struct {
			err  error
			kind string
		}{
			{ErrValidation, KindValidation},
			{ErrMissingTenant, KindValidation},
			{ErrRecordNotFound, KindNotFound},
			{ErrVersionConflict, KindVersionConflict},
			{ErrPoolExhausted, KindPoolExhausted},
			{ErrTransactionTimeout, KindTransactionTimeout},
			{ErrMigrationConflict, KindSchemaConflict},
			{ErrMigrationLocked, KindSchemaConflict},
			{ErrDestructiveChangeBlocked, KindDestructiveChangeBlocked},
			{errors.WithMessage(ErrRecordNotFound, "User id 1"), KindNotFound},
		}
		for _, c := range cases {
			kind, ok := ErrorKind(c.err)
			convey.So(ok, convey.ShouldBeTrue)
			convey.So(kind, convey.ShouldEqual, c.kind)
		}

		convey.Convey("无法归类的错误", func() {
			_, ok := ErrorKind(errors.New("boom"))
			convey.So(ok, convey.ShouldBeFalse)
			_, ok = ErrorKind(nil)
			convey.So(ok, convey.ShouldBeFalse)
		})

		convey.Convey("约束冲突的描述带字段", func() {
			err := errors.WithMessage(&ConstraintError{Model: "User", Field: "email"}, "record 2")
			described, ok := Describe(err)
			convey.So(ok, convey.ShouldBeTrue)
			convey.So(described.Kind, convey.ShouldEqual, KindConstraintViolation)
			convey.So(described.Field, convey.ShouldEqual, "email")
			convey.So(described.Message, convey.ShouldNotBeEmpty)
		})
	})
}
