package node

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/smartystreets/goconvey/convey"

	"github.com/hatlonely/dbx/cache"
	"github.com/hatlonely/dbx/dialect"
	"github.com/hatlonely/dbx/migration"
	"github.com/hatlonely/dbx/pool"
	"github.com/hatlonely/dbx/query"
	"github.com/hatlonely/dbx/schema"
	"github.com/hatlonely/dbx/tx"
	"github.com/hatlonely/dbx/uid"
)

func userDefinition() *schema.ModelDefinition {
	return &schema.ModelDefinition{
		Name: "User",
		Fields: []schema.FieldDefinition{
			{Name: "name", Type: schema.FieldTypeString},
			{Name: "email", Type: schema.FieldTypeString, Unique: true},
			{Name: "age", Type: schema.FieldTypeInteger, Nullable: true},
		},
		TenantField: "tenant_id",
		SoftDelete:  true,
		Versioned:   true,
	}
}

type testEnv struct {
	pool  *pool.Pool
	cache *cache.Cache
	gen   *Generator
	node  *Node
}

func newTestEnv(t *testing.T, def *schema.ModelDefinition) *testEnv {
	t.Helper()

	// 内存库按连接隔离，池收敛到单连接
	return newTestEnvWithPool(t, def, &pool.PoolOptions{
		Dialect:  "sqlite3",
		Primary:  dialect.Target{Database: ":memory:"},
		MaxConns: 1,
		MaxIdle:  1,
	})
}

func newTestEnvWithPool(t *testing.T, def *schema.ModelDefinition, poolOptions *pool.PoolOptions) *testEnv {
	t.Helper()

	registry := schema.NewRegistry()
	model, err := registry.Register(def)
	if err != nil {
		t.Fatal(err)
	}

	p, err := pool.NewPoolWithOptions(poolOptions)
	if err != nil {
		t.Fatal(err)
	}

	migrator, err := migration.NewMigratorWithOptions(p.Primary(), &migration.MigratorOptions{
		SkipMigrationLog: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := migrator.AutoMigrate(context.Background(), registry.Snapshot()); err != nil {
		t.Fatal(err)
	}

	c, err := cache.NewCacheWithOptions(nil)
	if err != nil {
		t.Fatal(err)
	}
	coordinator, err := tx.NewCoordinatorWithOptions(p, nil)
	if err != nil {
		t.Fatal(err)
	}

	gen := NewGenerator(p, coordinator, c, uid.NewSnowflakeWithOptions(nil))
	t.Cleanup(func() {
		_ = c.Close()
		_ = p.Close()
	})

	return &testEnv{pool: p, cache: c, gen: gen, node: gen.Node(model)}
}

func (env *testEnv) run(kind Kind, input *Input, opts ...RunOption) (*Result, error) {
	op, ok := env.node.Operation(kind)
	if !ok {
		panic("operation not found: " + string(kind))
	}
	return op.Run(context.Background(), input, opts...)
}

func TestNodeCreateRead(t *testing.T) {
	convey.Convey("创建和读取", t, func() {
		env := newTestEnv(t, userDefinition())

		convey.Convey("创建补全托管字段", func() {
			result, err := env.run(KindCreate, &Input{
				Tenant: "acme",
				Record: map[string]any{"name": "Ada", "email": "ada@example.com"},
			})
			convey.So(err, convey.ShouldBeNil)
			convey.So(result.Record["id"], convey.ShouldNotBeNil)
			convey.So(result.Record["tenant_id"], convey.ShouldEqual, "acme")
			convey.So(result.Record["version"], convey.ShouldEqual, int64(1))
			convey.So(result.Record["created_at"], convey.ShouldNotBeNil)

			convey.Convey("按主键读回", func() {
				read, err := env.run(KindRead, &Input{
					Tenant: "acme",
					ID:     result.Record["id"],
				})
				convey.So(err, convey.ShouldBeNil)
				convey.So(read.Record["name"], convey.ShouldEqual, "Ada")
				convey.So(read.Record["email"], convey.ShouldEqual, "ada@example.com")
			})

			convey.Convey("不存在的主键", func() {
				_, err := env.run(KindRead, &Input{Tenant: "acme", ID: int64(12345)})
				convey.So(errors.Is(err, ErrRecordNotFound), convey.ShouldBeTrue)
			})

			convey.Convey("别的租户读不到", func() {
				_, err := env.run(KindRead, &Input{
					Tenant: "other",
					ID:     result.Record["id"],
				})
				convey.So(errors.Is(err, ErrRecordNotFound), convey.ShouldBeTrue)
			})
		})

		convey.Convey("唯一约束冲突翻译成字段错误", func() {
			_, err := env.run(KindCreate, &Input{
				Tenant: "acme",
				Record: map[string]any{"name": "Ada", "email": "ada@example.com"},
			})
			convey.So(err, convey.ShouldBeNil)

			_, err = env.run(KindCreate, &Input{
				Tenant: "acme",
				Record: map[string]any{"name": "Bob", "email": "ada@example.com"},
			})
			var constraintErr *ConstraintError
			convey.So(errors.As(err, &constraintErr), convey.ShouldBeTrue)
			convey.So(constraintErr.Model, convey.ShouldEqual, "User")
			convey.So(constraintErr.Field, convey.ShouldEqual, "email")
		})
	})
}

func TestNodeValidation(t *testing.T) {
	convey.Convey("输入校验", t, func() {
		env := newTestEnv(t, userDefinition())

		convey.Convey("未知字段", func() {
			_, err := env.run(KindCreate, &Input{
				Tenant: "acme",
				Record: map[string]any{"name": "Ada", "email": "a@x.com", "nickname": "ada"},
			})
			convey.So(errors.Is(err, ErrValidation), convey.ShouldBeTrue)
		})

		convey.Convey("缺少必填字段", func() {
			_, err := env.run(KindCreate, &Input{
				Tenant: "acme",
				Record: map[string]any{"name": "Ada"},
			})
			convey.So(errors.Is(err, ErrValidation), convey.ShouldBeTrue)
		})

		convey.Convey("托管字段不可写入", func() {
			_, err := env.run(KindCreate, &Input{
				Tenant: "acme",
				Record: map[string]any{"name": "Ada", "email": "a@x.com", "id": int64(1)},
			})
			convey.So(errors.Is(err, ErrValidation), convey.ShouldBeTrue)
		})

		convey.Convey("租户模型必须携带租户", func() {
			_, err := env.run(KindCreate, &Input{
				Record: map[string]any{"name": "Ada", "email": "a@x.com"},
			})
			convey.So(errors.Is(err, ErrValidation), convey.ShouldBeTrue)
		})

		convey.Convey("读取必须携带主键", func() {
			_, err := env.run(KindRead, &Input{Tenant: "acme"})
			convey.So(errors.Is(err, ErrValidation), convey.ShouldBeTrue)
		})

		convey.Convey("过滤表达式里的未知字段", func() {
			_, err := env.run(KindList, &Input{
				Tenant: "acme",
				Filter: map[string]any{"nickname": "ada"},
			})
			convey.So(errors.Is(err, ErrValidation), convey.ShouldBeTrue)
		})
	})
}

func TestNodeList(t *testing.T) {
	convey.Convey("列表查询", t, func() {
		env := newTestEnv(t, userDefinition())
		ctx := context.Background()

		for _, user := range []map[string]any{
			{"name": "Ada", "email": "ada@example.com", "age": int64(30)},
			{"name": "Bob", "email": "bob@example.com", "age": int64(25)},
			{"name": "Eve", "email": "eve@example.com", "age": int64(35)},
		} {
			_, err := env.run(KindCreate, &Input{Tenant: "acme", Record: user})
			convey.So(err, convey.ShouldBeNil)
		}

		convey.Convey("按过滤表达式查询", func() {
			result, err := env.run(KindList, &Input{
				Tenant: "acme",
				Filter: map[string]any{"name": "Ada"},
			})
			convey.So(err, convey.ShouldBeNil)
			convey.So(result.Records, convey.ShouldHaveLength, 1)
			convey.So(result.Records[0]["email"], convey.ShouldEqual, "ada@example.com")
		})

		convey.Convey("组合条件和排序分页", func() {
			result, err := env.run(KindList, &Input{
				Tenant:  "acme",
				Filter:  map[string]any{"age": map[string]any{"$gte": int64(25)}},
				OrderBy: []query.Order{{Field: "age", Desc: true}},
				Limit:   2,
			})
			convey.So(err, convey.ShouldBeNil)
			convey.So(result.Records, convey.ShouldHaveLength, 2)
			convey.So(result.Records[0]["name"], convey.ShouldEqual, "Eve")
			convey.So(result.Records[1]["name"], convey.ShouldEqual, "Ada")
		})

		convey.Convey("投影只返回指定字段", func() {
			result, err := env.run(KindList, &Input{
				Tenant: "acme",
				Filter: map[string]any{"name": "Bob"},
				Fields: []string{"id", "name"},
			})
			convey.So(err, convey.ShouldBeNil)
			convey.So(result.Records, convey.ShouldHaveLength, 1)
			convey.So(result.Records[0], convey.ShouldContainKey, "name")
			convey.So(result.Records[0], convey.ShouldNotContainKey, "email")
		})

		convey.Convey("租户之间互相隔离", func() {
			result, err := env.run(KindList, &Input{Tenant: "other"})
			convey.So(err, convey.ShouldBeNil)
			convey.So(result.Records, convey.ShouldBeEmpty)
		})

		convey.Convey("计数", func() {
			count, err := env.node.Count(ctx, &Input{Tenant: "acme"})
			convey.So(err, convey.ShouldBeNil)
			convey.So(count, convey.ShouldEqual, 3)
		})

		convey.Convey("写入后再查能看到新结果", func() {
			before, err := env.run(KindList, &Input{Tenant: "acme"})
			convey.So(err, convey.ShouldBeNil)
			convey.So(before.Records, convey.ShouldHaveLength, 3)

			_, err = env.run(KindCreate, &Input{
				Tenant: "acme",
				Record: map[string]any{"name": "Mallory", "email": "mallory@example.com"},
			})
			convey.So(err, convey.ShouldBeNil)

			after, err := env.run(KindList, &Input{Tenant: "acme"})
			convey.So(err, convey.ShouldBeNil)
			convey.So(after.Records, convey.ShouldHaveLength, 4)
		})
	})
}

func TestNodeUpdate(t *testing.T) {
	convey.Convey("更新", t, func() {
		env := newTestEnv(t, userDefinition())

		created, err := env.run(KindCreate, &Input{
			Tenant: "acme",
			Record: map[string]any{"name": "Ada", "email": "ada@example.com"},
		})
		convey.So(err, convey.ShouldBeNil)
		id := created.Record["id"]

		convey.Convey("按过滤表达式更新", func() {
			result, err := env.run(KindUpdate, &Input{
				Tenant: "acme",
				Filter: map[string]any{"id": id},
				Record: map[string]any{"name": "Ada Lovelace"},
			})
			convey.So(err, convey.ShouldBeNil)
			convey.So(result.Affected, convey.ShouldEqual, 1)

			read, err := env.run(KindRead, &Input{Tenant: "acme", ID: id})
			convey.So(err, convey.ShouldBeNil)
			convey.So(read.Record["name"], convey.ShouldEqual, "Ada Lovelace")
		})

		convey.Convey("携带期望版本的更新推进版本号", func() {
			version := int64(1)
			result, err := env.run(KindUpdate, &Input{
				Tenant:  "acme",
				Filter:  map[string]any{"id": id},
				Record:  map[string]any{"name": "Ada Lovelace"},
				Version: &version,
			})
			convey.So(err, convey.ShouldBeNil)
			convey.So(result.Affected, convey.ShouldEqual, 1)

			read, err := env.run(KindRead, &Input{Tenant: "acme", ID: id})
			convey.So(err, convey.ShouldBeNil)
			convey.So(read.Record["version"], convey.ShouldEqual, int64(2))

			convey.Convey("过期版本返回冲突", func() {
				stale := int64(1)
				_, err := env.run(KindUpdate, &Input{
					Tenant:  "acme",
					Filter:  map[string]any{"id": id},
					Record:  map[string]any{"name": "Someone Else"},
					Version: &stale,
				})
				convey.So(errors.Is(err, ErrVersionConflict), convey.ShouldBeTrue)
			})
		})

		convey.Convey("空赋值内容", func() {
			_, err := env.run(KindUpdate, &Input{
				Tenant: "acme",
				Filter: map[string]any{"id": id},
			})
			convey.So(errors.Is(err, ErrValidation), convey.ShouldBeTrue)
		})
	})
}

func TestNodeDelete(t *testing.T) {
	convey.Convey("软删除", t, func() {
		env := newTestEnv(t, userDefinition())

		created, err := env.run(KindCreate, &Input{
			Tenant: "acme",
			Record: map[string]any{"name": "Ada", "email": "ada@example.com"},
		})
		convey.So(err, convey.ShouldBeNil)
		id := created.Record["id"]

		result, err := env.run(KindDelete, &Input{
			Tenant: "acme",
			Filter: map[string]any{"id": id},
		})
		convey.So(err, convey.ShouldBeNil)
		convey.So(result.Affected, convey.ShouldEqual, 1)

		convey.Convey("默认读不到已删除的行", func() {
			_, err := env.run(KindRead, &Input{Tenant: "acme", ID: id})
			convey.So(errors.Is(err, ErrRecordNotFound), convey.ShouldBeTrue)
		})

		convey.Convey("显式包含已删除的行", func() {
			read, err := env.run(KindRead, &Input{
				Tenant:         "acme",
				ID:             id,
				IncludeDeleted: true,
			})
			convey.So(err, convey.ShouldBeNil)
			convey.So(read.Record["deleted_at"], convey.ShouldNotBeNil)
		})
	})

	convey.Convey("物理删除", t, func() {
		def := userDefinition()
		def.SoftDelete = false
		env := newTestEnv(t, def)

		created, err := env.run(KindCreate, &Input{
			Tenant: "acme",
			Record: map[string]any{"name": "Ada", "email": "ada@example.com"},
		})
		convey.So(err, convey.ShouldBeNil)

		result, err := env.run(KindDelete, &Input{
			Tenant: "acme",
			Filter: map[string]any{"id": created.Record["id"]},
		})
		convey.So(err, convey.ShouldBeNil)
		convey.So(result.Affected, convey.ShouldEqual, 1)

		count, err := env.node.Count(context.Background(), &Input{Tenant: "acme", IncludeDeleted: true})
		convey.So(err, convey.ShouldBeNil)
		convey.So(count, convey.ShouldEqual, 0)
	})
}

func TestNodeBulk(t *testing.T) {
	convey.Convey("批量创建", t, func() {
		env := newTestEnv(t, userDefinition())
		ctx := context.Background()

		convey.Convey("全部成功", func() {
			result, err := env.run(KindBulkCreate, &Input{
				Tenant: "acme",
				Records: []map[string]any{
					{"name": "Ada", "email": "ada@example.com"},
					{"name": "Bob", "email": "bob@example.com"},
				},
			})
			convey.So(err, convey.ShouldBeNil)
			convey.So(result.Affected, convey.ShouldEqual, 2)
			convey.So(result.Records, convey.ShouldHaveLength, 2)

			count, err := env.node.Count(ctx, &Input{Tenant: "acme"})
			convey.So(err, convey.ShouldBeNil)
			convey.So(count, convey.ShouldEqual, 2)
		})

		convey.Convey("任一记录失败整体回滚", func() {
			_, err := env.run(KindBulkCreate, &Input{
				Tenant: "acme",
				Records: []map[string]any{
					{"name": "Ada", "email": "ada@example.com"},
					{"name": "Bob", "email": "bob@example.com"},
					{"name": "Eve", "email": "ada@example.com"},
				},
			})
			var constraintErr *ConstraintError
			convey.So(errors.As(err, &constraintErr), convey.ShouldBeTrue)
			convey.So(constraintErr.Field, convey.ShouldEqual, "email")

			count, err := env.node.Count(ctx, &Input{Tenant: "acme"})
			convey.So(err, convey.ShouldBeNil)
			convey.So(count, convey.ShouldEqual, 0)
		})
	})

	convey.Convey("批量更新", t, func() {
		env := newTestEnv(t, userDefinition())

		created, err := env.run(KindBulkCreate, &Input{
			Tenant: "acme",
			Records: []map[string]any{
				{"name": "Ada", "email": "ada@example.com"},
				{"name": "Bob", "email": "bob@example.com"},
			},
		})
		convey.So(err, convey.ShouldBeNil)

		convey.Convey("按主键逐条更新", func() {
			result, err := env.run(KindBulkUpdate, &Input{
				Tenant: "acme",
				Records: []map[string]any{
					{"id": created.Records[0]["id"], "age": int64(30)},
					{"id": created.Records[1]["id"], "age": int64(25)},
				},
			})
			convey.So(err, convey.ShouldBeNil)
			convey.So(result.Affected, convey.ShouldEqual, 2)

			read, err := env.run(KindRead, &Input{Tenant: "acme", ID: created.Records[0]["id"]})
			convey.So(err, convey.ShouldBeNil)
			convey.So(read.Record["age"], convey.ShouldEqual, int64(30))
		})

		convey.Convey("缺少主键的记录", func() {
			_, err := env.run(KindBulkUpdate, &Input{
				Tenant:  "acme",
				Records: []map[string]any{{"age": int64(30)}},
			})
			convey.So(errors.Is(err, ErrValidation), convey.ShouldBeTrue)
		})
	})

	convey.Convey("批量删除", t, func() {
		env := newTestEnv(t, userDefinition())
		ctx := context.Background()

		created, err := env.run(KindBulkCreate, &Input{
			Tenant: "acme",
			Records: []map[string]any{
				{"name": "Ada", "email": "ada@example.com"},
				{"name": "Bob", "email": "bob@example.com"},
				{"name": "Eve", "email": "eve@example.com"},
			},
		})
		convey.So(err, convey.ShouldBeNil)

		result, err := env.run(KindBulkDelete, &Input{
			Tenant: "acme",
			IDs:    []any{created.Records[0]["id"], created.Records[1]["id"]},
		})
		convey.So(err, convey.ShouldBeNil)
		convey.So(result.Affected, convey.ShouldEqual, 2)

		count, err := env.node.Count(ctx, &Input{Tenant: "acme"})
		convey.So(err, convey.ShouldBeNil)
		convey.So(count, convey.ShouldEqual, 1)
	})
}

func TestNodePoolExhausted(t *testing.T) {
	convey.Convey("连接池耗尽", t, func() {
		env := newTestEnvWithPool(t, userDefinition(), &pool.PoolOptions{
			Dialect:        "sqlite3",
			Primary:        dialect.Target{Database: ":memory:"},
			MaxConns:       1,
			MaxIdle:        1,
			AcquireTimeout: 50 * time.Millisecond,
		})
		ctx := context.Background()

		created, err := env.run(KindCreate, &Input{
			Tenant: "acme",
			Record: map[string]any{"name": "Ada", "email": "ada@example.com"},
		})
		convey.So(err, convey.ShouldBeNil)

		held, err := env.pool.Acquire(ctx)
		convey.So(err, convey.ShouldBeNil)

		convey.Convey("读操作在超时后报池耗尽", func() {
			_, err := env.run(KindRead, &Input{Tenant: "acme", ID: created.Record["id"]})
			convey.So(errors.Is(err, pool.ErrPoolExhausted), convey.ShouldBeTrue)
		})

		convey.Convey("写操作在超时后报池耗尽", func() {
			_, err := env.run(KindCreate, &Input{
				Tenant: "acme",
				Record: map[string]any{"name": "Bob", "email": "bob@example.com"},
			})
			convey.So(errors.Is(err, pool.ErrPoolExhausted), convey.ShouldBeTrue)
		})

		convey.Convey("连接释放后恢复", func() {
			convey.So(held.Release(), convey.ShouldBeNil)

			read, err := env.run(KindRead, &Input{Tenant: "acme", ID: created.Record["id"]})
			convey.So(err, convey.ShouldBeNil)
			convey.So(read.Record["name"], convey.ShouldEqual, "Ada")
		})

		convey.Reset(func() { _ = held.Release() })
	})
}

func TestNodeSpecs(t *testing.T) {
	convey.Convey("操作契约", t, func() {
		env := newTestEnv(t, userDefinition())

		specs := env.node.Operations()
		convey.So(specs, convey.ShouldHaveLength, 8)

		byKind := map[Kind]OperationSpec{}
		for _, spec := range specs {
			byKind[spec.Kind] = spec
		}

		convey.Convey("读写分类", func() {
			convey.So(byKind[KindRead].ReadOnly, convey.ShouldBeTrue)
			convey.So(byKind[KindList].ReadOnly, convey.ShouldBeTrue)
			convey.So(byKind[KindCreate].ReadOnly, convey.ShouldBeFalse)
			convey.So(byKind[KindBulkDelete].ReadOnly, convey.ShouldBeFalse)
		})

		convey.Convey("创建输入不含托管字段", func() {
			for _, param := range byKind[KindCreate].Input {
				convey.So(param.Name, convey.ShouldNotBeIn,
					"id", "tenant_id", "created_at", "updated_at", "deleted_at", "version")
			}
		})

		convey.Convey("必填标记", func() {
			required := map[string]bool{}
			for _, param := range byKind[KindCreate].Input {
				required[param.Name] = param.Required
			}
			convey.So(required["name"], convey.ShouldBeTrue)
			convey.So(required["email"], convey.ShouldBeTrue)
			convey.So(required["age"], convey.ShouldBeFalse)
		})

		convey.Convey("版本化模型的更新声明版本冲突错误", func() {
			convey.So(byKind[KindUpdate].Errors, convey.ShouldContain, "version_conflict")
			convey.So(byKind[KindRead].Errors, convey.ShouldNotContain, "version_conflict")
		})

		convey.Convey("操作名带模型前缀", func() {
			convey.So(byKind[KindCreate].Name, convey.ShouldEqual, "User.Create")
		})
	})
}
