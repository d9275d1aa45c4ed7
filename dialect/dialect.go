package dialect

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/hatlonely/dbx/schema"
)

var ErrUnknownDialect = errors.New("unknown dialect")

// Target 连接目标。DSN 非空时直接使用，否则由方言拼装
type Target struct {
	DSN      string `cfg:"dsn"`
	Host     string `cfg:"host" def:"localhost"`
	Port     string `cfg:"port"`
	Database string `cfg:"database"`
	Username string `cfg:"username"`
	Password string `cfg:"password"`
	Charset  string `cfg:"charset" def:"utf8mb4"`
}

// Dialect 屏蔽各数据库之间的 SQL 差异。
// 上层一律渲染 ? 占位符，由 FormatSQL 在执行前做最终改写。
type Dialect interface {
	// Name 方言名，也是注册键
	Name() string
	// Driver database/sql 驱动名
	Driver() string
	// BuildDSN 根据连接目标拼装 DSN
	BuildDSN(target *Target) (string, error)
	// Quote 引用标识符
	Quote(ident string) string
	// ColumnType 字段定义到列类型的映射
	ColumnType(field schema.FieldDefinition) string
	// FormatSQL 把 ? 占位符改写为驱动支持的格式
	FormatSQL(sqlStr string, args []any) (string, []any)
	// SupportsIndexIfNotExists 建索引是否支持 IF NOT EXISTS
	SupportsIndexIfNotExists() bool
	// SavepointSQL / RollbackToSQL / ReleaseSQL 保存点语句
	SavepointSQL(name string) string
	RollbackToSQL(name string) string
	ReleaseSQL(name string) string
	// ConstraintField 从驱动错误中提取被违反的唯一约束列，
	// 不是唯一约束错误时返回 false
	ConstraintField(err error) (string, bool)
}

var (
	dialectMu sync.RWMutex
	dialects  = map[string]Dialect{}
)

// Register 注册方言，各实现文件在 init 中调用
func Register(d Dialect) {
	dialectMu.Lock()
	defer dialectMu.Unlock()
	dialects[d.Name()] = d
}

// Get 按名称查找方言
func Get(name string) (Dialect, error) {
	dialectMu.RLock()
	defer dialectMu.RUnlock()
	d, ok := dialects[name]
	if !ok {
		return nil, errors.WithMessagef(ErrUnknownDialect, "dialect %q", name)
	}
	return d, nil
}

// savepoints 保存点语句在三个方言中一致，内嵌复用
type savepoints struct{}

func (savepoints) SavepointSQL(name string) string {
	return "SAVEPOINT " + name
}

func (savepoints) RollbackToSQL(name string) string {
	return "ROLLBACK TO SAVEPOINT " + name
}

func (savepoints) ReleaseSQL(name string) string {
	return "RELEASE SAVEPOINT " + name
}
