package dbx

import (
	"github.com/pkg/errors"

	"github.com/hatlonely/dbx/migration"
	"github.com/hatlonely/dbx/node"
	"github.com/hatlonely/dbx/pool"
	"github.com/hatlonely/dbx/query"
	"github.com/hatlonely/dbx/schema"
	"github.com/hatlonely/dbx/tx"
)

// 各组件的哨兵错误在根包重新导出，调用方不需要依赖内部包
var (
	ErrValidation      = node.ErrValidation
	ErrRecordNotFound  = node.ErrRecordNotFound
	ErrVersionConflict = node.ErrVersionConflict
	ErrModelNotFound   = schema.ErrModelNotFound

	ErrMissingTenant = query.ErrMissingTenant

	ErrPoolExhausted      = pool.ErrPoolExhausted
	ErrTransactionTimeout = tx.ErrTransactionTimeout

	ErrMigrationConflict        = migration.ErrMigrationConflict
	ErrMigrationLocked          = migration.ErrMigrationLocked
	ErrDestructiveChangeBlocked = migration.ErrDestructiveChangeBlocked
)

// ConstraintError 唯一约束冲突
type ConstraintError = node.ConstraintError

// 错误类别，和操作契约里声明的错误列表一致
const (
	KindValidation               = "validation"
	KindNotFound                 = "not_found"
	KindConstraintViolation      = "constraint_violation"
	KindVersionConflict          = "version_conflict"
	KindPoolExhausted            = "pool_exhausted"
	KindTransactionTimeout       = "transaction_timeout"
	KindSchemaConflict           = "schema_conflict"
	KindDestructiveChangeBlocked = "destructive_change_blocked"
)

// ErrorKind 把错误归入操作契约声明的类别，无法归类时返回假
func ErrorKind(err error) (string, bool) {
	var constraintErr *ConstraintError
	switch {
	case err == nil:
		return "", false
	case errors.As(err, &constraintErr):
		return KindConstraintViolation, true
	case errors.Is(err, ErrValidation), errors.Is(err, ErrMissingTenant):
		return KindValidation, true
	case errors.Is(err, ErrRecordNotFound), errors.Is(err, ErrModelNotFound):
		return KindNotFound, true
	case errors.Is(err, ErrVersionConflict):
		return KindVersionConflict, true
	case errors.Is(err, ErrPoolExhausted):
		return KindPoolExhausted, true
	case errors.Is(err, ErrTransactionTimeout):
		return KindTransactionTimeout, true
	case errors.Is(err, ErrMigrationConflict), errors.Is(err, ErrMigrationLocked):
		return KindSchemaConflict, true
	case errors.Is(err, ErrDestructiveChangeBlocked):
		return KindDestructiveChangeBlocked, true
	default:
		return "", false
	}
}

// Error 错误描述，编排器按类别和字段决定如何呈现
type Error struct {
	Kind    string `json:"kind"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// Describe 把错误展开成带类别的描述，无法归类时返回假
func Describe(err error) (*Error, bool) {
	kind, ok := ErrorKind(err)
	if !ok {
		return nil, false
	}

	described := &Error{Kind: kind, Message: err.Error()}
	var constraintErr *ConstraintError
	if errors.As(err, &constraintErr) {
		described.Field = constraintErr.Field
	}
	return described, true
}
