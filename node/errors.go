package node

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/hatlonely/dbx/dialect"
	"github.com/hatlonely/dbx/schema"
)

var (
	ErrRecordNotFound  = errors.New("record not found")
	ErrValidation      = errors.New("validation failed")
	ErrVersionConflict = errors.New("version conflict")
)

// ConstraintError 后端唯一约束冲突，Field 是被违反的列
type ConstraintError struct {
	Model string
	Field string
	cause error
}

func (e *ConstraintError) Error() string {
	return "constraint violation on " + e.Model + "." + e.Field
}

func (e *ConstraintError) Unwrap() error {
	return e.cause
}

// wrapExecError 把驱动错误翻译成引擎错误。
// 方言返回的可能是约束名也可能是列名，按模型索引还原出字段。
func wrapExecError(d dialect.Dialect, model *schema.Model, err error) error {
	if err == nil {
		return nil
	}

	name, ok := d.ConstraintField(err)
	if !ok {
		return err
	}

	field := name
	if index, found := model.Index(name); found && len(index.Fields) == 1 {
		field = index.Fields[0]
	} else if _, found := model.Field(name); !found {
		// 约束名不是索引也不是字段，去掉 uk_<table>_ 前缀再试
		prefix := "uk_" + model.Table + "_"
		if strings.HasPrefix(name, prefix) {
			field = strings.TrimPrefix(name, prefix)
		}
	}

	return &ConstraintError{Model: model.Name, Field: field, cause: err}
}
