package dialect

import (
	"strings"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/hatlonely/dbx/schema"
)

func init() {
	Register(&SQLite{})
}

type SQLite struct {
	savepoints
}

func (d *SQLite) Name() string {
	return "sqlite3"
}

func (d *SQLite) Driver() string {
	return "sqlite3"
}

func (d *SQLite) BuildDSN(target *Target) (string, error) {
	if target.DSN != "" {
		return target.DSN, nil
	}
	if target.Database == "" {
		return "", errors.New("sqlite3 requires a database path")
	}
	return target.Database, nil
}

func (d *SQLite) Quote(ident string) string {
	return `"` + ident + `"`
}

func (d *SQLite) ColumnType(field schema.FieldDefinition) string {
	switch field.Type {
	case schema.FieldTypeInteger, schema.FieldTypeBoolean, schema.FieldTypeReference:
		return "INTEGER"
	case schema.FieldTypeFloat:
		return "REAL"
	default:
		// string、timestamp、json 都落在 TEXT
		return "TEXT"
	}
}

func (d *SQLite) FormatSQL(sqlStr string, args []any) (string, []any) {
	return sqlStr, args
}

func (d *SQLite) SupportsIndexIfNotExists() bool {
	return true
}

// ConstraintField 从约束错误消息中提取列名。
// 消息格式：UNIQUE constraint failed: table.column
func (d *SQLite) ConstraintField(err error) (string, bool) {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return "", false
	}
	if sqliteErr.ExtendedCode != sqlite3.ErrConstraintUnique &&
		sqliteErr.ExtendedCode != sqlite3.ErrConstraintPrimaryKey {
		return "", false
	}

	message := sqliteErr.Error()
	i := strings.LastIndex(message, ": ")
	if i == -1 {
		return "", true
	}
	column := message[i+2:]
	if j := strings.LastIndex(column, "."); j != -1 {
		column = column[j+1:]
	}
	return column, true
}
