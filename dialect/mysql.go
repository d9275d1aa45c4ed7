package dialect

import (
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"github.com/hatlonely/dbx/schema"
)

func init() {
	Register(&MySQL{})
}

type MySQL struct {
	savepoints
}

func (d *MySQL) Name() string {
	return "mysql"
}

func (d *MySQL) Driver() string {
	return "mysql"
}

func (d *MySQL) BuildDSN(target *Target) (string, error) {
	if target.DSN != "" {
		return target.DSN, nil
	}
	port := target.Port
	if port == "" {
		port = "3306"
	}
	charset := target.Charset
	if charset == "" {
		charset = "utf8mb4"
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=%s&parseTime=True&loc=Local",
		target.Username, target.Password, target.Host, port, target.Database, charset), nil
}

func (d *MySQL) Quote(ident string) string {
	return "`" + ident + "`"
}

func (d *MySQL) ColumnType(field schema.FieldDefinition) string {
	switch field.Type {
	case schema.FieldTypeString:
		if field.Size > 0 {
			return fmt.Sprintf("VARCHAR(%d)", field.Size)
		}
		return "VARCHAR(255)"
	case schema.FieldTypeInteger, schema.FieldTypeReference:
		return "BIGINT"
	case schema.FieldTypeFloat:
		return "DOUBLE"
	case schema.FieldTypeBoolean:
		return "BOOLEAN"
	case schema.FieldTypeTimestamp:
		return "DATETIME(6)"
	case schema.FieldTypeJSON:
		return "JSON"
	default:
		return "VARCHAR(255)"
	}
}

func (d *MySQL) FormatSQL(sqlStr string, args []any) (string, []any) {
	return sqlStr, args
}

// MySQL 的 CREATE INDEX 不支持 IF NOT EXISTS
func (d *MySQL) SupportsIndexIfNotExists() bool {
	return false
}

// ConstraintField 从 1062 错误消息中提取约束名。
// 消息格式：Duplicate entry 'x' for key 'table.uk_table_field'
func (d *MySQL) ConstraintField(err error) (string, bool) {
	var mysqlErr *mysql.MySQLError
	if !errors.As(err, &mysqlErr) || mysqlErr.Number != 1062 {
		return "", false
	}

	message := mysqlErr.Message
	i := strings.LastIndex(message, "for key '")
	if i == -1 {
		return "", true
	}
	key := strings.TrimSuffix(message[i+len("for key '"):], "'")
	if j := strings.LastIndex(key, "."); j != -1 {
		key = key[j+1:]
	}
	return key, true
}
