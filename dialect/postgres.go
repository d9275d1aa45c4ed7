package dialect

import (
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/hatlonely/dbx/schema"
)

func init() {
	Register(&Postgres{})
}

type Postgres struct {
	savepoints
}

func (d *Postgres) Name() string {
	return "postgres"
}

func (d *Postgres) Driver() string {
	return "postgres"
}

func (d *Postgres) BuildDSN(target *Target) (string, error) {
	if target.DSN != "" {
		return target.DSN, nil
	}
	port := target.Port
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		target.Host, port, target.Username, target.Password, target.Database), nil
}

func (d *Postgres) Quote(ident string) string {
	return `"` + ident + `"`
}

func (d *Postgres) ColumnType(field schema.FieldDefinition) string {
	switch field.Type {
	case schema.FieldTypeString:
		if field.Size > 0 {
			return fmt.Sprintf("VARCHAR(%d)", field.Size)
		}
		return "VARCHAR(255)"
	case schema.FieldTypeInteger, schema.FieldTypeReference:
		return "BIGINT"
	case schema.FieldTypeFloat:
		return "DOUBLE PRECISION"
	case schema.FieldTypeBoolean:
		return "BOOLEAN"
	case schema.FieldTypeTimestamp:
		return "TIMESTAMPTZ"
	case schema.FieldTypeJSON:
		return "JSONB"
	default:
		return "VARCHAR(255)"
	}
}

// FormatSQL 把 ? 占位符依次改写为 $1, $2, $3...
func (d *Postgres) FormatSQL(sqlStr string, args []any) (string, []any) {
	count := 1
	for strings.Contains(sqlStr, "?") {
		sqlStr = strings.Replace(sqlStr, "?", fmt.Sprintf("$%d", count), 1)
		count++
	}
	return sqlStr, args
}

func (d *Postgres) SupportsIndexIfNotExists() bool {
	return true
}

// ConstraintField 唯一约束错误码 23505，约束名在 Constraint 字段中
func (d *Postgres) ConstraintField(err error) (string, bool) {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return "", false
	}
	return pqErr.Constraint, true
}
