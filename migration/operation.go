package migration

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/hatlonely/dbx/dialect"
	"github.com/hatlonely/dbx/schema"
)

// OpKind 迁移操作类型
type OpKind string

const (
	OpCreateTable OpKind = "create_table"
	OpDropTable   OpKind = "drop_table"
	OpAddColumn   OpKind = "add_column"
	OpDropColumn  OpKind = "drop_column"
	OpAlterColumn OpKind = "alter_column"
	OpCreateIndex OpKind = "create_index"
	OpDropIndex   OpKind = "drop_index"
)

// Operation 单个迁移操作。保留变更前的定义，任何操作都可以逆转。
type Operation struct {
	Kind  OpKind
	Table string

	// create_table / drop_table 的表定义
	Model schema.ModelSchema

	// add_column / alter_column 的目标定义
	Field schema.FieldDefinition
	// alter_column / drop_column 变更前的定义
	PrevField schema.FieldDefinition

	// create_index / drop_index 的索引定义
	Index schema.IndexDefinition
}

// Destructive 是否为破坏性操作。删除表和删除列会丢数据，
// 需要显式确认才会被执行。
func (op *Operation) Destructive() bool {
	return op.Kind == OpDropTable || op.Kind == OpDropColumn
}

// Reverse 返回逆操作
func (op *Operation) Reverse() Operation {
	switch op.Kind {
	case OpCreateTable:
		return Operation{Kind: OpDropTable, Table: op.Table, Model: op.Model}
	case OpDropTable:
		return Operation{Kind: OpCreateTable, Table: op.Table, Model: op.Model}
	case OpAddColumn:
		return Operation{Kind: OpDropColumn, Table: op.Table, PrevField: op.Field}
	case OpDropColumn:
		return Operation{Kind: OpAddColumn, Table: op.Table, Field: op.PrevField}
	case OpAlterColumn:
		return Operation{Kind: OpAlterColumn, Table: op.Table, Field: op.PrevField, PrevField: op.Field}
	case OpCreateIndex:
		return Operation{Kind: OpDropIndex, Table: op.Table, Index: op.Index}
	default:
		return Operation{Kind: OpCreateIndex, Table: op.Table, Index: op.Index}
	}
}

// SQL 渲染操作的 DDL 语句
func (op *Operation) SQL(d dialect.Dialect) ([]string, error) {
	switch op.Kind {
	case OpCreateTable:
		return []string{buildCreateTableSQL(d, op.Model)}, nil
	case OpDropTable:
		return []string{"DROP TABLE IF EXISTS " + d.Quote(op.Table)}, nil
	case OpAddColumn:
		return []string{fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s",
			d.Quote(op.Table), buildColumnDefinition(d, op.Field))}, nil
	case OpDropColumn:
		return []string{fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s",
			d.Quote(op.Table), d.Quote(op.PrevField.Name))}, nil
	case OpAlterColumn:
		return buildAlterColumnSQL(d, op.Table, op.Field)
	case OpCreateIndex:
		return []string{buildCreateIndexSQL(d, op.Table, op.Index)}, nil
	case OpDropIndex:
		return []string{buildDropIndexSQL(d, op.Table, op.Index)}, nil
	default:
		return nil, errors.Errorf("unknown operation kind %q", op.Kind)
	}
}

// buildCreateTableSQL 构建建表语句，主键固定为 id
func buildCreateTableSQL(d dialect.Dialect, model schema.ModelSchema) string {
	columns := make([]string, 0, len(model.Fields)+1)
	for _, field := range model.Fields {
		columns = append(columns, buildColumnDefinition(d, field))
	}
	columns = append(columns, fmt.Sprintf("PRIMARY KEY (%s)", d.Quote(schema.FieldID)))

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)",
		d.Quote(model.Table), strings.Join(columns, ",\n  "))
}

// buildColumnDefinition 构建单个字段定义
func buildColumnDefinition(d dialect.Dialect, field schema.FieldDefinition) string {
	parts := []string{d.Quote(field.Name), d.ColumnType(field)}

	if !field.Nullable && field.Name != schema.FieldDeletedAt {
		parts = append(parts, "NOT NULL")
	}

	if field.Default != nil {
		parts = append(parts, "DEFAULT "+formatDefaultValue(field.Default))
	}

	return strings.Join(parts, " ")
}

func formatDefaultValue(value any) string {
	switch v := value.(type) {
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case bool:
		if v {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprintf("%v", v)
	}
}

func buildAlterColumnSQL(d dialect.Dialect, table string, field schema.FieldDefinition) ([]string, error) {
	switch d.Name() {
	case "mysql":
		return []string{fmt.Sprintf("ALTER TABLE %s MODIFY COLUMN %s",
			d.Quote(table), buildColumnDefinition(d, field))}, nil
	case "postgres":
		statements := []string{fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s",
			d.Quote(table), d.Quote(field.Name), d.ColumnType(field))}
		if field.Nullable {
			statements = append(statements, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP NOT NULL",
				d.Quote(table), d.Quote(field.Name)))
		} else {
			statements = append(statements, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET NOT NULL",
				d.Quote(table), d.Quote(field.Name)))
		}
		return statements, nil
	default:
		// sqlite3 不支持修改列定义，列是动态类型的，忽略即可
		return nil, nil
	}
}

func buildCreateIndexSQL(d dialect.Dialect, table string, index schema.IndexDefinition) string {
	indexType := "INDEX"
	if index.Unique {
		indexType = "UNIQUE INDEX"
	}

	fields := make([]string, len(index.Fields))
	for i, field := range index.Fields {
		fields[i] = d.Quote(field)
	}

	if !d.SupportsIndexIfNotExists() {
		return fmt.Sprintf("CREATE %s %s ON %s (%s)",
			indexType, d.Quote(index.Name), d.Quote(table), strings.Join(fields, ", "))
	}
	return fmt.Sprintf("CREATE %s IF NOT EXISTS %s ON %s (%s)",
		indexType, d.Quote(index.Name), d.Quote(table), strings.Join(fields, ", "))
}

func buildDropIndexSQL(d dialect.Dialect, table string, index schema.IndexDefinition) string {
	// MySQL 删索引要指定表名
	if d.Name() == "mysql" {
		return fmt.Sprintf("DROP INDEX %s ON %s", d.Quote(index.Name), d.Quote(table))
	}
	return "DROP INDEX IF EXISTS " + d.Quote(index.Name)
}
