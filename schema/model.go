package schema

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrDuplicateModel = errors.New("duplicate model")
	ErrInvalidField   = errors.New("invalid field")
	ErrModelNotFound  = errors.New("model not found")
)

// FieldType 字段语义类型
type FieldType string

const (
	FieldTypeString    FieldType = "string"
	FieldTypeInteger   FieldType = "integer"
	FieldTypeFloat     FieldType = "float"
	FieldTypeBoolean   FieldType = "boolean"
	FieldTypeTimestamp FieldType = "timestamp"
	FieldTypeJSON      FieldType = "json"
	FieldTypeReference FieldType = "reference"
)

var fieldTypes = map[FieldType]bool{
	FieldTypeString:    true,
	FieldTypeInteger:   true,
	FieldTypeFloat:     true,
	FieldTypeBoolean:   true,
	FieldTypeTimestamp: true,
	FieldTypeJSON:      true,
	FieldTypeReference: true,
}

// IDKind 代理键类型
type IDKind string

const (
	IDKindInt    IDKind = "int"
	IDKindString IDKind = "string"
)

// FieldDefinition 字段定义
type FieldDefinition struct {
	Name     string    `cfg:"name"`
	Type     FieldType `cfg:"type"`
	Nullable bool      `cfg:"nullable"`
	Default  any       `cfg:"default"`
	Unique   bool      `cfg:"unique"`
	// 字段长度，如 VARCHAR(255)
	Size int `cfg:"size"`
	// reference 类型字段指向的模型名
	Reference string `cfg:"reference"`
}

// IndexDefinition 索引定义
type IndexDefinition struct {
	Name   string   `cfg:"name"`
	Fields []string `cfg:"fields"`
	Unique bool     `cfg:"unique"`
}

// ModelDefinition 模型声明，注册后转换为 Model
type ModelDefinition struct {
	Name   string            `cfg:"name"`
	Table  string            `cfg:"table"`
	Fields []FieldDefinition `cfg:"fields"`
	Indexes []IndexDefinition `cfg:"indexes"`

	// 租户列名，设置后该模型的所有查询都会被租户谓词限定
	TenantField string `cfg:"tenantField"`

	// 软删除：增加 deleted_at 字段，Delete 改写为 UPDATE
	SoftDelete bool `cfg:"softDelete"`

	// 乐观锁：增加 version 字段，Update 带版本谓词
	Versioned bool `cfg:"versioned"`

	// 代理键类型，缺省为 int（snowflake）
	IDKind IDKind `cfg:"idKind"`
}

// Model 注册后的模型，首次迁移生成后不可变更
type Model struct {
	Name        string
	Table       string
	Fields      []FieldDefinition
	Indexes     []IndexDefinition
	TenantField string
	SoftDelete  bool
	Versioned   bool
	IDKind      IDKind

	fieldIndex map[string]int
}

// 隐式字段名
const (
	FieldID        = "id"
	FieldCreatedAt = "created_at"
	FieldUpdatedAt = "updated_at"
	FieldDeletedAt = "deleted_at"
	FieldVersion   = "version"
)

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// buildModel 校验模型声明并补全隐式字段，相同输入总是得到相同的派生模型
func buildModel(def *ModelDefinition) (*Model, error) {
	if def.Name == "" || !identRe.MatchString(def.Name) {
		return nil, errors.WithMessagef(ErrInvalidField, "invalid model name %q", def.Name)
	}

	table := def.Table
	if table == "" {
		table = strings.ToLower(def.Name)
	}
	if !identRe.MatchString(table) {
		return nil, errors.WithMessagef(ErrInvalidField, "invalid table name %q", table)
	}

	idKind := def.IDKind
	if idKind == "" {
		idKind = IDKindInt
	}
	if idKind != IDKindInt && idKind != IDKindString {
		return nil, errors.WithMessagef(ErrInvalidField, "invalid id kind %q", idKind)
	}

	declared := map[string]FieldDefinition{}
	for _, field := range def.Fields {
		if field.Name == "" || !identRe.MatchString(field.Name) {
			return nil, errors.WithMessagef(ErrInvalidField, "invalid field name %q", field.Name)
		}
		if !fieldTypes[field.Type] {
			return nil, errors.WithMessagef(ErrInvalidField, "field %s: unknown type %q", field.Name, field.Type)
		}
		if field.Type == FieldTypeReference && field.Reference == "" {
			return nil, errors.WithMessagef(ErrInvalidField, "field %s: reference type requires a target model", field.Name)
		}
		if _, exists := declared[field.Name]; exists {
			return nil, errors.WithMessagef(ErrInvalidField, "duplicate field %q", field.Name)
		}
		declared[field.Name] = field
	}

	// 默认值归一化为序列化稳定的类型，快照编解码往返后对比不产生伪差异
	for i := range def.Fields {
		def.Fields[i].Default = normalizeDefault(def.Fields[i].Default)
	}

	if def.TenantField != "" && !identRe.MatchString(def.TenantField) {
		return nil, errors.WithMessagef(ErrInvalidField, "invalid tenant field %q", def.TenantField)
	}

	// 组装字段序列：id、租户列、声明字段、时间戳、软删除、版本。
	// 显式声明的同名字段覆盖隐式定义，且保持声明位置。
	var fields []FieldDefinition

	appendImplicit := func(field FieldDefinition) {
		if _, overridden := declared[field.Name]; overridden {
			return
		}
		fields = append(fields, field)
	}

	idType := FieldTypeInteger
	if idKind == IDKindString {
		idType = FieldTypeString
	}
	appendImplicit(FieldDefinition{Name: FieldID, Type: idType, Unique: true})

	if def.TenantField != "" {
		appendImplicit(FieldDefinition{Name: def.TenantField, Type: FieldTypeString})
	}

	fields = append(fields, def.Fields...)

	appendImplicit(FieldDefinition{Name: FieldCreatedAt, Type: FieldTypeTimestamp})
	appendImplicit(FieldDefinition{Name: FieldUpdatedAt, Type: FieldTypeTimestamp})
	if def.SoftDelete {
		appendImplicit(FieldDefinition{Name: FieldDeletedAt, Type: FieldTypeTimestamp, Nullable: true})
	}
	if def.Versioned {
		appendImplicit(FieldDefinition{Name: FieldVersion, Type: FieldTypeInteger, Default: int64(1)})
	}

	fieldIndex := make(map[string]int, len(fields))
	for i, field := range fields {
		fieldIndex[field.Name] = i
	}

	// 唯一字段派生唯一索引，与显式索引合并
	indexes := make([]IndexDefinition, 0, len(def.Indexes))
	for _, index := range def.Indexes {
		if index.Name == "" || !identRe.MatchString(index.Name) {
			return nil, errors.WithMessagef(ErrInvalidField, "invalid index name %q", index.Name)
		}
		for _, fieldName := range index.Fields {
			if _, ok := fieldIndex[fieldName]; !ok {
				return nil, errors.WithMessagef(ErrInvalidField, "index %s: unknown field %q", index.Name, fieldName)
			}
		}
		indexes = append(indexes, index)
	}
	for _, field := range fields {
		if field.Unique && field.Name != FieldID {
			indexes = append(indexes, IndexDefinition{
				Name:   "uk_" + table + "_" + field.Name,
				Fields: []string{field.Name},
				Unique: true,
			})
		}
	}
	if def.TenantField != "" {
		indexes = append(indexes, IndexDefinition{
			Name:   "idx_" + table + "_" + def.TenantField,
			Fields: []string{def.TenantField},
		})
	}

	return &Model{
		Name:        def.Name,
		Table:       table,
		Fields:      fields,
		Indexes:     indexes,
		TenantField: def.TenantField,
		SoftDelete:  def.SoftDelete,
		Versioned:   def.Versioned,
		IDKind:      idKind,
		fieldIndex:  fieldIndex,
	}, nil
}

func normalizeDefault(value any) any {
	switch v := value.(type) {
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case uint:
		return int64(v)
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint64:
		return int64(v)
	case float32:
		return float64(v)
	default:
		return value
	}
}

// Field 按名称查找字段定义
func (m *Model) Field(name string) (FieldDefinition, bool) {
	i, ok := m.fieldIndex[name]
	if !ok {
		return FieldDefinition{}, false
	}
	return m.Fields[i], true
}

// Index 按名称查找索引定义
func (m *Model) Index(name string) (IndexDefinition, bool) {
	for _, index := range m.Indexes {
		if index.Name == name {
			return index, true
		}
	}
	return IndexDefinition{}, false
}

// TenantScoped 模型是否启用租户隔离
func (m *Model) TenantScoped() bool {
	return m.TenantField != ""
}

// FieldNames 按定义顺序返回所有字段名
func (m *Model) FieldNames() []string {
	names := make([]string, len(m.Fields))
	for i, field := range m.Fields {
		names[i] = field.Name
	}
	return names
}
