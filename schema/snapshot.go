package schema

import (
	"encoding/hex"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"
)

// ModelSchema 快照中单个模型的形状
type ModelSchema struct {
	Name        string            `msgpack:"name"`
	Table       string            `msgpack:"table"`
	Fields      []FieldDefinition `msgpack:"fields"`
	Indexes     []IndexDefinition `msgpack:"indexes"`
	TenantField string            `msgpack:"tenantField"`
	SoftDelete  bool              `msgpack:"softDelete"`
	Versioned   bool              `msgpack:"versioned"`
	IDKind      IDKind            `msgpack:"idKind"`
}

// Snapshot 注册表的有序快照，迁移记录和 diff 的输入
type Snapshot []ModelSchema

// Model 按名称查找快照中的模型
func (s Snapshot) Model(name string) (ModelSchema, bool) {
	for _, m := range s {
		if m.Name == name {
			return m, true
		}
	}
	return ModelSchema{}, false
}

// Field 按名称查找字段
func (m ModelSchema) Field(name string) (FieldDefinition, bool) {
	for _, f := range m.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDefinition{}, false
}

// Index 按名称查找索引
func (m ModelSchema) Index(name string) (IndexDefinition, bool) {
	for _, idx := range m.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return IndexDefinition{}, false
}

// Hash 快照的稳定哈希，持久化在迁移日志中用于漂移检测
func (s Snapshot) Hash() (string, error) {
	buf, err := msgpack.Marshal(s)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(buf)
	return hex.EncodeToString(sum[:]), nil
}

// Encode 序列化快照，随迁移日志一并持久化
func (s Snapshot) Encode() ([]byte, error) {
	return msgpack.Marshal(s)
}

// DecodeSnapshot 反序列化持久化的快照
func DecodeSnapshot(buf []byte) (Snapshot, error) {
	var s Snapshot
	if err := msgpack.Unmarshal(buf, &s); err != nil {
		return nil, err
	}
	return s, nil
}
