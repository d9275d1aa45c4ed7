package schema

import (
	"reflect"
	"sync"

	"github.com/pkg/errors"
)

// Registry 模型注册表，按注册顺序保存所有模型的规范化定义
type Registry struct {
	mu     sync.RWMutex
	models map[string]*Model
	order  []string
}

func NewRegistry() *Registry {
	return &Registry{
		models: map[string]*Model{},
	}
}

// Register 注册模型。重复注册相同形状的声明是幂等的，
// 形状不兼容时返回 ErrDuplicateModel。
func (r *Registry) Register(def *ModelDefinition) (*Model, error) {
	if def == nil {
		return nil, errors.WithMessage(ErrInvalidField, "model definition is nil")
	}

	model, err := buildModel(def)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.models[model.Name]; ok {
		if sameShape(existing, model) {
			return existing, nil
		}
		return nil, errors.WithMessagef(ErrDuplicateModel, "model %q already registered with a different shape", model.Name)
	}

	// reference 字段的目标模型必须已注册或指向自身
	for _, field := range model.Fields {
		if field.Type != FieldTypeReference {
			continue
		}
		if field.Reference == model.Name {
			continue
		}
		if _, ok := r.models[field.Reference]; !ok {
			return nil, errors.WithMessagef(ErrInvalidField,
				"field %s references unregistered model %q", field.Name, field.Reference)
		}
	}

	r.models[model.Name] = model
	r.order = append(r.order, model.Name)
	return model, nil
}

// Model 按名称查找模型
func (r *Registry) Model(name string) (*Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	model, ok := r.models[name]
	return model, ok
}

// MustModel 按名称查找模型，不存在时 panic
func (r *Registry) MustModel(name string) *Model {
	model, ok := r.Model(name)
	if !ok {
		panic("model not registered: " + name)
	}
	return model
}

// Models 按注册顺序返回所有模型
func (r *Registry) Models() []*Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	models := make([]*Model, 0, len(r.order))
	for _, name := range r.order {
		models = append(models, r.models[name])
	}
	return models
}

// Snapshot 导出注册表的有序快照，供迁移对比使用。
// 顺序取注册顺序，保证 diff 结果确定。
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(Snapshot, 0, len(r.order))
	for _, name := range r.order {
		model := r.models[name]
		snapshot = append(snapshot, ModelSchema{
			Name:        model.Name,
			Table:       model.Table,
			Fields:      append([]FieldDefinition(nil), model.Fields...),
			Indexes:     append([]IndexDefinition(nil), model.Indexes...),
			TenantField: model.TenantField,
			SoftDelete:  model.SoftDelete,
			Versioned:   model.Versioned,
			IDKind:      model.IDKind,
		})
	}
	return snapshot
}

func sameShape(a, b *Model) bool {
	return a.Table == b.Table &&
		a.TenantField == b.TenantField &&
		a.SoftDelete == b.SoftDelete &&
		a.Versioned == b.Versioned &&
		a.IDKind == b.IDKind &&
		reflect.DeepEqual(a.Fields, b.Fields) &&
		reflect.DeepEqual(a.Indexes, b.Indexes)
}
