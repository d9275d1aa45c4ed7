package node

import (
	"github.com/hatlonely/dbx/schema"
)

// Kind 操作类型
type Kind string

const (
	KindCreate     Kind = "Create"
	KindRead       Kind = "Read"
	KindUpdate     Kind = "Update"
	KindDelete     Kind = "Delete"
	KindList       Kind = "List"
	KindBulkCreate Kind = "BulkCreate"
	KindBulkUpdate Kind = "BulkUpdate"
	KindBulkDelete Kind = "BulkDelete"
)

// ParamSpec 参数声明，编排器用它做输入校验和界面生成
type ParamSpec struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// OperationSpec 操作的对外契约：输入输出形状、读写分类和可能的错误类型
type OperationSpec struct {
	Name     string      `json:"name"`
	Kind     Kind        `json:"kind"`
	ReadOnly bool        `json:"readOnly"`
	Input    []ParamSpec `json:"input"`
	Output   []ParamSpec `json:"output"`
	Errors   []string    `json:"errors"`
}

const (
	errKindValidation          = "validation"
	errKindNotFound            = "not_found"
	errKindConstraintViolation = "constraint_violation"
	errKindVersionConflict     = "version_conflict"
	errKindPoolExhausted       = "pool_exhausted"
	errKindTransactionTimeout  = "transaction_timeout"
)

// managedFields 引擎托管的字段，不出现在写入参数里
func managedFields(model *schema.Model) map[string]bool {
	managed := map[string]bool{
		schema.FieldID:        true,
		schema.FieldCreatedAt: true,
		schema.FieldUpdatedAt: true,
		schema.FieldDeletedAt: true,
		schema.FieldVersion:   true,
	}
	if model.TenantScoped() {
		managed[model.TenantField] = true
	}
	return managed
}

// writableParams 调用方可以写入的字段
func writableParams(model *schema.Model) []ParamSpec {
	managed := managedFields(model)
	var params []ParamSpec
	for _, field := range model.Fields {
		if managed[field.Name] {
			continue
		}
		params = append(params, ParamSpec{
			Name:     field.Name,
			Type:     string(field.Type),
			Required: !field.Nullable && field.Default == nil,
		})
	}
	return params
}

// recordParams 输出的完整记录形状
func recordParams(model *schema.Model) []ParamSpec {
	params := make([]ParamSpec, 0, len(model.Fields))
	for _, field := range model.Fields {
		params = append(params, ParamSpec{
			Name:     field.Name,
			Type:     string(field.Type),
			Required: !field.Nullable,
		})
	}
	return params
}

func buildSpec(model *schema.Model, kind Kind) OperationSpec {
	spec := OperationSpec{
		Name: model.Name + "." + string(kind),
		Kind: kind,
	}

	idType := string(schema.FieldTypeInteger)
	if model.IDKind == schema.IDKindString {
		idType = string(schema.FieldTypeString)
	}

	filterParam := ParamSpec{Name: "filter", Type: "json"}
	mutationErrors := []string{
		errKindValidation, errKindConstraintViolation,
		errKindPoolExhausted, errKindTransactionTimeout,
	}

	switch kind {
	case KindCreate:
		spec.Input = writableParams(model)
		spec.Output = recordParams(model)
		spec.Errors = mutationErrors

	case KindRead:
		spec.ReadOnly = true
		spec.Input = []ParamSpec{{Name: schema.FieldID, Type: idType, Required: true}}
		spec.Output = recordParams(model)
		spec.Errors = []string{errKindValidation, errKindNotFound, errKindPoolExhausted}

	case KindList:
		spec.ReadOnly = true
		spec.Input = []ParamSpec{
			filterParam,
			{Name: "fields", Type: "json"},
			{Name: "orderBy", Type: "json"},
			{Name: "limit", Type: string(schema.FieldTypeInteger)},
			{Name: "offset", Type: string(schema.FieldTypeInteger)},
		}
		spec.Output = recordParams(model)
		spec.Errors = []string{errKindValidation, errKindPoolExhausted}

	case KindUpdate:
		spec.Input = append([]ParamSpec{filterParam}, writableParams(model)...)
		spec.Output = []ParamSpec{{Name: "affected", Type: string(schema.FieldTypeInteger), Required: true}}
		spec.Errors = mutationErrors
		if model.Versioned {
			spec.Errors = append(spec.Errors, errKindVersionConflict)
		}

	case KindDelete:
		spec.Input = []ParamSpec{filterParam}
		spec.Output = []ParamSpec{{Name: "affected", Type: string(schema.FieldTypeInteger), Required: true}}
		spec.Errors = mutationErrors

	case KindBulkCreate:
		spec.Input = []ParamSpec{{Name: "records", Type: "json", Required: true}}
		spec.Output = recordParams(model)
		spec.Errors = mutationErrors

	case KindBulkUpdate:
		spec.Input = []ParamSpec{{Name: "records", Type: "json", Required: true}}
		spec.Output = []ParamSpec{{Name: "affected", Type: string(schema.FieldTypeInteger), Required: true}}
		spec.Errors = mutationErrors

	case KindBulkDelete:
		spec.Input = []ParamSpec{{Name: "ids", Type: "json", Required: true}}
		spec.Output = []ParamSpec{{Name: "affected", Type: string(schema.FieldTypeInteger), Required: true}}
		spec.Errors = mutationErrors
	}

	return spec
}
