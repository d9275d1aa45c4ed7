package migration

import (
	"reflect"

	"github.com/hatlonely/dbx/schema"
)

// Migration 一次模式变更：从 Prev 快照演进到 Next 快照的操作序列。
// 操作按创建、变更、删除的顺序排列，创建先于一切删除执行。
type Migration struct {
	Prev schema.Snapshot
	Next schema.Snapshot
	Ops  []Operation
}

// Diff 对比两个快照，生成迁移
func Diff(prev, next schema.Snapshot) *Migration {
	var creates, alters, drops []Operation

	for _, model := range next {
		prevModel, existed := prev.Model(model.Name)
		if !existed {
			creates = append(creates, Operation{Kind: OpCreateTable, Table: model.Table, Model: model})
			for _, index := range model.Indexes {
				creates = append(creates, Operation{Kind: OpCreateIndex, Table: model.Table, Index: index})
			}
			continue
		}

		// 字段对比
		for _, field := range model.Fields {
			prevField, ok := prevModel.Field(field.Name)
			if !ok {
				creates = append(creates, Operation{Kind: OpAddColumn, Table: model.Table, Field: field})
				continue
			}
			if !reflect.DeepEqual(field, prevField) {
				alters = append(alters, Operation{
					Kind: OpAlterColumn, Table: model.Table,
					Field: field, PrevField: prevField,
				})
			}
		}
		for _, prevField := range prevModel.Fields {
			if _, ok := model.Field(prevField.Name); !ok {
				drops = append(drops, Operation{Kind: OpDropColumn, Table: model.Table, PrevField: prevField})
			}
		}

		// 索引对比，定义变化的索引重建。
		// 重建是同名先删后建的相邻操作对，放进变更段保持顺序，
		// 拆进创建段和删除段会让同名的建索引先执行而失效。
		for _, index := range model.Indexes {
			prevIndex, ok := prevModel.Index(index.Name)
			if !ok {
				creates = append(creates, Operation{Kind: OpCreateIndex, Table: model.Table, Index: index})
				continue
			}
			if !reflect.DeepEqual(index, prevIndex) {
				alters = append(alters,
					Operation{Kind: OpDropIndex, Table: model.Table, Index: prevIndex},
					Operation{Kind: OpCreateIndex, Table: model.Table, Index: index})
			}
		}
		for _, prevIndex := range prevModel.Indexes {
			if _, ok := model.Index(prevIndex.Name); !ok {
				drops = append(drops, Operation{Kind: OpDropIndex, Table: model.Table, Index: prevIndex})
			}
		}
	}

	for _, prevModel := range prev {
		if _, ok := next.Model(prevModel.Name); !ok {
			drops = append(drops, Operation{Kind: OpDropTable, Table: prevModel.Table, Model: prevModel})
		}
	}

	ops := make([]Operation, 0, len(creates)+len(alters)+len(drops))
	ops = append(ops, creates...)
	ops = append(ops, alters...)
	ops = append(ops, drops...)

	return &Migration{Prev: prev, Next: next, Ops: ops}
}

// Empty 是否没有任何操作
func (m *Migration) Empty() bool {
	return len(m.Ops) == 0
}

// Destructive 是否包含破坏性操作
func (m *Migration) Destructive() bool {
	for _, op := range m.Ops {
		if op.Destructive() {
			return true
		}
	}
	return false
}

// Reverse 生成反向迁移：操作序列倒序，每个操作取逆
func (m *Migration) Reverse() *Migration {
	ops := make([]Operation, 0, len(m.Ops))
	for i := len(m.Ops) - 1; i >= 0; i-- {
		ops = append(ops, m.Ops[i].Reverse())
	}
	return &Migration{Prev: m.Next, Next: m.Prev, Ops: ops}
}
