package migration

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hatlonely/dbx/cfg"
	"github.com/hatlonely/dbx/dialect"
	"github.com/hatlonely/dbx/log"
	"github.com/hatlonely/dbx/log/logger"
	"github.com/hatlonely/dbx/schema"
)

var (
	ErrMigrationConflict        = errors.New("migration conflict")
	ErrMigrationLocked          = errors.New("migration locked")
	ErrDestructiveChangeBlocked = errors.New("destructive change blocked")
)

type MigratorOptions struct {
	Dialect string `cfg:"dialect" def:"sqlite3" validate:"omitempty,oneof=mysql sqlite3 postgres"`

	// 表锁获取超时，超时返回 ErrMigrationLocked
	LockTimeout time.Duration `cfg:"lockTimeout" def:"5s"`

	// 破坏性操作（删表、删列）需要显式放行
	AllowDestructive bool `cfg:"allowDestructive"`

	// 跳过迁移日志，不做基线校验。适合一次性脚本和测试
	SkipMigrationLog bool `cfg:"skipMigrationLog"`

	LogTable string `cfg:"logTable" def:"dbx_migrations"`
}

// Migrator 把迁移应用到数据库，并在迁移日志中追加记录。
// 日志是只增的，每条记录保存版本号、快照和快照哈希，
// 应用前用上一条记录校验迁移基线，基线漂移返回 ErrMigrationConflict。
type Migrator struct {
	db      *sql.DB
	dialect dialect.Dialect
	options *MigratorOptions
	logger  logger.Logger
}

func NewMigratorWithOptions(db *sql.DB, options *MigratorOptions) (*Migrator, error) {
	if options == nil {
		options = &MigratorOptions{}
	}
	if err := cfg.SetDefaults(options); err != nil {
		return nil, errors.WithMessage(err, "cfg.SetDefaults failed")
	}

	d, err := dialect.Get(options.Dialect)
	if err != nil {
		return nil, err
	}

	return &Migrator{
		db:      db,
		dialect: d,
		options: options,
		logger:  log.Default().WithGroup("migrator"),
	}, nil
}

// tableLocks 进程级表锁，同一张表的迁移在进程内互斥
var tableLocks sync.Map

func acquireTableLocks(tables []string, timeout time.Duration) (func(), error) {
	sorted := append([]string(nil), tables...)
	sort.Strings(sorted)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var held []chan struct{}
	release := func() {
		for _, lock := range held {
			<-lock
		}
	}

	for _, table := range sorted {
		actual, _ := tableLocks.LoadOrStore(table, make(chan struct{}, 1))
		lock := actual.(chan struct{})
		select {
		case lock <- struct{}{}:
			held = append(held, lock)
		case <-deadline.C:
			release()
			return nil, errors.WithMessagef(ErrMigrationLocked, "table %s", table)
		}
	}
	return release, nil
}

// Apply 应用迁移。所有涉及的表按名称顺序加锁，避免并发迁移交错。
func (m *Migrator) Apply(ctx context.Context, migration *Migration) error {
	if migration.Empty() {
		return nil
	}

	if migration.Destructive() && !m.options.AllowDestructive {
		for _, op := range migration.Ops {
			if op.Destructive() {
				return errors.WithMessagef(ErrDestructiveChangeBlocked, "%s on table %s", op.Kind, op.Table)
			}
		}
	}

	tableSet := map[string]bool{}
	for _, op := range migration.Ops {
		tableSet[op.Table] = true
	}
	tables := make([]string, 0, len(tableSet))
	for table := range tableSet {
		tables = append(tables, table)
	}

	release, err := acquireTableLocks(tables, m.options.LockTimeout)
	if err != nil {
		return err
	}
	defer release()

	var version int64
	if !m.options.SkipMigrationLog {
		if err := m.ensureLogTable(ctx); err != nil {
			return err
		}

		latest, found, err := m.Latest(ctx)
		if err != nil {
			return err
		}
		if found {
			baseHash, err := migration.Prev.Hash()
			if err != nil {
				return err
			}
			if latest.Hash != baseHash {
				return errors.WithMessagef(ErrMigrationConflict,
					"applied schema %s does not match migration base %s", latest.Hash, baseHash)
			}
			version = latest.Version + 1
		} else {
			version = 1
		}
	}

	for _, op := range migration.Ops {
		statements, err := op.SQL(m.dialect)
		if err != nil {
			return err
		}
		for _, statement := range statements {
			sqlStr, args := m.dialect.FormatSQL(statement, nil)
			if _, err := m.db.ExecContext(ctx, sqlStr, args...); err != nil {
				return errors.WithMessagef(err, "%s on table %s failed", op.Kind, op.Table)
			}
		}
	}

	if !m.options.SkipMigrationLog {
		if err := m.appendLog(ctx, version, migration.Next); err != nil {
			return err
		}
	}

	m.logger.InfoContext(ctx, "migration applied",
		"version", version, "ops", len(migration.Ops), "tables", len(tables))
	return nil
}

// Plan 渲染迁移将要执行的 DDL 语句，不触库，用于评审和干跑
func (m *Migrator) Plan(migration *Migration) ([]string, error) {
	var statements []string
	for _, op := range migration.Ops {
		rendered, err := op.SQL(m.dialect)
		if err != nil {
			return nil, err
		}
		statements = append(statements, rendered...)
	}
	return statements, nil
}

// AutoMigrate 对比最近一次应用的快照和目标快照，生成并应用迁移
func (m *Migrator) AutoMigrate(ctx context.Context, next schema.Snapshot) error {
	var prev schema.Snapshot
	if !m.options.SkipMigrationLog {
		if err := m.ensureLogTable(ctx); err != nil {
			return err
		}
		latest, found, err := m.Latest(ctx)
		if err != nil {
			return err
		}
		if found {
			prev = latest.Snapshot
		}
	}
	return m.Apply(ctx, Diff(prev, next))
}

// LogEntry 迁移日志记录
type LogEntry struct {
	Version   int64
	Hash      string
	Snapshot  schema.Snapshot
	AppliedAt time.Time
}

// Latest 读取最近一次应用的迁移记录
func (m *Migrator) Latest(ctx context.Context) (*LogEntry, bool, error) {
	sqlStr, args := m.dialect.FormatSQL(fmt.Sprintf(
		"SELECT version, hash, snapshot FROM %s ORDER BY version DESC LIMIT 1",
		m.dialect.Quote(m.options.LogTable)), nil)

	var entry LogEntry
	var encoded string
	err := m.db.QueryRowContext(ctx, sqlStr, args...).Scan(&entry.Version, &entry.Hash, &encoded)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.WithMessage(err, "query migration log failed")
	}

	buf, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false, errors.WithMessage(err, "decode migration snapshot failed")
	}
	entry.Snapshot, err = schema.DecodeSnapshot(buf)
	if err != nil {
		return nil, false, errors.WithMessage(err, "decode migration snapshot failed")
	}
	return &entry, true, nil
}

func (m *Migrator) ensureLogTable(ctx context.Context) error {
	snapshotType := "TEXT"
	if m.dialect.Name() == "mysql" {
		snapshotType = "LONGTEXT"
	}

	sqlStr := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  %s BIGINT NOT NULL,
  %s VARCHAR(64) NOT NULL,
  %s %s NOT NULL,
  %s %s NOT NULL,
  PRIMARY KEY (%s)
)`,
		m.dialect.Quote(m.options.LogTable),
		m.dialect.Quote("version"),
		m.dialect.Quote("hash"),
		m.dialect.Quote("snapshot"), snapshotType,
		m.dialect.Quote("applied_at"), m.dialect.ColumnType(schema.FieldDefinition{Type: schema.FieldTypeTimestamp}),
		m.dialect.Quote("version"))

	_, err := m.db.ExecContext(ctx, sqlStr)
	return errors.WithMessage(err, "create migration log table failed")
}

func (m *Migrator) appendLog(ctx context.Context, version int64, snapshot schema.Snapshot) error {
	hash, err := snapshot.Hash()
	if err != nil {
		return err
	}
	buf, err := snapshot.Encode()
	if err != nil {
		return err
	}

	sqlStr, args := m.dialect.FormatSQL(fmt.Sprintf(
		"INSERT INTO %s (version, hash, snapshot, applied_at) VALUES (?, ?, ?, ?)",
		m.dialect.Quote(m.options.LogTable)),
		[]any{version, hash, base64.StdEncoding.EncodeToString(buf), time.Now().UTC()})

	_, err = m.db.ExecContext(ctx, sqlStr, args...)
	return errors.WithMessage(err, "append migration log failed")
}
