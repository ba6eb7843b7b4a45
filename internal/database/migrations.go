package database

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Migration is one append-only schema step. Versions are applied in slice
// order and recorded in schema_migrations; a recorded version is never run
// again.
type Migration struct {
	Version    string
	Statements []string
}

// Column types differ between the two dialects; everything else is shared.
type dialect struct {
	timestamp string
	json      string
}

func dialectFor(db *gorm.DB) dialect {
	if db.Dialector.Name() == "postgres" {
		return dialect{timestamp: "TIMESTAMPTZ", json: "JSONB"}
	}
	return dialect{timestamp: "DATETIME", json: "JSON"}
}

func (d dialect) expand(stmt string) string {
	return strings.NewReplacer("{{ts}}", d.timestamp, "{{json}}", d.json).Replace(stmt)
}

// Migrations is the schema ledger for memories and memory_files.
var Migrations = []Migration{
	{
		Version: "0001_create_memories",
		Statements: []string{`
CREATE TABLE IF NOT EXISTS memories (
	id          VARCHAR(36)   PRIMARY KEY,
	user_id     VARCHAR(64)   NOT NULL CHECK (user_id <> ''),
	guild_id    VARCHAR(64)   NOT NULL CHECK (guild_id <> ''),
	title       VARCHAR(100)  NOT NULL CHECK (length(title) BETWEEN 3 AND 100),
	description VARCHAR(1000) NOT NULL CHECK (length(description) BETWEEN 10 AND 1000),
	category    VARCHAR(32)   NOT NULL CHECK (category IN ('personal', 'server_events', 'resources', 'gaming', 'other')),
	privacy     VARCHAR(32)   NOT NULL CHECK (privacy IN ('public', 'members_only', 'private')),
	tags        {{json}}      NOT NULL,
	status      VARCHAR(16)   NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'archived', 'deleted')),
	file_count  INTEGER       NOT NULL CHECK (file_count >= 1),
	created_at  {{ts}}        NOT NULL,
	updated_at  {{ts}}        NOT NULL
)`},
	},
	{
		Version: "0002_create_memory_files",
		Statements: []string{`
CREATE TABLE IF NOT EXISTS memory_files (
	id                VARCHAR(36)  PRIMARY KEY,
	memory_id         VARCHAR(36)  NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
	original_name     VARCHAR(255) NOT NULL CHECK (length(original_name) >= 1),
	content_type      VARCHAR(255) NOT NULL,
	size_bytes        BIGINT       NOT NULL CHECK (size_bytes > 0),
	checksum          VARCHAR(64)  NOT NULL,
	storage_key       VARCHAR(512),
	backup_cid        VARCHAR(128),
	backup_url        VARCHAR(512),
	processing_status VARCHAR(16)  NOT NULL CHECK (processing_status IN ('pending', 'processing', 'completed', 'failed')),
	error_message     TEXT,
	uploaded_at       {{ts}}       NOT NULL,
	processed_at      {{ts}},
	updated_at        {{ts}}       NOT NULL,
	CHECK (processing_status <> 'completed' OR storage_key IS NOT NULL)
)`},
	},
	{
		Version: "0003_indexes",
		Statements: []string{
			`CREATE INDEX IF NOT EXISTS idx_memories_user_status ON memories (user_id, status)`,
			`CREATE INDEX IF NOT EXISTS idx_memories_guild_status ON memories (guild_id, status)`,
			`CREATE INDEX IF NOT EXISTS idx_memories_created_at ON memories (created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_memory_files_memory_id ON memory_files (memory_id)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_memory_files_storage_key ON memory_files (storage_key)`,
		},
	},
	{
		Version: "0004_memory_files_backup_attempted_at",
		Statements: []string{
			`ALTER TABLE memory_files ADD COLUMN backup_attempted_at {{ts}}`,
			`CREATE INDEX IF NOT EXISTS idx_memory_files_backup_pending ON memory_files (processing_status, uploaded_at) WHERE backup_cid IS NULL`,
		},
	},
}

type schemaMigration struct {
	Version   string    `gorm:"column:version;primaryKey"`
	AppliedAt time.Time `gorm:"column:applied_at"`
}

func (schemaMigration) TableName() string { return "schema_migrations" }

// Migrate applies every migration not yet recorded in schema_migrations.
// Each version runs in its own transaction together with its ledger row,
// so calling Migrate again is a no-op.
func Migrate(ctx context.Context, db *gorm.DB, migrations []Migration, log *slog.Logger) error {
	d := dialectFor(db)
	db = db.WithContext(ctx)

	if err := db.Exec(d.expand(`
CREATE TABLE IF NOT EXISTS schema_migrations (
	version    VARCHAR(128) PRIMARY KEY,
	applied_at {{ts}}       NOT NULL
)`)).Error; err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var applied []string
	if err := db.Model(&schemaMigration{}).Pluck("version", &applied).Error; err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	done := make(map[string]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	for _, m := range migrations {
		if done[m.Version] {
			continue
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			for _, stmt := range m.Statements {
				if err := tx.Exec(d.expand(stmt)).Error; err != nil {
					return err
				}
			}
			return tx.Create(&schemaMigration{Version: m.Version, AppliedAt: time.Now().UTC()}).Error
		})
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", m.Version, err)
		}
		log.Info("migration applied", slog.String("version", m.Version))
	}
	return nil
}
