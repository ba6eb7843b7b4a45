package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PatchOutcome tells the caller what PatchFileBackup did. None of the
// outcomes is an error.
type PatchOutcome int

const (
	PatchApplied PatchOutcome = iota
	// PatchUnchanged: the row already carried the same backup fields.
	PatchUnchanged
	// PatchSkipped: the file or its parent memory is gone or Deleted.
	PatchSkipped
)

func (p PatchOutcome) String() string {
	switch p {
	case PatchApplied:
		return "applied"
	case PatchUnchanged:
		return "unchanged"
	default:
		return "skipped"
	}
}

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Filter selects Active memories for listing. Empty fields do not filter.
// A non-nil Viewer restricts results to what that viewer may see.
type Filter struct {
	OwnerID  string
	GuildID  string
	Privacy  []Privacy
	Category Category
	Tag      string
	Query    string
	Viewer   *Viewer
	Limit    int
	Offset   int
}

func (f Filter) normalized() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	f.Tag = strings.ToLower(strings.TrimSpace(f.Tag))
	f.Query = strings.TrimSpace(f.Query)
	return f
}

// Repository is the relational metadata store.
type Repository interface {
	CreateMemoryWithFiles(ctx context.Context, m *Memory, files []File) (string, error)
	PatchFileBackup(ctx context.Context, fileID, backupCID, backupURL string) (PatchOutcome, error)
	GetMemory(ctx context.Context, id string) (*Memory, error)
	ListMemories(ctx context.Context, f Filter) ([]Memory, int64, error)
	DeleteMemory(ctx context.Context, id, requesterID string) error
	GetStats(ctx context.Context, userID, guildID string) (*Stats, error)

	GetFile(ctx context.Context, id string) (*File, error)
	ListFilesMissingBackup(ctx context.Context, uploadedBefore time.Time, limit int) ([]File, error)
	MarkBackupAttempted(ctx context.Context, fileID string, at time.Time) (bool, error)
	StorageKeyReferenced(ctx context.Context, key string) (bool, error)
	PurgeDeletedMemories(ctx context.Context, deletedBefore time.Time) (int64, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

// CreateMemoryWithFiles inserts the memory and its files in one transaction.
// FileCount is derived from files; an empty slice is rejected before the
// database is touched and the schema CHECK rejects it again if bypassed.
func (r *repository) CreateMemoryWithFiles(ctx context.Context, m *Memory, files []File) (string, error) {
	if len(files) == 0 {
		return "", fmt.Errorf("%w: memory %s has no files", ErrConstraintViolation, m.ID)
	}
	m.FileCount = len(files)
	for i := range files {
		files[i].MemoryID = m.ID
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(m).Error; err != nil {
			return err
		}
		return tx.Create(&files).Error
	})
	if err != nil {
		return "", classify(err)
	}
	m.Files = files
	return m.ID, nil
}

// PatchFileBackup writes backup fields only when the file exists, its
// memory is not Deleted, and the fields differ from what is stored.
func (r *repository) PatchFileBackup(ctx context.Context, fileID, backupCID, backupURL string) (PatchOutcome, error) {
	db := r.db.WithContext(ctx)

	res := db.Model(&File{}).
		Where("id = ?", fileID).
		Where("EXISTS (SELECT 1 FROM memories WHERE memories.id = memory_files.memory_id AND memories.status <> ?)", StatusDeleted).
		Where("(backup_cid IS NULL OR backup_cid <> ? OR backup_url IS NULL OR backup_url <> ?)", backupCID, backupURL).
		Updates(map[string]any{
			"backup_cid": backupCID,
			"backup_url": backupURL,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return PatchSkipped, classify(res.Error)
	}
	if res.RowsAffected > 0 {
		return PatchApplied, nil
	}

	var live int64
	err := db.Model(&File{}).
		Joins("JOIN memories ON memories.id = memory_files.memory_id").
		Where("memory_files.id = ? AND memories.status <> ?", fileID, StatusDeleted).
		Count(&live).Error
	if err != nil {
		return PatchSkipped, err
	}
	if live > 0 {
		return PatchUnchanged, nil
	}
	return PatchSkipped, nil
}

func (r *repository) GetMemory(ctx context.Context, id string) (*Memory, error) {
	var m Memory
	err := r.db.WithContext(ctx).
		Preload("Files", func(db *gorm.DB) *gorm.DB { return db.Order("uploaded_at ASC") }).
		Where("id = ? AND status <> ?", id, StatusDeleted).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *repository) ListMemories(ctx context.Context, f Filter) ([]Memory, int64, error) {
	f = f.normalized()
	db := r.db.WithContext(ctx)
	scope := func(q *gorm.DB) *gorm.DB {
		q = q.Where("status = ?", StatusActive)
		if f.OwnerID != "" {
			q = q.Where("user_id = ?", f.OwnerID)
		}
		if f.GuildID != "" {
			q = q.Where("guild_id = ?", f.GuildID)
		}
		if len(f.Privacy) > 0 {
			q = q.Where("privacy IN ?", f.Privacy)
		}
		if f.Category != "" {
			q = q.Where("category = ?", f.Category)
		}
		if f.Tag != "" {
			q = r.whereHasTag(q, f.Tag)
		}
		if f.Query != "" {
			like := "%" + strings.ToLower(f.Query) + "%"
			q = q.Where("(LOWER(title) LIKE ? OR LOWER(description) LIKE ?)", like, like)
		}
		if v := f.Viewer; v != nil && !v.Admin {
			if len(v.Guilds) > 0 {
				q = q.Where("(user_id = ? OR privacy = ? OR (privacy = ? AND guild_id IN ?))",
					v.UserID, PrivacyPublic, PrivacyMembersOnly, v.Guilds)
			} else {
				q = q.Where("(user_id = ? OR privacy = ?)", v.UserID, PrivacyPublic)
			}
		}
		return q
	}

	var total int64
	if err := scope(db.Model(&Memory{})).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var memories []Memory
	err := scope(db.Model(&Memory{})).
		Preload("Files", func(db *gorm.DB) *gorm.DB { return db.Order("uploaded_at ASC") }).
		Order("created_at DESC").
		Limit(f.Limit).
		Offset(f.Offset).
		Find(&memories).Error
	if err != nil {
		return nil, 0, err
	}
	return memories, total, nil
}

func (r *repository) whereHasTag(q *gorm.DB, tag string) *gorm.DB {
	if r.db.Dialector.Name() == "postgres" {
		return q.Where("tags @> ?::jsonb", `["`+strings.ReplaceAll(tag, `"`, `\"`)+`"]`)
	}
	return q.Where("EXISTS (SELECT 1 FROM json_each(memories.tags) WHERE json_each.value = ?)", tag)
}

// DeleteMemory soft-deletes: the row moves to Deleted and stays in place
// until the purge pass removes it (cascading to its files).
func (r *repository) DeleteMemory(ctx context.Context, id, requesterID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m Memory
		err := tx.Where("id = ? AND status <> ?", id, StatusDeleted).First(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if m.UserID != requesterID {
			return ErrForbidden
		}
		return tx.Model(&Memory{}).
			Where("id = ? AND status <> ?", id, StatusDeleted).
			Updates(map[string]any{"status": StatusDeleted, "updated_at": time.Now().UTC()}).Error
	})
}

func (r *repository) GetStats(ctx context.Context, userID, guildID string) (*Stats, error) {
	db := r.db.WithContext(ctx)
	scope := func(q *gorm.DB) *gorm.DB {
		q = q.Where("memories.status = ?", StatusActive)
		if userID != "" {
			q = q.Where("memories.user_id = ?", userID)
		}
		if guildID != "" {
			q = q.Where("memories.guild_id = ?", guildID)
		}
		return q
	}

	stats := &Stats{ByCategory: map[string]int64{}, ByPrivacy: map[string]int64{}}
	if err := scope(db.Model(&Memory{})).Count(&stats.TotalMemories).Error; err != nil {
		return nil, err
	}

	type bucket struct {
		Name  string
		Total int64
	}
	var buckets []bucket
	if err := scope(db.Model(&Memory{})).Select("category AS name, COUNT(*) AS total").Group("category").Scan(&buckets).Error; err != nil {
		return nil, err
	}
	for _, b := range buckets {
		stats.ByCategory[b.Name] = b.Total
	}
	buckets = nil
	if err := scope(db.Model(&Memory{})).Select("privacy AS name, COUNT(*) AS total").Group("privacy").Scan(&buckets).Error; err != nil {
		return nil, err
	}
	for _, b := range buckets {
		stats.ByPrivacy[b.Name] = b.Total
	}

	var files struct {
		Files    int64
		Bytes    int64
		BackedUp int64
	}
	err := scope(db.Model(&File{}).Joins("JOIN memories ON memories.id = memory_files.memory_id")).
		Select("COUNT(*) AS files, " +
			"CAST(COALESCE(SUM(memory_files.size_bytes), 0) AS BIGINT) AS bytes, " +
			"CAST(COALESCE(SUM(CASE WHEN memory_files.backup_cid IS NOT NULL THEN 1 ELSE 0 END), 0) AS BIGINT) AS backed_up").
		Scan(&files).Error
	if err != nil {
		return nil, err
	}
	stats.TotalFiles = files.Files
	stats.TotalBytes = files.Bytes
	stats.BackedUpFiles = files.BackedUp
	return stats, nil
}

func (r *repository) GetFile(ctx context.Context, id string) (*File, error) {
	var f File
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// ListFilesMissingBackup returns Completed files of non-Deleted memories
// that have no backup and were never re-attempted by the sweep.
func (r *repository) ListFilesMissingBackup(ctx context.Context, uploadedBefore time.Time, limit int) ([]File, error) {
	var files []File
	err := r.db.WithContext(ctx).
		Select("memory_files.*").
		Joins("JOIN memories ON memories.id = memory_files.memory_id").
		Where("memory_files.processing_status = ?", ProcessingCompleted).
		Where("memory_files.backup_cid IS NULL AND memory_files.backup_attempted_at IS NULL").
		Where("memory_files.uploaded_at < ?", uploadedBefore).
		Where("memories.status <> ?", StatusDeleted).
		Order("memory_files.uploaded_at ASC").
		Limit(limit).
		Find(&files).Error
	return files, err
}

// MarkBackupAttempted claims a file for its single sweep re-attempt. It
// returns false when another sweeper already claimed it.
func (r *repository) MarkBackupAttempted(ctx context.Context, fileID string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&File{}).
		Where("id = ? AND backup_attempted_at IS NULL", fileID).
		Update("backup_attempted_at", at)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) StorageKeyReferenced(ctx context.Context, key string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&File{}).Where("storage_key = ?", key).Count(&n).Error
	return n > 0, err
}

// PurgeDeletedMemories hard-removes memories soft-deleted before the cutoff.
// Their files go with them via ON DELETE CASCADE; the blobs become orphans
// for the next orphan pass.
func (r *repository) PurgeDeletedMemories(ctx context.Context, deletedBefore time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", StatusDeleted, deletedBefore).
		Delete(&Memory{})
	return res.RowsAffected, res.Error
}

// classify maps driver constraint failures onto ErrConstraintViolation.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23514", "23503", "23505", "23502":
			return fmt.Errorf("%w: %s (%s)", ErrConstraintViolation, pgErr.Message, pgErr.ConstraintName)
		}
		return err
	}
	if msg := err.Error(); strings.Contains(msg, "constraint failed") {
		return fmt.Errorf("%w: %s", ErrConstraintViolation, msg)
	}
	return err
}
