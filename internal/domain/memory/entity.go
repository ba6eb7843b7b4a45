package memory

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

type Category string

const (
	CategoryPersonal     Category = "personal"
	CategoryServerEvents Category = "server_events"
	CategoryResources    Category = "resources"
	CategoryGaming       Category = "gaming"
	CategoryOther        Category = "other"
)

var categoryLabels = map[Category]string{
	CategoryPersonal:     "Personal",
	CategoryServerEvents: "Server Events",
	CategoryResources:    "Resources",
	CategoryGaming:       "Gaming",
	CategoryOther:        "Other",
}

func (c Category) Valid() bool {
	_, ok := categoryLabels[c]
	return ok
}

// Label returns the human readable name shown in chat embeds.
func (c Category) Label() string { return categoryLabels[c] }

// ParseCategory accepts either the stored code ("server_events") or the
// display label ("Server Events"), case-insensitively.
func ParseCategory(s string) (Category, bool) {
	c := Category(normalizeEnum(s))
	return c, c.Valid()
}

type Privacy string

const (
	PrivacyPublic      Privacy = "public"
	PrivacyMembersOnly Privacy = "members_only"
	PrivacyPrivate     Privacy = "private"
)

var privacyLabels = map[Privacy]string{
	PrivacyPublic:      "Public",
	PrivacyMembersOnly: "Members Only",
	PrivacyPrivate:     "Private",
}

func (p Privacy) Valid() bool {
	_, ok := privacyLabels[p]
	return ok
}

func (p Privacy) Label() string { return privacyLabels[p] }

func ParsePrivacy(s string) (Privacy, bool) {
	p := Privacy(normalizeEnum(s))
	return p, p.Valid()
}

type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusDeleted  Status = "deleted"
)

func (s Status) Valid() bool {
	return s == StatusActive || s == StatusArchived || s == StatusDeleted
}

type ProcessingStatus string

const (
	ProcessingPending    ProcessingStatus = "pending"
	ProcessingProcessing ProcessingStatus = "processing"
	ProcessingCompleted  ProcessingStatus = "completed"
	ProcessingFailed     ProcessingStatus = "failed"
)

func (p ProcessingStatus) Valid() bool {
	switch p {
	case ProcessingPending, ProcessingProcessing, ProcessingCompleted, ProcessingFailed:
		return true
	}
	return false
}

// Memory groups one or more stored files under shared metadata.
// A committed Memory always has FileCount >= 1 (schema CHECK).
type Memory struct {
	ID          string                      `gorm:"column:id;primaryKey" json:"id"`
	UserID      string                      `gorm:"column:user_id" json:"user_id"`
	GuildID     string                      `gorm:"column:guild_id" json:"guild_id"`
	Title       string                      `gorm:"column:title" json:"title"`
	Description string                      `gorm:"column:description" json:"description"`
	Category    Category                    `gorm:"column:category" json:"category"`
	Privacy     Privacy                     `gorm:"column:privacy" json:"privacy"`
	Tags        datatypes.JSONSlice[string] `gorm:"column:tags" json:"tags"`
	Status      Status                      `gorm:"column:status" json:"status"`
	FileCount   int                         `gorm:"column:file_count" json:"file_count"`
	CreatedAt   time.Time                   `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time                   `gorm:"column:updated_at" json:"updated_at"`

	Files []File `gorm:"foreignKey:MemoryID;constraint:OnDelete:CASCADE" json:"files,omitempty"`
}

func (Memory) TableName() string { return "memories" }

// File is one stored artifact. Backup fields stay nil until the backup
// network confirms a copy, and may stay nil forever.
type File struct {
	ID                string           `gorm:"column:id;primaryKey" json:"id"`
	MemoryID          string           `gorm:"column:memory_id" json:"memory_id"`
	OriginalName      string           `gorm:"column:original_name" json:"original_name"`
	ContentType       string           `gorm:"column:content_type" json:"content_type"`
	SizeBytes         int64            `gorm:"column:size_bytes" json:"size_bytes"`
	Checksum          string           `gorm:"column:checksum" json:"checksum"`
	StorageKey        *string          `gorm:"column:storage_key" json:"-"`
	BackupCID         *string          `gorm:"column:backup_cid" json:"backup_cid"`
	BackupURL         *string          `gorm:"column:backup_url" json:"backup_url"`
	BackupAttemptedAt *time.Time       `gorm:"column:backup_attempted_at" json:"-"`
	ProcessingStatus  ProcessingStatus `gorm:"column:processing_status" json:"processing_status"`
	ErrorMessage      *string          `gorm:"column:error_message" json:"error_message,omitempty"`
	UploadedAt        time.Time        `gorm:"column:uploaded_at" json:"uploaded_at"`
	ProcessedAt       *time.Time       `gorm:"column:processed_at" json:"processed_at,omitempty"`
	UpdatedAt         time.Time        `gorm:"column:updated_at" json:"updated_at"`
}

func (File) TableName() string { return "memory_files" }

// HasBackup reports whether the backup network holds a copy.
func (f *File) HasBackup() bool {
	return f.BackupCID != nil && *f.BackupCID != ""
}

// MarkCompleted records a successful primary write under key.
func (f *File) MarkCompleted(key string, at time.Time) {
	f.StorageKey = &key
	f.ProcessingStatus = ProcessingCompleted
	f.ProcessedAt = &at
	f.UpdatedAt = at
}

// Viewer is the user a read is performed for. Admins see everything.
type Viewer struct {
	UserID string
	Guilds []string
	Admin  bool
}

func (v Viewer) MemberOf(guildID string) bool {
	for _, g := range v.Guilds {
		if g == guildID {
			return true
		}
	}
	return false
}

// VisibleTo reports whether v may read m. Owners always can; otherwise
// Public is open to everyone and Members Only to members of the guild.
func (m *Memory) VisibleTo(v Viewer) bool {
	if v.Admin || m.UserID == v.UserID {
		return true
	}
	switch m.Privacy {
	case PrivacyPublic:
		return true
	case PrivacyMembersOnly:
		return v.MemberOf(m.GuildID)
	}
	return false
}

// Stats aggregates Active memories only.
type Stats struct {
	TotalMemories int64            `json:"total_memories"`
	TotalFiles    int64            `json:"total_files"`
	TotalBytes    int64            `json:"total_bytes"`
	BackedUpFiles int64            `json:"backed_up_files"`
	ByCategory    map[string]int64 `json:"by_category"`
	ByPrivacy     map[string]int64 `json:"by_privacy"`
}

func normalizeEnum(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "_")
	return strings.ReplaceAll(s, " ", "_")
}
