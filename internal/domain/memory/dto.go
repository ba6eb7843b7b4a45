package memory

import (
	"strings"
	"time"
)

// CreateMemoryForm is the multipart body of the bot upload endpoint. The
// file itself travels in the "file" part. Bounds are checked by NewMemory.
type CreateMemoryForm struct {
	UserID      string   `form:"user_id" validate:"required,max=64"`
	GuildID     string   `form:"guild_id" validate:"required,max=64"`
	Title       string   `form:"title" validate:"required"`
	Description string   `form:"description" validate:"required"`
	Category    string   `form:"category" validate:"required"`
	Privacy     string   `form:"privacy" validate:"required"`
	Tags        []string `form:"tags"`
}

func (f CreateMemoryForm) Input() MemoryInput {
	return MemoryInput{
		UserID:      f.UserID,
		GuildID:     f.GuildID,
		Title:       f.Title,
		Description: f.Description,
		Category:    f.Category,
		Privacy:     f.Privacy,
		Tags:        splitList(f.Tags),
	}
}

// ListQuery is the query string of GET /memories. Owner "me" means the
// caller.
type ListQuery struct {
	Owner    string `form:"owner" validate:"max=64"`
	GuildID  string `form:"guild_id" validate:"max=64"`
	Privacy  string `form:"privacy"`
	Category string `form:"category"`
	Tag      string `form:"tag" validate:"max=32"`
	Q        string `form:"q" validate:"max=100"`
	Limit    int    `form:"limit" validate:"gte=0,lte=100"`
	Offset   int    `form:"offset" validate:"gte=0"`
}

// Filter converts the query. Unknown privacy or category values are
// validation errors rather than silently ignored.
func (q ListQuery) Filter(callerID string) (Filter, error) {
	f := Filter{
		OwnerID: q.Owner,
		GuildID: q.GuildID,
		Tag:     q.Tag,
		Query:   q.Q,
		Limit:   q.Limit,
		Offset:  q.Offset,
	}
	if f.OwnerID == "me" {
		f.OwnerID = callerID
	}
	for _, p := range splitList([]string{q.Privacy}) {
		privacy, ok := ParsePrivacy(p)
		if !ok {
			return Filter{}, invalid("privacy", "%q is not a known privacy level", p)
		}
		f.Privacy = append(f.Privacy, privacy)
	}
	if q.Category != "" {
		category, ok := ParseCategory(q.Category)
		if !ok {
			return Filter{}, invalid("category", "%q is not a known category", q.Category)
		}
		f.Category = category
	}
	return f, nil
}

type FileResponse struct {
	ID               string           `json:"id"`
	OriginalName     string           `json:"original_name"`
	ContentType      string           `json:"content_type"`
	SizeBytes        int64            `json:"size_bytes"`
	Checksum         string           `json:"checksum"`
	ProcessingStatus ProcessingStatus `json:"processing_status"`
	BackedUp         bool             `json:"backed_up"`
	BackupCID        *string          `json:"backup_cid"`
	BackupURL        *string          `json:"backup_url"`
	UploadedAt       time.Time        `json:"uploaded_at"`
}

type MemoryResponse struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	OwnerName     string         `json:"owner_name,omitempty"`
	GuildID       string         `json:"guild_id"`
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	Category      Category       `json:"category"`
	CategoryLabel string         `json:"category_label"`
	Privacy       Privacy        `json:"privacy"`
	PrivacyLabel  string         `json:"privacy_label"`
	Tags          []string       `json:"tags"`
	Status        Status         `json:"status"`
	FileCount     int            `json:"file_count"`
	Files         []FileResponse `json:"files"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func NewMemoryResponse(m *Memory, ownerName string) MemoryResponse {
	tags := []string(m.Tags)
	if tags == nil {
		tags = []string{}
	}
	resp := MemoryResponse{
		ID:            m.ID,
		UserID:        m.UserID,
		OwnerName:     ownerName,
		GuildID:       m.GuildID,
		Title:         m.Title,
		Description:   m.Description,
		Category:      m.Category,
		CategoryLabel: m.Category.Label(),
		Privacy:       m.Privacy,
		PrivacyLabel:  m.Privacy.Label(),
		Tags:          tags,
		Status:        m.Status,
		FileCount:     m.FileCount,
		Files:         make([]FileResponse, 0, len(m.Files)),
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
	for i := range m.Files {
		f := &m.Files[i]
		resp.Files = append(resp.Files, FileResponse{
			ID:               f.ID,
			OriginalName:     f.OriginalName,
			ContentType:      f.ContentType,
			SizeBytes:        f.SizeBytes,
			Checksum:         f.Checksum,
			ProcessingStatus: f.ProcessingStatus,
			BackedUp:         f.HasBackup(),
			BackupCID:        f.BackupCID,
			BackupURL:        f.BackupURL,
			UploadedAt:       f.UploadedAt,
		})
	}
	return resp
}

// CreateMemoryResponse never claims a backup exists; BackupStatus is
// "pending" or "disabled".
type CreateMemoryResponse struct {
	Memory       MemoryResponse `json:"memory"`
	SessionID    string         `json:"session_id"`
	BackupStatus string         `json:"backup_status"`
}

// splitList accepts repeated values and comma separated ones.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
