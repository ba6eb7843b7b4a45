package memory

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	TitleMinLen       = 3
	TitleMaxLen       = 100
	DescriptionMinLen = 10
	DescriptionMaxLen = 1000
	MaxTags           = 10
	TagMaxLen         = 32
	FileNameMaxLen    = 255

	DefaultContentType = "application/octet-stream"
)

// MemoryInput is the caller-supplied metadata for a new memory.
type MemoryInput struct {
	UserID      string
	GuildID     string
	Title       string
	Description string
	Category    string
	Privacy     string
	Tags        []string
}

// FileInput describes one incoming file. Size is the number of bytes
// actually received, not a client claim.
type FileInput struct {
	Name        string
	ContentType string
	Size        int64
}

// FileLimits bounds what NewFile accepts. Zero values disable a check.
// AllowedTypes entries ending in "/*" match a whole family.
type FileLimits struct {
	MaxSize      int64
	AllowedTypes []string
}

// NewMemory validates input and returns an Active memory with a fresh id.
// FileCount is left at zero; it is set when files are attached.
func NewMemory(in MemoryInput, now time.Time) (*Memory, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return nil, invalid("user_id", "is required")
	}
	guildID := strings.TrimSpace(in.GuildID)
	if guildID == "" {
		return nil, invalid("guild_id", "is required")
	}

	title := strings.TrimSpace(in.Title)
	if n := utf8.RuneCountInString(title); n < TitleMinLen || n > TitleMaxLen {
		return nil, invalid("title", "must be %d-%d characters, got %d", TitleMinLen, TitleMaxLen, n)
	}
	description := strings.TrimSpace(in.Description)
	if n := utf8.RuneCountInString(description); n < DescriptionMinLen || n > DescriptionMaxLen {
		return nil, invalid("description", "must be %d-%d characters, got %d", DescriptionMinLen, DescriptionMaxLen, n)
	}

	category, ok := ParseCategory(in.Category)
	if !ok {
		return nil, invalid("category", "%q is not a known category", in.Category)
	}
	privacy, ok := ParsePrivacy(in.Privacy)
	if !ok {
		return nil, invalid("privacy", "%q is not a known privacy level", in.Privacy)
	}

	tags, err := NormalizeTags(in.Tags)
	if err != nil {
		return nil, err
	}

	return &Memory{
		ID:          uuid.NewString(),
		UserID:      userID,
		GuildID:     guildID,
		Title:       title,
		Description: description,
		Category:    category,
		Privacy:     privacy,
		Tags:        tags,
		Status:      StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// NormalizeTags lower-cases, trims and de-duplicates tags, dropping blanks.
func NormalizeTags(raw []string) ([]string, error) {
	seen := make(map[string]bool, len(raw))
	tags := make([]string, 0, len(raw))
	for _, t := range raw {
		t = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(t), "#")))
		if t == "" || seen[t] {
			continue
		}
		if utf8.RuneCountInString(t) > TagMaxLen {
			return nil, invalid("tags", "tag %q is longer than %d characters", t, TagMaxLen)
		}
		seen[t] = true
		tags = append(tags, t)
	}
	if len(tags) > MaxTags {
		return nil, invalid("tags", "at most %d tags allowed, got %d", MaxTags, len(tags))
	}
	return tags, nil
}

// NewFile validates a file description and returns a Pending file row.
func NewFile(in FileInput, limits FileLimits, now time.Time) (*File, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, invalid("file.name", "is required")
	}
	if utf8.RuneCountInString(name) > FileNameMaxLen {
		return nil, invalid("file.name", "must be at most %d characters", FileNameMaxLen)
	}
	if in.Size <= 0 {
		return nil, invalid("file.size", "must be greater than zero")
	}
	if limits.MaxSize > 0 && in.Size > limits.MaxSize {
		return nil, invalid("file.size", "exceeds maximum of %d bytes", limits.MaxSize)
	}

	contentType := NormalizeContentType(in.ContentType)
	if !contentTypeAllowed(contentType, limits.AllowedTypes) {
		return nil, invalid("file.content_type", "%q is not allowed", contentType)
	}

	return &File{
		ID:               uuid.NewString(),
		OriginalName:     name,
		ContentType:      contentType,
		SizeBytes:        in.Size,
		ProcessingStatus: ProcessingPending,
		UploadedAt:       now,
		UpdatedAt:        now,
	}, nil
}

// NormalizeContentType strips parameters ("; charset=...") and lower-cases.
func NormalizeContentType(ct string) string {
	ct = strings.ToLower(strings.TrimSpace(strings.Split(ct, ";")[0]))
	if ct == "" {
		return DefaultContentType
	}
	return ct
}

func contentTypeAllowed(ct string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == ct {
			return true
		}
		if family, ok := strings.CutSuffix(a, "/*"); ok && strings.HasPrefix(ct, family+"/") {
			return true
		}
	}
	return false
}
