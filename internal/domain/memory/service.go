package memory

import (
	"context"
	"log/slog"

	"memoryvault/internal/events"
)

// UploadFile is the raw file as received from the interaction.
type UploadFile struct {
	Name        string
	ContentType string
	Data        []byte
}

type UploadRequest struct {
	Meta MemoryInput
	File UploadFile
}

// UploadResult is returned once metadata has committed. BackupPending only
// says a backup was dispatched, never that one exists.
type UploadResult struct {
	Memory        *Memory
	SessionID     string
	BackupPending bool
}

// Uploader creates memories. The orchestrator implements it.
type Uploader interface {
	CreateMemory(ctx context.Context, req UploadRequest) (*UploadResult, error)
}

type EventPublisher interface {
	Publish(events.Event)
}

// Service serves the browsing side: search, get, delete and stats.
type Service struct {
	repo   Repository
	events EventPublisher
	logger *slog.Logger
}

func NewService(repo Repository, pub EventPublisher, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		events: pub,
		logger: logger.With(slog.String("component", "memory")),
	}
}

// Search lists Active memories visible to viewer.
func (s *Service) Search(ctx context.Context, viewer Viewer, f Filter) ([]Memory, int64, error) {
	f.Viewer = &viewer
	return s.repo.ListMemories(ctx, f)
}

// Get returns ErrNotFound both for missing memories and for ones the
// viewer may not see.
func (s *Service) Get(ctx context.Context, viewer Viewer, id string) (*Memory, error) {
	m, err := s.repo.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	if !m.VisibleTo(viewer) {
		return nil, ErrNotFound
	}
	return m, nil
}

func (s *Service) Delete(ctx context.Context, viewer Viewer, id string) error {
	m, err := s.Get(ctx, viewer, id)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteMemory(ctx, id, viewer.UserID); err != nil {
		return err
	}

	s.logger.Info("memory deleted", slog.String("memory_id", id), slog.String("user_id", viewer.UserID))
	if s.events != nil {
		s.events.Publish(events.Event{
			Type:    events.TypeMemoryDeleted,
			GuildID: m.GuildID,
			UserID:  m.UserID,
			Private: m.Privacy == PrivacyPrivate,
			Payload: map[string]any{"memory_id": id},
		})
	}
	return nil
}

func (s *Service) Stats(ctx context.Context, userID, guildID string) (*Stats, error) {
	return s.repo.GetStats(ctx, userID, guildID)
}
