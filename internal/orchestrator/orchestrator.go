// Package orchestrator sequences the primary object store, the metadata
// store and the backup network for each upload.
//
// Bytes are written before metadata, and metadata is committed before any
// backup patch. Backup runs detached from the caller and can only ever
// soft-fail.
package orchestrator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"memoryvault/internal/domain/memory"
	"memoryvault/internal/events"
	"memoryvault/internal/session"
	"memoryvault/internal/storage/backup"
	"memoryvault/internal/storage/objectstore"
)

var ErrShuttingDown = errors.New("orchestrator is shutting down")

// Publisher receives lifecycle events. *events.Hub implements it.
type Publisher interface {
	Publish(events.Event)
}

type Config struct {
	// CriticalPathTimeout bounds the object write plus the metadata insert.
	CriticalPathTimeout time.Duration

	// BackupBudget bounds one detached backup task, retries included.
	BackupBudget time.Duration

	SessionTTL          time.Duration
	KeyPrefix           string
	MaxFileSize         int64
	AllowedContentTypes []string
}

func (c Config) withDefaults() Config {
	if c.CriticalPathTimeout <= 0 {
		c.CriticalPathTimeout = 3 * time.Second
	}
	if c.BackupBudget <= 0 {
		c.BackupBudget = 2 * time.Minute
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 15 * time.Minute
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "memories"
	}
	return c
}

type (
	Request    = memory.UploadRequest
	FileUpload = memory.UploadFile
	Result     = memory.UploadResult
)

type Orchestrator struct {
	cfg      Config
	repo     memory.Repository
	store    objectstore.Store
	backup   backup.Client
	sessions session.Cache
	events   Publisher
	logger   *slog.Logger

	now func() time.Time

	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New wires an orchestrator. A nil backup client disables backups and a nil
// publisher drops events.
func New(cfg Config, repo memory.Repository, store objectstore.Store, bc backup.Client, sessions session.Cache, pub Publisher, logger *slog.Logger) *Orchestrator {
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		repo:     repo,
		store:    store,
		backup:   bc,
		sessions: sessions,
		events:   pub,
		logger:   logger.With(slog.String("component", "orchestrator")),
		now:      func() time.Time { return time.Now().UTC() },
		baseCtx:  baseCtx,
		cancel:   cancel,
	}
}

// CreateMemory validates the request, stores the bytes, commits the memory
// with its file and returns. The backup push happens afterwards.
//
// Returned errors match memory.ErrValidation, memory.ErrStorageWriteFailed
// or memory.ErrMetadataWriteFailed.
func (o *Orchestrator) CreateMemory(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	now := o.now()

	m, err := memory.NewMemory(req.Meta, now)
	if err != nil {
		uploadsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	f, err := memory.NewFile(memory.FileInput{
		Name:        req.File.Name,
		ContentType: req.File.ContentType,
		Size:        int64(len(req.File.Data)),
	}, memory.FileLimits{
		MaxSize:      o.cfg.MaxFileSize,
		AllowedTypes: o.cfg.AllowedContentTypes,
	}, now)
	if err != nil {
		uploadsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	sess := session.New(m.UserID, o.cfg.SessionTTL, now)
	o.putSession(ctx, sess)

	log := o.logger.With(
		slog.String("session_id", sess.ID),
		slog.String("memory_id", m.ID),
		slog.String("user_id", m.UserID),
	)

	key, err := objectstore.NewKey(o.cfg.KeyPrefix, sess.ID, f.OriginalName, now)
	if err != nil {
		o.dropSession(sess.ID)
		uploadsTotal.WithLabelValues("storage_failed").Inc()
		return nil, fmt.Errorf("%w: %w", memory.ErrStorageWriteFailed, err)
	}
	f.Checksum = Checksum(req.File.Data)

	cctx, cancel := context.WithTimeout(ctx, o.cfg.CriticalPathTimeout)
	defer cancel()

	err = o.store.Put(cctx, key, req.File.Data, f.ContentType, map[string]string{
		"memory-id": m.ID,
		"file-id":   f.ID,
		"checksum":  f.Checksum,
	})
	if err != nil {
		o.dropSession(sess.ID)
		uploadsTotal.WithLabelValues("storage_failed").Inc()
		log.Warn("primary write failed, nothing saved",
			slog.String("storage_key", key),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %w", memory.ErrStorageWriteFailed, err)
	}

	f.MarkCompleted(key, o.now())
	if _, err := o.repo.CreateMemoryWithFiles(cctx, m, []memory.File{*f}); err != nil {
		uploadsTotal.WithLabelValues("metadata_failed").Inc()
		log.Error("metadata write failed, blob orphaned until reconciliation",
			slog.String("storage_key", key),
			slog.String("file_id", f.ID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %w", memory.ErrMetadataWriteFailed, err)
	}

	criticalPathSeconds.Observe(time.Since(start).Seconds())
	uploadsTotal.WithLabelValues("created").Inc()
	log.Info("memory created",
		slog.String("file_id", f.ID),
		slog.Int64("size_bytes", f.SizeBytes),
		slog.Duration("elapsed", time.Since(start)),
	)

	o.publish(m, events.TypeMemoryCreated, map[string]any{
		"memory_id": m.ID,
		"title":     m.Title,
		"category":  m.Category,
		"user_id":   m.UserID,
	})

	pending := o.dispatchBackup(m, m.Files[0], req.File.Data, log)

	return &Result{Memory: m, SessionID: sess.ID, BackupPending: pending}, nil
}

// ReconcileBackup re-pushes a stored file to the backup network and patches
// its row. Files that already have a backup are left alone.
func (o *Orchestrator) ReconcileBackup(ctx context.Context, fileID string) error {
	if o.backup == nil {
		return fmt.Errorf("%w: backup disabled", memory.ErrBackupSoftFailure)
	}

	f, err := o.repo.GetFile(ctx, fileID)
	if err != nil {
		return err
	}
	if f.HasBackup() {
		return nil
	}
	if f.StorageKey == nil {
		return fmt.Errorf("file %s has no storage key", f.ID)
	}

	m, err := o.repo.GetMemory(ctx, f.MemoryID)
	if err != nil {
		return err
	}

	data, err := o.store.Get(ctx, *f.StorageKey)
	if err != nil {
		return fmt.Errorf("read %s: %w", *f.StorageKey, err)
	}
	if f.Checksum != "" && Checksum(data) != f.Checksum {
		return fmt.Errorf("read %s: checksum mismatch", *f.StorageKey)
	}

	log := o.logger.With(
		slog.String("memory_id", m.ID),
		slog.String("file_id", f.ID),
		slog.String("trigger", "reconcile"),
	)
	return o.backupFile(ctx, m, *f, data, log)
}

// Shutdown stops accepting detached backups and waits for running ones.
// When ctx expires first, running backups are cancelled.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		return ctx.Err()
	}
}

func (o *Orchestrator) dispatchBackup(m *memory.Memory, f memory.File, data []byte, log *slog.Logger) bool {
	if o.backup == nil {
		return false
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		log.Warn("backup not dispatched", slog.String("error", ErrShuttingDown.Error()))
		return false
	}
	o.wg.Add(1)
	o.mu.Unlock()

	backupsInFlight.Inc()
	go func() {
		defer o.wg.Done()
		defer backupsInFlight.Dec()
		defer func() {
			if r := recover(); r != nil {
				backupOutcomesTotal.WithLabelValues("panic").Inc()
				log.Error("backup task panicked", slog.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(o.baseCtx, o.cfg.BackupBudget)
		defer cancel()

		// errors are logged inside backupFile
		_ = o.backupFile(ctx, m, f, data, log)
	}()
	return true
}

func (o *Orchestrator) backupFile(ctx context.Context, m *memory.Memory, f memory.File, data []byte, log *slog.Logger) error {
	res, err := o.backup.Backup(ctx, data, f.OriginalName)
	if err != nil {
		backupOutcomesTotal.WithLabelValues("soft_failure").Inc()
		log.Warn("backup soft failure, file stays without backup",
			slog.String("file_id", f.ID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %w", memory.ErrBackupSoftFailure, err)
	}

	outcome, err := o.repo.PatchFileBackup(ctx, f.ID, res.CID, res.GatewayURL)
	if err != nil {
		backupOutcomesTotal.WithLabelValues("patch_failed").Inc()
		log.Warn("backup succeeded but patch failed",
			slog.String("file_id", f.ID),
			slog.String("cid", res.CID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %w", memory.ErrBackupSoftFailure, err)
	}

	backupOutcomesTotal.WithLabelValues(outcome.String()).Inc()
	log.Info("backup finished",
		slog.String("file_id", f.ID),
		slog.String("cid", res.CID),
		slog.Bool("pinned", res.Pinned),
		slog.String("patch", outcome.String()),
	)

	if outcome == memory.PatchApplied {
		o.publish(m, events.TypeMemoryBackedUp, map[string]any{
			"memory_id":  m.ID,
			"file_id":    f.ID,
			"backup_cid": res.CID,
			"backup_url": res.GatewayURL,
		})
	}
	return nil
}

func (o *Orchestrator) publish(m *memory.Memory, typ string, payload map[string]any) {
	if o.events == nil {
		return
	}
	o.events.Publish(events.Event{
		Type:    typ,
		GuildID: m.GuildID,
		UserID:  m.UserID,
		Private: m.Privacy == memory.PrivacyPrivate,
		Payload: payload,
	})
}

// Session cache failures never affect the upload.
func (o *Orchestrator) putSession(ctx context.Context, s *session.Session) {
	if o.sessions == nil {
		return
	}
	if err := o.sessions.Put(ctx, s); err != nil {
		o.logger.Warn("session cache put failed", slog.String("session_id", s.ID), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) dropSession(id string) {
	if o.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := o.sessions.Delete(ctx, id); err != nil {
		o.logger.Warn("session cache delete failed", slog.String("session_id", id), slog.String("error", err.Error()))
	}
}

// Checksum is the hex BLAKE2b-256 digest stored with each file.
func Checksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
