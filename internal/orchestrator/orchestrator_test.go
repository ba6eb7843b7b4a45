package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"memoryvault/internal/database/dbtest"
	"memoryvault/internal/domain/memory"
	"memoryvault/internal/events"
	"memoryvault/internal/session"
	"memoryvault/internal/storage/backup"
	"memoryvault/internal/storage/objectstore"
)

type fakeBackup struct {
	mu      sync.Mutex
	calls   int
	err     error
	release chan struct{}
	hang    bool
	panics  bool
}

func (f *fakeBackup) Backup(ctx context.Context, data []byte, name string) (*backup.Result, error) {
	f.mu.Lock()
	f.calls++
	err, release, hang, panics := f.err, f.release, f.hang, f.panics
	f.mu.Unlock()

	if panics {
		panic("kubo exploded")
	}
	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	cid := "bafy" + Checksum(data)[:16]
	return &backup.Result{CID: cid, GatewayURL: "https://ipfs.io/ipfs/" + cid, Pinned: true}, nil
}

func (f *fakeBackup) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type failingRepo struct {
	memory.Repository
}

func (failingRepo) CreateMemoryWithFiles(context.Context, *memory.Memory, []memory.File) (string, error) {
	return "", errors.New("connection reset by peer")
}

type fixture struct {
	db       *gorm.DB
	repo     memory.Repository
	store    *objectstore.Memory
	backup   *fakeBackup
	sessions *session.LRUCache
	events   *recorder
	orch     *Orchestrator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	f := &fixture{
		db:       db,
		repo:     memory.NewRepository(db),
		store:    objectstore.NewMemory(),
		backup:   &fakeBackup{},
		sessions: session.NewLRUCache(100, time.Minute),
		events:   &recorder{},
	}
	f.orch = New(cfg, f.repo, f.store, f.backup, f.sessions, f.events, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.orch.Shutdown(ctx)
	})
	return f
}

func (f *fixture) shutdown(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.orch.Shutdown(ctx))
}

func (f *fixture) count(t *testing.T, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(model).Count(&n).Error)
	return n
}

func validRequest() Request {
	return Request{
		Meta: memory.MemoryInput{
			UserID:      "user-a",
			GuildID:     "guild-1",
			Title:       "Vacation",
			Description: "Beach trip 2024",
			Category:    "Gaming",
			Privacy:     "Private",
			Tags:        []string{"summer", "#Beach"},
		},
		File: FileUpload{
			Name:        "beach.jpg",
			ContentType: "image/jpeg",
			Data:        bytes.Repeat([]byte{0xAB}, 2<<20),
		},
	}
}

func TestCreateMemory_ScenarioA(t *testing.T) {
	f := newFixture(t, Config{})
	f.backup.release = make(chan struct{})

	res, err := f.orch.CreateMemory(context.Background(), validRequest())
	require.NoError(t, err)
	assert.True(t, res.BackupPending)
	assert.NotEmpty(t, res.SessionID)

	got, err := f.repo.GetMemory(context.Background(), res.Memory.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.FileCount)
	assert.Equal(t, memory.CategoryGaming, got.Category)
	assert.Equal(t, memory.PrivacyPrivate, got.Privacy)
	assert.ElementsMatch(t, []string{"summer", "beach"}, got.Tags)
	require.Len(t, got.Files, 1)

	file := got.Files[0]
	assert.Equal(t, memory.ProcessingCompleted, file.ProcessingStatus)
	assert.Equal(t, int64(2<<20), file.SizeBytes)
	require.NotNil(t, file.StorageKey)
	assert.Nil(t, file.BackupCID)
	assert.Nil(t, file.BackupURL)
	assert.Equal(t, Checksum(validRequest().File.Data), file.Checksum)

	stored, err := f.store.Get(context.Background(), *file.StorageKey)
	require.NoError(t, err)
	assert.Len(t, stored, 2<<20)

	_, err = f.sessions.Get(context.Background(), res.SessionID)
	assert.NoError(t, err)

	close(f.backup.release)
	f.shutdown(t)

	patched, err := f.repo.GetFile(context.Background(), file.ID)
	require.NoError(t, err)
	require.True(t, patched.HasBackup())
	assert.Contains(t, *patched.BackupURL, *patched.BackupCID)
	assert.Equal(t, memory.ProcessingCompleted, patched.ProcessingStatus)
	assert.Equal(t, []string{events.TypeMemoryCreated, events.TypeMemoryBackedUp}, f.events.Types())
}

func TestCreateMemory_ScenarioB_ZeroByteFile(t *testing.T) {
	f := newFixture(t, Config{})
	puts := 0
	f.store.PutHook = func(string) error { puts++; return nil }

	req := validRequest()
	req.File.Data = nil

	res, err := f.orch.CreateMemory(context.Background(), req)
	require.ErrorIs(t, err, memory.ErrValidation)
	assert.Nil(t, res)

	var verr *memory.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "file.size", verr.Field)

	assert.Zero(t, puts)
	assert.Zero(t, f.store.Len())
	assert.Zero(t, f.count(t, &memory.Memory{}))
	assert.Zero(t, f.count(t, &memory.File{}))
	assert.Zero(t, f.sessions.Len())
	assert.Zero(t, f.backup.Calls())
}

func TestCreateMemory_ScenarioC_BackupTimeout(t *testing.T) {
	f := newFixture(t, Config{BackupBudget: 50 * time.Millisecond})
	f.backup.hang = true

	start := time.Now()
	res, err := f.orch.CreateMemory(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	f.shutdown(t)

	fileID := res.Memory.Files[0].ID
	file, err := f.repo.GetFile(context.Background(), fileID)
	require.NoError(t, err)
	assert.False(t, file.HasBackup())
	assert.Equal(t, memory.ProcessingCompleted, file.ProcessingStatus)
	assert.Equal(t, []string{events.TypeMemoryCreated}, f.events.Types())
}

func TestCreateMemory_ScenarioD_DeleteByOtherUser(t *testing.T) {
	f := newFixture(t, Config{})

	res, err := f.orch.CreateMemory(context.Background(), validRequest())
	require.NoError(t, err)
	f.shutdown(t)

	before, err := f.repo.GetMemory(context.Background(), res.Memory.ID)
	require.NoError(t, err)

	err = f.repo.DeleteMemory(context.Background(), res.Memory.ID, "user-b")
	require.ErrorIs(t, err, memory.ErrForbidden)

	after, err := f.repo.GetMemory(context.Background(), res.Memory.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Equal(t, before.Files, after.Files)
}

func TestCreateMemory_ScenarioE_TitleBounds(t *testing.T) {
	tests := []struct {
		name    string
		length  int
		wantErr bool
	}{
		{name: "2 chars", length: 2, wantErr: true},
		{name: "3 chars", length: 3},
		{name: "100 chars", length: 100},
		{name: "101 chars", length: 101, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			req := validRequest()
			req.Meta.Title = strings.Repeat("é", tt.length)

			_, err := f.orch.CreateMemory(context.Background(), req)
			if tt.wantErr {
				require.ErrorIs(t, err, memory.ErrValidation)
				assert.Zero(t, f.store.Len())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, int64(1), f.count(t, &memory.Memory{}))
		})
	}
}

func TestCreateMemory_StorageWriteFailed(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.PutHook = func(string) error { return objectstore.ErrQuotaExceeded }

	_, err := f.orch.CreateMemory(context.Background(), validRequest())
	require.ErrorIs(t, err, memory.ErrStorageWriteFailed)
	assert.ErrorIs(t, err, objectstore.ErrQuotaExceeded)

	assert.Zero(t, f.sessions.Len())
	assert.Zero(t, f.count(t, &memory.Memory{}))
	assert.Zero(t, f.backup.Calls())
}

func TestCreateMemory_MetadataWriteFailedLeavesOrphan(t *testing.T) {
	f := newFixture(t, Config{})
	orch := New(Config{}, failingRepo{f.repo}, f.store, f.backup, f.sessions, f.events, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := orch.CreateMemory(context.Background(), validRequest())
	require.ErrorIs(t, err, memory.ErrMetadataWriteFailed)

	assert.Equal(t, 1, f.store.Len())
	assert.Zero(t, f.count(t, &memory.Memory{}))
	assert.Zero(t, f.backup.Calls())
	assert.Empty(t, f.events.Types())
}

func TestCreateMemory_BackupOutageNeverFailsUpload(t *testing.T) {
	f := newFixture(t, Config{})
	f.backup.err = backup.ErrSoftFailure

	for i := 0; i < 3; i++ {
		_, err := f.orch.CreateMemory(context.Background(), validRequest())
		require.NoError(t, err)
	}
	f.shutdown(t)

	var files []memory.File
	require.NoError(t, f.db.Find(&files).Error)
	require.Len(t, files, 3)
	for _, file := range files {
		assert.Equal(t, memory.ProcessingCompleted, file.ProcessingStatus)
		assert.False(t, file.HasBackup())
	}
}

func TestCreateMemory_DeletedBeforePatchIsNoop(t *testing.T) {
	f := newFixture(t, Config{})
	f.backup.release = make(chan struct{})

	res, err := f.orch.CreateMemory(context.Background(), validRequest())
	require.NoError(t, err)

	require.NoError(t, f.repo.DeleteMemory(context.Background(), res.Memory.ID, "user-a"))
	close(f.backup.release)
	f.shutdown(t)

	file, err := f.repo.GetFile(context.Background(), res.Memory.Files[0].ID)
	require.NoError(t, err)
	assert.False(t, file.HasBackup())
	assert.Equal(t, []string{events.TypeMemoryCreated}, f.events.Types())
}

func TestCreateMemory_BackupDisabled(t *testing.T) {
	db := dbtest.Open(t)
	repo := memory.NewRepository(db)
	orch := New(Config{}, repo, objectstore.NewMemory(), nil, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	res, err := orch.CreateMemory(context.Background(), validRequest())
	require.NoError(t, err)
	assert.False(t, res.BackupPending)

	err = orch.ReconcileBackup(context.Background(), res.Memory.Files[0].ID)
	assert.ErrorIs(t, err, memory.ErrBackupSoftFailure)
}

func TestBackupTaskPanicIsContained(t *testing.T) {
	f := newFixture(t, Config{})
	f.backup.panics = true

	_, err := f.orch.CreateMemory(context.Background(), validRequest())
	require.NoError(t, err)
	f.shutdown(t)
}

func TestReconcileBackup(t *testing.T) {
	f := newFixture(t, Config{})
	f.backup.err = backup.ErrSoftFailure

	res, err := f.orch.CreateMemory(context.Background(), validRequest())
	require.NoError(t, err)
	f.shutdown(t)

	fileID := res.Memory.Files[0].ID
	f.backup.mu.Lock()
	f.backup.err = nil
	f.backup.mu.Unlock()

	require.NoError(t, f.orch.ReconcileBackup(context.Background(), fileID))

	file, err := f.repo.GetFile(context.Background(), fileID)
	require.NoError(t, err)
	assert.True(t, file.HasBackup())

	calls := f.backup.Calls()
	require.NoError(t, f.orch.ReconcileBackup(context.Background(), fileID))
	assert.Equal(t, calls, f.backup.Calls(), "already backed up files are skipped")
}

func TestReconcileBackup_ChecksumMismatch(t *testing.T) {
	f := newFixture(t, Config{})
	f.backup.err = backup.ErrSoftFailure

	res, err := f.orch.CreateMemory(context.Background(), validRequest())
	require.NoError(t, err)
	f.shutdown(t)

	file := res.Memory.Files[0]
	require.NoError(t, f.store.Put(context.Background(), *file.StorageKey, []byte("tampered"), "image/jpeg", nil))

	err = f.orch.ReconcileBackup(context.Background(), file.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestReconcileBackup_UnknownFile(t *testing.T) {
	f := newFixture(t, Config{})
	err := f.orch.ReconcileBackup(context.Background(), "missing")
	assert.ErrorIs(t, err, memory.ErrFileNotFound)
}

func TestShutdown_DeadlineCancelsBackups(t *testing.T) {
	f := newFixture(t, Config{BackupBudget: time.Hour})
	f.backup.hang = true

	_, err := f.orch.CreateMemory(context.Background(), validRequest())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.orch.Shutdown(ctx), context.DeadlineExceeded)

	res, err := f.orch.CreateMemory(context.Background(), validRequest())
	require.NoError(t, err)
	assert.False(t, res.BackupPending)
}
