// Package reconcile heals what the upload path leaves behind: blobs whose
// metadata never committed, and files whose detached backup never landed.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"memoryvault/internal/domain/memory"
	"memoryvault/internal/storage/objectstore"
)

var ErrAlreadyRunning = errors.New("reconcile: sweep already running")

var (
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memoryvault_sweep_runs_total",
		Help: "Completed reconciliation sweeps.",
	})

	sweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "memoryvault_sweep_duration_seconds",
		Help:    "Duration of one reconciliation sweep.",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	})

	orphansDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memoryvault_sweep_orphans_deleted_total",
		Help: "Unreferenced objects removed from the primary store.",
	})

	backupRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "memoryvault_sweep_backup_retries_total",
		Help: "Sweep backup re-attempts by outcome.",
	}, []string{"outcome"})

	memoriesPurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "memoryvault_sweep_memories_purged_total",
		Help: "Soft-deleted memories hard-removed after retention.",
	})
)

// Store is the metadata the sweep reads and claims.
type Store interface {
	StorageKeyReferenced(ctx context.Context, key string) (bool, error)
	ListFilesMissingBackup(ctx context.Context, uploadedBefore time.Time, limit int) ([]memory.File, error)
	MarkBackupAttempted(ctx context.Context, fileID string, at time.Time) (bool, error)
	PurgeDeletedMemories(ctx context.Context, deletedBefore time.Time) (int64, error)
}

// BackupReconciler is implemented by *orchestrator.Orchestrator.
type BackupReconciler interface {
	ReconcileBackup(ctx context.Context, fileID string) error
}

type Config struct {
	Interval time.Duration

	// OrphanGrace must comfortably exceed the upload critical path, or
	// blobs of in-flight uploads could be taken for orphans.
	OrphanGrace time.Duration
	BackupGrace time.Duration

	// PurgeAfter is the retention for soft-deleted memories. Zero keeps
	// them forever.
	PurgeAfter time.Duration

	BatchSize   int
	Concurrency int
	KeyPrefix   string
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Minute
	}
	if c.OrphanGrace <= 0 {
		c.OrphanGrace = time.Hour
	}
	if c.BackupGrace <= 0 {
		c.BackupGrace = 30 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// Report summarises one sweep.
type Report struct {
	StartedAt        time.Time     `json:"started_at"`
	CompletedAt      time.Time     `json:"completed_at"`
	Duration         time.Duration `json:"duration"`
	MemoriesPurged   int64         `json:"memories_purged"`
	ObjectsScanned   int           `json:"objects_scanned"`
	OrphansDeleted   int           `json:"orphans_deleted"`
	BackupsAttempted int           `json:"backups_attempted"`
	BackupsRecovered int           `json:"backups_recovered"`
	BackupsAbandoned int           `json:"backups_abandoned"`
}

type Sweeper struct {
	cfg        Config
	store      Store
	objects    objectstore.Store
	reconciler BackupReconciler
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.Mutex
	inProcess bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewSweeper(cfg Config, store Store, objects objectstore.Store, reconciler BackupReconciler, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		cfg:        cfg.withDefaults(),
		store:      store,
		objects:    objects,
		reconciler: reconciler,
		logger:     logger.With(slog.String("component", "reconcile")),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start runs a sweep every Interval until Stop or ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(runCtx)

	s.logger.Info("reconciliation started", slog.String("interval", s.cfg.Interval.String()))
}

// Stop cancels the loop and waits for a running sweep to return.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("reconciliation stopped")
}

func (s *Sweeper) IsInProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inProcess
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
				s.logger.Error("sweep finished with errors", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce purges expired soft-deleted memories, deletes orphaned blobs and
// re-attempts missing backups once. Pass errors are joined; the report
// covers whatever work completed.
func (s *Sweeper) RunOnce(ctx context.Context) (*Report, error) {
	s.mu.Lock()
	if s.inProcess {
		s.mu.Unlock()
		s.logger.Warn("sweep already running, skipping")
		return nil, ErrAlreadyRunning
	}
	s.inProcess = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inProcess = false
		s.mu.Unlock()
	}()

	report := &Report{StartedAt: s.now()}
	s.logger.Info("sweep started")

	var errs []error
	if err := s.purge(ctx, report); err != nil {
		errs = append(errs, fmt.Errorf("purge: %w", err))
	}
	if err := s.sweepOrphans(ctx, report); err != nil {
		errs = append(errs, fmt.Errorf("orphans: %w", err))
	}
	if err := s.retryBackups(ctx, report); err != nil {
		errs = append(errs, fmt.Errorf("backups: %w", err))
	}

	report.CompletedAt = s.now()
	report.Duration = report.CompletedAt.Sub(report.StartedAt)

	sweepRunsTotal.Inc()
	sweepDurationSeconds.Observe(report.Duration.Seconds())

	s.logger.Info("sweep finished",
		slog.Int64("memories_purged", report.MemoriesPurged),
		slog.Int("objects_scanned", report.ObjectsScanned),
		slog.Int("orphans_deleted", report.OrphansDeleted),
		slog.Int("backups_attempted", report.BackupsAttempted),
		slog.Int("backups_recovered", report.BackupsRecovered),
		slog.Int("backups_abandoned", report.BackupsAbandoned),
		slog.Duration("duration", report.Duration),
	)

	return report, errors.Join(errs...)
}

func (s *Sweeper) purge(ctx context.Context, report *Report) error {
	if s.cfg.PurgeAfter <= 0 {
		return nil
	}
	n, err := s.store.PurgeDeletedMemories(ctx, report.StartedAt.Add(-s.cfg.PurgeAfter))
	if err != nil {
		return err
	}
	report.MemoriesPurged = n
	memoriesPurgedTotal.Add(float64(n))
	return nil
}

// sweepOrphans deletes objects older than OrphanGrace that no file row
// references. Younger objects may belong to an upload still committing.
func (s *Sweeper) sweepOrphans(ctx context.Context, report *Report) error {
	cutoff := report.StartedAt.Add(-s.cfg.OrphanGrace)

	return s.objects.List(ctx, s.cfg.KeyPrefix, func(obj objectstore.Object) error {
		report.ObjectsScanned++
		if !obj.LastModified.Before(cutoff) {
			return nil
		}

		referenced, err := s.store.StorageKeyReferenced(ctx, obj.Key)
		if err != nil {
			return err
		}
		if referenced {
			return nil
		}

		if err := s.objects.Delete(ctx, obj.Key); err != nil {
			s.logger.Warn("orphan delete failed", slog.String("key", obj.Key), slog.String("error", err.Error()))
			return nil
		}
		report.OrphansDeleted++
		orphansDeletedTotal.Inc()
		s.logger.Info("orphaned object deleted",
			slog.String("key", obj.Key),
			slog.Int64("size", obj.Size),
			slog.Time("last_modified", obj.LastModified),
		)
		return nil
	})
}

// retryBackups gives each file missing a backup exactly one more attempt.
// The claim is written before the attempt, so a crash mid-attempt also
// counts as the attempt.
func (s *Sweeper) retryBackups(ctx context.Context, report *Report) error {
	if s.reconciler == nil {
		return nil
	}

	files, err := s.store.ListFilesMissingBackup(ctx, report.StartedAt.Add(-s.cfg.BackupGrace), s.cfg.BatchSize)
	if err != nil {
		return err
	}

	var attempted, recovered, abandoned atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for _, f := range files {
		f := f // per-iteration copy; go.mod targets go 1.21 (pre-1.22 loop semantics)
		g.Go(func() error {
			claimed, err := s.store.MarkBackupAttempted(gctx, f.ID, s.now())
			if err != nil {
				return fmt.Errorf("claim %s: %w", f.ID, err)
			}
			if !claimed {
				return nil
			}
			attempted.Add(1)

			if err := s.reconciler.ReconcileBackup(gctx, f.ID); err != nil {
				abandoned.Add(1)
				backupRetriesTotal.WithLabelValues("abandoned").Inc()
				s.logger.Warn("backup re-attempt failed, giving up",
					slog.String("file_id", f.ID),
					slog.String("memory_id", f.MemoryID),
					slog.String("error", err.Error()),
				)
				return nil
			}
			recovered.Add(1)
			backupRetriesTotal.WithLabelValues("recovered").Inc()
			return nil
		})
	}

	err = g.Wait()
	report.BackupsAttempted = int(attempted.Load())
	report.BackupsRecovered = int(recovered.Load())
	report.BackupsAbandoned = int(abandoned.Load())
	return err
}
