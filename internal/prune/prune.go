// Package prune removes old synced records from the local store.
package prune

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/rzpsarthak13/syncengine/internal/core"
	"github.com/rzpsarthak13/syncengine/internal/records"
)

// Tables lists the collection tables to prune.
type Tables interface {
	Tables() []*records.Table
}

// Config contains configuration for the pruning service.
type Config struct {
	// Retention is how long synced records are kept after their last update.
	Retention time.Duration

	// QuotaBytes is the local storage usage that triggers an early prune.
	QuotaBytes int64

	// Interval is how often Start prunes.
	Interval time.Duration
}

// DefaultConfig returns 30 days retention, a 50 MB quota and a daily run.
func DefaultConfig() Config {
	return Config{
		Retention:  30 * 24 * time.Hour,
		QuotaBytes: 50 * 1024 * 1024,
		Interval:   24 * time.Hour,
	}
}

// Service prunes synced records past retention.
type Service struct {
	store  core.LocalStore
	tables Tables
	config Config
	now    func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a pruning service.
func New(store core.LocalStore, tables Tables, config Config, opts ...Option) *Service {
	defaults := DefaultConfig()
	if config.Retention <= 0 {
		config.Retention = defaults.Retention
	}
	if config.QuotaBytes <= 0 {
		config.QuotaBytes = defaults.QuotaBytes
	}
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	s := &Service{store: store, tables: tables, config: config, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PruneOldData deletes, in one transaction, every synced record whose
// updatedAt is older than the retention window. Records with pending work
// are never touched. If the store reports a constraint violation, every
// pending record is flagged with the error status and the violation is
// returned.
func (s *Service) PruneOldData(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.config.Retention)
	tables := s.tables.Tables()

	deleted := 0
	err := s.store.Update(ctx, func(tx core.Tx) error {
		deleted = 0
		for _, table := range tables {
			old, err := table.Find(tx, func(r *core.Record) bool {
				return r.SyncStatus == core.StatusSynced && !r.UpdatedAt.IsZero() && r.UpdatedAt.Before(cutoff)
			})
			if err != nil {
				return fmt.Errorf("failed to scan %s: %w", table.Name(), err)
			}
			for _, rec := range old {
				if err := table.Delete(tx, rec.ID); err != nil {
					return fmt.Errorf("failed to delete %s/%s: %w", table.Name(), rec.ID, err)
				}
				deleted++
			}
		}
		return nil
	})

	if errors.Is(err, core.ErrConstraint) {
		flagged, flagErr := s.flagPending(ctx, tables, err)
		if flagErr != nil {
			log.Printf("[PRUNE] ERROR: Could not flag pending records: %v", flagErr)
		} else {
			log.Printf("[PRUNE] WARNING: Constraint violation, flagged %d pending records: %v", flagged, err)
		}
		return 0, err
	}
	if err != nil {
		return 0, fmt.Errorf("failed to prune old data: %w", err)
	}

	if deleted > 0 {
		log.Printf("[PRUNE] Deleted %d synced records older than %v", deleted, cutoff.Format(time.RFC3339))
	}
	return deleted, nil
}

func (s *Service) flagPending(ctx context.Context, tables []*records.Table, cause error) (int, error) {
	flagged := 0
	err := s.store.Update(context.WithoutCancel(ctx), func(tx core.Tx) error {
		flagged = 0
		for _, table := range tables {
			pending, err := table.Find(tx, func(r *core.Record) bool { return r.SyncStatus == core.StatusPending })
			if err != nil {
				return err
			}
			for _, rec := range pending {
				_, err := table.Update(tx, rec.ID, records.Patch{
					SyncStatus: records.Status(core.StatusError),
					SyncError:  records.String(cause.Error()),
				})
				if err != nil {
					return err
				}
				flagged++
			}
		}
		return nil
	})
	return flagged, err
}

// CheckStorageQuota prunes when local usage exceeds the quota. It reports
// whether the quota was exceeded.
func (s *Service) CheckStorageQuota(ctx context.Context) (bool, error) {
	usage, err := s.store.Usage(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read storage usage: %w", err)
	}
	if usage <= s.config.QuotaBytes {
		return false, nil
	}

	log.Printf("[PRUNE] Storage usage %d bytes exceeds quota of %d bytes, pruning", usage, s.config.QuotaBytes)
	_, err = s.PruneOldData(ctx)
	return true, err
}

// Start checks the quota once, then prunes every Interval until Stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	if _, err := s.CheckStorageQuota(ctx); err != nil {
		log.Printf("[PRUNE] ERROR: Initial quota check failed: %v", err)
	}

	go s.run(ctx)
	log.Printf("[PRUNE] Started with interval %v and retention %v", s.config.Interval, s.config.Retention)
	return nil
}

// Stop stops the periodic prune and waits for a running one to return.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
	log.Printf("[PRUNE] Stopped")
	return nil
}

func (s *Service) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.PruneOldData(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[PRUNE] ERROR: Scheduled prune failed: %v", err)
			}
		}
	}
}
