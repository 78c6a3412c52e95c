package convstore

import (
	"context"
	"log"
	"sync"
	"time"
)

// JanitorConfig tunes the background maintenance workers. A zero
// BackupInterval (or empty BackupDir) disables backups; retention always
// runs.
type JanitorConfig struct {
	RetentionInterval time.Duration `yaml:"retention_interval"` // default: 24h
	BackupInterval    time.Duration `yaml:"backup_interval"`    // default: 0 (disabled)
	BackupDir         string        `yaml:"backup_dir"`
}

// DefaultJanitorConfig returns the default janitor configuration.
func DefaultJanitorConfig() JanitorConfig {
	return JanitorConfig{
		RetentionInterval: 24 * time.Hour,
	}
}

// Janitor runs retention purges and periodic backups against a store.
// RunRetentionOnce and RunBackupOnce expose the work synchronously so
// tests and operators can trigger it on demand.
type Janitor struct {
	store Store
	cfg   JanitorConfig

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
}

// NewJanitor creates a janitor over the given store.
func NewJanitor(store Store, cfg JanitorConfig) *Janitor {
	if cfg.RetentionInterval <= 0 {
		cfg.RetentionInterval = DefaultJanitorConfig().RetentionInterval
	}
	return &Janitor{
		store: store,
		cfg:   cfg,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// RunRetentionOnce purges expired conversations now.
func (j *Janitor) RunRetentionOnce(ctx context.Context) (int, error) {
	n, err := j.store.PurgeExpired(ctx, time.Now())
	if err != nil {
		log.Printf("[WARN] Janitor: retention purge: %v", err)
		return 0, err
	}
	if n > 0 {
		log.Printf("[Janitor] purged %d expired conversations", n)
	}
	return n, nil
}

// RunBackupOnce snapshots the store into the configured backup dir.
func (j *Janitor) RunBackupOnce(ctx context.Context) (string, error) {
	path, err := j.store.Snapshot(ctx, j.cfg.BackupDir)
	if err != nil {
		log.Printf("[WARN] Janitor: backup: %v", err)
		return "", err
	}
	return path, nil
}

// Start launches the background loops until Stop or ctx cancellation.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	if j.started {
		j.mu.Unlock()
		return
	}
	j.started = true
	j.mu.Unlock()

	backups := j.cfg.BackupInterval > 0 && j.cfg.BackupDir != ""
	log.Printf("[OK] Janitor: retention every %s, backups enabled: %v", j.cfg.RetentionInterval, backups)

	go func() {
		defer close(j.done)
		retention := time.NewTicker(j.cfg.RetentionInterval)
		defer retention.Stop()

		var backup <-chan time.Time
		if backups {
			t := time.NewTicker(j.cfg.BackupInterval)
			defer t.Stop()
			backup = t.C
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-j.stop:
				return
			case <-retention.C:
				_, _ = j.RunRetentionOnce(ctx)
			case <-backup:
				_, _ = j.RunBackupOnce(ctx)
			}
		}
	}()
}

// Stop halts the background loops and waits for them to exit.
func (j *Janitor) Stop() {
	j.mu.Lock()
	started := j.started
	if started {
		select {
		case <-j.stop:
		default:
			close(j.stop)
		}
	}
	j.mu.Unlock()
	if started {
		<-j.done
	}
}
