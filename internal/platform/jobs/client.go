// Package jobs runs migration phases in the background on a backlite queue
// stored in SQLite.
package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mikestefanello/backlite"
	"github.com/rs/zerolog"
)

type Config struct {
	// DBPath is the SQLite file holding queued tasks.
	DBPath  string
	Workers int

	// ReleaseAfter returns claimed tasks of a dead worker to the queue. It
	// must exceed the phase timeout.
	ReleaseAfter    time.Duration
	CleanupInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		DBPath:          "migration-jobs.db",
		Workers:         2,
		ReleaseAfter:    3 * time.Hour,
		CleanupInterval: time.Hour,
	}
}

// Client wraps backlite with its own SQLite connection.
type Client struct {
	client *backlite.Client
	db     *sql.DB
	config Config
	logger zerolog.Logger

	mu      sync.RWMutex
	started bool
}

func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ReleaseAfter <= phaseTimeout {
		return nil, fmt.Errorf("jobs: release-after %s must exceed phase timeout %s", cfg.ReleaseAfter, phaseTimeout)
	}
	logger = logger.With().Str("component", "jobs").Logger()

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal=WAL&_timeout=5000&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open jobs database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Workers + 5)
	db.SetMaxIdleConns(cfg.Workers + 2)
	db.SetConnMaxLifetime(time.Hour)

	client, err := backlite.NewClient(backlite.ClientConfig{
		DB:              db,
		NumWorkers:      cfg.Workers,
		ReleaseAfter:    cfg.ReleaseAfter,
		CleanupInterval: cfg.CleanupInterval,
		Logger:          zlogAdapter{logger},
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create backlite client: %w", err)
	}
	if err := client.Install(); err != nil {
		db.Close()
		return nil, fmt.Errorf("install backlite schema: %w", err)
	}

	return &Client{client: client, db: db, config: cfg, logger: logger}, nil
}

// Register must be called before Start.
func (c *Client) Register(queues ...backlite.Queue) {
	for _, q := range queues {
		c.client.Register(q)
	}
}

// Start begins processing tasks until ctx is cancelled or Stop is called.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.logger.Info().Int("workers", c.config.Workers).Msg("job workers started")
	c.client.Start(ctx)
}

// Stop waits for running tasks until ctx expires. It reports whether every
// worker finished in time.
func (c *Client) Stop(ctx context.Context) bool {
	c.mu.RLock()
	started := c.started
	c.mu.RUnlock()
	if !started {
		return true
	}
	ok := c.client.Stop(ctx)
	if ok {
		c.logger.Info().Msg("job workers stopped")
	} else {
		c.logger.Warn().Msg("job workers stopped before running tasks finished")
	}
	return ok
}

func (c *Client) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func (c *Client) Add(tasks ...backlite.Task) *backlite.TaskAddOp {
	return c.client.Add(tasks...)
}

func (c *Client) Status(ctx context.Context, taskID string) (backlite.TaskStatus, error) {
	return c.client.Status(ctx, taskID)
}

type zlogAdapter struct{ logger zerolog.Logger }

func (l zlogAdapter) Info(message string, params ...any) {
	l.logger.Debug().Fields(params).Msg(message)
}

func (l zlogAdapter) Error(message string, params ...any) {
	l.logger.Error().Fields(params).Msg(message)
}
