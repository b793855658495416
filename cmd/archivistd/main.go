// archivistd is the metric persistence daemon. It drains the persist
// queue into the reference and time-series stores and flushes hot data
// to cold segments on an interval.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/archivist/internal/config"
	"github.com/xtxerr/archivist/internal/logging"
	"github.com/xtxerr/archivist/internal/persist"
	"github.com/xtxerr/archivist/internal/queue"
	"github.com/xtxerr/archivist/internal/refstore"
	"github.com/xtxerr/archivist/internal/tsstore"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "archivistd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	redisAddr := flag.String("redis", "", "redis address (overrides config)")
	queueName := flag.String("queue", "", "persist queue name (overrides config)")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	oneShot := flag.Bool("one-shot", false, "exit once the queue reports exhaustion")
	flag.Parse()

	// Load config. Load wraps the read error, so unwrap with errors.Is
	// rather than os.IsNotExist.
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg = config.DefaultConfig()
		} else {
			return fmt.Errorf("load config: %w", err)
		}
	}

	// CLI overrides
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *redisAddr != "" {
		cfg.Queue.RedisAddr = *redisAddr
	}
	if *queueName != "" {
		cfg.Queue.Name = *queueName
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	logging.Init(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.JSON)
	log := logging.Component("archivistd")
	log.Info("starting", "version", Version, "data_dir", cfg.DataDir)

	// Stores
	refs, err := refstore.Open(cfg.RefDBPath())
	if err != nil {
		return fmt.Errorf("open refstore: %w", err)
	}
	defer refs.Close()

	ts, err := tsstore.Open(cfg)
	if err != nil {
		return fmt.Errorf("open tsstore: %w", err)
	}

	// Queue
	q := queue.NewRedisQueue(cfg.Queue.RedisAddr, cfg.Queue.Name, cfg.Queue.PopTimeout)
	defer q.Close()

	log.Info("draining queue",
		"redis", cfg.Queue.RedisAddr,
		"queue", cfg.Queue.Name,
		"one_shot", *oneShot)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runID := uuid.NewString()
	ctx = logging.ContextWithRunID(ctx, runID)
	log = log.With("run_id", runID)

	p := persist.New(q, refs, ts)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := p.Run(gctx)
		if err == nil && *oneShot {
			// Exhaustion ends the run; unwind the flusher too.
			stop()
		}
		return err
	})

	g.Go(func() error {
		interval := cfg.Flush.Interval
		if interval <= 0 {
			interval = time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := ts.Flush(); err != nil {
					log.Error("flush failed", "error", err)
				}
			case <-gctx.Done():
				return nil
			}
		}
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		ts.Close()
		return err
	}

	log.Info("shutting down")
	if err := ts.Close(); err != nil {
		log.Error("tsstore close failed", "error", err)
	}
	log.Info("stopped",
		"processed", p.Stats().Processed.Load(),
		"skipped", p.Stats().Skipped.Load())
	return nil
}
