// Package checkpoint drives the periodic flush of managed operator state.
// Each checkpoint takes a fresh epoch, commits every dirty aggregation value
// in one atomic batch, flushes every materialized view, and finally records
// the epoch as committed.
package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairdb/streamstate/internal/epoch"
	"github.com/devrev/pairdb/streamstate/internal/errors"
	"github.com/devrev/pairdb/streamstate/internal/managedstate"
	"github.com/devrev/pairdb/streamstate/internal/meta/hummock"
	"github.com/devrev/pairdb/streamstate/internal/metrics"
	"github.com/devrev/pairdb/streamstate/internal/state"
	"github.com/devrev/pairdb/streamstate/internal/util/workerpool"
	"github.com/devrev/pairdb/streamstate/internal/validation"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Config holds coordinator configuration
type Config struct {
	Interval  time.Duration
	Workers   int
	QueueSize int
}

// Coordinator owns the registered managed states during checkpoints.
// Operators must not mutate a registered state while a checkpoint runs.
type Coordinator struct {
	config    *Config
	generator epoch.Generator
	store     state.StateStore
	snapshots *hummock.SnapshotManager
	validator *validation.Validator
	pool      *workerpool.WorkerPool
	logger    *zap.Logger
	metrics   *metrics.Metrics

	// serializes checkpoints and guards the registries
	mu          sync.Mutex
	valueStates map[string]*managedstate.ManagedValueState
	mviewStates map[string]*managedstate.ManagedMViewState
	lastEpoch   epoch.Epoch

	stopChan chan struct{}
	stopOnce sync.Once
	stopErr  error
	wg       sync.WaitGroup
}

// NewCoordinator creates a coordinator. snapshots may be nil when committed
// epochs need not be tracked.
func NewCoordinator(
	cfg *Config,
	generator epoch.Generator,
	store state.StateStore,
	snapshots *hummock.SnapshotManager,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNopMetrics()
	}
	return &Coordinator{
		config:    cfg,
		generator: generator,
		store:     store,
		snapshots: snapshots,
		validator: validation.NewValidator(),
		pool: workerpool.NewWorkerPool(&workerpool.Config{
			Name:       "checkpoint",
			MaxWorkers: cfg.Workers,
			QueueSize:  cfg.QueueSize,
			Logger:     logger,
		}),
		logger:      logger,
		metrics:     m,
		valueStates: make(map[string]*managedstate.ManagedValueState),
		mviewStates: make(map[string]*managedstate.ManagedMViewState),
		stopChan:    make(chan struct{}),
	}
}

// RegisterValueState adds an aggregation value state under name.
func (c *Coordinator) RegisterValueState(name string, s *managedstate.ManagedValueState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.valueStates[name]; dup {
		return errors.InvalidArgument(fmt.Sprintf("value state %q already registered", name), nil)
	}
	c.valueStates[name] = s
	return nil
}

// RegisterMViewState adds a materialized view state under name.
func (c *Coordinator) RegisterMViewState(name string, s *managedstate.ManagedMViewState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.mviewStates[name]; dup {
		return errors.InvalidArgument(fmt.Sprintf("mview state %q already registered", name), nil)
	}
	c.mviewStates[name] = s
	return nil
}

// Unregister removes a state of either kind, e.g. when its operator is torn
// down. Pending changes are not flushed.
func (c *Coordinator) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.valueStates, name)
	delete(c.mviewStates, name)
}

// LastEpoch returns the epoch of the last successful checkpoint.
func (c *Coordinator) LastEpoch() epoch.Epoch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEpoch
}

// Checkpoint flushes all registered state and returns the checkpoint epoch.
// Any failure aborts the checkpoint and is returned unchanged; nothing is
// retried.
func (c *Coordinator) Checkpoint(ctx context.Context) (epoch.Epoch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	e := c.generator.Generate()
	err := c.checkpointLocked(ctx, e)
	c.metrics.RecordCheckpoint(time.Since(start).Seconds(), uint64(e), err)

	if err != nil {
		c.logger.Error("Checkpoint failed", zap.Stringer("epoch", e), zap.Error(err))
		return e, err
	}
	c.lastEpoch = e
	c.logger.Info("Checkpoint completed",
		zap.Stringer("epoch", e),
		zap.Duration("duration", time.Since(start)))
	return e, nil
}

func (c *Coordinator) checkpointLocked(ctx context.Context, e epoch.Epoch) error {
	if err := c.flushValueStates(ctx); err != nil {
		return err
	}
	if err := c.flushMViewStates(ctx); err != nil {
		return err
	}
	if c.snapshots != nil {
		if err := c.snapshots.CommitEpoch(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) flushValueStates(ctx context.Context) error {
	names := make([]string, 0, len(c.valueStates))
	for name, s := range c.valueStates {
		if s.IsDirty() {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)

	var batch state.WriteBatch
	flushed := make([]*managedstate.ManagedValueState, 0, len(names))
	rearm := func() {
		for _, s := range flushed {
			s.MarkDirty()
		}
	}

	for _, name := range names {
		s := c.valueStates[name]
		if err := s.Flush(&batch); err != nil {
			rearm()
			return fmt.Errorf("flush value state %q: %w", name, err)
		}
		flushed = append(flushed, s)
	}

	if err := c.validator.ValidateBatch(batch); err != nil {
		rearm()
		return err
	}
	if err := c.store.IngestBatch(ctx, batch); err != nil {
		rearm()
		return err
	}

	c.metrics.RecordAggFlush(len(flushed))
	c.logger.Debug("Value states flushed", zap.Int("states", len(flushed)))
	return nil
}

func (c *Coordinator) flushMViewStates(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for name, s := range c.mviewStates {
		name, s := name, s
		rows := s.Len()
		if rows == 0 {
			continue
		}
		g.Go(func() error {
			if err := s.Flush(gctx); err != nil {
				return fmt.Errorf("flush mview state %q: %w", name, err)
			}
			c.metrics.RecordMViewFlush(rows, rows*s.Schema().Len())
			return nil
		})
	}
	return g.Wait()
}

// TriggerAsync queues a checkpoint on the worker pool. The returned channel
// receives its result.
func (c *Coordinator) TriggerAsync() (<-chan error, error) {
	done := make(chan error, 1)
	task := workerpool.Task{
		ID: "checkpoint-" + uuid.NewString(),
		Fn: func(ctx context.Context) error {
			_, err := c.Checkpoint(ctx)
			return err
		},
		Done: done,
	}
	if err := c.pool.Submit(task); err != nil {
		return nil, err
	}
	return done, nil
}

// Start runs a checkpoint every configured interval until Stop.
func (c *Coordinator) Start() {
	if c.config.Interval <= 0 {
		return
	}
	c.wg.Add(1)
	go c.loop()
	c.logger.Info("Checkpoint loop started", zap.Duration("interval", c.config.Interval))
}

func (c *Coordinator) loop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			if _, err := c.TriggerAsync(); err != nil {
				// previous checkpoints still queued
				c.logger.Warn("Checkpoint skipped", zap.Error(err))
			}
		}
	}
}

// Stop ends the periodic loop, runs a final checkpoint with ctx, and stops
// the worker pool. Checkpoints still queued by TriggerAsync then receive
// workerpool.ErrStopped. Later calls return the first call's result.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() {
		close(c.stopChan)
		c.wg.Wait()

		_, err := c.Checkpoint(ctx)
		if perr := c.pool.Stop(5 * time.Second); perr != nil && err == nil {
			err = perr
		}
		c.stopErr = err
	})
	return c.stopErr
}
