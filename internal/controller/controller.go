// ============================================================================
// printwatch 對帳循環 - 系統核心協調器
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Purpose: The reconciliation loop. On a fixed tick it ingests new
//          authorizations and job-tasks, pairs them inside the matching
//          window, meters quota, issues cancels and reconciles device status.
//
// Goroutine model:
//   One loop goroutine owns every write the loop makes. It selects on
//     - stopCh     : shutdown, no new tick starts
//     - telemetry  : snapshots pushed by device connections, persisted as
//                    they arrive
//     - ticker     : run one tick
//   Ticks never overlap; a slow tick delays the next one.
//
// Tick steps (tick.go):
//   0. refresh the device list when due
//   1. ingest authorizations, then tasks
//   2. partition unmatched authorizations into active candidates (younger
//      than the window, newest per device) and the stale pool (all of them)
//   3. resolve unmatched jobs: live matches need telemetry agreement,
//      jobs older than the window match retroactively or expire
//   4. expire authorizations that aged out of the stale pool
//   5. reconcile current jobs against device state
//   6. sync device status
//
// Failure handling:
//   A step error or panic ends the tick; the next tick starts again from
//   the store. Every store call is its own transaction, so nothing needs to
//   be rolled back.
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/printwatch/internal/clock"
	"github.com/ChuLiYu/printwatch/internal/store"
	"github.com/ChuLiYu/printwatch/pkg/types"
)

var (
	// ErrTickPanic wraps a panic recovered at the tick boundary.
	ErrTickPanic = errors.New("tick panicked")
	// ErrMissingStore is returned by New without a store.
	ErrMissingStore = errors.New("controller requires a store")
)

// ============================================================================
// 協作者介面
// ============================================================================

// TaskSource lists the vendor job-tasks.
type TaskSource interface {
	Tasks(ctx context.Context) ([]types.Task, error)
}

// DeviceSource enumerates bound devices as name -> serial.
type DeviceSource interface {
	Devices(ctx context.Context) (map[string]string, error)
}

// AuthorizationSource returns authorizations appended since the last poll.
type AuthorizationSource interface {
	Poll(ctx context.Context) ([]types.Authorization, error)
}

// Fleet is the set of device connections.
type Fleet interface {
	Ensure(ctx context.Context, devices map[string]string) error
	Cancel(name string) error
	Telemetry() <-chan types.Telemetry
}

// Notifier publishes job outcome events.
type Notifier interface {
	Publish(ctx context.Context, event types.JobEvent) error
}

// SnapshotWriter persists the fleet status document.
type SnapshotWriter interface {
	Write(snap types.FleetSnapshot) error
}

// Metrics receives loop observations.
type Metrics interface {
	TickCompleted(d time.Duration, err error)
	Ingested(kind string, n int)
	JobMatched(retroactive bool)
	JobArchived(status types.JobStatus)
	AuthorizationExpired()
	CancelIssued(reason string, err error)
	TelemetryReceived(device string)
	PoolSizes(stats types.Stats)
	DeviceStatuses(counts map[types.DeviceStatus]int)
}

// ============================================================================
// 資料結構定義
// ============================================================================

// Config configures the loop and wires its collaborators. Store is required;
// any other nil collaborator disables the steps that use it.
type Config struct {
	TickInterval   time.Duration
	TickTimeout    time.Duration
	MatchingWindow time.Duration // T
	Tolerance      time.Duration // start-time agreement slack
	GracePeriod    time.Duration // after a current job's estimated end
	StaleRetention time.Duration // extra stale-pool time past T
	OfflineAfter   time.Duration
	DeviceRefresh  time.Duration
	SnapshotEvery  int // ticks between status snapshots; 0 disables

	Store          *store.Store
	Tasks          TaskSource
	Devices        DeviceSource
	Authorizations AuthorizationSource
	Fleet          Fleet
	Notifier       Notifier
	Snapshots      SnapshotWriter
	Metrics        Metrics

	Clock  clock.Clock
	Logger *slog.Logger
}

// Controller runs the reconciliation loop.
type Controller struct {
	cfg     Config
	store   *store.Store
	clock   clock.Clock
	logger  *slog.Logger
	metrics Metrics

	baseCtx    context.Context
	cancelBase context.CancelFunc

	tickMu      sync.Mutex // serializes ticks
	ticks       int
	lastRefresh time.Time

	mu        sync.Mutex // guards telemetry
	telemetry map[string]types.Telemetry

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	stopped bool
	stateMu sync.Mutex
}

// New creates a controller. Call Start to run the loop.
func New(cfg Config) (*Controller, error) {
	if cfg.Store == nil {
		return nil, ErrMissingStore
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "controller")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Second
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = 3 * cfg.TickInterval
	}
	if cfg.MatchingWindow <= 0 {
		cfg.MatchingWindow = 600 * time.Second
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 60 * time.Second
	}
	if cfg.OfflineAfter <= 0 {
		cfg.OfflineAfter = 120 * time.Second
	}
	if cfg.DeviceRefresh <= 0 {
		cfg.DeviceRefresh = 300 * time.Second
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:        cfg,
		store:      cfg.Store,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		baseCtx:    baseCtx,
		cancelBase: cancel,
		telemetry:  make(map[string]types.Telemetry),
		stopCh:     make(chan struct{}),
	}, nil
}

// ============================================================================
// 生命週期
// ============================================================================

// Start restores the telemetry cache from the store, runs the first tick
// and launches the loop goroutine.
func (c *Controller) Start() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.stopped {
		return fmt.Errorf("controller already stopped")
	}
	if c.started {
		return nil
	}

	devices, err := c.store.Devices(c.baseCtx)
	if err != nil {
		return fmt.Errorf("loading device records: %w", err)
	}
	c.mu.Lock()
	for _, d := range devices {
		if d.Telemetry != nil {
			c.telemetry[d.Name] = *d.Telemetry
		}
	}
	c.mu.Unlock()

	c.started = true
	c.wg.Add(1)
	go c.run()

	c.logger.Info("Controller started",
		"tick_interval", c.cfg.TickInterval,
		"matching_window", c.cfg.MatchingWindow,
		"tolerance", c.cfg.Tolerance,
		"devices", len(devices))
	return nil
}

// Stop stops the loop: no new tick starts, an in-flight tick has its context
// canceled, and Stop returns once the loop goroutine has exited.
func (c *Controller) Stop() {
	c.stateMu.Lock()
	if c.stopped {
		c.stateMu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopCh)
	c.stateMu.Unlock()

	c.cancelBase()
	c.wg.Wait()
	c.logger.Info("Controller stopped", "ticks", c.tickCount())
}

func (c *Controller) run() {
	defer c.wg.Done()

	ticker := c.clock.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	var telemetry <-chan types.Telemetry
	if c.cfg.Fleet != nil {
		telemetry = c.cfg.Fleet.Telemetry()
	}

	_ = c.Tick()
	for {
		select {
		case <-c.stopCh:
			return
		case snap := <-telemetry:
			c.recordTelemetry(c.baseCtx, snap)
		case <-ticker.C:
			// stop 與 tick 同時就緒時優先停止
			select {
			case <-c.stopCh:
				return
			default:
			}
			_ = c.Tick()
		}
	}
}

// Tick runs one reconciliation pass. Errors and panics are logged and
// returned; they never escape as a crash.
func (c *Controller) Tick() (err error) {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	c.ticks++
	began := time.Now()
	logger := c.logger.With("tick_id", uuid.NewString())
	ctx, cancel := context.WithTimeout(c.baseCtx, c.cfg.TickTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTickPanic, r)
			logger.Error("Tick panicked", "panic", r, "stack", string(debug.Stack()))
		}
		if err != nil {
			logger.Error("Tick failed", "error", err)
		}
		c.metrics.TickCompleted(time.Since(began), err)
	}()

	t := &tick{
		c:        c,
		ctx:      ctx,
		log:      logger,
		now:      c.clock.Now(),
		consumed: make(map[types.RowID]bool),
	}
	return t.run()
}

func (c *Controller) tickCount() int {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	return c.ticks
}

// Telemetry returns the cached snapshot of a device.
func (c *Controller) Telemetry(device string) (types.Telemetry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.telemetry[device]
	return snap, ok
}

// recordTelemetry caches a snapshot and writes it to the device record.
func (c *Controller) recordTelemetry(ctx context.Context, snap types.Telemetry) {
	c.mu.Lock()
	c.telemetry[snap.Device] = snap
	c.mu.Unlock()

	c.metrics.TelemetryReceived(snap.Device)
	if err := c.store.UpdateDeviceTelemetry(ctx, snap); err != nil {
		c.logger.Error("Failed to persist telemetry", "device", snap.Device, "error", err)
	}
}

// drainTelemetry records every snapshot already queued so the tick sees the
// latest state.
func (c *Controller) drainTelemetry(ctx context.Context) {
	if c.cfg.Fleet == nil {
		return
	}
	ch := c.cfg.Fleet.Telemetry()
	for {
		select {
		case snap := <-ch:
			c.recordTelemetry(ctx, snap)
		default:
			return
		}
	}
}

type nopMetrics struct{}

func (nopMetrics) TickCompleted(time.Duration, error)        {}
func (nopMetrics) Ingested(string, int)                      {}
func (nopMetrics) JobMatched(bool)                           {}
func (nopMetrics) JobArchived(types.JobStatus)               {}
func (nopMetrics) AuthorizationExpired()                     {}
func (nopMetrics) CancelIssued(string, error)                {}
func (nopMetrics) TelemetryReceived(string)                  {}
func (nopMetrics) PoolSizes(types.Stats)                     {}
func (nopMetrics) DeviceStatuses(map[types.DeviceStatus]int) {}
