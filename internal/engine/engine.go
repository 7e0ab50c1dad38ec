// Package engine schedules settlement: it elects a single leader across
// replicas with a session-scoped advisory lock, heartbeats the lock
// connection, and runs periodic single-flight settlement passes. Without a
// configured ledger gateway the engine stays dormant and never mutates
// state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/launchpool/settler/internal/metrics"
	"github.com/launchpool/settler/internal/settle"
)

var (
	// ErrDisabled is returned when the ledger gateway is not configured.
	ErrDisabled = errors.New("rewards engine is disabled")
	// ErrNotLeader is returned when this replica does not hold the lock.
	ErrNotLeader = errors.New("not the settlement leader")
	// ErrBusy is returned when a settlement pass is already in flight.
	ErrBusy = errors.New("a settlement pass is already running")
)

const (
	defaultTickInterval        = 60 * time.Second
	defaultLeaderCheckInterval = 30 * time.Second
)

// Runner runs one settlement pass.
type Runner interface {
	Settle(ctx context.Context) (settle.Result, error)
}

type Config struct {
	Logger *slog.Logger
	Leader *Leader
	// Settler is nil when the ledger gateway is unconfigured; the engine
	// then runs dormant.
	Settler Runner
	Clock   clockwork.Clock

	TickInterval        time.Duration
	LeaderCheckInterval time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Leader == nil {
		return errors.New("leader is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.LeaderCheckInterval == 0 {
		cfg.LeaderCheckInterval = defaultLeaderCheckInterval
	}
	return nil
}

// Engine owns the heartbeat and tick loops.
type Engine struct {
	log     *slog.Logger
	cfg     Config
	running atomic.Bool
}

func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	return &Engine{log: cfg.Logger, cfg: cfg}, nil
}

// Enabled reports whether the engine has a settler to run.
func (e *Engine) Enabled() bool {
	return e.cfg.Settler != nil
}

// IsLeader reports whether this replica currently holds the lock.
func (e *Engine) IsLeader() bool {
	return e.cfg.Leader.IsLeader()
}

// Run drives the heartbeat and tick loops until ctx is canceled. An
// immediate election attempt and first tick run on startup so a fresh
// deploy settles without waiting a full interval.
func (e *Engine) Run(ctx context.Context) error {
	if !e.Enabled() {
		e.log.Warn("engine: ledger gateway not configured, engine dormant")
		<-ctx.Done()
		return nil
	}

	e.beat(ctx)
	e.tick(ctx, "startup")

	heartbeat := e.cfg.Clock.NewTicker(e.cfg.LeaderCheckInterval)
	defer heartbeat.Stop()
	ticker := e.cfg.Clock.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			e.cfg.Leader.Release(releaseCtx)
			cancel()
			return nil
		case <-heartbeat.Chan():
			e.beat(ctx)
		case <-ticker.Chan():
			e.tick(ctx, "scheduled")
		}
	}
}

// RunNow is the manual trigger. It runs a pass synchronously under the
// same single-flight guard as the scheduler.
func (e *Engine) RunNow(ctx context.Context) (settle.Result, error) {
	return e.runPass(ctx, "manual")
}

func (e *Engine) beat(ctx context.Context) {
	wasLeader := e.cfg.Leader.IsLeader()
	isLeader, err := e.cfg.Leader.Beat(ctx)
	if err != nil {
		e.log.Warn("engine: leader heartbeat failed", "error", err)
	}
	if isLeader && !wasLeader {
		e.log.Info("engine: this replica is now the settlement leader")
	}
}

func (e *Engine) tick(ctx context.Context, trigger string) {
	res, err := e.runPass(ctx, trigger)
	switch {
	case errors.Is(err, ErrNotLeader):
		e.log.Debug("engine: skipping tick, not leader")
	case errors.Is(err, ErrBusy):
		e.log.Warn("engine: skipping tick, previous pass still running")
	case err != nil:
		e.log.Error("engine: settlement pass failed", "trigger", trigger, "error", err)
	case res.PeriodID != "" || res.Recovered > 0:
		e.log.Info("engine: settlement pass finished",
			"trigger", trigger, "period", res.PeriodID, "status", res.Status, "recovered", res.Recovered)
	default:
		e.log.Debug("engine: nothing to settle", "trigger", trigger)
	}
}

func (e *Engine) runPass(ctx context.Context, trigger string) (settle.Result, error) {
	res, err := e.pass(ctx)

	status := "ok"
	switch {
	case errors.Is(err, ErrDisabled):
		status = "disabled"
	case errors.Is(err, ErrNotLeader):
		status = "not_leader"
	case errors.Is(err, ErrBusy):
		status = "busy"
	case err != nil:
		status = "error"
	}
	metrics.TickTotal.WithLabelValues(trigger, status).Inc()
	return res, err
}

func (e *Engine) pass(ctx context.Context) (settle.Result, error) {
	if !e.Enabled() {
		return settle.Result{}, ErrDisabled
	}
	if !e.cfg.Leader.IsLeader() {
		return settle.Result{}, ErrNotLeader
	}
	if !e.running.CompareAndSwap(false, true) {
		return settle.Result{}, ErrBusy
	}
	defer e.running.Store(false)

	start := time.Now()
	defer func() {
		metrics.TickDuration.Observe(time.Since(start).Seconds())
	}()
	return e.safeSettle(ctx)
}

// safeSettle converts a panicking pass into an error so one bad pass
// cannot take the scheduler loops down.
func (e *Engine) safeSettle(ctx context.Context) (res settle.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("settlement pass panicked: %v", r)
		}
	}()
	return e.cfg.Settler.Settle(ctx)
}
