// Package supervisor runs the gateway's long-lived workers, restarts any
// worker that exits or panics, and bounds the time spent shutting down.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrShutdownTimeout is returned by Run when some workers did not stop
// within the grace period. Those workers are abandoned.
var ErrShutdownTimeout = errors.New("workers did not stop within the shutdown grace period")

var errExited = errors.New("worker exited unexpectedly")

// Defaults used when Options leaves a field zero.
const (
	DefaultRestartDelay    = 10 * time.Second
	DefaultMonitorInterval = 30 * time.Second
	DefaultShutdownGrace   = 10 * time.Second
	DefaultStallAfter      = 10 * time.Minute
)

// RunFunc is the body of a worker. It must return once ctx is cancelled.
type RunFunc func(ctx context.Context) error

// Options configures a Supervisor.
type Options struct {
	RestartDelay    time.Duration
	MonitorInterval time.Duration
	ShutdownGrace   time.Duration
	// StallAfter is how long a worker that reports heartbeats may stay
	// silent before the monitor warns about it.
	StallAfter time.Duration
	Logger     *slog.Logger
}

// Supervisor owns a fixed table of named workers.
type Supervisor struct {
	restartDelay    time.Duration
	monitorInterval time.Duration
	grace           time.Duration
	stallAfter      time.Duration
	logger          *slog.Logger

	mu      sync.Mutex
	units   []*unit
	started bool
}

// New creates a Supervisor with no workers.
func New(opts Options) *Supervisor {
	s := &Supervisor{
		restartDelay:    opts.RestartDelay,
		monitorInterval: opts.MonitorInterval,
		grace:           opts.ShutdownGrace,
		stallAfter:      opts.StallAfter,
		logger:          opts.Logger,
	}
	if s.restartDelay <= 0 {
		s.restartDelay = DefaultRestartDelay
	}
	if s.monitorInterval <= 0 {
		s.monitorInterval = DefaultMonitorInterval
	}
	if s.grace <= 0 {
		s.grace = DefaultShutdownGrace
	}
	if s.stallAfter <= 0 {
		s.stallAfter = DefaultStallAfter
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Add registers a worker. Names must be unique. Workers cannot be added
// once Run has been called.
func (s *Supervisor) Add(name string, run RunFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("cannot add worker %q: supervisor already running", name)
	}
	for _, u := range s.units {
		if u.name == name {
			return fmt.Errorf("worker %q already added", name)
		}
	}
	s.units = append(s.units, &unit{name: name, run: run, done: make(chan struct{})})
	return nil
}

// Run starts every worker and blocks until ctx is cancelled, then stops
// them. It returns ErrShutdownTimeout if any worker outlived the grace period.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("supervisor already running")
	}
	s.started = true
	units := slices.Clone(s.units)
	s.mu.Unlock()

	// Workers keep the caller's values but are cancelled only by shutdown,
	// after their state has moved to Stopping.
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	for _, u := range units {
		go s.keep(workerCtx, u)
	}
	s.logger.Info("supervisor started", "workers", len(units))

	ticker := time.NewTicker(s.monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return s.shutdown(units, cancel)
		case <-ticker.C:
			s.monitor(units)
		}
	}
}

// keep runs u until ctx is cancelled, restarting it after every exit.
func (s *Supervisor) keep(ctx context.Context, u *unit) {
	defer close(u.done)
	for {
		u.setState(StateStarting)
		err := s.runOnce(ctx, u)
		if ctx.Err() != nil {
			u.setState(StateStopped)
			s.logger.Info("worker stopped", "worker", u.name)
			return
		}
		if err == nil {
			err = errExited
		}

		restarts := u.crashed(err)
		s.logger.Error("worker crashed", "worker", u.name, "error", err,
			"restarts", restarts, "restart_in", s.restartDelay)

		u.setState(StateBackoff)
		t := time.NewTimer(s.restartDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			u.setState(StateStopped)
			return
		case <-t.C:
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context, u *unit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.logger.Error("worker panicked", "worker", u.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	u.running()
	s.logger.Info("worker started", "worker", u.name)
	return u.run(context.WithValue(ctx, unitKey{}, u))
}

// monitor logs workers that are not running or have stopped reporting
// heartbeats. It never blocks on a worker.
func (s *Supervisor) monitor(units []*unit) {
	healthy := 0
	for _, u := range units {
		st := u.status()
		switch {
		case st.State != StateRunning:
			s.logger.Warn("worker not running", "worker", st.Name, "state", st.State.String(),
				"restarts", st.Restarts, "last_error", st.LastError)
		case u.beats.Load() && time.Since(st.LastHeartbeat) > s.stallAfter:
			s.logger.Warn("worker stalled", "worker", st.Name, "last_heartbeat", st.LastHeartbeat)
		default:
			healthy++
		}
	}
	s.logger.Debug("worker health check", "healthy", healthy, "total", len(units))
}

func (s *Supervisor) shutdown(units []*unit, cancel context.CancelFunc) error {
	s.logger.Info("stopping workers", "grace", s.grace)
	for _, u := range units {
		u.stopping()
	}
	cancel()

	deadline := time.NewTimer(s.grace)
	defer deadline.Stop()
	for _, u := range units {
		select {
		case <-u.done:
		case <-deadline.C:
			var stuck []string
			for _, v := range units {
				select {
				case <-v.done:
				default:
					stuck = append(stuck, v.name)
				}
			}
			s.logger.Error("abandoning workers after grace period", "workers", stuck)
			return fmt.Errorf("%w: %s", ErrShutdownTimeout, strings.Join(stuck, ", "))
		}
	}
	s.logger.Info("all workers stopped")
	return nil
}

// Status returns a snapshot of every worker in registration order.
func (s *Supervisor) Status() []WorkerStatus {
	s.mu.Lock()
	units := slices.Clone(s.units)
	s.mu.Unlock()

	out := make([]WorkerStatus, len(units))
	for i, u := range units {
		out[i] = u.status()
	}
	return out
}

type unitKey struct{}

// Heartbeat records that the worker running under ctx is making progress.
// It is a no-op outside a supervised worker.
func Heartbeat(ctx context.Context) {
	if u, ok := ctx.Value(unitKey{}).(*unit); ok {
		u.beats.Store(true)
		u.lastBeat.Store(time.Now().UnixNano())
	}
}

type unit struct {
	name string
	run  RunFunc
	done chan struct{}

	beats    atomic.Bool
	lastBeat atomic.Int64

	mu        sync.Mutex
	state     State
	restarts  int
	lastErr   string
	startedAt time.Time
}

func (u *unit) setState(st State) {
	u.mu.Lock()
	// Stopping is only left for Stopped.
	if u.state != StateStopping || st == StateStopped {
		u.state = st
	}
	u.mu.Unlock()
}

func (u *unit) running() {
	now := time.Now()
	u.lastBeat.Store(now.UnixNano())
	u.mu.Lock()
	if u.state != StateStopping {
		u.state = StateRunning
	}
	u.startedAt = now
	u.mu.Unlock()
}

func (u *unit) stopping() {
	u.mu.Lock()
	if u.state != StateStopped {
		u.state = StateStopping
	}
	u.mu.Unlock()
}

func (u *unit) crashed(err error) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.restarts++
	u.lastErr = err.Error()
	if u.state != StateStopping {
		u.state = StateCrashed
	}
	return u.restarts
}

func (u *unit) status() WorkerStatus {
	u.mu.Lock()
	defer u.mu.Unlock()
	st := WorkerStatus{
		Name:      u.name,
		State:     u.state,
		Restarts:  u.restarts,
		LastError: u.lastErr,
		StartedAt: u.startedAt,
	}
	if ns := u.lastBeat.Load(); ns != 0 {
		st.LastHeartbeat = time.Unix(0, ns)
	}
	return st
}
