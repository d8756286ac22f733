package driver

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/gateway-rust-go/internal/endpointkit"
	"github.com/nugget/gateway-rust-go/internal/framebus"
)

// State is one state in the supervisor's lifecycle machine (§4.3.2).
type State int

const (
	StateLoading State = iota
	StateInit
	StateConnected
	StateActive
	StateError
	StateFault
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateInit:
		return "init"
	case StateConnected:
		return "connected"
	case StateActive:
		return "active"
	case StateError:
		return "error"
	case StateFault:
		return "fault"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// SupervisorConfig tunes the restart/backoff behavior, grounded on
// connwatch's two-phase backoff idiom and spec.md §4.3.2/§4.3.3 defaults.
type SupervisorConfig struct {
	BaseBackoff     time.Duration // default 1s
	MaxBackoff      time.Duration // default 60s
	MaxRestarts     int           // default 10
	ResetAfter      time.Duration // default 5m of continuous Active resets the counter
	ShutdownTimeout time.Duration // default 1s bound on Driver.Shutdown
}

// DefaultSupervisorConfig matches spec.md's stated defaults.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		BaseBackoff:     time.Second,
		MaxBackoff:      60 * time.Second,
		MaxRestarts:     10,
		ResetAfter:      5 * time.Minute,
		ShutdownTimeout: time.Second,
	}
}

// RestartMetrics is the single counter a supervisor reports to
// gwmetrics, kept as a narrow interface so this package doesn't import
// the metrics registry directly.
type RestartMetrics interface {
	DriverRestartTotal(driverName string)
}

type noopRestartMetrics struct{}

func (noopRestartMetrics) DriverRestartTotal(string) {}

// Supervisor binds a Driver to an endpoint URL and runs its lifecycle
// loop: Loading -> Init -> Connected -> Active -> Error -> Fault/Shutdown,
// restarting on failure with exponential backoff, per §4.3.2.
type Supervisor struct {
	id          string
	drv         Driver
	endpointURL string
	factory     *endpointkit.EndpointFactory
	pub         *framebus.Publisher
	cfg         SupervisorConfig
	metrics     RestartMetrics
	initCfg     map[string]any

	mu           sync.Mutex
	state        State
	restartCount int
	lastErr      error
}

// NewSupervisor constructs a Supervisor for drv, bound to endpointURL and
// publishing through pub. Pass nil metrics to disable restart counting.
func NewSupervisor(id string, drv Driver, endpointURL string, initCfg map[string]any, factory *endpointkit.EndpointFactory, pub *framebus.Publisher, cfg SupervisorConfig, metrics RestartMetrics) *Supervisor {
	if metrics == nil {
		metrics = noopRestartMetrics{}
	}
	return &Supervisor{
		id:          id,
		drv:         drv,
		endpointURL: endpointURL,
		factory:     factory,
		pub:         pub,
		cfg:         cfg,
		metrics:     metrics,
		initCfg:     initCfg,
		state:       StateLoading,
	}
}

// State returns the supervisor's current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RestartCount returns the current consecutive-failure count.
func (s *Supervisor) RestartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restartCount
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run drives the lifecycle loop until ctx is cancelled, the driver's
// ReadLoop returns cleanly (-> Shutdown), or the restart count reaches
// MaxRestarts (-> Fault, no further retry). It blocks until one of those
// terminal states is reached.
func (s *Supervisor) Run(ctx context.Context) {
	backoff := s.cfg.BaseBackoff

	for {
		if ctx.Err() != nil {
			s.setState(StateShutdown)
			return
		}

		activeStart, err := s.attempt(ctx)
		if err == nil {
			s.setState(StateShutdown)
			slog.Info("driver read loop completed normally", "driver", s.id)
			return
		}
		if ctx.Err() != nil {
			s.setState(StateShutdown)
			return
		}

		s.mu.Lock()
		s.lastErr = err
		s.state = StateError
		if !activeStart.IsZero() && time.Since(activeStart) >= s.cfg.ResetAfter {
			s.restartCount = 0
		}
		s.restartCount++
		count := s.restartCount
		s.mu.Unlock()

		s.metrics.DriverRestartTotal(s.id)
		slog.Error("driver failed, scheduling restart", "driver", s.id, "attempt", count, "error", err)

		if count >= s.cfg.MaxRestarts {
			s.setState(StateFault)
			slog.Error("driver exceeded max restarts, entering fault state", "driver", s.id, "restarts", count)
			return
		}

		if !sleepCtx(ctx, backoff) {
			s.setState(StateShutdown)
			return
		}
		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

// attempt runs one Init->Connect->Active->ReadLoop cycle. Returns the
// time Active began (zero if never reached) and the error that ended the
// cycle (nil on a clean ReadLoop return).
func (s *Supervisor) attempt(ctx context.Context) (activeStart time.Time, err error) {
	s.setState(StateInit)
	if err := s.drv.Init(s.initCfg); err != nil {
		return time.Time{}, err
	}

	handle, err := s.factory.Acquire(ctx, s.endpointURL)
	if err != nil {
		return time.Time{}, err
	}
	defer handle.Close()

	if err := s.drv.Connect(ctx, handle); err != nil {
		handle.Invalidate()
		return time.Time{}, err
	}
	s.setState(StateConnected)

	s.setState(StateActive)
	activeStart = time.Now()
	if err := s.drv.ReadLoop(ctx, s.pub); err != nil {
		return activeStart, err
	}
	return activeStart, nil
}

// Shutdown calls the driver's Shutdown with a bounded wait, per §4.3.2:
// the supervisor exits regardless of whether the driver responds in
// time.
func (s *Supervisor) Shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.drv.Shutdown(shutdownCtx) }()

	select {
	case err := <-done:
		if err != nil {
			slog.Error("driver shutdown returned an error", "driver", s.id, "error", err)
		}
	case <-shutdownCtx.Done():
		slog.Warn("driver shutdown deadline exceeded, proceeding anyway", "driver", s.id)
	}
	s.setState(StateShutdown)
}

// sleepCtx sleeps for d or until ctx is cancelled, mirroring connwatch's
// helper of the same name. Returns false if cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
