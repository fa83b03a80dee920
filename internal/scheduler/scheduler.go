// Package scheduler implements the MasterScheduler: the global
// simulated-time authority that drives successive ticks, throttles them
// to wall-clock time, and handles interrupts and fatal component
// exceptions. Each loop iteration races a wall-clock timer against a
// wake-needed signal and a fatal-error channel, so an interrupt or an
// exception pre-empts any pending sleep.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/tickit-go/tickit/internal/bus"
	"github.com/tickit-go/tickit/internal/router"
	"github.com/tickit-go/tickit/internal/tickerr"
	"github.com/tickit-go/tickit/internal/ticker"
	"github.com/tickit-go/tickit/internal/types"
	"github.com/tickit-go/tickit/internal/wakeup"
)

// Bus is the subset of the bus contract a MasterScheduler needs: it
// both produces Inputs/StopComponents and consumes every component's
// output topic.
type Bus interface {
	bus.Producer
	bus.Consumer
}

// DefaultShutdownTimeout bounds how long Run waits for the StopComponent
// broadcast to every component's input topic to be sent during the
// fatal-error path before returning anyway.
const DefaultShutdownTimeout = 5 * time.Second

// Scheduler is the master scheduler: the single authority for simulated
// time in a running simulation.
type Scheduler struct {
	logger          *slog.Logger
	router          *router.EventRouter
	bus             Bus
	simSpeed        float64
	shutdownTimeout time.Duration

	tk         *ticker.Ticker
	components map[types.ComponentID]struct{}

	mu        sync.Mutex
	simTime   types.SimTime
	wakeups   *wakeup.Table
	cancelRun context.CancelFunc

	wakeCh chan struct{}
	excCh  chan types.ComponentException
}

// Option configures optional Scheduler behaviour.
type Option func(*Scheduler)

// WithShutdownTimeout overrides DefaultShutdownTimeout.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.shutdownTimeout = d }
}

// New constructs a master scheduler over r, using b for all bus
// traffic. simSpeed is the wall-clock pacing knob (nanoseconds of
// simulated time per nanosecond of wall time); 1.0 if zero or negative.
func New(r *router.EventRouter, b Bus, simSpeed float64, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if simSpeed <= 0 {
		simSpeed = 1.0
	}
	return &Scheduler{
		logger:          logger,
		router:          r,
		bus:             b,
		simSpeed:        simSpeed,
		shutdownTimeout: DefaultShutdownTimeout,
		wakeups:         wakeup.NewTable(),
		wakeCh:          make(chan struct{}, 1),
		excCh:           make(chan types.ComponentException, 1),
	}
}

// Run subscribes to every component's output topic, performs the
// initial tick at simulated time 0, then drives the wakeup/interrupt
// loop until ctx is cancelled or a fatal ComponentException is
// received. A fatal exception is returned as the error (it implements
// error via types.ComponentException.Error).
func (s *Scheduler) Run(ctx context.Context) error {
	runID := uuid.NewString()
	logger := s.logger.With("run_id", runID)
	s.logger = logger

	// runCtx is distinct from ctx so that a ComponentException arriving
	// while a Tick is synchronously blocked waiting on every component's
	// Output (the failed component never propagates one) can still
	// unblock it: trySendException cancels runCtx, Tick returns with
	// runCtx.Err(), and Run recovers the buffered exception and shuts
	// down, instead of hanging forever.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	s.mu.Lock()
	s.cancelRun = cancelRun
	s.mu.Unlock()

	s.tk = ticker.New(s.router, s.updateComponent, logger)
	s.components = s.tk.Components()

	outputTopics := make([]bus.Topic, 0, len(s.components))
	for c := range s.components {
		outputTopics = append(outputTopics, bus.OutputTopic(c))
	}
	if err := s.bus.Subscribe(ctx, outputTopics, s.handleMessage); err != nil {
		return fmt.Errorf("subscribe to component outputs: %w", err)
	}

	logger.Info("running initial tick", "components", len(s.components))
	if err := s.tk.Tick(runCtx, 0, s.components); err != nil {
		if exc, ok := s.takePendingException(); ok {
			return s.shutdown(ctx, exc)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("initial tick: %w", err)
	}

	for {
		select {
		case exc := <-s.excCh:
			return s.shutdown(ctx, exc)
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		s.mu.Lock()
		roots, when := s.wakeups.First()
		cur := s.simTime
		s.mu.Unlock()

		if when == nil {
			select {
			case <-s.wakeCh:
				continue
			case exc := <-s.excCh:
				return s.shutdown(ctx, exc)
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		delay := s.wallDelay(cur, *when)
		logger.Debug("scheduler idle, waiting for next wakeup",
			"sim_time", int64(cur), "next", int64(*when),
			"wall_delay", humanize.RelTime(time.Now(), time.Now().Add(delay), "", ""))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
			s.mu.Lock()
			s.simTime = *when
			s.wakeups.Pop(roots)
			s.mu.Unlock()
			if err := s.runTick(runCtx, *when, roots); err != nil {
				timer.Stop()
				if exc, ok := s.takePendingException(); ok {
					return s.shutdown(ctx, exc)
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
		case <-s.wakeCh:
			timer.Stop()
			continue
		case exc := <-s.excCh:
			timer.Stop()
			return s.shutdown(ctx, exc)
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// takePendingException drains a buffered fatal exception without
// blocking. Used after a Tick call aborts via runCtx cancellation to
// recover the exception that triggered it.
func (s *Scheduler) takePendingException() (types.ComponentException, bool) {
	select {
	case exc := <-s.excCh:
		return exc, true
	default:
		return types.ComponentException{}, false
	}
}

// wallDelay converts a simulated-time gap into the wall-clock duration
// the master should sleep for, honouring the simulation_speed knob.
func (s *Scheduler) wallDelay(cur, when types.SimTime) time.Duration {
	gap := int64(when - cur)
	if gap <= 0 {
		return 0
	}
	return time.Duration(float64(gap) / s.simSpeed)
}

func (s *Scheduler) runTick(ctx context.Context, when types.SimTime, roots map[types.ComponentID]struct{}) error {
	s.logger.Debug("dispatching tick", "sim_time", int64(when), "roots", len(roots))
	if err := s.tk.Tick(ctx, when, roots); err != nil {
		return fmt.Errorf("tick at %d: %w", when, err)
	}
	return nil
}

// updateComponent is the Ticker's UpdateComponent callback: it
// publishes in on the target component's input topic.
func (s *Scheduler) updateComponent(ctx context.Context, in types.Input) error {
	return s.bus.Produce(ctx, bus.InputTopic(in.Target), in)
}

// handleMessage is the bus.Handler invoked for every message on every
// subscribed component output topic.
func (s *Scheduler) handleMessage(_ bus.Topic, msg types.Message) {
	switch m := msg.(type) {
	case types.Output:
		s.handleOutput(m)
	case types.Interrupt:
		s.handleInterrupt(m)
	case types.ComponentException:
		s.trySendException(m)
	default:
		s.logger.Warn("scheduler received unexpected message kind", "type", fmt.Sprintf("%T", msg))
	}
}

func (s *Scheduler) handleOutput(o types.Output) {
	if err := s.tk.Propagate(o); err != nil {
		exc := tickerr.New(tickerr.KindProtocolViolation, o.Source, err).ComponentException()
		s.logger.Error("protocol violation, escalating to component exception",
			"component", string(o.Source), "error", err)
		s.trySendException(exc)
		return
	}
	if o.CallAt == nil {
		return
	}
	// call_at == time is only valid for the initial tick, which always
	// runs at simulated time 0; any later tick enforces call_at > time.
	if *o.CallAt <= o.Time && o.Time != 0 {
		exc := tickerr.New(tickerr.KindProtocolViolation, o.Source,
			fmt.Errorf("call_at %d does not exceed tick time %d", *o.CallAt, o.Time)).ComponentException()
		s.trySendException(exc)
		return
	}
	s.mu.Lock()
	s.wakeups.Add(o.Source, *o.CallAt)
	s.mu.Unlock()
	s.notifyWake()
}

func (s *Scheduler) handleInterrupt(i types.Interrupt) {
	s.mu.Lock()
	s.wakeups.Add(i.Source, s.simTime)
	s.mu.Unlock()
	s.logger.Debug("interrupt received", "component", string(i.Source))
	s.notifyWake()
}

func (s *Scheduler) notifyWake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) trySendException(exc types.ComponentException) {
	select {
	case s.excCh <- exc:
	default:
	}
	s.mu.Lock()
	cancel := s.cancelRun
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// shutdown is the fatal-error path: broadcast StopComponent to every
// component's input topic, wait up to shutdownTimeout for all sends to
// complete, then return exc as the error surfaced to Run's caller.
func (s *Scheduler) shutdown(ctx context.Context, exc types.ComponentException) error {
	s.logger.Error("component exception, shutting down simulation",
		"component", string(exc.Source), "kind", exc.Kind, "detail", exc.Detail)

	stopCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for c := range s.components {
		wg.Add(1)
		go func(c types.ComponentID) {
			defer wg.Done()
			if err := s.bus.Produce(stopCtx, bus.InputTopic(c), types.StopComponent{}); err != nil {
				s.logger.Warn("failed to send StopComponent", "component", string(c), "error", err)
			}
		}(c)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-stopCtx.Done():
		s.logger.Warn("shutdown broadcast timed out", "timeout", s.shutdownTimeout.String())
	}

	return exc
}
