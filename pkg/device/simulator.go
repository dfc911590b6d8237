package device

import (
	"io"
	"log/slog"
	"sync"
	"time"
)

// Simulator owns one Machine and serialises every input and clock callback
// onto a single timeline. Setters never block on I/O; the buzzer countdown is
// a chain of one-shot timers that stops itself when the alarm clears.
type Simulator struct {
	mu        sync.Mutex
	machine   *Machine
	clock     Clock
	logger    *slog.Logger
	observers []Observer

	startupDelay time.Duration
	tickInterval time.Duration

	started   bool
	closed    bool
	startup   Timer
	countdown Timer
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithClock replaces the wall clock, typically with a ManualClock.
func WithClock(c Clock) Option {
	return func(s *Simulator) { s.clock = c }
}

// WithStartupDelay sets how long after Start the network link comes up.
func WithStartupDelay(d time.Duration) Option {
	return func(s *Simulator) {
		if d >= 0 {
			s.startupDelay = d
		}
	}
}

// WithTickInterval sets the length of one simulated second.
func WithTickInterval(d time.Duration) Option {
	return func(s *Simulator) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

// WithObserver registers an observer. Observers are called in registration order.
func WithObserver(o Observer) Option {
	return func(s *Simulator) { s.observers = append(s.observers, o) }
}

// WithLogger sets the logger for lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(s *Simulator) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSimulator returns a simulator in the power-on state. Call Start to begin
// connecting and Close to release its timers.
func NewSimulator(opts ...Option) *Simulator {
	s := &Simulator{
		machine:      NewMachine(),
		clock:        SystemClock{},
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		startupDelay: DefaultStartupDelay,
		tickInterval: DefaultTickInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start schedules the one-shot network-ready transition. Subsequent calls
// are no-ops.
func (s *Simulator) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.closed {
		return
	}
	s.started = true
	s.logger.Info("simulating network connection", "delay", s.startupDelay.String())
	s.startup = s.clock.AfterFunc(s.startupDelay, s.onConnected)
}

// SetLightLevel records a light sensor reading, clamped to the sensor range.
func (s *Simulator) SetLightLevel(v int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.emit(s.machine.SetLightLevel(v))
}

// SetMotion records a motion sensor reading.
func (s *Simulator) SetMotion(detected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	changes := s.machine.SetMotion(detected)
	if contains(changes, ChangeAlarmTriggered) {
		s.scheduleTick()
	}
	s.emit(changes)
}

// Snapshot returns a copy of the current device state.
func (s *Simulator) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Snapshot()
}

// Close cancels the pending startup and countdown timers. The state is
// frozen afterwards: setters and late timer callbacks do nothing.
func (s *Simulator) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	if s.startup != nil {
		s.startup.Stop()
		s.startup = nil
	}
	if s.countdown != nil {
		s.countdown.Stop()
		s.countdown = nil
	}
}

func (s *Simulator) onConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.startup = nil
	s.emit(s.machine.MarkConnected())
}

func (s *Simulator) onTick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.countdown = nil
	changes := s.machine.Tick()
	if s.machine.Snapshot().BuzzerTimer > 0 {
		s.scheduleTick()
	}
	s.emit(changes)
}

// scheduleTick must be called with s.mu held.
func (s *Simulator) scheduleTick() {
	s.countdown = s.clock.AfterFunc(s.tickInterval, s.onTick)
}

// emit logs and fans out changes. Must be called with s.mu held.
func (s *Simulator) emit(changes []Change) {
	if len(changes) == 0 {
		return
	}
	ev := Event{Changes: changes, State: s.machine.Snapshot()}

	for _, c := range changes {
		switch c {
		case ChangeConnected:
			s.logger.Info("connected (simulation)")
		case ChangeMode:
			s.logger.Info("mode changed", "night_mode", ev.State.NightMode, "light_level", ev.State.LightLevel)
		case ChangeAlarmTriggered:
			s.logger.Info("intruder alert, buzzer on", "buzzer_timer", ev.State.BuzzerTimer)
		case ChangeAlarmCleared:
			s.logger.Info("buzzer off")
		default:
			s.logger.Debug("state changed", "change", c.String())
		}
	}

	for _, o := range s.observers {
		o.OnChange(ev)
	}
}

func contains(changes []Change, c Change) bool {
	for _, got := range changes {
		if got == c {
			return true
		}
	}
	return false
}
