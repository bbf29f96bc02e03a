package raceserver

import (
	"sync"
	"time"
)

// PowerActuator drives the per-lane track power output. Implementations clamp
// values into [0, 100] and forward them into the engine, so the race state
// always reflects what the hardware was told.
type PowerActuator interface {
	SetPower(lane int, percent float64)
	Power(lane int) float64
	EmergencyStopAll()
}

// CrossingFunc handles a debounced start/finish line crossing for a lane.
type CrossingFunc func(lane int)

// LapSensor emits one debounced crossing per physical event. The simulated
// track drives it from the lap simulator; a physical build would drive it
// from GPIO interrupts.
type LapSensor interface {
	OnCrossing(fn CrossingFunc)
}

// SimulatedPowerActuator is the development stand-in for the PWM controller.
type SimulatedPowerActuator struct {
	mu     sync.Mutex
	levels map[int]float64

	engine EngineControl
	logger Logger
}

func NewSimulatedPowerActuator(numLanes int, engine EngineControl, logger Logger) *SimulatedPowerActuator {
	levels := make(map[int]float64, numLanes)

	for lane := 1; lane <= numLanes; lane++ {
		levels[lane] = 0
	}

	return &SimulatedPowerActuator{
		levels: levels,
		engine: engine,
		logger: logger,
	}
}

func (a *SimulatedPowerActuator) SetPower(lane int, percent float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.levels[lane]; !ok {
		a.logger.Warnf("Power command for unknown lane %d", lane)
		return
	}

	percent = clampPercent(percent)
	a.levels[lane] = percent
	a.engine.SetPower(lane, percent)

	a.logger.Debugf("Lane %d power set to %.1f%%", lane, percent)
}

func (a *SimulatedPowerActuator) Power(lane int) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.levels[lane]
}

// EmergencyStopAll cuts power to every lane immediately.
func (a *SimulatedPowerActuator) EmergencyStopAll() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for lane := range a.levels {
		a.levels[lane] = 0
		a.engine.SetPower(lane, 0)
	}

	a.logger.Warnf("Emergency stop, all lanes powered off")
}

// DebouncedLapSensor filters raw crossing triggers through a per-lane debounce
// window, then hands exactly one crossing per physical event to the handler.
type DebouncedLapSensor struct {
	window time.Duration
	logger Logger

	mu          sync.Mutex
	fn          CrossingFunc
	lastTrigger map[int]time.Time

	now func() time.Time
}

func NewDebouncedLapSensor(window time.Duration, logger Logger) *DebouncedLapSensor {
	return &DebouncedLapSensor{
		window:      window,
		logger:      logger,
		lastTrigger: make(map[int]time.Time),
		now:         time.Now,
	}
}

func (s *DebouncedLapSensor) OnCrossing(fn CrossingFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fn = fn
}

// Trigger is called once per raw sensor edge. Repeat triggers for the same
// lane inside the debounce window are dropped.
func (s *DebouncedLapSensor) Trigger(lane int) {
	s.mu.Lock()

	now := s.now()

	if last, ok := s.lastTrigger[lane]; ok && now.Sub(last) < s.window {
		s.mu.Unlock()
		s.logger.Debugf("Debounced repeat trigger for lane %d", lane)
		return
	}

	s.lastTrigger[lane] = now
	fn := s.fn

	s.mu.Unlock()

	if fn != nil {
		fn(lane)
	}
}
