package raceserver

import (
	"context"

	"github.com/pkg/errors"
)

// Server wires the engine, hub, hardware, simulator, store and HTTP surface
// together and owns their lifecycle.
type Server struct {
	cfg    *Config
	logger Logger

	engine    *RaceEngine
	hub       *Hub
	actuator  PowerActuator
	sensor    *DebouncedLapSensor
	simulator *LapSimulator
	store     *ResultsStore
	metrics   *Metrics
	http      *HTTP

	ctx context.Context
	cfn context.CancelFunc

	stopped chan error
}

func NewServer(ctx context.Context, cfg *Config, logger Logger) (*Server, error) {
	metrics := NewMetrics()
	hub := NewHub(logger, metrics)

	store, err := NewResultsStore(cfg.ServerConfig.StorePath, logger)

	if err != nil {
		return nil, err
	}

	plugins := []Plugin{store}

	var simulator *LapSimulator

	switch cfg.TrackConfig.HardwareMode {
	case HardwareModeSimulation:
		simulator = NewLapSimulator(cfg.TrackConfig, logger)
		plugins = append(plugins, simulator)
	case HardwareModeGPIO:
		// physical sensors drive the DebouncedLapSensor directly
	default:
		_ = store.Close()
		return nil, errors.Errorf("unsupported hardware mode: %q", cfg.TrackConfig.HardwareMode)
	}

	plugin := MultiPlugin(plugins...)
	engine := NewRaceEngine(cfg.TrackConfig, hub, plugin, metrics, logger)

	if err := plugin.Init(engine, logger); err != nil {
		_ = store.Close()
		return nil, errors.Wrap(err, "could not initialise plugins")
	}

	actuator := NewSimulatedPowerActuator(cfg.TrackConfig.NumLanes, engine, logger)

	sensor := NewDebouncedLapSensor(cfg.TrackConfig.SensorDebounce(), logger)
	sensor.OnCrossing(engine.RecordLap)

	ctx, cfn := context.WithCancel(ctx)

	server := &Server{
		cfg:       cfg,
		logger:    logger,
		engine:    engine,
		hub:       hub,
		actuator:  actuator,
		sensor:    sensor,
		simulator: simulator,
		store:     store,
		metrics:   metrics,
		ctx:       ctx,
		cfn:       cfn,
		stopped:   make(chan error, 1),
	}

	server.http = NewHTTP(cfg.ServerConfig.HTTPPort, engine, hub, actuator, store, metrics, logger)

	return server, nil
}

// Engine exposes the race engine to embedding callers (e.g. integrations that
// feed crossings from custom hardware).
func (s *Server) Engine() *RaceEngine {
	return s.engine
}

// Sensor exposes the debounced lap sensor so hardware drivers can feed raw
// crossing edges into it.
func (s *Server) Sensor() *DebouncedLapSensor {
	return s.sensor
}

func (s *Server) Start() error {
	s.logger.Infof("Starting %s on a %d lane track (%s hardware)", s.cfg.ServerConfig.Name, s.cfg.TrackConfig.NumLanes, s.cfg.TrackConfig.HardwareMode)

	return s.http.Listen()
}

func (s *Server) Stop() (err error) {
	defer func() {
		s.stopped <- err
	}()

	s.logger.Infof("Shutting down race server")

	s.engine.Stop()
	s.actuator.EmergencyStopAll()
	s.cfn()

	if err = s.http.Close(); err != nil {
		return err
	}

	return s.store.Close()
}

func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	return <-s.stopped
}
