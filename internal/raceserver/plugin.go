package raceserver

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// RaceInfo describes the active session to plugins.
type RaceInfo struct {
	RaceID   int
	TrackID  int
	Settings RaceSettings
	Lanes    []int
}

// LapInfo describes a single completed lap to plugins.
type LapInfo struct {
	RaceID    int
	CarID     int
	LapNumber int
	LapTimeMS int64
	IsBestLap bool
	Finished  bool
}

// EngineControl is the narrow view of the engine handed to plugins.
type EngineControl interface {
	RecordLap(lane int)
	SetPower(lane int, power float64)
	LanePower(lane int) float64
	LaneFinished(lane int) bool
}

// Plugin receives engine lifecycle callbacks. The lap simulator and the
// results store both attach through this interface.
type Plugin interface {
	Init(engine EngineControl, logger Logger) error

	OnRaceSetup(race RaceInfo) error
	OnRaceStarted(race RaceInfo) error
	OnLapCompleted(lane int, lap LapInfo) error
	OnRacePaused(race RaceInfo) error
	OnRaceResumed(race RaceInfo) error
	OnRaceFinished(results FinishedPayload) error
	OnRaceCancelled(raceID int) error
}

type multiPlugin struct {
	plugins []Plugin
}

func MultiPlugin(plugins ...Plugin) Plugin {
	return &multiPlugin{plugins: plugins}
}

func (mp *multiPlugin) each(fn func(plugin Plugin) error) error {
	g, _ := errgroup.WithContext(context.Background())

	for _, plugin := range mp.plugins {
		plugin := plugin
		g.Go(func() error {
			return fn(plugin)
		})
	}

	return g.Wait()
}

func (mp *multiPlugin) Init(engine EngineControl, logger Logger) error {
	return mp.each(func(plugin Plugin) error {
		return plugin.Init(engine, logger)
	})
}

func (mp *multiPlugin) OnRaceSetup(race RaceInfo) error {
	return mp.each(func(plugin Plugin) error {
		return plugin.OnRaceSetup(race)
	})
}

func (mp *multiPlugin) OnRaceStarted(race RaceInfo) error {
	return mp.each(func(plugin Plugin) error {
		return plugin.OnRaceStarted(race)
	})
}

func (mp *multiPlugin) OnLapCompleted(lane int, lap LapInfo) error {
	return mp.each(func(plugin Plugin) error {
		return plugin.OnLapCompleted(lane, lap)
	})
}

func (mp *multiPlugin) OnRacePaused(race RaceInfo) error {
	return mp.each(func(plugin Plugin) error {
		return plugin.OnRacePaused(race)
	})
}

func (mp *multiPlugin) OnRaceResumed(race RaceInfo) error {
	return mp.each(func(plugin Plugin) error {
		return plugin.OnRaceResumed(race)
	})
}

func (mp *multiPlugin) OnRaceFinished(results FinishedPayload) error {
	return mp.each(func(plugin Plugin) error {
		return plugin.OnRaceFinished(results)
	})
}

func (mp *multiPlugin) OnRaceCancelled(raceID int) error {
	return mp.each(func(plugin Plugin) error {
		return plugin.OnRaceCancelled(raceID)
	})
}

type nilPlugin struct{}

func (nilPlugin) Init(EngineControl, Logger) error      { return nil }
func (nilPlugin) OnRaceSetup(RaceInfo) error            { return nil }
func (nilPlugin) OnRaceStarted(RaceInfo) error          { return nil }
func (nilPlugin) OnLapCompleted(int, LapInfo) error     { return nil }
func (nilPlugin) OnRacePaused(RaceInfo) error           { return nil }
func (nilPlugin) OnRaceResumed(RaceInfo) error          { return nil }
func (nilPlugin) OnRaceFinished(FinishedPayload) error  { return nil }
func (nilPlugin) OnRaceCancelled(int) error             { return nil }
