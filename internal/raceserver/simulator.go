package raceserver

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

const (
	simPollInterval = time.Millisecond * 100

	// power changes smaller than this don't trigger a mid-lap replan
	simPowerChangeThreshold = 10.0
)

func init() {
	rand.Seed(time.Now().Unix())
}

// LapSimulator stands in for the physical lap sensors during development.
// While a race runs it keeps one waiter per lane; each waiter estimates when
// the car next crosses the line from the lane's power level and calls
// RecordLap on completion. Waiters replan mid-lap when power changes by more
// than simPowerChangeThreshold points, suspend while power is off, and are
// cancelled on pause, stop or lane finish without recording a lap.
type LapSimulator struct {
	track  TrackConfig
	logger Logger

	mu      sync.Mutex
	engine  EngineControl
	cancels map[int]context.CancelFunc
}

func NewLapSimulator(track TrackConfig, logger Logger) *LapSimulator {
	return &LapSimulator{
		track:   track,
		logger:  logger,
		cancels: make(map[int]context.CancelFunc),
	}
}

func (sim *LapSimulator) Init(engine EngineControl, _ Logger) error {
	sim.mu.Lock()
	defer sim.mu.Unlock()

	sim.engine = engine

	return nil
}

func (sim *LapSimulator) OnRaceSetup(RaceInfo) error { return nil }

func (sim *LapSimulator) OnRaceStarted(race RaceInfo) error {
	sim.startLanes(race.Lanes)

	return nil
}

func (sim *LapSimulator) OnLapCompleted(lane int, lap LapInfo) error {
	if lap.Finished {
		sim.stopLane(lane)
	}

	return nil
}

func (sim *LapSimulator) OnRacePaused(RaceInfo) error {
	sim.stopAll()

	return nil
}

func (sim *LapSimulator) OnRaceResumed(race RaceInfo) error {
	sim.startLanes(race.Lanes)

	return nil
}

func (sim *LapSimulator) OnRaceFinished(FinishedPayload) error {
	sim.stopAll()

	return nil
}

func (sim *LapSimulator) OnRaceCancelled(int) error {
	sim.stopAll()

	return nil
}

func (sim *LapSimulator) startLanes(lanes []int) {
	sim.mu.Lock()
	defer sim.mu.Unlock()

	for _, lane := range lanes {
		if _, ok := sim.cancels[lane]; ok {
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		sim.cancels[lane] = cancel

		go sim.simulateLane(ctx, lane)
	}

	sim.logger.Infof("Simulating %d lanes", len(sim.cancels))
}

func (sim *LapSimulator) stopAll() {
	sim.mu.Lock()
	defer sim.mu.Unlock()

	for lane, cancel := range sim.cancels {
		cancel()
		delete(sim.cancels, lane)
	}
}

func (sim *LapSimulator) stopLane(lane int) {
	sim.mu.Lock()
	defer sim.mu.Unlock()

	if cancel, ok := sim.cancels[lane]; ok {
		cancel()
		delete(sim.cancels, lane)
	}
}

func (sim *LapSimulator) simulateLane(ctx context.Context, lane int) {
	tick := time.NewTicker(simPollInterval)
	defer tick.Stop()

	baseLapTime := sim.track.NominalLapTime().Seconds()
	poll := simPollInterval.Seconds()

	for {
		if sim.engine.LaneFinished(lane) {
			sim.logger.Debugf("Lane %d finished, simulation waiter exiting", lane)
			return
		}

		power := sim.engine.LanePower(lane)

		if power <= 0 {
			// car is stopped
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
			}

			continue
		}

		lapTime := baseLapTime/(power/100.0) + sim.jitter()

		if lapTime < poll {
			lapTime = poll
		}

		elapsed := 0.0

		for elapsed < lapTime {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
			}

			newPower := sim.engine.LanePower(lane)

			if newPower <= 0 {
				// suspended until power resumes
				continue
			}

			if math.Abs(newPower-power) > simPowerChangeThreshold {
				// replan the remaining fractional distance at the new speed
				remainingDistance := 1.0 - elapsed/lapTime
				lapTime = elapsed + (remainingDistance*baseLapTime)/(newPower/100.0)
				power = newPower
			}

			elapsed += poll
		}

		sim.engine.RecordLap(lane)
	}
}

// jitter returns a uniform sample from the configured symmetric variance, in seconds.
func (sim *LapSimulator) jitter() float64 {
	variance := sim.track.LapTimeVariance().Seconds()

	if variance <= 0 {
		return 0
	}

	return (rand.Float64()*2 - 1) * variance
}
