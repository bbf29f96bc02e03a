package raceserver

import (
	"context"
	"sync"
	"time"
)

const (
	countdownSeconds    = 5
	stateBroadcastTicks = 5 // one race:state snapshot every 5 ticks (2Hz)

	// fuel burnt per tick at 100% power, as a percentage of the tank
	fuelBurnPerTick = 0.1

	// a crossing this soon after the start is a car already sitting on the line
	firstCrossingDebounce = time.Second
)

// RaceEngine owns the single active race session: lifecycle transitions, the
// 10Hz tick loop, lap processing, position and fuel estimation and finish
// detection. All session mutation is serialized through one mutex; the tick
// loop, lap crossings and power commands all take it, so every tick is
// all-or-nothing with respect to cancellation.
type RaceEngine struct {
	mu sync.Mutex

	track   TrackConfig
	hub     *Hub
	plugin  Plugin
	logger  Logger
	metrics *Metrics

	current    *RaceState
	cancelLoop context.CancelFunc // cancels the countdown or the tick loop

	// overridable in tests
	now               func() time.Time
	tickInterval      time.Duration
	countdownInterval time.Duration
}

func NewRaceEngine(track TrackConfig, hub *Hub, plugin Plugin, metrics *Metrics, logger Logger) *RaceEngine {
	if plugin == nil {
		plugin = nilPlugin{}
	}

	if metrics == nil {
		metrics = NewMetrics()
	}

	return &RaceEngine{
		track:             track,
		hub:               hub,
		plugin:            plugin,
		metrics:           metrics,
		logger:            logger,
		now:               time.Now,
		tickInterval:      time.Millisecond * 100,
		countdownInterval: time.Second,
	}
}

// SetupRace creates a new session, superseding a terminal one. It fails if
// the current session is still running, and never merges duplicate lanes.
func (re *RaceEngine) SetupRace(raceID, trackID int, participants []Participant, settings RaceSettings) error {
	re.mu.Lock()

	if re.current != nil && re.current.State == StateRunning {
		re.mu.Unlock()
		return ErrRaceInProgress
	}

	lanes := make(map[int]*LaneState, len(participants))

	for _, participant := range participants {
		if _, ok := lanes[participant.Lane]; ok {
			re.mu.Unlock()
			return ErrDuplicateLane
		}

		lanes[participant.Lane] = newLaneState(participant.Lane, participant.CarID)
	}

	if re.cancelLoop != nil {
		re.cancelLoop()
		re.cancelLoop = nil
	}

	re.current = &RaceState{
		RaceID:             raceID,
		TrackID:            trackID,
		Settings:           settings,
		Lanes:              lanes,
		State:              StateIdle,
		CountdownRemaining: countdownSeconds,
	}

	info := re.raceInfoLocked()

	re.mu.Unlock()

	re.logger.Infof("Race %d set up with %d lanes", raceID, len(lanes))
	re.pluginCallback("On race setup", func() error {
		return re.plugin.OnRaceSetup(info)
	})

	return nil
}

// StartCountdown begins the 5..1 start sequence. One countdown event is
// published per second; when it reaches zero the race starts. A concurrent
// Stop cancels the sequence immediately.
func (re *RaceEngine) StartCountdown() error {
	re.mu.Lock()

	if re.current == nil {
		re.mu.Unlock()
		return ErrNoCurrentRace
	}

	if re.current.State != StateIdle {
		re.mu.Unlock()
		return nil
	}

	re.current.State = StateCountdown
	re.current.CountdownRemaining = countdownSeconds

	ctx, cancel := context.WithCancel(context.Background())
	re.cancelLoop = cancel
	raceID := re.current.RaceID

	re.mu.Unlock()

	go re.countdown(ctx, raceID)

	return nil
}

func (re *RaceEngine) countdown(ctx context.Context, raceID int) {
	tick := time.NewTicker(re.countdownInterval)
	defer tick.Stop()

	for remaining := countdownSeconds; remaining > 0; remaining-- {
		re.mu.Lock()

		if re.current == nil || re.current.RaceID != raceID || re.current.State != StateCountdown {
			re.mu.Unlock()
			return
		}

		re.current.CountdownRemaining = remaining

		re.mu.Unlock()

		re.publishState()
		re.hub.Publish(raceID, NewEvent(EventRaceCountdown, CountdownPayload{Remaining: remaining}))

		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}

	re.startRace(raceID)
}

func (re *RaceEngine) startRace(raceID int) {
	re.mu.Lock()

	race := re.current

	if race == nil || race.RaceID != raceID || race.State != StateCountdown {
		re.mu.Unlock()
		return
	}

	race.State = StateRunning
	race.StartTime = re.now()
	race.ElapsedTimeMS = 0
	race.CountdownRemaining = 0

	for _, lane := range race.Lanes {
		lane.LastLapTimestamp = race.StartTime
	}

	ctx, cancel := context.WithCancel(context.Background())
	re.cancelLoop = cancel
	info := re.raceInfoLocked()

	re.mu.Unlock()

	go re.tickLoop(ctx)

	re.hub.Publish(raceID, NewEvent(EventRaceStarted, StartedPayload{RaceID: raceID}))
	re.pluginCallback("On race started", func() error {
		return re.plugin.OnRaceStarted(info)
	})

	re.logger.Infof("Race %d started", raceID)
}

func (re *RaceEngine) tickLoop(ctx context.Context) {
	tick := time.NewTicker(re.tickInterval)
	defer tick.Stop()

	ticks := 0

	for {
		select {
		case <-ctx.Done():
			re.logger.Debugf("Stopping race tick loop")
			return
		case <-tick.C:
			ticks++

			if done := re.tick(ticks); done {
				return
			}
		}
	}
}

// tick performs one 10Hz evaluation: elapsed time, position estimates, fuel
// burn and the time limit check. Every fifth tick a state snapshot goes out.
func (re *RaceEngine) tick(ticks int) bool {
	re.mu.Lock()

	race := re.current

	if race == nil || race.State != StateRunning {
		re.mu.Unlock()
		return true
	}

	now := re.now()
	race.ElapsedTimeMS = now.Sub(race.StartTime).Milliseconds()

	for _, lane := range race.Lanes {
		if lane.Finished {
			continue
		}

		lane.updatePositionEstimate(now, re.track.NominalLapTime())

		if race.Settings.FuelSimulationEnabled {
			lane.FuelLevel -= lane.PowerLevel / 100.0 * fuelBurnPerTick

			if lane.FuelLevel < 0 {
				lane.FuelLevel = 0
			}
		}
	}

	timeLimitReached := race.Settings.TimeLimitSeconds > 0 && race.ElapsedTimeMS >= int64(race.Settings.TimeLimitSeconds)*1000

	re.mu.Unlock()

	if timeLimitReached {
		re.finishRace()
		return true
	}

	if ticks%stateBroadcastTicks == 0 {
		re.publishState()
	}

	return false
}

// RecordLap processes a start/finish line crossing for a lane. Crossings are
// ignored unless the race is running, the lane is known and not yet finished.
func (re *RaceEngine) RecordLap(lane int) {
	re.mu.Lock()

	race := re.current

	if race == nil || race.State != StateRunning {
		re.mu.Unlock()
		return
	}

	state, ok := race.Lanes[lane]

	if !ok {
		re.mu.Unlock()
		re.logger.Warnf("Lap recorded for unknown lane %d", lane)
		return
	}

	if state.Finished {
		re.mu.Unlock()
		return
	}

	now := re.now()
	lapTimeMS := now.Sub(state.LastLapTimestamp).Milliseconds()
	state.LastLapTimestamp = now

	if state.CurrentLap == 0 && lapTimeMS < firstCrossingDebounce.Milliseconds() {
		// the car was already sitting on the line at the start
		re.mu.Unlock()
		return
	}

	state.CurrentLap++
	state.LapTimesMS = append(state.LapTimesMS, lapTimeMS)
	state.TotalTimeMS += lapTimeMS
	state.EstimatedPosition = 0

	isBest := state.BestLapTimeMS == 0 || lapTimeMS < state.BestLapTimeMS

	if isBest {
		state.BestLapTimeMS = lapTimeMS
	}

	lapPayload := LapPayload{
		RaceID:    race.RaceID,
		CarID:     state.CarID,
		Lane:      lane,
		LapNumber: state.CurrentLap,
		LapTimeMS: lapTimeMS,
		IsBestLap: isBest,
	}

	lapInfo := LapInfo{
		RaceID:    race.RaceID,
		CarID:     state.CarID,
		LapNumber: state.CurrentLap,
		LapTimeMS: lapTimeMS,
		IsBestLap: isBest,
	}

	raceOver := false

	if race.Settings.Mode == ModeRaceLaps && state.CurrentLap >= race.Settings.TargetLaps {
		state.Finished = true
		state.FinishPosition = len(race.FinishOrder) + 1
		race.FinishOrder = append(race.FinishOrder, lane)
		lapInfo.Finished = true

		raceOver = race.allLanesFinished()
	}

	raceID := race.RaceID

	re.mu.Unlock()

	re.metrics.LapsRecorded.Inc()
	re.logger.Infof("Lap %d for lane %d: %dms", lapPayload.LapNumber, lane, lapTimeMS)

	re.hub.Publish(raceID, NewEvent(EventRaceLap, lapPayload))
	re.pluginCallback("On lap completed", func() error {
		return re.plugin.OnLapCompleted(lane, lapInfo)
	})

	if raceOver {
		re.finishRace()
	}
}

// SetPower sets a lane's power level, clamped into [0, 100]. No event is
// published; the next state snapshot carries the new value.
func (re *RaceEngine) SetPower(lane int, power float64) {
	re.mu.Lock()
	defer re.mu.Unlock()

	if re.current == nil {
		return
	}

	state, ok := re.current.Lanes[lane]

	if !ok {
		re.logger.Warnf("Power command for unknown lane %d", lane)
		return
	}

	state.PowerLevel = clampPercent(power)
}

func (re *RaceEngine) LanePower(lane int) float64 {
	re.mu.Lock()
	defer re.mu.Unlock()

	if re.current == nil {
		return 0
	}

	if state, ok := re.current.Lanes[lane]; ok {
		return state.PowerLevel
	}

	return 0
}

func (re *RaceEngine) LaneFinished(lane int) bool {
	re.mu.Lock()
	defer re.mu.Unlock()

	if re.current == nil {
		return true
	}

	if state, ok := re.current.Lanes[lane]; ok {
		return state.Finished
	}

	return true
}

// Pause cancels the tick loop without touching lane state. No-op unless the
// race is running.
func (re *RaceEngine) Pause() {
	re.mu.Lock()

	race := re.current

	if race == nil || race.State != StateRunning {
		re.mu.Unlock()
		return
	}

	race.State = StatePaused
	race.PausedAt = re.now()

	if re.cancelLoop != nil {
		re.cancelLoop()
		re.cancelLoop = nil
	}

	raceID := race.RaceID
	info := re.raceInfoLocked()

	re.mu.Unlock()

	re.publishState()
	re.pluginCallback("On race paused", func() error {
		return re.plugin.OnRacePaused(info)
	})

	re.logger.Infof("Race %d paused", raceID)
}

// Resume relaunches the tick loop. The start time and every lap timestamp are
// shifted by the pause duration so that elapsed time and the running lap
// continue from their paused values. No-op unless the race is paused.
func (re *RaceEngine) Resume() {
	re.mu.Lock()

	race := re.current

	if race == nil || race.State != StatePaused {
		re.mu.Unlock()
		return
	}

	pauseDuration := re.now().Sub(race.PausedAt)
	race.StartTime = race.StartTime.Add(pauseDuration)

	for _, lane := range race.Lanes {
		lane.LastLapTimestamp = lane.LastLapTimestamp.Add(pauseDuration)
	}

	race.State = StateRunning
	race.PausedAt = time.Time{}

	ctx, cancel := context.WithCancel(context.Background())
	re.cancelLoop = cancel
	raceID := race.RaceID
	info := re.raceInfoLocked()

	re.mu.Unlock()

	go re.tickLoop(ctx)

	re.publishState()
	re.pluginCallback("On race resumed", func() error {
		return re.plugin.OnRaceResumed(info)
	})

	re.logger.Infof("Race %d resumed", raceID)
}

// Stop forces the session into the finished state from anywhere, cancelling
// an in-progress countdown or tick loop. Idempotent once terminal.
func (re *RaceEngine) Stop() {
	re.mu.Lock()

	race := re.current

	if race == nil || race.State.IsTerminal() {
		re.mu.Unlock()
		return
	}

	if re.cancelLoop != nil {
		re.cancelLoop()
		re.cancelLoop = nil
	}

	race.State = StateFinished
	raceID := race.RaceID

	re.mu.Unlock()

	re.hub.Publish(raceID, NewEvent(EventRaceCancelled, CancelledPayload{RaceID: raceID}))
	re.pluginCallback("On race cancelled", func() error {
		return re.plugin.OnRaceCancelled(raceID)
	})

	re.logger.Infof("Race %d cancelled", raceID)
}

// finishRace finalizes the session after full completion or time limit
// expiry. Lanes which have not finished are appended to the finish order in
// ascending lane number.
func (re *RaceEngine) finishRace() {
	re.mu.Lock()

	race := re.current

	if race == nil || race.State.IsTerminal() {
		re.mu.Unlock()
		return
	}

	if re.cancelLoop != nil {
		re.cancelLoop()
		re.cancelLoop = nil
	}

	for _, lane := range race.laneNumbers() {
		state := race.Lanes[lane]

		if state.Finished {
			continue
		}

		state.Finished = true
		state.FinishPosition = len(race.FinishOrder) + 1
		race.FinishOrder = append(race.FinishOrder, lane)
	}

	race.State = StateFinished
	raceID := race.RaceID
	payload := race.results()

	re.mu.Unlock()

	re.metrics.RacesFinished.Inc()
	re.hub.Publish(raceID, NewEvent(EventRaceFinished, payload))
	re.pluginCallback("On race finished", func() error {
		return re.plugin.OnRaceFinished(payload)
	})

	re.logger.Infof("Race %d finished", raceID)
}

// Snapshot returns the current race:state payload, if a session exists.
func (re *RaceEngine) Snapshot() (StatePayload, bool) {
	re.mu.Lock()
	defer re.mu.Unlock()

	if re.current == nil {
		return StatePayload{}, false
	}

	return re.current.snapshot(), true
}

func (re *RaceEngine) publishState() {
	re.mu.Lock()

	if re.current == nil {
		re.mu.Unlock()
		return
	}

	raceID := re.current.RaceID
	payload := re.current.snapshot()

	re.mu.Unlock()

	re.hub.Publish(raceID, NewEvent(EventRaceState, payload))
}

func (re *RaceEngine) raceInfoLocked() RaceInfo {
	return RaceInfo{
		RaceID:   re.current.RaceID,
		TrackID:  re.current.TrackID,
		Settings: re.current.Settings,
		Lanes:    re.current.laneNumbers(),
	}
}

func (re *RaceEngine) pluginCallback(name string, fn func() error) {
	go func() {
		if err := fn(); err != nil {
			re.logger.WithError(err).Errorf("%s plugin returned an error", name)
		}
	}()
}

func clampPercent(value float64) float64 {
	if value < 0 {
		return 0
	}

	if value > 100 {
		return 100
	}

	return value
}
