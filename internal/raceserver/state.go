package raceserver

import (
	"fmt"
	"math"
	"sort"
	"time"
)

type RaceMode string

const (
	ModePractice  RaceMode = "practice"
	ModeTimeTrial RaceMode = "time_trial"
	ModeRaceLaps  RaceMode = "race_laps"
	ModeRaceTime  RaceMode = "race_time"
)

type EngineState uint8

const (
	StateIdle EngineState = iota
	StateCountdown
	StateRunning
	StatePaused
	StateFinished
)

func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCountdown:
		return "countdown"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateFinished:
		return "finished"
	default:
		return fmt.Sprintf("unknown (%d)", uint8(s))
	}
}

func (s EngineState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// IsTerminal reports whether no further lifecycle transitions are possible.
func (s EngineState) IsTerminal() bool {
	return s == StateFinished
}

type Participant struct {
	CarID int `json:"car_id" yaml:"car_id"`
	Lane  int `json:"lane" yaml:"lane"`
}

type RaceSettings struct {
	Mode                  RaceMode `json:"mode" yaml:"mode"`
	TargetLaps            int      `json:"target_laps" yaml:"target_laps"`
	TimeLimitSeconds      int      `json:"time_limit_seconds" yaml:"time_limit_seconds"`
	FuelSimulationEnabled bool     `json:"fuel_simulation_enabled" yaml:"fuel_simulation_enabled"`
}

// LaneState tracks a single lane for the duration of a race session.
type LaneState struct {
	LaneNumber        int
	CarID             int
	PowerLevel        float64
	CurrentLap        int
	LapTimesMS        []int64
	BestLapTimeMS     int64 // 0 until the first completed lap
	TotalTimeMS       int64
	LastLapTimestamp  time.Time
	EstimatedPosition float64
	FuelLevel         float64
	Finished          bool
	FinishPosition    int // 0 until assigned
}

func newLaneState(lane, carID int) *LaneState {
	return &LaneState{
		LaneNumber: lane,
		CarID:      carID,
		FuelLevel:  100,
	}
}

// updatePositionEstimate dead-reckons track progress from the power level and
// the time since the last crossing. With the power off the estimate freezes.
func (l *LaneState) updatePositionEstimate(now time.Time, nominalLapTime time.Duration) {
	if l.LastLapTimestamp.IsZero() || l.PowerLevel <= 0 {
		return
	}

	timeSinceLap := now.Sub(l.LastLapTimestamp).Seconds()
	speedFactor := l.PowerLevel / 100.0
	expectedProgress := (timeSinceLap * speedFactor) / nominalLapTime.Seconds()

	l.EstimatedPosition = math.Mod(expectedProgress, 1.0)
}

// RaceState is the complete state of the active race session.
type RaceState struct {
	RaceID             int
	TrackID            int
	Settings           RaceSettings
	Lanes              map[int]*LaneState
	State              EngineState
	StartTime          time.Time
	PausedAt           time.Time
	ElapsedTimeMS      int64
	CountdownRemaining int
	FinishOrder        []int
}

func (r *RaceState) laneNumbers() []int {
	lanes := make([]int, 0, len(r.Lanes))

	for lane := range r.Lanes {
		lanes = append(lanes, lane)
	}

	sort.Ints(lanes)

	return lanes
}

func (r *RaceState) allLanesFinished() bool {
	for _, lane := range r.Lanes {
		if !lane.Finished {
			return false
		}
	}

	return true
}

// snapshot builds the race:state payload. Lanes are reported in ascending order.
func (r *RaceState) snapshot() StatePayload {
	payload := StatePayload{
		RaceID:        r.RaceID,
		State:         r.State,
		ElapsedTimeMS: r.ElapsedTimeMS,
		Participants:  make([]ParticipantState, 0, len(r.Lanes)),
	}

	for _, lane := range r.laneNumbers() {
		state := r.Lanes[lane]

		participant := ParticipantState{
			Lane:              state.LaneNumber,
			CarID:             state.CarID,
			CurrentLap:        state.CurrentLap,
			TotalTimeMS:       state.TotalTimeMS,
			FuelLevel:         state.FuelLevel,
			EstimatedPosition: state.EstimatedPosition,
			Finished:          state.Finished,
		}

		if state.BestLapTimeMS > 0 {
			best := state.BestLapTimeMS
			participant.BestLapTimeMS = &best
		}

		if state.FinishPosition > 0 {
			position := state.FinishPosition
			participant.FinishPosition = &position
		}

		payload.Participants = append(payload.Participants, participant)
	}

	return payload
}

// results builds the race:finished payload from the final lane states.
func (r *RaceState) results() FinishedPayload {
	payload := FinishedPayload{
		RaceID:      r.RaceID,
		FinishOrder: append([]int(nil), r.FinishOrder...),
		Results:     make(map[int]LaneResult, len(r.Lanes)),
	}

	for lane, state := range r.Lanes {
		result := LaneResult{
			CarID:       state.CarID,
			Laps:        state.CurrentLap,
			TotalTimeMS: state.TotalTimeMS,
		}

		if state.BestLapTimeMS > 0 {
			best := state.BestLapTimeMS
			result.BestLapMS = &best
		}

		if state.FinishPosition > 0 {
			position := state.FinishPosition
			result.Position = &position
		}

		payload.Results[lane] = result
	}

	return payload
}
