package raceserver

import "time"

const (
	EventRaceCountdown = "race:countdown"
	EventRaceStarted   = "race:started"
	EventRaceLap       = "race:lap"
	EventRaceState     = "race:state"
	EventRaceFinished  = "race:finished"
	EventRaceCancelled = "race:cancelled"
)

// Event is the envelope delivered to every subscriber. The timestamp is
// wall-clock seconds, fractional part included.
type Event struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp float64     `json:"timestamp"`
}

func NewEvent(eventType string, payload interface{}) Event {
	return Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	}
}

type CountdownPayload struct {
	Remaining int `json:"remaining"`
}

type StartedPayload struct {
	RaceID int `json:"race_id"`
}

type LapPayload struct {
	RaceID    int   `json:"race_id"`
	CarID     int   `json:"car_id"`
	Lane      int   `json:"lane"`
	LapNumber int   `json:"lap_number"`
	LapTimeMS int64 `json:"lap_time_ms"`
	IsBestLap bool  `json:"is_best_lap"`
}

type ParticipantState struct {
	Lane              int     `json:"lane"`
	CarID             int     `json:"car_id"`
	CurrentLap        int     `json:"current_lap"`
	BestLapTimeMS     *int64  `json:"best_lap_time_ms"`
	TotalTimeMS       int64   `json:"total_time_ms"`
	FuelLevel         float64 `json:"fuel_level"`
	EstimatedPosition float64 `json:"estimated_position"`
	Finished          bool    `json:"finished"`
	FinishPosition    *int    `json:"finish_position"`
}

type StatePayload struct {
	RaceID        int                `json:"race_id"`
	State         EngineState        `json:"state"`
	ElapsedTimeMS int64              `json:"elapsed_time_ms"`
	Participants  []ParticipantState `json:"participants"`
}

type LaneResult struct {
	CarID       int    `json:"car_id"`
	Laps        int    `json:"laps"`
	TotalTimeMS int64  `json:"total_time_ms"`
	BestLapMS   *int64 `json:"best_lap_ms"`
	Position    *int   `json:"position"`
}

type FinishedPayload struct {
	RaceID      int                `json:"race_id"`
	FinishOrder []int              `json:"finish_order"`
	Results     map[int]LaneResult `json:"results"`
}

type CancelledPayload struct {
	RaceID int `json:"race_id"`
}
