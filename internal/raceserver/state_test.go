package raceserver

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEngineStateJSON(t *testing.T) {
	stateTests := []struct {
		state    EngineState
		expected string
	}{
		{StateIdle, `"idle"`},
		{StateCountdown, `"countdown"`},
		{StateRunning, `"running"`},
		{StatePaused, `"paused"`},
		{StateFinished, `"finished"`},
	}

	for _, test := range stateTests {
		encoded, err := json.Marshal(test.state)

		if err != nil {
			t.Fatalf("could not marshal %s: %v", test.state, err)
		}

		if string(encoded) != test.expected {
			t.Errorf("expected %s, got %s", test.expected, encoded)
		}
	}
}

func TestSnapshotOrdersLanesAscending(t *testing.T) {
	race := &RaceState{
		RaceID: 1,
		State:  StateRunning,
		Lanes: map[int]*LaneState{
			3: newLaneState(3, 30),
			1: newLaneState(1, 10),
			2: newLaneState(2, 20),
		},
	}

	snapshot := race.snapshot()

	if len(snapshot.Participants) != 3 {
		t.Fatalf("expected 3 participants, got %d", len(snapshot.Participants))
	}

	for i, expected := range []int{1, 2, 3} {
		if snapshot.Participants[i].Lane != expected {
			t.Errorf("participant %d: expected lane %d, got %d", i, expected, snapshot.Participants[i].Lane)
		}
	}
}

func TestSnapshotOmitsUnsetOptionals(t *testing.T) {
	race := &RaceState{
		RaceID: 1,
		State:  StateRunning,
		Lanes: map[int]*LaneState{
			1: newLaneState(1, 10),
		},
	}

	snapshot := race.snapshot()
	participant := snapshot.Participants[0]

	if participant.BestLapTimeMS != nil {
		t.Errorf("best lap should be nil before any lap, got %v", *participant.BestLapTimeMS)
	}

	if participant.FinishPosition != nil {
		t.Errorf("finish position should be nil before finishing, got %v", *participant.FinishPosition)
	}

	if participant.FuelLevel != 100 {
		t.Errorf("expected a full tank, got %v", participant.FuelLevel)
	}
}

func TestResultsPayload(t *testing.T) {
	lane := newLaneState(1, 10)
	lane.CurrentLap = 3
	lane.BestLapTimeMS = 4800
	lane.TotalTimeMS = 15000
	lane.Finished = true
	lane.FinishPosition = 1

	race := &RaceState{
		RaceID:      5,
		State:       StateFinished,
		FinishOrder: []int{1},
		Lanes:       map[int]*LaneState{1: lane},
	}

	payload := race.results()

	if payload.RaceID != 5 {
		t.Errorf("expected race id 5, got %d", payload.RaceID)
	}

	result := payload.Results[1]

	if result.Laps != 3 || result.TotalTimeMS != 15000 {
		t.Errorf("unexpected result: %+v", result)
	}

	if result.BestLapMS == nil || *result.BestLapMS != 4800 {
		t.Errorf("unexpected best lap: %v", result.BestLapMS)
	}

	if result.Position == nil || *result.Position != 1 {
		t.Errorf("unexpected position: %v", result.Position)
	}
}

func TestPositionEstimateWrapsAndFreezes(t *testing.T) {
	lane := newLaneState(1, 10)
	start := time.Date(2021, 3, 14, 15, 0, 0, 0, time.UTC)
	lane.LastLapTimestamp = start

	nominal := time.Second * 5

	// before the race starts the timestamp is zero and nothing moves
	fresh := newLaneState(2, 20)
	fresh.PowerLevel = 100
	fresh.updatePositionEstimate(start, nominal)

	if fresh.EstimatedPosition != 0 {
		t.Errorf("estimate moved without a lap timestamp: %v", fresh.EstimatedPosition)
	}

	lane.PowerLevel = 100
	lane.updatePositionEstimate(start.Add(time.Millisecond*2500), nominal)

	if !approxEqual(lane.EstimatedPosition, 0.5) {
		t.Errorf("expected half a lap, got %v", lane.EstimatedPosition)
	}

	// more than a full nominal lap wraps around
	lane.updatePositionEstimate(start.Add(time.Millisecond*7500), nominal)

	if !approxEqual(lane.EstimatedPosition, 0.5) {
		t.Errorf("expected wrap to half a lap, got %v", lane.EstimatedPosition)
	}

	lane.PowerLevel = 0
	lane.updatePositionEstimate(start.Add(time.Second*20), nominal)

	if !approxEqual(lane.EstimatedPosition, 0.5) {
		t.Errorf("estimate moved with power off: %v", lane.EstimatedPosition)
	}
}
