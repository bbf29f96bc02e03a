package raceserver

import "errors"

var (
	// ErrRaceInProgress is returned by SetupRace while the current race is running.
	ErrRaceInProgress = errors.New("raceserver: cannot set up a new race while another is running")

	// ErrNoCurrentRace is returned by operations which require an active race session.
	ErrNoCurrentRace = errors.New("raceserver: no current race")

	// ErrDuplicateLane is returned by SetupRace when two participants claim the same lane.
	ErrDuplicateLane = errors.New("raceserver: duplicate lane assignment")
)
