package raceserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	resultsBucketName  = []byte("results")
	lapsBucketName     = []byte("laps")
	bestLapsBucketName = []byte("best_laps")

	// ErrResultNotFound is returned when no stored result exists for a race.
	ErrResultNotFound = errors.New("raceserver: result not found")
)

// LapRecord is one persisted lap crossing.
type LapRecord struct {
	RaceID     int       `json:"race_id"`
	Lane       int       `json:"lane"`
	CarID      int       `json:"car_id"`
	LapNumber  int       `json:"lap_number"`
	LapTimeMS  int64     `json:"lap_time_ms"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ResultsStore persists lap history, final race results and per-car best lap
// records. It attaches to the engine as a plugin and consumes race:finished;
// the core itself never writes durable records.
type ResultsStore struct {
	db     *bolt.DB
	logger Logger
}

func NewResultsStore(path string, logger Logger) (*ResultsStore, error) {
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: time.Second})

	if err != nil {
		return nil, errors.Wrapf(err, "could not open results store at %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{resultsBucketName, lapsBucketName, bestLapsBucketName} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})

	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "could not initialise results store buckets")
	}

	return &ResultsStore{db: db, logger: logger}, nil
}

func (rs *ResultsStore) Close() error {
	return rs.db.Close()
}

func (rs *ResultsStore) Init(EngineControl, Logger) error { return nil }
func (rs *ResultsStore) OnRaceSetup(RaceInfo) error       { return nil }
func (rs *ResultsStore) OnRaceStarted(RaceInfo) error     { return nil }
func (rs *ResultsStore) OnRacePaused(RaceInfo) error      { return nil }
func (rs *ResultsStore) OnRaceResumed(RaceInfo) error     { return nil }
func (rs *ResultsStore) OnRaceCancelled(int) error        { return nil }

func (rs *ResultsStore) OnLapCompleted(lane int, lap LapInfo) error {
	record := LapRecord{
		RaceID:     lap.RaceID,
		Lane:       lane,
		CarID:      lap.CarID,
		LapNumber:  lap.LapNumber,
		LapTimeMS:  lap.LapTimeMS,
		RecordedAt: time.Now(),
	}

	encoded, err := json.Marshal(record)

	if err != nil {
		return errors.Wrap(err, "could not marshal lap record")
	}

	return rs.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(lapsBucketName).Put(lapKey(lap.RaceID, lane, lap.LapNumber), encoded)
	})
}

func (rs *ResultsStore) OnRaceFinished(results FinishedPayload) error {
	encoded, err := json.Marshal(results)

	if err != nil {
		return errors.Wrap(err, "could not marshal race results")
	}

	err = rs.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(resultsBucketName).Put(raceKey(results.RaceID), encoded); err != nil {
			return err
		}

		bestLaps := tx.Bucket(bestLapsBucketName)

		for _, result := range results.Results {
			if result.BestLapMS == nil {
				continue
			}

			if err := updateBestLap(bestLaps, result.CarID, *result.BestLapMS); err != nil {
				return err
			}
		}

		return nil
	})

	if err != nil {
		return errors.Wrapf(err, "could not persist results for race %d", results.RaceID)
	}

	rs.logger.Infof("Persisted results for race %d", results.RaceID)

	return nil
}

func updateBestLap(bucket *bolt.Bucket, carID int, lapTimeMS int64) error {
	key := carKey(carID)

	if existing := bucket.Get(key); existing != nil {
		var current int64

		if err := json.Unmarshal(existing, &current); err == nil && current <= lapTimeMS {
			return nil
		}
	}

	encoded, err := json.Marshal(lapTimeMS)

	if err != nil {
		return err
	}

	return bucket.Put(key, encoded)
}

// Results loads the stored race:finished payload for a race.
func (rs *ResultsStore) Results(raceID int) (*FinishedPayload, error) {
	var payload *FinishedPayload

	err := rs.db.View(func(tx *bolt.Tx) error {
		encoded := tx.Bucket(resultsBucketName).Get(raceKey(raceID))

		if encoded == nil {
			return ErrResultNotFound
		}

		payload = &FinishedPayload{}

		return json.Unmarshal(encoded, payload)
	})

	if err != nil {
		return nil, err
	}

	return payload, nil
}

// LapHistory loads all persisted laps for a race and lane, in lap order.
func (rs *ResultsStore) LapHistory(raceID, lane int) ([]LapRecord, error) {
	var laps []LapRecord

	prefix := []byte(fmt.Sprintf("%08d/%04d/", raceID, lane))

	err := rs.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(lapsBucketName).Cursor()

		for key, value := cursor.Seek(prefix); key != nil && bytes.HasPrefix(key, prefix); key, value = cursor.Next() {
			var record LapRecord

			if err := json.Unmarshal(value, &record); err != nil {
				return errors.Wrapf(err, "could not unmarshal lap record %s", key)
			}

			laps = append(laps, record)
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	return laps, nil
}

// BestLap loads a car's all-time best lap in milliseconds.
func (rs *ResultsStore) BestLap(carID int) (int64, error) {
	var best int64

	err := rs.db.View(func(tx *bolt.Tx) error {
		encoded := tx.Bucket(bestLapsBucketName).Get(carKey(carID))

		if encoded == nil {
			return ErrResultNotFound
		}

		return json.Unmarshal(encoded, &best)
	})

	if err != nil {
		return 0, err
	}

	return best, nil
}

func raceKey(raceID int) []byte {
	return []byte(fmt.Sprintf("%08d", raceID))
}

func carKey(carID int) []byte {
	return []byte(fmt.Sprintf("%08d", carID))
}

func lapKey(raceID, lane, lapNumber int) []byte {
	return []byte(fmt.Sprintf("%08d/%04d/%06d", raceID, lane, lapNumber))
}
