package raceserver

import "time"

type HardwareMode string

const (
	HardwareModeSimulation HardwareMode = "simulation"
	HardwareModeGPIO       HardwareMode = "gpio"
)

type ServerConfig struct {
	Name      string `json:"name" yaml:"name"`
	HTTPPort  uint16 `json:"http_port" yaml:"http_port"`
	StorePath string `json:"store_path" yaml:"store_path"`
}

type TrackConfig struct {
	NumLanes          int          `json:"num_lanes" yaml:"num_lanes"`
	HardwareMode      HardwareMode `json:"hardware_mode" yaml:"hardware_mode"`
	NominalLapTimeMS  int          `json:"nominal_lap_time_ms" yaml:"nominal_lap_time_ms"`
	LapTimeVarianceMS int          `json:"lap_time_variance_ms" yaml:"lap_time_variance_ms"`
	SensorDebounceMS  int          `json:"sensor_debounce_ms" yaml:"sensor_debounce_ms"`
}

func (tc TrackConfig) NominalLapTime() time.Duration {
	return time.Duration(tc.NominalLapTimeMS) * time.Millisecond
}

func (tc TrackConfig) LapTimeVariance() time.Duration {
	return time.Duration(tc.LapTimeVarianceMS) * time.Millisecond
}

func (tc TrackConfig) SensorDebounce() time.Duration {
	return time.Duration(tc.SensorDebounceMS) * time.Millisecond
}

type Config struct {
	ServerConfig ServerConfig `json:"server" yaml:"server"`
	TrackConfig  TrackConfig  `json:"track" yaml:"track"`
}

// DefaultConfig matches a two lane track with a five second flying lap.
func DefaultConfig() *Config {
	return &Config{
		ServerConfig: ServerConfig{
			Name:      "trackd",
			HTTPPort:  8090,
			StorePath: "./trackd.db",
		},
		TrackConfig: TrackConfig{
			NumLanes:          2,
			HardwareMode:      HardwareModeSimulation,
			NominalLapTimeMS:  5000,
			LapTimeVarianceMS: 500,
			SensorDebounceMS:  100,
		},
	}
}
