package ingest

import (
	"encoding/json"
	"strings"

	"github.com/lox/eventweather/internal/models"
)

const (
	FlagTempOutOfRange  = "temp_out_of_range"
	FlagHumidityInvalid = "humidity_invalid"
	FlagUnknownUnit     = "unknown_unit"
	FlagNoDaytimePeriod = "no_daytime_period"
	FlagNoTemperature   = "no_temperature"
)

// ValidateWeather returns quality flags for a fetched forecast. Flagged
// observations are still stored.
func ValidateWeather(res *WeatherResult) []string {
	if res.NoDaytime {
		return []string{FlagNoDaytimePeriod}
	}
	return ValidateObservation(&res.Observation)
}

// ValidateObservation returns quality flags for an observation taken from a
// daytime period.
func ValidateObservation(obs *models.WeatherObservation) []string {
	var flags []string

	if !obs.Temperature.Valid {
		flags = append(flags, FlagNoTemperature)
	}

	if obs.Temperature.Valid {
		lo, hi := -80.0, 135.0
		switch strings.ToUpper(obs.TemperatureUnit.String) {
		case "F":
		case "C":
			lo, hi = -62.0, 57.0
		default:
			flags = append(flags, FlagUnknownUnit)
		}
		if obs.Temperature.Float64 < lo || obs.Temperature.Float64 > hi {
			flags = append(flags, FlagTempOutOfRange)
		}
	}

	if obs.Humidity.Valid {
		if obs.Humidity.Float64 < 0 || obs.Humidity.Float64 > 100 {
			flags = append(flags, FlagHumidityInvalid)
		}
	}

	return flags
}

func QualityFlagsToJSON(flags []string) string {
	if len(flags) == 0 {
		return ""
	}
	b, _ := json.Marshal(flags)
	return string(b)
}
