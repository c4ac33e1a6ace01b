package models

import (
	"errors"
	"fmt"
)

// ErrWeatherUnavailable matches any WeatherUnavailableError via errors.Is.
var ErrWeatherUnavailable = errors.New("weather unavailable")

// TransportError is a network failure, timeout or non-2xx response.
type TransportError struct {
	Source     string
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d", e.Source, e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %v", e.Source, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UpstreamFormatError means the provider answered but the body did not have
// the expected shape.
type UpstreamFormatError struct {
	Source string
	Field  string
	Err    error
}

func (e *UpstreamFormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: unexpected response at %q: %v", e.Source, e.Field, e.Err)
	}
	return fmt.Sprintf("%s: missing field %q", e.Source, e.Field)
}

func (e *UpstreamFormatError) Unwrap() error { return e.Err }

// ValidationError reports bad input from the roster or configuration.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PersistenceConflict is a constraint failure the insert-if-absent policy
// does not cover.
type PersistenceConflict struct {
	Table string
	Key   string
	Err   error
}

func (e *PersistenceConflict) Error() string {
	return fmt.Sprintf("conflict writing %s %q: %v", e.Table, e.Key, e.Err)
}

func (e *PersistenceConflict) Unwrap() error { return e.Err }

// WeatherUnavailableError is returned once weather retries are exhausted.
type WeatherUnavailableError struct {
	Latitude  float64
	Longitude float64
	Attempts  int
	Err       error
}

func (e *WeatherUnavailableError) Error() string {
	return fmt.Sprintf("weather unavailable for %.4f,%.4f after %d attempts: %v",
		e.Latitude, e.Longitude, e.Attempts, e.Err)
}

func (e *WeatherUnavailableError) Unwrap() error { return e.Err }

func (e *WeatherUnavailableError) Is(target error) bool {
	return target == ErrWeatherUnavailable
}

// CityError attaches the city being processed and the pipeline stage to an
// error.
type CityError struct {
	City  string
	State string
	Stage string
	Err   error
}

func (e *CityError) Error() string {
	return fmt.Sprintf("%s, %s: %s: %v", e.City, e.State, e.Stage, e.Err)
}

func (e *CityError) Unwrap() error { return e.Err }
