package models

import (
	"database/sql"
	"time"

	"github.com/cockroachdb/apd/v3"
)

// RosterEntry is one row of the city roster before it is written to the store.
type RosterEntry struct {
	City      string
	State     string
	Latitude  float64
	Longitude float64
}

// Key identifies a roster entry in logs and audit records.
func (r RosterEntry) Key() string {
	return r.City + "|" + r.State
}

type Coordinates struct {
	Latitude  float64
	Longitude float64
}

// CityRef is the composite identity of a city row.
type CityRef struct {
	Name    string
	StateID int64
}

// WeatherObservation is a single enrichment result for one city. The
// temperature, unit, condition and humidity are null when the forecast had
// no daytime period.
type WeatherObservation struct {
	ID              int64
	CityName        string
	StateID         int64
	Temperature     sql.NullFloat64
	TemperatureUnit sql.NullString
	Condition       sql.NullString
	Humidity        sql.NullFloat64
	ForecastOffice  sql.NullString
	GridReference   sql.NullString
	ObservedAt      time.Time
}

type Venue struct {
	ID        string
	Name      sql.NullString
	CityName  string
	StateCode string
	StateID   int64
	Capacity  sql.NullInt64
	URL       sql.NullString
}

type Event struct {
	ID           string
	Name         sql.NullString
	VenueID      string
	Date         string
	Time         sql.NullString
	PriceMin     apd.NullDecimal
	PriceMax     apd.NullDecimal
	TicketStatus sql.NullString
	URL          sql.NullString
}

// EventRecord is an event together with the venue it is held at, as
// returned by the event provider.
type EventRecord struct {
	Event Event
	Venue Venue
}

// CityEnriched is published after a city's batch commits.
type CityEnriched struct {
	RunID         string    `json:"run_id"`
	City          string    `json:"city"`
	State         string    `json:"state"`
	Latitude      float64   `json:"latitude"`
	Longitude     float64   `json:"longitude"`
	Temperature   *float64  `json:"temperature,omitempty"`
	Unit          string    `json:"temperature_unit,omitempty"`
	Condition     string    `json:"condition,omitempty"`
	Humidity      *float64  `json:"humidity,omitempty"`
	WeatherError  string    `json:"weather_error,omitempty"`
	EventsFound   int       `json:"events_found"`
	EventsStored  int       `json:"events_stored"`
	EventsSkipped int       `json:"events_skipped"`
	EnrichedAt    time.Time `json:"enriched_at"`
}
