package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lox/eventweather/internal/models"
)

// latestWeather selects each city's most recent observation.
const latestWeather = `
WITH latest AS (
	SELECT w.*
	FROM (
		SELECT weather_data.*,
			ROW_NUMBER() OVER (
				PARTITION BY city, state_id
				ORDER BY observed_at DESC, id DESC
			) AS rn
		FROM weather_data
	) w
	WHERE w.rn = 1
)
`

// ConditionCount is the number of events held in cities whose latest
// observation had the given condition.
type ConditionCount struct {
	Condition string
	Count     int
}

// CityTemperatureEvents pairs a city's latest temperature with the number of
// events at its venues.
type CityTemperatureEvents struct {
	City        string
	State       string
	Temperature sql.NullFloat64
	Unit        sql.NullString
	EventCount  int
}

// CityWeather is a city's latest observation joined with its dimensions.
type CityWeather struct {
	City        string
	State       string
	Latitude    sql.NullFloat64
	Longitude   sql.NullFloat64
	Temperature sql.NullFloat64
	Unit        sql.NullString
	Condition   sql.NullString
	Humidity    sql.NullFloat64
	ObservedAt  time.Time
}

// MeanTemperatureUnit is the unit MeanTemperatureWithEvents reports in.
const MeanTemperatureUnit = "F"

// MeanTemperatureWithEvents averages the latest temperature of every city
// that has at least one venue, in Fahrenheit. Celsius readings are converted
// and readings in any other unit are left out. ok is false when no city
// qualifies.
func (s *Store) MeanTemperatureWithEvents(ctx context.Context) (mean float64, ok bool, err error) {
	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx, latestWeather+`
		SELECT AVG(CASE UPPER(l.temperature_unit)
			WHEN 'F' THEN l.current_temp
			WHEN 'C' THEN l.current_temp * 9.0 / 5.0 + 32
		END)
		FROM latest l
		WHERE EXISTS (
			SELECT 1 FROM venues v
			WHERE v.city = l.city AND v.state_id = l.state_id
		)
	`).Scan(&avg)
	if err != nil {
		return 0, false, fmt.Errorf("mean temperature: %w", err)
	}
	return avg.Float64, avg.Valid, nil
}

// EventCountsByCondition groups events by the condition of their city's
// latest observation, largest group first.
func (s *Store) EventCountsByCondition(ctx context.Context) ([]ConditionCount, error) {
	rows, err := s.db.QueryContext(ctx, latestWeather+`
		SELECT c.description, COUNT(e.id) AS n
		FROM events e
		JOIN venues v ON v.id = e.venue_id
		JOIN latest l ON l.city = v.city AND l.state_id = v.state_id
		JOIN conditions c ON c.id = l.condition_id
		GROUP BY c.id, c.description
		ORDER BY n DESC, c.description COLLATE NOCASE ASC, c.description COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("event counts by condition: %w", err)
	}
	defer rows.Close()

	var out []ConditionCount
	for rows.Next() {
		var cc ConditionCount
		if err := rows.Scan(&cc.Condition, &cc.Count); err != nil {
			return nil, err
		}
		out = append(out, cc)
	}
	return out, rows.Err()
}

// TemperatureVsEvents lists every observed city with its latest temperature
// and event count.
func (s *Store) TemperatureVsEvents(ctx context.Context) ([]CityTemperatureEvents, error) {
	rows, err := s.db.QueryContext(ctx, latestWeather+`
		, counts AS (
			SELECT v.city, v.state_id, COUNT(e.id) AS n
			FROM venues v
			LEFT JOIN events e ON e.venue_id = v.id
			GROUP BY v.city, v.state_id
		)
		SELECT l.city, s.code, l.current_temp, l.temperature_unit, COALESCE(ct.n, 0)
		FROM latest l
		JOIN states s ON s.id = l.state_id
		LEFT JOIN counts ct ON ct.city = l.city AND ct.state_id = l.state_id
		ORDER BY s.code, l.city
	`)
	if err != nil {
		return nil, fmt.Errorf("temperature vs events: %w", err)
	}
	defer rows.Close()

	var out []CityTemperatureEvents
	for rows.Next() {
		var c CityTemperatureEvents
		if err := rows.Scan(&c.City, &c.State, &c.Temperature, &c.Unit, &c.EventCount); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LatestCityWeather returns each city's latest observation ordered by state
// and city.
func (s *Store) LatestCityWeather(ctx context.Context) ([]CityWeather, error) {
	rows, err := s.db.QueryContext(ctx, latestWeather+`
		SELECT l.city, s.code, ci.latitude, ci.longitude, l.current_temp, l.temperature_unit,
			c.description, l.humidity, l.observed_at
		FROM latest l
		JOIN states s ON s.id = l.state_id
		JOIN cities ci ON ci.city = l.city AND ci.state_id = l.state_id
		LEFT JOIN conditions c ON c.id = l.condition_id
		ORDER BY s.code, l.city
	`)
	if err != nil {
		return nil, fmt.Errorf("latest city weather: %w", err)
	}
	defer rows.Close()

	var out []CityWeather
	for rows.Next() {
		var (
			cw       CityWeather
			observed string
		)
		if err := rows.Scan(&cw.City, &cw.State, &cw.Latitude, &cw.Longitude, &cw.Temperature,
			&cw.Unit, &cw.Condition, &cw.Humidity, &observed); err != nil {
			return nil, err
		}
		cw.ObservedAt, err = time.Parse(timeLayout, observed)
		if err != nil {
			return nil, fmt.Errorf("parse observed_at %q: %w", observed, err)
		}
		out = append(out, cw)
	}
	return out, rows.Err()
}

// GetCity looks up a city by name and state code.
func (s *Store) GetCity(ctx context.Context, name, stateCode string) (*CityRow, error) {
	var c CityRow
	err := s.db.QueryRowContext(ctx, `
		SELECT ci.city, s.code, ci.latitude, ci.longitude
		FROM cities ci JOIN states s ON s.id = ci.state_id
		WHERE ci.city = ? AND s.code = ?
	`, name, stateCode).Scan(&c.City, &c.State, &c.Latitude, &c.Longitude)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetEvent looks up a stored event by its provider id.
func (s *Store) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	var e models.Event
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, venue_id, date, time, price_min, price_max, ticket_status, url
		FROM events WHERE id = ?
	`, id).Scan(&e.ID, &e.Name, &e.VenueID, &e.Date, &e.Time, &e.PriceMin, &e.PriceMax, &e.TicketStatus, &e.URL)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

type CityRow struct {
	City      string
	State     string
	Latitude  sql.NullFloat64
	Longitude sql.NullFloat64
}

// CountRows returns the number of rows in one of the schema tables.
func (s *Store) CountRows(ctx context.Context, table string) (int, error) {
	switch table {
	case "states", "conditions", "cities", "weather_data", "venues", "events", "ingest_runs", "raw_payloads":
	default:
		return 0, fmt.Errorf("unknown table %q", table)
	}
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n)
	return n, err
}
