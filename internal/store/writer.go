package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lox/eventweather/internal/models"
	"github.com/lox/eventweather/internal/normalize"
)

// Writer is the set of normalized writes available inside a batch.
type Writer interface {
	ResolveState(ctx context.Context, code string) (int64, error)
	ResolveCondition(ctx context.Context, description string) (int64, error)
	UpsertCity(ctx context.Context, name string, stateID int64, coords *models.Coordinates) (models.CityRef, error)
	RecordWeather(ctx context.Context, city models.CityRef, obs models.WeatherObservation) (int64, error)
	UpsertVenue(ctx context.Context, v models.Venue) (bool, error)
	UpsertEvent(ctx context.Context, e models.Event) (bool, error)
}

// Tx implements Writer on top of one SQL transaction.
type Tx struct {
	tx *sql.Tx
}

var _ Writer = (*Tx)(nil)

// ResolveState returns the id for a state code, inserting it on first use.
func (t *Tx) ResolveState(ctx context.Context, code string) (int64, error) {
	code, err := normalize.StateCode(code)
	if err != nil {
		return 0, err
	}
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO states (code) VALUES (?) ON CONFLICT(code) DO NOTHING`, code); err != nil {
		return 0, t.conflict("states", code, err)
	}
	var id int64
	if err := t.tx.QueryRowContext(ctx, `SELECT id FROM states WHERE code = ?`, code).Scan(&id); err != nil {
		return 0, fmt.Errorf("lookup state %s: %w", code, err)
	}
	return id, nil
}

// ResolveCondition returns the id for a condition description, inserting it
// on first use. Descriptions match case-insensitively and the first spelling
// stored is kept.
func (t *Tx) ResolveCondition(ctx context.Context, description string) (int64, error) {
	desc := normalize.Condition(description)
	if desc == "" {
		return 0, &models.ValidationError{Field: "condition", Reason: "empty description"}
	}
	if _, err := t.tx.ExecContext(ctx,
		`INSERT INTO conditions (description) VALUES (?) ON CONFLICT(description) DO NOTHING`, desc); err != nil {
		return 0, t.conflict("conditions", desc, err)
	}
	var id int64
	if err := t.tx.QueryRowContext(ctx, `SELECT id FROM conditions WHERE description = ?`, desc).Scan(&id); err != nil {
		return 0, fmt.Errorf("lookup condition %q: %w", desc, err)
	}
	return id, nil
}

// UpsertCity creates the city if absent. Coordinates are only written while
// the stored pair is still empty. The returned ref carries the stored
// spelling of the name.
func (t *Tx) UpsertCity(ctx context.Context, name string, stateID int64, coords *models.Coordinates) (models.CityRef, error) {
	name = normalize.City(name)
	if name == "" {
		return models.CityRef{}, &models.ValidationError{Field: "city", Reason: "empty name"}
	}

	var lat, lon sql.NullFloat64
	if coords != nil {
		lat = sql.NullFloat64{Float64: coords.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: coords.Longitude, Valid: true}
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO cities (city, state_id, latitude, longitude)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(city, state_id) DO UPDATE SET
			latitude = CASE WHEN cities.latitude IS NULL AND cities.longitude IS NULL
				THEN excluded.latitude ELSE cities.latitude END,
			longitude = CASE WHEN cities.latitude IS NULL AND cities.longitude IS NULL
				THEN excluded.longitude ELSE cities.longitude END
	`, name, stateID, lat, lon)
	if err != nil {
		return models.CityRef{}, t.conflict("cities", name, err)
	}

	ref := models.CityRef{StateID: stateID}
	if err := t.tx.QueryRowContext(ctx,
		`SELECT city FROM cities WHERE city = ? AND state_id = ?`, name, stateID).Scan(&ref.Name); err != nil {
		return models.CityRef{}, fmt.Errorf("lookup city %s: %w", name, err)
	}
	return ref, nil
}

// RecordWeather appends an observation for the city, resolving its
// condition first.
func (t *Tx) RecordWeather(ctx context.Context, city models.CityRef, obs models.WeatherObservation) (int64, error) {
	var conditionID sql.NullInt64
	if obs.Condition.Valid && normalize.Condition(obs.Condition.String) != "" {
		id, err := t.ResolveCondition(ctx, obs.Condition.String)
		if err != nil {
			return 0, err
		}
		conditionID = sql.NullInt64{Int64: id, Valid: true}
	}

	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO weather_data (city, state_id, current_temp, temperature_unit, condition_id, humidity, forecast_office, grid_reference, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, city.Name, city.StateID, obs.Temperature, obs.TemperatureUnit, conditionID, obs.Humidity,
		obs.ForecastOffice, obs.GridReference, obs.ObservedAt.UTC().Format(timeLayout))
	if err != nil {
		return 0, t.conflict("weather_data", city.Name, err)
	}
	return result.LastInsertId()
}

// UpsertVenue inserts the venue unless one with the same id exists. It
// resolves the venue's state and creates its city when needed, and reports
// whether a new row was written.
func (t *Tx) UpsertVenue(ctx context.Context, v models.Venue) (bool, error) {
	stateID := v.StateID
	if stateID == 0 {
		id, err := t.ResolveState(ctx, v.StateCode)
		if err != nil {
			return false, fmt.Errorf("venue %s state: %w", v.ID, err)
		}
		stateID = id
	}
	city, err := t.UpsertCity(ctx, v.CityName, stateID, nil)
	if err != nil {
		return false, fmt.Errorf("venue %s city: %w", v.ID, err)
	}

	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO venues (id, name, city, state_id, capacity, url)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, v.ID, v.Name, city.Name, city.StateID, v.Capacity, v.URL)
	if err != nil {
		return false, t.conflict("venues", v.ID, err)
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// UpsertEvent inserts the event unless one with the same id exists. The
// venue must already be stored.
func (t *Tx) UpsertEvent(ctx context.Context, e models.Event) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO events (id, name, venue_id, date, time, price_min, price_max, ticket_status, url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, e.ID, e.Name, e.VenueID, e.Date, e.Time, e.PriceMin, e.PriceMax, e.TicketStatus, e.URL)
	if err != nil {
		return false, t.conflict("events", e.ID, err)
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (t *Tx) conflict(table, key string, err error) error {
	if isConstraint(err) {
		return &models.PersistenceConflict{Table: table, Key: key, Err: err}
	}
	return fmt.Errorf("write %s %q: %w", table, key, err)
}
