package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/eventweather/internal/logging"
	"github.com/lox/eventweather/internal/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", logging.Discard())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func batch(t *testing.T, s *Store, fn func(w Writer) error) {
	t.Helper()
	if err := s.InBatch(context.Background(), fn); err != nil {
		t.Fatalf("InBatch: %v", err)
	}
}

func count(t *testing.T, s *Store, table string) int {
	t.Helper()
	n, err := s.CountRows(context.Background(), table)
	if err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func decimal(t *testing.T, s string) apd.NullDecimal {
	t.Helper()
	d, _, err := apd.NewFromString(s)
	require.NoError(t, err)
	return apd.NullDecimal{Decimal: *d, Valid: true}
}

func observation(temp float64, condition string, at time.Time) models.WeatherObservation {
	return models.WeatherObservation{
		Temperature:     sql.NullFloat64{Float64: temp, Valid: true},
		TemperatureUnit: sql.NullString{String: "F", Valid: true},
		Condition:       sql.NullString{String: condition, Valid: condition != ""},
		ObservedAt:      at,
	}
}

// seedCity writes a roster city with one observation and n events at a
// single venue.
func seedCity(t *testing.T, s *Store, city, state string, temp float64, condition string, at time.Time, eventIDs ...string) {
	t.Helper()
	ctx := context.Background()
	batch(t, s, func(w Writer) error {
		stateID, err := w.ResolveState(ctx, state)
		if err != nil {
			return err
		}
		ref, err := w.UpsertCity(ctx, city, stateID, &models.Coordinates{Latitude: 1, Longitude: 2})
		if err != nil {
			return err
		}
		if _, err := w.RecordWeather(ctx, ref, observation(temp, condition, at)); err != nil {
			return err
		}
		if len(eventIDs) == 0 {
			return nil
		}
		venueID := "V-" + city
		if _, err := w.UpsertVenue(ctx, models.Venue{ID: venueID, CityName: city, StateCode: state}); err != nil {
			return err
		}
		for _, id := range eventIDs {
			if _, err := w.UpsertEvent(ctx, models.Event{ID: id, VenueID: venueID, Date: "2026-11-01"}); err != nil {
				return err
			}
		}
		return nil
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Migrate(ctx))

	version, err := s.MigrationVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)
}

func TestResolveStateUnique(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	var ids []int64
	batch(t, s, func(w Writer) error {
		for _, code := range []string{"MI", "mi", "US-MI", "Michigan"} {
			id, err := w.ResolveState(ctx, code)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, count(t, s, "states"))
}

func TestResolveStateRejectsUnknown(t *testing.T) {
	s := setupTestStore(t)
	err := s.InBatch(context.Background(), func(w Writer) error {
		_, err := w.ResolveState(context.Background(), "Atlantis")
		return err
	})
	var verr *models.ValidationError
	require.True(t, errors.As(err, &verr), "err = %v", err)
	assert.Equal(t, 0, count(t, s, "states"))
}

func TestResolveConditionKeepsFirstSpelling(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	var first, second int64
	batch(t, s, func(w Writer) error {
		var err error
		if first, err = w.ResolveCondition(ctx, "Mostly Sunny"); err != nil {
			return err
		}
		second, err = w.ResolveCondition(ctx, "  mostly   sunny ")
		return err
	})

	assert.Equal(t, first, second)
	assert.Equal(t, 1, count(t, s, "conditions"))

	var desc string
	require.NoError(t, s.db.QueryRow(`SELECT description FROM conditions`).Scan(&desc))
	assert.Equal(t, "Mostly Sunny", desc)
}

func TestUpsertCityCoordinatesWriteOnce(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	batch(t, s, func(w Writer) error {
		stateID, err := w.ResolveState(ctx, "MI")
		if err != nil {
			return err
		}
		// A venue creates the city without coordinates.
		if _, err := w.UpsertCity(ctx, "Ann Arbor", stateID, nil); err != nil {
			return err
		}
		// The roster fills them in.
		if _, err := w.UpsertCity(ctx, "ann arbor", stateID, &models.Coordinates{Latitude: 42.2808, Longitude: -83.743}); err != nil {
			return err
		}
		// A later writer cannot change them.
		ref, err := w.UpsertCity(ctx, "ANN ARBOR", stateID, &models.Coordinates{Latitude: 1, Longitude: 1})
		if err != nil {
			return err
		}
		assert.Equal(t, "Ann Arbor", ref.Name)
		return nil
	})

	assert.Equal(t, 1, count(t, s, "cities"))
	city, err := s.GetCity(ctx, "Ann Arbor", "MI")
	require.NoError(t, err)
	require.NotNil(t, city)
	assert.InDelta(t, 42.2808, city.Latitude.Float64, 1e-9)
	assert.InDelta(t, -83.743, city.Longitude.Float64, 1e-9)
}

func TestUpsertVenueAndEventAreInsertIfAbsent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	write := func() (venueNew, eventNew bool) {
		batch(t, s, func(w Writer) error {
			var err error
			venueNew, err = w.UpsertVenue(ctx, models.Venue{
				ID:        "V1",
				Name:      sql.NullString{String: "Hill Auditorium", Valid: true},
				CityName:  "Ann Arbor",
				StateCode: "MI",
			})
			if err != nil {
				return err
			}
			eventNew, err = w.UpsertEvent(ctx, models.Event{
				ID:       "E1",
				VenueID:  "V1",
				Date:     "2026-11-01",
				PriceMin: decimal(t, "20"),
				PriceMax: decimal(t, "50.50"),
			})
			return err
		})
		return venueNew, eventNew
	}

	v, e := write()
	assert.True(t, v)
	assert.True(t, e)

	v, e = write()
	assert.False(t, v)
	assert.False(t, e)

	assert.Equal(t, 1, count(t, s, "venues"))
	assert.Equal(t, 1, count(t, s, "events"))
	assert.Equal(t, 1, count(t, s, "cities"))

	e1, err := s.GetEvent(ctx, "E1")
	require.NoError(t, err)
	require.NotNil(t, e1)
	assert.Equal(t, "V1", e1.VenueID)
	assert.Equal(t, "20", e1.PriceMin.Decimal.String())
	assert.True(t, e1.PriceMax.Valid)
	assert.Equal(t, "50.50", e1.PriceMax.Decimal.String())

	missing, err := s.GetEvent(ctx, "E2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUpsertEventUnknownVenueIsConflict(t *testing.T) {
	s := setupTestStore(t)
	err := s.InBatch(context.Background(), func(w Writer) error {
		_, err := w.UpsertEvent(context.Background(), models.Event{ID: "E1", VenueID: "missing", Date: "2026-11-01"})
		return err
	})
	var conflict *models.PersistenceConflict
	require.True(t, errors.As(err, &conflict), "err = %v", err)
	assert.Equal(t, "events", conflict.Table)
}

func TestInBatchRollsBackOnError(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InBatch(ctx, func(w Writer) error {
		if _, err := w.ResolveState(ctx, "MI"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, count(t, s, "states"))
}

func TestIsConnectionErrorAfterClose(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Close())

	err := s.InBatch(ctx, func(w Writer) error {
		_, err := w.ResolveState(ctx, "MI")
		return err
	})
	require.Error(t, err)
	assert.True(t, IsConnectionError(err), "err = %v", err)
	assert.True(t, IsConnectionError(s.Ping(ctx)))
}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "bad connection", err: fmt.Errorf("begin batch: %w", driver.ErrBadConn), want: true},
		{name: "connection done", err: sql.ErrConnDone, want: true},
		{name: "marked unavailable", err: fmt.Errorf("%w: disk gone", ErrStoreUnavailable), want: true},
		{name: "write conflict", err: &models.PersistenceConflict{Table: "events", Key: "E1", Err: errors.New("constraint")}, want: false},
		{name: "other", err: errors.New("boom"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsConnectionError(tt.err))
		})
	}
}

func TestIsConnectionErrorIgnoresConstraint(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	err := s.InBatch(ctx, func(w Writer) error {
		_, err := w.UpsertEvent(ctx, models.Event{ID: "E1", VenueID: "missing", Date: "2026-11-01"})
		return err
	})
	require.Error(t, err)
	assert.False(t, IsConnectionError(err))
}

func TestMeanTemperatureWithEvents(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	_, ok, err := s.MeanTemperatureWithEvents(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "no cities yet")

	seedCity(t, s, "Ann Arbor", "MI", 60, "Cloudy", t0, "E1")
	// A newer observation replaces the older one for the mean.
	seedCity(t, s, "Ann Arbor", "MI", 70, "Sunny", t0.Add(time.Hour))
	seedCity(t, s, "Austin", "TX", 90, "Sunny", t0, "E2", "E3")
	// No venues: excluded.
	seedCity(t, s, "Boise", "ID", 10, "Snow", t0)

	mean, ok, err := s.MeanTemperatureWithEvents(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 80.0, mean, 1e-9)
}

func TestMeanTemperatureWithEventsConvertsUnits(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	seedCity(t, s, "Ann Arbor", "MI", 70, "Sunny", t0, "E1")
	// 30°C is 86°F.
	seedCity(t, s, "Austin", "TX", 30, "Sunny", t0, "E2")
	batch(t, s, func(w Writer) error {
		stateID, err := w.ResolveState(ctx, "TX")
		if err != nil {
			return err
		}
		obs := observation(30, "Sunny", t0.Add(time.Hour))
		obs.TemperatureUnit = sql.NullString{String: "C", Valid: true}
		_, err = w.RecordWeather(ctx, models.CityRef{Name: "Austin", StateID: stateID}, obs)
		return err
	})
	// An unknown unit is left out of the mean.
	seedCity(t, s, "Boise", "ID", 290, "Snow", t0, "E3")
	batch(t, s, func(w Writer) error {
		stateID, err := w.ResolveState(ctx, "ID")
		if err != nil {
			return err
		}
		obs := observation(290, "Snow", t0.Add(time.Hour))
		obs.TemperatureUnit = sql.NullString{String: "K", Valid: true}
		_, err = w.RecordWeather(ctx, models.CityRef{Name: "Boise", StateID: stateID}, obs)
		return err
	})

	mean, ok, err := s.MeanTemperatureWithEvents(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 78.0, mean, 1e-9)
}

func TestEventCountsByConditionOrdering(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	seedCity(t, s, "Ann Arbor", "MI", 70, "Sunny", t0, "E1")
	seedCity(t, s, "Austin", "TX", 90, "Sunny", t0, "E2")
	seedCity(t, s, "Boise", "ID", 40, "cloudy", t0, "E3")
	seedCity(t, s, "Denver", "CO", 50, "Breezy", t0, "E4")
	seedCity(t, s, "Erie", "PA", 45, "Rain", t0, "E5", "E6", "E7")
	// Observed but no condition: not counted.
	seedCity(t, s, "Fargo", "ND", 30, "", t0, "E8")

	got, err := s.EventCountsByCondition(ctx)
	require.NoError(t, err)

	want := []ConditionCount{
		{Condition: "Rain", Count: 3},
		{Condition: "Sunny", Count: 2},
		{Condition: "Breezy", Count: 1},
		{Condition: "cloudy", Count: 1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("EventCountsByCondition mismatch (-want +got):\n%s", diff)
	}

	again, err := s.EventCountsByCondition(ctx)
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestTemperatureVsEvents(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	seedCity(t, s, "Austin", "TX", 90, "Sunny", t0, "E1", "E2")
	seedCity(t, s, "Boise", "ID", 40, "Snow", t0)

	got, err := s.TemperatureVsEvents(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Boise", got[0].City)
	assert.Equal(t, 0, got[0].EventCount)
	assert.Equal(t, "Austin", got[1].City)
	assert.Equal(t, 2, got[1].EventCount)
	assert.InDelta(t, 90.0, got[1].Temperature.Float64, 1e-9)
}

func TestLatestCityWeather(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	seedCity(t, s, "Ann Arbor", "MI", 60, "Cloudy", t0)
	seedCity(t, s, "Ann Arbor", "MI", 70, "Sunny", t0.Add(time.Hour))

	got, err := s.LatestCityWeather(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Sunny", got[0].Condition.String)
	assert.True(t, got[0].ObservedAt.Equal(t0.Add(time.Hour)))
	assert.Equal(t, 2, count(t, s, "weather_data"))
}

func TestStoreRawPayloadDedupes(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run, err := s.StartIngestRun(ctx, "run-1", "nws", "forecast", "Ann Arbor|MI")
	require.NoError(t, err)

	payload := []byte(`{"properties":{"periods":[]}}`)
	id, err := s.StoreRawPayload(ctx, run.ID, "nws", "forecast", "Ann Arbor|MI", payload)
	require.NoError(t, err)
	require.NotZero(t, id)

	dup, err := s.StoreRawPayload(ctx, run.ID, "nws", "forecast", "Ann Arbor|MI", payload)
	require.NoError(t, err)
	assert.Zero(t, dup)

	got, err := s.GetRawPayload(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	run.Success = true
	run.RecordsStored = sql.NullInt64{Int64: 1, Valid: true}
	require.NoError(t, s.CompleteIngestRun(ctx, run))

	summary, err := s.GetIngestSummary(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, summary, 1)
	assert.Equal(t, IngestSummary{Source: "nws", Endpoint: "forecast", Total: 1, Failed: 0, Stored: 1}, summary[0])
}
