package ingest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/eventweather/internal/logging"
	"github.com/lox/eventweather/internal/models"
)

const eventsMixed = `{
  "_embedded": {
    "events": [
      {
        "id": "E1", "name": "Symphony", "url": "https://tm.example/e1",
        "dates": {"start": {"localDate": "2026-11-01", "localTime": "19:30:00"}, "status": {"code": "onsale"}},
        "priceRanges": [{"type": "standard", "currency": "USD", "min": 20, "max": 50.5}],
        "_embedded": {"venues": [{
          "id": "V1", "name": "Hill Auditorium", "url": "https://tm.example/v1",
          "city": {"name": "Ann Arbor"}, "state": {"stateCode": "MI"}, "capacity": 3538
        }]}
      },
      {
        "id": "E2", "name": "No venue",
        "dates": {"start": {"localDate": "2026-11-02"}},
        "priceRanges": [{"min": 10, "max": 20}]
      },
      {
        "name": "No id",
        "dates": {"start": {"localDate": "2026-11-03"}},
        "priceRanges": [{"min": 10, "max": 20}],
        "_embedded": {"venues": [{"id": "V1"}]}
      },
      {
        "id": "E4", "name": "No date",
        "dates": {"start": {}},
        "priceRanges": [{"min": 10, "max": 20}],
        "_embedded": {"venues": [{"id": "V1"}]}
      },
      {
        "id": "E5", "name": "No price",
        "dates": {"start": {"localDate": "2026-11-05"}},
        "_embedded": {"venues": [{"id": "V1"}]}
      },
      {
        "id": "E6", "name": "Min only",
        "dates": {"start": {"localDate": "2026-11-06"}},
        "priceRanges": [{"min": 15}],
        "_embedded": {"venues": [{"id": "V2", "name": "The Ark", "capacity": "400"}]}
      },
      {
        "id": "E7", "name": "Malformed",
        "dates": {"start": {"localDate": "2026-11-07"}},
        "priceRanges": [{"min": "cheap"}],
        "_embedded": {"venues": [{"id": "V1"}]}
      }
    ]
  }
}`

func newEventsServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func newTestEvents(baseURL string, requirePrice bool) *Events {
	return NewEvents(EventsConfig{
		BaseURL:      baseURL,
		APIKey:       "key",
		CountryCode:  "US",
		PageSize:     20,
		Sort:         "date,asc",
		Timeout:      5 * time.Second,
		RequirePrice: requirePrice,
	}, logging.Discard())
}

func TestEventsFetchPartialRecords(t *testing.T) {
	srv := newEventsServer(t, func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, eventsMixed)
	})

	res, err := newTestEvents(srv.URL, true).Fetch(context.Background(), "Ann Arbor", "MI")
	require.NoError(t, err)

	require.Len(t, res.Records, 2)
	assert.Equal(t, map[string]int{
		SkipMissingVenue: 1,
		SkipMissingID:    1,
		SkipMissingDate:  1,
		SkipMissingPrice: 1,
		SkipMalformed:    1,
	}, res.Skipped)
	assert.Equal(t, 5, res.SkippedTotal())

	e1 := res.Records[0]
	assert.Equal(t, "E1", e1.Event.ID)
	assert.Equal(t, "V1", e1.Event.VenueID)
	assert.Equal(t, "2026-11-01", e1.Event.Date)
	assert.Equal(t, "19:30:00", e1.Event.Time.String)
	assert.Equal(t, "onsale", e1.Event.TicketStatus.String)
	assert.Equal(t, "20", e1.Event.PriceMin.Decimal.String())
	assert.Equal(t, "50.5", e1.Event.PriceMax.Decimal.String())
	assert.Equal(t, "Hill Auditorium", e1.Venue.Name.String)
	assert.Equal(t, "Ann Arbor", e1.Venue.CityName)
	assert.Equal(t, "MI", e1.Venue.StateCode)
	assert.Equal(t, int64(3538), e1.Venue.Capacity.Int64)

	e6 := res.Records[1]
	assert.Equal(t, "E6", e6.Event.ID)
	assert.True(t, e6.Event.PriceMin.Valid)
	assert.False(t, e6.Event.PriceMax.Valid)
	// The venue gave no location, so the queried city is used.
	assert.Equal(t, "Ann Arbor", e6.Venue.CityName)
	assert.Equal(t, "MI", e6.Venue.StateCode)
	assert.Equal(t, int64(400), e6.Venue.Capacity.Int64)
}

func TestEventsFetchAllowMissingPrice(t *testing.T) {
	srv := newEventsServer(t, func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, eventsMixed)
	})

	res, err := newTestEvents(srv.URL, false).Fetch(context.Background(), "Ann Arbor", "MI")
	require.NoError(t, err)
	assert.Len(t, res.Records, 3)
	assert.Zero(t, res.Skipped[SkipMissingPrice])
}

func TestEventsFetchQuery(t *testing.T) {
	var got url.Values
	var path string
	srv := newEventsServer(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()
		path = r.URL.Path
		io.WriteString(w, `{}`)
	})

	e := NewEvents(EventsConfig{BaseURL: srv.URL + "/", APIKey: "key", CountryCode: "US", PageSize: 500, Sort: "date,asc"}, logging.Discard())
	res, err := e.Fetch(context.Background(), "Ann Arbor", "MI")
	require.NoError(t, err)
	assert.Empty(t, res.Records)

	assert.Equal(t, "/discovery/v2/events.json", path)
	assert.Equal(t, "key", got.Get("apikey"))
	assert.Equal(t, "Ann Arbor", got.Get("city"))
	assert.Equal(t, "MI", got.Get("stateCode"))
	assert.Equal(t, "US", got.Get("countryCode"))
	assert.Equal(t, "200", got.Get("size"))
	assert.Equal(t, "date,asc", got.Get("sort"))
}

func TestEventsFetchErrors(t *testing.T) {
	t.Run("non-2xx is a transport error", func(t *testing.T) {
		srv := newEventsServer(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
		_, err := newTestEvents(srv.URL, true).Fetch(context.Background(), "Ann Arbor", "MI")
		var terr *models.TransportError
		require.True(t, errors.As(err, &terr), "err = %v", err)
		assert.Equal(t, http.StatusUnauthorized, terr.StatusCode)
	})

	t.Run("invalid json is a format error", func(t *testing.T) {
		srv := newEventsServer(t, func(w http.ResponseWriter, _ *http.Request) {
			io.WriteString(w, `<html>`)
		})
		_, err := newTestEvents(srv.URL, true).Fetch(context.Background(), "Ann Arbor", "MI")
		var ferr *models.UpstreamFormatError
		assert.True(t, errors.As(err, &ferr), "err = %v", err)
	})

	t.Run("unreachable host is a transport error", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		base := srv.URL
		srv.Close()

		_, err := newTestEvents(base, true).Fetch(context.Background(), "Ann Arbor", "MI")
		var terr *models.TransportError
		require.True(t, errors.As(err, &terr), "err = %v", err)
		assert.Zero(t, terr.StatusCode)
	})
}
