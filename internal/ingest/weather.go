package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/lox/eventweather/internal/httputil"
	"github.com/lox/eventweather/internal/metrics"
	"github.com/lox/eventweather/internal/models"
)

const SourceNWS = "nws"

type WeatherConfig struct {
	BaseURL    string
	UserAgent  string
	Attempts   int
	RetryDelay time.Duration
	Timeout    time.Duration
}

// Weather fetches the current daytime forecast for a coordinate from the
// National Weather Service API.
type Weather struct {
	cfg    WeatherConfig
	client *http.Client
	clock  clockwork.Clock
	log    *slog.Logger
}

func NewWeather(cfg WeatherConfig, clock clockwork.Clock, logger *slog.Logger) *Weather {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Weather{
		cfg:    cfg,
		client: httputil.NewClient(cfg.Timeout),
		clock:  clock,
		log:    logger,
	}
}

// WeatherResult is an observation plus the raw bodies it was built from.
type WeatherResult struct {
	Observation models.WeatherObservation
	RawPoints   []byte
	RawForecast []byte
	StatusCode  int
	// NoDaytime is set when the forecast listed no daytime period.
	NoDaytime bool
}

type pointsResponse struct {
	Properties *struct {
		Forecast string `json:"forecast"`
		GridID   string `json:"gridId"`
		GridX    *int   `json:"gridX"`
		GridY    *int   `json:"gridY"`
	} `json:"properties"`
}

type forecastResponse struct {
	Properties *struct {
		Periods *[]forecastPeriod `json:"periods"`
	} `json:"properties"`
}

type forecastPeriod struct {
	Name             string      `json:"name"`
	IsDaytime        bool        `json:"isDaytime"`
	Temperature      temperature `json:"temperature"`
	TemperatureUnit  string      `json:"temperatureUnit"`
	ShortForecast    string      `json:"shortForecast"`
	RelativeHumidity *struct {
		Value *float64 `json:"value"`
	} `json:"relativeHumidity"`
}

// temperature accepts both a bare number and a quantitative value object
// {"value": 70, "unitCode": "wmoUnit:degF"}.
type temperature struct {
	Value *float64
	Unit  string
}

func (t *temperature) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		t.Value = &f
		return nil
	}
	var q struct {
		Value    *float64 `json:"value"`
		UnitCode string   `json:"unitCode"`
	}
	if err := json.Unmarshal(b, &q); err != nil {
		return err
	}
	t.Value = q.Value
	switch q.UnitCode {
	case "wmoUnit:degF":
		t.Unit = "F"
	case "wmoUnit:degC":
		t.Unit = "C"
	}
	return nil
}

// Fetch looks up the forecast office for the coordinate and returns the
// first daytime period as an observation. When the forecast has no daytime
// period the observation carries only the office and grid.
func (w *Weather) Fetch(ctx context.Context, lat, lon float64) (*WeatherResult, error) {
	pointsURL := fmt.Sprintf("%s/points/%.4f,%.4f", w.cfg.BaseURL, lat, lon)
	rawPoints, _, err := w.get(ctx, "points", pointsURL)
	if err != nil {
		return nil, w.unavailable(lat, lon, err)
	}

	var points pointsResponse
	if err := json.Unmarshal(rawPoints, &points); err != nil {
		return nil, &models.UpstreamFormatError{Source: SourceNWS, Field: "points", Err: err}
	}
	p := points.Properties
	switch {
	case p == nil:
		return nil, &models.UpstreamFormatError{Source: SourceNWS, Field: "properties"}
	case p.Forecast == "":
		return nil, &models.UpstreamFormatError{Source: SourceNWS, Field: "properties.forecast"}
	case p.GridID == "":
		return nil, &models.UpstreamFormatError{Source: SourceNWS, Field: "properties.gridId"}
	case p.GridX == nil || p.GridY == nil:
		return nil, &models.UpstreamFormatError{Source: SourceNWS, Field: "properties.gridX"}
	}

	rawForecast, status, err := w.get(ctx, "forecast", p.Forecast)
	if err != nil {
		return nil, w.unavailable(lat, lon, err)
	}

	var forecast forecastResponse
	if err := json.Unmarshal(rawForecast, &forecast); err != nil {
		return nil, &models.UpstreamFormatError{Source: SourceNWS, Field: "forecast", Err: err}
	}
	if forecast.Properties == nil || forecast.Properties.Periods == nil {
		return nil, &models.UpstreamFormatError{Source: SourceNWS, Field: "properties.periods"}
	}

	obs := models.WeatherObservation{
		ForecastOffice: sql.NullString{String: p.GridID, Valid: true},
		GridReference:  sql.NullString{String: fmt.Sprintf("%d,%d", *p.GridX, *p.GridY), Valid: true},
		ObservedAt:     w.clock.Now().UTC(),
	}

	period, ok := firstDaytime(*forecast.Properties.Periods)
	if ok {
		if period.Temperature.Value != nil {
			obs.Temperature = sql.NullFloat64{Float64: *period.Temperature.Value, Valid: true}
		}
		unit := period.TemperatureUnit
		if unit == "" {
			unit = period.Temperature.Unit
		}
		if unit != "" {
			obs.TemperatureUnit = sql.NullString{String: unit, Valid: true}
		}
		if period.ShortForecast != "" {
			obs.Condition = sql.NullString{String: period.ShortForecast, Valid: true}
		}
		if period.RelativeHumidity != nil && period.RelativeHumidity.Value != nil {
			obs.Humidity = sql.NullFloat64{Float64: *period.RelativeHumidity.Value, Valid: true}
		}
	} else {
		w.log.Debug("forecast has no daytime period", "office", p.GridID, "lat", lat, "lon", lon)
	}

	return &WeatherResult{
		Observation: obs,
		RawPoints:   rawPoints,
		RawForecast: rawForecast,
		StatusCode:  status,
		NoDaytime:   !ok,
	}, nil
}

func firstDaytime(periods []forecastPeriod) (forecastPeriod, bool) {
	for _, p := range periods {
		if p.IsDaytime {
			return p, true
		}
	}
	return forecastPeriod{}, false
}

// get fetches url, retrying transport failures and non-2xx responses with a
// constant delay.
func (w *Weather) get(ctx context.Context, endpoint, url string) ([]byte, int, error) {
	var (
		body   []byte
		status int
	)
	operation := func() error {
		req, err := httputil.NewRequest(ctx, url, w.cfg.UserAgent, "application/geo+json")
		if err != nil {
			return backoff.Permanent(&models.UpstreamFormatError{Source: SourceNWS, Field: endpoint + " url", Err: err})
		}

		start := time.Now()
		resp, err := w.client.Do(req)
		metrics.APILatency.WithLabelValues(SourceNWS, endpoint).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.APICallsTotal.WithLabelValues(SourceNWS, endpoint, "error").Inc()
			return &models.TransportError{Source: SourceNWS, Op: endpoint, Err: err}
		}
		defer resp.Body.Close()

		status = resp.StatusCode
		metrics.APICallsTotal.WithLabelValues(SourceNWS, endpoint, strconv.Itoa(resp.StatusCode)).Inc()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			io.Copy(io.Discard, resp.Body)
			return &models.TransportError{Source: SourceNWS, Op: endpoint, StatusCode: resp.StatusCode}
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return &models.TransportError{Source: SourceNWS, Op: endpoint, Err: err}
		}
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(w.cfg.RetryDelay), uint64(w.cfg.Attempts-1)),
		ctx,
	)
	notify := func(err error, next time.Duration) {
		w.log.Debug("retrying weather request", "endpoint", endpoint, "in", next, "error", err)
	}
	if err := backoff.RetryNotifyWithTimer(operation, b, notify, newClockTimer(w.clock)); err != nil {
		return nil, status, err
	}
	return body, status, nil
}

func (w *Weather) unavailable(lat, lon float64, err error) error {
	var terr *models.TransportError
	if errors.As(err, &terr) {
		return &models.WeatherUnavailableError{Latitude: lat, Longitude: lon, Attempts: w.cfg.Attempts, Err: err}
	}
	return err
}
