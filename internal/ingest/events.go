package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"

	"github.com/lox/eventweather/internal/httputil"
	"github.com/lox/eventweather/internal/metrics"
	"github.com/lox/eventweather/internal/models"
)

const SourceTicketmaster = "ticketmaster"

const (
	SkipMalformed    = "malformed"
	SkipMissingID    = "missing_id"
	SkipMissingVenue = "missing_venue"
	SkipMissingDate  = "missing_date"
	SkipMissingPrice = "missing_price"
	// Counted by the pipeline when the venue state cannot be resolved.
	SkipInvalidVenue = "invalid_venue"
)

const maxPageSize = 200

type EventsConfig struct {
	BaseURL      string
	APIKey       string
	CountryCode  string
	PageSize     int
	Sort         string
	Timeout      time.Duration
	RequirePrice bool
}

// Events searches the Ticketmaster Discovery API for events in a city.
type Events struct {
	cfg    EventsConfig
	client *http.Client
	log    *slog.Logger
}

func NewEvents(cfg EventsConfig, logger *slog.Logger) *Events {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PageSize < 1 {
		cfg.PageSize = 1
	}
	if cfg.PageSize > maxPageSize {
		cfg.PageSize = maxPageSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Events{
		cfg:    cfg,
		client: httputil.NewClient(cfg.Timeout),
		log:    logger,
	}
}

// EventsResult holds the usable records from one search, the number
// excluded per reason, and the raw body.
type EventsResult struct {
	Records    []models.EventRecord
	Skipped    map[string]int
	Raw        []byte
	StatusCode int
}

// SkippedTotal returns the number of excluded records.
func (r *EventsResult) SkippedTotal() int {
	n := 0
	for _, c := range r.Skipped {
		n += c
	}
	return n
}

type searchResponse struct {
	Embedded *struct {
		Events []json.RawMessage `json:"events"`
	} `json:"_embedded"`
}

type tmEvent struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	URL   string `json:"url"`
	Dates struct {
		Start struct {
			LocalDate string `json:"localDate"`
			LocalTime string `json:"localTime"`
		} `json:"start"`
		Status struct {
			Code string `json:"code"`
		} `json:"status"`
	} `json:"dates"`
	PriceRanges []struct {
		Min *json.Number `json:"min"`
		Max *json.Number `json:"max"`
	} `json:"priceRanges"`
	Embedded *struct {
		Venues []tmVenue `json:"venues"`
	} `json:"_embedded"`
}

type tmVenue struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
	City struct {
		Name string `json:"name"`
	} `json:"city"`
	State struct {
		StateCode string `json:"stateCode"`
	} `json:"state"`
	Capacity json.RawMessage `json:"capacity"`
}

// Fetch returns the first page of events for the city. A response without
// an _embedded block means no events.
func (e *Events) Fetch(ctx context.Context, city, stateCode string) (*EventsResult, error) {
	q := url.Values{}
	q.Set("apikey", e.cfg.APIKey)
	q.Set("city", city)
	q.Set("stateCode", stateCode)
	if e.cfg.CountryCode != "" {
		q.Set("countryCode", e.cfg.CountryCode)
	}
	q.Set("size", strconv.Itoa(e.cfg.PageSize))
	if e.cfg.Sort != "" {
		q.Set("sort", e.cfg.Sort)
	}
	u := e.cfg.BaseURL + "/discovery/v2/events.json?" + q.Encode()

	req, err := httputil.NewRequest(ctx, u, "", "application/json")
	if err != nil {
		return nil, &models.TransportError{Source: SourceTicketmaster, Op: "events", Err: err}
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	metrics.APILatency.WithLabelValues(SourceTicketmaster, "events").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.APICallsTotal.WithLabelValues(SourceTicketmaster, "events", "error").Inc()
		return nil, &models.TransportError{Source: SourceTicketmaster, Op: "events", Err: err}
	}
	defer resp.Body.Close()

	metrics.APICallsTotal.WithLabelValues(SourceTicketmaster, "events", strconv.Itoa(resp.StatusCode)).Inc()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, &models.TransportError{Source: SourceTicketmaster, Op: "events", StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &models.TransportError{Source: SourceTicketmaster, Op: "events", Err: err}
	}

	var data searchResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, &models.UpstreamFormatError{Source: SourceTicketmaster, Field: "events", Err: err}
	}

	result := &EventsResult{Skipped: map[string]int{}, Raw: body, StatusCode: resp.StatusCode}
	if data.Embedded == nil {
		return result, nil
	}

	for _, raw := range data.Embedded.Events {
		rec, reason := e.parseEvent(raw, city, stateCode)
		if reason != "" {
			result.Skipped[reason]++
			metrics.EventsSkipped.WithLabelValues(reason).Inc()
			e.log.Debug("skipping event", "city", city, "state", stateCode, "reason", reason)
			continue
		}
		result.Records = append(result.Records, rec)
	}
	return result, nil
}

// parseEvent maps one search result to a record, or returns the reason it
// was excluded.
func (e *Events) parseEvent(raw json.RawMessage, city, stateCode string) (models.EventRecord, string) {
	var ev tmEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return models.EventRecord{}, SkipMalformed
	}
	if strings.TrimSpace(ev.ID) == "" {
		return models.EventRecord{}, SkipMissingID
	}
	if ev.Embedded == nil || len(ev.Embedded.Venues) == 0 || strings.TrimSpace(ev.Embedded.Venues[0].ID) == "" {
		return models.EventRecord{}, SkipMissingVenue
	}
	if ev.Dates.Start.LocalDate == "" {
		return models.EventRecord{}, SkipMissingDate
	}

	var priceMin, priceMax apd.NullDecimal
	if len(ev.PriceRanges) > 0 {
		priceMin = parsePrice(ev.PriceRanges[0].Min)
		priceMax = parsePrice(ev.PriceRanges[0].Max)
	}
	if e.cfg.RequirePrice && !priceMin.Valid && !priceMax.Valid {
		return models.EventRecord{}, SkipMissingPrice
	}

	v := ev.Embedded.Venues[0]
	venue := models.Venue{
		ID:        v.ID,
		Name:      nullString(v.Name),
		CityName:  v.City.Name,
		StateCode: v.State.StateCode,
		Capacity:  parseCapacity(v.Capacity),
		URL:       nullString(v.URL),
	}
	if strings.TrimSpace(venue.CityName) == "" {
		venue.CityName = city
	}
	if strings.TrimSpace(venue.StateCode) == "" {
		venue.StateCode = stateCode
	}

	return models.EventRecord{
		Event: models.Event{
			ID:           ev.ID,
			Name:         nullString(ev.Name),
			VenueID:      v.ID,
			Date:         ev.Dates.Start.LocalDate,
			Time:         nullString(ev.Dates.Start.LocalTime),
			PriceMin:     priceMin,
			PriceMax:     priceMax,
			TicketStatus: nullString(ev.Dates.Status.Code),
			URL:          nullString(ev.URL),
		},
		Venue: venue,
	}, ""
}

func parsePrice(n *json.Number) apd.NullDecimal {
	if n == nil {
		return apd.NullDecimal{}
	}
	d, _, err := apd.NewFromString(n.String())
	if err != nil {
		return apd.NullDecimal{}
	}
	return apd.NullDecimal{Decimal: *d, Valid: true}
}

// parseCapacity accepts a number or a numeric string.
func parseCapacity(raw json.RawMessage) sql.NullInt64 {
	if len(raw) == 0 {
		return sql.NullInt64{}
	}
	s := strings.Trim(string(raw), `"`)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: n, Valid: true}
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}
