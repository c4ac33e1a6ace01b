package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/lox/eventweather/internal/metrics"
	"github.com/lox/eventweather/internal/models"
	"github.com/lox/eventweather/internal/store"
)

// Store is the persistence surface the pipeline needs.
type Store interface {
	InBatch(ctx context.Context, fn func(store.Writer) error) error
	StartIngestRun(ctx context.Context, runID, source, endpoint, cityKey string) (*store.IngestRun, error)
	CompleteIngestRun(ctx context.Context, run *store.IngestRun) error
	StoreRawPayload(ctx context.Context, runID int64, source, endpoint, cityKey string, payload []byte) (int64, error)
	Ping(ctx context.Context) error
}

type WeatherFetcher interface {
	Fetch(ctx context.Context, lat, lon float64) (*WeatherResult, error)
}

type EventFetcher interface {
	Fetch(ctx context.Context, city, stateCode string) (*EventsResult, error)
}

type Publisher interface {
	Publish(ctx context.Context, msg models.CityEnriched) error
}

type PipelineOptions struct {
	// Events may be nil to enrich weather only.
	Events    EventFetcher
	Publisher Publisher
	Clock     clockwork.Clock
	CityDelay time.Duration
	Logger    *slog.Logger
}

// Pipeline enriches roster cities one at a time and writes each city's
// results in a single batch.
type Pipeline struct {
	store   Store
	weather WeatherFetcher
	events  EventFetcher
	pub     Publisher
	clock   clockwork.Clock
	delay   time.Duration
	log     *slog.Logger
}

func NewPipeline(st Store, weather WeatherFetcher, opts PipelineOptions) *Pipeline {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pipeline{
		store:   st,
		weather: weather,
		events:  opts.Events,
		pub:     opts.Publisher,
		clock:   opts.Clock,
		delay:   opts.CityDelay,
		log:     opts.Logger,
	}
}

// Summary describes one pipeline run.
type Summary struct {
	RunID         string
	Cities        int
	Succeeded     int
	Partial       int
	Failed        int
	Observations  int
	EventsStored  int
	EventsSkipped int
	Failures      []*models.CityError
	Interrupted   bool
}

// Run processes the roster in order. Cancelling ctx stops the run between
// cities; the city in progress always completes. Only a lost store
// connection aborts the run with an error.
func (p *Pipeline) Run(ctx context.Context, roster []models.RosterEntry) (*Summary, error) {
	sum := &Summary{RunID: uuid.NewString()}
	p.log.Info("starting enrichment run", "run_id", sum.RunID, "cities", len(roster))

	for i, entry := range roster {
		if i > 0 && p.delay > 0 {
			select {
			case <-ctx.Done():
			case <-p.clock.After(p.delay):
			}
		}
		if ctx.Err() != nil {
			sum.Interrupted = true
			p.log.Warn("run interrupted", "run_id", sum.RunID, "remaining", len(roster)-i)
			break
		}

		sum.Cities++
		res, err := p.processCity(context.WithoutCancel(ctx), sum.RunID, entry)
		sum.Observations += res.observations
		sum.EventsStored += res.eventsStored
		sum.EventsSkipped += res.eventsSkipped
		sum.Failures = append(sum.Failures, res.failures...)

		switch {
		case err != nil:
			sum.Failed++
			metrics.CitiesProcessed.WithLabelValues("failed").Inc()
			if store.IsConnectionError(err) {
				p.log.Error("store unavailable, aborting run", "run_id", sum.RunID, "error", err)
				return sum, err
			}
			p.log.Warn("city failed", "city", entry.City, "state", entry.State, "error", err)
		case len(res.failures) > 0:
			sum.Partial++
			metrics.CitiesProcessed.WithLabelValues("partial").Inc()
		default:
			sum.Succeeded++
			metrics.CitiesProcessed.WithLabelValues("ok").Inc()
		}
	}

	metrics.LastRunTimestamp.Set(float64(p.clock.Now().Unix()))
	p.log.Info("enrichment run complete",
		"run_id", sum.RunID,
		"cities", sum.Cities,
		"succeeded", sum.Succeeded,
		"partial", sum.Partial,
		"failed", sum.Failed,
		"events_stored", sum.EventsStored,
		"events_skipped", sum.EventsSkipped,
	)
	return sum, nil
}

type cityResult struct {
	observations  int
	eventsStored  int
	eventsSkipped int
	failures      []*models.CityError
}

func (p *Pipeline) processCity(ctx context.Context, runID string, entry models.RosterEntry) (res cityResult, err error) {
	log := p.log.With("city", entry.City, "state", entry.State)
	fail := func(stage string, err error) *models.CityError {
		cerr := &models.CityError{City: entry.City, State: entry.State, Stage: stage, Err: err}
		res.failures = append(res.failures, cerr)
		return cerr
	}

	// Audit rows stay open until the city batch settles so they record
	// what was actually stored.
	var weatherRun, eventsRun *store.IngestRun
	defer func() {
		p.completeAudit(ctx, weatherRun, res.observations, err)
		p.completeAudit(ctx, eventsRun, res.eventsStored, err)
	}()

	obs, weatherRun, weatherErr := p.fetchWeather(ctx, runID, entry)
	if weatherErr != nil {
		if p.connectionLost(ctx, weatherErr) {
			return res, weatherErr
		}
		log.Warn("weather enrichment failed", "error", weatherErr)
		fail("weather", weatherErr)
	}

	var (
		records []models.EventRecord
		events  *EventsResult
	)
	if p.events != nil {
		var fetchErr error
		events, eventsRun, fetchErr = p.fetchEvents(ctx, runID, entry)
		if fetchErr != nil {
			if p.connectionLost(ctx, fetchErr) {
				return res, fetchErr
			}
			log.Warn("event enrichment failed", "error", fetchErr)
			fail("events", fetchErr)
		} else {
			records = events.Records
			res.eventsSkipped = events.SkippedTotal()
		}
	}

	var (
		city         models.CityRef
		stored       int
		badVenueSkip int
	)
	batchErr := p.store.InBatch(ctx, func(w store.Writer) error {
		stateID, err := w.ResolveState(ctx, entry.State)
		if err != nil {
			return err
		}
		city, err = w.UpsertCity(ctx, entry.City, stateID, &models.Coordinates{
			Latitude:  entry.Latitude,
			Longitude: entry.Longitude,
		})
		if err != nil {
			return err
		}

		if obs != nil {
			if _, err := w.RecordWeather(ctx, city, *obs); err != nil {
				return err
			}
		}

		stored, badVenueSkip = 0, 0
		for _, rec := range records {
			if _, err := w.UpsertVenue(ctx, rec.Venue); err != nil {
				var verr *models.ValidationError
				if errors.As(err, &verr) {
					log.Debug("skipping event with invalid venue", "event", rec.Event.ID, "venue", rec.Venue.ID, "error", err)
					badVenueSkip++
					continue
				}
				return err
			}
			inserted, err := w.UpsertEvent(ctx, rec.Event)
			if err != nil {
				return err
			}
			if inserted {
				stored++
			}
		}
		return nil
	})
	if batchErr != nil {
		if p.connectionLost(ctx, batchErr) && !store.IsConnectionError(batchErr) {
			batchErr = fmt.Errorf("%w: %w", store.ErrStoreUnavailable, batchErr)
		}
		cerr := fail("store", batchErr)
		return res, cerr
	}

	if obs != nil {
		res.observations = 1
		metrics.ObservationsRecorded.Inc()
	}
	res.eventsStored = stored
	res.eventsSkipped += badVenueSkip
	if eventsRun != nil {
		eventsRun.RecordsSkipped = sql.NullInt64{Int64: int64(res.eventsSkipped), Valid: true}
	}
	metrics.EventsStored.Add(float64(res.eventsStored))
	metrics.EventsSkipped.WithLabelValues(SkipInvalidVenue).Add(float64(badVenueSkip))
	log.Info("city enriched", "weather", obs != nil, "events_stored", res.eventsStored, "events_skipped", res.eventsSkipped)

	p.publish(ctx, runID, entry, city, obs, weatherErr, len(records), res)
	return res, nil
}

// connectionLost reports whether err, or a ping issued after it, shows the
// store itself is gone.
func (p *Pipeline) connectionLost(ctx context.Context, err error) bool {
	if store.IsConnectionError(err) {
		return true
	}
	var cerr *models.PersistenceConflict
	if errors.As(err, &cerr) {
		return false
	}
	return store.IsConnectionError(p.store.Ping(ctx))
}

// fetchWeather calls the weather provider and opens its audit row. A
// successful call returns the row still open; a failed call closes it.
func (p *Pipeline) fetchWeather(ctx context.Context, runID string, entry models.RosterEntry) (*models.WeatherObservation, *store.IngestRun, error) {
	run, err := p.startAudit(ctx, runID, SourceNWS, "forecast", entry)
	if err != nil {
		return nil, nil, err
	}

	wr, fetchErr := p.weather.Fetch(ctx, entry.Latitude, entry.Longitude)
	if fetchErr != nil {
		p.recordFetch(run, statusOf(fetchErr), 0, 0, 0)
		p.completeAudit(ctx, run, 0, fetchErr)
		return nil, nil, fetchErr
	}

	flags := ValidateWeather(wr)
	for _, flag := range flags {
		metrics.WeatherQualityFlags.WithLabelValues(flag).Inc()
		p.log.Debug("weather quality flag", "city", entry.City, "state", entry.State, "flag", flag)
	}
	if run != nil && len(flags) > 0 {
		run.QualityFlags = sql.NullString{String: QualityFlagsToJSON(flags), Valid: true}
	}

	p.storeRaw(ctx, run, SourceNWS, "points", entry, wr.RawPoints)
	p.storeRaw(ctx, run, SourceNWS, "forecast", entry, wr.RawForecast)
	p.recordFetch(run, wr.StatusCode, len(wr.RawForecast), 1, 0)
	return &wr.Observation, run, nil
}

func (p *Pipeline) fetchEvents(ctx context.Context, runID string, entry models.RosterEntry) (*EventsResult, *store.IngestRun, error) {
	run, err := p.startAudit(ctx, runID, SourceTicketmaster, "events", entry)
	if err != nil {
		return nil, nil, err
	}

	er, fetchErr := p.events.Fetch(ctx, entry.City, entry.State)
	if fetchErr != nil {
		p.recordFetch(run, statusOf(fetchErr), 0, 0, 0)
		p.completeAudit(ctx, run, 0, fetchErr)
		return nil, nil, fetchErr
	}

	p.storeRaw(ctx, run, SourceTicketmaster, "events", entry, er.Raw)
	p.recordFetch(run, er.StatusCode, len(er.Raw), len(er.Records), er.SkippedTotal())
	return er, run, nil
}

func (p *Pipeline) startAudit(ctx context.Context, runID, source, endpoint string, entry models.RosterEntry) (*store.IngestRun, error) {
	run, err := p.store.StartIngestRun(ctx, runID, source, endpoint, entry.Key())
	if err != nil {
		if p.connectionLost(ctx, err) {
			return nil, err
		}
		p.log.Warn("failed to start ingest run", "source", source, "error", err)
		return nil, nil
	}
	return run, nil
}

// recordFetch fills in what the provider returned.
func (p *Pipeline) recordFetch(run *store.IngestRun, status, size, parsed, skipped int) {
	if run == nil {
		return
	}
	if status != 0 {
		run.HTTPStatus = sql.NullInt64{Int64: int64(status), Valid: true}
	}
	if size != 0 {
		run.ResponseSizeBytes = sql.NullInt64{Int64: int64(size), Valid: true}
	}
	run.RecordsParsed = sql.NullInt64{Int64: int64(parsed), Valid: true}
	run.RecordsSkipped = sql.NullInt64{Int64: int64(skipped), Valid: true}
}

// completeAudit closes the audit row. A nil err marks the call successful
// with stored records written.
func (p *Pipeline) completeAudit(ctx context.Context, run *store.IngestRun, stored int, err error) {
	if run == nil || run.FinishedAt.Valid {
		return
	}
	run.RecordsStored = sql.NullInt64{Int64: int64(stored), Valid: true}
	run.Success = err == nil
	if err != nil {
		run.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
	}
	if cerr := p.store.CompleteIngestRun(ctx, run); cerr != nil {
		p.log.Warn("failed to complete ingest run", "source", run.Source, "error", cerr)
	}
}

func (p *Pipeline) storeRaw(ctx context.Context, run *store.IngestRun, source, endpoint string, entry models.RosterEntry, body []byte) {
	if len(body) == 0 {
		return
	}
	var id int64
	if run != nil {
		id = run.ID
	}
	if _, err := p.store.StoreRawPayload(ctx, id, source, endpoint, entry.Key(), body); err != nil {
		p.log.Warn("failed to store raw payload", "source", source, "endpoint", endpoint, "error", err)
	}
}

func (p *Pipeline) publish(ctx context.Context, runID string, entry models.RosterEntry, city models.CityRef,
	obs *models.WeatherObservation, weatherErr error, found int, res cityResult) {
	if p.pub == nil {
		return
	}
	msg := models.CityEnriched{
		RunID:         runID,
		City:          city.Name,
		State:         entry.State,
		Latitude:      entry.Latitude,
		Longitude:     entry.Longitude,
		EventsFound:   found,
		EventsStored:  res.eventsStored,
		EventsSkipped: res.eventsSkipped,
		EnrichedAt:    p.clock.Now().UTC(),
	}
	if obs != nil {
		if obs.Temperature.Valid {
			t := obs.Temperature.Float64
			msg.Temperature = &t
		}
		if obs.Humidity.Valid {
			h := obs.Humidity.Float64
			msg.Humidity = &h
		}
		msg.Unit = obs.TemperatureUnit.String
		msg.Condition = obs.Condition.String
	}
	if weatherErr != nil {
		msg.WeatherError = weatherErr.Error()
	}
	if err := p.pub.Publish(ctx, msg); err != nil {
		p.log.Warn("failed to publish enriched city", "city", entry.City, "state", entry.State, "error", err)
	}
}

func statusOf(err error) int {
	var terr *models.TransportError
	if errors.As(err, &terr) {
		return terr.StatusCode
	}
	return 0
}
