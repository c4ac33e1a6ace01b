// Package report renders aggregated statistics and per-city weather for
// people and spreadsheets.
package report

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/lox/eventweather/internal/aggregate"
	"github.com/lox/eventweather/internal/store"
)

// WriteSummary writes the plain-text statistics report.
func WriteSummary(w io.Writer, sum *aggregate.Summary) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintln(bw, "WEATHER AND EVENT STATISTICS")
	fmt.Fprintln(bw, strings.Repeat("=", 40))
	if sum.MeanTemperature != nil {
		fmt.Fprintf(bw, "Average temperature in cities with events: %.1f°%s\n\n", *sum.MeanTemperature, sum.MeanTemperatureUnit)
	} else {
		fmt.Fprint(bw, "Average temperature in cities with events: n/a\n\n")
	}

	fmt.Fprintln(bw, "Event count by weather condition:")
	for _, c := range sum.ConditionCounts {
		fmt.Fprintf(bw, "%s: %d events\n", c.Condition, c.Count)
	}

	if len(sum.Cities) > 0 {
		fmt.Fprintln(bw)
		fmt.Fprintln(bw, "Temperature vs events by city:")
		for _, c := range sum.Cities {
			temp := "n/a"
			if c.Temperature.Valid {
				temp = fmt.Sprintf("%.1f°%s", c.Temperature.Float64, c.Unit.String)
			}
			fmt.Fprintf(bw, "%s, %s: %s, %d events\n", c.City, c.State, temp, c.EventCount)
		}
	}

	return bw.Flush()
}

var weatherHeader = []string{
	"city", "state", "latitude", "longitude", "temperature", "temperature_unit",
	"condition", "humidity", "observed_at",
}

// WriteWeatherCSV writes each city's latest observation as CSV. Null values
// are written as empty fields.
func WriteWeatherCSV(w io.Writer, rows []store.CityWeather) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(weatherHeader); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{
			r.City,
			r.State,
			formatFloat(r.Latitude.Float64, r.Latitude.Valid),
			formatFloat(r.Longitude.Float64, r.Longitude.Valid),
			formatFloat(r.Temperature.Float64, r.Temperature.Valid),
			r.Unit.String,
			r.Condition.String,
			formatFloat(r.Humidity.Float64, r.Humidity.Valid),
			r.ObservedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64, valid bool) string {
	if !valid {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
