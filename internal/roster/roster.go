// Package roster loads the list of cities to enrich from a CSV file on disk
// or on an FTP server.
package roster

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/lox/eventweather/internal/models"
	"github.com/lox/eventweather/internal/normalize"
)

const ftpTimeout = 30 * time.Second

var requiredColumns = []string{"city", "state", "latitude", "longitude"}

// Load reads the roster from a local path or an ftp:// URL.
func Load(ctx context.Context, source string, logger *slog.Logger) ([]models.RosterEntry, error) {
	var (
		body []byte
		err  error
	)
	if strings.HasPrefix(source, "ftp://") {
		body, err = fetchFTP(ctx, source)
	} else {
		body, err = os.ReadFile(source)
	}
	if err != nil {
		return nil, fmt.Errorf("read roster %s: %w", source, err)
	}
	return Parse(bytes.NewReader(body), logger)
}

// Parse reads roster rows from CSV. The header must name the city, state,
// latitude and longitude columns in any order and case. Rows with bad
// coordinates or an unknown state are skipped with a warning.
func Parse(r io.Reader, logger *slog.Logger) ([]models.RosterEntry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, &models.ValidationError{Field: "roster", Reason: "empty file"}
	}
	if err != nil {
		return nil, fmt.Errorf("read roster header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if _, seen := cols[key]; !seen {
			cols[key] = i
		}
	}
	for _, name := range requiredColumns {
		if _, ok := cols[name]; !ok {
			return nil, &models.ValidationError{Field: "roster", Reason: "missing column " + name}
		}
	}

	var (
		entries []models.RosterEntry
		seen    = map[string]bool{}
		line    = 1
	)
	for {
		rec, err := cr.Read()
		line++
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read roster line %d: %w", line, err)
		}

		entry, err := parseRow(rec, cols)
		if err != nil {
			logger.Warn("skipping roster row", "line", line, "error", err)
			continue
		}

		key := normalize.Fold(entry.City) + "|" + entry.State
		if seen[key] {
			logger.Warn("skipping duplicate roster row", "line", line, "city", entry.City, "state", entry.State)
			continue
		}
		seen[key] = true
		entries = append(entries, entry)
	}
	return entries, nil
}

func parseRow(rec []string, cols map[string]int) (models.RosterEntry, error) {
	field := func(name string) string {
		i := cols[name]
		if i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	city := normalize.City(field("city"))
	if city == "" {
		return models.RosterEntry{}, &models.ValidationError{Field: "city", Reason: "empty"}
	}
	state, err := normalize.StateCode(field("state"))
	if err != nil {
		return models.RosterEntry{}, err
	}
	lat, err := parseCoordinate(field("latitude"), 90)
	if err != nil {
		return models.RosterEntry{}, &models.ValidationError{Field: "latitude", Reason: err.Error()}
	}
	lon, err := parseCoordinate(field("longitude"), 180)
	if err != nil {
		return models.RosterEntry{}, &models.ValidationError{Field: "longitude", Reason: err.Error()}
	}

	return models.RosterEntry{City: city, State: state, Latitude: lat, Longitude: lon}, nil
}

func parseCoordinate(s string, limit float64) (float64, error) {
	if s == "" {
		return 0, errors.New("empty")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	if v < -limit || v > limit {
		return 0, fmt.Errorf("out of range: %v", v)
	}
	return v, nil
}

// fetchFTP retrieves the roster file, logging in anonymously unless the URL
// carries credentials.
func fetchFTP(ctx context.Context, source string) ([]byte, error) {
	u, err := url.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("parse ftp url: %w", err)
	}
	host := u.Host
	if u.Port() == "" {
		host += ":21"
	}

	conn, err := ftp.Dial(host, ftp.DialWithTimeout(ftpTimeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("ftp dial: %w", err)
	}
	defer conn.Quit()

	user, pass := "anonymous", "anonymous"
	if u.User != nil {
		user = u.User.Username()
		if p, ok := u.User.Password(); ok {
			pass = p
		}
	}
	if err := conn.Login(user, pass); err != nil {
		return nil, fmt.Errorf("ftp login: %w", err)
	}

	resp, err := conn.Retr(u.Path)
	if err != nil {
		return nil, fmt.Errorf("ftp retr: %w", err)
	}
	defer resp.Close()

	body, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
