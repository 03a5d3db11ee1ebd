package correlate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/banshee-data/safety.report/internal/httputil"
)

// IncidentSource supplies ground-truth incidents for a date range.
type IncidentSource interface {
	Incidents(ctx context.Context, start, end time.Time) ([]Incident, error)
}

// HTTPIncidentSource fetches incidents from the external crash dataset's
// JSON endpoint. The date range goes in start/end query parameters.
type HTTPIncidentSource struct {
	client  httputil.HTTPClient
	baseURL string
}

// NewHTTPIncidentSource builds a source over the given endpoint. A nil
// client uses the default HTTP client.
func NewHTTPIncidentSource(client httputil.HTTPClient, baseURL string) *HTTPIncidentSource {
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	return &HTTPIncidentSource{client: client, baseURL: baseURL}
}

// Incidents fetches and decodes the incident list for [start, end).
func (s *HTTPIncidentSource) Incidents(ctx context.Context, start, end time.Time) ([]Incident, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return nil, fmt.Errorf("incident url: %w", err)
	}
	q := u.Query()
	q.Set("start", start.UTC().Format("2006-01-02"))
	q.Set("end", end.UTC().Format("2006-01-02"))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build incident request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch incidents: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("incident endpoint returned %d: %s", resp.StatusCode, body)
	}

	var incidents []Incident
	if err := json.NewDecoder(resp.Body).Decode(&incidents); err != nil {
		return nil, fmt.Errorf("decode incidents: %w", err)
	}
	return incidents, nil
}

// StaticIncidentSource serves a fixed incident list, for tests.
type StaticIncidentSource struct {
	All []Incident
}

// Incidents returns the stored incidents inside [start, end).
func (s *StaticIncidentSource) Incidents(_ context.Context, start, end time.Time) ([]Incident, error) {
	var out []Incident
	for _, inc := range s.All {
		if !inc.OccurredAt.Before(start) && inc.OccurredAt.Before(end) {
			out = append(out, inc)
		}
	}
	return out, nil
}
