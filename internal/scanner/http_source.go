package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"pulseline/internal/config"
)

const defaultSourceTimeout = 15 * time.Second

// HTTPSource pulls candidates from a connected business solution over HTTP.
// The endpoint returns a JSON array of candidates for the requested org.
type HTTPSource struct {
	name   string
	url    string
	client *http.Client
}

func NewHTTPSource(name, endpoint string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = defaultSourceTimeout
	}
	return &HTTPSource{
		name:   name,
		url:    endpoint,
		client: &http.Client{Timeout: timeout},
	}
}

// SourcesFromConfig builds an HTTPSource per configured connection.
func SourcesFromConfig(cfg *config.Config) []Source {
	if cfg == nil {
		return nil
	}
	sources := make([]Source, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		sources = append(sources, NewHTTPSource(sc.Name, sc.URL, time.Duration(sc.TimeoutSeconds)*time.Second))
	}
	return sources
}

func (s *HTTPSource) Name() string { return s.name }

func (s *HTTPSource) Fetch(ctx context.Context, orgID string) ([]Candidate, error) {
	endpoint := s.url
	if orgID != "" {
		sep := "?"
		if u, err := url.Parse(endpoint); err == nil && u.RawQuery != "" {
			sep = "&"
		}
		endpoint += sep + "org_id=" + url.QueryEscape(orgID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("source %s returned status %d", s.name, resp.StatusCode)
	}
	var candidates []Candidate
	if err := json.NewDecoder(resp.Body).Decode(&candidates); err != nil {
		return nil, fmt.Errorf("decode source %s response: %w", s.name, err)
	}
	return candidates, nil
}
