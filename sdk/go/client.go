package pulselinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Pulseline HTTP API client.
type Client struct {
	BaseURL     string
	OrgID       string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, orgID string) *Client {
	return &Client{
		BaseURL: baseURL,
		OrgID:   orgID,
		Timeout: 10 * time.Second,
	}
}

// Signal represents the API signal model.
type Signal struct {
	ID              string         `json:"id"`
	OrgID           string         `json:"org_id"`
	SourceSolution  string         `json:"source_solution"`
	SignalType      string         `json:"signal_type"`
	Severity        string         `json:"severity"`
	EntityKind      string         `json:"entity_kind"`
	EntityReference string         `json:"entity_reference"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	DetectedAt      string         `json:"detected_at"`
	Acknowledged    bool           `json:"acknowledged"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Risk represents the API risk model.
type Risk struct {
	ID          string  `json:"id"`
	OrgID       string  `json:"org_id"`
	Domain      string  `json:"domain"`
	RiskType    string  `json:"risk_type"`
	Title       string  `json:"title"`
	Status      string  `json:"status"`
	Probability float64 `json:"probability_score"`
	Impact      float64 `json:"impact_score"`
	Score       float64 `json:"risk_score"`
	CreatedAt   string  `json:"created_at"`
}

// Recommendation represents the API recommendation model.
type Recommendation struct {
	ID           string  `json:"id"`
	OrgID        string  `json:"org_id"`
	ActionType   string  `json:"action_type"`
	TargetModule string  `json:"target_module"`
	Title        string  `json:"title"`
	Explanation  string  `json:"explanation"`
	Status       string  `json:"status"`
	Confidence   float64 `json:"confidence_score"`
	Priority     int     `json:"priority"`
	AIGenerated  bool    `json:"ai_generated"`
	CreatedAt    string  `json:"created_at"`
}

// HeatmapCell is one probability/impact bucket of the risk heatmap.
type HeatmapCell struct {
	Probability string   `json:"probability"`
	Impact      string   `json:"impact"`
	Count       int      `json:"count"`
	RiskIDs     []string `json:"risk_ids"`
}

// Heatmap aggregates non-closed risks into buckets.
type Heatmap struct {
	OrgID string        `json:"org_id"`
	Total int           `json:"total"`
	Cells []HeatmapCell `json:"cells"`
}

// ScanJob is the accepted-scan handle returned by TriggerScan.
type ScanJob struct {
	JobID   string   `json:"job_id"`
	OrgID   string   `json:"org_id"`
	Status  string   `json:"status"`
	Sources []string `json:"sources,omitempty"`
}

type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedSignals wraps signal listings with cursors.
type PaginatedSignals struct {
	Items      []Signal `json:"items"`
	NextCursor string   `json:"next_cursor"`
}

// PaginatedRisks wraps risk listings with cursors.
type PaginatedRisks struct {
	Items      []Risk `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// PaginatedRecommendations wraps recommendation listings with cursors.
type PaginatedRecommendations struct {
	Items      []Recommendation `json:"items"`
	NextCursor string           `json:"next_cursor"`
}

// CreateSignal ingests a signal.
func (c *Client) CreateSignal(ctx context.Context, signalType, severity, entityRef, title string, metadata map[string]any) (Signal, error) {
	body := map[string]any{
		"signal_type":      signalType,
		"severity":         severity,
		"entity_reference": entityRef,
		"title":            title,
	}
	if metadata != nil {
		body["metadata"] = metadata
	}
	var resp Signal
	err := c.do(ctx, http.MethodPost, c.orgPath("signals"), body, &resp)
	return resp, err
}

// Signals returns recent signals.
func (c *Client) Signals(ctx context.Context, limit int) ([]Signal, error) {
	page, err := c.SignalsPage(ctx, limit, "")
	return page.Items, err
}

// SignalsPage returns a paginated signal listing.
func (c *Client) SignalsPage(ctx context.Context, limit int, cursor string) (PaginatedSignals, error) {
	var resp PaginatedSignals
	err := c.do(ctx, http.MethodGet, c.paged(c.orgPath("signals"), limit, cursor), nil, &resp)
	return resp, err
}

// AcknowledgeSignal marks a signal as seen.
func (c *Client) AcknowledgeSignal(ctx context.Context, signalID string) (Signal, error) {
	var resp Signal
	endpoint := c.orgPath(fmt.Sprintf("signals/%s/acknowledge", url.PathEscape(signalID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Risks returns recent risks.
func (c *Client) Risks(ctx context.Context, limit int) ([]Risk, error) {
	var resp PaginatedRisks
	err := c.do(ctx, http.MethodGet, c.paged(c.orgPath("risks"), limit, ""), nil, &resp)
	return resp.Items, err
}

// RiskHeatmap returns the probability/impact distribution of open risks.
func (c *Client) RiskHeatmap(ctx context.Context) (Heatmap, error) {
	var resp Heatmap
	err := c.do(ctx, http.MethodGet, c.orgPath("risks/heatmap"), nil, &resp)
	return resp, err
}

// Recommendations returns recent recommendations.
func (c *Client) Recommendations(ctx context.Context, limit int) ([]Recommendation, error) {
	var resp PaginatedRecommendations
	err := c.do(ctx, http.MethodGet, c.paged(c.orgPath("recommendations"), limit, ""), nil, &resp)
	return resp.Items, err
}

// ActOnRecommendation records a decision: accepted, dismissed, or deferred.
func (c *Client) ActOnRecommendation(ctx context.Context, recommendationID, decision, notes string) (Recommendation, error) {
	body := map[string]any{
		"decision": decision,
	}
	if notes != "" {
		body["notes"] = notes
	}
	var resp Recommendation
	endpoint := c.orgPath(fmt.Sprintf("recommendations/%s/act", url.PathEscape(recommendationID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// TriggerScan queues a background scan over connected sources. An empty
// sources slice scans everything.
func (c *Client) TriggerScan(ctx context.Context, sources []string) (ScanJob, error) {
	body := map[string]any{}
	if len(sources) > 0 {
		body["sources"] = sources
	}
	var resp ScanJob
	err := c.do(ctx, http.MethodPost, c.orgPath("scan"), body, &resp)
	return resp, err
}

// ScanJobStatus polls a queued scan by job id.
func (c *Client) ScanJobStatus(ctx context.Context, jobID string) (map[string]any, error) {
	var resp map[string]any
	endpoint := c.orgPath(fmt.Sprintf("scan/%s", url.PathEscape(jobID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) paged(endpoint string, limit int, cursor string) string {
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	return endpoint
}

func (c *Client) orgPath(p string) string {
	org := url.PathEscape(c.OrgID)
	return fmt.Sprintf("v0/orgs/%s/%s", org, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
