package sink

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

	"graph2search/internal/directory"
	"graph2search/internal/httpclient"

	"github.com/tidwall/gjson"
)

const (
	// DefaultAPIVersion is the Azure AI Search REST version used for docs/index
	DefaultAPIVersion = "2023-11-01"
	// DefaultTimeout bounds a single upsert call
	DefaultTimeout = 60 * time.Second

	actionMergeOrUpload = "mergeOrUpload"
	maxResponseBytes    = 16 << 20
)

// SearchConfig contains index connection settings
type SearchConfig struct {
	Endpoint   string
	Index      string
	APIKey     string
	APIVersion string
	Timeout    time.Duration
}

// SearchClient implements Client against the Azure AI Search docs/index API
type SearchClient struct {
	http *http.Client
	cfg  SearchConfig
}

// NewSearchClient creates a search sink client; a nil httpClient gets a default with cfg.Timeout
func NewSearchClient(httpClient *http.Client, cfg SearchConfig) (*SearchClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("search endpoint cannot be empty")
	}
	if cfg.Index == "" {
		return nil, fmt.Errorf("search index cannot be empty")
	}
	if _, err := url.Parse(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid search endpoint: %w", err)
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &SearchClient{http: httpClient, cfg: cfg}, nil
}

// document is the index representation of a record
type document struct {
	Action            string   `json:"@search.action"`
	ID                string   `json:"id"`
	DisplayName       string   `json:"displayName"`
	Department        string   `json:"department"`
	JobTitle          string   `json:"jobTitle"`
	Mail              string   `json:"mail"`
	MobilePhone       string   `json:"mobilePhone"`
	EmployeeID        string   `json:"employeeId"`
	Country           string   `json:"country"`
	BusinessPhones    []string `json:"businessPhones"`
	DerivedPictureURL string   `json:"derivedPictureUrl"`
}

type indexRequest struct {
	Value []document `json:"value"`
}

// UpsertBatch sends one mergeOrUpload request for all records.
// 200 and 207 responses are parsed into per-record results; anything else is a call failure.
func (c *SearchClient) UpsertBatch(ctx context.Context, records []directory.Record) (Outcome, error) {
	payload, err := json.Marshal(toIndexRequest(records))
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.indexURL(), bytes.NewReader(payload))
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("upsert request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusMultiStatus {
		return Outcome{}, httpclient.FromResponse(resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to read upsert response: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return Outcome{}, fmt.Errorf("invalid JSON in upsert response")
	}

	return parseOutcome(body), nil
}

func (c *SearchClient) indexURL() string {
	return fmt.Sprintf("%s/indexes/%s/docs/index?api-version=%s",
		strings.TrimRight(c.cfg.Endpoint, "/"),
		url.PathEscape(c.cfg.Index),
		url.QueryEscape(c.cfg.APIVersion),
	)
}

func toIndexRequest(records []directory.Record) indexRequest {
	docs := make([]document, len(records))
	for i, rec := range records {
		docs[i] = document{
			Action:            actionMergeOrUpload,
			ID:                rec.ID,
			DisplayName:       rec.DisplayName,
			Department:        rec.Department,
			JobTitle:          rec.JobTitle,
			Mail:              rec.Mail,
			MobilePhone:       rec.MobilePhone,
			EmployeeID:        rec.EmployeeID,
			Country:           rec.Country,
			BusinessPhones:    rec.BusinessPhones,
			DerivedPictureURL: rec.DerivedPictureURL,
		}
	}
	return indexRequest{Value: docs}
}

func parseOutcome(body []byte) Outcome {
	results := gjson.GetBytes(body, "value").Array()
	out := Outcome{Results: make(map[string]RecordResult, len(results))}
	for _, r := range results {
		out.Results[r.Get("key").String()] = RecordResult{
			Succeeded:  r.Get("status").Bool(),
			StatusCode: int(r.Get("statusCode").Int()),
			Message:    r.Get("errorMessage").String(),
		}
	}
	return out
}
