package directory

import (
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"graph2search/internal/httpclient"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	// DefaultBaseURL is the Microsoft Graph v1.0 endpoint
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"
	// DefaultAuthority is the Entra ID login host used to build the token URL
	DefaultAuthority = "https://login.microsoftonline.com"
	// DefaultPageSize is the largest page Graph accepts for /users
	DefaultPageSize = 999

	graphScope   = "https://graph.microsoft.com/.default"
	nextLinkKey  = "@odata.nextLink"
	maxPageBytes = 64 << 20
)

// GraphConfig contains Graph source settings
type GraphConfig struct {
	BaseURL        string
	PageSize       int
	PictureBaseURL string
}

// Credentials identify the app registration used for client-credentials auth
type Credentials struct {
	Authority    string
	TenantID     string
	ClientID     string
	ClientSecret string
}

// NewHTTPClient returns an HTTP client that attaches and refreshes Graph access tokens
func NewHTTPClient(ctx context.Context, creds Credentials) *http.Client {
	authority := creds.Authority
	if authority == "" {
		authority = DefaultAuthority
	}
	cc := clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     fmt.Sprintf("%s/%s/oauth2/v2.0/token", strings.TrimRight(authority, "/"), creds.TenantID),
		Scopes:       []string{graphScope},
	}
	return cc.Client(ctx)
}

// GraphSource pages through the Graph /users collection
type GraphSource struct {
	client *http.Client
	cfg    GraphConfig
	logger *zap.Logger
}

// NewGraphSource creates a source over an already authenticated client
func NewGraphSource(client *http.Client, cfg GraphConfig, logger *zap.Logger) *GraphSource {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	return &GraphSource{client: client, cfg: cfg, logger: logger}
}

// Records yields users page by page, following @odata.nextLink until it is absent
func (s *GraphSource) Records(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		next := s.firstPageURL()
		page := 0
		for next != "" {
			page++
			records, nextLink, err := s.fetchPage(ctx, next)
			if err != nil {
				yield(Record{}, fmt.Errorf("page %d: %w", page, err))
				return
			}
			s.logger.Debug("Fetched directory page",
				zap.Int("page", page),
				zap.Int("records", len(records)),
				zap.Bool("has_next", nextLink != ""),
			)
			for _, rec := range records {
				if !yield(rec, nil) {
					return
				}
			}
			next = nextLink
		}
	}
}

func (s *GraphSource) firstPageURL() string {
	q := url.Values{}
	q.Set("$select", strings.Join(selectFields, ","))
	q.Set("$top", strconv.Itoa(s.cfg.PageSize))
	return strings.TrimRight(s.cfg.BaseURL, "/") + "/users?" + q.Encode()
}

func (s *GraphSource) fetchPage(ctx context.Context, pageURL string) ([]Record, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", httpclient.FromResponse(resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read page: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return nil, "", fmt.Errorf("invalid JSON in page response")
	}

	records, next := s.parsePage(body)
	return records, next, nil
}

// parsePage walks the top-level keys directly since "@odata.nextLink" collides with gjson path syntax
func (s *GraphSource) parsePage(body []byte) ([]Record, string) {
	var (
		records []Record
		next    string
	)
	gjson.ParseBytes(body).ForEach(func(key, value gjson.Result) bool {
		switch key.String() {
		case nextLinkKey:
			next = value.String()
		case "value":
			value.ForEach(func(_, user gjson.Result) bool {
				records = append(records, s.toRecord(user))
				return true
			})
		}
		return true
	})
	return records, next
}

func (s *GraphSource) toRecord(user gjson.Result) Record {
	rec := Record{
		ID:          user.Get("id").String(),
		DisplayName: user.Get("displayName").String(),
		Department:  user.Get("department").String(),
		JobTitle:    user.Get("jobTitle").String(),
		Mail:        user.Get("mail").String(),
		MobilePhone: user.Get("mobilePhone").String(),
		EmployeeID:  user.Get("employeeId").String(),
		Country:     user.Get("country").String(),
	}
	for _, phone := range user.Get("businessPhones").Array() {
		rec.BusinessPhones = append(rec.BusinessPhones, phone.String())
	}
	if s.cfg.PictureBaseURL != "" && rec.ID != "" {
		rec.DerivedPictureURL = fmt.Sprintf("%s/%s/photo/$value", strings.TrimRight(s.cfg.PictureBaseURL, "/"), rec.ID)
	}
	return rec
}
