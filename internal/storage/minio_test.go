package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCleanEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		endpoint string
		want     string
		wantErr  bool
	}{
		{name: "host and port", endpoint: "minio.local:9000", want: "minio.local:9000"},
		{name: "http url", endpoint: "http://minio.local:9000", want: "minio.local:9000"},
		{name: "https url with slash", endpoint: "https://s3.example.com/", want: "s3.example.com"},
		{name: "empty", endpoint: "", wantErr: true},
		{name: "path without scheme", endpoint: "minio.local/reports", wantErr: true},
		{name: "url with path", endpoint: "https://s3.example.com/bucket", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cleanEndpoint(tt.endpoint)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestReportKey(t *testing.T) {
	t.Parallel()
	require.Equal(t, "reports/2f1c.json", ReportKey("2f1c"))
}

func TestNewMinIOReportStore_RequiresBucket(t *testing.T) {
	t.Parallel()

	_, err := NewMinIOReportStore(Config{Endpoint: "localhost:9000"})
	require.Error(t, err)
}

func TestMinIOReportStore_PutReport(t *testing.T) {
	t.Parallel()

	var (
		gotMethod      string
		gotPath        string
		gotContentType string
		gotBody        string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store, err := NewMinIOReportStore(Config{
		Endpoint:  srv.URL,
		AccessKey: "access",
		SecretKey: "secret",
		Bucket:    "sync-reports",
		Region:    "us-east-1",
	})
	require.NoError(t, err)

	report := `{"run_id":"abc","uploaded":250}`
	err = store.PutReport(context.Background(), ReportKey("abc"), []byte(report))
	require.NoError(t, err)

	require.Equal(t, http.MethodPut, gotMethod)
	require.Equal(t, "/sync-reports/reports/abc.json", gotPath)
	require.Equal(t, "application/json", gotContentType)
	require.True(t, strings.Contains(gotBody, `"uploaded":250`))
}

func TestMinIOReportStore_PutReportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>Access Denied.</Message></Error>`)
	}))
	defer srv.Close()

	store, err := NewMinIOReportStore(Config{
		Endpoint:  srv.URL,
		AccessKey: "access",
		SecretKey: "secret",
		Bucket:    "sync-reports",
		Region:    "us-east-1",
	})
	require.NoError(t, err)

	err = store.PutReport(context.Background(), "reports/abc.json", []byte("{}"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "reports/abc.json")
}
