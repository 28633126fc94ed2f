package storage

import (
	"context"
	"fmt"
	"path"
)

// ReportStore archives serialized run reports
type ReportStore interface {
	PutReport(ctx context.Context, name string, data []byte) error
}

// Config contains connection settings for an S3-compatible endpoint
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
	Bucket    string
	Region    string
}

// reportPrefix is where run reports live inside the bucket
const reportPrefix = "reports"

// ReportKey returns the object key of the report for runID
func ReportKey(runID string) string {
	return path.Join(reportPrefix, fmt.Sprintf("%s.json", runID))
}
