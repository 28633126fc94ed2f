package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"graph2search/internal/directory"
	"graph2search/internal/logger"
	"graph2search/internal/sink"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces environment overrides, e.g. GRAPH2SEARCH_SYNC_BATCH_SIZE
const EnvPrefix = "GRAPH2SEARCH"

// Config represents the application configuration
type Config struct {
	Source   SourceConfig `yaml:"source"`
	Sink     SinkConfig   `yaml:"sink"`
	Sync     SyncConfig   `yaml:"sync"`
	Report   ReportConfig `yaml:"report"`
	LogLevel string       `yaml:"log_level"`
}

// SourceConfig points at the Graph tenant to read users from
type SourceConfig struct {
	TenantID       string `yaml:"tenant_id"`
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	Authority      string `yaml:"authority"`
	BaseURL        string `yaml:"base_url"`
	PageSize       int    `yaml:"page_size"`
	PictureBaseURL string `yaml:"picture_base_url"`
}

// SinkConfig points at the search index receiving the records
type SinkConfig struct {
	Endpoint   string        `yaml:"endpoint"`
	Index      string        `yaml:"index"`
	APIKey     string        `yaml:"api_key"`
	APIVersion string        `yaml:"api_version"`
	Timeout    time.Duration `yaml:"timeout"`
}

// SyncConfig controls batching, retries and scheduling
type SyncConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	Concurrency  int           `yaml:"concurrency"`
	Retries      int           `yaml:"retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	Interval     time.Duration `yaml:"interval"`
	Checkpoint   string        `yaml:"checkpoint"`
	DryRun       bool          `yaml:"dry_run"`
	ShowProgress bool          `yaml:"show_progress"`
	MetricsAddr  string        `yaml:"metrics_addr"`
}

// ReportConfig is the optional S3-compatible archive for run reports
type ReportConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
}

// Enabled reports whether run reports should be archived
func (r ReportConfig) Enabled() bool {
	return r.Bucket != ""
}

// Default returns the configuration used before any file, env or flag is applied
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Source: SourceConfig{
			Authority: directory.DefaultAuthority,
			BaseURL:   directory.DefaultBaseURL,
			PageSize:  directory.DefaultPageSize,
		},
		Sink: SinkConfig{
			APIVersion: sink.DefaultAPIVersion,
			Timeout:    sink.DefaultTimeout,
		},
		Sync: SyncConfig{
			BatchSize:    1000,
			Concurrency:  4,
			Retries:      5,
			RetryBackoff: 2 * time.Second,
			Checkpoint:   "./graph2search.db",
			ShowProgress: true,
			MetricsAddr:  ":9090",
		},
		Report: ReportConfig{
			Secure: true,
		},
	}
}

// binding ties a dotted config key to its flag name and destination field
type binding struct {
	key    string
	flag   string
	target any
}

func (c *Config) bindings() []binding {
	return []binding{
		{"source.tenant_id", "tenant-id", &c.Source.TenantID},
		{"source.client_id", "client-id", &c.Source.ClientID},
		{"source.client_secret", "client-secret", &c.Source.ClientSecret},
		{"source.authority", "", &c.Source.Authority},
		{"source.base_url", "graph-url", &c.Source.BaseURL},
		{"source.page_size", "page-size", &c.Source.PageSize},
		{"source.picture_base_url", "picture-base-url", &c.Source.PictureBaseURL},

		{"sink.endpoint", "search-endpoint", &c.Sink.Endpoint},
		{"sink.index", "search-index", &c.Sink.Index},
		{"sink.api_key", "search-api-key", &c.Sink.APIKey},
		{"sink.api_version", "", &c.Sink.APIVersion},
		{"sink.timeout", "", &c.Sink.Timeout},

		{"sync.batch_size", "batch-size", &c.Sync.BatchSize},
		{"sync.concurrency", "concurrency", &c.Sync.Concurrency},
		{"sync.retries", "retries", &c.Sync.Retries},
		{"sync.retry_backoff", "retry-backoff", &c.Sync.RetryBackoff},
		{"sync.interval", "interval", &c.Sync.Interval},
		{"sync.checkpoint", "checkpoint", &c.Sync.Checkpoint},
		{"sync.dry_run", "dry-run", &c.Sync.DryRun},
		{"sync.show_progress", "show-progress", &c.Sync.ShowProgress},
		{"sync.metrics_addr", "metrics-addr", &c.Sync.MetricsAddr},

		{"report.endpoint", "report-endpoint", &c.Report.Endpoint},
		{"report.access_key", "", &c.Report.AccessKey},
		{"report.secret_key", "", &c.Report.SecretKey},
		{"report.secure", "", &c.Report.Secure},
		{"report.bucket", "report-bucket", &c.Report.Bucket},
		{"report.region", "", &c.Report.Region},

		{"log_level", "log-level", &c.LogLevel},
	}
}

// RegisterFlags declares the command line overrides on flags
func RegisterFlags(flags *pflag.FlagSet) {
	d := Default()

	// Source flags
	flags.String("tenant-id", "", "Entra ID tenant ID")
	flags.String("client-id", "", "App registration client ID")
	flags.String("client-secret", "", "App registration client secret")
	flags.String("graph-url", d.Source.BaseURL, "Microsoft Graph base URL")
	flags.Int("page-size", d.Source.PageSize, "Users requested per Graph page")
	flags.String("picture-base-url", "", "Base URL used to derive profile picture links")

	// Sink flags
	flags.String("search-endpoint", "", "Search service endpoint")
	flags.String("search-index", "", "Search index name")
	flags.String("search-api-key", "", "Search service admin key")

	// Sync flags
	flags.Int("batch-size", d.Sync.BatchSize, "Records per upsert batch")
	flags.Int("concurrency", d.Sync.Concurrency, "Maximum batches uploading at once")
	flags.Int("retries", d.Sync.Retries, "Maximum upload attempts per batch")
	flags.Duration("retry-backoff", d.Sync.RetryBackoff, "Delay before the first retry, doubled on each further retry")
	flags.Duration("interval", d.Sync.Interval, "Time between sync runs (0 runs once)")
	flags.String("checkpoint", d.Sync.Checkpoint, "Sync ledger database file")
	flags.Bool("dry-run", false, "Read and plan without uploading")
	flags.Bool("show-progress", d.Sync.ShowProgress, "Show progress display")
	flags.String("metrics-addr", d.Sync.MetricsAddr, "Prometheus listen address (empty disables)")

	// Report flags
	flags.String("report-endpoint", "", "S3-compatible endpoint for run reports")
	flags.String("report-bucket", "", "Bucket for run reports (empty disables)")

	flags.String("log-level", d.LogLevel, "Log level (debug/info/warn/error)")
}

// Load builds the configuration from defaults, the YAML file, environment and changed flags, in that order
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := loadFromEnv(cfg, newEnvViper()); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadLedgerPath resolves only the sync ledger location, through the same file, env
// and flag chain as Load but without requiring credentials
func LoadLedgerPath(configFile string, flags *pflag.FlagSet) (string, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return "", fmt.Errorf("failed to load config file: %w", err)
		}
	}
	if err := loadFromEnv(cfg, newEnvViper()); err != nil {
		return "", fmt.Errorf("failed to load environment: %w", err)
	}
	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return "", fmt.Errorf("failed to load flags: %w", err)
		}
	}

	if cfg.Sync.Checkpoint == "" {
		return "", fmt.Errorf("invalid configuration: checkpoint path is required")
	}
	return cfg.Sync.Checkpoint, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func newEnvViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	return v
}

func loadFromEnv(cfg *Config, v *viper.Viper) error {
	for _, b := range cfg.bindings() {
		if !v.IsSet(b.key) {
			continue
		}
		raw := v.GetString(b.key)

		switch p := b.target.(type) {
		case *string:
			*p = raw
		case *int:
			n, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil {
				return fmt.Errorf("%s: %w", b.key, err)
			}
			*p = n
		case *bool:
			*p = v.GetBool(b.key)
		case *time.Duration:
			d, err := time.ParseDuration(strings.TrimSpace(raw))
			if err != nil {
				return fmt.Errorf("%s: %w", b.key, err)
			}
			*p = d
		}
	}
	return nil
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	for _, b := range cfg.bindings() {
		if b.flag == "" || flags.Lookup(b.flag) == nil || !flags.Changed(b.flag) {
			continue
		}

		var err error
		switch p := b.target.(type) {
		case *string:
			*p, err = flags.GetString(b.flag)
		case *int:
			*p, err = flags.GetInt(b.flag)
		case *bool:
			*p, err = flags.GetBool(b.flag)
		case *time.Duration:
			*p, err = flags.GetDuration(b.flag)
		}
		if err != nil {
			return fmt.Errorf("--%s: %w", b.flag, err)
		}
	}
	return nil
}

func (c *Config) validate() error {
	if c.Source.TenantID == "" {
		return fmt.Errorf("source tenant id is required")
	}
	if c.Source.ClientID == "" {
		return fmt.Errorf("source client id is required")
	}
	if c.Source.ClientSecret == "" {
		return fmt.Errorf("source client secret is required")
	}
	if c.Source.PageSize <= 0 || c.Source.PageSize > directory.DefaultPageSize {
		return fmt.Errorf("page size must be between 1 and %d", directory.DefaultPageSize)
	}

	// A dry run never talks to the sink
	if !c.Sync.DryRun {
		if c.Sink.Endpoint == "" {
			return fmt.Errorf("sink endpoint is required")
		}
		if c.Sink.Index == "" {
			return fmt.Errorf("sink index is required")
		}
		if c.Sink.APIKey == "" {
			return fmt.Errorf("sink api key is required")
		}
	}

	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.Sync.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.Sync.Retries <= 0 {
		return fmt.Errorf("retries must be positive")
	}
	if c.Sync.RetryBackoff <= 0 {
		return fmt.Errorf("retry backoff must be positive")
	}
	if c.Sync.Interval < 0 {
		return fmt.Errorf("interval cannot be negative")
	}
	if c.Sync.Checkpoint == "" {
		return fmt.Errorf("checkpoint path is required")
	}

	if c.Report.Enabled() && c.Report.Endpoint == "" {
		return fmt.Errorf("report endpoint is required when a report bucket is set")
	}

	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}

	return nil
}
