// Package config holds the runtime configuration for the classification
// engine. It covers the upstream credentials, pacing and retry budgets,
// database and AWS targets, and the per-invocation wall-clock limit.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Service names accepted on uploaded files. The rate-limited single-lookup
// service paces every upstream call through the gate; the bulk service posts
// whole payloads and uses larger chunks.
const (
	ServiceBlooio     = "blooio"
	ServiceBlooioBulk = "blooio_bulk"
)

// Config holds all configuration for the engine. Zero values are invalid;
// build one with FromEnv or by hand and call Validate before use.
type Config struct {
	UpstreamBaseURL string        // Base URL of the capability lookup service
	UpstreamAPIKey  string        // Bearer token for the upstream
	DatabaseURL     string        // Postgres DSN (postgres://...)
	CacheTable      string        // DynamoDB table holding cached verdicts
	ResultsS3URI    string        // S3 URI prefix for result CSVs (s3://bucket/prefix)
	Region          string        // AWS region
	RateLimitRPS    int           // Strict minimum-interval pacing for the upstream
	MaxWallTime     time.Duration // Per worker-invocation wall-clock budget
	MaxRetries      int           // Per chunk, and separately per upstream call
	ChunkSize       int           // Phones per chunk, rate-limited service
	BulkChunkSize   int           // Phones per chunk, bulk service
	CacheTTLMonths  int           // Freshness bound for cached verdicts
	Workers         int           // Concurrent worker lanes in the daemon
	PollInterval    time.Duration // Daemon tick interval
	UpstreamTimeout time.Duration // Per upstream call deadline
	ShutdownTimeout time.Duration // Graceful shutdown timeout

	// Internal fields
	resultsBucket string // Bucket name parsed from ResultsS3URI
	resultsPrefix string // Key prefix parsed from ResultsS3URI
}

// Defaults returns a Config with every tunable at its default. Upstream
// credentials, database DSN, cache table and results URI must still be set.
func Defaults() *Config {
	return &Config{
		RateLimitRPS:    4,
		MaxWallTime:     280 * time.Second,
		MaxRetries:      3,
		ChunkSize:       500,
		BulkChunkSize:   5000,
		CacheTTLMonths:  6,
		Workers:         1,
		PollInterval:    15 * time.Second,
		UpstreamTimeout: 15 * time.Second,
		ShutdownTimeout: 5 * time.Minute,
	}
}

// FromEnv builds a Config from the process environment on top of Defaults.
// Recognized variables: UPSTREAM_BASE_URL, UPSTREAM_API_KEY, DATABASE_URL,
// CACHE_TABLE, RESULTS_S3_URI, AWS_REGION, RATE_LIMIT_RPS, MAX_WALL_TIME_MS,
// MAX_RETRIES, CHUNK_SIZE, BULK_CHUNK_SIZE, CACHE_TTL_MONTHS, WORKERS.
func FromEnv() (*Config, error) {
	cfg := Defaults()
	cfg.UpstreamBaseURL = os.Getenv("UPSTREAM_BASE_URL")
	cfg.UpstreamAPIKey = os.Getenv("UPSTREAM_API_KEY")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.CacheTable = os.Getenv("CACHE_TABLE")
	cfg.ResultsS3URI = os.Getenv("RESULTS_S3_URI")
	cfg.Region = os.Getenv("AWS_REGION")

	for _, v := range []struct {
		name string
		dst  *int
	}{
		{"RATE_LIMIT_RPS", &cfg.RateLimitRPS},
		{"MAX_RETRIES", &cfg.MaxRetries},
		{"CHUNK_SIZE", &cfg.ChunkSize},
		{"BULK_CHUNK_SIZE", &cfg.BulkChunkSize},
		{"CACHE_TTL_MONTHS", &cfg.CacheTTLMonths},
		{"WORKERS", &cfg.Workers},
	} {
		if s := os.Getenv(v.name); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", v.name, err)
			}
			*v.dst = n
		}
	}

	if s := os.Getenv("MAX_WALL_TIME_MS"); s != "" {
		ms, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_WALL_TIME_MS: %w", err)
		}
		cfg.MaxWallTime = time.Duration(ms) * time.Millisecond
	}

	return cfg, nil
}

// GetResultsBucket returns the bucket name parsed from ResultsS3URI.
func (c *Config) GetResultsBucket() string {
	return c.resultsBucket
}

// GetResultsPrefix returns the key prefix parsed from ResultsS3URI.
func (c *Config) GetResultsPrefix() string {
	return c.resultsPrefix
}

// CacheTTL returns the cache freshness bound as a duration. Months are
// counted as 30 days; the bound is enforced on read, not by expiry.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLMonths) * 30 * 24 * time.Hour
}

// ChunkSizeFor returns the chunk payload size for a service variant.
func (c *Config) ChunkSizeFor(service string) int {
	if service == ServiceBlooioBulk {
		return c.BulkChunkSize
	}
	return c.ChunkSize
}

// Validate ensures all required fields are present and have sane values.
func (c *Config) Validate() error {
	if c.UpstreamBaseURL == "" {
		return fmt.Errorf("upstream base URL is required")
	}
	if _, err := url.Parse(c.UpstreamBaseURL); err != nil {
		return fmt.Errorf("invalid upstream base URL: %w", err)
	}
	if c.UpstreamAPIKey == "" {
		return fmt.Errorf("upstream API key is required")
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("database URL is required")
	}
	if !strings.HasPrefix(c.DatabaseURL, "postgres://") && !strings.HasPrefix(c.DatabaseURL, "postgresql://") {
		return fmt.Errorf("database URL must use postgres scheme")
	}

	if c.CacheTable == "" {
		return fmt.Errorf("cache table is required")
	}

	if c.ResultsS3URI == "" {
		return fmt.Errorf("results S3 URI is required")
	}
	u, err := url.Parse(c.ResultsS3URI)
	if err != nil {
		return fmt.Errorf("invalid results S3 URI: %w", err)
	}
	if u.Scheme != "s3" {
		return fmt.Errorf("results S3 URI must use s3 scheme")
	}
	c.resultsBucket = u.Host
	c.resultsPrefix = strings.Trim(u.Path, "/")

	if c.Region == "" {
		return fmt.Errorf("region is required")
	}

	if c.RateLimitRPS < 1 {
		return fmt.Errorf("rate limit must be at least 1 request per second")
	}

	if c.MaxWallTime < time.Second || c.MaxWallTime > 280*time.Second {
		return fmt.Errorf("max wall time must be between 1s and 280s")
	}

	if c.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1")
	}

	if c.ChunkSize < 1 {
		return fmt.Errorf("chunk size must be at least 1")
	}
	if c.BulkChunkSize < c.ChunkSize {
		return fmt.Errorf("bulk chunk size must be at least the chunk size")
	}

	if c.CacheTTLMonths < 1 {
		return fmt.Errorf("cache TTL must be at least 1 month")
	}

	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}

	if c.ShutdownTimeout < time.Second {
		return fmt.Errorf("shutdown timeout must be at least 1 second")
	}

	return nil
}
