// Clubprint is a Hello Club attendee sheet printing agent.
// Copyright (C) 2025  The Clubprint Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config produces the validated, immutable configuration value
// the rest of the service is constructed from. Options come from a JSON
// file; secrets (API key, SMTP credentials, printer email) come only
// from the environment and are never part of the file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Print modes.
const (
	PrintModeLocal = "local"
	PrintModeEmail = "email"
)

// ColumnConfig describes one column of the attendee sheet.
type ColumnConfig struct {
	ID     string  `json:"id"`
	Header string  `json:"header"`
	Width  float64 `json:"width"`
}

// PDFLayoutConfig is the visual contract for the attendee sheet.
type PDFLayoutConfig struct {
	Logo     string         `json:"logo,omitempty"`
	FontSize float64        `json:"fontSize"`
	Columns  []ColumnConfig `json:"columns"`
}

// RetryConfig bounds the per-job retry ladder.
type RetryConfig struct {
	MaxAttempts      int `json:"maxAttempts"`
	BaseDelayMinutes int `json:"baseDelayMinutes"`
}

// BaseDelay returns the first retry delay; subsequent delays double.
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMinutes) * time.Minute
}

// APIConfig tunes the upstream Hello Club client.
type APIConfig struct {
	BaseURL           string `json:"baseUrl"`
	PaginationLimit   int    `json:"paginationLimit"`
	PaginationDelayMs int    `json:"paginationDelayMs"`
	CacheFreshSeconds int    `json:"cacheFreshSeconds"`
	CacheStaleSeconds int    `json:"cacheStaleSeconds"`
}

// PaginationDelay returns the pause between attendee pages.
func (a APIConfig) PaginationDelay() time.Duration {
	return time.Duration(a.PaginationDelayMs) * time.Millisecond
}

// CacheFresh returns the fresh TTL for cached API responses.
func (a APIConfig) CacheFresh() time.Duration {
	return time.Duration(a.CacheFreshSeconds) * time.Second
}

// CacheStale returns the stale TTL for cached API responses.
func (a APIConfig) CacheStale() time.Duration {
	return time.Duration(a.CacheStaleSeconds) * time.Second
}

// WebhookConfig describes the optional outbound notification target.
type WebhookConfig struct {
	Enabled      bool   `json:"enabled"`
	URL          string `json:"url"`
	TimeoutMs    int    `json:"timeoutMs"`
	MaxRetries   int    `json:"maxRetries"`
	RetryDelayMs int    `json:"retryDelayMs"`
}

// Timeout returns the per-request webhook timeout.
func (w WebhookConfig) Timeout() time.Duration {
	return time.Duration(w.TimeoutMs) * time.Millisecond
}

// RetryDelay returns the pause between webhook delivery attempts.
func (w WebhookConfig) RetryDelay() time.Duration {
	return time.Duration(w.RetryDelayMs) * time.Millisecond
}

// Config is the validated service configuration. It is constructed once
// at startup and treated as immutable afterwards.
type Config struct {
	Categories              []string        `json:"categories"`
	FetchWindowHours        int             `json:"fetchWindowHours"`
	PreEventQueryMinutes    int             `json:"preEventQueryMinutes"`
	ServiceRunIntervalHours float64         `json:"serviceRunIntervalHours"`
	PrintMode               string          `json:"printMode"`
	PrinterQueue            string          `json:"printerQueue,omitempty"`
	OutputFilename          string          `json:"outputFilename"`
	PDFLayout               PDFLayoutConfig `json:"pdfLayout"`
	Retry                   RetryConfig     `json:"retry"`
	API                     APIConfig       `json:"api"`
	Webhook                 WebhookConfig   `json:"webhook"`
	GraceWindowMinutes      int             `json:"graceWindowMinutes"`
	CleanupRetentionDays    int             `json:"cleanupRetentionDays"`

	DatabasePath   string `json:"databasePath"`
	HealthFilePath string `json:"healthFilePath"`
	LogDir         string `json:"logDir"`
	MetricsAddr    string `json:"metricsAddr,omitempty"`
}

// FetchWindow returns the forward discovery horizon.
func (c Config) FetchWindow() time.Duration {
	return time.Duration(c.FetchWindowHours) * time.Hour
}

// PreEventLead returns how long before start time a job fires.
func (c Config) PreEventLead() time.Duration {
	return time.Duration(c.PreEventQueryMinutes) * time.Minute
}

// DiscoveryInterval returns the period of the discovery loop.
func (c Config) DiscoveryInterval() time.Duration {
	return time.Duration(c.ServiceRunIntervalHours * float64(time.Hour))
}

// GraceWindow returns the maximum past-due age at which a job still fires.
func (c Config) GraceWindow() time.Duration {
	return time.Duration(c.GraceWindowMinutes) * time.Minute
}

// CleanupRetention returns the age past which terminal rows are pruned.
func (c Config) CleanupRetention() time.Duration {
	return time.Duration(c.CleanupRetentionDays) * 24 * time.Hour
}

// Default returns the configuration defaults documented in the README.
func Default() Config {
	return Config{
		Categories:              nil,
		FetchWindowHours:        24,
		PreEventQueryMinutes:    5,
		ServiceRunIntervalHours: 1,
		PrintMode:               PrintModeLocal,
		OutputFilename:          "attendee-sheet.pdf",
		PDFLayout: PDFLayoutConfig{
			FontSize: 10,
			Columns: []ColumnConfig{
				{ID: "name", Header: "Name", Width: 55},
				{ID: "phone", Header: "Phone", Width: 35},
				{ID: "signUpDate", Header: "Signed Up", Width: 35},
				{ID: "fee", Header: "Fee", Width: 25},
				{ID: "status", Header: "Status", Width: 30},
			},
		},
		Retry: RetryConfig{MaxAttempts: 3, BaseDelayMinutes: 5},
		API: APIConfig{
			BaseURL:           "https://api.helloclub.com",
			PaginationLimit:   100,
			PaginationDelayMs: 1000,
			CacheFreshSeconds: 120,
			CacheStaleSeconds: 1800,
		},
		Webhook: WebhookConfig{
			Enabled:      false,
			TimeoutMs:    10000,
			MaxRetries:   2,
			RetryDelayMs: 2000,
		},
		GraceWindowMinutes:   60,
		CleanupRetentionDays: 30,
		DatabasePath:         "clubprint.db",
		HealthFilePath:       "service-health.json",
		LogDir:               "logs",
	}
}

// Load reads the JSON config file at path, applies defaults for absent
// fields, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration and returns the first violation.
func (c *Config) Validate() error {
	if c.FetchWindowHours <= 0 {
		return fmt.Errorf("fetchWindowHours must be positive, got %d", c.FetchWindowHours)
	}
	if c.PreEventQueryMinutes <= 0 {
		return fmt.Errorf("preEventQueryMinutes must be positive, got %d", c.PreEventQueryMinutes)
	}
	if c.ServiceRunIntervalHours <= 0 {
		return fmt.Errorf("serviceRunIntervalHours must be positive, got %v", c.ServiceRunIntervalHours)
	}
	if c.PrintMode != PrintModeLocal && c.PrintMode != PrintModeEmail {
		return fmt.Errorf("printMode must be %q or %q, got %q", PrintModeLocal, PrintModeEmail, c.PrintMode)
	}
	if c.PrintMode == PrintModeLocal && c.PrinterQueue == "" {
		return fmt.Errorf("printerQueue is required when printMode is %q", PrintModeLocal)
	}
	if c.OutputFilename == "" {
		return fmt.Errorf("outputFilename cannot be empty")
	}
	if c.PDFLayout.FontSize <= 0 {
		return fmt.Errorf("pdfLayout.fontSize must be positive, got %v", c.PDFLayout.FontSize)
	}
	if len(c.PDFLayout.Columns) == 0 {
		return fmt.Errorf("pdfLayout.columns cannot be empty")
	}
	for i, col := range c.PDFLayout.Columns {
		if col.ID == "" {
			return fmt.Errorf("pdfLayout.columns[%d].id cannot be empty", i)
		}
		if col.Width <= 0 {
			return fmt.Errorf("pdfLayout.columns[%d].width must be positive, got %v", i, col.Width)
		}
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.maxAttempts cannot be negative, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseDelayMinutes <= 0 {
		return fmt.Errorf("retry.baseDelayMinutes must be positive, got %d", c.Retry.BaseDelayMinutes)
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.baseUrl cannot be empty")
	}
	if c.API.PaginationLimit <= 0 {
		return fmt.Errorf("api.paginationLimit must be positive, got %d", c.API.PaginationLimit)
	}
	if c.API.PaginationDelayMs < 0 {
		return fmt.Errorf("api.paginationDelayMs cannot be negative, got %d", c.API.PaginationDelayMs)
	}
	if c.API.CacheFreshSeconds <= 0 || c.API.CacheStaleSeconds <= 0 {
		return fmt.Errorf("api cache TTLs must be positive")
	}
	if c.API.CacheStaleSeconds < c.API.CacheFreshSeconds {
		return fmt.Errorf("api.cacheStaleSeconds must be >= api.cacheFreshSeconds")
	}
	if c.Webhook.Enabled {
		if c.Webhook.URL == "" {
			return fmt.Errorf("webhook.url is required when webhook.enabled is true")
		}
		if c.Webhook.TimeoutMs <= 0 {
			return fmt.Errorf("webhook.timeoutMs must be positive, got %d", c.Webhook.TimeoutMs)
		}
		if c.Webhook.MaxRetries < 0 {
			return fmt.Errorf("webhook.maxRetries cannot be negative, got %d", c.Webhook.MaxRetries)
		}
	}
	if c.GraceWindowMinutes <= 0 {
		return fmt.Errorf("graceWindowMinutes must be positive, got %d", c.GraceWindowMinutes)
	}
	if c.CleanupRetentionDays <= 0 {
		return fmt.Errorf("cleanupRetentionDays must be positive, got %d", c.CleanupRetentionDays)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("databasePath cannot be empty")
	}
	if c.HealthFilePath == "" {
		return fmt.Errorf("healthFilePath cannot be empty")
	}
	return nil
}

// Secrets holds values supplied out-of-band via the environment. They
// are deliberately not part of Config so they can never end up in a
// config file or a health snapshot.
type Secrets struct {
	APIKey       string
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	PrinterEmail string
	SenderEmail  string
}

// LoadSecrets reads secrets from the environment. requireSMTP should be
// true when printMode is "email".
func LoadSecrets(requireSMTP bool) (Secrets, error) {
	s := Secrets{
		APIKey:       os.Getenv("HELLOCLUB_API_KEY"),
		SMTPHost:     os.Getenv("SMTP_HOST"),
		SMTPUsername: os.Getenv("SMTP_USERNAME"),
		SMTPPassword: os.Getenv("SMTP_PASSWORD"),
		PrinterEmail: os.Getenv("PRINTER_EMAIL"),
		SenderEmail:  os.Getenv("SENDER_EMAIL"),
	}

	if s.APIKey == "" {
		return s, fmt.Errorf("HELLOCLUB_API_KEY is not set")
	}

	if port := os.Getenv("SMTP_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return s, fmt.Errorf("invalid SMTP_PORT value: %w", err)
		}
		s.SMTPPort = p
	} else {
		s.SMTPPort = 587
	}

	if requireSMTP {
		if s.SMTPHost == "" {
			return s, fmt.Errorf("SMTP_HOST is required for email print mode")
		}
		if s.PrinterEmail == "" {
			return s, fmt.Errorf("PRINTER_EMAIL is required for email print mode")
		}
		if s.SenderEmail == "" {
			s.SenderEmail = s.SMTPUsername
		}
		if s.SenderEmail == "" {
			return s, fmt.Errorf("SENDER_EMAIL or SMTP_USERNAME is required for email print mode")
		}
	}

	return s, nil
}
