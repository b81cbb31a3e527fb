// Package config loads and validates service configuration.
package config

import (
	"fmt"
	"strings"
)

// ValidateCore ensures critical configuration is present.
func (c *Config) ValidateCore() error {
	var missing []string

	if strings.TrimSpace(c.Database.URL) == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if strings.TrimSpace(c.Redis.URL) == "" {
		missing = append(missing, "REDIS_URL")
	}
	if strings.TrimSpace(c.Server.Port) == "" {
		missing = append(missing, "SERVER_PORT")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	var invalid []string
	if c.Reconciliation.Tolerance.IsNegative() {
		invalid = append(invalid, "RECONCILIATION_TOLERANCE must not be negative")
	}
	if c.Reconciliation.BatchSize <= 0 {
		invalid = append(invalid, "RECONCILIATION_BATCH_SIZE must be positive")
	}
	if c.Reconciliation.DailyScanLimit < 0 || c.Reconciliation.QuickScanLimit < 0 {
		invalid = append(invalid, "RECONCILIATION_*_SCAN_LIMIT must not be negative")
	}
	if c.Queue.Concurrency <= 0 {
		invalid = append(invalid, "QUEUE_CONCURRENCY must be positive")
	}
	if c.Queue.Attempts <= 0 {
		invalid = append(invalid, "QUEUE_ATTEMPTS must be positive")
	}
	if c.Settlement.Window <= 0 {
		invalid = append(invalid, "SETTLEMENT_WINDOW must be positive")
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(invalid, "; "))
	}

	return nil
}
