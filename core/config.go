package core

import (
	"time"

	"letters-overlay/pkg/utils"
)

// RelayMetricsConfig is the relay's self-reported metrics block from
// config.json (§6.2, §6.4).
type RelayMetricsConfig struct {
	LatencyMs    *int64   `mapstructure:"latencyMs" json:"latencyMs,omitempty"`
	Reachability *float64 `mapstructure:"reachability" json:"reachability,omitempty"`
	GFWBlocked   bool     `mapstructure:"gfwBlocked" json:"gfwBlocked,omitempty"`
}

// RelayConfig is the recognized relay configuration (§6.2, §6.4).
type RelayConfig struct {
	DirectoryURL      string              `mapstructure:"directoryUrl" json:"directoryUrl,omitempty"`
	Onion             string              `mapstructure:"onion" json:"onion"`
	PublicURL         string              `mapstructure:"publicUrl" json:"publicUrl"`
	PublicAccessURL   string              `mapstructure:"publicAccessUrl" json:"publicAccessUrl,omitempty"`
	Nickname          string              `mapstructure:"nickname" json:"nickname,omitempty"`
	HeartbeatInterval int                 `mapstructure:"heartbeatInterval" json:"heartbeatInterval,omitempty"` // seconds
	Metrics           RelayMetricsConfig  `mapstructure:"metrics" json:"metrics,omitempty"`
	ActiveGenesisHash string              `mapstructure:"activeGenesisHash" json:"activeGenesisHash,omitempty"`
}

// AlignPublicURL implements §4.7: on every init and every config update, if
// PublicAccessURL is non-empty, PublicURL is forced to it.
func (c *RelayConfig) AlignPublicURL() {
	if c.PublicAccessURL != "" {
		c.PublicURL = c.PublicAccessURL
	}
}

// EffectivePublicURL returns the URL reports should prefer — the access URL
// when set, else the plain public URL.
func (c *RelayConfig) EffectivePublicURL() string {
	if c.PublicAccessURL != "" {
		return c.PublicAccessURL
	}
	return c.PublicURL
}

// Intervals holds the environment-overridable timer intervals from §6.4.
type Intervals struct {
	RelaySync            time.Duration
	RelayReport           time.Duration
	DirectoryMetricsPoll  time.Duration
	DirectoryMetricsTimeout time.Duration
}

// LoadIntervals reads RELAY_SYNC_INTERVAL_MS, RELAY_REPORT_INTERVAL_MS,
// DIRECTORY_METRICS_INTERVAL_MS, DIRECTORY_METRICS_TIMEOUT_MS, falling back
// to the documented defaults (§4.3, §4.4, §4.6) on a missing or invalid
// value, via the same EnvOrDefaultUint64 helper the teacher's pkg/utils
// exposes for every other env-tunable interval in the codebase.
func LoadIntervals() Intervals {
	return Intervals{
		RelaySync:               time.Duration(utils.EnvOrDefaultUint64("RELAY_SYNC_INTERVAL_MS", 60_000)) * time.Millisecond,
		RelayReport:              time.Duration(utils.EnvOrDefaultUint64("RELAY_REPORT_INTERVAL_MS", 120_000)) * time.Millisecond,
		DirectoryMetricsPoll:     time.Duration(utils.EnvOrDefaultUint64("DIRECTORY_METRICS_INTERVAL_MS", 180_000)) * time.Millisecond,
		DirectoryMetricsTimeout:  time.Duration(utils.EnvOrDefaultUint64("DIRECTORY_METRICS_TIMEOUT_MS", 8_000)) * time.Millisecond,
	}
}

// DefaultRetryBackoff is the write pipeline's default retry delay (§4.2).
const DefaultRetryBackoff = 2 * time.Second

// MaxReportBackoff and ReportBackoffStep implement §4.6's
// "min(30s, 2s * failures)" report retry schedule.
const (
	MaxReportBackoff  = 30 * time.Second
	ReportBackoffStep = 2 * time.Second
)

// ReportBackoff returns the retry delay after consecutiveFailures failed
// report attempts.
func ReportBackoff(consecutiveFailures int) time.Duration {
	d := time.Duration(consecutiveFailures) * ReportBackoffStep
	if d > MaxReportBackoff {
		return MaxReportBackoff
	}
	if d <= 0 {
		return ReportBackoffStep
	}
	return d
}
