// Package config loads runtime configuration for the queued transfer-queue
// coordinator, following the same defaults→JSON→flags layering as the
// teacher's server config package.
package config

import "time"

// Config holds runtime settings for one queued process.
//
// Fields:
//   - ListenAddr: gRPC bind address for the QueueService (§4.12).
//   - MaxSlotsPerDirection: concurrent go-ahead leases the ledger admits per
//     Direction; 0 means unlimited.
//   - JWTSecret: HMAC secret signing/verifying agent admission tokens.
//   - TokenValidity: lifetime of a minted admission token.
//   - DefaultKeepAlive: keep-alive interval the ledger adjusts a lease down
//     to when an agent requests a longer interval.
type Config struct {
	ListenAddr           string
	MaxSlotsPerDirection int
	JWTSecret            string
	TokenValidity        time.Duration
	DefaultKeepAlive     time.Duration
}

// LoadDefaults populates c with sensible development defaults. NOTE: these
// values are insecure for production and should be overridden.
func (c *Config) LoadDefaults() {
	c.ListenAddr = ":9750"
	c.MaxSlotsPerDirection = 10
	c.JWTSecret = "secretKey"
	c.TokenValidity = 5 * time.Minute
	c.DefaultKeepAlive = 30 * time.Second
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from an optional JSON file and finally from command-line flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
