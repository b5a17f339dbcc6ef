// Package config loads runtime configuration for the relayforged agent
// daemon.
//
// Sources & precedence, exactly as the teacher's client/server config
// packages layer them:
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file selected via -c/-config.
//  3. Command-line flags, which override earlier values.
package config

import "time"

// Config holds runtime settings for one relayforged process.
//
// Fields:
//   - ControlListenAddr: address the CEDAR control listener binds (spec §6).
//   - CoordinatorAddr: the queued coordinator's gRPC address; empty disables
//     transfer-queue admission entirely and every session runs unthrottled.
//   - CoordinatorToken: the HMAC admission token presented on every
//     RequestSlot/KeepAlive/Release call.
//   - QueueUserExpr: the queue-user expression sessions request slots under.
//   - SandboxRoot: directory whose pending/ subdirectory is polled for job
//     ads to register; each job's sandbox is the job's own Iwd (spec §2).
//   - PluginPaths: plugin binaries probed at startup (C3 discovery).
//   - ReuseCacheDriver: "sqlite", "postgres", or "none".
//   - ReuseCacheDSN / ReuseBlobDir: backing-store connection info (§4.11).
//   - ReuseReserveBytes: default per-session reservation size when a job
//     does not estimate its own sandbox bytes.
//   - StatsLogPath: append-only statistics log path (§6); empty disables it.
//   - MaxTransferInputMB / MaxTransferOutputMB: default sandbox quotas
//     applied when a job ad does not set its own.
type Config struct {
	ControlListenAddr string
	CoordinatorAddr   string
	CoordinatorToken  string
	QueueUserExpr     string

	SandboxRoot string
	PluginPaths []string

	ReuseCacheDriver  string
	ReuseCacheDSN     string
	ReuseBlobDir      string
	ReuseReserveBytes int64

	StatsLogPath string

	MaxTransferInputMB  int64
	MaxTransferOutputMB int64

	QueueKeepAlive time.Duration

	// SignRegion/SignAccessKey/SignSecretKey/SignEndpoint/SignURLExpiry
	// configure the sign.Signer used to presign s3:// output destinations
	// (spec §4.10). SignRegion empty disables sign negotiation entirely:
	// downloads decline every sign request instead of erroring.
	SignRegion    string
	SignAccessKey string
	SignSecretKey string
	SignEndpoint  string
	SignURLExpiry time.Duration

	// RunPluginsWithRoot mirrors RUN_FILETRANSFER_PLUGINS_WITH_ROOT: plugin
	// subprocesses run under the service-principal identity instead of the
	// job owner's.
	RunPluginsWithRoot bool
}

// LoadDefaults populates c with sensible development defaults. NOTE: these
// values are insecure for production and should be overridden.
func (c *Config) LoadDefaults() {
	c.ControlListenAddr = ":9618"
	c.CoordinatorAddr = ""
	c.CoordinatorToken = ""
	c.QueueUserExpr = "default"

	c.SandboxRoot = "/var/lib/relayforge/sandboxes"
	c.PluginPaths = nil

	c.ReuseCacheDriver = "sqlite"
	c.ReuseCacheDSN = "/var/lib/relayforge/reuse.db"
	c.ReuseBlobDir = "/var/lib/relayforge/reuse-blobs"
	c.ReuseReserveBytes = 0

	c.StatsLogPath = ""

	c.MaxTransferInputMB = 0
	c.MaxTransferOutputMB = 0

	c.QueueKeepAlive = 30 * time.Second

	c.SignRegion = ""
	c.SignAccessKey = ""
	c.SignSecretKey = ""
	c.SignEndpoint = ""
	c.SignURLExpiry = 15 * time.Minute

	c.RunPluginsWithRoot = false
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
