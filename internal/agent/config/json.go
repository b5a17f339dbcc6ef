package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/relayforge/relayforge/internal/flagx"
	"github.com/relayforge/relayforge/internal/timex"
)

// JsonConfig is the intermediate DTO used only for reading a relayforged
// JSON configuration file; after unmarshalling its fields are copied into
// the runtime Config, which uses time.Duration instead of timex.Duration.
type JsonConfig struct {
	ControlListenAddr string   `json:"control_listen_addr"`
	CoordinatorAddr   string   `json:"coordinator_addr"`
	CoordinatorToken  string   `json:"coordinator_token"`
	QueueUserExpr     string   `json:"queue_user_expr"`
	SandboxRoot       string   `json:"sandbox_root"`
	PluginPaths       []string `json:"plugin_paths"`

	ReuseCacheDriver  string `json:"reuse_cache_driver"`
	ReuseCacheDSN     string `json:"reuse_cache_dsn"`
	ReuseBlobDir      string `json:"reuse_blob_dir"`
	ReuseReserveBytes int64  `json:"reuse_reserve_bytes"`

	StatsLogPath string `json:"stats_log_path"`

	MaxTransferInputMB  int64 `json:"max_transfer_input_mb"`
	MaxTransferOutputMB int64 `json:"max_transfer_output_mb"`

	QueueKeepAlive timex.Duration `json:"queue_keep_alive"`

	SignRegion    string         `json:"sign_region"`
	SignAccessKey string         `json:"sign_access_key"`
	SignSecretKey string         `json:"sign_secret_key"`
	SignEndpoint  string         `json:"sign_endpoint"`
	SignURLExpiry timex.Duration `json:"sign_url_expiry"`

	RunPluginsWithRoot bool `json:"run_plugins_with_root"`
}

// parseJson loads configuration values from the JSON file named by -c/-config
// (if any) into config. Missing file path is not an error: it just means no
// JSON overlay is applied.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	config.ControlListenAddr = c.ControlListenAddr
	config.CoordinatorAddr = c.CoordinatorAddr
	config.CoordinatorToken = c.CoordinatorToken
	config.QueueUserExpr = c.QueueUserExpr
	config.SandboxRoot = c.SandboxRoot
	config.PluginPaths = c.PluginPaths

	config.ReuseCacheDriver = c.ReuseCacheDriver
	config.ReuseCacheDSN = c.ReuseCacheDSN
	config.ReuseBlobDir = c.ReuseBlobDir
	config.ReuseReserveBytes = c.ReuseReserveBytes

	config.StatsLogPath = c.StatsLogPath

	config.MaxTransferInputMB = c.MaxTransferInputMB
	config.MaxTransferOutputMB = c.MaxTransferOutputMB

	config.QueueKeepAlive = time.Duration(c.QueueKeepAlive.Duration)

	config.SignRegion = c.SignRegion
	config.SignAccessKey = c.SignAccessKey
	config.SignSecretKey = c.SignSecretKey
	config.SignEndpoint = c.SignEndpoint
	config.SignURLExpiry = time.Duration(c.SignURLExpiry.Duration)

	config.RunPluginsWithRoot = c.RunPluginsWithRoot
}
