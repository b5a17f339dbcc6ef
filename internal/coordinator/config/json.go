package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/relayforge/relayforge/internal/flagx"
	"github.com/relayforge/relayforge/internal/timex"
)

// JsonConfig is the intermediate DTO used only for reading a queued JSON
// configuration file.
type JsonConfig struct {
	ListenAddr           string         `json:"listen_addr"`
	MaxSlotsPerDirection int            `json:"max_slots_per_direction"`
	JWTSecret            string         `json:"jwt_secret"`
	TokenValidity        timex.Duration `json:"token_validity"`
	DefaultKeepAlive     timex.Duration `json:"default_keep_alive"`
}

// parseJson loads configuration values from the JSON file named by -c/-config
// (if any) into config.
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

	config.ListenAddr = c.ListenAddr
	config.MaxSlotsPerDirection = c.MaxSlotsPerDirection
	config.JWTSecret = c.JWTSecret
	config.TokenValidity = time.Duration(c.TokenValidity.Duration)
	config.DefaultKeepAlive = time.Duration(c.DefaultKeepAlive.Duration)
}
