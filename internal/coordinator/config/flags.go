package config

import (
	"flag"
	"os"
	"time"

	"github.com/relayforge/relayforge/internal/flagx"
)

// parseFlags populates selected coordinator Config fields from command-line
// flags.
//
// Supported flags (short forms):
//
//	-a string   gRPC bind address
//	-n int      max concurrent go-ahead slots per direction (0 = unlimited)
//	-s string   JWT HMAC secret
//	-t int      admission token validity, minutes
//	-k int      default keep-alive interval, seconds
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-n", "-s", "-t", "-k"})

	fs := flag.NewFlagSet("queued", flag.ContinueOnError)

	fs.StringVar(&config.ListenAddr, "a", config.ListenAddr, "gRPC bind address")
	fs.IntVar(&config.MaxSlotsPerDirection, "n", config.MaxSlotsPerDirection, "max concurrent go-ahead slots per direction")
	fs.StringVar(&config.JWTSecret, "s", config.JWTSecret, "JWT HMAC secret")

	tokenValidityMinutes := fs.Int("t", int(config.TokenValidity.Minutes()), "admission token validity, minutes")
	keepAliveSeconds := fs.Int("k", int(config.DefaultKeepAlive.Seconds()), "default keep-alive interval, seconds")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.TokenValidity = time.Duration(*tokenValidityMinutes) * time.Minute
	config.DefaultKeepAlive = time.Duration(*keepAliveSeconds) * time.Second
}
