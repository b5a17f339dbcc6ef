package config

import (
	"flag"
	"os"
	"strings"
	"time"

	"github.com/relayforge/relayforge/internal/flagx"
)

// parseFlags populates selected agent Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string    control listener bind address
//	-q string    coordinator gRPC address
//	-k string    coordinator admission token
//	-u string    queue-user expression
//	-s string    sandbox root directory
//	-p string    comma-separated plugin binary paths
//	-rd string   reuse cache driver (sqlite|postgres|none)
//	-rdsn string reuse cache DSN
//	-rblob string reuse cache blob directory
//	-rb int      default reuse reservation size, MB
//	-stats string statistics log path
//	-mi int      default max transfer input, MB
//	-mo int      default max transfer output, MB
//	-ka int      queue keep-alive interval, seconds
//	-sr string   sign S3 region (empty disables sign negotiation)
//	-sak string  sign S3 access key
//	-ssk string  sign S3 secret key
//	-sep string  sign S3-compatible endpoint override
//	-sexp int    presigned URL expiry, minutes
//	-root bool   run filetransfer plugins under the service-principal identity
//
// As with the teacher's loaders, os.Args is filtered to only the flags
// handled here before parsing, so other components' flags never collide.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{
		"-a", "-q", "-k", "-u", "-s", "-p",
		"-rd", "-rdsn", "-rblob", "-rb",
		"-stats", "-mi", "-mo", "-ka",
		"-sr", "-sak", "-ssk", "-sep", "-sexp",
		"-root",
	})

	fs := flag.NewFlagSet("relayforged", flag.ContinueOnError)

	fs.StringVar(&config.ControlListenAddr, "a", config.ControlListenAddr, "control listener bind address")
	fs.StringVar(&config.CoordinatorAddr, "q", config.CoordinatorAddr, "coordinator gRPC address")
	fs.StringVar(&config.CoordinatorToken, "k", config.CoordinatorToken, "coordinator admission token")
	fs.StringVar(&config.QueueUserExpr, "u", config.QueueUserExpr, "queue-user expression")
	fs.StringVar(&config.SandboxRoot, "s", config.SandboxRoot, "sandbox root directory")

	pluginPaths := fs.String("p", strings.Join(config.PluginPaths, ","), "comma-separated plugin binary paths")

	fs.StringVar(&config.ReuseCacheDriver, "rd", config.ReuseCacheDriver, "reuse cache driver (sqlite|postgres|none)")
	fs.StringVar(&config.ReuseCacheDSN, "rdsn", config.ReuseCacheDSN, "reuse cache DSN")
	fs.StringVar(&config.ReuseBlobDir, "rblob", config.ReuseBlobDir, "reuse cache blob directory")

	reuseReserveMB := fs.Int64("rb", config.ReuseReserveBytes/(1024*1024), "default reuse reservation size, MB")

	fs.StringVar(&config.StatsLogPath, "stats", config.StatsLogPath, "statistics log path")

	maxInMB := fs.Int64("mi", config.MaxTransferInputMB, "default max transfer input, MB")
	maxOutMB := fs.Int64("mo", config.MaxTransferOutputMB, "default max transfer output, MB")
	keepAliveSeconds := fs.Int("ka", int(config.QueueKeepAlive.Seconds()), "queue keep-alive interval, seconds")

	fs.StringVar(&config.SignRegion, "sr", config.SignRegion, "sign S3 region (empty disables sign negotiation)")
	fs.StringVar(&config.SignAccessKey, "sak", config.SignAccessKey, "sign S3 access key")
	fs.StringVar(&config.SignSecretKey, "ssk", config.SignSecretKey, "sign S3 secret key")
	fs.StringVar(&config.SignEndpoint, "sep", config.SignEndpoint, "sign S3-compatible endpoint override")
	signExpiryMinutes := fs.Int("sexp", int(config.SignURLExpiry.Minutes()), "presigned URL expiry, minutes")

	fs.BoolVar(&config.RunPluginsWithRoot, "root", config.RunPluginsWithRoot, "run filetransfer plugins under the service-principal identity")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	if *pluginPaths != "" {
		config.PluginPaths = splitAndTrim(*pluginPaths)
	}
	config.ReuseReserveBytes = *reuseReserveMB * 1024 * 1024
	config.MaxTransferInputMB = *maxInMB
	config.MaxTransferOutputMB = *maxOutMB
	config.QueueKeepAlive = time.Duration(*keepAliveSeconds) * time.Second
	config.SignURLExpiry = time.Duration(*signExpiryMinutes) * time.Minute
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
