// Package coordinator wires the queued binary's components together:
// config, logger, in-memory slot ledger, and gRPC listener. Grounded in the
// teacher's internal/server.App (signal handling, single wait-group-guarded
// server goroutine).
package coordinator

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/relayforge/relayforge/internal/coordinator/config"
	coordgrpc "github.com/relayforge/relayforge/internal/coordinator/grpc"
	"github.com/relayforge/relayforge/internal/filetransfer/queue"
	"github.com/relayforge/relayforge/internal/logging"
)

// App owns one queued process's long-lived state.
type App struct {
	config *config.Config
	logger logging.Logger
	ledger *queue.Ledger
	server *coordgrpc.Server
}

// NewApp builds an App from cfg: a fresh in-memory ledger and the gRPC
// server bound to it.
func NewApp(cfg *config.Config) (*App, error) {
	handler := slog.NewJSONHandler(os.Stdout, nil)
	logger := logging.NewSlogLogger(slog.New(handler))

	ledger := queue.NewLedger(cfg.MaxSlotsPerDirection, queue.WithKeepAlive(cfg.DefaultKeepAlive))
	server := coordgrpc.New(cfg.ListenAddr, ledger, logger, []byte(cfg.JWTSecret))

	return &App{config: cfg, logger: logger, ledger: ledger, server: server}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run starts the gRPC server and blocks until ctx is cancelled or a
// termination signal arrives.
func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)

	app.logger.Info(ctx, "starting queued coordinator", "address", app.config.ListenAddr)

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := app.server.Run(ctx); err != nil {
			app.logger.Error(ctx, "coordinator gRPC server stopped", "error", err)
			cancelFunc()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.sweepExpiredLeases(ctx)
	}()

	wg.Wait()
}

// sweepExpiredLeases periodically frees leases whose holder stopped
// sending keep-alives (a crashed or vanished agent) without ever calling
// Release, so they don't permanently shrink MaxSlotsPerDirection capacity.
func (app *App) sweepExpiredLeases(ctx context.Context) {
	interval := app.config.DefaultKeepAlive
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if freed := app.ledger.Sweep(time.Now()); freed > 0 {
				app.logger.Info(ctx, "swept expired transfer-queue leases", "count", freed)
			}
		}
	}
}
