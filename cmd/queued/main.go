// Command queued runs the transfer-queue coordinator: a small gRPC service
// that grants and tracks concurrency slots across a pool of relayforged
// agents (spec §4.6, EXPANSION §4.12).
package main

import (
	"context"
	"log"

	"github.com/relayforge/relayforge/internal/coordinator"
	"github.com/relayforge/relayforge/internal/coordinator/config"
)

func main() {
	ctx := context.Background()
	cfg := config.LoadConfig()

	app, err := coordinator.NewApp(cfg)
	if err != nil {
		log.Printf("%v", err)
		return
	}

	app.Run(ctx)
}
