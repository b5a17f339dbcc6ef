// Command relayforged runs the file-transfer agent: it accepts inbound
// CEDAR control connections, drives upload/download sessions against its
// local sandbox, and optionally coordinates concurrency with a queued
// coordinator (spec §5, §6).
package main

import (
	"context"
	"log"

	"github.com/relayforge/relayforge/internal/agent"
	"github.com/relayforge/relayforge/internal/agent/config"
)

func main() {
	ctx := context.Background()
	cfg := config.LoadConfig()

	app, err := agent.NewApp(cfg)
	if err != nil {
		log.Printf("%v", err)
		return
	}

	app.Run(ctx)
}
