// process entry point: flags, config, logging, the demo responder
// handler, and the signal-driven run/stop cycle.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kfcemployee/gofcgi/server"
	"github.com/kfcemployee/gofcgi/server/config"
	"github.com/kfcemployee/gofcgi/server/handlers"
	"github.com/kfcemployee/gofcgi/server/protocol"
	"github.com/kfcemployee/gofcgi/server/registry"
)

func main() {
	os.Exit(run())
}

func run() int {
	bind := flag.String("bind", "", "listen address: unix:PATH | HOST:PORT | HOST (required)")
	workers := flag.Uint("workers", 0, "worker thread count (0 = auto)")
	gcSeconds := flag.Int("gc-interval", 10, "garbage-collection interval, seconds")
	chunkSize := flag.Int("chunk-size", config.DefaultChunkSize, "output chunk size, bytes")
	configPath := flag.String("config", "", "optional path to a hot-reloadable config file")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg := config.Defaults()
	cfg.Bind = *bind
	cfg.Workers = *workers
	if *gcSeconds > 0 {
		cfg.GCInterval = time.Duration(*gcSeconds) * time.Second
	}
	cfg.ChunkSize = *chunkSize
	cfg.ConfigPath = *configPath

	reg := registry.New()
	reg.Register(protocol.RoleResponder, handlers.NewEchoFactory())

	srv, err := server.New(cfg, reg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if cfg.ConfigPath != "" {
		watcher, _, err := config.NewWatcher(cfg.ConfigPath,
			func(r config.Reloadable) { srv.SetConfig(r) },
			func(err error) { log.Warn("config reload failed", "error", err) },
		)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		defer watcher.Close()
	}

	if err := srv.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
