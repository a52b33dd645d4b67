// Command opi serves the Open Perimetry Interface: OPI clients connect over
// TCP, choose a machine and drive it with newline-delimited JSON commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/opi.server/internal/monitoring"
	"github.com/banshee-data/opi.server/internal/version"
)

func main() {
	cfg, opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if opts.showVersion {
		fmt.Println(version.String())
		return
	}
	monitoring.SetDebug(opts.debug)

	srv, err := newServer(cfg)
	if err != nil {
		monitoring.Log.Fatal().Err(err).Msg("failed to start OPI server")
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = srv.run(ctx, func(host string, port int) {
		// the operator console reads this line to connect clients
		fmt.Printf("OPI server listening on %s:%d\n", host, port)
	})
	if err != nil {
		monitoring.Log.Error().Err(err).Msg("OPI server stopped")
		srv.Close()
		os.Exit(1)
	}
	monitoring.Log.Info().Msg("graceful shutdown complete")
}
