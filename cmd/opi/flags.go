package main

import (
	"flag"
	"time"

	"github.com/banshee-data/opi.server/internal/config"
)

type options struct {
	debug       bool
	showVersion bool
}

// parseFlags loads the config file, if any, and overlays every flag the
// operator set explicitly.
func parseFlags(args []string) (*config.ServerConfig, options, error) {
	fs := flag.NewFlagSet("opi", flag.ContinueOnError)
	var (
		configPath      = fs.String("config", "", "JSON config file")
		host            = fs.String("host", "", "Bind address for OPI clients (default all interfaces)")
		port            = fs.Int("port", config.DefaultListenPort, "OPI TCP port, 0 for an ephemeral port")
		admin           = fs.String("admin", config.DefaultAdminAddr, "Admin HTTP address for /debug pages, empty to disable")
		dbPath          = fs.String("db", config.DefaultDBPath, "Session journal path, empty to disable")
		strict          = fs.Bool("strict", false, "Reject requests carrying undeclared fields")
		idleTimeout     = fs.Duration("idle-timeout", 0, "Drop clients silent for this long, 0 to never")
		serialTimeout   = fs.Duration("serial-timeout", 3*time.Second, "Reply timeout for serial perimeters")
		o900            = fs.String("o900", "", "Serial port of an Octopus 900")
		compass         = fs.String("compass", "", "Serial port of a Compass")
		syntheticCamera = fs.Bool("synthetic-camera", false, "Attach a synthetic pupil camera to tracking machines")
		opts            options
	)
	fs.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	fs.BoolVar(&opts.showVersion, "version", false, "Print the version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, opts, err
	}

	cfg := config.Empty()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, opts, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.ListenHost = host
		case "port":
			cfg.ListenPort = port
		case "admin":
			cfg.AdminAddr = admin
		case "db":
			cfg.DBPath = dbPath
		case "strict":
			cfg.StrictFields = strict
		case "idle-timeout":
			d := idleTimeout.String()
			cfg.IdleTimeout = &d
		case "serial-timeout":
			d := serialTimeout.String()
			serial(cfg).Timeout = &d
		case "o900":
			serialPorts(cfg)["O900"] = *o900
		case "compass":
			serialPorts(cfg)["Compass"] = *compass
		case "synthetic-camera":
			if cfg.Telemetry == nil {
				cfg.Telemetry = &config.TelemetryConfig{}
			}
			cfg.Telemetry.SyntheticCamera = syntheticCamera
		}
	})
	return cfg, opts, cfg.Validate()
}

func serial(cfg *config.ServerConfig) *config.SerialConfig {
	if cfg.Serial == nil {
		cfg.Serial = &config.SerialConfig{}
	}
	return cfg.Serial
}

func serialPorts(cfg *config.ServerConfig) map[string]string {
	s := serial(cfg)
	if s.Ports == nil {
		s.Ports = make(map[string]string)
	}
	return s.Ports
}
