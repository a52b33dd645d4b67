package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"tailscale.com/tsweb"

	"github.com/banshee-data/opi.server/internal/config"
	"github.com/banshee-data/opi.server/internal/db"
	"github.com/banshee-data/opi.server/internal/device"
	"github.com/banshee-data/opi.server/internal/httputil"
	"github.com/banshee-data/opi.server/internal/metrics"
	"github.com/banshee-data/opi.server/internal/monitoring"
	"github.com/banshee-data/opi.server/internal/opi"
	"github.com/banshee-data/opi.server/internal/serialmux"
	"github.com/banshee-data/opi.server/internal/telemetry"
	"github.com/banshee-data/opi.server/internal/version"
)

type server struct {
	cfg      *config.ServerConfig
	registry *opi.Registry
	listener *opi.Listener
	journal  *db.DB
	prom     *prometheus.Registry

	closeOnce sync.Once
}

// newEnv translates the config into what device backends need.
func newEnv(cfg *config.ServerConfig) device.Env {
	env := device.Env{
		Telemetry: cfg.GetTelemetry(),
		Serial: device.SerialEnv{
			Paths:   cfg.GetSerialPaths(),
			Options: cfg.GetSerialOptions(),
			Timeout: cfg.GetSerialTimeout(),
		},
	}
	if cfg.GetSyntheticCamera() {
		env.NewDetector = func(seed uint64) telemetry.Detector {
			return telemetry.NewSyntheticDetector(seed, nil)
		}
	}
	return env
}

func newServer(cfg *config.ServerConfig) (*server, error) {
	s := &server{cfg: cfg, prom: prometheus.NewRegistry()}

	s.registry = device.NewRegistry(newEnv(cfg))
	if err := s.registry.Check(); err != nil {
		return nil, err
	}

	s.prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(s.prom)
	metrics.SetBuildInfo(version.Version, version.GitSHA, version.BuildTime)

	sessionCfg := opi.SessionConfig{
		Registry:      s.registry,
		Policy:        cfg.GetFieldPolicy(),
		MaxFrameBytes: cfg.GetMaxFrameBytes(),
		IdleTimeout:   cfg.GetIdleTimeout(),
	}
	if path := cfg.GetDBPath(); path != "" {
		journal, err := db.NewDB(path)
		if err != nil {
			return nil, err
		}
		s.journal = journal
		sessionCfg.Journal = journal
	}

	s.listener = opi.NewListener(opi.ListenerConfig{
		Host:            cfg.GetListenHost(),
		Session:         sessionCfg,
		ShutdownTimeout: cfg.GetShutdownTimeout(),
	})
	monitoring.Log.Info().
		Str("version", version.String()).
		Strs("machines", s.registry.Machines()).
		Bool("journal", s.journal != nil).
		Msg("OPI server configured")
	return s, nil
}

// session resolves the ?session= query parameter to a live session.
func (s *server) session(r *http.Request) (*opi.Session, bool) {
	return s.listener.Session(r.URL.Query().Get("session"))
}

func (s *server) fixationSource(r *http.Request) (telemetry.Source, bool) {
	sess, ok := s.session(r)
	if !ok {
		return nil, false
	}
	src, ok := sess.Backend().(telemetry.Source)
	return src, ok
}

// serveSerial proxies /debug/serial?session=<id>&op=tail|send to the admin
// routes of the session's serial link.
func (s *server) serveSerial(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(r)
	if !ok {
		httputil.NotFound(w, "unknown session")
		return
	}
	b, ok := sess.Backend().(interface{ Link() serialmux.SerialMuxInterface })
	if !ok {
		httputil.NotFound(w, "session has no serial link")
		return
	}
	link := b.Link()
	if link == nil {
		httputil.NotFound(w, "serial link not open")
		return
	}
	op := r.URL.Query().Get("op")
	if op != "tail" && op != "send" {
		httputil.BadRequest(w, "op must be tail or send")
		return
	}
	mux := http.NewServeMux()
	link.AttachAdminRoutes(mux)
	r2 := r.Clone(r.Context())
	r2.URL.Path = "/debug/serial-" + op
	mux.ServeHTTP(w, r2)
}

// adminMux builds the /debug pages.
func (s *server) adminMux() *http.ServeMux {
	mux := http.NewServeMux()
	debug := tsweb.Debugger(mux)
	debug.KV("Version", version.String())
	debug.KV("Machines", strings.Join(s.registry.Machines(), ", "))

	s.listener.AttachAdminRoutes(mux)
	if s.journal != nil {
		s.journal.AttachAdminRoutes(mux)
	}
	debug.Handle("metrics", "Prometheus metrics", promhttp.HandlerFor(s.prom, promhttp.HandlerOpts{}))
	debug.Handle("fixation", "Pupil fixation chart; ?session=<id>", telemetry.ChartHandler(s.fixationSource))
	debug.HandleSilentFunc("serial", s.serveSerial)
	return mux
}

// run binds the OPI port, reports it through ready and serves until ctx is
// cancelled.
func (s *server) run(ctx context.Context, ready func(host string, port int)) error {
	host, port, err := s.listener.Open(s.cfg.GetListenPort())
	if err != nil {
		return err
	}
	if ready != nil {
		ready(host, port)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errc := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.listener.AcceptLoop(ctx); err != nil {
			errc <- err
			cancel()
		}
		monitoring.Log.Debug().Msg("accept loop terminated")
	}()

	if addr := s.cfg.GetAdminAddr(); addr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			server := &http.Server{Addr: addr, Handler: s.adminMux()}
			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					monitoring.Log.Error().Err(err).Str("addr", addr).Msg("admin server failed")
				}
			}()
			monitoring.Log.Info().Str("addr", addr).Msg("admin pages at /debug/")

			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				monitoring.Log.Warn().Err(err).Msg("admin server shutdown")
				server.Close()
			}
		}()
	}

	<-ctx.Done()
	monitoring.Log.Info().Msg("shutting down OPI listener...")
	if err := s.listener.Close(); err != nil {
		monitoring.Log.Warn().Err(err).Msg("listener close")
	}
	wg.Wait()

	select {
	case err := <-errc:
		return err
	default:
		return nil
	}
}

// Close releases the listener and the journal.
func (s *server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.listener.Close()
		if s.journal != nil {
			err = errors.Join(err, s.journal.Close())
		}
	})
	return err
}
