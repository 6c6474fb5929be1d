// Package api is the control plane: the JSON-over-HTTP protocol dispatcher,
// the gateway callback surface handed to plugins, and the servers that host
// both.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skymeet/rtcgate/internal/config"
	"github.com/skymeet/rtcgate/internal/core"
	"github.com/skymeet/rtcgate/internal/eventsink"
	"github.com/skymeet/rtcgate/internal/plugin"
	"github.com/skymeet/rtcgate/internal/sdp"
)

const (
	gatewayName          = "rtcgate"
	gatewayVersion       = 1
	gatewayVersionString = "0.0.1"

	defaultPollTimeout = 30 * time.Second
	shutdownTimeout    = 10 * time.Second
)

var ErrNoWebserver = errors.New("both http and https are disabled, nothing to serve")

// Options wires the app together. Everything is mandatory except
// PollTimeout, which defaults to 30 seconds.
type Options struct {
	Registry *core.Registry
	Host     *plugin.Host
	Bridge   *sdp.Bridge
	Gateway  *Gateway
	Sink     eventsink.Sink
	Config   *config.Config

	PollTimeout time.Duration
}

// App owns the HTTP(S) servers and the shutdown sequence.
type App struct {
	registry *core.Registry
	host     *plugin.Host
	bridge   *sdp.Bridge
	gateway  *Gateway
	sink     eventsink.Sink

	cfg         *config.Config
	basePath    string
	pollTimeout time.Duration
}

func New(opts Options) (*App, error) {
	if !opts.Config.WebServer.HTTP && !opts.Config.WebServer.HTTPS {
		return nil, ErrNoWebserver
	}
	if opts.Config.WebServer.HTTPS && opts.Config.Certificates.CertPEM == "" {
		return nil, errors.New("https enabled but no certificate configured")
	}
	pollTimeout := opts.PollTimeout
	if pollTimeout == 0 {
		pollTimeout = defaultPollTimeout
	}
	return &App{
		registry:    opts.Registry,
		host:        opts.Host,
		bridge:      opts.Bridge,
		gateway:     opts.Gateway,
		sink:        opts.Sink,
		cfg:         opts.Config,
		basePath:    opts.Config.WebServer.BasePath,
		pollTimeout: pollTimeout,
	}, nil
}

// Run serves until a signal arrives, then shuts down gracefully. A third
// consecutive signal forces the process out.
func (app *App) Run() error {
	router := app.Router()
	errc := make(chan error, 3)

	var servers []*http.Server
	if app.cfg.WebServer.HTTP {
		srv := &http.Server{
			Addr:    fmt.Sprintf("%s:%d", app.cfg.General.Interface, app.cfg.WebServer.Port),
			Handler: router,
		}
		servers = append(servers, srv)
		go func() {
			log.Info().Str("addr", srv.Addr).Str("service", "api").Msg("http server started")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()
	}
	if app.cfg.WebServer.HTTPS {
		srv := &http.Server{
			Addr:    fmt.Sprintf("%s:%d", app.cfg.General.Interface, app.cfg.WebServer.SecurePort),
			Handler: router,
		}
		servers = append(servers, srv)
		certPEM := app.cfg.Certificates.CertPEM
		certKey := app.cfg.Certificates.CertKey
		go func() {
			log.Info().Str("addr", srv.Addr).Str("service", "api").Msg("https server started")
			if err := srv.ListenAndServeTLS(certPEM, certKey); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	signals := 0
	for {
		select {
		case err := <-errc:
			return err
		case <-quit:
			signals++
			switch signals {
			case 1:
				log.Info().Str("service", "api").Msg("shutting down, send the signal twice more to force exit")
				go func() {
					errc <- app.shutdown(servers)
				}()
			case 3:
				log.Warn().Str("service", "api").Msg("forced exit")
				os.Exit(1)
			}
		}
	}
}

// shutdown tears the gateway down in dependency order: sessions first so
// parked long polls drain, then the plugin workers, then the listeners.
func (app *App) shutdown(servers []*http.Server) error {
	app.registry.Shutdown()
	app.host.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var firstErr error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := app.sink.Close(); err != nil {
		log.Warn().Err(err).Str("service", "api").Msg("closing event sink")
	}
	log.Info().Str("service", "api").Msg("gateway stopped")
	return firstErr
}

type serverInfoEnvelope struct {
	Janus         string                `json:"janus"`
	Transaction   string                `json:"transaction,omitempty"`
	Name          string                `json:"name"`
	Version       int                   `json:"version"`
	VersionString string                `json:"version_string"`
	Plugins       map[string]pluginInfo `json:"plugins"`
}

type pluginInfo struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	Version       int    `json:"version"`
	VersionString string `json:"version_string"`
}

func (app *App) serverInfo(transaction string) serverInfoEnvelope {
	info := serverInfoEnvelope{
		Janus:         "server_info",
		Transaction:   transaction,
		Name:          gatewayName,
		Version:       gatewayVersion,
		VersionString: gatewayVersionString,
		Plugins:       make(map[string]pluginInfo),
	}
	app.host.Each(func(p core.Plugin) {
		info.Plugins[p.Package()] = pluginInfo{
			Name:          p.Name(),
			Description:   p.Description(),
			Version:       p.Version(),
			VersionString: p.VersionString(),
		}
	})
	return info
}
