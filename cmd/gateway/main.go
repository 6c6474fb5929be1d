package main

import (
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"

	"github.com/skymeet/rtcgate/internal/api"
	"github.com/skymeet/rtcgate/internal/config"
	"github.com/skymeet/rtcgate/internal/core"
	"github.com/skymeet/rtcgate/internal/eventsink"
	"github.com/skymeet/rtcgate/internal/plugin"
	"github.com/skymeet/rtcgate/internal/plugins/videocall"
	"github.com/skymeet/rtcgate/internal/rtc"
	"github.com/skymeet/rtcgate/internal/sdp"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	app := &cli.App{
		Name:  "rtcgate",
		Usage: "WebRTC gateway: signaling core, SDP bridge and plugin fabric",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to the INI configuration file"},
			&cli.StringFlag{Name: "configs-folder", Usage: "folder with per-plugin configuration files"},
			&cli.StringFlag{Name: "plugins-folder", Usage: "folder with shared-object plugins"},
			&cli.StringFlag{Name: "interface", Usage: "interface address to bind the web servers to"},
			&cli.IntFlag{Name: "port", Usage: "HTTP port of the control plane"},
			&cli.IntFlag{Name: "secure-port", Usage: "HTTPS port of the control plane"},
			&cli.StringFlag{Name: "base-path", Usage: "base path of the control protocol, e.g. /janus"},
			&cli.StringFlag{Name: "cert-pem", Usage: "certificate for the HTTPS listener"},
			&cli.StringFlag{Name: "cert-key", Usage: "private key for the HTTPS listener"},
			&cli.StringFlag{Name: "stun-server", Usage: "STUN server as host or host:port"},
			&cli.StringFlag{Name: "public-ip", Usage: "public address to advertise in ICE candidates"},
			&cli.StringFlag{Name: "rtp-port-range", Usage: "UDP port range for media, e.g. 20000-40000"},
			&cli.BoolFlag{Name: "no-http", Usage: "disable the plain HTTP listener"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("gateway failed")
	}
}

func run(c *cli.Context) error {
	applyOverrides(c)

	cfg, err := config.Load(c.String("config"), c.IsSet("config"))
	if err != nil {
		return err
	}

	var sink eventsink.Sink = eventsink.Nop{}
	if cfg.Events.Enabled {
		natsSink, err := eventsink.NewNats(cfg.Events.NatsURL, cfg.Events.Subject)
		if err != nil {
			return err
		}
		sink = natsSink
	}

	factory, err := rtc.NewFactory(rtc.Options{
		RTPPortMin: cfg.Media.RTPPortMin,
		RTPPortMax: cfg.Media.RTPPortMax,
		STUNServer: cfg.NAT.STUNServer,
		STUNPort:   cfg.NAT.STUNPort,
		PublicIP:   cfg.NAT.PublicIP,
	})
	if err != nil {
		return err
	}

	bridge := sdp.NewBridge(factory)
	registry := core.NewRegistry()
	gateway := api.NewGateway(bridge, sink)
	bridge.SetNotifier(gateway)

	host := plugin.NewHost(gateway, cfg.General.ConfigsFolder)
	if err := host.Register(videocall.New()); err != nil {
		return err
	}
	host.LoadDir(cfg.General.PluginsFolder)

	app, err := api.New(api.Options{
		Registry: registry,
		Host:     host,
		Bridge:   bridge,
		Gateway:  gateway,
		Sink:     sink,
		Config:   cfg,
	})
	if err != nil {
		return err
	}
	return app.Run()
}

// applyOverrides pushes the command line into viper, so flags win over the
// configuration file.
func applyOverrides(c *cli.Context) {
	set := func(flag, key string, value any) {
		if c.IsSet(flag) {
			viper.Set(key, value)
		}
	}
	set("configs-folder", "general.configs_folder", c.String("configs-folder"))
	set("plugins-folder", "general.plugins_folder", c.String("plugins-folder"))
	set("interface", "general.interface", c.String("interface"))
	set("port", "webserver.port", c.Int("port"))
	set("secure-port", "webserver.secure_port", c.Int("secure-port"))
	set("base-path", "webserver.base_path", c.String("base-path"))
	set("cert-pem", "certificates.cert_pem", c.String("cert-pem"))
	set("cert-key", "certificates.cert_key", c.String("cert-key"))
	set("public-ip", "nat.public_ip", c.String("public-ip"))
	set("rtp-port-range", "media.rtp_port_range", c.String("rtp-port-range"))
	if c.IsSet("no-http") {
		viper.Set("webserver.http", !c.Bool("no-http"))
	}
	if c.IsSet("secure-port") {
		viper.Set("webserver.https", true)
	}
	if c.IsSet("stun-server") {
		host, port := splitSTUN(c.String("stun-server"))
		viper.Set("nat.stun_server", host)
		if port > 0 {
			viper.Set("nat.stun_port", port)
		}
	}
}

// splitSTUN accepts "host" or "host:port".
func splitSTUN(s string) (string, int) {
	host, portStr, found := strings.Cut(s, ":")
	if !found {
		return s, 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return s, 0
	}
	return host, port
}
