package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config is the resolved gateway configuration: the INI file merged with
// whatever the command line overrode through viper.
type Config struct {
	General      GeneralConfig
	WebServer    WebServerConfig
	Certificates CertConfig
	Media        MediaConfig
	NAT          NATConfig
	Events       EventsConfig
}

type GeneralConfig struct {
	ConfigsFolder string
	PluginsFolder string
	Interface     string
}

type WebServerConfig struct {
	HTTP       bool
	Port       int
	HTTPS      bool
	SecurePort int
	BasePath   string
}

type CertConfig struct {
	CertPEM string
	CertKey string
}

type MediaConfig struct {
	RTPPortMin uint16
	RTPPortMax uint16
}

type NATConfig struct {
	PublicIP   string
	STUNServer string
	STUNPort   int
}

type EventsConfig struct {
	Enabled bool
	NatsURL string
	Subject string
}

func setDefaults() {
	viper.SetDefault("general.configs_folder", "./conf")
	viper.SetDefault("general.plugins_folder", "./plugins")
	viper.SetDefault("general.interface", "")
	viper.SetDefault("webserver.http", true)
	viper.SetDefault("webserver.port", 8088)
	viper.SetDefault("webserver.https", false)
	viper.SetDefault("webserver.secure_port", 8089)
	viper.SetDefault("webserver.base_path", "/janus")
	viper.SetDefault("certificates.cert_pem", "")
	viper.SetDefault("certificates.cert_key", "")
	viper.SetDefault("media.rtp_port_range", "")
	viper.SetDefault("nat.public_ip", "")
	viper.SetDefault("nat.stun_server", "")
	viper.SetDefault("nat.stun_port", 3478)
	viper.SetDefault("events.enabled", false)
	viper.SetDefault("events.nats_url", "nats://127.0.0.1:4222")
	viper.SetDefault("events.subject", "rtcgate.events")
}

// Load reads the INI configuration at path, if any. A missing file is not an
// error unless the path was explicitly requested: defaults and command-line
// overrides already present in viper win.
func Load(path string, required bool) (*Config, error) {
	setDefaults()

	if path != "" {
		viper.SetConfigFile(path)
		viper.SetConfigType("ini")
		if err := viper.MergeInConfig(); err != nil {
			if required {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{
		General: GeneralConfig{
			ConfigsFolder: viper.GetString("general.configs_folder"),
			PluginsFolder: viper.GetString("general.plugins_folder"),
			Interface:     viper.GetString("general.interface"),
		},
		WebServer: WebServerConfig{
			HTTP:       viper.GetBool("webserver.http"),
			Port:       viper.GetInt("webserver.port"),
			HTTPS:      viper.GetBool("webserver.https"),
			SecurePort: viper.GetInt("webserver.secure_port"),
			BasePath:   viper.GetString("webserver.base_path"),
		},
		Certificates: CertConfig{
			CertPEM: viper.GetString("certificates.cert_pem"),
			CertKey: viper.GetString("certificates.cert_key"),
		},
		NAT: NATConfig{
			PublicIP:   viper.GetString("nat.public_ip"),
			STUNServer: viper.GetString("nat.stun_server"),
			STUNPort:   viper.GetInt("nat.stun_port"),
		},
		Events: EventsConfig{
			Enabled: viper.GetBool("events.enabled"),
			NatsURL: viper.GetString("events.nats_url"),
			Subject: viper.GetString("events.subject"),
		},
	}

	min, max, err := parsePortRange(viper.GetString("media.rtp_port_range"))
	if err != nil {
		return nil, err
	}
	cfg.Media.RTPPortMin = min
	cfg.Media.RTPPortMax = max

	if cfg.Certificates.CertKey == "" {
		cfg.Certificates.CertKey = cfg.Certificates.CertPEM
	}
	if err := validateBasePath(cfg.WebServer.BasePath); err != nil {
		return nil, err
	}
	cfg.WebServer.BasePath = strings.TrimSuffix(cfg.WebServer.BasePath, "/")

	return cfg, nil
}

func validateBasePath(path string) error {
	if path == "" || path[0] != '/' {
		return fmt.Errorf("invalid base path %q (it should start with a /, e.g., /janus)", path)
	}
	return nil
}

// parsePortRange accepts "min-max"; swapped bounds are reordered, a missing
// max means 65535.
func parsePortRange(s string) (uint16, uint16, error) {
	if s == "" {
		return 0, 0, nil
	}
	parts := strings.SplitN(s, "-", 2)
	min, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid rtp_port_range %q: %w", s, err)
	}
	var max uint64 = 65535
	if len(parts) == 2 && parts[1] != "" {
		max, err = strconv.ParseUint(parts[1], 10, 16)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid rtp_port_range %q: %w", s, err)
		}
	}
	if min > max {
		min, max = max, min
	}
	return uint16(min), uint16(max), nil
}
