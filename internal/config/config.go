package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the daemon configuration assembled from defaults, an optional
// TOML file, and KONNECT_-prefixed environment variables.
type Config struct {
	// Name is the device name advertised to peers. Defaults to hostname.
	Name string `mapstructure:"name"`

	// DataDir holds the certificate pair, the sqlite database, and the
	// discovery cache.
	DataDir string `mapstructure:"data_dir"`

	// ServicePort is the TLS service port, within [1716, 1764].
	ServicePort int `mapstructure:"service_port"`

	// DiscoveryPort is the UDP discovery port.
	DiscoveryPort int `mapstructure:"discovery_port"`

	// Receiver listens for peer broadcasts on the discovery port.
	Receiver bool `mapstructure:"receiver"`

	// TransferPorts is the payload transfer port pool size.
	TransferPorts int `mapstructure:"transfer_ports"`

	// AdminAddr is the admin API bind: "host:port" for loopback TCP or a
	// filesystem path (or unix: prefix) for a UNIX socket.
	AdminAddr string `mapstructure:"admin_addr"`
}

func setDefaults(v *viper.Viper) {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "konnect"
	}

	configHome, err := os.UserConfigDir()
	if err != nil {
		configHome = "."
	}

	v.SetDefault("name", name)
	v.SetDefault("data_dir", filepath.Join(configHome, "konnect"))
	v.SetDefault("service_port", 1764)
	v.SetDefault("discovery_port", 1716)
	v.SetDefault("receiver", true)
	v.SetDefault("transfer_ports", 5)
	v.SetDefault("admin_addr", "127.0.0.1:8080")
}

// Load assembles the configuration. An explicit path must exist; with an
// empty path a konnect.toml in the data directory or the working directory
// is picked up when present and silently skipped otherwise.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("konnect")
		v.SetConfigType("toml")
		v.AddConfigPath(v.GetString("data_dir"))
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("KONNECT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}
