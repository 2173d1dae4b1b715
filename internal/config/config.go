package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/picatz/doh-proxy/pkg/doh"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the runtime configuration of the serve command.
type Config struct {
	Servers           string        `mapstructure:"servers"`
	Server            string        `mapstructure:"server"`
	Listen            string        `mapstructure:"listen"`
	TLSCert           string        `mapstructure:"tls-cert"`
	TLSKey            string        `mapstructure:"tls-key"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxInFlight       int64         `mapstructure:"max-in-flight"`
	MaxBodySize       int64         `mapstructure:"max-body-size"`
	BootstrapResolver string        `mapstructure:"bootstrap-resolver"`
	Metrics           bool          `mapstructure:"metrics"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown-timeout"`
}

// envPrefix applies to every key without an explicit binding below.
const envPrefix = "DOH_PROXY"

// envBindings keep their historical names.
var envBindings = map[string]string{
	"servers": "DOH_SERVERS",
	"server":  "DOH_SERVER",
}

// RegisterFlags declares the serve flags on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "optional configuration file (yaml, json, toml)")
	fs.String("servers", "", "comma-separated upstream DoH server URLs (env DOH_SERVERS)")
	fs.String("server", "", "single upstream DoH server URL, used when --servers is empty (env DOH_SERVER)")
	fs.String("listen", ":8053", "address to listen on")
	fs.String("tls-cert", "", "TLS certificate file, serve plain HTTP when empty")
	fs.String("tls-key", "", "TLS key file")
	fs.Duration("timeout", doh.DefaultAttemptTimeout, "deadline for each upstream attempt, negative to disable")
	fs.Int64("max-in-flight", 0, "maximum concurrent races, 0 for no limit")
	fs.Int64("max-body-size", doh.MaxMessageSize, "maximum POST body size in bytes")
	fs.String("bootstrap-resolver", "", "host:port of a DNS server used to resolve upstream hostnames")
	fs.Bool("metrics", true, "expose prometheus metrics on /metrics")
	fs.Duration("shutdown-timeout", 10*time.Second, "grace period for in-flight requests on shutdown")
}

// Load resolves the configuration from fs, the environment, and an
// optional configuration file, in that order of precedence.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("config: error binding %s: %w", env, err)
		}
	}

	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("config: error binding flags: %w", err)
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: error reading %q: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: error decoding: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks option combinations that cannot be expressed by flag types.
func (c *Config) Validate() error {
	var result *multierror.Error

	if (c.TLSCert == "") != (c.TLSKey == "") {
		result = multierror.Append(result, errors.New("config: --tls-cert and --tls-key must be set together"))
	}
	if c.MaxInFlight < 0 {
		result = multierror.Append(result, fmt.Errorf("config: --max-in-flight must not be negative, got %d", c.MaxInFlight))
	}
	if c.MaxBodySize < 0 {
		result = multierror.Append(result, fmt.Errorf("config: --max-body-size must not be negative, got %d", c.MaxBodySize))
	}
	if c.Listen == "" {
		result = multierror.Append(result, errors.New("config: --listen must not be empty"))
	}

	return result.ErrorOrNil()
}

// Resolvers returns the resolver configuration handed to the proxy.
func (c *Config) Resolvers() doh.ResolverConfig {
	return doh.ResolverConfig{
		Servers: c.Servers,
		Server:  c.Server,
	}
}
