// Package config loads srfd daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const (
	ModeB2BUA = "b2bua"
	ModeProxy = "proxy"
)

type Config struct {
	SIP          SIPConfig     `mapstructure:"sip"`
	Mode         string        `mapstructure:"mode"`
	Destinations []string      `mapstructure:"destinations"`
	B2B          B2BConfig     `mapstructure:"b2b"`
	Proxy        ProxyConfig   `mapstructure:"proxy"`
	Log          LogConfig     `mapstructure:"log"`
	Metrics      MetricsConfig `mapstructure:"metrics"`
}

type SIPConfig struct {
	Network     string `mapstructure:"network"`
	Listen      string `mapstructure:"listen"`
	UserAgent   string `mapstructure:"user_agent"`
	ContactHost string `mapstructure:"contact_host"`
	ContactPort int    `mapstructure:"contact_port"`
}

type B2BConfig struct {
	// LocalSDPA and LocalSDPB are paths to SDP files
	LocalSDPA       string            `mapstructure:"local_sdp_a"`
	LocalSDPB       string            `mapstructure:"local_sdp_b"`
	Headers         map[string]string `mapstructure:"headers"`
	ResponseHeaders map[string]string `mapstructure:"response_headers"`
}

type ProxyConfig struct {
	Forking            string        `mapstructure:"forking"`
	RemainInDialog     bool          `mapstructure:"remain_in_dialog"`
	ProvisionalTimeout time.Duration `mapstructure:"provisional_timeout"`
	FinalTimeout       time.Duration `mapstructure:"final_timeout"`
	FollowRedirects    bool          `mapstructure:"follow_redirects"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// File enables rotated file output. Empty logs to stderr
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sip.network", "udp")
	v.SetDefault("sip.listen", "0.0.0.0:5060")
	v.SetDefault("sip.user_agent", "srfd")
	v.SetDefault("sip.contact_host", "127.0.0.1")
	v.SetDefault("sip.contact_port", 5060)
	v.SetDefault("mode", ModeB2BUA)
	v.SetDefault("proxy.forking", "sequential")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", "127.0.0.1:9090")
}

// Load reads config file and environment. Environment variables use SRFD_ prefix,
// ex. SRFD_SIP_LISTEN. Empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SRFD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		ext := strings.TrimPrefix(filepath.Ext(path), ".")
		v.SetConfigFile(path)
		if ext != "" {
			v.SetConfigType(ext)
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks config values and referenced SDP files.
func (c *Config) Validate() error {
	var errs []error

	switch c.SIP.Network {
	case "udp", "udp4", "udp6", "tcp", "tcp4", "tcp6":
	default:
		errs = append(errs, fmt.Errorf("sip.network %q is not supported", c.SIP.Network))
	}
	if c.SIP.Listen == "" {
		errs = append(errs, errors.New("sip.listen is required"))
	}

	switch c.Mode {
	case ModeB2BUA, ModeProxy:
	default:
		errs = append(errs, fmt.Errorf("mode %q must be %s or %s", c.Mode, ModeB2BUA, ModeProxy))
	}

	if len(c.Destinations) == 0 {
		errs = append(errs, errors.New("at least one destination is required"))
	}
	for i, d := range c.Destinations {
		if strings.TrimSpace(d) == "" {
			errs = append(errs, fmt.Errorf("destinations[%d] is empty", i))
		}
	}

	switch c.Proxy.Forking {
	case "sequential", "parallel":
	default:
		errs = append(errs, fmt.Errorf("proxy.forking %q must be sequential or parallel", c.Proxy.Forking))
	}
	if c.Proxy.ProvisionalTimeout < 0 || c.Proxy.FinalTimeout < 0 {
		errs = append(errs, errors.New("proxy timeouts must not be negative"))
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be console or json", c.Log.Format))
	}

	for name, path := range map[string]string{"b2b.local_sdp_a": c.B2B.LocalSDPA, "b2b.local_sdp_b": c.B2B.LocalSDPB} {
		if path == "" {
			continue
		}
		if _, err := LoadSDP(path); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, errors.New("metrics.listen is required when metrics are enabled"))
	}

	return errors.Join(errs...)
}

// LoadSDP reads and parses session description. Empty path returns empty body.
func LoadSDP(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	sd := sdp.SessionDescription{}
	if err := sd.Unmarshal(data); err != nil {
		return "", fmt.Errorf("invalid sdp in %s: %w", path, err)
	}
	if len(sd.MediaDescriptions) == 0 {
		return "", fmt.Errorf("sdp in %s has no media", path)
	}
	return string(data), nil
}
