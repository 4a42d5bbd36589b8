package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/Signal/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	BrokerRedis = "redis"
	BrokerLocal = "local"
)

type Broker struct {
	Mode          string        `mapstructure:"mode"`
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	Password      string        `mapstructure:"password"`
	DB            int           `mapstructure:"db"`
	ChannelPrefix string        `mapstructure:"channel_prefix"`
	BackoffMin    time.Duration `mapstructure:"backoff_min"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
}

func (b Broker) Addr() string { return fmt.Sprintf("%s:%d", b.Host, b.Port) }

type RTC struct {
	ListenIP    string `mapstructure:"listen_ip"`
	AnnouncedIP string `mapstructure:"announced_ip"`
	MinPort     uint16 `mapstructure:"min_port"`
	MaxPort     uint16 `mapstructure:"max_port"`
	// TCPPort enables ICE-TCP on the given port when non-zero.
	TCPPort    int                         `mapstructure:"tcp_port"`
	NumWorkers int                         `mapstructure:"num_workers"`
	FatalGrace time.Duration               `mapstructure:"fatal_grace"`
	Codecs     []domain.RtpCodecCapability `mapstructure:"codecs"`
}

type Negotiation struct {
	DtlsTimeout time.Duration `mapstructure:"dtls_timeout"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

type RateLimit struct {
	Requests int           `mapstructure:"requests"`
	Interval time.Duration `mapstructure:"interval"`
}

type Config struct {
	Mode       string        `mapstructure:"mode"`
	LogLevel   string        `mapstructure:"log_level"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	SendQueue  int           `mapstructure:"send_queue"`
	// Backpressure is kick or lenient.
	Backpressure string `mapstructure:"backpressure"`
	Secret       string `mapstructure:"secret"`
	// InstanceID tags bus events of this process. Empty means generated at
	// startup.
	InstanceID string `mapstructure:"instance_id"`

	Broker      Broker      `mapstructure:"broker"`
	RTC         RTC         `mapstructure:"rtc"`
	Negotiation Negotiation `mapstructure:"negotiation"`
	RateLimit   RateLimit   `mapstructure:"rate_limit"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("log_level", "info")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("send_queue", 64)
	v.SetDefault("backpressure", "kick")
	v.SetDefault("secret", "change-me")
	v.SetDefault("instance_id", "")

	v.SetDefault("broker.mode", BrokerRedis)
	v.SetDefault("broker.host", "localhost")
	v.SetDefault("broker.port", 6379)
	v.SetDefault("broker.password", "")
	v.SetDefault("broker.db", 0)
	v.SetDefault("broker.channel_prefix", "signal:")
	v.SetDefault("broker.backoff_min", "500ms")
	v.SetDefault("broker.backoff_max", "30s")

	v.SetDefault("rtc.listen_ip", "0.0.0.0")
	v.SetDefault("rtc.announced_ip", "")
	v.SetDefault("rtc.min_port", 40000)
	v.SetDefault("rtc.max_port", 49999)
	v.SetDefault("rtc.tcp_port", 0)
	v.SetDefault("rtc.num_workers", 1)
	v.SetDefault("rtc.fatal_grace", "2s")

	v.SetDefault("negotiation.dtls_timeout", "15s")
	v.SetDefault("negotiation.idle_timeout", "120s")

	v.SetDefault("rate_limit.requests", 50)
	v.SetDefault("rate_limit.interval", "1s")
}

// Load reads config/config.<CONFIG_ENV>.yaml and applies SIGNAL_* overrides.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile is Load with an explicit file. A missing file falls back to the
// defaults.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)

	v.SetEnvPrefix("SIGNAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Err(err).Msg("config file not loaded, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("config loaded")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("broker", cfg.Broker.Mode).
		Int("workers", cfg.RTC.NumWorkers).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Mode {
	case "debug", "release", "test":
	default:
		errs = append(errs, fmt.Errorf("mode: unknown %q", c.Mode))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port: %d out of range", c.Port))
	}
	switch c.Backpressure {
	case "kick", "lenient":
	default:
		errs = append(errs, fmt.Errorf("backpressure: unknown %q", c.Backpressure))
	}
	switch c.Broker.Mode {
	case BrokerRedis:
		if c.Broker.Host == "" {
			errs = append(errs, errors.New("broker.host: required in redis mode"))
		}
	case BrokerLocal:
	default:
		errs = append(errs, fmt.Errorf("broker.mode: unknown %q", c.Broker.Mode))
	}
	if c.RTC.NumWorkers < 1 {
		errs = append(errs, fmt.Errorf("rtc.num_workers: %d, need at least 1", c.RTC.NumWorkers))
	}
	if c.RTC.MinPort == 0 || c.RTC.MaxPort == 0 || c.RTC.MinPort > c.RTC.MaxPort {
		errs = append(errs, fmt.Errorf("rtc port range %d-%d is invalid", c.RTC.MinPort, c.RTC.MaxPort))
	}
	if c.Negotiation.DtlsTimeout <= 0 {
		errs = append(errs, errors.New("negotiation.dtls_timeout: must be positive"))
	}
	if c.Negotiation.IdleTimeout < 0 {
		errs = append(errs, errors.New("negotiation.idle_timeout: must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
