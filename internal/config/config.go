package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode     string `mapstructure:"mode"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Secret   string `mapstructure:"secret"`
	LogLevel string `mapstructure:"log_level"`
	Audio    string `mapstructure:"audio"`

	Signal SignalConfig `mapstructure:"signal"`
	Rooms  RoomsConfig  `mapstructure:"rooms"`
	Call   CallConfig   `mapstructure:"call"`
}

type SignalConfig struct {
	URL            string        `mapstructure:"url"`
	TokenParam     string        `mapstructure:"token_param"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	Reconnect      bool          `mapstructure:"reconnect"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	Backpressure   string        `mapstructure:"backpressure"`
}

type RoomsConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type CallConfig struct {
	RingTimeout    time.Duration `mapstructure:"ring_timeout"`
	WindowPoll     time.Duration `mapstructure:"window_poll"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	AttemptWindow  time.Duration `mapstructure:"attempt_window"`
	BrowserCommand string        `mapstructure:"browser_command"`
}

func (c *Config) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

func (c *Config) Validate() error {
	var errs []error
	if c.Signal.URL == "" {
		errs = append(errs, errors.New("signal.url is required"))
	}
	if c.Rooms.BaseURL == "" {
		errs = append(errs, errors.New("rooms.base_url is required"))
	}
	if c.Call.RingTimeout <= 0 {
		errs = append(errs, errors.New("call.ring_timeout must be positive"))
	}
	if c.Call.WindowPoll <= 0 {
		errs = append(errs, errors.New("call.window_poll must be positive"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	return errors.Join(errs...)
}

func newViper() (*viper.Viper, string) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.SetEnvPrefix("TEAMCALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 7420)
	v.SetDefault("secret", "change-me")
	v.SetDefault("log_level", "info")
	v.SetDefault("audio", "bell")

	v.SetDefault("signal.url", "ws://localhost:8080/ws")
	v.SetDefault("signal.token_param", "token")
	v.SetDefault("signal.read_limit", 32768)
	v.SetDefault("signal.ping_period", "54s")
	v.SetDefault("signal.write_timeout", "5s")
	v.SetDefault("signal.send_buffer", 32)
	v.SetDefault("signal.reconnect", false)
	v.SetDefault("signal.reconnect_delay", "3s")
	v.SetDefault("signal.backpressure", "drop")

	v.SetDefault("rooms.base_url", "http://localhost:8090/api")
	v.SetDefault("rooms.api_key", "")
	v.SetDefault("rooms.timeout", "10s")

	v.SetDefault("call.ring_timeout", "30s")
	v.SetDefault("call.window_poll", "500ms")
	v.SetDefault("call.max_attempts", 5)
	v.SetDefault("call.attempt_window", "1m")
	v.SetDefault("call.browser_command", "")

	return v, fileName
}

func read(v *viper.Viper, fileName string) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Load() (*Config, error) {
	v, fileName := newViper()
	cfg, err := read(v, fileName)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Str("addr", cfg.Addr()).Str("signal", cfg.Signal.URL).Msg("config ready")
	return cfg, nil
}

// LoadAndWatch loads the config and calls onChange with the re-read
// config whenever the file changes. Invalid edits are logged and skipped.
func LoadAndWatch(onChange func(*Config)) (*Config, error) {
	v, fileName := newViper()
	cfg, err := read(v, fileName)
	if err != nil {
		return nil, err
	}
	if v.ConfigFileUsed() == "" {
		return cfg, nil
	}
	if _, statErr := os.Stat(fileName); statErr != nil {
		return cfg, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		next, err := decode(v)
		if err != nil {
			log.Error().Err(err).Str("module", "config").Str("file", e.Name).Msg("ignoring config change")
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Str("op", e.Op.String()).Msg("config changed")
		onChange(next)
	})
	v.WatchConfig()
	return cfg, nil
}
