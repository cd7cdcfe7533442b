package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode string `mapstructure:"mode"`
	Port int    `mapstructure:"port"`

	AnnounceIP string `mapstructure:"announce_ip"`
	RTCPortMin uint16 `mapstructure:"rtc_port_min"`
	RTCPortMax uint16 `mapstructure:"rtc_port_max"`
	STUNServer string `mapstructure:"stun_server"`

	TokenSigningKey string `mapstructure:"token_signing_key"`

	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	EventQueueSize int           `mapstructure:"event_queue_size"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("zling")
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("announce_ip", "127.0.0.1")
	v.SetDefault("rtc_port_min", 10000)
	v.SetDefault("rtc_port_max", 11000)
	v.SetDefault("stun_server", "stun:stun.l.google.com:19302")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("event_queue_size", 32)

	if err := v.ReadInConfig(); err != nil {
		log.Info().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.RTCPortMax < cfg.RTCPortMin {
		return nil, fmt.Errorf("rtc_port_max (%d) below rtc_port_min (%d)", cfg.RTCPortMax, cfg.RTCPortMin)
	}
	if ip := net.ParseIP(cfg.AnnounceIP); ip != nil && ip.IsLoopback() {
		log.Warn().Str("module", "config").Msg("announce_ip is a loopback address, voice clients will probably not be able to connect")
	}

	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("announce_ip", cfg.AnnounceIP).
		Uint16("rtc_port_min", cfg.RTCPortMin).
		Uint16("rtc_port_max", cfg.RTCPortMax).
		Msg("configuration")
	return &cfg, nil
}
