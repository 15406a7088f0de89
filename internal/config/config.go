package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port             string
	LogLevel         string
	LogFormat        string
	HA               HAConfig
	Redis            RedisConfig
	CacheTTL         time.Duration
	RefreshCron      string
	MQTTBrokerURL    string
	MQTTClientID     string
	MQTTTopicPrefix  string
	MQTTRetain       bool
	CORSOrigin       string
	JWTPublicKeyPath string
}

type HAConfig struct {
	URL            string
	Token          string
	RequestTimeout time.Duration
	ReconnectDelay time.Duration
	ReadTimeout    time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

var defaults = map[string]any{
	"hass_gateway_port":   "8099",
	"log_level":           "info",
	"log_format":          "text",
	"ha_url":              "http://localhost:8123",
	"ha_token":            "",
	"ha_request_timeout":  "10s",
	"ha_reconnect_delay":  "5s",
	"ha_read_timeout":     "110s",
	"redis_addr":          "",
	"redis_password":      "",
	"redis_db":            0,
	"cache_ttl":           "5m",
	"cache_refresh_cron":  "@every 5m",
	"mqtt_broker_url":     "",
	"mqtt_client_id":      "hass-gateway",
	"mqtt_topic_prefix":   "homenavi/hass/state/",
	"mqtt_retain":         "true",
	"cors_origin":         "http://localhost:3000",
	"jwt_public_key_path": "",
}

// Load reads configuration from the environment. When HASS_GATEWAY_CONFIG
// names a YAML file its values are used for keys the environment leaves unset.
func Load() (*Config, error) {
	v := viper.New()
	for k, def := range defaults {
		v.SetDefault(k, def)
	}
	v.AutomaticEnv()

	if path := strings.TrimSpace(os.Getenv("HASS_GATEWAY_CONFIG")); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	requestTimeout, err := duration(v, "ha_request_timeout")
	if err != nil {
		return nil, err
	}
	reconnectDelay, err := duration(v, "ha_reconnect_delay")
	if err != nil {
		return nil, err
	}
	readTimeout, err := duration(v, "ha_read_timeout")
	if err != nil {
		return nil, err
	}
	cacheTTL, err := duration(v, "cache_ttl")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:      strings.TrimSpace(v.GetString("hass_gateway_port")),
		LogLevel:  strings.ToLower(strings.TrimSpace(v.GetString("log_level"))),
		LogFormat: strings.ToLower(strings.TrimSpace(v.GetString("log_format"))),
		HA: HAConfig{
			URL:            strings.TrimSpace(v.GetString("ha_url")),
			Token:          strings.TrimSpace(v.GetString("ha_token")),
			RequestTimeout: requestTimeout,
			ReconnectDelay: reconnectDelay,
			ReadTimeout:    readTimeout,
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(v.GetString("redis_addr")),
			Password: v.GetString("redis_password"),
			DB:       v.GetInt("redis_db"),
		},
		CacheTTL:         cacheTTL,
		RefreshCron:      strings.TrimSpace(v.GetString("cache_refresh_cron")),
		MQTTBrokerURL:    strings.TrimSpace(v.GetString("mqtt_broker_url")),
		MQTTClientID:     strings.TrimSpace(v.GetString("mqtt_client_id")),
		MQTTTopicPrefix:  v.GetString("mqtt_topic_prefix"),
		MQTTRetain:       parseBool(v.GetString("mqtt_retain")),
		CORSOrigin:       strings.TrimSpace(v.GetString("cors_origin")),
		JWTPublicKeyPath: strings.TrimSpace(v.GetString("jwt_public_key_path")),
	}
	if cfg.MQTTTopicPrefix != "" && !strings.HasSuffix(cfg.MQTTTopicPrefix, "/") {
		cfg.MQTTTopicPrefix += "/"
	}

	slog.Info("hass-gateway config loaded",
		"port", cfg.Port,
		"ha_url", cfg.HA.URL,
		"redis", cfg.Redis.Addr,
		"mqtt", cfg.MQTTBrokerURL,
		"auth", cfg.JWTPublicKeyPath != "",
	)
	return cfg, nil
}

func duration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", strings.ToUpper(key), raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", strings.ToUpper(key), raw)
	}
	return d, nil
}

func parseBool(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}
