// Package config reads service and client settings from the environment,
// after loading an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"
)

type Config struct {
	GatewayURL  string
	APIURL      string
	GatewayAddr string
	APIAddr     string
	JWTSecret   string

	// Snowflake nodes; every gateway and api instance needs its own.
	NodeID    int64
	APINodeID int64

	KafkaBrokers   []string
	KafkaTopic     string
	RedisAddr      string
	ScyllaHosts    []string
	ScyllaKeyspace string

	TypingDebounce time.Duration
	TypingCeiling  time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
	AutoReconnect  bool

	SendRate   Rate
	TypingRate Rate
}

// Rate is a request budget such as "30/min".
type Rate struct {
	Requests int
	Window   time.Duration
}

func (r Rate) String() string {
	return fmt.Sprintf("%d/%s", r.Requests, r.Window)
}

// Limiter returns a token bucket refilling at the rate, with a full window
// of burst.
func (r Rate) Limiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(r.Window/time.Duration(r.Requests)), r.Requests)
}

// Load reads the given .env files (".env" when none are named) and then the
// environment. Missing files are ignored; variables already set in the
// environment win over file values.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load env file: %w", err)
	}

	c := &Config{
		GatewayURL:     env("GATEWAY_URL", "ws://localhost:8080/ws"),
		APIURL:         env("API_URL", "http://localhost:8081"),
		GatewayAddr:    env("GATEWAY_ADDR", ":8080"),
		APIAddr:        env("API_ADDR", ":8081"),
		JWTSecret:      env("JWT_SECRET", "my_secret_key"),
		KafkaBrokers:   list(env("KAFKA_BROKERS", "localhost:19092")),
		KafkaTopic:     env("KAFKA_TOPIC", "chat-messages"),
		RedisAddr:      env("REDIS_ADDR", "localhost:6379"),
		ScyllaHosts:    list(env("SCYLLA_HOSTS", "localhost:9042")),
		ScyllaKeyspace: env("SCYLLA_KEYSPACE", "chat"),
	}

	var err error
	durations := []struct {
		key string
		def string
		dst *time.Duration
	}{
		{"TYPING_DEBOUNCE", "1200ms", &c.TypingDebounce},
		{"TYPING_CEILING", "5s", &c.TypingCeiling},
		{"RECONNECT_MIN", "1s", &c.ReconnectMin},
		{"RECONNECT_MAX", "32s", &c.ReconnectMax},
	}
	for _, d := range durations {
		if *d.dst, err = time.ParseDuration(env(d.key, d.def)); err != nil {
			return nil, fmt.Errorf("config: %s: %w", d.key, err)
		}
		if *d.dst <= 0 {
			return nil, fmt.Errorf("config: %s must be positive", d.key)
		}
	}
	if c.ReconnectMax < c.ReconnectMin {
		return nil, fmt.Errorf("config: RECONNECT_MAX %s is below RECONNECT_MIN %s", c.ReconnectMax, c.ReconnectMin)
	}

	if c.NodeID, err = strconv.ParseInt(env("NODE_ID", "1"), 10, 64); err != nil {
		return nil, fmt.Errorf("config: NODE_ID: %w", err)
	}
	if c.APINodeID, err = strconv.ParseInt(env("API_NODE_ID", "512"), 10, 64); err != nil {
		return nil, fmt.Errorf("config: API_NODE_ID: %w", err)
	}
	if c.AutoReconnect, err = strconv.ParseBool(env("AUTO_RECONNECT", "false")); err != nil {
		return nil, fmt.Errorf("config: AUTO_RECONNECT: %w", err)
	}
	if c.SendRate, err = ParseRate(env("SEND_RATE", "30/min")); err != nil {
		return nil, fmt.Errorf("config: SEND_RATE: %w", err)
	}
	if c.TypingRate, err = ParseRate(env("TYPING_RATE", "60/min")); err != nil {
		return nil, fmt.Errorf("config: TYPING_RATE: %w", err)
	}
	return c, nil
}

var windows = map[string]time.Duration{
	"s":   time.Second,
	"sec": time.Second,
	"m":   time.Minute,
	"min": time.Minute,
	"h":   time.Hour,
}

// ParseRate parses "<requests>/<window>", where window is s, min or h, or
// any time.ParseDuration string such as "10s".
func ParseRate(s string) (Rate, error) {
	n, per, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return Rate{}, fmt.Errorf("invalid rate %q", s)
	}
	requests, err := strconv.Atoi(n)
	if err != nil || requests <= 0 {
		return Rate{}, fmt.Errorf("invalid request count in rate %q", s)
	}
	window, ok := windows[per]
	if !ok {
		if window, err = time.ParseDuration(per); err != nil || window <= 0 {
			return Rate{}, fmt.Errorf("invalid window in rate %q", s)
		}
	}
	return Rate{Requests: requests, Window: window}, nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func list(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
