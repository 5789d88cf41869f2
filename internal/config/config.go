package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/park285/duel/internal/reconnect"
)

type AppConfig struct {
	ListenAddr   string `yaml:"listen_addr"`
	PublicAddr   string `yaml:"public_addr"`
	HostSide     string `yaml:"host_side"`
	PlayerName   string `yaml:"player_name"`
	RedisURL     string `yaml:"redis_url"`
	DatabaseURL  string `yaml:"database_url"`
	DirectoryURL string `yaml:"directory_url"`
	MessagesDir  string `yaml:"messages_dir"`

	HeartbeatMS        int     `yaml:"heartbeat_ms"`
	TransitionLockMS   int     `yaml:"transition_lock_ms"`
	ReconnectAttempts  int     `yaml:"reconnect_attempts"`
	ReconnectBase      float64 `yaml:"reconnect_base"`
	ReconnectUnitMS    int     `yaml:"reconnect_unit_ms"`
	ReconnectWindowSec int     `yaml:"reconnect_window_sec"`
	AttemptTimeoutSec  int     `yaml:"attempt_timeout_sec"`
	TurnTimeoutSec     int     `yaml:"turn_timeout_sec"`
}

func defaults() *AppConfig {
	return &AppConfig{
		ListenAddr:         ":7420",
		HostSide:           "white",
		PlayerName:         "player",
		HeartbeatMS:        100,
		TransitionLockMS:   150,
		ReconnectAttempts:  3,
		ReconnectBase:      2,
		ReconnectUnitMS:    1000,
		ReconnectWindowSec: 30,
		AttemptTimeoutSec:  5,
	}
}

// Load reads .env, the optional YAML file named by DUEL_CONFIG, then the
// environment. Later sources win.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg := defaults()
	if path := strings.TrimSpace(os.Getenv("DUEL_CONFIG")); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	cfg.overlayEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (c *AppConfig) overlayEnv() {
	setString(&c.ListenAddr, "DUEL_LISTEN_ADDR")
	setString(&c.PublicAddr, "DUEL_PUBLIC_ADDR")
	setString(&c.HostSide, "DUEL_HOST_SIDE")
	setString(&c.PlayerName, "DUEL_PLAYER_NAME")
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.DirectoryURL, "DUEL_DIRECTORY_URL")
	setString(&c.MessagesDir, "DUEL_MESSAGES_DIR")

	setPositiveInt(&c.HeartbeatMS, "DUEL_HEARTBEAT_MS")
	setNonNegativeInt(&c.TransitionLockMS, "DUEL_TRANSITION_LOCK_MS")
	setPositiveInt(&c.ReconnectAttempts, "DUEL_RECONNECT_ATTEMPTS")
	setPositiveInt(&c.ReconnectUnitMS, "DUEL_RECONNECT_UNIT_MS")
	setPositiveInt(&c.ReconnectWindowSec, "DUEL_RECONNECT_WINDOW_SEC")
	setPositiveInt(&c.AttemptTimeoutSec, "DUEL_ATTEMPT_TIMEOUT_SEC")
	setNonNegativeInt(&c.TurnTimeoutSec, "DUEL_TURN_TIMEOUT_SEC")
	if v := strings.TrimSpace(os.Getenv("DUEL_RECONNECT_BASE")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 1 {
			c.ReconnectBase = f
		}
	}
}

// Validate rejects combinations the session cannot run with.
func (c *AppConfig) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.HostSide)) {
	case "white", "black", "random":
	default:
		return fmt.Errorf("DUEL_HOST_SIDE must be white, black or random, got %q", c.HostSide)
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("DUEL_LISTEN_ADDR is required")
	}
	if c.HeartbeatMS <= 0 {
		return errors.New("DUEL_HEARTBEAT_MS must be positive")
	}
	if c.ReconnectAttempts <= 0 {
		return errors.New("DUEL_RECONNECT_ATTEMPTS must be positive")
	}
	if c.ReconnectBase < 1 {
		return errors.New("DUEL_RECONNECT_BASE must be at least 1")
	}
	if c.ReconnectWindowSec <= 0 {
		return errors.New("DUEL_RECONNECT_WINDOW_SEC must be positive")
	}
	return nil
}

func (c *AppConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatMS) * time.Millisecond
}

func (c *AppConfig) TransitionLock() time.Duration {
	return time.Duration(c.TransitionLockMS) * time.Millisecond
}

func (c *AppConfig) ReconnectUnit() time.Duration {
	return time.Duration(c.ReconnectUnitMS) * time.Millisecond
}

func (c *AppConfig) ReconnectWindow() time.Duration {
	return time.Duration(c.ReconnectWindowSec) * time.Second
}

func (c *AppConfig) AttemptTimeout() time.Duration {
	return time.Duration(c.AttemptTimeoutSec) * time.Second
}

func (c *AppConfig) TurnTimeout() time.Duration {
	return time.Duration(c.TurnTimeoutSec) * time.Second
}

// ReconnectPolicy bundles the reconnection settings.
func (c *AppConfig) ReconnectPolicy() reconnect.Policy {
	return reconnect.Policy{
		MaxAttempts:    c.ReconnectAttempts,
		Base:           c.ReconnectBase,
		Unit:           c.ReconnectUnit(),
		Window:         c.ReconnectWindow(),
		AttemptTimeout: c.AttemptTimeout(),
	}
}

// Advertised is the address a join code resolves to: PublicAddr when set,
// otherwise ListenAddr with an empty host read as loopback.
func (c *AppConfig) Advertised() (string, int, error) {
	addr := strings.TrimSpace(c.PublicAddr)
	if addr == "" {
		addr = strings.TrimSpace(c.ListenAddr)
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("advertised address %q: %w", addr, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return "", 0, fmt.Errorf("advertised port %q is invalid", port)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return host, n, nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setPositiveInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func setNonNegativeInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			*dst = n
		}
	}
}
