package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Client    ClientConfig    `yaml:"client"`
	Transport TransportConfig `yaml:"transport"`
	Refetch   RefetchConfig   `yaml:"refetch"`
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Logger    LoggerConfig    `yaml:"logger"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ClientConfig points the terminal client at a push server and REST API.
type ClientConfig struct {
	PushURL    string `yaml:"push_url"`
	APIURL     string `yaml:"api_url"`
	Token      string `yaml:"token"`
	SignInPath string `yaml:"signin_path"`
}

type TransportConfig struct {
	ReconnectBase    time.Duration `yaml:"reconnect_base"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`
	ReconnectGiveUp  time.Duration `yaml:"reconnect_give_up"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PongTimeout      time.Duration `yaml:"pong_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

type RefetchConfig struct {
	Window         time.Duration `yaml:"window"`
	MaxWait        time.Duration `yaml:"max_wait"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	JWTSecret      string        `yaml:"jwt_secret"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
	MaxConns       int           `yaml:"max_conns"`
	SendBuffer     int           `yaml:"send_buffer"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	Demo           bool          `yaml:"demo"`
	DemoInterval   time.Duration `yaml:"demo_interval"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
}

type LoggerConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Format     string `yaml:"format"`      // json, console
	Output     string `yaml:"output"`      // stdout, file
	FilePath   string `yaml:"file_path"`   // used when output is file
	MaxSize    int    `yaml:"max_size"`    // MB
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"` // days
	Compress   bool   `yaml:"compress"`
	Color      bool   `yaml:"color"`
	Stacktrace bool   `yaml:"stacktrace"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the built-in configuration used when no file is present.
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			PushURL:    "ws://127.0.0.1:8080/ws",
			APIURL:     "http://127.0.0.1:8080",
			SignInPath: "/auth/signin",
		},
		Transport: TransportConfig{
			ReconnectBase:    time.Second,
			ReconnectMax:     30 * time.Second,
			ReconnectGiveUp:  10 * time.Minute,
			PingInterval:     30 * time.Second,
			PongTimeout:      60 * time.Second,
			WriteTimeout:     10 * time.Second,
			HandshakeTimeout: 10 * time.Second,
		},
		Refetch: RefetchConfig{
			Window:         250 * time.Millisecond,
			MaxWait:        2 * time.Second,
			RequestTimeout: 15 * time.Second,
		},
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8080,
			TokenTTL:     24 * time.Hour,
			MaxConns:     1000,
			SendBuffer:   64,
			DemoInterval: 3 * time.Second,
		},
		Redis: RedisConfig{
			Addr:   "127.0.0.1:6379",
			Stream: "pulse:events",
		},
		Logger: LoggerConfig{
			Level:      "info",
			Format:     "console",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads a YAML config file over the defaults. ${VAR} and
// ${VAR:default} placeholders are expanded from the environment, which is
// first populated from a .env file when one exists.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(resolveEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to Default when path is
// empty or does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return Load(path)
}

var envPattern = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

func resolveEnv(content []byte) []byte {
	return envPattern.ReplaceAllFunc(content, func(match []byte) []byte {
		m := envPattern.FindSubmatch(match)
		if value, ok := os.LookupEnv(string(m[1])); ok {
			return []byte(value)
		}
		return m[2]
	})
}

func (c *Config) Validate() error {
	t := c.Transport
	if t.ReconnectBase <= 0 {
		return errors.New("transport.reconnect_base must be positive")
	}
	if t.ReconnectMax < t.ReconnectBase {
		return errors.New("transport.reconnect_max must not be below reconnect_base")
	}
	if t.ReconnectGiveUp < 0 {
		return errors.New("transport.reconnect_give_up must not be negative")
	}
	if t.PingInterval <= 0 || t.PongTimeout <= t.PingInterval {
		return errors.New("transport.pong_timeout must exceed a positive ping_interval")
	}
	if t.WriteTimeout <= 0 {
		return errors.New("transport.write_timeout must be positive")
	}
	if c.Refetch.Window < 0 {
		return errors.New("refetch.window must not be negative")
	}
	if c.Refetch.MaxWait != 0 && c.Refetch.MaxWait < c.Refetch.Window {
		return errors.New("refetch.max_wait must not be below window")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.SendBuffer <= 0 {
		return errors.New("server.send_buffer must be positive")
	}
	return nil
}

// Addr returns the push server listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
