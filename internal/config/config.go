package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/taskpulse/backend/internal/room"
	"github.com/taskpulse/backend/internal/session"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TASKPULSE_"

type Config struct {
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Transport TransportConfig `yaml:"transport" envPrefix:"TRANSPORT_"`
	Auth      AuthConfig      `yaml:"auth" envPrefix:"AUTH_"`
	Mock      MockConfig      `yaml:"mock" envPrefix:"MOCK_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
}

type ServerConfig struct {
	Port           int      `yaml:"port" env:"PORT"`
	Host           string   `yaml:"host" env:"HOST"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	MaxSessions    int      `yaml:"max_sessions" env:"MAX_SESSIONS"`
	AdminToken     string   `yaml:"admin_token" env:"ADMIN_TOKEN"`
}

type TransportConfig struct {
	PingInterval    time.Duration `yaml:"ping_interval" env:"PING_INTERVAL"`
	PongTimeout     time.Duration `yaml:"pong_timeout" env:"PONG_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	SendQueueSize   int           `yaml:"send_queue_size" env:"SEND_QUEUE_SIZE"`
	OverflowPolicy  string        `yaml:"overflow_policy" env:"OVERFLOW_POLICY"`
	AuthWait        time.Duration `yaml:"auth_wait" env:"AUTH_WAIT"`
	MaxMessageBytes int64         `yaml:"max_message_bytes" env:"MAX_MESSAGE_BYTES"`
}

type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret" env:"JWT_SECRET"`
	Issuer        string        `yaml:"issuer" env:"ISSUER"`
	Audience      string        `yaml:"audience" env:"AUDIENCE"`
	VerifyTimeout time.Duration `yaml:"verify_timeout" env:"VERIFY_TIMEOUT"`
	Leeway        time.Duration `yaml:"leeway" env:"LEEWAY"`
}

type MockConfig struct {
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	Projects []string      `yaml:"projects" env:"PROJECTS" envSeparator:","`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Transport: TransportConfig{
			PingInterval:    25 * time.Second,
			PongTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			SendQueueSize:   64,
			OverflowPolicy:  "disconnect",
			AuthWait:        500 * time.Millisecond,
			MaxMessageBytes: 4096,
		},
		Auth: AuthConfig{
			VerifyTimeout: 3 * time.Second,
			Leeway:        30 * time.Second,
		},
		Mock: MockConfig{
			Interval: 5 * time.Second,
			Projects: []string{"1", "2", "3"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the yaml file at path over the defaults, then applies
// TASKPULSE_* environment overrides. An empty path or a missing file
// skips the yaml step.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxSessions < 0 {
		errs = append(errs, errors.New("server.max_sessions must be >= 0"))
	}
	if c.Transport.PingInterval <= 0 {
		errs = append(errs, errors.New("transport.ping_interval must be > 0"))
	}
	if c.Transport.PongTimeout <= c.Transport.PingInterval {
		errs = append(errs, errors.New("transport.pong_timeout must exceed ping_interval"))
	}
	if c.Transport.WriteTimeout <= 0 {
		errs = append(errs, errors.New("transport.write_timeout must be > 0"))
	}
	if c.Transport.SendQueueSize <= 0 {
		errs = append(errs, errors.New("transport.send_queue_size must be > 0"))
	}
	if _, err := session.ParseOverflowPolicy(c.Transport.OverflowPolicy); err != nil {
		errs = append(errs, fmt.Errorf("transport.overflow_policy: %w", err))
	}
	if c.Transport.AuthWait < 0 {
		errs = append(errs, errors.New("transport.auth_wait must be >= 0"))
	}
	if c.Transport.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("transport.max_message_bytes must be > 0"))
	}
	if c.Auth.VerifyTimeout < 0 {
		errs = append(errs, errors.New("auth.verify_timeout must be >= 0"))
	}
	if c.Mock.Interval <= 0 {
		errs = append(errs, errors.New("mock.interval must be > 0"))
	}
	for _, id := range c.Mock.Projects {
		if err := room.Validate(room.ProjectRoom(id)); err != nil {
			errs = append(errs, fmt.Errorf("mock.projects: %w", err))
		}
	}
	return errors.Join(errs...)
}

// OverflowPolicy returns the parsed transport overflow policy.
func (c *Config) OverflowPolicy() session.OverflowPolicy {
	p, _ := session.ParseOverflowPolicy(c.Transport.OverflowPolicy)
	return p
}

// Addr is the host:port the HTTP server listens on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
