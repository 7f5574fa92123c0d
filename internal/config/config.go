package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment override, e.g.
// NETSCENE_SESSION_HOST_PORT.
const EnvPrefix = "NETSCENE_"

// PathEnv names the variable that overrides the config file path.
const PathEnv = "NETSCENE_CONFIG"

// DefaultPath is used when PathEnv is unset.
const DefaultPath = "config/netscene.toml"

type Config struct {
	Session  SessionConfig  `toml:"session" envPrefix:"SESSION_"`
	Network  NetworkConfig  `toml:"network" envPrefix:"NETWORK_"`
	Scene    SceneConfig    `toml:"scene" envPrefix:"SCENE_"`
	Database DatabaseConfig `toml:"database" envPrefix:"DATABASE_"`
	Journal  JournalConfig  `toml:"journal" envPrefix:"JOURNAL_"`
	Logging  LoggingConfig  `toml:"logging" envPrefix:"LOGGING_"`
	Profile  ProfileConfig  `toml:"profile" envPrefix:"PROFILE_"`
}

type SessionConfig struct {
	Role                 string        `toml:"role" env:"ROLE"` // "single", "host", "client"
	HostPort             int           `toml:"host_port" env:"HOST_PORT"`
	PortFallbackAttempts int           `toml:"port_fallback_attempts" env:"PORT_FALLBACK_ATTEMPTS"`
	ConnectAddress       string        `toml:"connect_address" env:"CONNECT_ADDRESS"`
	ConnectPort          int           `toml:"connect_port" env:"CONNECT_PORT"`
	ConnectTimeout       time.Duration `toml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	TickDriven           bool          `toml:"tick_driven" env:"TICK_DRIVEN"`
	Password             string        `toml:"password" env:"PASSWORD"`
	PasswordHash         string        `toml:"password_hash" env:"PASSWORD_HASH"` // bcrypt, wins over password
	PlayerName           string        `toml:"player_name" env:"PLAYER_NAME"`
}

type NetworkConfig struct {
	Transport         string        `toml:"transport" env:"TRANSPORT"` // "tcp" or "ws"
	BindHost          string        `toml:"bind_host" env:"BIND_HOST"`
	TickRate          time.Duration `toml:"tick_rate" env:"TICK_RATE"`
	InQueueSize       int           `toml:"in_queue_size" env:"IN_QUEUE_SIZE"`
	OutQueueSize      int           `toml:"out_queue_size" env:"OUT_QUEUE_SIZE"`
	MaxPacketsPerTick int           `toml:"max_packets_per_tick" env:"MAX_PACKETS_PER_TICK"`
	WriteTimeout      time.Duration `toml:"write_timeout" env:"WRITE_TIMEOUT"`
	ReadTimeout       time.Duration `toml:"read_timeout" env:"READ_TIMEOUT"`
	PacketsPerSecond  float64       `toml:"packets_per_second" env:"PACKETS_PER_SECOND"` // 0 = unlimited
	Burst             int           `toml:"burst" env:"BURST"`
	StringEncoding    string        `toml:"string_encoding" env:"STRING_ENCODING"` // IANA name, "" = UTF-8
}

// TicksPerSecond converts TickRate (a tick period) to a frequency.
func (n NetworkConfig) TicksPerSecond() int {
	if n.TickRate <= 0 {
		return 0
	}
	return int(time.Second / n.TickRate)
}

type SceneConfig struct {
	Manifest string   `toml:"manifest" env:"MANIFEST"`
	Scripts  string   `toml:"scripts" env:"SCRIPTS"`
	Spawns   []string `toml:"spawns" env:"SPAWNS"` // "prefab@spawn_point", spawned at host/single start
}

type DatabaseConfig struct {
	Driver          string        `toml:"driver" env:"DRIVER"` // "sqlite", "postgres" or "" (disabled)
	DSN             string        `toml:"dsn" env:"DSN"`
	MaxOpenConns    int           `toml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `toml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

type JournalConfig struct {
	Enabled bool   `toml:"enabled" env:"ENABLED"`
	Dir     string `toml:"dir" env:"DIR"`
}

type LoggingConfig struct {
	Level  string `toml:"level" env:"LEVEL"`
	Format string `toml:"format" env:"FORMAT"` // "json" or "console"
}

type ProfileConfig struct {
	Mode string `toml:"mode" env:"MODE"` // "", "cpu", "mem", "mutex", "block", "trace"
	Dir  string `toml:"dir" env:"DIR"`
}

// Path returns the config file location, honouring PathEnv.
func Path() string {
	if p := os.Getenv(PathEnv); p != "" {
		return p
	}
	return DefaultPath
}

// Load decodes path over the defaults and then applies NETSCENE_*
// environment overrides. A missing file is not an error when allowMissing
// is set; the defaults and environment alone are used.
func Load(path string, allowMissing bool) (*Config, error) {
	cfg := defaults()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err) && allowMissing:
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Session.Role {
	case "", "none", "single", "singleplayer", "single_player", "host", "client":
	default:
		return fmt.Errorf("session.role: unknown role %q", c.Session.Role)
	}
	switch c.Network.Transport {
	case "tcp", "ws":
	default:
		return fmt.Errorf("network.transport: unknown transport %q", c.Network.Transport)
	}
	switch c.Database.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver: unknown driver %q", c.Database.Driver)
	}
	if c.Session.HostPort < 0 || c.Session.HostPort > 65535 {
		return fmt.Errorf("session.host_port: %d out of range", c.Session.HostPort)
	}
	if c.Network.TickRate <= 0 {
		return fmt.Errorf("network.tick_rate must be positive")
	}
	return nil
}

func defaults() *Config {
	return &Config{
		Session: SessionConfig{
			Role:                 "host",
			HostPort:             7777,
			PortFallbackAttempts: 10,
			ConnectAddress:       "127.0.0.1",
			ConnectPort:          7777,
			ConnectTimeout:       5 * time.Second,
			TickDriven:           true,
			PlayerName:           "player",
		},
		Network: NetworkConfig{
			Transport:         "tcp",
			BindHost:          "0.0.0.0",
			TickRate:          33 * time.Millisecond,
			InQueueSize:       256,
			OutQueueSize:      512,
			MaxPacketsPerTick: 64,
			WriteTimeout:      10 * time.Second,
			ReadTimeout:       60 * time.Second,
			PacketsPerSecond:  240,
			Burst:             480,
		},
		Scene: SceneConfig{
			Manifest: "data/yaml/scene.yaml",
			Scripts:  "scripts",
		},
		Database: DatabaseConfig{
			Driver:          "",
			DSN:             "file:netscene.db",
			MaxOpenConns:    4,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Journal: JournalConfig{
			Dir: "journal",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}
