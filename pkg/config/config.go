// Package config loads gateway settings from a YAML file, INGESTGW_*
// environment variables and command line flags, in increasing precedence.
package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/ingestgw/pkg/gateway"
	"github.com/go-go-golems/ingestgw/pkg/logging"
	"github.com/go-go-golems/ingestgw/pkg/redisstream"
	"github.com/go-go-golems/ingestgw/pkg/session"
)

const (
	BridgeNone   = "none"
	BridgeMemory = "memory"
	BridgeRedis  = "redis"

	ConsumerLog       = "log"
	ConsumerEchoReply = "echo-reply"
	ConsumerJournal   = "journal"
	ConsumerScript    = "script"
)

type Config struct {
	// Listen is the raw HTTP/1.1 ingest address.
	Listen string `yaml:"listen" env:"INGESTGW_LISTEN"`
	// AdminListen serves /ws, /healthz and /stats. Empty disables it.
	AdminListen string `yaml:"admin_listen" env:"INGESTGW_ADMIN_LISTEN"`

	CookiePath      string `yaml:"cookie_path" env:"INGESTGW_COOKIE_PATH"`
	AckBody         string `yaml:"ack_body" env:"INGESTGW_ACK_BODY"`
	MaxReadAttempts int    `yaml:"max_read_attempts" env:"INGESTGW_MAX_READ_ATTEMPTS"`
	MaxPayloadBytes int    `yaml:"max_payload_bytes" env:"INGESTGW_MAX_PAYLOAD_BYTES"`

	ChunkSize       int           `yaml:"chunk_size" env:"INGESTGW_CHUNK_SIZE"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" env:"INGESTGW_MAX_HEADER_BYTES"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"INGESTGW_IDLE_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"INGESTGW_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"INGESTGW_SHUTDOWN_TIMEOUT"`

	Dispatch DispatchConfig `yaml:"dispatch"`
	// Consumers lists built-in consumers registered for every type: "log",
	// "echo-reply", "journal" and "script".
	Consumers []string      `yaml:"consumers" env:"INGESTGW_CONSUMERS"`
	Journal   JournalConfig `yaml:"journal"`
	Script    ScriptConfig  `yaml:"script"`

	Bridge BridgeConfig         `yaml:"bridge"`
	Redis  redisstream.Settings `yaml:"redis"`
	Log    logging.Settings     `yaml:"log"`
}

type DispatchConfig struct {
	QueueLimit int `yaml:"queue_limit" env:"INGESTGW_DISPATCH_QUEUE_LIMIT"`
	Workers    int `yaml:"workers" env:"INGESTGW_DISPATCH_WORKERS"`
}

type JournalConfig struct {
	// Path is the SQLite file the journal consumer writes to.
	Path string `yaml:"path" env:"INGESTGW_JOURNAL_PATH"`
}

type ScriptConfig struct {
	// Path is a JavaScript file that registers handlers with onContent.
	Path string `yaml:"path" env:"INGESTGW_SCRIPT_PATH"`
}

type BridgeConfig struct {
	// Backend is "none", "memory" or "redis".
	Backend     string `yaml:"backend" env:"INGESTGW_BRIDGE_BACKEND"`
	TopicPrefix string `yaml:"topic_prefix" env:"INGESTGW_BRIDGE_TOPIC_PREFIX"`
	// Type limits the bridge to one content type. Empty bridges every type.
	Type string `yaml:"type" env:"INGESTGW_BRIDGE_TYPE"`
}

func Default() Config {
	return Config{
		Listen:          ":8080",
		AdminListen:     ":8081",
		CookiePath:      gateway.DefaultCookiePath,
		AckBody:         "echo",
		MaxReadAttempts: session.MaxReadAttempts,
		MaxPayloadBytes: gateway.DefaultMaxPayloadBytes,
		ChunkSize:       256 << 10,
		MaxHeaderBytes:  1 << 20,
		IdleTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		Dispatch: DispatchConfig{
			QueueLimit: 0,
			Workers:    1,
		},
		Consumers: []string{ConsumerLog},
		Bridge: BridgeConfig{
			Backend:     BridgeNone,
			TopicPrefix: "ingest.",
		},
		Redis: redisstream.Settings{
			Addr:     "localhost:6379",
			Group:    "ingestgw",
			Consumer: "ingestgw-1",
		},
		Log: logging.Settings{
			Level:  "info",
			Format: "auto",
		},
	}
}

// DefaultPath is $HOME/.ingestgw/config.yaml, or "" without a home directory.
func DefaultPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".ingestgw", "config.yaml")
	}
	return ""
}

// Load builds the effective configuration. A missing file at path is not an
// error when explicit is false. Flags that were set on the command line win
// over both file and environment.
func Load(path string, explicit bool, flags *Flags) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		switch {
		case err == nil:
			err = decodeFile(f, &cfg)
			_ = f.Close()
			if err != nil {
				return cfg, errors.Wrapf(err, "config %s", path)
			}
		case os.IsNotExist(err) && !explicit:
		default:
			return cfg, errors.Wrap(err, "open config")
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return cfg, err
	}
	if flags != nil {
		flags.Apply(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(r io.Reader, cfg *Config) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

// ApplyEnv overlays INGESTGW_* variables. Unset variables leave cfg untouched.
func ApplyEnv(cfg *Config) error {
	err := envdecode.Decode(cfg)
	if err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return errors.Wrap(err, "decode environment")
	}
	return nil
}

// Validate fills zero values with defaults and rejects settings the server
// cannot run with.
func (c *Config) Validate() error {
	d := Default()
	if c.Listen == "" && c.AdminListen == "" {
		return errors.New("at least one of listen and admin_listen is required")
	}
	if _, err := gateway.ParseAckBody(c.AckBody); err != nil {
		return err
	}
	if c.MaxReadAttempts <= 0 {
		c.MaxReadAttempts = d.MaxReadAttempts
	}
	if c.MaxPayloadBytes < 0 {
		return errors.Errorf("max_payload_bytes must not be negative, got %d", c.MaxPayloadBytes)
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.MaxPayloadBytes > c.ChunkSize*c.MaxReadAttempts {
		return errors.Errorf("max_payload_bytes %d cannot be read in %d chunks of %d bytes",
			c.MaxPayloadBytes, c.MaxReadAttempts, c.ChunkSize)
	}
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = d.MaxHeaderBytes
	}
	if c.IdleTimeout < 0 || c.WriteTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.Dispatch.QueueLimit < 0 {
		return errors.Errorf("dispatch.queue_limit must not be negative, got %d", c.Dispatch.QueueLimit)
	}
	if c.Dispatch.Workers <= 0 {
		c.Dispatch.Workers = d.Dispatch.Workers
	}

	consumers := c.Consumers[:0:0]
	for _, name := range c.Consumers {
		name = strings.ToLower(strings.TrimSpace(name))
		switch name {
		case "":
			continue
		case ConsumerLog, ConsumerEchoReply:
			consumers = append(consumers, name)
		case ConsumerJournal:
			if strings.TrimSpace(c.Journal.Path) == "" {
				return errors.New("journal.path is required by the journal consumer")
			}
			consumers = append(consumers, name)
		case ConsumerScript:
			if strings.TrimSpace(c.Script.Path) == "" {
				return errors.New("script.path is required by the script consumer")
			}
			consumers = append(consumers, name)
		default:
			return errors.Errorf("unknown consumer %q", name)
		}
	}
	c.Consumers = consumers

	c.Bridge.Backend = strings.ToLower(strings.TrimSpace(c.Bridge.Backend))
	switch c.Bridge.Backend {
	case "":
		c.Bridge.Backend = BridgeNone
	case BridgeNone, BridgeMemory:
	case BridgeRedis:
		c.Redis.Enabled = true
	default:
		return errors.Errorf("unknown bridge backend %q", c.Bridge.Backend)
	}
	if c.Redis.Enabled && strings.TrimSpace(c.Redis.Addr) == "" {
		return errors.New("redis.addr is required when redis is enabled")
	}
	return nil
}
