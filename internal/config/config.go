// Package config loads hcsagent configuration from YAML or TOML files,
// applies environment overrides, and validates the result against an
// embedded CUE schema.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/roach88/hcsagent/internal/agent"
	"github.com/roach88/hcsagent/internal/ledger"
)

//go:embed schema.cue
var schemaCUE string

// Environment overrides.
const (
	EnvStorePath    = "HCSAGENT_STORE_PATH"
	EnvPollInterval = "HCSAGENT_POLL_INTERVAL"
	EnvStatusAddr   = "HCSAGENT_STATUS_ADDR"
)

// Store and transport drivers.
const (
	StoreSQLite = "sqlite"
	StoreBolt   = "bolt"

	TransportMemory = "memory"
	TransportLocal  = "local"
)

// Duration is a time.Duration written as a Go duration string ("5s").
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

type StoreConfig struct {
	Driver string `yaml:"driver" toml:"driver" json:"driver"`
	Path   string `yaml:"path" toml:"path" json:"path"`
}

type TransportConfig struct {
	Driver string `yaml:"driver" toml:"driver" json:"driver"`
	Path   string `yaml:"path" toml:"path" json:"path"`
}

// Config is the complete agent configuration.
type Config struct {
	AgentID           string           `yaml:"agent_id" toml:"agent_id" json:"agent_id"`
	InboundTopics     []string         `yaml:"inbound_topics" toml:"inbound_topics" json:"inbound_topics"`
	ResponderTopic    string           `yaml:"responder_topic" toml:"responder_topic" json:"responder_topic"`
	PollInterval      Duration         `yaml:"poll_interval" toml:"poll_interval" json:"poll_interval"`
	Store             StoreConfig      `yaml:"store" toml:"store" json:"store"`
	Transport         TransportConfig  `yaml:"transport" toml:"transport" json:"transport"`
	SendRatePerSecond float64          `yaml:"send_rate_per_second" toml:"send_rate_per_second" json:"send_rate_per_second"`
	SendBurst         int              `yaml:"send_burst" toml:"send_burst" json:"send_burst"`
	StatusAddr        string           `yaml:"status_addr" toml:"status_addr" json:"status_addr"`
	LogFormat         string           `yaml:"log_format" toml:"log_format" json:"log_format"`
	Treasury          map[string]int64 `yaml:"treasury" toml:"treasury" json:"treasury"`
}

// Default returns the configuration used for fields a file leaves unset.
func Default() Config {
	return Config{
		PollInterval:      Duration(agent.DefaultPollInterval),
		Store:             StoreConfig{Driver: StoreSQLite, Path: "./hcsagent.db"},
		Transport:         TransportConfig{Driver: TransportLocal, Path: "./topics.db"},
		SendRatePerSecond: agent.DefaultSendRate,
		SendBurst:         agent.DefaultSendBurst,
		LogFormat:         "text",
	}
}

// Load reads path (.yaml, .yml or .toml), applies environment overrides
// from the process environment, and validates the result.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := decodeYAML(path, &cfg); err != nil {
			return Config{}, err
		}
	case ".toml":
		if err := decodeTOML(path, &cfg); err != nil {
			return Config{}, err
		}
	default:
		return Config{}, fmt.Errorf("config %s: unsupported extension %q (want .yaml, .yml or .toml)", path, ext)
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func decodeYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func decodeTOML(path string, cfg *Config) error {
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return fmt.Errorf("parse config %s: unknown fields: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		return nil
	}
	if v, ok := lookup(EnvStorePath); ok && strings.TrimSpace(v) != "" {
		cfg.Store.Path = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvPollInterval); ok && strings.TrimSpace(v) != "" {
		var d Duration
		if err := d.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%s: %w", EnvPollInterval, err)
		}
		cfg.PollInterval = d
	}
	if v, ok := lookup(EnvStatusAddr); ok {
		cfg.StatusAddr = strings.TrimSpace(v)
	}
	return nil
}

// Validate checks cfg against the embedded CUE schema.
func Validate(cfg Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	value := ctx.CompileBytes(data, cue.Filename("config.json"))
	if err := value.Err(); err != nil {
		return fmt.Errorf("load config value: %w", err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Agent converts the file configuration to a runtime configuration.
func (c Config) Agent() agent.Config {
	var treasury ledger.Balances
	if len(c.Treasury) > 0 {
		treasury = make(ledger.Balances, len(c.Treasury))
		for asset, qty := range c.Treasury {
			treasury[asset] = qty
		}
	}
	return agent.Config{
		AgentID:        c.AgentID,
		InboundTopics:  append([]string(nil), c.InboundTopics...),
		ResponderTopic: c.ResponderTopic,
		PollInterval:   time.Duration(c.PollInterval),
		SendRate:       c.SendRatePerSecond,
		SendBurst:      c.SendBurst,
		Treasury:       treasury,
	}
}
