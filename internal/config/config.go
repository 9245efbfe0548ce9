package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models panopticon.yml.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		PublicURL string `yaml:"public_url"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret        string `yaml:"jwt_secret"`
		AllowActorHeader bool   `yaml:"allow_actor_header"`
		DevLogin         bool   `yaml:"dev_login"`
	} `yaml:"auth"`
	Session struct {
		IdleTimeout string `yaml:"idle_timeout"`
		MaxAgents   int    `yaml:"max_agents"`
	} `yaml:"session"`
	Workers struct {
		Command   string   `yaml:"command"`
		Args      []string `yaml:"args"`
		Env       []string `yaml:"env"`
		Dir       string   `yaml:"dir"`
		KillGrace string   `yaml:"kill_grace"`
	} `yaml:"workers"`
	Decomposer struct {
		Provider   string `yaml:"provider"`
		Model      string `yaml:"model"`
		MaxTokens  int    `yaml:"max_tokens"`
		AWSRegion  string `yaml:"aws_region"`
		AWSProfile string `yaml:"aws_profile"`
	} `yaml:"decomposer"`
	Replay struct {
		Root          string `yaml:"root"`
		PublicBaseURL string `yaml:"public_base_url"`
		Watch         bool   `yaml:"watch"`
	} `yaml:"replay"`
	Storage  Storage   `yaml:"storage"`
	Webhooks []Webhook `yaml:"webhooks"`
	Log      struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

type Storage struct {
	Bucket          string `yaml:"bucket"`
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	PublicURL       string `yaml:"public_url"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	PresignExpiry   string `yaml:"presign_expiry"`
	PathStyle       bool   `yaml:"path_style"`
}

// Enabled reports whether presigned uploads are configured.
func (s Storage) Enabled() bool { return s.Bucket != "" }

// Webhook receives journal events. Enabled defaults to true when omitted.
type Webhook struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// maxAgentsCeiling is the most agents a session may run in parallel.
const maxAgentsCeiling = 4

var (
	providers  = map[string]bool{"anthropic": true, "bedrock": true, "static": true}
	logLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	logFormats = map[string]bool{"text": true, "json": true}
)

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Session.MaxAgents < 1 || c.Session.MaxAgents > maxAgentsCeiling {
		return fmt.Errorf("config.session.max_agents must be between 1 and %d", maxAgentsCeiling)
	}
	if _, err := parseDuration("session.idle_timeout", c.Session.IdleTimeout); err != nil {
		return err
	}
	if _, err := parseDuration("workers.kill_grace", c.Workers.KillGrace); err != nil {
		return err
	}
	if _, err := parseDuration("storage.presign_expiry", c.Storage.PresignExpiry); err != nil {
		return err
	}
	if !providers[c.Decomposer.Provider] {
		return fmt.Errorf("config.decomposer.provider must be one of anthropic, bedrock, static")
	}
	if c.Decomposer.MaxTokens < 0 {
		return fmt.Errorf("config.decomposer.max_tokens must not be negative")
	}
	if !logLevels[c.Log.Level] {
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	if !logFormats[c.Log.Format] {
		return fmt.Errorf("config.log.format must be text or json")
	}
	for i, wh := range c.Webhooks {
		if strings.TrimSpace(wh.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
		if wh.TimeoutSeconds < 0 {
			return fmt.Errorf("webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

func parseDuration(field, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("config.%s must be a positive duration like 5m", field)
	}
	return d, nil
}

// IdleTimeout is session.idle_timeout, zero when unset.
func (c *Config) IdleTimeout() time.Duration {
	d, _ := parseDuration("session.idle_timeout", c.Session.IdleTimeout)
	return d
}

func (c *Config) KillGrace() time.Duration {
	d, _ := parseDuration("workers.kill_grace", c.Workers.KillGrace)
	return d
}

func (c *Config) PresignExpiry() time.Duration {
	d, _ := parseDuration("storage.presign_expiry", c.Storage.PresignExpiry)
	return d
}

// ReplayRoot resolves replay.root against the workspace.
func (c *Config) ReplayRoot(workspace string) string {
	root := c.Replay.Root
	if root == "" {
		root = ".replays"
	}
	if filepath.IsAbs(root) {
		return root
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, root)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "panopticon.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with panopticon config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1
  public_url: http://127.0.0.1:8080

auth:
  # set jwt_secret (or PANOPTICON_JWT_SECRET) to require bearer tokens
  jwt_secret: ""
  allow_actor_header: true
  dev_login: true

session:
  idle_timeout: 5m
  max_agents: 4

workers:
  command: ""
  args: []
  env: []
  kill_grace: 5s

decomposer:
  provider: anthropic
  model: claude-sonnet-4-20250514
  max_tokens: 2048

replay:
  root: .replays
  public_base_url: ""
  watch: true

storage:
  bucket: ""
  region: auto
  presign_expiry: 1h

log:
  level: info
  format: text
`
