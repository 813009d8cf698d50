package config

import (
	"embed"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsFS embed.FS

// Config is the fully resolved harvester configuration. It is built once by
// the process entry point and handed to every component.
type Config struct {
	Session   SessionConfig   `yaml:"session"`
	Browser   BrowserConfig   `yaml:"browser"`
	HTTP      HTTPConfig      `yaml:"http"`
	Endpoints EndpointsConfig `yaml:"endpoints"`
	Run       RunConfig       `yaml:"run"`
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
}

type SessionConfig struct {
	Dir              string `yaml:"dir"`
	HomeURL          string `yaml:"home_url"`
	LoginWaitSeconds int    `yaml:"login_wait_seconds"`
}

// BrowserConfig controls how item pages are rendered.
type BrowserConfig struct {
	Renderer           string `yaml:"renderer"` // "browser" (chromedp) or "static" (colly)
	Headless           bool   `yaml:"headless"`
	PageTimeoutSeconds int    `yaml:"page_timeout_seconds"`
	SettleMillis       int    `yaml:"settle_millis"`
	UserAgent          string `yaml:"user_agent"`
}

// HTTPConfig applies to the structured API, listing and download calls.
type HTTPConfig struct {
	TimeoutSeconds  int `yaml:"timeout_seconds"`
	MaxRetries      int `yaml:"max_retries"`
	RetryWaitMillis int `yaml:"retry_wait_millis"`
}

// EndpointsConfig holds URL templates. Placeholders: {opportunity_id},
// {organization_id}, {resource_id}, {nonce}.
type EndpointsConfig struct {
	Opportunity     string `yaml:"opportunity"`
	Organization    string `yaml:"organization"`
	Resources       string `yaml:"resources"`
	ResourceArchive string `yaml:"resource_archive"`
}

type RunConfig struct {
	Concurrency     int  `yaml:"concurrency"`
	IncludePayloads bool `yaml:"include_payloads"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	OutputDir string `yaml:"output_dir"`
}

const (
	RendererBrowser = "browser"
	RendererStatic  = "static"
)

// Load reads the embedded defaults and overlays the YAML file at path, if
// one is given. Environment references such as ${DATABASE_URL} are expanded
// in both documents before decoding.
func Load(path string) (*Config, error) {
	data, err := defaultsFS.ReadFile("defaults.yaml")
	if err != nil {
		return nil, fmt.Errorf("read embedded defaults: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse embedded defaults: %w", err)
	}

	if path != "" {
		override, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(override))), &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Session.Dir) == "" {
		c.Session.Dir = ".session"
	}
	if c.Session.LoginWaitSeconds <= 0 {
		c.Session.LoginWaitSeconds = 120
	}
	if c.Browser.Renderer == "" {
		c.Browser.Renderer = RendererBrowser
	}
	if c.Browser.PageTimeoutSeconds <= 0 {
		c.Browser.PageTimeoutSeconds = 60
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		c.HTTP.TimeoutSeconds = 60
	}
	if c.HTTP.MaxRetries < 0 {
		c.HTTP.MaxRetries = 0
	}
	if c.Run.Concurrency <= 0 {
		c.Run.Concurrency = 1
	}
	if c.Server.Addr == "" || c.Server.Addr == ":" {
		c.Server.Addr = ":8081"
	}
	if c.Server.OutputDir == "" {
		c.Server.OutputDir = "output"
	}
	c.Database.URL = strings.TrimSpace(c.Database.URL)
}

// Validate rejects configurations no component could run with.
func (c *Config) Validate() error {
	switch c.Browser.Renderer {
	case RendererBrowser, RendererStatic:
	default:
		return fmt.Errorf("browser.renderer must be %q or %q, got %q", RendererBrowser, RendererStatic, c.Browser.Renderer)
	}
	required := map[string]string{
		"endpoints.opportunity":      c.Endpoints.Opportunity,
		"endpoints.organization":     c.Endpoints.Organization,
		"endpoints.resources":        c.Endpoints.Resources,
		"endpoints.resource_archive": c.Endpoints.ResourceArchive,
		"session.home_url":           c.Session.HomeURL,
	}
	for key, value := range required {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%s must not be empty", key)
		}
	}
	return nil
}

func (c BrowserConfig) PageTimeout() time.Duration {
	return time.Duration(c.PageTimeoutSeconds) * time.Second
}

func (c BrowserConfig) Settle() time.Duration {
	return time.Duration(c.SettleMillis) * time.Millisecond
}

func (c HTTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c HTTPConfig) RetryWait() time.Duration {
	return time.Duration(c.RetryWaitMillis) * time.Millisecond
}

func (c SessionConfig) LoginWait() time.Duration {
	return time.Duration(c.LoginWaitSeconds) * time.Second
}
