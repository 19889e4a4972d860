package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/tanq16/rangefetch/internal/downloader"
	"github.com/tanq16/rangefetch/internal/utils"
)

const (
	envVarPrefix = "RANGEFETCH"
	appName      = "rangefetch"
)

// Config holds every tunable of a download. Values are layered: defaults,
// then the YAML file, then RANGEFETCH_* environment variables, then flags.
type Config struct {
	Segments         int               `envconfig:"RANGEFETCH_SEGMENTS"           yaml:"segments"`
	MaxRetries       int               `envconfig:"RANGEFETCH_MAX_RETRIES"        yaml:"maxRetries"`
	RetryBaseDelay   time.Duration     `envconfig:"RANGEFETCH_RETRY_BASE_DELAY"   yaml:"retryBaseDelay"`
	RetryMaxDelay    time.Duration     `envconfig:"RANGEFETCH_RETRY_MAX_DELAY"    yaml:"retryMaxDelay"`
	ProgressInterval time.Duration     `envconfig:"RANGEFETCH_PROGRESS_INTERVAL"  yaml:"progressInterval"`
	PollInterval     time.Duration     `envconfig:"RANGEFETCH_POLL_INTERVAL"      yaml:"pollInterval"`
	BufferSize       int               `envconfig:"RANGEFETCH_BUFFER_SIZE"        yaml:"bufferSize"`
	MinSegmentSize   int64             `envconfig:"RANGEFETCH_MIN_SEGMENT_SIZE"   yaml:"minSegmentSize"`
	Timeout          time.Duration     `envconfig:"RANGEFETCH_TIMEOUT"            yaml:"timeout"`
	KeepAliveTimeout time.Duration     `envconfig:"RANGEFETCH_KEEP_ALIVE_TIMEOUT" yaml:"keepAliveTimeout"`
	UserAgent        string            `envconfig:"RANGEFETCH_USER_AGENT"         yaml:"userAgent"`
	Proxy            string            `envconfig:"RANGEFETCH_PROXY"              yaml:"proxy"`
	ProxyUsername    string            `envconfig:"RANGEFETCH_PROXY_USERNAME"     yaml:"proxyUsername"`
	ProxyPassword    string            `envconfig:"RANGEFETCH_PROXY_PASSWORD"     yaml:"proxyPassword"`
	Headers          map[string]string `envconfig:"RANGEFETCH_HEADERS"            yaml:"headers"`
	Listen           string            `envconfig:"RANGEFETCH_LISTEN"             yaml:"listen"`
}

func Default() Config {
	opts := downloader.DefaultOptions()
	return Config{
		Segments:         opts.Segments,
		MaxRetries:       opts.MaxRetries,
		RetryBaseDelay:   opts.RetryBaseDelay,
		ProgressInterval: opts.ProgressInterval,
		PollInterval:     opts.PollInterval,
		BufferSize:       opts.BufferSize,
		MinSegmentSize:   1024 * 1024,
		Timeout:          3 * time.Minute,
		KeepAliveTimeout: 90 * time.Second,
		UserAgent:        utils.ToolUserAgent,
		Headers:          map[string]string{},
		Listen:           "127.0.0.1:8765",
	}
}

// DefaultPath is the config file used when neither --config nor
// RANGEFETCH_CONFIG_FILE names one.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", appName+".yaml")
}

// Load reads the config file at path (falling back to RANGEFETCH_CONFIG_FILE
// and then DefaultPath) on top of the defaults and applies the environment.
// A missing file is not an error unless it was named explicitly.
func Load(path string) (Config, error) {
	c := Default()
	explicit := path != ""
	if path == "" {
		path = os.Getenv(envVarPrefix + "_CONFIG_FILE")
		explicit = path != ""
	}
	if path == "" {
		path = DefaultPath()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &c); err != nil {
				return c, fmt.Errorf("unmarshaling config file %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return c, fmt.Errorf("reading config file: %w", err)
		}
	}
	if err := envconfig.Process("", &c); err != nil {
		return c, fmt.Errorf("parsing environment variables: %w", err)
	}
	if c.Headers == nil {
		c.Headers = map[string]string{}
	}
	return c, nil
}

func (c *Config) Validate() error {
	checks := []struct {
		key     string
		env     string
		invalid bool
	}{
		{"segments", "SEGMENTS", c.Segments < 1},
		{"maxRetries", "MAX_RETRIES", c.MaxRetries < 1},
		{"retryBaseDelay", "RETRY_BASE_DELAY", c.RetryBaseDelay < 0},
		{"retryMaxDelay", "RETRY_MAX_DELAY", c.RetryMaxDelay < 0},
		{"progressInterval", "PROGRESS_INTERVAL", c.ProgressInterval <= 0},
		{"pollInterval", "POLL_INTERVAL", c.PollInterval <= 0},
		{"bufferSize", "BUFFER_SIZE", c.BufferSize < 1},
		{"minSegmentSize", "MIN_SEGMENT_SIZE", c.MinSegmentSize < 0},
		{"timeout", "TIMEOUT", c.Timeout < 0},
	}
	for _, check := range checks {
		if check.invalid {
			return fmt.Errorf("invalid configuration: %s / %s_%s", check.key, envVarPrefix, check.env)
		}
	}
	return nil
}

func (c *Config) DownloaderOptions() downloader.Options {
	return downloader.Options{
		Segments:         c.Segments,
		MaxRetries:       c.MaxRetries,
		RetryBaseDelay:   c.RetryBaseDelay,
		RetryMaxDelay:    c.RetryMaxDelay,
		ProgressInterval: c.ProgressInterval,
		PollInterval:     c.PollInterval,
		BufferSize:       c.BufferSize,
		MinSegmentSize:   c.MinSegmentSize,
	}
}

// HTTPClientConfig builds the transport settings. Credentials embedded in
// the proxy URL are moved into the username and password fields unless
// those were given explicitly.
func (c *Config) HTTPClientConfig() utils.HTTPClientConfig {
	proxyURL, username, password := utils.SplitProxyAuth(c.Proxy)
	if c.ProxyUsername != "" {
		username, password = c.ProxyUsername, c.ProxyPassword
	}
	return utils.HTTPClientConfig{
		Timeout:        c.Timeout,
		KATimeout:      c.KeepAliveTimeout,
		ProxyURL:       proxyURL,
		ProxyUsername:  username,
		ProxyPassword:  password,
		UserAgent:      c.UserAgent,
		Headers:        c.Headers,
		HighThreadMode: c.Segments > 8,
	}
}
