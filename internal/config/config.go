package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for syndicate.
type Config struct {
	BaseDir       string         `toml:"base_dir"`
	LogDir        string         `toml:"log_dir"`
	LogLevel      string         `toml:"log_level,omitempty"`       // debug, info, warn or error; defaults to info
	SyncOnChanges *bool          `toml:"sync_on_changes,omitempty"` // defaults to true
	Database      DatabaseConfig `toml:"database"`
	Queue         QueueConfig    `toml:"queue"`
	Remote        RemoteConfig   `toml:"remote"`
	Metrics       MetricsConfig  `toml:"metrics"`
	Images        ImagesConfig   `toml:"images"`
	Secrets       SecretsConfig  `toml:"secrets"`

	// Syndicate holds deprecated positional profile lists, e.g.
	// ckan_url = ["https://a.example", "https://b.example"].
	Syndicate map[string]any `toml:"syndicate,omitempty"`

	// Profiles holds namespaced profiles: [profile.<id>] tables.
	Profiles map[string]map[string]any `toml:"profile,omitempty"`

	// options preserves the file order of profile settings after Read.
	options []Option
}

// DatabaseConfig represents configuration for the local catalog database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// QueueConfig represents configuration for the syndication job queue.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type QueueConfig struct {
	Type        string `toml:"type"`                // "memory" or "redis"
	Name        string `toml:"name"`                // queue name, defaults to "default"
	RedisURL    string `toml:"redis_url,omitempty"` // only used for type=redis
	MaxAttempts int    `toml:"max_attempts"`        // attempts before a job is dead-lettered; defaults to 3
}

// RemoteConfig holds settings shared by all remote catalog connections.
type RemoteConfig struct {
	Type         string  `toml:"type"`          // "ckan" (default) or "memory"
	Timeout      int     `toml:"timeout"`       // seconds per API call; defaults to 30
	ImageTimeout int     `toml:"image_timeout"` // seconds per image download; defaults to 2
	RateLimit    float64 `toml:"rate_limit"`    // API calls per second per remote; 0 disables throttling
	Burst        int     `toml:"burst"`
}

// MetricsConfig configures the Prometheus endpoint served by the worker.
type MetricsConfig struct {
	ListenAddr string `toml:"listen_addr,omitempty"`
}

// ImagesConfig configures where s3:// organization image URLs are read from.
type ImagesConfig struct {
	S3Region          string `toml:"s3_region,omitempty"`
	S3Endpoint        string `toml:"s3_endpoint,omitempty"` // S3-compatible stores
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`
	S3PathStyle       bool   `toml:"s3_path_style,omitempty"`
}

// S3Enabled reports whether any S3 setting is present.
func (c ImagesConfig) S3Enabled() bool {
	return c.S3Region != "" || c.S3Endpoint != "" || c.S3AccessKeyID != ""
}

// SecretsConfig locates the age identity used to decrypt profile API keys.
type SecretsConfig struct {
	IdentityFile string `toml:"identity_file,omitempty"`
}

// Defaults applied by the accessors below.
const (
	DefaultQueueName    = "default"
	DefaultMaxAttempts  = 3
	DefaultTimeout      = 30 * time.Second
	DefaultImageTimeout = 2 * time.Second
)

// NewConfig creates a new Config rooted at baseDir with default settings.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		LogLevel: "info",
		Database: DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Queue:    QueueConfig{Type: "memory", Name: DefaultQueueName, MaxAttempts: DefaultMaxAttempts},
		Remote:   RemoteConfig{Type: "ckan", Timeout: 30, ImageTimeout: 2},
		Secrets:  SecretsConfig{IdentityFile: filepath.Join(baseDir, "keys", "identity.txt")},
	}
}

// SyncOnChangesEnabled reports whether local edits trigger syndication.
func (c *Config) SyncOnChangesEnabled() bool {
	return c.SyncOnChanges == nil || *c.SyncOnChanges
}

// QueueName returns the configured queue name or the default.
func (c *Config) QueueName() string {
	if c.Queue.Name == "" {
		return DefaultQueueName
	}
	return c.Queue.Name
}

// RemoteTimeout returns the per-call remote API timeout.
func (c *Config) RemoteTimeout() time.Duration {
	if c.Remote.Timeout <= 0 {
		return DefaultTimeout
	}
	return time.Duration(c.Remote.Timeout) * time.Second
}

// ImageTimeout returns the organization image download timeout.
func (c *Config) ImageTimeout() time.Duration {
	if c.Remote.ImageTimeout <= 0 {
		return DefaultImageTimeout
	}
	return time.Duration(c.Remote.ImageTimeout) * time.Second
}

// Option is one flattened profile setting, keyed as "syndicate.<attr>" or
// "profile.<id>.<attr>".
type Option struct {
	Key   string
	Value string
	List  []string // set when the value was an array
}

// Items splits the option into list items: array elements when the value
// was an array, whitespace separated words otherwise.
func (o Option) Items() []string {
	if o.List != nil {
		return o.List
	}
	return strings.Fields(o.Value)
}

// Options returns the flattened profile settings. After Read they follow
// file order; for configs built in code they are sorted by key.
func (c *Config) Options() []Option {
	if c.options != nil {
		return c.options
	}

	var opts []Option
	for _, attr := range sortedKeys(c.Syndicate) {
		opts = append(opts, newOption("syndicate."+attr, c.Syndicate[attr]))
	}
	ids := make([]string, 0, len(c.Profiles))
	for id := range c.Profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		for _, attr := range sortedKeys(c.Profiles[id]) {
			opts = append(opts, newOption("profile."+id+"."+attr, c.Profiles[id][attr]))
		}
	}
	return opts
}

// collectOptions walks the decoded keys in file order and flattens profile settings.
func (c *Config) collectOptions(md toml.MetaData) {
	opts := []Option{}
	for _, key := range md.Keys() {
		switch {
		case len(key) == 2 && key[0] == "syndicate":
			if v, ok := c.Syndicate[key[1]]; ok {
				opts = append(opts, newOption("syndicate."+key[1], v))
			}
		case len(key) == 3 && key[0] == "profile":
			if v, ok := c.Profiles[key[1]][key[2]]; ok {
				opts = append(opts, newOption("profile."+key[1]+"."+key[2], v))
			}
		}
	}
	c.options = opts
}

func newOption(key string, v any) Option {
	if list, ok := v.([]any); ok {
		items := make([]string, 0, len(list))
		for _, item := range list {
			items = append(items, stringify(item))
		}
		return Option{Key: key, Value: strings.Join(items, " "), List: items}
	}
	return Option{Key: key, Value: stringify(v)}
}

// stringify renders a TOML value the way an ini-style option would read.
// Tables become JSON so they can carry structured extras.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case map[string]any:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	md, err := toml.NewDecoder(r).Decode(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.collectOptions(md)
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
