package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"

	"github.com/canonical/rsupgrade/internal/retry"
	"github.com/canonical/rsupgrade/internal/utils"
)

// VersionPlaceholder is replaced by the target version in the image alias template.
const VersionPlaceholder = "{version}"

// Config is the in memory version of the rsupgrade.yaml file.
type Config struct {
	Mongo   MongoConfig   `json:"mongo" yaml:"mongo"`
	LXD     LXDConfig     `json:"lxd" yaml:"lxd"`
	Image   ImageConfig   `json:"image" yaml:"image"`
	Upgrade UpgradeConfig `json:"upgrade" yaml:"upgrade"`
	Retry   RetryConfig   `json:"retry" yaml:"retry"`

	// UnitNames maps member addresses to execution unit names when the unit name can't be derived from the host.
	UnitNames map[string]string `json:"unit_names,omitempty" yaml:"unit_names,omitempty"`
}

// MongoConfig holds the credentials and dial settings for replica set members.
type MongoConfig struct {
	Username    string        `json:"username" yaml:"username"`
	Password    string        `json:"password" yaml:"password"`
	AuthSource  string        `json:"auth_source" yaml:"auth_source"`
	DialTimeout time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
}

// LXDConfig holds the connection settings for the LXD server hosting the members.
type LXDConfig struct {
	URL         string        `json:"url,omitempty" yaml:"url,omitempty"`
	Socket      string        `json:"socket,omitempty" yaml:"socket,omitempty"`
	Project     string        `json:"project,omitempty" yaml:"project,omitempty"`
	ClientCert  string        `json:"client_cert,omitempty" yaml:"client_cert,omitempty"`
	ClientKey   string        `json:"client_key,omitempty" yaml:"client_key,omitempty"`
	ServerCert  string        `json:"server_cert,omitempty" yaml:"server_cert,omitempty"`
	StopTimeout time.Duration `json:"stop_timeout" yaml:"stop_timeout"`
}

// ImageConfig locates the server images for a given version.
type ImageConfig struct {
	// Server is a remote image server. The LXD server's own image store is used when empty.
	Server string `json:"server,omitempty" yaml:"server,omitempty"`

	// Protocol of the remote image server, either "lxd" or "simplestreams".
	Protocol string `json:"protocol,omitempty" yaml:"protocol,omitempty"`

	// Alias is a template containing VersionPlaceholder, e.g. "mongodb-{version}".
	Alias string `json:"alias" yaml:"alias"`

	// Service is the systemd unit running the database inside the image.
	Service string `json:"service" yaml:"service"`
}

// UpgradeConfig holds the timings of a rolling upgrade.
type UpgradeConfig struct {
	// StorageEngine is appended to a member's command when it doesn't set one.
	StorageEngine string `json:"storage_engine" yaml:"storage_engine"`

	// StepDownSeconds is how long a stepped down primary refuses to be re-elected.
	StepDownSeconds int `json:"step_down_seconds" yaml:"step_down_seconds"`

	// StepDownSettle is the wait after a step down for the election to complete.
	StepDownSettle time.Duration `json:"step_down_settle" yaml:"step_down_settle"`

	// FeatureGateSettle is the wait after a feature compatibility change on a member.
	FeatureGateSettle time.Duration `json:"feature_gate_settle" yaml:"feature_gate_settle"`

	// PreFeatureGateDelay is the wait before each feature compatibility change.
	PreFeatureGateDelay time.Duration `json:"pre_feature_gate_delay" yaml:"pre_feature_gate_delay"`
}

// RetryConfig holds the retry policies of the different kinds of calls.
type RetryConfig struct {
	// Default applies to step downs, feature compatibility changes and execution unit queries.
	Default retry.Policy `json:"default" yaml:"default"`

	// Status applies to replica set status reads.
	Status retry.Policy `json:"status" yaml:"status"`

	// Version applies to server version queries.
	Version retry.Policy `json:"version" yaml:"version"`
}

// Defaults returns the default configuration.
func Defaults() Config {
	return Config{
		Mongo: MongoConfig{
			AuthSource:  "admin",
			DialTimeout: 10 * time.Second,
		},
		LXD: LXDConfig{
			StopTimeout: time.Minute,
		},
		Image: ImageConfig{
			Alias:   "mongodb-" + VersionPlaceholder,
			Service: "mongod",
		},
		Upgrade: UpgradeConfig{
			StorageEngine:       "wiredTiger",
			StepDownSeconds:     60,
			StepDownSettle:      15 * time.Second,
			FeatureGateSettle:   5 * time.Second,
			PreFeatureGateDelay: 5 * time.Second,
		},
		Retry: RetryConfig{
			Default: retry.Policy{Attempts: 5, Delay: 5 * time.Second},
			Status:  retry.Policy{Attempts: 10, Delay: 3 * time.Second},
			Version: retry.Policy{Attempts: 5, Delay: time.Second},
		},
	}
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if !strings.Contains(c.Image.Alias, VersionPlaceholder) {
		return fmt.Errorf("Image alias %q must contain %q", c.Image.Alias, VersionPlaceholder)
	}

	switch c.Image.Protocol {
	case "", "lxd", "simplestreams":
	default:
		return fmt.Errorf("Unsupported image protocol %q", c.Image.Protocol)
	}

	if c.Upgrade.StepDownSeconds < 1 {
		return fmt.Errorf("Step down seconds must be at least 1, got %d", c.Upgrade.StepDownSeconds)
	}

	for name, d := range map[string]time.Duration{
		"step_down_settle":       c.Upgrade.StepDownSettle,
		"feature_gate_settle":    c.Upgrade.FeatureGateSettle,
		"pre_feature_gate_delay": c.Upgrade.PreFeatureGateDelay,
		"dial_timeout":           c.Mongo.DialTimeout,
		"stop_timeout":           c.LXD.StopTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("Invalid negative %s %s", name, d)
		}
	}

	for name, policy := range map[string]retry.Policy{
		"default": c.Retry.Default,
		"status":  c.Retry.Status,
		"version": c.Retry.Version,
	} {
		err := policy.Validate()
		if err != nil {
			return fmt.Errorf("Invalid %q retry policy: %w", name, err)
		}
	}

	for member, unit := range c.UnitNames {
		err := utils.ValidateMemberAddress(member)
		if err != nil {
			return err
		}

		if unit == "" {
			return fmt.Errorf("Missing execution unit name for member %q", member)
		}
	}

	return nil
}

// ImageFor returns the image alias for the given server version.
func (c Config) ImageFor(version string) string {
	return strings.ReplaceAll(c.Image.Alias, VersionPlaceholder, version)
}

// File wraps the configuration file with get, set and lock capabilities.
type File struct {
	// Path of the rsupgrade.yaml file.
	path string

	// Lock the config for read and write operations.
	lock *sync.RWMutex

	// The actual configuration.
	config Config
}

// NewFile returns a File for path holding the default configuration. Nothing is read until Load is called.
func NewFile(path string) *File {
	return &File{
		path:   path,
		lock:   &sync.RWMutex{},
		config: Defaults(),
	}
}

// Path returns the path of the configuration file.
func (f *File) Path() string {
	return f.path
}

// Load reads the configuration from its path on top of the defaults and validates it.
func (f *File) Load() error {
	f.lock.Lock()
	defer f.lock.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("Failed to load config: %w", err)
	}

	config := Defaults()
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return fmt.Errorf("Failed to parse config from yaml: %w", err)
	}

	err = config.Validate()
	if err != nil {
		return fmt.Errorf("Invalid config %q: %w", f.path, err)
	}

	f.config = config

	return nil
}

// Write atomically writes the configuration to its path.
func (f *File) Write() error {
	f.lock.RLock()
	defer f.lock.RUnlock()

	bytes, err := yaml.Marshal(f.config)
	if err != nil {
		return fmt.Errorf("Failed to parse config to yaml: %w", err)
	}

	err = renameio.WriteFile(f.path, bytes, 0600)
	if err != nil {
		return fmt.Errorf("Failed to write config yaml: %w", err)
	}

	return nil
}

// Get returns a copy of the configuration.
func (f *File) Get() Config {
	f.lock.RLock()
	defer f.lock.RUnlock()

	config := f.config
	config.UnitNames = make(map[string]string, len(f.config.UnitNames))
	for k, v := range f.config.UnitNames {
		config.UnitNames[k] = v
	}

	return config
}

// Set replaces the configuration.
func (f *File) Set(config Config) {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.config = config
}
