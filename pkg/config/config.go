// Package config loads the YAML configuration shared by the scheduler and
// the workers. The file path comes from the CRUCIBLE_CONFIG environment
// variable; a missing file is fatal at startup.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/crucible/pkg/errdefs"
)

// EnvConfigPath is the environment variable pointing at the config file.
const EnvConfigPath = "CRUCIBLE_CONFIG"

// BrokerConfig holds AMQP broker connection settings.
type BrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	VHost    string `yaml:"vhost"`
}

// URL assembles the AMQP connection URL.
func (b BrokerConfig) URL() string {
	port := b.Port
	if port == 0 {
		port = 5672
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s", b.User, b.Password, b.Host, port, b.VHost)
}

// ResultsConfig holds the redis result backend settings.
type ResultsConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StorageConfig holds blob storage (S3) settings for artifact upload.
type StorageConfig struct {
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Endpoint        string `yaml:"endpoint"`
	ArtifactsRoot   string `yaml:"artifacts_root"`
}

// VMProviderConfig holds the OpenNebula provider settings used by the VM
// driver's variables file and template search.
type VMProviderConfig struct {
	Endpoint        string   `yaml:"rpc_endpoint"`
	Username        string   `yaml:"username"`
	Password        string   `yaml:"password"`
	VMGroup         string   `yaml:"vm_group"`
	Network         string   `yaml:"network"`
	AllowedChannels []string `yaml:"allowed_channel_names"`
}

// SchedulerConfig holds scheduler-only settings.
type SchedulerConfig struct {
	WorkingDirectory string `yaml:"working_directory"`
	ListenAddr       string `yaml:"listen_addr"`
	JWTSecret        string `yaml:"jwt_secret"`
	HashingAlgorithm string `yaml:"hashing_algorithm"`
	BSHost           string `yaml:"bs_host"`
	BSTasksEndpoint  string `yaml:"bs_tasks_endpoint"`
	BSToken          string `yaml:"bs_token"`
}

// Config is the complete configuration document.
type Config struct {
	Broker  BrokerConfig  `yaml:"broker"`
	Results ResultsConfig `yaml:"results"`
	Storage StorageConfig `yaml:"storage"`

	TaskTrackingTimeout int `yaml:"task_tracking_timeout"`
	PrefetchMultiplier  int `yaml:"prefetch_multiplier"`

	SupportedArchitectures []string `yaml:"supported_architectures"`
	SupportedDistributions []string `yaml:"supported_distributions"`
	// SupportedRunners is either the literal "all" or an explicit list.
	SupportedRunners any `yaml:"supported_runners"`

	VMProvider VMProviderConfig `yaml:"opennebula"`

	SSHPublicKeyPath string `yaml:"ssh_public_key_path"`
	SSHClientKeyPath string `yaml:"ssh_client_key_path"`

	// ResourcesDir holds the static ansible files and the integrity-tests
	// tree copied into every work dir.
	ResourcesDir string `yaml:"resources_dir"`

	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// Load reads the configuration from the path in CRUCIBLE_CONFIG, or from
// the explicit path when given.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return nil, errdefs.New(errdefs.KindConfigNotFound, "no config path: set "+EnvConfigPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.Wrap(errdefs.KindConfigNotFound, path, err)
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.PrefetchMultiplier == 0 {
		c.PrefetchMultiplier = 1
	}
	if c.TaskTrackingTimeout == 0 {
		c.TaskTrackingTimeout = 3600
	}
	if c.Scheduler.HashingAlgorithm == "" {
		c.Scheduler.HashingAlgorithm = "HS256"
	}
	if c.Scheduler.ListenAddr == "" {
		c.Scheduler.ListenAddr = "127.0.0.1:8087"
	}
	if c.DataDir == "" {
		c.DataDir = "./crucible-data"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// RunnersAllowed resolves supported_runners against the known runner set.
// The literal "all" (or an unset value) permits every known runner.
func (c *Config) RunnersAllowed(known []string) []string {
	switch v := c.SupportedRunners.(type) {
	case nil:
		return known
	case string:
		if v == "all" {
			return known
		}
		return []string{v}
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	default:
		return nil
	}
}
