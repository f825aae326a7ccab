package nbexec

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "500ms" or "5s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// ServiceConfig is the YAML configuration for the status server and the
// launch orchestrator.
type ServiceConfig struct {
	// Storage selects the object-store backend.
	Storage StorageConfig `yaml:"storage"`

	// Compute configures launched hosts.
	Compute ComputeConfig `yaml:"compute"`

	// PollInterval between status re-reads in watch sessions.
	PollInterval Duration `yaml:"poll_interval"`

	// ShutdownGracePeriod between a failure and the host stop request.
	ShutdownGracePeriod Duration `yaml:"shutdown_grace_period"`
}

// StorageConfig selects and configures the object-store backend. Backend
// "memory" needs no further fields; "s3" uses the rest.
type StorageConfig struct {
	Backend      string `yaml:"backend"`
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// ComputeConfig configures launched compute hosts.
type ComputeConfig struct {
	InstanceType  string `yaml:"instance_type"`
	RunnerCommand string `yaml:"runner_command"`
}

// DefaultServiceConfig returns a config suitable for local development:
// in-memory storage and subprocess compute.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Storage:             StorageConfig{Backend: "memory"},
		Compute:             ComputeConfig{InstanceType: "standard"},
		PollInterval:        Duration(DefaultPollInterval),
		ShutdownGracePeriod: Duration(DefaultShutdownGracePeriod),
	}
}

// LoadServiceConfig loads a service config from a YAML file. Omitted fields
// keep their defaults.
func LoadServiceConfig(path string) (*ServiceConfig, error) {
	yamlData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadServiceConfigString(string(yamlData))
}

// LoadServiceConfigString loads a service config from a YAML string.
func LoadServiceConfigString(data string) (*ServiceConfig, error) {
	config := DefaultServiceConfig()
	if err := yaml.Unmarshal([]byte(data), config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks cross-field constraints.
func (c *ServiceConfig) Validate() error {
	switch c.Storage.Backend {
	case "memory":
	case "s3":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage backend %q requires a bucket", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("unknown storage backend: %q", c.Storage.Backend)
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("poll_interval must not be negative")
	}
	if c.ShutdownGracePeriod < 0 {
		return fmt.Errorf("shutdown_grace_period must not be negative")
	}
	return nil
}
