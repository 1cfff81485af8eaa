package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/OpenPeeDeeP/xdg"
	"github.com/imdario/mergo"
	yaml "github.com/jesseduffield/yaml"
	"github.com/spkg/bom"
)

// AppConfig contains the base configuration fields required for layersweep.
type AppConfig struct {
	Debug       bool   `long:"debug" env:"DEBUG" default:"false"`
	Version     string `long:"version" env:"VERSION" default:"unversioned"`
	Commit      string `long:"commit" env:"COMMIT"`
	BuildDate   string `long:"build-date" env:"BUILD_DATE"`
	Name        string `long:"name" env:"NAME" default:"layersweep"`
	BuildSource string `long:"build-source" env:"BUILD_SOURCE" default:""`
	UserConfig  *UserConfig
	ConfigFile  string
}

// ConfigError is a problem with the configuration file or a flag value.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}

// UserConfig holds all of the user-configurable options. Field names are in
// PascalCase here but snake_case or camelCase in your actual config.yml.
type UserConfig struct {
	// Registry describes where the registry's object store lives and how
	// to sign requests against it
	Registry RegistryConfig `yaml:"registry,omitempty"`

	// Scan tunes the concurrency and retry behavior of the graph scan
	Scan ScanConfig `yaml:"scan,omitempty"`

	// Sweep configures the delete-candidate computation
	Sweep SweepConfig `yaml:"sweep,omitempty"`
}

// RegistryConfig points at the object store bucket holding the registry
type RegistryConfig struct {
	// Driver selects the storage driver the registry was deployed with.
	// Only "s3" is supported
	Driver string `yaml:"driver,omitempty"`

	// Bucket is the object store bucket name
	Bucket string `yaml:"bucket,omitempty"`

	// Path is the key prefix the registry writes under, e.g. "registry"
	Path string `yaml:"path,omitempty"`

	// AccessKey and SecretKey sign the storage requests
	AccessKey string `yaml:"access_key,omitempty"`
	SecretKey string `yaml:"secret_key,omitempty"`

	// Region picks the S3 endpoint, defaulting to us-east-1
	Region string `yaml:"region,omitempty"`

	// Endpoint overrides the derived S3 host, for S3-compatible stores.
	// Include the scheme
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure switches to plain HTTP. Leave false outside of tests
	Insecure bool `yaml:"insecure,omitempty"`
}

// ScanConfig tunes the scanner's worker pools
type ScanConfig struct {
	// Workers bounds how many registry fetches run at once per pass
	Workers int `yaml:"workers,omitempty"`

	// RequestTimeout is the per-request timeout, e.g. "30" or "2m"
	RequestTimeout string `yaml:"requestTimeout,omitempty"`

	// RetryStep is added to the backoff delay on each retry attempt
	RetryStep string `yaml:"retryStep,omitempty"`
}

// SweepConfig configures the sweep engine
type SweepConfig struct {
	// StateFile records when each layer was first seen unreferenced
	StateFile string `yaml:"stateFile,omitempty"`

	// Age is how long a layer must stay unreferenced before it becomes a
	// delete candidate, e.g. "1d" or "12h"
	Age string `yaml:"age,omitempty"`
}

// GetDefaultConfig returns the application default configuration
// NOTE (to contributors, not users): do not default a boolean to true, because false is the boolean zero value and this will be ignored when parsing the user's config
func GetDefaultConfig() UserConfig {
	return UserConfig{
		Registry: RegistryConfig{
			Driver: "s3",
			Region: "us-east-1",
		},
		Scan: ScanConfig{
			Workers:        25,
			RequestTimeout: "30",
			RetryStep:      "2",
		},
		Sweep: SweepConfig{
			StateFile: "delete.json",
			Age:       "1d",
		},
	}
}

// NewAppConfig makes a new app config
func NewAppConfig(name, version, commit, date, buildSource string, debuggingFlag bool, configFile string) (*AppConfig, error) {
	if configFile == "" {
		configFile = defaultConfigFile(name)
	}

	userConfig, err := loadUserConfigWithDefaults(configFile)
	if err != nil {
		return nil, err
	}

	appConfig := &AppConfig{
		Name:        name,
		Version:     version,
		Commit:      commit,
		BuildDate:   date,
		Debug:       debuggingFlag || os.Getenv("DEBUG") == "TRUE",
		BuildSource: buildSource,
		UserConfig:  userConfig,
		ConfigFile:  configFile,
	}

	return appConfig, nil
}

func defaultConfigFile(projectName string) string {
	configDirs := xdg.New(projectName, projectName)
	return filepath.Join(configDirs.ConfigHome(), "config.yml")
}

func loadUserConfigWithDefaults(configFile string) (*UserConfig, error) {
	defaults := GetDefaultConfig()

	userConfig, err := loadUserConfig(configFile)
	if err != nil {
		return nil, err
	}
	if userConfig == nil {
		return &defaults, nil
	}

	if err := mergo.Merge(userConfig, defaults); err != nil {
		return nil, &ConfigError{Message: fmt.Sprintf("cannot merge config defaults: %s", err)}
	}
	return userConfig, nil
}

func loadUserConfig(configFile string) (*UserConfig, error) {
	file, err := os.Open(configFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &ConfigError{Message: fmt.Sprintf("cannot open config file %s: %s", configFile, err)}
	}
	defer file.Close()

	// a BOM in front of the yaml would otherwise end up in the first key
	content, err := io.ReadAll(bom.NewReader(file))
	if err != nil {
		return nil, &ConfigError{Message: fmt.Sprintf("cannot read config file %s: %s", configFile, err)}
	}

	config := &UserConfig{}
	if err := yaml.Unmarshal(content, config); err != nil {
		return nil, &ConfigError{Message: fmt.Sprintf("cannot parse config file %s: %s", configFile, err)}
	}
	return config, nil
}

// Validate checks the parts of the config every subcommand needs.
func (c *AppConfig) Validate() error {
	registry := c.UserConfig.Registry

	if registry.Driver != "s3" {
		return &ConfigError{Message: fmt.Sprintf("unsupported registry driver %q, only s3 is available", registry.Driver)}
	}
	if registry.Bucket == "" {
		return &ConfigError{Message: "registry.bucket is required"}
	}
	if registry.Path == "" {
		return &ConfigError{Message: "registry.path is required"}
	}
	return nil
}
