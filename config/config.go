// config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// RegistryConfig defines a known upstream registry source (§3, §6).
type RegistryConfig struct {
	Name     string `yaml:"name"`               // e.g. "dockerhub", "quay", "ghcr", or a custom key
	Host     string `yaml:"host"`                // e.g. "registry-1.docker.io"
	AuthHost string `yaml:"authHost,omitempty"`  // token endpoint host, if distinct from Host
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// SchedulerConfig bounds concurrency (§4.4) and retry policy (§4.3).
type SchedulerConfig struct {
	MaxTasks          int `yaml:"maxTasks"`          // N_tasks, default 3
	MaxBlobsPerTask    int `yaml:"maxBlobsPerTask"`   // N_blobs, default 5
	MaxRetries        int `yaml:"maxRetries"`         // default 3
	BackoffBaseSeconds int `yaml:"backoffBaseSeconds"` // default 5
	BackoffMaxSeconds  int `yaml:"backoffMaxSeconds"`  // default 60
	InactivityTimeoutSeconds int `yaml:"inactivityTimeoutSeconds"` // default 60; the scheduler runs no timer at 0, but applyDefaults turns a 0 from the file into 60
	RecoverToPaused   bool `yaml:"recoverToPaused"` // §5: recover crash-time Fetching tasks to Paused instead of resuming them immediately
}

// DownloadsConfig is where task directories live on disk.
type DownloadsConfig struct {
	Root string `yaml:"root"`
}

// ControlAPIConfig configures the optional guard on the /api HTTP routes;
// /api/health and the /ws event channel are not guarded.
type ControlAPIConfig struct {
	Token string `yaml:"token,omitempty"` // empty disables the guard
}

// ArchiveConfig mirrors the teacher's Backup shape, repointed at uploading
// completed task directories instead of Helm chart tarballs.
type ArchiveConfig struct {
	Provider string `yaml:"provider"` // "aws", "gcp", or "azure"
	Enabled  bool   `yaml:"enabled"`
	GCP      struct {
		Bucket    string `yaml:"bucket"`
		ProjectID string `yaml:"projectID"`
	} `yaml:"gcp"`
	AWS struct {
		Bucket string `yaml:"bucket"`
		Region string `yaml:"region"`
	} `yaml:"aws"`
	Azure struct {
		StorageAccount string `yaml:"storageAccount"`
		Container      string `yaml:"container"`
	} `yaml:"azure"`
}

// SweeperConfig controls automatic cleanup of terminal tasks.
type SweeperConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"intervalSeconds"`
	RetentionHours  int  `yaml:"retentionHours"`
}

type Config struct {
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Downloads  DownloadsConfig  `yaml:"downloads"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Registries []RegistryConfig `yaml:"registries"`
	ControlAPI ControlAPIConfig `yaml:"controlApi"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Sweeper    SweeperConfig    `yaml:"sweeper"`
}

// Secrets are credentials read only from the environment, never from the
// config file, following the teacher's split between YAML config and
// env-sourced secrets.
type Secrets struct {
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	GCPCredentialsFile string
	AzureStorageAccountKey string
}

// applyDefaults fills in the zero-value knobs the spec names explicit
// defaults for (§4.3, §4.4).
func applyDefaults(config *Config) {
	if config.Scheduler.MaxTasks == 0 {
		config.Scheduler.MaxTasks = 3
	}
	if config.Scheduler.MaxBlobsPerTask == 0 {
		config.Scheduler.MaxBlobsPerTask = 5
	}
	if config.Scheduler.MaxRetries == 0 {
		config.Scheduler.MaxRetries = 3
	}
	if config.Scheduler.BackoffBaseSeconds == 0 {
		config.Scheduler.BackoffBaseSeconds = 5
	}
	if config.Scheduler.BackoffMaxSeconds == 0 {
		config.Scheduler.BackoffMaxSeconds = 60
	}
	if config.Scheduler.InactivityTimeoutSeconds == 0 {
		config.Scheduler.InactivityTimeoutSeconds = 60
	}
	if config.Downloads.Root == "" {
		config.Downloads.Root = "./data/downloads"
	}
	if len(config.Registries) == 0 {
		config.Registries = []RegistryConfig{
			{Name: "dockerhub", Host: "registry-1.docker.io", AuthHost: "auth.docker.io"},
			{Name: "quay", Host: "quay.io"},
			{Name: "ghcr", Host: "ghcr.io"},
		}
	}
}

// LoadConfig loads the YAML config file and layers environment overrides.
func LoadConfig(path string) (*Config, error) {
	config := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	loadConfigFromEnv(config)
	applyDefaults(config)

	return config, nil
}

// loadConfigFromEnv overrides config fields from environment variables.
func loadConfigFromEnv(config *Config) {
	if portStr := os.Getenv("SERVER_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			config.Server.Port = port
		}
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		config.Logging.Level = logLevel
	}
	if logFormat := os.Getenv("LOG_FORMAT"); logFormat != "" {
		config.Logging.Format = logFormat
	}

	if root := os.Getenv("DOWNLOADS_ROOT"); root != "" {
		config.Downloads.Root = root
	}

	if v := os.Getenv("SCHEDULER_MAX_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Scheduler.MaxTasks = n
		}
	}
	if v := os.Getenv("SCHEDULER_MAX_BLOBS_PER_TASK"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Scheduler.MaxBlobsPerTask = n
		}
	}
	if v := os.Getenv("SCHEDULER_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Scheduler.MaxRetries = n
		}
	}

	if token := os.Getenv("CONTROL_API_TOKEN"); token != "" {
		config.ControlAPI.Token = token
	}

	if provider := os.Getenv("ARCHIVE_PROVIDER"); provider != "" {
		config.Archive.Provider = provider
	}
	if enabled := os.Getenv("ARCHIVE_ENABLED"); enabled != "" {
		config.Archive.Enabled = enabled == "true"
	}
	if gcpBucket := os.Getenv("ARCHIVE_GCP_BUCKET"); gcpBucket != "" {
		config.Archive.GCP.Bucket = gcpBucket
	}
	if gcpProjectID := os.Getenv("ARCHIVE_GCP_PROJECT_ID"); gcpProjectID != "" {
		config.Archive.GCP.ProjectID = gcpProjectID
	}
	if awsBucket := os.Getenv("ARCHIVE_AWS_BUCKET"); awsBucket != "" {
		config.Archive.AWS.Bucket = awsBucket
	}
	if awsRegion := os.Getenv("ARCHIVE_AWS_REGION"); awsRegion != "" {
		config.Archive.AWS.Region = awsRegion
	}
	if azureAccount := os.Getenv("ARCHIVE_AZURE_STORAGE_ACCOUNT"); azureAccount != "" {
		config.Archive.Azure.StorageAccount = azureAccount
	}
	if azureContainer := os.Getenv("ARCHIVE_AZURE_CONTAINER"); azureContainer != "" {
		config.Archive.Azure.Container = azureContainer
	}

	loadRegistryCredentialsFromEnv(config)
}

// loadRegistryCredentialsFromEnv loads per-registry basic credentials.
// Format: REGISTRY_<NAME>_USERNAME and REGISTRY_<NAME>_PASSWORD, e.g.
// REGISTRY_GHCR_USERNAME for the "ghcr" source.
func loadRegistryCredentialsFromEnv(config *Config) {
	for i := range config.Registries {
		reg := &config.Registries[i]
		envName := strings.ToUpper(strings.ReplaceAll(strings.ReplaceAll(reg.Name, ".", "_"), "-", "_"))
		if username := os.Getenv("REGISTRY_" + envName + "_USERNAME"); username != "" {
			reg.Username = username
		}
		if password := os.Getenv("REGISTRY_" + envName + "_PASSWORD"); password != "" {
			reg.Password = password
		}
	}
}

// LoadSecrets reads credentials that never belong in the YAML config file.
func LoadSecrets() *Secrets {
	return &Secrets{
		AWSAccessKeyID:         os.Getenv("AWS_ACCESS_KEY_ID"),
		AWSSecretAccessKey:     os.Getenv("AWS_SECRET_ACCESS_KEY"),
		GCPCredentialsFile:     os.Getenv("GCP_CREDENTIALS_FILE"),
		AzureStorageAccountKey: os.Getenv("AZURE_STORAGE_ACCOUNT_KEY"),
	}
}

// FindRegistry looks up a configured source by name.
func (c *Config) FindRegistry(name string) (RegistryConfig, bool) {
	for _, r := range c.Registries {
		if r.Name == name {
			return r, true
		}
	}
	return RegistryConfig{}, false
}
