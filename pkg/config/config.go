package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries every tunable the platform reads from its environment.
// It is populated exactly once, in main, via FromEnv (optionally overlaid
// with a YAML file); constructors receive values from it and never touch
// os.Getenv themselves.
type Config struct {
	// ListenAddr is the control-plane bind address.
	ListenAddr string `yaml:"listen_addr"`

	// SchedulerAddr is the base URL of the cluster scheduler HTTP API.
	SchedulerAddr string `yaml:"scheduler_addr"`

	// BazaarDir is the shared directory visible to the control plane and
	// every scheduled job (models, data, backups live under it).
	BazaarDir string `yaml:"bazaar_dir"`

	// PublicBaseURL is the externally reachable control-plane URL, used in
	// links returned to clients.
	PublicBaseURL string `yaml:"public_base_url"`

	// PrivateBaseURL is the control-plane URL reachable from inside the
	// cluster; scheduled jobs call back through it.
	PrivateBaseURL string `yaml:"private_base_url"`

	// TaskRunnerToken authenticates callbacks from scheduled jobs.
	TaskRunnerToken string `yaml:"task_runner_token"`

	// JWTSecret signs session tokens (HS256).
	JWTSecret string `yaml:"jwt_secret"`

	// VaultKey is the hex-encoded AES-256 key sealing stored secrets.
	VaultKey string `yaml:"vault_key"`

	// DatabaseURL is the Postgres connection string.
	DatabaseURL string `yaml:"database_url"`

	// LicensePath points at the signed license file.
	LicensePath string `yaml:"license_path"`

	// LicensePublicKey is the hex-encoded ed25519 key licenses are
	// verified against.
	LicensePublicKey string `yaml:"license_public_key"`

	// IdleShutdownTimeout is how long a deployment runtime waits with no
	// requests before stopping its own job.
	IdleShutdownTimeout time.Duration `yaml:"idle_shutdown_timeout"`

	DockerRegistry string `yaml:"docker_registry"`
	DockerImage    string `yaml:"docker_image"`
	DockerTag      string `yaml:"docker_tag"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	// PermissionTTL bounds how long deployment runtimes cache a caller's
	// permission tuple.
	PermissionTTL time.Duration `yaml:"permission_ttl"`

	// WorkerPollInterval is the report worker claim cadence.
	WorkerPollInterval time.Duration `yaml:"worker_poll_interval"`

	// WorkerCount is the number of report workers per worker process.
	WorkerCount int `yaml:"worker_count"`

	// LowDiskBytes is the free-space floor under which ingest endpoints
	// refuse writes.
	LowDiskBytes uint64 `yaml:"low_disk_bytes"`

	// LLM provider settings for the synthetic-data subsystem.
	LLMBaseURL string `yaml:"llm_base_url"`
	LLMAPIKey  string `yaml:"llm_api_key"`
	LLMModel   string `yaml:"llm_model"`

	// Job-scoped identity, injected by the cluster templates into
	// training, deployment, and datagen processes. Empty on the server.
	ModelID              string `yaml:"model_id"`
	DeploymentID         string `yaml:"deployment_id"`
	DeploymentConfigPath string `yaml:"deployment_config_path"`
	AllocID              string `yaml:"alloc_id"`

	// Initial admin account, ensured at server startup when set.
	AdminUsername string `yaml:"admin_username"`
	AdminEmail    string `yaml:"admin_email"`
	AdminPassword string `yaml:"admin_password"`

	// ExtraJobEnv is appended to every scheduled job's environment
	// (cloud credentials, proxy settings). KEY=VALUE pairs.
	ExtraJobEnv []string `yaml:"extra_job_env"`
}

// Defaults applied when neither environment nor file set a value.
const (
	DefaultListenAddr         = ":8080"
	DefaultDockerImage        = "bazaar-runtime"
	DefaultDockerTag          = "latest"
	DefaultPermissionTTL      = 5 * time.Minute
	DefaultWorkerPollInterval = 5 * time.Second
	DefaultWorkerCount        = 2
	DefaultLowDiskBytes       = 1 << 30 // 1 GiB
	DefaultIdleShutdown       = 15 * time.Minute
)

// FromEnv reads the full configuration from BAZAAR_* environment variables,
// applying defaults for anything unset. It is the only place the platform
// reads its environment.
func FromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddr:      envOr("BAZAAR_LISTEN_ADDR", DefaultListenAddr),
		SchedulerAddr:   os.Getenv("BAZAAR_SCHEDULER_ADDR"),
		BazaarDir:       os.Getenv("BAZAAR_DIR"),
		PublicBaseURL:   os.Getenv("BAZAAR_PUBLIC_URL"),
		PrivateBaseURL:  os.Getenv("BAZAAR_PRIVATE_URL"),
		TaskRunnerToken: os.Getenv("BAZAAR_TASK_TOKEN"),
		JWTSecret:       os.Getenv("BAZAAR_JWT_SECRET"),
		VaultKey:        os.Getenv("BAZAAR_VAULT_KEY"),
		DatabaseURL:     os.Getenv("BAZAAR_DATABASE_URL"),
		LicensePath:      os.Getenv("BAZAAR_LICENSE_PATH"),
		LicensePublicKey: os.Getenv("BAZAAR_LICENSE_PUBLIC_KEY"),
		DockerRegistry:  os.Getenv("BAZAAR_DOCKER_REGISTRY"),
		DockerImage:     envOr("BAZAAR_DOCKER_IMAGE", DefaultDockerImage),
		DockerTag:       envOr("BAZAAR_DOCKER_TAG", DefaultDockerTag),
		LogLevel:        envOr("BAZAAR_LOG_LEVEL", "info"),
		LLMBaseURL:      os.Getenv("BAZAAR_LLM_BASE_URL"),
		LLMAPIKey:       os.Getenv("BAZAAR_LLM_API_KEY"),
		LLMModel:        envOr("BAZAAR_LLM_MODEL", "gpt-4o-mini"),
		ModelID:              os.Getenv("BAZAAR_MODEL_ID"),
		DeploymentID:         os.Getenv("BAZAAR_DEPLOYMENT_ID"),
		DeploymentConfigPath: os.Getenv("BAZAAR_DEPLOYMENT_CONFIG"),
		AllocID:              os.Getenv("BAZAAR_ALLOC_ID"),
		AdminUsername:        os.Getenv("BAZAAR_ADMIN_USERNAME"),
		AdminEmail:      os.Getenv("BAZAAR_ADMIN_EMAIL"),
		AdminPassword:   os.Getenv("BAZAAR_ADMIN_PASSWORD"),
	}

	var err error
	if cfg.LogJSON, err = envBool("BAZAAR_LOG_JSON", true); err != nil {
		return nil, err
	}
	if cfg.PermissionTTL, err = envDuration("BAZAAR_PERMISSION_TTL", DefaultPermissionTTL); err != nil {
		return nil, err
	}
	if cfg.IdleShutdownTimeout, err = envDuration("BAZAAR_IDLE_SHUTDOWN_TIMEOUT", DefaultIdleShutdown); err != nil {
		return nil, err
	}
	if cfg.WorkerPollInterval, err = envDuration("BAZAAR_WORKER_POLL_INTERVAL", DefaultWorkerPollInterval); err != nil {
		return nil, err
	}
	if cfg.WorkerCount, err = envInt("BAZAAR_WORKER_COUNT", DefaultWorkerCount); err != nil {
		return nil, err
	}
	lowDisk, err := envInt("BAZAAR_LOW_DISK_BYTES", DefaultLowDiskBytes)
	if err != nil {
		return nil, err
	}
	cfg.LowDiskBytes = uint64(lowDisk)

	if raw := os.Getenv("BAZAAR_JOB_ENV"); raw != "" {
		for _, kv := range strings.Split(raw, ",") {
			kv = strings.TrimSpace(kv)
			if kv == "" {
				continue
			}
			if !strings.Contains(kv, "=") {
				return nil, fmt.Errorf("BAZAAR_JOB_ENV entry %q is not KEY=VALUE", kv)
			}
			cfg.ExtraJobEnv = append(cfg.ExtraJobEnv, kv)
		}
	}

	return cfg, nil
}

// LoadFile overlays values from a YAML file onto cfg. File values win over
// environment values; unset file fields leave cfg untouched.
func (cfg *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// ValidateServer checks the fields the control plane cannot start without.
func (cfg *Config) ValidateServer() error {
	var missing []string
	if cfg.DatabaseURL == "" {
		missing = append(missing, "BAZAAR_DATABASE_URL")
	}
	if cfg.SchedulerAddr == "" {
		missing = append(missing, "BAZAAR_SCHEDULER_ADDR")
	}
	if cfg.BazaarDir == "" {
		missing = append(missing, "BAZAAR_DIR")
	}
	if cfg.JWTSecret == "" {
		missing = append(missing, "BAZAAR_JWT_SECRET")
	}
	if cfg.TaskRunnerToken == "" {
		missing = append(missing, "BAZAAR_TASK_TOKEN")
	}
	if cfg.LicensePath == "" {
		missing = append(missing, "BAZAAR_LICENSE_PATH")
	}
	if cfg.LicensePublicKey == "" {
		missing = append(missing, "BAZAAR_LICENSE_PUBLIC_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ValidateWorker checks the fields a report worker process needs.
func (cfg *Config) ValidateWorker() error {
	if cfg.PrivateBaseURL == "" {
		return fmt.Errorf("missing required configuration: BAZAAR_PRIVATE_URL")
	}
	if cfg.TaskRunnerToken == "" {
		return fmt.Errorf("missing required configuration: BAZAAR_TASK_TOKEN")
	}
	return nil
}

// ValidateDatagen checks the fields a synthetic-data job needs.
func (cfg *Config) ValidateDatagen() error {
	var missing []string
	if cfg.BazaarDir == "" {
		missing = append(missing, "BAZAAR_DIR")
	}
	if cfg.LLMBaseURL == "" && cfg.LLMAPIKey == "" {
		missing = append(missing, "BAZAAR_LLM_BASE_URL or BAZAAR_LLM_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid boolean for %s: %q", key, v)
	}
	return b, nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %q", key, v)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %q", key, v)
	}
	return d, nil
}
