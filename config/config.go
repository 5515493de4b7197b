package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultFile is the config file looked up in the working directory.
const DefaultFile = "pipegate.yaml"

// Config is the server and CLI configuration.
type Config struct {
	Port             string `yaml:"port"`
	DataDir          string `yaml:"data_dir"`
	ProjectsFile     string `yaml:"projects_file"`
	LogLevel         string `yaml:"log_level"`
	MaxParallelRuns  int    `yaml:"max_parallel_runs"`
	CancelSuperseded bool   `yaml:"cancel_superseded"`
	KeepWorkspaces   bool   `yaml:"keep_workspaces"`
	Shell            string `yaml:"shell"`
}

// Validate checks that required fields are present.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.Errorf("port %q is not a number", c.Port)
	}
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.MaxParallelRuns < 1 {
		return errors.New("max_parallel_runs must be at least 1")
	}
	if c.Shell == "" {
		return errors.New("shell is required")
	}
	return nil
}

// DBPath is the sqlite database location inside the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "pipegate.db")
}

// WorkspaceDir holds per-run scratch workspaces.
func (c *Config) WorkspaceDir() string {
	return filepath.Join(c.DataDir, "workspaces")
}

// ArtifactDir holds artifacts retained after a run's workspace is removed.
func (c *Config) ArtifactDir() string {
	return filepath.Join(c.DataDir, "artifacts")
}

// Load resolves config from defaults, then the YAML file at path (if it
// exists), then .env, then environment variables.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path == "" {
		path = DefaultFile
	}
	if err := mergeFile(cfg, path); err != nil && !os.IsNotExist(errors.Cause(err)) {
		return nil, errors.Wrapf(err, "loading %s", path)
	}

	// .env is optional
	_ = godotenv.Load()
	applyEnv(cfg)

	if !filepath.IsAbs(cfg.DataDir) {
		abs, err := filepath.Abs(cfg.DataDir)
		if err != nil {
			return nil, errors.Wrap(err, "resolving data_dir")
		}
		cfg.DataDir = abs
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

func mergeFile(dst *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, dst)
}

func applyEnv(cfg *Config) {
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.Port = getEnv("PIPEGATE_PORT", cfg.Port)
	cfg.DataDir = getEnv("PIPEGATE_DATA_DIR", cfg.DataDir)
	cfg.ProjectsFile = getEnv("PIPEGATE_PROJECTS", cfg.ProjectsFile)
	cfg.LogLevel = getEnv("PIPEGATE_LOG_LEVEL", cfg.LogLevel)
	if v := os.Getenv("PIPEGATE_MAX_PARALLEL_RUNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxParallelRuns = n
		}
	}
	if v := os.Getenv("PIPEGATE_CANCEL_SUPERSEDED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.CancelSuperseded = b
		}
	}
}

// getEnv gets environment variable or returns default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func defaults() *Config {
	return &Config{
		Port:             "8080",
		DataDir:          "data",
		ProjectsFile:     "projects.yml",
		LogLevel:         "info",
		MaxParallelRuns:  4,
		CancelSuperseded: true,
		Shell:            "bash",
	}
}
