// Package config resolves server settings from flags, environment and
// defaults, in that order of precedence.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

const (
	ModelFile    = "malaria_cnn_model.onnx"
	MetadataFile = "model_metadata.json"

	DefaultMaxPixels = 89478485
)

type Config struct {
	Host string
	Port string

	ModelPath    string
	MetadataPath string
	FrontendDir  string
	LibraryPath  string

	PoolSize       int
	AcquireTimeout time.Duration
	MaxUploadBytes int64
	MaxPixels      int

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	LogLevel string
	CORS     bool
}

func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

// Load parses args (without the program name) on top of environment values.
// Relative defaults are anchored at the executable's directory.
func Load(args []string) (*Config, error) {
	base, err := BaseDir()
	if err != nil {
		return nil, err
	}
	return load(args, base)
}

func load(args []string, base string) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("malaria-api", flag.ContinueOnError)

	fs.StringVar(&cfg.Host, "host", getEnv("HOST", "0.0.0.0"), "Bind address")
	fs.StringVar(&cfg.Port, "port", getEnv("PORT", "8000"), "Listen port")
	fs.StringVar(&cfg.ModelPath, "model", getEnv("MODEL_PATH", filepath.Join(base, ModelFile)), "Path to the ONNX model")
	fs.StringVar(&cfg.MetadataPath, "metadata", getEnv("MODEL_METADATA", filepath.Join(base, MetadataFile)), "Path to the optional model metadata JSON")
	fs.StringVar(&cfg.FrontendDir, "frontend", getEnv("FRONTEND_DIR", filepath.Join(base, "..", "frontend")), "Directory with the frontend assets")
	fs.StringVar(&cfg.LibraryPath, "ort-lib", getEnv("ONNXRUNTIME_LIB", ""), "Path to the onnxruntime shared library")
	fs.IntVar(&cfg.PoolSize, "pool-size", getEnvInt("POOL_SIZE", runtime.NumCPU()), "Number of inference sessions")
	fs.DurationVar(&cfg.AcquireTimeout, "acquire-timeout", getEnvDuration("ACQUIRE_TIMEOUT", 5*time.Second), "Max wait for a free inference session")
	fs.Int64Var(&cfg.MaxUploadBytes, "max-upload", int64(getEnvInt("MAX_UPLOAD_BYTES", 10<<20)), "Max upload size in bytes")
	fs.IntVar(&cfg.MaxPixels, "max-pixels", getEnvInt("MAX_IMAGE_PIXELS", DefaultMaxPixels), "Max width*height of an uploaded image")
	fs.DurationVar(&cfg.ReadTimeout, "read-timeout", getEnvDuration("READ_TIMEOUT", 60*time.Second), "HTTP read timeout")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", getEnvDuration("WRITE_TIMEOUT", 60*time.Second), "HTTP write timeout")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second), "Grace period for in-flight requests")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.CORS, "cors", getEnvBool("CORS", true), "Send permissive CORS headers")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port == "" {
		return fmt.Errorf("port must not be empty")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("invalid port %q", c.Port)
	}
	if c.ModelPath == "" {
		return fmt.Errorf("model path must not be empty")
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool size must be positive, got %d", c.PoolSize)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload must be positive, got %d", c.MaxUploadBytes)
	}
	if c.MaxPixels <= 0 {
		return fmt.Errorf("max pixels must be positive, got %d", c.MaxPixels)
	}
	return nil
}

// BaseDir is the directory holding the running executable.
func BaseDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to locate executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe), nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}
