package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "SENTINEL_"
)

// sections are the top-level keys that hold nested fields.
var sections = map[string]bool{
	"pipeline":  true,
	"llm":       true,
	"store":     true,
	"index":     true,
	"events":    true,
	"server":    true,
	"schedule":  true,
	"summary":   true,
	"logging":   true,
	"telemetry": true,

	"semantic_filter": true,
}

// DefaultPath returns ~/.config/sentinel/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "sentinel", "config.yaml"), nil
}

// LoadWithFile loads configuration from a YAML file, then overrides it with
// environment variables.
//
// Precedence, highest first:
//  1. SENTINEL_* environment variables
//  2. the YAML file (default ~/.config/sentinel/config.yaml)
//  3. built-in defaults
//
// A missing file is not an error. An existing file must live under
// ~/.config/sentinel/ or /etc/sentinel/, have 0600 or 0400 permissions and be
// at most 1MB.
//
// Environment names drop the prefix and split on the first underscore:
//
//	SENTINEL_PIPELINE_BATCH_SIZE -> pipeline.batch_size
//	SENTINEL_STORE_DSN           -> store.dsn
//	SENTINEL_PROFILE_PATH        -> profile_path
//
// When llm.api_key is unset, ANTHROPIC_API_KEY or OPENAI_API_KEY is used
// according to llm.provider.
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		configPath = p
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}
	if _, err := os.Stat(configPath); err == nil {
		// Validate through the opened descriptor to avoid a TOCTOU race.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	applyProviderKeys(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envKey maps SENTINEL_SECTION_FIELD_NAME to section.field_name. Names whose
// first word is not a section map to a top-level key.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	for i := strings.Index(lower, "_"); i > 0; {
		if sections[lower[:i]] {
			return lower[:i] + "." + lower[i+1:]
		}
		next := strings.Index(lower[i+1:], "_")
		if next < 0 {
			break
		}
		i += next + 1
	}
	return lower
}

func applyProviderKeys(cfg *Config) {
	if !cfg.LLM.APIKey.IsSet() {
		switch cfg.LLM.Provider {
		case "anthropic":
			cfg.LLM.APIKey = Secret(os.Getenv("ANTHROPIC_API_KEY"))
		case "openai":
			cfg.LLM.APIKey = Secret(os.Getenv("OPENAI_API_KEY"))
		}
	}
	if !cfg.Index.APIKey.IsSet() && cfg.Index.Provider == "openai" {
		cfg.Index.APIKey = Secret(os.Getenv("OPENAI_API_KEY"))
	}
}

// EnsureConfigDir creates ~/.config/sentinel with 0700 permissions.
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	configDir := filepath.Join(home, ".config", "sentinel")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}
	return nil
}

// ExpandHome replaces a leading ~/ with the user's home directory.
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, path[2:]), nil
}

// validateConfigPath checks that path is inside an allowed directory. It runs
// even if the file does not exist yet.
func validateConfigPath(path string) error {
	path, err := ExpandHome(path)
	if err != nil {
		return err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	// Follow symlinks so they cannot escape the allowed directories.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	allowedDirs := []string{
		filepath.Join(home, ".config", "sentinel"),
		"/etc/sentinel",
	}
	for _, dir := range allowedDirs {
		if resolvedPath == dir || strings.HasPrefix(resolvedPath, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/sentinel/ or /etc/sentinel/")
}

// validateConfigFileProperties checks permissions and size of an opened file.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}
