package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file (or a directory holding config.yaml).
// Relative paths inside the file are resolved against the file's directory.
func Load(configPath string) (*Config, error) {
	cfg, err := LoadUnverified(configPath)
	if err != nil {
		return nil, err
	}

	// Hash-verify the config and every prompt source it references.
	if err := verifyLockedFiles(filepath.Dir(cfg.SourcePath), LockedFiles(cfg)); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadUnverified is Load without the .checksums check. config lock and
// config check use it so a tampered file can still be inspected or relocked.
func LoadUnverified(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath

	cfg = applyConfigDefaults(cfg)
	resolvePaths(cfg, filepath.Dir(absPath))

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DiscoverConfigPath finds the config file by checking standard locations.
// Priority order: $RENDERBATCH_CONFIG, ~/.config/renderbatch/config.yaml, ./config.yaml
func DiscoverConfigPath() (string, error) {
	if p := os.Getenv("RENDERBATCH_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "renderbatch", "config.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}

	return "", fmt.Errorf("no config found (checked: $RENDERBATCH_CONFIG, ~/.config/renderbatch/config.yaml, ./config.yaml)")
}

// loadConfigFile loads and parses a single config file.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}

	if cfg.Output.BaseDir == "" {
		cfg.Output.BaseDir = defaults.Output.BaseDir
	}
	if cfg.Output.PromptsDir == "" {
		cfg.Output.PromptsDir = defaults.Output.PromptsDir
	}
	if cfg.Output.AspectRatio == "" {
		cfg.Output.AspectRatio = defaults.Output.AspectRatio
	}

	// max_concurrent is left alone when set so validation can reject <= 0.
	if cfg.Dispatch.MaxConcurrent == 0 {
		cfg.Dispatch.MaxConcurrent = defaults.Dispatch.MaxConcurrent
	}

	if cfg.Generator.BaseURL == "" {
		cfg.Generator.BaseURL = defaults.Generator.BaseURL
	}
	if cfg.Generator.Model == "" {
		cfg.Generator.Model = defaults.Generator.Model
	}
	if cfg.Generator.Timeout == 0 {
		cfg.Generator.Timeout = defaults.Generator.Timeout
	}
	if cfg.Generator.RetryBackoff == 0 {
		cfg.Generator.RetryBackoff = defaults.Generator.RetryBackoff
	}

	if cfg.Progress.Backend == "" {
		cfg.Progress.Backend = defaults.Progress.Backend
	}
	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.Catalog.Path == "" {
		cfg.Catalog.Path = defaults.Catalog.Path
	}
	if cfg.Catalog.ImagesDir == "" {
		cfg.Catalog.ImagesDir = defaults.Catalog.ImagesDir
	}

	return cfg
}

// resolvePaths makes every relative path absolute against baseDir.
func resolvePaths(cfg *Config, baseDir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}

	cfg.Output.BaseDir = abs(cfg.Output.BaseDir)
	cfg.Output.PromptsDir = abs(cfg.Output.PromptsDir)
	cfg.State.Path = abs(cfg.State.Path)
	cfg.Catalog.Path = abs(cfg.Catalog.Path)
	cfg.Catalog.ImagesDir = abs(cfg.Catalog.ImagesDir)
	cfg.Catalog.DescriptionsPath = abs(cfg.Catalog.DescriptionsPath)

	for i, g := range cfg.Groups {
		// Bare prompt file names live in prompts_dir, as batch_<group>.json did.
		if g.Prompts != "" && !filepath.IsAbs(g.Prompts) && !strings.ContainsRune(g.Prompts, filepath.Separator) {
			cfg.Groups[i].Prompts = filepath.Join(cfg.Output.PromptsDir, g.Prompts)
		} else {
			cfg.Groups[i].Prompts = abs(g.Prompts)
		}
		cfg.Groups[i].Matrix = abs(g.Matrix)
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if cfg.Dispatch.MaxConcurrent <= 0 {
		return fmt.Errorf("dispatch.max_concurrent must be positive (got %d)", cfg.Dispatch.MaxConcurrent)
	}
	if cfg.Dispatch.StaggerDelay < 0 {
		return fmt.Errorf("dispatch.stagger_delay must not be negative (got %s)", cfg.Dispatch.StaggerDelay)
	}

	if cfg.Generator.MaxRetries < 0 {
		return fmt.Errorf("generator.max_retries must not be negative")
	}
	if cfg.Generator.DelayBetweenRequests < 0 {
		return fmt.Errorf("generator.delay_between_requests must not be negative")
	}

	switch cfg.Progress.Backend {
	case ProgressJSON, ProgressSQLite:
	default:
		return fmt.Errorf("progress.backend must be one of: %s, %s (got %q)", ProgressJSON, ProgressSQLite, cfg.Progress.Backend)
	}

	seen := make(map[string]bool, len(cfg.Groups))
	for i, g := range cfg.Groups {
		if strings.TrimSpace(g.Name) == "" {
			return fmt.Errorf("groups[%d]: name is required", i)
		}
		if strings.ContainsAny(g.Name, `/\`) {
			return fmt.Errorf("groups[%d]: name %q must not contain path separators", i, g.Name)
		}
		if seen[g.Name] {
			return fmt.Errorf("groups[%d]: duplicate group name %q", i, g.Name)
		}
		seen[g.Name] = true

		if (g.Prompts == "") == (g.Matrix == "") {
			return fmt.Errorf("group %q: exactly one of prompts or matrix is required", g.Name)
		}
	}

	return nil
}

// ValidateGenerator checks the settings needed to actually call the image API.
// Catalog-only commands never need these, so Load does not enforce them.
func (c *Config) ValidateGenerator() error {
	if c.Generator.BaseURL == "" {
		return fmt.Errorf("generator.base_url is required")
	}
	if c.Generator.Model == "" {
		return fmt.Errorf("generator.model is required")
	}
	if matches := envVarPattern.FindStringSubmatch(c.Generator.APIKey); len(matches) > 1 {
		return fmt.Errorf("generator.api_key: environment variable ${%s} is not set", matches[1])
	}
	if c.Generator.APIKey == "" {
		return fmt.Errorf("generator.api_key is required")
	}
	return nil
}
