package config

import "time"

// Config represents the complete renderbatch configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Output    OutputConfig    `yaml:"output"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Generator GeneratorConfig `yaml:"generator"`
	Progress  ProgressConfig  `yaml:"progress"`
	State     StateConfig     `yaml:"state"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Groups    []GroupConfig   `yaml:"groups"`

	// SourcePath is the absolute path of the file this config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// OutputConfig defines where generated artifacts and run files go.
type OutputConfig struct {
	BaseDir     string `yaml:"base_dir"`
	PromptsDir  string `yaml:"prompts_dir"`
	AspectRatio string `yaml:"aspect_ratio"`
}

// DispatchConfig is the concurrency budget shared by every group.
type DispatchConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	StaggerDelay  time.Duration `yaml:"stagger_delay"`
}

// GeneratorConfig configures the HTTP image generation client.
type GeneratorConfig struct {
	BaseURL              string        `yaml:"base_url"`
	Model                string        `yaml:"model"`
	APIKey               string        `yaml:"api_key"`
	Timeout              time.Duration `yaml:"timeout"`
	MaxRetries           int           `yaml:"max_retries"`
	RetryBackoff         time.Duration `yaml:"retry_backoff"`
	DelayBetweenRequests time.Duration `yaml:"delay_between_requests,omitempty"`
}

// ProgressConfig selects the completed-set backend used for resume.
type ProgressConfig struct {
	Backend string `yaml:"backend"` // json or sqlite
}

// StateConfig defines the SQLite ledger location.
type StateConfig struct {
	Path string `yaml:"path"`
}

// CatalogConfig points at the image catalog manifest and its artifact directory.
type CatalogConfig struct {
	Path             string `yaml:"path"`
	ImagesDir        string `yaml:"images_dir"`
	DescriptionsPath string `yaml:"descriptions_path,omitempty"`
}

// GroupConfig is one named batch of jobs. Exactly one of Prompts or Matrix is set.
type GroupConfig struct {
	Name    string `yaml:"name"`
	Prompts string `yaml:"prompts,omitempty"`
	Matrix  string `yaml:"matrix,omitempty"`
}

const (
	ProgressJSON   = "json"
	ProgressSQLite = "sqlite"
)

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "renderbatch",
			LogLevel: "info",
		},
		Output: OutputConfig{
			BaseDir:     "./output",
			PromptsDir:  "./prompts",
			AspectRatio: "16:9",
		},
		Dispatch: DispatchConfig{
			MaxConcurrent: 25,
			StaggerDelay:  150 * time.Millisecond, // 500 RPM tier needs >= 120ms
		},
		Generator: GeneratorConfig{
			BaseURL:      "https://generativelanguage.googleapis.com/v1beta",
			Model:        "gemini-2.5-flash-image",
			Timeout:      120 * time.Second,
			MaxRetries:   2,
			RetryBackoff: 2 * time.Second,
		},
		Progress: ProgressConfig{
			Backend: ProgressJSON,
		},
		State: StateConfig{
			Path: "./data/renderbatch.db",
		},
		Catalog: CatalogConfig{
			Path:      "./image-catalog.json",
			ImagesDir: "./images",
		},
	}
}

// Group returns the named group.
func (c *Config) Group(name string) (GroupConfig, bool) {
	for _, g := range c.Groups {
		if g.Name == name {
			return g, true
		}
	}
	return GroupConfig{}, false
}

// GroupNames returns group names in configured order.
func (c *Config) GroupNames() []string {
	names := make([]string, 0, len(c.Groups))
	for _, g := range c.Groups {
		names = append(names, g.Name)
	}
	return names
}
