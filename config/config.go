package config

import (
	"os"
	"path/filepath"

	"github.com/meanwhile131/deepseek-cli/errors"
	"gopkg.in/yaml.v3"
)

const (
	// DirName is the directory holding config both in the user's home and in
	// the project.
	DirName = ".deepseek-cli"

	DefaultBaseURL = "https://chat.deepseek.com"
	DefaultBackend = "deepseek"
)

// DefaultTools is the toolset used when the configuration defines none.
var DefaultTools = []string{
	"list_files",
	"create_directory",
	"read_file",
	"write_file",
	"run_command",
	"apply_search_replace",
}

type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

type MCPServer struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type Toolset struct {
	Name  string   `yaml:"name"`
	Tools []string `yaml:"tools"`
}

// PoW selects how proof-of-work challenges are answered. Command takes
// precedence over Token.
type PoW struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Token   string   `yaml:"token"`
}

type DeepSeek struct {
	BaseURL  string            `yaml:"base_url"`
	Token    string            `yaml:"token"`
	Thinking *bool             `yaml:"thinking"`
	Search   bool              `yaml:"search"`
	Headers  map[string]string `yaml:"headers"`
	PoW      PoW               `yaml:"pow"`
}

type Log struct {
	Path       string `yaml:"path"`
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

type Config struct {
	Backend              string           `yaml:"backend"`
	Model                string           `yaml:"model"`
	DeepSeek             DeepSeek         `yaml:"deepseek"`
	Toolsets             []Toolset        `yaml:"toolsets"`
	AdditionalMCPServers []MCPServer      `yaml:"additional_mcp_servers"`
	AllowedCommands      []string         `yaml:"allowed_commands"`
	FilesystemAccess     FilesystemAccess `yaml:"filesystem_access"`
	Log                  Log              `yaml:"log"`
}

// UserDir returns the default user-level config directory.
func UserDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrapf(err, "could not resolve home directory")
	}
	return filepath.Join(home, DirName), nil
}

// LoadConfig loads configuration from the user config directory and the
// current working directory, with the latter taking precedence. An empty
// userDir means the default under the user's home.
func LoadConfig(userDir string) (*Config, error) {
	cfg := &Config{}

	// Default project state directory to be hidden
	cfg.FilesystemAccess.Hidden = append(cfg.FilesystemAccess.Hidden, DirName, DirName+"/**")

	if userDir == "" {
		if dir, err := UserDir(); err == nil {
			userDir = dir
		}
	}
	if userDir != "" {
		userConfigPath := filepath.Join(userDir, "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	// Load project-level config, overriding user-level
	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, DirName, "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshal overwrites fields present in the YAML, so project-level
	// values replace user-level ones key by key.
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) applyDefaults() {
	if c.Backend == "" {
		c.Backend = DefaultBackend
	}
	if c.DeepSeek.BaseURL == "" {
		c.DeepSeek.BaseURL = DefaultBaseURL
	}
	if c.DeepSeek.Thinking == nil {
		on := true
		c.DeepSeek.Thinking = &on
	}
	if c.DeepSeek.Token == "" {
		c.DeepSeek.Token = os.Getenv("DEEPSEEK_TOKEN")
	}
	if c.DeepSeek.Token == "" {
		c.DeepSeek.Token = os.Getenv("TOKEN")
	}
	if c.AllowedCommands == nil {
		c.AllowedCommands = []string{".*"}
	}
}

// ThinkingEnabled reports whether reasoning output is requested.
func (d DeepSeek) ThinkingEnabled() bool {
	return d.Thinking == nil || *d.Thinking
}

// GetToolset finds a toolset by name. Returns the "default" toolset if the
// named one is not found or if an empty name is provided. Without a
// configured "default" the built-in tool list is used.
func (c *Config) GetToolset(name string) (*Toolset, error) {
	if name == "" {
		name = "default"
	}
	for _, ts := range c.Toolsets {
		if ts.Name == name {
			return &ts, nil
		}
	}
	if name == "default" {
		return &Toolset{Name: "default", Tools: append([]string(nil), DefaultTools...)}, nil
	}
	// Fallback to default if a specific toolset was requested but not found
	return c.GetToolset("default")
}
