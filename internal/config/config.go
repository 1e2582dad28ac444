package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config represents the examrun configuration file: engine installations,
// model definitions and run defaults shared by every task.
type Config struct {
	Version            string         `json:"version" yaml:"version" hcl:"version,optional"`
	WorkspaceRoot      string         `json:"workspace_root" yaml:"workspace_root" hcl:"workspace_root,optional"`
	Host               string         `json:"host" yaml:"host" hcl:"host,optional"`
	Port               int            `json:"port" yaml:"port" hcl:"port,optional"`
	DefaultTimeoutS    int            `json:"default_timeout_s" yaml:"default_timeout_s" hcl:"default_timeout_s,optional"`
	DisconnectTimeoutS int            `json:"disconnect_timeout_s" yaml:"disconnect_timeout_s" hcl:"disconnect_timeout_s,optional"`
	JoinTimeoutS       int            `json:"join_timeout_s" yaml:"join_timeout_s" hcl:"join_timeout_s,optional"`
	JavaOpts           string         `json:"java_opts,omitempty" yaml:"java_opts,omitempty" hcl:"java_opts,optional"`
	FatalMarkers       []string       `json:"fatal_markers,omitempty" yaml:"fatal_markers,omitempty" hcl:"fatal_markers,optional"`
	Installations      []Installation `json:"installations" yaml:"installations" hcl:"installation,block"`
	Models             []Model        `json:"models" yaml:"models" hcl:"model,block"`
}

// Installation describes one engine installation that tasks can refer to by name
type Installation struct {
	Name       string            `json:"name" yaml:"name" hcl:"name,label"`
	Executable string            `json:"executable" yaml:"executable" hcl:"executable"`
	Args       []string          `json:"args,omitempty" yaml:"args,omitempty" hcl:"args,optional"`
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty" hcl:"env,optional"`
	EnvFile    string            `json:"env_file,omitempty" yaml:"env_file,omitempty" hcl:"env_file,optional"`
}

// Model describes an engine model project that tasks can refer to by name
type Model struct {
	Name           string `json:"name" yaml:"name" hcl:"name,label"`
	ModelName      string `json:"model_name" yaml:"model_name" hcl:"model_name"`
	TargetEndpoint string `json:"target_endpoint" yaml:"target_endpoint" hcl:"target_endpoint,optional"`
}

// GenerateDefault creates a new Config with default values
func GenerateDefault() *Config {
	return &Config{
		Version:            "1.0",
		WorkspaceRoot:      ".",
		Host:               "127.0.0.1",
		Port:               8085,
		DefaultTimeoutS:    300,
		DisconnectTimeoutS: 10,
		JoinTimeoutS:       10,
		Installations: []Installation{
			{
				Name:       "EXAM",
				Executable: "EXAM",
				Args:       []string{"-clean"},
			},
		},
		Models: []Model{},
	}
}

// DefaultTimeout returns the task timeout used when a task sets none
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutS) * time.Second
}

// DisconnectTimeout bounds the disconnect request during teardown
func (c *Config) DisconnectTimeout() time.Duration {
	return time.Duration(c.DisconnectTimeoutS) * time.Second
}

// JoinTimeout bounds the wait for the engine process to exit during teardown
func (c *Config) JoinTimeout() time.Duration {
	return time.Duration(c.JoinTimeoutS) * time.Second
}

// Validate checks the configuration for errors and returns user-friendly error messages
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("configuration error: missing required field 'version'\n\nHint: Add a version field like:\n  \"version\": \"1.0\"")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("configuration error: invalid 'port' value: %d\n\nHint: The engine port must be between 1 and 65535, e.g.\n  \"port\": 8085", c.Port)
	}

	if c.DefaultTimeoutS <= 0 {
		return fmt.Errorf("configuration error: invalid 'default_timeout_s' value: %d\n\nHint: Use a positive number of seconds, e.g.\n  \"default_timeout_s\": 300", c.DefaultTimeoutS)
	}

	if c.DisconnectTimeoutS <= 0 || c.JoinTimeoutS <= 0 {
		return fmt.Errorf("configuration error: 'disconnect_timeout_s' and 'join_timeout_s' must be positive\n\nHint: The defaults are:\n  \"disconnect_timeout_s\": 10,\n  \"join_timeout_s\": 10")
	}

	if len(c.Installations) == 0 {
		return fmt.Errorf("configuration error: no engine installations configured\n\nHint: Add an installation:\n  \"installations\": [\n    {\"name\": \"EXAM\", \"executable\": \"/opt/exam/EXAM\"}\n  ]")
	}

	seen := make(map[string]bool)
	for i := range c.Installations {
		inst := &c.Installations[i]
		if err := inst.Validate(); err != nil {
			return err
		}
		if seen[inst.Name] {
			return fmt.Errorf("configuration error: duplicate installation name '%s'\n\nHint: Installation names must be unique", inst.Name)
		}
		seen[inst.Name] = true
	}

	for i := range c.Models {
		if err := c.Models[i].Validate(); err != nil {
			return err
		}
	}

	return nil
}

// Validate checks an installation for errors
func (i *Installation) Validate() error {
	if i.Name == "" {
		return fmt.Errorf("configuration error: installation has empty 'name' field\n\nHint: Name each installation so tasks can select it:\n  \"name\": \"EXAM\"")
	}
	if i.Executable == "" {
		return fmt.Errorf("configuration error: installation '%s' has empty 'executable' field\n\nHint: Point it at the engine binary:\n  \"executable\": \"/opt/exam/EXAM\"", i.Name)
	}
	return nil
}

// Validate checks a model definition for errors
func (m *Model) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("configuration error: model has empty 'name' field\n\nHint: Name each model so tasks can select it:\n  \"name\": \"Demo\"")
	}
	if m.ModelName == "" {
		return fmt.Errorf("configuration error: model '%s' has empty 'model_name' field\n\nHint: Set the engine model name:\n  \"model_name\": \"DemoModel\"", m.Name)
	}
	return nil
}

// FindInstallation returns the installation with exactly the given name
func (c *Config) FindInstallation(name string) (*Installation, error) {
	for i := range c.Installations {
		if c.Installations[i].Name == name {
			return &c.Installations[i], nil
		}
	}
	return nil, fmt.Errorf("no installation configured with name: %s (available: %s)", name, strings.Join(c.InstallationNames(), ", "))
}

// InstallationNames lists the configured installation names in file order
func (c *Config) InstallationNames() []string {
	names := make([]string, 0, len(c.Installations))
	for _, inst := range c.Installations {
		names = append(names, inst.Name)
	}
	return names
}

// FindModel returns the model whose name matches, ignoring case
func (c *Config) FindModel(name string) (*Model, error) {
	for i := range c.Models {
		if strings.EqualFold(c.Models[i].Name, name) {
			return &c.Models[i], nil
		}
	}
	return nil, fmt.Errorf("no model configured with name: %s", name)
}

// SaveToFile writes the configuration with 0600 permissions, in the format
// its extension names (see LoadFromFile)
func (c *Config) SaveToFile(path string) error {
	data, err := c.Marshal(filepath.Ext(path))
	if err != nil {
		return err
	}

	// Write with 0600 permissions (owner read/write only)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}

	return nil
}
