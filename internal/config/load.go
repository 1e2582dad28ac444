package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/joho/godotenv"
	"github.com/zclconf/go-cty/cty"
	"gopkg.in/yaml.v3"
)

// LoadFromFile loads a configuration file. The format follows the extension:
// .json, .yaml/.yml, or .hcl. HCL files may refer to the process environment
// as env.NAME.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case ".hcl":
		if err := decodeHCL(path, data, &cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q for %s (use .json, .yaml or .hcl)", ext, path)
	}

	return &cfg, nil
}

func decodeHCL(path string, data []byte, cfg *Config) error {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, path)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse HCL file %s: %w", path, diags)
	}

	diags = gohcl.DecodeBody(file.Body, envEvalContext(), cfg)
	if diags.HasErrors() {
		return fmt.Errorf("failed to decode HCL file %s: %w", path, diags)
	}
	return nil
}

// envEvalContext exposes the process environment to HCL expressions as env.NAME
func envEvalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" || !hclIdentifier(name) {
			continue
		}
		vars[name] = cty.StringVal(value)
	}

	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(vars),
		},
	}
}

func hclIdentifier(name string) bool {
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r == '-' || r >= '0' && r <= '9'):
		default:
			return false
		}
	}
	return true
}

// EngineEnv returns the variables to add to the engine environment: the
// installation's env_file first, then its inline env, which wins on conflicts.
// A relative env_file is resolved against baseDir.
func (i *Installation) EngineEnv(baseDir string) (map[string]string, error) {
	env := make(map[string]string)

	if i.EnvFile != "" {
		path := i.EnvFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		fileEnv, err := godotenv.Read(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read env file for installation %s: %w", i.Name, err)
		}
		for k, v := range fileEnv {
			env[k] = v
		}
	}

	for k, v := range i.Env {
		env[k] = v
	}
	return env, nil
}
