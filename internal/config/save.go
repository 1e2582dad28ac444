package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
	"gopkg.in/yaml.v3"
)

// Marshal renders the configuration in the format named by ext
// (".json", ".yaml", ".yml" or ".hcl"). Empty ext means JSON.
func (c *Config) Marshal(ext string) ([]byte, error) {
	switch strings.ToLower(ext) {
	case "", ".json":
		data, err := json.MarshalIndent(c, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal config: %w", err)
		}
		return append(data, '\n'), nil
	case ".yaml", ".yml":
		data, err := yaml.Marshal(c)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal config: %w", err)
		}
		return data, nil
	case ".hcl":
		return encodeHCL(c), nil
	default:
		return nil, fmt.Errorf("unsupported config format %q (use .json, .yaml or .hcl)", ext)
	}
}

// encodeHCL writes attributes and blocks in the layout decodeHCL expects.
// Empty optional values are left out.
func encodeHCL(c *Config) []byte {
	file := hclwrite.NewEmptyFile()
	body := file.Body()

	body.SetAttributeValue("version", cty.StringVal(c.Version))
	body.SetAttributeValue("workspace_root", cty.StringVal(c.WorkspaceRoot))
	body.SetAttributeValue("host", cty.StringVal(c.Host))
	body.SetAttributeValue("port", cty.NumberIntVal(int64(c.Port)))
	body.SetAttributeValue("default_timeout_s", cty.NumberIntVal(int64(c.DefaultTimeoutS)))
	body.SetAttributeValue("disconnect_timeout_s", cty.NumberIntVal(int64(c.DisconnectTimeoutS)))
	body.SetAttributeValue("join_timeout_s", cty.NumberIntVal(int64(c.JoinTimeoutS)))
	if c.JavaOpts != "" {
		body.SetAttributeValue("java_opts", cty.StringVal(c.JavaOpts))
	}
	if len(c.FatalMarkers) > 0 {
		body.SetAttributeValue("fatal_markers", stringList(c.FatalMarkers))
	}

	for _, inst := range c.Installations {
		body.AppendNewline()
		block := body.AppendNewBlock("installation", []string{inst.Name}).Body()
		block.SetAttributeValue("executable", cty.StringVal(inst.Executable))
		if len(inst.Args) > 0 {
			block.SetAttributeValue("args", stringList(inst.Args))
		}
		if len(inst.Env) > 0 {
			block.SetAttributeValue("env", stringMap(inst.Env))
		}
		if inst.EnvFile != "" {
			block.SetAttributeValue("env_file", cty.StringVal(inst.EnvFile))
		}
	}

	for _, model := range c.Models {
		body.AppendNewline()
		block := body.AppendNewBlock("model", []string{model.Name}).Body()
		block.SetAttributeValue("model_name", cty.StringVal(model.ModelName))
		if model.TargetEndpoint != "" {
			block.SetAttributeValue("target_endpoint", cty.StringVal(model.TargetEndpoint))
		}
	}

	return file.Bytes()
}

func stringList(values []string) cty.Value {
	vals := make([]cty.Value, 0, len(values))
	for _, v := range values {
		vals = append(vals, cty.StringVal(v))
	}
	return cty.ListVal(vals)
}

func stringMap(values map[string]string) cty.Value {
	vals := make(map[string]cty.Value, len(values))
	for k, v := range values {
		vals[k] = cty.StringVal(v)
	}
	return cty.MapVal(vals)
}
