package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/tensorzero-go/gateway/internal/schema"
	"github.com/tensorzero-go/gateway/internal/tmpl"
)

// GatewayConfig is the typed, validated function/variant/model/tool document
// described in the gateway's TOML config — the companion to Config's env-var
// credential loading. It is immutable once loaded: a hot reload replaces
// the whole value at a single publication point, it is never
// mutated in place.
type GatewayConfig struct {
	Gateway         GatewaySection             `mapstructure:"gateway"`
	Models          map[string]ModelConfig     `mapstructure:"models"`
	EmbeddingModels map[string]ModelConfig     `mapstructure:"embedding_models"`
	Functions       map[string]FunctionConfig  `mapstructure:"functions"`
	Metrics         map[string]MetricConfig    `mapstructure:"metrics"`
	Tools           map[string]ToolConfig      `mapstructure:"tools"`

	// compiledTools/compiledOutputSchemas cache the schema.Schema built from
	// each Tools[*].Parameters / Functions[*].OutputSchema file, keyed by the
	// same name. Populated by LoadGatewayConfig; nil until then.
	compiledTools         map[string]*schema.Schema
	compiledOutputSchemas map[string]*schema.Schema
	compiledTemplates     map[string]*tmpl.Template
	toolParamsRaw         map[string]json.RawMessage
}

// GatewaySection is the [gateway] TOML table.
type GatewaySection struct {
	BindAddress          string `mapstructure:"bind_address"`
	DisableObservability bool   `mapstructure:"disable_observability"`
}

// ModelConfig is one [models.<name>] table: an ordered routing list of
// provider names plus per-provider connection config.
type ModelConfig struct {
	Routing   []string                        `mapstructure:"routing"`
	Providers map[string]ModelProviderConfig `mapstructure:"providers"`
}

// ModelProviderConfig is one [models.<name>.providers.<pname>] sub-table.
// Type names the provider kind (openai, azure, anthropic,
// bedrock, gcp_vertex_gemini, gcp_vertex_anthropic, mistral, fireworks,
// together, vllm, google_ai_studio_gemini, dummy); ModelName is the
// provider-native model id this gateway model name maps to.
type ModelProviderConfig struct {
	Type      string `mapstructure:"type"`
	ModelName string `mapstructure:"model_name"`
	BaseURL   string `mapstructure:"base_url"`
}

// VariantConfig is one [functions.<fn>.variants.<name>] table.
type VariantConfig struct {
	Type   string  `mapstructure:"type"`
	Weight float64 `mapstructure:"weight"`

	// chat_completion fields.
	Model             string   `mapstructure:"model"`
	SystemTemplate    string   `mapstructure:"system_template"`
	UserTemplate      string   `mapstructure:"user_template"`
	AssistantTemplate string   `mapstructure:"assistant_template"`
	Temperature       float64  `mapstructure:"temperature"`
	MaxTokens         int      `mapstructure:"max_tokens"`
	StopSequences     []string `mapstructure:"stop_sequences"`
	JSONMode          string   `mapstructure:"json_mode"` // off|on|strict|implicit_tool|tool

	// Retry/fallback policy.
	NumRetries      int     `mapstructure:"num_retries"`
	MaxDelaySeconds float64 `mapstructure:"max_delay_s"`
	TimeoutSeconds  float64 `mapstructure:"timeout_s"`

	// experimental_best_of_n_sampling / mixture_of_n.
	Candidates []string `mapstructure:"candidates"`
	Evaluator  string   `mapstructure:"evaluator"`

	// experimental_dynamic_in_context_learning.
	EmbeddingModel string `mapstructure:"embedding_model"`
	K              int    `mapstructure:"k"`
}

// FunctionConfig is one [functions.<name>] table.
type FunctionConfig struct {
	Type              string                   `mapstructure:"type"` // chat|json
	Variants          map[string]VariantConfig `mapstructure:"variants"`
	SystemSchema      string                   `mapstructure:"system_schema"`
	Tools             []string                 `mapstructure:"tools"`
	ToolChoice        string                   `mapstructure:"tool_choice"` // none|auto|required|specific name
	ParallelToolCalls bool                     `mapstructure:"parallel_tool_calls"`
	OutputSchema      string                   `mapstructure:"output_schema"` // json functions only
}

// MetricConfig is one [metrics.<name>] table.
type MetricConfig struct {
	Type     string `mapstructure:"type"` // boolean|float|comment|demonstration
	Optimize string `mapstructure:"optimize"` // max|min
	Level    string `mapstructure:"level"`    // inference|episode
}

// ToolConfig is one [tools.<name>] table. Parameters is a filesystem path to
// a draft-07 JSON Schema document, relative to the config file's directory.
type ToolConfig struct {
	Description string `mapstructure:"description"`
	Parameters  string `mapstructure:"parameters"`
	Strict      bool   `mapstructure:"strict"`
}

// LoadGatewayConfig reads the TOML function/variant/model document at path,
// resolves each function's output_schema and each tool's parameters path
// relative to the config file's directory, and compiles each as a draft-07
// schema — failing fast at startup rather than at first use. system_schema
// paths are neither resolved nor compiled.
func LoadGatewayConfig(path string) (*GatewayConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("gateway config: read %s: %w", path, err)
	}

	var gc GatewayConfig
	if err := v.Unmarshal(&gc); err != nil {
		return nil, fmt.Errorf("gateway config: decode %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if err := gc.compileSchemas(dir); err != nil {
		return nil, err
	}
	if err := gc.compileTemplates(dir); err != nil {
		return nil, err
	}
	if err := gc.validate(); err != nil {
		return nil, err
	}

	return &gc, nil
}

// compileTemplates compiles every system/user/assistant template path
// referenced by any variant, deduplicated by path since several variants
// commonly share one template file.
func (gc *GatewayConfig) compileTemplates(dir string) error {
	gc.compiledTemplates = make(map[string]*tmpl.Template)

	for fname, fn := range gc.Functions {
		for vname, v := range fn.Variants {
			for _, p := range []string{v.SystemTemplate, v.UserTemplate, v.AssistantTemplate} {
				if p == "" || gc.compiledTemplates[p] != nil {
					continue
				}
				full := p
				if !filepath.IsAbs(full) {
					full = filepath.Join(dir, p)
				}
				src, err := os.ReadFile(full)
				if err != nil {
					return fmt.Errorf("gateway config: function %q variant %q: read template %s: %w", fname, vname, full, err)
				}
				t, err := tmpl.Compile(p, string(src))
				if err != nil {
					return fmt.Errorf("gateway config: function %q variant %q: %w", fname, vname, err)
				}
				gc.compiledTemplates[p] = t
			}
		}
	}

	return nil
}

// Template returns the compiled template registered under the variant field
// path it was loaded from (SystemTemplate/UserTemplate/AssistantTemplate).
func (gc *GatewayConfig) Template(path string) (*tmpl.Template, bool) {
	t, ok := gc.compiledTemplates[path]
	return t, ok
}

func (gc *GatewayConfig) compileSchemas(dir string) error {
	gc.compiledTools = make(map[string]*schema.Schema, len(gc.Tools))
	gc.compiledOutputSchemas = make(map[string]*schema.Schema, len(gc.Functions))
	gc.toolParamsRaw = make(map[string]json.RawMessage, len(gc.Tools))

	for name, t := range gc.Tools {
		if t.Parameters == "" {
			continue
		}
		s, err := compileSchemaFile(dir, name, t.Parameters)
		if err != nil {
			return fmt.Errorf("gateway config: tool %q: %w", name, err)
		}
		gc.compiledTools[name] = s

		full := t.Parameters
		if !filepath.IsAbs(full) {
			full = filepath.Join(dir, t.Parameters)
		}
		raw, err := os.ReadFile(full)
		if err != nil {
			return fmt.Errorf("gateway config: tool %q: %w", name, err)
		}
		gc.toolParamsRaw[name] = raw
	}

	for name, fn := range gc.Functions {
		if fn.OutputSchema == "" {
			continue
		}
		s, err := compileSchemaFile(dir, name, fn.OutputSchema)
		if err != nil {
			return fmt.Errorf("gateway config: function %q: %w", name, err)
		}
		gc.compiledOutputSchemas[name] = s
	}

	return nil
}

func compileSchemaFile(dir, name, relPath string) (*schema.Schema, error) {
	full := relPath
	if !filepath.IsAbs(full) {
		full = filepath.Join(dir, relPath)
	}
	raw, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", full, err)
	}
	var doc json.RawMessage = raw
	return schema.Compile(name, doc)
}

// ToolSchema returns the compiled parameter schema for a tool, if any.
func (gc *GatewayConfig) ToolSchema(name string) (*schema.Schema, bool) {
	s, ok := gc.compiledTools[name]
	return s, ok
}

// ToolParameters returns the raw draft-07 JSON Schema document backing a
// tool, for handing to a provider adapter as ToolDefinition.Parameters.
func (gc *GatewayConfig) ToolParameters(name string) (json.RawMessage, bool) {
	raw, ok := gc.toolParamsRaw[name]
	return raw, ok
}

// OutputSchema returns the compiled output schema for a json function, if any.
func (gc *GatewayConfig) OutputSchema(function string) (*schema.Schema, bool) {
	s, ok := gc.compiledOutputSchemas[function]
	return s, ok
}

func (gc *GatewayConfig) validate() error {
	for fname, fn := range gc.Functions {
		switch fn.Type {
		case "chat", "json":
		default:
			return fmt.Errorf("gateway config: function %q: type must be chat or json, got %q", fname, fn.Type)
		}
		if fn.Type == "json" && fn.OutputSchema == "" {
			return fmt.Errorf("gateway config: function %q: json functions require output_schema", fname)
		}
		for vname, v := range fn.Variants {
			if v.Weight < 0 {
				return fmt.Errorf("gateway config: function %q variant %q: weight must be >= 0", fname, vname)
			}
			switch v.Type {
			case "chat_completion":
				if _, ok := gc.Models[v.Model]; !ok {
					return fmt.Errorf("gateway config: function %q variant %q: unknown model %q", fname, vname, v.Model)
				}
			case "experimental_best_of_n_sampling", "mixture_of_n":
				if len(v.Candidates) == 0 {
					return fmt.Errorf("gateway config: function %q variant %q: %s requires candidates", fname, vname, v.Type)
				}
				if v.Evaluator == "" {
					return fmt.Errorf("gateway config: function %q variant %q: %s requires an evaluator", fname, vname, v.Type)
				}
				for _, cand := range v.Candidates {
					if _, ok := fn.Variants[cand]; !ok {
						return fmt.Errorf("gateway config: function %q variant %q: unknown candidate %q", fname, vname, cand)
					}
				}
				if _, ok := fn.Variants[v.Evaluator]; !ok {
					return fmt.Errorf("gateway config: function %q variant %q: unknown evaluator %q", fname, vname, v.Evaluator)
				}
			case "experimental_dynamic_in_context_learning":
				if _, ok := gc.Models[v.Model]; !ok {
					return fmt.Errorf("gateway config: function %q variant %q: unknown model %q", fname, vname, v.Model)
				}
				if _, ok := gc.EmbeddingModels[v.EmbeddingModel]; !ok {
					return fmt.Errorf("gateway config: function %q variant %q: unknown embedding_model %q", fname, vname, v.EmbeddingModel)
				}
			}
		}
		for _, tool := range fn.Tools {
			if _, ok := gc.Tools[tool]; !ok {
				return fmt.Errorf("gateway config: function %q: unknown tool %q", fname, tool)
			}
		}
	}
	for mname, m := range gc.Models {
		for _, pname := range m.Routing {
			if _, ok := m.Providers[pname]; !ok {
				return fmt.Errorf("gateway config: model %q: routing references unknown provider %q", mname, pname)
			}
		}
	}
	return nil
}
