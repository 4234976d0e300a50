// Package config loads the run configuration for the taskpilot CLI.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// TASKPILOT_* environment variables. The result is validated before use.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/martinemde/taskpilot/agentloop"
	"github.com/martinemde/taskpilot/mcp"
	"github.com/martinemde/taskpilot/unifiedllm"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TASKPILOT_"

// RunConfig holds everything the CLI needs to set up a run.
type RunConfig struct {
	Model       string   `yaml:"model" env:"MODEL" validate:"required"`
	Provider    string   `yaml:"provider" env:"PROVIDER" validate:"required,oneof=gemini openai anthropic"`
	Temperature *float64 `yaml:"temperature" env:"TEMPERATURE" validate:"omitempty,gte=0,lte=2"`

	MaxRetries      int     `yaml:"max_retries" env:"MAX_RETRIES" validate:"gte=1,lte=20"`
	BaseDelay       float64 `yaml:"base_delay" env:"BASE_DELAY" validate:"gte=0,lte=60"`
	RecursionLimit  int     `yaml:"recursion_limit" env:"RECURSION_LIMIT" validate:"gte=1"`
	MaxModelCalls   int     `yaml:"max_model_calls" env:"MAX_MODEL_CALLS" validate:"gte=0"`
	VerificationCap int     `yaml:"verification_cap" env:"VERIFICATION_CAP" validate:"gte=1"`

	ToolTimeout      time.Duration `yaml:"tool_timeout" env:"TOOL_TIMEOUT" validate:"gt=0"`
	ParallelTools    bool          `yaml:"parallel_tools" env:"PARALLEL_TOOLS"`
	MaxParallelTools int           `yaml:"max_parallel_tools" env:"MAX_PARALLEL_TOOLS" validate:"gte=1"`
	ForceToolUse     bool          `yaml:"force_tool_use" env:"FORCE_TOOL_USE"`
	LoopDetection    bool          `yaml:"loop_detection" env:"LOOP_DETECTION"`

	ModificationKeywords []string `yaml:"modification_keywords" env:"MODIFICATION_KEYWORDS" envSeparator:","`
	ReportLanguage       string   `yaml:"report_language" env:"REPORT_LANGUAGE"`
	UserInstructions     string   `yaml:"user_instructions" env:"USER_INSTRUCTIONS"`

	WorkingDir string `yaml:"working_dir" env:"WORKING_DIR"`
	MCPConfig  string `yaml:"mcp_config" env:"MCP_CONFIG"`
}

// Default returns the built-in configuration.
func Default() RunConfig {
	retry := unifiedllm.DefaultRetryPolicy()
	return RunConfig{
		Model:            unifiedllm.DefaultGeminiModel,
		Provider:         "gemini",
		MaxRetries:       retry.MaxRetries,
		BaseDelay:        retry.BaseDelay,
		RecursionLimit:   50,
		VerificationCap:  agentloop.DefaultVerificationCap,
		ToolTimeout:      agentloop.DefaultToolTimeout,
		MaxParallelTools: 4,
		LoopDetection:    true,
		MCPConfig:        mcp.DefaultConfigPath,
	}
}

// Load builds a RunConfig from the defaults, the YAML file at path (skipped
// when path is empty) and the environment.
func Load(path string) (*RunConfig, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAMLStrict(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAMLStrict(b []byte, cfg *RunConfig) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		// An empty file leaves the defaults in place.
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks field constraints and reports every violation.
func (c *RunConfig) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fe.Field() + " failed " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		msgs = append(msgs, msg)
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// RetryPolicy returns the gateway retry policy.
func (c *RunConfig) RetryPolicy() unifiedllm.RetryPolicy {
	p := unifiedllm.DefaultRetryPolicy()
	p.MaxRetries = c.MaxRetries
	p.BaseDelay = c.BaseDelay
	return p
}

// ToLoopConfig maps the run configuration onto the decision loop's.
func (c *RunConfig) ToLoopConfig() agentloop.Config {
	lc := agentloop.DefaultConfig()
	lc.Model = c.Model
	lc.Provider = c.Provider
	lc.Temperature = c.Temperature
	lc.RecursionLimit = c.RecursionLimit
	lc.MaxModelCalls = c.MaxModelCalls
	lc.VerificationCap = c.VerificationCap
	lc.Retry = c.RetryPolicy()
	lc.ParallelTools = c.ParallelTools
	lc.MaxParallelTools = c.MaxParallelTools
	lc.ForceToolUse = c.ForceToolUse
	lc.EnableLoopDetection = c.LoopDetection
	lc.ReportLanguage = c.ReportLanguage
	lc.UserInstructions = c.UserInstructions
	if len(c.ModificationKeywords) > 0 {
		lc.ModificationKeywords = append([]string(nil), c.ModificationKeywords...)
	}
	return lc
}
