// Package config holds the coordinator settings that are usually shared by a
// whole site: main targets, markers, batching, caching and per-mode layer
// defaults.
package config

import (
	"fmt"
	"os"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// LayerDefaults are the options a layer mode starts with.
type LayerDefaults struct {
	History     *bool    `yaml:"history,omitempty"`
	Dismissable []string `yaml:"dismissable,omitempty" validate:"dive,oneof=button key outside"`
	Animation   string   `yaml:"animation,omitempty"`
	Size        string   `yaml:"size,omitempty" validate:"omitempty,oneof=small medium large grow full auto"`
	Class       string   `yaml:"class,omitempty"`
}

// CacheConfig controls the GET response cache.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	Size    int           `yaml:"size" validate:"gte=0"`
	TTL     time.Duration `yaml:"ttl" validate:"gte=0"`
}

// Config is the full configuration.
type Config struct {
	// MainTargets are tried in order when a render targets :main.
	MainTargets []string `yaml:"main_targets" validate:"min=1,dive,required"`
	// FailTarget is used for responses with an error status.
	FailTarget string `yaml:"fail_target" validate:"required"`
	// Fallback is rendered when none of the requested targets can be found.
	Fallback        string `yaml:"fallback,omitempty"`
	KeepAttribute   string `yaml:"keep_attribute" validate:"required"`
	HungryAttribute string `yaml:"hungry_attribute" validate:"required"`
	// Batch merges validation requests for the same form.
	Batch         bool          `yaml:"batch"`
	ValidateDelay time.Duration `yaml:"validate_delay" validate:"gte=0"`
	// Focus is the default focus option of renders.
	Focus    string                   `yaml:"focus" validate:"oneof=keep target layer none"`
	Cache    CacheConfig              `yaml:"cache"`
	Sanitize bool                     `yaml:"sanitize"`
	Layers   map[string]LayerDefaults `yaml:"layers,omitempty" validate:"dive,keys,oneof=any overlay root modal drawer popup cover,endkeys"`
}

// Default returns the built-in configuration.
func Default() *Config {
	no, yes := false, true
	return &Config{
		MainTargets:     []string{"[up-main]", "main", ":layer"},
		FailTarget:      ":main",
		KeepAttribute:   "up-keep",
		HungryAttribute: "up-hungry",
		Batch:           true,
		Focus:           "keep",
		Cache: CacheConfig{
			Enabled: true,
			Size:    70,
			TTL:     15 * time.Second,
		},
		Layers: map[string]LayerDefaults{
			"root":    {History: &yes},
			"overlay": {History: &no, Dismissable: []string{"button", "key", "outside"}},
			"modal":   {Size: "medium"},
			"drawer":  {Size: "medium", Animation: "move-from-left"},
			"popup":   {Size: "medium", Dismissable: []string{"key", "outside"}},
			"cover":   {Size: "full", Animation: "fade-in"},
		},
	}
}

// Parse reads YAML on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads a YAML file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Marshal renders cfg as YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator returns the shared validator, reporting fields by their YAML names.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
			if name == "-" {
				return ""
			}
			if name == "" {
				return f.Name
			}
			return name
		})
	})
	return validate
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := Validator().Struct(c); err != nil {
		return FromValidation(err)
	}
	return nil
}

// FieldError is one invalid setting.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Errors collects every invalid setting.
type Errors []FieldError

func (m Errors) Error() string {
	msgs := make([]string, len(m))
	for i, e := range m {
		msgs[i] = e.Error()
	}
	return "invalid config: " + strings.Join(msgs, "; ")
}

// FromValidation converts validator errors into Errors. Other errors are
// returned unchanged.
func FromValidation(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	var out Errors
	for _, e := range verrs {
		field := strings.TrimPrefix(e.Namespace(), "Config.")
		var message string
		switch e.Tag() {
		case "required":
			message = "is required"
		case "min":
			message = fmt.Sprintf("needs at least %s entries", e.Param())
		case "oneof":
			message = fmt.Sprintf("must be one of [%s], got %v", e.Param(), e.Value())
		case "gte":
			message = fmt.Sprintf("must be at least %s", e.Param())
		default:
			message = fmt.Sprintf("is invalid (%s)", e.Tag())
		}
		out = append(out, FieldError{Field: field, Message: message})
	}
	return out
}

// LayerDefaults returns the effective defaults for mode. Settings are taken
// from the mode itself, then "overlay" (for every mode but root), then "any".
// An explicit empty dismissable list is kept and makes the layer
// undismissable.
func (c *Config) LayerDefaults(mode string) (LayerDefaults, error) {
	chain := []string{mode}
	if mode != "root" {
		chain = append(chain, "overlay")
	}
	chain = append(chain, "any")

	var (
		out         LayerDefaults
		dismissable []string
	)
	for _, name := range chain {
		d, ok := c.Layers[name]
		if !ok {
			continue
		}
		if dismissable == nil && d.Dismissable != nil {
			dismissable = slices.Clone(d.Dismissable)
		}
		d.Dismissable = nil
		if err := mergo.Merge(&out, d, mergo.WithoutDereference); err != nil {
			return LayerDefaults{}, fmt.Errorf("failed to merge %s layer defaults: %w", name, err)
		}
	}
	out.Dismissable = dismissable
	if out.History != nil {
		h := *out.History
		out.History = &h
	}
	return out, nil
}
