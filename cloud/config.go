package cloud

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the unified configuration of pointscope
type Config struct {
	Completion CompletionConfig `yaml:"completion" json:"completion"`
	Scene      SceneConfig      `yaml:"scene" json:"scene"`
	Selection  SelectionConfig  `yaml:"selection" json:"selection"`
	MQTT       MQTTConfig       `yaml:"mqtt" json:"mqtt"`
	HTTP       HTTPConfig       `yaml:"http" json:"http"`
	Log        LogConfig        `yaml:"log" json:"log"`
}

// CompletionConfig holds the completion service settings
type CompletionConfig struct {
	Endpoint     string        `yaml:"endpoint" json:"endpoint" validate:"omitempty,url"`
	PollInterval time.Duration `yaml:"pollInterval" json:"pollInterval" validate:"gt=0"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`
	MaxPolls     int           `yaml:"maxPolls,omitempty" json:"maxPolls,omitempty" validate:"gte=0"` // 0 polls until done
	ResultTTL    time.Duration `yaml:"resultTTL" json:"resultTTL" validate:"gt=0"`
}

// SceneConfig holds display settings
type SceneConfig struct {
	DisplayRange      float64 `yaml:"displayRange" json:"displayRange" validate:"gt=0"`
	DisplayMultiplier float64 `yaml:"displayMultiplier" json:"displayMultiplier" validate:"gt=0"`
	PointSize         float64 `yaml:"pointSize" json:"pointSize" validate:"gt=0"`
	Opacity           float64 `yaml:"opacity" json:"opacity" validate:"gte=0,lte=1"`
	Color             string  `yaml:"color" json:"color" validate:"omitempty,hexcolor"`
	Axes              bool    `yaml:"axes" json:"axes"`
}

// SelectionConfig holds selection settings
type SelectionConfig struct {
	Radius        float64 `yaml:"radius" json:"radius" validate:"gt=0"`
	PickThreshold float64 `yaml:"pickThreshold" json:"pickThreshold" validate:"gt=0"`
	ResetMode     string  `yaml:"resetMode" json:"resetMode" validate:"omitempty,oneof=baseline select-all"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker,omitempty" json:"broker,omitempty"`
	PublishPrefix string `yaml:"publishPrefix,omitempty" json:"publishPrefix,omitempty"`
	ClientID      string `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
}

// HTTPConfig holds the API listener settings
type HTTPConfig struct {
	Port int `yaml:"port" json:"port" validate:"gte=0,lte=65535"`
}

// LogConfig holds logging settings
type LogConfig struct {
	File       string `yaml:"file,omitempty" json:"file,omitempty"`
	Level      string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn error"`
	Production bool   `yaml:"production" json:"production"`
}

// DefaultConfig returns a configuration with every default filled in
func DefaultConfig() *Config {
	return &Config{
		Completion: CompletionConfig{
			PollInterval: DefaultPollInterval,
			Timeout:      DefaultRequestTimeout,
			ResultTTL:    DefaultResultTTL,
		},
		Scene: SceneConfig{
			DisplayRange:      DefaultDisplayRange,
			DisplayMultiplier: DefaultDisplayMultiplier,
			PointSize:         DefaultPointSize,
			Opacity:           DefaultOpacity,
			Color:             HexColor(DefaultPointColor),
			Axes:              true,
		},
		Selection: SelectionConfig{
			Radius:        DefaultRadius,
			PickThreshold: DefaultPickThreshold,
			ResetMode:     "baseline",
		},
		HTTP: HTTPConfig{Port: 4040},
		Log:  LogConfig{Level: "info"},
	}
}

var validate = validator.New()

// LoadConfig loads the configuration from a YAML file over the defaults,
// applies environment overrides and validates the result. A missing file
// yields an error matching fs.ErrNotExist.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	config.ApplyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadConfigOrDefault is LoadConfig, falling back to the defaults (with
// environment overrides) when the file does not exist.
func LoadConfigOrDefault(path string) (*Config, error) {
	config, err := LoadConfig(path)
	if errors.Is(err, fs.ErrNotExist) {
		config = DefaultConfig()
		config.ApplyEnv()
		return config, config.Validate()
	}
	return config, err
}

// LoadEnv loads .env files into the process environment. Missing files are
// skipped; variables already set are not overridden.
func LoadEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides configuration values from the environment
func (c *Config) ApplyEnv() {
	if v := os.Getenv("POINTSCOPE_ENDPOINT"); v != "" {
		c.Completion.Endpoint = v
	}
	c.MQTT = ResolveMQTT(c.MQTT)
}

// Validate checks field constraints and cross-field rules
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Scene.Color != "" {
		if _, err := ParseHexColor(c.Scene.Color); err != nil {
			return fmt.Errorf("invalid config: scene.color: %w", err)
		}
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// SceneOptions converts the display and selection settings
func (c *Config) SceneOptions() (SceneOptions, error) {
	opts := DefaultSceneOptions()
	opts.Render.DisplayRange = c.Scene.DisplayRange
	opts.Render.Multiplier = c.Scene.DisplayMultiplier
	opts.Render.PointSize = c.Scene.PointSize
	if c.Scene.Color != "" {
		col, err := ParseHexColor(c.Scene.Color)
		if err != nil {
			return SceneOptions{}, fmt.Errorf("scene options: %w", err)
		}
		opts.Render.Color = col
	}
	opts.ShowAxes = c.Scene.Axes
	opts.AxesLength = c.Scene.DisplayRange / 2
	opts.PlaneSize = c.Scene.DisplayRange
	opts.Opacity = c.Scene.Opacity

	mode, err := ParseResetMode(c.Selection.ResetMode)
	if err != nil {
		return SceneOptions{}, fmt.Errorf("scene options: %w", err)
	}
	opts.ResetMode = mode
	opts.Radius = c.Selection.Radius
	opts.PickThreshold = c.Selection.PickThreshold
	return opts, nil
}

// ClientOptions returns the completion client options for c
func (c *Config) ClientOptions() []ClientOption {
	return []ClientOption{
		WithTimeout(c.Completion.Timeout),
		WithResultTTL(c.Completion.ResultTTL),
	}
}

// CompletionOptions returns the job manager options for c
func (c *Config) CompletionOptions() []CompletionOption {
	return []CompletionOption{
		WithPollInterval(c.Completion.PollInterval),
		WithMaxPolls(c.Completion.MaxPolls),
	}
}
