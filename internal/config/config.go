// Package config holds the settings of nutmeg-highlighter and reads them
// through viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/spicery/nutmeg-highlighter/internal/render"
	"github.com/spicery/nutmeg-highlighter/internal/tracing"
	"github.com/spicery/nutmeg-highlighter/pkg/grammar"
)

const (
	EnvPrefix     = "NUTMEG_HL"
	LocalFileName = ".nutmeg-highlighter.yaml"
)

// Config holds all configuration options.
type Config struct {
	GrammarDirs []string          `mapstructure:"grammar_dirs"`
	Styles      map[string]string `mapstructure:"styles"` // Kind name -> style, e.g. "cyan+bold"
	Color       string            `mapstructure:"color"`  // "auto" (default), "always" or "never"
	Verbosity   int               `mapstructure:"verbosity"`
	LogFile     string            `mapstructure:"log_file"`
	CacheTTL    time.Duration     `mapstructure:"cache_ttl"`
	Watch       bool              `mapstructure:"watch"`
	Tracing     tracing.Config    `mapstructure:"tracing"`
}

// Defaults returns a Config with default values.
func Defaults() Config {
	return Config{
		GrammarDirs: []string{DefaultGrammarDir()},
		Styles:      map[string]string{},
		Color:       "auto",
		CacheTTL:    grammar.DefaultCacheTTL,
		Tracing:     tracing.DefaultConfig(),
	}
}

// DefaultDir is ~/.config/nutmeg-highlighter.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "nutmeg-highlighter")
	}
	return filepath.Join(home, ".config", "nutmeg-highlighter")
}

func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

func DefaultGrammarDir() string {
	return filepath.Join(DefaultDir(), "grammars")
}

// SetDefaults registers the defaults with v, so that environment variables
// and config files can override each key.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("grammar_dirs", d.GrammarDirs)
	v.SetDefault("styles", d.Styles)
	v.SetDefault("color", d.Color)
	v.SetDefault("verbosity", d.Verbosity)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("cache_ttl", d.CacheTTL)
	v.SetDefault("watch", d.Watch)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.file_path", d.Tracing.FilePath)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
}

// Load reads the configuration into v and decodes it. An explicit file must
// exist; otherwise ./.nutmeg-highlighter.yaml is tried, then the user config,
// and a missing file just means defaults.
func Load(v *viper.Viper, file string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	switch {
	case file != "":
		v.SetConfigFile(file)
	case fileExists(LocalFileName):
		v.SetConfigFile(LocalFileName)
	default:
		v.AddConfigPath(DefaultDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	cfg.GrammarDirs = expandHome(cfg.GrammarDirs)
	return cfg, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func expandHome(dirs []string) []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return dirs
	}
	out := make([]string, len(dirs))
	for i, dir := range dirs {
		if dir == "~" {
			dir = home
		} else if rest, ok := strings.CutPrefix(dir, "~/"); ok {
			dir = filepath.Join(home, rest)
		}
		out[i] = dir
	}
	return out
}

// Validate checks styles, colour mode and tracing settings.
func (c Config) Validate() error {
	if _, err := render.ParseStyles(c.Styles); err != nil {
		return err
	}
	switch c.Color {
	case "", "auto", "always", "never":
	default:
		return fmt.Errorf("color must be \"auto\", \"always\", or \"never\", got %q", c.Color)
	}
	if c.Verbosity < 0 {
		return fmt.Errorf("verbosity must not be negative, got %d", c.Verbosity)
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("cache_ttl must not be negative, got %s", c.CacheTTL)
	}
	return c.Tracing.Validate()
}

// DefaultConfigTemplate returns the default config as YAML with comments.
func DefaultConfigTemplate() string {
	return `# nutmeg-highlighter configuration

# Directories searched for *.yaml grammar files. They override the built-in
# grammars of the same mode.
grammar_dirs:
  - ~/.config/nutmeg-highlighter/grammars

# Reload grammars when files in grammar_dirs change (lsp command).
watch: false

# How long a compiled grammar stays cached.
cache_ttl: 30m

# Colour output of the highlight command: auto, always or never.
color: auto

# Styles per token kind, overriding the built-in ones. A style is a list of
# attributes joined with "+": colours (red, hiblue, ...), backgrounds
# (bg:red, ...) and bold, faint, italic, underline, reverse.
# styles:
#   KEYWORD1: cyan+bold
#   COMMENT1: hiblack+italic

# Log verbosity: 0 errors only, 1 warnings, 2 info, 3 and up debug.
verbosity: 0
# log_file: /tmp/nutmeg-highlighter.log

# tracing:
#   enabled: true
#   exporter: file          # none, file, stdout or otlp
#   file_path: ~/.config/nutmeg-highlighter/traces.jsonl
#   otlp_endpoint: localhost:4317
#   sample_rate: 1.0
`
}

// WriteDefaultConfig creates a config file at path with the default
// settings, creating its directory if needed.
func WriteDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
