// Package cmd provides the commands of the nutmeg-highlighter CLI.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/spicery/nutmeg-highlighter/internal/config"
	"github.com/spicery/nutmeg-highlighter/internal/tracing"
	"github.com/spicery/nutmeg-highlighter/pkg/document"
	"github.com/spicery/nutmeg-highlighter/pkg/grammar"
)

var version = "dev"

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
}

var log = commonlog.GetLogger("nutmeg-highlighter.cmd")

// app is the state shared by all commands of one invocation.
type app struct {
	cfgFile     string
	grammarDirs []string
	verbose     int
	trace       bool

	cfg    config.Config
	tracer *tracing.Provider
}

// NewCmdRoot creates the root command.
func NewCmdRoot() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:   "nutmeg-highlighter",
		Short: "Rule-driven syntax highlighting for editors and terminals",
		Long: `nutmeg-highlighter splits source text into classified tokens line by line,
using grammars of keyword tables and start/end rules.

It prints the tokens as JSON, colours text for the terminal, and serves
semantic tokens to editors as a language server.`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.shutdown(cmd.Context())
		},
	}

	cmd.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "",
		"config file (default: ./"+config.LocalFileName+" or ~/.config/nutmeg-highlighter/config.yaml)")
	cmd.PersistentFlags().StringArrayVarP(&a.grammarDirs, "grammar-dir", "g", nil,
		"additional directory of grammar files (repeatable)")
	cmd.PersistentFlags().CountVarP(&a.verbose, "verbose", "v", "increase log verbosity (repeatable)")
	cmd.PersistentFlags().BoolVar(&a.trace, "trace", false, "enable tracing with the configured exporter")

	cmd.AddCommand(newCmdTokenize(a))
	cmd.AddCommand(newCmdHighlight(a))
	cmd.AddCommand(newCmdMakeRules(a))
	cmd.AddCommand(newCmdModes(a))
	cmd.AddCommand(newCmdLSP(a))
	cmd.AddCommand(newCmdInit(a))
	return cmd
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.New(), a.cfgFile)
	if err != nil {
		return err
	}
	cfg.GrammarDirs = append(cfg.GrammarDirs, a.grammarDirs...)
	if a.verbose > cfg.Verbosity {
		cfg.Verbosity = a.verbose
	}
	if a.trace {
		cfg.Tracing.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	a.cfg = cfg

	var logFile *string
	if cfg.LogFile != "" {
		logFile = &cfg.LogFile
	}
	commonlog.Configure(cfg.Verbosity, logFile)

	a.tracer, err = tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	log.Debugf("configuration loaded, grammar dirs %v", cfg.GrammarDirs)
	return nil
}

func (a *app) shutdown(ctx context.Context) error {
	if a.tracer == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return a.tracer.Shutdown(ctx)
}

func (a *app) newCatalog(opts ...grammar.CatalogOption) (*grammar.Catalog, error) {
	opts = append([]grammar.CatalogOption{
		grammar.WithGrammarDirs(a.cfg.GrammarDirs...),
		grammar.WithCacheTTL(a.cfg.CacheTTL),
	}, opts...)
	return grammar.NewCatalog(opts...)
}

// readInput reads the named file, or all of in when filename is empty.
func readInput(in io.Reader, filename string) (string, error) {
	if filename == "" {
		data, err := io.ReadAll(in)
		if err != nil {
			return "", fmt.Errorf("reading from stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return "", fmt.Errorf("reading file '%s': %w", filename, err)
	}
	return string(data), nil
}

// resolveMode picks the explicit mode, or one matching the input file's
// name, or one whose first-line pattern matches the text.
func resolveMode(catalog *grammar.Catalog, mode, filename, text string) (string, error) {
	if mode != "" {
		return mode, nil
	}
	if filename != "" {
		if m, err := catalog.ModeForFile(filename); err == nil {
			return m, nil
		}
	}
	if m, ok := catalog.ModeForFirstLine(document.SplitLines(text)[0]); ok {
		return m, nil
	}
	return "", fmt.Errorf("cannot tell the mode of the input, use --mode: %w", grammar.ErrUnknownMode)
}

// highlightText loads text into a buffer of the mode and marks it. On error
// the buffer holds the lines marked before the failure.
func (a *app) highlightText(ctx context.Context, catalog *grammar.Catalog, mode, text string) (*document.Buffer, error) {
	tm, err := catalog.Mode(mode)
	if err != nil {
		return nil, err
	}
	buf := document.NewBuffer(tm, document.WithTracer(a.tracer.Tracer()))
	buf.SetText(text)
	return buf, buf.Highlight(ctx)
}
