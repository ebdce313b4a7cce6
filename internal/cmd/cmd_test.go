package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spicery/nutmeg-highlighter/pkg/grammar"
)

const miniGrammar = `mode: mini
extensions: [".mini"]
rulesets:
  - name: MAIN
    default: NULL
    keywords:
      KEYWORD1: [if]
`

// setupHome gives each test its own home and working directory, with a
// config file whose grammar directory holds the mini mode.
func setupHome(t *testing.T) (home, cfgFile string) {
	t.Helper()
	home = t.TempDir()
	t.Setenv("HOME", home)
	t.Chdir(home)

	grammars := filepath.Join(home, "grammars")
	require.NoError(t, os.MkdirAll(grammars, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(grammars, "mini.yaml"), []byte(miniGrammar), 0o600))

	cfgFile = filepath.Join(home, "config.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("grammar_dirs: ["+grammars+"]\n"), 0o600))
	return home, cfgFile
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewCmdRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestTokenize(t *testing.T) {
	home, cfg := setupHome(t)
	input := filepath.Join(home, "demo.mini")
	require.NoError(t, os.WriteFile(input, []byte("if x\n"), 0o600))

	out, err := execute(t, "", "tokenize", "--config", cfg, "--input", input)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"line":1,"tokens":[
		{"kind":"KEYWORD1","span":[0,2],"text":"if"},
		{"kind":"NULL","span":[2,2],"text":" x"}
	],"context":"mini::MAIN"}`, lines[0])
	assert.JSONEq(t, `{"line":2,"tokens":[],"context":"mini::MAIN"}`, lines[1])
}

func TestTokenize_StdinAndOutputFile(t *testing.T) {
	home, cfg := setupHome(t)
	output := filepath.Join(home, "tokens.json")

	out, err := execute(t, "if", "tokenize", "--config", cfg, "--mode", "mini", "--output", output)
	require.NoError(t, err)
	require.Empty(t, out)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	var rec struct {
		Line   int `json:"line"`
		Tokens []struct {
			Kind string `json:"kind"`
		} `json:"tokens"`
	}
	require.NoError(t, json.Unmarshal(data, &rec))
	require.Equal(t, 1, rec.Line)
	require.Len(t, rec.Tokens, 1)
	require.Equal(t, "KEYWORD1", rec.Tokens[0].Kind)
}

func TestTokenize_Errors(t *testing.T) {
	_, cfg := setupHome(t)

	_, err := execute(t, "x", "tokenize", "--config", cfg)
	require.ErrorIs(t, err, grammar.ErrUnknownMode)

	_, err = execute(t, "x", "tokenize", "--config", cfg, "--mode", "nope")
	require.ErrorIs(t, err, grammar.ErrUnknownMode)

	_, err = execute(t, "", "tokenize", "--config", cfg, "--input", "missing.mini")
	require.ErrorContains(t, err, "missing.mini")

	_, err = execute(t, "", "tokenize", "--config", "missing.yaml")
	require.Error(t, err)
}

func TestHighlight_NoColor(t *testing.T) {
	_, cfg := setupHome(t)

	out, err := execute(t, "if x\nelse", "highlight", "--config", cfg, "--mode", "mini", "--color", "never")
	require.NoError(t, err)
	require.Equal(t, "if x\nelse\n", out)

	_, err = execute(t, "if", "highlight", "--config", cfg, "--mode", "mini", "--color", "sometimes")
	require.ErrorContains(t, err, "--color")
}

func TestHighlight_ForcedColor(t *testing.T) {
	_, cfg := setupHome(t)

	out, err := execute(t, "if x", "highlight", "--config", cfg, "--mode", "mini", "--color", "always")
	require.NoError(t, err)
	require.Contains(t, out, "\x1b[")
	require.Contains(t, out, " x")
}

func TestMakeRules(t *testing.T) {
	home, cfg := setupHome(t)

	out, err := execute(t, "", "make-rules", "--config", cfg)
	require.NoError(t, err)
	g, err := grammar.ParseGrammar([]byte(out))
	require.NoError(t, err)
	require.Equal(t, "nutmeg", g.Mode)

	output := filepath.Join(home, "mini-copy.yaml")
	_, err = execute(t, "", "make-rules", "mini", "--config", cfg, "--output", output)
	require.NoError(t, err)
	g, err = grammar.LoadGrammarFile(output)
	require.NoError(t, err)
	require.Equal(t, "mini", g.Mode)
	require.Equal(t, []string{"if"}, g.RuleSet("MAIN").Keywords["KEYWORD1"])

	_, err = execute(t, "", "make-rules", "nope", "--config", cfg)
	require.ErrorIs(t, err, grammar.ErrUnknownMode)
}

func TestModes(t *testing.T) {
	home, cfg := setupHome(t)

	out, err := execute(t, "", "modes", "--config", cfg)
	require.NoError(t, err)
	for _, mode := range []string{"go", "html", "javascript", "mini", "nutmeg", "properties"} {
		require.Contains(t, out, mode)
	}
	require.Contains(t, out, "embedded:go.yaml")
	require.Contains(t, out, filepath.Join(home, "grammars", "mini.yaml"))
}

func TestGrammarDirFlag(t *testing.T) {
	home, _ := setupHome(t)

	out, err := execute(t, "", "modes", "--grammar-dir", filepath.Join(home, "grammars"))
	require.NoError(t, err)
	require.Contains(t, out, "mini")
}

func TestInit(t *testing.T) {
	home, _ := setupHome(t)
	path := filepath.Join(home, "sub", "config.yaml")

	out, err := execute(t, "", "init", path)
	require.NoError(t, err)
	require.Contains(t, out, path)
	require.FileExists(t, path)

	_, err = execute(t, "", "init", path)
	require.ErrorContains(t, err, "--force")

	_, err = execute(t, "", "init", path, "--force")
	require.NoError(t, err)

	_, err = execute(t, "if", "highlight", "--config", path, "--mode", "nutmeg", "--color", "never")
	require.NoError(t, err)
}
