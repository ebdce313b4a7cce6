// Package grammar loads mode definitions from YAML and compiles them into
// token markers.
package grammar

import (
	"bytes"
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	"gopkg.in/yaml.v3"
)

var log = commonlog.GetLogger("nutmeg-highlighter.grammar")

// GrammarFile represents the structure of a YAML grammar file. One file
// describes one mode.
type GrammarFile struct {
	Mode       string       `yaml:"mode"`
	Extensions []string     `yaml:"extensions,omitempty"`
	FirstLine  string       `yaml:"first_line,omitempty"` // Regexp matched against the first line of a file
	RuleSets   []RuleSetDef `yaml:"rulesets"`
}

// RuleSetDef represents one named rule set of a mode
type RuleSetDef struct {
	Name            string              `yaml:"name"`
	Default         string              `yaml:"default,omitempty"`
	IgnoreCase      bool                `yaml:"ignore_case,omitempty"`
	HighlightDigits bool                `yaml:"highlight_digits,omitempty"`
	DigitRegexp     string              `yaml:"digit_regexp,omitempty"`
	NoWordSep       string              `yaml:"no_word_sep,omitempty"`
	Escape          string              `yaml:"escape,omitempty"`
	TerminateChar   *int                `yaml:"terminate_char,omitempty"`
	Imports         []string            `yaml:"imports,omitempty"`
	Keywords        map[string][]string `yaml:"keywords,omitempty"` // Kind name -> words
	Rules           []RuleDef           `yaml:"rules,omitempty"`
}

// RuleDef represents a single rule
type RuleDef struct {
	Type      string `yaml:"type"` // seq, span, eol_span, mark_previous, mark_following
	Kind      string `yaml:"kind,omitempty"`
	MatchKind string `yaml:"match_kind,omitempty"` // rule, context or a kind name
	Start     string `yaml:"start"`
	End       string `yaml:"end,omitempty"`
	Regexp    bool   `yaml:"regexp,omitempty"`
	EndRegexp bool   `yaml:"end_regexp,omitempty"`
	HashChars string `yaml:"hash_chars,omitempty"`
	Escape    string `yaml:"escape,omitempty"`
	Delegate  string `yaml:"delegate,omitempty"` // SET or mode::SET

	IgnoreCase  bool `yaml:"ignore_case,omitempty"`
	NoLineBreak bool `yaml:"no_line_break,omitempty"`
	NoWordBreak bool `yaml:"no_word_break,omitempty"`
	NoEscape    bool `yaml:"no_escape,omitempty"`

	AtLineStart        bool `yaml:"at_line_start,omitempty"`
	AtWhitespaceEnd    bool `yaml:"at_whitespace_end,omitempty"`
	AtWordStart        bool `yaml:"at_word_start,omitempty"`
	EndAtLineStart     bool `yaml:"end_at_line_start,omitempty"`
	EndAtWhitespaceEnd bool `yaml:"end_at_whitespace_end,omitempty"`
	EndAtWordStart     bool `yaml:"end_at_word_start,omitempty"`
}

// ParseGrammar decodes a grammar from YAML. Unknown fields are rejected so
// that typos in rule attributes do not silently change highlighting.
func ParseGrammar(data []byte) (*GrammarFile, error) {
	var checked GrammarFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&checked); err != nil {
		return nil, err
	}

	// Decode again from the node tree so that kind names YAML resolves to
	// null (a plain NULL) come through as strings.
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	retagKindNames(&doc)
	var g GrammarFile
	if err := doc.Decode(&g); err != nil {
		return nil, err
	}
	if g.Mode == "" {
		return nil, fmt.Errorf("grammar has no mode name")
	}
	return &g, nil
}

// kindFields are the grammar fields whose values are token kind names.
var kindFields = map[string]bool{"default": true, "kind": true, "match_kind": true}

func retagKindNames(n *yaml.Node) {
	switch n.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for _, c := range n.Content {
			retagKindNames(c)
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, val := n.Content[i], n.Content[i+1]
			if kindFields[key.Value] {
				retagNull(val)
			}
			if key.Value == "keywords" && val.Kind == yaml.MappingNode {
				for j := 0; j < len(val.Content); j += 2 {
					retagNull(val.Content[j])
				}
			}
			retagKindNames(val)
		}
	}
}

// retagNull turns a spelled-out null (null, Null, NULL) into a string. An
// empty value or ~ still means unset.
func retagNull(n *yaml.Node) {
	if n.Kind == yaml.ScalarNode && n.ShortTag() == "!!null" && n.Value != "" && n.Value != "~" {
		n.Tag = "!!str"
	}
}

// LoadGrammarFile loads and parses a YAML grammar file
func LoadGrammarFile(filename string) (*GrammarFile, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read grammar file '%s': %w", filename, err)
	}

	g, err := ParseGrammar(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse YAML in grammar file '%s': %w", filename, err)
	}

	log.Debugf("loaded grammar %s from %s", g.Mode, filename)
	return g, nil
}

// MarshalGrammar renders g as YAML in the form ParseGrammar accepts.
func MarshalGrammar(g *GrammarFile) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(g); err != nil {
		return nil, fmt.Errorf("failed to encode grammar '%s': %w", g.Mode, err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RuleSet returns the definition of the named rule set, or nil.
func (g *GrammarFile) RuleSet(name string) *RuleSetDef {
	for i := range g.RuleSets {
		if g.RuleSets[i].Name == name {
			return &g.RuleSets[i]
		}
	}
	return nil
}
