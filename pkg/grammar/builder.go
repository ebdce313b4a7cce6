package grammar

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spicery/nutmeg-highlighter/pkg/tokenizer"
)

var (
	ErrUnknownMode      = errors.New("unknown mode")
	ErrUnknownRuleSet   = errors.New("unknown rule set")
	ErrDuplicateRuleSet = errors.New("duplicate rule set")
	ErrUnknownRuleType  = errors.New("unknown rule type")
)

// ModeResolver finds the rule sets of other modes for delegates and imports
// written as "mode::SET".
type ModeResolver interface {
	ResolveRuleSet(mode, set string) (*tokenizer.RuleSet, error)
}

// Builder compiles grammar files into token markers.
type Builder struct {
	resolver ModeResolver
	interner *tokenizer.Interner
	created  func(mode string, tm *tokenizer.TokenMarker)
}

type BuilderOption func(*Builder)

func WithResolver(r ModeResolver) BuilderOption {
	return func(b *Builder) { b.resolver = r }
}

// WithInterner makes every marker built share one intern table.
func WithInterner(in *tokenizer.Interner) BuilderOption {
	return func(b *Builder) { b.interner = in }
}

// withCreated registers a callback run once the rule sets of a mode exist
// but before their rules are built, so that modes delegating back to the
// mode under construction can find it.
func withCreated(fn func(mode string, tm *tokenizer.TokenMarker)) BuilderOption {
	return func(b *Builder) { b.created = fn }
}

func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build creates all rule sets of g, then their rules, then their imports,
// and finally resolves the imports of every set.
func (b *Builder) Build(g *GrammarFile) (*tokenizer.TokenMarker, error) {
	tm := tokenizer.NewTokenMarker(tokenizer.WithInterner(b.interner))
	sets := make(map[string]*tokenizer.RuleSet, len(g.RuleSets))

	for i := range g.RuleSets {
		def := &g.RuleSets[i]
		if def.Name == "" {
			return nil, fmt.Errorf("grammar '%s': rule set %d has no name", g.Mode, i)
		}
		if _, exists := sets[def.Name]; exists {
			return nil, fmt.Errorf("grammar '%s': rule set '%s': %w", g.Mode, def.Name, ErrDuplicateRuleSet)
		}
		rs := tokenizer.NewRuleSet(g.Mode, def.Name)
		if err := configureRuleSet(rs, def); err != nil {
			return nil, fmt.Errorf("grammar '%s' rule set '%s': %w", g.Mode, def.Name, err)
		}
		sets[def.Name] = rs
		tm.AddRuleSet(rs)
	}
	if tm.MainRuleSet() == nil {
		return nil, fmt.Errorf("grammar '%s': %w", g.Mode, tokenizer.ErrNoMainRuleSet)
	}
	if b.created != nil {
		b.created(g.Mode, tm)
	}

	for i := range g.RuleSets {
		def := &g.RuleSets[i]
		rs := sets[def.Name]
		for j := range def.Rules {
			rule, err := b.buildRule(g.Mode, sets, rs, &def.Rules[j])
			if err != nil {
				return nil, fmt.Errorf("grammar '%s' rule set '%s' rule %d: %w", g.Mode, def.Name, j, err)
			}
			rs.AddRule(rule)
		}
	}

	for i := range g.RuleSets {
		def := &g.RuleSets[i]
		for _, name := range def.Imports {
			imported, err := b.lookup(g.Mode, sets, name)
			if err != nil {
				return nil, fmt.Errorf("grammar '%s' rule set '%s' import: %w", g.Mode, def.Name, err)
			}
			sets[def.Name].AddRuleSet(imported)
		}
	}

	for i := range g.RuleSets {
		sets[g.RuleSets[i].Name].ResolveImports()
	}

	log.Debugf("built mode %s with %d rule sets", g.Mode, len(sets))
	return tm, nil
}

func configureRuleSet(rs *tokenizer.RuleSet, def *RuleSetDef) error {
	defaultKind, err := parseKind(def.Default)
	if err != nil {
		return err
	}
	rs.SetDefault(defaultKind)
	rs.SetIgnoreCase(def.IgnoreCase)
	rs.SetHighlightDigits(def.HighlightDigits)
	rs.SetNoWordSep(def.NoWordSep)
	if def.DigitRegexp != "" {
		if err := rs.SetDigitRegexp(def.DigitRegexp); err != nil {
			return err
		}
	}
	if def.TerminateChar != nil {
		rs.SetTerminateChar(*def.TerminateChar)
	}
	if def.Escape != "" {
		esc, err := tokenizer.NewEscapeRule(def.Escape)
		if err != nil {
			return err
		}
		rs.SetEscapeRule(esc)
	}

	if len(def.Keywords) > 0 {
		km := tokenizer.NewKeywordMap(def.IgnoreCase)
		names := make([]string, 0, len(def.Keywords))
		for name := range def.Keywords {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			kind, err := tokenizer.ParseKind(name)
			if err != nil || !kind.Valid() {
				return fmt.Errorf("keywords: unknown token kind '%s'", name)
			}
			for _, word := range def.Keywords[name] {
				km.Add(word, kind)
			}
		}
		rs.SetKeywords(km)
	}
	return nil
}

func (b *Builder) buildRule(mode string, sets map[string]*tokenizer.RuleSet, owner *tokenizer.RuleSet, def *RuleDef) (*tokenizer.Rule, error) {
	kind, err := parseKind(def.Kind)
	if err != nil {
		return nil, err
	}

	var opts []tokenizer.RuleOption
	matchKind, err := parseMatchKind(def.MatchKind)
	if err != nil {
		return nil, err
	}
	opts = append(opts, tokenizer.WithMatchKind(matchKind), tokenizer.WithIgnoreCase(def.IgnoreCase || owner.IgnoreCase()))

	var flags tokenizer.Flags
	if def.NoLineBreak {
		flags |= tokenizer.NoLineBreak
	}
	if def.NoWordBreak {
		flags |= tokenizer.NoWordBreak
	}
	if def.NoEscape {
		flags |= tokenizer.NoEscape
	}
	opts = append(opts,
		tokenizer.WithFlags(flags),
		tokenizer.WithStartPos(posMatch(def.AtLineStart, def.AtWhitespaceEnd, def.AtWordStart)),
		tokenizer.WithEndPos(posMatch(def.EndAtLineStart, def.EndAtWhitespaceEnd, def.EndAtWordStart)),
	)
	if def.HashChars != "" {
		opts = append(opts, tokenizer.WithHashChars(def.HashChars))
	}
	if def.EndRegexp {
		opts = append(opts, tokenizer.WithEndRegexp())
	}
	if def.Escape != "" {
		esc, err := tokenizer.NewEscapeRule(def.Escape)
		if err != nil {
			return nil, err
		}
		opts = append(opts, tokenizer.WithEscape(esc))
	}
	if def.Delegate != "" {
		delegate, err := b.lookup(mode, sets, def.Delegate)
		if err != nil {
			return nil, err
		}
		opts = append(opts, tokenizer.WithDelegate(delegate))
	}

	switch strings.ToLower(def.Type) {
	case "seq":
		if def.Regexp {
			return tokenizer.NewRegexpSeqRule(def.Start, kind, opts...)
		}
		return tokenizer.NewSeqRule(def.Start, kind, opts...)
	case "span":
		if def.Regexp {
			return tokenizer.NewRegexpSpanRule(def.Start, def.End, kind, opts...)
		}
		return tokenizer.NewSpanRule(def.Start, def.End, kind, opts...)
	case "eol_span":
		if def.Regexp {
			return tokenizer.NewRegexpEOLSpanRule(def.Start, kind, opts...)
		}
		return tokenizer.NewEOLSpanRule(def.Start, kind, opts...)
	case "mark_previous":
		if def.Regexp {
			return tokenizer.NewRegexpMarkPreviousRule(def.Start, kind, opts...)
		}
		return tokenizer.NewMarkPreviousRule(def.Start, kind, opts...)
	case "mark_following":
		if def.Regexp {
			return tokenizer.NewRegexpMarkFollowingRule(def.Start, kind, opts...)
		}
		return tokenizer.NewMarkFollowingRule(def.Start, kind, opts...)
	}
	return nil, fmt.Errorf("'%s': %w", def.Type, ErrUnknownRuleType)
}

// lookup finds a rule set named "SET" in the mode being built, or
// "mode::SET" in any mode.
func (b *Builder) lookup(mode string, sets map[string]*tokenizer.RuleSet, name string) (*tokenizer.RuleSet, error) {
	otherMode, set, qualified := strings.Cut(name, "::")
	if !qualified {
		set, otherMode = name, mode
	}
	if otherMode == mode {
		if rs, ok := sets[set]; ok {
			return rs, nil
		}
		return nil, fmt.Errorf("'%s': %w", name, ErrUnknownRuleSet)
	}
	if b.resolver == nil {
		return nil, fmt.Errorf("'%s': %w", otherMode, ErrUnknownMode)
	}
	return b.resolver.ResolveRuleSet(otherMode, set)
}

func parseKind(name string) (tokenizer.Kind, error) {
	if name == "" {
		return tokenizer.Null, nil
	}
	kind, err := tokenizer.ParseKind(name)
	if err != nil {
		return tokenizer.Null, err
	}
	if !kind.Valid() {
		return tokenizer.Null, fmt.Errorf("token kind '%s' cannot be used in a grammar", name)
	}
	return kind, nil
}

func parseMatchKind(name string) (tokenizer.MatchKind, error) {
	switch strings.ToLower(name) {
	case "", "rule":
		return tokenizer.MatchRule, nil
	case "context":
		return tokenizer.MatchContext, nil
	}
	kind, err := parseKind(name)
	if err != nil {
		return 0, err
	}
	return tokenizer.MatchAs(kind), nil
}

func posMatch(lineStart, whitespaceEnd, wordStart bool) tokenizer.PosMatch {
	var p tokenizer.PosMatch
	if lineStart {
		p |= tokenizer.AtLineStart
	}
	if whitespaceEnd {
		p |= tokenizer.AtWhitespaceEnd
	}
	if wordStart {
		p |= tokenizer.AtWordStart
	}
	return p
}
