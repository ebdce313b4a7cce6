package tokenizer

import (
	"fmt"
	"sync/atomic"
	"unicode"

	"github.com/dlclark/regexp2"
)

var ruleSetIDs atomic.Uint64

// RuleSet is a named group of rules with its keyword table and defaults. A
// rule set is built once, resolved once with ResolveImports, and is read-only
// afterwards so it can be shared by concurrent MarkTokens calls.
type RuleSet struct {
	id       uint64
	modeName string
	setName  string
	props    map[string]string

	rules    []*Rule           // Insertion order, each rule once
	ruleMap  map[rune][]*Rule  // Rules keyed by upper-cased first character
	anyRules []*Rule           // Rules tried at every character
	dispatch map[rune][]*Rule  // ruleMap entries followed by anyRules; built on resolve
	imports  []*RuleSet

	keywords        *KeywordMap
	defaultKind     Kind
	escapeRule      *Rule
	highlightDigits bool
	digitRegexp     *regexp2.Regexp
	digitSource     string
	noWordSep       string
	noWordSepCache  atomic.Pointer[string]
	terminateChar   int
	ignoreCase      bool
	builtIn         bool
}

// NewRuleSet creates an empty rule set. Its name is "modeName::setName".
func NewRuleSet(modeName, setName string) *RuleSet {
	return &RuleSet{
		id:            ruleSetIDs.Add(1),
		modeName:      modeName,
		setName:       setName,
		props:         make(map[string]string),
		ruleMap:       make(map[rune][]*Rule),
		terminateChar: -1,
	}
}

var standardRuleSets = func() [KindCount]*RuleSet {
	var sets [KindCount]*RuleSet
	for i := range sets {
		kind := Kind(i)
		rs := NewRuleSet("builtin", kind.String())
		rs.defaultKind = kind
		rs.builtIn = true
		rs.dispatch = map[rune][]*Rule{}
		sets[i] = rs
	}
	return sets
}()

// StandardRuleSet returns the built-in rule set that marks everything as
// kind. It has no rules and no keywords.
func StandardRuleSet(kind Kind) *RuleSet {
	if !kind.Valid() {
		kind = Null
	}
	return standardRuleSets[kind]
}

func (rs *RuleSet) ModeName() string { return rs.modeName }
func (rs *RuleSet) SetName() string  { return rs.setName }

// Name returns the qualified name "mode::set".
func (rs *RuleSet) Name() string {
	return rs.modeName + "::" + rs.setName
}

func (rs *RuleSet) String() string {
	return rs.Name()
}

// BuiltIn reports whether rs is one of the standard rule sets.
func (rs *RuleSet) BuiltIn() bool {
	return rs.builtIn
}

// AddRule indexes r under each character it can start with, or under the
// any-character key.
func (rs *RuleSet) AddRule(r *Rule) {
	if rs.builtIn || r == nil {
		return
	}
	rs.addRule(r)
}

func (rs *RuleSet) addRule(r *Rule) {
	for _, existing := range rs.rules {
		if existing == r {
			return
		}
	}
	rs.rules = append(rs.rules, r)
	rs.dispatch = nil
	if len(r.hashChars) == 0 {
		rs.anyRules = append(rs.anyRules, r)
		return
	}
	for _, c := range r.hashChars {
		rs.ruleMap[c] = append(rs.ruleMap[c], r)
	}
}

// Rules returns the candidate rules for ch: the rules for that character in
// insertion order, then the any-character rules.
func (rs *RuleSet) Rules(ch rune) []*Rule {
	key := unicode.ToUpper(ch)
	if rs.dispatch != nil {
		if rules, ok := rs.dispatch[key]; ok {
			return rules
		}
		return rs.anyRules
	}
	return mergeRules(rs.ruleMap[key], rs.anyRules)
}

func mergeRules(forKey, forAny []*Rule) []*Rule {
	switch {
	case len(forKey) == 0:
		return forAny
	case len(forAny) == 0:
		return forKey
	}
	merged := make([]*Rule, 0, len(forKey)+len(forAny))
	merged = append(merged, forKey...)
	return append(merged, forAny...)
}

// AllRules returns every rule in insertion order.
func (rs *RuleSet) AllRules() []*Rule {
	return rs.rules
}

func (rs *RuleSet) RuleCount() int {
	return len(rs.rules)
}

// AddRuleSet queues other for import by ResolveImports.
func (rs *RuleSet) AddRuleSet(other *RuleSet) {
	if rs.builtIn || other == nil {
		return
	}
	rs.imports = append(rs.imports, other)
}

func (rs *RuleSet) Imports() []*RuleSet {
	return rs.imports
}

func (rs *RuleSet) removeImport(other *RuleSet) {
	kept := rs.imports[:0]
	for _, imp := range rs.imports {
		if imp != other {
			kept = append(kept, imp)
		}
	}
	rs.imports = kept
}

// ResolveImports merges the rules and keywords of every imported rule set,
// resolving their own imports first. An import cycle is broken by dropping
// the edge back to the importer before recursing. Calling it again is a
// no-op apart from rebuilding the dispatch table.
func (rs *RuleSet) ResolveImports() {
	copied := false
	for len(rs.imports) > 0 {
		imported := rs.imports[0]
		rs.imports = rs.imports[1:]
		if imported == rs {
			continue
		}
		if len(imported.imports) > 0 {
			imported.removeImport(rs)
			imported.ResolveImports()
		}
		for _, r := range imported.rules {
			rs.addRule(r)
		}
		if imported.keywords != nil {
			// The table may be shared with other rule sets through
			// SetKeywords.
			if rs.keywords == nil {
				rs.keywords = NewKeywordMap(rs.ignoreCase)
			} else if !copied {
				rs.keywords = rs.keywords.Clone()
			}
			copied = true
			rs.keywords.AddAll(imported.keywords)
			rs.noWordSepCache.Store(nil)
		}
		log.Debug("imported rule set", "into", rs.Name(), "from", imported.Name(), "rules", len(imported.rules))
	}
	rs.buildDispatch()
}

func (rs *RuleSet) buildDispatch() {
	dispatch := make(map[rune][]*Rule, len(rs.ruleMap))
	for c, rules := range rs.ruleMap {
		dispatch[c] = mergeRules(append([]*Rule(nil), rules...), rs.anyRules)
	}
	rs.dispatch = dispatch
}

func (rs *RuleSet) Keywords() *KeywordMap {
	return rs.keywords
}

func (rs *RuleSet) SetKeywords(km *KeywordMap) {
	if rs.builtIn {
		return
	}
	rs.keywords = km
	rs.noWordSepCache.Store(nil)
}

// Default returns the kind of text no rule or keyword claims.
func (rs *RuleSet) Default() Kind {
	return rs.defaultKind
}

func (rs *RuleSet) SetDefault(k Kind) {
	if rs.builtIn {
		return
	}
	rs.defaultKind = k
}

func (rs *RuleSet) EscapeRule() *Rule {
	return rs.escapeRule
}

func (rs *RuleSet) SetEscapeRule(r *Rule) {
	if rs.builtIn {
		return
	}
	rs.escapeRule = r
}

func (rs *RuleSet) HighlightDigits() bool {
	return rs.highlightDigits
}

func (rs *RuleSet) SetHighlightDigits(on bool) {
	if rs.builtIn {
		return
	}
	rs.highlightDigits = on
}

// DigitRegexp returns the source of the regexp mixed alphanumeric words must
// match entirely to be marked as digits, or "".
func (rs *RuleSet) DigitRegexp() string {
	return rs.digitSource
}

func (rs *RuleSet) SetDigitRegexp(pattern string) error {
	if rs.builtIn {
		return nil
	}
	if pattern == "" {
		rs.digitRegexp, rs.digitSource = nil, ""
		return nil
	}
	opts := regexp2.None
	if rs.ignoreCase {
		opts |= regexp2.IgnoreCase
	}
	re, err := regexp2.Compile(`\A(?:`+pattern+`)\z`, opts)
	if err != nil {
		return fmt.Errorf("invalid digit regexp '%s': %w", pattern, err)
	}
	re.MatchTimeout = RegexpTimeout
	rs.digitRegexp, rs.digitSource = re, pattern
	return nil
}

func (rs *RuleSet) matchesDigitRegexp(word []rune) bool {
	ok, err := rs.digitRegexp.MatchRunes(word)
	if err != nil {
		log.Debugf("digit regexp of %s abandoned: %s", rs.Name(), err)
		return false
	}
	return ok
}

// TerminateChar returns the column after which the rest of a line is marked
// with the default kind, or -1.
func (rs *RuleSet) TerminateChar() int {
	return rs.terminateChar
}

func (rs *RuleSet) SetTerminateChar(column int) {
	if rs.builtIn {
		return
	}
	if column < 0 {
		column = -1
	}
	rs.terminateChar = column
}

func (rs *RuleSet) IgnoreCase() bool {
	return rs.ignoreCase
}

func (rs *RuleSet) SetIgnoreCase(ignore bool) {
	if rs.builtIn {
		return
	}
	rs.ignoreCase = ignore
}

// NoWordSep returns the characters that do not break words: the configured
// ones plus the non-alphanumeric characters of the keywords.
func (rs *RuleSet) NoWordSep() string {
	if cached := rs.noWordSepCache.Load(); cached != nil {
		return *cached
	}
	sep := rs.noWordSep
	if rs.keywords != nil {
		sep += rs.keywords.NonAlphaNumericChars()
	}
	rs.noWordSepCache.Store(&sep)
	return sep
}

func (rs *RuleSet) SetNoWordSep(chars string) {
	if rs.builtIn {
		return
	}
	rs.noWordSep = chars
	rs.noWordSepCache.Store(nil)
}

func (rs *RuleSet) Property(name string) string {
	return rs.props[name]
}

func (rs *RuleSet) SetProperty(name, value string) {
	if rs.builtIn {
		return
	}
	rs.props[name] = value
}
